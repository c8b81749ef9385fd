package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/api"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/audit"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/config"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/engine"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/learning"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/logging"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/oracle"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/ranking"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	version         = "0.1.0"
	shutdownTimeout = 10 * time.Second
)

// #region main
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("controller stopped", zap.Error(err))
	}
	logger.Info("controller stopped")
}

// #endregion main

// #region run
func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	shutdownTelemetry, err := telemetry.InitProvider(ctx, telemetry.ProviderConfig{ServiceVersion: version})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}()
	metrics, err := telemetry.Default()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	table, err := cfg.Bounds()
	if err != nil {
		return err
	}

	store, err := ranking.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open ranking store: %w", err)
	}
	defer store.Close()

	recorder, err := audit.NewSQLiteRecorder(store.DB())
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	if err := recorder.Verify(ctx); err != nil {
		// Logged only. Cycles keep running.
		logger.Error("audit chain verification failed", zap.Error(err))
	}

	backend, closer, err := newBackend(cfg, logger)
	if err != nil {
		return err
	}
	defer closer.Close()

	tracker := learning.NewTracker(store, cfg.Learning, logger)
	guarded := oracle.NewGuarded(backend, cfg.Guard, logger)
	eng := engine.New(cfg.Engine, engine.Deps{
		Oracle:  guarded,
		Tracker: tracker,
		Table:   table,
		Audit:   recorder,
		Metrics: metrics,
		Logger:  logger,
	})

	srv := api.NewServer(eng,
		api.WithMetrics(metrics),
		api.WithLogger(logger),
		api.WithPing(store.DB().PingContext),
		api.WithBreaker(guarded.Breaker()),
		api.WithRateLimit(cfg.APIRPS, cfg.APIBurst),
	)

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", telemetry.Handler())
	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("controller ready",
		zap.String("version", version),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("metrics_addr", cfg.MetricsAddr),
		zap.String("db", cfg.DBPath),
		zap.String("oracle", cfg.OracleProvider),
		zap.String("bounds_version", table.Version),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serve(httpSrv) })
	g.Go(func() error { return serve(metricsSrv) })
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(httpSrv.Shutdown(sctx), metricsSrv.Shutdown(sctx))
	})
	return g.Wait()
}

func serve(s *http.Server) error {
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen %s: %w", s.Addr, err)
	}
	return nil
}

// #endregion run

// #region backend
type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// newBackend builds the configured oracle. The returned closer releases any
// connection it holds.
func newBackend(cfg config.Config, logger *zap.Logger) (oracle.ReasoningBackend, io.Closer, error) {
	switch cfg.OracleProvider {
	case config.ProviderGRPC:
		b, err := oracle.DialGRPC(cfg.OracleAddr)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("oracle: grpc", zap.String("addr", cfg.OracleAddr))
		return b, b, nil
	case config.ProviderOpenAI:
		var opts []oracle.OpenAIOption
		if cfg.OpenAIBaseURL != "" {
			opts = append(opts, oracle.WithBaseURL(cfg.OpenAIBaseURL))
		}
		b, err := oracle.NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIModel, opts...)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("oracle: openai", zap.String("model", cfg.OpenAIModel))
		return b, nopCloser{}, nil
	default:
		logger.Info("oracle: static")
		return oracle.StaticBackend{}, nopCloser{}, nil
	}
}

// #endregion backend
