package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/bounds"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/engine"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/learning"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/oracle"
	"github.com/joho/godotenv"
)

// #region config
// Oracle providers.
const (
	ProviderGRPC   = "grpc"
	ProviderOpenAI = "openai"
	ProviderStatic = "static"
)

// Config holds all controller settings. Values come from the environment
// after an optional .env file is loaded.
type Config struct {
	DBPath      string
	HTTPAddr    string
	MetricsAddr string
	LogLevel    string
	BoundsFile  string
	// APIRPS and APIBurst limit requests per client address. APIRPS <= 0
	// disables the limit.
	APIRPS   float64
	APIBurst int
	// ReasonerAddr is where cmd/reasoner listens.
	ReasonerAddr string

	OracleProvider string
	OracleAddr     string
	OpenAIAPIKey   string
	OpenAIBaseURL  string
	OpenAIModel    string

	Guard    oracle.GuardConfig
	Engine   engine.Config
	Learning learning.Config
}

// Load reads ORAL_ENV (default .env) and its .secret sidecar if present, then
// builds a Config from the environment. Missing files are not an error.
func Load() (Config, error) {
	envFile := os.Getenv("ORAL_ENV")
	if envFile == "" {
		envFile = ".env"
	}
	_ = godotenv.Load(envFile)
	_ = godotenv.Load(envFile + ".secret")

	guard := oracle.DefaultGuardConfig()
	eng := engine.DefaultConfig()
	lrn := learning.DefaultConfig()

	cfg := Config{
		DBPath:         envStr("ORAL_DB", "oral.db"),
		HTTPAddr:       envStr("ORAL_HTTP_ADDR", ":8080"),
		MetricsAddr:    envStr("ORAL_METRICS_ADDR", ":9090"),
		LogLevel:       envStr("ORAL_LOG_LEVEL", "info"),
		BoundsFile:     envStr("ORAL_BOUNDS_FILE", ""),
		APIRPS:         envFloat("ORAL_API_RPS", 0),
		APIBurst:       envInt("ORAL_API_BURST", 20),
		ReasonerAddr:   envStr("REASONER_ADDR", ":50051"),
		OracleProvider: envStr("ORACLE_PROVIDER", ProviderStatic),
		OracleAddr:     envStr("ORACLE_ADDR", "localhost:50051"),
		OpenAIAPIKey:   envStr("OPENAI_API_KEY", ""),
		OpenAIBaseURL:  envStr("OPENAI_BASE_URL", ""),
		OpenAIModel:    envStr("OPENAI_MODEL", "gpt-4o-mini"),
		Guard: oracle.GuardConfig{
			Timeout:         envDuration("ORACLE_TIMEOUT", guard.Timeout),
			RetryBackoff:    envDuration("ORACLE_RETRY_BACKOFF", guard.RetryBackoff),
			MaxAttempts:     guard.MaxAttempts,
			RPS:             envFloat("ORACLE_RPS", guard.RPS),
			Burst:           envInt("ORACLE_BURST", guard.Burst),
			BreakerFailures: envInt("ORACLE_BREAKER_FAILURES", guard.BreakerFailures),
			BreakerReset:    envDuration("ORACLE_BREAKER_RESET", guard.BreakerReset),
		},
		Learning: learning.Config{
			MinStep:        envFloat("LEARNING_MIN_STEP", lrn.MinStep),
			MaxStep:        envFloat("LEARNING_MAX_STEP", lrn.MaxStep),
			NoOpBelow:      lrn.NoOpBelow,
			StrongSignal:   lrn.StrongSignal,
			ConflictWindow: envDuration("LEARNING_CONFLICT_WINDOW", lrn.ConflictWindow),
		},
	}
	eng.ConfidenceThreshold = envFloat("CONFIDENCE_THRESHOLD", eng.ConfidenceThreshold)
	eng.StabilityWindow = envDuration("STABILITY_WINDOW", eng.StabilityWindow)
	eng.HistorySize = envInt("HISTORY_SIZE", eng.HistorySize)
	eng.FeedbackHistorySize = envInt("FEEDBACK_HISTORY_SIZE", eng.FeedbackHistorySize)
	cfg.Engine = eng

	return cfg, cfg.Validate()
}

// #endregion config

// #region validate
// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.DBPath == "" {
		errs = append(errs, errors.New("ORAL_DB is required"))
	}
	switch c.OracleProvider {
	case ProviderStatic:
	case ProviderGRPC:
		if c.OracleAddr == "" {
			errs = append(errs, errors.New("ORACLE_ADDR is required for the grpc provider"))
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required for the openai provider"))
		}
		if c.OpenAIModel == "" {
			errs = append(errs, errors.New("OPENAI_MODEL is required for the openai provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("ORACLE_PROVIDER %q: want grpc, openai or static", c.OracleProvider))
	}
	if c.APIRPS > 0 && c.APIBurst <= 0 {
		errs = append(errs, errors.New("ORAL_API_BURST must be positive when ORAL_API_RPS is set"))
	}
	if c.Guard.Timeout <= 0 {
		errs = append(errs, errors.New("ORACLE_TIMEOUT must be positive"))
	}
	if c.Guard.RetryBackoff < 0 {
		errs = append(errs, errors.New("ORACLE_RETRY_BACKOFF must not be negative"))
	}
	if c.Engine.ConfidenceThreshold < 0 || c.Engine.ConfidenceThreshold > 1 {
		errs = append(errs, errors.New("CONFIDENCE_THRESHOLD must be within [0,1]"))
	}
	if c.Engine.StabilityWindow < engine.MinStabilityWindow {
		errs = append(errs, fmt.Errorf("STABILITY_WINDOW must be at least %s", engine.MinStabilityWindow))
	}
	if c.Engine.HistorySize <= 0 || c.Engine.FeedbackHistorySize <= 0 {
		errs = append(errs, errors.New("HISTORY_SIZE and FEEDBACK_HISTORY_SIZE must be positive"))
	}
	if c.Learning.MinStep <= 0 || c.Learning.MaxStep < c.Learning.MinStep {
		errs = append(errs, errors.New("LEARNING_MIN_STEP must be positive and not above LEARNING_MAX_STEP"))
	}
	if c.Learning.ConflictWindow <= 0 {
		errs = append(errs, errors.New("LEARNING_CONFLICT_WINDOW must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Bounds returns the bounds table from BoundsFile, or the built-in table.
func (c Config) Bounds() (bounds.Table, error) {
	if c.BoundsFile == "" {
		return bounds.Default(), nil
	}
	t, err := bounds.Load(c.BoundsFile)
	if err != nil {
		return bounds.Table{}, fmt.Errorf("config: %w", err)
	}
	return t, nil
}

// #endregion validate

// #region env-helpers
func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

// #endregion env-helpers
