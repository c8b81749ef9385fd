// Command reasoner serves the static reasoning backend over gRPC. It stands in
// for the model sidecar in local runs and integration environments.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/config"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/logging"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/oracle"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}
	logger := logging.Must(cfg.LogLevel)
	defer logger.Sync()

	lis, err := net.Listen("tcp", cfg.ReasonerAddr)
	if err != nil {
		logger.Fatal("listen", zap.String("addr", cfg.ReasonerAddr), zap.Error(err))
	}

	srv := grpc.NewServer()
	oracle.RegisterReasonerServer(srv, oracle.NewReasonerServer(oracle.StaticBackend{}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()

	logger.Info("reasoner ready", zap.String("addr", lis.Addr().String()))
	if err := srv.Serve(lis); err != nil {
		logger.Fatal("serve", zap.Error(err))
	}
	logger.Info("reasoner stopped")
}
