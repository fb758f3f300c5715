package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/saurav-z/aether-chat/internal/config"
	"github.com/saurav-z/aether-chat/internal/logging"
	"github.com/saurav-z/aether-chat/internal/server"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	logEncoding := flag.String("log-encoding", "json", "Log encoding (json|console)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel, *logEncoding)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.NewRelayServer(cfg, logger, nil)
	if err := srv.Start(ctx); err != nil {
		logger.Fatal("relay exited with error", zap.Error(err))
	}
}
