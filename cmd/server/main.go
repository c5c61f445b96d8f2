package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/apmtrace/internal/infrastructure/config"
	"github.com/GriffinCanCode/apmtrace/internal/infrastructure/logging"
	"github.com/GriffinCanCode/apmtrace/internal/infrastructure/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// flags override the environment
	flag.StringVar(&cfg.Server.Port, "port", cfg.Server.Port, "HTTP port")
	flag.StringVar(&cfg.Server.GRPCPort, "grpc-port", cfg.Server.GRPCPort, "gRPC port, empty disables gRPC")
	flag.StringVar(&cfg.Tracer.AgentURL, "agent", cfg.Tracer.AgentURL, "Trace collector URL")
	flag.BoolVar(&cfg.Logging.Development, "dev", cfg.Logging.Development, "Development logging")
	flag.Parse()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logCfg := logging.DefaultConfig()
	if cfg.Logging.Development {
		logCfg = logging.DevelopmentConfig()
	} else {
		logCfg.Level = cfg.Logging.Level
	}
	logCfg.Service = cfg.Tracer.Service
	logger, err := logging.New(logCfg)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	srv, err := server.NewServer(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create server", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// an unreachable collector is not fatal; payloads are retried, then dropped
	checkCtx, cancel := context.WithTimeout(ctx, cfg.Tracer.RequestTimeout)
	info, err := srv.Tracer().CheckAgent(checkCtx)
	cancel()
	switch {
	case err != nil:
		logger.Warn("Trace collector unreachable", zap.String("url", cfg.Tracer.AgentURL), zap.Error(err))
	case !info.SupportsTraces():
		logger.Warn("Trace collector does not accept traces", zap.Strings("endpoints", info.Endpoints))
	default:
		logger.Info("Connected to trace collector", zap.String("version", info.Version))
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("Server error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("Server stopped")
}
