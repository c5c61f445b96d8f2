package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/GriffinCanCode/apmtrace/internal/infrastructure/config"
	"github.com/GriffinCanCode/apmtrace/internal/infrastructure/logging"
	"github.com/GriffinCanCode/apmtrace/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/apmtrace/internal/tracing"
)

// Server wraps the HTTP and gRPC servers of a traced service
type Server struct {
	router   *gin.Engine
	http     *http.Server
	grpc     *grpc.Server
	health   *health.Server
	tracer   *tracing.Tracer
	registry *tracing.Registry
	stock    *inventory
	logger   *logging.Logger
	config   *config.Config
	metrics  *monitoring.Metrics

	closeOnce sync.Once
	closeErr  error
}

// NewServer creates a new server instance. Extra tracer options are
// applied after the ones derived from cfg.
func NewServer(cfg *config.Config, logger *logging.Logger, opts ...tracing.Option) (*Server, error) {
	logger.Info("Initializing server",
		zap.String("port", cfg.Server.Port),
		zap.String("grpc_port", cfg.Server.GRPCPort),
		zap.String("agent_url", cfg.Tracer.AgentURL),
	)

	// one registry per server so tests can build several
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitoring.NewMetrics(reg)

	tracer, err := tracing.New(append([]tracing.Option{
		tracing.WithConfig(cfg.Tracer),
		tracing.WithLogger(logger.Logger),
		tracing.WithMetrics(monitoring.NewTracerMetrics(reg)),
	}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}
	logger.Info("Tracer initialized",
		zap.String("service", cfg.Tracer.Service),
		zap.Bool("enabled", cfg.Tracer.Enabled),
	)

	registry := tracing.NewRegistry(tracer)
	registry.Register(inventoryComponent, inventoryOperations...)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(tracer, tracing.WithIgnoredErrors(errUnknownSKU)))
	router.Use(monitoring.Middleware(metrics))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		router.Use(rateLimit(cfg.RateLimit, time.Now))
	}

	s := &Server{
		router:   router,
		tracer:   tracer,
		registry: registry,
		stock:    newInventory(defaultStock()),
		logger:   logger,
		config:   cfg,
		metrics:  metrics,
	}

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	router.GET("/debug/tracer", s.handleTracerStats)
	router.GET("/debug/operations", s.handleOperations)

	router.GET("/inventory/:sku", s.handleGetItem)
	router.POST("/inventory/:sku/reserve", s.handleReserve)

	s.http = &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ShutdownTimeout,
	}

	if cfg.Server.GRPCPort != "" {
		s.health = health.NewServer()
		s.grpc = grpc.NewServer(
			grpc.ChainUnaryInterceptor(tracing.GRPCUnaryInterceptor(tracer)),
			grpc.ChainStreamInterceptor(tracing.GRPCStreamInterceptor(tracer)),
		)
		healthpb.RegisterHealthServer(s.grpc, s.health)
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	}

	logger.Info("Server initialized successfully")
	return s, nil
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Tracer returns the server's tracer
func (s *Server) Tracer() *tracing.Tracer {
	return s.tracer
}

// Run serves HTTP and gRPC until ctx is cancelled or a server fails,
// then shuts everything down.
func (s *Server) Run(ctx context.Context) error {
	var grpcLis net.Listener
	if s.grpc != nil {
		addr := net.JoinHostPort(s.config.Server.Host, s.config.Server.GRPCPort)
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		grpcLis = lis
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("Starting HTTP server", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if grpcLis != nil {
		g.Go(func() error {
			s.logger.Info("Starting gRPC server", zap.String("addr", grpcLis.Addr().String()))
			if err := s.grpc.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer cancel()
		return s.Close(shutdownCtx)
	})

	return g.Wait()
}

// Close gracefully shuts down the servers, then flushes the tracer.
// Only the first call does the work.
func (s *Server) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.logger.Info("Shutting down server...")

		var errs []error
		if err := s.http.Shutdown(ctx); err != nil {
			s.logger.Error("Failed to shut down HTTP server", zap.Error(err))
			errs = append(errs, fmt.Errorf("failed to shut down http server: %w", err))
		}

		if s.grpc != nil {
			s.health.Shutdown()
			stopped := make(chan struct{})
			go func() {
				s.grpc.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-ctx.Done():
				s.grpc.Stop()
			}
		}

		if err := s.tracer.Stop(ctx); err != nil {
			s.logger.Error("Failed to flush tracer", zap.Error(err))
			errs = append(errs, fmt.Errorf("failed to stop tracer: %w", err))
		} else {
			s.logger.Info("Tracer flushed")
		}

		_ = s.logger.Sync()
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
