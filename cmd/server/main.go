package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-plt-workflows/internal/cache"
	"github.com/pesio-ai/be-plt-workflows/internal/client"
	"github.com/pesio-ai/be-plt-workflows/internal/config"
	"github.com/pesio-ai/be-plt-workflows/internal/database"
	"github.com/pesio-ai/be-plt-workflows/internal/events"
	"github.com/pesio-ai/be-plt-workflows/internal/handler"
	"github.com/pesio-ai/be-plt-workflows/internal/httpclient"
	"github.com/pesio-ai/be-plt-workflows/internal/logger"
	"github.com/pesio-ai/be-plt-workflows/internal/metrics"
	"github.com/pesio-ai/be-plt-workflows/internal/repository"
	"github.com/pesio-ai/be-plt-workflows/internal/service"
	"github.com/pesio-ai/be-plt-workflows/internal/session"
	"github.com/pesio-ai/be-plt-workflows/internal/workflow"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Workflows Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, database.Config{
		DSN:         cfg.Database.DSN(),
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Initialize repositories
	sessionRepo := repository.NewEditSessionRepository(db, cfg.Workflow.SaveLease)
	auditRepo := repository.NewAuditRepository(db)

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Remote API client
	api := client.NewWorkflowsClient(httpclient.NewClient(cfg.API.BaseURL,
		httpclient.WithTimeout(cfg.API.Timeout),
		httpclient.WithObserver(m.ObserveUpstream),
	))
	log.Info().Str("base_url", cfg.API.BaseURL).Msg("Workflows API client initialized")

	// Cache and cross-replica invalidation
	cacheManager := cache.NewManager(cfg.Cache)
	origin := uuid.NewString()

	var (
		nc        *nats.Conn
		publisher service.EventPublisher
	)
	if cfg.NATS.URL != "" {
		nc, err = events.Connect(cfg.NATS.URL, cfg.Service.Name, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer nc.Drain()

		subjects := events.NewSubjects(cfg.NATS.SubjectPrefix)
		publisher = events.NewPublisher(nc, subjects, origin, log.Logger)
		if cacheManager != nil {
			subscriber := events.NewSubscriber(origin, cacheManager, log.Logger)
			if _, err := subscriber.Subscribe(nc, subjects); err != nil {
				log.Fatal().Err(err).Msg("Failed to subscribe to cache invalidations")
			}
		}
		log.Info().Str("url", cfg.NATS.URL).Str("origin", origin).Msg("NATS connection established")
	} else {
		log.Warn().Msg("NATS disabled; events are not published and caches are not shared")
	}

	// Initialize services
	definitionService := service.NewDefinitionService(api, api, sessionRepo, auditRepo, publisher, cacheManager, m,
		log.Component("definitions"),
		service.WithSaveConcurrency(cfg.Workflow.SaveConcurrency),
	)
	requestService := service.NewRequestService(api, api, auditRepo, publisher, cacheManager, m,
		workflow.Gate{RoleGating: cfg.Workflow.RoleGating},
		log.Component("requests"),
	)

	tokens := session.NewTokenParser(cfg.Auth.JWTSecret)
	if cfg.Auth.JWTSecret == "" {
		log.Warn().Msg("auth.jwt_secret is empty; bearer token signatures are not verified locally")
	}

	// HTTP server
	healthChecks := map[string]handler.HealthCheck{
		"database": func(ctx context.Context) error { return db.Ping(ctx) },
	}
	if nc != nil {
		healthChecks["nats"] = func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats status %s", nc.Status())
			}
			return nil
		}
	}

	router := handler.NewRouter(handler.RouterConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RequestTimeout: cfg.Server.RequestTimeout,
		Tokens:         tokens,
		Metrics:        m.Handler(),
		Health:         healthChecks,
	}, handler.NewHTTPHandler(definitionService, requestService, log.Component("http")), log)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Start gRPC server
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(handler.UnaryLogger(log.Component("grpc"))))
	handler.NewGRPCHandler(requestService, tokens, log).Register(grpcServer)

	healthServer := health.NewServer()
	healthServer.SetServingStatus(handler.RequestGateServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	go func() {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	// Stop gRPC server gracefully
	grpcServer.GracefulStop()

	log.Info().Msg("Server stopped")
}
