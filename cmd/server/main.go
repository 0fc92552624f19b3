package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/propledger/backend/internal/audit"
	"github.com/propledger/backend/internal/authz"
	"github.com/propledger/backend/internal/config"
	"github.com/propledger/backend/internal/database"
	"github.com/propledger/backend/internal/handlers"
	"github.com/propledger/backend/internal/logging"
	"github.com/propledger/backend/internal/metrics"
	mW "github.com/propledger/backend/internal/middleware"
	"github.com/propledger/backend/internal/outbox"
	"github.com/propledger/backend/internal/services"
	"github.com/propledger/backend/internal/telemetry"
	"github.com/propledger/backend/internal/tenancy"
)

// @title Property Ledger API
// @version 1.0
// @description Tenant-isolated ledger mutation and query API
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	}

	// Initialize storage
	db, err := database.InitDB(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if cfg.Database.ApplySchema {
		if err := database.ApplySchema(ctx, db); err != nil {
			logger.Fatal("failed to apply schema", zap.Error(err))
		}
		logger.Info("schema applied")
	}

	redisClient := database.InitRedis(ctx, cfg.Redis, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	// Initialize services
	runner := tenancy.NewPostgresRunner(db, cfg.Database.LockTimeout, logger)
	validator := authz.NewValidator(authz.NewPostgresMembershipRepository(), logger)
	repo := services.NewPostgresLedgerRepository()
	publisher := outbox.NewPublisher(cfg.Ledger.ServiceName)
	auditLogger := audit.NewAuditLogger(logger)
	cache := services.NewBalanceCache(redisClient, cfg.Ledger.BalanceCacheTTL)

	ledgerService := services.NewLedgerService(repo, publisher, logger)
	mutationService := services.NewMutationService(runner, validator, ledgerService,
		services.NewClientTokenStore(redisClient, cfg.Idempotency.TTL), cache, auditLogger, m,
		services.MutationConfig{TransientRetries: cfg.Ledger.TransientRetries}, logger)
	queryService := services.NewQueryService(runner, validator, repo, cache, m, cfg.Ledger.HistoryLimit, logger)
	outboxAdmin := services.NewOutboxAdminService(runner, validator, outbox.NewPostgresStore(db), auditLogger, m, logger)

	ledgerHandler := handlers.NewLedgerHandler(mutationService, queryService, outboxAdmin, logger)
	auth := mW.NewAuthenticator(cfg.JWT.SecretKey, logger)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(mW.CorrelationID)
	r.Use(mW.Logging(logger))
	r.Use(mW.Recovery(logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", handlers.IdempotencyHeader, mW.CorrelationHeader},
		ExposedHeaders:   []string{mW.CorrelationHeader, "Retry-After"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status, code := "healthy", http.StatusOK
		if err := db.PingContext(r.Context()); err != nil {
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]any{"status": status, "redis": redisClient != nil})
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware)
		ledgerHandler.Routes(r)
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		logger.Info("server starting", zap.String("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown failed", zap.Error(err))
	}

	logger.Info("server stopped")
}
