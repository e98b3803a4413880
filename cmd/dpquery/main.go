package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"tavren/internal/auth"
	"tavren/internal/budget"
	"tavren/internal/composition"
	"tavren/internal/dataset"
	"tavren/internal/handler"
	"tavren/internal/middleware"
	"tavren/internal/query"
	"tavren/internal/repository/postgres"
	"tavren/pkg/cache"
	"tavren/pkg/config"
	"tavren/pkg/logger"
	"tavren/pkg/validator"
)

func main() {
	cfg := config.Load()
	log := logger.New("dpquery-service")

	if err := cfg.ValidateCore(); err != nil {
		log.Fatal("Invalid configuration", map[string]interface{}{"error": err.Error()})
	}

	log.Info("Starting DP Query Service", map[string]interface{}{
		"port": cfg.Server.Port,
	})

	// Database connection
	db, err := sqlx.Connect("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatal("Failed to connect to database", map[string]interface{}{
			"error": err.Error(),
		})
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	log.Info("Database connected", nil)

	// Redis connection
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatal("Failed to connect to Redis", map[string]interface{}{
			"error": err.Error(),
		})
	}
	defer redisCache.Close()

	log.Info("Redis connected", nil)

	// Repositories
	budgetRepo := postgres.NewBudgetRepository(db)
	auditRepo := postgres.NewAuditRepository(db)
	datasetRepo := postgres.NewDatasetRepository(db)
	apiKeyRepo := postgres.NewAPIKeyRepository(db)

	// Services
	budgetService := budget.NewService(budgetRepo, budget.Config{
		AllocatedEpsilon: decimal.NewFromFloat(cfg.Privacy.MonthlyEpsilon),
		ReserveEpsilon:   decimal.NewFromFloat(cfg.Privacy.ReserveEpsilon),
		ReservationTTL:   cfg.Privacy.ReservationTTL,
		SweepInterval:    cfg.Privacy.SweepInterval,
	}, log)
	datasetService := dataset.NewService(datasetRepo, redisCache, cfg.Privacy.ResultCacheTTL, log)
	apiKeyService := auth.NewAPIKeyService(apiKeyRepo)

	processor := query.NewProcessor(budgetService, datasetService, auditRepo, composition.NewTracker(), query.Config{
		DefaultEpsilon: cfg.Privacy.DefaultEpsilon,
		EpsilonCeiling: cfg.Privacy.EpsilonCeiling,
		DefaultDelta:   cfg.Privacy.DefaultDelta,
		MinRecordCount: cfg.Privacy.MinRecordCount,
	}, log)

	// Handlers
	val := validator.New()
	queryHandler := handler.NewQueryHandler(processor, budgetService, val, log)
	budgetHandler := handler.NewBudgetHandler(budgetService, log)
	datasetHandler := handler.NewDatasetHandler(datasetService, log)
	adminHandler := handler.NewAdminHandler(budgetService, apiKeyService, auditRepo, val, log)
	systemHandler := handler.NewSystemHandler(db, redisCache.Client())

	// Background reservation sweep
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go budgetService.RunSweeper(sweepCtx)

	// Router
	r := mux.NewRouter()

	r.Use(middleware.CORS)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Recovery)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.NewLoggingMiddleware(log).Log)
	r.Use(middleware.BodyLimit(1 << 20))
	r.Use(middleware.NewRateLimiter(redisCache.Client(), 120, time.Minute).Limit)

	r.HandleFunc("/health", systemHandler.Health).Methods("GET")
	r.HandleFunc("/ready", systemHandler.Ready).Methods("GET")

	// Admin routes: operator JWT. Registered before the buyer subrouter so
	// the /api/v1 prefix does not swallow /api/v1/admin paths.
	authMW := middleware.NewAuthMiddleware(cfg.JWT.Secret)
	admin := r.PathPrefix("/api/v1/admin").Subrouter()
	admin.Use(authMW.Authenticate)
	admin.Use(authMW.RequireAdmin)

	admin.HandleFunc("/accounts/{id}/suspend", adminHandler.SuspendAccount).Methods("POST")
	admin.HandleFunc("/accounts/{id}/reinstate", adminHandler.ReinstateAccount).Methods("POST")
	admin.HandleFunc("/apikeys", adminHandler.CreateAPIKey).Methods("POST")
	admin.HandleFunc("/apikeys", adminHandler.ListAPIKeys).Methods("GET")
	admin.HandleFunc("/apikeys/{id}", adminHandler.RevokeAPIKey).Methods("DELETE")
	admin.HandleFunc("/audit", adminHandler.GetAuditLogs).Methods("GET")

	// Buyer routes: API key auth
	apiKeyMW := middleware.NewAPIKeyMiddleware(apiKeyService)
	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(apiKeyMW.Authenticate)
	api.Use(middleware.NewRateLimiter(redisCache.Client(), 80, time.Minute).Limit)

	idempotencyMW := middleware.NewIdempotencyMiddleware(redisCache, log, cfg.Privacy.ResultCacheTTL)
	api.Handle("/queries", idempotencyMW.Handle(http.HandlerFunc(queryHandler.SubmitQuery))).Methods("POST")
	api.HandleFunc("/budgets/{dataset}", budgetHandler.GetBudget).Methods("GET")
	api.HandleFunc("/datasets", datasetHandler.ListDatasets).Methods("GET")
	api.HandleFunc("/datasets/{key}", datasetHandler.GetDataset).Methods("GET")

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Graceful shutdown
	go func() {
		log.Info("DP query service started", map[string]interface{}{
			"address": srv.Addr,
		})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed to start", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down DP query service...", nil)
	stopSweep()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("DP query service forced to shutdown", map[string]interface{}{
			"error": err.Error(),
		})
	}

	log.Info("DP query service stopped gracefully", nil)
}
