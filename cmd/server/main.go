package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"github.com/streamtip/backend/internal/database"
	mW "github.com/streamtip/backend/internal/middleware"
	"github.com/streamtip/backend/internal/services"
	httpSwagger "github.com/swaggo/http-swagger"
)

// @title StreamTip Token Ledger API
// @version 1.0
// @description Token ledger and distribution engine for live-streaming tips
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()
	viper.SetEnvPrefix("")

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")
	viper.BindEnv("redis.pool_size", "REDIS_POOL_SIZE")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("dispatch.buffer", "DISPATCH_BUFFER")
	viper.BindEnv("dispatch.workers", "DISPATCH_WORKERS")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	viper.SetDefault("dispatch.buffer", 256)
	viper.SetDefault("dispatch.workers", 4)

	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	settlementService := services.NewSettlementService(db, redisClient)

	publisher := services.NewRealtimePublisher(redisClient)
	experienceService := services.NewExperienceService(db, publisher, nil)
	dispatcher := services.NewDispatcher(
		viper.GetInt("dispatch.buffer"),
		viper.GetInt("dispatch.workers"),
		experienceService.OnSettled,
		publisher.Publish,
	)
	settlementService.SetDispatcher(dispatcher)
	defer dispatcher.Close()

	registry := services.NewSessionRegistry(db)
	tipService := services.NewTipService(db, redisClient, settlementService, registry)

	r := chi.NewRouter()

	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	r.Route("/api/v1", func(r chi.Router) {
		// Collaborator webhooks, authenticated at the gateway
		r.Post("/accounts", tipService.CreateAccount)
		r.Post("/purchases/webhook", tipService.PurchaseWebhook)

		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Post("/tips", tipService.SendTip)
			r.Post("/tips/qr", tipService.GenerateTipQR)
			r.Post("/tips/qr/resolve", tipService.ResolveTipQR)

			r.Post("/revenue/charity", tipService.CreateCharityRevenue)
			r.Post("/withdrawals", tipService.Withdraw)

			r.Get("/accounts/balance", tipService.BalanceEnquiry)
			r.Get("/accounts/ledger", tipService.GetLedger)
			r.Get("/accounts/reconcile", tipService.ReconcileAccount)

			r.Group(func(r chi.Router) {
				r.Use(mW.RequireAdmin)
				r.Post("/distributions/custom", tipService.ForceCustomSplit)
				r.Post("/refunds", tipService.Refund)
			})
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
