package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/CortexcartLimited/cortexcart-publisher/internal/credentials"
	"github.com/CortexcartLimited/cortexcart-publisher/internal/handlers"
	"github.com/CortexcartLimited/cortexcart-publisher/internal/publish"
	"github.com/CortexcartLimited/cortexcart-publisher/internal/scheduler"
	"github.com/CortexcartLimited/cortexcart-publisher/internal/workers"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/cors"
	"golang.org/x/time/rate"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Root context for background workers and graceful shutdown
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL environment variable is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	// Run migrations on startup
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		log.Fatalf("Failed to init migration driver: %v", err)
	}
	migrator, err := migrate.NewWithDatabaseInstance("file://db/migrations", "postgres", driver)
	if err != nil {
		log.Fatalf("Failed to create migrator: %v", err)
	}
	if err := migrator.Up(); err != nil && err != migrate.ErrNoChange {
		log.Fatalf("Database migration failed: %v", err)
	}
	log.Println("Database is up-to-date")

	// Credential manager: encrypted store + per-platform OAuth refreshers.
	encKey, err := credentials.KeyFromEnv()
	if err != nil {
		log.Fatalf("Credential encryption key: %v", err)
	}
	store := credentials.NewStore(db, encKey)
	manager := credentials.NewManager(store)
	credentials.RegisterRefreshersFromEnv(manager)

	// Publish registry: one adapter per platform, each with its own rate limiter.
	httpClient := &http.Client{Timeout: 60 * time.Second}
	registry := publish.NewRegistry(manager)
	registry.Register(publish.NewXAdapter(httpClient, rate.NewLimiter(rate.Every(time.Second), 2)))
	registry.Register(publish.NewFacebookAdapter(httpClient, rate.NewLimiter(rate.Every(time.Second), 5)))
	registry.Register(publish.NewPinterestAdapter(httpClient, rate.NewLimiter(rate.Every(time.Second), 5)))
	registry.Register(publish.NewInstagramAdapter(httpClient, rate.NewLimiter(rate.Every(time.Second), 2)))
	registry.Register(publish.NewTikTokAdapter(httpClient, rate.NewLimiter(rate.Every(time.Second), 2)))

	recorder := &scheduler.Recorder{DB: db}
	scanner := &scheduler.Scanner{
		DB:       db,
		Registry: registry,
		Recorder: recorder,
		Origin:   os.Getenv("PUBLIC_ORIGIN"),
		Limit:    envInt("SCHEDULER_SWEEP_LIMIT", 25),
	}

	h := handlers.New(db, registry, scanner, store)
	// The handler's websocket hub doubles as the recorder's event sink.
	recorder.Events = h

	r := mux.NewRouter()
	handlers.RegisterRoutes(h, r)

	// CORS middleware
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	handler := c.Handler(r)

	port := os.Getenv("PORT")
	if port == "" {
		port = "18911"
	}

	srv := &http.Server{
		Handler:      handler,
		Addr:         ":" + port,
		WriteTimeout: 120 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	// Handle graceful shutdown on SIGINT/SIGTERM
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	// Background: due-post sweeper. Deployments that trigger sweeps via the
	// API endpoint instead run with SCHEDULER_WORKER_ENABLED=false.
	{
		enabled := os.Getenv("SCHEDULER_WORKER_ENABLED")
		if enabled == "" || enabled == "true" {
			interval := time.Duration(envInt("SCHEDULER_INTERVAL_SECONDS", 60)) * time.Second
			go scanner.StartWorker(rootCtx, interval)
		} else {
			log.Printf("[Scheduler] worker disabled via SCHEDULER_WORKER_ENABLED=%q", enabled)
		}
	}

	// Background: notification retention cleanup.
	cleanup := &workers.NotificationCleanupWorker{DB: db}
	go cleanup.Start(rootCtx)

	go func() {
		<-stop
		log.Println("Shutting down server...")
		cancel()
		ctx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("Server starting on port %s", port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
	log.Println("Server stopped")
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n <= 0 {
		return def
	}
	return n
}
