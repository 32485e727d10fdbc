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
	"github.com/CortexcartLimited/cortexcart-publisher/internal/publish"
	"github.com/CortexcartLimited/cortexcart-publisher/internal/scheduler"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"golang.org/x/time/rate"
)

// Standalone sweeper for deployments that run the scheduler separately from
// the API. It shares the same claim semantics, so running both is safe.
func main() {
	_ = godotenv.Load()

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

	encKey, err := credentials.KeyFromEnv()
	if err != nil {
		log.Fatalf("Credential encryption key: %v", err)
	}
	manager := credentials.NewManager(credentials.NewStore(db, encKey))
	credentials.RegisterRefreshersFromEnv(manager)

	httpClient := &http.Client{Timeout: 60 * time.Second}
	registry := publish.NewRegistry(manager)
	registry.Register(publish.NewXAdapter(httpClient, rate.NewLimiter(rate.Every(time.Second), 2)))
	registry.Register(publish.NewFacebookAdapter(httpClient, rate.NewLimiter(rate.Every(time.Second), 5)))
	registry.Register(publish.NewPinterestAdapter(httpClient, rate.NewLimiter(rate.Every(time.Second), 5)))
	registry.Register(publish.NewInstagramAdapter(httpClient, rate.NewLimiter(rate.Every(time.Second), 2)))
	registry.Register(publish.NewTikTokAdapter(httpClient, rate.NewLimiter(rate.Every(time.Second), 2)))

	scanner := &scheduler.Scanner{
		DB:       db,
		Registry: registry,
		Recorder: &scheduler.Recorder{DB: db},
		Origin:   os.Getenv("PUBLIC_ORIGIN"),
		Limit:    envInt("SCHEDULER_SWEEP_LIMIT", 25),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-done
		log.Println("Worker shutting down...")
		cancel()
	}()

	interval := time.Duration(envInt("SCHEDULER_INTERVAL_SECONDS", 60)) * time.Second
	scanner.StartWorker(ctx, interval)
	log.Println("Worker exited")
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
