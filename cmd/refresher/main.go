package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"github.com/pricewatch/amazon-price-watcher/internal/api"
	"github.com/pricewatch/amazon-price-watcher/internal/browser"
	"github.com/pricewatch/amazon-price-watcher/internal/config"
	"github.com/pricewatch/amazon-price-watcher/internal/database"
	"github.com/pricewatch/amazon-price-watcher/internal/events"
	"github.com/pricewatch/amazon-price-watcher/internal/fetch"
	"github.com/pricewatch/amazon-price-watcher/internal/ratelimit"
	"github.com/pricewatch/amazon-price-watcher/internal/recorder"
	"github.com/pricewatch/amazon-price-watcher/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Command line flags override the environment.
	var (
		limit      = flag.Int("limit", cfg.Refresher.BatchLimit, "Maximum number of products to refresh")
		maxRetries = flag.Int("max-retries", cfg.Refresher.MaxRetries, "Fetch attempts per product")
		headless   = flag.Bool("headless", cfg.Browser.Headless, "Run browser in headless mode")
		port       = flag.Int("port", cfg.Server.Port, "HTTP port for progress and captcha endpoints")
	)
	flag.Parse()

	// Setup logging
	logLevel := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	// Database connection. Without it there is nothing to refresh.
	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Name,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    1,
		MaxConnLife: 5 * time.Minute,
		MaxConnIdle: 1 * time.Minute,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	logger.Info("connected to database")

	// Browser setup. Acquired exactly once for the whole batch.
	browserOpts := browser.DefaultOptions()
	browserOpts.Headless = *headless
	browserOpts.Timeout = cfg.Browser.Timeout

	b, err := browser.New(browserOpts)
	if err != nil {
		logger.Error("failed to create browser", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	driver, err := fetch.NewPlaywrightDriver(b)
	if err != nil {
		logger.Error("failed to open page", "error", err)
		os.Exit(1)
	}
	defer driver.Close()

	resolver := fetch.NewManualResolver()

	// An operator can acknowledge a solved captcha by pressing Enter in the
	// terminal or by POSTing to the resolve endpoint.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if blocked, url := resolver.Blocked(); blocked {
				logger.Info("captcha resolution acknowledged via stdin", "url", url)
			}
			resolver.Acknowledge()
		}
	}()

	// Optional Redis relay for the transactional outbox.
	var relay *events.Relay
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}

		relay = events.NewRelay(database.NewOutboxRepository(db), redisClient, logger, events.RelayConfig{
			PollInterval: 5 * time.Second,
			BatchSize:    100,
		})
		go func() {
			if err := relay.Start(ctx); err != nil && err != context.Canceled {
				logger.Error("relay stopped with error", "error", err)
			}
		}()
	} else {
		logger.Info("REDIS_ADDR not set, price change events stay in the outbox")
	}

	// Pipeline wiring
	publisher := events.NewPublisher(db, logger)
	rec := recorder.New(db, publisher, logger)
	session := fetch.NewSession(driver, resolver, fetch.SessionOptions{
		MaxRetries: *maxRetries,
		WaitWindow: cfg.Refresher.WaitWindow,
		RetryDelay: cfg.Refresher.RetryDelay,
	})
	limiter := ratelimit.NewSimpleRateLimiter(cfg.Refresher.PaceMin, cfg.Refresher.PaceMax)
	tracker := scheduler.NewTracker()
	sched := scheduler.New(db, session, rec, limiter, tracker)

	server := startServer(*port, tracker, resolver, db, relay, logger)

	// Run the batch
	snap, err := sched.Run(ctx, *limit)
	if err != nil {
		logger.Error("refresh batch aborted", "error", err)
	}
	logger.Info("exiting",
		"completed", snap.Completed,
		"failed", snap.Failed,
		"changed", snap.Changed,
	)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	if err != nil {
		os.Exit(1)
	}
}

// startServer exposes progress, captcha acknowledgment and catalog reads
// while the batch runs.
func startServer(port int, tracker *scheduler.Tracker, resolver *fetch.ManualResolver, db *database.DB, relay *events.Relay, logger *slog.Logger) *http.Server {
	handlers := api.NewHandlers(tracker, resolver, db, logger)

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "https://localhost:*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		health := map[string]interface{}{
			"status": "ok",
		}

		status := http.StatusOK
		if relay != nil {
			pendingCount, _ := relay.PendingCount(req.Context())
			deadLetterCount, _ := relay.DeadLetterCount(req.Context())
			health["outbox"] = map[string]interface{}{
				"pending":     pendingCount,
				"dead_letter": deadLetterCount,
			}

			if pendingCount > 1000 {
				health["status"] = "warning"
				health["message"] = "High number of pending outbox events"
			}
			if deadLetterCount > 100 {
				health["status"] = "error"
				health["message"] = "High number of dead letter events"
				status = http.StatusServiceUnavailable
			}
		}

		w.WriteHeader(status)
		json.NewEncoder(w).Encode(health)
	})

	// API Routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/progress", handlers.GetProgress)
		r.Get("/captcha", handlers.GetCaptchaStatus)
		r.Post("/captcha/resolve", handlers.ResolveCaptcha)
		r.Route("/products/{asin}", func(r chi.Router) {
			r.Get("/", handlers.GetProduct)
			r.Get("/history", handlers.GetProductHistory)
		})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
		}
	}()

	return server
}
