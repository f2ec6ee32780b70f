package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tortugas-leaderboard/internal/config"
	"tortugas-leaderboard/internal/database"
	"tortugas-leaderboard/internal/handlers"
	"tortugas-leaderboard/internal/metrics"
	"tortugas-leaderboard/internal/middleware"
	"tortugas-leaderboard/internal/oauth"
	"tortugas-leaderboard/internal/score"
	"tortugas-leaderboard/internal/strava"
	"tortugas-leaderboard/internal/worker"
)

func main() {
	listSubscriptions := flag.Bool("list-strava-subscriptions", false, "List all Strava webhook subscriptions")
	deleteSubscription := flag.String("delete-strava-subscription", "", "Delete a Strava webhook subscription by ID")
	createSubscription := flag.Bool("create-strava-subscription", false, "Create a Strava webhook subscription")
	callbackURL := flag.String("callback-url", "", "Webhook callback URL for -create-strava-subscription")

	flag.Parse()

	if *listSubscriptions || *deleteSubscription != "" || *createSubscription {
		runCLI(*listSubscriptions, *deleteSubscription, *createSubscription, *callbackURL)
		return
	}

	runServer()
}

// credentialStore adapts the database to the token gate's credential surface
type credentialStore struct {
	db *database.DB
}

func (s *credentialStore) GetCredential(athleteID int64) (*strava.Credential, error) {
	athlete, err := s.db.GetAthlete(athleteID)
	if err != nil {
		return nil, err
	}
	if athlete == nil {
		return nil, nil
	}
	return &strava.Credential{
		AthleteID:    athlete.AthleteID,
		AccessToken:  athlete.AccessToken,
		RefreshToken: athlete.RefreshToken,
		ExpiresAt:    athlete.ExpiresAt,
		Authorized:   athlete.Authorized,
	}, nil
}

func (s *credentialStore) UpdateAthleteTokens(athleteID int64, accessToken, refreshToken string, expiresAt int64) error {
	return s.db.UpdateAthleteTokens(athleteID, accessToken, refreshToken, expiresAt)
}

// quotaStatus adapts the quota limiter to the metrics collector's surface
type quotaStatus struct {
	limiter *strava.QuotaLimiter
}

func (q *quotaStatus) Status() (shortLimit, shortUsed, longLimit, longUsed int) {
	s := q.limiter.Status()
	return s.ShortLimit, s.ShortUsed, s.LongLimit, s.LongUsed
}

func runCLI(listSubs bool, deleteSub string, createSub bool, callbackURL string) {
	// Plain text logging, errors only, for CLI use
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	})))

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	client, err := strava.NewClient(cfg, &credentialStore{db: db})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to create Strava client: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()

	switch {
	case listSubs:
		handleListSubscriptions(ctx, client)
	case deleteSub != "":
		handleDeleteSubscription(ctx, client, deleteSub)
	case createSub:
		handleCreateSubscription(ctx, client, callbackURL)
	}
}

func handleListSubscriptions(ctx context.Context, client *strava.Client) {
	subscriptions, err := client.ListSubscriptions(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to list subscriptions: %v\n", err)
		os.Exit(1)
	}

	if len(subscriptions) == 0 {
		fmt.Println("No active subscriptions found.")
		return
	}

	fmt.Printf("Found %d subscription(s):\n\n", len(subscriptions))
	for _, sub := range subscriptions {
		fmt.Printf("ID: %d\n", sub.ID)
		fmt.Printf("  Application ID: %d\n", sub.ApplicationID)
		fmt.Printf("  Callback URL: %s\n", sub.CallbackURL)
		fmt.Printf("  Created: %s\n", sub.CreatedAt)
		fmt.Printf("  Updated: %s\n", sub.UpdatedAt)
		fmt.Println()
	}
}

func handleDeleteSubscription(ctx context.Context, client *strava.Client, idStr string) {
	subscriptionID, err := strconv.Atoi(idStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Invalid subscription ID: %s\n", idStr)
		os.Exit(1)
	}

	fmt.Printf("Deleting subscription %d...\n", subscriptionID)

	if err := client.DeleteSubscription(ctx, subscriptionID); err != nil {
		if strava.IsNotFound(err) {
			fmt.Fprintf(os.Stderr, "Error: Subscription %d not found\n", subscriptionID)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}

	fmt.Println("✓ Subscription deleted successfully!")
}

func handleCreateSubscription(ctx context.Context, client *strava.Client, callbackURL string) {
	if callbackURL == "" {
		fmt.Fprintln(os.Stderr, "Error: -callback-url is required with -create-strava-subscription")
		os.Exit(1)
	}

	fmt.Printf("Creating webhook subscription...\n")
	fmt.Printf("Callback URL: %s\n\n", callbackURL)

	subscription, err := client.CreateSubscription(ctx, callbackURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("✓ Subscription created successfully!")
	fmt.Printf("  ID: %d\n", subscription.ID)
}

func runServer() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Starting tortugas-leaderboard server",
		"host", cfg.Host,
		"port", cfg.Port,
		"database", cfg.DatabasePath,
		"log_level", cfg.LogLevel)

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	logger.Info("Database opened successfully")

	stravaClient, err := strava.NewClient(cfg, &credentialStore{db: db})
	if err != nil {
		logger.Error("Failed to create Strava client", "error", err)
		os.Exit(1)
	}

	oauthManager := oauth.NewManager(cfg, db, stravaClient)
	aggregator := score.NewAggregator(db)

	oauthHandler := handlers.NewOAuthHandler(oauthManager, cfg)
	webhookHandler := handlers.NewWebhookHandler(db, cfg)
	leaderboardHandler := handlers.NewLeaderboardHandler(db, aggregator, cfg)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)

	r.With(middleware.Metrics(metrics.EndpointOAuthStart)).
		Get("/oauth-start", oauthHandler.HandleAuthStart)
	r.With(middleware.Metrics(metrics.EndpointOAuthCallback)).
		Get("/oauth-callback", oauthHandler.HandleCallback)

	r.With(middleware.Metrics(metrics.EndpointWebhook)).
		Get("/webhook-callback", webhookHandler.HandleVerification)
	r.With(middleware.Metrics(metrics.EndpointWebhook)).
		Post("/webhook-callback", webhookHandler.HandleEvent)

	r.Route("/api", func(r chi.Router) {
		r.With(middleware.Metrics(metrics.EndpointLeaderboard)).
			Get("/leaderboard", leaderboardHandler.HandleWeekly)
		r.With(middleware.Metrics(metrics.EndpointLeaderboardRange)).
			Get("/leaderboard/range", leaderboardHandler.HandleRange)
		r.With(middleware.Metrics(metrics.EndpointBreakdown)).
			Get("/athletes/{athleteID}/breakdown", leaderboardHandler.HandleBreakdown)
		r.With(middleware.Metrics(metrics.EndpointResync)).
			Post("/athletes/{athleteID}/resync", leaderboardHandler.HandleResync)
	})

	r.With(middleware.Metrics(metrics.EndpointHealth)).
		Get("/health", func(w http.ResponseWriter, req *http.Request) {
			if err := db.Health(); err != nil {
				http.Error(w, "unhealthy", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		})

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  35 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	workerInstance := worker.NewWorker(db, stravaClient)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go func() {
		logger.Info("Starting ingestion worker")
		if err := workerInstance.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Ingestion worker failed", "error", err)
		}
	}()

	if cfg.MetricsEnabled {
		go func() {
			logger.Info("Starting metrics collector")
			metrics.StartCollector(workerCtx, db, &quotaStatus{limiter: stravaClient.Limiter()}, 15*time.Second)
		}()
	}

	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())

		metricsAddr := fmt.Sprintf("%s:%d", cfg.MetricsHost, cfg.MetricsPort)
		metricsServer = &http.Server{
			Addr:    metricsAddr,
			Handler: metricsMux,
		}

		go func() {
			logger.Info("Metrics server listening", "addr", metricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
	}

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")

	workerCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Metrics server shutdown failed", "error", err)
		}
	}

	logger.Info("Server stopped")
}
