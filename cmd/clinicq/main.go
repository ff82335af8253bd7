package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clinicq/internal/config"
	"clinicq/internal/httpapi"
	"clinicq/internal/hub"
	"clinicq/internal/metrics"
	"clinicq/internal/notify"
	"clinicq/internal/scheduler"
	"clinicq/internal/store"
	"clinicq/internal/store/memory"
	"clinicq/internal/store/postgres"
	"clinicq/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg := config.Load()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("service", "clinicq").Logger()

	shutdownTracing := telemetry.Setup("clinicq")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			log.Warn().Err(err).Msg("tracing shutdown")
		}
	}()

	var visits store.VisitStore
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("db connect")
		}
		defer pool.Close()
		visits = postgres.NewStore(pool, postgres.Options{
			FeedbackDelay: cfg.FeedbackDelay,
		})
		log.Info().Msg("using postgres store")
	} else {
		visits = memory.NewStore(memory.Options{
			FeedbackDelay:         cfg.FeedbackDelay,
			AutoTransitionSeconds: cfg.AutoTransitionSeconds,
		})
		log.Warn().Msg("DB_DSN not set, using in-memory store")
	}

	m := metrics.New("clinicq")
	eventHub := hub.New(log)
	eventHub.SetClientGauge(m.RealtimeClients)

	handler := httpapi.NewHandler(visits, eventHub)
	limiter := httpapi.NewRateLimiter(cfg.RateLimitPerMinute, cfg.RateLimitBurst)

	var root http.Handler = handler.Routes()
	root = limiter.Middleware(root)
	root = httpapi.LoggingMiddleware(log, m, root)
	root = otelhttp.NewHandler(root, "clinicq")

	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     root,
		ReadTimeout: 10 * time.Second,
		// the event stream endpoint holds connections open, so no
		// write deadline on the server
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	promoter := scheduler.New(visits, log, cfg.AutoScanInterval, cfg.AutoScanBatchSize)
	promoter.SetPromotionCounter(m.AutoPromotionsTotal)
	go promoter.Run(ctx)

	var sender notify.Sender = notify.LogSender{Log: log}
	if cfg.FeedbackWebhook != "" {
		sender = notify.NewWebhookSender(cfg.FeedbackWebhook)
	}
	dispatcher := notify.New(visits, sender, log, notify.Config{
		Interval:  cfg.FeedbackInterval,
		BatchSize: cfg.FeedbackBatch,
	})
	dispatcher.SetSentCounter(m.FeedbackSentTotal)
	go dispatcher.Run(ctx)

	broadcaster := hub.NewBroadcaster(eventHub, visits, log, cfg.BroadcastInterval, cfg.BroadcastBatch)
	broadcaster.SetTransitionCounter(m.TransitionsTotal)
	go broadcaster.Run(ctx)

	go func() {
		log.Info().Str("addr", server.Addr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}
