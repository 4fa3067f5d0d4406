// cs-dispatch server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/playfront/cs-dispatch/internal/aiadapter"
	"github.com/playfront/cs-dispatch/internal/auth"
	"github.com/playfront/cs-dispatch/internal/config"
	"github.com/playfront/cs-dispatch/internal/cryptutil"
	"github.com/playfront/cs-dispatch/internal/domain"
	"github.com/playfront/cs-dispatch/internal/httpapi"
	"github.com/playfront/cs-dispatch/internal/metrics"
	"github.com/playfront/cs-dispatch/internal/priority"
	"github.com/playfront/cs-dispatch/internal/queue"
	"github.com/playfront/cs-dispatch/internal/ratelimit"
	"github.com/playfront/cs-dispatch/internal/realtime"
	"github.com/playfront/cs-dispatch/internal/session"
	"github.com/playfront/cs-dispatch/internal/store"
	"github.com/playfront/cs-dispatch/internal/translation"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.IsDevelopment())
	slog.SetDefault(logger)
	logger.Info("starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	repo, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			logger.Error("failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		logger.Error("database health check failed", "error", err)
		os.Exit(1)
	}
	logger.Info("database connected")

	decryptor, err := cryptutil.NewAESGCMDecryptor(cfg.EncryptionKey)
	if err != nil {
		logger.Error("failed to initialize credential decryptor", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	collector, registry := metrics.New(registry)

	aiAdapter := aiadapter.New(decryptor, collector, logger)
	translationAdapter := translation.New(repo, cfg.Translation.BaseURL, cfg.Translation.APIKey, collector)
	issuer := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	wsPolicy := ratelimit.WSPolicy{
		PlayerPerMinute: cfg.Hub.Player.PerMinute, PlayerBurst: cfg.Hub.Player.Burst,
		AgentPerMinute: cfg.Hub.Agent.PerMinute, AgentBurst: cfg.Hub.Agent.Burst,
		NoticeCooldown: cfg.Hub.RateNoticeCooldown, IdleSweepAfter: cfg.Hub.HeartbeatTimeout,
	}
	connLimiters := ratelimit.NewConnectionLimiters(wsPolicy)
	hub := realtime.New(repo, issuer, connLimiters, collector, logger)

	urgencyRules := []priority.UrgencyRule{
		{Keyword: "refund", TicketPriority: "", Weight: 60},
		{Keyword: "hacked", TicketPriority: "", Weight: 90},
		{Keyword: "banned", TicketPriority: "", Weight: 70},
	}
	scheduler := queue.New(repo, hub, urgencyRules, cfg.Queue.DefaultAvgServiceTime, collector, logger)

	engineCfg := session.Config{AutoAssignOnTransfer: cfg.Queue.AutoAssignOnTransfer}
	engine := session.New(repo, aiAdapter, scheduler, hub, engineCfg, collector, logger)
	hub.SetSessionOps(engine)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rebuildQueuePartitions(ctx, repo, scheduler, logger)
	scheduler.Start(ctx, cfg.Queue.RescoreInterval)

	httpLimits := ratelimit.NewHTTPLimiters(300, 30)
	aiLimits := ratelimit.NewHTTPLimiters(60, 10)

	apiServer := httpapi.New(httpapi.Deps{
		Repo: repo, Engine: engine, Scheduler: scheduler, Hub: hub,
		AI: aiAdapter, Translation: translationAdapter, Issuer: issuer,
		Metrics: collector, HTTPLimits: httpLimits, AILimits: aiLimits, Logger: logger,
	})

	corsOrigins := cfg.CORSAllowOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	router := apiServer.Router(corsOrigins, cfg.MetricsAuthKey, metrics.Handler(registry, cfg.MetricsAuthKey))

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go idleConnectionSweeper(ctx, hub, connLimiters, 30*time.Second)

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped successfully")
}

// newLogger picks tint's colorized handler for local development and
// plain JSON for production, matching the teacher's dev/prod logging
// split without the teacher's unconditional JSON-only setup.
func newLogger(dev bool) *slog.Logger {
	if dev {
		return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// rebuildQueuePartitions restores the scheduler's in-memory partitions
// from every currently-QUEUED session, grouped by the owning ticket's
// game, per spec §4.5's "on restart rebuild from storage."
func rebuildQueuePartitions(ctx context.Context, repo store.Repository, scheduler *queue.Scheduler, logger *slog.Logger) {
	sessions, _, err := repo.ListSessions(ctx, store.SessionFilter{Status: domain.SessionQueued, Limit: 10000})
	if err != nil {
		logger.Error("failed to list queued sessions for queue rebuild", "error", err)
		return
	}

	seen := make(map[string]bool)
	for _, sess := range sessions {
		ticket, err := repo.GetTicket(ctx, sess.TicketID)
		if err != nil {
			logger.Warn("queue rebuild: ticket load failed", "session_id", sess.ID, "error", err)
			continue
		}
		if seen[ticket.GameID] {
			continue
		}
		seen[ticket.GameID] = true
		if err := scheduler.Rebuild(ctx, ticket.GameID); err != nil {
			logger.Error("queue rebuild failed", "game_id", ticket.GameID, "error", err)
		}
	}
	logger.Info("queue partitions rebuilt", "games", len(seen), "queued_sessions", len(sessions))
}

// idleConnectionSweeper periodically closes realtime connections that
// have exceeded the hub's heartbeat timeout and evicts their rate
// limiter buckets, grounded on the teacher's container.StartTTLWorker
// ticker pattern (internal/container/ttl.go).
func idleConnectionSweeper(ctx context.Context, hub *realtime.Hub, limiters *ratelimit.ConnectionLimiters, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hub.SweepIdle()
			limiters.SweepIdle()
		}
	}
}
