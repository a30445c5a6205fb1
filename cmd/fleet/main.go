package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"fishlive/internal/audit"
	"fishlive/internal/awsutil"
	"fishlive/internal/config"
	"fishlive/internal/dedup"
	"fishlive/internal/delivery"
	"fishlive/internal/domain"
	"fishlive/internal/fleet"
	"fishlive/internal/httpserver"
	"fishlive/internal/logging"
	"fishlive/internal/observability"
	"fishlive/internal/providers/ai"
	"fishlive/internal/providers/platform"
	"fishlive/internal/reply"
	"fishlive/internal/rules"
	"fishlive/internal/session"
	"fishlive/internal/store/pg"
)

func main() {
	cfg := config.LoadFleet()
	logging.Init("fleet", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{})
	if err != nil {
		slog.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	store := pg.New(db)

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	defer startupCancel()
	if err := db.Ping(startupCtx); err != nil {
		slog.Error("db not reachable", "err", err)
		os.Exit(1)
	}

	reg := prometheus.DefaultRegisterer
	observability.Register(reg)
	go observability.RunHostStats(ctx, cfg.HostStatsInterval)

	// Dedup cache: redis when an address is configured, otherwise the
	// in-process cache with a background sweep.
	var claims dedup.Cache
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(startupCtx).Err(); err != nil {
			slog.Error("redis not reachable", "err", err, "addr", cfg.RedisAddr)
			os.Exit(1)
		}
		claims = dedup.NewRedis(rdb)
	} else {
		mem := dedup.NewMemory()
		go mem.Run(ctx, cfg.DedupSweepInterval)
		claims = mem
	}

	// Optional notification fan-out.
	var notifier delivery.Notifier
	if cfg.NotifyQueueURL != "" {
		sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
		if err != nil {
			slog.Error("sqs client init failed", "err", err)
			os.Exit(1)
		}
		notifier = audit.NewSQSNotifier(sqsClient, cfg.NotifyQueueURL, cfg.NotifyCooldown)
	}

	view := rules.NewView()
	refresher := rules.NewRefresher(store, view, cfg.RuleRefreshInterval, cfg.RuleRefreshLockTimeout)
	go refresher.Run(ctx)

	platformClient := &platform.Client{
		BaseURL: cfg.APIBaseURL,
		AppKey:  cfg.AppKey,
		HTTP:    &http.Client{Timeout: 20 * time.Second},
	}
	platformLimiter := rate.NewLimiter(rate.Limit(cfg.PlatformRPS), cfg.PlatformBurst)
	platformBreaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "platform",
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 8 },
	})

	replyEngine := &reply.Engine{
		AITimeout: cfg.AITimeout,
		MaxRunes:  cfg.AIMaxReplyRunes,
	}
	if cfg.AIBaseURL != "" {
		replyEngine.AI = &ai.Client{
			BaseURL: cfg.AIBaseURL,
			APIKey:  cfg.AIAPIKey,
			Model:   cfg.AIModel,
			HTTP:    &http.Client{Timeout: cfg.AITimeout + 2*time.Second},
		}
		replyEngine.Breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "ai",
			MaxRequests: 3,
			Timeout:     20 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 5 },
		})
	}

	deliveryEngine := &delivery.Engine{
		Platform:        platformClient,
		Dedup:           claims,
		Cards:           store,
		Notify:          notifier,
		Limiter:         platformLimiter,
		Breaker:         platformBreaker,
		DedupTTL:        cfg.DedupTTL,
		DeliveryTimeout: cfg.DeliveryTimeout,
		ConfirmTimeout:  cfg.ConfirmTimeout,
	}

	auditLog := audit.NewLog(512)

	sessionCfg := session.Config{
		WSURL:                cfg.WebsocketURL,
		AppKey:               cfg.AppKey,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		HeartbeatTimeout:     cfg.HeartbeatTimeout,
		TokenRefreshInterval: cfg.TokenRefreshInterval,
		TokenRetryInterval:   cfg.TokenRetryInterval,
		ReconnectMin:         cfg.ReconnectMinBackoff,
		ReconnectMax:         cfg.ReconnectMaxBackoff,
		ReconnectCeiling:     cfg.ReconnectCeiling,
		InboundBuffer:        cfg.InboundBufferSize,
		DedupTTL:             cfg.DedupTTL,
	}
	dialer := &session.WSDialer{HandshakeTimeout: 15 * time.Second}

	orchestrator := fleet.New(func(acct domain.Account) fleet.Runner {
		s := session.New(acct, sessionCfg)
		s.Dialer = dialer
		s.Tokens = platformClient
		s.Creds = store
		s.Rules = view
		s.Reply = replyEngine
		s.Delivery = deliveryEngine
		s.Dedup = claims
		s.Audit = auditLog
		s.Notify = notifier
		return s
	})
	orchestrator.OnStart = func(ctx context.Context, acct domain.Account) error {
		return refresher.Track(ctx, acct.ID)
	}
	orchestrator.OnStop = refresher.Untrack

	// Launch every enabled account.
	accounts, err := store.ListAccounts(startupCtx)
	if err != nil {
		slog.Error("list accounts failed", "err", err)
		os.Exit(1)
	}
	for _, acct := range accounts {
		if !acct.Enabled {
			slog.Info("account disabled, not starting", "account_id", acct.ID)
			continue
		}
		if err := orchestrator.Start(ctx, acct); err != nil {
			slog.Error("account start failed", "err", err, "account_id", acct.ID)
		}
	}

	// Control API.
	api := &httpserver.API{
		Fleet:        orchestrator,
		Accounts:     store,
		Audit:        auditLog,
		DrainTimeout: cfg.StopDrainTimeout,
	}
	srv := httpserver.New()
	srv.Mux.Use(httpserver.Logging, httpserver.Metrics(observability.ControlRequests))
	api.Register(srv.Mux)
	srv.Mux.HandleFunc("/healthz", httpserver.Healthz())
	srv.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second,
		func(c context.Context) error { return db.Ping(c) },
	))

	controlSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: srv.Mux,
	}
	controlErrCh := make(chan error, 1)
	go func() {
		slog.Info("control api listening", "port", cfg.Port)
		controlErrCh <- controlSrv.ListenAndServe()
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: metricsMux}
	metricsErrCh := make(chan error, 1)
	go func() {
		slog.Info("metrics listening", "port", cfg.MetricsPort)
		metricsErrCh <- metricsSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-controlErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("control api failed", "err", err)
			os.Exit(1)
		}
	case err := <-metricsErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	}

	orchestrator.StopAll(cfg.StopDrainTimeout)
	if !deliveryEngine.Drain(cfg.StopDrainTimeout) {
		slog.Warn("in-flight deliveries not drained in time")
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = controlSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
}
