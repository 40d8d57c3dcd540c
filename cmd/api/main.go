package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callbridge/internal/accounts"
	"callbridge/internal/audit"
	"callbridge/internal/auth"
	"callbridge/internal/calls"
	"callbridge/internal/config"
	"callbridge/internal/crm"
	"callbridge/internal/database"
	"callbridge/internal/httpapi"
	"callbridge/internal/metrics"
	"callbridge/internal/notify"
	"callbridge/internal/permission"
	"callbridge/internal/presence"
	"callbridge/internal/reporting"
	"callbridge/internal/routing"
	"callbridge/internal/telephony"
	"callbridge/internal/upstream"
	"callbridge/pkg/logger"
	"callbridge/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/panjf2000/ants/v2"
	"github.com/redis/go-redis/v9"
)

const (
	engagementWorkers = 8
	accountCacheSize  = 1024
	accountCacheTTL   = time.Minute
	realtimeBuffer    = 32
	lockMargin        = 5 * time.Second
)

// consentLockTTL covers one full consent send, retries included.
func consentLockTTL(twilio upstream.Settings) time.Duration {
	return twilio.Budget() + lockMargin
}

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	if err := database.Migrate(cfg.MigrateURL(), log); err != nil {
		log.Error("migrations failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	upstreamSettings := func(name string) upstream.Settings {
		return upstream.Settings{
			Name:            name,
			Timeout:         cfg.Upstream.Timeout,
			Attempts:        cfg.Upstream.RetryAttempts,
			BreakerFailures: cfg.Upstream.BreakerFailures,
			BreakerInterval: cfg.Upstream.BreakerInterval,
		}
	}

	// Consent throttle lock: Redis when configured, otherwise in-process.
	var locker permission.Locker = permission.NewKeyedMutex()
	if cfg.RedisEnabled() {
		var rdb *redis.Client
		rdb, err = utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr(), Password: cfg.Redis.Password})
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
		locker = permission.NewRedisLocker(rdb, log, consentLockTTL(upstreamSettings("twilio")))
	} else {
		log.Warn("redis not configured; consent throttle lock is process-local")
	}

	pool, err := ants.NewPool(engagementWorkers, ants.WithPreAlloc(true))
	if err != nil {
		log.Error("worker pool init failed", "err", err)
		os.Exit(1)
	}

	// Repositories and services
	accountSvc := accounts.NewServiceWithCache(accounts.NewPostgresRepo(db), accountCacheSize, accountCacheTTL, log)
	auditSvc := audit.NewService(audit.NewPostgresRepo(db))

	hubspot := crm.NewClient(crm.Config{
		BaseURL:         cfg.HubSpot.APIBaseURL,
		ClientID:        cfg.HubSpot.ClientID,
		ClientSecret:    cfg.HubSpot.ClientSecret,
		AppID:           cfg.HubSpot.AppID,
		PhoneProperties: cfg.HubSpot.PhoneProperties,
	}, upstream.New(upstreamSettings("hubspot"), log), accountSvc, log)

	twilio := telephony.NewClient(telephony.TwilioConfig{
		APIBaseURL:         cfg.Twilio.APIBaseURL,
		AccountSID:         cfg.Twilio.AccountSID,
		AuthToken:          cfg.Twilio.AuthToken,
		ConsentTemplateSID: cfg.Twilio.ConsentTemplateSID,
	}, upstream.New(upstreamSettings("twilio"), log), log)

	workflow := permission.NewWorkflow(permission.NewPostgresRepo(db), twilio, locker, log).
		WithAuditor(permission.AuditAdapter{Audit: auditSvc})

	registry := presence.NewRegistry(log)
	hub := notify.NewHub(realtimeBuffer, log)

	callSvc := calls.NewService(calls.NewPostgresRepo(db), log).WithEngagements(hubspot, pool)
	router := routing.NewRouter(accountSvc, hubspot, registry, callSvc, log)
	outbound := calls.NewOutbound(callSvc, accountSvc, workflow,
		telephony.CallPlacer{Client: twilio, BaseURL: cfg.App.BaseURL}, log)

	handlers := httpapi.Handlers{
		Auth:        authManager,
		Accounts:    accountSvc,
		Router:      router,
		Calls:       callSvc,
		Outbound:    outbound,
		Permissions: workflow,
		Presence:    registry,
		Hub:         hub,
		Reporting:   reporting.NewService(calls.NewPostgresRepo(db)),
		Audit:       auditSvc,
		CRM:         hubspot,
		OAuth:       hubspot,
		TwiML:       telephony.TwiML{BaseURL: cfg.App.BaseURL},

		BaseURL:          cfg.App.BaseURL,
		OAuthRedirectURI: cfg.HubSpot.RedirectURI,

		Log: log,
	}

	var webhookMW []gin.HandlerFunc
	if cfg.Twilio.ValidateSignature {
		webhookMW = append(webhookMW, telephony.RequireSignature(cfg.Twilio.AuthToken, cfg.App.BaseURL))
	} else {
		log.Warn("webhook signature validation disabled")
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log, "/healthz", "/readyz", "/metrics"))
	r.Use(metrics.Middleware())

	registerRoutes(r, handlers, db, webhookMW...)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// WriteTimeout stays zero: realtime streams are long-lived.
		IdleTimeout: 60 * time.Second,
		BaseContext: func(_ net.Listener) context.Context { return rootCtx },
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	if err := pool.ReleaseTimeout(5 * time.Second); err != nil {
		log.Warn("worker pool drain timed out", "err", err)
	}
}
