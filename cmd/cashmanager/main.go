package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"cashmanager/internal/amqp"
	"cashmanager/internal/backend"
	"cashmanager/internal/cache"
	"cashmanager/internal/cli"
	"cashmanager/internal/config"
	"cashmanager/internal/core"
	apphttp "cashmanager/internal/http"
	"cashmanager/internal/i18n"
	"cashmanager/internal/identity"
	"cashmanager/internal/log"
	"cashmanager/internal/middleware/ratelimit"
	"cashmanager/internal/middleware/security"
	"cashmanager/internal/report"
	"cashmanager/internal/session"
	"cashmanager/internal/settings"
)

const (
	profileCacheSize = 1000
	profileCacheTTL  = 5 * time.Minute
	cacheCleanEvery  = time.Minute
	shutdownTimeout  = 30 * time.Second
)

func main() {
	cli.LoadEnvFile()
	cfg := cli.LoadAndValidateConfig()
	logger := cli.SetupLogger(cfg, log.ComponentApp)

	reporter := cli.SetupReporter(cfg, logger, "cashmanager")

	ctx, cancel := cli.SignalContext(logger)
	defer cancel()

	err := run(ctx, cfg, logger, reporter)
	reporter.Flush()
	if err != nil {
		logger.Error("Server stopped with error", log.FieldError, err)
		os.Exit(1)
	}
	logger.Info("Server stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger, reporter *report.Reporter) error {
	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		return err
	}
	store, err := backend.NewFactory(logger).CreateBackend(ctx, backendCfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("Backend cleanup failed", log.FieldError, err)
		}
	}()

	idCfg := identity.Config{
		BaseURL:           cfg.IdentityURL,
		Realm:             cfg.IdentityRealm,
		ClientID:          cfg.IdentityClientID,
		ClientSecret:      cfg.IdentityClientSecret,
		AdminClientID:     cfg.AdminClientID,
		AdminClientSecret: cfg.AdminClientSecret,
		RedirectURL:       cfg.PublicURL + "/auth/callback",
		Timeout:           cfg.RequestTimeout,
	}
	provider := identity.New(idCfg)
	idLogger := logger.WithComponent(log.ComponentIdentity)

	opts := session.Options{
		Store:              store.Backend,
		Provider:           provider,
		Logger:             logger,
		RefreshLeeway:      cfg.TokenRefreshLeeway,
		IdleTimeout:        cfg.SessionIdleTimeout,
		RequestTimeout:     cfg.RequestTimeout,
		LandingPath:        cfg.LandingPath,
		FederatedProviders: cfg.FederatedProviders,
	}

	// Without admin credentials registration answers 503.
	if admin := identity.NewAdmin(idCfg); admin != nil {
		opts.Registrar = admin
	} else {
		idLogger.Info("Self-registration disabled, no admin client configured")
	}

	if cfg.VerifyAccessTokens {
		ep := provider.Endpoints()
		verifier, err := identity.NewVerifier(ctx, ep.Certs, ep.Issuer, nil, func(err error) {
			idLogger.Warn("JWKS refresh failed", log.FieldError, err)
		})
		if err != nil {
			// Profiles are then always loaded from the userinfo endpoint.
			idLogger.Warn("Access token verification disabled", log.FieldError, err)
		} else {
			defer verifier.Close()
			opts.Verifier = verifier
		}
	}

	if opts.States, err = session.NewStateCodec(cfg.StateSecret, 10*time.Minute); err != nil {
		return err
	}
	if cfg.StateSecret == "" {
		logger.Warn("STATE_SECRET not set, federated logins do not survive a restart")
	}

	if cfg.AMQPURL != "" {
		events, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, logger)
		if err != nil {
			return err
		}
		defer events.Close()
		opts.Events = events
	}

	profiles := cache.NewLRUCache[core.User]("profiles", profileCacheSize, profileCacheTTL)
	opts.Profiles = profiles

	sessions, err := session.NewManager(opts)
	if err != nil {
		return err
	}
	defer sessions.Close()

	var settingsOpts []settings.ServiceOption
	if store.Type == backend.RedisBackend {
		settingsOpts = append(settingsOpts, settings.WithSharedBackend())
	}
	settingsSvc := settings.NewService(store.Backend, logger, settingsOpts...)

	caches := cache.NewManager(logger)
	caches.Register("profiles", profiles)
	caches.Register("settings", settingsSvc.Cache())

	limiter := ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: cfg.RateLimitPerMinute})

	translations, err := i18n.Load()
	if err != nil {
		return err
	}

	detector := security.NewDetector(logger)
	for _, cidr := range cfg.TrustedProxies {
		if err := detector.AddTrustedProxy(cidr); err != nil {
			return err
		}
	}

	srv, err := apphttp.NewServer(apphttp.Options{
		Addr:         net.JoinHostPort("", cfg.Port),
		Sessions:     sessions,
		Settings:     settingsSvc,
		Translations: translations,
		Ready:        apphttp.ReadinessCheck(store.Health),
		Limiter:      limiter,
		Detector:     detector,
		Cookies:      apphttp.CookieConfig{Secure: cfg.CookieSecure},
		Logger:       logger,
		Reporter:     reporter,

		AllowedOrigins: cfg.CORSAllowedOrigins,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting cashmanager server",
			"operation", log.OpStartup,
			"addr", srv.Addr,
			"backend", store.Type.String(),
			"identity", provider.Endpoints().Issuer)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return sessions.RunSweeper(gctx, cfg.SessionSweepInterval) })
	g.Go(func() error { return caches.Run(gctx, cacheCleanEvery) })
	g.Go(func() error { return limiter.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
