package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tallyworks/gatekeeper/internal/billing"
	"github.com/tallyworks/gatekeeper/internal/config"
	"github.com/tallyworks/gatekeeper/internal/httpclient"
	"github.com/tallyworks/gatekeeper/internal/identity"
	"github.com/tallyworks/gatekeeper/internal/logging"
	"github.com/tallyworks/gatekeeper/internal/profile"
	"github.com/tallyworks/gatekeeper/internal/quota"
	"github.com/tallyworks/gatekeeper/internal/ratelimit"
	"github.com/tallyworks/gatekeeper/internal/reconcile"
)

const providerTimeout = 15 * time.Second

// App is a fully wired service instance.
type App struct {
	Config     *config.Config
	Store      *profile.Store
	Reconciler *reconcile.Reconciler
	Handler    http.Handler

	closers []func() error
}

// Close releases the store and the shared rate store connection.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Build opens the stores and constructs every provider from cfg. ctx bounds
// startup checks and the OIDC key fetcher.
func Build(ctx context.Context, cfg *config.Config, version string) (*App, error) {
	app := &App{Config: cfg}

	store, err := profile.Open(cfg.DatabaseURL, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open profile store: %w", err)
	}
	app.Store = store
	app.closers = append(app.closers, store.Close)

	if err := store.Migrate(ctx); err != nil {
		_ = app.Close()
		return nil, fmt.Errorf("migrate profile store: %w", err)
	}

	var rateStore ratelimit.Store
	if cfg.RedisURL != "" {
		client, err := ratelimit.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			_ = app.Close()
			return nil, fmt.Errorf("open rate limit redis: %w", err)
		}
		app.closers = append(app.closers, client.Close)
		rateStore = ratelimit.NewRedisStore(client)
		log.Info().Msg("Rate limits shared through Redis")
	} else {
		rateStore = ratelimit.NewMemoryStore(cfg.RateCleanupInterval)
		log.Info().Msg("Rate limits held in process memory (single instance only)")
	}

	client := httpclient.New(httpclient.Options{
		Timeout:  providerTimeout,
		Resolver: httpclient.NewResolver(cfg.DNSCacheTTL),
	})

	idp, err := newIdentityProvider(ctx, cfg, client)
	if err != nil {
		_ = app.Close()
		return nil, err
	}

	stripeProvider := billing.NewStripeProvider(billing.StripeConfig{
		APIKey:     cfg.StripeAPIKey,
		MaxRPS:     cfg.StripeMaxRPS,
		HTTPClient: client,
	})

	app.Reconciler = reconcile.New(reconcile.Config{
		Billing:    stripeProvider,
		Identities: idp,
		Profiles:   store,
		Prices:     cfg.Prices,
		BaseURL:    cfg.BaseURL,
	})

	app.Handler = NewHandler(&Deps{
		Gate:           identity.NewGate(idp, store),
		Billing:        app.Reconciler,
		Scenarios:      store,
		Quota:          quota.NewEnforcer(store),
		RateStore:      rateStore,
		Store:          store,
		TrustedProxies: cfg.TrustedProxies,
		WebhookSecret:  cfg.StripeWebhookSecret,
		PublicMetrics:  cfg.PublicMetrics,
		AdminKey:       cfg.AdminKey,
		Version:        version,
	})
	return app, nil
}

func newIdentityProvider(ctx context.Context, cfg *config.Config, client *http.Client) (identity.Provider, error) {
	switch cfg.IdentityMode {
	case config.IdentityJWT:
		admin := identity.NewGoTrueProvider(cfg.IdentityURL, cfg.IdentityServiceKey, client)
		return identity.NewJWTProvider(cfg.JWTSecret, cfg.JWTIssuer, admin), nil
	case config.IdentityOIDC:
		p, err := identity.NewOIDCProvider(ctx, identity.OIDCConfig{
			IssuerURL:    cfg.OIDCIssuer,
			ClientID:     cfg.OIDCClientID,
			ClientSecret: cfg.OIDCClientSecret,
			AdminURL:     cfg.OIDCAdminURL,
			HTTPClient:   client,
		})
		if err != nil {
			return nil, fmt.Errorf("init oidc identity provider: %w", err)
		}
		return p, nil
	default:
		return identity.NewGoTrueProvider(cfg.IdentityURL, cfg.IdentityServiceKey, client), nil
	}
}

// Run starts the HTTP server with graceful shutdown.
func Run(ctx context.Context, version string) error {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "gatekeeper",
	})

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "gatekeeper",
	})
	log.Info().Str("version", version).Msg("Starting gatekeeper")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	app, err := Build(ctx, cfg, version)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close resources")
		}
	}()

	addr := cfg.ListenAddr()
	srv := &http.Server{
		Addr:              addr,
		Handler:           app.Handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Gatekeeper listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down...")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
	case err, ok := <-serveErr:
		if ok && err != nil {
			return fmt.Errorf("serve http: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}
	log.Info().Msg("Gatekeeper stopped")
	return nil
}
