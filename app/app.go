// Package app wires the broker, auth, storage and HTTP surface into the
// runnable MarketDeck server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	"github.com/marketdeck/marketdeck/alerts"
	"github.com/marketdeck/marketdeck/app/metrics"
	"github.com/marketdeck/marketdeck/auth"
	"github.com/marketdeck/marketdeck/backtest"
	"github.com/marketdeck/marketdeck/broker"
	"github.com/marketdeck/marketdeck/broker/feed"
	"github.com/marketdeck/marketdeck/ops"
	"github.com/marketdeck/marketdeck/snapshot"
	"github.com/marketdeck/marketdeck/storage"
	"github.com/marketdeck/marketdeck/symbols"
	"github.com/marketdeck/marketdeck/watchlist"
	"github.com/marketdeck/marketdeck/web"
)

// Provider names accepted in PROVIDER.
const (
	ProviderKite  = "kite"
	ProviderFyers = "fyers"

	DefaultHost = "localhost"
	DefaultPort = "8080"

	sessionExpiry  = 24 * time.Hour
	catalogRefresh = 24 * time.Hour
)

// Config holds the application configuration, loaded from the environment.
type Config struct {
	AppHost string
	AppPort string

	// Provider selects the upstream streaming adapter: kite or fyers.
	Provider string

	FeedClientID     string
	FeedClientSecret string
	FeedAuthURL      string
	FeedTokenURL     string
	FeedRedirectURL  string
	FyersSocketURL   string

	// SessionSecret signs browser session JWTs and encrypts the access
	// token at rest.
	SessionSecret string
	SecureCookies bool

	TokenFile string
	DBPath    string

	// Redis snapshots (opt-in: set REDIS_ADDR)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Telegram alert delivery (opt-in: set TELEGRAM_BOT_TOKEN)
	TelegramBotToken string

	// AlertChannel is the channel whose ticks feed the alert evaluator.
	AlertChannel string

	// AdminSecret, when set, admits requests carrying it in the
	// X-Admin-Secret header to the ops endpoints without a browser
	// session. Meant for curl and monitoring probes.
	AdminSecret string
}

// App is the composed server.
type App struct {
	Config    *Config
	Version   string
	startTime time.Time
	logger    *slog.Logger
	metrics   *metrics.Manager
	logBuffer *ops.LogBuffer
}

// NewApp reads configuration from the environment.
func NewApp(logger *slog.Logger) *App {
	redisDB, _ := strconv.Atoi(os.Getenv("REDIS_DB"))
	return &App{
		Config: &Config{
			AppHost:          os.Getenv("APP_HOST"),
			AppPort:          os.Getenv("APP_PORT"),
			Provider:         os.Getenv("PROVIDER"),
			FeedClientID:     os.Getenv("FEED_CLIENT_ID"),
			FeedClientSecret: os.Getenv("FEED_CLIENT_SECRET"),
			FeedAuthURL:      os.Getenv("FEED_AUTH_URL"),
			FeedTokenURL:     os.Getenv("FEED_TOKEN_URL"),
			FeedRedirectURL:  os.Getenv("FEED_REDIRECT_URL"),
			FyersSocketURL:   os.Getenv("FYERS_SOCKET_URL"),
			SessionSecret:    os.Getenv("SESSION_JWT_SECRET"),
			SecureCookies:    os.Getenv("SECURE_COOKIES") == "true",
			TokenFile:        os.Getenv("TOKEN_FILE"),
			DBPath:           os.Getenv("DB_PATH"),
			RedisAddr:        os.Getenv("REDIS_ADDR"),
			RedisPassword:    os.Getenv("REDIS_PASSWORD"),
			RedisDB:          redisDB,
			TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
			AlertChannel:     os.Getenv("ALERT_CHANNEL"),
			AdminSecret:      os.Getenv("ADMIN_SECRET"),
		},
		Version:   "v0.0.0", // injected at build time
		startTime: time.Now(),
		logger:    logger,
		metrics: metrics.New(metrics.Config{
			ServiceName: "marketdeck",
			AutoCleanup: true,
		}),
	}
}

// SetVersion sets the server version.
func (app *App) SetVersion(version string) {
	app.Version = version
}

// SetLogBuffer installs the ring buffer backing the admin log tail.
func (app *App) SetLogBuffer(buf *ops.LogBuffer) {
	app.logBuffer = buf
}

// LoadConfig validates the configuration and fills in defaults.
func (app *App) LoadConfig() error {
	cfg := app.Config

	if cfg.AppHost == "" {
		cfg.AppHost = DefaultHost
	}
	if cfg.AppPort == "" {
		cfg.AppPort = DefaultPort
	}
	if cfg.Provider == "" {
		cfg.Provider = ProviderKite
	}
	if cfg.Provider != ProviderKite && cfg.Provider != ProviderFyers {
		return fmt.Errorf("invalid PROVIDER %q: must be %q or %q", cfg.Provider, ProviderKite, ProviderFyers)
	}

	if cfg.FeedClientID == "" || cfg.FeedClientSecret == "" {
		return errors.New("FEED_CLIENT_ID and FEED_CLIENT_SECRET are required")
	}
	if cfg.SessionSecret == "" {
		return errors.New("SESSION_JWT_SECRET is required")
	}

	if cfg.FeedAuthURL == "" || cfg.FeedTokenURL == "" {
		switch cfg.Provider {
		case ProviderKite:
			cfg.FeedAuthURL = "https://kite.trade/connect/login"
			cfg.FeedTokenURL = "https://api.kite.trade/session/token"
		case ProviderFyers:
			cfg.FeedAuthURL = "https://api-t1.fyers.in/api/v3/generate-authcode"
			cfg.FeedTokenURL = "https://api-t1.fyers.in/api/v3/validate-authcode"
		}
	}
	if cfg.FeedRedirectURL == "" {
		cfg.FeedRedirectURL = fmt.Sprintf("http://%s:%s/auth/callback", cfg.AppHost, cfg.AppPort)
	}

	if cfg.TokenFile == "" {
		cfg.TokenFile = "marketdeck_token.json"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "marketdeck.db"
	}
	if cfg.AlertChannel == "" {
		cfg.AlertChannel = "default"
	}
	return nil
}

// RunServer starts the server and blocks until shutdown.
func (app *App) RunServer() error {
	cfg := app.Config
	logger := app.logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if app.logBuffer == nil {
		app.logBuffer = ops.NewLogBuffer(500)
	}

	db, err := storage.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	tokens, err := auth.NewTokenStore(cfg.TokenFile, cfg.FeedClientID, cfg.SessionSecret, logger)
	if err != nil {
		return fmt.Errorf("token store: %w", err)
	}
	if err := tokens.StartWatching(); err != nil {
		logger.Warn("Token file watcher unavailable", "error", err)
	}
	defer tokens.Close()

	sessions := auth.NewSessionManager(cfg.SessionSecret, sessionExpiry, cfg.SecureCookies)
	flow := auth.NewFlow(auth.FlowConfig{
		ClientID:     cfg.FeedClientID,
		ClientSecret: cfg.FeedClientSecret,
		AuthURL:      cfg.FeedAuthURL,
		TokenURL:     cfg.FeedTokenURL,
		RedirectURL:  cfg.FeedRedirectURL,
		Tokens:       tokens,
		Sessions:     sessions,
		Logger:       logger,
	})

	catalog := symbols.NewCatalog(logger)
	var kiteClient *kiteconnect.Client
	if cfg.Provider == ProviderKite {
		kiteClient = kiteconnect.New(cfg.FeedClientID)
		if tok, ok := tokens.Token(); ok {
			kiteClient.SetAccessToken(tok)
		}
		// Tokens minted by the login flow or reloaded from the watched
		// file must reach the REST client too, or catalog refreshes and
		// historical fetches keep failing until a restart.
		tokens.OnChange(kiteClient.SetAccessToken)
		loader := symbols.KiteLoader(kiteClient)
		go func() {
			if err := catalog.Refresh(ctx, loader); err != nil {
				logger.Warn("Initial instrument catalog load failed", "error", err)
			}
			catalog.RefreshEvery(ctx, catalogRefresh, loader)
		}()
	}

	var snapshots snapshot.Store = snapshot.NewMemory()
	if cfg.RedisAddr != "" {
		redisStore, err := snapshot.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
		if err != nil {
			logger.Warn("Redis unavailable, falling back to in-memory snapshots", "addr", cfg.RedisAddr, "error", err)
		} else {
			defer redisStore.Close()
			snapshots = redisStore
			logger.Info("Snapshot store backed by Redis", "addr", cfg.RedisAddr)
		}
	}

	factory := func(channel string) feed.Session {
		if cfg.Provider == ProviderFyers {
			return feed.NewFyersSession(cfg.FyersSocketURL, logger)
		}
		return feed.NewKiteSession(catalog, logger)
	}

	b, err := broker.New(broker.Config{
		Gate:     tokens,
		Sessions: factory,
		Logger:   logger,
		Metrics:  app.metrics,
	})
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	b.Dispatcher().SetSnapshots(snapshots)

	watchlists := watchlist.NewStore(db, logger)
	if err := watchlists.LoadFromDB(); err != nil {
		logger.Warn("Failed to load watchlists", "error", err)
	}

	alertStore := alerts.NewStore(db, logger)
	if err := alertStore.LoadFromDB(); err != nil {
		logger.Warn("Failed to load alerts", "error", err)
	}
	notifier, err := alerts.NewTelegramNotifier(cfg.TelegramBotToken, db, logger)
	if err != nil {
		logger.Warn("Telegram notifier unavailable", "error", err)
	}
	if notifier != nil {
		alertStore.SetNotify(notifier.Notify)
	}
	go alerts.NewEvaluator(alertStore, logger).Run(ctx, b.Dispatcher(), cfg.AlertChannel)

	webHandler := web.NewHandler(b, catalog, snapshots, logger)
	limiter := web.NewRateLimiter(12*time.Second, 5)
	defer limiter.Close()

	mux := app.setupMux(webHandler, flow, sessions, limiter, watchlists, alertStore, notifier, kiteClient, catalog, b)

	addr := cfg.AppHost + ":" + cfg.AppPort
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
		}

		webHandler.Hub().Shutdown()
		b.Shutdown()
		app.metrics.Shutdown()
		logger.Info("Server shutdown complete")
	}()

	logger.Info("Starting MarketDeck server",
		"url", "http://"+addr,
		"provider", cfg.Provider,
		"version", app.Version,
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// setupMux assembles every route: the login flow (rate limited), the pages
// and live-data API (session protected), the domain APIs and the admin ops
// surface.
func (app *App) setupMux(
	webHandler *web.Handler,
	flow *auth.Flow,
	sessions *auth.SessionManager,
	limiter *web.RateLimiter,
	watchlists *watchlist.Store,
	alertStore *alerts.Store,
	notifier *alerts.TelegramNotifier,
	kiteClient *kiteconnect.Client,
	catalog *symbols.Catalog,
	b *broker.Broker,
) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/auth/login", limiter.Middleware(http.HandlerFunc(flow.HandleLogin)))
	mux.Handle("/auth/callback", limiter.Middleware(http.HandlerFunc(flow.HandleCallback)))
	mux.HandleFunc("/auth/logout", flow.HandleLogout)

	page := sessions.RequireAuth
	api := sessions.RequireAuthAPI

	webHandler.RegisterRoutes(mux, page, api)
	watchlist.NewHandler(watchlists, app.logger).RegisterRoutes(mux, api)
	alerts.NewHandler(alertStore, notifier, app.logger).RegisterRoutes(mux, api)

	if kiteClient != nil {
		svc := backtest.NewService(backtest.NewKiteSource(kiteClient, catalog), app.logger)
		backtest.NewHandler(svc, app.logger).RegisterRoutes(mux, api)
		webHandler.SetProfile(func() (web.UserProfile, error) {
			p, err := kiteClient.GetUserProfile()
			if err != nil {
				return web.UserProfile{}, err
			}
			return web.UserProfile{
				UserID:   p.UserID,
				UserName: p.UserName,
				Email:    p.Email,
				Broker:   p.Broker,
			}, nil
		})
	} else {
		app.logger.Info("Backtesting disabled: historical data requires the kite provider")
	}

	// Ops endpoints take the browser session, or the admin secret header
	// when one is configured.
	admin := api
	if secret := app.Config.AdminSecret; secret != "" {
		admin = func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("X-Admin-Secret") == secret {
					next.ServeHTTP(w, r)
					return
				}
				api(next).ServeHTTP(w, r)
			})
		}
	}
	opsHandler := ops.New(b, catalog, alertStore, app.metrics, app.logBuffer, app.logger, app.Version, app.startTime)
	opsHandler.RegisterRoutes(mux, admin)

	if dm, err := NewDocsManager(app.Version); err != nil {
		app.logger.Warn("Documentation unavailable", "error", err)
	} else {
		mux.HandleFunc("/docs", dm.ServeDocs)
		mux.HandleFunc("/docs/", dm.ServeDocs)
	}

	return mux
}
