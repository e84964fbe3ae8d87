package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"tasksync/api"
	"tasksync/auth"
	"tasksync/config"
	"tasksync/connectivity"
	"tasksync/domain"
	"tasksync/notify"
	"tasksync/reconcile"
	"tasksync/storage"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.StandardLogger()
	loc, _ := cfg.Location()
	domain.SetLegacyLocation(loc)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	local := openLocal(cfg, logger)

	var rc *redis.Client
	if cfg.Redis.URL != "" {
		rc = redis.NewClient(parseRedis(cfg.Redis.URL))
	}

	session := newSession(cfg)
	remote := storage.NewRemote(newRemoteBackend(ctx, cfg, rc, logger), session)

	signalSrc := connectivity.NewSwitch(initialReading(ctx, cfg, logger))

	perm := notify.NewStaticPermission(notify.ParsePermission(cfg.Notify.Permission), notify.ParsePermission(cfg.Notify.OnPrompt))
	sinks := notify.Multi{notify.NewLogNotifier(logger)}
	if rc != nil {
		sinks = append(sinks, notify.NewRedisNotifier(rc, cfg.Notify.Channel, logger))
	}
	notifier := notify.NewGated(sinks, perm)
	notify.RequestPermission(ctx, perm, sinks, logger)

	monitor := connectivity.NewMonitor(signalSrc, notifier, logger)

	opts := reconcile.Options{UploadConcurrency: cfg.Sync.UploadConcurrency, Location: loc}
	if rc != nil {
		opts.Leases = reconcile.NewRedisLeases(rc, cfg.Redis.LeaseTTL, logger)
	}
	engine := reconcile.New(local, remote, monitor, logger, opts)

	resyncer := reconcile.NewResyncer(engine.Sync, cfg.Sync.RetryInitial, cfg.Sync.RetryMax, logger)
	resyncer.Start(ctx)
	engine.OnSync(resyncer.Observe)

	syncOnReconnect(monitor, engine)
	go monitor.Run(ctx)

	e := newServer(cfg)
	e.Use(echoprometheus.NewMiddleware("tasksync"))
	api.Register(e, engine, signalSrc, session, loc, logger)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("http shutdown")
		}
	}()

	if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		e.Logger.Fatal(err)
	}
	if closer, ok := local.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.WithError(err).Warn("close local store")
		}
	}
	if rc != nil {
		_ = rc.Close()
	}
}

// syncOnReconnect runs a pass whenever connectivity comes back.
func syncOnReconnect(monitor *connectivity.Monitor, engine *reconcile.Engine) {
	monitor.OnTransition(func(ctx context.Context, tr connectivity.Transition) {
		if tr.To == connectivity.Online {
			engine.Sync(ctx)
		}
	})
}

// newServer creates the Echo instance. Cross-origin requests are only
// answered for the configured origins.
func newServer(cfg config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	if len(cfg.CORSOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: cfg.CORSOrigins,
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		}))
	}
	return e
}

// openLocal opens the journal-backed store, falling back to memory so the
// process keeps working when the data directory is unusable.
func openLocal(cfg config.Config, logger *log.Logger) reconcile.TaskStore {
	local, err := storage.OpenLocal(cfg.DataDir, storage.LocalOptions{
		CompactBytes: int64(cfg.Journal.CompactMB) << 20,
		SyncEvery:    cfg.Journal.SyncEvery,
	}, logger)
	if err != nil {
		logger.WithError(err).Warn("local storage unavailable; tasks will not survive a restart")
		return storage.NewMemoryStore()
	}
	return local
}

func newRemoteBackend(ctx context.Context, cfg config.Config, rc *redis.Client, logger *log.Logger) storage.Backend {
	if cfg.Remote.ConnectionString == "" {
		logger.Warn("no remote storage configured; running local only")
		return storage.Unconfigured{}
	}
	if cfg.Remote.Provision {
		if err := storage.Provision(ctx, cfg.Remote.ConnectionString, cfg.Remote.TasksTable, cfg.Remote.ChangeQueue, logger); err != nil {
			log.Fatalf("provision storage: %v", err)
		}
	}
	tables, err := storage.NewTables(cfg.Remote.ConnectionString, cfg.Remote.TasksTable, cfg.Remote.ChangeQueue, logger)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	if rc == nil || cfg.Redis.CacheTTL <= 0 {
		return tables
	}
	return storage.NewCache(tables, rc, cfg.Redis.CacheTTL)
}

func newSession(cfg config.Config) *auth.Session {
	switch {
	case cfg.Auth.User != "":
		return auth.NewFixedSession(cfg.Auth.User)
	case cfg.Auth.Domain != "":
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Auth.Domain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		return auth.NewSession(auth.NewVerifier(jwks, cfg.Auth.Audience, "https://"+cfg.Auth.Domain+"/", cfg.Auth.JWKSCacheTTL))
	case cfg.Auth.SharedSecret != "":
		return auth.NewSession(auth.NewSharedSecretVerifier([]byte(cfg.Auth.SharedSecret), cfg.Auth.Audience, ""))
	default:
		return auth.NewSession(nil)
	}
}

func initialReading(ctx context.Context, cfg config.Config, logger *log.Logger) bool {
	switch cfg.Connectivity.Initial {
	case "online":
		return true
	case "offline":
		return false
	}
	addr := cfg.ProbeAddress()
	if addr == "" {
		return false
	}
	online := connectivity.Probe(ctx, addr, cfg.Connectivity.ProbeTimeout)
	logger.WithFields(log.Fields{"addr": addr, "online": online}).Debug("initial connectivity probe")
	return online
}

func parseRedis(conn string) *redis.Options {
	opts, err := redis.ParseURL(conn)
	if err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts = &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}
