package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/playok/fleetmon/internal/api"
	"github.com/playok/fleetmon/internal/auth"
	"github.com/playok/fleetmon/internal/config"
	"github.com/playok/fleetmon/internal/events"
	"github.com/playok/fleetmon/internal/history"
	"github.com/playok/fleetmon/internal/ingest"
	"github.com/playok/fleetmon/internal/logging"
	"github.com/playok/fleetmon/internal/registry"
	"github.com/playok/fleetmon/internal/store"
	"github.com/playok/fleetmon/internal/telemetry"
)

const (
	sessionPurgeInterval = 10 * time.Minute
	shutdownTimeout      = 5 * time.Second
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), shutdownSignals...)
}

// runServer serves the API until ctx is cancelled or a listener fails.
func runServer(ctx context.Context, cfg *config.Config) error {
	log, flush, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return err
	}
	defer flush()

	db, err := store.New(cfg.DBPath)
	if err != nil {
		log.Error(err, "failed to open database", "path", cfg.DBPath)
		return err
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.NewMetrics(reg)

	emitter := events.NewEmitter(newPublisher(cfg, log), cfg.NATSSubjectPrefix, log)
	defer emitter.Close()

	lockout, closeLockout := newLockout(cfg, log)
	defer closeLockout()
	authSvc := auth.NewService(db, lockout, log, auth.WithSessionTTL(cfg.SessionTTL))

	hub := api.NewHub(log)
	ingestor := ingest.New(db, emitter, metrics, log)
	ingestor.AddListener(hub)

	router := api.NewRouter(&api.Server{
		Store:       db,
		Registry:    registry.New(db, emitter, metrics, log),
		Ingestor:    ingestor,
		History:     history.New(db, metrics, log),
		Auth:        authSvc,
		Hub:         hub,
		Metrics:     metrics,
		Log:         log,
		BasePath:    cfg.BasePath,
		CORSOrigins: cfg.CORSOrigins,
	})

	g, ctx := errgroup.WithContext(ctx)

	srv := &http.Server{Addr: cfg.Listen, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	g.Go(func() error {
		log.Info("fleetmon listening", "version", version, "addr", "http://"+cfg.Listen, "base_path", cfg.BasePath)
		return listen(srv)
	})
	g.Go(func() error { return shutdownOnDone(ctx, srv) })

	if cfg.TelemetryListen != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", telemetry.Handler(reg))
		tsrv := &http.Server{Addr: cfg.TelemetryListen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			log.Info("telemetry listening", "addr", "http://"+cfg.TelemetryListen+"/metrics")
			return listen(tsrv)
		})
		g.Go(func() error { return shutdownOnDone(ctx, tsrv) })
	}

	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error {
		purgeSessions(ctx, authSvc, log)
		return nil
	})

	err = g.Wait()
	removeOwnPidFile(cfg.PidFile)
	log.Info("goodbye")
	return err
}

func listen(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	}
	return nil
}

func shutdownOnDone(ctx context.Context, srv *http.Server) error {
	<-ctx.Done()
	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// newPublisher connects to NATS when configured. A broker that is down at
// startup only disables events.
func newPublisher(cfg *config.Config, log logr.Logger) events.Publisher {
	if cfg.NATSURL == "" {
		return events.Nop{}
	}
	pub, err := events.NewNATSPublisher(cfg.NATSURL, log)
	if err != nil {
		log.Error(err, "NATS unavailable, events disabled", "url", cfg.NATSURL)
		return events.Nop{}
	}
	return pub
}

func lockoutPolicy(c config.LockoutConfig) auth.Policy {
	return auth.Policy{MaxAttempts: c.MaxAttempts, Periods: c.Periods, Forget: c.Forget}
}

// newLockout keeps lockout state in Redis when configured so several server
// instances share it, and in memory otherwise.
func newLockout(cfg *config.Config, log logr.Logger) (auth.LockoutStore, func()) {
	policy := lockoutPolicy(cfg.Lockout)
	if cfg.RedisAddr == "" {
		return auth.NewMemoryLockout(policy), func() {}
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	log.Info("login lockout backed by redis", "addr", cfg.RedisAddr)
	return auth.NewRedisLockout(rdb, policy, "fleetmon:lockout"), func() { rdb.Close() }
}

func purgeSessions(ctx context.Context, svc *auth.Service, log logr.Logger) {
	ticker := time.NewTicker(sessionPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.PurgeExpired(ctx)
			if err != nil {
				log.Error(err, "purge expired sessions")
			} else if n > 0 {
				log.V(1).Info("purged expired sessions", "count", n)
			}
		}
	}
}

// removeOwnPidFile deletes the PID file only if it still names this process.
func removeOwnPidFile(path string) {
	if pid, err := readPidFile(path); err == nil && pid == os.Getpid() {
		os.Remove(path)
	}
}
