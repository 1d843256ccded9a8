// Server runs the presence API: HTTP (REST, websocket, health, metrics) and gRPC on
// separate listeners, sharing one presence cache, bridge and connection registry.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	auditpkg "timepulse/backend/internal/audit"
	auditrepo "timepulse/backend/internal/audit/repository"
	"timepulse/backend/internal/bridge"
	"timepulse/backend/internal/broadcast"
	"timepulse/backend/internal/config"
	"timepulse/backend/internal/db"
	healthhandler "timepulse/backend/internal/health/handler"
	identityrepo "timepulse/backend/internal/identity/repository"
	"timepulse/backend/internal/identity/service"
	"timepulse/backend/internal/logging"
	"timepulse/backend/internal/policy/engine"
	policyrepo "timepulse/backend/internal/policy/repository"
	"timepulse/backend/internal/presence"
	"timepulse/backend/internal/realtime"
	"timepulse/backend/internal/revocation"
	"timepulse/backend/internal/security"
	"timepulse/backend/internal/server"
	"timepulse/backend/internal/server/httpapi"
	"timepulse/backend/internal/server/interceptors"
	sessionrepo "timepulse/backend/internal/session/repository"
	"timepulse/backend/internal/telemetry"
	telemetryotel "timepulse/backend/internal/telemetry/otel"
	"timepulse/backend/internal/telemetry/producer"
	timerrepo "timepulse/backend/internal/timer/repository"
	userrepo "timepulse/backend/internal/user/repository"
)

const (
	presenceSubject   = "timepulse.presence"
	shutdownTimeout   = 10 * time.Second
	// presenceRecordTTL bounds how long version records of stopped timers are kept.
	presenceRecordTTL = 10 * time.Minute
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Env, cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	if cfg.InstanceID == "" {
		host, _ := os.Hostname()
		cfg.InstanceID = host + "-" + uuid.NewString()[:8]
	}
	log = log.With("instance", cfg.InstanceID)

	emitter, closeTelemetry, err := setupTelemetry(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeTelemetry()

	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer conn.Close()

	ledger, ledgerPing, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}

	priv, pub, err := security.LoadKeyPair(cfg.JWTPrivateKey, cfg.JWTPublicKey)
	if err != nil {
		return fmt.Errorf("jwt keys: %w", err)
	}
	tokens := security.NewTokenProvider(priv, pub, cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL(), cfg.RefreshTTL())
	auditLog := auditpkg.NewLogger(auditrepo.NewPostgresRepository(conn), interceptors.ClientIP, log)
	policy := engine.NewOPAEvaluator(policyrepo.NewPostgresRepository(conn), log)

	auth := service.NewAuthService(
		userrepo.NewPostgresRepository(conn),
		identityrepo.NewPostgresRepository(conn),
		sessionrepo.NewPostgresRepository(conn),
		security.NewHasher(cfg.BcryptCost),
		tokens,
		ledger,
		log,
	)
	auth.SetPolicy(policy)
	auth.SetAuditLogger(auditLog)
	auth.SetEventEmitter(emitter)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	cache := presence.NewCache()
	registry := realtime.NewRegistry(auth, cache, realtime.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		MissThreshold:     cfg.HeartbeatMissThreshold,
		SendBuffer:        cfg.WSSendBuffer,
		Registerer:        reg,
		Logger:            log,
		Unavailable:       func(err error) bool { return errors.Is(err, service.ErrLedgerUnavailable) },
	})
	registry.SetEventEmitter(emitter)

	hub := broadcast.NewHub(registry, reg, log)
	var publisher bridge.Publisher = hub
	if cfg.NATSURL != "" {
		nc, err := broadcast.Connect(cfg.NATSURL, "timepulse-"+cfg.InstanceID)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer nc.Close()
		relay := broadcast.NewNATSRelay(nc, presenceSubject, cfg.InstanceID, hub, cache, log)
		if err := relay.Start(); err != nil {
			return fmt.Errorf("nats relay: %w", err)
		}
		defer relay.Stop()
		publisher = relay
	}

	timers := bridge.New(timerrepo.NewPostgresRepository(conn), cache, publisher, log)
	timers.SetAuditLogger(auditLog)
	timers.SetEventEmitter(emitter)
	registry.SetTimerCommands(timers)
	auth.SetConnectionCloser(registry)
	auth.SetTimerStopper(timers)

	n, err := timers.Rehydrate(ctx)
	if err != nil {
		return fmt.Errorf("rehydrate presence: %w", err)
	}
	log.Info("presence rehydrated", "running", n)

	health := healthhandler.NewServer(conn, ledgerPing, policy)
	limiter := httpapi.NewLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	httpSrv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.NewRouter(httpapi.Deps{
			Auth:       auth,
			Timers:     timers,
			Presence:   cache,
			Sockets:    registry,
			Health:     health,
			Limiter:    limiter,
			Metrics:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
			Registerer: reg,
			Emitter:    emitter,
			Logger:     log,
			Timeout:    15 * time.Second,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcSrv := server.NewGRPCServer(server.Deps{
		Auth:     auth,
		Accounts: auth,
		Timers:   timers,
		Presence: cache,
		Health:   health,
		Audit:    auditLog,
		Emitter:  emitter,
		Logger:   log,
	})

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.GRPCAddr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if mem, ok := ledger.(*revocation.MemoryLedger); ok {
		g.Go(func() error { mem.RunJanitor(gctx, time.Minute); return nil })
	}
	g.Go(func() error { limiter.RunJanitor(gctx, time.Minute); return nil })
	g.Go(func() error { cache.RunJanitor(gctx, time.Minute, presenceRecordTTL); return nil })
	g.Go(func() error {
		log.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info("grpc server listening", "addr", cfg.GRPCAddr)
		if err := grpcSrv.Serve(lis); err != nil {
			return fmt.Errorf("grpc: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		registry.CloseAll()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		err := httpSrv.Shutdown(sctx)
		grpcSrv.GracefulStop()
		return err
	})
	return g.Wait()
}

// openLedger returns the configured revocation ledger and, when it can be pinged, the
// readiness check for it.
func openLedger(ctx context.Context, cfg *config.Config) (revocation.Ledger, healthhandler.LedgerPinger, error) {
	switch cfg.RevocationBackend {
	case config.RevocationBackendMemory:
		return revocation.NewMemoryLedger(), nil, nil
	default:
		rdb, err := revocation.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis: %w", err)
		}
		l := revocation.NewRedisLedger(rdb, "timepulse:revoked:")
		return l, l, nil
	}
}

// setupTelemetry wires the OTLP log/trace/metric providers and the Kafka producer. Either is
// skipped when unconfigured; the returned emitter is never nil.
func setupTelemetry(ctx context.Context, cfg *config.Config, log *slog.Logger) (telemetry.EventEmitter, func(), error) {
	var emitters []telemetry.EventEmitter
	var closers []func()

	if cfg.OTLPEndpoint != "" {
		providers, err := telemetryotel.NewProviders(ctx, cfg.OTLPEndpoint, "timepulse-server", cfg.OTLPInsecure)
		if err != nil {
			return nil, nil, fmt.Errorf("otel: %w", err)
		}
		providers.SetGlobal()
		emitters = append(emitters, telemetryotel.NewEventEmitter(providers.LoggerProvider))
		closers = append(closers, func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := providers.Shutdown(sctx); err != nil {
				log.Warn("otel shutdown", "error", err)
			}
		})
	}
	if brokers := cfg.TelemetryKafkaBrokersList(); len(brokers) > 0 {
		kp := producer.NewKafkaProducer(brokers, cfg.TelemetryKafkaTopic)
		emitters = append(emitters, kp)
		closers = append(closers, func() {
			if err := kp.Close(); err != nil {
				log.Warn("kafka producer close", "error", err)
			}
		})
	}

	return telemetry.Fanout(emitters...), func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}, nil
}
