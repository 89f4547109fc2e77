// Command spawnd runs the spawn core against an in-process platform seeded
// from configuration, fed by NATS or Kafka events and managed over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/mirkobrombin/go-spawn/v1/api"
	"github.com/mirkobrombin/go-spawn/v1/config"
	"github.com/mirkobrombin/go-spawn/v1/dispatch"
	"github.com/mirkobrombin/go-spawn/v1/ingest"
	"github.com/mirkobrombin/go-spawn/v1/lock"
	"github.com/mirkobrombin/go-spawn/v1/metrics"
	"github.com/mirkobrombin/go-spawn/v1/provider"
	"github.com/mirkobrombin/go-spawn/v1/spawn"
	"github.com/mirkobrombin/go-spawn/v1/store"
	"github.com/mirkobrombin/go-spawn/v1/syncbus"
	"github.com/mirkobrombin/go-spawn/v1/validator"
	"github.com/mirkobrombin/go-spawn/v1/watchbus"
)

var (
	configPath = flag.String("config", "", "Path to the YAML configuration file")
	addr       = flag.String("addr", "", "HTTP listen address (overrides http.addr)")
	logLevel   = flag.String("log-level", "", "Log level: debug, info, warn, error (overrides log.level)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("spawnd stopped", "error", err)
		os.Exit(1)
	}
}

func newLogger(c config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// deps holds the clients shared by several components.
type deps struct {
	redis   *redis.Client
	nats    *nats.Conn
	signals *syncbus.KafkaBus
}

func (d *deps) close() {
	if d.redis != nil {
		_ = d.redis.Close()
	}
	if d.nats != nil {
		d.nats.Close()
	}
	if d.signals != nil {
		_ = d.signals.Close()
	}
}

func connect(cfg *config.Config) (*deps, error) {
	d := &deps{}
	needRedis := cfg.Store.Driver == "redis" || cfg.Lock.Driver == "redis" ||
		cfg.Lock.Bus == "redis" || cfg.Watch.Driver == "redis"
	if needRedis {
		d.redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	}
	if cfg.NATS.URL != "" {
		conn, err := nats.Connect(cfg.NATS.URL, nats.Name("spawnd"))
		if err != nil {
			d.close()
			return nil, fmt.Errorf("nats: %w", err)
		}
		d.nats = conn
	}
	if cfg.Lock.Driver == "redis" && cfg.Lock.Bus == "kafka" {
		bus, err := syncbus.DialKafkaBus(cfg.Kafka.Brokers, nil, cfg.Kafka.Signals)
		if err != nil {
			d.close()
			return nil, err
		}
		d.signals = bus
	}
	return d, nil
}

func openStore(cfg config.StoreConfig, d *deps) (store.Store, func(), error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Driver {
	case "redis":
		st = store.NewRedis(d.redis, store.WithRedisTimeout(cfg.Timeout))
	case "sqlite":
		db, oerr := gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{})
		if oerr != nil {
			return nil, nil, fmt.Errorf("open %s: %w", cfg.DSN, oerr)
		}
		st, err = store.NewGorm(db, store.WithGormTimeout(cfg.Timeout))
		if err != nil {
			return nil, nil, err
		}
	default:
		st = store.NewInMemory()
	}
	if !cfg.Cache.Enabled {
		return st, func() {}, nil
	}
	cached, err := store.NewCached(st, store.WithCacheTTL(cfg.Cache.TTL), store.WithCacheEntries(cfg.Cache.Entries))
	if err != nil {
		return nil, nil, err
	}
	return cached, cached.Close, nil
}

func newLocker(cfg config.LockConfig, d *deps) lock.Locker {
	if cfg.Driver != "redis" {
		return lock.NewKeyed[string]()
	}
	var bus syncbus.Bus
	switch cfg.Bus {
	case "redis":
		bus = syncbus.NewRedisBus(d.redis, "")
	case "nats":
		bus = syncbus.NewNATSBus(d.nats, "")
	case "kafka":
		bus = d.signals
	default:
		bus = syncbus.NewInMemoryBus()
	}
	return lock.NewRedis(d.redis, bus, lock.WithTTL(cfg.TTL), lock.WithPollInterval(cfg.PollInterval))
}

func newWatchBus(cfg config.WatchConfig, d *deps) watchbus.WatchBus {
	if cfg.Driver == "redis" {
		return watchbus.NewRedisWatchBus(d.redis, "")
	}
	return watchbus.NewInMemory()
}

var kinds = map[string]provider.Kind{
	"category": provider.KindCategory,
	"voice":    provider.KindVoice,
	"text":     provider.KindText,
}

func newPlatform(cfg config.ProviderConfig) *provider.Memory {
	mem := provider.NewMemory(provider.WithLimits(cfg.MaxPerCategory, cfg.MaxTotal))
	for _, r := range cfg.Resources {
		mem.AddResource(r.ID, r.Name, r.Category, kinds[r.Kind])
	}
	for _, id := range cfg.Roles {
		mem.AddRole(id)
	}
	return mem
}

func setupTracing(cfg config.TracingConfig) (func(context.Context) error, error) {
	if !cfg.Stdout {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("stdouttrace: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTracing, err := setupTracing(cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	reg := metrics.NewRegistry()
	metrics.Register(reg)

	d, err := connect(cfg)
	if err != nil {
		return err
	}
	defer d.close()

	st, closeStore, err := openStore(cfg.Store, d)
	if err != nil {
		return err
	}
	defer closeStore()

	locks := newLocker(cfg.Lock, d)
	bus := newWatchBus(cfg.Watch, d)
	mem := newPlatform(cfg.Provider)
	p := provider.WithTimeout(mem, cfg.Provider.Timeout)

	table := dispatch.New(dispatch.WithLogger(logger))
	opts := []spawn.Option{spawn.WithLogger(logger), spawn.WithWatchBus(bus)}
	rec := spawn.NewReconciler(st, p, opts...)
	router := spawn.NewRouter(locks, rec, p, opts...)
	router.Register(table)
	mgr := spawn.NewManager(locks, rec, opts...)

	// Moves performed by the core come back as platform events.
	mem.SetMoveObserver(func(member, before, after string) {
		table.Dispatch(ctx, spawn.EventMemberMoved, spawn.Transition{Member: member, Before: before, After: after})
	})

	if err := mgr.SyncRoles(ctx); err != nil {
		logger.Warn("linked role sync failed", "error", err)
	}

	sink := ingest.NewSink(table, logger)
	eg, ectx := errgroup.WithContext(ctx)
	if d.nats != nil && cfg.NATS.Subject != "" {
		in := ingest.NewNATS(d.nats, cfg.NATS.Subject, cfg.NATS.Queue, sink)
		eg.Go(func() error { return in.Run(ectx) })
		logger.Info("nats ingest started", "subject", cfg.NATS.Subject, "queue", cfg.NATS.Queue)
	}
	if len(cfg.Kafka.Brokers) > 0 {
		k, err := ingest.DialKafka(cfg.Kafka.Brokers, nil, cfg.Kafka.Topic, sink)
		if err != nil {
			return err
		}
		defer k.Close()
		eg.Go(func() error { return k.Run(ectx) })
		logger.Info("kafka ingest started", "brokers", strings.Join(cfg.Kafka.Brokers, ","), "topic", cfg.Kafka.Topic)
	}

	mode, err := validator.ParseMode(cfg.Sweep.Mode)
	if err != nil {
		return err
	}
	if mode != validator.ModeNoop {
		v := validator.New(st, p, mgr, mode, cfg.Sweep.Interval, logger)
		eg.Go(func() error {
			v.Run(ectx)
			return nil
		})
		logger.Info("sweep started", "mode", cfg.Sweep.Mode, "interval", cfg.Sweep.Interval)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", api.New(mgr, router, bus, logger))
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	eg.Go(func() error {
		logger.Info("spawnd listening", "addr", cfg.HTTP.Addr, "store", cfg.Store.Driver, "lock", cfg.Lock.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ectx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return eg.Wait()
}
