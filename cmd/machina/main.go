package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/machina-io/machina/pkg/broadcaster"
	"github.com/machina-io/machina/pkg/broker"
	"github.com/machina-io/machina/pkg/config"
	"github.com/machina-io/machina/pkg/core"
	"github.com/machina-io/machina/pkg/gateway"
	obsotel "github.com/machina-io/machina/pkg/observability/otel"
	obsprom "github.com/machina-io/machina/pkg/observability/prometheus"
	"github.com/machina-io/machina/pkg/persistence"
	"github.com/machina-io/machina/pkg/registry"
	"github.com/machina-io/machina/pkg/runtime"
	"github.com/machina-io/machina/pkg/store"
	"github.com/machina-io/machina/pkg/timer"
)

// NodeConfig is the machina node configuration document.
type NodeConfig struct {
	Components []string `yaml:"components"`

	Gateway struct {
		Addr         string   `yaml:"addr"`
		JWTSecret    string   `yaml:"jwt_secret"`
		Issuer       string   `yaml:"issuer"`
		APIKeyHashes []string `yaml:"api_key_hashes"`
	} `yaml:"gateway"`

	Broker struct {
		Kind     string `yaml:"kind"` // memory, nats
		URL      string `yaml:"url"`
		Prefix   string `yaml:"prefix"`
		Embedded bool   `yaml:"embedded"`
		Port     int    `yaml:"port"`
	} `yaml:"broker"`

	Persistence struct {
		Kind             string `yaml:"kind"` // memory, sqlite, postgres, pgx, file
		DSN              string `yaml:"dsn"`
		Dir              string `yaml:"dir"`
		EventSourcing    bool   `yaml:"event_sourcing"`
		Snapshots        bool   `yaml:"snapshots"`
		SnapshotInterval int    `yaml:"snapshot_interval"`
		Restore          bool   `yaml:"restore"`
	} `yaml:"persistence"`

	Observability struct {
		MetricsAddr   string  `yaml:"metrics_addr"`
		EnableTracing bool    `yaml:"enable_tracing"`
		Exporter      string  `yaml:"exporter"`
		Endpoint      string  `yaml:"endpoint"`
		SampleRatio   float64 `yaml:"sample_ratio"`
	} `yaml:"observability"`

	Timer struct {
		TickMs int `yaml:"tick_ms"`
		Slots  int `yaml:"slots"`
	} `yaml:"timer"`

	LogJSON bool `yaml:"log_json"`
}

func main() {
	configPath := flag.String("config", "machina.yaml", "node configuration file")
	flag.Parse()

	var cfg NodeConfig
	if err := config.LoadWithEnv(*configPath, "MACHINA", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	var logger core.Logger
	if cfg.LogJSON {
		logger = core.NewJSONLogger()
	} else {
		logger = core.NewDefaultLogger()
	}

	if err := run(cfg, logger); err != nil {
		logger.Errorf("fatal: %v", err)
		os.Exit(1)
	}
}

func run(cfg NodeConfig, logger core.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing.
	shutdownTracing, err := obsotel.Init(obsotel.Config{
		Enabled:     cfg.Observability.EnableTracing,
		Exporter:    cfg.Observability.Exporter,
		Endpoint:    cfg.Observability.Endpoint,
		SampleRatio: cfg.Observability.SampleRatio,
	})
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	// Broker.
	var b broker.Broker
	switch cfg.Broker.Kind {
	case "", "memory":
		b = broker.NewMemoryBroker(logger)
	case "nats":
		if cfg.Broker.Embedded {
			srv, err := broker.StartEmbeddedServer(cfg.Broker.Port)
			if err != nil {
				return err
			}
			defer srv.Shutdown()
			cfg.Broker.URL = srv.ClientURL()
			logger.Infof("embedded nats server on %s", cfg.Broker.URL)
		}
		nb, err := broker.NewNATSBroker(broker.NATSConfig{
			URL:    cfg.Broker.URL,
			Prefix: cfg.Broker.Prefix,
			Name:   "machina-node",
		}, logger)
		if err != nil {
			return err
		}
		b = nb
	default:
		return fmt.Errorf("unknown broker kind %q", cfg.Broker.Kind)
	}
	defer b.Close()

	// Stores.
	events, snapshots, closeStores, err := buildStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	pcfg := persistence.Config{
		EventSourcing:    cfg.Persistence.EventSourcing,
		Snapshots:        cfg.Persistence.Snapshots,
		SnapshotInterval: cfg.Persistence.SnapshotInterval,
	}
	if pcfg.Snapshots && pcfg.SnapshotInterval <= 0 {
		pcfg.SnapshotInterval = persistence.DefaultConfig().SnapshotInterval
	}
	var manager *persistence.Manager
	if pcfg.EventSourcing || pcfg.Snapshots {
		manager, err = persistence.NewManager(pcfg, events, snapshots, logger)
		if err != nil {
			return err
		}
	}

	// Components.
	components, err := config.LoadComponents(cfg.Components)
	if err != nil {
		return err
	}
	if len(components) == 0 {
		return fmt.Errorf("no components configured")
	}

	reg := registry.New(b, core.GenerateRequestID(), logger)

	wheelCfg := timer.DefaultWheelConfig()
	if cfg.Timer.TickMs > 0 {
		wheelCfg.Tick = time.Duration(cfg.Timer.TickMs) * time.Millisecond
	}
	if cfg.Timer.Slots > 0 {
		wheelCfg.Slots = cfg.Timer.Slots
	}
	wheel := timer.NewWheel(wheelCfg)
	wheel.Start()
	defer wheel.Stop()

	wsFeed := gateway.NewWSFeed(logger)

	var broadcasters []*broadcaster.Broadcaster
	for _, component := range components {
		rtCfg := runtime.Config{
			Router: reg,
			Wheel:  wheel,
			Logger: logger,
		}
		if manager != nil {
			rtCfg.Persistence = manager
		}
		rt, err := runtime.New(component, rtCfg)
		if err != nil {
			return err
		}
		defer rt.Close()
		if err := reg.Register(rt); err != nil {
			return err
		}
		obsprom.Observe(rt)
		if cfg.Observability.EnableTracing {
			obsotel.Observe(rt)
		}
		wsFeed.Observe(rt)

		if manager != nil && cfg.Persistence.Restore {
			result, err := manager.Restore(rt)
			if err != nil {
				return err
			}
			synced, expired := manager.ResynchronizeTimeouts(rt)
			logger.Infof("component %s: restored=%d failed=%d timeouts synced=%d expired=%d",
				component.Name, result.Restored, result.Failed, synced, expired)
		}

		// Entry-point instance for components that designate one.
		if component.EntryMachine != "" && !hasEntryInstance(rt, component.EntryMachine) {
			if _, err := rt.CreateInstance(component.EntryMachine, nil, nil); err != nil {
				return err
			}
		}

		bc := broadcaster.New(rt, b, broadcaster.Config{Logger: logger})
		if err := bc.Connect(); err != nil {
			return err
		}
		broadcasters = append(broadcasters, bc)
	}
	defer func() {
		for _, bc := range broadcasters {
			bc.Disconnect()
		}
	}()

	// Metrics + websocket feed endpoint.
	if cfg.Observability.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(obsprom.DefaultRegistry, promhttp.HandlerOpts{}))
		mux.HandleFunc("/ws", wsFeed.HandleWebSocket)
		srv := &http.Server{Addr: cfg.Observability.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorf("metrics server: %v", err)
			}
		}()
		defer srv.Shutdown(context.Background())
	}

	// Gateway.
	var gw *gateway.Gateway
	if cfg.Gateway.Addr != "" {
		gwCfg := gateway.Config{Addr: cfg.Gateway.Addr, Logger: logger}
		if cfg.Gateway.JWTSecret != "" || len(cfg.Gateway.APIKeyHashes) > 0 {
			gwCfg.Auth = &gateway.AuthConfig{
				JWTSecret:    cfg.Gateway.JWTSecret,
				Issuer:       cfg.Gateway.Issuer,
				APIKeyHashes: cfg.Gateway.APIKeyHashes,
			}
		}
		gw, err = gateway.New(gwCfg, reg)
		if err != nil {
			return err
		}
		go func() {
			if err := gw.ListenAndServe(); err != nil {
				logger.Errorf("gateway: %v", err)
			}
		}()
		defer gw.Shutdown()
	}

	logger.Infof("machina node up with %d component(s)", len(components))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")
	return nil
}

func hasEntryInstance(rt *runtime.Runtime, entryMachine string) bool {
	for _, rec := range rt.Instances(entryMachine) {
		if rec.IsEntryPoint {
			return true
		}
	}
	return false
}

func buildStores(ctx context.Context, cfg NodeConfig) (store.EventStore, store.SnapshotStore, func(), error) {
	noop := func() {}
	switch cfg.Persistence.Kind {
	case "", "memory":
		mem := store.NewMemoryStore()
		return mem, mem, noop, nil

	case "sqlite":
		dsn := cfg.Persistence.DSN
		if dsn == "" {
			dsn = "machina.db"
		}
		pool, err := store.NewPool(store.DefaultPoolConfig(dsn, "sqlite3"))
		if err != nil {
			return nil, nil, noop, err
		}
		s, err := store.NewSQLStore(pool)
		if err != nil {
			pool.Close()
			return nil, nil, noop, err
		}
		return s, s, func() { pool.Close() }, nil

	case "postgres":
		pool, err := store.NewPool(store.DefaultPoolConfig(cfg.Persistence.DSN, "postgres"))
		if err != nil {
			return nil, nil, noop, err
		}
		s, err := store.NewSQLStore(pool)
		if err != nil {
			pool.Close()
			return nil, nil, noop, err
		}
		return s, s, func() { pool.Close() }, nil

	case "pgx":
		s, err := store.NewPostgresStore(ctx, cfg.Persistence.DSN)
		if err != nil {
			return nil, nil, noop, err
		}
		return s, s, func() { s.Close() }, nil

	case "file":
		dir := cfg.Persistence.Dir
		if dir == "" {
			dir = "machina-data"
		}
		eventLog, err := store.NewFileEventStore(store.DefaultFileLogConfig(dir + "/events"))
		if err != nil {
			return nil, nil, noop, err
		}
		snaps, err := store.NewFileSnapshotStore(dir + "/snapshots")
		if err != nil {
			eventLog.Close()
			return nil, nil, noop, err
		}
		return eventLog, snaps, func() { eventLog.Close() }, nil

	default:
		return nil, nil, noop, fmt.Errorf("unknown persistence kind %q", cfg.Persistence.Kind)
	}
}
