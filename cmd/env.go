package main

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/sells-group/collection-cli/internal/dialer"
	"github.com/sells-group/collection-cli/internal/events"
	"github.com/sells-group/collection-cli/internal/monitoring"
	"github.com/sells-group/collection-cli/internal/orchestrator"
	"github.com/sells-group/collection-cli/internal/resilience"
	"github.com/sells-group/collection-cli/internal/runlock"
	"github.com/sells-group/collection-cli/internal/snapshot"
	"github.com/sells-group/collection-cli/internal/store"
)

// initStore opens and migrates the configured backend.
func initStore(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate("store"); err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL, &cfg.Store.Pool)
	if err != nil {
		return nil, eris.Wrapf(err, "open %s store", cfg.Store.Driver)
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initRegistry builds a vendor client per configured vendor.
func initRegistry() *dialer.Registry {
	reg := dialer.NewRegistry()
	for _, vc := range cfg.Vendors {
		var opts []dialer.Option
		if vc.RateLimit > 0 {
			opts = append(opts, dialer.WithRateLimit(vc.RateLimit, vc.Burst))
		}
		reg.Register(vc.Name, dialer.NewClient(vc.Name, vc.BaseURL, vc.APIKey, opts...))
	}
	return reg
}

// engineEnv holds everything a bucket job needs. Callers should defer
// env.Close().
type engineEnv struct {
	Store        store.Store
	Snapshots    *snapshot.Loader
	Registry     *dialer.Registry
	Orchestrator *orchestrator.Orchestrator

	closers []func(context.Context) error
}

// Close releases the store, event sinks, lock client and meter provider.
func (e *engineEnv) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](ctx); err != nil {
			zap.L().Warn("shutdown", zap.Error(err))
		}
	}
}

func (e *engineEnv) onClose(fn func(context.Context) error) {
	e.closers = append(e.closers, fn)
}

// initEngine wires the store, snapshot loader, vendor registry, event sinks,
// run lock and metrics into an orchestrator.
func initEngine(ctx context.Context) (*engineEnv, error) {
	if err := cfg.Validate("run"); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &engineEnv{
		Store:     st,
		Snapshots: snapshot.NewLoader(cfg.Engine.SnapshotPath, st),
		Registry:  initRegistry(),
	}
	env.onClose(func(context.Context) error { return st.Close() })

	publisher, err := initPublisher(env)
	if err != nil {
		env.Close()
		return nil, err
	}

	locker, err := initLocker(ctx, env)
	if err != nil {
		env.Close()
		return nil, err
	}

	shutdown, err := monitoring.SetupMeterProvider(ctx, cfg.Monitoring.OTLPEndpoint, cfg.Monitoring.OTLPInsecure,
		time.Duration(cfg.Monitoring.ExportIntervalSecs)*time.Second)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.onClose(shutdown)
	metrics, err := monitoring.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		env.Close()
		return nil, err
	}

	env.Orchestrator = orchestrator.New(st, env.Snapshots, env.Registry,
		orchestrator.WithLocker(locker),
		orchestrator.WithPublisher(publisher),
		orchestrator.WithMetrics(metrics),
		orchestrator.WithBreakers(resilience.NewServiceBreakers(cfg.Circuit.Breaker())),
		orchestrator.WithConfig(orchestrator.Config{
			LockTTL: cfg.Engine.LockTTL(),
			Retry:   cfg.Retry.Policy(0),
		}),
	)

	zap.L().Info("engine ready",
		zap.String("store", cfg.Store.Driver),
		zap.Strings("vendors", env.Registry.Names()),
		zap.Bool("shared_lock", cfg.Redis.Addr != ""),
	)
	return env, nil
}

// initPublisher fans run events out to the log plus any configured webhook
// or Kafka topic.
func initPublisher(env *engineEnv) (events.Publisher, error) {
	pubs := events.Multi{events.NewLogPublisher()}
	if cfg.Events.WebhookURL != "" {
		types := make([]events.Type, 0, len(cfg.Events.WebhookTypes))
		for _, t := range cfg.Events.WebhookTypes {
			types = append(types, events.Type(strings.TrimSpace(t)))
		}
		pubs = append(pubs, events.NewWebhookPublisher(cfg.Events.WebhookURL, types...))
	}
	if cfg.Events.KafkaBrokers != "" {
		kp, err := events.NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
		if err != nil {
			return nil, eris.Wrap(err, "init kafka publisher")
		}
		env.onClose(func(context.Context) error { return kp.Close() })
		pubs = append(pubs, kp)
	}
	return pubs, nil
}

// initLocker returns the Redis lock when configured, else the in-process one.
func initLocker(ctx context.Context, env *engineEnv) (runlock.Locker, error) {
	if cfg.Redis.Addr == "" {
		return runlock.NewMemoryLocker(), nil
	}
	rdb, err := runlock.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, err
	}
	env.onClose(func(context.Context) error { return rdb.Close() })
	return runlock.NewRedisLocker(rdb), nil
}
