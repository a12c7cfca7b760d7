package dragonflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/firebase/genkit/go/genkit"

	core "github.com/ZanzyTHEbar/dragonflow"
	"github.com/ZanzyTHEbar/dragonflow/internal/batch"
	"github.com/ZanzyTHEbar/dragonflow/internal/bridge"
	"github.com/ZanzyTHEbar/dragonflow/internal/cache"
	"github.com/ZanzyTHEbar/dragonflow/internal/config"
	"github.com/ZanzyTHEbar/dragonflow/internal/eventbus"
	"github.com/ZanzyTHEbar/dragonflow/internal/executor"
	"github.com/ZanzyTHEbar/dragonflow/internal/logging"
	"github.com/ZanzyTHEbar/dragonflow/internal/prompt"
	"github.com/ZanzyTHEbar/dragonflow/internal/storage"
	"github.com/ZanzyTHEbar/dragonflow/internal/tools"
)

// components are the shared resources every executor of one process uses:
// the cache, the run sinks, the bridge and the prompt runtime.
type components struct {
	cfg      *config.Config
	log      *logging.Logger
	registry *tools.Registry
	prompts  tools.PromptRunner
	events   eventbus.Publisher
	recorder executor.Recorder

	cache   *cache.Manager
	runs    core.RunStorage
	memory  *storage.MemorySink
	bridge  *bridge.Bridge
	closers []func() error
}

func buildComponents(ctx context.Context, c *components, extraSinks []core.RunStorage) error {
	cfg := c.cfg
	if c.prompts == nil && cfg.Prompts.Dir != "" {
		reg, err := prompt.NewRegistry(ctx, genkit.WithPromptDir(cfg.Prompts.Dir))
		if err != nil {
			return core.NewConfigurationError("cannot load prompts", err)
		}
		c.prompts = reg
	}

	st, err := cacheStorage(ctx, c)
	if err != nil {
		_ = c.close()
		return err
	}
	if st != nil {
		c.cache = cache.NewManager(st,
			cache.WithLogger(c.log),
			cache.WithRetryPolicy(cfg.Retry.Policy()),
		)
	}

	sinks, err := runSinks(c)
	if err != nil {
		_ = c.close()
		return err
	}
	sinks = append(sinks, extraSinks...)
	switch len(sinks) {
	case 0:
	case 1:
		c.runs = sinks[0]
	default:
		c.runs = storage.Multi(sinks)
	}

	c.bridge = bridge.New(cfg.Executor.BlockingSlots, bridge.WithLogger(c.log))
	c.closers = append(c.closers, func() error {
		c.bridge.Close()
		return nil
	})
	return nil
}

func cacheStorage(ctx context.Context, c *components) (core.CacheStorage, error) {
	cfg := c.cfg.Cache
	switch cfg.Backend {
	case config.CacheNone:
		return nil, nil
	case config.CacheMemory, "":
		return cache.NewMemoryStorage(cfg.TTL), nil
	case config.CacheFile:
		st, err := cache.NewFileStorage(cfg.Path, c.log)
		if err != nil {
			return nil, core.NewConfigurationError("cannot open cache file", err)
		}
		return st, nil
	case config.CacheRedis:
		st, err := cache.NewRedisStorage(ctx, cfg.Redis, c.log)
		if err != nil {
			return nil, core.NewConfigurationError("cannot connect to redis cache", err)
		}
		c.closers = append(c.closers, st.Close)
		return st, nil
	case config.CachePostgres:
		pool, err := cache.NewPostgresPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
		if err != nil {
			return nil, core.NewConfigurationError("cannot connect to postgres cache", err)
		}
		c.closers = append(c.closers, func() error {
			pool.Close()
			return nil
		})
		st, err := cache.NewPostgresStorage(ctx, pool)
		if err != nil {
			return nil, core.NewConfigurationError("cannot prepare postgres cache", err)
		}
		return st, nil
	}
	return nil, core.NewConfigurationError(fmt.Sprintf("unknown cache backend '%s'", cfg.Backend), nil)
}

func runSinks(c *components) ([]core.RunStorage, error) {
	var sinks []core.RunStorage
	for _, name := range c.cfg.Storage.Sinks {
		switch name {
		case config.SinkMemory:
			c.memory = storage.NewMemorySink()
			sinks = append(sinks, c.memory)
		case config.SinkFile:
			s, err := storage.NewFileSink(c.cfg.Storage.Dir, c.log)
			if err != nil {
				return nil, core.NewConfigurationError("cannot open run storage directory", err)
			}
			sinks = append(sinks, s)
		case config.SinkAMQP:
			s, err := storage.NewAMQPSink(c.cfg.Storage.AMQP, c.log)
			if err != nil {
				return nil, core.NewConfigurationError("cannot connect run storage broker", err)
			}
			c.closers = append(c.closers, s.Close)
			sinks = append(sinks, s)
		default:
			return nil, core.NewConfigurationError(fmt.Sprintf("unknown run storage sink '%s'", name), nil)
		}
	}
	return sinks, nil
}

func (c *components) resolver() *tools.Resolver {
	opts := []tools.ResolverOption{
		tools.WithRetryPolicy(c.cfg.Retry.Policy()),
		tools.WithResolverLogger(c.log),
	}
	if c.prompts != nil {
		opts = append(opts, tools.WithPrompts(c.prompts))
	}
	return tools.NewResolver(c.registry, opts...)
}

// newInvoker registers the flow-level tool definitions of flow. Calls share
// the bridge with node execution.
func (c *components) newInvoker(flow *core.Flow) (*tools.Invoker, error) {
	inv := tools.NewInvoker(c.resolver(), tools.WithCaller(c.bridge))
	if err := inv.Register(flow.Tools...); err != nil {
		return nil, err
	}
	return inv, nil
}

// newExecutor resolves flow's tools and binds an executor to the shared
// components.
func (c *components) newExecutor(flow *core.Flow) (*executor.Executor, error) {
	resolved, err := c.resolver().ResolveFlow(flow)
	if err != nil {
		return nil, err
	}
	opts := []executor.ExecutorOption{
		executor.WithLogger(c.log),
		executor.WithBridge(c.bridge),
		executor.WithEvents(c.events),
		executor.WithMaxWorkers(c.cfg.Executor.MaxWorkers),
		executor.WithLongRunningInterval(c.cfg.Executor.LongRunningInterval),
		executor.WithStoragePolicy(c.cfg.Retry.Policy()),
	}
	if c.recorder != nil {
		opts = append(opts, executor.WithRecorder(c.recorder))
	}
	if c.cache != nil {
		opts = append(opts, executor.WithCache(c.cache))
	}
	if c.runs != nil {
		opts = append(opts, executor.WithRunStorage(c.runs))
	}
	return executor.New(flow, resolved, opts...)
}

func (c *components) factory() batch.Factory {
	return func(flow *core.Flow) (batch.Runner, error) {
		return c.newExecutor(flow)
	}
}

func (c *components) close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// DefaultRegistry returns a registry holding the builtin package tools.
func DefaultRegistry(cfg *config.Config) (*tools.Registry, error) {
	reg := tools.NewRegistry()
	client := &http.Client{Timeout: 30 * time.Second}
	if err := tools.RegisterBuiltins(reg, client, cfg.Retry.Policy()); err != nil {
		return nil, err
	}
	return reg, nil
}

// WorkerFactory builds the runner factory a worker process serves the batch
// protocol with. The caller must invoke the returned close function once
// the worker exits.
func WorkerFactory(ctx context.Context, cfg *config.Config, log *logging.Logger, registry *tools.Registry) (batch.Factory, func() error, error) {
	if registry == nil {
		var err error
		if registry, err = DefaultRegistry(cfg); err != nil {
			return nil, nil, err
		}
	}
	c := &components{
		cfg:      cfg,
		log:      log,
		registry: registry,
		events:   eventbus.Nop{},
	}
	if err := buildComponents(ctx, c, nil); err != nil {
		return nil, nil, err
	}
	return c.factory(), c.close, nil
}
