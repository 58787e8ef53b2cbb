package engine

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/caduceus-io/caduceus/config"
	"github.com/caduceus-io/caduceus/ingest"
	"github.com/caduceus-io/caduceus/log"
	"github.com/caduceus-io/caduceus/metrics"
	"github.com/caduceus-io/caduceus/mllp"
	"github.com/caduceus-io/caduceus/queue"
	"github.com/caduceus-io/caduceus/route"
	"github.com/caduceus-io/caduceus/send"
	"github.com/caduceus-io/caduceus/stage"
	"github.com/caduceus-io/caduceus/transform"
)

// Engine owns the queue manager and every pipeline stage. Stages start
// tier by tier in flow order (ingest, validation, transformation,
// routing, senders) and stop in reverse, so shutdown drains from the
// front of the pipeline backward.
type Engine struct {
	cfg     *config.Config
	logger  *log.Logger
	metrics *metrics.Collector
	manager *queue.Manager
	redis   *goredis.Client

	// tiers holds stages in start order; each inner slice starts and
	// stops concurrently.
	tiers [][]stage.Stage

	// clients are MLLP connections closed after their senders stop.
	clients []*mllp.Client
}

// New assembles an engine from configuration. Nothing listens or
// consumes until Start.
func New(cfg *config.Config, logger *log.Logger) (*Engine, error) {
	e := &Engine{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.NewCollector(cfg.EngineID, cfg.Queues.Type),
	}

	if err := e.buildQueues(); err != nil {
		return nil, err
	}
	if err := e.buildStages(); err != nil {
		return nil, err
	}
	return e, nil
}

// Metrics exposes the engine's counters.
func (e *Engine) Metrics() *metrics.Collector { return e.metrics }

// Queues exposes the queue manager, mainly for tests and tooling.
func (e *Engine) Queues() *queue.Manager { return e.manager }

func (e *Engine) buildQueues() error {
	qc := e.cfg.Queues
	switch qc.Type {
	case "", "memory":
		policy := queue.Block
		if qc.FullPolicy == string(queue.Reject) {
			policy = queue.Reject
		}
		e.manager = queue.NewManager(queue.MemoryFactory(queue.MemoryConfig{
			MaxSize:    qc.MaxSize,
			Visibility: qc.Visibility.Duration,
			Policy:     policy,
		}))
	case "streams":
		if qc.Redis.Addr == "" {
			return fmt.Errorf("queues: streams backend needs redis.addr")
		}
		e.redis = goredis.NewClient(&goredis.Options{
			Addr:     qc.Redis.Addr,
			Password: qc.Redis.Password,
			DB:       qc.Redis.DB,
		})
		e.manager = queue.NewManager(queue.StreamsFactory(e.redis, queue.StreamsConfig{
			Addr:       qc.Redis.Addr,
			Password:   qc.Redis.Password,
			DB:         qc.Redis.DB,
			MaxLen:     qc.MaxLen,
			Visibility: qc.Visibility.Duration,
		}))
	default:
		return fmt.Errorf("queues: unknown backend %q", qc.Type)
	}
	return nil
}

func (e *Engine) buildStages() error {
	ingests, err := e.buildIngests()
	if err != nil {
		return err
	}
	transformation, err := e.buildTransformation()
	if err != nil {
		return err
	}
	routing, err := e.buildRouting(transformation)
	if err != nil {
		return err
	}
	senders, err := e.buildSenders()
	if err != nil {
		return err
	}

	var processing []stage.Stage
	if config.Enabled(e.cfg.Processing.Validation.Enabled) {
		processing = append(processing, stage.NewRunner(NewValidationProcessor(e.logger), e.manager,
			stageConfig(e.cfg.Processing.Validation), e.logger, e.metrics))
	}
	if config.Enabled(e.cfg.Processing.Transformation.Enabled) {
		processing = append(processing, stage.NewRunner(transformation, e.manager,
			stageConfig(e.cfg.Processing.Transformation.StageSettings), e.logger, e.metrics))
	}

	routingSettings := stageConfig(e.cfg.Processing.Routing.StageSettings)
	// The router publishes to per-rule targets itself.
	routingSettings.OutputQueue = ""
	routingRunner := stage.NewRunner(routing, e.manager, routingSettings, e.logger, e.metrics)

	e.tiers = [][]stage.Stage{ingests}
	for _, p := range processing {
		e.tiers = append(e.tiers, []stage.Stage{p})
	}
	e.tiers = append(e.tiers, []stage.Stage{routingRunner}, senders)
	return nil
}

func (e *Engine) buildIngests() ([]stage.Stage, error) {
	var stages []stage.Stage
	for _, c := range e.cfg.Inbound.MLLP {
		if !config.Enabled(c.Enabled) {
			continue
		}
		stages = append(stages, mllp.NewListener(mllp.ListenerConfig{
			Name:           c.Name,
			Host:           c.Host,
			Port:           c.Port,
			OutputQueue:    c.Queue,
			MaxMessageSize: c.MaxMessageSize,
			IdleTimeout:    c.IdleTimeout.Duration,
		}, e.manager, e.logger, e.metrics))
	}
	for _, c := range e.cfg.Inbound.Files {
		if !config.Enabled(c.Enabled) {
			continue
		}
		stages = append(stages, ingest.NewWatcher(ingest.WatcherConfig{
			Name:           c.Name,
			InputDir:       c.InputDir,
			Pattern:        c.Pattern,
			ProcessedDir:   c.ProcessedDir,
			ErrorDir:       c.ErrorDir,
			OutputQueue:    c.Queue,
			PollInterval:   c.PollInterval.Duration,
			RegistryWindow: c.RegistryWindow.Duration,
		}, e.manager, e.logger, e.metrics))
	}
	for _, c := range e.cfg.Inbound.FHIR {
		if !config.Enabled(c.Enabled) {
			continue
		}
		stages = append(stages, ingest.NewFHIRListener(ingest.FHIRListenerConfig{
			Name:        c.Name,
			Host:        c.Host,
			Port:        c.Port,
			OutputQueue: c.Queue,
		}, e.manager, e.logger, e.metrics))
	}
	return stages, nil
}

func (e *Engine) buildTransformation() (*transform.Engine, error) {
	registry := transform.NewRegistry()
	if config.Enabled(e.cfg.Processing.Transformation.BuiltinRules) {
		var err error
		registry, err = transform.NewRegistryWithBuiltins()
		if err != nil {
			return nil, err
		}
	}
	for _, r := range e.cfg.Processing.Transformation.Rules {
		if err := registry.Register(r); err != nil {
			return nil, fmt.Errorf("transform rule %q: %w", r.Name, err)
		}
	}
	return transform.NewEngine(registry, e.logger), nil
}

func (e *Engine) buildRouting(transformer *transform.Engine) (*route.Router, error) {
	rules := route.NewRuleSet()
	for _, r := range e.cfg.Processing.Routing.Routes {
		if err := rules.Register(r); err != nil {
			return nil, fmt.Errorf("route %q: %w", r.Name, err)
		}
	}
	return route.NewRouter(rules, e.manager, transformer, e.logger), nil
}

func (e *Engine) buildSenders() ([]stage.Stage, error) {
	var stages []stage.Stage
	for _, c := range e.cfg.Outbound.MLLP {
		if !config.Enabled(c.Stage.Enabled) {
			continue
		}
		client := mllp.NewClient(mllp.ClientConfig{
			Address:    c.Address,
			AckTimeout: c.AckTimeout.Duration,
		})
		e.clients = append(e.clients, client)
		proc := send.NewMLLPSender(c.Name, client, e.logger, e.metrics)
		stages = append(stages, stage.NewRunner(proc, e.manager, stageConfig(c.Stage), e.logger, e.metrics))
	}
	for _, c := range e.cfg.Outbound.FHIR {
		if !config.Enabled(c.Stage.Enabled) {
			continue
		}
		proc, err := send.NewFHIRSender(send.FHIRSenderConfig{
			Name:             c.Name,
			BaseURL:          c.BaseURL,
			AuthType:         c.Auth.Type,
			Username:         c.Auth.Username,
			Password:         c.Auth.Password,
			BearerToken:      c.Auth.BearerToken,
			TokenURL:         c.Auth.TokenURL,
			ClientID:         c.Auth.ClientID,
			ClientSecret:     c.Auth.ClientSecret,
			Scopes:           c.Auth.Scopes,
			Timeout:          c.Timeout.Duration,
			BreakerThreshold: c.BreakerThreshold,
			BreakerCooldown:  c.BreakerCooldown.Duration,
		}, e.logger, e.metrics)
		if err != nil {
			return nil, err
		}
		stages = append(stages, stage.NewRunner(proc, e.manager, stageConfig(c.Stage), e.logger, e.metrics))
	}
	for _, c := range e.cfg.Outbound.Files {
		if !config.Enabled(c.Stage.Enabled) {
			continue
		}
		proc, err := send.NewFileSink(send.FileSinkConfig{
			Name:          c.Name,
			OutputDir:     c.OutputDir,
			Pattern:       c.Pattern,
			CreateSubdirs: c.CreateSubdirs,
		}, e.logger, e.metrics)
		if err != nil {
			return nil, err
		}
		stages = append(stages, stage.NewRunner(proc, e.manager, stageConfig(c.Stage), e.logger, e.metrics))
	}
	return stages, nil
}

// stageConfig maps configured stage settings onto the runner config.
func stageConfig(s config.StageSettings) stage.Config {
	return stage.Config{
		InputQueue:      s.InputQueue,
		OutputQueue:     s.OutputQueue,
		ErrorQueue:      s.ErrorQueue,
		DeadLetterQueue: s.DeadLetterQueue,
		MaxRetries:      s.MaxRetries,
		RetryBackoff:    s.RetryBackoff.Duration,
		DrainTimeout:    s.DrainTimeout.Duration,
	}
}

// Start brings stages up tier by tier in flow order. A failure stops
// the tiers already running before returning.
func (e *Engine) Start(ctx context.Context) error {
	for i, tier := range e.tiers {
		// Stages outlive this call, so they start with the engine
		// context, not an errgroup-derived one.
		g := new(errgroup.Group)
		for _, s := range tier {
			s := s
			g.Go(func() error {
				if err := s.Start(ctx); err != nil {
					return fmt.Errorf("start %s: %w", s.Name(), err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			e.stopTiers(ctx, i)
			return err
		}
	}
	e.logger.Info("engine started", map[string]any{
		"engine_id": e.cfg.EngineID,
		"backend":   e.cfg.Queues.Type,
	})
	return nil
}

// Stop shuts stages down in reverse tier order, then closes clients and
// queues. The first error wins; shutdown continues regardless.
func (e *Engine) Stop(ctx context.Context) error {
	err := e.stopTiers(ctx, len(e.tiers))

	for _, c := range e.clients {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if cerr := e.manager.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if e.redis != nil {
		if cerr := e.redis.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}

	e.logger.Info("engine stopped", map[string]any{"engine_id": e.cfg.EngineID})
	return err
}

// stopTiers stops tiers [0, n) in reverse order.
func (e *Engine) stopTiers(ctx context.Context, n int) error {
	var firstErr error
	for i := n - 1; i >= 0; i-- {
		g := new(errgroup.Group)
		for _, s := range e.tiers[i] {
			s := s
			g.Go(func() error {
				if err := s.Stop(ctx); err != nil {
					return fmt.Errorf("stop %s: %w", s.Name(), err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Run starts the engine and blocks until the context is canceled, then
// stops with the configured shutdown timeout.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), e.cfg.Global.ShutdownTimeout.Duration)
	defer cancel()
	return e.Stop(stopCtx)
}
