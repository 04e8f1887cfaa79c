package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/sessionflow/internal/runtime/batch"
	"github.com/drblury/sessionflow/internal/runtime/cache"
	configpkg "github.com/drblury/sessionflow/internal/runtime/config"
	errspkg "github.com/drblury/sessionflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/sessionflow/internal/runtime/logging"
	"github.com/drblury/sessionflow/internal/runtime/metrics"
	"github.com/drblury/sessionflow/internal/runtime/outcome"
	"github.com/drblury/sessionflow/internal/runtime/overflow"
	"github.com/drblury/sessionflow/internal/runtime/pipeline"
	"github.com/drblury/sessionflow/internal/runtime/restrictions"
	"github.com/drblury/sessionflow/internal/runtime/scheduler"
	"github.com/drblury/sessionflow/internal/runtime/sharedstate"
	"github.com/drblury/sessionflow/internal/runtime/storage"
	"github.com/drblury/sessionflow/internal/runtime/teams"
	"github.com/drblury/sessionflow/internal/runtime/versioncheck"
	"github.com/drblury/sessionflow/internal/runtime/warnings"
	"github.com/drblury/sessionflow/transport"
	"github.com/drblury/sessionflow/transport/franz"
)

const shutdownTimeout = 30 * time.Second

var consumerFactory = func(cfg franz.ConsumerConfig, listener transport.RebalanceListener, logger watermill.LoggerAdapter) (transport.Consumer, error) {
	return franz.NewConsumer(cfg, listener, logger)
}

var consumeRun = func(consumer transport.Consumer, ctx context.Context, handler transport.BatchHandler) error {
	return consumer.Consume(ctx, handler)
}

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to build them from configuration.
type ServiceDependencies struct {
	// Consumer replaces the franz group consumer. The caller then reports
	// partition changes through the Service's rebalance callbacks.
	Consumer transport.Consumer
	// Producer replaces the registered producer transport.
	Producer transport.Producer
	// SharedState replaces the configured shared state backend.
	SharedState sharedstate.Store
	// TeamStore replaces the shared state backed team store.
	TeamStore teams.Store
	// Sink replaces the recordings topic sink.
	Sink batch.Sink
	// Metrics is the Prometheus registry the collectors register on. A fresh
	// registry is used when nil.
	Metrics *prometheus.Registry
	// Hooks are merged after the logging hooks.
	Hooks BatchHooks
	// Clock replaces time.Now in every time-dependent component.
	Clock func() time.Time
}

// Service wires the consumer, the session pipeline, the batch manager and
// every side channel of one ingestion lane.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	lane  string
	topic string
	now   func() time.Time

	consumer transport.Consumer
	producer transport.Producer
	state    sharedstate.Store
	closers  []func() error

	restrictions *restrictions.Manager
	resolver     *teams.Resolver
	limiter      *overflow.Limiter
	batch        *batch.Manager
	registry     *metrics.Registry
	collectors   *metrics.Collectors
	gatherer     prometheus.Gatherer
	server       *metrics.Server
	scheduler    *scheduler.Scheduler
	pipeline     *pipeline.Pipeline[batch.Item]
	sessions     *metrics.SessionRecorders
	hooks        BatchHooks
	stats        *statsTracker
	resources    *resourceSampler
	tracer       trace.Tracer

	closeOnce sync.Once
	closeErr  error
}

// NewService constructs a Service for the supplied configuration. Call Start
// to consume until the context is cancelled.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (svc *Service, err error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	log.Info("Creating session ingestion service", loggingpkg.LogFields{
		"lane":               conf.Lane,
		"producer_transport": conf.ProducerTransport,
		"config":             conf.String(),
	})

	s := &Service{
		Conf:      conf,
		Logger:    log,
		lane:      conf.Lane,
		topic:     conf.ConsumeTopic(),
		now:       time.Now,
		resources: newResourceSampler(),
		tracer:    otel.Tracer("sessionflow"),
	}
	if deps.Clock != nil {
		s.now = deps.Clock
	}
	consumerDep, sinkDep := "consumer:"+s.topic, "sink"
	s.stats = newStatsTracker(s.now, consumerDep, sinkDep)
	defer func() {
		if err != nil {
			_ = s.closeOwned()
		}
	}()

	wmLogger := loggingpkg.NewWatermillAdapter(log)

	if err := s.setupProducer(ctx, deps, wmLogger); err != nil {
		return nil, err
	}
	if err := s.setupState(ctx, deps); err != nil {
		return nil, err
	}
	if err := s.setupMetrics(deps); err != nil {
		return nil, err
	}
	if err := s.setupPipeline(deps); err != nil {
		return nil, err
	}
	if err := s.setupBatch(deps); err != nil {
		return nil, err
	}
	if err := s.setupConsumer(deps, wmLogger); err != nil {
		return nil, err
	}

	s.hooks = LoggingHooks(log).Merge(s.stats.Hooks(consumerDep, sinkDep)).Merge(deps.Hooks)
	if s.server != nil {
		s.server.Handle(statusPath, s.StatusHandler())
	}
	return s, nil
}

func (s *Service) own(closer func() error) {
	s.closers = append(s.closers, closer)
}

func (s *Service) setupProducer(ctx context.Context, deps ServiceDependencies, wmLogger watermill.LoggerAdapter) error {
	if deps.Producer != nil {
		s.producer = deps.Producer
		return nil
	}
	built, err := transport.Build(ctx, s.Conf, wmLogger)
	if err != nil {
		return fmt.Errorf("build producer transport: %w", err)
	}
	if built.Producer == nil {
		return errspkg.ErrProducerRequired
	}
	s.producer = built.Producer
	s.own(built.Producer.Close)

	caps := transport.DefaultRegistry.GetCapabilities(s.Conf.ProducerTransport)
	if !caps.ForwardsVerbatim() {
		s.Logger.Warn("Producer transport does not forward records verbatim", loggingpkg.LogFields{
			"transport":              caps.Name,
			"preserves_header_order": caps.PreservesHeaderOrder,
			"supports_partition_key": caps.SupportsPartitionKey,
		})
	}
	if s.Conf.Overflow.Mode != configpkg.OverflowDisabled && !caps.PreservesLocality() {
		s.Logger.Warn("Overflow is enabled but the producer transport does not keep session locality", loggingpkg.LogFields{
			"transport": caps.Name,
		})
	}
	return nil
}

func (s *Service) setupState(ctx context.Context, deps ServiceDependencies) error {
	if deps.SharedState != nil {
		s.state = deps.SharedState
		return nil
	}
	store, err := sharedstate.Open(ctx, s.Conf.SharedState)
	if err != nil {
		return fmt.Errorf("open shared state: %w", err)
	}
	s.state = store
	s.own(store.Close)
	return nil
}

func (s *Service) setupMetrics(deps ServiceDependencies) error {
	reg := deps.Metrics
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	s.gatherer = reg
	s.collectors = metrics.NewCollectors(reg)
	if err := s.collectors.Register(); err != nil {
		return fmt.Errorf("register collectors: %w", err)
	}
	s.registry = metrics.NewRegistry(s.producer, s.Conf.Topics.Metrics, s.Logger, metrics.WithClock(s.now))
	if s.Conf.Metrics.Enabled {
		s.server = metrics.NewServer(s.Conf.Metrics.Port, reg, s.Logger)
	}
	return nil
}

func (s *Service) setupPipeline(deps ServiceDependencies) error {
	conf := s.Conf

	s.restrictions = restrictions.NewManager(conf.Restrictions, s.state, s.Logger)

	teamStore := deps.TeamStore
	if teamStore == nil {
		stateStore, err := teams.NewStateStore(s.state)
		if err != nil {
			return err
		}
		teamStore = stateStore
	}
	s.resolver = teams.NewResolver(teamStore, conf.Teams, s.Logger, teams.WithCacheOptions(cache.WithClock(s.now)))

	emitter := warnings.NewEmitter(s.producer, conf.Topics.Warnings, conf.Warnings.Debounce, warnings.WithClock(s.now))
	checker, err := versioncheck.New(conf.VersionCheck, emitter, versioncheck.WithClock(s.now))
	if err != nil {
		return err
	}

	limiter, err := overflow.New(conf.Overflow, conf.Lane, conf.Topics.Overflow, s.state, s.Logger, overflow.WithClock(s.now))
	if err != nil {
		return fmt.Errorf("build overflow limiter: %w", err)
	}
	s.limiter = limiter

	forceOverflowTopic := conf.Topics.Overflow
	if conf.Lane == configpkg.LaneOverflow {
		forceOverflowTopic = ""
	}

	s.scheduler = scheduler.New(s.Logger, conf.SideEffects.Concurrency, scheduler.WithObserver(s.collectors))
	s.sessions = metrics.NewSessionRecorders(s.registry)
	stage := BuildSessionStage(SessionStages{
		Restrictions:  s.restrictions,
		Teams:         s.resolver,
		Checker:       checker,
		Overflow:      limiter,
		Observer:      s.collectors,
		Producer:      s.producer,
		DLQTopic:      conf.Topics.DLQ,
		OverflowTopic: forceOverflowTopic,
	})
	s.pipeline = pipeline.New(stage, s.scheduler)
	return nil
}

func (s *Service) setupBatch(deps ServiceDependencies) error {
	sink := deps.Sink
	if sink == nil {
		compression, err := storage.ParseCompression(s.Conf.Storage.Compression)
		if err != nil {
			return err
		}
		topicSink, err := storage.NewTopicSink(s.producer, s.Conf.Topics.Recordings, compression)
		if err != nil {
			return err
		}
		sink = topicSink
	}
	manager, err := batch.NewManager(s.topic, s.Conf.Batch, sink, s.Logger, batch.WithClock(s.now))
	if err != nil {
		return err
	}
	s.batch = manager
	return nil
}

func (s *Service) setupConsumer(deps ServiceDependencies, wmLogger watermill.LoggerAdapter) error {
	if deps.Consumer != nil {
		s.consumer = deps.Consumer
		return nil
	}
	k := s.Conf.Kafka
	consumer, err := consumerFactory(franz.ConsumerConfig{
		Brokers:        k.Brokers,
		ClientID:       k.ClientID,
		GroupID:        k.GroupID,
		Topic:          s.topic,
		MaxPollRecords: k.MaxPollRecords,
		PollTimeout:    k.PollTimeout,
		FetchMaxWait:   k.FetchMaxWait,
	}, s, wmLogger)
	if err != nil {
		return fmt.Errorf("build consumer: %w", err)
	}
	s.consumer = consumer
	s.own(consumer.Close)
	return nil
}

// Start consumes until ctx is cancelled, then flushes what is buffered and
// releases every resource the Service owns.
func (s *Service) Start(ctx context.Context) error {
	if s.server != nil {
		if err := s.server.Start(); err != nil {
			return err
		}
	}

	if err := s.restrictions.Refresh(ctx); err != nil {
		s.Logger.Warn("Initial dynamic restriction load failed, starting with static rules", loggingpkg.LogFields{"error": err.Error()})
	}

	bgCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.restrictions.Run(bgCtx)
	}()
	go func() {
		defer wg.Done()
		s.registry.Run(bgCtx, s.Conf.Metrics.FlushInterval)
	}()

	s.Logger.Info("Consuming", loggingpkg.LogFields{"lane": s.lane, "topic": s.topic})
	runErr := consumeRun(s.consumer, ctx, s.HandleBatch)
	if runErr != nil && errors.Is(runErr, context.Canceled) && ctx.Err() != nil {
		runErr = nil
	}

	cancel()
	wg.Wait()
	return errors.Join(runErr, s.Close())
}

// HandleBatch runs one polled batch through the pipeline, records the
// accepted entries and flushes when a threshold is crossed. It is the
// consumer's batch handler and is called with an empty batch on idle polls.
func (s *Service) HandleBatch(ctx context.Context, records []*transport.Record) error {
	if len(records) > 0 {
		if err := s.processBatch(ctx, records); err != nil {
			return err
		}
	}
	if s.batch.ShouldFlush() {
		// Failures keep the data buffered and are retried on the next poll.
		_ = s.Flush(ctx)
	}
	return nil
}

func (s *Service) processBatch(ctx context.Context, records []*transport.Record) error {
	bc := BatchContext{
		Lane:      s.lane,
		Topic:     s.topic,
		Records:   len(records),
		Context:   ctx,
		StartedAt: s.now(),
	}
	s.hooks.batchStart(bc)
	s.collectors.RecordsConsumed(s.lane, len(records))

	// Side effects of a started batch are drained even during shutdown.
	procCtx, span := s.tracer.Start(context.WithoutCancel(ctx), "sessionflow.batch",
		trace.WithAttributes(
			attribute.String("sessionflow.lane", s.lane),
			attribute.Int("sessionflow.records", len(records)),
		))
	defer span.End()

	accepted, err := s.process(procCtx, records)
	bc.Duration = s.now().Sub(bc.StartedAt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.hooks.batchError(bc, err)
		return err
	}
	span.SetAttributes(attribute.Int("sessionflow.accepted", accepted))
	bc.Accepted = accepted
	s.hooks.batchDone(bc)
	return nil
}

func (s *Service) process(ctx context.Context, records []*transport.Record) (int, error) {
	entries, err := s.pipeline.Process(ctx, records)
	if err != nil {
		return 0, fmt.Errorf("process batch: %w", err)
	}

	for _, rec := range records {
		s.batch.Observe(rec)
	}

	accepted := 0
	for _, e := range entries {
		item := e.Outcome.Value()
		if err := s.batch.Record(item); err != nil {
			if errors.Is(err, errspkg.ErrPartitionNotOwned) {
				s.collectors.ObserveOutcome("batch", outcome.Dropped, outcome.ReasonPartitionNotOwned)
				s.Logger.Warn("Skipping record of a partition not owned", loggingpkg.LogFields{
					"partition": e.Record.Partition,
					"offset":    e.Record.Offset,
				})
				continue
			}
			return accepted, err
		}
		s.sessions.Record(item.Parsed)
		accepted++
	}

	stats := s.batch.Stats()
	s.collectors.BatchState(stats.SizeBytes, stats.Partitions)
	return accepted, nil
}

// Flush writes the session batch and commits the offsets it covers. A failed
// write keeps the data buffered for the next attempt; failures are logged
// through the flush hooks and returned.
func (s *Service) Flush(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "sessionflow.flush")
	defer span.End()

	started := s.now()
	res, err := s.batch.Flush(ctx)
	if err == nil {
		err = s.consumer.Commit(ctx, res.Offsets)
	}
	elapsed := s.now().Sub(started)

	s.collectors.FlushCompleted(len(res.Blocks), err, elapsed)
	stats := s.batch.Stats()
	s.collectors.BatchState(stats.SizeBytes, stats.Partitions)
	span.SetAttributes(attribute.Int("sessionflow.blocks", len(res.Blocks)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	s.hooks.flush(FlushContext{Blocks: len(res.Blocks), Offsets: res.Offsets, Duration: elapsed}, err)
	return err
}

// OnPartitionsAssigned takes ownership of newly assigned partitions.
func (s *Service) OnPartitionsAssigned(_ context.Context, topic string, partitions []int32) {
	if topic != s.topic {
		return
	}
	s.batch.Assign(partitions)
	s.collectors.BatchState(s.batch.Stats().SizeBytes, len(s.batch.Owned()))
	s.Logger.Info("Partitions assigned", loggingpkg.LogFields{"topic": topic, "partitions": partitions})
}

// OnPartitionsRevoked discards buffered data of the lost partitions without
// flushing it. It gives up waiting after the revocation timeout.
func (s *Service) OnPartitionsRevoked(_ context.Context, topic string, partitions []int32) {
	if topic != s.topic {
		return
	}
	done := make(chan int, 1)
	go func() {
		done <- s.batch.DiscardPartitions(partitions)
	}()

	timeout := s.Conf.Batch.RevocationTimeout
	if timeout <= 0 {
		timeout = shutdownTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case dropped := <-done:
		s.collectors.RecordsDiscarded(dropped)
		s.collectors.BatchState(s.batch.Stats().SizeBytes, len(s.batch.Owned()))
		s.Logger.Info("Partitions revoked", loggingpkg.LogFields{
			"topic":      topic,
			"partitions": partitions,
			"discarded":  dropped,
		})
	case <-timer.C:
		s.Logger.Warn("Partition revocation timed out", loggingpkg.LogFields{
			"topic":      topic,
			"partitions": partitions,
			"timeout":    timeout.String(),
		})
	}
}

// Close flushes the batch, drains side effects and releases owned resources.
// It is safe to call more than once.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := s.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("final flush: %w", err))
		}
		if err := s.scheduler.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain side effects: %w", err))
		}
		if s.server != nil {
			if err := s.server.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if err := s.closeOwned(); err != nil {
			errs = append(errs, err)
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// closeOwned closes what the Service built itself, newest first.
func (s *Service) closeOwned() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Collectors returns the Prometheus collectors of the Service.
func (s *Service) Collectors() *metrics.Collectors { return s.collectors }

// Gatherer returns the registry the collectors are registered on.
func (s *Service) Gatherer() prometheus.Gatherer { return s.gatherer }

// Batch returns the session batch manager.
func (s *Service) Batch() *batch.Manager { return s.batch }

// Restrictions returns the restriction manager.
func (s *Service) Restrictions() *restrictions.Manager { return s.restrictions }
