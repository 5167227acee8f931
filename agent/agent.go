package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mohitkumar/engage/action"
	"github.com/mohitkumar/engage/analytics"
	api "github.com/mohitkumar/engage/api/v1"
	"github.com/mohitkumar/engage/config"
	"github.com/mohitkumar/engage/dispatch"
	"github.com/mohitkumar/engage/engine"
	"github.com/mohitkumar/engage/flow"
	"github.com/mohitkumar/engage/lock"
	"github.com/mohitkumar/engage/logger"
	"github.com/mohitkumar/engage/metadata"
	"github.com/mohitkumar/engage/model"
	"github.com/mohitkumar/engage/persistence/redis"
	"github.com/mohitkumar/engage/persistence/relational"
	"github.com/mohitkumar/engage/router"
	"github.com/mohitkumar/engage/tracing"
	"github.com/mohitkumar/engage/util"
	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"
)

const batchLimit = 100

// Collaborators are the external systems the core talks to. Sender is
// required; the rest are optional.
type Collaborators struct {
	Sender    dispatch.ChannelSender
	Notifier  dispatch.ConversationNotifier
	Responder action.AIResponder
	Tagger    action.Tagger
}

type Agent struct {
	Config       config.Config
	collab       Collaborators
	store        *relational.Storage
	locker       lock.Locker
	redisLocker  *redis.Locker
	collector    analytics.DataCollector
	router       *router.Router
	actions      *action.Registry
	aggregator   *analytics.Aggregator
	machine      *engine.Machine
	queue        *dispatch.Queue
	metadata     metadata.MetadataService
	eventWorkers []*util.Worker
	tickWorkers  []*util.TickWorker
	started      bool
	shutdown     bool
	shutdowns    chan struct{}
	shutdownLock sync.Mutex
	wg           sync.WaitGroup
}

func New(config config.Config, collab Collaborators) (*Agent, error) {
	if collab.Sender == nil {
		return nil, api.ValidationError{Field: "sender", Message: "a channel sender is required"}
	}
	a := &Agent{
		Config:    config,
		collab:    collab,
		shutdowns: make(chan struct{}),
	}
	setup := []func() error{
		a.setupTracing,
		a.setupStorage,
		a.setupLocker,
		a.setupAnalytics,
		a.setupRouter,
		a.setupActions,
		a.setupEngine,
		a.setupDispatch,
		a.setupMetadata,
		a.setupEventWorkers,
		a.setupTickWorkers,
	}
	for _, fn := range setup {
		if err := fn(); err != nil {
			a.closeResources()
			return nil, err
		}
	}
	return a, nil
}

func (a *Agent) setupTracing() error {
	conf := a.Config.TracingConfig
	if !conf.Enabled {
		return nil
	}
	return tracing.Init(conf.ServiceName, conf.ServiceVersion, conf.OutputFile)
}

func (a *Agent) setupStorage() error {
	var err error
	a.store, err = relational.Open(a.Config.StorageType, a.Config.DatabaseConfig)
	return err
}

func (a *Agent) setupLocker() error {
	switch a.Config.LockType {
	case config.LOCK_TYPE_REDIS:
		rc := a.Config.RedisConfig
		a.redisLocker = redis.NewLocker(redis.Config{
			Addrs:     rc.Addrs,
			Namespace: rc.Namespace,
			PoolSize:  rc.PoolSize,
			Password:  rc.Password,
		})
		a.locker = a.redisLocker
	case config.LOCK_TYPE_MEMORY, "":
		a.locker = lock.NewMemoryLocker()
	default:
		return fmt.Errorf("unsupported lock type %q", a.Config.LockType)
	}
	logger.Info("locker configured", zap.String("type", string(a.Config.LockType)))
	return nil
}

func (a *Agent) setupAnalytics() error {
	var err error
	a.collector, err = analytics.NewDataCollector(a.Config.AnalyticsConfig)
	if err != nil {
		return err
	}
	a.aggregator = analytics.NewAggregator(a.store, a.collector)
	return nil
}

func (a *Agent) setupRouter() error {
	a.router = router.NewRouter(a.store, a.Config.FlowConfig.AssignmentCacheTTL)
	return nil
}

func (a *Agent) setupActions() error {
	a.actions = action.NewDefaultRegistry(a.collab.Responder, a.collab.Tagger,
		action.WithScriptTimeout(a.Config.FlowConfig.EvalTimeout))
	return nil
}

func (a *Agent) setupEngine() error {
	a.machine = engine.NewMachine(a.store, a.router, a.actions, a.aggregator, a.locker, a.Config.FlowConfig)
	return nil
}

func (a *Agent) setupDispatch() error {
	var opts []dispatch.Option
	if a.collab.Notifier != nil {
		opts = append(opts, dispatch.WithNotifier(a.collab.Notifier))
	}
	a.queue = dispatch.NewQueue(a.store, a.collab.Sender, a.locker, a.Config.DispatchConfig, opts...)
	return nil
}

func (a *Agent) setupMetadata() error {
	a.metadata = metadata.NewMetadataService(a.store, flow.ActionValidator(a.actions.Validate))
	return nil
}

// setupEventWorkers creates the inbound event pool. Events of one contact
// always land on the same worker, so they are applied in arrival order.
func (a *Agent) setupEventWorkers() error {
	count := a.Config.EventWorkers
	if count < 1 {
		count = 1
	}
	for i := 0; i < count; i++ {
		w := util.NewWorker(fmt.Sprintf("event-worker-%d", i), &a.wg, a.handleEvent, 256)
		a.eventWorkers = append(a.eventWorkers, w)
	}
	return nil
}

func (a *Agent) setupTickWorkers() error {
	fc := a.Config.FlowConfig
	dc := a.Config.DispatchConfig
	a.tickWorkers = []*util.TickWorker{
		util.NewTickWorker("dispatch", dc.TickInterval, a.dispatchTick, &a.wg),
		util.NewTickWorker("delay-resume", fc.ResumeInterval, a.resumeDue, &a.wg),
		util.NewTickWorker("stale-expiry", fc.StaleSweepInterval, a.expireStale, &a.wg),
		util.NewTickWorker("dispatch-purge", dc.PurgeInterval, a.purge, &a.wg),
	}
	return nil
}

func (a *Agent) Start() error {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return fmt.Errorf("agent is shut down")
	}
	if a.started {
		return nil
	}
	a.started = true
	for _, w := range a.eventWorkers {
		w.Start()
	}
	for _, tw := range a.tickWorkers {
		tw.Start()
	}
	logger.Info("engage agent started", zap.Int("eventWorkers", len(a.eventWorkers)))
	return nil
}

type eventTask struct {
	ctx context.Context
	req engine.AdvanceRequest
}

// Submit queues an inbound event for asynchronous advancement.
func (a *Agent) Submit(ctx context.Context, flowId string, event model.InboundEvent) error {
	req := engine.AdvanceRequest{FlowId: flowId, Event: event}
	w := a.eventWorkers[a.workerFor(event.OrganizationId, event.ContactId)]
	select {
	case <-a.shutdowns:
		return fmt.Errorf("agent is shut down")
	case <-ctx.Done():
		return ctx.Err()
	case w.Sender() <- &eventTask{ctx: context.WithoutCancel(ctx), req: req}:
		return nil
	}
}

// Advance applies an inbound event synchronously.
func (a *Agent) Advance(ctx context.Context, flowId string, event model.InboundEvent) (*engine.AdvanceResult, error) {
	return a.machine.Advance(ctx, engine.AdvanceRequest{FlowId: flowId, Event: event})
}

func (a *Agent) workerFor(organizationId string, contactId string) int {
	return int(murmur3.Sum32([]byte(organizationId+":"+contactId)) % uint32(len(a.eventWorkers)))
}

func (a *Agent) handleEvent(task util.Task) error {
	t, ok := task.(*eventTask)
	if !ok {
		return fmt.Errorf("unexpected task %T", task)
	}
	res, err := a.machine.Advance(t.ctx, t.req)
	if err != nil {
		return fmt.Errorf("advance contact %s on flow %s: %w", t.req.Event.ContactId, t.req.FlowId, err)
	}
	if res.Changed {
		logger.Debug("contact advanced",
			zap.String("contact", t.req.Event.ContactId),
			zap.String("flow", t.req.FlowId),
			zap.String("node", res.State.CurrentNodeId),
			zap.Int("jobs", len(res.Jobs())))
	}
	return nil
}

func (a *Agent) dispatchTick(ctx context.Context) {
	report, err := a.queue.Tick(ctx)
	if err != nil {
		logger.Error("dispatch tick failed", zap.Error(err))
		return
	}
	if report.Channels > 0 {
		logger.Debug("dispatch tick",
			zap.Int("channels", report.Channels),
			zap.Int("sent", report.Sent),
			zap.Int("retried", report.Retried),
			zap.Int("failed", report.Failed),
			zap.Int("deferred", report.Deferred))
	}
}

func (a *Agent) resumeDue(ctx context.Context) {
	if _, err := a.machine.ResumeDue(ctx, batchLimit); err != nil {
		logger.Error("resuming delayed contacts failed", zap.Error(err))
	}
}

func (a *Agent) expireStale(ctx context.Context) {
	if _, err := a.machine.ExpireStale(ctx, a.Config.FlowConfig.AwaitInputTimeout, batchLimit); err != nil {
		logger.Error("expiring stale contacts failed", zap.Error(err))
	}
}

func (a *Agent) purge(ctx context.Context) {
	if _, err := a.queue.Purge(ctx); err != nil {
		logger.Error("purging dispatch jobs failed", zap.Error(err))
	}
}

func (a *Agent) Machine() *engine.Machine {
	return a.machine
}

func (a *Agent) Queue() *dispatch.Queue {
	return a.queue
}

func (a *Agent) Router() *router.Router {
	return a.router
}

func (a *Agent) Aggregator() *analytics.Aggregator {
	return a.aggregator
}

func (a *Agent) Metadata() metadata.MetadataService {
	return a.metadata
}

func (a *Agent) Storage() *relational.Storage {
	return a.store
}

func (a *Agent) Shutdown() error {
	logger.Info("shutting down engage agent")
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return nil
	}
	a.shutdown = true
	close(a.shutdowns)

	for _, tw := range a.tickWorkers {
		tw.Stop()
	}
	if a.started {
		for _, w := range a.eventWorkers {
			w.Stop()
		}
	}
	logger.Info("waiting for all workers to stop...")
	a.wg.Wait()
	return a.closeResources()
}

func (a *Agent) closeResources() error {
	shutdown := []func() error{
		func() error {
			if a.collector == nil {
				return nil
			}
			return a.collector.Close()
		},
		func() error {
			if a.redisLocker == nil {
				return nil
			}
			return a.redisLocker.Close()
		},
		func() error {
			if a.store == nil {
				return nil
			}
			return a.store.Close()
		},
		func() error {
			if !a.Config.TracingConfig.Enabled {
				return nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return tracing.Shutdown(ctx)
		},
	}
	var first error
	for _, fn := range shutdown {
		if err := fn(); err != nil && first == nil {
			first = err
		}
	}
	logger.Sync()
	return first
}
