package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/mohitkumar/engage/action"
	"github.com/mohitkumar/engage/analytics"
	api "github.com/mohitkumar/engage/api/v1"
	"github.com/mohitkumar/engage/config"
	"github.com/mohitkumar/engage/flow"
	"github.com/mohitkumar/engage/lock"
	"github.com/mohitkumar/engage/logger"
	"github.com/mohitkumar/engage/model"
	"github.com/mohitkumar/engage/persistence"
	"github.com/mohitkumar/engage/router"
	"github.com/mohitkumar/engage/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Machine advances contacts through their flows. Calls for one contact are
// serialized by a lease; different contacts proceed in parallel.
type Machine struct {
	store      persistence.Storage
	router     *router.Router
	actions    *action.Registry
	aggregator *analytics.Aggregator
	locker     lock.Locker
	graphs     *flow.GraphCache
	conf       config.FlowConfig
	now        func() time.Time
	rndMu      sync.Mutex
	rnd        *rand.Rand
}

type Option func(*Machine)

func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		m.now = now
	}
}

func WithRand(rnd *rand.Rand) Option {
	return func(m *Machine) {
		m.rnd = rnd
	}
}

func NewMachine(store persistence.Storage, r *router.Router, actions *action.Registry, aggregator *analytics.Aggregator, locker lock.Locker, conf config.FlowConfig, opts ...Option) *Machine {
	m := &Machine{
		store:      store,
		router:     r,
		actions:    actions,
		aggregator: aggregator,
		locker:     locker,
		graphs:     flow.NewGraphCache(conf.GraphCacheTTL),
		conf:       conf,
		now:        func() time.Time { return time.Now().UTC() },
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Advance applies one inbound event to the contact's state for a flow and
// persists the outcome atomically.
func (m *Machine) Advance(ctx context.Context, req AdvanceRequest) (res *AdvanceResult, err error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	key := ContactKey{OrganizationId: req.Event.OrganizationId, ContactId: req.Event.ContactId, FlowId: req.FlowId}
	ctx, span := tracing.StartSpan(ctx, "engine.Advance",
		attribute.String("flow", req.FlowId), attribute.String("contact", key.ContactId))
	defer func() { span.End(err) }()

	return m.withContact(ctx, key, func(state *model.ContactFlowState) (*transition, error) {
		return m.applyEvent(ctx, req, state)
	})
}

// Resume continues a contact parked on a delay node once its wake time has
// passed.
func (m *Machine) Resume(ctx context.Context, key ContactKey) (res *AdvanceResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "engine.Resume",
		attribute.String("flow", key.FlowId), attribute.String("contact", key.ContactId))
	defer func() { span.End(err) }()

	return m.withContact(ctx, key, func(state *model.ContactFlowState) (*transition, error) {
		if state == nil {
			return nil, api.NotFoundError{Entity: "contact flow state", Id: key.ContactId + "/" + key.FlowId}
		}
		now := m.now()
		if state.Completed || state.WakeAt == nil || state.WakeAt.After(now) {
			return nil, nil
		}
		t, err := m.load(ctx, state, now)
		if err != nil {
			return nil, err
		}
		t.state.WakeAt = nil
		proceed, err := t.follow()
		if err != nil {
			return nil, err
		}
		if proceed {
			if err := t.run(ctx); err != nil {
				return nil, err
			}
		}
		return t, nil
	})
}

// Abandon ends an in-progress journey, recording a drop off at the node the
// contact is on.
func (m *Machine) Abandon(ctx context.Context, key ContactKey, reason string) (*AdvanceResult, error) {
	return m.abandon(ctx, key, reason, false)
}

func (m *Machine) abandon(ctx context.Context, key ContactKey, reason string, errored bool) (*AdvanceResult, error) {
	return m.withContact(ctx, key, func(state *model.ContactFlowState) (*transition, error) {
		if state == nil {
			return nil, api.NotFoundError{Entity: "contact flow state", Id: key.ContactId + "/" + key.FlowId}
		}
		if state.Completed {
			return nil, nil
		}
		t, err := m.load(ctx, state, m.now())
		if err != nil {
			return nil, err
		}
		t.abandon(errored)
		logger.Info("journey abandoned",
			zap.String("flow", key.FlowId),
			zap.String("contact", key.ContactId),
			zap.String("node", state.CurrentNodeId),
			zap.String("reason", reason),
			zap.Bool("errored", errored))
		return t, nil
	})
}

// postpone moves the wake time of a parked contact to until.
func (m *Machine) postpone(ctx context.Context, key ContactKey, until time.Time) (*AdvanceResult, error) {
	return m.withContact(ctx, key, func(state *model.ContactFlowState) (*transition, error) {
		if state == nil || state.Completed || state.WakeAt == nil {
			return nil, nil
		}
		t, err := m.load(ctx, state, m.now())
		if err != nil {
			return nil, err
		}
		t.state.WakeAt = &until
		return t, nil
	})
}

// ResumeDue wakes up to limit contacts whose delay has elapsed.
func (m *Machine) ResumeDue(ctx context.Context, limit int) (int, error) {
	states, err := m.store.ListDueDelays(ctx, m.now(), limit)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, s := range states {
		res, err := m.Resume(ctx, keyOf(s))
		if err != nil {
			logger.Error("error while resuming contact", zap.String("flow", s.FlowId), zap.String("contact", s.ContactId), zap.Error(err))
			m.settleFailedResume(ctx, keyOf(s), err)
			continue
		}
		if res.Changed {
			resumed++
		}
	}
	return resumed, nil
}

// settleFailedResume takes a contact whose wake-up failed out of the front of
// the due set. A broken graph ends the journey as errored, other failures push
// the wake time back by ResumeRetryDelay. A contact held by someone else is
// left alone.
func (m *Machine) settleFailedResume(ctx context.Context, key ContactKey, cause error) {
	if api.IsConflict(cause) {
		return
	}
	var err error
	var def api.FlowDefinitionError
	if errors.As(cause, &def) {
		_, err = m.abandon(ctx, key, def.Error(), true)
	} else {
		_, err = m.postpone(ctx, key, m.now().Add(m.conf.ResumeRetryDelay))
	}
	if err != nil {
		logger.Error("error while settling failed resume", zap.String("flow", key.FlowId), zap.String("contact", key.ContactId), zap.Error(err))
	}
}

// ExpireStale abandons up to limit contacts that have been sitting on a
// question for longer than olderThan, counted from entering the question.
func (m *Machine) ExpireStale(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	states, err := m.store.ListStaleAwaiting(ctx, m.now().Add(-olderThan), limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, s := range states {
		res, err := m.Abandon(ctx, keyOf(s), "awaiting input timeout")
		if err != nil {
			logger.Error("error while expiring contact", zap.String("flow", s.FlowId), zap.String("contact", s.ContactId), zap.Error(err))
			continue
		}
		if res.Changed {
			expired++
		}
	}
	return expired, nil
}

func (m *Machine) GetState(ctx context.Context, key ContactKey) (*model.ContactFlowState, error) {
	return m.store.GetState(ctx, key.OrganizationId, key.ContactId, key.FlowId)
}

// withContact runs fn under the contact's lease and commits the transition
// it returns. A lost revision race is retried once from a fresh read.
func (m *Machine) withContact(ctx context.Context, key ContactKey, fn func(state *model.ContactFlowState) (*transition, error)) (*AdvanceResult, error) {
	lease, err := lock.Acquire(ctx, m.locker, lock.ContactKey(key.OrganizationId, key.ContactId), m.conf.ContactLockTTL, m.conf.ContactLockWait)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("error while releasing contact lease", zap.String("contact", key.ContactId), zap.Error(err))
		}
	}()

	for attempt := 0; ; attempt++ {
		state, err := m.store.GetState(ctx, key.OrganizationId, key.ContactId, key.FlowId)
		if err != nil && !api.IsNotFound(err) {
			return nil, err
		}
		t, err := fn(state)
		if err != nil {
			return nil, err
		}
		if t == nil {
			return &AdvanceResult{State: state}, nil
		}
		err = m.commit(ctx, t)
		if err == nil {
			return &AdvanceResult{State: t.state, Effects: t.effects, Changed: true}, nil
		}
		if !api.IsConflict(err) || attempt > 0 {
			return nil, err
		}
		logger.Debug("revision conflict, retrying", zap.String("flow", key.FlowId), zap.String("contact", key.ContactId))
	}
}

func (m *Machine) applyEvent(ctx context.Context, req AdvanceRequest, state *model.ContactFlowState) (*transition, error) {
	now := m.now()
	ev := req.Event
	if state == nil {
		return m.start(ctx, req, nil, now)
	}
	if state.Completed {
		if !ev.Restart {
			return nil, nil
		}
		return m.start(ctx, req, state, now)
	}
	if !ev.HasPayload() {
		return nil, nil
	}
	t, err := m.load(ctx, state, now)
	if err != nil {
		return nil, err
	}
	t.message = messageText(ev.Payload)
	if ev.ChannelId != "" {
		t.state.ChannelId = ev.ChannelId
	}
	node, ok := t.graph.Node(state.CurrentNodeId)
	if !ok {
		return nil, api.FlowDefinitionError{FlowId: state.FlowId, NodeId: state.CurrentNodeId, Message: "node is not part of the flow"}
	}
	q, isQuestion := node.(*flow.QuestionNode)
	if !isQuestion || !state.AwaitingInput {
		t.inbound()
		return t, nil
	}
	if !t.answer(q, ev.Payload) {
		return nil, nil
	}
	t.inbound()
	proceed, err := t.follow()
	if err != nil {
		return nil, err
	}
	if proceed {
		if err := t.run(ctx); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// start opens a new journey, either for a contact seen for the first time or
// as a restart of a finished state.
func (m *Machine) start(ctx context.Context, req AdvanceRequest, previous *model.ContactFlowState, now time.Time) (*transition, error) {
	ev := req.Event
	if ev.ChannelId == "" {
		return nil, api.ValidationError{Field: "channelId", Message: "required to start a flow"}
	}
	def, err := m.store.GetFlow(ctx, ev.OrganizationId, req.FlowId)
	if err != nil {
		return nil, err
	}
	if !def.Active {
		return nil, api.NotFoundError{Entity: "active flow", Id: req.FlowId}
	}
	assignment, err := m.router.Assign(ctx, ev.OrganizationId, ev.ContactId, req.FlowId)
	if err != nil {
		return nil, err
	}
	var graph *flow.Graph
	if assignment.Variant != nil {
		graph, err = m.variantGraph(assignment.Variant)
	} else {
		graph, err = m.compile(flow.FromDefinition(def))
	}
	if err != nil {
		return nil, err
	}
	destination := ev.Identity
	if destination == "" {
		destination = ev.ContactId
	}
	state := &model.ContactFlowState{
		Id:             newId(),
		OrganizationId: ev.OrganizationId,
		ContactId:      ev.ContactId,
		FlowId:         req.FlowId,
	}
	if previous != nil {
		state.Id = previous.Id
		state.Revision = previous.Revision
		state.CreatedAt = previous.CreatedAt
	}
	state.VariantId = assignment.VariantId()
	state.GraphVersion = graph.Version
	state.ChannelId = ev.ChannelId
	state.Destination = destination
	state.Variables = map[string]any{}
	state.StartedAt = now
	state.LastInteraction = now

	journey := &model.JourneyRecord{
		Id:             newId(),
		OrganizationId: state.OrganizationId,
		FlowId:         state.FlowId,
		VariantId:      state.VariantId,
		ContactId:      state.ContactId,
		Status:         model.JOURNEY_IN_PROGRESS,
		StartedAt:      now,
	}
	state.JourneyId = journey.Id
	t := &transition{
		m:       m,
		now:     now,
		graph:   graph,
		state:   state,
		fresh:   previous == nil,
		journey: journey,
		message: messageText(ev.Payload),
	}
	if ev.HasPayload() {
		t.inbound()
	}
	t.enter(graph.Start)
	if err := t.run(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// load prepares a transition for an existing in-progress state, resolving the
// exact graph version the state is bound to.
func (m *Machine) load(ctx context.Context, state *model.ContactFlowState, now time.Time) (*transition, error) {
	graph, err := m.graphFor(ctx, state)
	if err != nil {
		return nil, err
	}
	journey, err := m.store.GetJourney(ctx, state.JourneyId)
	if err != nil {
		return nil, err
	}
	working := *state
	working.Variables = copyVars(state.Variables)
	if state.WakeAt != nil {
		wake := *state.WakeAt
		working.WakeAt = &wake
	}
	j := *journey
	j.Path = append([]string(nil), journey.Path...)
	return &transition{
		m:           m,
		now:         now,
		graph:       graph,
		state:       &working,
		journey:     &j,
		journeyPrev: journey.Status,
		pathLen:     len(journey.Path),
	}, nil
}

func (m *Machine) graphFor(ctx context.Context, state *model.ContactFlowState) (*flow.Graph, error) {
	if g, ok := m.graphs.Get(state.FlowId, state.VariantId, state.GraphVersion); ok {
		return g, nil
	}
	if state.VariantId != "" {
		variant, err := m.store.GetVariant(ctx, state.OrganizationId, state.VariantId)
		if err != nil {
			return nil, err
		}
		return m.variantGraph(variant)
	}
	rev, err := m.store.GetRevision(ctx, state.FlowId, state.GraphVersion)
	if err != nil {
		return nil, err
	}
	return m.compile(flow.FromRevision(rev))
}

func (m *Machine) variantGraph(variant *model.FlowVariant) (*flow.Graph, error) {
	if g, ok := m.graphs.Get(variant.FlowId, variant.Id, 0); ok {
		return g, nil
	}
	return m.compile(flow.FromVariant(variant))
}

func (m *Machine) compile(src flow.Source) (*flow.Graph, error) {
	if g, ok := m.graphs.Get(src.FlowId, src.VariantId, src.Version); ok {
		return g, nil
	}
	g, err := flow.Compile(src, flow.WithActionValidator(m.actions.Validate), flow.WithEvalTimeout(m.conf.EvalTimeout))
	if err != nil {
		return nil, err
	}
	m.graphs.Put(g)
	return g, nil
}

func (m *Machine) commit(ctx context.Context, t *transition) error {
	t.state.EngagementScore = EngagementScore(t.state.MessageCount, t.state.InboundCount, t.state.OutboundCount, m.conf.MaxMessageScoreHits)
	journeyChanged := t.journeyPrev == "" || t.journeyPrev != t.journey.Status || len(t.journey.Path) != t.pathLen
	if journeyChanged {
		t.journeyEffect()
	}
	var jobs []*model.DispatchJob
	var events []*model.NodeEvent
	for _, e := range t.effects {
		switch e.Type {
		case EFFECT_DISPATCH:
			jobs = append(jobs, e.Job)
		case EFFECT_NODE_EVENT:
			events = append(events, e.NodeEvent)
		}
	}
	err := m.store.Transaction(ctx, func(tx persistence.Storage) error {
		if t.fresh {
			t.state.Revision = 1
			if err := tx.CreateState(ctx, t.state); err != nil {
				return err
			}
		} else {
			expected := t.state.Revision
			t.state.Revision = expected + 1
			if err := tx.UpdateState(ctx, t.state, expected); err != nil {
				return err
			}
		}
		if err := tx.CreateJobs(ctx, jobs); err != nil {
			return err
		}
		if err := m.aggregator.RecordNodeEvents(ctx, tx, events); err != nil {
			return err
		}
		if !journeyChanged {
			return nil
		}
		return m.aggregator.RecordJourneyTransition(ctx, tx, t.journeyPrev, t.journey)
	})
	if err != nil {
		var conflict api.ConcurrencyConflictError
		if !errors.As(err, &conflict) {
			logger.Error("error while committing advance",
				zap.String("flow", t.state.FlowId),
				zap.String("contact", t.state.ContactId),
				zap.Error(err))
		}
		return err
	}
	var journeys []*model.JourneyRecord
	if journeyChanged {
		journeys = append(journeys, t.journey)
	}
	m.aggregator.Publish(events, journeys)
	return nil
}

func (m *Machine) wakeAt(n *flow.DelayNode, now time.Time) time.Time {
	m.rndMu.Lock()
	defer m.rndMu.Unlock()
	return n.WakeAt(now, m.rnd)
}

func validate(req AdvanceRequest) error {
	switch {
	case req.FlowId == "":
		return api.ValidationError{Field: "flowId", Message: "required"}
	case req.Event.OrganizationId == "":
		return api.ValidationError{Field: "organizationId", Message: "required"}
	case req.Event.ContactId == "":
		return api.ValidationError{Field: "contactId", Message: "required"}
	}
	return nil
}

func keyOf(s *model.ContactFlowState) ContactKey {
	return ContactKey{OrganizationId: s.OrganizationId, ContactId: s.ContactId, FlowId: s.FlowId}
}

func messageText(payload map[string]any) string {
	if s, ok := payload["text"].(string); ok {
		return s
	}
	return ""
}
