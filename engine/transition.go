package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mohitkumar/engage/action"
	api "github.com/mohitkumar/engage/api/v1"
	"github.com/mohitkumar/engage/flow"
	"github.com/mohitkumar/engage/model"
	"github.com/mohitkumar/engage/util"
	"gorm.io/datatypes"
)

// transition accumulates one advance in memory. Nothing in here touches the
// store; commit writes the outcome in a single transaction.
type transition struct {
	m       *Machine
	now     time.Time
	graph   *flow.Graph
	state   *model.ContactFlowState
	fresh   bool
	journey *model.JourneyRecord
	// journeyPrev is the stored status of journey, empty when it is new.
	journeyPrev model.JourneyStatus
	pathLen     int
	message     string
	effects     []Effect
}

func newId() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (t *transition) nodeEvent(nodeId string, act model.NodeAction, spent time.Duration) {
	ev := &model.NodeEvent{
		Id:             newId(),
		OrganizationId: t.state.OrganizationId,
		FlowId:         t.state.FlowId,
		VariantId:      t.state.VariantId,
		ContactId:      t.state.ContactId,
		NodeId:         nodeId,
		Action:         act,
		TimeSpentMs:    spent.Milliseconds(),
		Timestamp:      t.now,
	}
	t.effects = append(t.effects, Effect{Type: EFFECT_NODE_EVENT, NodeEvent: ev})
}

func (t *transition) dispatch(nodeId string, payload model.MessagePayload) {
	job := &model.DispatchJob{
		Id:             newId(),
		OrganizationId: t.state.OrganizationId,
		ChannelId:      t.state.ChannelId,
		ContactId:      t.state.ContactId,
		Destination:    t.state.Destination,
		Source:         model.SOURCE_FLOW,
		FlowId:         t.state.FlowId,
		NodeId:         nodeId,
		Status:         model.DISPATCH_PENDING,
		ScheduledAt:    t.now,
		Payload:        datatypes.NewJSONType(payload),
	}
	t.state.OutboundCount++
	t.state.MessageCount++
	t.effects = append(t.effects, Effect{Type: EFFECT_DISPATCH, Job: job})
}

func (t *transition) journeyEffect() {
	t.effects = append(t.effects, Effect{Type: EFFECT_JOURNEY, Journey: t.journey})
}

func (t *transition) spent() time.Duration {
	return t.now.Sub(t.state.NodeEnteredAt)
}

// enter moves the cursor to nodeId.
func (t *transition) enter(nodeId string) {
	t.state.CurrentNodeId = nodeId
	t.state.NodeEnteredAt = t.now
	t.journey.Path = append(t.journey.Path, nodeId)
	t.nodeEvent(nodeId, model.NODE_ENTERED, 0)
}

// follow completes the current node and enters the edge chosen by the
// graph. A dead end abandons the journey.
func (t *transition) follow() (bool, error) {
	current := t.state.CurrentNodeId
	next, ok, err := t.graph.Next(current, t.state.Variables)
	if err != nil {
		return false, err
	}
	if !ok {
		t.abandon(false)
		return false, nil
	}
	t.nodeEvent(current, model.NODE_COMPLETED, t.spent())
	t.enter(next)
	return true, nil
}

// run walks the graph eagerly from the current node until it parks on a
// question or a delay, finishes, or exceeds the hop limit. One advance visits
// at most MaxHops nodes.
func (t *transition) run(ctx context.Context) error {
	for hops := 0; ; hops++ {
		if hops >= t.m.conf.MaxHops {
			t.abandon(true)
			return nil
		}
		node, ok := t.graph.Node(t.state.CurrentNodeId)
		if !ok {
			return api.FlowDefinitionError{FlowId: t.state.FlowId, NodeId: t.state.CurrentNodeId, Message: "node is not part of the flow"}
		}
		var proceed bool
		var err error
		switch n := node.(type) {
		case *flow.MessageNode:
			t.dispatch(n.Id, model.MessagePayload{Text: util.ResolveTemplate(n.Text, t.state.Variables)})
			proceed, err = t.follow()
		case *flow.MultimediaNode:
			t.dispatch(n.Id, model.MessagePayload{
				MediaUrl:  util.ResolveTemplate(n.MediaUrl, t.state.Variables),
				MediaType: n.MediaType,
				Caption:   util.ResolveTemplate(n.Caption, t.state.Variables),
			})
			proceed, err = t.follow()
		case *flow.QuestionNode:
			t.state.AwaitingInput = true
			return nil
		case *flow.ConditionNode:
			proceed, err = t.follow()
		case *flow.DelayNode:
			wake := t.m.wakeAt(n, t.now)
			t.state.WakeAt = &wake
			return nil
		case *flow.ActionNode:
			if err := t.execute(ctx, n); err != nil {
				return err
			}
			proceed, err = t.follow()
		case *flow.EndNode:
			t.complete(n)
			return nil
		default:
			return api.FlowDefinitionError{FlowId: t.state.FlowId, NodeId: node.GetId(), Message: fmt.Sprintf("unsupported node type %s", node.GetType())}
		}
		if err != nil {
			return err
		}
		if !proceed {
			return nil
		}
	}
}

func (t *transition) execute(ctx context.Context, n *flow.ActionNode) error {
	act, ok := t.m.actions.Get(n.Name)
	if !ok {
		return api.FlowDefinitionError{FlowId: t.state.FlowId, NodeId: n.Id, Message: fmt.Sprintf("unknown action %q", n.Name)}
	}
	res, err := act.Execute(ctx, action.Request{
		OrganizationId: t.state.OrganizationId,
		ContactId:      t.state.ContactId,
		FlowId:         t.state.FlowId,
		NodeId:         n.Id,
		Variables:      copyVars(t.state.Variables),
		Params:         util.ResolveParams(t.state.Variables, n.Params),
		Message:        t.message,
		History:        t.history(),
	})
	if err != nil {
		return api.ActionError{FlowId: t.state.FlowId, NodeId: n.Id, Action: n.Name, Err: err}
	}
	if res == nil {
		return nil
	}
	if res.Replace {
		t.state.Variables = res.Variables
		if t.state.Variables == nil {
			t.state.Variables = map[string]any{}
		}
	} else {
		for k, v := range res.Variables {
			t.state.Variables[k] = v
		}
	}
	if res.Reply != nil {
		t.dispatch(n.Id, *res.Reply)
	}
	return nil
}

// history is the contact's answers along the journey, oldest first.
func (t *transition) history() []string {
	var out []string
	for _, id := range t.journey.Path {
		node, ok := t.graph.Node(id)
		if !ok {
			continue
		}
		q, ok := node.(*flow.QuestionNode)
		if !ok {
			continue
		}
		if v, ok := t.state.Variables[q.Variable]; ok {
			out = append(out, fmt.Sprint(v))
		}
	}
	return out
}

// answer stores the contact's reply to the question the state is parked on.
// It reports false when the event carries no answer.
func (t *transition) answer(q *flow.QuestionNode, payload map[string]any) bool {
	if len(payload) == 0 {
		return false
	}
	value, ok := util.Lookup(payload, q.AnswerPath)
	if !ok || value == nil {
		return false
	}
	if s, isString := value.(string); isString && s == "" {
		return false
	}
	t.state.Variables[q.Variable] = value
	t.state.AwaitingInput = false
	return true
}

func (t *transition) complete(n *flow.EndNode) {
	t.nodeEvent(n.Id, model.NODE_COMPLETED, 0)
	t.state.Completed = true
	t.state.AwaitingInput = false
	t.state.WakeAt = nil
	t.journey.Status = model.JOURNEY_COMPLETED
	t.journey.ConversionValue = n.ConversionValue
	t.finishJourney()
}

// abandon ends the journey without reaching an end node. errored marks a
// journey cut short by the hop limit.
func (t *transition) abandon(errored bool) {
	t.nodeEvent(t.state.CurrentNodeId, model.NODE_DROPPED_OFF, t.spent())
	t.state.Completed = true
	t.state.Abandoned = true
	t.state.Errored = errored
	t.state.AwaitingInput = false
	t.state.WakeAt = nil
	t.journey.Status = model.JOURNEY_ABANDONED
	t.journey.Errored = errored
	t.finishJourney()
}

func (t *transition) finishJourney() {
	completedAt := t.now
	t.journey.CompletedAt = &completedAt
	t.journey.TotalTimeMs = t.now.Sub(t.journey.StartedAt).Milliseconds()
}

// inbound counts an inbound message from the contact.
func (t *transition) inbound() {
	t.state.InboundCount++
	t.state.MessageCount++
	t.state.LastInteraction = t.now
}

func copyVars(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out
}
