package engine

import (
	"github.com/mohitkumar/engage/model"
)

type AdvanceRequest struct {
	FlowId string
	Event  model.InboundEvent
}

// ContactKey addresses one ContactFlowState.
type ContactKey struct {
	OrganizationId string
	ContactId      string
	FlowId         string
}

type EffectType string

const EFFECT_DISPATCH EffectType = "dispatch"
const EFFECT_NODE_EVENT EffectType = "node_event"
const EFFECT_JOURNEY EffectType = "journey"

// Effect is one side effect of an advance, in the order it was produced.
type Effect struct {
	Type      EffectType
	Job       *model.DispatchJob
	NodeEvent *model.NodeEvent
	Journey   *model.JourneyRecord
}

type AdvanceResult struct {
	State   *model.ContactFlowState
	Effects []Effect
	// Changed is false when the event left the state untouched and nothing
	// was written.
	Changed bool
}

func (r *AdvanceResult) Jobs() []*model.DispatchJob {
	var out []*model.DispatchJob
	for _, e := range r.Effects {
		if e.Type == EFFECT_DISPATCH {
			out = append(out, e.Job)
		}
	}
	return out
}

func (r *AdvanceResult) NodeEvents() []*model.NodeEvent {
	var out []*model.NodeEvent
	for _, e := range r.Effects {
		if e.Type == EFFECT_NODE_EVENT {
			out = append(out, e.NodeEvent)
		}
	}
	return out
}

// EngagementScore weighs message volume (capped at maxHits messages) and the
// contact's reply ratio equally, on a 0-100 scale.
func EngagementScore(messageCount int, inbound int, outbound int, maxHits int) float64 {
	if maxHits <= 0 {
		maxHits = 20
	}
	volume := float64(min(messageCount, maxHits)) / float64(maxHits) * 50
	var ratio float64
	switch {
	case outbound > 0:
		ratio = min(float64(inbound)/float64(outbound), 1)
	case inbound > 0:
		ratio = 1
	}
	score := volume + ratio*50
	return max(0, min(score, 100))
}
