package flow

import (
	"fmt"
	"math/rand"
	"strconv"
	"time"

	api "github.com/mohitkumar/engage/api/v1"
	"github.com/mohitkumar/engage/model"
)

// Node is the closed set of node kinds a graph can hold. The unexported marker
// keeps implementations inside this package so type switches over it stay
// exhaustive.
type Node interface {
	GetId() string
	GetType() model.NodeType
	node()
}

type MessageNode struct {
	Id   string
	Text string
}

type MultimediaNode struct {
	Id        string
	MediaUrl  string
	MediaType string
	Caption   string
}

// QuestionNode halts the flow until an inbound event carries an answer, which
// is read from the event payload at AnswerPath and stored under Variable.
type QuestionNode struct {
	Id         string
	Text       string
	Variable   string
	AnswerPath string
}

type ConditionNode struct {
	Id string
}

type DelayNode struct {
	Id    string
	Fixed time.Duration
	Min   time.Duration
	Max   time.Duration
}

type ActionNode struct {
	Id     string
	Name   string
	Params map[string]any
}

type EndNode struct {
	Id              string
	ConversionValue float64
}

func (n *MessageNode) GetId() string    { return n.Id }
func (n *MultimediaNode) GetId() string { return n.Id }
func (n *QuestionNode) GetId() string   { return n.Id }
func (n *ConditionNode) GetId() string  { return n.Id }
func (n *DelayNode) GetId() string      { return n.Id }
func (n *ActionNode) GetId() string     { return n.Id }
func (n *EndNode) GetId() string        { return n.Id }

func (n *MessageNode) GetType() model.NodeType    { return model.NODE_TYPE_MESSAGE }
func (n *MultimediaNode) GetType() model.NodeType { return model.NODE_TYPE_MULTIMEDIA }
func (n *QuestionNode) GetType() model.NodeType   { return model.NODE_TYPE_QUESTION }
func (n *ConditionNode) GetType() model.NodeType  { return model.NODE_TYPE_CONDITION }
func (n *DelayNode) GetType() model.NodeType      { return model.NODE_TYPE_DELAY }
func (n *ActionNode) GetType() model.NodeType     { return model.NODE_TYPE_ACTION }
func (n *EndNode) GetType() model.NodeType        { return model.NODE_TYPE_END }

func (*MessageNode) node()    {}
func (*MultimediaNode) node() {}
func (*QuestionNode) node()   {}
func (*ConditionNode) node()  {}
func (*DelayNode) node()      {}
func (*ActionNode) node()     {}
func (*EndNode) node()        {}

// WakeAt returns when a contact parked on this node may continue. Ranged delays
// pick a uniformly random point in [Min, Max].
func (n *DelayNode) WakeAt(now time.Time, rnd *rand.Rand) time.Time {
	if n.Max > n.Min {
		span := int64(n.Max - n.Min)
		return now.Add(n.Min + time.Duration(rnd.Int63n(span+1)))
	}
	if n.Fixed > 0 {
		return now.Add(n.Fixed)
	}
	return now.Add(n.Min)
}

const defaultAnswerPath = "$.text"

func parseNode(flowId string, def model.Node) (Node, error) {
	p := def.Payload
	invalid := func(msg string) error {
		return api.FlowDefinitionError{FlowId: flowId, NodeId: def.Id, Message: msg}
	}
	switch def.Type {
	case model.NODE_TYPE_MESSAGE:
		text := stringParam(p, "text")
		if text == "" {
			return nil, invalid("message node requires text")
		}
		return &MessageNode{Id: def.Id, Text: text}, nil
	case model.NODE_TYPE_MULTIMEDIA:
		url := stringParam(p, "media_url")
		if url == "" {
			return nil, invalid("multimedia node requires media_url")
		}
		return &MultimediaNode{
			Id:        def.Id,
			MediaUrl:  url,
			MediaType: stringParam(p, "media_type"),
			Caption:   stringParam(p, "caption"),
		}, nil
	case model.NODE_TYPE_QUESTION:
		variable := stringParam(p, "variable")
		if variable == "" {
			return nil, invalid("question node requires variable")
		}
		answerPath := stringParam(p, "answer_path")
		if answerPath == "" {
			answerPath = defaultAnswerPath
		}
		return &QuestionNode{Id: def.Id, Text: stringParam(p, "text"), Variable: variable, AnswerPath: answerPath}, nil
	case model.NODE_TYPE_CONDITION:
		return &ConditionNode{Id: def.Id}, nil
	case model.NODE_TYPE_DELAY:
		fixed, _ := floatParam(p, "seconds")
		lo, hasLo := floatParam(p, "min_seconds")
		hi, hasHi := floatParam(p, "max_seconds")
		if hasLo != hasHi {
			return nil, invalid("delay range requires both min_seconds and max_seconds")
		}
		if fixed < 0 || lo < 0 || hi < lo {
			return nil, invalid("delay bounds are invalid")
		}
		if fixed == 0 && hi == 0 {
			return nil, invalid("delay node requires seconds or a min/max range")
		}
		return &DelayNode{
			Id:    def.Id,
			Fixed: seconds(fixed),
			Min:   seconds(lo),
			Max:   seconds(hi),
		}, nil
	case model.NODE_TYPE_ACTION:
		name := stringParam(p, "name")
		if name == "" {
			return nil, invalid("action node requires name")
		}
		params, _ := p["params"].(map[string]any)
		return &ActionNode{Id: def.Id, Name: name, Params: params}, nil
	case model.NODE_TYPE_END:
		value, _ := floatParam(p, "conversion_value")
		return &EndNode{Id: def.Id, ConversionValue: value}, nil
	default:
		return nil, invalid(fmt.Sprintf("unknown node type %q", def.Type))
	}
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func stringParam(p map[string]any, key string) string {
	if p == nil {
		return ""
	}
	switch v := p[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func floatParam(p map[string]any, key string) (float64, bool) {
	if p == nil {
		return 0, false
	}
	switch v := p[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
