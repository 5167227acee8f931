package flow

import (
	"fmt"
	"time"

	api "github.com/mohitkumar/engage/api/v1"
	"github.com/mohitkumar/engage/model"
)

type Transition struct {
	Target string
	Guard  *Guard
}

// Source is the raw material of a graph: either a base flow, one of its
// historical revisions, or a variant.
type Source struct {
	FlowId      string
	VariantId   string
	Version     int
	StartNodeId string
	Nodes       []model.Node
	Edges       []model.Edge
}

func FromDefinition(def *model.FlowDefinition) Source {
	return Source{
		FlowId:      def.Id,
		Version:     def.Version,
		StartNodeId: def.StartNodeId,
		Nodes:       def.Nodes,
		Edges:       def.Edges,
	}
}

func FromRevision(rev *model.FlowRevision) Source {
	return Source{
		FlowId:      rev.FlowId,
		Version:     rev.Version,
		StartNodeId: rev.StartNodeId,
		Nodes:       rev.Nodes,
		Edges:       rev.Edges,
	}
}

func FromVariant(v *model.FlowVariant) Source {
	return Source{
		FlowId:      v.FlowId,
		VariantId:   v.Id,
		StartNodeId: v.StartNodeId,
		Nodes:       v.Nodes,
		Edges:       v.Edges,
	}
}

// Graph is the immutable, validated form of a flow. Outgoing edges keep their
// declaration order, which is the left-to-right order guards are tried in.
type Graph struct {
	FlowId    string
	VariantId string
	Version   int
	Start     string
	nodes     map[string]Node
	order     []string
	edges     map[string][]Transition
}

type ActionValidator func(name string, params map[string]any) error

type compileOptions struct {
	validateAction ActionValidator
	evalTimeout    time.Duration
}

type Option func(*compileOptions)

func WithActionValidator(v ActionValidator) Option {
	return func(o *compileOptions) {
		o.validateAction = v
	}
}

// WithEvalTimeout bounds every guard evaluation of the compiled graph.
func WithEvalTimeout(d time.Duration) Option {
	return func(o *compileOptions) {
		o.evalTimeout = d
	}
}

func Compile(src Source, opts ...Option) (*Graph, error) {
	options := &compileOptions{}
	for _, opt := range opts {
		opt(options)
	}
	invalid := func(nodeId string, msg string, err error) error {
		return api.FlowDefinitionError{FlowId: src.FlowId, NodeId: nodeId, Message: msg, Err: err}
	}
	if len(src.Nodes) == 0 {
		return nil, invalid("", "flow has no nodes", nil)
	}
	g := &Graph{
		FlowId:    src.FlowId,
		VariantId: src.VariantId,
		Version:   src.Version,
		nodes:     make(map[string]Node, len(src.Nodes)),
		order:     make([]string, 0, len(src.Nodes)),
		edges:     make(map[string][]Transition),
	}
	for _, def := range src.Nodes {
		if def.Id == "" {
			return nil, invalid("", "node id can not be empty", nil)
		}
		if _, ok := g.nodes[def.Id]; ok {
			return nil, invalid(def.Id, "node id is duplicate", nil)
		}
		n, err := parseNode(src.FlowId, def)
		if err != nil {
			return nil, err
		}
		if act, ok := n.(*ActionNode); ok && options.validateAction != nil {
			if err := options.validateAction(act.Name, act.Params); err != nil {
				return nil, invalid(def.Id, "invalid action", err)
			}
		}
		g.nodes[def.Id] = n
		g.order = append(g.order, def.Id)
	}
	for _, e := range src.Edges {
		if _, ok := g.nodes[e.Source]; !ok {
			return nil, invalid(e.Source, fmt.Sprintf("edge source %q is not a node", e.Source), nil)
		}
		if _, ok := g.nodes[e.Target]; !ok {
			return nil, invalid(e.Source, fmt.Sprintf("edge target %q is not a node", e.Target), nil)
		}
		t := Transition{Target: e.Target}
		if e.Guard != "" {
			guard, err := CompileGuard(e.Guard)
			if err != nil {
				return nil, invalid(e.Source, "invalid guard expression", err)
			}
			if options.evalTimeout > 0 {
				guard.timeout = options.evalTimeout
			}
			t.Guard = guard
		}
		g.edges[e.Source] = append(g.edges[e.Source], t)
	}
	for _, id := range g.order {
		if g.nodes[id].GetType() == model.NODE_TYPE_END {
			if len(g.edges[id]) > 0 {
				return nil, invalid(id, "end node can not have outgoing edges", nil)
			}
			continue
		}
		if len(g.edges[id]) == 0 {
			return nil, invalid(id, "node has no outgoing edge", nil)
		}
	}
	g.Start = src.StartNodeId
	if g.Start == "" {
		g.Start = g.order[0]
	}
	if _, ok := g.nodes[g.Start]; !ok {
		return nil, invalid(g.Start, "start node is not part of the flow", nil)
	}
	return g, nil
}

func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

func (g *Graph) NodeIds() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

func (g *Graph) Outgoing(id string) []Transition {
	return g.edges[id]
}

// Next picks the edge to follow from node id: the first guarded edge whose guard
// holds, otherwise the first unguarded edge. ok is false on a dead end.
func (g *Graph) Next(id string, vars map[string]any) (string, bool, error) {
	var fallback *Transition
	for i := range g.edges[id] {
		t := &g.edges[id][i]
		if t.Guard == nil {
			if fallback == nil {
				fallback = t
			}
			continue
		}
		matched, err := t.Guard.Eval(vars)
		if err != nil {
			return "", false, api.FlowDefinitionError{FlowId: g.FlowId, NodeId: id, Message: "guard evaluation failed", Err: err}
		}
		if matched {
			return t.Target, true, nil
		}
	}
	if fallback != nil {
		return fallback.Target, true, nil
	}
	return "", false, nil
}
