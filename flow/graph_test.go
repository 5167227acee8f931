package flow

import (
	"math/rand"
	"testing"
	"time"

	"github.com/dop251/goja"
	api "github.com/mohitkumar/engage/api/v1"
	"github.com/mohitkumar/engage/model"
	"github.com/stretchr/testify/require"
)

func branching() Source {
	return Source{
		FlowId:      "flow-1",
		Version:     3,
		StartNodeId: "ask",
		Nodes: []model.Node{
			{Id: "ask", Type: model.NODE_TYPE_QUESTION, Payload: map[string]any{"text": "age?", "variable": "age"}},
			{Id: "split", Type: model.NODE_TYPE_CONDITION},
			{Id: "adult", Type: model.NODE_TYPE_MESSAGE, Payload: map[string]any{"text": "welcome"}},
			{Id: "minor", Type: model.NODE_TYPE_MESSAGE, Payload: map[string]any{"text": "sorry"}},
			{Id: "vip", Type: model.NODE_TYPE_MESSAGE, Payload: map[string]any{"text": "vip"}},
			{Id: "done", Type: model.NODE_TYPE_END, Payload: map[string]any{"conversion_value": 4.5}},
		},
		Edges: []model.Edge{
			{Source: "ask", Target: "split"},
			{Source: "split", Target: "minor"},
			{Source: "split", Target: "vip", Guard: `vars.plan == "pro"`},
			{Source: "split", Target: "adult", Guard: "age >= 18"},
			{Source: "adult", Target: "done"},
			{Source: "minor", Target: "done"},
			{Source: "vip", Target: "done"},
		},
	}
}

func TestCompile(t *testing.T) {
	g, err := Compile(branching())
	require.NoError(t, err)
	require.Equal(t, "ask", g.Start)
	require.Equal(t, 3, g.Version)
	require.Equal(t, []string{"ask", "split", "adult", "minor", "vip", "done"}, g.NodeIds())
	require.Len(t, g.Outgoing("split"), 3)

	n, ok := g.Node("ask")
	require.True(t, ok)
	q := n.(*QuestionNode)
	require.Equal(t, "age", q.Variable)
	require.Equal(t, "$.text", q.AnswerPath)

	n, _ = g.Node("done")
	require.Equal(t, 4.5, n.(*EndNode).ConversionValue)

	src := branching()
	src.StartNodeId = ""
	g, err = Compile(src)
	require.NoError(t, err)
	require.Equal(t, "ask", g.Start)
}

func TestCompileRejects(t *testing.T) {
	for scenario, mutate := range map[string]func(src *Source){
		"no nodes": func(src *Source) {
			src.Nodes = nil
		},
		"duplicate node": func(src *Source) {
			src.Nodes = append(src.Nodes, model.Node{Id: "done", Type: model.NODE_TYPE_END})
		},
		"dangling edge target": func(src *Source) {
			src.Edges = append(src.Edges, model.Edge{Source: "ask", Target: "nowhere"})
		},
		"unknown edge source": func(src *Source) {
			src.Edges = append(src.Edges, model.Edge{Source: "nowhere", Target: "done"})
		},
		"broken guard": func(src *Source) {
			src.Edges[2].Guard = "plan ==="
		},
		"end with outgoing edge": func(src *Source) {
			src.Edges = append(src.Edges, model.Edge{Source: "done", Target: "ask"})
		},
		"node without edges": func(src *Source) {
			src.Edges = src.Edges[1:]
		},
		"unknown start": func(src *Source) {
			src.StartNodeId = "missing"
		},
		"unknown node type": func(src *Source) {
			src.Nodes[1].Type = "teleport"
		},
		"message without text": func(src *Source) {
			src.Nodes[2].Payload = nil
		},
		"question without variable": func(src *Source) {
			src.Nodes[0].Payload = map[string]any{"text": "age?"}
		},
		"half open delay range": func(src *Source) {
			src.Nodes[1] = model.Node{Id: "split", Type: model.NODE_TYPE_DELAY, Payload: map[string]any{"min_seconds": 5}}
		},
		"inverted delay range": func(src *Source) {
			src.Nodes[1] = model.Node{Id: "split", Type: model.NODE_TYPE_DELAY, Payload: map[string]any{"min_seconds": 10, "max_seconds": 5}}
		},
	} {
		t.Run(scenario, func(t *testing.T) {
			src := branching()
			src.Nodes = append([]model.Node(nil), src.Nodes...)
			src.Edges = append([]model.Edge(nil), src.Edges...)
			mutate(&src)
			_, err := Compile(src)
			require.Error(t, err)
			var fe api.FlowDefinitionError
			require.ErrorAs(t, err, &fe)
			require.Equal(t, "flow-1", fe.FlowId)
		})
	}
}

func TestCompileValidatesActions(t *testing.T) {
	src := Source{
		FlowId: "flow-1",
		Nodes: []model.Node{
			{Id: "act", Type: model.NODE_TYPE_ACTION, Payload: map[string]any{"name": "tag", "params": map[string]any{"tag": "vip"}}},
			{Id: "done", Type: model.NODE_TYPE_END},
		},
		Edges: []model.Edge{{Source: "act", Target: "done"}},
	}
	var seen []string
	_, err := Compile(src, WithActionValidator(func(name string, params map[string]any) error {
		seen = append(seen, name)
		return nil
	}))
	require.NoError(t, err)
	require.Equal(t, []string{"tag"}, seen)

	_, err = Compile(src, WithActionValidator(func(name string, params map[string]any) error {
		return api.ValidationError{Field: "name", Message: "unknown"}
	}))
	var fe api.FlowDefinitionError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, "act", fe.NodeId)
}

func TestNext(t *testing.T) {
	g, err := Compile(branching())
	require.NoError(t, err)

	for scenario, tc := range map[string]struct {
		vars map[string]any
		want string
	}{
		"first matching guard wins":    {vars: map[string]any{"age": 30, "plan": "pro"}, want: "vip"},
		"later guard matches":          {vars: map[string]any{"age": 30}, want: "adult"},
		"falls back to unguarded edge": {vars: map[string]any{"age": 12}, want: "minor"},
	} {
		t.Run(scenario, func(t *testing.T) {
			next, ok, err := g.Next("split", tc.vars)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, tc.want, next)
		})
	}

	_, _, err = g.Next("split", map[string]any{})
	var fe api.FlowDefinitionError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, "split", fe.NodeId)

	_, ok, err := g.Next("done", nil)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNextDeadEnd(t *testing.T) {
	g, err := Compile(Source{
		FlowId: "flow-1",
		Nodes: []model.Node{
			{Id: "split", Type: model.NODE_TYPE_CONDITION},
			{Id: "done", Type: model.NODE_TYPE_END},
		},
		Edges: []model.Edge{{Source: "split", Target: "done", Guard: "vars.ok === true"}},
	})
	require.NoError(t, err)

	_, ok, err := g.Next("split", map[string]any{"ok": false})
	require.NoError(t, err)
	require.False(t, ok)

	next, ok, err := g.Next("split", map[string]any{"ok": true})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "done", next)
}

func TestGuard(t *testing.T) {
	guard, err := CompileGuard(`score > 10 && vars["first-name"] == "Ada"`)
	require.NoError(t, err)
	require.Equal(t, `score > 10 && vars["first-name"] == "Ada"`, guard.Source())

	ok, err := guard.Eval(map[string]any{"score": 12, "first-name": "Ada"})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = guard.Eval(map[string]any{"score": 12, "first-name": "Bob"})
	require.NoError(t, err)
	require.False(t, ok)

	_, err = guard.Eval(nil)
	require.Error(t, err)

	_, err = CompileGuard("a &&")
	require.Error(t, err)
}

func TestGuardTimeout(t *testing.T) {
	src := Source{
		FlowId: "flow-1",
		Nodes: []model.Node{
			{Id: "split", Type: model.NODE_TYPE_CONDITION},
			{Id: "done", Type: model.NODE_TYPE_END},
		},
		Edges: []model.Edge{
			{Source: "split", Target: "done", Guard: "(function() { while (true) {} })()"},
		},
	}
	g, err := Compile(src, WithEvalTimeout(50*time.Millisecond))
	require.NoError(t, err)

	started := time.Now()
	_, _, err = g.Next("split", map[string]any{})
	require.Less(t, time.Since(started), 5*time.Second)
	var def api.FlowDefinitionError
	require.ErrorAs(t, err, &def)
	require.Equal(t, "split", def.NodeId)
	var interrupted *goja.InterruptedError
	require.ErrorAs(t, err, &interrupted)

	guard, err := CompileGuard("true")
	require.NoError(t, err)
	require.Equal(t, DefaultEvalTimeout, guard.timeout)
}

func TestDelayWakeAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rnd := rand.New(rand.NewSource(7))

	fixed := &DelayNode{Fixed: time.Hour}
	require.Equal(t, now.Add(time.Hour), fixed.WakeAt(now, rnd))

	ranged := &DelayNode{Min: time.Minute, Max: 5 * time.Minute}
	for i := 0; i < 100; i++ {
		at := ranged.WakeAt(now, rnd)
		require.False(t, at.Before(now.Add(time.Minute)))
		require.False(t, at.After(now.Add(5*time.Minute)))
	}

	g, err := Compile(Source{
		FlowId: "flow-1",
		Nodes: []model.Node{
			{Id: "wait", Type: model.NODE_TYPE_DELAY, Payload: map[string]any{"min_seconds": "60", "max_seconds": 120.0}},
			{Id: "done", Type: model.NODE_TYPE_END},
		},
		Edges: []model.Edge{{Source: "wait", Target: "done"}},
	})
	require.NoError(t, err)
	n, _ := g.Node("wait")
	delay := n.(*DelayNode)
	require.Equal(t, time.Minute, delay.Min)
	require.Equal(t, 2*time.Minute, delay.Max)
}

func TestGraphCache(t *testing.T) {
	gc := NewGraphCache(time.Minute)
	_, ok := gc.Get("flow-1", "", 3)
	require.False(t, ok)

	g, err := Compile(branching())
	require.NoError(t, err)
	gc.Put(g)

	cached, ok := gc.Get("flow-1", "", 3)
	require.True(t, ok)
	require.Same(t, g, cached)

	_, ok = gc.Get("flow-1", "", 4)
	require.False(t, ok)
	_, ok = gc.Get("flow-1", "variant-a", 3)
	require.False(t, ok)
}

func TestSources(t *testing.T) {
	def := &model.FlowDefinition{Id: "flow-1", Version: 2, StartNodeId: "a"}
	require.Equal(t, Source{FlowId: "flow-1", Version: 2, StartNodeId: "a"}, FromDefinition(def))

	rev := &model.FlowRevision{FlowId: "flow-1", Version: 1, StartNodeId: "b"}
	require.Equal(t, Source{FlowId: "flow-1", Version: 1, StartNodeId: "b"}, FromRevision(rev))

	v := &model.FlowVariant{Id: "v1", FlowId: "flow-1", StartNodeId: "c"}
	require.Equal(t, Source{FlowId: "flow-1", VariantId: "v1", StartNodeId: "c"}, FromVariant(v))
}
