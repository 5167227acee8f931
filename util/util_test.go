package util

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResolveTemplate(t *testing.T) {
	vars := map[string]any{
		"name":  "Ada",
		"order": map[string]any{"id": 42, "items": []any{"tea", "cake"}},
	}
	for scenario, tc := range map[string]struct {
		text string
		want string
	}{
		"plain text":      {text: "hello", want: "hello"},
		"single token":    {text: "hi {$.name}", want: "hi Ada"},
		"nested path":     {text: "order {$.order.id}", want: "order 42"},
		"array index":     {text: "{$.order.items[1]}!", want: "cake!"},
		"unknown path":    {text: "hi {$.missing}", want: "hi "},
		"non path braces": {text: "{literal} {$.name}", want: "{literal} Ada"},
		"repeated token":  {text: "{$.name}/{$.name}", want: "Ada/Ada"},
	} {
		t.Run(scenario, func(t *testing.T) {
			require.Equal(t, tc.want, ResolveTemplate(tc.text, vars))
		})
	}
}

func TestResolveParams(t *testing.T) {
	vars := map[string]any{"plan": "pro", "score": 7}
	params := map[string]any{
		"tag":    "{$.plan}-user",
		"limit":  3,
		"nested": map[string]any{"score": "{$.score}"},
		"list":   []any{"{$.plan}", 1},
	}
	require.Equal(t, map[string]any{
		"tag":    "pro-user",
		"limit":  3,
		"nested": map[string]any{"score": "7"},
		"list":   []any{"pro", 1},
	}, ResolveParams(vars, params))
	require.Equal(t, "{$.plan}-user", params["tag"])
}

func TestLookup(t *testing.T) {
	data := map[string]any{"text": "yes", "button": map[string]any{"payload": "b1"}}
	v, ok := Lookup(data, "$.button.payload")
	require.True(t, ok)
	require.Equal(t, "b1", v)

	_, ok = Lookup(data, "$.nope")
	require.False(t, ok)
	_, ok = Lookup(data, "text")
	require.False(t, ok)
	_, ok = Lookup(nil, "$.text")
	require.False(t, ok)
}

func TestWorker(t *testing.T) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var seen []int
	done := make(chan struct{})
	w := NewWorker("test", &wg, func(task Task) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, task.(int))
		if len(seen) == 5 {
			close(done)
		}
		if task.(int) == 2 {
			return errors.New("boom")
		}
		return nil
	}, 10)
	w.Start()
	for i := 0; i < 5; i++ {
		w.Sender() <- i
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not drain its tasks")
	}
	w.Stop()
	wg.Wait()
	require.Equal(t, []int{0, 1, 2, 3, 4}, seen)
}

func TestTickWorker(t *testing.T) {
	var wg sync.WaitGroup
	var calls atomic.Int32
	tw := NewTickWorker("test", 5*time.Millisecond, func(ctx context.Context) {
		calls.Add(1)
	}, &wg)
	require.False(t, tw.IsRunning())
	tw.Start()
	tw.Start()
	require.True(t, tw.IsRunning())

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	tw.Stop()
	tw.Stop()
	wg.Wait()
	require.False(t, tw.IsRunning())

	after := calls.Load()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, after, calls.Load())
}
