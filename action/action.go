package action

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mohitkumar/engage/model"
)

// Request is what an action node hands to its action. Params are already
// resolved against the contact's variables.
type Request struct {
	OrganizationId string
	ContactId      string
	FlowId         string
	NodeId         string
	Variables      map[string]any
	Params         map[string]any
	Message        string
	History        []string
}

// Result carries variable updates and an optional reply to send to the contact.
type Result struct {
	Variables map[string]any
	Replace   bool
	Reply     *model.MessagePayload
}

type Action interface {
	Name() string
	Validate(params map[string]any) error
	Execute(ctx context.Context, req Request) (*Result, error)
}

// AIResponder produces a reply text for a contact's message.
type AIResponder interface {
	Respond(ctx context.Context, contactId string, message string, history []string) (string, error)
}

// Tagger applies a CRM tag to a contact.
type Tagger interface {
	ApplyTag(ctx context.Context, organizationId string, contactId string, tag string) error
}

type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

func NewRegistry(actions ...Action) *Registry {
	r := &Registry{actions: make(map[string]Action)}
	for _, a := range actions {
		r.Register(a)
	}
	return r
}

type defaultOptions struct {
	scriptTimeout time.Duration
}

type DefaultOption func(*defaultOptions)

func WithScriptTimeout(d time.Duration) DefaultOption {
	return func(o *defaultOptions) {
		o.scriptTimeout = d
	}
}

// NewDefaultRegistry registers the built-in actions. Collaborator-backed
// actions are only registered when the collaborator is present.
func NewDefaultRegistry(responder AIResponder, tagger Tagger, opts ...DefaultOption) *Registry {
	options := &defaultOptions{}
	for _, opt := range opts {
		opt(options)
	}
	r := NewRegistry(NewSetVariableAction(), NewScriptAction(options.scriptTimeout))
	if responder != nil {
		r.Register(NewAIReplyAction(responder))
	}
	if tagger != nil {
		r.Register(NewTagAction(tagger))
	}
	return r
}

func (r *Registry) Register(a Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[strings.ToLower(a.Name())] = a
}

func (r *Registry) Get(name string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[strings.ToLower(name)]
	return a, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for n := range r.actions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Validate is usable as a flow.ActionValidator.
func (r *Registry) Validate(name string, params map[string]any) error {
	a, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("action %s is not registered, known actions %v", name, r.Names())
	}
	return a.Validate(params)
}

func stringParam(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}
