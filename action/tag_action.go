package action

import (
	"context"
	"fmt"
)

var _ Action = new(tagAction)

type tagAction struct {
	tagger Tagger
}

func NewTagAction(tagger Tagger) *tagAction {
	return &tagAction{tagger: tagger}
}

func (a *tagAction) Name() string {
	return "tag"
}

func (a *tagAction) Validate(params map[string]any) error {
	if stringParam(params, "tag") == "" {
		return fmt.Errorf("tag action requires tag")
	}
	return nil
}

func (a *tagAction) Execute(ctx context.Context, req Request) (*Result, error) {
	tag := stringParam(req.Params, "tag")
	if err := a.tagger.ApplyTag(ctx, req.OrganizationId, req.ContactId, tag); err != nil {
		return nil, fmt.Errorf("apply tag %s: %w", tag, err)
	}
	return &Result{}, nil
}
