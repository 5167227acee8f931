package action

import (
	"context"
	"fmt"
)

var _ Action = new(setVariableAction)

type setVariableAction struct{}

func NewSetVariableAction() *setVariableAction {
	return &setVariableAction{}
}

func (a *setVariableAction) Name() string {
	return "set_variable"
}

func (a *setVariableAction) Validate(params map[string]any) error {
	if stringParam(params, "name") == "" {
		return fmt.Errorf("set_variable requires name")
	}
	if _, ok := params["value"]; !ok {
		return fmt.Errorf("set_variable requires value")
	}
	return nil
}

func (a *setVariableAction) Execute(ctx context.Context, req Request) (*Result, error) {
	return &Result{
		Variables: map[string]any{stringParam(req.Params, "name"): req.Params["value"]},
	}, nil
}
