package action

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

var _ Action = new(scriptAction)

const DefaultScriptTimeout = 2 * time.Second

// scriptAction runs a JavaScript snippet over the variables, exposed as `$`.
// Whatever `$` holds afterwards replaces the variables. A run is interrupted
// once timeout elapses or ctx is done, whichever comes first.
type scriptAction struct {
	timeout time.Duration
}

func NewScriptAction(timeout time.Duration) *scriptAction {
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	return &scriptAction{timeout: timeout}
}

func (s *scriptAction) Name() string {
	return "script"
}

func (s *scriptAction) Validate(params map[string]any) error {
	script := stringParam(params, "script")
	if len(script) == 0 {
		return fmt.Errorf("script can not be empty")
	}
	if _, err := goja.Compile("script", script, false); err != nil {
		return fmt.Errorf("script does not compile: %w", err)
	}
	return nil
}

func (s *scriptAction) Execute(ctx context.Context, req Request) (*Result, error) {
	data, err := json.Marshal(req.Variables)
	if err != nil {
		return nil, err
	}
	expression := fmt.Sprintf("var $ = %s;\n", data)
	expression = expression + stringParam(req.Params, "script")
	vm := goja.New()
	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt("context done")
	})
	defer stop()
	timer := time.AfterFunc(s.timeout, func() {
		vm.Interrupt(fmt.Sprintf("script exceeded %s", s.timeout))
	})
	defer timer.Stop()
	if _, err := vm.RunString(expression); err != nil {
		return nil, fmt.Errorf("error executing javascript %w", err)
	}
	val, err := vm.RunString("$")
	if err != nil {
		return nil, fmt.Errorf("error executing javascript %w", err)
	}
	res, err := json.Marshal(val.Export())
	if err != nil {
		return nil, err
	}
	var output map[string]any
	if err := json.Unmarshal(res, &output); err != nil {
		return nil, fmt.Errorf("script must leave an object in $: %w", err)
	}
	return &Result{Variables: output, Replace: true}, nil
}
