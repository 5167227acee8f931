package flow

import (
	"fmt"
	"regexp"
	"time"

	"github.com/dop251/goja"
)

// DefaultEvalTimeout bounds a single guard evaluation unless the graph was
// compiled with WithEvalTimeout.
const DefaultEvalTimeout = time.Second

var identifierPattern = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// Guard is a compiled JavaScript boolean expression over flow variables. The
// variables are visible both as `vars.name` and, when the name is a valid
// identifier, as a bare `name`.
type Guard struct {
	source  string
	program *goja.Program
	timeout time.Duration
}

func CompileGuard(source string) (*Guard, error) {
	program, err := goja.Compile("guard", "("+source+"\n)", false)
	if err != nil {
		return nil, err
	}
	return &Guard{source: source, program: program, timeout: DefaultEvalTimeout}, nil
}

func (g *Guard) Source() string {
	return g.source
}

func (g *Guard) Eval(vars map[string]any) (result bool, err error) {
	vm := goja.New()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("guard %q panicked: %v", g.source, r)
		}
	}()
	if vars == nil {
		vars = map[string]any{}
	}
	if err := vm.Set("vars", vars); err != nil {
		return false, err
	}
	for k, v := range vars {
		if k == "vars" || !identifierPattern.MatchString(k) {
			continue
		}
		if err := vm.Set(k, v); err != nil {
			return false, err
		}
	}
	timer := time.AfterFunc(g.timeout, func() {
		vm.Interrupt(fmt.Sprintf("guard exceeded %s", g.timeout))
	})
	defer timer.Stop()
	value, err := vm.RunProgram(g.program)
	if err != nil {
		return false, fmt.Errorf("error evaluating guard %q: %w", g.source, err)
	}
	return value.ToBoolean(), nil
}
