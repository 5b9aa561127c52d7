// Package sandbox evaluates untrusted JavaScript fragments (object literals,
// webpack module factories, build manifests) without giving them any access
// to the host. Each evaluation runs in a fresh interpreter bounded by a
// deadline, a call-depth limit and a string size cap.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	ErrSyntax  = errors.New("sandbox: syntax error")
	ErrTimeout = errors.New("sandbox: evaluation timed out")
	ErrRuntime = errors.New("sandbox: runtime error")
)

// EvaluationError describes why a fragment could not be evaluated. Kind is
// one of ErrSyntax, ErrTimeout or ErrRuntime.
type EvaluationError struct {
	Kind error
	Pos  int
	Msg  string
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("%s at offset %d: %s", e.Kind, e.Pos, e.Msg)
}

func (e *EvaluationError) Unwrap() error { return e.Kind }

// Options configures a Sandbox.
type Options struct {
	// Timeout bounds wall time per evaluation. Default 1s.
	Timeout time.Duration
	// MaxDepth bounds nested calls. Default 200.
	MaxDepth int
	// MaxStringLen bounds any string produced during evaluation. Default 16 MiB.
	MaxStringLen int
	// Globals are extra bindings visible to every evaluation.
	Globals map[string]any
	// Placeholder resolves identifiers that are otherwise undefined. Bundles
	// reference minifier-renamed globals (e.g. a one-letter process shim);
	// returning a value here lets such fragments evaluate.
	Placeholder func(name string) (any, bool)
	// Filename labels log lines.
	Filename string
	Logger   *slog.Logger
}

func (o *Options) defaults() {
	if o.Timeout <= 0 {
		o.Timeout = time.Second
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = 200
	}
	if o.MaxStringLen <= 0 {
		o.MaxStringLen = 16 << 20
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Sandbox is safe for concurrent use; every call gets its own interpreter.
type Sandbox struct {
	opts Options
}

func New(opts Options) *Sandbox {
	opts.defaults()
	return &Sandbox{opts: opts}
}

// Eval runs src as a script and returns the value of its last expression
// statement as plain Go data (nil, bool, float64, string, []any, *Map).
func (s *Sandbox) Eval(ctx context.Context, src string) (any, error) {
	prog, err := parseProgram(src)
	if err != nil {
		return nil, err
	}
	m, last, err := s.run(ctx, prog)
	if err != nil {
		return nil, err
	}
	return exportValue(m, last)
}

// EvalExpression evaluates src as a single expression, so that a bare
// object literal is not mistaken for a block.
func (s *Sandbox) EvalExpression(ctx context.Context, src string) (any, error) {
	x, err := parseExpressionSource(src)
	if err != nil {
		return nil, err
	}
	m, last, err := s.run(ctx, []node{&exprStmt{base: base{x.position()}, x: x}})
	if err != nil {
		return nil, err
	}
	return exportValue(m, last)
}

// EvalGlobal runs src and returns the global binding called name, whether it
// was declared with var or assigned through self/window.
func (s *Sandbox) EvalGlobal(ctx context.Context, src, name string) (any, bool, error) {
	prog, err := parseProgram(src)
	if err != nil {
		return nil, false, err
	}
	m, _, err := s.run(ctx, prog)
	if err != nil {
		return nil, false, err
	}
	v, ok := m.root.vars[name]
	if !ok {
		v, ok = m.global.get(name)
	}
	if !ok {
		return nil, false, nil
	}
	out, err := exportValue(m, v)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (s *Sandbox) run(ctx context.Context, prog []node) (*machine, value, error) {
	start := time.Now()
	deadline := start.Add(s.opts.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	m := &machine{
		ctx:      ctx,
		deadline: deadline,
		opts:     &s.opts,
		global:   newGlobal(),
	}
	for k, v := range s.opts.Globals {
		m.global.set(k, importValue(v))
	}
	m.root = newScope(nil)
	m.hoist(prog, m.root)

	var last value = undefined
	c, err := m.execList(prog, m.root, &last)
	if err == nil && c.kind != normal {
		err = runtimeErrorf(0, "illegal %s at top level", map[completionKind]string{
			returned: "return", broke: "break", continued: "continue",
		}[c.kind])
	}
	if t, ok := err.(*thrown); ok {
		err = runtimeErrorf(0, "%s", t.Error())
	}
	if err != nil {
		s.opts.Logger.Debug("sandbox: eval failed",
			"file", s.opts.Filename, "steps", m.steps, "elapsed", time.Since(start), "error", err)
		return nil, nil, err
	}
	return m, last, nil
}
