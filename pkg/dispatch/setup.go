package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/fleetplay/pkg/config"
	"github.com/openfroyo/fleetplay/pkg/engine"
	"github.com/openfroyo/fleetplay/pkg/facts"
)

// setupModule gathers host facts into the fact store.
type setupModule struct {
	collector *facts.Collector
}

func (m *setupModule) Run(ctx context.Context, req *Request) (engine.TaskResult, error) {
	types, err := req.Args.Strings("gather_subset")
	if err != nil {
		return engine.TaskResult{}, err
	}
	t, err := req.Target(ctx)
	if err != nil {
		return engine.TaskResult{}, err
	}

	res, err := m.collector.Collect(ctx, req.Host, t, types)
	if err != nil {
		return engine.TaskResult{}, err
	}
	return engine.TaskResult{
		Output: fmt.Sprintf("gathered %d fact types", res.Count),
		Data:   res.Facts,
	}, nil
}

// scriptModule evaluates Starlark on the controller. The script sees
// "host", "facts" and the "input" mapping as globals; its exported globals
// become the task data and, with "fact" set, a stored fact namespace.
type scriptModule struct {
	eval  *config.StarlarkEvaluator
	facts *facts.Collector
}

func (m *scriptModule) Run(ctx context.Context, req *Request) (engine.TaskResult, error) {
	source, ok := req.Args.String("source")
	if !ok {
		return engine.TaskResult{}, fmt.Errorf("missing required argument %q", "source")
	}

	input, err := req.Args.Map("input")
	if err != nil {
		return engine.TaskResult{}, err
	}
	globals := map[string]interface{}{"host": req.Host}
	if input != nil {
		globals["input"] = input
	}
	known, err := m.facts.Get(ctx, req.Host, nil)
	if err != nil {
		return engine.TaskResult{}, err
	}
	globals["facts"] = known

	res, err := m.eval.Evaluate(ctx, source, globals)
	if err != nil {
		return engine.TaskResult{}, fmt.Errorf("script failed: %w", err)
	}

	out := engine.TaskResult{Data: res.Output}
	if failed, _ := res.Output["failed"].(bool); failed {
		out.Failed = true
		msg, _ := res.Output["msg"].(string)
		return out, fmt.Errorf("script reported failure: %s", msg)
	}
	if msg, ok := res.Output["msg"].(string); ok {
		out.Output = msg
	}
	out.Changed, _ = res.Output["changed"].(bool)

	if ns, ok := req.Args.String("fact"); ok {
		if !strings.Contains(ns, ".") {
			ns = "script." + ns
		}
		if err := m.facts.Put(ctx, req.Host, ns, res.Output); err != nil {
			return out, err
		}
		out.Changed = true
	}
	return out, nil
}
