// Package local runs the engine in-process, without a gateway in between.
// It shares the message pipeline with the remote client, so a prompt
// produces the same Result whichever path it takes.
package local

import (
	"context"
	"fmt"

	"dario.cat/mergo"

	"github.com/roelfdiedericks/clawproxy/internal/engine"
	. "github.com/roelfdiedericks/clawproxy/internal/logging"
	"github.com/roelfdiedericks/clawproxy/internal/pipeline"
)

// Runner executes queries against a local engine.
type Runner struct {
	engine engine.Engine
	defs   engine.Options
}

// QueryOpts mirrors the remote client's per-call surface.
type QueryOpts struct {
	SystemPrompt string
	Options      engine.Options

	OnText      func(string)
	OnToolStart func(pipeline.ToolEvent)
	OnToolEnd   func(pipeline.ToolEvent)
}

// New verifies the engine is usable and returns a runner.
func New(ctx context.Context, eng engine.Engine, defaults engine.Options) (*Runner, error) {
	if err := eng.Check(ctx); err != nil {
		return nil, err
	}
	return &Runner{engine: eng, defs: defaults}, nil
}

// Query runs a prompt to completion through the shared pipeline.
func (r *Runner) Query(ctx context.Context, prompt string, opts QueryOpts) (pipeline.Result, error) {
	var zero pipeline.Result
	if prompt == "" {
		return zero, fmt.Errorf("prompt must not be empty")
	}

	merged := opts.Options
	_ = mergo.Merge(&merged, r.defs)
	if err := merged.Validate(); err != nil {
		return zero, err
	}

	events, err := r.engine.Query(ctx, prompt, opts.SystemPrompt, merged)
	if err != nil {
		return zero, err
	}

	proc := pipeline.NewProcessor()
	proc.Sink = opts.OnText
	proc.OnToolStart = opts.OnToolStart
	proc.OnToolEnd = opts.OnToolEnd

	for event := range events {
		if event.Err != nil {
			return zero, event.Err
		}
		proc.Process(event.Msg)
	}

	result := pipeline.Summarize(proc.Messages())
	L_debug("local: query done", "session", result.SessionID, "turns", result.NumTurns)
	return result, nil
}
