package local

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/roelfdiedericks/clawproxy/internal/engine"
	"github.com/roelfdiedericks/clawproxy/internal/protocol"
)

type fakeEngine struct {
	script   []engine.Event
	lastOpts engine.Options
}

func (f *fakeEngine) Check(ctx context.Context) error             { return nil }
func (f *fakeEngine) Version(ctx context.Context) (string, error) { return "fake", nil }

func (f *fakeEngine) Query(ctx context.Context, prompt, systemPrompt string, opts engine.Options) (<-chan engine.Event, error) {
	f.lastOpts = opts
	out := make(chan engine.Event)
	go func() {
		defer close(out)
		for _, ev := range f.script {
			out <- ev
		}
	}()
	return out, nil
}

func TestRunnerQuery(t *testing.T) {
	cost := 0.01
	eng := &fakeEngine{script: []engine.Event{
		{Msg: protocol.SystemMessage{Subtype: "init"}},
		{Msg: protocol.StreamEvent{Event: map[string]any{
			"type":  "content_block_delta",
			"delta": map[string]any{"type": "text_delta", "text": "hi"},
		}}},
		{Msg: protocol.AssistantMessage{Content: []protocol.ContentBlock{
			protocol.TextBlock{Text: "hi"},
		}}},
		{Msg: protocol.ResultMessage{Subtype: "success", SessionID: "s-1", NumTurns: 1, TotalCostUSD: &cost}},
	}}

	r, err := New(context.Background(), eng, engine.Options{Model: "default-m"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var deltas strings.Builder
	res, err := r.Query(context.Background(), "say hi", QueryOpts{
		OnText: func(s string) { deltas.WriteString(s) },
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}

	if res.Text != "hi" || res.SessionID != "s-1" {
		t.Errorf("result = %+v", res)
	}
	if deltas.String() != "hi" {
		t.Errorf("deltas = %q", deltas.String())
	}
	if eng.lastOpts.Model != "default-m" {
		t.Errorf("defaults not applied: %+v", eng.lastOpts)
	}
}

func TestRunnerEngineErrorPropagates(t *testing.T) {
	wantErr := fmt.Errorf("engine exploded")
	eng := &fakeEngine{script: []engine.Event{
		{Msg: protocol.SystemMessage{Subtype: "init"}},
		{Err: wantErr},
	}}

	r, err := New(context.Background(), eng, engine.Options{})
	if err != nil {
		t.Fatal(err)
	}
	_, err = r.Query(context.Background(), "boom", QueryOpts{})
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
}

func TestRunnerRejectsInvalidOptions(t *testing.T) {
	r, err := New(context.Background(), &fakeEngine{}, engine.Options{})
	if err != nil {
		t.Fatal(err)
	}
	_, err = r.Query(context.Background(), "hi", QueryOpts{
		Options: engine.Options{PermissionMode: "nope"},
	})
	if err == nil {
		t.Error("invalid options accepted")
	}
}
