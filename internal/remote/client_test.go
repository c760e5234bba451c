package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/roelfdiedericks/clawproxy/internal/engine"
	"github.com/roelfdiedericks/clawproxy/internal/pipeline"
	"github.com/roelfdiedericks/clawproxy/internal/protocol"
)

func intPtr(i int) *int { return &i }

// fakeGateway serves /health and a scripted /query stream.
func fakeGateway(t *testing.T, writeStream func(w http.ResponseWriter)) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","engine_version":"fake"}`))
	})
	mux.HandleFunc("/query", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "bad token", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		writeStream(w)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func newTestClient(t *testing.T, ts *httptest.Server) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: ts.URL, Token: "tok"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewFailsWhenGatewayUnreachable(t *testing.T) {
	// Grab a port that is then closed again
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	_, err := New(Config{BaseURL: url, Token: "tok"})
	var connErr *ConnectError
	if !errors.As(err, &connErr) {
		t.Fatalf("want *ConnectError, got %T: %v", err, err)
	}
	if !strings.Contains(connErr.Error(), url) {
		t.Errorf("error does not name the URL: %v", connErr)
	}
}

func TestNewSkipHealthCheck(t *testing.T) {
	if _, err := New(Config{BaseURL: "http://127.0.0.1:1", Token: "tok", SkipHealthCheck: true}); err != nil {
		t.Fatalf("SkipHealthCheck should not probe: %v", err)
	}
}

func TestQueryStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		check  func(error) bool
	}{
		{http.StatusUnauthorized, func(err error) bool { var e *AuthError; return errors.As(err, &e) }},
		{http.StatusForbidden, func(err error) bool { var e *ForbiddenError; return errors.As(err, &e) }},
		{http.StatusUnprocessableEntity, func(err error) bool { var e *ValidationError; return errors.As(err, &e) }},
		{http.StatusInternalServerError, func(err error) bool { var e *HTTPError; return errors.As(err, &e) }},
	}

	for _, tc := range cases {
		status := tc.status
		mux := http.NewServeMux()
		mux.HandleFunc("/query", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", status)
		})
		ts := httptest.NewServer(mux)

		c, err := New(Config{BaseURL: ts.URL, Token: "tok", SkipHealthCheck: true})
		if err != nil {
			t.Fatal(err)
		}
		_, err = c.Query(context.Background(), "hi", QueryOpts{})
		if !tc.check(err) {
			t.Errorf("status %d: wrong error type %T: %v", status, err, err)
		}
		ts.Close()
	}
}

func TestQueryHappyPath(t *testing.T) {
	cost := 0.02
	ts := fakeGateway(t, func(w http.ResponseWriter) {
		var enc protocol.Encoder
		enc.WriteFrame(w, protocol.SystemMessage{Subtype: "init", Data: map[string]any{"session_id": "s-1"}})
		for _, d := range []string{"Hel", "lo"} {
			enc.WriteFrame(w, protocol.StreamEvent{Event: map[string]any{
				"type":  "content_block_delta",
				"delta": map[string]any{"type": "text_delta", "text": d},
			}})
		}
		enc.WriteFrame(w, protocol.AssistantMessage{
			Content: []protocol.ContentBlock{
				protocol.ToolUseBlock{ID: "t-1", Name: "Bash", Input: map[string]any{"command": "ls"}},
			},
			Model: "m",
		})
		enc.WriteFrame(w, protocol.UserMessage{Content: []protocol.ContentBlock{
			protocol.ToolResultBlock{ToolUseID: "t-1", Content: "files"},
		}})
		enc.WriteFrame(w, protocol.AssistantMessage{
			Content: []protocol.ContentBlock{protocol.TextBlock{Text: "Hello"}},
			Model:   "m",
		})
		enc.WriteFrame(w, protocol.ResultMessage{
			Subtype: "success", SessionID: "s-1", NumTurns: 2, TotalCostUSD: &cost,
			Usage: map[string]any{"input_tokens": float64(4), "output_tokens": float64(6)},
		})
	})

	c := newTestClient(t, ts)

	var deltas strings.Builder
	var toolStarts, toolEnds []pipeline.ToolEvent
	res, err := c.Query(context.Background(), "list files", QueryOpts{
		OnText:      func(s string) { deltas.WriteString(s) },
		OnToolStart: func(e pipeline.ToolEvent) { toolStarts = append(toolStarts, e) },
		OnToolEnd:   func(e pipeline.ToolEvent) { toolEnds = append(toolEnds, e) },
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}

	if deltas.String() != "Hello" {
		t.Errorf("deltas = %q", deltas.String())
	}
	if len(toolStarts) != 1 || toolStarts[0].ToolName != "Bash" {
		t.Errorf("tool starts = %#v", toolStarts)
	}
	if len(toolEnds) != 1 || toolEnds[0].Content != "files" {
		t.Errorf("tool ends = %#v", toolEnds)
	}
	if res.Text != "Hello" || res.SessionID != "s-1" || res.NumTurns != 2 {
		t.Errorf("result = %+v", res)
	}
	if res.CostUSD == nil || *res.CostUSD != cost {
		t.Errorf("cost = %v", res.CostUSD)
	}
	if res.InputTokens != 4 || res.OutputTokens != 6 {
		t.Errorf("tokens = %d/%d", res.InputTokens, res.OutputTokens)
	}
}

func TestQueryStreamErrorIsTerminal(t *testing.T) {
	ts := fakeGateway(t, func(w http.ResponseWriter) {
		var enc protocol.Encoder
		enc.WriteFrame(w, protocol.SystemMessage{Subtype: "init"})
		enc.WriteErrorFrame(w, "engine crashed", intPtr(3))
	})

	c := newTestClient(t, ts)
	_, err := c.Query(context.Background(), "hi", QueryOpts{})

	var streamErr *protocol.StreamError
	if !errors.As(err, &streamErr) {
		t.Fatalf("want *StreamError, got %T: %v", err, err)
	}
	if streamErr.Message != "engine crashed" || streamErr.ExitCode == nil || *streamErr.ExitCode != 3 {
		t.Errorf("stream error = %+v", streamErr)
	}
}

func TestQuerySkipsUnknownEventTypes(t *testing.T) {
	ts := fakeGateway(t, func(w http.ResponseWriter) {
		// Unknown event types are forward compatibility; the stream
		// continues past them to the terminal result
		w.Write([]byte("id: 1\nevent: future_event\ndata: {\"x\":1}\n\n"))
		w.Write([]byte("id: 2\nevent: result_message\ndata: {\"subtype\":\"success\",\"session_id\":\"s-7\",\"num_turns\":1}\n\n"))
	})

	c := newTestClient(t, ts)
	res, err := c.Query(context.Background(), "hi", QueryOpts{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.SessionID != "s-7" {
		t.Errorf("session = %q", res.SessionID)
	}
}

func TestQueryAbortsOnMalformedKnownFrame(t *testing.T) {
	ts := fakeGateway(t, func(w http.ResponseWriter) {
		// A recognized event type with a broken payload; the valid result
		// after it must never be reached
		w.Write([]byte("id: 1\nevent: result_message\ndata: {broken\n\n"))
		w.Write([]byte("id: 2\nevent: result_message\ndata: {\"subtype\":\"success\",\"session_id\":\"s-9\",\"num_turns\":1}\n\n"))
	})

	c := newTestClient(t, ts)
	_, err := c.Query(context.Background(), "hi", QueryOpts{})

	var decErr *protocol.DecodeError
	if !errors.As(err, &decErr) {
		t.Fatalf("want *DecodeError, got %T: %v", err, err)
	}
	if decErr.EventType != protocol.EventResultMessage {
		t.Errorf("event type = %q", decErr.EventType)
	}
}

func TestBuildOptionsFillsClientDefaults(t *testing.T) {
	c, err := New(Config{
		BaseURL:         "http://127.0.0.1:1",
		Token:           "tok",
		SkipHealthCheck: true,
		Options:         engine.Options{Model: "default-m", MaxTurns: 8},
	})
	if err != nil {
		t.Fatal(err)
	}

	merged := c.buildOptions(engine.Options{Model: "per-call"})
	if merged.Model != "per-call" {
		t.Errorf("model = %q", merged.Model)
	}
	if merged.MaxTurns != 8 {
		t.Errorf("max turns = %d", merged.MaxTurns)
	}
}

func TestQueryEmptyPrompt(t *testing.T) {
	c, err := New(Config{BaseURL: "http://127.0.0.1:1", Token: "tok", SkipHealthCheck: true})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Query(context.Background(), "", QueryOpts{}); err == nil {
		t.Error("empty prompt accepted")
	}
}
