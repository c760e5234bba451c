package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"dario.cat/mergo"

	"github.com/roelfdiedericks/clawproxy/internal/engine"
	"github.com/roelfdiedericks/clawproxy/internal/logging"
	"github.com/roelfdiedericks/clawproxy/internal/pipeline"
	"github.com/roelfdiedericks/clawproxy/internal/protocol"
)

// Config configures a gateway client.
type Config struct {
	// BaseURL is the gateway root, e.g. "http://127.0.0.1:8080" or a
	// tunnel URL.
	BaseURL string
	Token   string

	// Options are client-level defaults, overridable per query.
	Options engine.Options

	// SkipHealthCheck disables the connectivity probe in New.
	SkipHealthCheck bool

	// HTTPClient overrides the streaming client, mainly for tests.
	HTTPClient *http.Client
}

// Client talks to a clawproxy gateway over its wire protocol.
type Client struct {
	baseURL string
	token   string
	defs    engine.Options

	// No overall timeout: a session legitimately runs for minutes.
	// Connection setup is still bounded by the transport.
	http *http.Client
}

// QueryOpts carries per-call behaviour. All fields optional.
type QueryOpts struct {
	SystemPrompt string
	Options      engine.Options

	// OnText receives assistant text deltas as they arrive.
	OnText func(string)
	// OnToolStart and OnToolEnd observe the tool lifecycle.
	OnToolStart func(pipeline.ToolEvent)
	OnToolEnd   func(pipeline.ToolEvent)
}

// New builds a client and, unless disabled, probes the gateway's /health
// endpoint so that a bad URL fails here with a useful error instead of on
// the first query.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("gateway base URL is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("gateway auth token is required")
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}

	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		defs:    cfg.Options,
		http:    hc,
	}

	if !cfg.SkipHealthCheck {
		if err := c.healthCheck(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Client) healthCheck() error {
	probe := &http.Client{Timeout: 3 * time.Second}
	resp, err := probe.Get(c.baseURL + "/health")
	if err != nil {
		return &ConnectError{URL: c.baseURL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &ConnectError{URL: c.baseURL,
			Err: fmt.Errorf("health check returned HTTP %d", resp.StatusCode)}
	}

	var health struct {
		EngineVersion string `json:"engine_version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err == nil {
		logging.L_debug("remote: gateway reachable", "url", c.baseURL, "engine", health.EngineVersion)
	}
	return nil
}

// Capabilities fetches the gateway's advertised option surface.
func (c *Client) Capabilities(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/capabilities", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &ConnectError{URL: c.baseURL, Err: err}
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return nil, err
	}

	var caps map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&caps); err != nil {
		return nil, fmt.Errorf("decoding capabilities: %w", err)
	}
	return caps, nil
}

// requestBody mirrors the gateway's expected /query shape.
type requestBody struct {
	Prompt       string         `json:"prompt"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	Options      engine.Options `json:"options"`
}

// buildOptions fills zero fields of the per-call options from the client
// defaults. The gateway applies its own layer on top.
func (c *Client) buildOptions(requested engine.Options) engine.Options {
	merged := requested
	_ = mergo.Merge(&merged, c.defs)
	return merged
}

// Query sends a prompt and consumes the response stream to completion.
// Deltas and tool events fire through the QueryOpts callbacks as frames
// arrive; the returned Result carries the assembled text, usage and cost.
// Cancel via ctx: the gateway treats the dropped connection as
// cancellation and stops the engine.
func (c *Client) Query(ctx context.Context, prompt string, opts QueryOpts) (pipeline.Result, error) {
	var zero pipeline.Result
	if prompt == "" {
		return zero, fmt.Errorf("prompt must not be empty")
	}

	body := requestBody{
		Prompt:       prompt,
		SystemPrompt: opts.SystemPrompt,
		Options:      c.buildOptions(opts.Options),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return zero, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/query", bytes.NewReader(payload))
	if err != nil {
		return zero, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	logging.L_debug("remote: query start", "url", c.baseURL, "promptChars", len(prompt))

	resp, err := c.http.Do(req)
	if err != nil {
		return zero, &ConnectError{URL: c.baseURL, Err: err}
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return zero, err
	}

	proc := pipeline.NewProcessor()
	proc.Sink = opts.OnText
	proc.OnToolStart = opts.OnToolStart
	proc.OnToolEnd = opts.OnToolEnd

	if err := c.consumeStream(resp.Body, proc); err != nil {
		return zero, err
	}

	result := pipeline.Summarize(proc.Messages())
	logging.L_debug("remote: query done",
		"session", result.SessionID,
		"turns", result.NumTurns,
		"outputTokens", result.OutputTokens)
	return result, nil
}

// consumeStream reads wire frames until EOF or a terminal error frame.
func (c *Client) consumeStream(r io.Reader, proc *pipeline.Processor) error {
	fr := protocol.NewFrameReader(r)
	for {
		frame, err := fr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading stream (last frame id %d): %w", fr.LastID(), err)
		}

		msg, err := protocol.Decode(frame.Event, frame.Data)
		if err != nil {
			// StreamError and DecodeError are both terminal: the first is
			// the gateway reporting failure, the second means a recognized
			// event type carried a payload that cannot be trusted
			return err
		}
		if msg == nil {
			// Unknown event type, forward-compatibility skip
			continue
		}
		proc.Process(msg)
	}
}

func statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	detail := readDetail(resp.Body)
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return &AuthError{Detail: detail}
	case http.StatusForbidden:
		return &ForbiddenError{Detail: detail}
	case http.StatusUnprocessableEntity:
		return &ValidationError{Detail: detail}
	}
	return &HTTPError{StatusCode: resp.StatusCode, Detail: detail}
}

func readDetail(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(b) == 0 {
		return "(no detail)"
	}
	return strings.TrimSpace(string(b))
}
