package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/roelfdiedericks/clawproxy/internal/engine"
	"github.com/roelfdiedericks/clawproxy/internal/logging"
	"github.com/roelfdiedericks/clawproxy/internal/protocol"
)

// QueryRequest is the /query request body.
type QueryRequest struct {
	Prompt       string         `json:"prompt"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	Options      engine.Options `json:"options,omitempty"`
}

// HealthResponse is the /health body. Never fails once the process serves.
type HealthResponse struct {
	Status        string  `json:"status"`
	ServerVersion string  `json:"server_version"`
	EngineVersion string  `json:"engine_version"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	ActiveStreams int64   `json:"active_streams"`
}

// CapabilitiesResponse tells clients which options the gateway accepts and
// what it enforces, so they can adapt without guessing.
type CapabilitiesResponse struct {
	ServerVersion    string         `json:"server_version"`
	SupportedOptions []string       `json:"supported_options"`
	ServerEnforced   map[string]any `json:"server_enforced"`
	CWDWhitelist     []string       `json:"cwd_whitelist"`
}

// handleHealth serves GET /health - no auth
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := HealthResponse{
		Status:        "ok",
		ServerVersion: s.cfg.Version,
		EngineVersion: s.engineVersion,
		UptimeSeconds: time.Since(s.startTime).Seconds(),
		ActiveStreams: s.activeStreams.Load(),
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(resp)
}

// handleCapabilities serves GET /capabilities - bearer auth
func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	enforced := map[string]any{"include_partial_messages": true}
	if s.cfg.CWD != "" {
		enforced["cwd"] = s.cfg.CWD
	}

	whitelist := s.cfg.AllowedCWDPaths
	if whitelist == nil {
		whitelist = []string{}
	}

	resp := CapabilitiesResponse{
		ServerVersion:    s.cfg.Version,
		SupportedOptions: engine.OptionNames(),
		ServerEnforced:   enforced,
		CWDWhitelist:     whitelist,
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(resp)
}

// handleQuery serves POST /query - bearer auth, streamed wire-frame response.
// All rejections happen before the first frame so the client always gets
// either a clean HTTP status or a well-formed stream.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Prompt == "" {
		http.Error(w, "Request validation failed: prompt must not be empty", http.StatusUnprocessableEntity)
		return
	}

	// Whitelist enforcement runs before anything touches the engine
	if err := s.checkCWDWhitelist(req.Options.CWD); err != nil {
		logging.L_warn("proxy: cwd rejected", "ip", clientIP(r), "cwd", req.Options.CWD)
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	merged := s.mergeOptions(req.Options)
	if err := merged.Validate(); err != nil {
		http.Error(w, "Request validation failed: "+err.Error(), http.StatusUnprocessableEntity)
		return
	}

	requestID := uuid.New().String()
	model := merged.Model
	if model == "" {
		model = "default"
	}
	// Prompt length only; content never reaches default logs
	logging.L_info("proxy: query start",
		"request", requestID,
		"ip", clientIP(r),
		"model", model,
		"promptChars", len(req.Prompt))

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported by this transport", http.StatusInternalServerError)
		return
	}

	// The counter covers the whole invocation, so a session whose engine
	// process is already running is never invisible to /health. The defer
	// runs however the stream ends: success, error frame, or disconnect.
	s.activeStreams.Add(1)
	defer func() {
		s.activeStreams.Add(-1)
	}()
	start := time.Now()

	// The request context doubles as the cancellation signal: a client
	// disconnect stops the engine invocation
	events, err := s.engine.Query(r.Context(), req.Prompt, req.SystemPrompt, merged)
	if err != nil {
		logging.L_error("proxy: engine invocation failed", "request", requestID, "error", err)
		http.Error(w, "Engine invocation failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var enc protocol.Encoder
	var sessionID string
	var cost *float64
	numTurns := 0

	for event := range events {
		if event.Err != nil {
			// One terminal error frame, nothing after it
			if _, werr := enc.WriteErrorFrame(w, event.Err.Error(), exitCodeOf(event.Err)); werr == nil {
				flusher.Flush()
			}
			logging.L_error("proxy: session failed", "request", requestID, "error", event.Err)
			return
		}

		switch m := event.Msg.(type) {
		case protocol.AssistantMessage:
			numTurns++
		case protocol.ResultMessage:
			sessionID = m.SessionID
			cost = m.TotalCostUSD
		}

		if _, werr := enc.WriteFrame(w, event.Msg); werr != nil {
			// Client went away mid-stream; engine cancellation follows
			// from the request context
			logging.L_debug("proxy: client disconnected", "request", requestID, "error", werr)
			return
		}
		flusher.Flush()
	}

	logging.L_info("proxy: query done",
		"request", requestID,
		"session", sessionID,
		"costUSD", costString(cost),
		"turns", numTurns,
		"duration", time.Since(start))
}

// handleCancel serves DELETE /query/{session_id}. Reserved until a
// bidirectional transport exists to signal a running session.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	http.Error(w,
		"Stream interruption is not implemented. This endpoint is reserved for a future bidirectional transport that can signal a running session; disconnecting the /query request is the only cancellation today.",
		http.StatusNotImplemented)
}

func exitCodeOf(err error) *int {
	var procErr *engine.ProcessError
	if errors.As(err, &procErr) && procErr.ExitCode >= 0 {
		return &procErr.ExitCode
	}
	return nil
}

func costString(cost *float64) string {
	if cost == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.6f", *cost)
}
