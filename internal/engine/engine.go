// Package engine is the boundary to the external agent engine. The engine is
// a black box: it takes a prompt plus options and emits an ordered message
// stream terminated by exactly one result message. Nothing in this package
// interprets tool semantics.
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/roelfdiedericks/clawproxy/internal/protocol"
)

// Event is one element of the engine's output stream. Exactly one of Msg or
// Err is set; an Err terminates the stream.
type Event struct {
	Msg protocol.Message
	Err error
}

// Engine invokes the agent engine and streams its messages.
type Engine interface {
	// Check verifies the engine and its command-line dependency are reachable.
	Check(ctx context.Context) error
	// Version returns the engine's version string.
	Version(ctx context.Context) (string, error)
	// Query starts a session. The returned channel is closed when the stream
	// ends; cancelling ctx stops the invocation.
	Query(ctx context.Context, prompt, systemPrompt string, opts Options) (<-chan Event, error)
}

// Options is the merged per-session configuration accepted by the engine.
// CLIPath only makes sense on the machine hosting the engine and is never
// part of a request body.
type Options struct {
	Model                  string   `json:"model,omitempty" toml:"model"`
	PermissionMode         string   `json:"permission_mode,omitempty" toml:"permission_mode"`
	CWD                    string   `json:"cwd,omitempty" toml:"cwd"`
	MaxTurns               int      `json:"max_turns,omitempty" toml:"max_turns"`
	AllowedTools           []string `json:"allowed_tools,omitempty" toml:"allowed_tools"`
	IncludePartialMessages bool     `json:"include_partial_messages,omitempty" toml:"-"`
	CLIPath                string   `json:"-" toml:"cli_path"`
}

// OptionNames lists the request option fields the engine accepts, in wire
// form. Served by the capabilities endpoint.
func OptionNames() []string {
	return []string{"model", "permission_mode", "cwd", "max_turns", "allowed_tools", "system_prompt"}
}

var permissionModes = map[string]bool{
	"":                  true,
	"default":           true,
	"acceptEdits":       true,
	"plan":              true,
	"bypassPermissions": true,
}

// Validate checks the merged options against the engine's accepted schema.
func (o Options) Validate() error {
	if !permissionModes[o.PermissionMode] {
		return fmt.Errorf("unknown permission_mode %q (accepted: default, acceptEdits, plan, bypassPermissions)", o.PermissionMode)
	}
	if o.MaxTurns < 0 {
		return fmt.Errorf("max_turns must not be negative, got %d", o.MaxTurns)
	}
	if o.CWD != "" && !filepath.IsAbs(o.CWD) {
		return fmt.Errorf("cwd must be an absolute path, got %q", o.CWD)
	}
	for _, tool := range o.AllowedTools {
		if strings.TrimSpace(tool) == "" {
			return fmt.Errorf("allowed_tools must not contain empty names")
		}
	}
	return nil
}
