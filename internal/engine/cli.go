package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	. "github.com/roelfdiedericks/clawproxy/internal/logging"
)

// DefaultCLI is the engine binary probed on PATH when no override is given.
const DefaultCLI = "claude"

// Env vars that leak the host's own engine session into the child process.
var strippedEnv = []string{"CLAUDECODE", "CLAUDE_CODE_ENTRYPOINT"}

// CLIEngine invokes the agent engine through its command-line interface,
// reading the newline-delimited JSON event stream it prints.
type CLIEngine struct {
	// Path overrides the engine binary; empty means DefaultCLI from PATH.
	Path string
}

func (e *CLIEngine) binary() string {
	if e.Path != "" {
		return e.Path
	}
	return DefaultCLI
}

// Check verifies the engine binary is reachable.
func (e *CLIEngine) Check(ctx context.Context) error {
	if e.Path != "" {
		if _, err := os.Stat(e.Path); err != nil {
			return fmt.Errorf("engine binary not found at %s: %w (install it with: npm install -g @anthropic-ai/claude-code)", e.Path, err)
		}
		return nil
	}
	if _, err := exec.LookPath(DefaultCLI); err != nil {
		return fmt.Errorf("%q is not on PATH: %w (install it with: npm install -g @anthropic-ai/claude-code)", DefaultCLI, err)
	}
	return nil
}

// Version probes the engine binary's version string.
func (e *CLIEngine) Version(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, e.binary(), "--version").Output()
	if err != nil {
		return "", fmt.Errorf("engine version probe failed: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

func buildArgs(prompt, systemPrompt string, opts Options) []string {
	args := []string{"-p", prompt, "--output-format", "stream-json", "--verbose"}
	if opts.IncludePartialMessages {
		args = append(args, "--include-partial-messages")
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(opts.AllowedTools, ","))
	}
	if systemPrompt != "" {
		args = append(args, "--append-system-prompt", systemPrompt)
	}
	return args
}

func cleanEnv() []string {
	env := os.Environ()
	out := env[:0]
	for _, kv := range env {
		stripped := false
		for _, key := range strippedEnv {
			if strings.HasPrefix(kv, key+"=") {
				stripped = true
				break
			}
		}
		if !stripped {
			out = append(out, kv)
		}
	}
	return out
}

// Query spawns the engine process and streams its parsed events. The child
// is killed when ctx is cancelled; a client disconnect therefore stops the
// engine invocation.
func (e *CLIEngine) Query(ctx context.Context, prompt, systemPrompt string, opts Options) (<-chan Event, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, e.binary(), buildArgs(prompt, systemPrompt, opts)...)
	cmd.Env = cleanEnv()
	if opts.CWD != "" {
		cmd.Dir = opts.CWD
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("engine stdout pipe: %w", err)
	}
	stderr := &tailBuffer{limit: 8 * 1024}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start engine process: %w", err)
	}
	L_debug("engine: process started", "pid", cmd.Process.Pid, "model", opts.Model, "cwd", opts.CWD)

	events := make(chan Event)
	go func() {
		defer close(events)

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			msg, err := ParseLine([]byte(line))
			if err != nil {
				L_warn("engine: unparseable output line", "error", err)
				continue
			}
			select {
			case events <- Event{Msg: msg}:
			case <-ctx.Done():
				_ = cmd.Wait()
				return
			}
		}

		if err := cmd.Wait(); err != nil {
			if ctx.Err() != nil {
				// Cancelled by the caller; not an engine failure
				L_debug("engine: process cancelled", "pid", cmd.Process.Pid)
				return
			}
			exitCode := -1
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				exitCode = exitErr.ExitCode()
			}
			events <- Event{Err: &ProcessError{
				ExitCode: exitCode,
				Stderr:   stderr.String(),
				Err:      err,
			}}
			return
		}
		L_debug("engine: process finished", "pid", cmd.Process.Pid)
	}()

	return events, nil
}

// ProcessError reports an engine process that exited abnormally.
type ProcessError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessError) Error() string {
	msg := fmt.Sprintf("engine process failed (exit_code=%d)", e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func (e *ProcessError) Unwrap() error { return e.Err }

// tailBuffer keeps the last limit bytes written to it, so a chatty engine
// cannot grow stderr without bound.
type tailBuffer struct {
	buf   []byte
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
