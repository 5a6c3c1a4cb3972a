// Package shellexec implements the agent's shell tool. It is named "shell"
// so the loop's shell-class pre-checks (rails.CheckCommand and the Guardian
// scan) always run before Execute is reached; this package only adds the
// process-tracking and workspace-jailing Loop itself does not do.
//
// Grounded on the teacher's internal/tools/exec package: the synchronous and
// background run paths mirror its Manager, with the workspace Resolver
// replaced by the shared rails.Jail and background sessions tracked in
// shell.ProcessRegistry instead of a private process map.
package shellexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pocketpaw/pocketpaw/internal/agent"
	"github.com/pocketpaw/pocketpaw/internal/rails"
	"github.com/pocketpaw/pocketpaw/internal/shell"
)

func toolError(message string) *agent.ToolResult {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return &agent.ToolResult{Content: message, IsError: true}
	}
	return &agent.ToolResult{Content: string(payload), IsError: true}
}

// Tool runs shell commands within the jailed workspace, synchronously or in
// the background. Dangerous-pattern and Guardian checks happen one layer up
// in the agent loop; this tool only resolves cwd safely and caps output.
type Tool struct {
	jail      *rails.Jail
	registry  *shell.ProcessRegistry
	maxOutput int

	mu      sync.Mutex
	running map[string]*runningCmd
}

type runningCmd struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *limitedBuffer
	stderr *limitedBuffer
}

// NewTool creates a shell tool scoped to jail, tracking background
// processes in registry.
func NewTool(jail *rails.Jail, registry *shell.ProcessRegistry, maxOutputBytes int) *Tool {
	if maxOutputBytes <= 0 {
		maxOutputBytes = 64_000
	}
	return &Tool{
		jail:      jail,
		registry:  registry,
		maxOutput: maxOutputBytes,
		running:   make(map[string]*runningCmd),
	}
}

func (t *Tool) Name() string { return "shell" }

func (t *Tool) Description() string {
	return "Run a shell command in the workspace, optionally in the background."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "Shell command to execute."},
			"cwd": {"type": "string", "description": "Working directory, relative to the workspace."},
			"timeout_seconds": {"type": "integer", "minimum": 0, "description": "Timeout in seconds (0 = no timeout)."},
			"background": {"type": "boolean", "description": "Run in the background and return a process id."}
		},
		"required": ["command"]
	}`)
}

func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Command        string `json:"command"`
		Cwd            string `json:"cwd"`
		TimeoutSeconds int    `json:"timeout_seconds"`
		Background     bool   `json:"background"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	command := strings.TrimSpace(input.Command)
	if command == "" {
		return toolError("command is required"), nil
	}

	dir := t.jail.Root()
	if input.Cwd != "" {
		resolved, err := t.jail.Resolve(input.Cwd)
		if err != nil {
			return toolError(err.Error()), nil
		}
		dir = resolved
	}

	timeout := time.Duration(input.TimeoutSeconds) * time.Second

	if input.Background {
		id, pid, err := t.startBackground(ctx, command, dir, timeout)
		if err != nil {
			return toolError(err.Error()), nil
		}
		payload, _ := json.MarshalIndent(map[string]any{
			"status":     "running",
			"process_id": id,
			"pid":        pid,
		}, "", "  ")
		return &agent.ToolResult{Content: string(payload)}, nil
	}

	result, err := t.runSync(ctx, command, dir, timeout)
	if err != nil {
		return toolError(err.Error()), nil
	}
	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return &agent.ToolResult{Content: string(payload)}, nil
}

func (t *Tool) runSync(ctx context.Context, command, dir string, timeout time.Duration) (map[string]any, error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	cmd.Dir = dir
	stdout := newLimitedBuffer(t.maxOutput)
	stderr := newLimitedBuffer(t.maxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()

	return map[string]any{
		"command":     command,
		"cwd":         dir,
		"stdout":      stdout.String(),
		"stderr":      stderr.String(),
		"duration_ms": time.Since(start).Milliseconds(),
		"exit_code":   exitCode(runErr),
		"finished":    true,
	}, nil
}

func (t *Tool) startBackground(ctx context.Context, command, dir string, timeout time.Duration) (id string, pid int, err error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	bail := func() {
		if cancel != nil {
			cancel()
		}
	}

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	cmd.Dir = dir
	stdout := newLimitedBuffer(t.maxOutput)
	stderr := newLimitedBuffer(t.maxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		bail()
		return "", 0, fmt.Errorf("stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		bail()
		_ = stdin.Close()
		return "", 0, fmt.Errorf("start command: %w", err)
	}

	id = uuid.NewString()
	rc := &runningCmd{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}
	t.mu.Lock()
	t.running[id] = rc
	t.mu.Unlock()

	if t.registry != nil {
		t.registry.AddSession(&shell.ProcessSession{
			ID:        id,
			Command:   command,
			PID:       cmd.Process.Pid,
			StartedAt: time.Now(),
			CWD:       dir,
		})
	}

	go func() {
		waitErr := cmd.Wait()
		_ = stdin.Close()
		if cancel != nil {
			cancel()
		}
		if t.registry != nil {
			code := exitCode(waitErr)
			status := shell.ProcessStatusCompleted
			if waitErr != nil {
				status = shell.ProcessStatusFailed
			}
			if session, ok := t.registry.GetSession(id); ok {
				t.registry.AppendOutput(session, "stdout", stdout.String())
				t.registry.AppendOutput(session, "stderr", stderr.String())
				t.registry.MarkExited(session, &code, "", status)
			}
		}
		t.mu.Lock()
		delete(t.running, id)
		t.mu.Unlock()
	}()

	return id, cmd.Process.Pid, nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

type limitedBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.max - len(b.buf)
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf = append(b.buf, p[:remaining]...)
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
