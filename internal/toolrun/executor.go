// Package toolrun invokes the external packaging tools and retries them when
// they fail transiently.
package toolrun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
)

// Invocation describes one run of an external tool.
type Invocation struct {
	// Tool is the logical name used in logs, metrics and errors.
	Tool string
	Path string
	Args []string
	Dir  string
	// Env is added to the inherited process environment.
	Env map[string]string
	// Output is the file the tool is expected to produce, if any.
	Output string
}

func (inv Invocation) String() string {
	return strings.TrimSpace(inv.Path + " " + strings.Join(inv.Args, " "))
}

// Result contains the captured output of a finished tool.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner runs an invocation to completion. A non-zero exit code is reported
// as a *ToolError together with the captured result.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (*Result, error)
}

// Executor runs tools as child processes. The wait is blocking; it only
// returns early when ctx is cancelled.
type Executor struct{}

func NewExecutor() *Executor { return &Executor{} }

func (e *Executor) Run(ctx context.Context, inv Invocation) (*Result, error) {
	if inv.Path == "" {
		return nil, &StartError{Tool: inv.Tool, Err: errors.New("tool path is empty")}
	}

	cmd := exec.CommandContext(ctx, inv.Path, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Env = buildEnv(os.Environ(), inv.Env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, &StartError{Tool: inv.Tool, Err: err}
	}

	err := cmd.Wait()
	res := &Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return res, fmt.Errorf("wait for %s: %w", inv.Tool, err)
		}
		res.ExitCode = exitErr.ExitCode()
		return res, &ToolError{Tool: inv.Tool, ExitCode: res.ExitCode, Stderr: string(res.Stderr)}
	}
	return res, nil
}

// buildEnv overlays extra onto base; keys are emitted in sorted order.
func buildEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, overridden := extra[k]; overridden {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}
