package cli

import (
	"context"
	"io"

	"axbuild/internal/publish"
	"axbuild/internal/toolrun"
)

// Options replace process-level dependencies of a run.
type Options struct {
	// Stderr receives the log stream; os.Stderr when nil.
	Stderr io.Writer
	// Environment replaces the process environment for configuration when
	// non-nil.
	Environment map[string]string
	// Runner starts external tools; a toolrun.Executor when nil.
	Runner toolrun.Runner
	// ObjectStore replaces the S3 client when publishing is configured.
	ObjectStore publish.ObjectStore
}

type Result struct {
	ExitCode int
	// RunID identifies the run record under the work path, if one was written.
	RunID string
	// Outputs lists the files the command produced.
	Outputs []string
	// Summary is the single-line failure message shown to the user.
	Summary string
}

// Run is a high-level CLI entrypoint suitable for black-box tests.
// It accepts the argument slice (excluding argv[0]) and returns the exit
// code plus, with --propagate-errors, the failure.
func Run(ctx context.Context, args []string) (Result, error) {
	return RunWithOptions(ctx, args, Options{})
}

func RunWithOptions(ctx context.Context, args []string, opts Options) (Result, error) {
	inv, err := ParseInvocation(args)
	if err != nil {
		return Result{ExitCode: ExitCode(err), Summary: err.Error()}, err
	}
	return Execute(ctx, inv, opts)
}
