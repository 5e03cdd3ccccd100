package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"axbuild/internal/config"
	"axbuild/internal/dag"
	"axbuild/internal/fsutil"
	"axbuild/internal/packaging"
	"axbuild/internal/policy"
	"axbuild/internal/projgen"
	"axbuild/internal/runstate"
	"axbuild/internal/toolrun"
)

const (
	// GenerateErrorFileName is written next to the generated project when
	// generate-project fails.
	GenerateErrorFileName = "GenerateProjErrors.log"
	// PackageErrorFileName is written to the output path when a packaging
	// command fails.
	PackageErrorFileName = "PackageErrors.log"
)

// moduleError attributes a failure to the module being processed.
type moduleError struct {
	Module string
	Err    error
}

func (e *moduleError) Error() string { return fmt.Sprintf("module %s: %v", e.Module, e.Err) }
func (e *moduleError) Unwrap() error { return e.Err }

// publishError is an upload failure after every package was produced.
type publishError struct {
	Err error
}

func (e *publishError) Error() string { return "publish: " + e.Err.Error() }
func (e *publishError) Unwrap() error { return e.Err }

// classify maps err onto the failure taxonomy. The result wraps err, so
// errors.Is and errors.As still see the original cause.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if classified(err) {
		return err
	}

	var module string
	var me *moduleError
	if errors.As(err, &me) {
		module = me.Module
	}

	var (
		invalid  *config.ValidationError
		missing  *fsutil.MissingPathError
		cycle    *dag.CyclicDependencyError
		desc     *projgen.DescriptorError
		mismatch *packaging.ExportMismatchError
		retry    *toolrun.RetryError
		tool     *toolrun.ToolError
		start    *toolrun.StartError
		publish  *publishError
	)
	msg := err.Error()

	var invErr *InvocationError

	switch {
	case errors.As(err, &invErr):
		return &runstate.ConfigurationError{Code: "InvalidInvocation", Message: msg, Cause: err}
	case errors.As(err, &invalid):
		return &runstate.ConfigurationError{Code: "InvalidConfiguration", Message: msg, Cause: err}
	case errors.As(err, &missing):
		return &runstate.ConfigurationError{Code: "MissingPath", Message: msg, Cause: err}
	case errors.Is(err, dag.ErrUnknownModule):
		return &runstate.ConfigurationError{Code: "UnknownModule", Message: msg, Cause: err}
	case errors.Is(err, policy.ErrProtectedModule):
		return &runstate.ConfigurationError{Code: "ProtectedModule", Message: msg, Cause: err}

	case errors.As(err, &cycle):
		if module == "" && len(cycle.Cycle) > 0 {
			module = cycle.Cycle[0]
		}
		return &runstate.StructuralError{Module: module, Code: "DependencyCycle", Message: msg, Cause: err}
	case errors.Is(err, dag.ErrInvalidGraph):
		return &runstate.StructuralError{Module: module, Code: "InvalidGraph", Message: msg, Cause: err}
	case errors.As(err, &desc):
		return &runstate.StructuralError{Module: module, Code: "MalformedDescriptor", Message: msg, Cause: err}
	case errors.As(err, &mismatch):
		return &runstate.StructuralError{Module: mismatch.Model, Code: "ExportMismatch", Message: msg, Cause: err}
	case errors.Is(err, packaging.ErrUnknownDependencyVersion):
		return &runstate.StructuralError{Module: module, Code: "UnknownDependencyVersion", Message: msg, Cause: err}

	case errors.As(err, &retry):
		return &runstate.ToolFailureError{Module: module, Code: "RetriesExhausted", Message: msg, Cause: err}
	case errors.As(err, &tool), errors.As(err, &start):
		return &runstate.ToolFailureError{Module: module, Code: "ToolFailed", Message: msg, Cause: err}

	case errors.As(err, &publish):
		return &runstate.SystemFailureError{Code: "PublishFailed", Message: msg, Cause: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &runstate.SystemFailureError{Code: "Canceled", Message: msg, Cause: err}
	default:
		return &runstate.SystemFailureError{Code: "Unexpected", Message: msg, Cause: err}
	}
}

func classified(err error) bool {
	var (
		ce *runstate.ConfigurationError
		tf *runstate.ToolFailureError
		se *runstate.StructuralError
		sf *runstate.SystemFailureError
	)
	return errors.As(err, &ce) || errors.As(err, &tf) || errors.As(err, &se) || errors.As(err, &sf)
}

// errorChain lists the messages of err and every error it wraps.
func errorChain(err error) []string {
	var out []string
	for err != nil {
		out = append(out, err.Error())
		if multi, ok := err.(interface{ Unwrap() []error }); ok {
			for _, e := range multi.Unwrap() {
				out = append(out, errorChain(e)...)
			}
			break
		}
		err = errors.Unwrap(err)
	}
	return out
}

// summary is the single-line form of err shown to the user.
func summary(err error) string {
	return strings.Join(strings.Fields(err.Error()), " ")
}

// errorFilePath picks the error marker location: the explicit flag, or a
// default derived from the command's paths. It returns "" when neither is
// known.
func errorFilePath(inv Invocation, cfg *config.Config) string {
	if inv.Global.ErrorFile != "" {
		return inv.Global.ErrorFile
	}
	if cfg == nil {
		return ""
	}
	switch inv.Command {
	case CommandGenerateProject:
		if cfg.MetadataPath == "" {
			return ""
		}
		return filepath.Join(filepath.Dir(projgen.OutputPath(cfg.MetadataPath)), GenerateErrorFileName)
	default:
		if cfg.OutputPath == "" {
			return ""
		}
		return filepath.Join(cfg.OutputPath, PackageErrorFileName)
	}
}

func writeErrorFile(path string, err error) error {
	if path == "" {
		return nil
	}
	return fsutil.WriteFileAtomic(path, []byte(summary(err)+"\n"), 0o644)
}

func removeErrorFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
