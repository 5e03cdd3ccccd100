package packaging

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"code.cloudfoundry.org/lager/v3"
	"code.cloudfoundry.org/lager/v3/lagerctx"

	"axbuild/internal/archive"
	"axbuild/internal/policy"
	"axbuild/internal/toolrun"
	"axbuild/internal/trace"
)

// SourcePackageName is the base name of the source deployable package.
const SourcePackageName = "AXSource"

// SourcePackageFileName is "AXSource_<version>.zip".
func SourcePackageFileName(version string) string {
	return SourcePackageName + "_" + version + ".zip"
}

// Exporter writes the model file of one model into outDir.
type Exporter interface {
	Export(ctx context.Context, model, outDir string) error
}

// ModelUtilExporter runs the model utility:
// "-export -metadatastorepath=<path> -modelname=<model> -outputpath=<dir>".
// Failed exports are repeated under Retry.
type ModelUtilExporter struct {
	Runner       toolrun.Runner
	Path         string
	MetadataPath string
	Retry        toolrun.RetryPolicy
}

func (e ModelUtilExporter) Export(ctx context.Context, model, outDir string) error {
	_, err := toolrun.RunWithRetry(ctx, e.Runner, toolrun.Invocation{
		Tool: "modelutil",
		Path: e.Path,
		Args: []string{
			"-export",
			"-metadatastorepath=" + e.MetadataPath,
			"-modelname=" + model,
			"-outputpath=" + outDir,
		},
	}, e.Retry)
	return err
}

// ExportMismatchError means the export produced no file named after the
// model.
type ExportMismatchError struct {
	Model   string
	Pattern string
	Dir     string
}

func (e *ExportMismatchError) Error() string {
	return fmt.Sprintf("export of model %s produced no file matching %s in %s", e.Model, e.Pattern, e.Dir)
}

// ExportPattern is the file name pattern the model utility writes for model.
func ExportPattern(model string) string {
	return model + "-*.axmodel"
}

// BuildSourcePackage exports every model and compresses the model files into
// <output>/AXSource_<version>.zip.
func (a *Assembler) BuildSourcePackage(ctx context.Context, models []string) (*Artifact, error) {
	logger := lagerctx.FromContext(ctx).Session("build-source-package", lager.Data{"models": models})

	if a.Exporter == nil {
		return nil, errors.New("model export tool is not configured")
	}
	if a.Version == "" {
		return nil, errors.New("package version is required")
	}
	if len(models) == 0 {
		return nil, errors.New("no models to export")
	}

	if err := os.MkdirAll(a.WorkPath, 0o755); err != nil {
		return nil, err
	}
	workDir, err := os.MkdirTemp(a.WorkPath, "source-*")
	if err != nil {
		return nil, fmt.Errorf("create working directory: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			logger.Error("failed-to-remove-working-directory", rmErr, lager.Data{"dir": workDir})
		}
	}()

	exported := make([]string, 0, len(models))
	for _, model := range models {
		err := a.Exporter.Export(ctx, model, workDir)
		a.Metrics.ToolInvocation("modelutil", err)
		if err != nil {
			return nil, fmt.Errorf("export model %s: %w", model, err)
		}

		pattern := ExportPattern(model)
		matches, err := archive.MatchFiles(workDir, pattern)
		if err != nil {
			return nil, err
		}
		if len(matches) == 0 {
			return nil, &ExportMismatchError{Model: model, Pattern: pattern, Dir: workDir}
		}
		if len(matches) > 1 {
			logger.Info("multiple-export-matches", lager.Data{"warning": true, "model": model, "matches": matches, "selected": matches[0]})
		}
		exported = append(exported, matches[0])
	}

	files, err := archive.MatchFiles(workDir, "*.axmodel")
	if err != nil {
		return nil, err
	}

	dest := filepath.Join(a.OutputPath, SourcePackageFileName(a.Version))
	if err := a.withRetry(ctx, "zip", func() error {
		return a.Compressor.Compress(ctx, dest, workDir, files)
	}); err != nil {
		return nil, fmt.Errorf("compress source package: %w", err)
	}

	a.Metrics.PackageProduced(string(policy.TypeSource))
	trace.SafeRecord(a.report(), trace.Event{
		Kind:      trace.EventPackageProduced,
		Module:    SourcePackageName,
		Reason:    string(policy.TypeSource),
		Artifacts: append([]string{filepath.Base(dest)}, exported...),
	})
	logger.Info("produced", lager.Data{"package": dest})

	return &Artifact{Module: SourcePackageName, Type: policy.TypeSource, ID: SourcePackageName, Version: a.Version, Path: dest}, nil
}
