package packaging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"code.cloudfoundry.org/lager/v3"
	"code.cloudfoundry.org/lager/v3/lagerctx"

	"axbuild/internal/archive"
	"axbuild/internal/fsutil"
	"axbuild/internal/trace"
)

// PackagesFolder is where module packages live inside a deployable package.
const PackagesFolder = "AOSService/Packages"

// RuntimePackageName is the base name of the merged runtime deployable
// package.
const RuntimePackageName = "AXDeployableRuntime"

// RuntimePackageFileName is "AXDeployableRuntime_<version>.zip".
func RuntimePackageFileName(version string) string {
	return RuntimePackageName + "_" + version + ".zip"
}

// MergeRuntime combines the module packages into one archive and merges it
// over the base deployable package. With no artifacts nothing is produced
// and a nil artifact is returned.
func (a *Assembler) MergeRuntime(ctx context.Context, artifacts []*Artifact) (*Artifact, error) {
	logger := lagerctx.FromContext(ctx).Session("merge-runtime", lager.Data{"packages": len(artifacts)})

	if len(artifacts) == 0 {
		logger.Info("no-packages-to-merge", lager.Data{"warning": true})
		return nil, nil
	}
	if err := fsutil.RequireFile("base deployable package", a.BasePackagePath); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(a.WorkPath, 0o755); err != nil {
		return nil, err
	}
	workDir, err := os.MkdirTemp(a.WorkPath, "runtime-*")
	if err != nil {
		return nil, fmt.Errorf("create working directory: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			logger.Error("failed-to-remove-working-directory", rmErr, lager.Data{"dir": workDir})
		}
	}()

	stage := filepath.Join(workDir, "stage")
	packagesDir := filepath.Join(stage, filepath.FromSlash(PackagesFolder))
	for _, art := range artifacts {
		if err := fsutil.CopyFile(art.Path, filepath.Join(packagesDir, filepath.Base(art.Path))); err != nil {
			return nil, fmt.Errorf("stage %s: %w", art.ID, err)
		}
	}
	files, err := archive.Collect(stage, archive.Rules{})
	if err != nil {
		return nil, err
	}

	combined := filepath.Join(workDir, "combined.zip")
	if err := a.withRetry(ctx, "zip", func() error {
		return a.Compressor.Compress(ctx, combined, stage, files)
	}); err != nil {
		return nil, fmt.Errorf("compress runtime packages: %w", err)
	}

	dest := filepath.Join(a.OutputPath, RuntimePackageFileName(a.Version))
	if err := a.withRetry(ctx, "merge", func() error {
		return a.Merger.Merge(ctx, dest, a.BasePackagePath, combined)
	}); err != nil {
		return nil, fmt.Errorf("merge runtime package: %w", err)
	}

	a.Metrics.PackageProduced("deployable-runtime")
	trace.SafeRecord(a.report(), trace.Event{
		Kind:      trace.EventPackageProduced,
		Module:    RuntimePackageName,
		Reason:    "runtime",
		Artifacts: []string{filepath.Base(dest)},
	})
	logger.Info("produced", lager.Data{"package": dest})

	return &Artifact{Module: RuntimePackageName, ID: RuntimePackageName, Version: a.Version, Path: dest}, nil
}
