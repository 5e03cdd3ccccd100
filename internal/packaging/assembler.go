// Package packaging turns built modules into NuGet packages and merges them
// into deployable runtime and source packages.
package packaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"code.cloudfoundry.org/lager/v3"
	"code.cloudfoundry.org/lager/v3/lagerctx"

	"axbuild/internal/archive"
	"axbuild/internal/config"
	"axbuild/internal/fsutil"
	"axbuild/internal/metadata"
	"axbuild/internal/metrics"
	"axbuild/internal/nuspec"
	"axbuild/internal/policy"
	"axbuild/internal/toolrun"
	"axbuild/internal/trace"
)

const (
	InstallScript   = "install.ps1"
	UninstallScript = "uninstall.ps1"
	InstallConfig   = "InstallConfig.json"
	toolsFolder     = "tools"
)

// ErrUnknownDependencyVersion is returned when strict dependency versions
// are enabled and a referenced module has no known version.
var ErrUnknownDependencyVersion = errors.New("dependency version is unknown")

// ErrNothingToPackage means the module folder has no files left after the
// package type's rules. Callers skip the package.
var ErrNothingToPackage = errors.New("nothing to package")

// Assembler builds packages. It is configured once per invocation and is
// not safe for concurrent use on the same work path.
type Assembler struct {
	Namespace string
	Version   string
	Authors   string
	Owners    string
	Copyright string
	Tags      string

	StrictDependencyVersions bool

	ScriptsPath     string
	BasePackagePath string
	OutputPath      string
	WorkPath        string

	Retries    int
	RetryDelay time.Duration

	// Modules indexes every known module by metadata.Key for dependency
	// version lookups.
	Modules map[string]metadata.Module

	Policy     *policy.Policy
	Compressor archive.Compressor
	Merger     archive.Merger
	Packer     Packer
	Exporter   Exporter

	Metrics *metrics.Metrics
	Report  trace.Sink
}

// NewAssembler wires an assembler from configuration. Configured tool paths
// select the external tools; otherwise archives and packages are written in
// process.
func NewAssembler(cfg *config.Config, pol *policy.Policy, runner toolrun.Runner, m *metrics.Metrics, report trace.Sink) *Assembler {
	a := &Assembler{
		Namespace:                cfg.Packaging.Namespace,
		Version:                  cfg.Packaging.Version,
		Authors:                  cfg.Packaging.Authors,
		Owners:                   cfg.Packaging.Owners,
		Copyright:                cfg.Packaging.Copyright,
		Tags:                     cfg.Packaging.Tags,
		StrictDependencyVersions: cfg.Packaging.StrictDependencyVersions,
		ScriptsPath:              cfg.Packaging.ScriptsPath,
		BasePackagePath:          cfg.Packaging.BasePackagePath,
		OutputPath:               cfg.OutputPath,
		WorkPath:                 cfg.WorkPath,
		Retries:                  cfg.Tools.Retries,
		RetryDelay:               cfg.Tools.RetryDelay,
		Policy:                   pol,
		Compressor:               archive.NativeCompressor{},
		Merger:                   archive.NativeMerger{},
		Packer:                   NativePacker{},
		Metrics:                  m,
		Report:                   report,
	}
	if cfg.Tools.ZipPath != "" {
		a.Compressor = archive.ToolCompressor{Runner: runner, Path: cfg.Tools.ZipPath}
	}
	if cfg.Tools.MergePath != "" {
		a.Merger = archive.ToolMerger{Runner: runner, Path: cfg.Tools.MergePath}
	}
	if cfg.Tools.NuGetPath != "" {
		a.Packer = NuGetPacker{Runner: runner, Path: cfg.Tools.NuGetPath}
	}
	if cfg.Tools.ModelUtilPath != "" {
		a.Exporter = ModelUtilExporter{
			Runner:       runner,
			Path:         cfg.Tools.ModelUtilPath,
			MetadataPath: cfg.MetadataPath,
			Retry: toolrun.RetryPolicy{
				Tool:    "modelutil",
				Retries: cfg.Tools.Retries,
				Delay:   cfg.Tools.RetryDelay,
				OnRetry: func(int, error) { m.ToolRetry("modelutil") },
			},
		}
	}
	return a
}

// ModuleRequest asks for one package of one module. SourceDir is the
// module's folder in the deployment binaries tree.
type ModuleRequest struct {
	Module    metadata.Module
	Type      policy.PackageType
	SourceDir string
}

// Artifact is a produced package file.
type Artifact struct {
	Module  string
	Type    policy.PackageType
	ID      string
	Version string
	Path    string
}

type installConfig struct {
	PackageName string
	ZipName     string
}

// RulesFor returns the file selection used for a package type.
func RulesFor(t policy.PackageType) archive.Rules {
	switch t {
	case policy.TypeCompile:
		return archive.CompileRules()
	case policy.TypeDevelop:
		return archive.DevelopRules()
	default:
		return archive.RuntimeRules()
	}
}

// FormAdaptorDir is the folder holding a module's form adaptor output, when
// it is built as its own package next to the module.
func FormAdaptorDir(sourceDir, module string) string {
	return filepath.Join(filepath.Dir(sourceDir), module+"FormAdaptor")
}

// BuildModulePackage produces <output>/<id>.<version>.nupkg for req. The
// working directory it stages in is removed whatever the outcome.
func (a *Assembler) BuildModulePackage(ctx context.Context, req ModuleRequest) (*Artifact, error) {
	name := req.Module.Name
	id := policy.PackageID(a.Namespace, name, req.Type)
	logger := lagerctx.FromContext(ctx).Session("build-package", lager.Data{"module": name, "id": id})

	if reason, protected := a.Policy.Protected(name); protected {
		err := fmt.Errorf("%w: %s (%s)", policy.ErrProtectedModule, name, reason)
		logger.Error("refused", err)
		return nil, err
	}
	if a.Version == "" {
		return nil, errors.New("package version is required")
	}

	deps, err := a.dependencies(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(a.WorkPath, 0o755); err != nil {
		return nil, err
	}
	workDir, err := os.MkdirTemp(a.WorkPath, id+"-*")
	if err != nil {
		return nil, fmt.Errorf("create working directory: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			logger.Error("failed-to-remove-working-directory", rmErr, lager.Data{"dir": workDir})
		}
	}()

	desc := policy.Describe(name, req.Type)
	spec := nuspec.New(nuspec.Metadata{
		ID:           id,
		Version:      a.Version,
		Authors:      a.Authors,
		Owners:       a.Owners,
		Description:  desc.Description,
		Summary:      desc.Summary,
		Title:        desc.Title,
		Tags:         a.Tags,
		Copyright:    a.Copyright,
		Dependencies: deps,
	})
	specPath, err := spec.WriteFile(workDir)
	if err != nil {
		return nil, err
	}

	toolsDir := filepath.Join(workDir, toolsFolder)
	zipName := id + "." + a.Version + ".zip"
	if err := a.stageTools(toolsDir, id, zipName); err != nil {
		return nil, err
	}

	src := req.SourceDir
	if req.Type == policy.TypeFormAdaptor {
		if dir := FormAdaptorDir(req.SourceDir, name); fsutil.Exists(dir) {
			src = dir
		}
	}
	if err := fsutil.RequireDir("module folder", src); err != nil {
		return nil, err
	}
	files, err := archive.Collect(src, RulesFor(req.Type))
	if err != nil {
		return nil, fmt.Errorf("collect files of %s: %w", name, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: module %s has no files for a %s package", ErrNothingToPackage, name, req.Type)
	}
	logger.Debug("collected", lager.Data{"files": len(files), "source": src})

	zipPath := filepath.Join(toolsDir, zipName)
	if err := a.withRetry(ctx, "zip", func() error {
		return a.Compressor.Compress(ctx, zipPath, src, files)
	}); err != nil {
		return nil, fmt.Errorf("compress %s: %w", name, err)
	}

	var pkgPath string
	if err := a.withRetry(ctx, "pack", func() error {
		p, err := a.Packer.Pack(ctx, spec, specPath, workDir, a.OutputPath)
		pkgPath = p
		return err
	}); err != nil {
		return nil, fmt.Errorf("pack %s: %w", name, err)
	}

	a.Metrics.PackageProduced(string(req.Type))
	trace.SafeRecord(a.report(), trace.Event{
		Kind:      trace.EventPackageProduced,
		Module:    name,
		Reason:    string(req.Type),
		Artifacts: []string{filepath.Base(pkgPath)},
	})
	logger.Info("produced", lager.Data{"package": pkgPath})

	return &Artifact{Module: name, Type: req.Type, ID: id, Version: a.Version, Path: pkgPath}, nil
}

// dependencies lists the module's references that may ship in a custom
// package. Versions are left open unless strict versions are enabled.
func (a *Assembler) dependencies(ctx context.Context, req ModuleRequest) ([]nuspec.Dependency, error) {
	logger := lagerctx.FromContext(ctx).Session("dependencies", lager.Data{"module": req.Module.Name})

	var deps []nuspec.Dependency
	for _, ref := range req.Module.References {
		if !a.Policy.Allowed(ref) {
			logger.Debug("skipped", lager.Data{"reference": ref})
			continue
		}
		dep := nuspec.Dependency{ID: policy.PackageID(a.Namespace, ref, req.Type)}
		if a.StrictDependencyVersions {
			v, err := a.moduleVersion(ref)
			if err != nil {
				return nil, fmt.Errorf("%w: %s referenced by %s", err, ref, req.Module.Name)
			}
			dep.Version = nuspec.ExactVersion(v)
		}
		deps = append(deps, dep)
	}
	return deps, nil
}

// moduleVersion is the version of the module's primary model. Every other
// versioned model of the module must carry the same release, or the pin
// would be ambiguous.
func (a *Assembler) moduleVersion(name string) (string, error) {
	m, ok := a.Modules[metadata.Key(name)]
	if !ok {
		return "", ErrUnknownDependencyVersion
	}
	primary, ok := m.PrimaryModel()
	if !ok || primary.Version.IsZero() {
		return "", ErrUnknownDependencyVersion
	}
	v := primary.Version.String()
	for _, model := range m.Models {
		if model.Version.IsZero() {
			continue
		}
		same, err := policy.VersionEqual(v, model.Version.String())
		if err != nil {
			return "", err
		}
		if !same {
			return "", fmt.Errorf("%w: model %s is %s, %s is %s", ErrUnknownDependencyVersion, model.Name, model.Version, primary.Name, v)
		}
	}
	return v, nil
}

func (a *Assembler) stageTools(toolsDir, id, zipName string) error {
	if err := os.MkdirAll(toolsDir, 0o755); err != nil {
		return err
	}
	if a.ScriptsPath != "" {
		for _, script := range []string{InstallScript, UninstallScript} {
			src := filepath.Join(a.ScriptsPath, script)
			if err := fsutil.RequireFile("package script", src); err != nil {
				return err
			}
			if err := fsutil.CopyFile(src, filepath.Join(toolsDir, script)); err != nil {
				return fmt.Errorf("copy %s: %w", script, err)
			}
		}
	}
	b, err := json.MarshalIndent(installConfig{PackageName: id, ZipName: zipName}, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(filepath.Join(toolsDir, InstallConfig), b, 0o644)
}

// withRetry runs op under the configured retry policy and counts every
// attempt.
func (a *Assembler) withRetry(ctx context.Context, tool string, op func() error) error {
	_, err := toolrun.Retry(ctx, toolrun.RetryPolicy{
		Tool:    tool,
		Retries: a.Retries,
		Delay:   a.RetryDelay,
		OnRetry: func(attempt int, err error) {
			a.Metrics.ToolRetry(tool)
			lagerctx.FromContext(ctx).Info("retrying", lager.Data{"tool": tool, "attempt": attempt, "error": err.Error()})
		},
	}, func(int) (struct{}, error) {
		err := op()
		a.Metrics.ToolInvocation(tool, err)
		return struct{}{}, err
	})
	return err
}

func (a *Assembler) report() trace.Sink {
	if a.Report == nil {
		return trace.NopSink{}
	}
	return a.Report
}
