package cli

import (
	"context"
	"errors"
	"path/filepath"

	"code.cloudfoundry.org/lager/v3"
	"code.cloudfoundry.org/lager/v3/lagerctx"

	"axbuild/internal/dag"
	"axbuild/internal/fsutil"
	"axbuild/internal/metadata"
	"axbuild/internal/packaging"
	"axbuild/internal/policy"
	"axbuild/internal/projgen"
	"axbuild/internal/publish"
	"axbuild/internal/runtimepkg"
	"axbuild/internal/trace"
)

// generateProject resolves runtime packages, orders the required modules and
// writes the build project.
func (p *pipeline) generateProject(ctx context.Context) ([]string, error) {
	logger := lagerctx.FromContext(ctx).Session("generate-project")
	cmd := p.inv.GenerateProject

	resolver, err := runtimepkg.NewResolver(p.cfg.MetadataPath, p.cfg.DeploymentMetadataPath)
	if err != nil {
		return nil, err
	}
	resolved, err := resolver.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range resolved.Synthesized {
		trace.SafeRecord(p.report, trace.Event{Kind: trace.EventRuntimePackageSynthesized, Module: name})
	}

	disk, err := metadata.NewDiskProvider(p.cfg.MetadataPath)
	if err != nil {
		return nil, err
	}
	runtime, err := metadata.NewRuntimeProvider(p.cfg.MetadataPath, resolved.RuntimeIncludes)
	if err != nil {
		return nil, err
	}
	modules, err := metadata.Combine(disk, runtime).ListModules()
	if err != nil {
		return nil, err
	}
	graph, err := dag.NewModuleGraph(modules)
	if err != nil {
		return nil, err
	}
	p.setGraphHash(ctx, graph.Hash().String())
	for _, d := range graph.DanglingReferences() {
		logger.Debug("dangling-reference", lager.Data{"reference": d})
	}

	required := cmd.Modules
	if len(required) == 0 {
		required = customModules(modules)
		logger.Info("default-modules", lager.Data{"modules": required})
	}

	gen := projgen.NewGenerator(p.cfg, graph, p.report)
	out, err := gen.Generate(ctx, projgen.Request{
		Required:        required,
		DescriptorPath:  cmd.DependencyDescriptor,
		RuntimeIncludes: resolved.RuntimeIncludes,
	})
	if err != nil {
		return nil, err
	}
	return []string{out.Path}, nil
}

// customModules lists the source modules of a custom layer in name order.
func customModules(modules []metadata.Module) []string {
	var out []metadata.Module
	for _, m := range modules {
		if !m.BinaryOnly && m.Layer.IsCustom() {
			out = append(out, m)
		}
	}
	return metadata.Names(out)
}

// packageRuntime builds the configured package types for every built custom
// module in dependency order and merges them over the base deployable
// package.
func (p *pipeline) packageRuntime(ctx context.Context) ([]string, error) {
	logger := lagerctx.FromContext(ctx).Session("package-runtime")

	types, err := policy.ParseTypes(p.cfg.Packaging.Types)
	if err != nil {
		return nil, err
	}
	if err := fsutil.RequireDir("deployment binaries path", p.cfg.DeploymentBinariesPath); err != nil {
		return nil, err
	}

	disk, err := metadata.NewDiskProvider(p.cfg.MetadataPath)
	if err != nil {
		return nil, err
	}
	modules, err := disk.ListModules()
	if err != nil {
		return nil, err
	}
	graph, err := dag.NewModuleGraph(modules)
	if err != nil {
		return nil, err
	}
	p.setGraphHash(ctx, graph.Hash().String())

	pol, err := p.loadPolicy(disk)
	if err != nil {
		return nil, err
	}

	dirs := map[string]string{}
	var built []string
	for _, m := range modules {
		dir, ok := fsutil.FindEntry(p.cfg.DeploymentBinariesPath, m.Name)
		if !ok {
			logger.Debug("not-built", lager.Data{"module": m.Name})
			continue
		}
		dirs[metadata.Key(m.Name)] = dir
		built = append(built, m.Name)
	}
	ordered, err := graph.BuildNames(built)
	if err != nil {
		return nil, err
	}

	sel := pol.Filter(ctx, ordered)
	logger.Info("selected", lager.Data{"included": sel.Included, "excluded": sel.ExcludedNames(), "sealed": pol.Sealed()})
	for _, ex := range sel.Excluded {
		p.metrics.ModuleExcluded(string(ex.Reason))
		trace.SafeRecord(p.report, trace.Event{Kind: trace.EventModuleExcluded, Module: ex.Module, Reason: string(ex.Reason)})
	}

	asm := packaging.NewAssembler(p.cfg, pol, p.runner(), p.metrics, p.report)
	asm.Modules = metadata.Index(modules)

	var artifacts []*packaging.Artifact
	var outputs []string
	for _, name := range sel.Included {
		for _, t := range types {
			art, err := asm.BuildModulePackage(ctx, packaging.ModuleRequest{
				Module:    asm.Modules[metadata.Key(name)],
				Type:      t,
				SourceDir: dirs[metadata.Key(name)],
			})
			if errors.Is(err, packaging.ErrNothingToPackage) {
				logger.Info("skipped-empty-package", lager.Data{"warning": true, "module": name, "type": string(t)})
				p.metrics.ModuleExcluded("empty")
				trace.SafeRecord(p.report, trace.Event{Kind: trace.EventModuleExcluded, Module: name, Reason: "empty-" + string(t)})
				continue
			}
			if err != nil {
				return nil, &moduleError{Module: name, Err: err}
			}
			artifacts = append(artifacts, art)
			outputs = append(outputs, art.Path)
		}
	}

	final, err := asm.MergeRuntime(ctx, artifacts)
	if err != nil {
		return nil, err
	}
	if final == nil {
		return outputs, nil
	}
	outputs = append(outputs, final.Path)

	if err := p.publish(ctx, final.Path); err != nil {
		return nil, err
	}
	return outputs, nil
}

// loadPolicy loads the product package sets and resolves the application
// version from configuration or from the ApplicationSuite descriptor.
func (p *pipeline) loadPolicy(provider metadata.Provider) (*policy.Policy, error) {
	info := policy.DefaultProductInfo()
	if p.cfg.ProductInfoPath != "" {
		loaded, err := policy.LoadProductInfo(p.cfg.ProductInfoPath)
		if err != nil {
			return nil, err
		}
		info = loaded
	}

	appVersion := p.cfg.ApplicationVersion
	if appVersion == "" {
		v, ok, err := metadata.ApplicationVersion(provider)
		if err != nil {
			return nil, err
		}
		if ok {
			appVersion = v.String()
		}
	}
	return policy.NewPolicy(p.cfg.Packaging.ExcludedModules, info, appVersion)
}

// packageSource exports the selected models into the source package.
func (p *pipeline) packageSource(ctx context.Context) ([]string, error) {
	if err := fsutil.RequireDir("metadata path", p.cfg.MetadataPath); err != nil {
		return nil, err
	}

	asm := packaging.NewAssembler(p.cfg, nil, p.runner(), p.metrics, p.report)
	art, err := asm.BuildSourcePackage(ctx, p.inv.PackageSource.Models)
	if err != nil {
		return nil, err
	}
	if err := p.publish(ctx, art.Path); err != nil {
		return nil, err
	}
	return []string{art.Path}, nil
}

func (p *pipeline) publish(ctx context.Context, files ...string) error {
	if !p.cfg.Publish.Enabled() {
		return nil
	}

	var (
		pub *publish.Publisher
		err error
	)
	if p.opts.ObjectStore != nil {
		pub = &publish.Publisher{Store: p.opts.ObjectStore, Bucket: p.cfg.Publish.Bucket, Prefix: p.cfg.Publish.Prefix}
	} else if pub, err = publish.New(p.cfg.Publish); err != nil {
		return &publishError{Err: err}
	}

	keys, err := pub.Publish(ctx, files...)
	if err != nil {
		return &publishError{Err: err}
	}
	lagerctx.FromContext(ctx).Info("published", lager.Data{"keys": keys, "files": relNames(files)})
	return nil
}

func relNames(files []string) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, filepath.Base(f))
	}
	return out
}
