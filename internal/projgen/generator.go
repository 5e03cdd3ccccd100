// Package projgen writes the MSBuild project that builds the required
// modules, and optional compiled-language projects, in dependency order.
package projgen

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"code.cloudfoundry.org/lager/v3"
	"code.cloudfoundry.org/lager/v3/lagerctx"

	"axbuild/internal/config"
	"axbuild/internal/dag"
	"axbuild/internal/fsutil"
	"axbuild/internal/metadata"
	"axbuild/internal/trace"
)

// ProjectFileName is written next to the metadata directory.
const ProjectFileName = "Metadata_Project_Build.proj"

// BinFolder holds compiled output inside the staging directory and inside
// every staged module.
const BinFolder = "bin"

type TaskKind string

const (
	TaskModule  TaskKind = "module"
	TaskProject TaskKind = "project"
)

// Task is one build invocation of the generated project.
type Task struct {
	Kind TaskKind
	// Name is the module name, or the project path as written in the descriptor.
	Name   string
	Models []string

	ProjectPath      string
	ReferencePaths   []string
	DestinationPaths []string
}

type Request struct {
	// Required lists the modules that need a build.
	Required []string
	// DescriptorPath selects custom mode when set.
	DescriptorPath string
	// RuntimeIncludes are binary-only packages staged next to the modules.
	RuntimeIncludes []string
}

type Result struct {
	Path  string
	Tasks []Task
}

// Generator stages module sources and writes the build project.
type Generator struct {
	MetadataPath           string
	DeploymentMetadataPath string
	BaseProjectPath        string

	Graph  *dag.ModuleGraph
	Report trace.Sink
}

func NewGenerator(cfg *config.Config, graph *dag.ModuleGraph, report trace.Sink) *Generator {
	if report == nil {
		report = trace.NopSink{}
	}
	return &Generator{
		MetadataPath:           cfg.MetadataPath,
		DeploymentMetadataPath: cfg.DeploymentMetadataPath,
		BaseProjectPath:        cfg.BaseProjectPath,
		Graph:                  graph,
		Report:                 report,
	}
}

// OutputPath is the location of the generated project for a metadata path.
func OutputPath(metadataPath string) string {
	return filepath.Join(filepath.Dir(filepath.Clean(metadataPath)), ProjectFileName)
}

// staged is a source tree to copy into the staging directory.
type staged struct {
	name   string
	src    string
	reason string
}

// Generate validates every input path, stages the sources and writes the
// project. Nothing is copied or written when validation fails.
func (g *Generator) Generate(ctx context.Context, req Request) (*Result, error) {
	logger := lagerctx.FromContext(ctx).Session("generate-project", lager.Data{
		"required":   len(req.Required),
		"descriptor": req.DescriptorPath,
	})

	if err := fsutil.RequireFile("base project", g.BaseProjectPath); err != nil {
		return nil, err
	}
	if err := fsutil.RequireDir("deployment metadata path", g.DeploymentMetadataPath); err != nil {
		return nil, err
	}

	required, err := g.Graph.Resolve(req.Required)
	if err != nil {
		return nil, err
	}
	req.Required = required

	var tasks []Task
	if req.DescriptorPath == "" {
		tasks, err = g.defaultTasks(req)
	} else {
		tasks, err = g.customTasks(req)
	}
	if err != nil {
		return nil, err
	}

	sources, err := g.sources(req, tasks)
	if err != nil {
		return nil, err
	}

	for _, s := range sources {
		dst := filepath.Join(g.DeploymentMetadataPath, s.name)
		if existing, ok := fsutil.FindEntry(g.DeploymentMetadataPath, s.name); ok {
			dst = existing
		}
		logger.Debug("stage", lager.Data{"module": s.name, "from": s.src, "to": dst})
		if err := fsutil.CopyTree(s.src, dst); err != nil {
			return nil, fmt.Errorf("stage %s: %w", s.name, err)
		}
		trace.SafeRecord(g.Report, trace.Event{Kind: trace.EventModuleStaged, Module: s.name, Reason: s.reason})
	}

	for _, t := range tasks {
		for _, d := range t.DestinationPaths {
			if err := os.MkdirAll(d, 0o755); err != nil {
				return nil, fmt.Errorf("create destination %s: %w", d, err)
			}
		}
	}

	b, err := buildDocument(g.BaseProjectPath, tasks).marshal()
	if err != nil {
		return nil, err
	}
	out := OutputPath(g.MetadataPath)
	if err := fsutil.WriteFileAtomic(out, b, 0o644); err != nil {
		return nil, fmt.Errorf("write build project: %w", err)
	}

	for i, t := range tasks {
		trace.SafeRecord(g.Report, trace.Event{Kind: trace.EventBuildTaskEmitted, Module: t.Name, Reason: string(t.Kind), Position: i + 1})
	}
	logger.Info("written", lager.Data{"path": out, "tasks": len(tasks)})

	return &Result{Path: out, Tasks: tasks}, nil
}

func (g *Generator) defaultTasks(req Request) ([]Task, error) {
	order, err := g.Graph.BuildOrder(req.Required)
	if err != nil {
		return nil, err
	}
	tasks := make([]Task, 0, len(order))
	for _, b := range order {
		tasks = append(tasks, Task{Kind: TaskModule, Name: b.Name, Models: b.Models})
	}
	return tasks, nil
}

// customTasks follows the descriptor order. Metadata items and the modules a
// Project item references must be known to the graph, and Project items must
// point at existing project files.
func (g *Generator) customTasks(req Request) ([]Task, error) {
	desc, err := ParseDependencyDescriptor(req.DescriptorPath)
	if err != nil {
		return nil, err
	}
	baseDir := filepath.Dir(desc.Path)
	stagingBin := filepath.Join(g.DeploymentMetadataPath, BinFolder)

	tasks := make([]Task, 0, len(desc.Items))
	for _, item := range desc.Items {
		switch item.Type {
		case ItemMetadata:
			order, err := g.Graph.BuildOrder([]string{item.Name})
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, Task{Kind: TaskModule, Name: order[0].Name, Models: order[0].Models})

		case ItemProject:
			project := item.Name
			if !filepath.IsAbs(project) {
				project = filepath.Join(baseDir, filepath.FromSlash(project))
			}
			if err := fsutil.RequireFile("project file", project); err != nil {
				return nil, err
			}
			t := Task{
				Kind:           TaskProject,
				Name:           item.Name,
				ProjectPath:    project,
				ReferencePaths: []string{stagingBin},
			}
			refs, err := g.moduleBins(item.References)
			if err != nil {
				return nil, fmt.Errorf("project %s references: %w", item.Name, err)
			}
			dests, err := g.moduleBins(item.ReferencedBy)
			if err != nil {
				return nil, fmt.Errorf("project %s referenced by: %w", item.Name, err)
			}
			t.ReferencePaths = append(t.ReferencePaths, refs...)
			t.DestinationPaths = dests
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

// moduleBins maps module names to their staged bin folders.
func (g *Generator) moduleBins(modules []string) ([]string, error) {
	names, err := g.Graph.Resolve(modules)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, name := range names {
		out = append(out, filepath.Join(g.DeploymentMetadataPath, name, BinFolder))
	}
	return out, nil
}

// sources lists the trees to stage: required modules, modules built by the
// tasks, then runtime includes. Required names are already resolved. Each must exist below the metadata path.
func (g *Generator) sources(req Request, tasks []Task) ([]staged, error) {
	seen := map[string]bool{}
	var out []staged
	add := func(name, reason string) error {
		if seen[metadata.Key(name)] {
			return nil
		}
		seen[metadata.Key(name)] = true
		src, ok := fsutil.FindEntry(g.MetadataPath, name)
		if !ok {
			return &fsutil.MissingPathError{What: "module source directory", Path: filepath.Join(g.MetadataPath, name)}
		}
		if err := fsutil.RequireDir("module source directory", src); err != nil {
			return err
		}
		out = append(out, staged{name: name, src: src, reason: reason})
		return nil
	}

	for _, name := range req.Required {
		if err := add(name, "source"); err != nil {
			return nil, err
		}
	}
	for _, t := range tasks {
		if t.Kind != TaskModule {
			continue
		}
		if err := add(t.Name, "source"); err != nil {
			return nil, err
		}
	}
	for _, name := range req.RuntimeIncludes {
		if err := add(name, "runtime"); err != nil {
			return nil, err
		}
	}
	return out, nil
}
