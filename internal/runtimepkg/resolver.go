// Package runtimepkg finds packages that exist only as compiled output and
// stages placeholders for them in the deployment metadata directory.
package runtimepkg

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"code.cloudfoundry.org/lager/v3"
	"code.cloudfoundry.org/lager/v3/lagerctx"

	"axbuild/internal/fsutil"
	"axbuild/internal/metadata"
)

// MarkerFile is written into every package directory the resolver creates.
const MarkerFile = "Customization.txt"

const markerText = "This package folder was created by the build process to stage a runtime package.\r\n"

type Kind int

const (
	Unknown Kind = iota
	Source
	BinaryOnly
)

func (k Kind) String() string {
	switch k {
	case Source:
		return "source"
	case BinaryOnly:
		return "binary-only"
	default:
		return "unknown"
	}
}

// Classification maps each top-level package directory to its Kind.
type Classification map[string]Kind

// Names returns the sorted names classified as kind.
func (c Classification) Names(kind Kind) []string {
	var out []string
	for name, k := range c {
		if k == kind {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Has reports whether name is classified as kind, ignoring case.
func (c Classification) Has(name string, kind Kind) bool {
	for n, k := range c {
		if k == kind && metadata.Key(n) == metadata.Key(name) {
			return true
		}
	}
	return false
}

// Classify inspects each top-level directory of dir. A directory with
// descriptor XML files is Source. One with bin/Dynamics.AX.<Name>.dll and no
// descriptor is BinaryOnly. Anything else is Unknown.
func Classify(dir string) (Classification, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}
	out := make(Classification, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pkgDir := filepath.Join(dir, e.Name())
		switch {
		case metadata.HasDescriptors(pkgDir):
			out[e.Name()] = Source
		case metadata.HasAssembly(pkgDir, e.Name()):
			out[e.Name()] = BinaryOnly
		default:
			out[e.Name()] = Unknown
		}
	}
	return out, nil
}

// Resolver computes the runtime includes of a build.
type Resolver struct {
	// MetadataPath is scanned for binary-only packages.
	MetadataPath string
	// DeploymentMetadataPath receives placeholders for the runtime includes.
	DeploymentMetadataPath string
}

type Result struct {
	// RuntimeIncludes are the binary-only packages not deployed as source, sorted.
	RuntimeIncludes []string
	// Synthesized lists the directories created with a marker file.
	Synthesized []string
	// Existing lists includes whose directory was already present.
	Existing []string
}

func NewResolver(metadataPath, deploymentMetadataPath string) (*Resolver, error) {
	if err := fsutil.RequireDir("metadata path", metadataPath); err != nil {
		return nil, err
	}
	if err := fsutil.RequireDir("deployment metadata path", deploymentMetadataPath); err != nil {
		return nil, err
	}
	return &Resolver{MetadataPath: metadataPath, DeploymentMetadataPath: deploymentMetadataPath}, nil
}

// Resolve classifies both directories and materializes a placeholder for
// every runtime include missing from the deployment metadata directory.
// Existing directories are never overwritten.
func (r *Resolver) Resolve(ctx context.Context) (*Result, error) {
	logger := lagerctx.FromContext(ctx).Session("resolve-runtime-packages", lager.Data{
		"metadata-path":            r.MetadataPath,
		"deployment-metadata-path": r.DeploymentMetadataPath,
	})

	local, err := Classify(r.MetadataPath)
	if err != nil {
		return nil, err
	}
	deployed, err := Classify(r.DeploymentMetadataPath)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	for _, name := range local.Names(BinaryOnly) {
		if deployed.Has(name, Source) {
			logger.Debug("skip-deployed-source", lager.Data{"package": name})
			continue
		}
		res.RuntimeIncludes = append(res.RuntimeIncludes, name)

		if target, ok := fsutil.FindEntry(r.DeploymentMetadataPath, name); ok {
			logger.Info("runtime-package-exists", lager.Data{"package": name, "path": target, "warning": true})
			res.Existing = append(res.Existing, name)
			continue
		}

		target := filepath.Join(r.DeploymentMetadataPath, name)
		if err := os.MkdirAll(target, 0o755); err != nil {
			return nil, fmt.Errorf("create runtime package directory %s: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(target, MarkerFile), []byte(markerText), 0o644); err != nil {
			return nil, fmt.Errorf("write marker for %s: %w", name, err)
		}
		logger.Info("runtime-package-synthesized", lager.Data{"package": name})
		res.Synthesized = append(res.Synthesized, name)
	}
	return res, nil
}
