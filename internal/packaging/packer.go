package packaging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"axbuild/internal/archive"
	"axbuild/internal/nuspec"
	"axbuild/internal/toolrun"
)

// Packer turns a staged working directory into <outDir>/<id>.<version>.nupkg
// and returns that path. A failed call leaves no package behind.
type Packer interface {
	Pack(ctx context.Context, spec *nuspec.Package, specPath, workDir, outDir string) (string, error)
}

// NuGetPacker runs "nuget pack".
type NuGetPacker struct {
	Runner toolrun.Runner
	Path   string
}

func (p NuGetPacker) Pack(ctx context.Context, spec *nuspec.Package, specPath, workDir, outDir string) (string, error) {
	// nuget runs in workDir
	for _, path := range []*string{&specPath, &workDir, &outDir} {
		abs, err := filepath.Abs(*path)
		if err != nil {
			return "", err
		}
		*path = abs
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", err
	}
	out := filepath.Join(outDir, spec.PackageFileName())
	_, err := toolrun.RunOnce(ctx, p.Runner, toolrun.Invocation{
		Tool: "nuget",
		Path: p.Path,
		Args: []string{
			"pack", specPath,
			"-OutputDirectory", outDir,
			"-BasePath", workDir,
			"-NoPackageAnalysis",
			"-NonInteractive",
		},
		Dir:    workDir,
		Output: out,
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

// NativePacker zips the working directory as is. The result carries the
// manifest and the tools folder but none of the OPC parts nuget adds, which
// is enough for the deployment tooling that only extracts tools\.
type NativePacker struct{}

func (NativePacker) Pack(ctx context.Context, spec *nuspec.Package, _, workDir, outDir string) (string, error) {
	files, err := archive.Collect(workDir, archive.Rules{})
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", fmt.Errorf("nothing to pack in %s", workDir)
	}
	out := filepath.Join(outDir, spec.PackageFileName())
	if err := (archive.NativeCompressor{}).Compress(ctx, out, workDir, files); err != nil {
		return "", err
	}
	return out, nil
}
