// Package metadata adapts the file-system metadata store: it enumerates the
// packages (modules), the models they own and the module references declared
// by the model descriptors.
package metadata

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"axbuild/internal/fsutil"
)

const (
	// DescriptorFolder holds one XML descriptor per model of a package.
	DescriptorFolder = "Descriptor"
	// BinFolder holds the compiled package assembly.
	BinFolder = "bin"
)

// Provider enumerates models and modules of a metadata store.
type Provider interface {
	ListModelInfos() ([]ModelInfo, error)
	ListModules() ([]Module, error)
}

// AssemblyName returns the file name of the compiled assembly of a package.
func AssemblyName(module string) string {
	return "Dynamics.AX." + module + ".dll"
}

// DiskProvider reads model descriptors from a package directory tree.
type DiskProvider struct {
	Root string
}

// NewDiskProvider returns a provider over root. The root must exist.
func NewDiskProvider(root string) (*DiskProvider, error) {
	if err := fsutil.RequireDir("metadata store", root); err != nil {
		return nil, err
	}
	return &DiskProvider{Root: filepath.Clean(root)}, nil
}

// ListModelInfos returns every model found under <root>/<package>/Descriptor,
// ordered by package directory name then descriptor file name.
func (p *DiskProvider) ListModelInfos() ([]ModelInfo, error) {
	packages, err := os.ReadDir(p.Root)
	if err != nil {
		return nil, fmt.Errorf("list metadata store: %w", err)
	}

	var out []ModelInfo
	for _, pkg := range packages {
		if !pkg.IsDir() {
			continue
		}
		descDir, ok := fsutil.FindEntry(filepath.Join(p.Root, pkg.Name()), DescriptorFolder)
		if !ok {
			continue
		}
		entries, err := os.ReadDir(descDir)
		if err != nil {
			return nil, fmt.Errorf("list descriptors of %s: %w", pkg.Name(), err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".xml") {
				continue
			}
			mi, err := ParseDescriptor(filepath.Join(descDir, e.Name()), pkg.Name())
			if err != nil {
				return nil, err
			}
			out = append(out, mi)
		}
	}
	return out, nil
}

// ListModules groups models by module in package directory order.
func (p *DiskProvider) ListModules() ([]Module, error) {
	models, err := p.ListModelInfos()
	if err != nil {
		return nil, err
	}
	return groupModules(models), nil
}

func groupModules(models []ModelInfo) []Module {
	var order []string
	byKey := map[string]*Module{}
	for _, mi := range models {
		k := Key(mi.Module)
		m, ok := byKey[k]
		if !ok {
			m = &Module{Name: mi.Module, Layer: mi.Layer}
			byKey[k] = m
			order = append(order, k)
		}
		m.Models = append(m.Models, mi)
		if mi.Layer > m.Layer {
			m.Layer = mi.Layer
		}
	}

	out := make([]Module, 0, len(order))
	for _, k := range order {
		m := byKey[k]
		m.References = unionReferences(m.Name, m.Models)
		out = append(out, *m)
	}
	return out
}

// unionReferences merges the references of all models, dropping the module
// itself and duplicates, in order of first appearance.
func unionReferences(self string, models []ModelInfo) []string {
	seen := map[string]struct{}{Key(self): {}}
	var out []string
	for _, mi := range models {
		for _, r := range mi.References {
			k := Key(r)
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, r)
		}
	}
	return out
}

// RuntimeProvider exposes packages that exist only as compiled output.
// They carry no models and no declared references.
type RuntimeProvider struct {
	Root     string
	Packages []string
}

// NewRuntimeProvider validates that every named package has its assembly
// under <root>/<name>/bin.
func NewRuntimeProvider(root string, runtimePackages []string) (*RuntimeProvider, error) {
	if err := fsutil.RequireDir("runtime package store", root); err != nil {
		return nil, err
	}
	for _, name := range runtimePackages {
		if !HasAssembly(filepath.Join(root, name), name) {
			return nil, &fsutil.MissingPathError{
				What: "runtime package assembly",
				Path: filepath.Join(root, name, BinFolder, AssemblyName(name)),
			}
		}
	}
	pkgs := append([]string(nil), runtimePackages...)
	return &RuntimeProvider{Root: filepath.Clean(root), Packages: pkgs}, nil
}

// ListModelInfos returns nothing: runtime packages have no descriptors.
func (p *RuntimeProvider) ListModelInfos() ([]ModelInfo, error) { return nil, nil }

// ListModules lists the runtime packages as binary-only modules.
func (p *RuntimeProvider) ListModules() ([]Module, error) {
	out := make([]Module, 0, len(p.Packages))
	for _, name := range p.Packages {
		out = append(out, Module{Name: name, Layer: LayerISV, BinaryOnly: true})
	}
	return out, nil
}

// HasAssembly reports whether packageDir contains bin/Dynamics.AX.<name>.dll.
func HasAssembly(packageDir, name string) bool {
	bin, ok := fsutil.FindEntry(packageDir, BinFolder)
	if !ok {
		return false
	}
	_, ok = fsutil.FindEntry(bin, AssemblyName(name))
	return ok
}

// HasDescriptors reports whether packageDir contains Descriptor/*.xml.
func HasDescriptors(packageDir string) bool {
	desc, ok := fsutil.FindEntry(packageDir, DescriptorFolder)
	if !ok {
		return false
	}
	entries, err := os.ReadDir(desc)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".xml") {
			return true
		}
	}
	return false
}

type combined struct {
	providers []Provider
}

// Combine returns a provider whose modules are the union of the given
// providers by case-insensitive name; the first provider listing a module wins.
func Combine(providers ...Provider) Provider {
	return &combined{providers: providers}
}

func (c *combined) ListModelInfos() ([]ModelInfo, error) {
	modules, err := c.ListModules()
	if err != nil {
		return nil, err
	}
	var out []ModelInfo
	for _, m := range modules {
		out = append(out, m.Models...)
	}
	return out, nil
}

func (c *combined) ListModules() ([]Module, error) {
	seen := map[string]struct{}{}
	var out []Module
	for _, p := range c.providers {
		if p == nil {
			continue
		}
		mods, err := p.ListModules()
		if err != nil {
			return nil, err
		}
		for _, m := range mods {
			k := Key(m.Name)
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, m)
		}
	}
	return out, nil
}

// Index maps modules by case-insensitive name.
func Index(modules []Module) map[string]Module {
	out := make(map[string]Module, len(modules))
	for _, m := range modules {
		out[Key(m.Name)] = m
	}
	return out
}

// Names returns the sorted module names.
func Names(modules []Module) []string {
	out := make([]string, 0, len(modules))
	for _, m := range modules {
		out = append(out, m.Name)
	}
	sort.Strings(out)
	return out
}

// ApplicationVersion returns the version of the Foundation model of the
// ApplicationSuite package, which identifies the installed application.
func ApplicationVersion(p Provider) (Version, bool, error) {
	models, err := p.ListModelInfos()
	if err != nil {
		return Version{}, false, err
	}
	for _, mi := range models {
		if strings.EqualFold(mi.Module, "ApplicationSuite") && strings.EqualFold(mi.Name, "Foundation") {
			return mi.Version, true, nil
		}
	}
	return Version{}, false, nil
}
