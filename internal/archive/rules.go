// Package archive selects package files and writes and merges zip archives.
package archive

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"github.com/hashicorp/go-multierror"
)

// Rules filter the files of a package directory. Folder patterns match the
// first path element below the root, file patterns match the base name. All
// matching ignores case.
type Rules struct {
	IncludeFolders []string
	ExcludeFolders []string
	ExcludeFiles   []string
}

// RuntimeRules drop metadata sources and pending deletes.
func RuntimeRules() Rules {
	return Rules{
		ExcludeFolders: []string{"Descriptor", "XppMetadata"},
		ExcludeFiles:   []string{"*.delete"},
	}
}

// CompileRules keep what a dependent package needs to compile against.
func CompileRules() Rules {
	return Rules{
		IncludeFolders: []string{"bin", "Descriptor", "XppMetadata"},
		ExcludeFiles:   []string{"*.delete"},
	}
}

// DevelopRules keep the model sources only.
func DevelopRules() Rules {
	return Rules{
		ExcludeFolders: []string{"bin", "XppMetadata"},
		ExcludeFiles:   []string{"*.delete"},
	}
}

type compiledRules struct {
	include      []glob.Glob
	excludeDir   []glob.Glob
	excludeFiles []glob.Glob
}

func compileAll(patterns []string, errs *multierror.Error) ([]glob.Glob, *multierror.Error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(strings.ToLower(p))
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("pattern %q: %w", p, err))
			continue
		}
		out = append(out, g)
	}
	return out, errs
}

func (r Rules) compile() (*compiledRules, error) {
	var errs *multierror.Error
	c := &compiledRules{}
	c.include, errs = compileAll(r.IncludeFolders, errs)
	c.excludeDir, errs = compileAll(r.ExcludeFolders, errs)
	c.excludeFiles, errs = compileAll(r.ExcludeFiles, errs)
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return c, nil
}

func anyMatch(globs []glob.Glob, s string) bool {
	s = strings.ToLower(s)
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}

// keep reports whether the slash-separated relative path passes the rules.
func (c *compiledRules) keep(rel string) bool {
	top := rel
	inFolder := false
	if i := strings.IndexByte(rel, '/'); i >= 0 {
		top = rel[:i]
		inFolder = true
	}
	if len(c.include) > 0 && (!inFolder || !anyMatch(c.include, top)) {
		return false
	}
	if inFolder && anyMatch(c.excludeDir, top) {
		return false
	}
	return !anyMatch(c.excludeFiles, filepath.Base(rel))
}

// Match reports whether rel (relative to a package root) passes the rules.
func (r Rules) Match(rel string) (bool, error) {
	c, err := r.compile()
	if err != nil {
		return false, err
	}
	return c.keep(filepath.ToSlash(rel)), nil
}

// Collect walks root and returns the sorted slash-separated relative paths of
// every regular file that passes the rules.
func Collect(root string, rules Rules) ([]string, error) {
	c, err := rules.compile()
	if err != nil {
		return nil, err
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if !strings.Contains(rel, "/") && anyMatch(c.excludeDir, rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if c.keep(rel) {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect %s: %w", root, err)
	}
	sort.Strings(files)
	return files, nil
}

// MatchFiles returns the sorted names of dir's regular files matching pattern,
// ignoring case.
func MatchFiles(dir, pattern string) ([]string, error) {
	g, err := glob.Compile(strings.ToLower(pattern))
	if err != nil {
		return nil, fmt.Errorf("pattern %q: %w", pattern, err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() && g.Match(strings.ToLower(e.Name())) {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}
