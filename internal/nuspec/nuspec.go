// Package nuspec models the package manifest handed to the packaging tool.
package nuspec

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"axbuild/internal/fsutil"
)

// Namespace is the schema namespace of every generated manifest.
const Namespace = "http://schemas.microsoft.com/packaging/2011/08/nuspec.xsd"

// ToolsFiles includes every file staged under tools\ in the package.
var ToolsFiles = File{Src: `tools\**`, Target: "tools"}

type Package struct {
	XMLName  xml.Name `xml:"http://schemas.microsoft.com/packaging/2011/08/nuspec.xsd package"`
	Metadata Metadata `xml:"metadata"`
	Files    []File   `xml:"files>file,omitempty"`
}

type Metadata struct {
	ID                       string       `xml:"id"`
	Version                  string       `xml:"version"`
	Authors                  string       `xml:"authors"`
	Owners                   string       `xml:"owners"`
	RequireLicenseAcceptance bool         `xml:"requireLicenseAcceptance"`
	Description              string       `xml:"description"`
	Summary                  string       `xml:"summary"`
	Title                    string       `xml:"title"`
	Tags                     string       `xml:"tags"`
	Copyright                string       `xml:"copyright"`
	Dependencies             []Dependency `xml:"dependencies>dependency,omitempty"`
}

// Dependency is one <dependency id=".." version=".."/> entry. An empty
// Version leaves the dependency unconstrained.
type Dependency struct {
	ID      string `xml:"id,attr"`
	Version string `xml:"version,attr,omitempty"`
}

type File struct {
	Src    string `xml:"src,attr"`
	Target string `xml:"target,attr,omitempty"`
}

// ExactVersion renders a version range that admits only v.
func ExactVersion(v string) string { return "[" + v + "]" }

// New returns a manifest with the tools folder included.
func New(md Metadata) *Package {
	return &Package{Metadata: md, Files: []File{ToolsFiles}}
}

// Validate checks the fields the packaging tool requires.
func (p *Package) Validate() error {
	var missing []string
	if strings.TrimSpace(p.Metadata.ID) == "" {
		missing = append(missing, "id")
	}
	if strings.TrimSpace(p.Metadata.Version) == "" {
		missing = append(missing, "version")
	}
	if strings.TrimSpace(p.Metadata.Authors) == "" {
		missing = append(missing, "authors")
	}
	if strings.TrimSpace(p.Metadata.Description) == "" {
		missing = append(missing, "description")
	}
	if len(missing) > 0 {
		return fmt.Errorf("nuspec is missing %s", strings.Join(missing, ", "))
	}
	for _, d := range p.Metadata.Dependencies {
		if strings.TrimSpace(d.ID) == "" {
			return errors.New("nuspec dependency without id")
		}
	}
	return nil
}

// Marshal renders the manifest with an XML declaration.
func (p *Package) Marshal() ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	body, err := xml.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal nuspec: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.Write(body)
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// FileName is "<id>.<version>.nuspec".
func (p *Package) FileName() string {
	return p.Metadata.ID + "." + p.Metadata.Version + ".nuspec"
}

// PackageFileName is "<id>.<version>.nupkg", the packaging tool's output.
func (p *Package) PackageFileName() string {
	return p.Metadata.ID + "." + p.Metadata.Version + ".nupkg"
}

// WriteFile writes the manifest into dir and returns its path.
func (p *Package) WriteFile(dir string) (string, error) {
	b, err := p.Marshal()
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, p.FileName())
	if err := fsutil.WriteFileAtomic(path, b, 0o644); err != nil {
		return "", fmt.Errorf("write nuspec: %w", err)
	}
	return path, nil
}

// Parse decodes a manifest.
func Parse(b []byte) (*Package, error) {
	var p Package
	if err := xml.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("parse nuspec: %w", err)
	}
	return &p, nil
}

// ReadFile decodes the manifest at path.
func ReadFile(path string) (*Package, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}
