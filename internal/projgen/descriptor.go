package projgen

import (
	"encoding/xml"
	"fmt"
	"os"
	"strings"

	"axbuild/internal/fsutil"
)

type ItemType string

const (
	ItemMetadata ItemType = "Metadata"
	ItemProject  ItemType = "Project"
)

// DescriptorItem is one ordered build item of a dependency descriptor.
type DescriptorItem struct {
	Type ItemType
	// Name is a module name for Metadata items and a project file path,
	// relative to the descriptor, for Project items.
	Name string
	// References are the modules a project compiles against.
	References []string
	// ReferencedBy are the modules that consume a project's output.
	ReferencedBy []string
}

// Descriptor is a parsed dependency descriptor file.
type Descriptor struct {
	Path  string
	Items []DescriptorItem
}

// DescriptorError reports a malformed dependency descriptor. Index is the
// 1-based position of the offending Project element, or 0 for the document.
type DescriptorError struct {
	Path  string
	Index int
	Msg   string
	Err   error
}

func (e *DescriptorError) Error() string {
	where := e.Path
	if e.Index > 0 {
		where = fmt.Sprintf("%s: project %d", e.Path, e.Index)
	}
	if e.Err != nil {
		return fmt.Sprintf("invalid dependency descriptor %s: %s: %v", where, e.Msg, e.Err)
	}
	return fmt.Sprintf("invalid dependency descriptor %s: %s", where, e.Msg)
}

func (e *DescriptorError) Unwrap() error { return e.Err }

type xmlDescriptor struct {
	XMLName  xml.Name     `xml:"Projects"`
	Projects []xmlProject `xml:"Project"`
}

type xmlProject struct {
	Type         string   `xml:"Type"`
	Name         string   `xml:"Name"`
	ReferencedBy []string `xml:"ReferencedByModules>Module"`
	References   []string `xml:"ReferencesModules>Module"`
}

// ParseDependencyDescriptor reads the descriptor at path.
func ParseDependencyDescriptor(path string) (*Descriptor, error) {
	if err := fsutil.RequireFile("dependency descriptor", path); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decodeDescriptor(path, b)
}

func decodeDescriptor(path string, b []byte) (*Descriptor, error) {
	var doc xmlDescriptor
	if err := xml.Unmarshal(b, &doc); err != nil {
		return nil, &DescriptorError{Path: path, Msg: "malformed XML", Err: err}
	}

	d := &Descriptor{Path: path}
	for i, p := range doc.Projects {
		item := DescriptorItem{
			Name:         strings.TrimSpace(p.Name),
			References:   trimAll(p.References),
			ReferencedBy: trimAll(p.ReferencedBy),
		}
		switch {
		case strings.EqualFold(strings.TrimSpace(p.Type), string(ItemMetadata)):
			item.Type = ItemMetadata
		case strings.EqualFold(strings.TrimSpace(p.Type), string(ItemProject)):
			item.Type = ItemProject
		default:
			return nil, &DescriptorError{Path: path, Index: i + 1, Msg: fmt.Sprintf("unknown type %q", p.Type)}
		}
		if item.Name == "" {
			return nil, &DescriptorError{Path: path, Index: i + 1, Msg: "missing name"}
		}
		d.Items = append(d.Items, item)
	}
	return d, nil
}

func trimAll(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
