// Package policy decides package identities and which modules may be part of
// a custom deployable package.
package policy

import (
	"fmt"
	"strings"
)

// DefaultNamespace prefixes every package id unless configured otherwise.
const DefaultNamespace = "dynamicsax"

type PackageType string

const (
	TypeRun         PackageType = "run"
	TypeCompile     PackageType = "compile"
	TypeDevelop     PackageType = "develop"
	TypeFormAdaptor PackageType = "formadaptor"
	TypeSource      PackageType = "source"
)

// ParseType accepts a package type name ignoring case. The empty string is
// the source type.
func ParseType(s string) (PackageType, error) {
	switch t := PackageType(strings.ToLower(strings.TrimSpace(s))); t {
	case "":
		return TypeSource, nil
	case TypeRun, TypeCompile, TypeDevelop, TypeFormAdaptor, TypeSource:
		return t, nil
	default:
		return "", fmt.Errorf("unknown package type %q", s)
	}
}

// ParseTypes parses every entry of list, failing on the first unknown one.
func ParseTypes(list []string) ([]PackageType, error) {
	out := make([]PackageType, 0, len(list))
	for _, s := range list {
		t, err := ParseType(s)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Suffix is appended to the package id; run and source packages have none.
func (t PackageType) Suffix() string {
	switch t {
	case TypeCompile, TypeDevelop, TypeFormAdaptor:
		return "-" + string(t)
	default:
		return ""
	}
}

// PackageID returns "<namespace>-<name>[-compile|-develop|-formadaptor]" in
// lower case.
func PackageID(namespace, name string, t PackageType) string {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return strings.ToLower(namespace + "-" + strings.TrimSpace(name) + t.Suffix())
}

// NuspecID is PackageID in the default namespace.
func NuspecID(name string, t PackageType) string {
	return PackageID(DefaultNamespace, name, t)
}

// Description holds the human readable strings of a package.
type Description struct {
	Title       string
	Description string
	Summary     string
}

// Describe returns the title, description and summary for a package.
func Describe(name string, t PackageType) Description {
	var kind string
	switch t {
	case TypeCompile:
		kind = "compile"
	case TypeDevelop:
		kind = "develop"
	case TypeFormAdaptor:
		kind = "form adaptor"
	case TypeSource:
		kind = "source"
	default:
		kind = "runtime"
	}
	return Description{
		Title:       name,
		Description: fmt.Sprintf("%s package for the Dynamics AX module %s.", capitalize(kind), name),
		Summary:     fmt.Sprintf("%s %s package", name, kind),
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
