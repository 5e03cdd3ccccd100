package dag

import "axbuild/internal/metadata"

// GraphHash is the deterministic identity of a ModuleGraph.
type GraphHash string

func (h GraphHash) String() string { return string(h) }

// ModuleNode is an immutable node in the ModuleGraph.
type ModuleNode struct {
	Name   string
	Module metadata.Module

	canonicalIndex int
}

// DanglingReference is a declared reference to a module the graph does not know.
type DanglingReference struct {
	Module     string
	Referenced string
}

// ModuleBuild is one entry of a build order.
type ModuleBuild struct {
	Name   string
	Models []string
}
