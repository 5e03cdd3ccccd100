// Package dag orders the modules of a metadata store for building.
//
// A ModuleGraph is built once per run from the provider's module listing:
//   - Nodes keep the provider's listing order as their canonical index
//   - An edge From -> To means To references (and must build after) From
//
// The graph identity (GraphHash) is computed from sorted module names and
// sorted edges, making it invariant to listing order.
package dag
