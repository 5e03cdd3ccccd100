package trace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// BuildReport is the canonical record of the decisions a pipeline run made.
//
// It captures what was staged, excluded, emitted and produced per module,
// never timings or error text, so identical inputs yield identical bytes.
//
// Canonical representation:
//   - Events are sorted via Canonicalize() using a fully-specified ordering.
//   - JSON serialization uses a custom marshaler to fix field order and omit absent optional fields.
type BuildReport struct {
	Command   string
	GraphHash string
	Events    []Event
}

// EventKind is the stable discriminator for Event. The string values are
// part of the report's canonical bytes; do not rename.
type EventKind string

const (
	EventModuleStaged              EventKind = "ModuleStaged"
	EventRuntimePackageSynthesized EventKind = "RuntimePackageSynthesized"
	EventModuleExcluded            EventKind = "ModuleExcluded"
	EventBuildTaskEmitted          EventKind = "BuildTaskEmitted"
	EventPackageProduced           EventKind = "PackageProduced"
)

// Event is a single logical decision about one module or project.
type Event struct {
	Kind EventKind

	// Module names the module, runtime package or project the event refers to.
	Module string

	// Reason is a stable reason code (e.g. "platform", "user", "runtime").
	Reason string

	// Position is the 1-based build position of a BuildTaskEmitted event.
	Position int

	// Artifacts lists produced file names. The producer must keep them stable.
	Artifacts []string
}

// Validate checks basic invariants and returns a descriptive error.
func (r *BuildReport) Validate() error {
	if r == nil {
		return errors.New("report is nil")
	}
	if r.Command == "" {
		return errors.New("command is required")
	}
	for i := range r.Events {
		e := r.Events[i]
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if e.Module == "" {
			return fmt.Errorf("events[%d].module is required for kind %q", i, e.Kind)
		}
		for j, a := range e.Artifacts {
			if a == "" {
				return fmt.Errorf("events[%d].artifacts[%d] is empty", i, j)
			}
		}
	}
	return nil
}

// Canonicalize normalizes and sorts the report into its canonical form.
//
// Canonicalization rules:
//   - Artifacts are copied and sorted.
//   - Empty Artifacts slices are normalized to nil.
//   - Events are stably sorted by (kindOrder, position, module, reason, artifactsLex).
func (r *BuildReport) Canonicalize() {
	if r == nil {
		return
	}
	for i := range r.Events {
		if len(r.Events[i].Artifacts) == 0 {
			r.Events[i].Artifacts = nil
			continue
		}
		art := make([]string, len(r.Events[i].Artifacts))
		copy(art, r.Events[i].Artifacts)
		sort.Strings(art)
		r.Events[i].Artifacts = art
	}

	sort.SliceStable(r.Events, func(i, j int) bool {
		a := r.Events[i]
		b := r.Events[j]

		if kindOrder(a.Kind) != kindOrder(b.Kind) {
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		}
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		if a.Module != b.Module {
			return a.Module < b.Module
		}
		if a.Reason != b.Reason {
			return a.Reason < b.Reason
		}
		return compareStringSlices(a.Artifacts, b.Artifacts)
	})
}

func kindOrder(k EventKind) int {
	switch k {
	case EventRuntimePackageSynthesized:
		return 10
	case EventModuleStaged:
		return 20
	case EventModuleExcluded:
		return 30
	case EventBuildTaskEmitted:
		return 40
	case EventPackageProduced:
		return 50
	default:
		return 1000
	}
}

func compareStringSlices(a, b []string) bool {
	la := len(a)
	lb := len(b)
	min := la
	if lb < min {
		min = lb
	}
	for i := 0; i < min; i++ {
		if a[i] == b[i] {
			continue
		}
		return a[i] < b[i]
	}
	return la < lb
}

// CanonicalJSON returns the canonical JSON encoding of the report.
// It canonicalizes a copy to avoid mutating the caller's slices.
func (r BuildReport) CanonicalJSON() ([]byte, error) {
	c := BuildReport{Command: r.Command, GraphHash: r.GraphHash}
	c.Events = make([]Event, len(r.Events))
	copy(c.Events, r.Events)
	c.Canonicalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(&c)
}

// Hash returns the sha256 hex of the canonical JSON bytes.
func (r BuildReport) Hash() (string, error) {
	b, err := r.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return ComputeReportHash(b), nil
}

// MarshalJSON fixes field order and omits an empty graph hash.
func (r BuildReport) MarshalJSON() ([]byte, error) {
	if r.Command == "" {
		return nil, errors.New("command is required")
	}
	var buf bytes.Buffer
	buf.WriteByte('{')

	buf.WriteString("\"command\":")
	cb, _ := json.Marshal(r.Command)
	buf.Write(cb)

	if r.GraphHash != "" {
		buf.WriteString(",\"graphHash\":")
		gh, _ := json.Marshal(r.GraphHash)
		buf.Write(gh)
	}

	buf.WriteString(",\"events\":[")
	for i := range r.Events {
		if i > 0 {
			buf.WriteByte(',')
		}
		eb, err := json.Marshal(r.Events[i])
		if err != nil {
			return nil, err
		}
		buf.Write(eb)
	}
	buf.WriteByte(']')

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalJSON fixes field order and omits empty optional fields.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Kind == "" {
		return nil, errors.New("kind is required")
	}
	var artifacts []string
	if len(e.Artifacts) > 0 {
		artifacts = make([]string, len(e.Artifacts))
		copy(artifacts, e.Artifacts)
		sort.Strings(artifacts)
	}

	var buf bytes.Buffer
	buf.WriteByte('{')

	buf.WriteString("\"kind\":")
	kb, _ := json.Marshal(string(e.Kind))
	buf.Write(kb)

	if e.Module != "" {
		buf.WriteString(",\"module\":")
		mb, _ := json.Marshal(e.Module)
		buf.Write(mb)
	}

	if e.Reason != "" {
		buf.WriteString(",\"reason\":")
		rb, _ := json.Marshal(e.Reason)
		buf.Write(rb)
	}

	if e.Position != 0 {
		fmt.Fprintf(&buf, ",\"position\":%d", e.Position)
	}

	if len(artifacts) > 0 {
		buf.WriteString(",\"artifacts\":[")
		for i := range artifacts {
			if i > 0 {
				buf.WriteByte(',')
			}
			ab, _ := json.Marshal(artifacts[i])
			buf.Write(ab)
		}
		buf.WriteByte(']')
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}
