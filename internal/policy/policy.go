package policy

import (
	"context"
	"errors"
	"sort"
	"strings"

	"code.cloudfoundry.org/lager/v3"
	"code.cloudfoundry.org/lager/v3/lagerctx"
)

// ErrProtectedModule is logged for every module the product owns.
var ErrProtectedModule = errors.New("module belongs to the product and cannot be packaged")

type Reason string

const (
	ReasonUser        Reason = "user"
	ReasonPlatform    Reason = "platform"
	ReasonApplication Reason = "application"
)

type Exclusion struct {
	Module string
	Reason Reason
}

// Selection is the outcome of Filter: Included keeps the input order.
type Selection struct {
	Included []string
	Excluded []Exclusion
}

// ExcludedNames returns the sorted names of every excluded module.
func (s Selection) ExcludedNames() []string {
	out := make([]string, 0, len(s.Excluded))
	for _, e := range s.Excluded {
		out = append(out, e.Module)
	}
	sort.Strings(out)
	return out
}

type nameSet map[string]struct{}

func newNameSet(names []string) nameSet {
	s := make(nameSet, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			s[strings.ToLower(n)] = struct{}{}
		}
	}
	return s
}

func (s nameSet) has(name string) bool {
	_, ok := s[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// Policy filters module names against the user exclusion list and the
// product-owned platform and application package sets.
type Policy struct {
	excluded    nameSet
	platform    nameSet
	application nameSet
	sealed      bool
}

// NewPolicy builds the exclusion sets for the given application version.
// Before SealedApplicationVersion the application set is empty and the
// unsealed platform packages are removed from the platform set.
func NewPolicy(excluded []string, info ProductInfo, appVersion string) (*Policy, error) {
	sealed, err := IsSealed(appVersion)
	if err != nil {
		return nil, err
	}

	platform := newNameSet(info.PlatformPackages)
	application := newNameSet(info.ApplicationPackages)
	if !sealed {
		application = nameSet{}
		for _, n := range info.UnsealedPlatformPackages {
			delete(platform, strings.ToLower(strings.TrimSpace(n)))
		}
	}

	return &Policy{
		excluded:    newNameSet(excluded),
		platform:    platform,
		application: application,
		sealed:      sealed,
	}, nil
}

// Sealed reports whether the application set is in force.
func (p *Policy) Sealed() bool { return p.sealed }

// Protected reports why name can never be part of a custom package.
func (p *Policy) Protected(name string) (Reason, bool) {
	switch {
	case p.platform.has(name):
		return ReasonPlatform, true
	case p.application.has(name):
		return ReasonApplication, true
	default:
		return "", false
	}
}

// Allowed reports whether name may appear in a custom package.
func (p *Policy) Allowed(name string) bool {
	if _, protected := p.Protected(name); protected {
		return false
	}
	return !p.excluded.has(name)
}

// Filter splits modules into included and excluded ones. Product-owned
// modules are logged as errors, user exclusions as info.
func (p *Policy) Filter(ctx context.Context, modules []string) Selection {
	logger := lagerctx.FromContext(ctx).Session("filter-modules")

	var sel Selection
	for _, m := range modules {
		if reason, protected := p.Protected(m); protected {
			logger.Error("excluded-product-module", ErrProtectedModule, lager.Data{"module": m, "reason": string(reason)})
			sel.Excluded = append(sel.Excluded, Exclusion{Module: m, Reason: reason})
			continue
		}
		if p.excluded.has(m) {
			logger.Info("excluded-by-user", lager.Data{"module": m})
			sel.Excluded = append(sel.Excluded, Exclusion{Module: m, Reason: ReasonUser})
			continue
		}
		sel.Included = append(sel.Included, m)
	}
	return sel
}
