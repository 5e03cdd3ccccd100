package metadata

import (
	"fmt"
	"strconv"
	"strings"
)

// Layer is the AX model layer. Lower layers belong to the product; ISV and
// above hold customizations.
type Layer int

const (
	LayerSYS Layer = iota
	LayerSYP
	LayerGLS
	LayerGLP
	LayerFPK
	LayerFPP
	LayerSLN
	LayerSLP
	LayerISV
	LayerISP
	LayerVAR
	LayerVAP
	LayerCUS
	LayerCUP
	LayerUSR
	LayerUSP
)

var layerNames = [...]string{"sys", "syp", "gls", "glp", "fpk", "fpp", "sln", "slp", "isv", "isp", "var", "vap", "cus", "cup", "usr", "usp"}

func (l Layer) String() string {
	if l < 0 || int(l) >= len(layerNames) {
		return fmt.Sprintf("layer(%d)", int(l))
	}
	return layerNames[l]
}

// IsCustom reports whether the layer holds customer/partner code.
func (l Layer) IsCustom() bool { return l >= LayerISV }

// ParseLayer accepts either the numeric layer id or its short name.
func ParseLayer(s string) (Layer, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 || n >= len(layerNames) {
			return 0, fmt.Errorf("layer %d out of range", n)
		}
		return Layer(n), nil
	}
	for i, name := range layerNames {
		if strings.EqualFold(name, s) {
			return Layer(i), nil
		}
	}
	return 0, fmt.Errorf("unknown layer %q", s)
}

// Version is a four-part model version.
type Version struct {
	Major    int
	Minor    int
	Build    int
	Revision int
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.Build, v.Revision)
}

// IsZero reports whether no version component is set.
func (v Version) IsZero() bool { return v == Version{} }

// ParseVersion parses "major[.minor[.build[.revision]]]".
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) == 0 || len(parts) > 4 || parts[0] == "" {
		return Version{}, fmt.Errorf("invalid version %q", s)
	}
	var nums [4]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("invalid version %q", s)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Build: nums[2], Revision: nums[3]}, nil
}

// ModelInfo describes one model as declared by its descriptor.
type ModelInfo struct {
	Name        string
	DisplayName string
	Module      string
	Layer       Layer
	Version     Version
	References  []string
	Publisher   string
}

// Module is a named package owning one or more models.
type Module struct {
	Name       string
	Layer      Layer
	References []string
	Models     []ModelInfo

	// BinaryOnly marks packages present only as compiled output.
	BinaryOnly bool
}

// ModelNames returns the names of the module's models in descriptor order.
func (m Module) ModelNames() []string {
	out := make([]string, 0, len(m.Models))
	for _, mi := range m.Models {
		out = append(out, mi.Name)
	}
	return out
}

// PrimaryModel returns the model named like the module, or the first model.
func (m Module) PrimaryModel() (ModelInfo, bool) {
	if len(m.Models) == 0 {
		return ModelInfo{}, false
	}
	for _, mi := range m.Models {
		if strings.EqualFold(mi.Name, m.Name) {
			return mi, true
		}
	}
	return m.Models[0], true
}

// Key is the case-insensitive identity used for module and model lookups.
func Key(name string) string { return strings.ToLower(strings.TrimSpace(name)) }
