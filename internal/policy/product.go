package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	semisemanticversion "github.com/cppforlife/go-semi-semantic/version"
	"gopkg.in/yaml.v3"
)

// SealedApplicationVersion is the first application release whose packages
// are sealed against customization.
const SealedApplicationVersion = "8.1"

// ProductInfo lists the packages owned by the product.
type ProductInfo struct {
	PlatformPackages    []string `yaml:"platformPackages" toml:"platform_packages"`
	ApplicationPackages []string `yaml:"applicationPackages" toml:"application_packages"`
	// UnsealedPlatformPackages are platform packages that stay customizable
	// before the sealed application release.
	UnsealedPlatformPackages []string `yaml:"unsealedPlatformPackages" toml:"unsealed_platform_packages"`
}

// DefaultProductInfo is used when no product info file is configured.
func DefaultProductInfo() ProductInfo {
	return ProductInfo{
		PlatformPackages: []string{
			"ApplicationPlatform",
			"ApplicationFoundation",
			"TestEssentials",
			"Directory",
		},
		ApplicationPackages: []string{
			"ApplicationSuite",
			"ApplicationCommon",
			"Calendar",
			"ContactPerson",
			"Currency",
			"Dimensions",
			"GeneralLedger",
			"Ledger",
			"Retail",
			"SourceDocumentation",
			"SourceDocumentationTypes",
			"Tax",
			"UnitOfMeasure",
		},
		UnsealedPlatformPackages: []string{"Directory"},
	}
}

// LoadProductInfo reads a YAML or TOML product info file.
func LoadProductInfo(path string) (ProductInfo, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ProductInfo{}, fmt.Errorf("read product info: %w", err)
	}
	var info ProductInfo
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &info)
	case ".toml":
		_, err = toml.Decode(string(b), &info)
	default:
		return ProductInfo{}, fmt.Errorf("unsupported product info file type: %s", path)
	}
	if err != nil {
		return ProductInfo{}, fmt.Errorf("parse product info %s: %w", path, err)
	}
	return info, nil
}

// IsSealed reports whether appVersion is at or past SealedApplicationVersion.
// An empty version is treated as sealed.
func IsSealed(appVersion string) (bool, error) {
	if strings.TrimSpace(appVersion) == "" {
		return true, nil
	}
	return VersionAtLeast(appVersion, SealedApplicationVersion)
}

// VersionAtLeast compares two dotted versions, padding missing components with zero.
func VersionAtLeast(v, min string) (bool, error) {
	have, err := semisemanticversion.NewVersionFromString(padVersion(v))
	if err != nil {
		return false, fmt.Errorf("parse version %q: %w", v, err)
	}
	want, err := semisemanticversion.NewVersionFromString(padVersion(min))
	if err != nil {
		return false, fmt.Errorf("parse version %q: %w", min, err)
	}
	return have.Compare(want) >= 0, nil
}

// VersionEqual reports whether two dotted versions are the same release.
func VersionEqual(a, b string) (bool, error) {
	va, err := semisemanticversion.NewVersionFromString(padVersion(a))
	if err != nil {
		return false, fmt.Errorf("parse version %q: %w", a, err)
	}
	vb, err := semisemanticversion.NewVersionFromString(padVersion(b))
	if err != nil {
		return false, fmt.Errorf("parse version %q: %w", b, err)
	}
	return va.Compare(vb) == 0, nil
}

func padVersion(v string) string {
	v = strings.TrimSpace(v)
	for strings.Count(v, ".") < 3 {
		v += ".0"
	}
	return v
}
