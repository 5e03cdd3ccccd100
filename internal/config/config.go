// Package config holds the build environment configuration. It is loaded once
// at process start and passed to every component; nothing reads it ad hoc.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "AXBUILD_"

type Config struct {
	// MetadataPath is the metadata store holding module sources.
	MetadataPath string `yaml:"metadataPath" toml:"metadata_path" env:"METADATA_PATH"`
	// DeploymentMetadataPath is the staging directory the build driver compiles from.
	DeploymentMetadataPath string `yaml:"deploymentMetadataPath" toml:"deployment_metadata_path" env:"DEPLOYMENT_METADATA_PATH"`
	// DeploymentBinariesPath holds compiled package output.
	DeploymentBinariesPath string `yaml:"deploymentBinariesPath" toml:"deployment_binaries_path" env:"DEPLOYMENT_BINARIES_PATH"`
	// BaseProjectPath is the fixed orchestration project imported by the generated file.
	BaseProjectPath string `yaml:"baseProjectPath" toml:"base_project_path" env:"BASE_PROJECT_PATH"`

	OutputPath string `yaml:"outputPath" toml:"output_path" env:"OUTPUT_PATH"`
	WorkPath   string `yaml:"workPath" toml:"work_path" env:"WORK_PATH"`

	LogLevel           string `yaml:"logLevel" toml:"log_level" env:"LOG_LEVEL"`
	ApplicationVersion string `yaml:"applicationVersion" toml:"application_version" env:"APPLICATION_VERSION"`
	ProductInfoPath    string `yaml:"productInfoPath" toml:"product_info_path" env:"PRODUCT_INFO_PATH"`
	MetricsFile        string `yaml:"metricsFile" toml:"metrics_file" env:"METRICS_FILE"`

	Packaging Packaging `yaml:"packaging" toml:"packaging" envPrefix:"PACKAGING_"`
	Tools     Tools     `yaml:"tools" toml:"tools" envPrefix:"TOOLS_"`
	Publish   Publish   `yaml:"publish" toml:"publish" envPrefix:"PUBLISH_"`
}

type Packaging struct {
	Namespace string `yaml:"namespace" toml:"namespace" env:"NAMESPACE"`
	Version   string `yaml:"version" toml:"version" env:"VERSION"`
	Authors   string `yaml:"authors" toml:"authors" env:"AUTHORS"`
	Owners    string `yaml:"owners" toml:"owners" env:"OWNERS"`
	Copyright string `yaml:"copyright" toml:"copyright" env:"COPYRIGHT"`
	Tags      string `yaml:"tags" toml:"tags" env:"TAGS"`

	ExcludedModules []string `yaml:"excludedModules" toml:"excluded_modules" env:"EXCLUDED_MODULES" envSeparator:","`
	// Types lists the package types produced per module by package-runtime.
	Types []string `yaml:"types" toml:"types" env:"TYPES" envSeparator:","`

	// ScriptsPath holds install.ps1/uninstall.ps1 copied into each package.
	ScriptsPath string `yaml:"scriptsPath" toml:"scripts_path" env:"SCRIPTS_PATH"`
	// BasePackagePath is the deployable package template merged under the runtime archive.
	BasePackagePath string `yaml:"basePackagePath" toml:"base_package_path" env:"BASE_PACKAGE_PATH"`

	// StrictDependencyVersions pins dependency versions in generated nuspec
	// documents. Metadata versions are known to drift between packages, so
	// this stays off unless explicitly enabled.
	StrictDependencyVersions bool `yaml:"strictDependencyVersions" toml:"strict_dependency_versions" env:"STRICT_DEPENDENCY_VERSIONS"`
}

type Tools struct {
	NuGetPath     string `yaml:"nugetPath" toml:"nuget_path" env:"NUGET_PATH"`
	ModelUtilPath string `yaml:"modelUtilPath" toml:"model_util_path" env:"MODEL_UTIL_PATH"`
	ZipPath       string `yaml:"zipPath" toml:"zip_path" env:"ZIP_PATH"`
	MergePath     string `yaml:"mergePath" toml:"merge_path" env:"MERGE_PATH"`

	Retries    int           `yaml:"retries" toml:"retries" env:"RETRIES"`
	RetryDelay time.Duration `yaml:"retryDelay" toml:"retry_delay" env:"RETRY_DELAY"`
}

type Publish struct {
	Endpoint  string `yaml:"endpoint" toml:"endpoint" env:"ENDPOINT"`
	Bucket    string `yaml:"bucket" toml:"bucket" env:"BUCKET"`
	Prefix    string `yaml:"prefix" toml:"prefix" env:"PREFIX"`
	Region    string `yaml:"region" toml:"region" env:"REGION"`
	AccessKey string `yaml:"accessKey" toml:"access_key" env:"ACCESS_KEY"`
	SecretKey string `yaml:"secretKey" toml:"secret_key" env:"SECRET_KEY"`
	UseSSL    bool   `yaml:"useSSL" toml:"use_ssl" env:"USE_SSL"`
}

// Enabled reports whether an upload target is configured.
func (p Publish) Enabled() bool { return p.Endpoint != "" }

// Default returns the configuration used before any file, environment
// variable or flag is applied.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		WorkPath: filepath.Join(os.TempDir(), "axbuild"),
		Packaging: Packaging{
			Namespace: "dynamicsax",
			Authors:   "Microsoft",
			Owners:    "Microsoft",
			Copyright: "Copyright (c) Microsoft Corporation. All rights reserved.",
			Tags:      "Dynamics AX",
			Types:     []string{"run"},
		},
		Tools: Tools{
			Retries:    2,
			RetryDelay: time.Second,
		},
		Publish: Publish{UseSSL: true},
	}
}

// LoadOptions selects the sources Load reads.
type LoadOptions struct {
	// File is an optional .yaml, .yml or .toml file.
	File string
	// Environment replaces the process environment when non-nil.
	Environment map[string]string
}

// Load builds a Config from defaults, then the config file, then AXBUILD_*
// environment variables. Flags are applied by the caller afterwards.
func Load(opts LoadOptions) (*Config, error) {
	cfg := Default()

	if opts.File != "" {
		if err := decodeFile(opts.File, cfg); err != nil {
			return nil, err
		}
	}

	envOpts := env.Options{Prefix: EnvPrefix}
	if opts.Environment != nil {
		envOpts.Environment = opts.Environment
	}
	if err := env.ParseWithOptions(cfg, envOpts); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return fmt.Errorf("parse config file %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(b), cfg); err != nil {
			return fmt.Errorf("parse config file %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config file type: %s", path)
	}
	return nil
}

// ResolvePaths makes every configured path absolute against the current
// directory. External tools run in other directories, so a relative path
// would resolve differently for them. Tool paths without a separator are
// left for PATH lookup.
func (c *Config) ResolvePaths() error {
	paths := []*string{
		&c.MetadataPath,
		&c.DeploymentMetadataPath,
		&c.DeploymentBinariesPath,
		&c.BaseProjectPath,
		&c.OutputPath,
		&c.WorkPath,
		&c.ProductInfoPath,
		&c.MetricsFile,
		&c.Packaging.ScriptsPath,
		&c.Packaging.BasePackagePath,
	}
	for _, tool := range []*string{&c.Tools.NuGetPath, &c.Tools.ModelUtilPath, &c.Tools.ZipPath, &c.Tools.MergePath} {
		if strings.ContainsAny(*tool, `/\`) {
			paths = append(paths, tool)
		}
	}

	for _, p := range paths {
		if strings.TrimSpace(*p) == "" {
			continue
		}
		abs, err := filepath.Abs(*p)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", *p, err)
		}
		*p = abs
	}
	return nil
}

// Scope names the command a configuration is validated for.
type Scope int

const (
	ScopeGenerate Scope = iota
	ScopeRuntimePackage
	ScopeSourcePackage
)

// ValidationError lists every invalid field found by Validate.
type ValidationError struct {
	Errs *multierror.Error
}

func (e *ValidationError) Error() string {
	if e == nil || e.Errs == nil {
		return ""
	}
	return "invalid configuration: " + e.Errs.Error()
}

func (e *ValidationError) Unwrap() error {
	if e == nil || e.Errs == nil {
		return nil
	}
	return e.Errs
}

var validLogLevels = []string{"debug", "info", "error", "fatal"}

// Validate checks the fields a command needs and reports all problems at once.
func (c *Config) Validate(scope Scope) error {
	var errs *multierror.Error
	missing := func(field, value string) {
		if strings.TrimSpace(value) == "" {
			errs = multierror.Append(errs, fmt.Errorf("missing %s", field))
		}
	}

	if !containsFold(validLogLevels, c.LogLevel) {
		errs = multierror.Append(errs, fmt.Errorf("log level %q is not one of %s", c.LogLevel, strings.Join(validLogLevels, ", ")))
	}
	if c.Tools.Retries < 0 {
		errs = multierror.Append(errs, errors.New("tools retries must not be negative"))
	}
	if c.Tools.RetryDelay < 0 {
		errs = multierror.Append(errs, errors.New("tools retry delay must not be negative"))
	}
	missing("work path", c.WorkPath)

	switch scope {
	case ScopeGenerate:
		missing("metadata path", c.MetadataPath)
		missing("deployment metadata path", c.DeploymentMetadataPath)
		missing("base project path", c.BaseProjectPath)
	case ScopeRuntimePackage:
		missing("metadata path", c.MetadataPath)
		missing("deployment binaries path", c.DeploymentBinariesPath)
		missing("output path", c.OutputPath)
		missing("packaging version", c.Packaging.Version)
		missing("packaging namespace", c.Packaging.Namespace)
		missing("packaging base package path", c.Packaging.BasePackagePath)
		if len(c.Packaging.Types) == 0 {
			errs = multierror.Append(errs, errors.New("packaging types must list at least one type"))
		}
	case ScopeSourcePackage:
		missing("metadata path", c.MetadataPath)
		missing("output path", c.OutputPath)
		missing("packaging version", c.Packaging.Version)
		missing("tools model util path", c.Tools.ModelUtilPath)
	}

	if c.Publish.Enabled() {
		missing("publish bucket", c.Publish.Bucket)
	}

	if errs.ErrorOrNil() == nil {
		return nil
	}
	return &ValidationError{Errs: errs}
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
