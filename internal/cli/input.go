package cli

import (
	"errors"
	"fmt"
	"strings"

	flags "github.com/jessevdk/go-flags"

	"axbuild/internal/config"
)

const (
	ExitSuccess = 0
	ExitFailure = -1
)

const (
	CommandGenerateProject = "generate-project"
	CommandPackageRuntime  = "package-runtime"
	CommandPackageSource   = "package-source"
)

// GlobalOptions apply to every command.
type GlobalOptions struct {
	ConfigFile      string `short:"c" long:"config" value-name:"PATH" description:"YAML or TOML configuration file"`
	Verbose         bool   `short:"v" long:"verbose" description:"Log at debug level and include the full error chain on failure"`
	TracePath       string `long:"trace" value-name:"PATH" description:"Write the build report to this file"`
	PropagateErrors bool   `long:"propagate-errors" description:"Return the failure to the caller in addition to the exit code"`
	ErrorFile       string `long:"error-file" value-name:"PATH" description:"Error marker file written on failure"`
	WorkPath        string `long:"work-path" value-name:"DIR" description:"Scratch directory for package staging and run records"`
}

type GenerateProjectCommand struct {
	MetadataPath           string   `long:"metadata-path" value-name:"DIR" description:"Metadata store holding the module sources"`
	DeploymentMetadataPath string   `long:"deployment-metadata-path" value-name:"DIR" description:"Staging directory the build driver compiles from"`
	BaseProjectPath        string   `long:"base-project" value-name:"PATH" description:"Orchestration project imported by the generated file"`
	Modules                []string `short:"m" long:"module" value-name:"NAME" description:"Module to build (repeatable); defaults to every custom-layer module"`
	DependencyDescriptor   string   `long:"dependency-descriptor" value-name:"PATH" description:"Project/module dependency descriptor selecting custom mode"`
}

func (c *GenerateProjectCommand) apply(cfg *config.Config) {
	setString(&cfg.MetadataPath, c.MetadataPath)
	setString(&cfg.DeploymentMetadataPath, c.DeploymentMetadataPath)
	setString(&cfg.BaseProjectPath, c.BaseProjectPath)
}

type PackageRuntimeCommand struct {
	MetadataPath           string   `long:"metadata-path" value-name:"DIR" description:"Metadata store holding the module sources"`
	DeploymentBinariesPath string   `long:"deployment-binaries-path" value-name:"DIR" description:"Compiled package output"`
	OutputPath             string   `long:"output-path" value-name:"DIR" description:"Directory receiving the packages"`
	Version                string   `long:"version" value-name:"VERSION" description:"Package version"`
	Types                  []string `short:"t" long:"type" value-name:"TYPE" description:"Package type per module (repeatable): run, compile, develop, formadaptor"`
	Exclude                []string `short:"x" long:"exclude" value-name:"NAME" description:"Module to leave out (repeatable)"`
}

func (c *PackageRuntimeCommand) apply(cfg *config.Config) {
	setString(&cfg.MetadataPath, c.MetadataPath)
	setString(&cfg.DeploymentBinariesPath, c.DeploymentBinariesPath)
	setString(&cfg.OutputPath, c.OutputPath)
	setString(&cfg.Packaging.Version, c.Version)
	if len(c.Types) > 0 {
		cfg.Packaging.Types = append([]string(nil), c.Types...)
	}
	cfg.Packaging.ExcludedModules = append(cfg.Packaging.ExcludedModules, c.Exclude...)
}

type PackageSourceCommand struct {
	MetadataPath string   `long:"metadata-path" value-name:"DIR" description:"Metadata store the models are exported from"`
	OutputPath   string   `long:"output-path" value-name:"DIR" description:"Directory receiving the source package"`
	Version      string   `long:"version" value-name:"VERSION" description:"Package version"`
	Models       []string `short:"m" long:"model" value-name:"NAME" required:"true" description:"Model to export (repeatable)"`
}

func (c *PackageSourceCommand) apply(cfg *config.Config) {
	setString(&cfg.MetadataPath, c.MetadataPath)
	setString(&cfg.OutputPath, c.OutputPath)
	setString(&cfg.Packaging.Version, c.Version)
}

// AXBuildCommand is the root of the command tree.
type AXBuildCommand struct {
	GlobalOptions

	GenerateProject GenerateProjectCommand `command:"generate-project" description:"Stage module sources and write the dependency-ordered build project"`
	PackageRuntime  PackageRuntimeCommand  `command:"package-runtime" description:"Build module packages and merge the deployable runtime package"`
	PackageSource   PackageSourceCommand   `command:"package-source" description:"Export models into the source package"`
}

// Invocation is a parsed command line: the selected command and its options.
type Invocation struct {
	Command string
	Global  GlobalOptions

	GenerateProject GenerateProjectCommand
	PackageRuntime  PackageRuntimeCommand
	PackageSource   PackageSourceCommand
}

// apply writes the command's flags over cfg. Flags win over every other
// configuration source.
func (inv Invocation) apply(cfg *config.Config) {
	setString(&cfg.WorkPath, inv.Global.WorkPath)
	if inv.Global.Verbose {
		cfg.LogLevel = "debug"
	}
	switch inv.Command {
	case CommandGenerateProject:
		inv.GenerateProject.apply(cfg)
	case CommandPackageRuntime:
		inv.PackageRuntime.apply(cfg)
	case CommandPackageSource:
		inv.PackageSource.apply(cfg)
	}
}

func (inv Invocation) scope() config.Scope {
	switch inv.Command {
	case CommandPackageRuntime:
		return config.ScopeRuntimePackage
	case CommandPackageSource:
		return config.ScopeSourcePackage
	default:
		return config.ScopeGenerate
	}
}

// InvocationError is a command line that cannot be run. Help output is
// reported the same way with ExitSuccess.
type InvocationError struct {
	ExitCode int
	Message  string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitFailure, Message: fmt.Sprintf(format, args...)}
}

// ParseInvocation parses args (without argv[0]) into an Invocation. It reads
// no environment variables and no configuration files.
func ParseInvocation(args []string) (Invocation, error) {
	var cmd AXBuildCommand
	parser := flags.NewParser(&cmd, flags.HelpFlag|flags.PassDoubleDash)
	parser.Name = "axbuild"

	rest, err := parser.ParseArgs(args)
	if err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			return Invocation{}, &InvocationError{ExitCode: ExitSuccess, Message: ferr.Message}
		}
		return Invocation{}, invalidInvocationf("%v", err)
	}
	if len(rest) != 0 {
		return Invocation{}, invalidInvocationf("unexpected positional arguments: %q", strings.Join(rest, " "))
	}
	if parser.Active == nil {
		return Invocation{}, invalidInvocationf("a command is required")
	}

	return Invocation{
		Command:         parser.Active.Name,
		Global:          cmd.GlobalOptions,
		GenerateProject: cmd.GenerateProject,
		PackageRuntime:  cmd.PackageRuntime,
		PackageSource:   cmd.PackageSource,
	}, nil
}

// ExitCode extracts the exit code carried by a ParseInvocation error.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		return invErr.ExitCode
	}
	return ExitFailure
}

func setString(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = v
	}
}
