package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"axbuild/internal/archive"
	"axbuild/internal/archive/archivetest"
	"axbuild/internal/config"
	"axbuild/internal/dag"
	"axbuild/internal/fsutil"
	"axbuild/internal/packaging"
	"axbuild/internal/policy"
	"axbuild/internal/projgen"
	"axbuild/internal/runstate"
	"axbuild/internal/runtimepkg"
	"axbuild/internal/toolrun"
)

const descriptorTemplate = `<?xml version="1.0" encoding="utf-8"?>
<AxModelInfo xmlns:i="http://www.w3.org/2001/XMLSchema-instance">
  <Layer>usr</Layer>
  <ModelModule>%[1]s</ModelModule>
  <ModuleReferences xmlns:d2p1="http://schemas.microsoft.com/2003/10/Serialization/Arrays">
%[2]s  </ModuleReferences>
  <Name>%[1]s</Name>
  <VersionMajor>1</VersionMajor>
</AxModelInfo>
`

func write(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

type buildEnv struct {
	root       string
	metadata   string
	deployment string
	binaries   string
	base       string
	out        string
	work       string
	stderr     *bytes.Buffer
	env        map[string]string
}

func newBuildEnv(t *testing.T) *buildEnv {
	t.Helper()
	root := t.TempDir()
	e := &buildEnv{
		root:       root,
		metadata:   filepath.Join(root, "src", "Metadata"),
		deployment: filepath.Join(root, "deploy", "PackagesLocalDirectory"),
		binaries:   filepath.Join(root, "deploy", "bin"),
		base:       filepath.Join(root, "build", "Build.proj"),
		out:        filepath.Join(root, "out"),
		work:       filepath.Join(root, "work"),
		stderr:     &bytes.Buffer{},
		env:        map[string]string{},
	}
	e.module(t, "Core")
	e.module(t, "Fleet", "Core", "ApplicationPlatform")
	write(t, filepath.Join(e.metadata, "Runtime1", "bin", "Dynamics.AX.Runtime1.dll"), "dll")
	require.NoError(t, os.MkdirAll(e.deployment, 0o755))
	write(t, e.base, "<Project/>")
	return e
}

func (e *buildEnv) module(t *testing.T, name string, refs ...string) {
	t.Helper()
	var refXML string
	for _, r := range refs {
		refXML += "    <d2p1:string>" + r + "</d2p1:string>\n"
	}
	write(t, filepath.Join(e.metadata, name, "Descriptor", name+".xml"), fmt.Sprintf(descriptorTemplate, name, refXML))
	write(t, filepath.Join(e.metadata, name, name, "AxClass", name+"Class.xml"), name)
}

func (e *buildEnv) generateArgs(extra ...string) []string {
	args := []string{
		"--work-path", e.work,
		"generate-project",
		"--metadata-path", e.metadata,
		"--deployment-metadata-path", e.deployment,
		"--base-project", e.base,
	}
	return append(args, extra...)
}

func (e *buildEnv) run(t *testing.T, args []string, opts Options) (Result, error) {
	t.Helper()
	opts.Stderr = e.stderr
	opts.Environment = e.env
	return RunWithOptions(context.Background(), args, opts)
}

func (e *buildEnv) failure(t *testing.T, runID string) runstate.Failure {
	t.Helper()
	store, err := runstate.NewStore(e.work)
	require.NoError(t, err)
	f, err := store.LoadFailure(runID)
	require.NoError(t, err)
	return f
}

func TestExecute_GenerateProject(t *testing.T) {
	e := newBuildEnv(t)
	tracePath := filepath.Join(e.root, "report.json")

	res, err := e.run(t, append([]string{"--trace", tracePath}, e.generateArgs()...), Options{})
	require.NoError(t, err)
	require.Equal(t, ExitSuccess, res.ExitCode, e.stderr.String())

	projPath := filepath.Join(e.root, "src", projgen.ProjectFileName)
	assert.Equal(t, []string{projPath}, res.Outputs)

	body, err := os.ReadFile(projPath)
	require.NoError(t, err)
	doc := string(body)
	assert.Contains(t, doc, "<Module_1_Name>Core</Module_1_Name>")
	assert.Contains(t, doc, "<Module_2_Name>Fleet</Module_2_Name>")
	assert.NotContains(t, doc, "<Module_3_Name>")

	assert.FileExists(t, filepath.Join(e.deployment, "Runtime1", runtimepkg.MarkerFile))
	assert.FileExists(t, filepath.Join(e.deployment, "Fleet", "Fleet", "AxClass", "FleetClass.xml"))

	store, err := runstate.NewStore(e.work)
	require.NoError(t, err)
	run, err := store.LoadRun(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, runstate.RunStatusSucceeded, run.Status)
	assert.Equal(t, CommandGenerateProject, run.Command)
	assert.NotEmpty(t, run.GraphHash)

	report, err := os.ReadFile(tracePath)
	require.NoError(t, err)
	assert.Contains(t, string(report), `"graphHash":"`+run.GraphHash+`"`)
	assert.Contains(t, string(report), `{"kind":"RuntimePackageSynthesized","module":"Runtime1"}`)
	assert.Contains(t, string(report), `{"kind":"BuildTaskEmitted","module":"Fleet","reason":"module","position":2}`)
}

func TestExecute_GenerateProjectReportIsStable(t *testing.T) {
	e := newBuildEnv(t)
	tracePath := filepath.Join(e.root, "report.json")
	args := append([]string{"--trace", tracePath}, e.generateArgs("-m", "Fleet", "-m", "Core")...)

	_, err := e.run(t, args, Options{})
	require.NoError(t, err)
	first, err := os.ReadFile(tracePath)
	require.NoError(t, err)

	_, err = e.run(t, args, Options{})
	require.NoError(t, err)
	second, err := os.ReadFile(tracePath)
	require.NoError(t, err)

	// the second run finds the runtime package already staged
	assert.NotContains(t, string(second), "RuntimePackageSynthesized")
	assert.Equal(t,
		strings.Replace(string(first), `{"kind":"RuntimePackageSynthesized","module":"Runtime1"},`, "", 1),
		string(second))
}

func TestExecute_MissingPathWritesErrorFile(t *testing.T) {
	e := newBuildEnv(t)
	missing := filepath.Join(e.root, "src", "Missing")
	args := []string{
		"--work-path", e.work,
		"generate-project",
		"--metadata-path", missing,
		"--deployment-metadata-path", e.deployment,
		"--base-project", e.base,
	}

	res, err := e.run(t, args, Options{})
	require.NoError(t, err)
	assert.Equal(t, ExitFailure, res.ExitCode)
	assert.Contains(t, res.Summary, missing)

	marker, err := os.ReadFile(filepath.Join(e.root, "src", GenerateErrorFileName))
	require.NoError(t, err)
	assert.Equal(t, res.Summary+"\n", string(marker))
	assert.NoFileExists(t, filepath.Join(e.root, "src", projgen.ProjectFileName))

	f := e.failure(t, res.RunID)
	assert.Equal(t, runstate.FailureClassConfiguration, f.FailureClass)
	assert.Equal(t, "MissingPath", f.ErrorCode)
	assert.Contains(t, e.stderr.String(), "axbuild.generate-project.failed")
}

func TestExecute_PropagateErrorsReturnsFailure(t *testing.T) {
	e := newBuildEnv(t)
	args := append([]string{"--propagate-errors"}, e.generateArgs("--module", "Nope")...)

	res, err := e.run(t, args, Options{})
	require.Error(t, err)
	assert.Equal(t, ExitFailure, res.ExitCode)
	assert.True(t, errors.Is(err, dag.ErrUnknownModule))

	var ce *runstate.ConfigurationError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "UnknownModule", ce.Code)
}

func TestExecute_SuccessRemovesStaleErrorFile(t *testing.T) {
	e := newBuildEnv(t)
	marker := filepath.Join(e.root, "src", GenerateErrorFileName)
	write(t, marker, "old failure\n")

	res, err := e.run(t, e.generateArgs(), Options{})
	require.NoError(t, err)
	assert.Equal(t, ExitSuccess, res.ExitCode)
	assert.NoFileExists(t, marker)
}

func TestExecute_InvalidConfigurationListsEveryProblem(t *testing.T) {
	e := newBuildEnv(t)
	errFile := filepath.Join(e.root, "errors.log")
	e.env["AXBUILD_LOG_LEVEL"] = "loud"

	res, err := e.run(t, []string{"--work-path", e.work, "--error-file", errFile, "generate-project"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, ExitFailure, res.ExitCode)

	marker, err := os.ReadFile(errFile)
	require.NoError(t, err)
	for _, want := range []string{"log level", "missing metadata path", "missing base project path"} {
		assert.Contains(t, string(marker), want)
	}
	assert.Equal(t, "InvalidConfiguration", e.failure(t, res.RunID).ErrorCode)
}

func TestExecute_UnreadableConfigFile(t *testing.T) {
	e := newBuildEnv(t)
	args := append([]string{"--config", filepath.Join(e.root, "axbuild.ini")}, e.generateArgs()...)

	res, err := e.run(t, args, Options{})
	require.NoError(t, err)
	assert.Equal(t, ExitFailure, res.ExitCode)
	assert.Equal(t, "ConfigurationLoad", e.failure(t, res.RunID).ErrorCode)
}

func TestExecute_ConfigFileAndEnvironmentPrecedence(t *testing.T) {
	e := newBuildEnv(t)
	cfgPath := filepath.Join(e.root, "axbuild.yaml")
	write(t, cfgPath, "metadataPath: "+filepath.Join(e.root, "nowhere")+"\n"+
		"deploymentMetadataPath: "+e.deployment+"\n"+
		"baseProjectPath: "+e.base+"\n")
	e.env["AXBUILD_METADATA_PATH"] = e.metadata

	res, err := e.run(t, []string{"--config", cfgPath, "--work-path", e.work, "generate-project"}, Options{})
	require.NoError(t, err)
	require.Equal(t, ExitSuccess, res.ExitCode, e.stderr.String())
	assert.Equal(t, []string{filepath.Join(e.root, "src", projgen.ProjectFileName)}, res.Outputs)
}

func TestExecute_CycleIsStructural(t *testing.T) {
	e := newBuildEnv(t)
	e.module(t, "Core", "Fleet")

	res, err := e.run(t, e.generateArgs(), Options{})
	require.NoError(t, err)
	assert.Equal(t, ExitFailure, res.ExitCode)

	f := e.failure(t, res.RunID)
	assert.Equal(t, runstate.FailureClassStructural, f.FailureClass)
	assert.Equal(t, "DependencyCycle", f.ErrorCode)
	assert.Contains(t, f.ErrorMessage, "Core")
}

type memoryStore struct {
	mu      sync.Mutex
	buckets []string
	keys    []string
}

func (s *memoryStore) EnsureBucket(_ context.Context, bucket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets = append(s.buckets, bucket)
	return nil
}

func (s *memoryStore) PutFile(_ context.Context, _, key, file string) error {
	if !fsutil.NonEmptyFile(file) {
		return fmt.Errorf("empty upload %s", file)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
	return nil
}

func (e *buildEnv) withPackaging(t *testing.T) {
	t.Helper()
	for _, m := range []string{"Core", "Fleet"} {
		write(t, filepath.Join(e.binaries, m, "bin", "Dynamics.AX."+m+".dll"), m)
		write(t, filepath.Join(e.binaries, m, "Descriptor", m+".xml"), "<AxModelInfo/>")
	}
	template := filepath.Join(e.root, "template")
	write(t, filepath.Join(template, "HotfixInstallationInfo.xml"), "info")
	basePkg := filepath.Join(e.root, "base.zip")
	require.NoError(t, archive.NativeCompressor{}.Compress(context.Background(), basePkg, template, []string{"HotfixInstallationInfo.xml"}))

	e.env["AXBUILD_PACKAGING_BASE_PACKAGE_PATH"] = basePkg
	e.env["AXBUILD_TOOLS_RETRY_DELAY"] = "0s"
	e.env["AXBUILD_METRICS_FILE"] = filepath.Join(e.root, "metrics.prom")
}

func (e *buildEnv) runtimeArgs(extra ...string) []string {
	args := []string{
		"--work-path", e.work,
		"package-runtime",
		"--metadata-path", e.metadata,
		"--deployment-binaries-path", e.binaries,
		"--output-path", e.out,
		"--version", "1.0.0.0",
	}
	return append(args, extra...)
}

func TestExecute_PackageRuntime(t *testing.T) {
	e := newBuildEnv(t)
	e.withPackaging(t)
	e.env["AXBUILD_PUBLISH_ENDPOINT"] = "https://s3.example.com"
	e.env["AXBUILD_PUBLISH_BUCKET"] = "drops"
	e.env["AXBUILD_PUBLISH_PREFIX"] = "contoso/"
	store := &memoryStore{}
	tracePath := filepath.Join(e.root, "report.json")

	res, err := e.run(t, append([]string{"--trace", tracePath}, e.runtimeArgs()...), Options{ObjectStore: store})
	require.NoError(t, err)
	require.Equal(t, ExitSuccess, res.ExitCode, e.stderr.String())

	require.Len(t, res.Outputs, 3)
	assert.Contains(t, filepath.Base(res.Outputs[0]), policy.PackageID("dynamicsax", "Core", policy.TypeRun))
	assert.Contains(t, filepath.Base(res.Outputs[1]), policy.PackageID("dynamicsax", "Fleet", policy.TypeRun))
	runtimePkg := filepath.Join(e.out, packaging.RuntimePackageFileName("1.0.0.0"))
	assert.Equal(t, runtimePkg, res.Outputs[2])

	entries, err := archivetest.Entries(runtimePkg)
	require.NoError(t, err)
	assert.Contains(t, entries, "HotfixInstallationInfo.xml")
	assert.Contains(t, entries, packaging.PackagesFolder+"/"+filepath.Base(res.Outputs[0]))

	assert.Equal(t, []string{"drops"}, store.buckets)
	assert.Equal(t, []string{"contoso/" + packaging.RuntimePackageFileName("1.0.0.0")}, store.keys)

	metricsBody, err := os.ReadFile(filepath.Join(e.root, "metrics.prom"))
	require.NoError(t, err)
	assert.Contains(t, string(metricsBody), `axbuild_packages_total{type="run"} 2`)

	report, err := os.ReadFile(tracePath)
	require.NoError(t, err)
	assert.Contains(t, string(report), `"module":"AXDeployableRuntime","reason":"runtime"`)
}

func TestExecute_PackageRuntimeExcludesModules(t *testing.T) {
	e := newBuildEnv(t)
	e.withPackaging(t)
	e.module(t, "ApplicationSuite")
	write(t, filepath.Join(e.binaries, "ApplicationSuite", "bin", "Dynamics.AX.ApplicationSuite.dll"), "suite")
	tracePath := filepath.Join(e.root, "report.json")

	res, err := e.run(t, append([]string{"--trace", tracePath}, e.runtimeArgs("-x", "core")...), Options{})
	require.NoError(t, err)
	require.Equal(t, ExitSuccess, res.ExitCode, e.stderr.String())
	require.Len(t, res.Outputs, 2)
	assert.Contains(t, filepath.Base(res.Outputs[0]), policy.PackageID("dynamicsax", "Fleet", policy.TypeRun))

	report, err := os.ReadFile(tracePath)
	require.NoError(t, err)
	assert.Contains(t, string(report), `{"kind":"ModuleExcluded","module":"ApplicationSuite","reason":"application"}`)
	assert.Contains(t, string(report), `{"kind":"ModuleExcluded","module":"Core","reason":"user"}`)
}

func TestExecute_PackageRuntimeSkipsEmptyModule(t *testing.T) {
	e := newBuildEnv(t)
	e.withPackaging(t)
	e.module(t, "Hollow")
	write(t, filepath.Join(e.binaries, "Hollow", "Descriptor", "Hollow.xml"), "<AxModelInfo/>")
	tracePath := filepath.Join(e.root, "report.json")

	res, err := e.run(t, append([]string{"--trace", tracePath}, e.runtimeArgs()...), Options{})
	require.NoError(t, err)
	require.Equal(t, ExitSuccess, res.ExitCode, e.stderr.String())
	require.Len(t, res.Outputs, 3)
	for _, out := range res.Outputs {
		assert.NotContains(t, filepath.Base(out), "hollow")
	}
	assert.Contains(t, e.stderr.String(), "skipped-empty-package")

	report, err := os.ReadFile(tracePath)
	require.NoError(t, err)
	assert.Contains(t, string(report), `{"kind":"ModuleExcluded","module":"Hollow","reason":"empty-run"}`)
}

func TestExecute_PackageRuntimeMissingBinaries(t *testing.T) {
	e := newBuildEnv(t)
	e.withPackaging(t)
	require.NoError(t, os.RemoveAll(e.binaries))

	res, err := e.run(t, e.runtimeArgs(), Options{})
	require.NoError(t, err)
	assert.Equal(t, ExitFailure, res.ExitCode)
	assert.FileExists(t, filepath.Join(e.out, PackageErrorFileName))
	assert.Equal(t, "MissingPath", e.failure(t, res.RunID).ErrorCode)
}

// exportRunner imitates the model utility by writing <model>-1.0.0.0.axmodel.
type exportRunner struct {
	err   error
	calls int
}

func (r *exportRunner) Run(_ context.Context, inv toolrun.Invocation) (*toolrun.Result, error) {
	r.calls++
	if r.err != nil {
		return &toolrun.Result{ExitCode: 1}, r.err
	}
	var model, out string
	for _, a := range inv.Args {
		if v, ok := strings.CutPrefix(a, "-modelname="); ok {
			model = v
		}
		if v, ok := strings.CutPrefix(a, "-outputpath="); ok {
			out = v
		}
	}
	return &toolrun.Result{}, os.WriteFile(filepath.Join(out, model+"-1.0.0.0.axmodel"), []byte(model), 0o644)
}

func (e *buildEnv) sourceArgs() []string {
	return []string{
		"--work-path", e.work,
		"package-source",
		"--metadata-path", e.metadata,
		"--output-path", e.out,
		"--version", "1.0.0.0",
		"-m", "Fleet", "-m", "Core",
	}
}

func TestExecute_PackageSource(t *testing.T) {
	e := newBuildEnv(t)
	e.env["AXBUILD_TOOLS_MODEL_UTIL_PATH"] = "ModelUtil.exe"

	res, err := e.run(t, e.sourceArgs(), Options{Runner: &exportRunner{}})
	require.NoError(t, err)
	require.Equal(t, ExitSuccess, res.ExitCode, e.stderr.String())

	dest := filepath.Join(e.out, packaging.SourcePackageFileName("1.0.0.0"))
	assert.Equal(t, []string{dest}, res.Outputs)
	entries, err := archivetest.Entries(dest)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Core-1.0.0.0.axmodel", "Fleet-1.0.0.0.axmodel"}, entries)
}

func TestExecute_PackageSourceRelativeOutputPath(t *testing.T) {
	e := newBuildEnv(t)
	e.env["AXBUILD_TOOLS_MODEL_UTIL_PATH"] = "ModelUtil.exe"
	t.Chdir(e.root)

	args := []string{
		"--work-path", "work",
		"package-source",
		"--metadata-path", filepath.Join("src", "Metadata"),
		"--output-path", "out",
		"--version", "1.0.0.0",
		"-m", "Fleet",
	}
	res, err := e.run(t, args, Options{Runner: &exportRunner{}})
	require.NoError(t, err)
	require.Equal(t, ExitSuccess, res.ExitCode, e.stderr.String())

	dest := filepath.Join(e.out, packaging.SourcePackageFileName("1.0.0.0"))
	require.Len(t, res.Outputs, 1)
	assert.True(t, filepath.IsAbs(res.Outputs[0]))
	assert.FileExists(t, dest)
	entries, err := archivetest.Entries(dest)
	require.NoError(t, err)
	assert.Equal(t, []string{"Fleet-1.0.0.0.axmodel"}, entries)
}

func TestExecute_PackageSourceToolFailure(t *testing.T) {
	e := newBuildEnv(t)
	e.env["AXBUILD_TOOLS_MODEL_UTIL_PATH"] = "ModelUtil.exe"
	e.env["AXBUILD_TOOLS_RETRY_DELAY"] = "0s"
	runner := &exportRunner{err: &toolrun.ToolError{Tool: "modelutil", ExitCode: 1, Stderr: "model not found"}}

	res, err := e.run(t, e.sourceArgs(), Options{Runner: runner})
	require.NoError(t, err)
	assert.Equal(t, ExitFailure, res.ExitCode)
	assert.Equal(t, 3, runner.calls)

	f := e.failure(t, res.RunID)
	assert.Equal(t, runstate.FailureClassTool, f.FailureClass)
	assert.Equal(t, "RetriesExhausted", f.ErrorCode)
	assert.Contains(t, res.Summary, "model not found")
}

func TestExecute_PackageSourceRequiresModelUtil(t *testing.T) {
	e := newBuildEnv(t)

	res, err := e.run(t, e.sourceArgs(), Options{Runner: &exportRunner{}})
	require.NoError(t, err)
	assert.Equal(t, ExitFailure, res.ExitCode)
	assert.Contains(t, res.Summary, "model util path")
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err   error
		class runstate.FailureClass
		code  string
	}{
		{&config.ValidationError{}, runstate.FailureClassConfiguration, "InvalidConfiguration"},
		{&fsutil.MissingPathError{What: "x", Path: "/x"}, runstate.FailureClassConfiguration, "MissingPath"},
		{fmt.Errorf("wrap: %w", policy.ErrProtectedModule), runstate.FailureClassConfiguration, "ProtectedModule"},
		{&dag.CyclicDependencyError{Cycle: []string{"A", "B", "A"}}, runstate.FailureClassStructural, "DependencyCycle"},
		{&projgen.DescriptorError{Path: "d.xml", Msg: "bad"}, runstate.FailureClassStructural, "MalformedDescriptor"},
		{&packaging.ExportMismatchError{Model: "Fleet"}, runstate.FailureClassStructural, "ExportMismatch"},
		{&moduleError{Module: "Fleet", Err: &toolrun.RetryError{Tool: "zip", Attempts: 3, Last: errors.New("boom")}}, runstate.FailureClassTool, "RetriesExhausted"},
		{&publishError{Err: errors.New("denied")}, runstate.FailureClassSystem, "PublishFailed"},
		{context.Canceled, runstate.FailureClassSystem, "Canceled"},
		{errors.New("disk full"), runstate.FailureClassSystem, "Unexpected"},
	}
	for _, c := range cases {
		f, err := runstate.FailureFromError(classify(c.err))
		require.NoError(t, err)
		assert.Equal(t, c.class, f.FailureClass, c.err.Error())
		assert.Equal(t, c.code, f.ErrorCode, c.err.Error())
	}

	f, err := runstate.FailureFromError(classify(&moduleError{Module: "Fleet", Err: &toolrun.ToolError{Tool: "pack", ExitCode: 1}}))
	require.NoError(t, err)
	assert.Equal(t, "Fleet", f.Module)
}

func TestErrorChain(t *testing.T) {
	err := fmt.Errorf("stage: %w", &fsutil.MissingPathError{What: "source", Path: "/x"})
	chain := errorChain(err)
	require.Len(t, chain, 3)
	assert.Equal(t, fsutil.ErrMissingPath.Error(), chain[2])
}
