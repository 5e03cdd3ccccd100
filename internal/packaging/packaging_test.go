package packaging

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"code.cloudfoundry.org/lager/v3/lagerctx"
	"code.cloudfoundry.org/lager/v3/lagertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"axbuild/internal/archive"
	"axbuild/internal/archive/archivetest"
	"axbuild/internal/config"
	"axbuild/internal/metadata"
	"axbuild/internal/metrics"
	"axbuild/internal/nuspec"
	"axbuild/internal/policy"
	"axbuild/internal/toolrun"
	"axbuild/internal/trace"
)

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, body := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
}

func testContext() (context.Context, *lagertest.TestLogger) {
	logger := lagertest.NewTestLogger("packaging")
	return lagerctx.NewContext(context.Background(), logger), logger
}

type fixture struct {
	assembler *Assembler
	binaries  string
	recorder  *trace.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()
	binaries := filepath.Join(base, "bin")
	writeFiles(t, binaries, map[string]string{
		"Fleet/bin/Dynamics.AX.Fleet.dll":       "fleet",
		"Fleet/bin/Old.dll.delete":              "gone",
		"Fleet/Descriptor/Fleet.xml":            "<AxModelInfo/>",
		"Fleet/XppMetadata/Fleet/AxClass/A.xml": "x",
		"Fleet/Fleet/AxClass/FleetClass.xml":    "src",
	})
	writeFiles(t, binaries, map[string]string{
		"FleetFormAdaptor/bin/Dynamics.AX.FleetFormAdaptor.dll": "adaptor",
	})
	writeFiles(t, filepath.Join(base, "scripts"), map[string]string{
		"install.ps1":   "install",
		"uninstall.ps1": "uninstall",
	})
	writeFiles(t, filepath.Join(base, "template"), map[string]string{
		"AOSService/Scripts/setup.ps1": "setup",
		"HotfixInstallationInfo.xml":   "info",
	})
	basePkg := filepath.Join(base, "base.zip")
	require.NoError(t, archive.NativeCompressor{}.Compress(context.Background(), basePkg, filepath.Join(base, "template"),
		[]string{"AOSService/Scripts/setup.ps1", "HotfixInstallationInfo.xml"}))

	pol, err := policy.NewPolicy([]string{"Scratch"}, policy.ProductInfo{PlatformPackages: []string{"ApplicationPlatform"}}, "8.1")
	require.NoError(t, err)

	cfg := config.Default()
	cfg.OutputPath = filepath.Join(base, "out")
	cfg.WorkPath = filepath.Join(base, "work")
	cfg.Packaging.Version = "1.2.3.4"
	cfg.Packaging.ScriptsPath = filepath.Join(base, "scripts")
	cfg.Packaging.BasePackagePath = basePkg
	cfg.Tools.RetryDelay = 0

	rec := trace.NewRecorder()
	a := NewAssembler(cfg, pol, toolrun.NewExecutor(), metrics.New(), rec)
	a.Modules = metadata.Index([]metadata.Module{
		{Name: "Fleet", Models: []metadata.ModelInfo{{Name: "Fleet", Version: metadata.Version{Major: 1, Minor: 0, Build: 0, Revision: 7}}}},
		{Name: "Core", Models: []metadata.ModelInfo{{Name: "Core", Version: metadata.Version{Major: 2}}}},
		{Name: "Unversioned"},
		{Name: "Split", Models: []metadata.ModelInfo{
			{Name: "Split", Version: metadata.Version{Major: 1}},
			{Name: "SplitExtensions", Version: metadata.Version{Major: 1, Minor: 1}},
		}},
	})
	return &fixture{assembler: a, binaries: binaries, recorder: rec}
}

func assertLogged(t *testing.T, logger *lagertest.TestLogger, suffix string) {
	t.Helper()
	for _, msg := range logger.LogMessages() {
		if strings.HasSuffix(msg, suffix) {
			return
		}
	}
	t.Errorf("no log message ending in %q in %v", suffix, logger.LogMessages())
}

func fleet(refs ...string) metadata.Module {
	return metadata.Module{Name: "Fleet", References: refs}
}

func readNuspec(t *testing.T, pkg, id string) *nuspec.Package {
	t.Helper()
	body, err := archivetest.ReadEntry(pkg, id+".1.2.3.4.nuspec")
	require.NoError(t, err)
	spec, err := nuspec.Parse(body)
	require.NoError(t, err)
	return spec
}

func assertWorkPathEmpty(t *testing.T, a *Assembler) {
	t.Helper()
	entries, err := os.ReadDir(a.WorkPath)
	if os.IsNotExist(err) {
		return
	}
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBuildModulePackage_Runtime(t *testing.T) {
	f := newFixture(t)
	ctx, _ := testContext()

	art, err := f.assembler.BuildModulePackage(ctx, ModuleRequest{
		Module:    fleet("Core", "ApplicationPlatform", "Scratch"),
		Type:      policy.TypeRun,
		SourceDir: filepath.Join(f.binaries, "Fleet"),
	})
	require.NoError(t, err)
	assert.Equal(t, "dynamicsax-fleet", art.ID)
	assert.Equal(t, filepath.Join(f.assembler.OutputPath, "dynamicsax-fleet.1.2.3.4.nupkg"), art.Path)
	assert.FileExists(t, art.Path)

	entries, err := archivetest.Entries(art.Path)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"dynamicsax-fleet.1.2.3.4.nuspec",
		"tools/InstallConfig.json",
		"tools/dynamicsax-fleet.1.2.3.4.zip",
		"tools/install.ps1",
		"tools/uninstall.ps1",
	}, entries)

	spec := readNuspec(t, art.Path, "dynamicsax-fleet")
	assert.Equal(t, "dynamicsax-fleet", spec.Metadata.ID)
	assert.Equal(t, "1.2.3.4", spec.Metadata.Version)
	assert.Equal(t, []nuspec.Dependency{{ID: "dynamicsax-core"}}, spec.Metadata.Dependencies)

	var ic installConfig
	body, err := archivetest.ReadEntry(art.Path, "tools/InstallConfig.json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(body, &ic))
	assert.Equal(t, installConfig{PackageName: "dynamicsax-fleet", ZipName: "dynamicsax-fleet.1.2.3.4.zip"}, ic)

	assertWorkPathEmpty(t, f.assembler)

	rep := f.recorder.Report("package-runtime", "")
	require.Len(t, rep.Events, 1)
	assert.Equal(t, trace.Event{
		Kind:      trace.EventPackageProduced,
		Module:    "Fleet",
		Reason:    "run",
		Artifacts: []string{"dynamicsax-fleet.1.2.3.4.nupkg"},
	}, rep.Events[0])
}

func TestBuildModulePackage_RuntimeZipExcludesMetadata(t *testing.T) {
	f := newFixture(t)
	ctx, _ := testContext()

	var captured []string
	f.assembler.Compressor = compressorFunc(func(ctx context.Context, dest, root string, files []string) error {
		captured = files
		return archive.NativeCompressor{}.Compress(ctx, dest, root, files)
	})

	_, err := f.assembler.BuildModulePackage(ctx, ModuleRequest{Module: fleet(), Type: policy.TypeRun, SourceDir: filepath.Join(f.binaries, "Fleet")})
	require.NoError(t, err)
	assert.Equal(t, []string{"Fleet/AxClass/FleetClass.xml", "bin/Dynamics.AX.Fleet.dll"}, captured)
}

func TestBuildModulePackage_FormAdaptorUsesAdaptorFolder(t *testing.T) {
	f := newFixture(t)
	ctx, _ := testContext()

	var captured []string
	f.assembler.Compressor = compressorFunc(func(ctx context.Context, dest, root string, files []string) error {
		captured = files
		return archive.NativeCompressor{}.Compress(ctx, dest, root, files)
	})

	art, err := f.assembler.BuildModulePackage(ctx, ModuleRequest{Module: fleet("Core"), Type: policy.TypeFormAdaptor, SourceDir: filepath.Join(f.binaries, "Fleet")})
	require.NoError(t, err)
	assert.Equal(t, "dynamicsax-fleet-formadaptor", art.ID)
	assert.Equal(t, []string{"bin/Dynamics.AX.FleetFormAdaptor.dll"}, captured)

	spec := readNuspec(t, art.Path, "dynamicsax-fleet-formadaptor")
	assert.Equal(t, []nuspec.Dependency{{ID: "dynamicsax-core-formadaptor"}}, spec.Metadata.Dependencies)
}

func TestBuildModulePackage_StrictDependencyVersions(t *testing.T) {
	f := newFixture(t)
	ctx, _ := testContext()
	f.assembler.StrictDependencyVersions = true

	art, err := f.assembler.BuildModulePackage(ctx, ModuleRequest{Module: fleet("Core"), Type: policy.TypeRun, SourceDir: filepath.Join(f.binaries, "Fleet")})
	require.NoError(t, err)
	spec := readNuspec(t, art.Path, "dynamicsax-fleet")
	assert.Equal(t, []nuspec.Dependency{{ID: "dynamicsax-core", Version: "[2.0.0.0]"}}, spec.Metadata.Dependencies)

	_, err = f.assembler.BuildModulePackage(ctx, ModuleRequest{Module: fleet("Unversioned"), Type: policy.TypeRun, SourceDir: filepath.Join(f.binaries, "Fleet")})
	assert.ErrorIs(t, err, ErrUnknownDependencyVersion)

	_, err = f.assembler.BuildModulePackage(ctx, ModuleRequest{Module: fleet("Split"), Type: policy.TypeRun, SourceDir: filepath.Join(f.binaries, "Fleet")})
	assert.ErrorIs(t, err, ErrUnknownDependencyVersion)
	assert.Contains(t, err.Error(), "SplitExtensions is 1.1.0.0")
}

func TestBuildModulePackage_RefusesProtectedModule(t *testing.T) {
	f := newFixture(t)
	ctx, _ := testContext()

	_, err := f.assembler.BuildModulePackage(ctx, ModuleRequest{Module: metadata.Module{Name: "applicationplatform"}, Type: policy.TypeRun, SourceDir: f.binaries})
	assert.ErrorIs(t, err, policy.ErrProtectedModule)
}

type compressorFunc func(ctx context.Context, dest, root string, files []string) error

func (f compressorFunc) Compress(ctx context.Context, dest, root string, files []string) error {
	return f(ctx, dest, root, files)
}

func TestBuildModulePackage_RetriesTransientCompressFailure(t *testing.T) {
	f := newFixture(t)
	ctx, _ := testContext()

	calls := 0
	f.assembler.Compressor = compressorFunc(func(ctx context.Context, dest, root string, files []string) error {
		calls++
		if calls == 1 {
			return &toolrun.ToolError{Tool: "zip", ExitCode: 2, Stderr: "locked"}
		}
		return archive.NativeCompressor{}.Compress(ctx, dest, root, files)
	})

	art, err := f.assembler.BuildModulePackage(ctx, ModuleRequest{Module: fleet(), Type: policy.TypeRun, SourceDir: filepath.Join(f.binaries, "Fleet")})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	out, err := os.ReadDir(f.assembler.OutputPath)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "dynamicsax-fleet.1.2.3.4.nupkg", out[0].Name())
	assert.Equal(t, filepath.Join(f.assembler.OutputPath, out[0].Name()), art.Path)
}

func TestBuildModulePackage_ExhaustedRetriesCarryLogAndCleanUp(t *testing.T) {
	f := newFixture(t)
	ctx, _ := testContext()

	calls := 0
	f.assembler.Compressor = compressorFunc(func(context.Context, string, string, []string) error {
		calls++
		return &toolrun.ToolError{Tool: "zip", ExitCode: 2, Stderr: "disk quota exceeded"}
	})

	_, err := f.assembler.BuildModulePackage(ctx, ModuleRequest{Module: fleet(), Type: policy.TypeRun, SourceDir: filepath.Join(f.binaries, "Fleet")})
	require.Error(t, err)
	assert.Equal(t, 3, calls)

	var re *toolrun.RetryError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, 3, re.Attempts)
	assert.Contains(t, re.Log, "disk quota exceeded")

	assertWorkPathEmpty(t, f.assembler)
	assert.NoDirExists(t, f.assembler.OutputPath)
}

func TestBuildModulePackage_MissingSourceCleansUp(t *testing.T) {
	f := newFixture(t)
	ctx, _ := testContext()

	_, err := f.assembler.BuildModulePackage(ctx, ModuleRequest{Module: metadata.Module{Name: "Ghost"}, Type: policy.TypeRun, SourceDir: filepath.Join(f.binaries, "Ghost")})
	require.Error(t, err)
	assertWorkPathEmpty(t, f.assembler)
}

func TestBuildModulePackage_NothingLeftAfterRules(t *testing.T) {
	f := newFixture(t)
	ctx, _ := testContext()
	writeFiles(t, f.binaries, map[string]string{
		"Hollow/Descriptor/Hollow.xml": "<AxModelInfo/>",
		"Hollow/bin/Old.dll.delete":    "gone",
	})

	art, err := f.assembler.BuildModulePackage(ctx, ModuleRequest{Module: metadata.Module{Name: "Hollow"}, Type: policy.TypeRun, SourceDir: filepath.Join(f.binaries, "Hollow")})
	assert.Nil(t, art)
	assert.ErrorIs(t, err, ErrNothingToPackage)
	assert.Contains(t, err.Error(), "Hollow")
	assertWorkPathEmpty(t, f.assembler)
	assert.NoDirExists(t, f.assembler.OutputPath)
}

func TestMergeRuntime(t *testing.T) {
	f := newFixture(t)
	ctx, _ := testContext()

	art, err := f.assembler.BuildModulePackage(ctx, ModuleRequest{Module: fleet(), Type: policy.TypeRun, SourceDir: filepath.Join(f.binaries, "Fleet")})
	require.NoError(t, err)

	merged, err := f.assembler.MergeRuntime(ctx, []*Artifact{art})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.assembler.OutputPath, "AXDeployableRuntime_1.2.3.4.zip"), merged.Path)

	entries, err := archivetest.Entries(merged.Path)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"AOSService/Scripts/setup.ps1",
		"HotfixInstallationInfo.xml",
		"AOSService/Packages/dynamicsax-fleet.1.2.3.4.nupkg",
	}, entries)
	assertWorkPathEmpty(t, f.assembler)
}

func TestMergeRuntime_NoArtifactsWarns(t *testing.T) {
	f := newFixture(t)
	ctx, logger := testContext()

	merged, err := f.assembler.MergeRuntime(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, merged)
	assertLogged(t, logger, "no-packages-to-merge")
}

func TestMergeRuntime_MissingBasePackage(t *testing.T) {
	f := newFixture(t)
	ctx, _ := testContext()
	f.assembler.BasePackagePath = filepath.Join(t.TempDir(), "missing.zip")

	_, err := f.assembler.MergeRuntime(ctx, []*Artifact{{ID: "x", Path: "x.nupkg"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base deployable package")
}

type fakeExporter struct {
	files map[string][]string
}

func (e fakeExporter) Export(_ context.Context, model, outDir string) error {
	names, ok := e.files[model]
	if !ok {
		return &toolrun.ToolError{Tool: "modelutil", ExitCode: 1, Stderr: "unknown model"}
	}
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(outDir, n), []byte(model), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func TestBuildSourcePackage(t *testing.T) {
	f := newFixture(t)
	ctx, logger := testContext()
	f.assembler.Exporter = fakeExporter{files: map[string][]string{
		"Fleet": {"Fleet-1.0.0.7.axmodel", "Fleet-1.0.0.8.axmodel"},
		"Core":  {"Core-2.0.0.0.axmodel"},
	}}

	art, err := f.assembler.BuildSourcePackage(ctx, []string{"Fleet", "Core"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.assembler.OutputPath, "AXSource_1.2.3.4.zip"), art.Path)

	entries, err := archivetest.Entries(art.Path)
	require.NoError(t, err)
	assert.Equal(t, []string{"Core-2.0.0.0.axmodel", "Fleet-1.0.0.7.axmodel", "Fleet-1.0.0.8.axmodel"}, entries)
	assertLogged(t, logger, "multiple-export-matches")
	assertWorkPathEmpty(t, f.assembler)
}

func TestBuildSourcePackage_ExportMismatch(t *testing.T) {
	f := newFixture(t)
	ctx, _ := testContext()
	f.assembler.Exporter = fakeExporter{files: map[string][]string{"Fleet": {"Other-1.0.axmodel"}}}

	_, err := f.assembler.BuildSourcePackage(ctx, []string{"Fleet"})
	var mismatch *ExportMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, "Fleet", mismatch.Model)
	assert.Equal(t, "Fleet-*.axmodel", mismatch.Pattern)
	assertWorkPathEmpty(t, f.assembler)
}

func TestBuildSourcePackage_RequiresExporter(t *testing.T) {
	f := newFixture(t)
	ctx, _ := testContext()
	f.assembler.Exporter = nil

	_, err := f.assembler.BuildSourcePackage(ctx, []string{"Fleet"})
	assert.Error(t, err)
}

type recordingRunner struct {
	invs []toolrun.Invocation
}

func (r *recordingRunner) Run(_ context.Context, inv toolrun.Invocation) (*toolrun.Result, error) {
	r.invs = append(r.invs, inv)
	if inv.Output != "" {
		return &toolrun.Result{}, os.WriteFile(inv.Output, []byte("PK"), 0o644)
	}
	return &toolrun.Result{}, nil
}

func TestNewAssembler_SelectsExternalTools(t *testing.T) {
	cfg := config.Default()
	cfg.Tools.ZipPath = "7za"
	cfg.Tools.MergePath = "merge.exe"
	cfg.Tools.NuGetPath = "nuget.exe"
	cfg.Tools.ModelUtilPath = "ModelUtil.exe"
	cfg.MetadataPath = "/ax/metadata"

	runner := &recordingRunner{}
	a := NewAssembler(cfg, nil, runner, nil, nil)
	assert.IsType(t, archive.ToolCompressor{}, a.Compressor)
	assert.IsType(t, archive.ToolMerger{}, a.Merger)
	assert.IsType(t, NuGetPacker{}, a.Packer)
	require.IsType(t, ModelUtilExporter{}, a.Exporter)

	ctx, _ := testContext()
	require.NoError(t, a.Exporter.Export(ctx, "Fleet", "/tmp/out"))
	require.Len(t, runner.invs, 1)
	assert.Equal(t, []string{"-export", "-metadatastorepath=/ax/metadata", "-modelname=Fleet", "-outputpath=/tmp/out"}, runner.invs[0].Args)

	outDir := t.TempDir()
	spec := nuspec.New(nuspec.Metadata{ID: "dynamicsax-fleet", Version: "1.0"})
	pkg, err := a.Packer.Pack(ctx, spec, "/work/dynamicsax-fleet.1.0.nuspec", "/work", outDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outDir, "dynamicsax-fleet.1.0.nupkg"), pkg)
	assert.Equal(t, "pack", runner.invs[1].Args[0])

	b := NewAssembler(config.Default(), nil, runner, nil, nil)
	assert.IsType(t, archive.NativeCompressor{}, b.Compressor)
	assert.IsType(t, NativePacker{}, b.Packer)
	assert.Nil(t, b.Exporter)
}
