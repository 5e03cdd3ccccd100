package cli_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	icl "axbuild/internal/cli"
)

const descriptor = `<?xml version="1.0" encoding="utf-8"?>
<AxModelInfo>
  <Layer>isv</Layer>
  <ModuleReferences>
    {{refs}}
  </ModuleReferences>
  <Name>{{name}}</Name>
  <VersionMajor>2</VersionMajor>
</AxModelInfo>
`

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return b
}

func writeModule(t *testing.T, metadata, name string, refs ...string) {
	t.Helper()
	var refXML []string
	for _, r := range refs {
		refXML = append(refXML, "<string>"+r+"</string>")
	}
	body := strings.NewReplacer("{{name}}", name, "{{refs}}", strings.Join(refXML, "")).Replace(descriptor)
	writeFile(t, filepath.Join(metadata, name, "Descriptor", name+".xml"), body)
	writeFile(t, filepath.Join(metadata, name, name, "AxClass", name+".xml"), name)
}

type layout struct {
	root       string
	metadata   string
	deployment string
	base       string
}

func newLayout(t *testing.T) layout {
	t.Helper()
	root := t.TempDir()
	l := layout{
		root:       root,
		metadata:   filepath.Join(root, "src", "Metadata"),
		deployment: filepath.Join(root, "PackagesLocalDirectory"),
		base:       filepath.Join(root, "Build.proj"),
	}
	writeModule(t, l.metadata, "Ledger")
	writeModule(t, l.metadata, "Fleet", "Ledger")
	writeModule(t, l.metadata, "Rental", "Fleet", "Ledger")
	if err := os.MkdirAll(l.deployment, 0o755); err != nil {
		t.Fatalf("mkdir deployment: %v", err)
	}
	writeFile(t, l.base, "<Project/>")
	return l
}

func (l layout) args(extra ...string) []string {
	args := []string{
		"--work-path", filepath.Join(l.root, "work"),
		"--trace", filepath.Join(l.root, "trace.json"),
		"generate-project",
		"--metadata-path", l.metadata,
		"--deployment-metadata-path", l.deployment,
		"--base-project", l.base,
	}
	return append(args, extra...)
}

func run(t *testing.T, args []string) (icl.Result, error) {
	t.Helper()
	return icl.RunWithOptions(context.Background(), args, icl.Options{
		Stderr:      &bytes.Buffer{},
		Environment: map[string]string{},
	})
}

func TestDeterministicInvocation_IdenticalRunsIdenticalArtifacts(t *testing.T) {
	l := newLayout(t)
	args := l.args("--module", "Rental", "--module", "Ledger", "--module", "Fleet")

	res1, err := run(t, args)
	if err != nil {
		t.Fatalf("run1 err: %v", err)
	}
	if res1.ExitCode != icl.ExitSuccess {
		t.Fatalf("run1 exit: %d (%s)", res1.ExitCode, res1.Summary)
	}
	proj1 := readFile(t, res1.Outputs[0])
	tr1 := readFile(t, filepath.Join(l.root, "trace.json"))

	res2, err := run(t, args)
	if err != nil {
		t.Fatalf("run2 err: %v", err)
	}
	if res2.ExitCode != icl.ExitSuccess {
		t.Fatalf("run2 exit: %d (%s)", res2.ExitCode, res2.Summary)
	}
	proj2 := readFile(t, res2.Outputs[0])
	tr2 := readFile(t, filepath.Join(l.root, "trace.json"))

	if !bytes.Equal(proj1, proj2) {
		t.Fatalf("project files differ:\n%s\n---\n%s", proj1, proj2)
	}
	if !bytes.Equal(tr1, tr2) {
		t.Fatalf("traces differ:\n%s\n---\n%s", tr1, tr2)
	}
	if res1.RunID == res2.RunID {
		t.Fatalf("expected distinct run ids, got %q twice", res1.RunID)
	}
}

func TestBuildOrder_DependenciesFirstRegardlessOfRequestOrder(t *testing.T) {
	l := newLayout(t)

	res, err := run(t, l.args("-m", "rental", "-m", "FLEET", "-m", "Ledger"))
	if err != nil || res.ExitCode != icl.ExitSuccess {
		t.Fatalf("run: exit=%d err=%v summary=%s", res.ExitCode, err, res.Summary)
	}
	doc := string(readFile(t, res.Outputs[0]))

	want := []string{"<Module_1_Name>Ledger<", "<Module_2_Name>Fleet<", "<Module_3_Name>Rental<"}
	last := -1
	for _, w := range want {
		i := strings.Index(doc, w)
		if i < 0 {
			t.Fatalf("missing %q in:\n%s", w, doc)
		}
		if i < last {
			t.Fatalf("%q out of order in:\n%s", w, doc)
		}
		last = i
	}
}

func TestExitCodeStability_MissingDescriptorIsStable(t *testing.T) {
	l := newLayout(t)
	args := l.args("--dependency-descriptor", filepath.Join(l.root, "missing.xml"))
	marker := filepath.Join(l.root, "src", icl.GenerateErrorFileName)

	for i := 0; i < 2; i++ {
		res, err := run(t, args)
		if err != nil {
			t.Fatalf("run %d: unexpected returned error without --propagate-errors: %v", i, err)
		}
		if res.ExitCode != icl.ExitFailure {
			t.Fatalf("run %d: expected exit %d got %d", i, icl.ExitFailure, res.ExitCode)
		}
		if !strings.Contains(string(readFile(t, marker)), "missing.xml") {
			t.Fatalf("run %d: marker does not name the missing file", i)
		}
	}
	if _, err := os.Stat(filepath.Join(l.root, "src", "Metadata_Project_Build.proj")); !os.IsNotExist(err) {
		t.Fatalf("expected no project file on failure, stat err=%v", err)
	}
}

func TestInvalidInvocation_DeterministicAndExplainable(t *testing.T) {
	args := []string{"generate-project", "--graph", "graph.json"}

	res1, err1 := icl.Run(context.Background(), args)
	res2, err2 := icl.Run(context.Background(), args)
	if err1 == nil || err2 == nil {
		t.Fatalf("expected invocation errors")
	}
	if res1.ExitCode != icl.ExitFailure || res2.ExitCode != icl.ExitFailure {
		t.Fatalf("expected exit %d, got %d and %d", icl.ExitFailure, res1.ExitCode, res2.ExitCode)
	}
	if err1.Error() != err2.Error() {
		t.Fatalf("non-deterministic message: %q vs %q", err1.Error(), err2.Error())
	}
	if !strings.Contains(err1.Error(), "graph") {
		t.Fatalf("message should name the bad flag: %q", err1.Error())
	}
}
