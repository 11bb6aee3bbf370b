package engine

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"testing"

	"github.com/linetest/linetest/internal/config"
	"github.com/linetest/linetest/internal/covprofile"
	"github.com/linetest/linetest/internal/digest"
	"github.com/linetest/linetest/internal/harness"
	"github.com/linetest/linetest/internal/index"
)

// fixture builds a project root with source files and a promoted index over
// them, and returns an Invocation pointed at it.
func fixture(t *testing.T, files map[string]string, lineTests map[string]map[int][]string, tests []index.TestRecord) *Invocation {
	t.Helper()
	root := t.TempDir()

	writeTree(t, root, files)

	livePath := index.DefaultPath(root)
	staging, err := index.CreateStaging(livePath + ".staging")
	if err != nil {
		t.Fatalf("CreateStaging: %v", err)
	}
	if err := staging.InsertTests(tests); err != nil {
		t.Fatalf("InsertTests: %v", err)
	}
	for path, content := range files {
		hash := digest.HashBytes([]byte(content))
		rec := index.FileRecord{
			Path:      path,
			Hash:      hash,
			LineCount: digest.CountLines([]byte(content)),
		}
		if err := staging.ReplaceFile(rec, lineTests[path]); err != nil {
			t.Fatalf("ReplaceFile %s: %v", path, err)
		}
	}
	if err := staging.Promote(livePath); err != nil {
		t.Fatalf("Promote: %v", err)
	}

	return &Invocation{
		Config:    config.DefaultConfig(),
		Root:      root,
		IndexPath: livePath,
		Stdout:    &bytes.Buffer{},
		Stderr:    &bytes.Buffer{},
	}
}

func fiveLines() string {
	return "a\nb\nc\nd\ne\n"
}

func TestQueryLinesUnion(t *testing.T) {
	inv := fixture(t,
		map[string]string{"a.go": fiveLines()},
		map[string]map[int][]string{
			"a.go": {
				2: {"p::TestFoo", "p::TestBar"},
				3: {"p::TestFoo"},
			},
		},
		nil,
	)

	ids, err := inv.QueryLines([]string{"a.go:2-3"}, nil)
	if err != nil {
		t.Fatalf("QueryLines: %v", err)
	}
	want := []string{"p::TestBar", "p::TestFoo"}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("ids = %v, want %v", ids, want)
	}
}

func TestQueryLinesEmptySetWarns(t *testing.T) {
	inv := fixture(t,
		map[string]string{"a.go": fiveLines()},
		map[string]map[int][]string{"a.go": {}},
		nil,
	)

	ids, err := inv.QueryLines([]string{"a.go:4"}, nil)
	if err != nil {
		t.Fatalf("uncovered line should not be an error: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("expected empty selection, got %v", ids)
	}
	if len(inv.Warnings) != 1 || !strings.Contains(inv.Warnings[0], "a.go:4") {
		t.Errorf("expected uncovered-line warning, got %v", inv.Warnings)
	}
}

func TestQueryLinesDenyWarnings(t *testing.T) {
	inv := fixture(t,
		map[string]string{"a.go": fiveLines()},
		map[string]map[int][]string{"a.go": {}},
		nil,
	)
	inv.DenyWarnings = true

	_, err := inv.QueryLines([]string{"a.go:4"}, nil)
	var denied *DeniedWarningError
	if !errors.As(err, &denied) {
		t.Errorf("expected DeniedWarningError, got %v", err)
	}
}

func TestQueryLinesOutOfRange(t *testing.T) {
	inv := fixture(t,
		map[string]string{"a.go": fiveLines()},
		map[string]map[int][]string{"a.go": {1: {"p::TestFoo"}}},
		nil,
	)

	_, err := inv.QueryLines([]string{"a.go:100"}, nil)
	var oor *LineOutOfRangeError
	if !errors.As(err, &oor) {
		t.Fatalf("expected LineOutOfRangeError, got %v", err)
	}
	if oor.Line != 100 || oor.LineCount != 5 {
		t.Errorf("error = %+v", oor)
	}
}

func TestQueryLinesUnindexedFile(t *testing.T) {
	inv := fixture(t,
		map[string]string{
			"a.go": fiveLines(),
			"b.go": fiveLines(),
		},
		map[string]map[int][]string{"a.go": {1: {"p::TestFoo"}}},
		nil,
	)

	// b.go exists on disk but was never indexed. Remove its record.
	store, err := index.Open(inv.IndexPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.DeleteFile("b.go"); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	store.Close()

	_, err = inv.QueryLines([]string{"b.go:1"}, nil)
	var oor *LineOutOfRangeError
	if !errors.As(err, &oor) {
		t.Fatalf("expected LineOutOfRangeError, got %v", err)
	}
	if oor.Stale {
		t.Error("unindexed file should not be reported as stale")
	}
}

func TestQueryLinesStaleFile(t *testing.T) {
	inv := fixture(t,
		map[string]string{"a.go": fiveLines()},
		map[string]map[int][]string{"a.go": {1: {"p::TestFoo"}}},
		nil,
	)

	// Drift the content after indexing.
	if err := os.WriteFile(filepath.Join(inv.Root, "a.go"), []byte("changed\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err := inv.QueryLines([]string{"a.go:1"}, nil)
	var oor *LineOutOfRangeError
	if !errors.As(err, &oor) {
		t.Fatalf("expected LineOutOfRangeError, got %v", err)
	}
	if !oor.Stale {
		t.Errorf("expected stale error, got %+v", oor)
	}
}

func TestQueryLinesNonexistentPath(t *testing.T) {
	inv := fixture(t,
		map[string]string{"a.go": fiveLines()},
		map[string]map[int][]string{"a.go": {1: {"p::TestFoo"}}},
		nil,
	)

	_, err := inv.QueryLines([]string{"missing.go:1"}, nil)
	var perr *PathError
	if !errors.As(err, &perr) {
		t.Errorf("expected PathError, got %v", err)
	}
}

func TestQueryLinesMissingIndex(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.go"), []byte(fiveLines()), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	inv := &Invocation{
		Config:    config.DefaultConfig(),
		Root:      root,
		IndexPath: index.DefaultPath(root),
		Stdout:    &bytes.Buffer{},
		Stderr:    &bytes.Buffer{},
	}

	_, err := inv.QueryLines([]string{"a.go:1"}, nil)
	if !errors.Is(err, index.ErrMissing) {
		t.Errorf("expected ErrMissing, got %v", err)
	}
}

func TestQueryLinesFromStdin(t *testing.T) {
	inv := fixture(t,
		map[string]string{"a.go": fiveLines()},
		map[string]map[int][]string{
			"a.go": {
				1: {"p::TestFoo"},
				2: {"p::TestBar"},
			},
		},
		nil,
	)

	stdin := strings.NewReader("a.go:1\na.go:2\n")
	ids, err := inv.QueryLines([]string{"-"}, stdin)
	if err != nil {
		t.Fatalf("QueryLines: %v", err)
	}
	want := []string{"p::TestBar", "p::TestFoo"}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("ids = %v, want %v", ids, want)
	}
}

func TestQueryDiffMatchesLineQueries(t *testing.T) {
	inv := fixture(t,
		map[string]string{"a.go": fiveLines()},
		map[string]map[int][]string{
			"a.go": {
				2: {"p::TestFoo"},
				3: {"p::TestBar"},
				4: {"p::TestBaz"},
			},
		},
		nil,
	)

	diff := `--- a/a.go
+++ b/a.go
@@ -2,3 +2,4 @@
 b
-c
+C
+extra
 d
`
	fromDiff, err := inv.QueryDiff(strings.NewReader(diff))
	if err != nil {
		t.Fatalf("QueryDiff: %v", err)
	}

	fromLines, err := inv.QueryLines([]string{"a.go:2-4"}, nil)
	if err != nil {
		t.Fatalf("QueryLines: %v", err)
	}
	if !reflect.DeepEqual(fromDiff, fromLines) {
		t.Errorf("diff query %v != union of line queries %v", fromDiff, fromLines)
	}
}

func TestQueryDiffSkipsUnindexedFileWithWarning(t *testing.T) {
	inv := fixture(t,
		map[string]string{"a.go": fiveLines()},
		map[string]map[int][]string{"a.go": {2: {"p::TestFoo"}}},
		nil,
	)

	diff := `--- a/gen.go
+++ b/gen.go
@@ -1,1 +1,1 @@
-x
+y
--- a/a.go
+++ b/a.go
@@ -2,1 +2,1 @@
-b
+B
`
	ids, err := inv.QueryDiff(strings.NewReader(diff))
	if err != nil {
		t.Fatalf("QueryDiff: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"p::TestFoo"}) {
		t.Errorf("ids = %v", ids)
	}
	if len(inv.Warnings) != 1 || !strings.Contains(inv.Warnings[0], "gen.go") {
		t.Errorf("expected skip warning for gen.go, got %v", inv.Warnings)
	}
}

func TestQueryDiffSkipsDeletedFileWithWarning(t *testing.T) {
	inv := fixture(t,
		map[string]string{
			"a.go": fiveLines(),
			"b.go": fiveLines(),
		},
		map[string]map[int][]string{
			"a.go": {2: {"p::TestFoo"}},
			"b.go": {1: {"p::TestGone"}},
		},
		nil,
	)

	// Working tree state after deleting b.go, before any refresh.
	if err := os.Remove(filepath.Join(inv.Root, "b.go")); err != nil {
		t.Fatalf("remove: %v", err)
	}

	diff := `--- a/b.go
+++ /dev/null
@@ -1,5 +0,0 @@
-a
-b
-c
-d
-e
--- a/a.go
+++ b/a.go
@@ -2,1 +2,1 @@
-b
+B
`
	ids, err := inv.QueryDiff(strings.NewReader(diff))
	if err != nil {
		t.Fatalf("a deletion in the diff should not abort the query: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"p::TestFoo"}) {
		t.Errorf("ids = %v", ids)
	}
	if len(inv.Warnings) != 1 || !strings.Contains(inv.Warnings[0], "b.go") {
		t.Errorf("expected skip warning for b.go, got %v", inv.Warnings)
	}
}

func TestZeroCoverage(t *testing.T) {
	inv := fixture(t,
		map[string]string{"a.go": fiveLines()},
		map[string]map[int][]string{"a.go": {1: {"p::TestCovering"}}},
		[]index.TestRecord{
			{ID: "p::TestCovering", Pkg: "p", Name: "TestCovering"},
			{ID: "p::TestIdle", Pkg: "p", Name: "TestIdle"},
		},
	)

	ids, err := inv.ZeroCoverage()
	if err != nil {
		t.Fatalf("ZeroCoverage: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"p::TestIdle"}) {
		t.Errorf("ids = %v", ids)
	}
}

func TestMergeProfiles(t *testing.T) {
	results := []harness.Result{
		{
			Test: harness.Test{Pkg: "example.com/m/p", Name: "TestFoo"},
			Profile: &covprofile.Profile{
				Mode: "atomic",
				Blocks: []covprofile.Block{
					{FilePath: "example.com/m/a.go", StartLine: 2, EndLine: 3, NumStmt: 2, Count: 1},
					{FilePath: "example.com/m/a.go", StartLine: 5, EndLine: 5, NumStmt: 1, Count: 0},
				},
			},
		},
		{
			Test: harness.Test{Pkg: "example.com/m/p", Name: "TestBar"},
			Profile: &covprofile.Profile{
				Mode: "atomic",
				Blocks: []covprofile.Block{
					{FilePath: "example.com/m/a.go", StartLine: 3, EndLine: 3, NumStmt: 1, Count: 7},
				},
			},
		},
	}

	coverage := mergeProfiles(results, "example.com/m")

	lines := coverage["a.go"]
	if lines == nil {
		t.Fatalf("expected coverage for a.go, got %v", coverage)
	}
	if !reflect.DeepEqual(lines[2], []string{"example.com/m/p::TestFoo"}) {
		t.Errorf("line 2 = %v", lines[2])
	}
	if len(lines[3]) != 2 {
		t.Errorf("line 3 should be covered by both tests, got %v", lines[3])
	}
	// Zero-count blocks are known-but-uncovered: no entry at all.
	if _, ok := lines[5]; ok {
		t.Errorf("zero-hit line should have no entry, got %v", lines[5])
	}
}

func TestMissingTests(t *testing.T) {
	all := []harness.Test{
		{Pkg: "p", Name: "TestA"},
		{Pkg: "p", Name: "TestB"},
	}
	known := []index.TestRecord{{ID: "p::TestA", Pkg: "p", Name: "TestA"}}

	missing := missingTests(all, known)
	if len(missing) != 1 || missing[0].Name != "TestB" {
		t.Errorf("missing = %v", missing)
	}
}

func TestRefreshNoDriftRunsNothing(t *testing.T) {
	inv := fixture(t,
		map[string]string{"a.go": fiveLines()},
		map[string]map[int][]string{"a.go": {1: {"p::TestFoo"}}},
		nil,
	)
	// A nil runner panics on any toolchain call; with zero drift the refresh
	// must return before reaching it.
	inv.Runner = nil

	before, err := os.ReadFile(inv.IndexPath)
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	if err := inv.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	after, err := os.ReadFile(inv.IndexPath)
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Error("zero drift should leave the index byte-identical")
	}
	if _, err := os.Stat(inv.IndexPath + ".staging"); !os.IsNotExist(err) {
		t.Error("zero drift should never create a staging db")
	}
}

// toyModule writes a real module that go test can run and returns an
// Invocation with a live runner pointed at it.
func toyModule(t *testing.T, files map[string]string) *Invocation {
	t.Helper()
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("go toolchain not available")
	}

	root := t.TempDir()
	writeTree(t, root, map[string]string{"go.mod": "module example.com/toy\n\ngo 1.21\n"})
	writeTree(t, root, files)

	return &Invocation{
		Config:    config.DefaultConfig(),
		Root:      root,
		IndexPath: index.DefaultPath(root),
		Runner: &harness.Runner{
			Dir:         root,
			Parallel:    1,
			ListPattern: regexp.MustCompile("^(Test|Fuzz)"),
		},
		Stdout: &bytes.Buffer{},
		Stderr: &bytes.Buffer{},
	}
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for path, content := range files {
		full := filepath.Join(root, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(full, []byte(content), 0644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
}

const toySum = `package toy

func Sum(a, b int) int {
	return a + b
}
`

const toySumTest = `package toy

import "testing"

func TestSum(t *testing.T) {
	if Sum(1, 2) != 3 {
		t.Fatal("wrong sum")
	}
}
`

func TestBuildIndexesModule(t *testing.T) {
	inv := toyModule(t, map[string]string{
		"sum.go":      toySum,
		"sum_test.go": toySumTest,
	})

	if err := inv.Build(context.Background(), false); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := os.Stat(inv.IndexPath + ".staging"); !os.IsNotExist(err) {
		t.Error("staging db should be gone after promote")
	}

	store, err := index.Open(inv.IndexPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	rec, err := store.File("sum.go")
	if err != nil || rec == nil {
		t.Fatalf("File(sum.go) = %v, %v", rec, err)
	}
	if rec.Hash != digest.HashBytes([]byte(toySum)) {
		t.Errorf("recorded hash does not match the file content")
	}
	ids, err := store.QueryLine("sum.go", 4)
	if err != nil {
		t.Fatalf("QueryLine: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"example.com/toy::TestSum"}) {
		t.Errorf("line 4 covering set = %v", ids)
	}
}

func TestRefreshReplacesOnlyDriftedFiles(t *testing.T) {
	prod := "package toy\n\nfunc Mul(a, b int) int {\n\treturn a * b\n}\n"
	prodTest := "package toy\n\nimport \"testing\"\n\nfunc TestMul(t *testing.T) {\n\tif Mul(2, 3) != 6 {\n\t\tt.Fatal(\"wrong product\")\n\t}\n}\n"
	inv := toyModule(t, map[string]string{
		"sum.go":       toySum,
		"sum_test.go":  toySumTest,
		"prod.go":      prod,
		"prod_test.go": prodTest,
	})

	if err := inv.Build(context.Background(), false); err != nil {
		t.Fatalf("Build: %v", err)
	}

	prod2 := "package toy\n\n// Mul multiplies.\nfunc Mul(a, b int) int {\n\treturn b * a\n}\n"
	writeTree(t, inv.Root, map[string]string{"prod.go": prod2})

	if err := inv.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	store, err := index.Open(inv.IndexPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	sumRec, err := store.File("sum.go")
	if err != nil || sumRec == nil {
		t.Fatalf("File(sum.go) = %v, %v", sumRec, err)
	}
	if sumRec.Hash != digest.HashBytes([]byte(toySum)) {
		t.Error("unchanged file record should be untouched by refresh")
	}
	prodRec, err := store.File("prod.go")
	if err != nil || prodRec == nil {
		t.Fatalf("File(prod.go) = %v, %v", prodRec, err)
	}
	if prodRec.Hash != digest.HashBytes([]byte(prod2)) {
		t.Error("drifted file record should carry the fresh hash")
	}
	ids, err := store.QueryLine("prod.go", 5)
	if err != nil {
		t.Fatalf("QueryLine: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"example.com/toy::TestMul"}) {
		t.Errorf("refreshed covering set = %v", ids)
	}
}

func TestRefreshRecordsNewFiles(t *testing.T) {
	inv := toyModule(t, map[string]string{
		"sum.go":      toySum,
		"sum_test.go": toySumTest,
	})

	if err := inv.Build(context.Background(), false); err != nil {
		t.Fatalf("Build: %v", err)
	}

	// A refactor moves the arithmetic into a brand-new file.
	helper := "package toy\n\nfunc add(a, b int) int {\n\treturn a + b\n}\n"
	writeTree(t, inv.Root, map[string]string{
		"sum.go":    "package toy\n\nfunc Sum(a, b int) int {\n\treturn add(a, b)\n}\n",
		"helper.go": helper,
	})

	if err := inv.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	store, err := index.Open(inv.IndexPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	rec, err := store.File("helper.go")
	if err != nil {
		t.Fatalf("File(helper.go): %v", err)
	}
	if rec == nil {
		t.Fatal("file appearing in fresh coverage should get an index record")
	}
	if rec.Hash != digest.HashBytes([]byte(helper)) {
		t.Errorf("new file hash = %s", rec.Hash)
	}
	ids, err := store.QueryLine("helper.go", 4)
	if err != nil {
		t.Fatalf("QueryLine: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"example.com/toy::TestSum"}) {
		t.Errorf("new file covering set = %v", ids)
	}
}

func TestBuildKeepsPriorIndexOnFailure(t *testing.T) {
	inv := toyModule(t, map[string]string{
		"sum.go":      toySum,
		"sum_test.go": toySumTest,
	})

	if err := inv.Build(context.Background(), false); err != nil {
		t.Fatalf("Build: %v", err)
	}
	before, err := os.ReadFile(inv.IndexPath)
	if err != nil {
		t.Fatalf("read index: %v", err)
	}

	writeTree(t, inv.Root, map[string]string{
		"fail_test.go": "package toy\n\nimport \"testing\"\n\nfunc TestFail(t *testing.T) {\n\tt.Fatal(\"always\")\n}\n",
	})

	err = inv.Build(context.Background(), false)
	var terr *harness.CoverageToolError
	if !errors.As(err, &terr) {
		t.Fatalf("expected CoverageToolError, got %v", err)
	}

	after, err := os.ReadFile(inv.IndexPath)
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Error("failed build should leave the prior index byte-identical")
	}
	if _, err := os.Stat(inv.IndexPath + ".staging"); !os.IsNotExist(err) {
		t.Error("failed build should discard its staging db")
	}
}

func TestBuildCancelledBeforeStart(t *testing.T) {
	inv := toyModule(t, map[string]string{
		"sum.go":      toySum,
		"sum_test.go": toySumTest,
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := inv.Build(ctx, false); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := os.Stat(inv.IndexPath); !os.IsNotExist(err) {
		t.Error("cancelled build should publish nothing")
	}
}
