package cmd

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/linetest/linetest/internal/config"
	"github.com/linetest/linetest/internal/engine"
	"github.com/linetest/linetest/internal/index"
)

func TestCommandsRegistered(t *testing.T) {
	want := map[string]bool{
		"build":   false,
		"refresh": false,
		"line":    false,
		"diff":    false,
		"init":    false,
	}
	for _, cmd := range rootCmd.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("command %q is not registered", name)
		}
	}
}

func TestAddZeroCoverage(t *testing.T) {
	root := t.TempDir()
	livePath := index.DefaultPath(root)
	staging, err := index.CreateStaging(livePath + ".staging")
	if err != nil {
		t.Fatalf("CreateStaging: %v", err)
	}
	records := []index.TestRecord{
		{ID: "p::TestCovering", Pkg: "p", Name: "TestCovering"},
		{ID: "p::TestIdle", Pkg: "p", Name: "TestIdle"},
	}
	if err := staging.InsertTests(records); err != nil {
		t.Fatalf("InsertTests: %v", err)
	}
	if err := staging.ReplaceFile(
		index.FileRecord{Path: "a.go", Hash: "sha256:aa", LineCount: 1},
		map[int][]string{1: {"p::TestCovering"}},
	); err != nil {
		t.Fatalf("ReplaceFile: %v", err)
	}
	if err := staging.Promote(livePath); err != nil {
		t.Fatalf("Promote: %v", err)
	}

	inv := &engine.Invocation{
		Config:    config.DefaultConfig(),
		Root:      root,
		IndexPath: livePath,
		Stdout:    &bytes.Buffer{},
		Stderr:    &bytes.Buffer{},
	}

	got, err := addZeroCoverage(inv, []string{"p::TestCovering"})
	if err != nil {
		t.Fatalf("addZeroCoverage: %v", err)
	}
	want := []string{"p::TestCovering", "p::TestIdle"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("selection = %v, want %v", got, want)
	}

	// Already-selected idle tests are not duplicated.
	again, err := addZeroCoverage(inv, got)
	if err != nil {
		t.Fatalf("addZeroCoverage: %v", err)
	}
	if !reflect.DeepEqual(again, want) {
		t.Errorf("selection = %v, want %v", again, want)
	}
}
