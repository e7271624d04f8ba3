package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/samcharles93/kiln/internal/tensor"
)

func TestResolveQuantizeOut(t *testing.T) {
	t.Run("explicit output wins", func(t *testing.T) {
		inDir := t.TempDir()
		outDir := filepath.Join(t.TempDir(), "nested", "out")

		got, err := resolveQuantizeOut(inDir, outDir, tensor.Q8)
		if err != nil {
			t.Fatalf("resolveQuantizeOut returned error: %v", err)
		}
		if got != filepath.Clean(outDir) {
			t.Fatalf("unexpected output path: got %q want %q", got, outDir)
		}
		if st, err := os.Stat(got); err != nil || !st.IsDir() {
			t.Fatalf("expected output directory to exist: %v", err)
		}
	})

	t.Run("env output dir overrides sibling default", func(t *testing.T) {
		envDir := filepath.Join(t.TempDir(), "quantized")
		t.Setenv(envKilnQuantizeOutDir, envDir)

		inDir := filepath.Join(t.TempDir(), "ModelA")
		got, err := resolveQuantizeOut(inDir, "", tensor.Q4)
		if err != nil {
			t.Fatalf("resolveQuantizeOut returned error: %v", err)
		}
		if want := filepath.Join(envDir, "ModelA-q4"); got != want {
			t.Fatalf("unexpected output path: got %q want %q", got, want)
		}
	})

	t.Run("default is a sibling directory", func(t *testing.T) {
		t.Setenv(envKilnQuantizeOutDir, "")
		parent := t.TempDir()
		got, err := resolveQuantizeOut(filepath.Join(parent, "ModelB"), "", tensor.Q8)
		if err != nil {
			t.Fatalf("resolveQuantizeOut returned error: %v", err)
		}
		if want := filepath.Join(parent, "ModelB-q8"); got != want {
			t.Fatalf("unexpected output path: got %q want %q", got, want)
		}
	})

	t.Run("output must differ from input", func(t *testing.T) {
		inDir := t.TempDir()
		if _, err := resolveQuantizeOut(inDir, inDir, tensor.Q8); err == nil {
			t.Fatal("expected error when output equals input")
		}
	})
}

func makeModelDirs(t *testing.T, root string, names ...string) {
	t.Helper()
	for _, name := range names {
		dir := filepath.Join(root, name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte("{}"), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
}

func TestResolveModelDir(t *testing.T) {
	t.Run("explicit model wins", func(t *testing.T) {
		got, err := resolveModelDir(" /models/x/ ", "", strings.NewReader(""), io.Discard)
		if err != nil {
			t.Fatalf("resolveModelDir returned error: %v", err)
		}
		if got != "/models/x" {
			t.Fatalf("got %q", got)
		}
	})

	t.Run("requires a source", func(t *testing.T) {
		t.Setenv(envKilnModelsDir, "")
		if _, err := resolveModelDir("", "", strings.NewReader(""), io.Discard); err == nil {
			t.Fatal("expected error without model or models path")
		}
	})

	t.Run("single model is selected from env dir", func(t *testing.T) {
		root := t.TempDir()
		makeModelDirs(t, root, "only")
		if err := os.MkdirAll(filepath.Join(root, "not-a-model"), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		t.Setenv(envKilnModelsDir, root)

		var stderr bytes.Buffer
		got, err := resolveModelDir("", "", strings.NewReader(""), &stderr)
		if err != nil {
			t.Fatalf("resolveModelDir returned error: %v", err)
		}
		if got != filepath.Join(root, "only") {
			t.Fatalf("got %q", got)
		}
		if !strings.Contains(stderr.String(), "using model") {
			t.Fatalf("stderr %q", stderr.String())
		}
	})

	t.Run("multiple models need a tty", func(t *testing.T) {
		root := t.TempDir()
		makeModelDirs(t, root, "a", "b")

		prev := stdinIsTTY
		stdinIsTTY = func() bool { return false }
		defer func() { stdinIsTTY = prev }()

		if _, err := resolveModelDir("", root, strings.NewReader(""), io.Discard); err == nil {
			t.Fatal("expected error for non-interactive selection")
		}
	})

	t.Run("interactive selection", func(t *testing.T) {
		root := t.TempDir()
		makeModelDirs(t, root, "a", "b")

		prev := stdinIsTTY
		stdinIsTTY = func() bool { return true }
		defer func() { stdinIsTTY = prev }()

		var stderr bytes.Buffer
		got, err := resolveModelDir("", root, strings.NewReader("9\n2\n"), &stderr)
		if err != nil {
			t.Fatalf("resolveModelDir returned error: %v", err)
		}
		if got != filepath.Join(root, "b") {
			t.Fatalf("got %q", got)
		}
		if !strings.Contains(stderr.String(), "invalid selection") {
			t.Fatalf("stderr %q", stderr.String())
		}
	})
}
