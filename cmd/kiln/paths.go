package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/samcharles93/kiln/internal/tensor"
)

const (
	envKilnModelsDir      = "KILN_MODELS_DIR"
	envKilnQuantizeOutDir = "KILN_QUANTIZE_OUT_DIR"
)

// stdinIsTTY is a small seam for tests.
var stdinIsTTY = isTTY

// resolveQuantizeOut picks the output directory for a quantized copy of
// inDir. Without --out the copy lands next to inDir, or under
// $KILN_QUANTIZE_OUT_DIR, with the dtype appended to the name.
func resolveQuantizeOut(inDir, outFlag string, dt tensor.DType) (string, error) {
	outFlag = strings.TrimSpace(outFlag)
	if outFlag == "" {
		base := filepath.Base(filepath.Clean(inDir))
		if base == "" || base == "." || base == string(filepath.Separator) {
			return "", fmt.Errorf("invalid input directory: %q", inDir)
		}
		parent := strings.TrimSpace(os.Getenv(envKilnQuantizeOutDir))
		if parent == "" {
			parent = filepath.Dir(filepath.Clean(inDir))
		}
		outFlag = filepath.Join(parent, base+"-"+strings.ToLower(dt.String()))
	}
	out := filepath.Clean(outFlag)
	if same, err := sameDir(inDir, out); err != nil {
		return "", err
	} else if same {
		return "", fmt.Errorf("output directory must differ from input: %s", out)
	}
	if err := os.MkdirAll(out, 0o755); err != nil {
		return "", err
	}
	return out, nil
}

func sameDir(a, b string) (bool, error) {
	absA, err := filepath.Abs(a)
	if err != nil {
		return false, err
	}
	absB, err := filepath.Abs(b)
	if err != nil {
		return false, err
	}
	return absA == absB, nil
}

func resolveModelDir(modelFlag string, modelsPath string, stdin io.Reader, stderr io.Writer) (string, error) {
	modelFlag = strings.TrimSpace(modelFlag)
	if modelFlag != "" {
		return filepath.Clean(modelFlag), nil
	}

	modelsDir := strings.TrimSpace(modelsPath)
	if modelsDir == "" {
		modelsDir = strings.TrimSpace(os.Getenv(envKilnModelsDir))
	}
	if modelsDir == "" {
		return "", fmt.Errorf("--model or --models-path is required unless %s is set", envKilnModelsDir)
	}

	models, err := discoverModels(modelsDir)
	if err != nil {
		return "", err
	}
	switch len(models) {
	case 0:
		return "", fmt.Errorf("no model directories found in %s", modelsDir)
	case 1:
		_, _ = fmt.Fprintf(stderr, "kiln: using model %s\n", models[0])
		return models[0], nil
	default:
		if !stdinIsTTY() {
			return "", fmt.Errorf(
				"multiple models found in %s but stdin is not interactive; set --model",
				modelsDir,
			)
		}
		return selectModelInteractively(modelsDir, models, stdin, stderr)
	}
}

// discoverModels lists the subdirectories of dir that hold a config.json.
func discoverModels(dir string) ([]string, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("models directory is empty")
	}
	st, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("models path is not a directory: %s", dir)
	}

	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	models := make([]string, 0, len(ents))
	for _, e := range ents {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if _, err := os.Stat(filepath.Join(path, "config.json")); err != nil {
			continue
		}
		models = append(models, path)
	}
	slices.Sort(models)
	return models, nil
}

func selectModelInteractively(modelsDir string, models []string, stdin io.Reader, stderr io.Writer) (string, error) {
	if len(models) == 0 {
		return "", fmt.Errorf("no models available in %s", modelsDir)
	}

	_, _ = fmt.Fprintf(stderr, "kiln: select a model from %s\n", modelsDir)
	for i, m := range models {
		_, _ = fmt.Fprintf(stderr, "%d. %s\n", i+1, filepath.Base(m))
	}

	reader := bufio.NewReader(stdin)
	for {
		_, _ = fmt.Fprintf(stderr, "kiln: enter selection [1-%d]: ", len(models))
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			if errors.Is(err, io.EOF) {
				return "", errors.New("no selection provided on stdin; set --model")
			}
			continue
		}

		idx, convErr := strconv.Atoi(line)
		if convErr != nil || idx < 1 || idx > len(models) {
			_, _ = fmt.Fprintf(stderr, "kiln: invalid selection %q\n", line)
			if errors.Is(err, io.EOF) {
				return "", errors.New("invalid selection provided on stdin; set --model")
			}
			continue
		}
		return models[idx-1], nil
	}
}

func isTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}
