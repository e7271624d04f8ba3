package inference

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/internal/model"
	"github.com/samcharles93/kiln/internal/tokenizer"
)

// Loader opens a model directory together with its tokenizer.
type Loader struct {
	// TokenizerDir overrides where tokenizer.json is read from.
	TokenizerDir string
	// MaxContext caps per-session positions. Zero uses the model limit.
	MaxContext int
	Logger     logger.Logger
}

// LoadResult is a ready-to-serve model.
type LoadResult struct {
	Weights            *model.Weights
	Executor           *model.Executor
	Tokenizer          *tokenizer.HFTokenizer
	StopTokens         []int
	GenerationDefaults GenDefaults
}

// GenDefaults are sampling hints from generation_config.json.
type GenDefaults struct {
	Temperature       *float64
	TopK              *int
	TopP              *float64
	RepetitionPenalty *float64
}

func (l Loader) Load(dir string) (*LoadResult, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("model path is required")
	}
	log := l.Logger
	if log == nil {
		log = logger.Default()
	}

	start := time.Now()
	w, err := model.Load(dir)
	if err != nil {
		return nil, err
	}
	cleanup := func(err error) (*LoadResult, error) {
		return nil, errors.Join(err, w.Close())
	}

	exec, err := model.NewExecutor(w, l.MaxContext)
	if err != nil {
		return cleanup(err)
	}

	tokDir := l.TokenizerDir
	if tokDir == "" {
		tokDir = dir
	}
	tok, err := tokenizer.Load(tokDir)
	if err != nil {
		return cleanup(err)
	}
	if tok.VocabSize() > w.Config.VocabSize {
		return cleanup(fmt.Errorf("tokenizer has %d ids but model vocab is %d", tok.VocabSize(), w.Config.VocabSize))
	}

	stop := slices.Clone(w.Config.EOS())
	if id := tok.EOSID(); id >= 0 && !slices.Contains(stop, id) {
		stop = append(stop, id)
	}

	genDefaults, err := loadGenerationDefaults(filepath.Join(dir, "generation_config.json"))
	if err != nil {
		return cleanup(err)
	}

	log.Info("model loaded",
		"dir", dir,
		"layers", w.Config.NumLayers,
		"hidden", w.Config.HiddenSize,
		"vocab", w.Config.VocabSize,
		"max_context", exec.MaxContext(),
		"bytes", w.Bytes(),
		"took", time.Since(start))

	return &LoadResult{
		Weights:            w,
		Executor:           exec,
		Tokenizer:          tok,
		StopTokens:         stop,
		GenerationDefaults: genDefaults,
	}, nil
}

// Close releases the mapped weight files.
func (r *LoadResult) Close() error {
	if r == nil || r.Weights == nil {
		return nil
	}
	return r.Weights.Close()
}

func loadGenerationDefaults(path string) (GenDefaults, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return GenDefaults{}, nil
	}
	if err != nil {
		return GenDefaults{}, err
	}
	return parseGenerationDefaults(raw), nil
}

func parseGenerationDefaults(genBytes []byte) GenDefaults {
	type hfGenerationConfig struct {
		Temperature       *float64 `json:"temperature"`
		TopK              *int     `json:"top_k"`
		TopP              *float64 `json:"top_p"`
		RepetitionPenalty *float64 `json:"repetition_penalty"`
	}
	if len(genBytes) == 0 {
		return GenDefaults{}
	}
	var cfg hfGenerationConfig
	if err := json.Unmarshal(genBytes, &cfg); err != nil {
		return GenDefaults{}
	}
	return GenDefaults(cfg)
}
