// Package tokenizer converts between text and token ids.
package tokenizer

import (
	"fmt"
	"os"
	"path/filepath"
)

// Tokenizer defines the minimal interface used by the CLI and the HTTP
// server. The generation controller only needs Decode.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
}

const (
	jsonFileName   = "tokenizer.json"
	configFileName = "tokenizer_config.json"
)

// Files lists the tokenizer files copied alongside converted weights.
var Files = []string{jsonFileName, configFileName, "special_tokens_map.json", "generation_config.json"}

// Load reads tokenizer.json and, when present, tokenizer_config.json from
// a model directory.
func Load(dir string) (*HFTokenizer, error) {
	tokJSON, err := os.ReadFile(filepath.Join(dir, jsonFileName))
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	tokCfg, err := os.ReadFile(filepath.Join(dir, configFileName))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load tokenizer config: %w", err)
	}
	return LoadHFTokenizerBytes(tokJSON, tokCfg)
}
