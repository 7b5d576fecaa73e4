package embedding

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/hyperjump/embeddy/internal/models"
	"github.com/tidwall/gjson"
)

// supportedFamilies lists the encoder model_type values that produce
// sentence embeddings through mean pooling and ship a WordPiece tokenizer.
// RoBERTa-style families use BPE or Unigram vocabularies and are left out.
var supportedFamilies = map[string]bool{
	"bert":       true,
	"distilbert": true,
	"mpnet":      true,
	"electra":    true,
	"nomic_bert": true,
}

// ModelConfig is the subset of config.json the engines use.
type ModelConfig struct {
	ModelType    string
	HiddenSize   int
	MaxPositions int
}

// ReadModelConfig parses dir/config.json.
func ReadModelConfig(dir string) (ModelConfig, error) {
	data, err := os.ReadFile(filepath.Join(dir, models.ConfigFile))
	if err != nil {
		return ModelConfig{}, fmt.Errorf("%w: %v", models.ErrIncompleteModel, err)
	}
	return ParseModelConfig(data)
}

// ParseModelConfig validates the model family and extracts the hidden size
// from the first of hidden_size, dim, d_model, n_embd that is set.
func ParseModelConfig(data []byte) (ModelConfig, error) {
	if !gjson.ValidBytes(data) {
		return ModelConfig{}, fmt.Errorf("%w: config.json is not valid JSON", models.ErrWeightsCorrupt)
	}
	res := gjson.GetManyBytes(data, "model_type", "hidden_size", "dim", "d_model", "n_embd", "max_position_embeddings")

	cfg := ModelConfig{
		ModelType:    res[0].String(),
		MaxPositions: int(res[5].Int()),
	}
	if !supportedFamilies[cfg.ModelType] {
		return ModelConfig{}, fmt.Errorf("%w: model_type %q", models.ErrUnsupportedArchitecture, cfg.ModelType)
	}
	for _, r := range res[1:5] {
		if r.Exists() && r.Int() > 0 {
			cfg.HiddenSize = int(r.Int())
			break
		}
	}
	if cfg.HiddenSize == 0 {
		return ModelConfig{}, fmt.Errorf("%w: config.json has no hidden size", models.ErrWeightsCorrupt)
	}
	return cfg, nil
}

// Inspect checks that the model in dir is one the engines can run: a
// supported family in config.json and, when tokenizer.json is present, a
// WordPiece vocabulary.
func Inspect(dir string) (ModelConfig, error) {
	cfg, err := ReadModelConfig(dir)
	if err != nil {
		return ModelConfig{}, err
	}
	data, err := os.ReadFile(filepath.Join(dir, models.TokenizerFile))
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return ModelConfig{}, fmt.Errorf("%w: %v", models.ErrIncompleteModel, err)
	}
	if _, err := ParseTokenizer(data); err != nil {
		return ModelConfig{}, err
	}
	return cfg, nil
}
