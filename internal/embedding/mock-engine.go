package embedding

import (
	"context"
	"fmt"
	"math"

	"github.com/hyperjump/embeddy/internal/models"
)

// MockEngine loads models without running them. Vectors are derived from a
// hash of the text so the same text always gets the same embedding, and the
// width comes from the model's config.json.
type MockEngine struct{}

var _ Engine = MockEngine{}

// Load validates the model directory and returns a deterministic handle.
// CUDA devices are reported unavailable.
func (MockEngine) Load(ctx context.Context, dir string, device Device) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if device.Kind != CPU {
		return nil, fmt.Errorf("%w: mock backend runs on cpu only, got %s", models.ErrDeviceUnavailable, device)
	}
	cfg, err := ReadModelConfig(dir)
	if err != nil {
		return nil, err
	}
	return NewMockHandle(cfg.HiddenSize), nil
}

// MockHandle is a deterministic Handle.
type MockHandle struct {
	dimensions int
}

// NewMockHandle returns a handle producing vectors of the given dimensions.
func NewMockHandle(dimensions int) *MockHandle {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &MockHandle{dimensions: dimensions}
}

// Embed returns one unit-length vector per text.
func (h *MockHandle) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: no texts to embed", models.ErrInvalidInput)
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.vector(text)
	}
	return out, nil
}

func (h *MockHandle) vector(text string) []float32 {
	seed := HashString(text)
	emb := make([]float32, h.dimensions)
	var sum float64
	for i := range emb {
		v := math.Sin(float64(seed%1000003)*float64(i+1))*0.1 + 0.01
		emb[i] = float32(v)
		sum += v * v
	}
	if sum > 0 {
		norm := 1.0 / math.Sqrt(sum)
		for i := range emb {
			emb[i] *= float32(norm)
		}
	}
	return emb
}

// Dimensions returns the embedding width.
func (h *MockHandle) Dimensions() int {
	return h.dimensions
}

// Close is a no-op.
func (h *MockHandle) Close() error {
	return nil
}
