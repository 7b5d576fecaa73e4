// Package embedding loads encoder models from local directories and turns
// text into vectors. The ONNX Runtime backend needs cgo; the mock backend is
// deterministic and dependency free.
package embedding

import (
	"context"

	"go.uber.org/zap"
)

// Engine loads a downloaded model directory onto a device.
type Engine interface {
	Load(ctx context.Context, dir string, device Device) (Handle, error)
}

// Handle is a model ready for inference. Embed is safe for concurrent use.
type Handle interface {
	// Embed returns one vector per text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Close() error
}

// Options configures the ONNX engine.
type Options struct {
	SharedLibraryPath string
	MaxTokens         int
	VectorCacheSize   int
	Logger            *zap.Logger
}

func (o *Options) applyDefaults() {
	if o.MaxTokens <= 0 {
		o.MaxTokens = 256
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}
