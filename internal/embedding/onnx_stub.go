//go:build !cgo
// +build !cgo

package embedding

import (
	"context"
	"fmt"

	"github.com/hyperjump/embeddy/internal/models"
)

// ONNXEngine stub type when built without CGO (see onnx.go for real implementation).
type ONNXEngine struct{}

// NewONNXEngine returns an engine whose Load always fails.
func NewONNXEngine(_ Options) *ONNXEngine {
	return &ONNXEngine{}
}

// Load reports that ONNX inference is not available in this build.
func (*ONNXEngine) Load(_ context.Context, _ string, _ Device) (Handle, error) {
	return nil, fmt.Errorf("%w: ONNX engine requires CGO; build with CGO_ENABLED=1 and onnxruntime", models.ErrDeviceUnavailable)
}
