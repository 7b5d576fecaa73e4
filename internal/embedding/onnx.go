//go:build cgo
// +build cgo

package embedding

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/hyperjump/embeddy/internal/models"
	"github.com/hyperjump/embeddy/pkg/utils"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// ONNXEngine runs models through ONNX Runtime. It requires CGO and the
// onnxruntime shared library.
type ONNXEngine struct {
	opts Options

	initOnce sync.Once
	initErr  error
}

var _ Engine = (*ONNXEngine)(nil)

// NewONNXEngine returns an engine; the runtime is initialized on first Load.
func NewONNXEngine(opts Options) *ONNXEngine {
	opts.applyDefaults()
	return &ONNXEngine{opts: opts}
}

func (e *ONNXEngine) init() error {
	e.initOnce.Do(func() {
		if ort.IsInitialized() {
			return
		}
		if e.opts.SharedLibraryPath != "" {
			ort.SetSharedLibraryPath(e.opts.SharedLibraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			e.initErr = fmt.Errorf("%w: failed to initialize ONNX runtime: %v", models.ErrDeviceUnavailable, err)
		}
	})
	return e.initErr
}

// Load creates an inference session for the model in dir.
func (e *ONNXEngine) Load(ctx context.Context, dir string, device Device) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg, err := ReadModelConfig(dir)
	if err != nil {
		return nil, err
	}
	tok, err := LoadTokenizer(dir)
	if err != nil {
		return nil, err
	}
	weights, err := findWeights(dir)
	if err != nil {
		return nil, err
	}
	if err := e.init(); err != nil {
		return nil, err
	}

	inputInfo, outputInfo, err := ort.GetInputOutputInfo(weights)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrWeightsCorrupt, err)
	}
	inputs := make([]string, 0, len(inputInfo))
	for _, in := range inputInfo {
		switch in.Name {
		case "input_ids", "attention_mask", "token_type_ids":
			inputs = append(inputs, in.Name)
		default:
			return nil, fmt.Errorf("%w: unexpected model input %q", models.ErrUnsupportedArchitecture, in.Name)
		}
	}
	if len(outputInfo) == 0 {
		return nil, fmt.Errorf("%w: model has no outputs", models.ErrWeightsCorrupt)
	}
	output := outputInfo[0]

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create session options: %v", models.ErrDeviceUnavailable, err)
	}
	defer options.Destroy()
	if device.Kind == CUDA {
		if err := appendCUDA(options, device.Index); err != nil {
			return nil, err
		}
	}

	session, err := ort.NewDynamicAdvancedSession(weights, inputs, []string{output.Name}, options)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load ONNX model: %v", models.ErrWeightsCorrupt, err)
	}

	maxTokens := e.opts.MaxTokens
	if cfg.MaxPositions > 0 && cfg.MaxPositions < maxTokens {
		maxTokens = cfg.MaxPositions
	}
	e.opts.Logger.Info("onnx session created",
		zap.String("model", filepath.Base(dir)),
		zap.String("model_type", cfg.ModelType),
		zap.String("device", device.String()),
		zap.Int("dimension", cfg.HiddenSize),
		zap.Int("vocab", tok.VocabSize()))

	return &onnxHandle{
		session:   session,
		tokenizer: tok,
		inputs:    inputs,
		pooled:    len(output.Dimensions) == 2,
		dimension: cfg.HiddenSize,
		maxTokens: maxTokens,
		cache:     NewVectorCache(e.opts.VectorCacheSize),
	}, nil
}

func appendCUDA(options *ort.SessionOptions, index int) error {
	cuda, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return fmt.Errorf("%w: cuda:%d: %v", models.ErrDeviceUnavailable, index, err)
	}
	defer cuda.Destroy()
	if err := cuda.Update(map[string]string{"device_id": strconv.Itoa(index)}); err != nil {
		return fmt.Errorf("%w: cuda:%d: %v", models.ErrDeviceUnavailable, index, err)
	}
	if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
		return fmt.Errorf("%w: cuda:%d: %v", models.ErrDeviceUnavailable, index, err)
	}
	return nil
}

func findWeights(dir string) (string, error) {
	for _, name := range models.WeightFiles {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if info, err := os.Stat(p); err == nil && info.Size() > 0 {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: no ONNX weights in %s", models.ErrIncompleteModel, dir)
}

// onnxHandle serializes Run calls; sessions are not shared across handles.
type onnxHandle struct {
	session   *ort.DynamicAdvancedSession
	tokenizer Tokenizer
	inputs    []string
	pooled    bool
	dimension int
	maxTokens int
	cache     *VectorCache
	mu        sync.Mutex
}

// Embed returns the embedding for each text, using the cache when available.
func (h *onnxHandle) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: no texts to embed", models.ErrInvalidInput)
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if cached, ok := h.cache.Get(text); ok {
			out[i] = cached
			continue
		}
		emb, err := h.run(text)
		if err != nil {
			return nil, fmt.Errorf("%w: text %d: %v", models.ErrInferenceError, i, err)
		}
		h.cache.Set(text, emb)
		out[i] = emb
	}
	return out, nil
}

func (h *onnxHandle) run(text string) ([]float32, error) {
	ids, mask, types := h.tokenizer.Tokenize(text, h.maxTokens)
	seqLen := int64(len(ids))
	shape := ort.NewShape(1, seqLen)

	data := map[string][]int64{"input_ids": ids, "attention_mask": mask, "token_type_ids": types}
	inputs := make([]ort.Value, 0, len(h.inputs))
	defer func() {
		for _, v := range inputs {
			_ = v.Destroy()
		}
	}()
	for _, name := range h.inputs {
		t, err := ort.NewTensor(shape, data[name])
		if err != nil {
			return nil, fmt.Errorf("failed to create %s tensor: %w", name, err)
		}
		inputs = append(inputs, t)
	}

	outShape := ort.NewShape(1, seqLen, int64(h.dimension))
	if h.pooled {
		outShape = ort.NewShape(1, int64(h.dimension))
	}
	output, err := ort.NewEmptyTensor[float32](outShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer output.Destroy()

	h.mu.Lock()
	if h.session == nil {
		h.mu.Unlock()
		return nil, errors.New("model is closed")
	}
	err = h.session.Run(inputs, []ort.Value{output})
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var emb []float32
	if h.pooled {
		emb = append([]float32(nil), output.GetData()[:h.dimension]...)
	} else {
		emb = utils.MeanPool(output.GetData(), mask, int(seqLen), h.dimension)
	}
	utils.NormalizeL2(emb)
	return emb, nil
}

// Dimensions returns the embedding dimension.
func (h *onnxHandle) Dimensions() int {
	return h.dimension
}

// Close destroys the session.
func (h *onnxHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session == nil {
		return nil
	}
	err := h.session.Destroy()
	h.session = nil
	return err
}
