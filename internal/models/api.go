package models

import "fmt"

// EmbedRequest is the body of POST /api/embed.
type EmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// Validate ensures a model is named and there is at least one text to embed.
func (r *EmbedRequest) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidInput)
	}
	if len(r.Input) == 0 {
		return fmt.Errorf("%w: input cannot be empty", ErrInvalidInput)
	}
	return nil
}

// EmbedResponse is returned by POST /api/embed and by "embeddy run --output json".
// Embeddings[i] is the vector for Input[i].
type EmbedResponse struct {
	Model      string      `json:"model"`
	Dimension  int         `json:"dimension"`
	Embeddings [][]float32 `json:"embeddings"`
}

// HealthResponse is returned by GET /api/health.
type HealthResponse struct {
	Status       string   `json:"status"`
	LoadedModels []string `json:"loaded_models"`
	Device       string   `json:"device"`
}

// ModelStatus describes a registered model for listings.
type ModelStatus struct {
	RegistryEntry
	Loaded    bool   `json:"loaded"`
	SizeBytes *int64 `json:"size_bytes,omitempty"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
}
