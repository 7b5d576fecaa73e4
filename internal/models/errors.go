package models

import (
	"errors"
	"net/http"
)

// Sentinel errors for registry, download, load, and inference failures.
// Wrap with fmt.Errorf("%w: ...") and match with errors.Is.
var (
	// ErrNotFound indicates neither an alias nor a prior download exists for a name.
	ErrNotFound = errors.New("model not found")

	// ErrAliasConflict indicates an alias is already bound to a different remote id.
	ErrAliasConflict = errors.New("alias already points to a different model")

	// ErrDownloadFailed indicates a network or hub error while fetching files.
	ErrDownloadFailed = errors.New("download failed")

	// ErrIncompleteModel indicates a required file is missing after download.
	ErrIncompleteModel = errors.New("incomplete model")

	// ErrUnsupportedArchitecture indicates the model is not a supported encoder family.
	ErrUnsupportedArchitecture = errors.New("unsupported model architecture")

	// ErrDeviceUnavailable indicates the requested device cannot be initialized.
	ErrDeviceUnavailable = errors.New("device unavailable")

	// ErrWeightsCorrupt indicates weight or tokenizer files could not be parsed.
	ErrWeightsCorrupt = errors.New("model weights corrupt")

	// ErrInferenceError indicates an internal failure while computing embeddings.
	ErrInferenceError = errors.New("inference failed")

	// ErrStorageCorrupt indicates the registry file exists but cannot be parsed.
	ErrStorageCorrupt = errors.New("registry storage corrupt")

	// ErrInvalidInput indicates a malformed request.
	ErrInvalidInput = errors.New("invalid input")
)

// HTTPStatus maps an error to the status code the API responds with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAliasConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
