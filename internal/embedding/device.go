package embedding

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hyperjump/embeddy/internal/models"
)

// Device kinds.
const (
	CPU  = "cpu"
	CUDA = "cuda"
)

// Device selects where a model runs.
type Device struct {
	Kind  string
	Index int
}

// ParseDevice accepts "cpu", "cuda" and "cuda:N". Empty means cpu.
func ParseDevice(s string) (Device, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case s == "" || s == CPU:
		return Device{Kind: CPU}, nil
	case s == CUDA:
		return Device{Kind: CUDA}, nil
	case strings.HasPrefix(s, CUDA+":"):
		n, err := strconv.Atoi(strings.TrimPrefix(s, CUDA+":"))
		if err != nil || n < 0 {
			return Device{}, fmt.Errorf("%w: bad cuda ordinal in %q", models.ErrDeviceUnavailable, s)
		}
		return Device{Kind: CUDA, Index: n}, nil
	}
	return Device{}, fmt.Errorf("%w: unknown device %q", models.ErrDeviceUnavailable, s)
}

func (d Device) String() string {
	if d.Kind == CUDA {
		return fmt.Sprintf("cuda:%d", d.Index)
	}
	return CPU
}
