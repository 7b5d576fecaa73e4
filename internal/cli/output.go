// Package cli formats command output for embeddy.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hyperjump/embeddy/internal/models"
	"github.com/hyperjump/embeddy/pkg/utils"
	"github.com/olekukonko/tablewriter"
)

// remoteIDWidth caps the remote id column in text listings.
const remoteIDWidth = 48

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat accepts "text" and "json"; empty means text.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(strings.ToLower(s)) {
	case "", OutputText:
		return OutputText, nil
	case OutputJSON:
		return OutputJSON, nil
	}
	return "", fmt.Errorf("%w: unknown output format %q (want text or json)", models.ErrInvalidInput, s)
}

// previewValues is how many leading components text output shows per vector.
const previewValues = 6

// WriteEmbeddings writes an embed response to w in the given format.
func WriteEmbeddings(w io.Writer, resp *models.EmbedResponse, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, resp)
	}
	fmt.Fprintf(w, "model: %s (dimension %d)\n", resp.Model, resp.Dimension)
	for i, v := range resp.Embeddings {
		n := len(v)
		if n > previewValues {
			n = previewValues
		}
		parts := make([]string, n)
		for j := 0; j < n; j++ {
			parts[j] = fmt.Sprintf("%.6f", v[j])
		}
		suffix := ""
		if len(v) > n {
			suffix = ", ..."
		}
		fmt.Fprintf(w, "[%d] [%s%s] (%d values)\n", i, strings.Join(parts, ", "), suffix, len(v))
	}
	return nil
}

// WriteModelList writes registered models to w in the given format.
func WriteModelList(w io.Writer, statuses []models.ModelStatus, format OutputFormat) error {
	if format == OutputJSON {
		if statuses == nil {
			statuses = []models.ModelStatus{}
		}
		return writeJSON(w, statuses)
	}
	if len(statuses) == 0 {
		fmt.Fprintln(w, "No models pulled yet. Use \"embeddy pull <remote-id>\".")
		return nil
	}
	table := tablewriter.NewWriter(w)
	table.Header("ALIAS", "REMOTE ID", "DIM", "SIZE", "DOWNLOADED", "LOADED")
	for _, st := range statuses {
		dim := "-"
		if st.Dimension > 0 {
			dim = fmt.Sprint(st.Dimension)
		}
		size := "-"
		if st.SizeBytes != nil {
			size = FormatBytes(*st.SizeBytes)
		}
		downloaded := "-"
		if !st.DownloadedAt.IsZero() {
			downloaded = st.DownloadedAt.Local().Format(time.DateTime)
		}
		loaded := ""
		if st.Loaded {
			loaded = "yes"
		}
		if err := table.Append(st.Alias, utils.Truncate(st.RemoteID, remoteIDWidth), dim, size, downloaded, loaded); err != nil {
			return err
		}
	}
	return table.Render()
}

// WritePulled reports a completed pull.
func WritePulled(w io.Writer, entry models.RegistryEntry, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, entry)
	}
	fmt.Fprintf(w, "Pulled %s as %q\n", entry.RemoteID, entry.Alias)
	fmt.Fprintf(w, "  path: %s\n", entry.LocalPath)
	if entry.Dimension > 0 {
		fmt.Fprintf(w, "  dimension: %d\n", entry.Dimension)
	}
	return nil
}

// FormatBytes renders n with a binary unit suffix.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
