// Package hub downloads model files from a Hugging Face compatible hub into
// per-model directories under the local models tree.
package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hyperjump/embeddy/internal/fsutil"
	"github.com/hyperjump/embeddy/internal/models"
	"go.uber.org/zap"
)

// Fetcher makes a model's files available locally.
type Fetcher interface {
	// EnsureLocal returns the directory holding remoteID's files, downloading
	// whatever is missing. It never touches the registry.
	EnsureLocal(ctx context.Context, remoteID string) (string, error)
}

// errNotOnHub marks a 404 so optional weight candidates can be skipped.
var errNotOnHub = errors.New("file not on hub")

// HubFetcher downloads from a Hugging Face compatible hub.
type HubFetcher struct {
	baseURL   string
	revision  string
	token     string
	modelsDir string
	client    *http.Client
	logger    *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

var _ Fetcher = (*HubFetcher)(nil)

// Option configures a HubFetcher.
type Option func(*HubFetcher)

// WithToken sets a bearer token for gated or private models.
func WithToken(token string) Option {
	return func(f *HubFetcher) { f.token = token }
}

// WithRevision sets the branch, tag, or commit to download from.
func WithRevision(rev string) Option {
	return func(f *HubFetcher) { f.revision = rev }
}

// WithHTTPClient sets the HTTP client used for downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(f *HubFetcher) { f.client = c }
}

// WithTimeout sets the overall timeout of each download request on a copy
// of the current client.
func WithTimeout(d time.Duration) Option {
	return func(f *HubFetcher) {
		c := *f.client
		c.Timeout = d
		f.client = &c
	}
}

// WithLogger sets a logger for download progress.
func WithLogger(l *zap.Logger) Option {
	return func(f *HubFetcher) { f.logger = l }
}

// NewHubFetcher returns a fetcher that stores models under modelsDir.
func NewHubFetcher(baseURL, modelsDir string, opts ...Option) *HubFetcher {
	f := &HubFetcher{
		baseURL:   strings.TrimRight(baseURL, "/"),
		revision:  "main",
		modelsDir: modelsDir,
		client:    http.DefaultClient,
		logger:    zap.NewNop(),
		locks:     make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Path returns the local directory for remoteID: "org/name" maps to "org--name".
func (f *HubFetcher) Path(remoteID string) string {
	return filepath.Join(f.modelsDir, strings.ReplaceAll(remoteID, "/", "--"))
}

// Locate reports the directory for remoteID if it holds a complete download.
func (f *HubFetcher) Locate(remoteID string) (string, bool) {
	dir := f.Path(remoteID)
	if IsComplete(dir) {
		return dir, true
	}
	return "", false
}

// EnsureLocal returns immediately when the model directory is complete.
// Otherwise it downloads the missing files. Concurrent calls for one remote id
// are serialized in-process and across processes, so files are fetched once.
func (f *HubFetcher) EnsureLocal(ctx context.Context, remoteID string) (string, error) {
	if !models.ValidRemoteID(remoteID) {
		return "", fmt.Errorf("%w: invalid remote id %q", models.ErrInvalidInput, remoteID)
	}
	dir := f.Path(remoteID)
	if IsComplete(dir) {
		return dir, nil
	}

	unlock, err := f.lock(remoteID)
	if err != nil {
		return "", err
	}
	defer unlock()

	// Another caller may have finished while we waited.
	if IsComplete(dir) {
		return dir, nil
	}

	f.logger.Info("downloading model", zap.String("remote_id", remoteID), zap.String("dir", dir))
	start := time.Now()

	for _, name := range []string{models.ConfigFile, models.TokenizerFile} {
		if err := f.fetchIfMissing(ctx, remoteID, dir, name); err != nil {
			if errors.Is(err, errNotOnHub) {
				return "", fmt.Errorf("%w: %s has no %s", models.ErrIncompleteModel, remoteID, name)
			}
			return "", err
		}
	}
	if _, ok := WeightsFile(dir); !ok {
		var fetched bool
		for _, name := range models.WeightFiles {
			err := f.fetchIfMissing(ctx, remoteID, dir, name)
			if errors.Is(err, errNotOnHub) {
				continue
			}
			if err != nil {
				return "", err
			}
			fetched = true
			break
		}
		if !fetched {
			return "", fmt.Errorf("%w: %s has no weights in a supported format (%s)",
				models.ErrIncompleteModel, remoteID, strings.Join(models.WeightFiles, ", "))
		}
	}

	if !IsComplete(dir) {
		return "", fmt.Errorf("%w: %s failed integrity check after download", models.ErrIncompleteModel, remoteID)
	}
	f.logger.Info("model downloaded",
		zap.String("remote_id", remoteID),
		zap.Duration("elapsed", time.Since(start)))
	return dir, nil
}

// Purge deletes the local files for remoteID.
func (f *HubFetcher) Purge(remoteID string) error {
	unlock, err := f.lock(remoteID)
	if err != nil {
		return err
	}
	defer unlock()
	if err := os.RemoveAll(f.Path(remoteID)); err != nil {
		return fmt.Errorf("failed to remove model files: %w", err)
	}
	return nil
}

// lock takes the per-id mutex and then the cross-process lock file.
func (f *HubFetcher) lock(remoteID string) (func(), error) {
	f.mu.Lock()
	m, ok := f.locks[remoteID]
	if !ok {
		m = &sync.Mutex{}
		f.locks[remoteID] = m
	}
	f.mu.Unlock()
	m.Lock()

	if err := os.MkdirAll(f.modelsDir, 0755); err != nil {
		m.Unlock()
		return nil, fmt.Errorf("failed to create models directory: %w", err)
	}
	fl, err := fsutil.NewFileLock(f.Path(remoteID)+".lock", 30*time.Minute)
	if err != nil {
		m.Unlock()
		return nil, err
	}
	if err := fl.Lock(); err != nil {
		_ = fl.Unlock()
		m.Unlock()
		return nil, fmt.Errorf("another process is downloading %s: %w", remoteID, err)
	}
	return func() {
		_ = fl.Unlock()
		m.Unlock()
	}, nil
}

// fetchIfMissing downloads name into dir unless a non-empty copy is present.
// The body is streamed to a uniquely named part file and renamed into place.
func (f *HubFetcher) fetchIfMissing(ctx context.Context, remoteID, dir, name string) error {
	dest := filepath.Join(dir, filepath.FromSlash(name))
	if nonEmpty(dest) {
		return nil
	}

	url := fmt.Sprintf("%s/%s/resolve/%s/%s", f.baseURL, remoteID, f.revision, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: creating request: %v", models.ErrDownloadFailed, err)
	}
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: fetching %s: %v", models.ErrDownloadFailed, name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errNotOnHub
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: fetching %s: status %d", models.ErrDownloadFailed, name, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("%w: %v", models.ErrDownloadFailed, err)
	}
	part := fmt.Sprintf("%s.part.%s", dest, uuid.NewString())
	out, err := os.Create(part)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrDownloadFailed, err)
	}
	n, copyErr := io.Copy(out, resp.Body)
	closeErr := out.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(part)
		return fmt.Errorf("%w: writing %s: %v", models.ErrDownloadFailed, name, errors.Join(copyErr, closeErr))
	}
	if resp.ContentLength > 0 && n != resp.ContentLength {
		_ = os.Remove(part)
		return fmt.Errorf("%w: %s truncated (%d of %d bytes)", models.ErrDownloadFailed, name, n, resp.ContentLength)
	}
	if err := os.Rename(part, dest); err != nil {
		_ = os.Remove(part)
		return fmt.Errorf("%w: %v", models.ErrDownloadFailed, err)
	}
	f.logger.Debug("file downloaded", zap.String("remote_id", remoteID), zap.String("file", name), zap.Int64("bytes", n))
	return nil
}

// IsComplete reports whether dir holds config, tokenizer, and a weights file.
func IsComplete(dir string) bool {
	if !nonEmpty(filepath.Join(dir, models.ConfigFile)) || !nonEmpty(filepath.Join(dir, models.TokenizerFile)) {
		return false
	}
	_, ok := WeightsFile(dir)
	return ok
}

// WeightsFile returns the first supported weights file present in dir.
func WeightsFile(dir string) (string, bool) {
	for _, name := range models.WeightFiles {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if nonEmpty(p) {
			return p, true
		}
	}
	return "", false
}

func nonEmpty(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Size() > 0
}
