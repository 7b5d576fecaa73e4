package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/hyperjump/embeddy/internal/config"
	"github.com/hyperjump/embeddy/internal/models"
	"go.uber.org/zap"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		wantPos   []string
		wantTexts []string
		wantDev   string
	}{
		{
			name:      "flags after model",
			args:      []string{"minilm", "--text", "hello", "--text", "world"},
			wantPos:   []string{"minilm"},
			wantTexts: []string{"hello", "world"},
		},
		{
			name:    "flags first",
			args:    []string{"--device", "cuda:0", "minilm", "hi"},
			wantPos: []string{"minilm", "hi"},
			wantDev: "cuda:0",
		},
		{
			name:      "interleaved",
			args:      []string{"minilm", "a", "--text", "b", "c"},
			wantPos:   []string{"minilm", "a", "c"},
			wantTexts: []string{"b"},
		},
		{
			name:    "double dash ends flags",
			args:    []string{"minilm", "--", "--text"},
			wantPos: []string{"minilm", "--text"},
		},
		{
			name: "empty",
			args: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := flag.NewFlagSet("test", flag.ContinueOnError)
			var texts stringList
			fs.Var(&texts, "text", "")
			device := fs.String("device", "", "")
			pos, err := parseArgs(fs, tt.args)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(pos, tt.wantPos) {
				t.Errorf("positional = %v, want %v", pos, tt.wantPos)
			}
			if !reflect.DeepEqual([]string(texts), tt.wantTexts) {
				t.Errorf("texts = %v, want %v", texts, tt.wantTexts)
			}
			if *device != tt.wantDev {
				t.Errorf("device = %q, want %q", *device, tt.wantDev)
			}
		})
	}
}

func TestLoadConfig_prefersCwdConfigWhenDefaultPath(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := `
log_level: debug
server:
  host: "localhost"
  port: 8081
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	chdir(t, dir)

	cfg, resolved, err := loadConfig(defaultConfigPath)
	if err != nil {
		t.Fatal(err)
	}
	// On macOS, cwd can be /private/var/... while configPath from t.TempDir() is /var/...; compare canonical paths.
	resolvedCanon, _ := filepath.EvalSymlinks(resolved)
	configPathCanon, _ := filepath.EvalSymlinks(configPath)
	if resolvedCanon != configPathCanon {
		t.Errorf("resolved path = %s (canon %s), want %s (canon %s)", resolved, resolvedCanon, configPath, configPathCanon)
	}
	if cfg.Server.Port != 8081 {
		t.Errorf("port = %d, want 8081 from cwd config.yaml", cfg.Server.Port)
	}
}

func TestLoadConfig_defaultsWhenNoFile(t *testing.T) {
	if _, statErr := os.Stat(defaultConfigPath); statErr == nil {
		t.Skip("a system config exists at the default path")
	}
	chdir(t, t.TempDir())
	cfg, resolved, err := loadConfig(defaultConfigPath)
	if err != nil {
		t.Fatal(err)
	}
	if resolved != "" {
		t.Errorf("resolved = %q, want empty for defaults", resolved)
	}
	if cfg.Server.Port != 8080 || cfg.Embedding.Backend != "onnx" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadConfig_usesExplicitPath(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := `
server:
  host: "127.0.0.1"
  port: 9000
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if resolved != configPath {
		t.Errorf("resolved path = %s, want %s", resolved, configPath)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
}

func TestLoadConfig_explicitMissingFails(t *testing.T) {
	if _, _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for a missing explicit config")
	}
}

func TestInitializeManager_unknownBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Embedding.Backend = "tensorflow"
	if _, err := initializeManager(cfg, zap.NewNop()); err == nil {
		t.Error("expected error for unknown backend")
	}
}

// newFakeHub serves one small BERT-style model.
func newFakeHub(t *testing.T) *httptest.Server {
	t.Helper()
	files := map[string]string{
		"/org/tiny/resolve/main/config.json":     `{"model_type":"bert","hidden_size":16}`,
		"/org/tiny/resolve/main/tokenizer.json":  `{"model":{"type":"WordPiece","vocab":{"[UNK]":0,"[CLS]":1,"[SEP]":2}}}`,
		"/org/tiny/resolve/main/onnx/model.onnx": "weights",
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeTestConfig(t *testing.T, hubURL string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "log_level: error\n" +
		"storage:\n  data_dir: " + filepath.Join(dir, "data") + "\n" +
		"hub:\n  url: " + hubURL + "\n" +
		"embedding:\n  backend: mock\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRun_pullListEmbedRemove(t *testing.T) {
	for _, k := range []string{config.EnvDataDir, config.EnvLogLevel, config.EnvDevice, config.EnvHubURL} {
		t.Setenv(k, "")
	}
	chdir(t, t.TempDir())
	hubSrv := newFakeHub(t)
	cfgPath := writeTestConfig(t, hubSrv.URL)

	var stdout, stderr bytes.Buffer
	if code := run([]string{"pull", "--config", cfgPath, "org/tiny", "--alias", "tiny"}, &stdout, &stderr); code != 0 {
		t.Fatalf("pull exit %d: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), `"tiny"`) {
		t.Errorf("pull output: %s", stdout.String())
	}

	stdout.Reset()
	if code := run([]string{"list", "--config", cfgPath, "--output", "json"}, &stdout, &stderr); code != 0 {
		t.Fatalf("list exit %d: %s", code, stderr.String())
	}
	var listed []models.ModelStatus
	if err := json.Unmarshal(stdout.Bytes(), &listed); err != nil {
		t.Fatalf("list output is not JSON: %v\n%s", err, stdout.String())
	}
	if len(listed) != 1 || listed[0].Alias != "tiny" || listed[0].RemoteID != "org/tiny" || listed[0].Dimension != 16 {
		t.Errorf("listed = %+v", listed)
	}

	stdout.Reset()
	if code := run([]string{"run", "--config", cfgPath, "tiny", "--text", "hello", "world"}, &stdout, &stderr); code != 0 {
		t.Fatalf("run exit %d: %s", code, stderr.String())
	}
	var resp models.EmbedResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		t.Fatalf("run output is not JSON: %v\n%s", err, stdout.String())
	}
	if resp.Model != "tiny" || resp.Dimension != 16 || len(resp.Embeddings) != 2 {
		t.Errorf("resp = %+v", resp)
	}

	stdout.Reset()
	if code := run([]string{"rm", "--config", cfgPath, "--purge", "tiny"}, &stdout, &stderr); code != 0 {
		t.Fatalf("rm exit %d: %s", code, stderr.String())
	}

	stderr.Reset()
	if code := run([]string{"run", "--config", cfgPath, "tiny", "--text", "hello"}, &stdout, &stderr); code != 1 {
		t.Errorf("run after rm: exit %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "not found") {
		t.Errorf("stderr = %q, want a not found message", stderr.String())
	}
}

func TestRun_usageErrors(t *testing.T) {
	tests := [][]string{
		{},
		{"bogus"},
		{"pull"},
		{"run"},
		{"rm"},
	}
	for _, args := range tests {
		var stdout, stderr bytes.Buffer
		if code := run(args, &stdout, &stderr); code != 1 {
			t.Errorf("run(%v) exit = %d, want 1", args, code)
		}
	}
}

func TestRun_version(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"version"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit %d", code)
	}
	if !strings.Contains(stdout.String(), "embeddy version") {
		t.Errorf("stdout = %q", stdout.String())
	}
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent of testing.T.Chdir, which requires Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatal(err)
		}
	})
}
