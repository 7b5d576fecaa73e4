// Package main is the embeddy CLI entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hyperjump/embeddy/internal/cache"
	"github.com/hyperjump/embeddy/internal/cli"
	"github.com/hyperjump/embeddy/internal/config"
	"github.com/hyperjump/embeddy/internal/embedding"
	"github.com/hyperjump/embeddy/internal/hub"
	"github.com/hyperjump/embeddy/internal/manager"
	"github.com/hyperjump/embeddy/internal/models"
	"github.com/hyperjump/embeddy/internal/server"
	"github.com/hyperjump/embeddy/internal/storage"
	"github.com/hyperjump/embeddy/pkg/utils"
	"go.uber.org/zap"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/embeddy/config.yaml"

// errUsage marks a command line the command could not make sense of; the
// usage text has already been printed.
var errUsage = errors.New("invalid usage")

// loadConfig loads config from path. When path is the default, it first looks for
// config.yaml in the current directory (for development), and falls back to
// built-in defaults when neither file exists.
// Returns the config and the path that was actually loaded ("" for defaults).
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			return config.Default(), "", nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run dispatches a subcommand and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintf(stderr, "embeddy: %v\n", err)
		return 1
	}
	if len(args) < 1 {
		printUsage(stderr)
		return 1
	}

	var err error
	switch command, rest := args[0], args[1:]; command {
	case "pull":
		err = runPull(rest, stdout, stderr)
	case "list", "ls":
		err = runList(rest, stdout, stderr)
	case "run":
		err = runEmbed(rest, stdout, stderr)
	case "serve", "server":
		err = runServe(rest, stderr)
	case "rm", "remove":
		err = runRemove(rest, stdout, stderr)
	case "version", "--version", "-v":
		fmt.Fprintf(stdout, "embeddy version %s\n", version)
	case "help", "--help", "-h":
		printUsage(stdout)
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", command)
		printUsage(stderr)
		return 1
	}
	if err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(stderr, "embeddy: %v\n", err)
		}
		return 1
	}
	return 0
}

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string     { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error { *s = append(*s, v); return nil }

// parseArgs parses flags wherever they appear and returns the positional
// arguments in order. Go's flag package stops at the first non-flag argument,
// so "embeddy run minilm --text hi" would otherwise leave --text unparsed.
func parseArgs(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		rest := fs.Args()
		if len(rest) == 0 {
			return positional, nil
		}
		if rest[0] == "--" {
			return append(positional, rest[1:]...), nil
		}
		positional = append(positional, rest[0])
		args = rest[1:]
	}
}

func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	return fs, configPath
}

// app holds initialized services for one command.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	manager *manager.Manager
}

func (a *app) Close() {
	_ = a.manager.Close()
	_ = a.logger.Sync()
}

func newApp(configPath string) (*app, error) {
	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return newAppFromConfig(cfg, resolved)
}

func newAppFromConfig(cfg *config.Config, resolvedPath string) (*app, error) {
	logger, err := utils.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger.Debug("config loaded",
		zap.String("config_path", resolvedPath),
		zap.String("data_dir", cfg.Storage.DataDir))

	m, err := initializeManager(cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, manager: m}, nil
}

func initializeManager(cfg *config.Config, logger *zap.Logger) (*manager.Manager, error) {
	device, err := embedding.ParseDevice(cfg.Embedding.Device)
	if err != nil {
		return nil, err
	}

	fetcher := hub.NewHubFetcher(cfg.Hub.URL, cfg.Storage.ModelsDir(),
		hub.WithRevision(cfg.Hub.Revision),
		hub.WithToken(cfg.Hub.Token),
		hub.WithTimeout(cfg.Hub.Timeout),
		hub.WithLogger(logger),
	)
	registry, err := storage.NewFileRegistry(cfg.Storage.RegistryPath(),
		storage.WithLocator(fetcher),
		storage.WithLockTimeout(cfg.Storage.LockTimeout),
		storage.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize registry: %w", err)
	}

	var engine embedding.Engine
	switch cfg.Embedding.Backend {
	case "onnx":
		engine = embedding.NewONNXEngine(embedding.Options{
			SharedLibraryPath: cfg.Embedding.SharedLibraryPath,
			MaxTokens:         cfg.Embedding.MaxTokens,
			VectorCacheSize:   cfg.Embedding.VectorCacheSize,
			Logger:            logger,
		})
	case "mock":
		logger.Warn("using mock embedding backend; vectors are not semantic")
		engine = embedding.MockEngine{}
	default:
		return nil, fmt.Errorf("unknown embedding backend %q (want onnx or mock)", cfg.Embedding.Backend)
	}

	c := cache.New(cache.WithLogger(logger), cache.WithMaxLoaded(cfg.Cache.MaxLoadedModels))
	return manager.New(registry, fetcher, engine, c,
		manager.WithDefaultDevice(device),
		manager.WithLogger(logger),
	), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runPull(args []string, stdout, stderr io.Writer) error {
	fs, configPath := newFlagSet("pull", stderr)
	alias := fs.String("alias", "", "alias to register the model under (default: last segment of the remote id)")
	output := fs.String("output", "text", "output format: text or json")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: embeddy pull [flags] <remote-id>\n\n")
		fs.PrintDefaults()
	}
	pos, err := parseArgs(fs, args)
	if err != nil {
		return errUsage
	}
	if len(pos) != 1 {
		fs.Usage()
		return errUsage
	}
	format, err := cli.ParseOutputFormat(*output)
	if err != nil {
		return err
	}

	a, err := newApp(*configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()
	entry, err := a.manager.Pull(ctx, pos[0], *alias)
	if err != nil {
		return err
	}
	return cli.WritePulled(stdout, entry, format)
}

func runList(args []string, stdout, stderr io.Writer) error {
	fs, configPath := newFlagSet("list", stderr)
	output := fs.String("output", "text", "output format: text or json")
	if _, err := parseArgs(fs, args); err != nil {
		return errUsage
	}
	format, err := cli.ParseOutputFormat(*output)
	if err != nil {
		return err
	}

	a, err := newApp(*configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	statuses, err := a.manager.Statuses(true)
	if err != nil {
		return err
	}
	return cli.WriteModelList(stdout, statuses, format)
}

func runEmbed(args []string, stdout, stderr io.Writer) error {
	fs, configPath := newFlagSet("run", stderr)
	var texts stringList
	fs.Var(&texts, "text", "text to embed (repeatable)")
	device := fs.String("device", "", "device: cpu, cuda or cuda:N (default from config)")
	output := fs.String("output", "json", "output format: json or text")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: embeddy run [flags] <model> [--text T ...] [text ...]\n\n")
		fs.PrintDefaults()
	}
	pos, err := parseArgs(fs, args)
	if err != nil {
		return errUsage
	}
	if len(pos) < 1 {
		fs.Usage()
		return errUsage
	}
	model := pos[0]
	texts = append(texts, pos[1:]...)
	if len(texts) == 0 {
		return fmt.Errorf("%w: at least one --text is required", models.ErrInvalidInput)
	}
	format, err := cli.ParseOutputFormat(*output)
	if err != nil {
		return err
	}

	a, err := newApp(*configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()
	res, err := a.manager.Embed(ctx, model, texts, *device)
	if err != nil {
		return err
	}
	return cli.WriteEmbeddings(stdout, &models.EmbedResponse{
		Model:      model,
		Dimension:  res.Dimension,
		Embeddings: res.Embeddings,
	}, format)
}

func runRemove(args []string, stdout, stderr io.Writer) error {
	fs, configPath := newFlagSet("rm", stderr)
	purge := fs.Bool("purge", false, "also delete the downloaded files when no other alias uses them")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return errUsage
	}
	if len(pos) != 1 {
		fmt.Fprintln(stderr, "Usage: embeddy rm [--purge] <alias>")
		return errUsage
	}

	a, err := newApp(*configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	entry, err := a.manager.Remove(context.Background(), pos[0], *purge)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Removed %s (%s)\n", entry.Alias, entry.RemoteID)
	return nil
}

func runServe(args []string, stderr io.Writer) error {
	fs, configPath := newFlagSet("serve", stderr)
	host := fs.String("host", "", "listen address (default from config, 0.0.0.0)")
	port := fs.Int("port", 0, "listen port (default from config, 8080)")
	device := fs.String("device", "", "default device: cpu, cuda or cuda:N")
	if _, err := parseArgs(fs, args); err != nil {
		return errUsage
	}

	cfg, resolved, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *device != "" {
		cfg.Embedding.Device = *device
	}
	a, err := newAppFromConfig(cfg, resolved)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	ctx, cancel := signalContext()
	defer cancel()
	if err := a.manager.WatchRegistry(ctx); err != nil {
		logger.Warn("registry watcher unavailable", zap.Error(err))
	}

	srv := server.NewServer(a.manager, &cfg.Server, logger)
	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()

	select {
	case err := <-errc:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Stop(shutdownCtx)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `embeddy - Local embedding model server

Usage:
  embeddy pull [flags] <remote-id>          Download a model and register an alias
  embeddy list [flags]                      List pulled models
  embeddy run [flags] <model> --text T ...  Embed texts with a model
  embeddy serve [flags]                     Start the HTTP server
  embeddy rm [flags] <alias>                Remove a model alias
  embeddy version                           Show version
  embeddy help                              Show this help

Common Flags:
  --config string    Config file path (default: /usr/local/etc/embeddy/config.yaml)

Pull Flags:
  --alias string     Alias to register (default: last segment of the remote id)
  --output string    Output format: text or json (default: text)

List Flags:
  --output string    Output format: text or json (default: text)

Run Flags:
  --text string      Text to embed (repeatable; extra positional args are texts too)
  --device string    cpu, cuda or cuda:N (default from config)
  --output string    Output format: json or text (default: json)

Serve Flags:
  --host string      Listen address (default: 0.0.0.0)
  --port int         Listen port (default: 8080)
  --device string    Default device for model loads

Rm Flags:
  --purge            Also delete downloaded files no other alias uses

Environment:
  EMBEDDY_DATA_DIR   Data directory (registry and models)
  EMBEDDY_LOG        Log level: debug, info, warn, error
  EMBEDDY_DEVICE     Default device
  EMBEDDY_HUB_URL    Model hub base URL
  HF_TOKEN           Hub access token

Examples:
  embeddy pull sentence-transformers/all-MiniLM-L6-v2 --alias minilm
  embeddy run minilm --text "hello world" --text "goodbye"
  embeddy run --device cuda:0 --output text minilm "hello world"
  embeddy serve --port 8080
  embeddy list --output json
  embeddy rm --purge minilm`)
}
