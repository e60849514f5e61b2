package main

import (
	"context"
	"embed"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/relaygate/relaygate/internal/api"
	"github.com/relaygate/relaygate/internal/catalog"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/logging"
	"github.com/relaygate/relaygate/internal/providers"
	"github.com/relaygate/relaygate/internal/relay"
)

//go:embed web
var webContent embed.FS

var (
	version   = "0.1.0"
	buildTime = "dev"
)

// App holds the runtime components.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Catalog   *catalog.Catalog
	Registry  *providers.Registry
	APIServer *api.Server
}

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("relaygate", flag.ExitOnError)
	configPath := fs.String("config", "relaygate.json", "Path to config file")
	showVersion := fs.Bool("version", false, "Show version")
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		return 1
	}

	if *showVersion {
		fmt.Printf("RelayGate v%s (built %s)\n", version, buildTime)
		fmt.Println("Streaming relay for AI text-generation providers")
		return 0
	}

	app, err := setup(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Setup failed: %v\n", err)
		return 1
	}

	printBanner(app)

	if err := serve(app); err != nil {
		app.Logger.Error("server error", "error", err)
		return 1
	}

	app.Logger.Info("RelayGate stopped")
	return 0
}

// setup initializes all application components.
func setup(configPath string) (*App, error) {
	app := &App{}

	// API keys commonly live in a .env next to the binary.
	if err := godotenv.Load(); err == nil {
		fmt.Fprintln(os.Stderr, "loaded environment from .env")
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app.Config = cfg

	logger, err := logging.Init(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	app.Logger = logger

	logger.Info("starting RelayGate",
		"version", version,
		"config", configPath,
	)

	// Model catalog: embedded defaults plus any local overrides.
	app.Catalog = catalog.New(logger)
	if cfg.CatalogDir != "" {
		if err := app.Catalog.LoadDir(cfg.CatalogDir); err != nil {
			logger.Warn("failed to load catalog dir", "dir", cfg.CatalogDir, "error", err)
		}
	}

	app.Registry = providers.NewRegistry(logger)
	registerProviders(context.Background(), app.Registry, app.Catalog, cfg, logger)

	if len(app.Registry.Providers()) == 0 {
		return nil, fmt.Errorf("no providers available; set at least one API key")
	}

	webFS, err := fs.Sub(webContent, "web")
	if err != nil {
		logger.Warn("web client assets not available", "error", err)
		webFS = nil
	}

	app.APIServer = api.NewServer(cfg.Server, app.Registry, webFS, version, logger)

	return app, nil
}

// loadConfig loads configuration from file or creates the default.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg = config.DefaultConfig()
			if err := cfg.Save(path); err != nil {
				return nil, fmt.Errorf("save default config: %w", err)
			}
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

// modelSetter is implemented by providers whose model list can be injected
// from the catalog.
type modelSetter interface {
	SetModels([]config.Model)
}

// registerProviders builds a provider per config entry and registers it.
// Providers whose credentials are missing are skipped with a warning rather
// than failing startup.
func registerProviders(ctx context.Context, registry *providers.Registry, cat *catalog.Catalog, cfg *config.Config, logger *slog.Logger) {
	for name, provCfg := range cfg.Providers {
		providerType := provCfg.ResolvedType(name)
		logger.Info("initializing provider", "name", name, "type", providerType)

		var (
			p   relay.Provider
			err error
		)
		switch providerType {
		case "anthropic":
			ap := providers.NewAnthropicProvider(provCfg)
			ap.SetName(name)
			p = ap
		case "openai":
			p = providers.NewOpenAIProvider(provCfg)
		case "gemini":
			p, err = providers.NewGeminiProvider(ctx, provCfg)
		case "deepseek":
			p, err = providers.NewDeepSeekProvider(provCfg)
		case "ollama":
			p = providers.NewOllamaProvider(provCfg)
		default:
			p = providers.NewCompatProvider(name, provCfg)
		}
		if err != nil {
			logger.Warn("provider unavailable, skipping", "name", name, "error", err)
			continue
		}

		// Inject catalog models when the config declares none.
		if len(provCfg.Models) == 0 {
			if defaults := cat.ModelsFor(providerType); len(defaults) > 0 {
				if ms, ok := p.(modelSetter); ok {
					ms.SetModels(defaults)
				}
			}
		}

		registry.Register(p)
	}
}

// printBanner displays the startup banner.
func printBanner(app *App) {
	fmt.Println()
	fmt.Printf("  RelayGate v%s\n", version)
	fmt.Printf("  API:     http://%s:%d/api/chat\n", hostForDisplay(app.Config.Server.Host), app.Config.Server.Port)
	fmt.Printf("  Client:  http://%s:%d/\n", hostForDisplay(app.Config.Server.Host), app.Config.Server.Port)
	fmt.Printf("  Providers: %d   Models: %d\n",
		len(app.Registry.Providers()),
		len(app.Registry.ListModels()),
	)
	fmt.Println()
}

func hostForDisplay(host string) string {
	if host == "" || host == "0.0.0.0" {
		return "localhost"
	}
	return host
}

// serve runs the API server until a shutdown signal arrives.
func serve(app *App) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, getShutdownSignals()...)
		for sig := range sigCh {
			if handlePlatformSignal(sig, app.Logger) {
				continue
			}
			app.Logger.Info("shutdown signal received", "signal", sig)
			cancel()
			return
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.APIServer.Start(gctx)
	})
	return g.Wait()
}
