package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/basket/capstan/internal/audit"
	"github.com/basket/capstan/internal/bus"
	"github.com/basket/capstan/internal/channels"
	"github.com/basket/capstan/internal/config"
	"github.com/basket/capstan/internal/discovery"
	"github.com/basket/capstan/internal/marketplace"
	"github.com/basket/capstan/internal/mcp"
	otelPkg "github.com/basket/capstan/internal/otel"
	"github.com/basket/capstan/internal/persistence"
	"github.com/basket/capstan/internal/registry"
	"github.com/basket/capstan/internal/sandbox"
	"github.com/basket/capstan/internal/sandbox/wasm"
	"github.com/basket/capstan/internal/telemetry"
	"github.com/basket/capstan/internal/trust"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SUBCOMMANDS:
  %s exec <id> [input-json]   Execute a capability
                              Flags: -actor, -allow, -input <file>
  %s register <manifest...>   Register capabilities from manifest YAML files
  %s remove <id>              Remove a capability
  %s list                     List registered capabilities
  %s discover <query>         Discover capabilities and walk trust approval
  %s audit                    Show audit ledger entries
                              Flags: -n <count>, -correlation <id>
  %s trust <action>           Manage trust decisions
                              Actions: list, approve, reject, official
  %s doctor [-json]           Run environment diagnostics

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  CAPSTAN_HOME              Data directory (default: ~/.capstan)
  CAPSTAN_SANDBOX_BACKEND   Isolation backend: wasm, docker, inproc
  CAPSTAN_FALLBACK_UNKNOWN  Grant minimal contexts to unknown callers

EXAMPLES:
  Execute a capability:   %s exec text.echo '{"text":"hi"}'
  Register a manifest:    %s register ./manifests/fetch.yaml
  Discover capabilities:  %s discover "github issues"
  Inspect the ledger:     %s audit -n 20
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println("capstan", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
	case "exec":
		os.Exit(runExecCommand(ctx, args[1:]))
	case "register":
		os.Exit(runRegisterCommand(ctx, args[1:]))
	case "remove":
		os.Exit(runRemoveCommand(ctx, args[1:]))
	case "list":
		os.Exit(runListCommand(ctx, args[1:]))
	case "discover":
		os.Exit(runDiscoverCommand(ctx, args[1:]))
	case "audit":
		os.Exit(runAuditCommand(ctx, args[1:]))
	case "trust":
		os.Exit(runTrustCommand(ctx, args[1:]))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

// runtime bundles the wired components behind every subcommand. Each CLI
// invocation builds one, runs a single command, and closes it.
type runtime struct {
	cfg    config.Config
	logger *slog.Logger

	store    *persistence.Store
	ledger   *audit.Ledger
	events   *bus.Bus
	registry *registry.Registry
	pool     *mcp.Pool
	market   *marketplace.Marketplace
	trust    *trust.Store
	otel     *otelPkg.Provider

	closers []io.Closer
}

func buildRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, true)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	slog.SetDefault(logger)
	logger.Debug("config loaded", "fingerprint", cfg.Fingerprint())

	rt := &runtime{cfg: cfg, logger: logger}
	rt.closers = append(rt.closers, logCloser)

	otelProvider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("init otel: %w", err)
	}
	rt.otel = otelProvider
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	store, err := persistence.Open(cfg.Audit.DBPath)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	rt.store = store
	rt.closers = append(rt.closers, store)

	rt.events = bus.New()

	ledger, err := audit.NewLedger(audit.Config{
		Dir:    cfg.Audit.Dir,
		Store:  store,
		Events: rt.events,
		Logger: logger,
	})
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	rt.ledger = ledger
	rt.closers = append(rt.closers, ledger)

	isolated, err := buildSandbox(cfg, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if c, ok := isolated.(io.Closer); ok {
		rt.closers = append(rt.closers, c)
	}

	rt.registry = registry.New(logger, isolated)
	rt.pool = mcp.NewPool(logger)
	rt.closers = append(rt.closers, rt.pool)

	rt.market = marketplace.New(marketplace.Config{
		Logger:          logger,
		Registry:        rt.registry,
		Ledger:          ledger,
		Events:          rt.events,
		Metrics:         metrics,
		MCPPool:         rt.pool,
		FallbackUnknown: cfg.FallbackUnknown,
	})

	trustStore, err := trust.OpenStore(cfg.Trust.StorePath)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("open trust store: %w", err)
	}
	rt.trust = trustStore

	registerBuiltins(ctx, rt)

	if restored, err := rt.checkpointer().Restore(ctx); err != nil {
		logger.Warn("checkpoint restore failed", "error", err)
	} else if restored > 0 {
		logger.Debug("checkpoint restored", "manifests", restored)
	}

	return rt, nil
}

func (rt *runtime) checkpointer() *marketplace.Checkpointer {
	return marketplace.NewCheckpointer(rt.market, rt.cfg.Checkpoint.Path, rt.logger)
}

func (rt *runtime) Close() {
	if rt.otel != nil {
		_ = rt.otel.Shutdown(context.Background())
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		_ = rt.closers[i].Close()
	}
}

// buildSandbox selects the isolation backend. The wasm backend additionally
// loads any precompiled modules from the configured module directory.
func buildSandbox(cfg config.Config, logger *slog.Logger) (sandbox.Provider, error) {
	switch cfg.Sandbox.Backend {
	case "docker":
		return sandbox.NewDocker(cfg.Sandbox.DockerImage)
	case "inproc":
		logger.Warn("inproc sandbox backend provides no isolation; use wasm or docker outside development")
		return sandbox.NewInProc(), nil
	default:
		host := wasm.NewHost(logger)
		entries, err := os.ReadDir(cfg.Sandbox.ModuleDir)
		if err != nil {
			if !os.IsNotExist(err) {
				logger.Warn("read wasm module dir", "dir", cfg.Sandbox.ModuleDir, "error", err)
			}
			return host, nil
		}
		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) != ".wasm" {
				continue
			}
			path := filepath.Join(cfg.Sandbox.ModuleDir, entry.Name())
			if err := host.LoadModuleFromFile(path); err != nil {
				logger.Warn("load wasm module", "path", path, "error", err)
			}
		}
		return host, nil
	}
}

// prompter returns the approval channel the config selects.
func (rt *runtime) prompter() trust.Prompter {
	if rt.cfg.Approval.Channel == "telegram" {
		return channels.NewTelegram(rt.cfg.Approval.Telegram.Token, rt.cfg.Approval.Telegram.ChatID, rt.logger)
	}
	return channels.NewTerminal(rt.logger)
}

// discoveryEngine assembles providers from the configured manifest
// directories and remote registries.
func (rt *runtime) discoveryEngine() *discovery.Engine {
	var providers []discovery.Provider
	for _, dir := range rt.cfg.Discovery.ManifestDirs {
		providers = append(providers, discovery.NewFile(dir, rt.logger))
	}
	for _, remote := range rt.cfg.Discovery.Remotes {
		providers = append(providers, discovery.NewRemote(remote.Name, remote.URL, remote.Token))
	}
	engine := discovery.NewEngine(rt.logger, providers...)
	engine.SetShortlist(rt.cfg.Discovery.Shortlist)
	return engine
}
