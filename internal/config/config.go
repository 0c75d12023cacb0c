// Package config loads Capstan's configuration from ~/.capstan/config.yaml,
// applying defaults and environment overrides.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/basket/capstan/internal/otel"
)

// SandboxConfig selects the isolation backend and its tuning knobs.
type SandboxConfig struct {
	// Backend names the provider: "wasm", "docker", or "inproc".
	// "inproc" runs everything in-process and is only safe for development.
	Backend string `yaml:"backend"`

	// DockerImage is the container image used by the docker backend.
	DockerImage string `yaml:"docker_image"`

	// ModuleDir holds precompiled wasm modules, one <name>.wasm per file.
	ModuleDir string `yaml:"module_dir"`
}

// RemoteRegistryConfig points at a remote capability registry.
type RemoteRegistryConfig struct {
	Name  string `yaml:"name"`
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

type DiscoveryConfig struct {
	// ManifestDirs are watched local directories of manifest YAML files.
	ManifestDirs []string               `yaml:"manifest_dirs"`
	Remotes      []RemoteRegistryConfig `yaml:"remotes"`
	Shortlist    int                    `yaml:"shortlist"`
}

type TrustConfig struct {
	// StorePath overrides the default ~/.capstan/trust.yaml location.
	StorePath string `yaml:"store_path"`
	// Actor is recorded as the approver on trust decisions.
	Actor string `yaml:"actor"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

type ApprovalConfig struct {
	// Channel selects where trust prompts go: "terminal" or "telegram".
	Channel  string         `yaml:"channel"`
	Telegram TelegramConfig `yaml:"telegram"`
}

type AuditConfig struct {
	// Dir holds the append-only JSONL ledger; empty disables the file sink.
	Dir string `yaml:"dir"`
	// DBPath is the sqlite mirror of the ledger; empty disables it.
	DBPath string `yaml:"db_path"`
}

type CheckpointConfig struct {
	Path     string `yaml:"path"`
	Schedule string `yaml:"schedule"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	// FallbackUnknown grants callers without an execution context a minimal
	// single-capability context instead of refusing them. Off by default.
	FallbackUnknown bool `yaml:"fallback_unknown"`

	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Trust      TrustConfig      `yaml:"trust"`
	Approval   ApprovalConfig   `yaml:"approval"`
	Audit      AuditConfig      `yaml:"audit"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Otel       otel.Config      `yaml:"otel"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// HomeDir resolves the Capstan home directory. CAPSTAN_HOME overrides the
// default of ~/.capstan.
func HomeDir() string {
	if override := os.Getenv("CAPSTAN_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".capstan")
}

func defaultConfig(homeDir string) Config {
	return Config{
		HomeDir:  homeDir,
		LogLevel: "info",
		Sandbox: SandboxConfig{
			Backend:     "wasm",
			DockerImage: "alpine:3.20",
			ModuleDir:   filepath.Join(homeDir, "modules"),
		},
		Discovery: DiscoveryConfig{
			ManifestDirs: []string{filepath.Join(homeDir, "manifests")},
		},
		Trust: TrustConfig{
			StorePath: filepath.Join(homeDir, "trust.yaml"),
			Actor:     "operator",
		},
		Approval: ApprovalConfig{Channel: "terminal"},
		Audit: AuditConfig{
			Dir:    filepath.Join(homeDir, "audit"),
			DBPath: filepath.Join(homeDir, "capstan.db"),
		},
		Checkpoint: CheckpointConfig{
			Path: filepath.Join(homeDir, "checkpoint.yaml"),
		},
		Otel: otel.Config{
			ServiceName: "capstan",
			SampleRate:  1.0,
		},
	}
}

// Load reads config.yaml from the Capstan home, creating the home directory
// if needed. A missing file yields the defaults.
func Load() (Config, error) {
	return loadFrom(HomeDir())
}

func loadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig(homeDir)

	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create capstan home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(homeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Sandbox.Backend == "" {
		cfg.Sandbox.Backend = "wasm"
	}
	if cfg.Sandbox.DockerImage == "" {
		cfg.Sandbox.DockerImage = "alpine:3.20"
	}
	if cfg.Trust.StorePath == "" {
		cfg.Trust.StorePath = filepath.Join(cfg.HomeDir, "trust.yaml")
	}
	if cfg.Trust.Actor == "" {
		cfg.Trust.Actor = "operator"
	}
	if cfg.Approval.Channel == "" {
		cfg.Approval.Channel = "terminal"
	}
	if cfg.Checkpoint.Path == "" {
		cfg.Checkpoint.Path = filepath.Join(cfg.HomeDir, "checkpoint.yaml")
	}
	if cfg.Otel.ServiceName == "" {
		cfg.Otel.ServiceName = "capstan"
	}
	if cfg.Otel.SampleRate <= 0 {
		cfg.Otel.SampleRate = 1.0
	}
}

func validate(cfg Config) error {
	switch cfg.Sandbox.Backend {
	case "wasm", "docker", "inproc":
	default:
		return fmt.Errorf("unknown sandbox backend %q", cfg.Sandbox.Backend)
	}
	switch cfg.Approval.Channel {
	case "terminal":
	case "telegram":
		if cfg.Approval.Telegram.Token == "" {
			return fmt.Errorf("approval channel telegram requires a bot token")
		}
	default:
		return fmt.Errorf("unknown approval channel %q", cfg.Approval.Channel)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CAPSTAN_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CAPSTAN_SANDBOX_BACKEND"); raw != "" {
		cfg.Sandbox.Backend = raw
	}
	if raw := os.Getenv("CAPSTAN_FALLBACK_UNKNOWN"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.FallbackUnknown = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Approval.Telegram.Token = raw
	}
	if raw := os.Getenv("TELEGRAM_CHAT_ID"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.Approval.Telegram.ChatID = v
		}
	}
	if raw := os.Getenv("CAPSTAN_OTEL_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Otel.Enabled = v
		}
	}
	if raw := os.Getenv("CAPSTAN_OTEL_ENDPOINT"); raw != "" {
		cfg.Otel.Endpoint = raw
	}
}

// Fingerprint returns a stable hash of the settings that change runtime
// behavior, for logging at startup.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "backend=%s|fallback=%t|channel=%s|dirs=%v|remotes=%d",
		c.Sandbox.Backend, c.FallbackUnknown, c.Approval.Channel,
		c.Discovery.ManifestDirs, len(c.Discovery.Remotes))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
