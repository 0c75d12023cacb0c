// Package doctor runs environment diagnostics: can the configured backends
// actually start, are the data files reachable, is anything misconfigured in
// a way that would only surface mid-execution.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/capstan/internal/config"
	"github.com/basket/capstan/internal/persistence"
	"github.com/basket/capstan/internal/trust"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check ended in FAIL.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkLedgerDB,
		checkSandboxBackend,
		checkTrustStore,
		checkDiscoverySources,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	return CheckResult{Name: "Config", Status: "PASS",
		Message: fmt.Sprintf("Loaded from %s (%s)", cfg.HomeDir, cfg.Fingerprint())}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL",
			Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkLedgerDB(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Ledger DB", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.Audit.DBPath == "" {
		return CheckResult{Name: "Ledger DB", Status: "WARN", Message: "sqlite sink disabled (audit.db_path empty)"}
	}

	store, err := persistence.Open(cfg.Audit.DBPath)
	if err != nil {
		return CheckResult{Name: "Ledger DB", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	if _, err := store.RecentEvents(ctx, 1); err != nil {
		return CheckResult{Name: "Ledger DB", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Ledger DB", Status: "PASS", Message: "Connection and schema valid"}
}

func checkSandboxBackend(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Sandbox", Status: "SKIP", Message: "Config missing"}
	}

	switch cfg.Sandbox.Backend {
	case "inproc":
		return CheckResult{Name: "Sandbox", Status: "WARN",
			Message: "inproc backend provides no isolation",
			Detail:  "isolation-required capabilities will run in-process"}

	case "docker":
		if _, err := exec.LookPath("docker"); err != nil {
			return CheckResult{Name: "Sandbox", Status: "FAIL", Message: "docker binary not found"}
		}
		cmd := exec.CommandContext(ctx, "docker", "info")
		if err := cmd.Run(); err != nil {
			return CheckResult{Name: "Sandbox", Status: "FAIL",
				Message: fmt.Sprintf("docker daemon unreachable: %v", err)}
		}
		return CheckResult{Name: "Sandbox", Status: "PASS",
			Message: fmt.Sprintf("docker daemon reachable, image %s", cfg.Sandbox.DockerImage)}

	case "wasm":
		entries, err := os.ReadDir(cfg.Sandbox.ModuleDir)
		if os.IsNotExist(err) {
			return CheckResult{Name: "Sandbox", Status: "WARN",
				Message: fmt.Sprintf("wasm module dir %s missing", cfg.Sandbox.ModuleDir),
				Detail:  "only native capabilities wrapped for the sandbox will run"}
		}
		if err != nil {
			return CheckResult{Name: "Sandbox", Status: "FAIL",
				Message: fmt.Sprintf("read module dir: %v", err)}
		}
		modules := 0
		for _, entry := range entries {
			if !entry.IsDir() && filepath.Ext(entry.Name()) == ".wasm" {
				modules++
			}
		}
		return CheckResult{Name: "Sandbox", Status: "PASS",
			Message: fmt.Sprintf("wasm backend, %d modules in %s", modules, cfg.Sandbox.ModuleDir)}

	default:
		return CheckResult{Name: "Sandbox", Status: "FAIL",
			Message: fmt.Sprintf("unknown backend %q", cfg.Sandbox.Backend)}
	}
}

func checkTrustStore(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Trust store", Status: "SKIP", Message: "Config missing"}
	}
	store, err := trust.OpenStore(cfg.Trust.StorePath)
	if err != nil {
		return CheckResult{Name: "Trust store", Status: "FAIL",
			Message: fmt.Sprintf("Open failed: %v", err)}
	}
	return CheckResult{Name: "Trust store", Status: "PASS",
		Message: fmt.Sprintf("%d origins recorded", len(store.All()))}
}

func checkDiscoverySources(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Discovery", Status: "SKIP", Message: "Config missing"}
	}

	var details []string
	status := "PASS"

	for _, dir := range cfg.Discovery.ManifestDirs {
		if _, err := os.Stat(dir); err != nil {
			details = append(details, fmt.Sprintf("%s: missing", dir))
			if status == "PASS" {
				status = "WARN"
			}
		} else {
			details = append(details, fmt.Sprintf("%s: ok", dir))
		}
	}

	for _, remote := range cfg.Discovery.Remotes {
		host := remoteHost(remote.URL)
		if host == "" {
			details = append(details, fmt.Sprintf("%s: bad url", remote.Name))
			status = "FAIL"
			continue
		}
		lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := net.DefaultResolver.LookupHost(lookupCtx, host)
		cancel()
		if err != nil {
			details = append(details, fmt.Sprintf("%s: DNS failed (%v)", remote.Name, err))
			status = "FAIL"
		} else {
			details = append(details, fmt.Sprintf("%s: ok", remote.Name))
		}
	}

	if len(details) == 0 {
		return CheckResult{Name: "Discovery", Status: "WARN", Message: "No discovery sources configured"}
	}
	return CheckResult{
		Name:    "Discovery",
		Status:  status,
		Message: fmt.Sprintf("Checked %d sources", len(details)),
		Detail:  strings.Join(details, "; "),
	}
}

func remoteHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Hostname()
}
