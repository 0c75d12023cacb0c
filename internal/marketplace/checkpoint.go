package marketplace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/basket/capstan/internal/capability"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Checkpointer periodically snapshots the manifest table to a YAML file so a
// restart does not lose discovered and approved capabilities. The snapshot
// is written to a temp file and renamed; a crash mid-write leaves the
// previous checkpoint intact.
type Checkpointer struct {
	marketplace *Marketplace
	path        string
	logger      *slog.Logger
	cron        *cron.Cron
}

// DefaultCheckpointSchedule writes a snapshot every five minutes.
const DefaultCheckpointSchedule = "*/5 * * * *"

func NewCheckpointer(m *Marketplace, path string, logger *slog.Logger) *Checkpointer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checkpointer{
		marketplace: m,
		path:        path,
		logger:      logger,
	}
}

// Start schedules periodic snapshots and throttle-state decay. schedule is a
// cron expression; empty means DefaultCheckpointSchedule.
func (c *Checkpointer) Start(schedule string) error {
	if schedule == "" {
		schedule = DefaultCheckpointSchedule
	}
	c.cron = cron.New()
	_, err := c.cron.AddFunc(schedule, func() {
		c.marketplace.SweepThrottles()
		if err := c.Snapshot(); err != nil {
			c.logger.Error("checkpoint failed", "path", c.path, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule checkpoint: %w", err)
	}
	c.cron.Start()
	return nil
}

// Stop halts the schedule and writes one final snapshot.
func (c *Checkpointer) Stop() error {
	if c.cron != nil {
		<-c.cron.Stop().Done()
	}
	return c.Snapshot()
}

// Snapshot writes the current manifest table, sorted by id for stable diffs.
func (c *Checkpointer) Snapshot() error {
	manifests := c.marketplace.List()
	sort.Slice(manifests, func(i, j int) bool { return manifests[i].ID < manifests[j].ID })

	data, err := yaml.Marshal(manifests)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	c.logger.Debug("checkpoint written", "path", c.path, "manifests", len(manifests))
	return nil
}

// Restore loads a snapshot back into the marketplace. Manifests that fail
// validation are skipped and logged; one rotten entry must not block the
// rest of the table.
func (c *Checkpointer) Restore(ctx context.Context) (int, error) {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read checkpoint: %w", err)
	}

	var manifests []capability.Manifest
	if err := yaml.Unmarshal(data, &manifests); err != nil {
		return 0, fmt.Errorf("parse checkpoint: %w", err)
	}

	restored := 0
	for _, manifest := range manifests {
		if err := c.marketplace.Register(ctx, manifest, true); err != nil {
			c.logger.Warn("skipping checkpointed manifest", "capability", manifest.ID, "error", err)
			continue
		}
		restored++
	}
	return restored, nil
}
