package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/capstan/internal/capability"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// File surfaces manifests dropped as YAML files into a directory. Each file
// holds one manifest. The directory is re-read per query, so edits land
// without a restart; Watch additionally pushes change notifications for
// callers that keep a warm shortlist.
type File struct {
	dir    string
	logger *slog.Logger
	events chan string
}

func NewFile(dir string, logger *slog.Logger) *File {
	if logger == nil {
		logger = slog.Default()
	}
	return &File{
		dir:    dir,
		logger: logger,
		events: make(chan string, 16),
	}
}

func (f *File) Name() string { return "file:" + f.dir }

func (f *File) Discover(ctx context.Context, query string) ([]Candidate, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read manifest dir: %w", err)
	}

	var out []Candidate
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		ext := filepath.Ext(ent.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(f.dir, ent.Name())
		manifest, err := loadManifestFile(path)
		if err != nil {
			f.logger.Warn("skipping unreadable manifest", "path", path, "error", err)
			continue
		}
		out = append(out, Candidate{Manifest: manifest, Local: true})
	}
	return out, nil
}

func loadManifestFile(path string) (capability.Manifest, error) {
	var manifest capability.Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return manifest, err
	}
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return manifest, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if manifest.Source == "" {
		manifest.Source = capability.SourceDiscovered
	}
	if manifest.RegisteredAt.IsZero() {
		if fi, err := os.Stat(path); err == nil {
			manifest.RegisteredAt = fi.ModTime()
		}
	}
	return manifest, nil
}

// Events delivers a notification per settled burst of directory changes.
func (f *File) Events() <-chan string {
	return f.events
}

// Watch follows the manifest directory until ctx ends. Change bursts are
// debounced so a file copy does not fire once per write.
func (f *File) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	if err := fsw.Add(f.dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch %s: %w", f.dir, err)
	}

	go func() {
		defer func() {
			_ = fsw.Close()
			close(f.events)
		}()

		var pending bool
		var timer *time.Timer
		var timerC <-chan time.Time
		flush := func() {
			if !pending {
				return
			}
			pending = false
			select {
			case f.events <- f.dir:
			default:
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				ext := filepath.Ext(ev.Name)
				if ext != ".yaml" && ext != ".yml" {
					continue
				}

				pending = true
				if timer == nil {
					timer = time.NewTimer(150 * time.Millisecond)
					timerC = timer.C
				} else {
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(150 * time.Millisecond)
				}
			case <-timerC:
				flush()
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				f.logger.Warn("manifest watcher error", "error", err)
			}
		}
	}()

	return nil
}
