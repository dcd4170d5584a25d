package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const reloadDebounce = 100 * time.Millisecond

type registryFile struct {
	Projects []Project `yaml:"projects"`
	Bots     []Bot     `yaml:"bots"`
}

// BotRegistry holds the webhook receivers and project ownership read from a
// YAML file. Watch keeps it in sync with the file.
type BotRegistry struct {
	path string

	mu       sync.RWMutex
	bots     map[string]Bot
	order    []string
	projects map[string]Project
}

func NewBotRegistry(path string) (*BotRegistry, error) {
	r := &BotRegistry{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// NewStaticBotRegistry builds a registry from values, for tests and
// single-bot setups.
func NewStaticBotRegistry(projects []Project, bots []Bot) *BotRegistry {
	r := &BotRegistry{}
	r.set(registryFile{Projects: projects, Bots: bots})
	return r
}

func (r *BotRegistry) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("failed to read bot registry: %w", err)
	}
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse bot registry: %w", err)
	}
	r.set(f)
	slog.Info("loaded bot registry", "path", r.path, "bots", len(f.Bots), "projects", len(f.Projects))
	return nil
}

func (r *BotRegistry) set(f registryFile) {
	bots := make(map[string]Bot, len(f.Bots))
	order := make([]string, 0, len(f.Bots))
	for _, b := range f.Bots {
		if _, dup := bots[b.ID]; !dup {
			order = append(order, b.ID)
		}
		bots[b.ID] = b
	}
	projects := make(map[string]Project, len(f.Projects))
	for _, p := range f.Projects {
		projects[p.ID] = p
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bots, r.order, r.projects = bots, order, projects
}

func (r *BotRegistry) Bot(id string) (*Bot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bots[id]
	if !ok {
		return nil, false
	}
	return &b, true
}

// InterestedBots lists the bots in scope of projectID that want event, in
// registry order.
func (r *BotRegistry) InterestedBots(projectID, event string) []Bot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	project, ok := r.projects[projectID]
	if !ok {
		project = Project{ID: projectID}
	}
	var out []Bot
	for _, id := range r.order {
		b := r.bots[id]
		if b.InScope(&project) && b.Wants(event) {
			out = append(out, b)
		}
	}
	return out
}

// Watch reloads the registry whenever its file changes, until ctx is done.
// A file that fails to parse keeps the previous contents.
func (r *BotRegistry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files by rename, so watch the directory.
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		return fmt.Errorf("failed to watch bot registry directory: %w", err)
	}
	name := filepath.Base(r.path)

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name || event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				if err := r.Reload(); err != nil {
					slog.Warn("failed to reload bot registry, keeping previous contents", "error", err)
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("bot registry watcher error", "error", err)
		}
	}
}
