package preview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/splax/covibes/internal/domain"
	"github.com/splax/covibes/internal/repository"
)

const reloadDebounce = 200 * time.Millisecond

type fileDocument struct {
	Deployments []fileDeployment `yaml:"deployments"`
}

type fileDeployment struct {
	TeamID string `yaml:"team_id"`
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Status string `yaml:"status"`
}

// FileRegistry serves deployments declared in a YAML file and reloads it on change.
type FileRegistry struct {
	path   string
	logger *slog.Logger

	mu          sync.RWMutex
	deployments map[string]domain.PreviewDeployment
	loadedAt    time.Time
}

// NewFileRegistry loads path and returns the registry.
func NewFileRegistry(path string, logger *slog.Logger) (*FileRegistry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("registry file path required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &FileRegistry{path: path, logger: logger.With("component", "preview_file_registry")}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the registry file. The previous contents stay active on error.
func (r *FileRegistry) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read registry file: %w", err)
	}
	deployments, err := parseRegistry(data)
	if err != nil {
		return fmt.Errorf("parse registry file %s: %w", r.path, err)
	}
	now := time.Now().UTC()
	for teamID, dep := range deployments {
		dep.UpdatedAt = now
		deployments[teamID] = dep
	}
	r.mu.Lock()
	r.deployments = deployments
	r.loadedAt = now
	r.mu.Unlock()
	r.logger.Info("preview registry loaded", "path", r.path, "deployments", len(deployments))
	return nil
}

func parseRegistry(data []byte) (map[string]domain.PreviewDeployment, error) {
	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	deployments := make(map[string]domain.PreviewDeployment, len(doc.Deployments))
	for i, entry := range doc.Deployments {
		teamID := strings.TrimSpace(entry.TeamID)
		if teamID == "" {
			return nil, fmt.Errorf("deployment %d: team_id is required", i)
		}
		if _, dup := deployments[teamID]; dup {
			return nil, fmt.Errorf("deployment %d: duplicate team_id %q", i, teamID)
		}
		status := strings.TrimSpace(entry.Status)
		if status == "" {
			status = domain.PreviewRunning
		}
		if !domain.ValidPreviewStatus(status) {
			return nil, fmt.Errorf("deployment %d: invalid status %q", i, entry.Status)
		}
		if status == domain.PreviewRunning && (strings.TrimSpace(entry.Host) == "" || entry.Port <= 0 || entry.Port > 65535) {
			return nil, fmt.Errorf("deployment %d: running deployment needs host and port", i)
		}
		deployments[teamID] = domain.PreviewDeployment{
			TeamID: teamID,
			Host:   strings.TrimSpace(entry.Host),
			Port:   entry.Port,
			Status: status,
		}
	}
	return deployments, nil
}

// GetDeployment returns the declared deployment of a team.
func (r *FileRegistry) GetDeployment(_ context.Context, teamID string) (*domain.PreviewDeployment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dep, ok := r.deployments[teamID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &dep, nil
}

// EnsureRunning cannot start anything; it only reports declared running deployments.
func (r *FileRegistry) EnsureRunning(ctx context.Context, teamID string) (domain.BackendAddress, error) {
	dep, err := r.GetDeployment(ctx, teamID)
	if err != nil {
		return domain.BackendAddress{}, err
	}
	if !dep.Running() {
		return domain.BackendAddress{}, fmt.Errorf("%w: %s is %s", ErrNotRunning, teamID, dep.Status)
	}
	return dep.Address(), nil
}

// Watch reloads the registry whenever the file changes until ctx is done.
func (r *FileRegistry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files by rename, so watch the directory instead of the file.
	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(r.path)

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			if err := r.Reload(); err != nil {
				r.logger.Warn("preview registry reload failed", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("preview registry watcher error", "error", err)
		}
	}
}
