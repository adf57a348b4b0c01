package directory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"mcphub/internal/domain"
)

// persistedServer is the on-disk record shape. Command is split into
// command + args, and enabled is the inverse of the runtime Disabled flag.
type persistedServer struct {
	Name          string                     `json:"name"`
	Transport     domain.Transport           `json:"transport"`
	Enabled       bool                       `json:"enabled"`
	Accessibility domain.Accessibility       `json:"accessibility,omitempty"`
	Hosting       domain.Hosting             `json:"hosting,omitempty"`
	Command       string                     `json:"command,omitempty"`
	Args          []string                   `json:"args,omitempty"`
	Env           map[string]string          `json:"env,omitempty"`
	Cwd           string                     `json:"cwd,omitempty"`
	URL           string                     `json:"url,omitempty"`
	Headers       map[string]string          `json:"headers,omitempty"`
	LastDiscovery string                     `json:"lastDiscovery,omitempty"`
	Capabilities  *domain.CapabilitySnapshot `json:"capabilities,omitempty"`
	Description   string                     `json:"description,omitempty"`
	Tags          []string                   `json:"tags,omitempty"`
}

type persistedFile struct {
	Servers []persistedServer `json:"servers"`
	Updated string            `json:"updated"`
}

// FileStore persists directory contents as JSON. Writes are atomic
// (temp file + rename).
type FileStore struct {
	path   string
	logger *zap.Logger

	mu sync.Mutex
}

func NewFileStore(path string, logger *zap.Logger) *FileStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{path: path, logger: logger.Named("filestore")}
}

func (s *FileStore) Path() string {
	return s.path
}

// Save writes the given configs with their capability snapshots. Snapshots
// may be nil for servers that were never discovered.
func (s *FileStore) Save(configs []domain.ServerConfig, snapshots map[string]*domain.CapabilitySnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file := persistedFile{
		Servers: make([]persistedServer, 0, len(configs)),
		Updated: time.Now().UTC().Format(time.RFC3339),
	}
	for _, cfg := range configs {
		rec := persistedServer{
			Name:          cfg.Name,
			Transport:     cfg.Transport,
			Enabled:       !cfg.Disabled,
			Accessibility: cfg.Accessibility,
			Hosting:       cfg.Hosting,
			Env:           cfg.Env,
			Cwd:           cfg.Cwd,
			URL:           cfg.URL,
			Headers:       cfg.Headers,
			Description:   cfg.Description,
			Tags:          cfg.Tags,
		}
		if len(cfg.Command) > 0 {
			rec.Command = cfg.Command[0]
			rec.Args = cfg.Command[1:]
		}
		if snap := snapshots[cfg.Name]; snap != nil {
			rec.Capabilities = snap
			if !snap.LastDiscovery.IsZero() {
				rec.LastDiscovery = snap.LastDiscovery.UTC().Format(time.RFC3339)
			}
		}
		file.Servers = append(file.Servers, rec)
	}

	data, err := json.MarshalIndent(&file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry file: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create registry dir: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write registry temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename registry file: %w", err)
	}
	return nil
}

// Load reads the persisted registry. A missing file yields empty results,
// not an error.
func (s *FileStore) Load() ([]domain.ServerConfig, map[string]*domain.CapabilitySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, map[string]*domain.CapabilitySnapshot{}, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read registry file: %w", err)
	}

	var file persistedFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("parse registry file: %w", err)
	}

	configs := make([]domain.ServerConfig, 0, len(file.Servers))
	snapshots := make(map[string]*domain.CapabilitySnapshot)
	for _, rec := range file.Servers {
		cfg := domain.ServerConfig{
			Name:          rec.Name,
			Transport:     rec.Transport,
			Accessibility: rec.Accessibility,
			Hosting:       rec.Hosting,
			Env:           rec.Env,
			Cwd:           rec.Cwd,
			URL:           rec.URL,
			Headers:       rec.Headers,
			Description:   rec.Description,
			Tags:          rec.Tags,
			Disabled:      !rec.Enabled,
		}
		if rec.Command != "" {
			cfg.Command = append([]string{rec.Command}, rec.Args...)
		}
		configs = append(configs, cfg.Normalized())

		snap := rec.Capabilities
		if rec.LastDiscovery != "" {
			ts, err := time.Parse(time.RFC3339, rec.LastDiscovery)
			if err != nil {
				return nil, nil, fmt.Errorf("parse lastDiscovery for %s: %w", rec.Name, err)
			}
			if snap == nil {
				snap = &domain.CapabilitySnapshot{}
			}
			snap.LastDiscovery = ts
		}
		if snap != nil {
			snapshots[rec.Name] = snap
		}
	}
	return configs, snapshots, nil
}

// Watch reloads the registry file into dir whenever it changes on disk.
// The watcher stops when the returned func is called.
func (s *FileStore) Watch(dir *Directory) (func(), error) {
	watcher, err := newFileWatcher(s.path)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !eventTouches(event.Name, s.path) {
					continue
				}
				if event.Op&(writeOps) == 0 {
					continue
				}
				configs, _, err := s.Load()
				if err != nil {
					s.logger.Warn("registry file reload failed", zap.Error(err))
					continue
				}
				for _, cfg := range configs {
					if err := dir.Register(cfg); err != nil {
						s.logger.Warn("registry file entry rejected",
							zap.String("server", cfg.Name), zap.Error(err))
					}
				}
				s.logger.Info("registry file reloaded", zap.Int("servers", len(configs)))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("registry file watch error", zap.Error(err))
			}
		}
	}()

	return func() {
		close(done)
		_ = watcher.Close()
	}, nil
}

func eventTouches(name, path string) bool {
	return strings.EqualFold(filepath.Clean(name), filepath.Clean(path))
}
