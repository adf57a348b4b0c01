// Package directory holds the in-memory store of server configurations and
// its optional JSON persistence. It performs no network I/O.
package directory

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"mcphub/internal/domain"
)

// Filter selects a subset of registered servers. Empty fields match
// everything; set fields combine with AND semantics.
type Filter struct {
	Accessibility domain.Accessibility
	Hosting       domain.Hosting
	Transport     domain.Transport
}

func (f Filter) matches(cfg domain.ServerConfig) bool {
	if f.Accessibility != "" && cfg.Accessibility != f.Accessibility {
		return false
	}
	if f.Hosting != "" && cfg.Hosting != f.Hosting {
		return false
	}
	if f.Transport != "" && cfg.Transport != f.Transport {
		return false
	}
	return true
}

// Directory is the authoritative store of ServerConfig records, keyed by
// server name.
type Directory struct {
	logger *zap.Logger

	mu      sync.RWMutex
	configs map[string]domain.ServerConfig
}

func New(logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		logger:  logger.Named("directory"),
		configs: make(map[string]domain.ServerConfig),
	}
}

// Register validates and upserts a config. Last write wins; an overwrite is
// logged rather than rejected.
func (d *Directory) Register(cfg domain.ServerConfig) error {
	cfg = cfg.Normalized()
	if err := cfg.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	_, existed := d.configs[cfg.Name]
	d.configs[cfg.Name] = cfg
	d.mu.Unlock()

	if existed {
		d.logger.Warn("server config overwritten",
			zap.String("server", cfg.Name),
			zap.String("transport", string(cfg.Transport)),
		)
	} else {
		d.logger.Debug("server registered",
			zap.String("server", cfg.Name),
			zap.String("transport", string(cfg.Transport)),
		)
	}
	return nil
}

// Get returns the config for name.
func (d *Directory) Get(name string) (domain.ServerConfig, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	cfg, ok := d.configs[name]
	return cfg, ok
}

// List returns configs matching the filter, sorted by name so output is
// independent of registration order.
func (d *Directory) List(filter Filter) []domain.ServerConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]domain.ServerConfig, 0, len(d.configs))
	for _, cfg := range d.configs {
		if filter.matches(cfg) {
			out = append(out, cfg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns all registered server names, sorted.
func (d *Directory) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.configs))
	for name := range d.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Remove deletes the config for name. It is idempotent and reports whether
// the name was present.
func (d *Directory) Remove(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.configs[name]
	delete(d.configs, name)
	return ok
}

// Clear drops every registered config.
func (d *Directory) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.configs = make(map[string]domain.ServerConfig)
}

// Len returns the number of registered configs.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.configs)
}
