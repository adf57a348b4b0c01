// Package catalog loads the YAML configuration file describing known MCP
// servers and the runtime knobs of the hub. Environment references in the
// file are expanded before decoding.
package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"mcphub/internal/domain"
)

// Config is the decoded and validated configuration file.
type Config struct {
	Servers []domain.ServerConfig
	Runtime RuntimeConfig
}

// RuntimeConfig carries the hub-level knobs.
type RuntimeConfig struct {
	CapabilityTTL        time.Duration
	DiscoveryConcurrency int
	// RegistryFile is the JSON persistence path for the directory; empty
	// disables persistence.
	RegistryFile string
	// TokenStorePath is the bbolt file holding OAuth tokens; empty keeps
	// tokens in memory.
	TokenStorePath string
	// TokenStorePassphrase enables encryption at rest when set.
	TokenStorePassphrase string
	MetricsListenAddress string
}

type Loader struct {
	logger *zap.Logger
}

func NewLoader(logger *zap.Logger) *Loader {
	if logger == nil {
		return &Loader{logger: zap.NewNop()}
	}
	return &Loader{logger: logger.Named("catalog")}
}

func newConfigViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetDefault("capabilityTTLSeconds", int(domain.DefaultCapabilityTTL/time.Second))
	v.SetDefault("discoveryConcurrency", domain.DefaultDiscoveryConcurrency)
	v.SetDefault("observability.listenAddress", domain.DefaultMetricsListenAddress)
	return v
}

type rawConfig struct {
	Servers              []rawServer         `mapstructure:"servers"`
	CapabilityTTLSeconds int                 `mapstructure:"capabilityTTLSeconds"`
	DiscoveryConcurrency int                 `mapstructure:"discoveryConcurrency"`
	RegistryFile         string              `mapstructure:"registryFile"`
	TokenStore           rawTokenStoreConfig `mapstructure:"tokenStore"`
	Observability        rawObservability    `mapstructure:"observability"`
}

type rawServer struct {
	Name           string            `mapstructure:"name"`
	Accessibility  string            `mapstructure:"accessibility"`
	Hosting        string            `mapstructure:"hosting"`
	Transport      string            `mapstructure:"transport"`
	Command        []string          `mapstructure:"command"`
	Env            map[string]string `mapstructure:"env"`
	Cwd            string            `mapstructure:"cwd"`
	URL            string            `mapstructure:"url"`
	Headers        map[string]string `mapstructure:"headers"`
	TimeoutSeconds int               `mapstructure:"timeoutSeconds"`
	Description    string            `mapstructure:"description"`
	Tags           []string          `mapstructure:"tags"`
	Disabled       bool              `mapstructure:"disabled"`
	Auth           *rawAuth          `mapstructure:"auth"`
}

type rawAuth struct {
	TokenVerifier         string   `mapstructure:"tokenVerifier"`
	IntrospectionEndpoint string   `mapstructure:"introspectionEndpoint"`
	JWKSURI               string   `mapstructure:"jwksUri"`
	IssuerURL             string   `mapstructure:"issuerUrl"`
	Audience              string   `mapstructure:"audience"`
	RequiredScopes        []string `mapstructure:"requiredScopes"`
	ClientID              string   `mapstructure:"clientId"`
	ClientSecret          string   `mapstructure:"clientSecret"`
	DiscoverAuth          bool     `mapstructure:"discoverAuth"`
}

type rawTokenStoreConfig struct {
	Path       string `mapstructure:"path"`
	Passphrase string `mapstructure:"passphrase"`
}

type rawObservability struct {
	ListenAddress string `mapstructure:"listenAddress"`
}

// Load reads, expands, decodes and validates the config file. Validation
// collects every problem before failing so a broken file reports all of its
// errors at once.
func (l *Loader) Load(ctx context.Context, path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	expanded, missing, err := expandConfigEnv(data)
	if err != nil {
		return Config{}, err
	}
	if len(missing) > 0 {
		l.logger.Warn("missing environment variables in config",
			zap.String("path", path), zap.Strings("missing", missing))
	}

	v := newConfigViper()
	if err := v.ReadConfig(bytes.NewBufferString(expanded)); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	var raw rawConfig
	if err := v.Unmarshal(&raw); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Config{}, err
	}

	var validationErrors []string
	servers := make([]domain.ServerConfig, 0, len(raw.Servers))
	seen := make(map[string]struct{})

	for i, rs := range raw.Servers {
		cfg := toServerConfig(rs)
		if _, dup := seen[cfg.Name]; dup {
			validationErrors = append(validationErrors,
				fmt.Sprintf("servers[%d]: duplicate name %q", i, cfg.Name))
			continue
		}
		if cfg.Name != "" {
			seen[cfg.Name] = struct{}{}
		}
		if err := cfg.Validate(); err != nil {
			validationErrors = append(validationErrors,
				fmt.Sprintf("servers[%d]: %v", i, err))
			continue
		}
		servers = append(servers, cfg.Normalized())
	}

	runtime, runtimeErrs := normalizeRuntime(raw)
	validationErrors = append(validationErrors, runtimeErrs...)

	if len(validationErrors) > 0 {
		return Config{}, errors.New(strings.Join(validationErrors, "; "))
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i].Name < servers[j].Name })
	return Config{Servers: servers, Runtime: runtime}, nil
}

func toServerConfig(raw rawServer) domain.ServerConfig {
	cfg := domain.ServerConfig{
		Name:          strings.TrimSpace(raw.Name),
		Accessibility: domain.Accessibility(strings.ToLower(strings.TrimSpace(raw.Accessibility))),
		Hosting:       domain.Hosting(strings.ToLower(strings.TrimSpace(raw.Hosting))),
		Transport:     domain.Transport(strings.ToLower(strings.TrimSpace(raw.Transport))),
		Command:       raw.Command,
		Env:           raw.Env,
		Cwd:           raw.Cwd,
		URL:           strings.TrimSpace(raw.URL),
		Headers:       normalizeHeaders(raw.Headers),
		Description:   raw.Description,
		Tags:          raw.Tags,
		Disabled:      raw.Disabled,
	}
	if raw.TimeoutSeconds > 0 {
		cfg.Timeout = time.Duration(raw.TimeoutSeconds) * time.Second
	}
	if raw.Auth != nil {
		cfg.Auth = &domain.AuthConfig{
			TokenVerifier:         strings.ToLower(strings.TrimSpace(raw.Auth.TokenVerifier)),
			IntrospectionEndpoint: raw.Auth.IntrospectionEndpoint,
			JWKSURI:               raw.Auth.JWKSURI,
			IssuerURL:             raw.Auth.IssuerURL,
			Audience:              raw.Auth.Audience,
			RequiredScopes:        raw.Auth.RequiredScopes,
			ClientID:              raw.Auth.ClientID,
			ClientSecret:          raw.Auth.ClientSecret,
			DiscoverAuth:          raw.Auth.DiscoverAuth,
		}
	}
	return cfg
}

func normalizeHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	normalized := make(map[string]string, len(headers))
	for key, value := range headers {
		trimmed := strings.TrimSpace(key)
		if trimmed == "" {
			continue
		}
		normalized[http.CanonicalHeaderKey(trimmed)] = strings.TrimSpace(value)
	}
	if len(normalized) == 0 {
		return nil
	}
	return normalized
}

func normalizeRuntime(raw rawConfig) (RuntimeConfig, []string) {
	var errs []string

	ttlSeconds := raw.CapabilityTTLSeconds
	if ttlSeconds <= 0 {
		errs = append(errs, "capabilityTTLSeconds must be > 0")
	}
	concurrency := raw.DiscoveryConcurrency
	if concurrency <= 0 {
		errs = append(errs, "discoveryConcurrency must be > 0")
	}

	addr := strings.TrimSpace(raw.Observability.ListenAddress)
	if addr == "" {
		addr = domain.DefaultMetricsListenAddress
	}

	if raw.TokenStore.Passphrase != "" && raw.TokenStore.Path == "" {
		errs = append(errs, "tokenStore.path is required when tokenStore.passphrase is set")
	}

	return RuntimeConfig{
		CapabilityTTL:        time.Duration(ttlSeconds) * time.Second,
		DiscoveryConcurrency: concurrency,
		RegistryFile:         strings.TrimSpace(raw.RegistryFile),
		TokenStorePath:       strings.TrimSpace(raw.TokenStore.Path),
		TokenStorePassphrase: raw.TokenStore.Passphrase,
		MetricsListenAddress: addr,
	}, errs
}
