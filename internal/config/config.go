// Package config loads the memoryd configuration and builds the engine
// from it.
//
// Precedence, highest first: environment variables (MEMORYD_*), the YAML
// config file, hardcoded defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/fyrsmithlabs/memoryd/internal/logging"
	"github.com/fyrsmithlabs/memoryd/internal/policy"
	"github.com/fyrsmithlabs/memoryd/internal/service"
)

const envPrefix = "MEMORYD_"

// ScopeConfig declares the deployment's tenancy schema.
type ScopeConfig struct {
	// Fields are "name:type" declarations in schema order, e.g.
	// ["user_id:string", "agent_id:string"].
	Fields []string `koanf:"fields"`
}

// StoreConfig selects the metadata store backend.
type StoreConfig struct {
	// Backend is one of: memory, sqlite, postgres. Default: sqlite.
	Backend string `koanf:"backend"`

	// Path is the SQLite database file.
	Path string `koanf:"path"`

	// DSN is the PostgreSQL connection string.
	DSN string `koanf:"dsn"`
}

// IndexConfig selects the vector index backend.
type IndexConfig struct {
	// Backend is one of: memory, chromem, qdrant, pgvector.
	// Default: chromem.
	Backend string `koanf:"backend"`

	// Path is the chromem persistence directory.
	Path string `koanf:"path"`

	// Compress enables gzip for chromem persistence.
	Compress bool `koanf:"compress"`

	// Host and Port locate the Qdrant server.
	Host string `koanf:"host"`
	Port int    `koanf:"port"`

	// APIKey and UseTLS configure Qdrant Cloud access.
	APIKey string `koanf:"api_key"`
	UseTLS bool   `koanf:"use_tls"`

	// DSN is the pgvector connection string.
	DSN string `koanf:"dsn"`
}

// ProviderConfig holds model-provider credentials.
type ProviderConfig struct {
	APIKey  string `koanf:"api_key"`
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
}

// CapabilityConfig selects capability providers.
type CapabilityConfig struct {
	// Extractor is one of: heuristic, openai, anthropic.
	// Default: heuristic.
	Extractor string `koanf:"extractor"`

	// Embedder is one of: none, hash, openai. Default: hash.
	Embedder string `koanf:"embedder"`

	// EmbeddingDimensions sizes the embedding space. Default: 256 for
	// hash, 1536 for openai.
	EmbeddingDimensions int `koanf:"embedding_dimensions"`

	// Summarizer is one of: none, openai, anthropic. Default: none.
	Summarizer string `koanf:"summarizer"`

	OpenAI    ProviderConfig `koanf:"openai"`
	Anthropic ProviderConfig `koanf:"anthropic"`

	// FetchRoot confines file resource fetches to a directory. Empty
	// disables by-reference ingestion entirely.
	FetchRoot string `koanf:"fetch_root"`

	// AllowHTTPFetch permits http(s) resource URIs.
	AllowHTTPFetch bool `koanf:"allow_http_fetch"`
}

// RunnerConfig selects the execution runner.
type RunnerConfig struct {
	// Mode is one of: inline, temporal. Default: inline.
	Mode string `koanf:"mode"`

	// HostPort and Namespace locate the Temporal server.
	// Defaults: localhost:7233, default.
	HostPort  string `koanf:"host_port"`
	Namespace string `koanf:"namespace"`
}

// Config is the whole memoryd configuration.
type Config struct {
	Logging      logging.Config   `koanf:"logging"`
	Scope        ScopeConfig      `koanf:"scope"`
	Store        StoreConfig      `koanf:"store"`
	Index        IndexConfig      `koanf:"index"`
	Capabilities CapabilityConfig `koanf:"capabilities"`
	Policy       policy.Config    `koanf:"policy"`
	Runner       RunnerConfig     `koanf:"runner"`
	Service      service.Config   `koanf:"service"`

	// MetricsAddr serves Prometheus metrics when set, e.g. ":9090".
	MetricsAddr string `koanf:"metrics_addr"`
}

// DefaultDataDir is where the sqlite store and chromem index live unless
// configured otherwise.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".memoryd"
	}
	return filepath.Join(home, ".local", "share", "memoryd")
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	c.Logging.ApplyDefaults()
	if c.Store.Backend == "" {
		c.Store.Backend = "sqlite"
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(DefaultDataDir(), "memoryd.db")
	}
	if c.Index.Backend == "" {
		c.Index.Backend = "chromem"
	}
	if c.Index.Path == "" {
		c.Index.Path = filepath.Join(DefaultDataDir(), "index")
	}
	if c.Index.Host == "" {
		c.Index.Host = "localhost"
	}
	if c.Capabilities.Extractor == "" {
		c.Capabilities.Extractor = "heuristic"
	}
	if c.Capabilities.Embedder == "" {
		c.Capabilities.Embedder = "hash"
	}
	if c.Capabilities.Summarizer == "" {
		c.Capabilities.Summarizer = "none"
	}
	if c.Capabilities.EmbeddingDimensions == 0 {
		if c.Capabilities.Embedder == "openai" {
			c.Capabilities.EmbeddingDimensions = 1536
		} else {
			c.Capabilities.EmbeddingDimensions = 256
		}
	}
	if c.Runner.Mode == "" {
		c.Runner.Mode = "inline"
	}
	if c.Runner.HostPort == "" {
		c.Runner.HostPort = "localhost:7233"
	}
	if c.Runner.Namespace == "" {
		c.Runner.Namespace = "default"
	}
	c.Policy.ApplyDefaults()
	c.Service.ApplyDefaults()
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	if len(c.Scope.Fields) == 0 {
		return fmt.Errorf("scope.fields is required")
	}
	switch c.Store.Backend {
	case "memory", "sqlite":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	switch c.Index.Backend {
	case "memory", "chromem", "qdrant":
	case "pgvector":
		if c.Index.DSN == "" {
			return fmt.Errorf("index.dsn is required for the pgvector backend")
		}
	default:
		return fmt.Errorf("unknown index backend %q", c.Index.Backend)
	}
	switch c.Capabilities.Extractor {
	case "heuristic":
	case "openai":
		if c.Capabilities.OpenAI.APIKey == "" {
			return fmt.Errorf("capabilities.openai.api_key is required for the openai extractor")
		}
	case "anthropic":
		if c.Capabilities.Anthropic.APIKey == "" {
			return fmt.Errorf("capabilities.anthropic.api_key is required for the anthropic extractor")
		}
	default:
		return fmt.Errorf("unknown extractor %q", c.Capabilities.Extractor)
	}
	switch c.Capabilities.Embedder {
	case "none", "hash":
	case "openai":
		if c.Capabilities.OpenAI.APIKey == "" {
			return fmt.Errorf("capabilities.openai.api_key is required for the openai embedder")
		}
	default:
		return fmt.Errorf("unknown embedder %q", c.Capabilities.Embedder)
	}
	switch c.Capabilities.Summarizer {
	case "none", "openai", "anthropic":
	default:
		return fmt.Errorf("unknown summarizer %q", c.Capabilities.Summarizer)
	}
	switch c.Runner.Mode {
	case "inline", "temporal":
	default:
		return fmt.Errorf("unknown runner mode %q", c.Runner.Mode)
	}
	return nil
}

// Load reads configuration from an optional YAML file and the environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	// MEMORYD_STORE__BACKEND maps to store.backend. Double underscore is
	// the nesting separator so key names may themselves contain
	// underscores (store.backend vs capabilities.fetch_root).
	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		s = strings.ToLower(s)
		return strings.ReplaceAll(s, "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
