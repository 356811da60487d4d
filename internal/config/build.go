package config

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/capability"
	"github.com/fyrsmithlabs/memoryd/internal/logging"
	"github.com/fyrsmithlabs/memoryd/internal/metastore"
	"github.com/fyrsmithlabs/memoryd/internal/pipeline"
	"github.com/fyrsmithlabs/memoryd/internal/policy"
	"github.com/fyrsmithlabs/memoryd/internal/runner"
	"github.com/fyrsmithlabs/memoryd/internal/scope"
	"github.com/fyrsmithlabs/memoryd/internal/service"
	"github.com/fyrsmithlabs/memoryd/internal/vectorindex"
)

// Engine is the assembled memory engine. The facade covers normal use;
// the components are exported so the worker command can register the
// Temporal worker against the same registry and deps.
type Engine struct {
	Config   *Config
	Logger   *zap.Logger
	Store    metastore.Store
	Index    vectorindex.Index
	Caps     *capability.Set
	Scopes   *scope.Manager
	Registry *pipeline.Registry
	Deps     pipeline.Deps
	Runner   runner.Runner
	Service  *service.Service

	// TemporalClient is set when the runner mode is temporal.
	TemporalClient client.Client
}

// Build constructs every component from configuration, provisions the
// tenancy schema, and installs the default pipelines.
func Build(ctx context.Context, cfg *Config, reg prometheus.Registerer) (*Engine, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}

	e := &Engine{Config: cfg, Logger: logger}

	e.Store, err = buildStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("building store: %w", err)
	}

	schema, err := scope.NewSchema(cfg.Scope.Fields...)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.Scopes = scope.NewManager(e.Store, logger)
	if err := e.Scopes.Provision(ctx, schema); err != nil {
		e.Close()
		return nil, err
	}

	e.Caps, err = buildCapabilities(cfg, logger)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("building capabilities: %w", err)
	}

	e.Index, err = buildIndex(ctx, cfg, schema, logger)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("building index: %w", err)
	}

	e.Registry = pipeline.NewRegistry(e.Caps, e.Scopes, logger)
	if err := e.Registry.InstallDefaults(ctx); err != nil {
		e.Close()
		return nil, err
	}

	e.Deps = pipeline.Deps{
		Store:  e.Store,
		Index:  e.Index,
		Caps:   e.Caps,
		Policy: policy.NewEngine(cfg.Policy, logger),
		Scopes: e.Scopes,
		Logger: logger,
	}

	switch cfg.Runner.Mode {
	case "inline":
		e.Runner = runner.NewInline(runner.InlineConfig{}, e.Deps, logger)
	case "temporal":
		e.TemporalClient, err = client.Dial(client.Options{
			HostPort:  cfg.Runner.HostPort,
			Namespace: cfg.Runner.Namespace,
		})
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("connecting to temporal at %s: %w", cfg.Runner.HostPort, err)
		}
		e.Runner = runner.NewTemporal(e.TemporalClient, logger)
	}

	e.Service = service.New(cfg.Service, e.Store, e.Index, e.Caps, e.Scopes,
		e.Registry, e.Runner, service.NewMetrics(reg), logger)
	return e, nil
}

// Close releases the engine's backend connections.
func (e *Engine) Close() error {
	var first error
	if e.TemporalClient != nil {
		e.TemporalClient.Close()
	}
	if e.Index != nil {
		if err := e.Index.Close(); err != nil && first == nil {
			first = err
		}
	}
	if e.Store != nil {
		if err := e.Store.Close(); err != nil && first == nil {
			first = err
		}
	}
	if e.Logger != nil {
		_ = e.Logger.Sync()
	}
	return first
}

func buildStore(ctx context.Context, cfg *Config) (metastore.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		return metastore.NewInMemory(), nil
	case "sqlite":
		return metastore.NewSQLite(cfg.Store.Path)
	case "postgres":
		return metastore.NewPostgres(ctx, cfg.Store.DSN)
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

func buildIndex(ctx context.Context, cfg *Config, schema *scope.Schema, logger *zap.Logger) (vectorindex.Index, error) {
	switch cfg.Index.Backend {
	case "memory":
		return vectorindex.NewBrute(), nil
	case "chromem":
		return vectorindex.NewChromem(vectorindex.ChromemConfig{
			Path:     cfg.Index.Path,
			Compress: cfg.Index.Compress,
		}, logger)
	case "qdrant":
		return vectorindex.NewQdrant(vectorindex.QdrantConfig{
			Host:       cfg.Index.Host,
			Port:       cfg.Index.Port,
			APIKey:     cfg.Index.APIKey,
			UseTLS:     cfg.Index.UseTLS,
			VectorSize: cfg.Capabilities.EmbeddingDimensions,
			Timeout:    30 * time.Second,
		}, logger)
	case "pgvector":
		return vectorindex.NewPGVector(ctx, vectorindex.PGVectorConfig{
			DSN:        cfg.Index.DSN,
			VectorSize: cfg.Capabilities.EmbeddingDimensions,
		}, schema, logger)
	}
	return nil, fmt.Errorf("unknown index backend %q", cfg.Index.Backend)
}

func buildCapabilities(cfg *Config, logger *zap.Logger) (*capability.Set, error) {
	caps := &capability.Set{
		Reranker: capability.NewLexicalReranker(),
	}

	// The openai and anthropic clients serve whichever capabilities select
	// them; one client instance is shared.
	var oa *capability.OpenAI
	var an *capability.Anthropic
	openAI := func() (*capability.OpenAI, error) {
		if oa != nil {
			return oa, nil
		}
		var err error
		oa, err = capability.NewOpenAI(capability.OpenAIConfig{
			APIKey:              cfg.Capabilities.OpenAI.APIKey,
			BaseURL:             cfg.Capabilities.OpenAI.BaseURL,
			ChatModel:           cfg.Capabilities.OpenAI.Model,
			EmbeddingDimensions: cfg.Capabilities.EmbeddingDimensions,
		}, logger)
		return oa, err
	}
	anthropicClient := func() (*capability.Anthropic, error) {
		if an != nil {
			return an, nil
		}
		var err error
		an, err = capability.NewAnthropic(capability.AnthropicConfig{
			APIKey: cfg.Capabilities.Anthropic.APIKey,
			Model:  cfg.Capabilities.Anthropic.Model,
		}, logger)
		return an, err
	}

	switch cfg.Capabilities.Extractor {
	case "heuristic":
		caps.Extractor = capability.NewHeuristicExtractor(capability.HeuristicConfig{})
	case "openai":
		c, err := openAI()
		if err != nil {
			return nil, err
		}
		caps.Extractor = c
	case "anthropic":
		c, err := anthropicClient()
		if err != nil {
			return nil, err
		}
		caps.Extractor = c
	}

	switch cfg.Capabilities.Embedder {
	case "none":
	case "hash":
		caps.Embedder = capability.NewHashEmbedder(cfg.Capabilities.EmbeddingDimensions)
	case "openai":
		c, err := openAI()
		if err != nil {
			return nil, err
		}
		caps.Embedder = c
	}

	switch cfg.Capabilities.Summarizer {
	case "none":
	case "openai":
		c, err := openAI()
		if err != nil {
			return nil, err
		}
		caps.Summarizer = c
	case "anthropic":
		c, err := anthropicClient()
		if err != nil {
			return nil, err
		}
		caps.Summarizer = c
	}

	if cfg.Capabilities.FetchRoot != "" || cfg.Capabilities.AllowHTTPFetch {
		caps.BlobFetcher = capability.NewFetcher(capability.FetcherConfig{
			Root:      cfg.Capabilities.FetchRoot,
			AllowHTTP: cfg.Capabilities.AllowHTTPFetch,
		})
	}

	return caps, nil
}
