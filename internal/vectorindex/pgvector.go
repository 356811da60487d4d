package vectorindex

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvec "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/scope"
)

// PGVectorConfig configures the pgvector backend.
type PGVectorConfig struct {
	// DSN is the PostgreSQL connection string.
	DSN string

	// Table is the embeddings table name. Default: "memory_embeddings"
	Table string

	// VectorSize is the embedding dimension. Required.
	VectorSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *PGVectorConfig) ApplyDefaults() {
	if c.Table == "" {
		c.Table = "memory_embeddings"
	}
}

// Validate validates the configuration.
func (c *PGVectorConfig) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("dsn is required")
	}
	if c.VectorSize <= 0 {
		return fmt.Errorf("vector size must be positive, got %d", c.VectorSize)
	}
	return nil
}

// PGVector is the vector index backend on the pgvector extension, for
// deployments that already run the relational metadata store on PostgreSQL.
// One table holds both kinds; the scope columns lead every index so scope
// filtering is a prefix match.
type PGVector struct {
	pool   *pgxpool.Pool
	config PGVectorConfig
	schema *scope.Schema
	logger *zap.Logger
}

var _ Index = (*PGVector)(nil)

// NewPGVector connects and provisions the embeddings table for the given
// tenancy schema.
func NewPGVector(ctx context.Context, config PGVectorConfig, schema *scope.Schema, logger *zap.Logger) (*PGVector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(config.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	p := &PGVector{pool: pool, config: config, schema: schema, logger: logger}
	if err := p.provision(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("pgvector index initialized",
		zap.String("table", config.Table),
		zap.Int("vector_size", config.VectorSize),
	)
	return p, nil
}

func (p *PGVector) provision(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("enabling pgvector extension: %w", err)
	}
	cols := make([]string, len(p.schema.Fields))
	names := make([]string, len(p.schema.Fields))
	for i, f := range p.schema.Fields {
		names[i] = "scope_" + f.Name
		cols[i] = names[i] + " TEXT NOT NULL"
	}
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		kind TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		%s,
		content TEXT NOT NULL DEFAULT '',
		embedding vector(%d) NOT NULL,
		PRIMARY KEY (kind, entity_id)
	)`, p.config.Table, strings.Join(cols, ",\n\t\t"), p.config.VectorSize)
	if _, err := p.pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("creating table %s: %w", p.config.Table, err)
	}
	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_scope ON %s (%s, kind)`,
		p.config.Table, p.config.Table, strings.Join(names, ", "))
	if _, err := p.pool.Exec(ctx, idx); err != nil {
		return fmt.Errorf("creating scope index: %w", err)
	}
	return nil
}

// Upsert implements Index.
func (p *PGVector) Upsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return ErrEmptyEntries
	}
	scopeCols := make([]string, len(p.schema.Fields))
	for i, f := range p.schema.Fields {
		scopeCols[i] = "scope_" + f.Name
	}
	n := len(scopeCols)
	ph := make([]string, n+4)
	for i := range ph {
		ph[i] = fmt.Sprintf("$%d", i+1)
	}
	stmt := fmt.Sprintf(`INSERT INTO %s (kind, entity_id, %s, content, embedding)
		VALUES (%s)
		ON CONFLICT (kind, entity_id) DO UPDATE SET content = excluded.content, embedding = excluded.embedding`,
		p.config.Table, strings.Join(scopeCols, ", "), strings.Join(ph, ", "))

	for _, e := range entries {
		if !KnownKind(e.Kind) {
			return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
		}
		if len(e.Vector) != p.config.VectorSize {
			return fmt.Errorf("%w: entry %s has %d dims, index expects %d",
				ErrDimensionMismatch, e.ID, len(e.Vector), p.config.VectorSize)
		}
		args := make([]any, 0, n+4)
		args = append(args, string(e.Kind), e.ID)
		for _, f := range p.schema.Fields {
			args = append(args, e.Scope[f.Name])
		}
		args = append(args, e.Text, pgvec.NewVector(e.Vector))
		if _, err := p.pool.Exec(ctx, stmt, args...); err != nil {
			return fmt.Errorf("upserting %s embedding %s: %w", e.Kind, e.ID, err)
		}
	}
	return nil
}

// Delete implements Index.
func (p *PGVector) Delete(ctx context.Context, kind Kind, ids []string) error {
	if !KnownKind(kind) {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if len(ids) == 0 {
		return nil
	}
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE kind = $1 AND entity_id = ANY($2)`, p.config.Table)
	if _, err := p.pool.Exec(ctx, stmt, string(kind), ids); err != nil {
		return fmt.Errorf("deleting %s embeddings: %w", kind, err)
	}
	return nil
}

// Search implements Index.
func (p *PGVector) Search(ctx context.Context, q Query) ([]Hit, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}
	vec := pgvec.NewVector(q.Vector)
	args := []any{string(q.Kind), vec}
	conds := []string{"kind = $1"}
	for _, f := range p.schema.Fields {
		fs := q.Selector[f.Name]
		if fs.Wildcard {
			continue
		}
		args = append(args, fs.Values)
		conds = append(conds, fmt.Sprintf("scope_%s = ANY($%d)", f.Name, len(args)))
	}
	args = append(args, q.K)
	scopeCols := make([]string, len(p.schema.Fields))
	for i, f := range p.schema.Fields {
		scopeCols[i] = "scope_" + f.Name
	}
	stmt := fmt.Sprintf(`SELECT entity_id, content, %s, 1 - (embedding <=> $2) AS score
		FROM %s
		WHERE %s
		ORDER BY embedding <=> $2
		LIMIT $%d`,
		strings.Join(scopeCols, ", "), p.config.Table, strings.Join(conds, " AND "), len(args))

	rows, err := p.pool.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s embeddings: %w", q.Kind, err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		hit := Hit{Kind: q.Kind, Scope: make(scope.Key)}
		dest := make([]any, 0, len(p.schema.Fields)+3)
		scopeVals := make([]string, len(p.schema.Fields))
		dest = append(dest, &hit.ID, &hit.Text)
		for i := range scopeVals {
			dest = append(dest, &scopeVals[i])
		}
		var score float64
		dest = append(dest, &score)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scanning hit: %w", err)
		}
		for i, f := range p.schema.Fields {
			hit.Scope[f.Name] = scopeVals[i]
		}
		hit.Score = float32(score)
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading hits: %w", err)
	}
	return hits, nil
}

// DeleteScope implements Index.
func (p *PGVector) DeleteScope(ctx context.Context, sk scope.Key) error {
	args := make([]any, 0, len(p.schema.Fields))
	conds := make([]string, 0, len(p.schema.Fields))
	for _, f := range p.schema.Fields {
		args = append(args, sk[f.Name])
		conds = append(conds, fmt.Sprintf("scope_%s = $%d", f.Name, len(args)))
	}
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE %s`, p.config.Table, strings.Join(conds, " AND "))
	if _, err := p.pool.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("purging scope embeddings: %w", err)
	}
	return nil
}

// Close implements Index.
func (p *PGVector) Close() error {
	p.pool.Close()
	return nil
}
