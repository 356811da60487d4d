package metastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fyrsmithlabs/memoryd/internal/memerr"
	"github.com/fyrsmithlabs/memoryd/internal/memory"
	"github.com/fyrsmithlabs/memoryd/internal/scope"
)

// Postgres is the shared-database metadata store backend.
//
// Same row shape as the SQLite backend: JSONB documents plus the columns
// needed for scope-prefixed composite indexes. Apply commits the batch in
// one transaction.
type Postgres struct {
	pool *pgxpool.Pool

	mu     sync.RWMutex
	schema *scope.Schema
}

var _ Store = (*Postgres)(nil)

// NewPostgres connects to the database and ensures the schema-independent
// tables exist. Entity tables are created at Provision time.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	p := &Postgres{pool: pool}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS service_metadata (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			data JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS run_logs (
			run_id TEXT PRIMARY KEY,
			operation TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at BIGINT NOT NULL,
			data JSONB NOT NULL
		)`,
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("creating metadata tables: %w", err)
		}
	}
	return p, nil
}

func pgErr(op string, err error) error {
	return memerr.E(memerr.KindTransientStore, op, err)
}

// LoadDeployment implements scope.DeploymentStore.
func (p *Postgres) LoadDeployment(ctx context.Context) (*scope.Deployment, error) {
	const op = "postgres.LoadDeployment"
	var raw []byte
	err := p.pool.QueryRow(ctx, `SELECT data FROM service_metadata WHERE id = 1`).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pgErr(op, err)
	}
	var d scope.Deployment
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decoding deployment metadata: %w", err)
	}
	p.mu.Lock()
	p.schema = d.Schema
	p.mu.Unlock()
	return &d, nil
}

// SaveDeployment implements scope.DeploymentStore.
func (p *Postgres) SaveDeployment(ctx context.Context, d *scope.Deployment) error {
	const op = "postgres.SaveDeployment"
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encoding deployment metadata: %w", err)
	}
	_, err = p.pool.Exec(ctx, `INSERT INTO service_metadata (id, data) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET data = excluded.data`, raw)
	if err != nil {
		return pgErr(op, err)
	}
	p.mu.Lock()
	p.schema = d.Schema
	p.mu.Unlock()
	return nil
}

// Provision creates the entity tables keyed by the schema's scope columns.
func (p *Postgres) Provision(ctx context.Context, schema *scope.Schema) error {
	const op = "postgres.Provision"
	cols := scopeCols(schema)
	colDefs := make([]string, len(cols))
	for i, c := range cols {
		colDefs[i] = c + " TEXT NOT NULL"
	}
	sc := strings.Join(colDefs, ",\n\t\t")
	pkPrefix := strings.Join(cols, ", ")

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS resources (
		%s,
		id TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		modality TEXT NOT NULL,
		superseded_by TEXT NOT NULL DEFAULT '',
		ingested_at BIGINT NOT NULL,
		data JSONB NOT NULL,
		PRIMARY KEY (%s, id)
	)`, sc, pkPrefix),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_resources_hash ON resources (%s, content_hash)`, pkPrefix),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_resources_ingested ON resources (%s, ingested_at)`, pkPrefix),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS items (
		%s,
		id TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		superseded_by TEXT NOT NULL DEFAULT '',
		updated_at BIGINT NOT NULL,
		data JSONB NOT NULL,
		PRIMARY KEY (%s, id)
	)`, sc, pkPrefix),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_items_resource ON items (%s, resource_id)`, pkPrefix),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_items_updated ON items (%s, updated_at)`, pkPrefix),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS categories (
		%s,
		id TEXT NOT NULL,
		name TEXT NOT NULL,
		updated_at BIGINT NOT NULL,
		data JSONB NOT NULL,
		PRIMARY KEY (%s, id),
		UNIQUE (%s, name)
	)`, sc, pkPrefix, pkPrefix),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS category_items (
		%s,
		category_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		PRIMARY KEY (%s, category_id, item_id)
	)`, sc, pkPrefix),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS intentions (
		%s,
		data JSONB NOT NULL,
		PRIMARY KEY (%s)
	)`, sc, pkPrefix),
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return pgErr(op, err)
		}
	}
	p.mu.Lock()
	p.schema = schema
	p.mu.Unlock()
	return nil
}

// scopeWhere builds the WHERE fragment with $n placeholders starting at 1.
func (p *Postgres) scopeWhere(sk scope.Key) (string, []any) {
	p.mu.RLock()
	schema := p.schema
	p.mu.RUnlock()
	conds := make([]string, len(schema.Fields))
	args := make([]any, len(schema.Fields))
	for i, f := range schema.Fields {
		conds[i] = fmt.Sprintf("scope_%s = $%d", f.Name, i+1)
		args[i] = sk[f.Name]
	}
	return strings.Join(conds, " AND "), args
}

// scopeInsert returns column list, placeholder list ($1..$n), and values.
func (p *Postgres) scopeInsert(sk scope.Key) (string, string, []any) {
	p.mu.RLock()
	schema := p.schema
	p.mu.RUnlock()
	cols := make([]string, len(schema.Fields))
	ph := make([]string, len(schema.Fields))
	args := make([]any, len(schema.Fields))
	for i, f := range schema.Fields {
		cols[i] = "scope_" + f.Name
		ph[i] = fmt.Sprintf("$%d", i+1)
		args[i] = sk[f.Name]
	}
	return strings.Join(cols, ", "), strings.Join(ph, ", "), args
}

// nextPH returns the n placeholder names following the first start columns.
func nextPH(start, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("$%d", start+i+1)
	}
	return out
}

func (p *Postgres) getJSON(ctx context.Context, op, query string, args []any, v any) error {
	var raw []byte
	err := p.pool.QueryRow(ctx, query, args...).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return memerr.E(memerr.KindNotFound, op, "no matching row")
	}
	if err != nil {
		return pgErr(op, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding row: %w", err)
	}
	return nil
}

func pgScanJSON[T any](rows pgx.Rows) ([]*T, error) {
	defer rows.Close()
	var out []*T
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		v := new(T)
		if err := json.Unmarshal(raw, v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// GetResource implements Store.
func (p *Postgres) GetResource(ctx context.Context, sk scope.Key, id string) (*memory.Resource, error) {
	const op = "postgres.GetResource"
	where, args := p.scopeWhere(sk)
	var r memory.Resource
	q := fmt.Sprintf(`SELECT data FROM resources WHERE %s AND id = $%d`, where, len(args)+1)
	if err := p.getJSON(ctx, op, q, append(args, id), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// FindResourceByHash implements Store.
func (p *Postgres) FindResourceByHash(ctx context.Context, sk scope.Key, hash string) (*memory.Resource, error) {
	const op = "postgres.FindResourceByHash"
	where, args := p.scopeWhere(sk)
	var r memory.Resource
	q := fmt.Sprintf(`SELECT data FROM resources WHERE %s AND content_hash = $%d AND superseded_by = '' LIMIT 1`, where, len(args)+1)
	if err := p.getJSON(ctx, op, q, append(args, hash), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListResources implements Store.
func (p *Postgres) ListResources(ctx context.Context, sk scope.Key, opts ListResourcesOptions) ([]*memory.Resource, error) {
	const op = "postgres.ListResources"
	where, args := p.scopeWhere(sk)
	q := `SELECT data FROM resources WHERE ` + where
	if opts.Modality != "" {
		args = append(args, string(opts.Modality))
		q += fmt.Sprintf(` AND modality = $%d`, len(args))
	}
	if !opts.IncludeSuperseded {
		q += ` AND superseded_by = ''`
	}
	q += ` ORDER BY ingested_at DESC`
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, pgErr(op, err)
	}
	out, err := pgScanJSON[memory.Resource](rows)
	if err != nil {
		return nil, pgErr(op, err)
	}
	return out, nil
}

// GetItem implements Store.
func (p *Postgres) GetItem(ctx context.Context, sk scope.Key, id string) (*memory.Item, error) {
	const op = "postgres.GetItem"
	where, args := p.scopeWhere(sk)
	var it memory.Item
	q := fmt.Sprintf(`SELECT data FROM items WHERE %s AND id = $%d`, where, len(args)+1)
	if err := p.getJSON(ctx, op, q, append(args, id), &it); err != nil {
		return nil, err
	}
	return &it, nil
}

// ListItems implements Store.
func (p *Postgres) ListItems(ctx context.Context, sk scope.Key, opts ListItemsOptions) ([]*memory.Item, error) {
	const op = "postgres.ListItems"
	where, args := p.scopeWhere(sk)
	q := `SELECT data FROM items WHERE ` + where
	if opts.ResourceID != "" {
		args = append(args, opts.ResourceID)
		q += fmt.Sprintf(` AND resource_id = $%d`, len(args))
	}
	if opts.ActiveOnly {
		q += ` AND superseded_by = ''`
	}
	q += ` ORDER BY updated_at DESC`
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, pgErr(op, err)
	}
	out, err := pgScanJSON[memory.Item](rows)
	if err != nil {
		return nil, pgErr(op, err)
	}
	return out, nil
}

// GetCategory implements Store.
func (p *Postgres) GetCategory(ctx context.Context, sk scope.Key, id string) (*memory.Category, error) {
	const op = "postgres.GetCategory"
	where, args := p.scopeWhere(sk)
	var c memory.Category
	q := fmt.Sprintf(`SELECT data FROM categories WHERE %s AND id = $%d`, where, len(args)+1)
	if err := p.getJSON(ctx, op, q, append(args, id), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCategoryByName implements Store.
func (p *Postgres) GetCategoryByName(ctx context.Context, sk scope.Key, name string) (*memory.Category, error) {
	const op = "postgres.GetCategoryByName"
	where, args := p.scopeWhere(sk)
	var c memory.Category
	q := fmt.Sprintf(`SELECT data FROM categories WHERE %s AND name = $%d`, where, len(args)+1)
	if err := p.getJSON(ctx, op, q, append(args, name), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCategories implements Store.
func (p *Postgres) ListCategories(ctx context.Context, sk scope.Key, opts ListCategoriesOptions) ([]*memory.Category, error) {
	const op = "postgres.ListCategories"
	where, args := p.scopeWhere(sk)
	q := `SELECT data FROM categories WHERE ` + where + ` ORDER BY name`
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, pgErr(op, err)
	}
	out, err := pgScanJSON[memory.Category](rows)
	if err != nil {
		return nil, pgErr(op, err)
	}
	return out, nil
}

// ListItemsInCategory implements Store.
func (p *Postgres) ListItemsInCategory(ctx context.Context, sk scope.Key, categoryID string) ([]*memory.Item, error) {
	const op = "postgres.ListItemsInCategory"
	where, args := p.scopeWhere(sk)
	where = strings.ReplaceAll(where, "scope_", "i.scope_")
	q := fmt.Sprintf(`SELECT i.data FROM items i
		JOIN category_items ci ON ci.item_id = i.id
		WHERE %s AND ci.category_id = $%d AND i.superseded_by = ''
		ORDER BY i.updated_at DESC`, where, len(args)+1)
	rows, err := p.pool.Query(ctx, q, append(args, categoryID)...)
	if err != nil {
		return nil, pgErr(op, err)
	}
	out, err := pgScanJSON[memory.Item](rows)
	if err != nil {
		return nil, pgErr(op, err)
	}
	return out, nil
}

// ListCategoriesForItem implements Store.
func (p *Postgres) ListCategoriesForItem(ctx context.Context, sk scope.Key, itemID string) ([]*memory.Category, error) {
	const op = "postgres.ListCategoriesForItem"
	where, args := p.scopeWhere(sk)
	where = strings.ReplaceAll(where, "scope_", "c.scope_")
	q := fmt.Sprintf(`SELECT c.data FROM categories c
		JOIN category_items ci ON ci.category_id = c.id
		WHERE %s AND ci.item_id = $%d
		ORDER BY c.name`, where, len(args)+1)
	rows, err := p.pool.Query(ctx, q, append(args, itemID)...)
	if err != nil {
		return nil, pgErr(op, err)
	}
	out, err := pgScanJSON[memory.Category](rows)
	if err != nil {
		return nil, pgErr(op, err)
	}
	return out, nil
}

// GetIntention implements Store.
func (p *Postgres) GetIntention(ctx context.Context, sk scope.Key) (*memory.Intention, error) {
	const op = "postgres.GetIntention"
	where, args := p.scopeWhere(sk)
	var in memory.Intention
	if err := p.getJSON(ctx, op, `SELECT data FROM intentions WHERE `+where, args, &in); err != nil {
		return nil, err
	}
	return &in, nil
}

// Apply implements Store: the whole batch commits in one transaction.
func (p *Postgres) Apply(ctx context.Context, sk scope.Key, b *Batch) error {
	const op = "postgres.Apply"
	if b.Empty() {
		return nil
	}
	if err := b.Validate(sk); err != nil {
		return err
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return pgErr(op, err)
	}
	defer tx.Rollback(ctx)

	cols, phs, scopeArgs := p.scopeInsert(sk)
	n := len(scopeArgs)

	for _, r := range b.Resources {
		raw, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encoding resource %s: %w", r.ID, err)
		}
		extra := nextPH(n, 6)
		q := fmt.Sprintf(`INSERT INTO resources (%s, id, content_hash, modality, superseded_by, ingested_at, data)
			VALUES (%s, %s)
			ON CONFLICT (%s, id) DO UPDATE SET superseded_by = excluded.superseded_by, data = excluded.data`,
			cols, phs, strings.Join(extra, ", "), cols)
		args := append(append([]any{}, scopeArgs...), r.ID, r.ContentHash, string(r.Modality), r.SupersededBy, r.IngestedAt.UnixMilli(), raw)
		if _, err := tx.Exec(ctx, q, args...); err != nil {
			return pgErr(op, err)
		}
	}
	for _, it := range b.Items {
		raw, err := json.Marshal(it)
		if err != nil {
			return fmt.Errorf("encoding item %s: %w", it.ID, err)
		}
		extra := nextPH(n, 5)
		q := fmt.Sprintf(`INSERT INTO items (%s, id, resource_id, superseded_by, updated_at, data)
			VALUES (%s, %s)
			ON CONFLICT (%s, id) DO UPDATE SET superseded_by = excluded.superseded_by, updated_at = excluded.updated_at, data = excluded.data`,
			cols, phs, strings.Join(extra, ", "), cols)
		args := append(append([]any{}, scopeArgs...), it.ID, it.ResourceID, it.SupersededBy, it.UpdatedAt.UnixMilli(), raw)
		if _, err := tx.Exec(ctx, q, args...); err != nil {
			return pgErr(op, err)
		}
	}
	for _, c := range b.Categories {
		raw, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("encoding category %s: %w", c.ID, err)
		}
		extra := nextPH(n, 4)
		q := fmt.Sprintf(`INSERT INTO categories (%s, id, name, updated_at, data)
			VALUES (%s, %s)
			ON CONFLICT (%s, id) DO UPDATE SET name = excluded.name, updated_at = excluded.updated_at, data = excluded.data`,
			cols, phs, strings.Join(extra, ", "), cols)
		args := append(append([]any{}, scopeArgs...), c.ID, c.Name, c.UpdatedAt.UnixMilli(), raw)
		if _, err := tx.Exec(ctx, q, args...); err != nil {
			return pgErr(op, err)
		}
	}
	for _, l := range b.Links {
		extra := nextPH(n, 3)
		q := fmt.Sprintf(`INSERT INTO category_items (%s, category_id, item_id, created_at)
			VALUES (%s, %s)
			ON CONFLICT (%s, category_id, item_id) DO NOTHING`,
			cols, phs, strings.Join(extra, ", "), cols)
		args := append(append([]any{}, scopeArgs...), l.CategoryID, l.ItemID, l.CreatedAt.UnixMilli())
		if _, err := tx.Exec(ctx, q, args...); err != nil {
			return pgErr(op, err)
		}
	}
	for _, l := range b.Unlinks {
		where, wargs := p.scopeWhere(sk)
		q := fmt.Sprintf(`DELETE FROM category_items WHERE %s AND category_id = $%d AND item_id = $%d`,
			where, len(wargs)+1, len(wargs)+2)
		if _, err := tx.Exec(ctx, q, append(wargs, l.CategoryID, l.ItemID)...); err != nil {
			return pgErr(op, err)
		}
	}
	if b.Intention != nil {
		raw, err := json.Marshal(b.Intention)
		if err != nil {
			return fmt.Errorf("encoding intention: %w", err)
		}
		q := fmt.Sprintf(`INSERT INTO intentions (%s, data) VALUES (%s, $%d)
			ON CONFLICT (%s) DO UPDATE SET data = excluded.data`, cols, phs, n+1, cols)
		if _, err := tx.Exec(ctx, q, append(append([]any{}, scopeArgs...), raw)...); err != nil {
			return pgErr(op, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return pgErr(op, err)
	}
	return nil
}

// PutRunLog implements Store.
func (p *Postgres) PutRunLog(ctx context.Context, rl *memory.RunLog) error {
	const op = "postgres.PutRunLog"
	raw, err := json.Marshal(rl)
	if err != nil {
		return fmt.Errorf("encoding run log %s: %w", rl.RunID, err)
	}
	_, err = p.pool.Exec(ctx, `INSERT INTO run_logs (run_id, operation, status, started_at, data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id) DO UPDATE SET status = excluded.status, data = excluded.data`,
		rl.RunID, string(rl.Operation), string(rl.Status), rl.StartedAt.UnixMilli(), raw)
	if err != nil {
		return pgErr(op, err)
	}
	return nil
}

// GetRunLog implements Store.
func (p *Postgres) GetRunLog(ctx context.Context, runID string) (*memory.RunLog, error) {
	const op = "postgres.GetRunLog"
	var rl memory.RunLog
	if err := p.getJSON(ctx, op, `SELECT data FROM run_logs WHERE run_id = $1`, []any{runID}, &rl); err != nil {
		return nil, err
	}
	return &rl, nil
}

// DeleteScope implements Store.
func (p *Postgres) DeleteScope(ctx context.Context, sk scope.Key) error {
	const op = "postgres.DeleteScope"
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return pgErr(op, err)
	}
	defer tx.Rollback(ctx)
	where, args := p.scopeWhere(sk)
	for _, table := range []string{"category_items", "intentions", "categories", "items", "resources"} {
		if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE `+where, args...); err != nil {
			return pgErr(op, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return pgErr(op, err)
	}
	return nil
}

// Close implements Store.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
