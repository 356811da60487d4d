package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"github.com/fyrsmithlabs/memoryd/internal/memerr"
	"github.com/fyrsmithlabs/memoryd/internal/memory"
	"github.com/fyrsmithlabs/memoryd/internal/scope"
)

// SQLite is the embedded file-backed metadata store.
//
// Rows are stored as JSON documents alongside the columns needed for
// scope-prefixed composite indexes and secondary sort keys. The scope
// columns are generated from the provisioned schema (one scope_<field>
// column per schema field), so the key shape is identical across tables.
type SQLite struct {
	db *sql.DB

	mu     sync.RWMutex
	schema *scope.Schema
}

var _ Store = (*SQLite)(nil)

// NewSQLite opens (or creates) the database at path. ":memory:" is accepted
// for tests. The entity tables are created at Provision time, once the
// tenancy schema is known.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database %s: %w", path, err)
	}
	// A single writer avoids SQLITE_BUSY under concurrent facade calls.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS service_metadata (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		data TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating service_metadata table: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS run_logs (
		run_id TEXT PRIMARY KEY,
		operation TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		data TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating run_logs table: %w", err)
	}
	return s, nil
}

// sqliteErr classifies backend failures as transient store errors so the
// runner's retry policy applies.
func sqliteErr(op string, err error) error {
	return memerr.E(memerr.KindTransientStore, op, err)
}

// LoadDeployment implements scope.DeploymentStore.
func (s *SQLite) LoadDeployment(ctx context.Context) (*scope.Deployment, error) {
	const op = "sqlite.LoadDeployment"
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM service_metadata WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, sqliteErr(op, err)
	}
	var d scope.Deployment
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("decoding deployment metadata: %w", err)
	}
	s.mu.Lock()
	s.schema = d.Schema
	s.mu.Unlock()
	return &d, nil
}

// SaveDeployment implements scope.DeploymentStore.
func (s *SQLite) SaveDeployment(ctx context.Context, d *scope.Deployment) error {
	const op = "sqlite.SaveDeployment"
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encoding deployment metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO service_metadata (id, data) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET data = excluded.data`, string(raw))
	if err != nil {
		return sqliteErr(op, err)
	}
	s.mu.Lock()
	s.schema = d.Schema
	s.mu.Unlock()
	return nil
}

// scopeCols returns the scope column names in schema order.
func scopeCols(schema *scope.Schema) []string {
	cols := make([]string, len(schema.Fields))
	for i, f := range schema.Fields {
		cols[i] = "scope_" + f.Name
	}
	return cols
}

// Provision creates the entity tables with the schema's scope columns as
// the leading components of every primary key and composite index.
func (s *SQLite) Provision(ctx context.Context, schema *scope.Schema) error {
	const op = "sqlite.Provision"
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
		ingested_at INTEGER NOT NULL,
		data TEXT NOT NULL,
		PRIMARY KEY (%s, id)
	)`, sc, pkPrefix),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_resources_hash ON resources (%s, content_hash)`, pkPrefix),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_resources_ingested ON resources (%s, ingested_at)`, pkPrefix),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS items (
		%s,
		id TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		superseded_by TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL,
		data TEXT NOT NULL,
		PRIMARY KEY (%s, id)
	)`, sc, pkPrefix),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_items_resource ON items (%s, resource_id)`, pkPrefix),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_items_updated ON items (%s, updated_at)`, pkPrefix),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS categories (
		%s,
		id TEXT NOT NULL,
		name TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		data TEXT NOT NULL,
		PRIMARY KEY (%s, id),
		UNIQUE (%s, name)
	)`, sc, pkPrefix, pkPrefix),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS category_items (
		%s,
		category_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (%s, category_id, item_id)
	)`, sc, pkPrefix),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS intentions (
		%s,
		data TEXT NOT NULL,
		PRIMARY KEY (%s)
	)`, sc, pkPrefix),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return sqliteErr(op, err)
		}
	}
	s.mu.Lock()
	s.schema = schema
	s.mu.Unlock()
	return nil
}

// scopeWhere builds the WHERE fragment and arguments for a scope key.
func (s *SQLite) scopeWhere(sk scope.Key) (string, []any) {
	return s.scopeWhereQualified(sk, "")
}

// scopeWhereQualified is scopeWhere with columns qualified by a table
// alias, for queries joining scoped tables.
func (s *SQLite) scopeWhereQualified(sk scope.Key, alias string) (string, []any) {
	s.mu.RLock()
	schema := s.schema
	s.mu.RUnlock()
	prefix := ""
	if alias != "" {
		prefix = alias + "."
	}
	conds := make([]string, len(schema.Fields))
	args := make([]any, len(schema.Fields))
	for i, f := range schema.Fields {
		conds[i] = prefix + "scope_" + f.Name + " = ?"
		args[i] = sk[f.Name]
	}
	return strings.Join(conds, " AND "), args
}

// scopeInsert returns the scope column list, placeholder list, and values.
func (s *SQLite) scopeInsert(sk scope.Key) (string, string, []any) {
	s.mu.RLock()
	schema := s.schema
	s.mu.RUnlock()
	cols := make([]string, len(schema.Fields))
	ph := make([]string, len(schema.Fields))
	args := make([]any, len(schema.Fields))
	for i, f := range schema.Fields {
		cols[i] = "scope_" + f.Name
		ph[i] = "?"
		args[i] = sk[f.Name]
	}
	return strings.Join(cols, ", "), strings.Join(ph, ", "), args
}

func scanJSONRows[T any](rows *sql.Rows) ([]*T, error) {
	defer rows.Close()
	var out []*T
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		v := new(T)
		if err := json.Unmarshal([]byte(raw), v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLite) getJSON(ctx context.Context, op, query string, args []any, v any) error {
	var raw string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return memerr.E(memerr.KindNotFound, op, "no matching row")
	}
	if err != nil {
		return sqliteErr(op, err)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decoding row: %w", err)
	}
	return nil
}

// GetResource implements Store.
func (s *SQLite) GetResource(ctx context.Context, sk scope.Key, id string) (*memory.Resource, error) {
	const op = "sqlite.GetResource"
	where, args := s.scopeWhere(sk)
	var r memory.Resource
	if err := s.getJSON(ctx, op, `SELECT data FROM resources WHERE `+where+` AND id = ?`, append(args, id), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// FindResourceByHash implements Store.
func (s *SQLite) FindResourceByHash(ctx context.Context, sk scope.Key, hash string) (*memory.Resource, error) {
	const op = "sqlite.FindResourceByHash"
	where, args := s.scopeWhere(sk)
	var r memory.Resource
	query := `SELECT data FROM resources WHERE ` + where + ` AND content_hash = ? AND superseded_by = '' LIMIT 1`
	if err := s.getJSON(ctx, op, query, append(args, hash), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListResources implements Store.
func (s *SQLite) ListResources(ctx context.Context, sk scope.Key, opts ListResourcesOptions) ([]*memory.Resource, error) {
	const op = "sqlite.ListResources"
	where, args := s.scopeWhere(sk)
	query := `SELECT data FROM resources WHERE ` + where
	if opts.Modality != "" {
		query += ` AND modality = ?`
		args = append(args, string(opts.Modality))
	}
	if !opts.IncludeSuperseded {
		query += ` AND superseded_by = ''`
	}
	query += ` ORDER BY ingested_at DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, sqliteErr(op, err)
	}
	out, err := scanJSONRows[memory.Resource](rows)
	if err != nil {
		return nil, sqliteErr(op, err)
	}
	return out, nil
}

// GetItem implements Store.
func (s *SQLite) GetItem(ctx context.Context, sk scope.Key, id string) (*memory.Item, error) {
	const op = "sqlite.GetItem"
	where, args := s.scopeWhere(sk)
	var it memory.Item
	if err := s.getJSON(ctx, op, `SELECT data FROM items WHERE `+where+` AND id = ?`, append(args, id), &it); err != nil {
		return nil, err
	}
	return &it, nil
}

// ListItems implements Store.
func (s *SQLite) ListItems(ctx context.Context, sk scope.Key, opts ListItemsOptions) ([]*memory.Item, error) {
	const op = "sqlite.ListItems"
	where, args := s.scopeWhere(sk)
	query := `SELECT data FROM items WHERE ` + where
	if opts.ResourceID != "" {
		query += ` AND resource_id = ?`
		args = append(args, opts.ResourceID)
	}
	if opts.ActiveOnly {
		query += ` AND superseded_by = ''`
	}
	query += ` ORDER BY updated_at DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, sqliteErr(op, err)
	}
	out, err := scanJSONRows[memory.Item](rows)
	if err != nil {
		return nil, sqliteErr(op, err)
	}
	return out, nil
}

// GetCategory implements Store.
func (s *SQLite) GetCategory(ctx context.Context, sk scope.Key, id string) (*memory.Category, error) {
	const op = "sqlite.GetCategory"
	where, args := s.scopeWhere(sk)
	var c memory.Category
	if err := s.getJSON(ctx, op, `SELECT data FROM categories WHERE `+where+` AND id = ?`, append(args, id), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCategoryByName implements Store.
func (s *SQLite) GetCategoryByName(ctx context.Context, sk scope.Key, name string) (*memory.Category, error) {
	const op = "sqlite.GetCategoryByName"
	where, args := s.scopeWhere(sk)
	var c memory.Category
	if err := s.getJSON(ctx, op, `SELECT data FROM categories WHERE `+where+` AND name = ?`, append(args, name), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCategories implements Store.
func (s *SQLite) ListCategories(ctx context.Context, sk scope.Key, opts ListCategoriesOptions) ([]*memory.Category, error) {
	const op = "sqlite.ListCategories"
	where, args := s.scopeWhere(sk)
	query := `SELECT data FROM categories WHERE ` + where + ` ORDER BY name`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, sqliteErr(op, err)
	}
	out, err := scanJSONRows[memory.Category](rows)
	if err != nil {
		return nil, sqliteErr(op, err)
	}
	return out, nil
}

// ListItemsInCategory implements Store.
func (s *SQLite) ListItemsInCategory(ctx context.Context, sk scope.Key, categoryID string) ([]*memory.Item, error) {
	const op = "sqlite.ListItemsInCategory"
	iWhere, iArgs := s.scopeWhereQualified(sk, "i")
	ciWhere, ciArgs := s.scopeWhereQualified(sk, "ci")
	// Both sides of the join are scope-constrained: a link row from another
	// scope must never surface this scope's items.
	query := `SELECT i.data FROM items i
		JOIN category_items ci ON ci.item_id = i.id
		WHERE ` + iWhere + ` AND ` + ciWhere + ` AND ci.category_id = ? AND i.superseded_by = ''
		ORDER BY i.updated_at DESC`
	args := append(iArgs, ciArgs...)
	rows, err := s.db.QueryContext(ctx, query, append(args, categoryID)...)
	if err != nil {
		return nil, sqliteErr(op, err)
	}
	out, err := scanJSONRows[memory.Item](rows)
	if err != nil {
		return nil, sqliteErr(op, err)
	}
	return out, nil
}

// ListCategoriesForItem implements Store.
func (s *SQLite) ListCategoriesForItem(ctx context.Context, sk scope.Key, itemID string) ([]*memory.Category, error) {
	const op = "sqlite.ListCategoriesForItem"
	cWhere, cArgs := s.scopeWhereQualified(sk, "c")
	ciWhere, ciArgs := s.scopeWhereQualified(sk, "ci")
	query := `SELECT c.data FROM categories c
		JOIN category_items ci ON ci.category_id = c.id
		WHERE ` + cWhere + ` AND ` + ciWhere + ` AND ci.item_id = ?
		ORDER BY c.name`
	args := append(cArgs, ciArgs...)
	rows, err := s.db.QueryContext(ctx, query, append(args, itemID)...)
	if err != nil {
		return nil, sqliteErr(op, err)
	}
	out, err := scanJSONRows[memory.Category](rows)
	if err != nil {
		return nil, sqliteErr(op, err)
	}
	return out, nil
}

// GetIntention implements Store.
func (s *SQLite) GetIntention(ctx context.Context, sk scope.Key) (*memory.Intention, error) {
	const op = "sqlite.GetIntention"
	where, args := s.scopeWhere(sk)
	var in memory.Intention
	if err := s.getJSON(ctx, op, `SELECT data FROM intentions WHERE `+where, args, &in); err != nil {
		return nil, err
	}
	return &in, nil
}

// Apply implements Store: the whole batch commits in one SQL transaction.
func (s *SQLite) Apply(ctx context.Context, sk scope.Key, b *Batch) error {
	const op = "sqlite.Apply"
	if b.Empty() {
		return nil
	}
	if err := b.Validate(sk); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sqliteErr(op, err)
	}
	defer tx.Rollback()

	cols, ph, scopeArgs := s.scopeInsert(sk)

	for _, r := range b.Resources {
		raw, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encoding resource %s: %w", r.ID, err)
		}
		q := fmt.Sprintf(`INSERT INTO resources (%s, id, content_hash, modality, superseded_by, ingested_at, data)
			VALUES (%s, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (%s, id) DO UPDATE SET superseded_by = excluded.superseded_by, data = excluded.data`,
			cols, ph, cols)
		args := append(append([]any{}, scopeArgs...), r.ID, r.ContentHash, string(r.Modality), r.SupersededBy, r.IngestedAt.UnixMilli(), string(raw))
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return sqliteErr(op, err)
		}
	}
	for _, it := range b.Items {
		raw, err := json.Marshal(it)
		if err != nil {
			return fmt.Errorf("encoding item %s: %w", it.ID, err)
		}
		q := fmt.Sprintf(`INSERT INTO items (%s, id, resource_id, superseded_by, updated_at, data)
			VALUES (%s, ?, ?, ?, ?, ?)
			ON CONFLICT (%s, id) DO UPDATE SET superseded_by = excluded.superseded_by, updated_at = excluded.updated_at, data = excluded.data`,
			cols, ph, cols)
		args := append(append([]any{}, scopeArgs...), it.ID, it.ResourceID, it.SupersededBy, it.UpdatedAt.UnixMilli(), string(raw))
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return sqliteErr(op, err)
		}
	}
	for _, c := range b.Categories {
		raw, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("encoding category %s: %w", c.ID, err)
		}
		q := fmt.Sprintf(`INSERT INTO categories (%s, id, name, updated_at, data)
			VALUES (%s, ?, ?, ?, ?)
			ON CONFLICT (%s, id) DO UPDATE SET name = excluded.name, updated_at = excluded.updated_at, data = excluded.data`,
			cols, ph, cols)
		args := append(append([]any{}, scopeArgs...), c.ID, c.Name, c.UpdatedAt.UnixMilli(), string(raw))
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return sqliteErr(op, err)
		}
	}
	for _, l := range b.Links {
		q := fmt.Sprintf(`INSERT INTO category_items (%s, category_id, item_id, created_at)
			VALUES (%s, ?, ?, ?)
			ON CONFLICT (%s, category_id, item_id) DO NOTHING`, cols, ph, cols)
		args := append(append([]any{}, scopeArgs...), l.CategoryID, l.ItemID, l.CreatedAt.UnixMilli())
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return sqliteErr(op, err)
		}
	}
	for _, l := range b.Unlinks {
		where, wargs := s.scopeWhere(sk)
		q := `DELETE FROM category_items WHERE ` + where + ` AND category_id = ? AND item_id = ?`
		if _, err := tx.ExecContext(ctx, q, append(wargs, l.CategoryID, l.ItemID)...); err != nil {
			return sqliteErr(op, err)
		}
	}
	if b.Intention != nil {
		raw, err := json.Marshal(b.Intention)
		if err != nil {
			return fmt.Errorf("encoding intention: %w", err)
		}
		q := fmt.Sprintf(`INSERT INTO intentions (%s, data) VALUES (%s, ?)
			ON CONFLICT (%s) DO UPDATE SET data = excluded.data`, cols, ph, cols)
		if _, err := tx.ExecContext(ctx, q, append(append([]any{}, scopeArgs...), string(raw))...); err != nil {
			return sqliteErr(op, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return sqliteErr(op, err)
	}
	return nil
}

// PutRunLog implements Store.
func (s *SQLite) PutRunLog(ctx context.Context, rl *memory.RunLog) error {
	const op = "sqlite.PutRunLog"
	raw, err := json.Marshal(rl)
	if err != nil {
		return fmt.Errorf("encoding run log %s: %w", rl.RunID, err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO run_logs (run_id, operation, status, started_at, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET status = excluded.status, data = excluded.data`,
		rl.RunID, string(rl.Operation), string(rl.Status), rl.StartedAt.UnixMilli(), string(raw))
	if err != nil {
		return sqliteErr(op, err)
	}
	return nil
}

// GetRunLog implements Store.
func (s *SQLite) GetRunLog(ctx context.Context, runID string) (*memory.RunLog, error) {
	const op = "sqlite.GetRunLog"
	var rl memory.RunLog
	if err := s.getJSON(ctx, op, `SELECT data FROM run_logs WHERE run_id = ?`, []any{runID}, &rl); err != nil {
		return nil, err
	}
	return &rl, nil
}

// DeleteScope implements Store: the explicit tenant purge path.
func (s *SQLite) DeleteScope(ctx context.Context, sk scope.Key) error {
	const op = "sqlite.DeleteScope"
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sqliteErr(op, err)
	}
	defer tx.Rollback()
	where, args := s.scopeWhere(sk)
	for _, table := range []string{"category_items", "intentions", "categories", "items", "resources"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE `+where, args...); err != nil {
			return sqliteErr(op, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return sqliteErr(op, err)
	}
	return nil
}

// Close implements Store.
func (s *SQLite) Close() error { return s.db.Close() }
