// Package postgres provides Postgres-backed implementations of the store
// interfaces. Documents keep their flexible parts (stats, start options) in
// jsonb columns; the bigserial primary key doubles as the tail cursor.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crawlmux/crawlmux/internal/store"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// DB wraps one connection pool shared by the three collection stores.
type DB struct {
	pool pool
}

// Connect opens a pool against the configured DSN.
func Connect(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &DB{pool: p}, nil
}

// NewWithPool constructs a DB from an existing pool (primarily for testing).
func NewWithPool(p pool) (*DB, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &DB{pool: p}, nil
}

// Close releases the underlying pool resources.
func (db *DB) Close() {
	if db == nil || db.pool == nil {
		return
	}
	db.pool.Close()
}

// Migrate creates the collection tables when missing.
func (db *DB) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
	id BIGSERIAL PRIMARY KEY,
	crawl_id BIGINT NOT NULL,
	seed TEXT NOT NULL,
	status TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	stats JSONB,
	options JSONB,
	started_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS pages (
	id BIGSERIAL PRIMARY KEY,
	job_id BIGINT NOT NULL,
	url TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL DEFAULT '',
	status INT NOT NULL DEFAULT 0,
	fetched_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS sites (
	id BIGSERIAL PRIMARY KEY,
	url TEXT NOT NULL,
	engine TEXT NOT NULL DEFAULT '',
	schedule TEXT NOT NULL DEFAULT '',
	schedule_valid BOOLEAN NOT NULL DEFAULT TRUE,
	next_run_at TIMESTAMPTZ
)`,
	}
	for _, stmt := range statements {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Jobs returns the job collection store.
func (db *DB) Jobs() *JobStore { return &JobStore{pool: db.pool} }

// Pages returns the page collection store.
func (db *DB) Pages() *PageStore { return &PageStore{pool: db.pool} }

// Sites returns the site collection store.
func (db *DB) Sites() *SiteStore { return &SiteStore{pool: db.pool} }

// JobStore is the Postgres store.JobStore.
type JobStore struct {
	pool pool
}

// Insert adds a job document and returns its assigned id.
func (s *JobStore) Insert(ctx context.Context, doc store.JobDoc) (store.DocID, error) {
	statsJSON, err := marshalOrNil(doc.Stats)
	if err != nil {
		return 0, fmt.Errorf("marshal stats: %w", err)
	}
	optionsJSON, err := marshalOrNil(doc.Options)
	if err != nil {
		return 0, fmt.Errorf("marshal options: %w", err)
	}
	var id int64
	err = s.pool.QueryRow(ctx, `
INSERT INTO jobs (crawl_id, seed, status, reason, stats, options, started_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id`,
		doc.CrawlID, doc.Seed, doc.Status, doc.Reason,
		statsJSON, optionsJSON, doc.StartedAt, doc.UpdatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}
	return store.DocID(id), nil
}

// Update merges patch fields into the job document. Stats patches merge into
// the existing jsonb value key by key, mirroring the change-set contract.
func (s *JobStore) Update(ctx context.Context, id store.DocID, patch map[string]any) error {
	var sets []string
	args := []any{int64(id)}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	for key, value := range patch {
		switch key {
		case "status":
			sets = append(sets, "status = "+next(value))
		case "reason":
			sets = append(sets, "reason = "+next(value))
		case "updated_at":
			sets = append(sets, "updated_at = "+next(value))
		case "stats":
			raw, err := json.Marshal(value)
			if err != nil {
				return fmt.Errorf("marshal stats patch: %w", err)
			}
			sets = append(sets, "stats = COALESCE(stats, '{}'::jsonb) || "+next(raw)+"::jsonb")
		default:
			return fmt.Errorf("unsupported job patch field %q", key)
		}
	}
	if len(sets) == 0 {
		return nil
	}
	tag, err := s.pool.Exec(ctx,
		"UPDATE jobs SET "+strings.Join(sets, ", ")+" WHERE id = $1", args...)
	if err != nil {
		return fmt.Errorf("update job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Remove deletes the job document.
func (s *JobStore) Remove(ctx context.Context, id store.DocID) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM jobs WHERE id = $1", int64(id))
	if err != nil {
		return fmt.Errorf("remove job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Find returns matching job documents ordered by id.
func (s *JobStore) Find(ctx context.Context, q store.JobQuery) ([]store.JobDoc, error) {
	var where []string
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.AfterID > 0 {
		where = append(where, "id > "+next(int64(q.AfterID)))
	}
	if len(q.SeedContains) > 0 {
		var likes []string
		for _, pat := range q.SeedContains {
			likes = append(likes, "seed LIKE "+next("%"+pat+"%"))
		}
		where = append(where, "("+strings.Join(likes, " OR ")+")")
	}
	for _, pat := range q.SeedExcludes {
		where = append(where, "seed NOT LIKE "+next("%"+pat+"%"))
	}
	if len(q.Statuses) > 0 {
		where = append(where, "status = ANY("+next(q.Statuses)+")")
	}
	if len(q.CrawlIDs) > 0 {
		where = append(where, "crawl_id = ANY("+next(q.CrawlIDs)+")")
	}

	query := "SELECT id, crawl_id, seed, status, reason, stats, options, started_at, updated_at FROM jobs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC"
	if q.Limit > 0 {
		query += " LIMIT " + next(q.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find jobs: %w", err)
	}
	defer rows.Close()

	var out []store.JobDoc
	for rows.Next() {
		var (
			doc         store.JobDoc
			id          int64
			statsJSON   []byte
			optionsJSON []byte
		)
		if err := rows.Scan(&id, &doc.CrawlID, &doc.Seed, &doc.Status, &doc.Reason,
			&statsJSON, &optionsJSON, &doc.StartedAt, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		doc.ID = store.DocID(id)
		if len(statsJSON) > 0 {
			if err := json.Unmarshal(statsJSON, &doc.Stats); err != nil {
				return nil, fmt.Errorf("decode job stats: %w", err)
			}
		}
		if len(optionsJSON) > 0 {
			doc.Options = &store.StartOptions{}
			if err := json.Unmarshal(optionsJSON, doc.Options); err != nil {
				return nil, fmt.Errorf("decode job options: %w", err)
			}
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// LastID returns the newest assigned job id, or zero for an empty table.
func (s *JobStore) LastID(ctx context.Context) (store.DocID, error) {
	var id int64
	if err := s.pool.QueryRow(ctx, "SELECT COALESCE(MAX(id), 0) FROM jobs").Scan(&id); err != nil {
		return 0, fmt.Errorf("job last id: %w", err)
	}
	return store.DocID(id), nil
}

// EnsureIndex creates an index on the given column when missing.
func (s *JobStore) EnsureIndex(ctx context.Context, field string) error {
	return ensureIndex(ctx, s.pool, "jobs", field)
}

// PageStore is the Postgres store.PageStore.
type PageStore struct {
	pool pool
}

// Insert adds a page document and returns its assigned id.
func (s *PageStore) Insert(ctx context.Context, doc store.PageDoc) (store.DocID, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
INSERT INTO pages (job_id, url, title, body, status, fetched_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id`,
		int64(doc.JobID), doc.URL, doc.Title, doc.Body, doc.Status, doc.FetchedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert page: %w", err)
	}
	return store.DocID(id), nil
}

// Find returns matching page documents ordered by id.
func (s *PageStore) Find(ctx context.Context, q store.PageQuery) ([]store.PageDoc, error) {
	var where []string
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.AfterID > 0 {
		where = append(where, "id > "+next(int64(q.AfterID)))
	}
	if len(q.JobIDs) > 0 {
		ids := make([]int64, len(q.JobIDs))
		for i, jid := range q.JobIDs {
			ids[i] = int64(jid)
		}
		where = append(where, "job_id = ANY("+next(ids)+")")
	}

	query := "SELECT id, job_id, url, title, body, status, fetched_at FROM pages"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC"
	if q.Limit > 0 {
		query += " LIMIT " + next(q.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find pages: %w", err)
	}
	defer rows.Close()

	var out []store.PageDoc
	for rows.Next() {
		var (
			doc   store.PageDoc
			id    int64
			jobID int64
		)
		if err := rows.Scan(&id, &jobID, &doc.URL, &doc.Title, &doc.Body,
			&doc.Status, &doc.FetchedAt); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		doc.ID = store.DocID(id)
		doc.JobID = store.DocID(jobID)
		out = append(out, doc)
	}
	return out, rows.Err()
}

// LastID returns the newest assigned page id, or zero for an empty table.
func (s *PageStore) LastID(ctx context.Context) (store.DocID, error) {
	var id int64
	if err := s.pool.QueryRow(ctx, "SELECT COALESCE(MAX(id), 0) FROM pages").Scan(&id); err != nil {
		return 0, fmt.Errorf("page last id: %w", err)
	}
	return store.DocID(id), nil
}

// EnsureIndex creates an index on the given column when missing.
func (s *PageStore) EnsureIndex(ctx context.Context, field string) error {
	return ensureIndex(ctx, s.pool, "pages", field)
}

// SiteStore is the Postgres store.SiteStore.
type SiteStore struct {
	pool pool
}

// Insert adds a site document and returns its assigned id.
func (s *SiteStore) Insert(ctx context.Context, doc store.SiteDoc) (store.DocID, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
INSERT INTO sites (url, engine, schedule, schedule_valid, next_run_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING id`,
		doc.URL, doc.Engine, doc.Schedule, doc.ScheduleValid, doc.NextRunAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert site: %w", err)
	}
	return store.DocID(id), nil
}

// Update merges patch fields into the site document.
func (s *SiteStore) Update(ctx context.Context, id store.DocID, patch map[string]any) error {
	var sets []string
	args := []any{int64(id)}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	for key, value := range patch {
		switch key {
		case "url":
			sets = append(sets, "url = "+next(value))
		case "engine":
			sets = append(sets, "engine = "+next(value))
		case "schedule":
			sets = append(sets, "schedule = "+next(value))
		case "schedule_valid":
			sets = append(sets, "schedule_valid = "+next(value))
		case "next_run_at":
			sets = append(sets, "next_run_at = "+next(value))
		default:
			return fmt.Errorf("unsupported site patch field %q", key)
		}
	}
	if len(sets) == 0 {
		return nil
	}
	tag, err := s.pool.Exec(ctx,
		"UPDATE sites SET "+strings.Join(sets, ", ")+" WHERE id = $1", args...)
	if err != nil {
		return fmt.Errorf("update site %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Remove deletes the site document.
func (s *SiteStore) Remove(ctx context.Context, id store.DocID) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM sites WHERE id = $1", int64(id))
	if err != nil {
		return fmt.Errorf("remove site %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Find returns every site document ordered by id.
func (s *SiteStore) Find(ctx context.Context) ([]store.SiteDoc, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT id, url, engine, schedule, schedule_valid, next_run_at FROM sites ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("find sites: %w", err)
	}
	defer rows.Close()

	var out []store.SiteDoc
	for rows.Next() {
		var (
			doc store.SiteDoc
			id  int64
		)
		if err := rows.Scan(&id, &doc.URL, &doc.Engine, &doc.Schedule,
			&doc.ScheduleValid, &doc.NextRunAt); err != nil {
			return nil, fmt.Errorf("scan site: %w", err)
		}
		doc.ID = store.DocID(id)
		out = append(out, doc)
	}
	return out, rows.Err()
}

var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func ensureIndex(ctx context.Context, p pool, table, field string) error {
	if !validIdentifier.MatchString(field) {
		return fmt.Errorf("invalid index field %q", field)
	}
	_, err := p.Exec(ctx, fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)", table, field, table, field))
	if err != nil {
		return fmt.Errorf("ensure index on %s.%s: %w", table, field, err)
	}
	return nil
}

func marshalOrNil(v any) ([]byte, error) {
	switch value := v.(type) {
	case map[string]any:
		if value == nil {
			return nil, nil
		}
	case *store.StartOptions:
		if value == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

var _ store.JobStore = (*JobStore)(nil)
var _ store.PageStore = (*PageStore)(nil)
var _ store.SiteStore = (*SiteStore)(nil)
