// Package db is the Postgres store behind the canonical catalog. It exposes
// the three operations the pipeline needs: chunked inserts, queries
// returning rows as maps, and commands returning affected row counts.
package db

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mfenderov/gigsync/internal/config"
	"github.com/mfenderov/gigsync/pkg/models"
)

// Store wraps a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, cfg config.Postgres) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases all pool connections.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks if Postgres is reachable.
func (s *Store) Ping(ctx context.Context) bool {
	return s.pool.Ping(ctx) == nil
}

// Insert writes rows into table in one transaction, so a chunk either lands
// completely or not at all. Rows that hit a unique constraint are skipped.
// Returns the number of rows actually inserted.
func (s *Store) Insert(ctx context.Context, table models.TableKind, rows []map[string]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	columns := columnsOf(rows)
	query := insertSQL(table, columns)

	b := &pgx.Batch{}
	for _, row := range rows {
		args := make([]any, len(columns))
		for i, c := range columns {
			args[i] = row[c]
		}
		b.Queue(query, args...)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin insert into %s: %w", table, err)
	}
	defer tx.Rollback(ctx)

	br := tx.SendBatch(ctx, b)
	var inserted int64
	for range rows {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return 0, fmt.Errorf("failed to insert into %s: %w", table, err)
		}
		inserted += tag.RowsAffected()
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit insert into %s: %w", table, err)
	}
	return inserted, nil
}

// Query runs sql and returns every row as a column-name keyed map.
func (s *Store) Query(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	return out, nil
}

// Command runs a statement and returns the number of affected rows.
func (s *Store) Command(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to execute: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Exec runs a multi-statement script such as a migration.
func (s *Store) Exec(ctx context.Context, script string) error {
	if _, err := s.pool.Exec(ctx, script); err != nil {
		return fmt.Errorf("failed to execute script: %w", err)
	}
	return nil
}

func columnsOf(rows []map[string]any) []string {
	seen := make(map[string]struct{})
	for _, row := range rows {
		for c := range row {
			seen[c] = struct{}{}
		}
	}
	columns := make([]string, 0, len(seen))
	for c := range seen {
		columns = append(columns, c)
	}
	sort.Strings(columns)
	return columns
}

func insertSQL(table models.TableKind, columns []string) string {
	quoted := make([]string, len(columns))
	params := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = pgx.Identifier{c}.Sanitize()
		params[i] = "$" + strconv.Itoa(i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING",
		pgx.Identifier{string(table)}.Sanitize(), strings.Join(quoted, ", "), strings.Join(params, ", "))
}
