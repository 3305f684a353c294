package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// SQLStore keeps every collection in one documents table. Postgres stores
// bodies as JSONB and filters with containment; sqlite stores text and
// filters in process.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// NewPostgres connects with lib/pq.
func NewPostgres(url string) (*SQLStore, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLStore{db: db, driver: "postgres"}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	log.Info().Msg("Connected to PostgreSQL")
	return s, nil
}

// NewSQLite opens (or creates) a database file with modernc sqlite.
func NewSQLite(path string) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer keeps sqlite from returning SQLITE_BUSY under the async writer
	db.SetMaxOpenConns(1)

	s := &SQLStore{db: db, driver: "sqlite"}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	bodyType := "TEXT"
	if s.driver == "postgres" {
		bodyType = "JSONB"
	}
	queries := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			body %s NOT NULL,
			updated_unix_millis BIGINT NOT NULL,
			PRIMARY KEY (collection, id)
		)`, bodyType),
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}

// ph returns the n-th (1-based) bind placeholder for the driver.
func (s *SQLStore) ph(n int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *SQLStore) Put(ctx context.Context, collection, id string, record interface{}) error {
	data, err := encode(record)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO documents (collection, id, body, updated_unix_millis)
		VALUES (%s, %s, %s, %s)
		ON CONFLICT (collection, id) DO UPDATE
		SET body = excluded.body, updated_unix_millis = excluded.updated_unix_millis
	`, s.ph(1), s.ph(2), s.ph(3), s.ph(4))

	if _, err := s.db.ExecContext(ctx, query, collection, id, string(data), time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", collection, id, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, collection, id string, out interface{}) error {
	query := fmt.Sprintf(`SELECT body FROM documents WHERE collection = %s AND id = %s`, s.ph(1), s.ph(2))

	var body []byte
	err := s.db.QueryRowContext(ctx, query, collection, id).Scan(&body)
	if err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get %s/%s: %w", collection, id, err)
	}
	return json.Unmarshal(body, out)
}

func (s *SQLStore) Query(ctx context.Context, collection string, filter Filter) ([]json.RawMessage, error) {
	query := fmt.Sprintf(`SELECT body FROM documents WHERE collection = %s`, s.ph(1))
	args := []interface{}{collection}

	pushdown := s.driver == "postgres" && len(filter) > 0
	if pushdown {
		data, err := json.Marshal(filter)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal filter: %w", err)
		}
		query += fmt.Sprintf(` AND body @> %s::jsonb`, s.ph(2))
		args = append(args, string(data))
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", collection, err)
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			log.Error().Err(err).Str("collection", collection).Msg("Failed to scan document")
			continue
		}
		if !pushdown {
			ok, err := matches(body, filter)
			if err != nil {
				log.Error().Err(err).Str("collection", collection).Msg("Failed to parse document")
				continue
			}
			if !ok {
				continue
			}
		}
		out = append(out, json.RawMessage(body))
	}
	return out, rows.Err()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
