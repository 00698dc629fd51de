// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides server persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS servers (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL UNIQUE,
	transport      TEXT NOT NULL DEFAULT 'stdio',
	command        TEXT NOT NULL,
	args_json      TEXT NOT NULL DEFAULT '[]',
	env_json       TEXT NOT NULL DEFAULT '{}',
	enabled        INTEGER NOT NULL DEFAULT 1,
	created_at     TIMESTAMP NOT NULL,
	last_connected TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_servers_name ON servers(name);
`
	_, err := s.db.Exec(schema)
	return err
}

// CreateServer inserts a new server definition.
func (s *SQLiteStore) CreateServer(ctx context.Context, srv *Server) error {
	args, env, err := encodeServerJSON(srv)
	if err != nil {
		return err
	}
	if srv.Transport == "" {
		srv.Transport = TransportStdio
	}
	if srv.CreatedAt.IsZero() {
		srv.CreatedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO servers (id, name, transport, command, args_json, env_json, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		srv.ID, srv.Name, srv.Transport, srv.Command, args, env, srv.Enabled, srv.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrServerExists, srv.ID)
		}
		return fmt.Errorf("inserting server: %w", err)
	}
	return nil
}

// GetServer returns the server with the given id.
func (s *SQLiteStore) GetServer(ctx context.Context, id string) (*Server, error) {
	row := s.db.QueryRowContext(ctx, selectServers+` WHERE id = ?`, id)
	return scanServer(row)
}

// GetServerByName returns the server with the given display name.
func (s *SQLiteStore) GetServerByName(ctx context.Context, name string) (*Server, error) {
	row := s.db.QueryRowContext(ctx, selectServers+` WHERE name = ?`, name)
	return scanServer(row)
}

// ListServers returns all configured servers ordered by name.
func (s *SQLiteStore) ListServers(ctx context.Context) ([]*Server, error) {
	rows, err := s.db.QueryContext(ctx, selectServers+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing servers: %w", err)
	}
	defer rows.Close()

	var servers []*Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, srv)
	}
	return servers, rows.Err()
}

// UpdateServer replaces the stored definition for srv.ID.
func (s *SQLiteStore) UpdateServer(ctx context.Context, srv *Server) error {
	args, env, err := encodeServerJSON(srv)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE servers
		SET name = ?, transport = ?, command = ?, args_json = ?, env_json = ?, enabled = ?
		WHERE id = ?`,
		srv.Name, srv.Transport, srv.Command, args, env, srv.Enabled, srv.ID,
	)
	if err != nil {
		return fmt.Errorf("updating server: %w", err)
	}
	return requireRowAffected(res, srv.ID)
}

// DeleteServer removes the server definition.
func (s *SQLiteStore) DeleteServer(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting server: %w", err)
	}
	return requireRowAffected(res, id)
}

// MarkConnected records the most recent successful connect time.
func (s *SQLiteStore) MarkConnected(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE servers SET last_connected = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("marking server connected: %w", err)
	}
	return requireRowAffected(res, id)
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const selectServers = `
	SELECT id, name, transport, command, args_json, env_json, enabled, created_at, last_connected
	FROM servers`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanServer(row rowScanner) (*Server, error) {
	var (
		srv           Server
		argsJSON      string
		envJSON       string
		lastConnected sql.NullTime
	)
	err := row.Scan(&srv.ID, &srv.Name, &srv.Transport, &srv.Command,
		&argsJSON, &envJSON, &srv.Enabled, &srv.CreatedAt, &lastConnected)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrServerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning server: %w", err)
	}

	if err := json.Unmarshal([]byte(argsJSON), &srv.Args); err != nil {
		return nil, fmt.Errorf("decoding server args: %w", err)
	}
	if err := json.Unmarshal([]byte(envJSON), &srv.Env); err != nil {
		return nil, fmt.Errorf("decoding server env: %w", err)
	}
	if lastConnected.Valid {
		t := lastConnected.Time
		srv.LastConnected = &t
	}
	return &srv, nil
}

func encodeServerJSON(srv *Server) (args, env string, err error) {
	argsBytes, err := json.Marshal(srv.Args)
	if err != nil {
		return "", "", fmt.Errorf("encoding server args: %w", err)
	}
	if srv.Args == nil {
		argsBytes = []byte("[]")
	}
	envBytes, err := json.Marshal(srv.Env)
	if err != nil {
		return "", "", fmt.Errorf("encoding server env: %w", err)
	}
	if srv.Env == nil {
		envBytes = []byte("{}")
	}
	return string(argsBytes), string(envBytes), nil
}

func requireRowAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrServerNotFound, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
