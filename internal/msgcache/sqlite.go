package msgcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"

	"pkt.systems/pairbox/internal/persist"
	"pkt.systems/pairbox/schema"
	"pkt.systems/pslog"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS project_messages (
	project_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	record TEXT NOT NULL,
	PRIMARY KEY (project_id, seq)
);`

// SQLite stores cached logs in a sqlite database, one row per message.
type SQLite struct {
	db  *sql.DB
	log pslog.Logger
}

// NewSQLite opens (or creates) messages.db below dir.
func NewSQLite(ctx context.Context, dir string) (*SQLite, error) {
	if err := persist.EnsureDir(dir); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "messages.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open message cache: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init message cache: %w", err)
	}
	return &SQLite{db: db, log: pslog.Ctx(ctx).With("cache_db", path)}, nil
}

// OpenSQLiteDB wraps an already opened database, for tests.
func OpenSQLiteDB(ctx context.Context, db *sql.DB) (*SQLite, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("init message cache: %w", err)
	}
	return &SQLite{db: db, log: pslog.Ctx(ctx)}, nil
}

// Close releases the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Load reads the cached log in stored order.
func (s *SQLite) Load(ctx context.Context, projectID schema.ProjectID) ([]schema.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM project_messages WHERE project_id = ? ORDER BY seq`, string(projectID))
	if err != nil {
		s.log.Warn("cache load failed", "project", projectID, "err", err)
		return nil, err
	}
	defer rows.Close()
	var records []json.RawMessage
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			s.log.Warn("cache load failed", "project", projectID, "err", err)
			return nil, err
		}
		records = append(records, json.RawMessage(record))
	}
	if err := rows.Err(); err != nil {
		s.log.Warn("cache load failed", "project", projectID, "err", err)
		return nil, err
	}
	if len(records) == 0 {
		s.log.Debug("cache load miss", "project", projectID)
		return nil, nil
	}
	msgs, skipped := decodeRecords(s.log, projectID, records)
	s.log.Debug("cache load ok", "project", projectID, "messages", len(msgs), "skipped", skipped)
	return msgs, nil
}

// Save replaces the cached log inside one transaction.
func (s *SQLite) Save(ctx context.Context, projectID schema.ProjectID, msgs []schema.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.log.Warn("cache save failed", "project", projectID, "err", err)
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM project_messages WHERE project_id = ?`, string(projectID)); err != nil {
		s.log.Warn("cache save failed", "project", projectID, "err", err)
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO project_messages (project_id, seq, record) VALUES (?, ?, ?)`)
	if err != nil {
		s.log.Warn("cache save failed", "project", projectID, "err", err)
		return err
	}
	defer stmt.Close()
	for i, msg := range msgs {
		record, err := json.Marshal(msg)
		if err != nil {
			s.log.Warn("cache save failed", "project", projectID, "err", err)
			return err
		}
		if _, err := stmt.ExecContext(ctx, string(projectID), i, string(record)); err != nil {
			s.log.Warn("cache save failed", "project", projectID, "err", err)
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		s.log.Warn("cache save failed", "project", projectID, "err", err)
		return err
	}
	s.log.Trace("cache save ok", "project", projectID, "messages", len(msgs))
	return nil
}
