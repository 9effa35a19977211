package projectstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"pkt.systems/pairbox/schema"
	"pkt.systems/pslog"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS pairbox_projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	users JSONB NOT NULL DEFAULT '[]'::jsonb,
	file_tree JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS pairbox_messages (
	seq BIGSERIAL PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES pairbox_projects(id) ON DELETE CASCADE,
	record JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS pairbox_messages_project_idx ON pairbox_messages (project_id, seq);
`

// PostgresBackend stores projects in PostgreSQL through a pgx pool.
type PostgresBackend struct {
	pool *pgxpool.Pool
	log  pslog.Logger
}

// NewPostgresBackend connects to dsn and ensures the schema exists.
func NewPostgresBackend(ctx context.Context, dsn string) (*PostgresBackend, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	return &PostgresBackend{pool: pool, log: pslog.Ctx(ctx)}, nil
}

// CreateProject inserts a project.
func (b *PostgresBackend) CreateProject(ctx context.Context, project schema.Project) error {
	users, tree, err := encodeProject(project)
	if err != nil {
		return err
	}
	_, err = b.pool.Exec(ctx,
		`INSERT INTO pairbox_projects (id, name, users, file_tree) VALUES ($1, $2, $3, $4)`,
		string(project.ID), project.Name, users, tree)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrProjectExists
	}
	return err
}

// GetProject loads one project.
func (b *PostgresBackend) GetProject(ctx context.Context, projectID schema.ProjectID) (schema.Project, error) {
	row := b.pool.QueryRow(ctx,
		`SELECT id, name, users, file_tree FROM pairbox_projects WHERE id = $1`, string(projectID))
	project, err := scanProject(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return schema.Project{}, schema.ErrProjectNotFound
	}
	return project, err
}

// ListProjects returns projects without their trees.
func (b *PostgresBackend) ListProjects(ctx context.Context, userID schema.UserID) ([]schema.Project, error) {
	query := `SELECT id, name, users, '{}'::jsonb FROM pairbox_projects ORDER BY id`
	args := []any{}
	if userID != "" {
		member, err := json.Marshal([]map[string]string{{"_id": string(userID)}})
		if err != nil {
			return nil, err
		}
		query = `SELECT id, name, users, '{}'::jsonb FROM pairbox_projects WHERE users @> $1::jsonb ORDER BY id`
		args = append(args, member)
	}
	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]schema.Project, 0)
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		project.FileTree = nil
		out = append(out, project)
	}
	return out, rows.Err()
}

// UpdateFileTree replaces the stored tree.
func (b *PostgresBackend) UpdateFileTree(ctx context.Context, projectID schema.ProjectID, tree schema.FileTree) error {
	data, err := json.Marshal(nonNilTree(tree))
	if err != nil {
		return err
	}
	tag, err := b.pool.Exec(ctx,
		`UPDATE pairbox_projects SET file_tree = $2, updated_at = now() WHERE id = $1`, string(projectID), data)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return schema.ErrProjectNotFound
	}
	return nil
}

// AddUsers merges users into the member list inside a transaction.
func (b *PostgresBackend) AddUsers(ctx context.Context, projectID schema.ProjectID, users []schema.User) error {
	return pgx.BeginFunc(ctx, b.pool, func(tx pgx.Tx) error {
		var raw []byte
		err := tx.QueryRow(ctx,
			`SELECT users FROM pairbox_projects WHERE id = $1 FOR UPDATE`, string(projectID)).Scan(&raw)
		if errors.Is(err, pgx.ErrNoRows) {
			return schema.ErrProjectNotFound
		}
		if err != nil {
			return err
		}
		var existing []schema.User
		if err := json.Unmarshal(raw, &existing); err != nil {
			return err
		}
		data, err := json.Marshal(mergeUsers(existing, users))
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE pairbox_projects SET users = $2, updated_at = now() WHERE id = $1`, string(projectID), data)
		return err
	})
}

// AppendMessage stores one history record.
func (b *PostgresBackend) AppendMessage(ctx context.Context, projectID schema.ProjectID, msg schema.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = b.pool.Exec(ctx,
		`INSERT INTO pairbox_messages (project_id, record) VALUES ($1, $2)`, string(projectID), data)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return schema.ErrProjectNotFound
	}
	return err
}

// Messages returns history in insertion order. Records that fail to decode
// are skipped.
func (b *PostgresBackend) Messages(ctx context.Context, projectID schema.ProjectID) ([]schema.Message, error) {
	if _, err := b.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	rows, err := b.pool.Query(ctx,
		`SELECT record FROM pairbox_messages WHERE project_id = $1 ORDER BY seq`, string(projectID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]schema.Message, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var msg schema.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			b.log.Warn("history record skipped", "project", projectID, "err", err)
			continue
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// Close releases the pool.
func (b *PostgresBackend) Close() error {
	b.pool.Close()
	return nil
}

func encodeProject(project schema.Project) ([]byte, []byte, error) {
	users := project.Users
	if users == nil {
		users = []schema.User{}
	}
	usersJSON, err := json.Marshal(users)
	if err != nil {
		return nil, nil, err
	}
	treeJSON, err := json.Marshal(nonNilTree(project.FileTree))
	if err != nil {
		return nil, nil, err
	}
	return usersJSON, treeJSON, nil
}

func scanProject(row pgx.Row) (schema.Project, error) {
	var (
		id, name    string
		users, tree []byte
	)
	if err := row.Scan(&id, &name, &users, &tree); err != nil {
		return schema.Project{}, err
	}
	project := schema.Project{ID: schema.ProjectID(id), Name: name}
	if err := json.Unmarshal(users, &project.Users); err != nil {
		return schema.Project{}, err
	}
	if err := json.Unmarshal(tree, &project.FileTree); err != nil {
		return schema.Project{}, err
	}
	return project, nil
}

func nonNilTree(tree schema.FileTree) schema.FileTree {
	if tree == nil {
		return schema.FileTree{}
	}
	return tree
}
