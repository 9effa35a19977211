package projectstore

import (
	"context"
	"fmt"
	"strings"

	"pkt.systems/pairbox/schema"
)

// Backend persists projects and message history on the server.
type Backend interface {
	CreateProject(ctx context.Context, project schema.Project) error
	GetProject(ctx context.Context, projectID schema.ProjectID) (schema.Project, error)
	// ListProjects returns the projects the user is a member of, or every
	// project when userID is empty.
	ListProjects(ctx context.Context, userID schema.UserID) ([]schema.Project, error)
	UpdateFileTree(ctx context.Context, projectID schema.ProjectID, tree schema.FileTree) error
	// AddUsers appends users that are not already members.
	AddUsers(ctx context.Context, projectID schema.ProjectID, users []schema.User) error
	AppendMessage(ctx context.Context, projectID schema.ProjectID, msg schema.Message) error
	Messages(ctx context.Context, projectID schema.ProjectID) ([]schema.Message, error)
	Close() error
}

// BackendKind names a Backend implementation.
type BackendKind string

const (
	// BackendFile stores one JSON document per project.
	BackendFile BackendKind = "file"
	// BackendPostgres stores projects in PostgreSQL.
	BackendPostgres BackendKind = "postgres"
)

// OpenBackend builds the backend selected by kind.
func OpenBackend(ctx context.Context, kind BackendKind, stateDir, dsn string) (Backend, error) {
	switch BackendKind(strings.ToLower(strings.TrimSpace(string(kind)))) {
	case BackendFile, "":
		return NewFileBackend(ctx, stateDir)
	case BackendPostgres:
		return NewPostgresBackend(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", kind)
	}
}

func mergeUsers(existing, added []schema.User) []schema.User {
	out := append([]schema.User(nil), existing...)
	seen := make(map[schema.UserID]int, len(out))
	for i, u := range out {
		seen[u.ID] = i
	}
	for _, u := range added {
		if i, ok := seen[u.ID]; ok {
			if out[i].Email == "" && u.Email != "" {
				out[i].Email = u.Email
			}
			continue
		}
		seen[u.ID] = len(out)
		out = append(out, u)
	}
	return out
}
