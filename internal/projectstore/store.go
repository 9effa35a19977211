// Package projectstore is the server-authoritative owner of projects, their
// file trees and their message history, plus the clients sessions use to
// reach it.
package projectstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"pkt.systems/pairbox/schema"
)

// Store is what a session needs from the project store.
type Store interface {
	FetchProject(ctx context.Context, projectID schema.ProjectID) (schema.Project, error)
	FetchMessages(ctx context.Context, projectID schema.ProjectID) ([]schema.Message, error)
	PersistFileTree(ctx context.Context, projectID schema.ProjectID, tree schema.FileTree) error
	AddCollaborators(ctx context.Context, projectID schema.ProjectID, users []schema.UserID) error
}

// Directory adds project creation and listing.
type Directory interface {
	Store
	CreateProject(ctx context.Context, name string) (schema.Project, error)
	ListProjects(ctx context.Context) ([]schema.Project, error)
}

// ErrProjectExists is returned when creating a project id twice.
var ErrProjectExists = errors.New("project already exists")

// APIError is a non-2xx response from the project store.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("project store: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("project store: %d %s", e.Status, e.Message)
}

// Unwrap maps the status to the matching schema sentinel.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return schema.ErrProjectNotFound
	case http.StatusForbidden:
		return schema.ErrForbidden
	case http.StatusBadRequest:
		return schema.ErrInvalidRequest
	default:
		return nil
	}
}

// StatusFor maps a store error to its HTTP status.
func StatusFor(err error) int {
	var apiErr *APIError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &apiErr):
		return apiErr.Status
	case errors.Is(err, schema.ErrProjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, schema.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrProjectExists):
		return http.StatusConflict
	case errors.Is(err, schema.ErrInvalidProject),
		errors.Is(err, schema.ErrInvalidUser),
		errors.Is(err, schema.ErrInvalidPath),
		errors.Is(err, schema.ErrInvalidRequest),
		errors.Is(err, schema.ErrEmptyMessage):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
