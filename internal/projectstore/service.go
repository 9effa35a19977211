package projectstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
	"pkt.systems/pairbox/internal/logx"
	"pkt.systems/pairbox/schema"
)

// Service applies validation and membership rules on top of a Backend. The
// HTTP routes and the Local adapter both go through it.
type Service struct {
	backend Backend
}

// NewService wraps backend.
func NewService(backend Backend) *Service {
	return &Service{backend: backend}
}

// Backend returns the wrapped backend.
func (s *Service) Backend() Backend {
	return s.backend
}

// Create makes a project owned by caller.
func (s *Service) Create(ctx context.Context, caller schema.User, name string) (schema.Project, error) {
	if err := schema.ValidateUserID(caller.ID); err != nil {
		return schema.Project{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return schema.Project{}, fmt.Errorf("%w: project name is required", schema.ErrInvalidRequest)
	}
	project := schema.Project{
		ID:       schema.ProjectID(strings.ToLower(ulid.Make().String())),
		Name:     name,
		Users:    []schema.User{caller},
		FileTree: schema.FileTree{},
	}
	if err := s.backend.CreateProject(ctx, project); err != nil {
		return schema.Project{}, err
	}
	logx.WithProjectUser(ctx, project.ID, caller.ID).Info("project create ok", "name", name)
	return project, nil
}

// List returns the caller's projects.
func (s *Service) List(ctx context.Context, caller schema.User) ([]schema.Project, error) {
	if err := schema.ValidateUserID(caller.ID); err != nil {
		return nil, err
	}
	return s.backend.ListProjects(ctx, caller.ID)
}

// Get returns a project the caller belongs to.
func (s *Service) Get(ctx context.Context, caller schema.User, projectID schema.ProjectID) (schema.Project, error) {
	return s.authorize(ctx, caller, projectID)
}

// Messages returns the project history.
func (s *Service) Messages(ctx context.Context, caller schema.User, projectID schema.ProjectID) ([]schema.Message, error) {
	if _, err := s.authorize(ctx, caller, projectID); err != nil {
		return nil, err
	}
	return s.backend.Messages(ctx, projectID)
}

// UpdateFileTree replaces the stored tree after validating every path.
func (s *Service) UpdateFileTree(ctx context.Context, caller schema.User, projectID schema.ProjectID, tree schema.FileTree) error {
	if _, err := s.authorize(ctx, caller, projectID); err != nil {
		return err
	}
	clean := make(schema.FileTree, len(tree))
	for p, entry := range tree {
		normalized, err := schema.NormalizeTreePath(p)
		if err != nil {
			return fmt.Errorf("%w: %q", err, p)
		}
		clean[normalized] = entry
	}
	if err := s.backend.UpdateFileTree(ctx, projectID, clean); err != nil {
		return err
	}
	logx.WithProjectUser(ctx, projectID, caller.ID).Debug("project tree update ok", "files", len(clean))
	return nil
}

// AddUsers adds collaborators to a project the caller belongs to.
func (s *Service) AddUsers(ctx context.Context, caller schema.User, projectID schema.ProjectID, ids []schema.UserID) error {
	if _, err := s.authorize(ctx, caller, projectID); err != nil {
		return err
	}
	if len(ids) == 0 {
		return fmt.Errorf("%w: users are required", schema.ErrInvalidRequest)
	}
	users := make([]schema.User, 0, len(ids))
	for _, id := range ids {
		if err := schema.ValidateUserID(id); err != nil {
			return err
		}
		users = append(users, schema.User{ID: id})
	}
	if err := s.backend.AddUsers(ctx, projectID, users); err != nil {
		return err
	}
	logx.WithProjectUser(ctx, projectID, caller.ID).Info("project users add ok", "count", len(users))
	return nil
}

// Join checks that caller may take part in the project's realtime room.
func (s *Service) Join(ctx context.Context, caller schema.User, projectID schema.ProjectID) error {
	_, err := s.authorize(ctx, caller, projectID)
	return err
}

// RecordMessage appends a relayed message to the project history.
func (s *Service) RecordMessage(ctx context.Context, projectID schema.ProjectID, msg schema.Message) error {
	if strings.TrimSpace(msg.Body) == "" {
		return schema.ErrEmptyMessage
	}
	return s.backend.AppendMessage(ctx, projectID, msg)
}

func (s *Service) authorize(ctx context.Context, caller schema.User, projectID schema.ProjectID) (schema.Project, error) {
	if err := schema.ValidateProjectID(projectID); err != nil {
		return schema.Project{}, err
	}
	if err := schema.ValidateUserID(caller.ID); err != nil {
		return schema.Project{}, err
	}
	project, err := s.backend.GetProject(ctx, projectID)
	if err != nil {
		return schema.Project{}, err
	}
	if !project.HasMember(caller.ID) && !(schema.Sender{ID: caller.ID}).IsAgent() {
		return schema.Project{}, schema.ErrForbidden
	}
	return project, nil
}

// Local is a Directory bound to one caller that talks to a Service in
// process.
type Local struct {
	svc    *Service
	caller schema.User
}

// NewLocal binds svc to caller.
func NewLocal(svc *Service, caller schema.User) *Local {
	return &Local{svc: svc, caller: caller}
}

// FetchProject implements Store.
func (l *Local) FetchProject(ctx context.Context, projectID schema.ProjectID) (schema.Project, error) {
	return l.svc.Get(ctx, l.caller, projectID)
}

// FetchMessages implements Store.
func (l *Local) FetchMessages(ctx context.Context, projectID schema.ProjectID) ([]schema.Message, error) {
	return l.svc.Messages(ctx, l.caller, projectID)
}

// PersistFileTree implements Store.
func (l *Local) PersistFileTree(ctx context.Context, projectID schema.ProjectID, tree schema.FileTree) error {
	return l.svc.UpdateFileTree(ctx, l.caller, projectID, tree)
}

// AddCollaborators implements Store.
func (l *Local) AddCollaborators(ctx context.Context, projectID schema.ProjectID, users []schema.UserID) error {
	return l.svc.AddUsers(ctx, l.caller, projectID, users)
}

// CreateProject implements Directory.
func (l *Local) CreateProject(ctx context.Context, name string) (schema.Project, error) {
	return l.svc.Create(ctx, l.caller, name)
}

// ListProjects implements Directory.
func (l *Local) ListProjects(ctx context.Context) ([]schema.Project, error) {
	return l.svc.List(ctx, l.caller)
}
