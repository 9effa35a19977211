package projectstore

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"pkt.systems/pairbox/internal/persist"
	"pkt.systems/pairbox/schema"
	"pkt.systems/pslog"
)

type fileRecord struct {
	Project  schema.Project   `json:"project"`
	Messages []schema.Message `json:"messages"`
}

// FileBackend stores each project with its history as one JSON file.
type FileBackend struct {
	dir string
	log pslog.Logger
	mu  sync.Mutex
}

// NewFileBackend constructs a backend below stateDir/projects.
func NewFileBackend(ctx context.Context, stateDir string) (*FileBackend, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, persist.ErrEmptyDir
	}
	dir := filepath.Join(stateDir, "projects")
	if err := persist.EnsureDir(dir); err != nil {
		return nil, err
	}
	return &FileBackend{dir: dir, log: pslog.Ctx(ctx).With("state_dir", dir)}, nil
}

// CreateProject writes a new project.
func (b *FileBackend) CreateProject(_ context.Context, project schema.Project) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	path := b.path(project.ID)
	if _, err := os.Stat(path); err == nil {
		return ErrProjectExists
	}
	return b.write(path, fileRecord{Project: project, Messages: []schema.Message{}})
}

// GetProject reads one project.
func (b *FileBackend) GetProject(_ context.Context, projectID schema.ProjectID) (schema.Project, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, err := b.read(projectID)
	if err != nil {
		return schema.Project{}, err
	}
	return rec.Project, nil
}

// ListProjects scans the project directory.
func (b *FileBackend) ListProjects(_ context.Context, userID schema.UserID) ([]schema.Project, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, err
	}
	out := make([]schema.Project, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		var rec fileRecord
		if ok, err := persist.ReadJSON(filepath.Join(b.dir, entry.Name()), &rec); err != nil || !ok {
			b.log.Warn("project read failed", "file", entry.Name(), "err", err)
			continue
		}
		if userID != "" && !rec.Project.HasMember(userID) {
			continue
		}
		rec.Project.FileTree = nil
		out = append(out, rec.Project)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateFileTree replaces the stored tree.
func (b *FileBackend) UpdateFileTree(_ context.Context, projectID schema.ProjectID, tree schema.FileTree) error {
	return b.update(projectID, func(rec *fileRecord) {
		rec.Project.FileTree = tree.Clone()
	})
}

// AddUsers appends new members.
func (b *FileBackend) AddUsers(_ context.Context, projectID schema.ProjectID, users []schema.User) error {
	return b.update(projectID, func(rec *fileRecord) {
		rec.Project.Users = mergeUsers(rec.Project.Users, users)
	})
}

// AppendMessage appends to the project history.
func (b *FileBackend) AppendMessage(_ context.Context, projectID schema.ProjectID, msg schema.Message) error {
	return b.update(projectID, func(rec *fileRecord) {
		rec.Messages = append(rec.Messages, msg)
	})
}

// Messages returns the project history in append order.
func (b *FileBackend) Messages(_ context.Context, projectID schema.ProjectID) ([]schema.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, err := b.read(projectID)
	if err != nil {
		return nil, err
	}
	return rec.Messages, nil
}

// Close is a no-op.
func (b *FileBackend) Close() error { return nil }

func (b *FileBackend) update(projectID schema.ProjectID, fn func(*fileRecord)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, err := b.read(projectID)
	if err != nil {
		return err
	}
	fn(&rec)
	return b.write(b.path(projectID), rec)
}

func (b *FileBackend) read(projectID schema.ProjectID) (fileRecord, error) {
	var rec fileRecord
	ok, err := persist.ReadJSON(b.path(projectID), &rec)
	if err != nil {
		b.log.Warn("project read failed", "project", projectID, "err", err)
		return fileRecord{}, err
	}
	if !ok {
		return fileRecord{}, schema.ErrProjectNotFound
	}
	return rec, nil
}

func (b *FileBackend) write(path string, rec fileRecord) error {
	if err := persist.WriteJSON(path, rec); err != nil {
		b.log.Warn("project write failed", "file", filepath.Base(path), "err", err)
		return err
	}
	return nil
}

func (b *FileBackend) path(projectID schema.ProjectID) string {
	return filepath.Join(b.dir, persist.FileName(string(projectID), ".json"))
}
