package schema

import "errors"

var (
	// ErrInvalidRequest indicates a malformed request payload.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidUser indicates an invalid user identifier.
	ErrInvalidUser = errors.New("invalid user")
	// ErrInvalidProject indicates an invalid project identifier.
	ErrInvalidProject = errors.New("invalid project")
	// ErrProjectNotFound indicates a project could not be found.
	ErrProjectNotFound = errors.New("project not found")
	// ErrForbidden indicates the caller is not a member of the project.
	ErrForbidden = errors.New("not a project member")
	// ErrInvalidPath indicates a file tree path is empty or escapes the tree root.
	ErrInvalidPath = errors.New("invalid file path")
	// ErrEmptyMessage indicates the message body was empty.
	ErrEmptyMessage = errors.New("empty message")
	// ErrSessionOpen indicates the session is already open.
	ErrSessionOpen = errors.New("session already open")
	// ErrSessionClosed indicates an operation on a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionNotOpen indicates an operation before the session was opened.
	ErrSessionNotOpen = errors.New("session not open")
	// ErrSandboxNotReady indicates the sandbox cannot accept a run yet.
	ErrSandboxNotReady = errors.New("sandbox not ready")
)
