package schema

// SandboxState is the lifecycle state of a session sandbox.
type SandboxState string

const (
	// SandboxUninitialized means creation has not been requested yet.
	SandboxUninitialized SandboxState = "uninitialized"
	// SandboxInitializing means creation is in flight.
	SandboxInitializing SandboxState = "initializing"
	// SandboxReady means the sandbox exists and nothing has run yet.
	SandboxReady SandboxState = "ready"
	// SandboxRunning means a run process has been started.
	SandboxRunning SandboxState = "running"
	// SandboxFailed means creation, mount or spawn failed.
	SandboxFailed SandboxState = "failed"
	// SandboxUnsupported means the host lacks the isolation precondition.
	SandboxUnsupported SandboxState = "unsupported"
)

// SandboxStatus is a point-in-time view of the sandbox.
type SandboxStatus struct {
	State       SandboxState `json:"state"`
	Error       string       `json:"error,omitempty"`
	PreviewURL  string       `json:"preview_url,omitempty"`
	PreviewPort int          `json:"preview_port,omitempty"`
	Runs        int          `json:"runs"`
}

// CanRun reports whether a run command is accepted in this state.
func (s SandboxStatus) CanRun() bool {
	switch s.State {
	case SandboxReady, SandboxRunning:
		return true
	default:
		return false
	}
}

// OutputStream names the process that produced sandbox output.
type OutputStream string

const (
	// OutputInstall is output from the install process.
	OutputInstall OutputStream = "install"
	// OutputRun is output from the run process.
	OutputRun OutputStream = "run"
)

// OutputEvent carries one line of sandbox process output.
type OutputEvent struct {
	ProjectID ProjectID    `json:"project_id"`
	Stream    OutputStream `json:"stream"`
	Run       int          `json:"run"`
	Line      string       `json:"line"`
}
