package sandbox

import (
	"context"
	"io"

	"pkt.systems/pairbox/schema"
)

// Runtime creates isolated execution environments.
type Runtime interface {
	Name() string
	Create(ctx context.Context) (Handle, error)
}

// Handle is one created sandbox. Processes started by Spawn outlive the
// context passed to it; they end on Kill or Close.
type Handle interface {
	Mount(ctx context.Context, tree schema.FileTree) error
	Spawn(ctx context.Context, command string, args []string) (Process, error)
	// OnServerReady registers fn for every (port, url) the sandbox reports
	// as listening.
	OnServerReady(fn func(port int, url string))
	Close(ctx context.Context) error
}

// Process is a started sandbox process.
type Process interface {
	// Output yields the combined output until the process exits.
	Output() io.Reader
	Kill() error
}

// IsolationCheck reports whether the host satisfies the isolation
// precondition. When it does not, description tells the operator what to
// configure.
type IsolationCheck func(ctx context.Context) (ok bool, description string)

// IsolationChecker is implemented by runtimes that know their own
// precondition.
type IsolationChecker interface {
	CheckIsolation(ctx context.Context) (ok bool, description string)
}

// Observer receives sandbox output and status changes.
type Observer interface {
	OnOutput(event schema.OutputEvent)
	OnSandbox(status schema.SandboxStatus)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Output func(schema.OutputEvent)
	Status func(schema.SandboxStatus)
}

// OnOutput implements Observer.
func (o ObserverFuncs) OnOutput(event schema.OutputEvent) {
	if o.Output != nil {
		o.Output(event)
	}
}

// OnSandbox implements Observer.
func (o ObserverFuncs) OnSandbox(status schema.SandboxStatus) {
	if o.Status != nil {
		o.Status(status)
	}
}

// Command is an executable plus arguments.
type Command struct {
	Name string   `json:"name"`
	Args []string `json:"args,omitempty"`
}

// DefaultInstall is the install command when none is configured.
var DefaultInstall = Command{Name: "npm", Args: []string{"install"}}

// DefaultRun is the run command when none is configured.
var DefaultRun = Command{Name: "npm", Args: []string{"start"}}
