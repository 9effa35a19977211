package core

import (
	"time"

	"pkt.systems/pairbox/internal/msgcache"
	"pkt.systems/pairbox/internal/projectstore"
	"pkt.systems/pairbox/internal/realtime"
	"pkt.systems/pairbox/internal/sandbox"
	"pkt.systems/pairbox/schema"
	"pkt.systems/pslog"
)

// SessionConfig identifies the project and the local participant.
type SessionConfig struct {
	ProjectID schema.ProjectID
	User      schema.User
	Install   sandbox.Command
	Run       sandbox.Command
}

// SessionDeps captures the collaborators of a session. Store and Transport
// are required; the rest are optional.
type SessionDeps struct {
	Store     projectstore.Store
	Transport realtime.Transport
	Cache     msgcache.Cache
	Runtime   sandbox.Runtime
	// Isolation overrides the runtime's own precondition check.
	Isolation sandbox.IsolationCheck
	EventSink EventSink
	Logger    pslog.Logger
	// Now stamps outgoing messages. Defaults to time.Now.
	Now func() time.Time
}
