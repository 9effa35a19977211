package schema

// ProjectID identifies a shared project.
type ProjectID string

// UserID identifies a participant.
type UserID string

// Topic names a realtime channel event stream.
type Topic string

const (
	// TopicProjectMessage carries chat messages for a project.
	TopicProjectMessage Topic = "project-message"
)

const (
	// AgentUserID is the sender id used by the automated agent.
	AgentUserID UserID = "agent"
	// legacyAgentUserID is accepted on input for older payloads.
	legacyAgentUserID UserID = "ai"
)

// User is a project member as seen by the session.
type User struct {
	ID    UserID `json:"_id"`
	Email string `json:"email,omitempty"`
}

// Project is the server-side project loaded into a session at open time.
type Project struct {
	ID       ProjectID `json:"_id"`
	Name     string    `json:"name,omitempty"`
	Users    []User    `json:"users,omitempty"`
	FileTree FileTree  `json:"fileTree,omitempty"`
}

// HasMember reports whether the user is listed on the project.
func (p Project) HasMember(id UserID) bool {
	for _, u := range p.Users {
		if u.ID == id {
			return true
		}
	}
	return false
}
