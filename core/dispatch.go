package core

import "pkt.systems/pairbox/schema"

// Action is what a session does with an inbound chat message.
type Action int

const (
	// ActionAppend appends the message to the log.
	ActionAppend Action = iota
	// ActionPatchAndAppend applies the agent's file tree patch, then appends.
	ActionPatchAndAppend
	// ActionDiscard drops the echo of a message sent by the local user.
	ActionDiscard
)

func (a Action) String() string {
	switch a {
	case ActionAppend:
		return "append"
	case ActionPatchAndAppend:
		return "patch+append"
	case ActionDiscard:
		return "discard"
	default:
		return "unknown"
	}
}

// Classify applies the dispatch rule: agent messages always append and
// patch when they carry a tree, the local user's echoes are discarded, and
// other participants append.
func Classify(msg schema.Message, self schema.UserID) (Action, schema.AgentMessage) {
	if agent, ok := msg.AsAgent(); ok {
		if agent.ParseErr == nil && agent.Payload.HasPatch() {
			return ActionPatchAndAppend, agent
		}
		return ActionAppend, agent
	}
	if self != "" && msg.Sender.ID == self {
		return ActionDiscard, schema.AgentMessage{}
	}
	return ActionAppend, schema.AgentMessage{}
}
