package core

import "pkt.systems/pairbox/schema"

// EventSink receives session notifications for a UI. Calls arrive from
// several goroutines; implementations must be safe for concurrent use.
type EventSink interface {
	// OnHistory delivers the whole log after it was loaded or merged.
	OnHistory(messages []schema.Message)
	OnMessage(message schema.Message)
	OnFileTree(tree schema.FileTree)
	OnSandbox(status schema.SandboxStatus)
	OnOutput(event schema.OutputEvent)
}

// NopSink ignores every event.
type NopSink struct{}

// OnHistory implements EventSink.
func (NopSink) OnHistory([]schema.Message) {}

// OnMessage implements EventSink.
func (NopSink) OnMessage(schema.Message) {}

// OnFileTree implements EventSink.
func (NopSink) OnFileTree(schema.FileTree) {}

// OnSandbox implements EventSink.
func (NopSink) OnSandbox(schema.SandboxStatus) {}

// OnOutput implements EventSink.
func (NopSink) OnOutput(schema.OutputEvent) {}

// MultiSink fans events out to every sink in order.
type MultiSink []EventSink

// OnHistory implements EventSink.
func (m MultiSink) OnHistory(messages []schema.Message) {
	for _, s := range m {
		s.OnHistory(messages)
	}
}

// OnMessage implements EventSink.
func (m MultiSink) OnMessage(message schema.Message) {
	for _, s := range m {
		s.OnMessage(message)
	}
}

// OnFileTree implements EventSink.
func (m MultiSink) OnFileTree(tree schema.FileTree) {
	for _, s := range m {
		s.OnFileTree(tree)
	}
}

// OnSandbox implements EventSink.
func (m MultiSink) OnSandbox(status schema.SandboxStatus) {
	for _, s := range m {
		s.OnSandbox(status)
	}
}

// OnOutput implements EventSink.
func (m MultiSink) OnOutput(event schema.OutputEvent) {
	for _, s := range m {
		s.OnOutput(event)
	}
}
