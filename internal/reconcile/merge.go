// Package reconcile merges a locally cached conversation with the server's
// copy and keeps the session's ordered message log.
package reconcile

import (
	"sort"

	"pkt.systems/pairbox/schema"
)

// Tolerance is the timestamp window inside which two messages with the same
// body and sender are considered the same message.
const Tolerance int64 = 1000

// Equivalent reports whether a and b are the same message seen twice.
func Equivalent(a, b schema.Message) bool {
	if a.Body != b.Body || a.Sender.ID != b.Sender.ID {
		return false
	}
	delta := a.UnixMilli() - b.UnixMilli()
	if delta < 0 {
		delta = -delta
	}
	return delta < Tolerance
}

// Merge returns cached plus every server message that has no equivalent in
// cached, stably sorted by timestamp. Neither input is modified.
func Merge(cached, server []schema.Message) []schema.Message {
	merged := make([]schema.Message, len(cached), len(cached)+len(server))
	copy(merged, cached)
	for _, msg := range server {
		if containsEquivalent(cached, msg) {
			continue
		}
		merged = append(merged, msg)
	}
	SortStable(merged)
	return merged
}

// SortStable orders msgs by timestamp, keeping arrival order for ties.
func SortStable(msgs []schema.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].UnixMilli() < msgs[j].UnixMilli()
	})
}

// Sorted reports whether msgs is non-decreasing by timestamp.
func Sorted(msgs []schema.Message) bool {
	for i := 1; i < len(msgs); i++ {
		if msgs[i].UnixMilli() < msgs[i-1].UnixMilli() {
			return false
		}
	}
	return true
}

func containsEquivalent(msgs []schema.Message, target schema.Message) bool {
	for _, msg := range msgs {
		if Equivalent(msg, target) {
			return true
		}
	}
	return false
}
