package schema

import (
	"encoding/json"
	"sort"
)

// FileEntry is one file in a project tree.
type FileEntry struct {
	Contents string
}

type wireFileContents struct {
	Contents string `json:"contents"`
}

type wireFileEntry struct {
	File     *wireFileContents `json:"file,omitempty"`
	Contents *string           `json:"contents,omitempty"`
}

// MarshalJSON emits the sandbox mount shape {"file":{"contents":...}}.
func (e FileEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireFileEntry{File: &wireFileContents{Contents: e.Contents}})
}

// UnmarshalJSON accepts {"file":{"contents":...}} and the flat {"contents":...}.
func (e *FileEntry) UnmarshalJSON(data []byte) error {
	var wire wireFileEntry
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	switch {
	case wire.File != nil:
		e.Contents = wire.File.Contents
	case wire.Contents != nil:
		e.Contents = *wire.Contents
	default:
		e.Contents = ""
	}
	return nil
}

// FileTree maps a relative path to its file. It is a snapshot, not a log.
type FileTree map[string]FileEntry

// Clone returns an independent copy of the tree.
func (t FileTree) Clone() FileTree {
	out := make(FileTree, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// Merge returns a new tree with patch overlaid on t. Keys in patch overwrite,
// keys absent from patch are kept; nothing is deleted.
func (t FileTree) Merge(patch FileTree) FileTree {
	out := make(FileTree, len(t)+len(patch))
	for k, v := range t {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// Paths returns the tree keys in lexical order.
func (t FileTree) Paths() []string {
	paths := make([]string, 0, len(t))
	for k := range t {
		paths = append(paths, k)
	}
	sort.Strings(paths)
	return paths
}

// Equal reports whether both trees hold the same paths and contents.
func (t FileTree) Equal(other FileTree) bool {
	if len(t) != len(other) {
		return false
	}
	for k, v := range t {
		o, ok := other[k]
		if !ok || o.Contents != v.Contents {
			return false
		}
	}
	return true
}
