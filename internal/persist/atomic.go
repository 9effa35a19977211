package persist

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// ErrEmptyDir is returned when a store is constructed without a directory.
var ErrEmptyDir = errors.New("state directory is required")

// EnsureDir creates dir with owner-only permissions.
func EnsureDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return ErrEmptyDir
	}
	return os.MkdirAll(dir, 0o700)
}

// WriteJSON encodes v and atomically replaces path with it.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return WriteFile(path, data)
}

// WriteFile atomically replaces path with data. The file is written to a
// temporary sibling, synced, chmodded to 0600 and renamed into place.
func WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".pairbox-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadJSON decodes path into v. ok is false when the file does not exist.
func ReadJSON(path string, v any) (ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

// FileName maps an identifier to a safe file name. Characters other than
// letters, digits, '-', '_' and '.' become '_'.
func FileName(id, ext string) string {
	name := Sanitize(id)
	if name == "" || name == "." || name == ".." {
		name = "unknown"
	}
	return name + ext
}

// Sanitize replaces characters that are unsafe in file names.
func Sanitize(value string) string {
	var b strings.Builder
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('_')
	}
	return b.String()
}
