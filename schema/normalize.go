package schema

import (
	"path"
	"strings"
	"unicode"
)

// ValidateProjectID ensures a project id is non-empty and limited to
// letters, digits, '.', '_' and '-'.
func ValidateProjectID(id ProjectID) error {
	raw := string(id)
	if raw == "" {
		return ErrInvalidProject
	}
	for _, r := range raw {
		if r == '.' || r == '_' || r == '-' {
			continue
		}
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			continue
		}
		return ErrInvalidProject
	}
	return nil
}

// ValidateUserID ensures a user id is non-empty and carries no surrounding
// or embedded whitespace.
func ValidateUserID(userID UserID) error {
	raw := string(userID)
	if raw == "" {
		return ErrInvalidUser
	}
	if strings.TrimSpace(raw) != raw {
		return ErrInvalidUser
	}
	for _, r := range raw {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return ErrInvalidUser
		}
	}
	return nil
}

// NormalizeTreePath cleans a file tree key and rejects absolute paths and
// paths that climb out of the tree root.
func NormalizeTreePath(p string) (string, error) {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		return "", ErrInvalidPath
	}
	trimmed = strings.ReplaceAll(trimmed, "\\", "/")
	if strings.HasPrefix(trimmed, "/") {
		return "", ErrInvalidPath
	}
	for _, seg := range strings.Split(trimmed, "/") {
		if seg == ".." {
			return "", ErrInvalidPath
		}
	}
	cleaned := path.Clean(trimmed)
	if cleaned == "." || cleaned == "" {
		return "", ErrInvalidPath
	}
	return cleaned, nil
}
