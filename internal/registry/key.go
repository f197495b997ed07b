package registry

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// KeyForPath derives the session key of a working directory: the absolute
// path without its leading separator, with separators and unsafe runes
// replaced by '_'. "/home/user/proj" becomes "home_user_proj".
//
// Distinct paths may map to the same key ("/a_b" and "/a/b"); such
// directories share a session.
func KeyForPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %q: %w", path, err)
	}
	trimmed := strings.TrimLeft(filepath.Clean(abs), string(filepath.Separator))
	if trimmed == "" {
		return "root", nil
	}
	return sanitize(trimmed), nil
}

// KeyForName turns an explicit session name into a key.
func KeyForName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("empty session name")
	}
	return sanitize(name), nil
}

func sanitize(s string) string {
	var b strings.Builder
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		case r == '.' && i > 0:
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
