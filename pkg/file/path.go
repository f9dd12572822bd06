package file

import (
	"path/filepath"
	"strings"
)

// ReplaceExt swaps the extension of path for ext. A path without an
// extension gets ext appended.
func ReplaceExt(path, ext string) string {
	if path == "" {
		return ""
	}
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	base := filepath.Base(path)
	if i := strings.LastIndex(base, "."); i > 0 {
		base = base[:i]
	}
	return filepath.Join(filepath.Dir(path), base+ext)
}

// TempPattern builds an os.MkdirTemp pattern of the form "<parts>-*".
// Path separators and spaces inside parts become underscores.
func TempPattern(parts ...string) string {
	clean := make([]string, 0, len(parts)+1)
	for _, p := range parts {
		p = strings.Map(func(r rune) rune {
			switch r {
			case '/', '\\', ' ', filepath.ListSeparator:
				return '_'
			}
			return r
		}, strings.TrimSpace(p))
		if p != "" {
			clean = append(clean, p)
		}
	}
	return strings.Join(append(clean, "*"), "-")
}
