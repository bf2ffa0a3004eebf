package imports

import (
	"os"
	"path/filepath"
	"strings"
)

// SearchPath is the private library search order: extension and
// configured dirs, then system32, then the Windows directory. There is
// no PATH search.
type SearchPath struct {
	Dirs    []string
	System  string
	Windows string
	// Exists reports whether a file is present; nil means os.Stat.
	Exists func(path string) bool
}

func (p *SearchPath) exists(path string) bool {
	if p.Exists != nil {
		return p.Exists(path)
	}
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}

// Locate finds the file for name. system reports that it was found in
// system32 or the Windows directory.
func (p *SearchPath) Locate(name string) (path string, system bool, ok bool) {
	if filepath.IsAbs(name) || isWindowsAbs(name) {
		if p.exists(name) {
			return name, false, true
		}
		return "", false, false
	}

	try := func(dir string) (string, bool) {
		if dir == "" {
			return "", false
		}
		for _, n := range candidates(name) {
			if full := filepath.Join(dir, n); p.exists(full) {
				return full, true
			}
		}
		return "", false
	}
	for _, dir := range p.Dirs {
		if full, ok := try(dir); ok {
			return full, false, true
		}
	}
	for _, dir := range []string{p.System, p.Windows} {
		if full, ok := try(dir); ok {
			return full, true, true
		}
	}
	return "", false, false
}

// candidates returns name and, on case-sensitive file systems, its
// lower-case spelling.
func candidates(name string) []string {
	if lower := strings.ToLower(name); lower != name {
		return []string{name, lower}
	}
	return []string{name}
}

// isWindowsAbs matches drive-letter paths such as C:\x on any host OS.
func isWindowsAbs(p string) bool {
	return len(p) >= 3 && p[1] == ':' && (p[2] == '\\' || p[2] == '/') &&
		(p[0]|0x20 >= 'a' && p[0]|0x20 <= 'z')
}
