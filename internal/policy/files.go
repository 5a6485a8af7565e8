package policy

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
)

// FileOp identifies the kind of file access being validated.
type FileOp string

const (
	FileRead   FileOp = "read"
	FileList   FileOp = "list"
	FileWrite  FileOp = "write"
	FileDelete FileOp = "delete"
)

// mutates reports whether the operation is subject to extension blocking.
func (op FileOp) mutates() bool {
	return op == FileWrite || op == FileDelete
}

// ValidateFilePath checks that path resolves inside an allowed root and, for
// write and delete, that its extension is not blocked.
func (p *Policy) ValidateFilePath(path string, op FileOp) Verdict {
	_, v := p.ResolveFilePath(path, op)
	return v
}

// ResolveFilePath validates path like ValidateFilePath and also returns the
// resolved absolute path handlers should operate on.
func (p *Policy) ResolveFilePath(path string, op FileOp) (string, Verdict) {
	s := p.current.Load()

	if strings.TrimSpace(path) == "" {
		return "", Deny("path is required")
	}
	if strings.ContainsRune(path, 0) {
		return "", Deny("path contains a NUL byte")
	}
	if len(s.roots) == 0 {
		return "", Deny("no file roots are allowed")
	}

	resolved, err := resolvePath(path)
	if err != nil {
		return "", Deny("path cannot be resolved")
	}

	inside := false
	for _, root := range s.roots {
		if withinRoot(resolved, root) {
			inside = true
			break
		}
	}
	if !inside {
		return "", Deny("path is outside allowed roots")
	}

	if op.mutates() {
		if ext := normalizeExt(filepath.Ext(resolved)); ext != "" {
			if _, blocked := s.blockedExts[ext]; blocked {
				return "", Deny("file extension is blocked: " + ext)
			}
		}
	}
	return resolved, Allow()
}

// resolvePath returns the absolute, cleaned form of path with symlinks in
// its deepest existing ancestor resolved. Components that do not exist yet
// are appended unchanged, so a file about to be created still resolves
// against the real location of its parent.
func resolvePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	existing := filepath.Clean(abs)
	var rest []string
	for {
		real, err := filepath.EvalSymlinks(existing)
		if err == nil {
			return filepath.Join(append([]string{real}, rest...)...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return filepath.Clean(abs), nil
		}
		rest = append([]string{filepath.Base(existing)}, rest...)
		existing = parent
	}
}

// withinRoot reports whether path equals root or sits below it on a
// separator boundary ("/allowed-evil" is not inside "/allowed").
func withinRoot(path, root string) bool {
	if path == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(path, prefix)
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" || ext == "." {
		return ""
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
