package capability

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/haasonsaas/nexus-node/internal/policy"
)

// maxListEntries caps a single file.list response.
const maxListEntries = 1000

// resolve runs the path policy for op and records the decision.
func resolve(ctx context.Context, p *policy.Policy, ec *ExecContext, capability string, params Params, op policy.FileOp) (string, Result, bool) {
	raw, _ := params.String("path")
	resolved, v := p.ResolveFilePath(raw, op)
	if v = ec.check(ctx, capability, "file_path", v); v.Denied() {
		return "", deny(v), false
	}
	return resolved, Result{}, true
}

type fileList struct {
	base
	policy *policy.Policy
}

func newFileList(p *policy.Policy) *fileList {
	return &fileList{
		base: base{
			name:        FileList,
			description: "List a directory inside an allowed root.",
			risk:        policy.RiskLow,
			schema: `{
				"type": "object",
				"required": ["path"],
				"properties": {"path": {"type": "string"}}
			}`,
		},
		policy: p,
	}
}

// FileEntry is one file.list row.
type FileEntry struct {
	Name    string    `json:"name"`
	IsDir   bool      `json:"is_dir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

func (h *fileList) Execute(ctx context.Context, params Params, ec *ExecContext) Result {
	if r, ok := checkParams(h, params, "path"); !ok {
		return r
	}
	dir, r, ok := resolve(ctx, h.policy, ec, h.name, params, policy.FileList)
	if !ok {
		return r
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fileError("list", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	truncated := len(entries) > maxListEntries
	if truncated {
		entries = entries[:maxListEntries]
	}
	out := make([]FileEntry, 0, len(entries))
	for _, e := range entries {
		if r, done := cancelled(ctx); done {
			return r
		}
		entry := FileEntry{Name: e.Name(), IsDir: e.IsDir()}
		if info, err := e.Info(); err == nil {
			entry.Size = info.Size()
			entry.ModTime = info.ModTime().UTC()
		}
		out = append(out, entry)
	}
	return Succeed(map[string]any{"path": dir, "entries": out, "truncated": truncated})
}

type fileRead struct {
	base
	policy  *policy.Policy
	maxSize int64
}

func newFileRead(p *policy.Policy, cfg policy.Config) *fileRead {
	return &fileRead{
		base: base{
			name:        FileRead,
			description: "Read a file inside an allowed root.",
			risk:        policy.RiskMedium,
			schema: `{
				"type": "object",
				"required": ["path"],
				"properties": {"path": {"type": "string"}}
			}`,
		},
		policy:  p,
		maxSize: cfg.MaxFileSizeBytes,
	}
}

func (h *fileRead) Execute(ctx context.Context, params Params, ec *ExecContext) Result {
	if r, ok := checkParams(h, params, "path"); !ok {
		return r
	}
	path, r, ok := resolve(ctx, h.policy, ec, h.name, params, policy.FileRead)
	if !ok {
		return r
	}

	f, err := os.Open(path)
	if err != nil {
		return fileError("read", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fileError("read", err)
	}
	if info.IsDir() {
		return Fail("path is a directory")
	}
	if h.maxSize > 0 && info.Size() > h.maxSize {
		return Fail(fmt.Sprintf("file exceeds maximum size of %d bytes", h.maxSize))
	}

	limit := info.Size() + 1
	if h.maxSize > 0 {
		limit = h.maxSize + 1
	}
	data, err := io.ReadAll(io.LimitReader(f, limit))
	if err != nil {
		return fileError("read", err)
	}
	if h.maxSize > 0 && int64(len(data)) > h.maxSize {
		return Fail(fmt.Sprintf("file exceeds maximum size of %d bytes", h.maxSize))
	}
	if r, done := cancelled(ctx); done {
		return r
	}

	meta := map[string]any{"path": path, "size": len(data)}
	if utf8.Valid(data) {
		meta["encoding"] = "utf8"
		meta["content"] = string(data)
		return Succeed(meta)
	}
	meta["encoding"] = "base64"
	return SucceedBinary(data, meta)
}

type fileWrite struct {
	base
	policy  *policy.Policy
	maxSize int64
}

func newFileWrite(p *policy.Policy, cfg policy.Config) *fileWrite {
	return &fileWrite{
		base: base{
			name:        FileWrite,
			description: "Write a file inside an allowed root. Executable extensions are refused.",
			risk:        policy.RiskHigh,
			schema: `{
				"type": "object",
				"required": ["path"],
				"properties": {
					"path": {"type": "string"},
					"content": {"type": "string"},
					"encoding": {"type": "string", "enum": ["utf8", "base64"]},
					"create_dirs": {"type": "boolean"}
				}
			}`,
		},
		policy:  p,
		maxSize: cfg.MaxFileSizeBytes,
	}
}

func (h *fileWrite) Execute(ctx context.Context, params Params, ec *ExecContext) Result {
	if r, ok := checkParams(h, params, "path"); !ok {
		return r
	}
	path, r, ok := resolve(ctx, h.policy, ec, h.name, params, policy.FileWrite)
	if !ok {
		return r
	}

	content, _ := params.String("content")
	data := []byte(content)
	if enc, _ := params.String("encoding"); enc == "base64" {
		decoded, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return Fail("content is not valid base64")
		}
		data = decoded
	}
	if h.maxSize > 0 && int64(len(data)) > h.maxSize {
		return Fail(fmt.Sprintf("content exceeds maximum size of %d bytes", h.maxSize))
	}

	dir := filepath.Dir(path)
	if createDirs, _ := params.Bool("create_dirs"); createDirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fileError("write", err)
		}
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return Fail("path is a directory")
	}

	if err := writeAtomic(ctx, path, data); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Fail("cancelled: " + err.Error())
		}
		return fileError("write", err)
	}
	return Succeed(map[string]any{"path": path, "bytes_written": len(data)})
}

// writeAtomic writes data to a temp file next to path and renames it into
// place. Cancellation before the rename leaves the original untouched.
func writeAtomic(ctx context.Context, path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".nexus-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(name)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := ctx.Err(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}

type fileDelete struct {
	base
	policy *policy.Policy
}

func newFileDelete(p *policy.Policy) *fileDelete {
	return &fileDelete{
		base: base{
			name:        FileDelete,
			description: "Delete a file inside an allowed root.",
			risk:        policy.RiskHigh,
			approval:    true,
			schema: `{
				"type": "object",
				"required": ["path"],
				"properties": {"path": {"type": "string"}}
			}`,
		},
		policy: p,
	}
}

func (h *fileDelete) Execute(ctx context.Context, params Params, ec *ExecContext) Result {
	if r, ok := checkParams(h, params, "path"); !ok {
		return r
	}
	path, r, ok := resolve(ctx, h.policy, ec, h.name, params, policy.FileDelete)
	if !ok {
		return r
	}
	info, err := os.Lstat(path)
	if err != nil {
		return fileError("delete", err)
	}
	if info.IsDir() {
		return Fail("path is a directory")
	}
	if r, done := cancelled(ctx); done {
		return r
	}
	if err := os.Remove(path); err != nil {
		return fileError("delete", err)
	}
	return Succeed(map[string]any{"path": path, "deleted": true})
}

// fileError maps filesystem errors to stable reasons.
func fileError(op string, err error) Result {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return Fail("file not found")
	case errors.Is(err, fs.ErrPermission):
		return Fail("permission denied")
	default:
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			err = pathErr.Err
		}
		return Fail(fmt.Sprintf("%s failed: %v", op, err))
	}
}
