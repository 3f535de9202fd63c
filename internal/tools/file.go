package tools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	defaultListLimit = 500
	maxListLimit     = 5000
)

// displayPath renders p relative to the working directory when it is inside it.
func (ec *ExecContext) displayPath(p string) string {
	rel, err := filepath.Rel(ec.WorkingDirectory, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return p
	}
	return filepath.ToSlash(rel)
}

// ReadFileTool returns the contents of a text file inside the sandbox.
type ReadFileTool struct{}

func (ReadFileTool) Schema() Schema {
	return Schema{
		Name:        "read_file",
		Description: "Read a file. Optionally restrict output to a 1-based inclusive line range.",
		Params: []Param{
			{Name: "path", Type: TypeString, Required: true, Description: "File path, relative to the working directory or absolute."},
			{Name: "start_line", Type: TypeInteger, Description: "First line to return."},
			{Name: "end_line", Type: TypeInteger, Description: "Last line to return."},
		},
	}
}

func (ReadFileTool) Execute(ctx context.Context, ec *ExecContext, params map[string]any) (Result, error) {
	path, err := ec.ResolvePath(ctx, stringParam(params, "path"))
	if err != nil {
		return Result{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return Result{}, err
	}
	if info.IsDir() {
		return Fail(ErrorKindIO, "path is a directory; use list_directory", map[string]any{MetaPath: path}), nil
	}
	if err := ec.Policy.CheckFileSize(ctx, path, info.Size()); err != nil {
		return Result{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, err
	}

	content := string(data)
	total := countLines(content)
	start := intParam(params, "start_line", 0)
	end := intParam(params, "end_line", 0)
	if start > 0 || end > 0 {
		content = lineRange(content, start, end)
	}
	return OK(map[string]any{
		"path":    ec.displayPath(path),
		"content": content,
		"size":    info.Size(),
		"lines":   total,
	}, map[string]any{MetaPath: path}), nil
}

func lineRange(content string, start, end int) string {
	lines := strings.SplitAfter(content, "\n")
	if start < 1 {
		start = 1
	}
	if end < 1 || end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return ""
	}
	return strings.Join(lines[start-1:end], "")
}

// WriteFileTool creates or replaces a file atomically and reports a diff.
type WriteFileTool struct{}

func (WriteFileTool) Schema() Schema {
	return Schema{
		Name:        "write_file",
		Description: "Create or overwrite a file with the given content.",
		Params: []Param{
			{Name: "path", Type: TypeString, Required: true, Description: "File path."},
			{Name: "content", Type: TypeString, Required: true, Description: "Full file content."},
			{Name: "create_dirs", Type: TypeBoolean, Description: "Create missing parent directories (default true)."},
		},
	}
}

func (WriteFileTool) Execute(ctx context.Context, ec *ExecContext, params map[string]any) (Result, error) {
	path, err := ec.ResolvePath(ctx, stringParam(params, "path"))
	if err != nil {
		return Result{}, err
	}
	content := stringParam(params, "content")
	if err := ec.Policy.CheckFileSize(ctx, path, int64(len(content))); err != nil {
		return Result{}, err
	}

	old, existed, err := readExisting(ctx, ec, path)
	if err != nil {
		return Result{}, err
	}
	if boolParam(params, "create_dirs", true) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return Result{}, fmt.Errorf("mkdir: %w", err)
		}
	}
	if err := writeAtomic(path, []byte(content)); err != nil {
		return Result{}, err
	}

	d := diffContent(old, content)
	return OK(map[string]any{
		"path":          ec.displayPath(path),
		"bytes_written": len(content),
		"created":       !existed,
	}, map[string]any{
		MetaPath:        path,
		MetaDiff:        d.Patch,
		"lines_added":   d.Added,
		"lines_deleted": d.Deleted,
	}), nil
}

// readExisting returns the current file body, or "" when the file is absent.
func readExisting(ctx context.Context, ec *ExecContext, path string) (string, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	if info.IsDir() {
		return "", true, &fs.PathError{Op: "write", Path: path, Err: fmt.Errorf("is a directory")}
	}
	if err := ec.Policy.CheckFileSize(ctx, path, info.Size()); err != nil {
		return "", true, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", true, err
	}
	return string(data), true, nil
}

// writeAtomic writes data to a temp file in the target directory, then
// renames it over path. The previous file mode is preserved.
func writeAtomic(path string, data []byte) error {
	mode := fs.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".warden-*.tmp")
	if err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// EditFileTool replaces an exact text fragment inside an existing file.
type EditFileTool struct{}

func (EditFileTool) Schema() Schema {
	return Schema{
		Name:        "edit_file",
		Description: "Replace old_text with new_text in a file. old_text must match exactly once unless replace_all is set.",
		Params: []Param{
			{Name: "path", Type: TypeString, Required: true, Description: "File path."},
			{Name: "old_text", Type: TypeString, Required: true, Description: "Exact text to replace."},
			{Name: "new_text", Type: TypeString, Required: true, Description: "Replacement text."},
			{Name: "replace_all", Type: TypeBoolean, Description: "Replace every occurrence."},
		},
	}
}

func (EditFileTool) Execute(ctx context.Context, ec *ExecContext, params map[string]any) (Result, error) {
	path, err := ec.ResolvePath(ctx, stringParam(params, "path"))
	if err != nil {
		return Result{}, err
	}
	oldText := stringParam(params, "old_text")
	newText := stringParam(params, "new_text")
	meta := map[string]any{MetaPath: path}
	if oldText == "" {
		return Fail(ErrorKindParameterValidation, "old_text must not be empty", meta), nil
	}

	body, existed, err := readExisting(ctx, ec, path)
	if err != nil {
		return Result{}, err
	}
	if !existed {
		return Result{}, &fs.PathError{Op: "edit", Path: path, Err: fs.ErrNotExist}
	}

	n := strings.Count(body, oldText)
	replaceAll := boolParam(params, "replace_all", false)
	switch {
	case n == 0:
		return Fail(ErrorKindNotFound, "old_text not found in file", meta), nil
	case n > 1 && !replaceAll:
		return Fail(ErrorKindParameterValidation,
			fmt.Sprintf("old_text matches %d times; add surrounding context or set replace_all", n), meta), nil
	}

	updated := strings.Replace(body, oldText, newText, -1)
	if !replaceAll {
		updated = strings.Replace(body, oldText, newText, 1)
	}
	if err := ec.Policy.CheckFileSize(ctx, path, int64(len(updated))); err != nil {
		return Result{}, err
	}
	if err := writeAtomic(path, []byte(updated)); err != nil {
		return Result{}, err
	}

	d := diffContent(body, updated)
	meta[MetaDiff] = d.Patch
	meta["lines_added"] = d.Added
	meta["lines_deleted"] = d.Deleted
	return OK(map[string]any{
		"path":         ec.displayPath(path),
		"replacements": n,
	}, meta), nil
}

// ListDirectoryTool lists the entries of one directory.
type ListDirectoryTool struct{}

func (ListDirectoryTool) Schema() Schema {
	return Schema{
		Name:        "list_directory",
		Description: "List directory entries sorted by name.",
		Params: []Param{
			{Name: "path", Type: TypeString, Description: "Directory path (default: working directory)."},
			{Name: "include_hidden", Type: TypeBoolean, Description: "Include dot-files."},
			{Name: "max_entries", Type: TypeInteger, Description: "Maximum entries to return."},
		},
	}
}

type dirEntry struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

func (ListDirectoryTool) Execute(ctx context.Context, ec *ExecContext, params map[string]any) (Result, error) {
	path, err := ec.ResolvePath(ctx, stringParam(params, "path"))
	if err != nil {
		return Result{}, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return Result{}, err
	}
	limit := intParam(params, "max_entries", defaultListLimit)
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	hidden := boolParam(params, "include_hidden", false)

	out := make([]dirEntry, 0, len(entries))
	truncated := false
	for _, e := range entries {
		if !hidden && strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if len(out) == limit {
			truncated = true
			break
		}
		de := dirEntry{Name: e.Name(), Type: "file"}
		switch {
		case e.Type()&fs.ModeSymlink != 0:
			de.Type = "symlink"
		case e.IsDir():
			de.Type = "dir"
		}
		if info, err := e.Info(); err == nil && de.Type == "file" {
			de.Size = info.Size()
		}
		out = append(out, de)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return OK(map[string]any{
		"path":    ec.displayPath(path),
		"entries": out,
		"count":   len(out),
	}, map[string]any{MetaPath: path, MetaTruncated: truncated}), nil
}
