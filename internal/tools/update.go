package tools

import (
	"context"
	"fmt"
	"io/fs"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

const (
	UpdateLines  = "update_lines"
	InsertAtLine = "insert_at_line"
	DeleteLines  = "delete_lines"
	ApplyPatch   = "apply_patch"
)

// UpdateFileTool edits an existing file by 1-based line numbers or by
// applying a unified diff.
type UpdateFileTool struct{}

func (UpdateFileTool) Schema() Schema {
	return Schema{
		Name: "update_file",
		Description: "Edit an existing file by line number (update_lines, insert_at_line, delete_lines) " +
			"or apply a unified diff (apply_patch). Lines are 1-based and ranges inclusive.",
		Params: []Param{
			{Name: "path", Type: TypeString, Required: true, Description: "File path."},
			{Name: "operation", Type: TypeString, Required: true, Enum: []string{UpdateLines, InsertAtLine, DeleteLines, ApplyPatch}},
			{Name: "start_line", Type: TypeInteger, Description: "First line of the range (update_lines, delete_lines)."},
			{Name: "end_line", Type: TypeInteger, Description: "Last line of the range (update_lines, delete_lines)."},
			{Name: "line_number", Type: TypeInteger, Description: "Insert before this line; one past the last line appends (insert_at_line)."},
			{Name: "content", Type: TypeString, Description: "Replacement or inserted text."},
			{Name: "patch", Type: TypeString, Description: "Unified diff for one file (apply_patch)."},
		},
	}
}

// lineFile is a file body split into lines without their terminators.
type lineFile struct {
	lines    []string
	trailing bool
}

func splitLines(s string) lineFile {
	if s == "" {
		return lineFile{}
	}
	f := lineFile{trailing: strings.HasSuffix(s, "\n")}
	f.lines = strings.Split(strings.TrimSuffix(s, "\n"), "\n")
	return f
}

func (f lineFile) String() string {
	if len(f.lines) == 0 {
		return ""
	}
	s := strings.Join(f.lines, "\n")
	if f.trailing {
		s += "\n"
	}
	return s
}

// contentLines splits inserted text; one trailing newline is not a line.
func contentLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

func (UpdateFileTool) Execute(ctx context.Context, ec *ExecContext, params map[string]any) (Result, error) {
	path, err := ec.ResolvePath(ctx, stringParam(params, "path"))
	if err != nil {
		return Result{}, err
	}
	meta := map[string]any{MetaPath: path}

	body, existed, err := readExisting(ctx, ec, path)
	if err != nil {
		return Result{}, err
	}
	if !existed {
		return Result{}, &fs.PathError{Op: "update", Path: path, Err: fs.ErrNotExist}
	}

	f := splitLines(body)
	op := stringParam(params, "operation")
	var (
		updated lineFile
		msg     string
	)
	switch op {
	case UpdateLines, DeleteLines:
		start := intParam(params, "start_line", 0)
		end := intParam(params, "end_line", start)
		if start < 1 || end < start || end > len(f.lines) {
			return Fail(ErrorKindParameterValidation,
				fmt.Sprintf("invalid line range %d-%d for a file of %d lines", start, end, len(f.lines)), meta), nil
		}
		var repl []string
		if op == UpdateLines {
			repl = contentLines(stringParam(params, "content"))
		}
		updated = splice(f, start-1, end-start+1, repl)
		msg = fmt.Sprintf("replaced lines %d-%d with %d lines", start, end, len(repl))
		if op == DeleteLines {
			msg = fmt.Sprintf("deleted lines %d-%d", start, end)
		}
	case InsertAtLine:
		at := intParam(params, "line_number", 0)
		if at < 1 || at > len(f.lines)+1 {
			return Fail(ErrorKindParameterValidation,
				fmt.Sprintf("line_number %d out of range 1-%d", at, len(f.lines)+1), meta), nil
		}
		ins := contentLines(stringParam(params, "content"))
		if len(ins) == 0 {
			return Fail(ErrorKindParameterValidation, "content must not be empty", meta), nil
		}
		updated = splice(f, at-1, 0, ins)
		msg = fmt.Sprintf("inserted %d lines at line %d", len(ins), at)
	case ApplyPatch:
		hunks, perr := parsePatch(stringParam(params, "patch"))
		if perr != nil {
			return Fail(ErrorKindParameterValidation, "invalid patch: "+perr.Error(), meta), nil
		}
		updated, perr = applyHunks(f, hunks)
		if perr != nil {
			return Fail(ErrorKindParameterValidation, perr.Error(), meta), nil
		}
		msg = fmt.Sprintf("applied %d hunks", len(hunks))
	default:
		return Fail(ErrorKindParameterValidation, "unknown operation "+op, meta), nil
	}

	out := updated.String()
	if err := ec.Policy.CheckFileSize(ctx, path, int64(len(out))); err != nil {
		return Result{}, err
	}
	if out != body {
		if err := writeAtomic(path, []byte(out)); err != nil {
			return Result{}, err
		}
	}

	d := diffContent(body, out)
	meta[MetaDiff] = d.Patch
	meta["lines_added"] = d.Added
	meta["lines_deleted"] = d.Deleted
	return OK(map[string]any{
		"path":      ec.displayPath(path),
		"operation": op,
		"message":   msg,
		"lines":     len(updated.lines),
	}, meta), nil
}

// splice replaces n lines at index i with repl.
func splice(f lineFile, i, n int, repl []string) lineFile {
	lines := make([]string, 0, len(f.lines)-n+len(repl))
	lines = append(lines, f.lines[:i]...)
	lines = append(lines, repl...)
	lines = append(lines, f.lines[i+n:]...)
	trailing := f.trailing
	if len(f.lines) == 0 {
		trailing = true
	}
	return lineFile{lines: lines, trailing: trailing}
}

// parsePatch accepts bare hunks or a single-file unified diff with headers.
func parsePatch(patch string) ([]*diff.Hunk, error) {
	if strings.TrimSpace(patch) == "" {
		return nil, fmt.Errorf("patch is empty")
	}
	if !strings.HasSuffix(patch, "\n") {
		patch += "\n"
	}
	if strings.HasPrefix(patch, "@@") {
		hunks, err := diff.ParseHunks([]byte(patch))
		if err != nil {
			return nil, err
		}
		if len(hunks) == 0 {
			return nil, fmt.Errorf("no hunks")
		}
		return hunks, nil
	}
	files, err := diff.NewMultiFileDiffReader(strings.NewReader(patch)).ReadAllFiles()
	if err != nil {
		return nil, err
	}
	if len(files) != 1 {
		return nil, fmt.Errorf("patch touches %d files, want 1", len(files))
	}
	if len(files[0].Hunks) == 0 {
		return nil, fmt.Errorf("no hunks")
	}
	return files[0].Hunks, nil
}

// applyHunks applies hunks in order. Context and removed lines must match
// the file exactly; line numbers shift by the edits of earlier hunks.
func applyHunks(f lineFile, hunks []*diff.Hunk) (lineFile, error) {
	out := lineFile{lines: append([]string(nil), f.lines...), trailing: f.trailing}
	offset := 0
	for n, h := range hunks {
		var oldLines, newLines []string
		body := strings.TrimSuffix(string(h.Body), "\n")
		if body != "" {
			for _, line := range strings.Split(body, "\n") {
				if line == "" {
					oldLines = append(oldLines, "")
					newLines = append(newLines, "")
					continue
				}
				switch line[0] {
				case ' ':
					oldLines = append(oldLines, line[1:])
					newLines = append(newLines, line[1:])
				case '-':
					oldLines = append(oldLines, line[1:])
				case '+':
					newLines = append(newLines, line[1:])
				default:
					return lineFile{}, fmt.Errorf("hunk %d: unexpected line %q", n+1, line)
				}
			}
		}

		pos := int(h.OrigStartLine) - 1
		if h.OrigLines == 0 {
			// A pure insertion is anchored after its start line.
			pos = int(h.OrigStartLine)
		}
		pos += offset
		if pos < 0 || pos+len(oldLines) > len(out.lines) {
			return lineFile{}, fmt.Errorf("hunk %d: lines %d-%d are outside the file (%d lines)",
				n+1, pos+1, pos+len(oldLines), len(out.lines))
		}
		for i, want := range oldLines {
			if got := out.lines[pos+i]; got != want {
				return lineFile{}, fmt.Errorf("hunk %d does not apply at line %d: have %q, want %q", n+1, pos+i+1, got, want)
			}
		}

		atEnd := pos+len(oldLines) == len(out.lines)
		out = splice(out, pos, len(oldLines), newLines)
		if atEnd && len(newLines) > 0 {
			out.trailing = strings.HasSuffix(string(h.Body), "\n")
		}
		offset += len(newLines) - len(oldLines)
	}
	return out, nil
}
