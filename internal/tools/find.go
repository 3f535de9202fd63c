package tools

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const (
	FindFiles     = "find_files"
	SearchContent = "search_content"
	FindFunction  = "find_function"
	FindBySize    = "find_by_size"
	FindByDate    = "find_by_date"

	defaultMaxResults = 100
	maxResultsCap     = 1000
	maxMatchText      = 200
)

// FindTool locates files by name pattern or searches file contents.
type FindTool struct{}

func (FindTool) Schema() Schema {
	return Schema{
		Name: "find",
		Description: "Find files by glob pattern (find_files), lines containing a pattern (search_content), " +
			"where a function or type is defined (find_function), or files by size (find_by_size) " +
			"or modification time (find_by_date).",
		Params: []Param{
			{Name: "operation", Type: TypeString, Required: true, Enum: []string{FindFiles, SearchContent, FindFunction, FindBySize, FindByDate}},
			{Name: "pattern", Type: TypeString, Description: "Glob for find_files (optional name filter for find_by_size/find_by_date); " +
				"text or regex for search_content; identifier for find_function."},
			{Name: "path", Type: TypeString, Description: "Root directory (default: working directory)."},
			{Name: "regex", Type: TypeBoolean, Description: "Treat pattern as a regular expression in search_content."},
			{Name: "language", Type: TypeString, Enum: definitionLanguages, Description: "Language for find_function (default auto)."},
			{Name: "min_size", Type: TypeInteger, Description: "Smallest file size in bytes (find_by_size)."},
			{Name: "max_size", Type: TypeInteger, Description: "Largest file size in bytes (find_by_size)."},
			{Name: "modified_after", Type: TypeString, Description: "RFC 3339 time or YYYY-MM-DD (find_by_date)."},
			{Name: "modified_before", Type: TypeString, Description: "RFC 3339 time or YYYY-MM-DD (find_by_date)."},
			{Name: "include_hidden", Type: TypeBoolean, Description: "Descend into dot-directories."},
			{Name: "max_results", Type: TypeInteger, Description: "Maximum matches to return."},
		},
	}
}

type findMatch struct {
	Path     string `json:"path"`
	Line     int    `json:"line,omitempty"`
	Text     string `json:"text,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Modified string `json:"modified,omitempty"`
}

type findQuery struct {
	root       string
	pattern    string
	hidden     bool
	maxResults int
	maxSize    int64
	match      func(line string) bool
	// keep filters files before they are matched.
	keep func(path string, info fs.FileInfo) bool
	// withInfo adds size and modification time to file matches.
	withInfo bool
}

func (FindTool) Execute(ctx context.Context, ec *ExecContext, params map[string]any) (Result, error) {
	root, err := ec.ResolvePath(ctx, stringParam(params, "path"))
	if err != nil {
		return Result{}, err
	}
	info, err := os.Stat(root)
	if err != nil {
		return Result{}, err
	}
	if !info.IsDir() {
		return Fail(ErrorKindParameterValidation, "path must be a directory", map[string]any{MetaPath: root}), nil
	}

	q := findQuery{
		root:       root,
		pattern:    stringParam(params, "pattern"),
		hidden:     boolParam(params, "include_hidden", false),
		maxResults: intParam(params, "max_results", defaultMaxResults),
		maxSize:    ec.Policy.Config().MaxFileSize,
	}
	if q.maxResults <= 0 || q.maxResults > maxResultsCap {
		q.maxResults = maxResultsCap
	}
	op := stringParam(params, "operation")
	switch op {
	case FindFiles, SearchContent, FindFunction:
		if q.pattern == "" {
			return Fail(ErrorKindParameterValidation, "pattern must not be empty", nil), nil
		}
	}
	if op == FindFiles || ((op == FindBySize || op == FindByDate) && q.pattern != "") {
		if _, err := filepath.Match(q.pattern, ""); err != nil {
			return Fail(ErrorKindParameterValidation, "invalid glob: "+err.Error(), nil), nil
		}
	}

	var (
		matches   []findMatch
		truncated bool
	)
	switch op {
	case FindFiles:
		matches, truncated, err = findFiles(ctx, q)
	case SearchContent:
		if boolParam(params, "regex", false) {
			re, rerr := regexp.Compile(q.pattern)
			if rerr != nil {
				return Fail(ErrorKindParameterValidation, "invalid regex: "+rerr.Error(), nil), nil
			}
			q.match = re.MatchString
		} else {
			q.match = func(line string) bool { return strings.Contains(line, q.pattern) }
		}
		matches, truncated, err = searchContent(ctx, q)
	case FindFunction:
		re, exts, derr := definitionPattern(q.pattern, stringParam(params, "language"))
		if derr != nil {
			return Fail(ErrorKindParameterValidation, derr.Error(), nil), nil
		}
		q.match = re.MatchString
		q.keep = func(path string, _ fs.FileInfo) bool {
			_, ok := exts[strings.ToLower(filepath.Ext(path))]
			return ok
		}
		matches, truncated, err = searchContent(ctx, q)
	case FindBySize:
		lo := int64(intParam(params, "min_size", 0))
		hi := int64(intParam(params, "max_size", -1))
		if lo < 0 || (hi >= 0 && hi < lo) {
			return Fail(ErrorKindParameterValidation, fmt.Sprintf("invalid size range %d-%d", lo, hi), nil), nil
		}
		q.keep = func(_ string, info fs.FileInfo) bool {
			return info.Size() >= lo && (hi < 0 || info.Size() <= hi)
		}
		q.withInfo = true
		matches, truncated, err = findFiles(ctx, q)
	case FindByDate:
		after, aerr := parseDateParam(params, "modified_after")
		before, berr := parseDateParam(params, "modified_before")
		if aerr != nil || berr != nil {
			return Fail(ErrorKindParameterValidation, errors.Join(aerr, berr).Error(), nil), nil
		}
		if after.IsZero() && before.IsZero() {
			return Fail(ErrorKindParameterValidation, "modified_after or modified_before is required", nil), nil
		}
		q.keep = func(_ string, info fs.FileInfo) bool {
			mt := info.ModTime()
			return (after.IsZero() || mt.After(after)) && (before.IsZero() || mt.Before(before))
		}
		q.withInfo = true
		matches, truncated, err = findFiles(ctx, q)
	default:
		return Fail(ErrorKindParameterValidation, "unknown operation "+op, nil), nil
	}
	if err != nil {
		return Result{}, err
	}

	// Absolute paths in metadata let callers chain follow-up reads.
	paths := make([]string, 0, len(matches))
	seen := make(map[string]struct{}, len(matches))
	for i := range matches {
		abs := matches[i].Path
		if _, ok := seen[abs]; !ok {
			seen[abs] = struct{}{}
			paths = append(paths, abs)
		}
		matches[i].Path = ec.displayPath(abs)
	}
	return OK(map[string]any{
		"operation": op,
		"pattern":   q.pattern,
		"matches":   matches,
		"count":     len(matches),
	}, map[string]any{
		MetaPath:      root,
		MetaMatches:   paths,
		MetaTruncated: truncated,
	}), nil
}

// walk visits regular files under q.root, skipping VCS and hidden
// directories. visit returns false to stop the walk.
func walk(ctx context.Context, q findQuery, visit func(path string, d fs.DirEntry) bool) error {
	stop := false
	err := filepath.WalkDir(q.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() && path != q.root {
				return fs.SkipDir
			}
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		name := d.Name()
		if d.IsDir() {
			if path == q.root {
				return nil
			}
			if name == ".git" || (!q.hidden && strings.HasPrefix(name, ".")) {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if q.keep != nil {
			info, err := d.Info()
			if err != nil || !q.keep(path, info) {
				return nil
			}
		}
		if !visit(path, d) {
			stop = true
			return fs.SkipAll
		}
		return nil
	})
	if stop {
		return nil
	}
	return err
}

func findFiles(ctx context.Context, q findQuery) ([]findMatch, bool, error) {
	var out []findMatch
	truncated := false
	byPath := strings.Contains(q.pattern, "/")
	err := walk(ctx, q, func(path string, d fs.DirEntry) bool {
		subject := d.Name()
		if byPath {
			rel, _ := filepath.Rel(q.root, path)
			subject = filepath.ToSlash(rel)
		}
		if q.pattern != "" {
			if ok, _ := filepath.Match(q.pattern, subject); !ok {
				return true
			}
		}
		if len(out) == q.maxResults {
			truncated = true
			return false
		}
		m := findMatch{Path: path}
		if q.withInfo {
			if info, err := d.Info(); err == nil {
				m.Size = info.Size()
				m.Modified = info.ModTime().UTC().Format(time.RFC3339)
			}
		}
		out = append(out, m)
		return true
	})
	return out, truncated, err
}

func searchContent(ctx context.Context, q findQuery) ([]findMatch, bool, error) {
	var out []findMatch
	truncated := false
	err := walk(ctx, q, func(path string, d fs.DirEntry) bool {
		info, err := d.Info()
		if err != nil || info.Size() > q.maxSize {
			return true
		}
		f, err := os.Open(path)
		if err != nil {
			return true
		}
		defer f.Close()

		br := bufio.NewReader(f)
		if head, _ := br.Peek(512); bytes.IndexByte(head, 0) >= 0 {
			return true
		}
		sc := bufio.NewScanner(io.LimitReader(br, q.maxSize))
		sc.Buffer(make([]byte, 64*1024), 1<<20)
		for n := 1; sc.Scan(); n++ {
			line := sc.Text()
			if !q.match(line) {
				continue
			}
			if len(out) == q.maxResults {
				truncated = true
				return false
			}
			text := strings.TrimSpace(line)
			if len(text) > maxMatchText {
				text = text[:maxMatchText]
			}
			out = append(out, findMatch{Path: path, Line: n, Text: text})
		}
		return true
	})
	return out, truncated, err
}

func parseDateParam(params map[string]any, name string) (time.Time, error) {
	v := strings.TrimSpace(stringParam(params, name))
	if v == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%s: %q is not an RFC 3339 time or YYYY-MM-DD date", name, v)
}

var definitionLanguages = []string{"auto", "go", "python", "javascript", "java", "c"}

var identifier = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// definitionRules maps a language to its source extensions and the
// patterns of a definition line; %s is the quoted name.
var definitionRules = map[string]struct {
	exts     []string
	patterns []string
}{
	"go": {
		exts: []string{".go"},
		patterns: []string{
			`^\s*func\s+(\([^)]*\)\s*)?%s\s*[\[(]`,
			`^\s*type\s+%s\b`,
		},
	},
	"python": {
		exts: []string{".py"},
		patterns: []string{
			`^\s*(async\s+)?def\s+%s\s*\(`,
			`^\s*class\s+%s\s*[(:]`,
		},
	},
	"javascript": {
		exts: []string{".js", ".jsx", ".mjs", ".ts", ".tsx"},
		patterns: []string{
			`function\s*\*?\s+%s\s*\(`,
			`(const|let|var)\s+%s\s*=`,
			`\b%s\s*:\s*function\b`,
			`^\s*class\s+%s\b`,
		},
	},
	"java": {
		exts: []string{".java"},
		patterns: []string{
			`^\s*((public|private|protected|static|final|abstract|synchronized)\s+)*[\w<>\[\],.?]+\s+%s\s*\(`,
			`^\s*((public|private|protected|static|final|abstract)\s+)*(class|interface|enum|record)\s+%s\b`,
		},
	},
	"c": {
		exts: []string{".c", ".h", ".cc", ".cpp", ".hpp"},
		patterns: []string{
			`^\s*[A-Za-z_][\w\s\*:<>,]*[\s\*]%s\s*\(`,
			`^\s*(struct|class|union|enum)\s+%s\b`,
		},
	},
}

// definitionPattern compiles the definition patterns for name in language
// ("" or "auto" for all) and returns the extensions worth scanning.
func definitionPattern(name, language string) (*regexp.Regexp, map[string]struct{}, error) {
	if !identifier.MatchString(name) {
		return nil, nil, fmt.Errorf("%q is not an identifier", name)
	}
	langs := []string{language}
	if language == "" || language == "auto" {
		langs = definitionLanguages[1:]
	}
	quoted := regexp.QuoteMeta(name)
	exts := make(map[string]struct{})
	var alts []string
	for _, lang := range langs {
		rule, ok := definitionRules[lang]
		if !ok {
			return nil, nil, fmt.Errorf("unknown language %q", lang)
		}
		for _, e := range rule.exts {
			exts[e] = struct{}{}
		}
		for _, p := range rule.patterns {
			alts = append(alts, "(?:"+fmt.Sprintf(p, quoted)+")")
		}
	}
	re, err := regexp.Compile(strings.Join(alts, "|"))
	if err != nil {
		return nil, nil, err
	}
	return re, exts, nil
}
