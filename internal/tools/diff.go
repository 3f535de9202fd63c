package tools

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// maxDiffInput bounds the content size a patch is computed for.
const maxDiffInput = 1 << 20

type fileDiff struct {
	Patch   string
	Added   int
	Deleted int
}

// diffContent computes a line-level patch between two file bodies.
func diffContent(oldContent, newContent string) fileDiff {
	if oldContent == newContent {
		return fileDiff{}
	}
	if len(oldContent) > maxDiffInput || len(newContent) > maxDiffInput {
		return fileDiff{Patch: "@@ content too large, diff skipped @@"}
	}
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(oldContent, newContent)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var out fileDiff
	for _, d := range diffs {
		n := countLines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			out.Added += n
		case diffmatchpatch.DiffDelete:
			out.Deleted += n
		}
	}
	out.Patch = dmp.PatchToText(dmp.PatchMake(oldContent, diffs))
	return out
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}
