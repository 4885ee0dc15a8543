package feedback

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// ChangeType classifies one diff line.
type ChangeType string

// Change types.
const (
	ChangeAdded   ChangeType = "added"
	ChangeRemoved ChangeType = "removed"
)

// LineChange is one added or removed line. Line is the 1-based line
// number in the corrected content for additions and in the original
// content for removals.
type LineChange struct {
	Type ChangeType `json:"type"`
	Line int        `json:"line"`
	Text string     `json:"text"`
}

// DiffSummary is the structured per-line diff of a correction.
type DiffSummary struct {
	Added   int          `json:"added"`
	Removed int          `json:"removed"`
	Changes []LineChange `json:"changes"`
}

// Empty reports whether the diff contains no changes.
func (d *DiffSummary) Empty() bool {
	return d == nil || len(d.Changes) == 0
}

// Diff computes a line-level diff between original and corrected
// contents. The line-level reduction keeps changes aligned to line
// boundaries instead of character runs.
func Diff(original, corrected string) *DiffSummary {
	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(original, corrected)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	summary := &DiffSummary{}
	origLine, corrLine := 1, 1

	for _, d := range diffs {
		lines := splitLines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			origLine += len(lines)
			corrLine += len(lines)
		case diffmatchpatch.DiffDelete:
			for _, line := range lines {
				summary.Changes = append(summary.Changes, LineChange{
					Type: ChangeRemoved,
					Line: origLine,
					Text: line,
				})
				summary.Removed++
				origLine++
			}
		case diffmatchpatch.DiffInsert:
			for _, line := range lines {
				summary.Changes = append(summary.Changes, LineChange{
					Type: ChangeAdded,
					Line: corrLine,
					Text: line,
				})
				summary.Added++
				corrLine++
			}
		}
	}

	return summary
}

// splitLines splits diff text into lines, dropping the empty trailing
// element a final newline produces.
func splitLines(text string) []string {
	lines := strings.Split(text, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
