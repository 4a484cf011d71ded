// Package diffview renders change request diffs. The diff algorithm
// itself comes from diffmatchpatch; this package only extracts notebook
// text and shapes the output for the three API views.
package diffview

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

type Segment struct {
	Op   string `json:"op"` // equal, insert, delete
	Text string `json:"text"`
}

type CompareRow struct {
	Left    string `json:"left"`
	Right   string `json:"right"`
	Changed bool   `json:"changed"`
}

// NotebookText flattens a notebook document into comparable text: one
// block per cell, cells separated by a marker line. Source arrays are
// joined as the ipynb format specifies.
func NotebookText(raw []byte) (string, error) {
	var doc struct {
		Cells []struct {
			CellType string          `json:"cell_type"`
			Source   json.RawMessage `json:"source"`
		} `json:"cells"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("parse notebook: %w", err)
	}

	var b strings.Builder
	for i, cell := range doc.Cells {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "# --- cell %d (%s) ---\n", i+1, cell.CellType)
		b.WriteString(sourceText(cell.Source))
		if !strings.HasSuffix(b.String(), "\n") {
			b.WriteString("\n")
		}
	}
	return b.String(), nil
}

// sourceText accepts both ipynb source encodings: a string or a list of
// line strings.
func sourceText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single
	}
	var lines []string
	if err := json.Unmarshal(raw, &lines); err == nil {
		return strings.Join(lines, "")
	}
	return ""
}

// Diff returns character-level segments with semantic cleanup, the
// payload behind the default diff view.
func Diff(before, after string) []Segment {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	segments := make([]Segment, 0, len(diffs))
	for _, d := range diffs {
		segments = append(segments, Segment{Op: opName(d.Type), Text: d.Text})
	}
	return segments
}

// Inline returns the diff rendered as HTML with ins/del spans.
func Inline(before, after string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, false)
	diffs = dmp.DiffCleanupSemantic(diffs)
	return dmp.DiffPrettyHtml(diffs)
}

// SideBySide returns paired lines for the compare view. Lines are
// diffed line-wise; an insert pairs with an empty left cell and a
// delete with an empty right cell.
func SideBySide(before, after string) []CompareRow {
	dmp := diffmatchpatch.New()
	beforeRunes, afterRunes, lines := dmp.DiffLinesToRunes(before, after)
	diffs := dmp.DiffMainRunes(beforeRunes, afterRunes, false)
	diffs = dmp.DiffCharsToLines(diffs, lines)

	rows := make([]CompareRow, 0)
	var pendingDeletes []string
	flush := func() {
		for _, line := range pendingDeletes {
			rows = append(rows, CompareRow{Left: line, Changed: true})
		}
		pendingDeletes = nil
	}

	for _, d := range diffs {
		for _, line := range splitLines(d.Text) {
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				flush()
				rows = append(rows, CompareRow{Left: line, Right: line})
			case diffmatchpatch.DiffDelete:
				pendingDeletes = append(pendingDeletes, line)
			case diffmatchpatch.DiffInsert:
				if len(pendingDeletes) > 0 {
					rows = append(rows, CompareRow{Left: pendingDeletes[0], Right: line, Changed: true})
					pendingDeletes = pendingDeletes[1:]
				} else {
					rows = append(rows, CompareRow{Right: line, Changed: true})
				}
			}
		}
	}
	flush()
	return rows
}

func splitLines(text string) []string {
	trimmed := strings.TrimSuffix(text, "\n")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "\n")
}

func opName(t diffmatchpatch.Operation) string {
	switch t {
	case diffmatchpatch.DiffInsert:
		return "insert"
	case diffmatchpatch.DiffDelete:
		return "delete"
	default:
		return "equal"
	}
}
