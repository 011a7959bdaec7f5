package cli

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Table prints column-aligned rows. Widths ignore ANSI colour codes, so
// coloured cells line up. Nothing is printed for a table without rows.
type Table struct {
	out     io.Writer
	headers []string
	rows    [][]string
	prefix  string
}

// NewTable creates a table on stdout with the given column headers.
func NewTable(headers ...string) *Table {
	return NewTableTo(os.Stdout, headers...)
}

// NewTableTo creates a table writing to out.
func NewTableTo(out io.Writer, headers ...string) *Table {
	return &Table{out: out, headers: headers}
}

// WithPrefix sets a string prepended to each line.
func (t *Table) WithPrefix(prefix string) *Table {
	t.prefix = prefix
	return t
}

// Row buffers one row. Missing cells print empty; extra cells are kept.
func (t *Table) Row(values ...string) {
	t.rows = append(t.rows, values)
}

// Flush writes the header, a dash divider and the buffered rows.
func (t *Table) Flush() {
	if len(t.rows) == 0 {
		return
	}
	dividers := make([]string, len(t.headers))
	for i, h := range t.headers {
		dividers[i] = strings.Repeat("-", len(h))
	}
	lines := append([][]string{t.headers, dividers}, t.rows...)

	var widths []int
	for _, l := range lines {
		for i, c := range l {
			if i >= len(widths) {
				widths = append(widths, 0)
			}
			widths[i] = max(widths[i], visualLen(c))
		}
	}
	for _, l := range lines {
		var b strings.Builder
		b.WriteString(t.prefix)
		for i, c := range l {
			b.WriteString(c)
			if i < len(l)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-visualLen(c)+2))
			}
		}
		fmt.Fprintln(t.out, strings.TrimRight(b.String(), " "))
	}
	t.rows = nil
}

var ansiRE = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// visualLen is the printed width of s: runes, minus colour codes.
func visualLen(s string) int {
	return utf8.RuneCountInString(ansiRE.ReplaceAllString(s, ""))
}
