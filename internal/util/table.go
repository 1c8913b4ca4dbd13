package util

import (
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"
)

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// TableColumn describes one column of a table.
type TableColumn struct {
	Header string
	Key    string // key to extract from data map
	// Format renders a cell value. Nil prints the value with %v.
	Format func(v interface{}) string
	// AlignRight pads on the left, for numbers.
	AlignRight bool
}

func (c TableColumn) cell(row map[string]interface{}) string {
	v, ok := row[c.Key]
	if !ok {
		return ""
	}
	if c.Format != nil {
		return c.Format(v)
	}
	return fmt.Sprintf("%v", v)
}

// RenderTable renders rows under the given columns, sizing every column to
// its widest cell. Color codes do not count towards the width.
func RenderTable(w io.Writer, columns []TableColumn, data []map[string]interface{}) {
	if len(data) == 0 {
		fmt.Fprintln(w, "No data to display")
		return
	}

	widths := make([]int, len(columns))
	for i, col := range columns {
		widths[i] = displayWidth(col.Header)
	}
	cells := make([][]string, len(data))
	for r, row := range data {
		cells[r] = make([]string, len(columns))
		for i, col := range columns {
			cell := col.cell(row)
			cells[r][i] = cell
			widths[i] = max(widths[i], displayWidth(cell))
		}
	}

	line := make([]string, len(columns))
	for i, col := range columns {
		line[i] = padToWidth(col.Header, widths[i], col.AlignRight)
	}
	fmt.Fprintln(w, strings.Join(line, " "))

	for i := range columns {
		line[i] = strings.Repeat("-", widths[i])
	}
	fmt.Fprintln(w, strings.Join(line, " "))

	for _, row := range cells {
		for i, col := range columns {
			line[i] = padToWidth(row[i], widths[i], col.AlignRight)
		}
		fmt.Fprintln(w, strings.Join(line, " "))
	}
}

// displayWidth counts the runes a terminal shows for s.
func displayWidth(s string) int {
	return utf8.RuneCountInString(ansiEscape.ReplaceAllString(s, ""))
}

func padToWidth(s string, width int, right bool) string {
	gap := width - displayWidth(s)
	if gap <= 0 {
		return s
	}
	if right {
		return strings.Repeat(" ", gap) + s
	}
	return s + strings.Repeat(" ", gap)
}
