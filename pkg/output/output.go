// Package output renders CLI results as a table, JSON or YAML.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format is an output format accepted by --output.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat validates s.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatTable, FormatJSON, FormatYAML:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want table, json or yaml)", s)
	}
}

// ANSI attributes.
const (
	fgRed    = 31
	fgGreen  = 32
	fgYellow = 33
	fgCyan   = 36
	fgWhite  = 37
	bold     = 1
)

func paint(s string, enabled bool, attrs ...int) string {
	if !enabled {
		return s
	}
	codes := make([]string, len(attrs))
	for i, a := range attrs {
		codes[i] = strconv.Itoa(a)
	}
	return "\033[" + strings.Join(codes, ";") + "m" + s + "\033[0m"
}

// Printer writes results to Out and messages to Err.
type Printer struct {
	Out    io.Writer
	Err    io.Writer
	Format Format
	Color  bool
}

func (p *Printer) Success(format string, a ...any) {
	fmt.Fprintln(p.Out, paint("✓ "+fmt.Sprintf(format, a...), p.Color, fgGreen, bold))
}

func (p *Printer) Error(format string, a ...any) {
	fmt.Fprintln(p.Err, paint("✗ "+fmt.Sprintf(format, a...), p.Color, fgRed, bold))
}

func (p *Printer) Info(format string, a ...any) {
	fmt.Fprintln(p.Out, paint(fmt.Sprintf(format, a...), p.Color, fgCyan))
}

func (p *Printer) Warn(format string, a ...any) {
	fmt.Fprintln(p.Err, paint("⚠ "+fmt.Sprintf(format, a...), p.Color, fgYellow))
}

// Render writes v as JSON or YAML, or calls table for the table format.
func (p *Printer) Render(v any, table func() *Table) error {
	switch p.Format {
	case FormatJSON:
		enc := json.NewEncoder(p.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(p.Out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		if table == nil {
			return fmt.Errorf("no table view for %T", v)
		}
		table().Render(p.Out, p.Color)
		return nil
	}
}

type Table struct {
	headers []string
	rows    [][]string
}

func NewTable(headers ...string) *Table {
	return &Table{headers: headers}
}

func (t *Table) AddRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

// Render writes the table with columns padded to their widest cell.
func (t *Table) Render(w io.Writer, color bool) {
	widths := make([]int, len(t.headers))
	for i, header := range t.headers {
		widths[i] = len(header)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	var line strings.Builder
	for i, header := range t.headers {
		line.WriteString(paint(fmt.Sprintf("%-*s", widths[i], header), color, fgWhite, bold) + "  ")
	}
	fmt.Fprintln(w, strings.TrimRight(line.String(), " "))

	line.Reset()
	for i := range t.headers {
		line.WriteString(strings.Repeat("-", widths[i]) + "  ")
	}
	fmt.Fprintln(w, strings.TrimRight(line.String(), " "))

	for _, row := range t.rows {
		line.Reset()
		for i, cell := range row {
			if i < len(widths) {
				fmt.Fprintf(&line, "%-*s  ", widths[i], cell)
			}
		}
		fmt.Fprintln(w, strings.TrimRight(line.String(), " "))
	}
}
