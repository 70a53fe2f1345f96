package printer

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"
	"unicode/utf8"
)

// OutputType defines the output format
type OutputType string

const (
	// OutputTypeTable outputs in table format (default)
	OutputTypeTable OutputType = "table"
	// OutputTypeWide outputs in table format with additional columns
	OutputTypeWide OutputType = "wide"
	// OutputTypeJSON outputs in JSON format
	OutputTypeJSON OutputType = "json"
	// OutputTypeYAML outputs in YAML format
	OutputTypeYAML OutputType = "yaml"
)

// Placeholder is printed for empty cells.
const Placeholder = "-"

// TablePrinter collects rows and writes them as aligned columns.
type TablePrinter struct {
	writer    *tabwriter.Writer
	headers   []string
	rows      [][]string
	noHeaders bool
	wide      bool
}

// Option configures the TablePrinter
type Option func(*TablePrinter)

// WithNoHeaders disables header output
func WithNoHeaders() Option {
	return func(p *TablePrinter) {
		p.noHeaders = true
	}
}

// WithWide enables the extra columns of the wide format.
func WithWide() Option {
	return func(p *TablePrinter) {
		p.wide = true
	}
}

// NewTablePrinter creates a table printer writing to out, or stdout when
// out is nil.
func NewTablePrinter(out io.Writer, opts ...Option) *TablePrinter {
	if out == nil {
		out = os.Stdout
	}
	p := &TablePrinter{writer: tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetHeaders sets the table headers. They are printed upper-cased.
func (p *TablePrinter) SetHeaders(headers ...string) {
	p.headers = headers
}

// AddRow adds a row. Times, durations, nil and empty values are formatted
// with FormatCell.
func (p *TablePrinter) AddRow(values ...any) {
	row := make([]string, len(values))
	for i, v := range values {
		row[i] = FormatCell(v)
	}
	p.rows = append(p.rows, row)
}

// Render writes the table. Rows shorter than the header are padded with
// placeholders.
func (p *TablePrinter) Render() error {
	if len(p.rows) == 0 && len(p.headers) == 0 {
		return nil
	}

	if !p.noHeaders && len(p.headers) > 0 {
		_, _ = fmt.Fprintln(p.writer, strings.ToUpper(strings.Join(p.headers, "\t")))
	}
	for _, row := range p.rows {
		for len(row) < len(p.headers) {
			row = append(row, Placeholder)
		}
		_, _ = fmt.Fprintln(p.writer, strings.Join(row, "\t"))
	}
	return p.writer.Flush()
}

// IsWide reports whether wide columns should be added.
func (p *TablePrinter) IsWide() bool {
	return p.wide
}

// FormatCell renders one table value.
func FormatCell(v any) string {
	switch val := v.(type) {
	case nil:
		return Placeholder
	case string:
		return EmptyValueOrDefault(val, Placeholder)
	case time.Time:
		if val.IsZero() {
			return Placeholder
		}
		return FormatTimestamp(val)
	case time.Duration:
		return FormatDuration(val)
	case fmt.Stringer:
		return EmptyValueOrDefault(val.String(), Placeholder)
	default:
		return EmptyValueOrDefault(fmt.Sprintf("%v", val), Placeholder)
	}
}

// TruncateString shortens s to at most maxLen runes, ending in "..." when
// anything was cut.
func TruncateString(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// FormatProgress renders step progress, e.g. "3/5 (60%)".
func FormatProgress(done, total, percent int) string {
	return fmt.Sprintf("%d/%d (%d%%)", done, total, percent)
}

// EmptyValueOrDefault returns the value or a default placeholder
func EmptyValueOrDefault(value, defaultValue string) string {
	if value == "" {
		return defaultValue
	}
	return value
}
