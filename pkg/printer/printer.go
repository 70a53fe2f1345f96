package printer

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Printer handles various output formats
type Printer struct {
	out        io.Writer
	outputType OutputType
	wide       bool
}

// New creates a new printer with the specified output type
func New(outputType OutputType, wide bool) *Printer {
	return &Printer{
		out:        os.Stdout,
		outputType: outputType,
		wide:       wide,
	}
}

// ParseOutputType validates a --output flag value. Empty means table.
func ParseOutputType(s string) (OutputType, error) {
	switch OutputType(s) {
	case "", OutputTypeTable:
		return OutputTypeTable, nil
	case OutputTypeWide, OutputTypeJSON, OutputTypeYAML:
		return OutputType(s), nil
	default:
		return "", fmt.Errorf("unsupported output format %q (use table, wide, json or yaml)", s)
	}
}

// SetOutput sets the output writer
func (p *Printer) SetOutput(out io.Writer) {
	p.out = out
}

// Wide reports whether wide columns were requested.
func (p *Printer) Wide() bool {
	return p.wide || p.outputType == OutputTypeWide
}

// Print writes data as JSON or YAML, or calls table to fill a table.
func (p *Printer) Print(data any, table func(t *TablePrinter)) error {
	switch p.outputType {
	case OutputTypeJSON:
		return p.PrintJSON(data)
	case OutputTypeYAML:
		return p.PrintYAML(data)
	default:
		var opts []Option
		if p.Wide() {
			opts = append(opts, WithWide())
		}
		t := NewTablePrinter(p.out, opts...)
		table(t)
		return t.Render()
	}
}

// PrintJSON prints data in JSON format
func (p *Printer) PrintJSON(data any) error {
	encoder := json.NewEncoder(p.out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// PrintYAML prints data in YAML format. Data is converted through JSON so
// the json field names are kept.
func (p *Printer) PrintYAML(data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}
	encoder := yaml.NewEncoder(p.out)
	encoder.SetIndent(2)
	if err := encoder.Encode(generic); err != nil {
		return err
	}
	return encoder.Close()
}

// PrintSuccess prints a success message with kubectl-style formatting
func PrintSuccess(w io.Writer, message string) {
	_, _ = fmt.Fprintf(w, "✓ %s\n", message)
}

// PrintError prints an error message
func PrintError(w io.Writer, message string) {
	_, _ = fmt.Fprintf(w, "Error: %s\n", message)
}

// PrintWarning prints a warning message
func PrintWarning(w io.Writer, message string) {
	_, _ = fmt.Fprintf(w, "Warning: %s\n", message)
}

// FormatTimestamp formats a timestamp in kubectl style
func FormatTimestamp(t time.Time) string {
	return t.Format("2006-01-02T15:04:05Z")
}

// FormatAge formats the time since t as a kubectl-style age string (e.g., "5d", "3h", "45m")
func FormatAge(t time.Time) string {
	return FormatDuration(time.Since(t))
}

// FormatDuration formats a duration rounded down to its largest unit.
func FormatDuration(duration time.Duration) string {
	days := int(duration.Hours() / 24)
	if days > 0 {
		return fmt.Sprintf("%dd", days)
	}

	hours := int(duration.Hours())
	if hours > 0 {
		return fmt.Sprintf("%dh", hours)
	}

	minutes := int(duration.Minutes())
	if minutes > 0 {
		return fmt.Sprintf("%dm", minutes)
	}

	seconds := int(duration.Seconds())
	return fmt.Sprintf("%ds", seconds)
}
