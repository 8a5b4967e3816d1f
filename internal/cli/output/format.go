// Package output renders command results for the gridftp CLI.
package output

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// Format selects how results are rendered.
type Format string

const (
	// FormatTable renders key/value and listing tables.
	FormatTable Format = "table"
	// FormatJSON renders indented JSON, one document per result.
	FormatJSON Format = "json"
	// FormatYAML renders YAML documents.
	FormatYAML Format = "yaml"
)

// ParseFormat parses the --output flag value.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "table", "":
		return FormatTable, nil
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("invalid output format: %q (valid: table, json, yaml)", s)
	}
}

func (f Format) String() string {
	return string(f)
}

// Printer writes results in one format. Status lines (Success, Warning)
// are suppressed for machine-readable formats so that stdout stays
// parseable.
type Printer struct {
	out    io.Writer
	format Format
	color  bool
}

// NewPrinter creates a Printer. Color is disabled when NO_COLOR is set.
func NewPrinter(out io.Writer, format Format, color bool) *Printer {
	if os.Getenv("NO_COLOR") != "" {
		color = false
	}
	return &Printer{out: out, format: format, color: color}
}

func (p *Printer) Format() Format { return p.format }

func (p *Printer) Writer() io.Writer { return p.out }

// KeyValuer is implemented by single results rendered as a key/value
// table.
type KeyValuer interface {
	KeyValues() KeyValues
}

// Print renders data. In table format data must implement KeyValuer or
// TableRenderer, anything else falls back to JSON.
func (p *Printer) Print(data any) error {
	switch p.format {
	case FormatTable:
		if kv, ok := data.(KeyValuer); ok {
			return PrintKeyValues(p.out, kv.KeyValues())
		}
		if r, ok := data.(TableRenderer); ok {
			return PrintTable(p.out, r)
		}
		return PrintJSON(p.out, data)
	case FormatJSON:
		return PrintJSON(p.out, data)
	case FormatYAML:
		return PrintYAML(p.out, data)
	default:
		return fmt.Errorf("unknown format: %s", p.format)
	}
}

// Success prints a confirmation such as "created gsiftp://h/dir".
func (p *Printer) Success(format string, args ...any) {
	p.status("32", format, args...)
}

// Warning prints a non-fatal problem.
func (p *Printer) Warning(format string, args ...any) {
	p.status("33", format, args...)
}

func (p *Printer) status(color, format string, args ...any) {
	if p.format != FormatTable {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if p.color {
		_, _ = fmt.Fprintf(p.out, "\033[%sm%s\033[0m\n", color, msg)
		return
	}
	_, _ = fmt.Fprintln(p.out, msg)
}
