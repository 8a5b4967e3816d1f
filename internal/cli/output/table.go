package output

import (
	"io"

	"github.com/olekukonko/tablewriter"
)

// TableRenderer is implemented by results that render as a table.
type TableRenderer interface {
	Headers() []string
	Rows() [][]string
}

func newTable(w io.Writer, separator string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator(separator)
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	return table
}

// PrintTable writes a borderless table with upper-cased headers.
func PrintTable(w io.Writer, data TableRenderer) error {
	table := newTable(w, "")
	table.SetAutoFormatHeaders(true)
	if h := data.Headers(); len(h) > 0 {
		table.SetHeader(h)
	}
	table.AppendBulk(data.Rows())
	table.Render()
	return nil
}

// KeyValues is a two column "key: value" table without headers, used for
// single results such as a transfer summary.
type KeyValues [][2]string

// Add appends a pair.
func (kv *KeyValues) Add(key, value string) {
	*kv = append(*kv, [2]string{key, value})
}

func (kv KeyValues) Headers() []string { return nil }

func (kv KeyValues) Rows() [][]string {
	rows := make([][]string, len(kv))
	for i, pair := range kv {
		rows[i] = []string{pair[0], pair[1]}
	}
	return rows
}

// PrintKeyValues writes kv with a colon separator.
func PrintKeyValues(w io.Writer, kv KeyValues) error {
	table := newTable(w, ":")
	table.SetAutoFormatHeaders(false)
	table.AppendBulk(kv.Rows())
	table.Render()
	return nil
}
