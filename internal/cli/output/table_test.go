package output

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type listing [][]string

func (l listing) Headers() []string { return []string{"Name", "Size"} }
func (l listing) Rows() [][]string  { return l }

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintTable(&buf, listing{{"a.dat", "10"}, {"b.dat", "20"}}))

	out := buf.String()
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "SIZE")
	assert.Contains(t, out, "a.dat")
	assert.Contains(t, out, "20")
}

func TestKeyValues(t *testing.T) {
	var kv KeyValues
	kv.Add("Mode", "extended_block")
	kv.Add("Parallelism", "4")

	assert.Nil(t, kv.Headers())
	assert.Equal(t, [][]string{{"Mode", "extended_block"}, {"Parallelism", "4"}}, kv.Rows())

	var buf bytes.Buffer
	require.NoError(t, PrintKeyValues(&buf, kv))
	assert.Contains(t, buf.String(), "Mode")
	assert.Contains(t, buf.String(), "extended_block")
}
