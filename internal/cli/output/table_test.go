package output

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableData(t *testing.T) {
	table := NewTableData("Name", "Address", "Messages")

	assert.Equal(t, []string{"Name", "Address", "Messages"}, table.Headers())
	assert.Empty(t, table.Rows())

	table.AddRow("orders", "sales", "3")
	table.AddRow("audit", "sales", "0")

	rows := table.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"orders", "sales", "3"}, rows[0])
	assert.Equal(t, []string{"audit", "sales", "0"}, rows[1])
}

func TestPrintTable(t *testing.T) {
	table := NewTableData("Name", "Value")
	table.AddRow("key1", "value1")
	table.AddRow("key2", "value2")

	var buf bytes.Buffer
	require.NoError(t, PrintTable(&buf, table))

	output := buf.String()
	assert.Contains(t, output, "NAME")
	assert.Contains(t, output, "VALUE")
	assert.Contains(t, output, "key1")
	assert.Contains(t, output, "value2")
}

func TestPrintTableEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintTable(&buf, NewTableData("Xid", "State").WithEmptyMessage("No transactions.")))
	assert.Equal(t, "No transactions.\n", buf.String())

	buf.Reset()
	require.NoError(t, PrintTable(&buf, NewTableData("Name")))
	assert.Equal(t, "No resources found.\n", buf.String())
}

func TestSimpleTable(t *testing.T) {
	pairs := [][2]string{
		{"Sessions", "2"},
		{"Queues", "5"},
	}

	var buf bytes.Buffer
	require.NoError(t, SimpleTable(&buf, pairs))

	output := buf.String()
	assert.Contains(t, output, "Sessions")
	assert.Contains(t, output, "2")
	assert.Contains(t, output, "Queues")
	assert.Contains(t, output, "5")
}
