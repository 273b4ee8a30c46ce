package export

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() Dataset {
	return Dataset{
		Title:   "Discussion",
		Columns: []Column{{Header: "id"}, {Header: "content", Width: 4}},
		Rows: [][]string{
			{"a1", "first, with comma"},
			{"a2", "second"},
		},
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, sample()))
	assert.Equal(t, "id,content\na1,\"first, with comma\"\na2,second\n", buf.String())
}

func TestWritePDF(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePDF(&buf, sample()))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("%PDF")))
}

func TestValidateRejectsRaggedRows(t *testing.T) {
	d := sample()
	d.Rows = append(d.Rows, []string{"only-one"})
	assert.Error(t, WriteCSV(&bytes.Buffer{}, d))
	assert.Error(t, Dataset{}.Validate())
}
