package export

import "fmt"

// Dataset is a column-ordered table ready for rendering.
type Dataset struct {
	Title   string
	Columns []Column
	Rows    [][]string
}

// Column names one field. Width is a relative weight used by the PDF layout.
type Column struct {
	Header string
	Width  float64
}

// Validate checks the rows against the column count.
func (d Dataset) Validate() error {
	if len(d.Columns) == 0 {
		return fmt.Errorf("dataset requires at least one column")
	}
	for i, row := range d.Rows {
		if len(row) != len(d.Columns) {
			return fmt.Errorf("row %d has %d cells, want %d", i, len(row), len(d.Columns))
		}
	}
	return nil
}

func (d Dataset) headers() []string {
	out := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		out[i] = c.Header
	}
	return out
}
