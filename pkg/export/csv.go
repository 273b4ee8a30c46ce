package export

import (
	"encoding/csv"
	"fmt"
	"io"
)

// WriteCSV streams the dataset as CSV with a header row.
func WriteCSV(w io.Writer, data Dataset) error {
	if err := data.Validate(); err != nil {
		return err
	}
	writer := csv.NewWriter(w)
	if err := writer.Write(data.headers()); err != nil {
		return fmt.Errorf("write csv headers: %w", err)
	}
	for _, row := range data.Rows {
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}
