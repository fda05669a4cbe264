package parser

import (
	"bytes"
	"encoding/csv"
	"errors"
	"io"

	"previewd/internal/failure"
	"previewd/internal/models"
)

// CSVSheetName names the single sheet produced for comma separated files.
const CSVSheetName = "Sheet1"

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ParseCSV reads comma separated text into a single sheet. Ragged rows are
// padded to the widest row.
func ParseCSV(data []byte) ([]models.Sheet, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var rows [][]string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, failure.Wrap(failure.KindParse, err, "read csv")
		}
		rows = append(rows, rec)
	}
	return checkSheets([]models.Sheet{{Name: CSVSheetName, Rows: rectangular(trimTrailingEmpty(rows))}})
}
