// Package parser decodes fetched attachment bytes into preview payloads:
// spreadsheet workbooks into sheets of string cells and word documents into
// HTML markup. Parsers operate on in-memory buffers only.
package parser

import "bytes"

var (
	zipSignature = []byte{0x50, 0x4B} // "PK", OOXML containers
	oleSignature = []byte{0xD0, 0xCF} // OLE compound file, legacy .xls/.doc
)

func hasSignature(data, sig []byte) bool {
	return len(data) >= len(sig) && bytes.Equal(data[:len(sig)], sig)
}

// rectangular pads every row to the widest row and never returns nil cells.
func rectangular(rows [][]string) [][]string {
	width := 0
	for _, r := range rows {
		if len(r) > width {
			width = len(r)
		}
	}
	out := make([][]string, len(rows))
	for i, r := range rows {
		row := make([]string, width)
		copy(row, r)
		out[i] = row
	}
	return out
}

// trimTrailingEmpty drops trailing rows whose cells are all empty.
func trimTrailingEmpty(rows [][]string) [][]string {
	end := len(rows)
	for end > 0 && isEmptyRow(rows[end-1]) {
		end--
	}
	return rows[:end]
}

func isEmptyRow(row []string) bool {
	for _, c := range row {
		if c != "" {
			return false
		}
	}
	return true
}
