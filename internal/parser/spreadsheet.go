package parser

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"

	"previewd/internal/failure"
	"previewd/internal/models"
)

const (
	// MaxUnzipBytes bounds the total uncompressed size of an xlsx package.
	MaxUnzipBytes = 128 << 20
	// maxUnzipXMLBytes is the worksheet size above which excelize spills the
	// part to a temporary file instead of memory.
	maxUnzipXMLBytes = 16 << 20
)

// ParseSpreadsheet decodes a workbook into its sheets. The binary signature is
// checked before any decoder runs: ZIP selects the xlsx decoder, OLE the
// legacy xls decoder, anything else is rejected as an invalid format.
func ParseSpreadsheet(data []byte) ([]models.Sheet, error) {
	var (
		sheets []models.Sheet
		err    error
	)
	switch {
	case hasSignature(data, zipSignature):
		sheets, err = decodeXLSX(data, MaxUnzipBytes)
	case hasSignature(data, oleSignature):
		sheets, err = decodeXLS(data)
	default:
		return nil, failure.New(failure.KindInvalidFormat, "missing workbook signature")
	}
	if err != nil {
		return nil, err
	}
	return checkSheets(sheets)
}

func checkSheets(sheets []models.Sheet) ([]models.Sheet, error) {
	if len(sheets) == 0 {
		return nil, failure.New(failure.KindNoSheets, "workbook has no sheets")
	}
	for _, s := range sheets {
		if len(s.Rows) > 0 {
			return sheets, nil
		}
	}
	return nil, failure.New(failure.KindEmptyData, "all %d sheets are empty", len(sheets))
}

func decodeXLSX(data []byte, unzipLimit int64) ([]models.Sheet, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data), excelize.Options{
		UnzipSizeLimit:    unzipLimit,
		UnzipXMLSizeLimit: min(maxUnzipXMLBytes, unzipLimit),
	})
	if err != nil {
		if strings.Contains(err.Error(), "unzip size") {
			return nil, failure.Wrap(failure.KindFileTooLarge, err, "open xlsx workbook")
		}
		return nil, failure.Wrap(failure.KindParse, err, "open xlsx workbook")
	}
	defer f.Close()

	names := f.GetSheetList()
	sheets := make([]models.Sheet, 0, len(names))
	for _, name := range names {
		rows, err := f.GetRows(name)
		if err != nil {
			return nil, failure.Wrap(failure.KindParse, err, fmt.Sprintf("read sheet %q", name))
		}
		sheets = append(sheets, models.Sheet{Name: name, Rows: rectangular(rows)})
	}
	return sheets, nil
}

func decodeXLS(data []byte) (sheets []models.Sheet, err error) {
	// The legacy decoder panics on some malformed streams.
	defer func() {
		if r := recover(); r != nil {
			sheets = nil
			err = failure.Wrap(failure.KindParse, fmt.Errorf("%v", r), "decode xls workbook")
		}
	}()

	wb, err := xls.OpenReader(bytes.NewReader(data), "utf-8")
	if err != nil {
		return nil, failure.Wrap(failure.KindParse, err, "open xls workbook")
	}
	if wb == nil {
		return nil, failure.New(failure.KindParse, "open xls workbook: no workbook")
	}
	for i := 0; i < wb.NumSheets(); i++ {
		ws := wb.GetSheet(i)
		if ws == nil {
			continue
		}
		var rows [][]string
		for r := 0; r <= int(ws.MaxRow); r++ {
			row := ws.Row(r)
			if row == nil {
				rows = append(rows, nil)
				continue
			}
			cells := make([]string, 0, row.LastCol())
			for c := 0; c < row.LastCol(); c++ {
				cells = append(cells, row.Col(c))
			}
			rows = append(rows, cells)
		}
		sheets = append(sheets, models.Sheet{Name: ws.Name, Rows: rectangular(trimTrailingEmpty(rows))})
	}
	return sheets, nil
}
