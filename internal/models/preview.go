package models

import (
	"time"

	"previewd/internal/filetype"
)

// LoadState is the state of the preview session state machine.
type LoadState string

const (
	StateClosed  LoadState = "closed"
	StateLoading LoadState = "loading"
	StateReady   LoadState = "ready"
	StateFailed  LoadState = "failed"
)

// Sheet is one named table of a workbook; every row has the same width.
type Sheet struct {
	Name string     `json:"name" msgpack:"name"`
	Rows [][]string `json:"rows" msgpack:"rows"`
}

// Parsed holds the payload produced for a category. Image and Pdf carry none.
type Parsed struct {
	Sheets   []Sheet
	Document string
}

// SheetCount is zero for non-spreadsheet payloads.
func (p *Parsed) SheetCount() int {
	if p == nil {
		return 0
	}
	return len(p.Sheets)
}

// Snapshot is the serializable view of a preview session.
type Snapshot struct {
	State            LoadState         `json:"state" msgpack:"state"`
	Generation       uint64            `json:"generation" msgpack:"generation"`
	Descriptor       *FileDescriptor   `json:"descriptor,omitempty" msgpack:"descriptor,omitempty"`
	Category         filetype.Category `json:"category" msgpack:"category"`
	Error            string            `json:"error,omitempty" msgpack:"error,omitempty"`
	ErrorKind        string            `json:"error_kind,omitempty" msgpack:"error_kind,omitempty"`
	ActiveSheetIndex int               `json:"active_sheet_index" msgpack:"active_sheet_index"`
	SheetNames       []string          `json:"sheet_names,omitempty" msgpack:"sheet_names,omitempty"`
	UpdatedAt        time.Time         `json:"updated_at" msgpack:"updated_at"`
}

// IsOpen reports whether the session holds a descriptor.
func (s Snapshot) IsOpen() bool {
	return s.State != StateClosed && s.State != ""
}
