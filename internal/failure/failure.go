// Package failure defines the typed failures raised while fetching and parsing
// attachment previews, and maps them to user-facing messages.
package failure

import (
	"errors"
	"fmt"
)

// Kind classifies a preview failure.
type Kind string

const (
	KindNetwork          Kind = "network_error"
	KindEmptyFile        Kind = "empty_file"
	KindFileTooLarge     Kind = "file_too_large"
	KindInvalidFormat    Kind = "invalid_format"
	KindNoSheets         Kind = "no_sheets"
	KindEmptyData        Kind = "empty_data"
	KindConversion       Kind = "conversion_error"
	KindEmptyContent     Kind = "empty_content"
	KindCorruptArchive   Kind = "corrupt_archive"
	KindInvalidStructure Kind = "invalid_structure"
	KindParse            Kind = "parse_error"
	KindUnsupportedType  Kind = "unsupported_type"
	KindBusy             Kind = "busy"
)

// Sentinels usable with errors.Is; any *Error of the same kind matches.
var (
	ErrNetwork          = &Error{Kind: KindNetwork}
	ErrEmptyFile        = &Error{Kind: KindEmptyFile}
	ErrFileTooLarge     = &Error{Kind: KindFileTooLarge}
	ErrInvalidFormat    = &Error{Kind: KindInvalidFormat}
	ErrNoSheets         = &Error{Kind: KindNoSheets}
	ErrEmptyData        = &Error{Kind: KindEmptyData}
	ErrConversion       = &Error{Kind: KindConversion}
	ErrEmptyContent     = &Error{Kind: KindEmptyContent}
	ErrCorruptArchive   = &Error{Kind: KindCorruptArchive}
	ErrInvalidStructure = &Error{Kind: KindInvalidStructure}
	ErrParse            = &Error{Kind: KindParse}
	ErrUnsupportedType  = &Error{Kind: KindUnsupportedType}
	ErrBusy             = &Error{Kind: KindBusy}
)

// Error is a preview failure of a given kind. Err, when set, is the
// underlying cause reported by a transport or decoder.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so sentinels match wrapped instances.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New returns a failure of kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap returns a failure of kind caused by err.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" when
// err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

var userMessages = map[Kind]string{
	KindNetwork:          "Failed to download the file. Check your connection and try again.",
	KindEmptyFile:        "The file is empty.",
	KindFileTooLarge:     "The file is too large to preview (maximum 50 MB).",
	KindInvalidFormat:    "The file format is invalid or not supported for preview.",
	KindNoSheets:         "The workbook does not contain any sheets.",
	KindEmptyData:        "The spreadsheet does not contain any data.",
	KindConversion:       "The document could not be converted for preview.",
	KindEmptyContent:     "The document does not contain any readable content.",
	KindCorruptArchive:   "The document appears to be corrupted or is not a valid Word file.",
	KindInvalidStructure: "The document structure is invalid or unsupported.",
	KindParse:            "The file could not be parsed.",
	KindUnsupportedType:  "Preview is not available for this file type.",
	KindBusy:             "The server is busy, please retry.",
}

const genericMessage = "Something went wrong while loading the preview."

// UserMessage maps any error to a single human-readable string. The cause
// never appears in it; callers log the error itself.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var fe *Error
	if !errors.As(err, &fe) {
		return genericMessage
	}
	msg, ok := userMessages[fe.Kind]
	if !ok {
		return genericMessage
	}
	return msg
}
