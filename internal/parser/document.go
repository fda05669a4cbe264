package parser

import (
	"archive/zip"
	"errors"
	"strings"

	"previewd/internal/failure"
)

// MinDocumentBytes is the smallest payload accepted as a word document.
const MinDocumentBytes = 1000

// Conversion is the result of converting document markup to HTML.
type Conversion struct {
	HTML     string
	Messages []string
}

// Converter turns the bytes of a word document into HTML.
type Converter interface {
	Convert(data []byte) (*Conversion, error)
}

// ConverterFunc adapts a function to Converter.
type ConverterFunc func(data []byte) (*Conversion, error)

func (f ConverterFunc) Convert(data []byte) (*Conversion, error) { return f(data) }

// DocumentParser validates document payloads and converts them with its
// Converter.
type DocumentParser struct {
	Converter Converter
}

// NewDocumentParser returns a parser using the built-in docx converter.
func NewDocumentParser() *DocumentParser {
	return &DocumentParser{Converter: DocxConverter{}}
}

// ParseDocument converts docx bytes to HTML with the built-in converter.
func ParseDocument(data []byte) (string, error) {
	return NewDocumentParser().Parse(data)
}

// Parse checks the ZIP signature and size floor, converts, and normalizes
// decoder failures into corrupt-archive, invalid-structure or parse kinds.
func (p *DocumentParser) Parse(data []byte) (string, error) {
	if !hasSignature(data, zipSignature) {
		return "", failure.New(failure.KindInvalidFormat, "missing document archive signature")
	}
	if len(data) < MinDocumentBytes {
		return "", failure.New(failure.KindInvalidFormat, "document is %d bytes, below the %d byte minimum", len(data), MinDocumentBytes)
	}
	conv := p.Converter
	if conv == nil {
		conv = DocxConverter{}
	}
	res, err := conv.Convert(data)
	if err != nil {
		return "", normalizeDocumentError(err)
	}
	if res == nil {
		return "", failure.New(failure.KindConversion, "converter returned no result")
	}
	if strings.TrimSpace(res.HTML) == "" {
		return "", failure.New(failure.KindEmptyContent, "document has no content")
	}
	return res.HTML, nil
}

// Decoder failures recognised by message as well, so third-party converters
// reporting the same conditions map to the same kinds.
func normalizeDocumentError(err error) error {
	var fe *failure.Error
	if errors.As(err, &fe) {
		return fe
	}
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, zip.ErrFormat), strings.Contains(msg, "central directory"):
		return failure.Wrap(failure.KindCorruptArchive, err, "")
	case errors.Is(err, ErrNoBody), strings.Contains(msg, "body element"):
		return failure.Wrap(failure.KindInvalidStructure, err, "")
	default:
		return failure.Wrap(failure.KindParse, err, "")
	}
}
