package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"previewd/internal/failure"
	"previewd/internal/filetype"
	"previewd/internal/metrics"
	"previewd/internal/models"
	"previewd/internal/parser"
)

// Loader produces the parsed payload of a descriptor for its category.
type Loader interface {
	Load(ctx context.Context, desc models.FileDescriptor, category filetype.Category) (*models.Parsed, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, desc models.FileDescriptor, category filetype.Category) (*models.Parsed, error)

func (f LoaderFunc) Load(ctx context.Context, desc models.FileDescriptor, category filetype.Category) (*models.Parsed, error) {
	return f(ctx, desc, category)
}

// Fetcher downloads the bytes behind a descriptor URL.
type Fetcher interface {
	FetchBytes(ctx context.Context, rawURL string) ([]byte, error)
}

// PipelineLoader fetches the payload and runs the parser for its category.
type PipelineLoader struct {
	fetcher  Fetcher
	document *parser.DocumentParser
	logger   *zap.Logger
}

func NewPipelineLoader(fetcher Fetcher, logger *zap.Logger) *PipelineLoader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PipelineLoader{
		fetcher:  fetcher,
		document: parser.NewDocumentParser(),
		logger:   logger,
	}
}

// Load skips the fetch for images and pdfs, whose viewers load the URL
// themselves.
func (l *PipelineLoader) Load(ctx context.Context, desc models.FileDescriptor, category filetype.Category) (*models.Parsed, error) {
	switch category {
	case filetype.Image, filetype.Pdf:
		return &models.Parsed{}, nil
	case filetype.Spreadsheet, filetype.Document:
	default:
		return nil, failure.New(failure.KindUnsupportedType, "no preview for type %q", desc.DeclaredType)
	}

	data, err := l.fetcher.FetchBytes(ctx, desc.URL)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	started := time.Now()
	defer metrics.RecordParse(category.String(), started)

	if category == filetype.Document {
		markup, err := l.document.Parse(data)
		if err != nil {
			return nil, err
		}
		return &models.Parsed{Document: markup}, nil
	}

	var sheets []models.Sheet
	if filetype.IsCSV(desc.DeclaredType) {
		sheets, err = parser.ParseCSV(data)
	} else {
		sheets, err = parser.ParseSpreadsheet(data)
	}
	if err != nil {
		return nil, err
	}
	l.logger.Debug("parsed spreadsheet",
		zap.String("name", desc.Name()),
		zap.Int("sheets", len(sheets)),
		zap.Int("bytes", len(data)),
	)
	return &models.Parsed{Sheets: sheets}, nil
}
