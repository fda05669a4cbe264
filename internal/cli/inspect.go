package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"previewd/internal/failure"
	"previewd/internal/fetch"
	"previewd/internal/filetype"
	"previewd/internal/models"
	"previewd/internal/render"
	"previewd/internal/session"
)

const inspectParallelism = 4

// officeTypes covers extensions the system mime table often lacks.
var officeTypes = map[string]string{
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".xls":  "application/vnd.ms-excel",
	".csv":  "text/csv",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".doc":  "application/msword",
	".pdf":  "application/pdf",
}

func declaredTypeFor(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if t, ok := officeTypes[ext]; ok {
		return t
	}
	return mime.TypeByExtension(ext)
}

// localSource serves file:// URLs from disk.
var localSource = fetch.SourceFunc(func(_ context.Context, u *url.URL) (io.ReadCloser, error) {
	f, err := os.Open(u.Path)
	if err != nil {
		return nil, failure.Wrap(failure.KindNetwork, err, "open "+u.Path)
	}
	return f, nil
})

func newInspectCommand(opts *rootOptions) *cobra.Command {
	var declared string
	cmd := &cobra.Command{
		Use:   "inspect <file>...",
		Short: "Parse local files and print a text preview",
		Long: `Classify, parse and render local files the way the preview API does.
The declared type is guessed from the extension unless --type is given.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := zap.NewNop()
			if opts.logLevel != "" {
				cfg, err := opts.loadConfig()
				if err != nil {
					return err
				}
				if logger, err = opts.logger(cfg); err != nil {
					return err
				}
			}
			return inspectFiles(cmd.Context(), cmd.OutOrStdout(), args, declared, logger)
		},
	}
	cmd.Flags().StringVarP(&declared, "type", "t", "", "declared content type for every file")
	return cmd
}

func inspectFiles(ctx context.Context, w io.Writer, paths []string, declared string, logger *zap.Logger) error {
	fetcher := fetch.New(logger)
	fetcher.Register("file", localSource)
	loader := session.NewPipelineLoader(fetcher, logger)

	outputs := make([]bytes.Buffer, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(inspectParallelism)
	for i, path := range paths {
		g.Go(func() error {
			abs, err := filepath.Abs(path)
			if err != nil {
				return fmt.Errorf("resolve %s: %w", path, err)
			}
			typ := declared
			if typ == "" {
				typ = declaredTypeFor(abs)
			}
			desc := models.FileDescriptor{
				URL:          (&url.URL{Scheme: "file", Path: abs}).String(),
				DeclaredName: filepath.Base(abs),
				DeclaredType: typ,
			}
			inspectOne(gctx, &outputs[i], loader, desc)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i := range outputs {
		if _, err := outputs[i].WriteTo(w); err != nil {
			return err
		}
	}
	return nil
}

// inspectOne renders one file. Load failures are part of the output.
func inspectOne(ctx context.Context, w *bytes.Buffer, loader session.Loader, desc models.FileDescriptor) {
	category := filetype.Classify(desc.DeclaredType)
	fmt.Fprintf(w, "== %s (%s, %s)\n", desc.Name(), orUnknown(desc.DeclaredType), category)

	snap := models.Snapshot{Descriptor: &desc, Category: category, State: models.StateReady}
	var parsed *models.Parsed
	if category == filetype.Unsupported {
		snap.State = models.StateFailed
		snap.ErrorKind = string(failure.KindUnsupportedType)
		snap.Error = failure.UserMessage(failure.ErrUnsupportedType)
	} else {
		var err error
		parsed, err = loader.Load(ctx, desc, category)
		if err != nil {
			snap.State = models.StateFailed
			snap.ErrorKind = string(failure.KindOf(err))
			snap.Error = failure.UserMessage(err)
		}
	}
	if parsed != nil {
		for _, sheet := range parsed.Sheets {
			snap.SheetNames = append(snap.SheetNames, sheet.Name)
		}
	}
	if err := render.RenderText(w, snap, parsed); err != nil {
		fmt.Fprintf(w, "render failed: %v\n", err)
	}
	if parsed.SheetCount() > 1 {
		for i := 1; i < parsed.SheetCount(); i++ {
			snap.ActiveSheetIndex = i
			if err := render.RenderText(w, snap, parsed); err != nil {
				fmt.Fprintf(w, "render failed: %v\n", err)
			}
		}
	}
	w.WriteString("\n")
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown type"
	}
	return s
}
