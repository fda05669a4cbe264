// Package render turns a preview session snapshot and its parsed payload into
// HTML for the viewer pane.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"strconv"

	"github.com/microcosm-cc/bluemonday"

	"previewd/internal/filetype"
	"previewd/internal/models"
)

// MaxPreviewRows bounds the rows rendered for the active sheet.
const MaxPreviewRows = 100

const loadingMessage = "Loading preview..."

var (
	// ErrMissingPayload is returned for a ready spreadsheet or document
	// session without parsed content.
	ErrMissingPayload = errors.New("render: ready session has no parsed content")
	// ErrSheetIndex is returned when the active sheet index is out of range.
	ErrSheetIndex = errors.New("render: active sheet out of range")
)

// documentPolicy strips scripts, event handlers, frames and javascript: URLs.
var documentPolicy = newDocumentPolicy()

func newDocumentPolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowDataURIImages()
	p.AllowAttrs("colspan", "rowspan").OnElements("td", "th")
	return p
}

// SanitizeDocument applies the document policy to converter output.
func SanitizeDocument(markup string) string {
	return documentPolicy.Sanitize(markup)
}

var pageTemplates = template.Must(template.New("preview").Parse(`
{{- define "loading" -}}
<div class="preview-loading" role="status" aria-live="polite"><span class="preview-spinner"></span><span>{{.}}</span></div>
{{- end -}}
{{- define "failed" -}}
<div class="preview-error" role="alert"><p class="preview-error-message">{{.Message}}</p><div class="preview-error-actions"><button type="button" data-action="retry" data-generation="{{.Generation}}">Retry</button><button type="button" data-action="dismiss">Dismiss</button></div></div>
{{- end -}}
{{- define "image" -}}
<div class="preview-image"><img src="{{.URL}}" alt="{{.Name}}"></div>
{{- end -}}
{{- define "pdf" -}}
<div class="preview-pdf"><embed src="{{.URL}}" type="application/pdf" title="{{.Name}}"></div>
{{- end -}}
{{- define "document" -}}
<div class="preview-document" contenteditable="false">{{.}}</div>
{{- end -}}
{{- define "spreadsheet" -}}
<div class="preview-spreadsheet">
{{- if gt (len .Tabs) 1 -}}
<nav class="preview-sheet-tabs">
{{- range .Tabs -}}
<button type="button" data-action="select-sheet" data-index="{{.Index}}"{{if .Active}} class="active" aria-current="true"{{end}}>{{.Name}}</button>
{{- end -}}
</nav>
{{- end -}}
<table class="preview-table"><tbody>
{{- range $i, $row := .Rows -}}
<tr{{if eq $i 0}} class="header-row" style="font-weight:bold;background:#f3f4f6"{{end}}>
{{- range $row}}<td>{{.}}</td>{{end -}}
</tr>
{{- end -}}
</tbody></table>
{{- if .Truncated}}<p class="preview-notice">{{.Notice}}</p>{{end -}}
</div>
{{- end -}}
`))

type failedView struct {
	Message    string
	Generation uint64
}

type linkView struct {
	URL  string
	Name string
}

type tabView struct {
	Index  int
	Name   string
	Active bool
}

type sheetView struct {
	Tabs      []tabView
	Rows      [][]string
	Truncated bool
	Notice    string
}

// TruncationNotice is shown below a sheet with more than MaxPreviewRows rows.
func TruncationNotice(total int) string {
	return "Showing first " + strconv.Itoa(MaxPreviewRows) + " rows of " + strconv.Itoa(total) + " total rows"
}

// Render produces the viewer markup for snap. A closed session renders as
// empty output.
func Render(snap models.Snapshot, parsed *models.Parsed) (template.HTML, error) {
	switch snap.State {
	case models.StateClosed, "":
		return "", nil
	case models.StateLoading:
		return execute("loading", loadingMessage)
	case models.StateFailed:
		return execute("failed", failedView{Message: snap.Error, Generation: snap.Generation})
	case models.StateReady:
		return renderReady(snap, parsed)
	default:
		return "", fmt.Errorf("render: unknown state %q", snap.State)
	}
}

func renderReady(snap models.Snapshot, parsed *models.Parsed) (template.HTML, error) {
	var link linkView
	if snap.Descriptor != nil {
		link = linkView{URL: snap.Descriptor.RenderURL(), Name: snap.Descriptor.Name()}
	}
	switch snap.Category {
	case filetype.Image:
		return execute("image", link)
	case filetype.Pdf:
		return execute("pdf", link)
	case filetype.Document:
		if parsed == nil {
			return "", ErrMissingPayload
		}
		return execute("document", template.HTML(SanitizeDocument(parsed.Document)))
	case filetype.Spreadsheet:
		if parsed.SheetCount() == 0 {
			return "", ErrMissingPayload
		}
		view, err := buildSheetView(parsed.Sheets, snap.ActiveSheetIndex)
		if err != nil {
			return "", err
		}
		return execute("spreadsheet", view)
	default:
		return "", fmt.Errorf("render: category %s has no ready view", snap.Category)
	}
}

func buildSheetView(sheets []models.Sheet, active int) (sheetView, error) {
	if active < 0 || active >= len(sheets) {
		return sheetView{}, fmt.Errorf("%w: %d of %d", ErrSheetIndex, active, len(sheets))
	}
	view := sheetView{Tabs: make([]tabView, len(sheets))}
	for i, s := range sheets {
		view.Tabs[i] = tabView{Index: i, Name: s.Name, Active: i == active}
	}
	rows := sheets[active].Rows
	view.Rows = rows
	if len(rows) > MaxPreviewRows {
		view.Rows = rows[:MaxPreviewRows]
		view.Truncated = true
		view.Notice = TruncationNotice(len(rows))
	}
	return view, nil
}

func execute(name string, data any) (template.HTML, error) {
	var buf bytes.Buffer
	if err := pageTemplates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return template.HTML(buf.String()), nil
}
