package render

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"golang.org/x/net/html"

	"previewd/internal/filetype"
	"previewd/internal/models"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	noticeStyle = lipgloss.NewStyle().Faint(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	activeTab   = lipgloss.NewStyle().Bold(true).Underline(true)
	inactiveTab = lipgloss.NewStyle().Faint(true)
)

const maxTextDepth = 64

// RenderText writes a terminal rendering of snap to w. Spreadsheets print as
// a bordered table with the same row cap as Render; documents print as plain
// text extracted from the sanitized markup.
func RenderText(w io.Writer, snap models.Snapshot, parsed *models.Parsed) error {
	var out string
	switch snap.State {
	case models.StateClosed, "":
		return nil
	case models.StateLoading:
		out = noticeStyle.Render(loadingMessage)
	case models.StateFailed:
		out = errorStyle.Render(snap.Error)
	case models.StateReady:
		s, err := renderReadyText(snap, parsed)
		if err != nil {
			return err
		}
		out = s
	default:
		return fmt.Errorf("render: unknown state %q", snap.State)
	}
	_, err := fmt.Fprintln(w, out)
	return err
}

func renderReadyText(snap models.Snapshot, parsed *models.Parsed) (string, error) {
	var name, url string
	if snap.Descriptor != nil {
		name, url = snap.Descriptor.Name(), snap.Descriptor.RenderURL()
	}
	switch snap.Category {
	case filetype.Image, filetype.Pdf:
		return titleStyle.Render(name) + "\n" + fmt.Sprintf("%s preview: %s", snap.Category, url), nil
	case filetype.Document:
		if parsed == nil {
			return "", ErrMissingPayload
		}
		text, err := documentText(SanitizeDocument(parsed.Document))
		if err != nil {
			return "", err
		}
		return text, nil
	case filetype.Spreadsheet:
		if parsed.SheetCount() == 0 {
			return "", ErrMissingPayload
		}
		view, err := buildSheetView(parsed.Sheets, snap.ActiveSheetIndex)
		if err != nil {
			return "", err
		}
		return sheetText(view), nil
	default:
		return "", fmt.Errorf("render: category %s has no ready view", snap.Category)
	}
}

func sheetText(view sheetView) string {
	var sb strings.Builder
	if len(view.Tabs) > 1 {
		tabs := make([]string, len(view.Tabs))
		for i, tab := range view.Tabs {
			if tab.Active {
				tabs[i] = activeTab.Render(tab.Name)
			} else {
				tabs[i] = inactiveTab.Render(tab.Name)
			}
		}
		sb.WriteString(strings.Join(tabs, "  "))
		sb.WriteString("\n")
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Rows(view.Rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == 0 {
				return headerStyle
			}
			return cellStyle
		})
	sb.WriteString(t.Render())
	if view.Truncated {
		sb.WriteString("\n")
		sb.WriteString(noticeStyle.Render(view.Notice))
	}
	return sb.String()
}

// documentText flattens markup into paragraphs of plain text.
func documentText(markup string) (string, error) {
	doc, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return "", fmt.Errorf("parse document markup: %w", err)
	}
	var sb strings.Builder
	extractText(doc, &sb, 0)

	lines := strings.Split(sb.String(), "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" && (len(out) == 0 || out[len(out)-1] == "") {
			continue
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n")), nil
}

func extractText(n *html.Node, sb *strings.Builder, depth int) {
	if depth > maxTextDepth {
		return
	}
	switch n.Type {
	case html.TextNode:
		sb.WriteString(n.Data)
	case html.ElementNode:
		switch n.Data {
		case "h1", "h2", "h3", "h4", "h5", "h6", "p", "blockquote", "table":
			sb.WriteString("\n\n")
		case "tr":
			sb.WriteString("\n")
		case "td", "th":
			sb.WriteString(" | ")
		case "br":
			sb.WriteString("\n")
		case "li":
			sb.WriteString("\n- ")
		case "img":
			for _, a := range n.Attr {
				if a.Key == "alt" && a.Val != "" {
					sb.WriteString("[Image: " + a.Val + "]")
				}
			}
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractText(c, sb, depth+1)
	}
	if n.Type == html.ElementNode {
		switch n.Data {
		case "h1", "h2", "h3", "h4", "h5", "h6", "p", "blockquote", "table", "ul", "ol":
			sb.WriteString("\n\n")
		}
	}
}
