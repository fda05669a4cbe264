package parser

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"html"
	"io"
	"path"
	"strconv"
	"strings"

	"previewd/internal/failure"
)

// ErrNoBody is reported when the package lacks its main document part or the
// part has no body element.
var ErrNoBody = errors.New("could not find body element")

const (
	defaultMainPart     = "word/document.xml"
	officeDocumentRel   = "/officeDocument"
	maxInlineImageBytes = 10 << 20
	maxListDepth        = 9

	// DefaultMaxPartBytes bounds the uncompressed size of an XML part.
	DefaultMaxPartBytes = 32 << 20
	// DefaultMaxElements bounds the element tree built from one part.
	DefaultMaxElements = 500_000
	// DefaultMaxImageBytes bounds the inline images of one document.
	DefaultMaxImageBytes = 20 << 20
)

var imageMimeTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".bmp":  "image/bmp",
	".webp": "image/webp",
}

// DocxConverter converts WordprocessingML (.docx) packages to HTML. It covers
// paragraphs, headings, run formatting, hyperlinks, lists, tables and inline
// images; everything else is dropped. Zero limits select the defaults; a
// part past its limit fails with a file-too-large failure.
type DocxConverter struct {
	MaxPartBytes  int64
	MaxElements   int
	MaxImageBytes int64
}

func (c DocxConverter) Convert(data []byte) (*Conversion, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	pkg := &docxPackage{
		files:       make(map[string]*zip.File, len(zr.File)),
		maxPart:     orDefault(c.MaxPartBytes, DefaultMaxPartBytes),
		maxElements: int(orDefault(int64(c.MaxElements), DefaultMaxElements)),
		imageBudget: orDefault(c.MaxImageBytes, DefaultMaxImageBytes),
	}
	for _, f := range zr.File {
		pkg.files[strings.TrimPrefix(f.Name, "/")] = f
	}

	mainPart := pkg.mainPart()
	doc, err := pkg.parsePart(mainPart)
	if err != nil {
		return nil, err
	}
	body := doc.find("body")
	if body == nil {
		return nil, fmt.Errorf("%s: %w", mainPart, ErrNoBody)
	}
	pkg.dir = path.Dir(mainPart)
	pkg.rels = pkg.loadRels(path.Join(pkg.dir, "_rels", path.Base(mainPart)+".rels"))
	pkg.loadNumbering(path.Join(pkg.dir, "numbering.xml"))

	w := &htmlWriter{pkg: pkg}
	w.blocks(body.children)
	w.closeLists()
	return &Conversion{HTML: w.b.String(), Messages: w.messages}, nil
}

type relationship struct {
	ID         string `xml:"Id,attr"`
	Type       string `xml:"Type,attr"`
	Target     string `xml:"Target,attr"`
	TargetMode string `xml:"TargetMode,attr"`
}

type relationshipsXML struct {
	Items []relationship `xml:"Relationship"`
}

type docxPackage struct {
	files map[string]*zip.File
	dir   string
	rels  map[string]relationship
	// numId -> abstract level formats, keyed by ilvl
	numbering map[string]map[string]string

	maxPart     int64
	maxElements int
	// bytes of inline images still allowed
	imageBudget int64
}

func orDefault(v, def int64) int64 {
	if v <= 0 {
		return def
	}
	return v
}

func partTooLarge(name string, limit int64) error {
	return failure.New(failure.KindFileTooLarge, "part %s exceeds %d uncompressed bytes", name, limit)
}

func (p *docxPackage) read(name string, limit int64) ([]byte, error) {
	f, ok := p.files[name]
	if !ok {
		return nil, fmt.Errorf("part %s not found", name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open part %s: %w", name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read part %s: %w", name, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("part %s exceeds %d bytes", name, limit)
	}
	return data, nil
}

func (p *docxPackage) mainPart() string {
	data, err := p.read("_rels/.rels", 1<<20)
	if err != nil {
		return defaultMainPart
	}
	var rels relationshipsXML
	if err := xml.Unmarshal(data, &rels); err != nil {
		return defaultMainPart
	}
	for _, r := range rels.Items {
		if strings.HasSuffix(r.Type, officeDocumentRel) && r.Target != "" {
			return strings.TrimPrefix(r.Target, "/")
		}
	}
	return defaultMainPart
}

func (p *docxPackage) parsePart(name string) (*xnode, error) {
	f, ok := p.files[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNoBody)
	}
	if f.UncompressedSize64 > uint64(p.maxPart) {
		return nil, partTooLarge(name, p.maxPart)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open part %s: %w", name, err)
	}
	defer rc.Close()
	// the header size is not trusted
	lr := &io.LimitedReader{R: rc, N: p.maxPart + 1}
	root, err := parseXML(lr, p.maxElements)
	if lr.N <= 0 {
		return nil, partTooLarge(name, p.maxPart)
	}
	return root, err
}

func (p *docxPackage) loadRels(name string) map[string]relationship {
	out := make(map[string]relationship)
	data, err := p.read(name, 4<<20)
	if err != nil {
		return out
	}
	var rels relationshipsXML
	if err := xml.Unmarshal(data, &rels); err != nil {
		return out
	}
	for _, r := range rels.Items {
		out[r.ID] = r
	}
	return out
}

func (p *docxPackage) loadNumbering(name string) {
	p.numbering = make(map[string]map[string]string)
	if _, ok := p.files[name]; !ok {
		return
	}
	root, err := p.parsePart(name)
	if err != nil {
		return
	}
	abstract := make(map[string]map[string]string)
	root.each("abstractNum", func(n *xnode) {
		id, _ := n.attr("abstractNumId")
		levels := make(map[string]string)
		for _, lvl := range n.children {
			if lvl.local != "lvl" {
				continue
			}
			ilvl, _ := lvl.attr("ilvl")
			if f := lvl.child("numFmt"); f != nil {
				levels[ilvl], _ = f.attr("val")
			}
		}
		abstract[id] = levels
	})
	root.each("num", func(n *xnode) {
		numID, _ := n.attr("numId")
		if ref := n.child("abstractNumId"); ref != nil {
			absID, _ := ref.attr("val")
			p.numbering[numID] = abstract[absID]
		}
	})
}

func (p *docxPackage) listTag(numID, level string) string {
	if levels, ok := p.numbering[numID]; ok {
		if f, ok := levels[level]; ok && f != "bullet" && f != "none" {
			return "ol"
		}
	}
	return "ul"
}

// xnode is a minimal element tree; only text of w:t elements is kept.
type xnode struct {
	local    string
	attrs    []xml.Attr
	children []*xnode
	text     string
}

func parseXML(r io.Reader, maxElements int) (*xnode, error) {
	dec := xml.NewDecoder(r)
	root := &xnode{local: "#root"}
	stack := []*xnode{root}
	elements := 0
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			elements++
			if elements > maxElements {
				return nil, failure.New(failure.KindFileTooLarge, "more than %d xml elements", maxElements)
			}
			n := &xnode{local: t.Name.Local, attrs: t.Attr}
			parent := stack[len(stack)-1]
			parent.children = append(parent.children, n)
			stack = append(stack, n)
		case xml.EndElement:
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			if top := stack[len(stack)-1]; top.local == "t" {
				top.text += string(t)
			}
		}
	}
	return root, nil
}

func (n *xnode) attr(local string) (string, bool) {
	for _, a := range n.attrs {
		if a.Name.Local == local {
			return a.Value, true
		}
	}
	return "", false
}

func (n *xnode) child(local string) *xnode {
	for _, c := range n.children {
		if c.local == local {
			return c
		}
	}
	return nil
}

func (n *xnode) find(local string) *xnode {
	for _, c := range n.children {
		if c.local == local {
			return c
		}
		if found := c.find(local); found != nil {
			return found
		}
	}
	return nil
}

func (n *xnode) each(local string, fn func(*xnode)) {
	for _, c := range n.children {
		if c.local == local {
			fn(c)
		}
		c.each(local, fn)
	}
}

// toggled reports whether an on/off property element is set.
func toggled(n *xnode) bool {
	if n == nil {
		return false
	}
	v, ok := n.attr("val")
	if !ok {
		return true
	}
	switch strings.ToLower(v) {
	case "0", "false", "off", "none":
		return false
	}
	return true
}

type htmlWriter struct {
	pkg      *docxPackage
	b        strings.Builder
	lists    []string
	messages []string
}

func (w *htmlWriter) blocks(nodes []*xnode) {
	for _, n := range nodes {
		switch n.local {
		case "p":
			w.paragraph(n)
		case "tbl":
			w.closeLists()
			w.table(n)
		case "sdt":
			if c := n.child("sdtContent"); c != nil {
				w.blocks(c.children)
			}
		case "customXml":
			w.blocks(n.children)
		}
	}
}

func (w *htmlWriter) paragraph(p *xnode) {
	content := w.inline(p.children)
	var style, numID, level string
	if pPr := p.child("pPr"); pPr != nil {
		if s := pPr.child("pStyle"); s != nil {
			style, _ = s.attr("val")
		}
		if numPr := pPr.child("numPr"); numPr != nil {
			if id := numPr.child("numId"); id != nil {
				numID, _ = id.attr("val")
			}
			level = "0"
			if l := numPr.child("ilvl"); l != nil {
				level, _ = l.attr("val")
			}
		}
	}
	if numID != "" && numID != "0" {
		if strings.TrimSpace(content) != "" {
			w.listItem(numID, level, content)
		}
		return
	}
	w.closeLists()
	if strings.TrimSpace(content) == "" {
		return
	}
	tag := blockTag(style)
	fmt.Fprintf(&w.b, "<%s>%s</%s>", tag, content, tag)
}

func blockTag(style string) string {
	s := strings.ToLower(strings.ReplaceAll(style, " ", ""))
	switch {
	case s == "title":
		return "h1"
	case s == "subtitle":
		return "h2"
	case strings.HasPrefix(s, "heading"):
		if n, err := strconv.Atoi(strings.TrimPrefix(s, "heading")); err == nil && n >= 1 && n <= 6 {
			return "h" + strconv.Itoa(n)
		}
	case s == "quote" || s == "intensequote":
		return "blockquote"
	}
	return "p"
}

func (w *htmlWriter) listItem(numID, level, content string) {
	depth, err := strconv.Atoi(level)
	if err != nil || depth < 0 {
		depth = 0
	}
	if depth >= maxListDepth {
		depth = maxListDepth - 1
	}
	tag := w.pkg.listTag(numID, strconv.Itoa(depth))
	for len(w.lists) > depth+1 {
		w.closeList()
	}
	if len(w.lists) == depth+1 && w.lists[depth] != tag {
		w.closeList()
	}
	for len(w.lists) < depth+1 {
		w.lists = append(w.lists, tag)
		fmt.Fprintf(&w.b, "<%s>", tag)
	}
	fmt.Fprintf(&w.b, "<li>%s</li>", content)
}

func (w *htmlWriter) closeList() {
	tag := w.lists[len(w.lists)-1]
	w.lists = w.lists[:len(w.lists)-1]
	fmt.Fprintf(&w.b, "</%s>", tag)
}

func (w *htmlWriter) closeLists() {
	for len(w.lists) > 0 {
		w.closeList()
	}
}

func (w *htmlWriter) table(tbl *xnode) {
	w.b.WriteString("<table>")
	for _, tr := range tbl.children {
		if tr.local != "tr" {
			continue
		}
		w.b.WriteString("<tr>")
		for _, tc := range tr.children {
			if tc.local != "tc" {
				continue
			}
			cell := &htmlWriter{pkg: w.pkg}
			cell.blocks(tc.children)
			cell.closeLists()
			w.messages = append(w.messages, cell.messages...)
			span := 1
			if tcPr := tc.child("tcPr"); tcPr != nil {
				if gs := tcPr.child("gridSpan"); gs != nil {
					v, _ := gs.attr("val")
					if n, err := strconv.Atoi(v); err == nil && n > 1 {
						span = n
					}
				}
			}
			if span > 1 {
				fmt.Fprintf(&w.b, `<td colspan="%d">`, span)
			} else {
				w.b.WriteString("<td>")
			}
			w.b.WriteString(cell.b.String())
			w.b.WriteString("</td>")
		}
		w.b.WriteString("</tr>")
	}
	w.b.WriteString("</table>")
}

func (w *htmlWriter) inline(nodes []*xnode) string {
	var sb strings.Builder
	for _, n := range nodes {
		switch n.local {
		case "r":
			sb.WriteString(w.run(n))
		case "hyperlink":
			inner := w.inline(n.children)
			if href := w.hyperlinkTarget(n); href != "" && inner != "" {
				fmt.Fprintf(&sb, `<a href="%s">%s</a>`, html.EscapeString(href), inner)
			} else {
				sb.WriteString(inner)
			}
		case "ins", "smartTag", "fldSimple", "customXml":
			sb.WriteString(w.inline(n.children))
		case "sdt":
			if c := n.child("sdtContent"); c != nil {
				sb.WriteString(w.inline(c.children))
			}
		}
	}
	return sb.String()
}

func (w *htmlWriter) hyperlinkTarget(n *xnode) string {
	if id, ok := n.attr("id"); ok {
		if rel, ok := w.pkg.rels[id]; ok {
			return rel.Target
		}
	}
	if anchor, ok := n.attr("anchor"); ok && anchor != "" {
		return "#" + anchor
	}
	return ""
}

func (w *htmlWriter) run(r *xnode) string {
	var sb strings.Builder
	for _, c := range r.children {
		switch c.local {
		case "t":
			sb.WriteString(html.EscapeString(c.text))
		case "tab":
			sb.WriteString("\t")
		case "br", "cr":
			sb.WriteString("<br>")
		case "noBreakHyphen":
			sb.WriteString("-")
		case "drawing", "pict":
			sb.WriteString(w.images(c))
		}
	}
	s := sb.String()
	if s == "" {
		return ""
	}
	rPr := r.child("rPr")
	if rPr == nil {
		return s
	}
	if va := rPr.child("vertAlign"); va != nil {
		switch v, _ := va.attr("val"); v {
		case "superscript":
			s = "<sup>" + s + "</sup>"
		case "subscript":
			s = "<sub>" + s + "</sub>"
		}
	}
	if toggled(rPr.child("strike")) || toggled(rPr.child("dstrike")) {
		s = "<s>" + s + "</s>"
	}
	if toggled(rPr.child("u")) {
		s = "<u>" + s + "</u>"
	}
	if toggled(rPr.child("i")) {
		s = "<em>" + s + "</em>"
	}
	if toggled(rPr.child("b")) {
		s = "<strong>" + s + "</strong>"
	}
	return s
}

func (w *htmlWriter) images(n *xnode) string {
	alt := ""
	if docPr := n.find("docPr"); docPr != nil {
		alt, _ = docPr.attr("descr")
	}
	var sb strings.Builder
	embed := func(id string) {
		rel, ok := w.pkg.rels[id]
		if !ok || strings.EqualFold(rel.TargetMode, "External") {
			return
		}
		name := path.Clean(path.Join(w.pkg.dir, rel.Target))
		mime, ok := imageMimeTypes[strings.ToLower(path.Ext(name))]
		if !ok {
			w.messages = append(w.messages, fmt.Sprintf("unsupported image type %s", path.Ext(name)))
			return
		}
		limit := min(int64(maxInlineImageBytes), w.pkg.imageBudget)
		if limit <= 0 {
			w.messages = append(w.messages, fmt.Sprintf("image %s skipped, inline image budget used up", name))
			return
		}
		data, err := w.pkg.read(name, limit)
		if err != nil {
			w.messages = append(w.messages, err.Error())
			return
		}
		w.pkg.imageBudget -= int64(len(data))
		fmt.Fprintf(&sb, `<img src="data:%s;base64,%s" alt="%s">`,
			mime, base64.StdEncoding.EncodeToString(data), html.EscapeString(alt))
	}
	n.each("blip", func(b *xnode) {
		if id, ok := b.attr("embed"); ok {
			embed(id)
		}
	})
	n.each("imagedata", func(d *xnode) {
		if id, ok := d.attr("id"); ok {
			embed(id)
		}
	})
	return sb.String()
}
