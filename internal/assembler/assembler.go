// Package assembler fills [AI:...] and [ROW:...] markers in Word templates.
package assembler

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/docforge/api/internal/model"
)

// MinTemplateSize is the smallest input accepted as a document
const MinTemplateSize = 64

const ContentTypeDocx = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

var zipSignature = []byte("PK\x03\x04")

// parts of the package that can carry markers
var textPartPattern = regexp.MustCompile(`^word/(document|header\d*|footer\d*|footnotes|endnotes)\.xml$`)

// paragraph boundaries and text nodes, self-closing forms first
var partTokenPattern = regexp.MustCompile(
	`<w:p(?:\s[^>]*)?/>|<w:p(?:\s[^>]*)?>|</w:p>|<w:t(?:\s[^>]*)?/>|<w:t(?:\s[^>]*)?>[^<]*</w:t>`)

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// structuralError marks a template the structured pass cannot process
type structuralError struct {
	part string
	err  error
}

func (e *structuralError) Error() string {
	if e.part == "" {
		return fmt.Sprintf("template structure: %v", e.err)
	}
	return fmt.Sprintf("template part %s: %v", e.part, e.err)
}

func (e *structuralError) Unwrap() error { return e.err }

type Assembler struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{logger: logger}
}

// Assemble fills every marker of template from results and row. Templates whose
// structure cannot be processed are reduced to their text and emitted as a fresh
// minimal document instead.
func (a *Assembler) Assemble(template []byte, results map[string]string, row map[string]string) ([]byte, error) {
	if err := Validate(template); err != nil {
		return nil, err
	}

	res := resolver{results: results, row: row}

	out, err := a.assembleStructured(template, res)
	if err == nil {
		return out, nil
	}

	var serr *structuralError
	if !errors.As(err, &serr) {
		return nil, err
	}

	a.logger.Warn("assembler.fallback", "reason", err.Error())
	text := fallbackText(template)
	return BuildDocx(ReplaceMarkers(text, results, row))
}

// Validate rejects input that cannot be a Word package at all
func Validate(template []byte) error {
	if len(template) < MinTemplateSize {
		return &model.CorruptTemplateError{Reason: fmt.Sprintf("template is %d bytes, need at least %d", len(template), MinTemplateSize)}
	}
	if !bytes.HasPrefix(template, zipSignature) {
		return &model.CorruptTemplateError{Reason: "template is not a zip package"}
	}
	return nil
}

func (a *Assembler) assembleStructured(template []byte, res resolver) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(template), int64(len(template)))
	if err != nil {
		return nil, &structuralError{err: err}
	}

	rewritten := make(map[string][]byte)
	foundDocument := false
	for _, f := range zr.File {
		if !textPartPattern.MatchString(f.Name) {
			continue
		}
		if f.Name == "word/document.xml" {
			foundDocument = true
		}

		data, err := readZipFile(f)
		if err != nil {
			return nil, &structuralError{part: f.Name, err: err}
		}
		if err := checkWellFormed(data); err != nil {
			return nil, &structuralError{part: f.Name, err: err}
		}

		out, changed := rewritePart(data, res)
		if !changed {
			continue
		}
		if err := checkWellFormed(out); err != nil {
			return nil, &structuralError{part: f.Name, err: fmt.Errorf("rewritten part: %w", err)}
		}
		rewritten[f.Name] = out
	}
	if !foundDocument {
		return nil, &structuralError{err: errors.New("word/document.xml missing")}
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range zr.File {
		content, ok := rewritten[f.Name]
		if !ok {
			if err := zw.Copy(f); err != nil {
				return nil, fmt.Errorf("copy %s: %w", f.Name, err)
			}
			continue
		}
		w, err := zw.CreateHeader(&zip.FileHeader{Name: f.Name, Method: zip.Deflate, Modified: f.Modified})
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", f.Name, err)
		}
		if _, err := w.Write(content); err != nil {
			return nil, fmt.Errorf("write %s: %w", f.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close package: %w", err)
	}
	return buf.Bytes(), nil
}

type textNode struct {
	start, end int
	text       string
}

type edit struct {
	start, end int
	repl       string
}

// rewritePart replaces markers paragraph by paragraph. Text nodes of a paragraph
// are joined first so markers split across runs are found.
func rewritePart(data []byte, res resolver) ([]byte, bool) {
	s := string(data)
	var (
		stack [][]*textNode
		edits []edit
	)

	flush := func(nodes []*textNode) {
		edits = append(edits, rewriteParagraph(s, nodes, res)...)
	}

	for _, loc := range partTokenPattern.FindAllStringIndex(s, -1) {
		tok := s[loc[0]:loc[1]]
		switch {
		case strings.HasPrefix(tok, "</w:p"):
			if len(stack) == 0 {
				continue
			}
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			flush(top)
		case strings.HasPrefix(tok, "<w:p"):
			if strings.HasSuffix(tok, "/>") {
				continue
			}
			stack = append(stack, nil)
		default:
			node := &textNode{start: loc[0], end: loc[1], text: nodeText(tok)}
			if len(stack) == 0 {
				flush([]*textNode{node})
				continue
			}
			stack[len(stack)-1] = append(stack[len(stack)-1], node)
		}
	}
	for i := len(stack) - 1; i >= 0; i-- {
		flush(stack[i])
	}

	if len(edits) == 0 {
		return data, false
	}

	sort.Slice(edits, func(i, j int) bool { return edits[i].start < edits[j].start })
	var b strings.Builder
	prev := 0
	for _, e := range edits {
		b.WriteString(s[prev:e.start])
		b.WriteString(e.repl)
		prev = e.end
	}
	b.WriteString(s[prev:])
	return []byte(b.String()), true
}

func rewriteParagraph(s string, nodes []*textNode, res resolver) []edit {
	if len(nodes) == 0 {
		return nil
	}

	offsets := make([]int, len(nodes)+1)
	var joined strings.Builder
	for i, n := range nodes {
		offsets[i] = joined.Len()
		joined.WriteString(n.text)
	}
	offsets[len(nodes)] = joined.Len()
	full := joined.String()

	matches := markerPattern.FindAllStringSubmatchIndex(full, -1)
	if len(matches) == 0 {
		return nil
	}

	var edits []edit
	for i, n := range nodes {
		ns, ne := offsets[i], offsets[i+1]
		var b strings.Builder
		p := ns
		for _, m := range matches {
			ms, me := m[0], m[1]
			if ms >= ne || me <= ns {
				continue
			}
			if ms > p {
				b.WriteString(full[p:ms])
			}
			// the node holding the marker's first byte receives the replacement
			if ms >= ns {
				b.WriteString(res.replaceAt(full, m))
			}
			p = min(me, ne)
		}
		if p < ne {
			b.WriteString(full[p:ne])
		}

		if b.String() != n.text {
			edits = append(edits, edit{start: n.start, end: n.end, repl: renderText(b.String())})
		}
	}
	return edits
}

// nodeText returns the unescaped content of a <w:t> element
func nodeText(tok string) string {
	if strings.HasSuffix(tok, "/>") {
		return ""
	}
	open := strings.IndexByte(tok, '>')
	end := strings.LastIndex(tok, "</w:t>")
	if open < 0 || end < open {
		return ""
	}
	return html.UnescapeString(tok[open+1 : end])
}

// renderText emits text as one or more <w:t> elements, turning newlines into breaks
func renderText(text string) string {
	var b strings.Builder
	for i, line := range strings.Split(text, "\n") {
		if i > 0 {
			b.WriteString("<w:br/>")
		}
		b.WriteString(`<w:t xml:space="preserve">`)
		_ = xml.EscapeText(&b, []byte(strings.TrimSuffix(line, "\r")))
		b.WriteString("</w:t>")
	}
	return b.String()
}

func checkWellFormed(data []byte) error {
	d := xml.NewDecoder(bytes.NewReader(data))
	d.Strict = true
	for {
		_, err := d.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
