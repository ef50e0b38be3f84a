package assembler

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"html"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"
)

// minPrintableRun is the shortest run of printable characters kept when
// salvaging text from an unreadable package
const minPrintableRun = 4

// ExtractText returns the plain text of a docx body, one line per paragraph.
func ExtractText(docx []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(docx), int64(len(docx)))
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}
	for _, f := range zr.File {
		if f.Name != "word/document.xml" {
			continue
		}
		data, err := readZipFile(f)
		if err != nil {
			return "", fmt.Errorf("read document: %w", err)
		}
		return textFromXML(data)
	}
	return "", errors.New("word/document.xml missing")
}

func textFromXML(data []byte) (string, error) {
	d := xml.NewDecoder(bytes.NewReader(data))
	var (
		b      strings.Builder
		inText bool
		inRun  int
	)
	for {
		tok, err := d.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse document: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "r":
				inRun++
			case "t":
				inText = true
			case "tab":
				if inRun > 0 {
					b.WriteByte('\t')
				}
			case "br", "cr":
				b.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "r":
				inRun--
			case "t":
				inText = false
			case "p":
				b.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// fallbackText salvages what text it can from a template the structured pass rejected
func fallbackText(template []byte) string {
	zr, err := zip.NewReader(bytes.NewReader(template), int64(len(template)))
	if err != nil {
		return printableRuns(template)
	}

	var parts []string
	for _, f := range zr.File {
		if !textPartPattern.MatchString(f.Name) {
			continue
		}
		data, err := readZipFile(f)
		if err != nil {
			continue
		}
		if text, err := textFromXML(data); err == nil {
			parts = append(parts, text)
			continue
		}
		parts = append(parts, stripTags(string(data)))
	}
	if len(parts) == 0 {
		return printableRuns(template)
	}
	return strings.Join(parts, "\n")
}

// stripTags is the lenient reading of XML that does not parse
func stripTags(s string) string {
	s = strings.ReplaceAll(s, "</w:p>", "\n")
	s = tagPattern.ReplaceAllString(s, "")
	return strings.TrimSpace(html.UnescapeString(s))
}

func printableRuns(data []byte) string {
	var (
		runs []string
		cur  strings.Builder
		n    int
	)
	flush := func() {
		if n >= minPrintableRun {
			runs = append(runs, cur.String())
		}
		cur.Reset()
		n = 0
	}

	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		data = data[size:]
		if r != utf8.RuneError && (unicode.IsPrint(r) || r == '\t') {
			cur.WriteRune(r)
			n++
			continue
		}
		flush()
	}
	flush()
	return strings.Join(runs, "\n")
}

const (
	contentTypesXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types"><Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/><Default Extension="xml" ContentType="application/xml"/><Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/></Types>`

	relsXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships"><Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="word/document.xml"/></Relationships>`

	documentHead = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`

	documentTail = `<w:sectPr/></w:body></w:document>`
)

// BuildDocx writes text into a minimal Word package, one paragraph per line.
func BuildDocx(text string) ([]byte, error) {
	var doc strings.Builder
	doc.WriteString(documentHead)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			doc.WriteString("<w:p/>")
			continue
		}
		doc.WriteString("<w:p><w:r>")
		doc.WriteString(renderText(line))
		doc.WriteString("</w:r></w:p>")
	}
	doc.WriteString(documentTail)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	entries := []struct{ name, body string }{
		{"[Content_Types].xml", contentTypesXML},
		{"_rels/.rels", relsXML},
		{"word/document.xml", doc.String()},
	}
	for _, e := range entries {
		w, err := zw.Create(e.name)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", e.name, err)
		}
		if _, err := io.WriteString(w, e.body); err != nil {
			return nil, fmt.Errorf("write %s: %w", e.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close package: %w", err)
	}
	return buf.Bytes(), nil
}
