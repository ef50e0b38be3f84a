package assembler

import (
	"regexp"
	"sort"
	"strings"
)

// markerPattern matches [AI:<placeholderId>] and [ROW:<column>], kind case-insensitive,
// with optional spaces around the colon
var markerPattern = regexp.MustCompile(`(?i)\[\s*(AI|ROW)\s*:\s*([^\[\]]*?)\s*\]`)

type resolver struct {
	results map[string]string
	row     map[string]string
}

func (r resolver) resolve(kind, key string) string {
	if strings.EqualFold(kind, "AI") {
		return r.results[key]
	}
	if v, ok := r.row[key]; ok {
		return v
	}
	// spreadsheet headers are often typed with different casing than the marker
	keys := make([]string, 0, len(r.row))
	for k := range r.row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.EqualFold(k, key) {
			return r.row[k]
		}
	}
	return ""
}

// replaceAt returns the replacement for the match whose submatch indexes are m
func (r resolver) replaceAt(s string, m []int) string {
	return r.resolve(s[m[2]:m[3]], s[m[4]:m[5]])
}

// ReplaceMarkers substitutes every marker in text. Unknown markers become "".
func ReplaceMarkers(text string, results, row map[string]string) string {
	r := resolver{results: results, row: row}
	matches := markerPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text
	}

	var b strings.Builder
	prev := 0
	for _, m := range matches {
		b.WriteString(text[prev:m[0]])
		b.WriteString(r.replaceAt(text, m))
		prev = m[1]
	}
	b.WriteString(text[prev:])
	return b.String()
}

// HasMarkers reports whether text still contains a marker
func HasMarkers(text string) bool {
	return markerPattern.MatchString(text)
}
