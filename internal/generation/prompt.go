package generation

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/docforge/api/internal/model"
)

// MaxContextChars bounds the document context embedded in a prompt
const MaxContextChars = 6000

const systemPrompt = `You write one passage of a business document that is generated from a template.
Respond with the replacement text for the placeholder only: no preamble, no headings, no markdown, no surrounding quotes.
Match the tone and language of the surrounding paragraph. Use the row data for names, figures and facts; never invent values that contradict it.`

// Prompt is the system/user pair sent to the model
type Prompt struct {
	System string
	User   string
}

// BuildPrompt composes the prompt for one instruction. Row data is rendered as
// JSON with sorted keys so identical inputs always produce identical prompts.
func BuildPrompt(in model.Instruction, row model.RowData, documentContext string, maxContext int) Prompt {
	if maxContext <= 0 {
		maxContext = MaxContextChars
	}

	var b strings.Builder
	b.WriteString("Instruction:\n")
	b.WriteString(strings.TrimSpace(in.Prompt))
	b.WriteString("\n\nRow data (JSON):\n")
	if len(row) == 0 {
		b.WriteString("{}")
	} else {
		data, _ := json.MarshalIndent(row, "", "  ")
		b.Write(data)
	}

	if ctx := strings.TrimSpace(in.ParagraphContext); ctx != "" {
		b.WriteString("\n\nParagraph containing the placeholder:\n")
		b.WriteString(ctx)
	}

	if doc := strings.TrimSpace(documentContext); doc != "" {
		b.WriteString("\n\nReference document:\n")
		b.WriteString(truncateRunes(doc, maxContext))
	}

	return Prompt{System: systemPrompt, User: b.String()}
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
