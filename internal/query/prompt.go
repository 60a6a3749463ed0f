// Package query answers natural-language questions with retrieval-augmented
// generation: embed the question, search the vector collection, assemble a
// grounded prompt from the hits that clear the similarity threshold, and
// generate.
package query

import (
	"fmt"
	"strings"

	"github.com/anthonymdukes/pdf-chat-appliance/internal/vectorstore"
)

// ContextSection is one retrieved chunk that cleared the similarity
// threshold, formatted for inclusion in a grounded prompt.
type ContextSection struct {
	Index int
	Pages []int
	Score float64
	Text  string
}

// BuildSections keeps the hits whose score strictly exceeds threshold, in
// the order returned by the search (descending score). Hits with no text
// payload are skipped: a miss never fabricates a context section.
func BuildSections(hits []vectorstore.ScoredPoint, threshold float64) []ContextSection {
	sections := make([]ContextSection, 0, len(hits))
	for _, hit := range hits {
		text, _ := hit.Payload["text"].(string)
		if text == "" || hit.Score <= threshold {
			continue
		}
		sections = append(sections, ContextSection{
			Index: len(sections) + 1,
			Pages: pagesFromPayload(hit.Payload["pages"]),
			Score: hit.Score,
			Text:  text,
		})
	}
	return sections
}

// BuildPrompt assembles the grounded template when sections are non-empty,
// otherwise the bare conversational template. The combined context text is
// truncated to maxContextLength characters.
func BuildPrompt(question string, sections []ContextSection, maxContextLength int) string {
	if len(sections) == 0 {
		return fmt.Sprintf("User: %s\nAssistant:", question)
	}

	parts := make([]string, len(sections))
	for i, section := range sections {
		parts[i] = fmt.Sprintf("Context %d (Pages %s, Relevance: %.2f):\n%s",
			section.Index, formatPages(section.Pages), section.Score, section.Text)
	}
	contextText := strings.Join(parts, "\n\n")
	if maxContextLength > 0 && len(contextText) > maxContextLength {
		contextText = contextText[:maxContextLength]
	}

	return fmt.Sprintf(`Based on the following context from the uploaded documents, please answer the user's question:

Context:
%s

User Question: %s

Please provide a comprehensive answer based on the context provided. If the context doesn't contain enough information to answer the question, please say so.

Assistant:`, contextText, question)
}

func formatPages(pages []int) string {
	if len(pages) == 0 {
		return "[]"
	}
	parts := make([]string, len(pages))
	for i, p := range pages {
		parts[i] = fmt.Sprintf("%d", p)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// pagesFromPayload tolerates the shapes a JSON round-trip produces for the
// page span.
func pagesFromPayload(raw interface{}) []int {
	switch v := raw.(type) {
	case []int:
		return append([]int(nil), v...)
	case []interface{}:
		pages := make([]int, 0, len(v))
		for _, item := range v {
			switch n := item.(type) {
			case float64:
				pages = append(pages, int(n))
			case int:
				pages = append(pages, n)
			}
		}
		return pages
	default:
		return nil
	}
}
