package analysis

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/c360studio/repolens/llm"
	"github.com/c360studio/repolens/store"
	"github.com/c360studio/repolens/structure"
	"github.com/c360studio/repolens/vectorindex"
)

const (
	// reducedContentLimit caps the source excerpt after a soft timeout.
	reducedContentLimit = 24 * 1024

	// snippetLimit caps each retrieved context snippet.
	snippetLimit = 600
)

const systemPrompt = "You are a precise code analyst. " +
	"Respond with a single JSON object and nothing else: no prose, no code fences."

const responseShape = `{
  "summary": {
    "title": "concise title for the file",
    "description": "3-5 sentences: purpose, core logic, role in the project"
  },
  "items": [
    {
      "title": "concise title for the element",
      "description": "2-4 sentences on what it does and how",
      "target_type": "class|function",
      "target_name": "name as declared, Container.name for methods",
      "start_line": 1,
      "end_line": 1
    }
  ]
}`

// buildPrompt assembles the messages for one file. The reduced form
// drops retrieved context and truncates the source so a retry after a
// soft timeout fits the request budget.
func buildPrompt(row *store.FileAnalysis, outline *structure.Outline, snippets []vectorindex.Scored, reduced bool) []llm.Message {
	var b strings.Builder

	fmt.Fprintf(&b, "Analyze the following %s source file. Produce a file summary plus one item per top-level class and per standalone function.\n\n", row.Language)
	fmt.Fprintf(&b, "File path: %s\n", row.FilePath)
	fmt.Fprintf(&b, "Language: %s\n", row.Language)

	if outline != nil && len(outline.Symbols) > 0 {
		b.WriteString("\nDeclared symbols:\n")
		for _, sym := range outline.Symbols {
			name := sym.Name
			if sym.Container != "" {
				name = sym.Container + "." + sym.Name
			}
			fmt.Fprintf(&b, "- %s %s (lines %d-%d)\n", sym.Kind, name, sym.StartLine, sym.EndLine)
		}
	}

	if !reduced && len(snippets) > 0 {
		b.WriteString("\nRelated code from elsewhere in the repository:\n")
		for _, s := range snippets {
			fmt.Fprintf(&b, "--- %s (%s) ---\n%s\n", s.Document.Title, s.Document.File, truncate(s.Document.Content, snippetLimit))
		}
	}

	content := row.CodeContent
	if reduced && len(content) > reducedContentLimit {
		content = truncate(content, reducedContentLimit) + "\n... (truncated)"
	}
	fmt.Fprintf(&b, "\nSource:\n```%s\n%s\n```\n", row.Language, content)

	b.WriteString("\nRespond with JSON of exactly this shape:\n")
	b.WriteString(responseShape)
	b.WriteString("\n\nRules:\n")
	b.WriteString("1. One item per top-level class (covering its methods) and per standalone function.\n")
	b.WriteString("2. Use the declared symbol names verbatim in target_name.\n")
	b.WriteString("3. Leave items empty when the file declares no classes or functions.\n")
	b.WriteString("4. Line numbers are 1-based and refer to this file.\n")

	return []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: b.String()},
	}
}

// truncate cuts s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}
