package retrieval

import (
	"fmt"
	"strings"
)

// BuildPrompt assembles the RAG prompt: persona, language and evidence rules,
// the quoted scoped memories in order (newest last), and the question.
func BuildPrompt(persona string, contexts []string, question string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a helpful personal assistant.\n", persona)
	b.WriteString("IMPORTANT: Reply in the same language as the user's question.\n")
	b.WriteString("IMPORTANT: Use only the scoped memories below as evidence.\n")
	b.WriteString("If the scoped memories are insufficient, explicitly say no matching records.\n")
	b.WriteString("\nScoped memories (quoted):\n")
	for i, ctx := range contexts {
		fmt.Fprintf(&b, "%d. %q\n", i+1, ctx)
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(question)
	return b.String()
}
