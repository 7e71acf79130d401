package agent

import (
	"fmt"
	"strings"
	"time"
)

// ProjectDoc is a knowledge-base document attached to a project.
type ProjectDoc struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// BuildSystemPrompt assembles the system prompt for a turn from the
// project's base prompt and its knowledge-base documents.
func BuildSystemPrompt(base string, docs []ProjectDoc) string {
	var b strings.Builder
	if base != "" {
		b.WriteString(strings.TrimSpace(base))
	} else {
		b.WriteString("You are a helpful assistant.")
	}
	b.WriteString("\n\n")
	b.WriteString(fmt.Sprintf("Today is %s.", time.Now().Format("Monday, 2 January 2006")))

	if len(docs) > 0 {
		b.WriteString("\n\n## Project Knowledge Base\n")
		for _, d := range docs {
			if strings.TrimSpace(d.Content) == "" {
				continue
			}
			b.WriteString(fmt.Sprintf("\n### %s\n%s\n", d.Name, strings.TrimSpace(d.Content)))
		}
	}
	return b.String()
}
