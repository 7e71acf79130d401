package agent

import (
	"strings"
	"testing"
)

func TestBuildSystemPromptDefaults(t *testing.T) {
	got := BuildSystemPrompt("", nil)
	if !strings.HasPrefix(got, "You are a helpful assistant.") {
		t.Errorf("prompt = %q, want default preamble", got)
	}
	if !strings.Contains(got, "Today is ") {
		t.Errorf("prompt missing date line: %q", got)
	}
	if strings.Contains(got, "Knowledge Base") {
		t.Errorf("prompt has knowledge base section without docs: %q", got)
	}
}

func TestBuildSystemPromptWithDocs(t *testing.T) {
	got := BuildSystemPrompt("  Custom base.  ", []ProjectDoc{
		{Name: "Style", Content: "Use tabs."},
		{Name: "Empty", Content: "   "},
		{Name: "Deploy", Content: "Ship on Fridays."},
	})

	if !strings.HasPrefix(got, "Custom base.") {
		t.Errorf("prompt = %q, want trimmed custom base first", got)
	}
	if !strings.Contains(got, "## Project Knowledge Base") {
		t.Errorf("prompt missing knowledge base header: %q", got)
	}
	for _, want := range []string{"### Style\nUse tabs.", "### Deploy\nShip on Fridays."} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing section %q", want)
		}
	}
	if strings.Contains(got, "### Empty") {
		t.Errorf("empty doc was not skipped: %q", got)
	}
}
