package usecase

import (
	"fmt"
	"strings"

	"github.com/PH536-UI/mr-dom-ph-copilot/internal/assembler"
	"github.com/PH536-UI/mr-dom-ph-copilot/internal/domain"
)

// buildPromptMessages turns a context package into the chat transcript sent
// to the completion API: the handler's system prompt, the retained history,
// an optional system block carrying external record data, and finally the
// current user message.
func buildPromptMessages(systemPrompt string, pkg assembler.Package, degraded bool) []domain.ChatMessage {
	messages := []domain.ChatMessage{
		{Role: "system", Content: strings.TrimSpace(systemPrompt)},
	}

	for _, e := range pkg.History {
		content := strings.TrimSpace(e.Content)
		if content == "" {
			continue
		}
		messages = append(messages, domain.ChatMessage{
			Role:    string(e.Role),
			Content: content,
		})
	}

	if len(pkg.Facts) > 0 {
		messages = append(messages, domain.ChatMessage{
			Role:    "system",
			Content: factsPrompt(pkg.Facts, degraded),
		})
	}

	messages = append(messages, domain.ChatMessage{
		Role:    "user",
		Content: pkg.Current,
	})
	return messages
}

// factsPrompt renders the gathered external facts. Failed lookups are shown
// as unavailable so the model acknowledges the gap instead of inventing
// data; a fully degraded result instructs it to apologize.
func factsPrompt(facts []domain.ExternalFact, degraded bool) string {
	var b strings.Builder
	b.WriteString("Dados dos sistemas externos:\n")
	for _, f := range facts {
		if f.Failed {
			fmt.Fprintf(&b, "- %s/%s: indisponível (%s)\n", f.Source, f.Key, f.Error)
			continue
		}
		fmt.Fprintf(&b, "- %s/%s: %s\n", f.Source, f.Key, f.Value)
	}
	if degraded {
		b.WriteString("\nNenhum sistema externo respondeu. Peça desculpas e não invente dados.")
	}
	return strings.TrimRight(b.String(), "\n")
}
