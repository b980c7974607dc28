package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeJSONResponse decodes a JSON response from an LLM into v, handling
// markdown code fences and leading chatter before the first brace.
func DecodeJSONResponse(text string, v any) error {
	text = stripCodeFence(strings.TrimSpace(text))
	if text == "" {
		return fmt.Errorf("empty LLM response")
	}

	if i := strings.IndexAny(text, "{["); i > 0 {
		text = text[i:]
	}

	if err := json.Unmarshal([]byte(text), v); err != nil {
		return fmt.Errorf("parsing LLM response as JSON: %w", err)
	}
	return nil
}

func stripCodeFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	endIdx := len(lines)
	for i := len(lines) - 1; i > 0; i-- {
		if strings.TrimSpace(lines[i]) == "```" {
			endIdx = i
			break
		}
	}
	return strings.Join(lines[1:endIdx], "\n")
}
