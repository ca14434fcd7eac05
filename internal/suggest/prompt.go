package suggest

import (
	"fmt"
	"strings"
)

// buildPrompt asks for glob rules covering labels, restricted to categories
// when any are known.
func buildPrompt(labels, categories []string) string {
	var b strings.Builder

	b.WriteString("You help a bookkeeper write matching rules for bank transaction labels.\n\n")
	b.WriteString("Task:\n")
	b.WriteString("- Propose rules that assign a category to the labels listed below.\n")
	b.WriteString("- Output STRICT JSON only (no comments, no trailing commas, no extra text).\n")
	b.WriteString("- Output a JSON array of objects.\n\n")

	b.WriteString("Each object must have these fields:\n")
	b.WriteString("- \"pattern\": string, a glob where * matches any run of characters\n")
	b.WriteString("- \"match_type\": string, one of \"glob\", \"contains\", \"exact\"\n")
	b.WriteString("- \"category\": string\n")
	b.WriteString("- \"sample\": string, one of the labels the rule matches\n\n")

	if len(categories) > 0 {
		b.WriteString("Use ONLY the following categories:\n")
		for _, c := range categories {
			b.WriteString("  - " + c + "\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("Labels:\n")
	for _, l := range labels {
		fmt.Fprintf(&b, "  - %s\n", l)
	}
	b.WriteString("\n")

	b.WriteString("Rules:\n")
	b.WriteString("- Prefer one general pattern over many specific ones, but never a bare \"*\".\n")
	b.WriteString("- Leave out labels you cannot categorize.\n\n")
	b.WriteString("Return ONLY valid raw JSON.\n")
	b.WriteString("Do NOT wrap the response in code fences.\n")
	b.WriteString("Output must begin with \"[\" and end with \"]\".\n")

	return b.String()
}

// cleanModelJSON strips Markdown fences and text around the JSON array when the
// model ignored the instructions.
func cleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)

	// Handle ```json ... ``` or ``` ... ``` wrappers.
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		} else {
			return s
		}
		s = strings.TrimSpace(s)
	}

	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}

	s = strings.TrimSpace(s)

	if start := strings.Index(s, "["); start != -1 {
		if end := strings.LastIndex(s, "]"); end != -1 && end > start {
			s = strings.TrimSpace(s[start : end+1])
		}
	}

	return s
}
