package analysis

import (
	"encoding/json"
	"fmt"
	"strings"
)

// systemPrompt is shared by every call. The placeholder rule matters: tokens
// like [PERSON_1] must survive into the output verbatim or the vault cannot
// rehydrate the final result.
const systemPrompt = `You are a careful document analyst. The text you receive is pseudonymized: placeholders like [PERSON_1] or [EMAIL_2] stand for real values. Treat each placeholder as a stable identifier for one person or value, copy placeholders into your output exactly as written, and never invent new ones.`

const (
	// Refine context is capped so it never crowds the chunk out of the
	// model's window; when over budget the tail is kept, since recent parts
	// matter most to the next chunk.
	refineContextMax = 8000
	refinePartMax    = 2000
)

// buildRefineContext folds completed chunk outputs (index order) into the
// running synthesis passed to the next chunk.
func buildRefineContext(outputs []string) string {
	if len(outputs) == 0 {
		return ""
	}
	var b strings.Builder
	for i, out := range outputs {
		part := strings.TrimSpace(out)
		if len(part) > refinePartMax {
			part = part[:refinePartMax]
		}
		fmt.Fprintf(&b, "### Part %d:\n%s\n\n", i+1, part)
	}
	ctx := strings.TrimSpace(b.String())
	if len(ctx) > refineContextMax {
		ctx = ctx[len(ctx)-refineContextMax:]
	}
	return ctx
}

// chunkPrompt assembles the per-chunk prompt: task instructions, detail
// tuning, the synthesis so far, the output contract for JSON tasks, and the
// chunk itself.
func chunkPrompt(task *Task, detail, chunkText, refineContext string, part, totalParts int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "This is PART %d of %d of a longer document.\n\n", part, totalParts)
	b.WriteString(task.chunkIntro)
	if suffix := detailSuffix(detail); suffix != "" {
		b.WriteString("\n")
		b.WriteString(suffix)
	}

	if refineContext != "" {
		b.WriteString("\n\n## Synthesis of earlier parts\n")
		b.WriteString("Use this to keep references, people, and topics consistent; do not repeat it back.\n\n")
		b.WriteString(refineContext)
	}

	if task.JSON {
		b.WriteString("\n\n## Output format\nReturn ONLY a JSON object matching this JSON Schema:\n")
		b.WriteString(mustJSON(task.Schema))
	}

	fmt.Fprintf(&b, "\n\n## Document (part %d of %d)\n%s\n", part, totalParts, chunkText)
	return b.String()
}

// consolidationPrompt joins every completed part with separators and asks
// for the final report.
func consolidationPrompt(task *Task, detail string, outputs []string) string {
	parts := make([]string, len(outputs))
	for i, out := range outputs {
		parts[i] = fmt.Sprintf("Part %d: %s", i+1, out)
	}

	var b strings.Builder
	b.WriteString(task.consolidateIntro)
	if suffix := detailSuffix(detail); suffix != "" {
		b.WriteString("\n")
		b.WriteString(suffix)
	}
	if task.JSON {
		b.WriteString("\n\n## Output format\nReturn ONLY a JSON object matching this JSON Schema:\n")
		b.WriteString(mustJSON(task.Schema))
	}
	b.WriteString("\n\n## Per-part results\n")
	b.WriteString(strings.Join(parts, "\n\n---\n\n"))
	return b.String()
}

func detailSuffix(detail string) string {
	switch detail {
	case DetailBrief:
		return "Be concise: focus only on the most important points."
	case DetailDetailed:
		return "Be extremely detailed and comprehensive; do not omit minor points."
	}
	return ""
}

func mustJSON(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}
