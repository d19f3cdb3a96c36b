package analysis

import (
	"errors"
	"strings"
	"testing"
)

// TestTaskByName resolves registered tasks and rejects unknown names.
func TestTaskByName(t *testing.T) {
	task, err := TaskByName("summary")
	if err != nil {
		t.Fatalf("summary should resolve: %v", err)
	}
	if task.JSON {
		t.Error("summary is a prose task")
	}

	structured, err := TaskByName("topic_map")
	if err != nil {
		t.Fatalf("topic_map should resolve: %v", err)
	}
	if !structured.JSON || structured.Schema == nil {
		t.Error("topic_map should be a structured task with a schema")
	}

	if _, err := TaskByName("nonsense"); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("unknown task error = %v, want ErrUnknownTask", err)
	}
}

// TestParseDetail normalizes detail levels.
func TestParseDetail(t *testing.T) {
	if got, err := ParseDetail(""); err != nil || got != DetailStandard {
		t.Errorf("empty detail = %q (%v), want standard", got, err)
	}
	if got, err := ParseDetail("brief"); err != nil || got != DetailBrief {
		t.Errorf("brief = %q (%v)", got, err)
	}
	if _, err := ParseDetail("verbose"); !errors.Is(err, ErrUnknownDetail) {
		t.Errorf("invalid detail error = %v, want ErrUnknownDetail", err)
	}
}

// TestTaskTemperatures checks prose runs warmer than extraction.
func TestTaskTemperatures(t *testing.T) {
	prose, _ := TaskByName("sentiment")
	structured, _ := TaskByName("timeline")
	if prose.Temperature() <= structured.Temperature() {
		t.Errorf("prose temp %v should exceed structured temp %v",
			prose.Temperature(), structured.Temperature())
	}
}

// TestBuildRefineContext verifies per-part caps and the tail-keeping
// total cap.
func TestBuildRefineContext(t *testing.T) {
	if got := buildRefineContext(nil); got != "" {
		t.Errorf("empty outputs produced context %q", got)
	}

	small := buildRefineContext([]string{"alpha", "beta"})
	if !strings.Contains(small, "### Part 1:\nalpha") || !strings.Contains(small, "### Part 2:\nbeta") {
		t.Errorf("context missing part headers: %q", small)
	}

	long := strings.Repeat("x", 3000)
	capped := buildRefineContext([]string{long})
	if strings.Contains(capped, strings.Repeat("x", refinePartMax+1)) {
		t.Error("individual part not capped")
	}

	many := make([]string, 10)
	for i := range many {
		many[i] = strings.Repeat("y", 1500)
	}
	total := buildRefineContext(many)
	if len(total) > refineContextMax {
		t.Errorf("context length %d exceeds cap %d", len(total), refineContextMax)
	}
	// The tail is kept: the last part must survive, the first must not.
	if !strings.Contains(total, "### Part 10:") {
		t.Error("most recent part missing from capped context")
	}
	if strings.Contains(total, "### Part 1:\n") {
		t.Error("oldest part should be evicted by the cap")
	}
}

// TestChunkPrompt checks assembly of instructions, detail, synthesis, and
// the schema contract.
func TestChunkPrompt(t *testing.T) {
	task, _ := TaskByName("summary")

	p := chunkPrompt(task, DetailStandard, "the body", "", 2, 5)
	if !strings.Contains(p, "PART 2 of 5") {
		t.Errorf("missing part header: %q", p[:80])
	}
	if !strings.Contains(p, "the body") {
		t.Error("missing chunk text")
	}
	if strings.Contains(p, "Synthesis of earlier parts") {
		t.Error("synthesis section should be absent without refine context")
	}

	withCtx := chunkPrompt(task, DetailBrief, "the body", "### Part 1:\nprior", 2, 5)
	if !strings.Contains(withCtx, "Synthesis of earlier parts") || !strings.Contains(withCtx, "prior") {
		t.Error("refine context not embedded")
	}
	if !strings.Contains(withCtx, "Be concise") {
		t.Error("brief detail suffix missing")
	}

	structured, _ := TaskByName("executive")
	js := chunkPrompt(structured, DetailStandard, "body", "", 1, 1)
	if !strings.Contains(js, "JSON Schema") || !strings.Contains(js, `"decisions"`) {
		t.Error("structured prompt must embed the schema")
	}
}

// TestConsolidationPrompt checks part joining and separators.
func TestConsolidationPrompt(t *testing.T) {
	task, _ := TaskByName("summary")
	p := consolidationPrompt(task, DetailDetailed, []string{"one", "two", "three"})

	if !strings.Contains(p, "Part 1: one") || !strings.Contains(p, "Part 3: three") {
		t.Errorf("part headers missing: %q", p)
	}
	if strings.Count(p, "\n\n---\n\n") != 2 {
		t.Error("parts should be joined with --- separators")
	}
	if !strings.Contains(p, "extremely detailed") {
		t.Error("detailed suffix missing")
	}
}

// TestExtractJSONObject covers fences, prose wrapping, and absence.
func TestExtractJSONObject(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{`Here is the result: {"a":1} as requested.`, `{"a":1}`},
		{`{"a":{"b":2}}`, `{"a":{"b":2}}`},
		{"no object here", ""},
		{"}{", ""},
	}
	for _, c := range cases {
		if got := extractJSONObject(c.in); got != c.want {
			t.Errorf("extractJSONObject(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

// TestValidateJSONAgainstSchema accepts conforming output and rejects
// violations.
func TestValidateJSONAgainstSchema(t *testing.T) {
	schema := buildExecutiveSchema()

	good := `{"decisions":["ship it"],"actions":[{"action":"write docs","responsible":"[PERSON_1]","deadline":""}],"risks":[]}`
	if err := ValidateJSONAgainstSchema(schema, []byte(good)); err != nil {
		t.Errorf("valid payload rejected: %v", err)
	}

	missingRequired := `{"risks":["late"]}`
	if err := ValidateJSONAgainstSchema(schema, []byte(missingRequired)); err == nil {
		t.Error("payload missing required fields should fail")
	}

	extraField := `{"decisions":[],"actions":[],"invented":true}`
	if err := ValidateJSONAgainstSchema(schema, []byte(extraField)); err == nil {
		t.Error("additional properties should fail")
	}

	notJSON := `decisions: none`
	if err := ValidateJSONAgainstSchema(schema, []byte(notJSON)); err == nil {
		t.Error("non-JSON should fail")
	}
}
