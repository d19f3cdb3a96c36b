package analysis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema builders return JSON-Schema (draft 2020-12 subset) as generic maps.
// The maps are embedded in prompts as the output contract and used locally to
// validate what comes back.

func buildTopicMapSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"topics": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"properties": map[string]any{
						"title":        map[string]any{"type": "string", "minLength": 1},
						"description":  map[string]any{"type": "string"},
						"status":       map[string]any{"type": "string", "enum": []string{"resolved", "pending", "in_debate"}},
						"participants": stringArrayProp(),
					},
					"required": []string{"title", "status"},
				},
			},
			"key_points":       stringArrayProp(),
			"quotes":           stringArrayProp(),
			"continuity_hints": stringArrayProp(),
		},
		"required": []string{"topics"},
	}
}

func buildTimelineSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"events": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"properties": map[string]any{
						"description":  map[string]any{"type": "string", "minLength": 1},
						"position":     map[string]any{"type": "string", "enum": []string{"start", "middle", "end"}},
						"participants": stringArrayProp(),
						"impact":       map[string]any{"type": "string", "enum": []string{"high", "medium", "low"}},
						"dependencies": stringArrayProp(),
						"status":       map[string]any{"type": "string", "enum": []string{"done", "in_progress", "pending"}},
					},
					"required": []string{"description", "status"},
				},
			},
		},
		"required": []string{"events"},
	}
}

func buildExecutiveSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"decisions": stringArrayProp(),
			"actions": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"properties": map[string]any{
						"action":      map[string]any{"type": "string", "minLength": 1},
						"responsible": map[string]any{"type": "string"},
						"deadline":    map[string]any{"type": "string"},
					},
					"required": []string{"action"},
				},
			},
			"risks":         stringArrayProp(),
			"opportunities": stringArrayProp(),
			"metrics":       stringArrayProp(),
			"next_steps":    stringArrayProp(),
		},
		"required": []string{"decisions", "actions"},
	}
}

func buildStakeholderSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"stakeholders": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"properties": map[string]any{
						"id":         map[string]any{"type": "string", "minLength": 1},
						"role":       map[string]any{"type": "string"},
						"position":   map[string]any{"type": "string"},
						"engagement": map[string]any{"type": "string", "enum": []string{"high", "medium", "low"}},
						"relations": map[string]any{
							"type":                 "object",
							"additionalProperties": false,
							"properties": map[string]any{
								"agrees_with":    stringArrayProp(),
								"disagrees_with": stringArrayProp(),
							},
						},
						"quotes": stringArrayProp(),
					},
					"required": []string{"id"},
				},
			},
		},
		"required": []string{"stakeholders"},
	}
}

func stringArrayProp() map[string]any {
	return map[string]any{
		"type":  "array",
		"items": map[string]any{"type": "string"},
	}
}

// ValidateJSONAgainstSchema validates "data" against "schemaMap".
func ValidateJSONAgainstSchema(schemaMap map[string]any, data []byte) error {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}

// extractJSONObject strips markdown fences and returns the outermost JSON
// object in text, or "" when none is present.
func extractJSONObject(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
		s = strings.TrimSpace(s)
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start == -1 || end == -1 || end <= start {
		return ""
	}
	return s[start : end+1]
}
