package grading

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// gradeResponseSchema is the structural contract the model output must meet
// before per-criterion range checks are applied.
var gradeResponseSchema = jsonschema.MustCompileString("grade_response.json", `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["scores", "feedback"],
	"properties": {
		"scores": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["criterion_id", "points"],
				"properties": {
					"criterion_id": {"type": "string", "minLength": 1},
					"points": {"type": "number"}
				}
			}
		},
		"feedback": {"type": "string"}
	}
}`)

type gradePayload struct {
	Scores []struct {
		CriterionID string  `json:"criterion_id"`
		Points      float64 `json:"points"`
	} `json:"scores"`
	Feedback string `json:"feedback"`
}

// ParseGradeResult validates raw model output against the response schema and
// the rubric. It returns a *ValidationError on any malformed or out-of-range
// output so the worker can decide whether to request a corrected response;
// it never panics on arbitrary input.
func ParseGradeResult(raw string, rubric Rubric) (GradeResult, error) {
	content := stripCodeFence(raw)
	if content == "" {
		return GradeResult{}, &ValidationError{Violations: []string{"empty response"}}
	}

	var decoded interface{}
	if err := json.Unmarshal([]byte(content), &decoded); err != nil {
		return GradeResult{}, &ValidationError{Violations: []string{"response is not valid JSON"}}
	}

	if err := gradeResponseSchema.Validate(decoded); err != nil {
		return GradeResult{}, &ValidationError{Violations: []string{schemaViolation(err)}}
	}

	var payload gradePayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return GradeResult{}, &ValidationError{Violations: []string{"response does not match expected shape"}}
	}

	var violations []string
	scored := make(map[string]float64, len(payload.Scores))
	scores := make([]CriterionScore, 0, len(rubric.Criteria))

	for _, entry := range payload.Scores {
		criterion, ok := rubric.Criterion(entry.CriterionID)
		if !ok {
			violations = append(violations, fmt.Sprintf("unknown criterion %q", entry.CriterionID))
			continue
		}
		if _, dup := scored[entry.CriterionID]; dup {
			violations = append(violations, fmt.Sprintf("criterion %q scored more than once", entry.CriterionID))
			continue
		}
		if entry.Points < 0 || entry.Points > criterion.MaxPoints {
			violations = append(violations, fmt.Sprintf("criterion %q score %g outside [0, %g]", entry.CriterionID, entry.Points, criterion.MaxPoints))
			continue
		}
		scored[entry.CriterionID] = entry.Points
	}

	var total float64
	for _, criterion := range rubric.Criteria {
		points, ok := scored[criterion.ID]
		if !ok {
			violations = append(violations, fmt.Sprintf("criterion %q not scored", criterion.ID))
			continue
		}
		scores = append(scores, CriterionScore{CriterionID: criterion.ID, Points: points})
		total += points
	}

	if len(violations) > 0 {
		return GradeResult{}, &ValidationError{Violations: violations}
	}

	return GradeResult{
		Scores:     scores,
		TotalScore: total,
		Feedback:   strings.TrimSpace(payload.Feedback),
	}, nil
}

// stripCodeFence removes a surrounding markdown fence, which chat models add
// even when asked for raw JSON.
func stripCodeFence(raw string) string {
	content := strings.TrimSpace(raw)
	if !strings.HasPrefix(content, "```") {
		return content
	}

	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	return strings.TrimSpace(content)
}

func schemaViolation(err error) string {
	var validationErr *jsonschema.ValidationError
	if errors.As(err, &validationErr) {
		return validationErr.Message
	}
	return err.Error()
}
