package grading

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const validGradeResponse = `{
	"scores": [
		{"criterion_id": "clarity", "points": 7},
		{"criterion_id": "evidence", "points": 8}
	],
	"feedback": "Strong structure, cite more sources."
}`

func TestParseGradeResultValid(t *testing.T) {
	result, err := ParseGradeResult(validGradeResponse, testRubric())
	require.NoError(t, err)

	require.Equal(t, 15.0, result.TotalScore)
	require.Equal(t, "Strong structure, cite more sources.", result.Feedback)
	require.Len(t, result.Scores, 2)
	// Scores follow rubric order regardless of response order.
	require.Equal(t, "clarity", result.Scores[0].CriterionID)
	require.Equal(t, 7.0, result.Scores[0].Points)
}

func TestParseGradeResultCodeFence(t *testing.T) {
	fenced := "```json\n" + validGradeResponse + "\n```"

	result, err := ParseGradeResult(fenced, testRubric())
	require.NoError(t, err)
	require.Equal(t, 15.0, result.TotalScore)
}

func TestParseGradeResultInvalid(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		violation string
	}{
		{"empty", "", "empty response"},
		{"not json", "the student did well", "not valid JSON"},
		{"missing fields", `{"feedback": "ok"}`, ""},
		{"missing criterion", `{"scores":[{"criterion_id":"clarity","points":5}],"feedback":"ok"}`, `"evidence" not scored`},
		{"unknown criterion", `{"scores":[{"criterion_id":"style","points":5},{"criterion_id":"clarity","points":5},{"criterion_id":"evidence","points":5}],"feedback":"ok"}`, `unknown criterion "style"`},
		{"above max", `{"scores":[{"criterion_id":"clarity","points":11},{"criterion_id":"evidence","points":5}],"feedback":"ok"}`, "outside [0, 10]"},
		{"negative", `{"scores":[{"criterion_id":"clarity","points":-1},{"criterion_id":"evidence","points":5}],"feedback":"ok"}`, "outside [0, 10]"},
		{"duplicate criterion", `{"scores":[{"criterion_id":"clarity","points":5},{"criterion_id":"clarity","points":6},{"criterion_id":"evidence","points":5}],"feedback":"ok"}`, "scored more than once"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseGradeResult(tc.raw, testRubric())

			var validationErr *ValidationError
			require.ErrorAs(t, err, &validationErr)
			if tc.violation != "" {
				require.Contains(t, validationErr.Error(), tc.violation)
			}
		})
	}
}

func TestStripCodeFence(t *testing.T) {
	require.Equal(t, `{"a":1}`, stripCodeFence("```json\n{\"a\":1}\n```"))
	require.Equal(t, `{"a":1}`, stripCodeFence("```\n{\"a\":1}\n```"))
	require.Equal(t, `{"a":1}`, stripCodeFence(`{"a":1}`))
}
