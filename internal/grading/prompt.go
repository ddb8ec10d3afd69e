package grading

import (
	"fmt"
	"strings"
)

// Prompt is the model-ready form of one submission plus the rubric. Building
// it is deterministic: identical inputs always yield identical text, which
// keeps grading reproducible and test fixtures stable.
type Prompt struct {
	System string
	User   string
}

const gradingSystemPrompt = "You are an automated grader for student assignments. " +
	"Score the submission against each rubric criterion. Respond with a JSON object " +
	"containing a scores array (one entry per criterion with criterion_id and points, " +
	"0 up to the criterion maximum) and a feedback string summarising strengths and weaknesses. " +
	"Return JSON only, no prose around it."

const correctiveInstruction = "Your previous answer was not valid structured output. " +
	"Respond again with only a JSON object of the form " +
	`{"scores":[{"criterion_id":"...","points":0}],"feedback":"..."} ` +
	"covering every rubric criterion exactly once, with points within each criterion's maximum."

// BuildPrompt renders the grading prompt for one submission. The only failure
// mode is a malformed rubric, which is a caller configuration error.
func BuildPrompt(submission Submission, rubric Rubric) (Prompt, error) {
	if err := rubric.Validate(); err != nil {
		return Prompt{}, err
	}

	builder := strings.Builder{}
	builder.WriteString("# Rubric\n")
	for _, criterion := range rubric.Criteria {
		fmt.Fprintf(&builder, "- id: %s | max_points: %g | %s\n", criterion.ID, criterion.MaxPoints, criterion.Description)
	}
	builder.WriteString("\n# Student\n")
	builder.WriteString(submission.Student)
	builder.WriteString("\n\n# Submission\n")
	builder.WriteString(submission.Text)
	builder.WriteString("\n\nGrade the submission against every criterion and return JSON.")

	return Prompt{
		System: gradingSystemPrompt,
		User:   builder.String(),
	}, nil
}

// WithCorrection returns a copy of the prompt with the corrective instruction
// appended, used when the previous response failed validation.
func (p Prompt) WithCorrection() Prompt {
	p.User = p.User + "\n\n" + correctiveInstruction
	return p
}
