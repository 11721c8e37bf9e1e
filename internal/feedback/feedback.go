// Package feedback scores a finished practice call against a fixed
// cold-calling rubric using a single LLM judgment.
package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/coldline-ai/coldline/internal/history"
)

// Judge runs one non-streaming completion. Satisfied by voice.ChatModel.
type Judge interface {
	Complete(ctx context.Context, model, system, user string) (string, error)
}

type Score struct {
	Correct int `json:"correct"`
	Total   int `json:"total"`
}

type CriterionResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
}

type CategoryResult struct {
	Name     string            `json:"name"`
	Score    Score             `json:"score"`
	Criteria []CriterionResult `json:"criteria"`
}

type Report struct {
	OverallScore Score            `json:"overallScore"`
	Categories   []CategoryResult `json:"categories"`
	Summary      string           `json:"summary"`
	Strengths    []string         `json:"strengths"`
	Improvements []string         `json:"improvements"`
}

type criterion struct {
	name        string
	description string
}

type category struct {
	name     string
	criteria []criterion
}

// rubric is the fixed 9-criteria / 5-category scoring scheme.
var rubric = []category{
	{name: "Opener", criteria: []criterion{
		{"permission_based_open", "The rep opened by asking for permission or acknowledging the interruption before pitching."},
		{"reason_for_call", "The rep stated a clear, specific reason for the call within the first two exchanges."},
	}},
	{name: "Social Proof", criteria: []criterion{
		{"relevant_reference", "The rep referenced a similar company, peer, or customer relevant to the prospect."},
		{"quantified_result", "The rep cited a concrete, quantified outcome (number, percentage, timeframe)."},
	}},
	{name: "Discovery", criteria: []criterion{
		{"open_question", "The rep asked at least one open-ended question about the prospect's situation."},
	}},
	{name: "Closing", criteria: []criterion{
		{"clear_ask", "The rep asked for a concrete next step (meeting, demo, follow-up)."},
		{"time_bound", "The rep proposed a specific day or time for the next step."},
	}},
	{name: "Takeaway", criteria: []criterion{
		{"handled_objection", "When pushed back, the rep acknowledged the objection and reframed instead of pitching harder."},
		{"stayed_composed", "The rep stayed composed after resistance: no arguing, pleading, or talking over the prospect."},
	}},
}

const judgeSystemPrompt = `You are a strict cold-calling coach grading a practice call transcript.
For each criterion, answer true ONLY when the transcript clearly demonstrates
the behavior; when in doubt, answer false. Reply with strict JSON, no prose,
matching exactly:
{"criteria":{"<name>":true|false,...},"summary":"one paragraph","strengths":["..."],"improvements":["..."]}`

type judgeVerdict struct {
	Criteria     map[string]bool `json:"criteria"`
	Summary      string          `json:"summary"`
	Strengths    []string        `json:"strengths"`
	Improvements []string        `json:"improvements"`
}

type Scorer struct {
	judge Judge
	model string
}

func NewScorer(judge Judge, model string) *Scorer {
	return &Scorer{judge: judge, model: model}
}

// Score grades one transcript. The transcript must be non-empty with valid
// roles; the persona id is passed along so the judge can weigh difficulty.
func (s *Scorer) Score(ctx context.Context, transcript []history.Entry, personaID string) (Report, error) {
	if len(transcript) == 0 {
		return Report{}, fmt.Errorf("transcript is empty")
	}
	for i, e := range transcript {
		if e.Role != history.RoleUser && e.Role != history.RoleAssistant {
			return Report{}, fmt.Errorf("transcript[%d]: invalid role %q", i, e.Role)
		}
		if strings.TrimSpace(e.Content) == "" {
			return Report{}, fmt.Errorf("transcript[%d]: empty content", i)
		}
	}

	raw, err := s.judge.Complete(ctx, s.model, judgeSystemPrompt, buildJudgePrompt(transcript, personaID))
	if err != nil {
		return Report{}, fmt.Errorf("judge call: %w", err)
	}

	var verdict judgeVerdict
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &verdict); err != nil {
		return Report{}, fmt.Errorf("parse judge verdict: %w", err)
	}

	return assemble(verdict), nil
}

func buildJudgePrompt(transcript []history.Entry, personaID string) string {
	var b strings.Builder
	b.WriteString("Persona: ")
	b.WriteString(personaID)
	b.WriteString("\n\nCriteria:\n")
	for _, cat := range rubric {
		for _, c := range cat.criteria {
			fmt.Fprintf(&b, "- %s (%s): %s\n", c.name, cat.name, c.description)
		}
	}
	b.WriteString("\nTranscript (user = sales rep, assistant = prospect):\n")
	for _, e := range transcript {
		fmt.Fprintf(&b, "%s: %s\n", e.Role, e.Content)
	}
	return b.String()
}

// assemble folds the judge's booleans into the response shape. Criteria the
// judge omitted count as not demonstrated.
func assemble(verdict judgeVerdict) Report {
	report := Report{
		Summary:      strings.TrimSpace(verdict.Summary),
		Strengths:    verdict.Strengths,
		Improvements: verdict.Improvements,
	}
	if report.Strengths == nil {
		report.Strengths = []string{}
	}
	if report.Improvements == nil {
		report.Improvements = []string{}
	}
	for _, cat := range rubric {
		result := CategoryResult{Name: cat.name, Criteria: make([]CriterionResult, 0, len(cat.criteria))}
		for _, c := range cat.criteria {
			passed := verdict.Criteria[c.name]
			result.Criteria = append(result.Criteria, CriterionResult{Name: c.name, Passed: passed})
			result.Score.Total++
			report.OverallScore.Total++
			if passed {
				result.Score.Correct++
				report.OverallScore.Correct++
			}
		}
		report.Categories = append(report.Categories, result)
	}
	return report
}

// stripCodeFence tolerates judges that wrap their JSON in a markdown fence.
func stripCodeFence(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "```") {
		return raw
	}
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "```")
	return strings.TrimSpace(raw)
}
