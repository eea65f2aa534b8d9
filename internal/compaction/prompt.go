package compaction

import (
	"strings"

	"github.com/szaher/convmem/internal/llm"
	"github.com/szaher/convmem/internal/memory"
)

// SummaryWindow is the number of snapshot turns shown to the summarizer.
const SummaryWindow = 30

// SummarySystem is the system instruction for the summarize step.
const SummarySystem = "You write short durable memory summaries."

// Sampling parameters for the summarize step.
const (
	SummaryTemperature = 0.2
	SummaryMaxTokens   = 400
)

// BuildSummaryPrompt renders the summarize instruction for p.
func BuildSummaryPrompt(p Params) string {
	existing := ""
	if p.ExistingSummary != "" {
		existing = "Existing summary:\n" + p.ExistingSummary + "\n"
	}

	turns := memory.Tail(p.History, SummaryWindow)
	lines := make([]string, len(turns))
	for i, t := range turns {
		lines[i] = strings.ToUpper(string(t.Role)) + ": " + t.Content
	}

	return strings.Join([]string{
		"Create a concise long-term memory summary for an AI chat agent.",
		"Only include stable preferences, ongoing goals, and recurring context.",
		"Do not include sensitive personal data.",
		"Keep it under 1200 characters.",
		"",
		existing,
		"Recent conversation turns:",
		strings.Join(lines, "\n"),
	}, "\n")
}

// SummaryRequest builds the inference request for the summarize step.
func SummaryRequest(model string, p Params) llm.ChatRequest {
	return llm.ChatRequest{
		Model: model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: SummarySystem},
			{Role: llm.RoleUser, Content: BuildSummaryPrompt(p)},
		},
		MaxTokens:   SummaryMaxTokens,
		Temperature: llm.Float(SummaryTemperature),
	}
}
