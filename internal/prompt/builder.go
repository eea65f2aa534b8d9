// Package prompt assembles model input from conversation state.
package prompt

import (
	"strings"

	"github.com/szaher/convmem/internal/llm"
	"github.com/szaher/convmem/internal/memory"
)

// Preamble is the fixed part of the system message.
var Preamble = []string{
	"You are an AI agent running on Cloudflare.",
	"Be accurate and helpful.",
	"If you are unsure, ask a clarifying question.",
}

// SummaryHeading introduces the long-term memory block in the system message.
const SummaryHeading = "Long-term memory summary:"

// Build combines the system preamble, the stored summary, the recent history
// window and the new user text into an ordered message list. It does not
// modify state.
func Build(state memory.State, userText string) []llm.Message {
	parts := append([]string(nil), Preamble...)
	if summary := strings.TrimSpace(state.Summary); summary != "" {
		parts = append(parts, SummaryHeading+"\n"+summary)
	}

	window := memory.Tail(state.History, memory.PromptWindow)

	messages := make([]llm.Message, 0, len(window)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: strings.Join(parts, "\n\n")})
	for _, m := range window {
		if m.Role == llm.RoleSystem {
			continue
		}
		messages = append(messages, m)
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: userText})
	return messages
}
