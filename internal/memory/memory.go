// Package memory defines per-conversation state and the durable store
// contract used to persist it.
package memory

import (
	"context"

	"github.com/szaher/convmem/internal/llm"
)

// Window and retention limits.
const (
	// MaxHistory is the number of turns retained after a chat turn.
	MaxHistory = 40
	// CompactedHistory is the number of turns retained after a summary write-back.
	CompactedHistory = 12
	// PromptWindow is the number of recent turns considered for prompt assembly.
	PromptWindow = 16
	// MaxSummaryChars bounds the stored summary, in characters.
	MaxSummaryChars = 2000
	// CompactionThreshold is the post-turn history length that triggers compaction.
	CompactionThreshold = 24
)

// Turn is one role-tagged message in a conversation's history.
type Turn = llm.Message

// State is the durable memory of one conversation.
type State struct {
	History []Turn `json:"history"`
	Summary string `json:"summary"`
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	out := State{Summary: s.Summary}
	if s.History != nil {
		out.History = make([]Turn, len(s.History))
		copy(out.History, s.History)
	}
	return out
}

// Store persists conversation state by key.
type Store interface {
	// Get returns the stored state for key. ok is false when no record exists.
	Get(ctx context.Context, key string) (state State, ok bool, err error)

	// Put replaces the stored state for key.
	Put(ctx context.Context, key string, state State) error
}
