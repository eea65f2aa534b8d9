package conversation

import (
	"fmt"

	"github.com/szaher/convmem/internal/expr"
	"github.com/szaher/convmem/internal/memory"
)

// DefaultPolicy submits a compaction job once the post-turn history reaches
// the compaction threshold.
var DefaultPolicy = fmt.Sprintf("history_len >= %d", memory.CompactionThreshold)

// PolicyEnv is the set of variables visible to a compaction policy expression.
type PolicyEnv struct {
	HistoryLen int `expr:"history_len"`
	SummaryLen int `expr:"summary_len"`
}

// Policy decides whether a recorded turn should trigger compaction.
type Policy struct {
	compiled *expr.CompiledExpr
}

// NewPolicy compiles a boolean policy expression. An empty source selects
// DefaultPolicy.
func NewPolicy(source string) (*Policy, error) {
	if source == "" {
		source = DefaultPolicy
	}
	compiled, err := expr.CompileBool(source, PolicyEnv{})
	if err != nil {
		return nil, fmt.Errorf("compaction policy: %w", err)
	}
	return &Policy{compiled: compiled}, nil
}

// MustPolicy is like NewPolicy but panics on error.
func MustPolicy(source string) *Policy {
	p, err := NewPolicy(source)
	if err != nil {
		panic(err)
	}
	return p
}

// ShouldCompact evaluates the policy against state.
func (p *Policy) ShouldCompact(state memory.State) (bool, error) {
	return expr.EvalBool(p.compiled, PolicyEnv{
		HistoryLen: len(state.History),
		SummaryLen: len([]rune(state.Summary)),
	})
}

func (p *Policy) String() string {
	return p.compiled.Source
}
