package expr

import (
	"testing"
)

type testEnv struct {
	Count int    `expr:"count"`
	Name  string `expr:"name"`
}

// ---------------------------------------------------------------------------
// CompileBool
// ---------------------------------------------------------------------------

func TestCompileBool_ValidExpression(t *testing.T) {
	compiled, err := CompileBool("count + 1 > 2", testEnv{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if compiled.Source != "count + 1 > 2" {
		t.Errorf("source: got %q, want %q", compiled.Source, "count + 1 > 2")
	}
}

func TestCompileBool_EmptyExpression(t *testing.T) {
	if _, err := CompileBool("", testEnv{}); err == nil {
		t.Fatal("expected error for empty expression")
	}
}

func TestCompileBool_InvalidSyntax(t *testing.T) {
	if _, err := CompileBool("count ++ +", testEnv{}); err == nil {
		t.Fatal("expected error for invalid syntax")
	}
}

func TestCompileBool_UnknownVariable(t *testing.T) {
	if _, err := CompileBool("missing > 1", testEnv{}); err == nil {
		t.Fatal("expected error for unknown variable")
	}
}

func TestCompileBool_RejectsNonBool(t *testing.T) {
	if _, err := CompileBool("count + 1", testEnv{}); err == nil {
		t.Fatal("expected error for non-boolean expression")
	}
}

// ---------------------------------------------------------------------------
// EvalBool
// ---------------------------------------------------------------------------

func TestEvalBool(t *testing.T) {
	compiled, err := CompileBool("count >= 24", testEnv{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		count int
		want  bool
	}{
		{count: 0, want: false},
		{count: 23, want: false},
		{count: 24, want: true},
		{count: 40, want: true},
	}
	for _, tt := range tests {
		got, err := EvalBool(compiled, testEnv{Count: tt.count})
		if err != nil {
			t.Fatalf("count=%d: unexpected error: %v", tt.count, err)
		}
		if got != tt.want {
			t.Errorf("count=%d: got %v, want %v", tt.count, got, tt.want)
		}
	}
}

func TestEvalBool_StringComparison(t *testing.T) {
	compiled, err := CompileBool(`name == "x" && count < 3`, testEnv{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := EvalBool(compiled, testEnv{Name: "x", Count: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got {
		t.Error("expected true")
	}
}

func TestEvalBool_NilCompiled(t *testing.T) {
	if _, err := EvalBool(nil, testEnv{}); err == nil {
		t.Fatal("expected error for nil compiled expression")
	}
}
