// Package expr provides compilation and evaluation of the small boolean
// expressions used for configurable policies.
package expr

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// CompiledExpr represents a compiled expression ready for evaluation.
type CompiledExpr struct {
	Source  string
	program *vm.Program
}

// CompileBool validates and compiles an expression that must produce a
// boolean. env defines the available variables and their types; it may be
// a struct value or a map.
func CompileBool(source string, env interface{}) (*CompiledExpr, error) {
	if source == "" {
		return nil, fmt.Errorf("empty expression")
	}

	program, err := expr.Compile(source, expr.Env(env), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("expression compile error: %w", err)
	}

	return &CompiledExpr{
		Source:  source,
		program: program,
	}, nil
}
