// Package ruleengine is the Rule Engine (§4.8, component C9): it
// compiles a rule's free-form boolean expression once at load, and
// evaluates the compiled form against RTDB-resident point values and
// RTDB-persisted stateful-builtin accumulators on every scheduler
// tick.
package ruleengine

import (
	"context"

	"github.com/voltageems/core/common"
	"github.com/voltageems/core/rtdb"
)

// CompiledRule holds a rule's original definition, its variable
// bindings (Xn -> point identity) and the parsed expression tree, so
// repeated evaluation is O(|expr|) reads against a live binding table
// rather than re-parsing or re-resolving names.
type CompiledRule struct {
	Rule     common.Rule
	Bindings map[string]common.PointID
	expr     boolExpr
}

// Compile parses rule.Expr once. bindings maps the variable names
// used in the expression (X1, X2, ...) to the channel point each one
// reads from.
func Compile(rule common.Rule, bindings map[string]common.PointID) (*CompiledRule, error) {
	expr, err := parseExpr(rule.Expr)
	if err != nil {
		return nil, err
	}
	return &CompiledRule{Rule: rule, Bindings: bindings, expr: expr}, nil
}

// Engine evaluates compiled rules against a shared RTDB handle and
// stateful-builtin store.
type Engine struct {
	db    rtdb.RTDB
	state *stateStore
}

func New(db rtdb.RTDB) *Engine {
	return &Engine{db: db, state: newStateStore(db)}
}

// Evaluate runs the compiled rule's expression, reading every
// referenced variable's current RTDB value and updating any stateful
// builtin's persisted accumulator as a side effect.
func (e *Engine) Evaluate(ctx context.Context, cr *CompiledRule, nowMs uint64) (bool, error) {
	ec := &evalContext{
		ctx:      ctx,
		db:       e.db,
		bindings: cr.Bindings,
		state:    e.state,
		ruleID:   cr.Rule.ID,
		nowMs:    nowMs,
	}
	return cr.expr.eval(ec)
}
