package facts

import (
	"strconv"
	"strings"

	"github.com/google/mangle/ast"
	"github.com/google/mangle/parse"

	"qcselect/internal/rules"
	"qcselect/internal/types"
)

// selectionRule is a selection rule rewritten for the knowledge base.
type selectionRule struct {
	decls   []string
	clauses []string
}

// compileSelectionRule rewrites rule so that it is range-restricted no matter
// how its head variables are constrained:
//
//	validN(N) :- N > 2.
//
// becomes
//
//	validN(N) :- selectionParam("N", N), :gt(N, 2).
//
// Head variables are therefore bound only while an executability check
// supplies selectionParam assumptions. Every predicate the rule reads is
// declared, so a rule referring to facts of another entity analyses as empty
// when that entity is absent. Clauses with a transform are kept as authored.
// Predicates in predeclared are already declared by the caller.
// ok is false when rule does not parse.
func compileSelectionRule(rule string, predeclared ...string) (selectionRule, bool) {
	unit, err := parse.Unit(strings.NewReader(rule))
	if err != nil || len(unit.Clauses) == 0 {
		return selectionRule{}, false
	}

	var out selectionRule
	declared := make(map[string]bool)
	for _, p := range predeclared {
		declared[p] = true
	}
	declare := func(sym ast.PredicateSym) {
		if sym.Arity == 0 || strings.HasPrefix(sym.Symbol, ":") || declared[sym.Symbol] {
			return
		}
		declared[sym.Symbol] = true
		out.decls = append(out.decls, declArity(sym.Symbol, sym.Arity))
	}

	for _, clause := range unit.Clauses {
		declare(clause.Head.Predicate)
	}

	guarded := false
	for _, clause := range unit.Clauses {
		vars := headVariables(clause.Head)
		if clause.Transform == nil && len(vars) > 0 {
			guards := make([]ast.Term, 0, len(vars)+len(clause.Premises))
			for _, v := range vars {
				guards = append(guards, ast.NewAtom(PredSelectionParam, ast.String(v), ast.Variable{Symbol: v}))
			}
			clause.Premises = append(guards, clause.Premises...)
			guarded = true
		}
		out.clauses = append(out.clauses, clause.String())
	}
	if guarded && !declared[PredSelectionParam] {
		declared[PredSelectionParam] = true
		out.decls = append(out.decls, Decl(PredSelectionParam, "Name", "Value"))
	}

	for _, clause := range unit.Clauses {
		for _, term := range clause.Premises {
			switch t := term.(type) {
			case ast.Atom:
				declare(t.Predicate)
			case ast.NegAtom:
				declare(t.Atom.Predicate)
			}
		}
	}
	return out, true
}

// headVariables returns the distinct named variables of head in order.
func headVariables(head ast.Atom) []string {
	var vars []string
	seen := make(map[string]bool)
	for _, arg := range head.Args {
		v, ok := arg.(ast.Variable)
		if !ok || v.Symbol == "_" || seen[v.Symbol] {
			continue
		}
		seen[v.Symbol] = true
		vars = append(vars, v.Symbol)
	}
	return vars
}

func declArity(predicate string, arity int) string {
	args := make([]string, arity)
	for i := range args {
		args[i] = "P" + strconv.Itoa(i)
	}
	return Decl(predicate, args...)
}

// SelectionParams renders the caller's parameters for the head variables of
// rule as selectionParam assumptions. Variables without a value are skipped.
func SelectionParams(rule string, params map[string]string) []types.Fact {
	var out []types.Fact
	for _, v := range rules.Variables(rule) {
		value, ok := params[v]
		if !ok || v == "_" {
			continue
		}
		out = append(out, types.Fact{
			Predicate: PredSelectionParam,
			Args:      []interface{}{v, ParamValue(value)},
		})
	}
	return out
}

// ParamValue converts a caller-supplied value to the Go value whose Mangle
// constant equals Constant(value).
func ParamValue(value string) interface{} {
	v := strings.TrimSpace(value)
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil && !strings.ContainsAny(v, "eEnN") {
		return f
	}
	if types.IsNameConstant(v) {
		return types.Name(v)
	}
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		if u, err := strconv.Unquote(v); err == nil {
			return u
		}
	}
	return v
}
