package mangle

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/mangle/ast"
	"github.com/google/mangle/parse"
)

// ErrReservedPredicate is returned when user-supplied rule text defines a
// predicate that only the catalog may produce.
var ErrReservedPredicate = errors.New("rule defines reserved predicate")

// SchemaValidator checks user-supplied rules against the predicates owned by
// the catalog. A selection rule may read catalog facts but never define them,
// otherwise one implementation could spoof another's SDK or a resource's
// qubit count.
type SchemaValidator struct {
	reserved map[string]int // predicate -> arity
}

// NewSchemaValidator creates a validator over the given reserved predicates.
func NewSchemaValidator(reserved map[string]int) *SchemaValidator {
	sv := &SchemaValidator{reserved: make(map[string]int, len(reserved))}
	for name, arity := range reserved {
		sv.reserved[name] = arity
	}
	return sv
}

// IsReserved reports whether predicate is catalog-owned.
func (sv *SchemaValidator) IsReserved(predicate string) bool {
	_, ok := sv.reserved[predicate]
	return ok
}

// GetArity returns the arity of a reserved predicate, or -1 if unknown.
func (sv *SchemaValidator) GetArity(predicate string) int {
	if arity, ok := sv.reserved[predicate]; ok {
		return arity
	}
	return -1
}

// CheckArity validates that a predicate is used with the right number of arguments.
// Unknown predicates pass.
func (sv *SchemaValidator) CheckArity(predicate string, actualArity int) error {
	expected := sv.GetArity(predicate)
	if expected < 0 || expected == actualArity {
		return nil
	}
	return fmt.Errorf("arity mismatch for %s: expected %d arguments, got %d",
		predicate, expected, actualArity)
}

// ReservedPredicates returns the reserved predicate names, sorted.
func (sv *SchemaValidator) ReservedPredicates() []string {
	names := make([]string, 0, len(sv.reserved))
	for name := range sv.reserved {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateRule parses ruleText and rejects it if any clause or declaration
// defines a reserved predicate, or if a body atom uses a reserved predicate
// with the wrong arity.
func (sv *SchemaValidator) ValidateRule(ruleText string) error {
	trimmed := strings.TrimSpace(ruleText)
	if trimmed == "" {
		return nil
	}
	unit, err := parse.Unit(strings.NewReader(trimmed))
	if err != nil {
		return fmt.Errorf("parse error: %w", err)
	}

	for _, decl := range unit.Decls {
		name := decl.DeclaredAtom.Predicate.Symbol
		if sv.IsReserved(name) {
			return fmt.Errorf("%w: Decl %s", ErrReservedPredicate, name)
		}
	}

	var problems []string
	for _, clause := range unit.Clauses {
		head := clause.Head.Predicate
		if sv.IsReserved(head.Symbol) {
			return fmt.Errorf("%w: %s", ErrReservedPredicate, head.Symbol)
		}
		for _, term := range clause.Premises {
			var atom ast.Atom
			switch t := term.(type) {
			case ast.Atom:
				atom = t
			case ast.NegAtom:
				atom = t.Atom
			default:
				continue
			}
			if err := sv.CheckArity(atom.Predicate.Symbol, len(atom.Args)); err != nil {
				problems = append(problems, fmt.Sprintf("%s: %v", head.Symbol, err))
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("validation errors:\n%s", strings.Join(problems, "\n"))
	}
	return nil
}
