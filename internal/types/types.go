// Package types provides the domain types shared across qcselect packages.
// It has no dependency on the knowledge store or the query engine so both
// can import it without cycles.
package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/mangle/ast"
)

// =============================================================================
// CATALOG ENTITIES
// =============================================================================

// Implementation is a concrete program realising a quantum algorithm.
type Implementation struct {
	ID                     string `json:"id" yaml:"id"`
	ImplementedAlgorithmID string `json:"implemented_algorithm_id" yaml:"implemented_algorithm_id"`
	SDK                    string `json:"sdk" yaml:"sdk"`
	ProgrammingLanguage    string `json:"programming_language" yaml:"programming_language"`
	// SelectionRule is a logic rule whose head lists the runtime parameters
	// the implementation needs, e.g. "validN(N) :- N > 2."
	SelectionRule string `json:"selection_rule" yaml:"selection_rule"`
	FileLocation  string `json:"file_location" yaml:"file_location"`
	// WidthRule and DepthRule are formulas yielding required qubits and circuit depth.
	WidthRule string `json:"width_rule,omitempty" yaml:"width_rule,omitempty"`
	DepthRule string `json:"depth_rule,omitempty" yaml:"depth_rule,omitempty"`
}

// Resource is a physical execution target (QPU or simulator).
type Resource struct {
	ID            string        `json:"id" yaml:"id"`
	Name          string        `json:"name,omitempty" yaml:"name,omitempty"`
	Qubits        int           `json:"qubits" yaml:"qubits"`
	SupportedSDKs []string      `json:"supported_sdks" yaml:"supported_sdks"`
	T1            time.Duration `json:"t1" yaml:"t1"`
	MaxGateTime   time.Duration `json:"max_gate_time" yaml:"max_gate_time"`
}

// SupportsSDK reports whether the resource lists sdk (case-insensitive).
func (r Resource) SupportsSDK(sdk string) bool {
	for _, s := range r.SupportedSDKs {
		if strings.EqualFold(s, sdk) {
			return true
		}
	}
	return false
}

// Binding maps query variable names to bound constants. Values are string,
// int64, float64, or a "/name" string for name constants.
type Binding map[string]any

// =============================================================================
// FACTS
// =============================================================================

// Name is a Mangle name constant (starting with /).
// This explicit type avoids ambiguity between strings and names.
type Name string

// Fact represents a single ground atom.
type Fact struct {
	Predicate string
	Args      []interface{}
}

// IsNameConstant reports whether v is a well-formed Mangle name constant.
func IsNameConstant(v string) bool {
	if !strings.HasPrefix(v, "/") {
		return false
	}
	if strings.ContainsAny(v, " \t\n\r\"") {
		return false
	}
	_, err := ast.Name(v)
	return err == nil
}

// String returns the Mangle clause for the fact, terminated by a period.
// Plain strings are always quoted; use Name for name constants.
func (f Fact) String() string {
	args := make([]string, 0, len(f.Args))
	for _, arg := range f.Args {
		switch v := arg.(type) {
		case Name:
			args = append(args, string(v))
		case string:
			args = append(args, strconv.Quote(v))
		case int:
			args = append(args, strconv.Itoa(v))
		case int64:
			args = append(args, strconv.FormatInt(v, 10))
		case time.Duration:
			// nanoseconds keep comparisons integral
			args = append(args, strconv.FormatInt(int64(v), 10))
		case float64:
			args = append(args, strconv.FormatFloat(v, 'f', -1, 64))
		case bool:
			if v {
				args = append(args, "/true")
			} else {
				args = append(args, "/false")
			}
		default:
			args = append(args, fmt.Sprintf("%q", fmt.Sprint(v)))
		}
	}
	return fmt.Sprintf("%s(%s).", f.Predicate, strings.Join(args, ", "))
}

// ToAtom converts a Fact to a Mangle AST Atom for direct store insertion.
func (f Fact) ToAtom() (ast.Atom, error) {
	terms := make([]ast.BaseTerm, 0, len(f.Args))
	for _, arg := range f.Args {
		switch v := arg.(type) {
		case Name:
			c, err := ast.Name(string(v))
			if err != nil {
				return ast.Atom{}, fmt.Errorf("invalid name constant %q: %w", v, err)
			}
			terms = append(terms, c)
		case string:
			terms = append(terms, ast.String(v))
		case int:
			terms = append(terms, ast.Number(int64(v)))
		case int64:
			terms = append(terms, ast.Number(v))
		case time.Duration:
			terms = append(terms, ast.Number(int64(v)))
		case float64:
			terms = append(terms, ast.Float64(v))
		case bool:
			if v {
				terms = append(terms, ast.TrueConstant)
			} else {
				terms = append(terms, ast.FalseConstant)
			}
		default:
			terms = append(terms, ast.String(fmt.Sprint(v)))
		}
	}

	return ast.NewAtom(f.Predicate, terms...), nil
}
