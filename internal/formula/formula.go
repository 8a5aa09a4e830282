// Package formula evaluates width and depth formulas of implementations.
package formula

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Evaluator turns a formula and runtime parameters into a number.
type Evaluator interface {
	// RequiredParameters lists the parameter names the formula refers to.
	RequiredParameters(formula string) []string
	Evaluate(formula string, params map[string]string) (float64, error)
}

var identPattern = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)

// Placeholder stands in for a real formula evaluator. A numeric literal
// evaluates to itself; any other formula evaluates to Fallback.
type Placeholder struct {
	Fallback float64
}

// NewPlaceholder returns a placeholder with the given fallback value.
func NewPlaceholder(fallback float64) *Placeholder {
	return &Placeholder{Fallback: fallback}
}

// RequiredParameters returns the identifiers of formula in first-seen order.
func (p *Placeholder) RequiredParameters(formula string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, name := range identPattern.FindAllString(formula, -1) {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

// Evaluate returns the formula's value when it is a number literal, a
// parameter value when the formula is a bare parameter name, and the
// fallback otherwise.
func (p *Placeholder) Evaluate(formula string, params map[string]string) (float64, error) {
	f := strings.TrimSpace(formula)
	if f == "" {
		return p.Fallback, nil
	}
	if v, err := strconv.ParseFloat(f, 64); err == nil {
		if v < 0 {
			return 0, fmt.Errorf("formula %q is negative", formula)
		}
		return v, nil
	}
	if raw, ok := params[f]; ok {
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return 0, fmt.Errorf("parameter %s is not numeric: %w", f, err)
		}
		return v, nil
	}
	return p.Fallback, nil
}
