// Package rules performs string-level analysis of selection rules.
//
// A selection rule looks like "name(P1, P2, ...)" optionally followed by a
// body ":- ...". Nothing here parses the logic grammar: the leading
// parenthesis group is split on commas, so arguments containing nested
// parentheses or commas are not supported.
package rules

import (
	"strings"
	"unicode"
)

// headGroup returns the text between the first "(" and the first ")" after it.
func headGroup(rule string) (string, bool) {
	open := strings.Index(rule, "(")
	if open < 0 {
		return "", false
	}
	end := strings.Index(rule[open+1:], ")")
	if end < 0 {
		return "", false
	}
	return rule[open+1 : open+1+end], true
}

// Parameters returns the whitespace-trimmed parameters of the rule's leading
// group in order. Duplicates are kept. Returns nil when the rule has no
// parenthesis pair or the group is empty.
func Parameters(rule string) []string {
	group, ok := headGroup(rule)
	if !ok || strings.TrimSpace(group) == "" {
		return nil
	}
	parts := strings.Split(group, ",")
	params := make([]string, 0, len(parts))
	for _, p := range parts {
		params = append(params, strings.TrimSpace(p))
	}
	return params
}

// IsVariable reports whether token names a logic variable: its first
// character is an uppercase letter or an underscore.
func IsVariable(token string) bool {
	token = strings.TrimSpace(token)
	if token == "" {
		return false
	}
	r := []rune(token)[0]
	return r == '_' || unicode.IsUpper(r)
}

// Variables returns the distinct variable parameters in first-seen order.
func Variables(rule string) []string {
	var vars []string
	seen := make(map[string]bool)
	for _, p := range Parameters(rule) {
		if !IsVariable(p) || seen[p] {
			continue
		}
		seen[p] = true
		vars = append(vars, p)
	}
	return vars
}

// Arity returns the number of parameters in the leading group, 0 if malformed.
func Arity(rule string) int {
	return len(Parameters(rule))
}

// Signature returns the rule head: everything before the first ":", trimmed.
func Signature(rule string) string {
	if i := strings.Index(rule, ":"); i >= 0 {
		rule = rule[:i]
	}
	return strings.TrimSpace(rule)
}

// PredicateName returns the trimmed token before the first "(".
// Empty when the rule has no "(".
func PredicateName(rule string) string {
	i := strings.Index(rule, "(")
	if i < 0 {
		return ""
	}
	return strings.TrimSpace(rule[:i])
}

// SplitHead splits a signature "name(a, b)" into its name and raw parameter
// text. ok is false when no parenthesis pair is present.
func SplitHead(signature string) (name, params string, ok bool) {
	params, ok = headGroup(signature)
	if !ok {
		return "", "", false
	}
	return PredicateName(signature), params, true
}
