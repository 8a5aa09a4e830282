// Package facts compiles catalog entities into Mangle source text.
//
// Every fact file declares the predicates it defines, because the same
// predicate is defined across many files (one clause per entity) and the
// knowledge base merges all active files into one program.
package facts

import (
	"fmt"
	"strconv"
	"strings"

	"qcselect/internal/rules"
	"qcselect/internal/types"
)

// Predicates shared by every implementation and resource fact file.
const (
	PredImplements     = "implements"
	PredRequiredSdk    = "requiredSdk"
	PredProvidesQubits = "providesQubits"
	PredUsesSdk        = "usesSdk"
	PredT1Time         = "t1Time"
	PredMaxGateTime    = "maxGateTime"

	PredQubitDemand          = "qubitDemand"
	PredExecutableOnResource = "executableOnResource"

	// PredSelectionParam binds one caller parameter during an executability
	// check, e.g. selectionParam("N", 15).
	PredSelectionParam = "selectionParam"
)

// ReservedPredicates maps every catalog-owned predicate to its arity.
// Selection rules may read these but never define them.
func ReservedPredicates() map[string]int {
	return map[string]int{
		PredImplements:           2,
		PredRequiredSdk:          2,
		PredProvidesQubits:       2,
		PredUsesSdk:              2,
		PredT1Time:               2,
		PredMaxGateTime:          2,
		PredQubitDemand:          3,
		PredExecutableOnResource: 4,
		PredSelectionParam:       2,
	}
}

// Decl renders a Mangle declaration for predicate with the given argument names.
func Decl(predicate string, args ...string) string {
	return fmt.Sprintf("Decl %s(%s).", predicate, strings.Join(args, ", "))
}

// declForRule derives the declaration of a selection rule's head predicate.
// Argument names are synthesised because the rule's own parameters may be
// literals.
func declForRule(rule string) string {
	name := rules.PredicateName(rule)
	arity := rules.Arity(rule)
	if name == "" || arity == 0 {
		return ""
	}
	return declArity(name, arity)
}

// CompileImplementation renders the fact file for an implementation.
// The selection rule is rewritten by compileSelectionRule; a rule that does
// not parse is written as authored and rejected by the knowledge base.
func CompileImplementation(impl types.Implementation) string {
	rule := strings.TrimSpace(impl.SelectionRule)

	var compiled selectionRule
	if rule != "" {
		var ok bool
		if compiled, ok = compileSelectionRule(rule, PredImplements, PredRequiredSdk); !ok {
			compiled = selectionRule{clauses: []string{rule}}
			if d := declForRule(rule); d != "" {
				compiled.decls = []string{d}
			}
		}
	}

	var sb strings.Builder
	sb.WriteString(Decl(PredImplements, "Implementation", "Algorithm"))
	sb.WriteByte('\n')
	sb.WriteString(Decl(PredRequiredSdk, "Implementation", "Sdk"))
	sb.WriteByte('\n')
	for _, d := range compiled.decls {
		sb.WriteString(d)
		sb.WriteByte('\n')
	}

	writeFact(&sb, PredImplements, impl.ID, impl.ImplementedAlgorithmID)
	writeFact(&sb, PredRequiredSdk, impl.ID, strings.ToLower(impl.SDK))

	for _, c := range compiled.clauses {
		sb.WriteString(c)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// CompileResource renders the fact file for a resource.
func CompileResource(res types.Resource) string {
	var sb strings.Builder
	sb.WriteString(Decl(PredProvidesQubits, "Resource", "Qubits"))
	sb.WriteByte('\n')
	sb.WriteString(Decl(PredUsesSdk, "Resource", "Sdk"))
	sb.WriteByte('\n')
	sb.WriteString(Decl(PredT1Time, "Resource", "Nanoseconds"))
	sb.WriteByte('\n')
	sb.WriteString(Decl(PredMaxGateTime, "Resource", "Nanoseconds"))
	sb.WriteByte('\n')

	writeFact(&sb, PredProvidesQubits, res.ID, res.Qubits)
	for _, sdk := range res.SupportedSDKs {
		writeFact(&sb, PredUsesSdk, res.ID, strings.ToLower(sdk))
	}
	writeFact(&sb, PredT1Time, res.ID, res.T1)
	writeFact(&sb, PredMaxGateTime, res.ID, res.MaxGateTime)
	return sb.String()
}

func writeFact(sb *strings.Builder, predicate string, args ...interface{}) {
	sb.WriteString(types.Fact{Predicate: predicate, Args: args}.String())
	sb.WriteByte('\n')
}

// Constant renders a caller-supplied value as a Mangle constant.
// Numbers, name constants and already-quoted strings pass through verbatim;
// anything else is quoted.
func Constant(value string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return `""`
	}
	if _, err := strconv.ParseInt(v, 10, 64); err == nil {
		return v
	}
	if _, err := strconv.ParseFloat(v, 64); err == nil && !strings.ContainsAny(v, "eEnN") {
		return v
	}
	if types.IsNameConstant(v) {
		return v
	}
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		if _, err := strconv.Unquote(v); err == nil {
			return v
		}
	}
	return strconv.Quote(v)
}
