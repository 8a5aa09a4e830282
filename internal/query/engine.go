// Package query answers selection questions against the knowledge base.
// Every failure (parse error, undefined predicate, timeout) degrades to
// false or an empty result and is logged; nothing is propagated.
package query

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"qcselect/internal/facts"
	"qcselect/internal/logging"
	"qcselect/internal/metrics"
	"qcselect/internal/rules"
	"qcselect/internal/types"
)

// StaticRuleID names the shared qubit-sufficiency rule file.
const StaticRuleID = "qubit-sufficiency"

// StaticRule decides which resources can run an implementation at a given
// size. A resource qualifies when it speaks the implementation's SDK, has
// enough qubits, and can run Depth sequential gates within its T1 time.
const StaticRule = `# Resources able to run an implementation for a given qubit demand.
Decl qubitDemand(Implementation, Qubits, Depth).
Decl requiredSdk(Implementation, Sdk).
Decl usesSdk(Resource, Sdk).
Decl providesQubits(Resource, Qubits).
Decl t1Time(Resource, Nanoseconds).
Decl maxGateTime(Resource, Nanoseconds).

executableOnResource(Impl, Qubits, Depth, Res) :-
  qubitDemand(Impl, Qubits, Depth),
  requiredSdk(Impl, Sdk),
  usesSdk(Res, Sdk),
  providesQubits(Res, Provided),
  Provided >= Qubits,
  t1Time(Res, T1),
  maxGateTime(Res, Gate),
  Runtime = fn:mult(Depth, Gate),
  Runtime <= T1.
`

// Querier is the read side of the knowledge base.
type Querier interface {
	Query(ctx context.Context, goal string) ([]types.Binding, error)
	QueryWith(ctx context.Context, assumptions []types.Fact, goal string) ([]types.Binding, error)
}

// RuleLoader materialises and activates static rule files.
type RuleLoader interface {
	EnsureStatic(name, content string) error
}

// Engine issues queries and records a metrics sample per call.
type Engine struct {
	kb      Querier
	loader  RuleLoader
	metrics metrics.Collector

	staticGroup  singleflight.Group
	staticLoaded atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics sets the metrics collector.
func WithMetrics(c metrics.Collector) Option {
	return func(e *Engine) {
		if c != nil {
			e.metrics = c
		}
	}
}

// NewEngine creates a query engine over kb. loader is used to materialise
// the static qubit-sufficiency rule on first use.
func NewEngine(kb Querier, loader RuleLoader, opts ...Option) *Engine {
	e := &Engine{
		kb:      kb,
		loader:  loader,
		metrics: metrics.NewNoopCollector(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) record(ctx context.Context, op string, start time.Time, err error, found bool) {
	status := metrics.StatusSuccess
	switch {
	case err != nil:
		status = metrics.StatusError
		errType := "query"
		if ctx.Err() != nil || strings.Contains(err.Error(), "timed out") {
			errType = "timeout"
		}
		e.metrics.RecordError(ctx, op, errType)
	case !found:
		status = metrics.StatusEmpty
	}
	e.metrics.RecordOperation(ctx, op, status, time.Since(start).Milliseconds())
}

// HasSolution reports whether the ground query has at least one solution.
func (e *Engine) HasSolution(ctx context.Context, query string) bool {
	return e.hasSolution(ctx, "has_solution", nil, query)
}

func (e *Engine) hasSolution(ctx context.Context, op string, assumptions []types.Fact, query string) bool {
	start := time.Now()
	var (
		bindings []types.Binding
		err      error
	)
	if len(assumptions) > 0 {
		bindings, err = e.kb.QueryWith(ctx, assumptions, query)
	} else {
		bindings, err = e.kb.Query(ctx, query)
	}
	e.record(ctx, op, start, err, len(bindings) > 0)
	if err != nil {
		logging.Get(logging.CategoryQuery).Warn("query %s failed: %v", query, err)
		return false
	}
	logging.QueryDebug("query %s: %d solutions", query, len(bindings))
	return len(bindings) > 0
}

// AllSolutions returns every binding satisfying query, or an empty slice.
func (e *Engine) AllSolutions(ctx context.Context, query string) []types.Binding {
	start := time.Now()
	bindings, err := e.kb.Query(ctx, query)
	e.record(ctx, "all_solutions", start, err, len(bindings) > 0)
	if err != nil {
		logging.Get(logging.CategoryQuery).Warn("query %s failed: %v", query, err)
		return []types.Binding{}
	}
	return bindings
}

// CheckExecutability binds params into the selection rule's head and asks
// whether the resulting ground goal holds. The same bindings are supplied as
// selectionParam assumptions, which is what lets compiled selection rules
// fire. A malformed rule or a missing parameter makes the rule not executable.
func (e *Engine) CheckExecutability(ctx context.Context, selectionRule string, params map[string]string) bool {
	log := logging.Get(logging.CategoryQuery)

	signature := rules.Signature(selectionRule)
	name, rawParams, ok := rules.SplitHead(signature)
	if !ok || name == "" {
		log.Error("selection rule %q has no parameter list", selectionRule)
		return false
	}

	for _, v := range rules.Variables(selectionRule) {
		if _, ok := params[v]; !ok {
			log.Warn("selection rule %s: parameter %s not supplied", name, v)
			return false
		}
	}

	tokens := strings.Split(rawParams, ",")
	args := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if value, ok := params[tok]; ok && rules.IsVariable(tok) {
			args = append(args, facts.Constant(value))
			continue
		}
		args = append(args, tok)
	}

	goal := fmt.Sprintf("%s(%s).", name, strings.Join(args, ", "))
	return e.hasSolution(ctx, "check_executability", facts.SelectionParams(selectionRule, params), goal)
}

// SuitableResources returns the sorted ids of resources that can run the
// implementation with the given qubit count and circuit depth.
func (e *Engine) SuitableResources(ctx context.Context, implementationID string, requiredQubits, circuitDepth int) []string {
	start := time.Now()
	log := logging.Get(logging.CategoryQuery)

	if err := e.ensureStaticRule(); err != nil {
		e.record(ctx, "suitable_resources", start, err, false)
		log.Error("static rule %s unavailable: %v", StaticRuleID, err)
		return []string{}
	}

	demand := types.Fact{
		Predicate: facts.PredQubitDemand,
		Args:      []interface{}{implementationID, requiredQubits, circuitDepth},
	}
	goal := fmt.Sprintf("%s(%q, %d, %d, Resource)", facts.PredExecutableOnResource, implementationID, requiredQubits, circuitDepth)

	bindings, err := e.kb.QueryWith(ctx, []types.Fact{demand}, goal)
	e.record(ctx, "suitable_resources", start, err, len(bindings) > 0)
	if err != nil {
		log.Warn("suitable resources for %s failed: %v", implementationID, err)
		return []string{}
	}

	seen := make(map[string]bool)
	ids := []string{}
	for _, b := range bindings {
		id, ok := b["Resource"].(string)
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	sort.Strings(ids)
	logging.QueryDebug("implementation %s (%d qubits, depth %d): %d resources", implementationID, requiredQubits, circuitDepth, len(ids))
	return ids
}

// ensureStaticRule loads the qubit-sufficiency rule at most once. Concurrent
// first callers share one load; a failed load is retried by the next caller.
func (e *Engine) ensureStaticRule() error {
	if e.staticLoaded.Load() {
		return nil
	}
	_, err, _ := e.staticGroup.Do(StaticRuleID, func() (interface{}, error) {
		if e.staticLoaded.Load() {
			return nil, nil
		}
		if err := e.loader.EnsureStatic(StaticRuleID, StaticRule); err != nil {
			return nil, err
		}
		e.staticLoaded.Store(true)
		return nil, nil
	})
	return err
}
