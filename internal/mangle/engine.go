// Package mangle wraps the Google Mangle engine as a knowledge base of named
// source units. Every mutation rebuilds and re-evaluates the merged program
// into a fresh fact store; readers always see one immutable snapshot.
package mangle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	mengine "github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	_ "github.com/google/mangle/packages"
	"github.com/google/mangle/parse"

	"qcselect/internal/logging"
	"qcselect/internal/types"
)

// ErrNoProgram is returned by queries when no unit is active.
var ErrNoProgram = errors.New("no program loaded")

// Config holds knowledge base limits.
type Config struct {
	FactLimit    int           `json:"fact_limit" yaml:"fact_limit"`
	QueryTimeout time.Duration `json:"query_timeout" yaml:"query_timeout"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FactLimit:    100000,
		QueryTimeout: 30 * time.Second,
	}
}

// Stats contains knowledge base statistics.
type Stats struct {
	Units           int            `json:"units"`
	TotalFacts      int            `json:"total_facts"`
	PredicateCounts map[string]int `json:"predicate_counts"`
	LastUpdate      time.Time      `json:"last_update"`
}

// snapshot is an evaluated program. It is never mutated after publication.
type snapshot struct {
	programInfo *analysis.ProgramInfo
	store       factstore.ConcurrentFactStore
	builtAt     time.Time
}

// KnowledgeBase holds the active source units and the evaluated program.
type KnowledgeBase struct {
	config Config

	// buildMu serialises mutations so two rebuilds never race on units.
	buildMu sync.Mutex
	units   map[string]parse.SourceUnit
	order   []string

	mu   sync.RWMutex
	snap *snapshot
}

// NewKnowledgeBase creates an empty knowledge base.
func NewKnowledgeBase(cfg Config) *KnowledgeBase {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultConfig().QueryTimeout
	}
	return &KnowledgeBase{
		config: cfg,
		units:  make(map[string]parse.SourceUnit),
	}
}

// ParseUnit parses Mangle source into a unit.
func ParseUnit(source string) (parse.SourceUnit, error) {
	unit, err := parse.Unit(bytes.NewReader([]byte(source)))
	if err != nil {
		return parse.SourceUnit{}, fmt.Errorf("failed to parse unit: %w", err)
	}
	return unit, nil
}

// Validate checks that source parses and that the program stays valid with
// it in place under id. The knowledge base is not modified.
func (kb *KnowledgeBase) Validate(id, source string) error {
	unit, err := ParseUnit(source)
	if err != nil {
		return err
	}

	kb.buildMu.Lock()
	defer kb.buildMu.Unlock()

	units, order := kb.withUnitLocked(id, unit)
	if _, err := buildProgram(units, order); err != nil {
		return fmt.Errorf("unit %s rejected: %w", id, err)
	}
	return nil
}

// Activate parses source and makes it the unit for id, replacing any
// previous unit with that id. On failure the previous snapshot stays live.
func (kb *KnowledgeBase) Activate(id, source string) error {
	unit, err := ParseUnit(source)
	if err != nil {
		return fmt.Errorf("unit %s: %w", id, err)
	}

	kb.buildMu.Lock()
	defer kb.buildMu.Unlock()

	units, order := kb.withUnitLocked(id, unit)
	if err := kb.rebuildLocked(units, order); err != nil {
		return fmt.Errorf("unit %s rejected: %w", id, err)
	}
	logging.KnowledgeDebug("activated unit %s (%d units)", id, len(order))
	return nil
}

// Deactivate removes the unit for id and rebuilds. Returns false when the
// unit was not active.
func (kb *KnowledgeBase) Deactivate(id string) (bool, error) {
	kb.buildMu.Lock()
	defer kb.buildMu.Unlock()

	if _, ok := kb.units[id]; !ok {
		return false, nil
	}

	units := make(map[string]parse.SourceUnit, len(kb.units))
	order := make([]string, 0, len(kb.order))
	for _, uid := range kb.order {
		if uid == id {
			continue
		}
		units[uid] = kb.units[uid]
		order = append(order, uid)
	}

	if err := kb.rebuildLocked(units, order); err != nil {
		return false, fmt.Errorf("deactivate %s: %w", id, err)
	}
	logging.KnowledgeDebug("deactivated unit %s (%d units)", id, len(order))
	return true, nil
}

// IsActive reports whether a unit with id is active.
func (kb *KnowledgeBase) IsActive(id string) bool {
	kb.buildMu.Lock()
	defer kb.buildMu.Unlock()
	_, ok := kb.units[id]
	return ok
}

// Units returns the active unit ids in activation order.
func (kb *KnowledgeBase) Units() []string {
	kb.buildMu.Lock()
	defer kb.buildMu.Unlock()
	return append([]string(nil), kb.order...)
}

// withUnitLocked returns copies of the unit set with unit stored under id.
// A re-activated id keeps its position.
func (kb *KnowledgeBase) withUnitLocked(id string, unit parse.SourceUnit) (map[string]parse.SourceUnit, []string) {
	units := make(map[string]parse.SourceUnit, len(kb.units)+1)
	for uid, u := range kb.units {
		units[uid] = u
	}
	order := append([]string(nil), kb.order...)
	if _, exists := units[id]; !exists {
		order = append(order, id)
	}
	units[id] = unit
	return units, order
}

// rebuildLocked analyses and evaluates the given units on a private store,
// then publishes the result. Callers hold buildMu.
func (kb *KnowledgeBase) rebuildLocked(units map[string]parse.SourceUnit, order []string) error {
	timer := logging.StartTimer(logging.CategoryKnowledge, "knowledge base rebuild")
	defer timer.StopWithThreshold(time.Second)

	if len(order) == 0 {
		kb.mu.Lock()
		kb.snap = nil
		kb.mu.Unlock()
		kb.units, kb.order = units, order
		return nil
	}

	programInfo, err := buildProgram(units, order)
	if err != nil {
		return err
	}
	store, err := kb.evaluate(programInfo, nil)
	if err != nil {
		return err
	}

	kb.mu.Lock()
	kb.snap = &snapshot{programInfo: programInfo, store: store, builtAt: time.Now()}
	kb.mu.Unlock()
	kb.units, kb.order = units, order
	return nil
}

// buildProgram merges units in order and analyses the result.
// Declarations of the same predicate collapse to the first one seen.
func buildProgram(units map[string]parse.SourceUnit, order []string) (*analysis.ProgramInfo, error) {
	var clauses []ast.Clause
	var decls []ast.Decl
	arities := make(map[string]int)
	seen := make(map[ast.PredicateSym]bool)

	for _, id := range order {
		unit := units[id]
		clauses = append(clauses, unit.Clauses...)
		for _, d := range unit.Decls {
			sym := d.DeclaredAtom.Predicate
			if prev, ok := arities[sym.Symbol]; ok && prev != sym.Arity {
				return nil, fmt.Errorf("predicate %s declared with arity %d in %s, previously %d", sym.Symbol, sym.Arity, id, prev)
			}
			if seen[sym] {
				continue
			}
			seen[sym] = true
			arities[sym.Symbol] = sym.Arity
			decls = append(decls, d)
		}
	}

	programInfo, err := analysis.AnalyzeOneUnit(parse.SourceUnit{Clauses: clauses, Decls: decls}, nil)
	if err != nil {
		return nil, fmt.Errorf("analysis failed: %w", err)
	}
	return programInfo, nil
}

// evaluate runs programInfo to fixpoint on a fresh store seeded with extra.
func (kb *KnowledgeBase) evaluate(programInfo *analysis.ProgramInfo, extra []ast.Atom) (factstore.ConcurrentFactStore, error) {
	store := factstore.NewConcurrentFactStore(factstore.NewSimpleInMemoryStore())
	for _, atom := range extra {
		store.Add(atom)
	}

	stats, err := mengine.EvalProgramWithStats(programInfo, store)
	if err != nil {
		return factstore.ConcurrentFactStore{}, fmt.Errorf("evaluation failed: %w", err)
	}
	logging.KnowledgeDebug("evaluation stats: %+v", stats)

	if kb.config.FactLimit > 0 {
		if n := store.EstimateFactCount(); n > kb.config.FactLimit {
			return factstore.ConcurrentFactStore{}, fmt.Errorf("fact limit exceeded: %d > %d", n, kb.config.FactLimit)
		}
	}
	return store, nil
}

func (kb *KnowledgeBase) current() *snapshot {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return kb.snap
}

// Query matches goal against the evaluated program. An undefined predicate
// yields no bindings. The call is bounded by the context deadline or, when
// none is set, by the configured query timeout.
func (kb *KnowledgeBase) Query(ctx context.Context, goal string) ([]types.Binding, error) {
	shape, err := parseQueryShape(goal)
	if err != nil {
		return nil, err
	}

	snap := kb.current()
	if snap == nil {
		return nil, ErrNoProgram
	}

	return kb.withTimeout(ctx, func(ctx context.Context) ([]types.Binding, error) {
		return shape.match(ctx, snap.store)
	})
}

// QueryWith evaluates the current program together with the given ground
// assumptions in an isolated store and matches goal there. The live
// snapshot is not modified.
func (kb *KnowledgeBase) QueryWith(ctx context.Context, assumptions []types.Fact, goal string) ([]types.Binding, error) {
	shape, err := parseQueryShape(goal)
	if err != nil {
		return nil, err
	}

	extra := make([]ast.Atom, 0, len(assumptions))
	for _, f := range assumptions {
		atom, err := f.ToAtom()
		if err != nil {
			return nil, fmt.Errorf("assumption %s: %w", f.Predicate, err)
		}
		extra = append(extra, atom)
	}

	snap := kb.current()
	if snap == nil {
		return nil, ErrNoProgram
	}

	return kb.withTimeout(ctx, func(ctx context.Context) ([]types.Binding, error) {
		store, err := kb.evaluate(snap.programInfo, extra)
		if err != nil {
			return nil, err
		}
		return shape.match(ctx, store)
	})
}

func (kb *KnowledgeBase) withTimeout(ctx context.Context, run func(context.Context) ([]types.Binding, error)) ([]types.Binding, error) {
	// If context doesn't have a deadline, apply our default
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, kb.config.QueryTimeout)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("query not started: %w", err)
	}

	start := time.Now()
	resultChan := make(chan []types.Binding, 1)
	errChan := make(chan error, 1)

	go func() {
		results, err := run(ctx)
		if err != nil {
			errChan <- err
			return
		}
		resultChan <- results
	}()

	select {
	case results := <-resultChan:
		return results, nil
	case err := <-errChan:
		return nil, err
	case <-ctx.Done():
		return nil, fmt.Errorf("query execution timed out after %v: %w", time.Since(start), ctx.Err())
	}
}

// GetFacts retrieves all evaluated facts for a predicate name, any arity.
func (kb *KnowledgeBase) GetFacts(predicate string) ([]types.Fact, error) {
	snap := kb.current()
	if snap == nil {
		return nil, ErrNoProgram
	}

	var results []types.Fact
	for _, sym := range snap.store.ListPredicates() {
		if sym.Symbol != predicate {
			continue
		}
		err := snap.store.GetFacts(ast.NewQuery(sym), func(atom ast.Atom) error {
			args := make([]interface{}, len(atom.Args))
			for i, arg := range atom.Args {
				args[i] = factArg(arg)
			}
			results = append(results, types.Fact{Predicate: predicate, Args: args})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

// Stats returns statistics for the current snapshot.
func (kb *KnowledgeBase) Stats() Stats {
	units := len(kb.Units())
	snap := kb.current()
	if snap == nil {
		return Stats{Units: units, PredicateCounts: map[string]int{}}
	}

	counts := make(map[string]int)
	for _, sym := range snap.store.ListPredicates() {
		localCount := 0
		_ = snap.store.GetFacts(ast.NewQuery(sym), func(ast.Atom) error {
			localCount++
			return nil
		})
		counts[sym.Symbol] += localCount
	}

	return Stats{
		Units:           units,
		TotalFacts:      snap.store.EstimateFactCount(),
		PredicateCounts: counts,
		LastUpdate:      snap.builtAt,
	}
}

// Predicates lists the predicate names with at least one evaluated fact.
func (kb *KnowledgeBase) Predicates() []string {
	snap := kb.current()
	if snap == nil {
		return nil
	}
	var names []string
	seen := make(map[string]bool)
	for _, sym := range snap.store.ListPredicates() {
		if !seen[sym.Symbol] {
			seen[sym.Symbol] = true
			names = append(names, sym.Symbol)
		}
	}
	sort.Strings(names)
	return names
}

// Close releases the snapshot.
func (kb *KnowledgeBase) Close() error {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	kb.snap = nil
	return nil
}

type queryShape struct {
	atom ast.Atom
}

func parseQueryShape(query string) (*queryShape, error) {
	clean := strings.TrimSpace(query)
	if clean == "" {
		return nil, fmt.Errorf("empty query")
	}

	if strings.HasPrefix(clean, "?") {
		clean = strings.TrimSpace(clean[1:])
	}
	if strings.HasSuffix(clean, ".") {
		clean = strings.TrimSpace(clean[:len(clean)-1])
	}

	atom, err := parse.Atom(clean)
	if err != nil {
		// Attempt again with a trailing period
		atom, err = parse.Atom(clean + ".")
		if err != nil {
			return nil, fmt.Errorf("failed to parse query %q: %w", query, err)
		}
	}
	return &queryShape{atom: atom}, nil
}

// match enumerates facts of the goal predicate and keeps those that unify
// with the goal. Repeated variables must bind to equal constants.
func (q *queryShape) match(ctx context.Context, store factstore.ConcurrentFactStore) ([]types.Binding, error) {
	results := []types.Binding{}
	err := store.GetFacts(ast.NewQuery(q.atom.Predicate), func(fact ast.Atom) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if row, ok := unify(q.atom, fact); ok {
			results = append(results, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func unify(goal, fact ast.Atom) (types.Binding, bool) {
	if len(goal.Args) != len(fact.Args) {
		return nil, false
	}
	row := make(types.Binding)
	bound := make(map[string]ast.Constant)
	for i, arg := range goal.Args {
		got, ok := fact.Args[i].(ast.Constant)
		if !ok {
			return nil, false
		}
		switch v := arg.(type) {
		case ast.Variable:
			if v.Symbol == "_" {
				continue
			}
			if prev, ok := bound[v.Symbol]; ok {
				if !constantsEqual(prev, got) {
					return nil, false
				}
				continue
			}
			bound[v.Symbol] = got
			row[v.Symbol] = constantToInterface(got)
		case ast.Constant:
			if !constantsEqual(v, got) {
				return nil, false
			}
		default:
			return nil, false
		}
	}
	return row, true
}

func constantsEqual(a, b ast.Constant) bool {
	return a.Type == b.Type && a.Symbol == b.Symbol && a.NumValue == b.NumValue
}

func factArg(term ast.BaseTerm) interface{} {
	c, ok := term.(ast.Constant)
	if !ok {
		return fmt.Sprintf("%v", term)
	}
	if c.Type == ast.NameType {
		return types.Name(c.Symbol)
	}
	return constantToInterface(c)
}

func constantToInterface(constant ast.Constant) interface{} {
	switch constant.Type {
	case ast.StringType:
		return constant.Symbol
	case ast.NameType:
		return constant.Symbol
	case ast.BytesType:
		return constant.Symbol
	case ast.NumberType:
		return constant.NumValue
	case ast.Float64Type:
		return math.Float64frombits(uint64(constant.NumValue))
	default:
		return constant.String()
	}
}
