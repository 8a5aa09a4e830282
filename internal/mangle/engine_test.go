package mangle

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"qcselect/internal/types"
)

const implUnit = `
Decl implements(Implementation, Algorithm).
Decl requiredSdk(Implementation, Sdk).
implements("impl-1", "shor").
requiredSdk("impl-1", "qiskit").
`

const resourceUnit = `
Decl providesQubits(Resource, Qubits).
Decl usesSdk(Resource, Sdk).
providesQubits("ibmq", 5).
usesSdk("ibmq", "qiskit").
`

func newTestKB(t *testing.T) *KnowledgeBase {
	t.Helper()
	kb := NewKnowledgeBase(DefaultConfig())
	t.Cleanup(func() { _ = kb.Close() })
	return kb
}

func TestNewKnowledgeBase(t *testing.T) {
	kb := NewKnowledgeBase(Config{})
	if kb == nil {
		t.Fatal("NewKnowledgeBase() returned nil")
	}
	if kb.config.QueryTimeout != DefaultConfig().QueryTimeout {
		t.Errorf("expected default query timeout, got %v", kb.config.QueryTimeout)
	}
	if len(kb.Units()) != 0 {
		t.Errorf("expected no units")
	}
}

func TestQueryWithoutProgram(t *testing.T) {
	kb := newTestKB(t)
	_, err := kb.Query(context.Background(), "implements(X, Y)")
	assert.ErrorIs(t, err, ErrNoProgram)
}

func TestActivateAndQuery(t *testing.T) {
	kb := newTestKB(t)
	require.NoError(t, kb.Activate("impl-1", implUnit))

	got, err := kb.Query(context.Background(), `implements(X, "shor")`)
	require.NoError(t, err)

	want := []types.Binding{{"X": "impl-1"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Query mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, kb.IsActive("impl-1"))
}

func TestQueryStripsQuestionMarkAndPeriod(t *testing.T) {
	kb := newTestKB(t)
	require.NoError(t, kb.Activate("impl-1", implUnit))

	got, err := kb.Query(context.Background(), `?requiredSdk("impl-1", S).`)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "qiskit", got[0]["S"])
}

func TestQueryUndefinedPredicateYieldsNothing(t *testing.T) {
	kb := newTestKB(t)
	require.NoError(t, kb.Activate("impl-1", implUnit))

	got, err := kb.Query(context.Background(), "nosuch(X)")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestQueryRepeatedVariableAndWildcard(t *testing.T) {
	kb := newTestKB(t)
	require.NoError(t, kb.Activate("pairs", `
Decl pair(A, B).
pair(1, 1).
pair(1, 2).
pair(3, 3).
`))

	same, err := kb.Query(context.Background(), "pair(X, X)")
	require.NoError(t, err)
	assert.Len(t, same, 2)

	wild, err := kb.Query(context.Background(), "pair(1, _)")
	require.NoError(t, err)
	assert.Len(t, wild, 2)
	for _, b := range wild {
		assert.Empty(t, b)
	}
}

func TestQueryNumberBinding(t *testing.T) {
	kb := newTestKB(t)
	require.NoError(t, kb.Activate("ibmq", resourceUnit))

	got, err := kb.Query(context.Background(), `providesQubits("ibmq", Q)`)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(5), got[0]["Q"])
}

func TestMergedUnitsShareDeclarations(t *testing.T) {
	kb := newTestKB(t)
	require.NoError(t, kb.Activate("impl-1", implUnit))
	require.NoError(t, kb.Activate("impl-2", `
Decl implements(Implementation, Algorithm).
Decl requiredSdk(Implementation, Sdk).
implements("impl-2", "shor").
requiredSdk("impl-2", "cirq").
`))

	got, err := kb.Query(context.Background(), `implements(X, "shor")`)
	require.NoError(t, err)

	var ids []string
	for _, b := range got {
		ids = append(ids, b["X"].(string))
	}
	sort.Strings(ids)
	assert.Equal(t, []string{"impl-1", "impl-2"}, ids)
}

func TestConflictingArityRejected(t *testing.T) {
	kb := newTestKB(t)
	require.NoError(t, kb.Activate("impl-1", implUnit))

	err := kb.Activate("bad", "Decl implements(A, B, C).\nimplements(1, 2, 3).\n")
	require.Error(t, err)
	assert.False(t, kb.IsActive("bad"))

	got, err := kb.Query(context.Background(), "implements(X, Y)")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestActivateFailureKeepsSnapshot(t *testing.T) {
	kb := newTestKB(t)
	require.NoError(t, kb.Activate("impl-1", implUnit))
	require.NoError(t, kb.Activate("other", "Decl implements(Implementation, Algorithm).\nimplements(\"other\", \"grover\").\n"))

	// implements/3 conflicts with the declaration in "other".
	err := kb.Activate("impl-1", "Decl implements(A, B, C).\nimplements(\"impl-1\", \"shor\", 1).\n")
	require.Error(t, err)

	got, err := kb.Query(context.Background(), `implements("impl-1", A)`)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "shor", got[0]["A"])
}

func TestActivateParseError(t *testing.T) {
	kb := newTestKB(t)
	assert.Error(t, kb.Activate("broken", "this is (not mangle"))
	assert.Empty(t, kb.Units())
}

func TestActivateIdempotent(t *testing.T) {
	kb := newTestKB(t)
	require.NoError(t, kb.Activate("impl-1", implUnit))
	first := kb.Stats()
	require.NoError(t, kb.Activate("impl-1", implUnit))
	second := kb.Stats()

	assert.Equal(t, first.TotalFacts, second.TotalFacts)
	assert.Equal(t, first.PredicateCounts, second.PredicateCounts)
	assert.Equal(t, []string{"impl-1"}, kb.Units())
}

func TestDeactivate(t *testing.T) {
	kb := newTestKB(t)
	require.NoError(t, kb.Activate("impl-1", implUnit))
	require.NoError(t, kb.Activate("ibmq", resourceUnit))

	removed, err := kb.Deactivate("impl-1")
	require.NoError(t, err)
	assert.True(t, removed)

	got, err := kb.Query(context.Background(), "implements(X, Y)")
	require.NoError(t, err)
	assert.Empty(t, got)

	removed, err = kb.Deactivate("impl-1")
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = kb.Deactivate("ibmq")
	require.NoError(t, err)
	assert.True(t, removed)

	_, err = kb.Query(context.Background(), "usesSdk(X, Y)")
	assert.ErrorIs(t, err, ErrNoProgram)
}

func TestValidateDoesNotMutate(t *testing.T) {
	kb := newTestKB(t)
	require.NoError(t, kb.Validate("impl-1", implUnit))
	assert.Empty(t, kb.Units())

	assert.Error(t, kb.Validate("bad", "p(X :- ."))
}

func TestRulesAreEvaluated(t *testing.T) {
	kb := newTestKB(t)
	require.NoError(t, kb.Activate("scores", `
Decl score(Name, V).
score("a", 95).
score("b", 50).
pass(Name) :- score(Name, V), V >= 60.
doubled(Name, R) :- score(Name, X), R = fn:mult(X, 2).
`))

	got, err := kb.Query(context.Background(), "pass(N)")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0]["N"])

	doubled, err := kb.Query(context.Background(), `doubled("b", R)`)
	require.NoError(t, err)
	require.Len(t, doubled, 1)
	assert.Equal(t, int64(100), doubled[0]["R"])
}

func TestQueryWithAssumptions(t *testing.T) {
	kb := newTestKB(t)
	require.NoError(t, kb.Activate("rules", `
Decl demand(Impl, Qubits).
Decl providesQubits(Resource, Qubits).
providesQubits("small", 2).
providesQubits("large", 20).
fits(Impl, Res) :- demand(Impl, Q), providesQubits(Res, P), P >= Q.
`))

	got, err := kb.QueryWith(context.Background(),
		[]types.Fact{{Predicate: "demand", Args: []interface{}{"impl-1", 5}}},
		`fits("impl-1", R)`)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "large", got[0]["R"])

	// The assumption is not visible afterwards.
	plain, err := kb.Query(context.Background(), "demand(I, Q)")
	require.NoError(t, err)
	assert.Empty(t, plain)
}

func TestFactLimit(t *testing.T) {
	kb := NewKnowledgeBase(Config{FactLimit: 1})
	err := kb.Activate("many", "Decl p(X).\np(1).\np(2).\np(3).\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fact limit")
	assert.Empty(t, kb.Units())
}

func TestQueryWithFactLimit(t *testing.T) {
	kb := NewKnowledgeBase(Config{FactLimit: 2})
	require.NoError(t, kb.Activate("one", "Decl p(X).\np(1).\n"))

	extra := []types.Fact{
		{Predicate: "p", Args: []interface{}{2}},
		{Predicate: "p", Args: []interface{}{3}},
	}
	_, err := kb.QueryWith(context.Background(), extra, "p(X)")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fact limit")

	// the live snapshot still answers
	got, err := kb.Query(context.Background(), "p(X)")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestQueryCancelledContext(t *testing.T) {
	kb := NewKnowledgeBase(Config{QueryTimeout: time.Nanosecond})
	require.NoError(t, kb.Activate("impl-1", implUnit))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := kb.Query(ctx, "implements(X, Y)")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueryParseError(t *testing.T) {
	kb := newTestKB(t)
	require.NoError(t, kb.Activate("impl-1", implUnit))

	_, err := kb.Query(context.Background(), "")
	assert.Error(t, err)
	_, err = kb.Query(context.Background(), "not an atom((")
	assert.Error(t, err)
}

func TestGetFactsAndStats(t *testing.T) {
	kb := newTestKB(t)
	require.NoError(t, kb.Activate("ibmq", resourceUnit))

	facts, err := kb.GetFacts("providesQubits")
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, `providesQubits("ibmq", 5).`, facts[0].String())

	stats := kb.Stats()
	assert.Equal(t, 1, stats.Units)
	assert.Equal(t, 1, stats.PredicateCounts["usesSdk"])
	assert.GreaterOrEqual(t, stats.TotalFacts, 2)
	assert.Equal(t, []string{"providesQubits", "usesSdk"}, kb.Predicates())
}

func TestConcurrentActivateAndQuery(t *testing.T) {
	defer goleak.VerifyNone(t)

	kb := NewKnowledgeBase(DefaultConfig())
	require.NoError(t, kb.Activate("ibmq", resourceUnit))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			id := []string{"a", "b", "c", "d"}[i%4]
			_ = kb.Activate(id, "Decl usesSdk(Resource, Sdk).\nusesSdk(\""+id+"\", \"qiskit\").\n")
		}(i)
		go func() {
			defer wg.Done()
			_, err := kb.Query(context.Background(), `usesSdk(R, "qiskit")`)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := kb.Query(context.Background(), `usesSdk(R, "qiskit")`)
	require.NoError(t, err)
	assert.Len(t, got, 5)
}
