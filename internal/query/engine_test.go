package query

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"qcselect/internal/knowledge"
	"qcselect/internal/mangle"
	"qcselect/internal/metrics"
	"qcselect/internal/types"
)

// fakeKB records the goals it receives.
type fakeKB struct {
	mu       sync.Mutex
	goals    []string
	bindings []types.Binding
	err      error
}

func (f *fakeKB) Query(ctx context.Context, goal string) ([]types.Binding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.goals = append(f.goals, goal)
	return f.bindings, f.err
}

func (f *fakeKB) QueryWith(ctx context.Context, assumptions []types.Fact, goal string) ([]types.Binding, error) {
	return f.Query(ctx, goal)
}

func (f *fakeKB) lastGoal() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.goals) == 0 {
		return ""
	}
	return f.goals[len(f.goals)-1]
}

type countingLoader struct {
	calls atomic.Int32
	fail  atomic.Bool
}

func (c *countingLoader) EnsureStatic(name, content string) error {
	c.calls.Add(1)
	time.Sleep(10 * time.Millisecond)
	if c.fail.Load() {
		return errors.New("disk full")
	}
	return nil
}

// harness wires a real knowledge base, store and mirror.
type harness struct {
	engine *Engine
	mirror *knowledge.Mirror
	store  *knowledge.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	kb := mangle.NewKnowledgeBase(mangle.DefaultConfig())
	store := knowledge.NewStore(t.TempDir(), kb)
	return &harness{
		engine: NewEngine(kb, store),
		mirror: knowledge.NewMirror(store),
		store:  store,
	}
}

func (h *harness) addImpl(t *testing.T, impl types.Implementation) {
	t.Helper()
	require.NoError(t, h.mirror.OnImplementationInserted(context.Background(), impl))
}

func (h *harness) addResource(t *testing.T, res types.Resource) {
	t.Helper()
	require.NoError(t, h.mirror.OnResourceInserted(context.Background(), res))
}

func TestHasSolution(t *testing.T) {
	h := newHarness(t)
	h.addImpl(t, types.Implementation{ID: "impl-1", ImplementedAlgorithmID: "shor", SDK: "qiskit"})
	ctx := context.Background()

	assert.True(t, h.engine.HasSolution(ctx, `implements("impl-1", "shor").`))
	assert.False(t, h.engine.HasSolution(ctx, `implements("impl-1", "grover").`))
	assert.False(t, h.engine.HasSolution(ctx, `undefinedPredicate(1).`))
	assert.False(t, h.engine.HasSolution(ctx, `not a query((`))
}

func TestHasSolutionEmptyKnowledgeBase(t *testing.T) {
	h := newHarness(t)
	assert.False(t, h.engine.HasSolution(context.Background(), `implements("x", "y").`))
}

func TestAllSolutions(t *testing.T) {
	h := newHarness(t)
	h.addImpl(t, types.Implementation{ID: "impl-1", ImplementedAlgorithmID: "shor", SDK: "qiskit"})
	h.addImpl(t, types.Implementation{ID: "impl-2", ImplementedAlgorithmID: "shor", SDK: "cirq"})
	ctx := context.Background()

	got := h.engine.AllSolutions(ctx, `implements(I, "shor")`)
	assert.Len(t, got, 2)

	none := h.engine.AllSolutions(ctx, `undefinedPredicate(X)`)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestCheckExecutability(t *testing.T) {
	h := newHarness(t)
	h.addImpl(t, types.Implementation{
		ID: "impl-1", ImplementedAlgorithmID: "shor", SDK: "qiskit",
		SelectionRule: `validN(15).`,
	})
	ctx := context.Background()

	assert.True(t, h.engine.CheckExecutability(ctx, "validN(N)", map[string]string{"N": "15"}))
	assert.False(t, h.engine.CheckExecutability(ctx, "validN(N)", map[string]string{"N": "21"}))
	// missing parameter fails closed
	assert.False(t, h.engine.CheckExecutability(ctx, "validN(N)", map[string]string{}))
	// malformed rule fails closed
	assert.False(t, h.engine.CheckExecutability(ctx, "validN", map[string]string{"N": "15"}))
	// a rule with no variables is a plain ground query
	assert.True(t, h.engine.CheckExecutability(ctx, "validN(15)", nil))
}

func TestCheckExecutabilityComparisonOnlyRules(t *testing.T) {
	h := newHarness(t)
	h.addImpl(t, types.Implementation{
		ID: "impl-1", ImplementedAlgorithmID: "shor", SDK: "qiskit",
		SelectionRule: `validN(N) :- N > 2.`,
	})
	h.addImpl(t, types.Implementation{
		ID: "impl-2", ImplementedAlgorithmID: "grover", SDK: "cirq",
		SelectionRule: `inRange(Lo, Hi) :- Lo < Hi.`,
	})
	ctx := context.Background()

	assert.True(t, h.engine.CheckExecutability(ctx, `validN(N) :- N > 2.`, map[string]string{"N": "5"}))
	assert.False(t, h.engine.CheckExecutability(ctx, `validN(N) :- N > 2.`, map[string]string{"N": "1"}))
	assert.True(t, h.engine.CheckExecutability(ctx, `inRange(Lo, Hi) :- Lo < Hi.`, map[string]string{"Lo": "1", "Hi": "3"}))
	assert.False(t, h.engine.CheckExecutability(ctx, `inRange(Lo, Hi) :- Lo < Hi.`, map[string]string{"Lo": "3", "Hi": "1"}))

	// bindings exist only for the duration of a check
	assert.False(t, h.engine.HasSolution(ctx, `validN(5)`))
}

func TestCheckExecutabilityAcrossImplementations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	derived := `derived(N) :- baseOk(N).`

	// the dependent rule can be inserted before the facts it reads
	h.addImpl(t, types.Implementation{ID: "b", ImplementedAlgorithmID: "shor", SDK: "qiskit", SelectionRule: derived})
	assert.False(t, h.engine.CheckExecutability(ctx, derived, map[string]string{"N": "15"}))

	h.addImpl(t, types.Implementation{ID: "a", ImplementedAlgorithmID: "shor", SDK: "qiskit", SelectionRule: `baseOk(15).`})
	assert.True(t, h.engine.CheckExecutability(ctx, derived, map[string]string{"N": "15"}))

	require.NoError(t, h.mirror.OnImplementationDeleted(ctx, "a"))
	assert.False(t, h.store.Exists("a"))
	assert.False(t, h.engine.HasSolution(ctx, `implements("a", "shor")`))
	assert.True(t, h.engine.HasSolution(ctx, `implements("b", "shor")`))
	assert.False(t, h.engine.CheckExecutability(ctx, derived, map[string]string{"N": "15"}))
}

func TestCheckExecutabilityDoesNotQueryWhenParameterMissing(t *testing.T) {
	kb := &fakeKB{}
	e := NewEngine(kb, &countingLoader{})

	assert.False(t, e.CheckExecutability(context.Background(), "p(A, B)", map[string]string{"A": "1"}))
	assert.Empty(t, kb.goals)
}

func TestCheckExecutabilityTokenSubstitution(t *testing.T) {
	kb := &fakeKB{bindings: []types.Binding{{}}}
	e := NewEngine(kb, &countingLoader{})

	ok := e.CheckExecutability(context.Background(), "p(A,AB)", map[string]string{"A": "1", "AB": "2"})
	assert.True(t, ok)
	assert.Equal(t, "p(1, 2).", kb.lastGoal())

	e.CheckExecutability(context.Background(), "q(Name, 3, Name) :- r(Name).", map[string]string{"Name": "alice"})
	assert.Equal(t, `q("alice", 3, "alice").`, kb.lastGoal())
}

func TestSuitableResources(t *testing.T) {
	h := newHarness(t)
	h.addImpl(t, types.Implementation{ID: "impl-1", ImplementedAlgorithmID: "shor", SDK: "Qiskit"})
	h.addResource(t, types.Resource{
		ID: "ibmq-5", Qubits: 5, SupportedSDKs: []string{"qiskit"},
		T1: 100 * time.Microsecond, MaxGateTime: 100 * time.Nanosecond,
	})
	h.addResource(t, types.Resource{
		ID: "ibmq-16", Qubits: 16, SupportedSDKs: []string{"qiskit", "pyquil"},
		T1: 50 * time.Microsecond, MaxGateTime: 100 * time.Nanosecond,
	})
	h.addResource(t, types.Resource{
		ID: "rigetti", Qubits: 32, SupportedSDKs: []string{"pyquil"},
		T1: time.Millisecond, MaxGateTime: 50 * time.Nanosecond,
	})
	ctx := context.Background()

	// 4 qubits, 100 gates: 10us runtime fits both qiskit devices
	assert.Equal(t, []string{"ibmq-16", "ibmq-5"}, h.engine.SuitableResources(ctx, "impl-1", 4, 100))
	// too many qubits for the 5-qubit device
	assert.Equal(t, []string{"ibmq-16"}, h.engine.SuitableResources(ctx, "impl-1", 8, 100))
	// 800 gates * 100ns = 80us exceeds the 50us T1 of ibmq-16
	assert.Equal(t, []string{"ibmq-5"}, h.engine.SuitableResources(ctx, "impl-1", 4, 800))
	// nothing fits
	got := h.engine.SuitableResources(ctx, "impl-1", 64, 1)
	assert.NotNil(t, got)
	assert.Empty(t, got)
	// unknown implementation
	assert.Empty(t, h.engine.SuitableResources(ctx, "nope", 1, 1))

	assert.True(t, h.store.Exists(knowledge.StaticFileID(StaticRuleID)))
}

func TestSuitableResourcesSurvivesEntityNamedLikeStaticRule(t *testing.T) {
	h := newHarness(t)
	h.addImpl(t, types.Implementation{ID: "impl-1", ImplementedAlgorithmID: "shor", SDK: "qiskit"})
	h.addResource(t, types.Resource{
		ID: "r1", Qubits: 5, SupportedSDKs: []string{"qiskit"},
		T1: 100 * time.Microsecond, MaxGateTime: 100 * time.Nanosecond,
	})
	ctx := context.Background()
	require.Equal(t, []string{"r1"}, h.engine.SuitableResources(ctx, "impl-1", 2, 10))

	h.addResource(t, types.Resource{ID: StaticRuleID, Qubits: 1, SupportedSDKs: []string{"pyquil"}})
	assert.Equal(t, []string{"r1"}, h.engine.SuitableResources(ctx, "impl-1", 2, 10))
}

func TestSuitableResourcesLoadsStaticRuleOnce(t *testing.T) {
	defer goleak.VerifyNone(t)

	loader := &countingLoader{}
	e := NewEngine(&fakeKB{}, loader)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.SuitableResources(context.Background(), "impl-1", 2, 2)
		}()
	}
	wg.Wait()
	e.SuitableResources(context.Background(), "impl-1", 2, 2)

	assert.Equal(t, int32(1), loader.calls.Load())
}

func TestSuitableResourcesRetriesFailedStaticLoad(t *testing.T) {
	loader := &countingLoader{}
	loader.fail.Store(true)
	e := NewEngine(&fakeKB{}, loader)

	assert.Empty(t, e.SuitableResources(context.Background(), "impl-1", 2, 2))
	loader.fail.Store(false)
	e.SuitableResources(context.Background(), "impl-1", 2, 2)
	e.SuitableResources(context.Background(), "impl-1", 2, 2)

	assert.Equal(t, int32(2), loader.calls.Load())
}

func TestCancelledQueryIsFalse(t *testing.T) {
	kb := mangle.NewKnowledgeBase(mangle.DefaultConfig())
	require.NoError(t, kb.Activate("impl-1", "Decl implements(I, A).\nimplements(\"impl-1\", \"shor\").\n"))
	e := NewEngine(kb, &countingLoader{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, e.HasSolution(ctx, `implements("impl-1", "shor")`))
	assert.Empty(t, e.AllSolutions(ctx, `implements(I, A)`))
}

func TestEngineRecordsMetrics(t *testing.T) {
	collector := metrics.NewCollector()
	e := NewEngine(&fakeKB{err: errors.New("boom")}, &countingLoader{}, WithMetrics(collector))

	e.HasSolution(context.Background(), "p(1)")
	e.AllSolutions(context.Background(), "p(X)")

	count, err := testutil.GatherAndCount(collector.Registry(), "qcselect_operations_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = testutil.GatherAndCount(collector.Registry(), "qcselect_errors_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
