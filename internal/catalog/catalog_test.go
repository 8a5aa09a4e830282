package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qcselect/internal/knowledge"
	"qcselect/internal/mangle"
	"qcselect/internal/types"
)

type hookEvent struct {
	kind string
	id   string
}

type recordingHooks struct {
	mu     sync.Mutex
	events []hookEvent
	err    error
}

func (h *recordingHooks) add(kind, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, hookEvent{kind, id})
	return h.err
}

func (h *recordingHooks) OnImplementationInserted(ctx context.Context, impl types.Implementation) error {
	return h.add("impl-insert", impl.ID)
}
func (h *recordingHooks) OnImplementationUpdated(ctx context.Context, impl types.Implementation) error {
	return h.add("impl-update", impl.ID)
}
func (h *recordingHooks) OnImplementationDeleted(ctx context.Context, id string) error {
	return h.add("impl-delete", id)
}
func (h *recordingHooks) OnResourceInserted(ctx context.Context, res types.Resource) error {
	return h.add("res-insert", res.ID)
}
func (h *recordingHooks) OnResourceUpdated(ctx context.Context, res types.Resource) error {
	return h.add("res-update", res.ID)
}
func (h *recordingHooks) OnResourceDeleted(ctx context.Context, id string) error {
	return h.add("res-delete", id)
}

func openMemory(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(":memory:", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestImplementationCRUD(t *testing.T) {
	hooks := &recordingHooks{}
	s := openMemory(t, WithHooks(hooks))
	ctx := context.Background()

	impl := types.Implementation{
		ID: "shor-qiskit", ImplementedAlgorithmID: "shor", SDK: "Qiskit", ProgrammingLanguage: "python",
		SelectionRule: "validN(15).", FileLocation: "shor/run.py", WidthRule: "2*N", DepthRule: "N^3",
	}
	saved, err := s.SaveImplementation(ctx, impl)
	require.NoError(t, err)
	assert.Equal(t, impl, saved)

	got, ok, err := s.FindImplementation(ctx, "shor-qiskit")
	require.NoError(t, err)
	require.True(t, ok)
	if diff := cmp.Diff(impl, got); diff != "" {
		t.Errorf("implementation mismatch (-want +got):\n%s", diff)
	}

	impl.SelectionRule = "validN(21)."
	_, err = s.SaveImplementation(ctx, impl)
	require.NoError(t, err)
	got, _, err = s.FindImplementation(ctx, "shor-qiskit")
	require.NoError(t, err)
	assert.Equal(t, "validN(21).", got.SelectionRule)

	require.NoError(t, s.DeleteImplementation(ctx, "shor-qiskit"))
	_, ok, err = s.FindImplementation(ctx, "shor-qiskit")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []hookEvent{
		{"impl-insert", "shor-qiskit"},
		{"impl-update", "shor-qiskit"},
		{"impl-delete", "shor-qiskit"},
	}, hooks.events)
}

func TestSaveImplementationGeneratesID(t *testing.T) {
	s := openMemory(t)
	saved, err := s.SaveImplementation(context.Background(), types.Implementation{ImplementedAlgorithmID: "grover"})
	require.NoError(t, err)
	_, err = uuid.Parse(saved.ID)
	assert.NoError(t, err)

	_, err = s.SaveImplementation(context.Background(), types.Implementation{ID: "x"})
	assert.Error(t, err)
}

func TestFindByImplementedAlgorithmInsertionOrder(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	for _, id := range []string{"zeta", "alpha", "mid"} {
		_, err := s.SaveImplementation(ctx, types.Implementation{ID: id, ImplementedAlgorithmID: "shor"})
		require.NoError(t, err)
	}
	_, err := s.SaveImplementation(ctx, types.Implementation{ID: "other", ImplementedAlgorithmID: "grover"})
	require.NoError(t, err)
	// updating keeps the original position
	_, err = s.SaveImplementation(ctx, types.Implementation{ID: "zeta", ImplementedAlgorithmID: "shor", SDK: "cirq"})
	require.NoError(t, err)

	got, err := s.FindByImplementedAlgorithm(ctx, "shor")
	require.NoError(t, err)
	var ids []string
	for _, impl := range got {
		ids = append(ids, impl.ID)
	}
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, ids)

	none, err := s.FindByImplementedAlgorithm(ctx, "nothing")
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)

	all, err := s.ListImplementations(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestResourceCRUD(t *testing.T) {
	hooks := &recordingHooks{}
	s := openMemory(t, WithHooks(hooks))
	ctx := context.Background()

	res := types.Resource{
		ID:            "ibmq-16",
		Name:          "IBMQ 16 Melbourne",
		Qubits:        16,
		SupportedSDKs: []string{"qiskit", "pyquil"},
		T1:            50 * time.Microsecond,
		MaxGateTime:   120 * time.Nanosecond,
	}
	_, err := s.SaveResource(ctx, res)
	require.NoError(t, err)

	got, ok, err := s.FindResource(ctx, "ibmq-16")
	require.NoError(t, err)
	require.True(t, ok)
	if diff := cmp.Diff(res, got); diff != "" {
		t.Errorf("resource mismatch (-want +got):\n%s", diff)
	}

	res.Qubits = 15
	_, err = s.SaveResource(ctx, res)
	require.NoError(t, err)

	noSDKs, err := s.SaveResource(ctx, types.Resource{Qubits: 2})
	require.NoError(t, err)
	got, ok, err = s.FindResource(ctx, noSDKs.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, got.SupportedSDKs)

	list, err := s.ListResources(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = s.SaveResource(ctx, types.Resource{ID: "bad", Qubits: -1})
	assert.Error(t, err)

	require.NoError(t, s.DeleteResource(ctx, "ibmq-16"))
	require.NoError(t, s.DeleteResource(ctx, "ibmq-16"))
	_, ok, err = s.FindResource(ctx, "ibmq-16")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []hookEvent{
		{"res-insert", "ibmq-16"},
		{"res-update", "ibmq-16"},
		{"res-insert", noSDKs.ID},
		{"res-delete", "ibmq-16"},
		{"res-delete", "ibmq-16"},
	}, hooks.events)
}

func TestHookFailureKeepsRow(t *testing.T) {
	hooks := &recordingHooks{err: errors.New("disk full")}
	s := openMemory(t, WithHooks(hooks))
	ctx := context.Background()

	_, err := s.SaveImplementation(ctx, types.Implementation{ID: "a", ImplementedAlgorithmID: "shor"})
	assert.ErrorIs(t, err, ErrFactsNotRecorded)

	_, ok, err := s.FindImplementation(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOpenFileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "catalog.db")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.SaveResource(context.Background(), types.Resource{ID: "r1", Qubits: 5})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, path, s.Path())
	_, ok, err := s.FindResource(context.Background(), "r1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCatalogMirrorsIntoKnowledgeBase(t *testing.T) {
	kb := mangle.NewKnowledgeBase(mangle.DefaultConfig())
	store := knowledge.NewStore(t.TempDir(), kb)
	s := openMemory(t, WithHooks(knowledge.NewMirror(store)))
	ctx := context.Background()

	_, err := s.SaveImplementation(ctx, types.Implementation{ID: "impl-1", ImplementedAlgorithmID: "shor", SDK: "Qiskit"})
	require.NoError(t, err)
	_, err = s.SaveResource(ctx, types.Resource{ID: "qpu-1", Qubits: 5, SupportedSDKs: []string{"qiskit"}})
	require.NoError(t, err)

	assert.True(t, store.Exists("impl-1"))
	assert.True(t, store.Exists("qpu-1"))
	got, err := kb.Query(ctx, `requiredSdk("impl-1", "qiskit")`)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	// an invalid selection rule is rejected and the previous facts survive
	_, err = s.SaveImplementation(ctx, types.Implementation{
		ID: "impl-1", ImplementedAlgorithmID: "grover", SDK: "qiskit", SelectionRule: "broken((",
	})
	assert.ErrorIs(t, err, ErrFactsNotRecorded)
	got, err = kb.Query(ctx, `implements("impl-1", "shor")`)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	require.NoError(t, s.DeleteResource(ctx, "qpu-1"))
	assert.False(t, store.Exists("qpu-1"))

	// losing the fact files and resyncing restores them
	require.NoError(t, store.Delete("impl-1"))
	_, err = s.SaveImplementation(ctx, types.Implementation{ID: "impl-1", ImplementedAlgorithmID: "shor", SDK: "qiskit"})
	require.NoError(t, err)
	require.NoError(t, store.Delete("impl-1"))
	require.NoError(t, s.Resync(ctx))
	assert.True(t, store.Exists("impl-1"))
}
