package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telluric-io/tern/pkg/fault"
	"github.com/telluric-io/tern/pkg/storage"
	"github.com/telluric-io/tern/pkg/types"
)

func newManager(t *testing.T) (*Manager, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewManager(store, nil), store
}

func TestCreateStartsAccepted(t *testing.T) {
	m, _ := newManager(t)

	j, err := m.Create("echo", nil, types.ModeAsync)
	require.NoError(t, err)
	assert.Equal(t, types.StatusAccepted, j.Status)
	assert.Equal(t, 0, j.Progress)
	assert.NotEmpty(t, j.ID)
	assert.Nil(t, j.Started)
}

func TestHappyPathTransitions(t *testing.T) {
	m, _ := newManager(t)
	j, err := m.Create("echo", nil, types.ModeAsync)
	require.NoError(t, err)

	j, err = m.Transition(j.ID, types.StatusStarted, "")
	require.NoError(t, err)
	assert.Equal(t, types.StatusStarted, j.Status)
	assert.NotNil(t, j.Started)

	j, err = m.Transition(j.ID, types.StatusRunning, "executing")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, j.Status)

	j, err = m.Transition(j.ID, types.StatusSucceeded, "done")
	require.NoError(t, err)
	assert.Equal(t, types.StatusSucceeded, j.Status)
	assert.Equal(t, 100, j.Progress)
	assert.NotNil(t, j.Finished)
}

func TestIllegalTransitionDropped(t *testing.T) {
	m, _ := newManager(t)
	j, err := m.Create("echo", nil, types.ModeAsync)
	require.NoError(t, err)

	// accepted -> succeeded is not an edge
	got, err := m.Transition(j.ID, types.StatusSucceeded, "")
	require.Error(t, err)
	assert.Equal(t, fault.KindConflict, fault.KindOf(err))
	assert.Equal(t, types.StatusAccepted, got.Status, "job must be unchanged")
}

func TestTerminalStatesAreFinal(t *testing.T) {
	m, _ := newManager(t)
	j, err := m.Create("echo", nil, types.ModeAsync)
	require.NoError(t, err)

	_, err = m.Transition(j.ID, types.StatusStarted, "")
	require.NoError(t, err)
	_, err = m.Transition(j.ID, types.StatusFailed, "boom")
	require.NoError(t, err)

	got, err := m.Transition(j.ID, types.StatusRunning, "")
	require.Error(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
}

func TestProgressMonotonicClamp(t *testing.T) {
	m, _ := newManager(t)
	j, err := m.Create("echo", nil, types.ModeAsync)
	require.NoError(t, err)
	_, err = m.Transition(j.ID, types.StatusStarted, "")
	require.NoError(t, err)
	_, err = m.Transition(j.ID, types.StatusRunning, "")
	require.NoError(t, err)

	j, err = m.SetProgress(j.ID, 40, "step 1 done")
	require.NoError(t, err)
	assert.Equal(t, 40, j.Progress)

	// A stale lower value must not move progress backwards
	j, err = m.SetProgress(j.ID, 25, "stale")
	require.NoError(t, err)
	assert.Equal(t, 40, j.Progress)

	j, err = m.SetProgress(j.ID, 120, "overflow")
	require.NoError(t, err)
	assert.Equal(t, 100, j.Progress)
}

func TestProgressIgnoredOutsideRunning(t *testing.T) {
	m, _ := newManager(t)
	j, err := m.Create("echo", nil, types.ModeAsync)
	require.NoError(t, err)

	j, err = m.SetProgress(j.ID, 50, "early")
	require.NoError(t, err)
	assert.Equal(t, 0, j.Progress)
}

func TestDismissFromEveryNonTerminalState(t *testing.T) {
	m, _ := newManager(t)

	for _, prep := range []struct {
		name  string
		setup func(id string)
	}{
		{"accepted", func(id string) {}},
		{"started", func(id string) {
			_, err := m.Transition(id, types.StatusStarted, "")
			require.NoError(t, err)
		}},
		{"running", func(id string) {
			_, err := m.Transition(id, types.StatusStarted, "")
			require.NoError(t, err)
			_, err = m.Transition(id, types.StatusRunning, "")
			require.NoError(t, err)
		}},
	} {
		t.Run(prep.name, func(t *testing.T) {
			j, err := m.Create("echo", nil, types.ModeAsync)
			require.NoError(t, err)
			prep.setup(j.ID)

			got, err := m.Dismiss(j.ID)
			require.NoError(t, err)
			assert.Equal(t, types.StatusDismissed, got.Status)
			assert.NotNil(t, got.Finished)
		})
	}
}

func TestDismissTerminalConflicts(t *testing.T) {
	m, _ := newManager(t)
	j, err := m.Create("echo", nil, types.ModeAsync)
	require.NoError(t, err)
	_, err = m.Dismiss(j.ID)
	require.NoError(t, err)

	_, err = m.Dismiss(j.ID)
	require.Error(t, err)
	assert.Equal(t, fault.KindConflict, fault.KindOf(err))
}

func TestDismissUnknownJob(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.Dismiss("no-such-job")
	require.Error(t, err)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}
