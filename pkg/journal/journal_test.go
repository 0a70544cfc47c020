package journal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telluric-io/tern/pkg/storage"
	"github.com/telluric-io/tern/pkg/types"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedJob(t *testing.T, store storage.Store, id string) {
	t.Helper()
	require.NoError(t, store.PutJob(&types.Job{
		ID:        id,
		ProcessID: "echo",
		Status:    types.StatusRunning,
		Created:   time.Now().UTC(),
		Updated:   time.Now().UTC(),
	}))
}

func TestJournalCreatesJobDirectoryLayout(t *testing.T) {
	store := newTestStore(t)
	seedJob(t, store, "job-1")
	jobsDir := t.TempDir()

	j, err := New(store, jobsDir, "job-1", nil)
	require.NoError(t, err)
	defer j.Close()

	for _, sub := range []string{"inputs", "work", "outputs"} {
		info, err := os.Stat(filepath.Join(jobsDir, "job-1", sub))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestJournalLogOrderPreserved(t *testing.T) {
	store := newTestStore(t)
	seedJob(t, store, "job-2")

	j, err := New(store, t.TempDir(), "job-2", nil)
	require.NoError(t, err)

	j.Log("info", types.SourceSetup, "staging inputs")
	j.Log("info", types.SourceStdout, "processing tile 1")
	j.Log("error", types.SourceStderr, "warning: nodata pixels")
	j.Close()

	entries, err := store.GetJobLog("job-2")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "staging inputs", entries[0].Text)
	assert.Equal(t, types.SourceStdout, entries[1].Source)
	assert.Equal(t, "warning: nodata pixels", entries[2].Text)
}

func TestJournalProgressCoalesced(t *testing.T) {
	store := newTestStore(t)
	seedJob(t, store, "job-3")

	var applied []int
	j, err := New(store, t.TempDir(), "job-3", func(pct int, msg string) {
		applied = append(applied, pct)
	})
	require.NoError(t, err)

	// A burst of updates within one second collapses to the first
	// immediate write plus the final flushed value.
	for pct := 1; pct <= 50; pct++ {
		j.Progress(pct, "working")
	}
	j.Close()

	require.NotEmpty(t, applied)
	assert.Less(t, len(applied), 5)
	assert.Equal(t, 50, applied[len(applied)-1], "final value must land")
}

func TestJournalBandMapsProgress(t *testing.T) {
	store := newTestStore(t)
	seedJob(t, store, "job-band")

	var applied []int
	j, err := New(store, t.TempDir(), "job-band", func(pct int, msg string) {
		applied = append(applied, pct)
	})
	require.NoError(t, err)

	step := j.Band(2, 33)
	step.Progress(0, "staging inputs")      // immediate
	step.Progress(90, "collecting outputs") // coalesced, lands on Close
	j.Close()

	require.Len(t, applied, 2)
	assert.Equal(t, 2, applied[0])
	assert.Equal(t, 2+(33-2)*90/100, applied[1], "step progress maps into its slice")
}

func TestJournalBandComposes(t *testing.T) {
	store := newTestStore(t)
	seedJob(t, store, "job-band-2")

	var applied []int
	j, err := New(store, t.TempDir(), "job-band-2", func(pct int, msg string) {
		applied = append(applied, pct)
	})
	require.NoError(t, err)

	// A band of a band maps through both windows; logs stay shared
	inner := j.Band(0, 50).Band(50, 100)
	inner.Progress(100, "done")
	inner.Log("info", types.SourceSystem, "from the inner view")
	j.Close()

	require.NotEmpty(t, applied)
	assert.Equal(t, 50, applied[len(applied)-1])
	entries, err := store.GetJobLog("job-band-2")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "from the inner view", entries[0].Text)
}

func TestJournalExceptionPersistedImmediately(t *testing.T) {
	store := newTestStore(t)
	seedJob(t, store, "job-4")

	j, err := New(store, t.TempDir(), "job-4", nil)
	require.NoError(t, err)
	defer j.Close()

	j.Exception("PackageExecutionError", "tool exited with code 3", "permanent failure")

	job, err := store.GetJob("job-4")
	require.NoError(t, err)
	require.Len(t, job.Exceptions, 1)
	assert.Equal(t, "PackageExecutionError", job.Exceptions[0].Kind)

	data, err := os.ReadFile(filepath.Join(j.Dir(), "exceptions.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "tool exited with code 3")
}

func TestJournalWritesNDJSONLog(t *testing.T) {
	store := newTestStore(t)
	seedJob(t, store, "job-5")

	j, err := New(store, t.TempDir(), "job-5", nil)
	require.NoError(t, err)

	j.Log("info", types.SourceStdout, "hello")
	j.Close()

	data, err := os.ReadFile(filepath.Join(j.Dir(), "logs.ndjson"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"stdout"`)
	assert.Contains(t, string(data), "hello")
}

func TestCleanupRespectsRetain(t *testing.T) {
	jobsDir := t.TempDir()
	dir := filepath.Join(jobsDir, "job-6")
	for _, sub := range []string{"inputs", "work", "outputs"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, sub), 0o755))
	}

	require.NoError(t, Cleanup(jobsDir, "job-6", true))
	_, err := os.Stat(filepath.Join(dir, "work"))
	assert.NoError(t, err, "retained staging must survive")

	require.NoError(t, Cleanup(jobsDir, "job-6", false))
	_, err = os.Stat(filepath.Join(dir, "inputs"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "work"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "outputs"))
	assert.NoError(t, err, "outputs must survive cleanup")
}
