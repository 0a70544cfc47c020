package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telluric-io/tern/pkg/types"
)

func newStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestProcessRoundTrip(t *testing.T) {
	s := newStore(t)

	p := &types.Process{
		ID:         "echo",
		Version:    "1.0.0",
		Visibility: types.VisibilityPublic,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, s.PutProcess(p))

	got, err := s.GetProcess("echo")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", got.Version)

	_, err = s.GetProcess("nope")
	require.Error(t, err)

	require.NoError(t, s.DeleteProcess("echo"))
	_, err = s.GetProcess("echo")
	require.Error(t, err)
}

func TestListProcessesFilterAndPaging(t *testing.T) {
	s := newStore(t)

	for _, id := range []string{"a", "b", "c"} {
		vis := types.VisibilityPublic
		if id == "c" {
			vis = types.VisibilityPrivate
		}
		require.NoError(t, s.PutProcess(&types.Process{ID: id, Visibility: vis}))
	}

	all, total, err := s.ListProcesses(ProcessFilter{}, Page{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, all, 3)

	public, total, err := s.ListProcesses(ProcessFilter{Visibility: types.VisibilityPublic}, Page{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, public, 2)

	paged, total, err := s.ListProcesses(ProcessFilter{}, Page{Limit: 2, Page: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, paged, 1)
}

func TestUpdateJobSerializesMutations(t *testing.T) {
	s := newStore(t)

	j := &types.Job{ID: "j1", ProcessID: "echo", Status: types.StatusAccepted, Created: time.Now().UTC()}
	require.NoError(t, s.PutJob(j))

	updated, err := s.UpdateJob("j1", func(j *types.Job) error {
		j.Status = types.StatusRunning
		j.Progress = 40
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, updated.Status)

	got, err := s.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, 40, got.Progress)
	assert.False(t, got.Updated.Before(j.Created))
}

func TestListJobsFilters(t *testing.T) {
	s := newStore(t)

	now := time.Now().UTC()
	jobs := []*types.Job{
		{ID: "j1", ProcessID: "echo", Status: types.StatusSucceeded, Created: now.Add(-2 * time.Hour), Tags: []string{"nightly"}},
		{ID: "j2", ProcessID: "echo", Status: types.StatusFailed, Created: now.Add(-time.Hour)},
		{ID: "j3", ProcessID: "resize", Status: types.StatusSucceeded, Created: now, EmailToken: "tok"},
	}
	for _, j := range jobs {
		require.NoError(t, s.PutJob(j))
	}

	got, _, total, err := s.ListJobs(JobFilter{Status: types.StatusSucceeded}, Page{}, "")
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, got, 2)

	got, _, _, err = s.ListJobs(JobFilter{ProcessID: "resize"}, Page{}, "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "j3", got[0].ID)

	got, _, _, err = s.ListJobs(JobFilter{Tags: []string{"nightly"}}, Page{}, "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "j1", got[0].ID)

	got, _, _, err = s.ListJobs(JobFilter{EmailToken: "tok"}, Page{}, "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "j3", got[0].ID)

	cut := now.Add(-90 * time.Minute)
	got, _, _, err = s.ListJobs(JobFilter{After: &cut}, Page{}, "")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, groups, _, err := s.ListJobs(JobFilter{}, Page{}, "process")
	require.NoError(t, err)
	assert.Len(t, groups["echo"], 2)
	assert.Len(t, groups["resize"], 1)
}

func TestJobLogOrderPreserved(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.PutJob(&types.Job{ID: "j1", Status: types.StatusAccepted}))

	first := []types.LogEntry{
		{TS: time.Now().UTC(), Level: "info", Source: types.SourceSetup, Text: "staging inputs"},
		{TS: time.Now().UTC(), Level: "info", Source: types.SourceStdout, Text: "line 1"},
	}
	second := []types.LogEntry{
		{TS: time.Now().UTC(), Level: "info", Source: types.SourceStdout, Text: "line 2"},
	}
	require.NoError(t, s.AppendJobLog("j1", first))
	require.NoError(t, s.AppendJobLog("j1", second))

	logs, err := s.GetJobLog("j1")
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "staging inputs", logs[0].Text)
	assert.Equal(t, "line 2", logs[2].Text)
}

func TestProviderAndQuoteRoundTrip(t *testing.T) {
	s := newStore(t)

	p := &types.Provider{ID: "emu", URL: "http://emu.example.com/wps", Type: types.ProviderWPS1}
	require.NoError(t, s.PutProvider(p))

	got, err := s.GetProvider("emu")
	require.NoError(t, err)
	assert.Equal(t, types.ProviderWPS1, got.Type)

	list, err := s.ListProviders()
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteProvider("emu"))
	_, err = s.GetProvider("emu")
	require.Error(t, err)

	q := &types.Quote{ID: "q1", ProcessID: "echo", Price: 12.5, Currency: "EUR"}
	require.NoError(t, s.PutQuote(q))
	gotQ, err := s.GetQuote("q1")
	require.NoError(t, err)
	assert.Equal(t, 12.5, gotQ.Price)
	quotes, err := s.ListQuotes()
	require.NoError(t, err)
	assert.Len(t, quotes, 1)
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	s, err := NewBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.PutProcess(&types.Process{ID: "echo"}))
	require.NoError(t, s.Close())

	s, err = NewBoltStore(dir)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.GetProcess("echo")
	require.NoError(t, err)
}
