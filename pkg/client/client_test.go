package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telluric-io/tern/pkg/fault"
)

func TestExecuteAsyncReadsStatusAndLocation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/processes/echo/execution", r.URL.Path)
		require.Equal(t, "respond-async", r.Header.Get("Prefer"))

		var body Execution
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hello", body.Inputs["message"])

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Location", "http://example.com/jobs/j-42")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"jobID": "j-42", "status": "accepted"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	status, err := c.Execute(context.Background(), "echo",
		Execution{Inputs: map[string]any{"message": "hello"}}, true)
	require.NoError(t, err)
	assert.Equal(t, "j-42", status.JobID)
	assert.Equal(t, "accepted", status.Status)
	assert.False(t, status.Terminal())
}

func TestResultsDecodesReferencesAndLiterals(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/jobs/j-1/results", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"mask":{"href":"http://example.com/jobs/j-1/outputs/mask.tif","type":"image/tiff"},"count":7}`))
	}))
	defer srv.Close()

	results, err := New(srv.URL).Results(context.Background(), "j-1")
	require.NoError(t, err)

	var ref struct {
		Href string `json:"href"`
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(results["mask"], &ref))
	assert.Equal(t, "image/tiff", ref.Type)
	assert.Equal(t, "7", string(results["count"]))
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		code int
		kind fault.Kind
	}{
		{http.StatusNotFound, fault.KindNotFound},
		{http.StatusConflict, fault.KindConflict},
		{http.StatusGone, fault.KindConflict},
		{http.StatusForbidden, fault.KindPolicy},
		{http.StatusUnprocessableEntity, fault.KindValidation},
		{http.StatusServiceUnavailable, fault.KindServiceUnavailable},
		{http.StatusInternalServerError, fault.KindRemoteExecutor},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tc.code)
		}))
		_, err := New(srv.URL).JobStatus(context.Background(), "j-1")
		srv.Close()
		require.Error(t, err)
		assert.Equal(t, tc.kind, fault.KindOf(err), "status %d", tc.code)
	}
}

func TestBearerTokenSent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sesame", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(ProcessList{})
	}))
	defer srv.Close()

	_, err := New(srv.URL, WithToken("sesame")).ListProcesses(context.Background())
	require.NoError(t, err)
}

func TestPollStopsAtTerminal(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		status := "running"
		if calls >= 3 {
			status = "succeeded"
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"jobID": "j-1", "status": status})
	}))
	defer srv.Close()

	final, err := New(srv.URL).Poll(context.Background(), "j-1", time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "succeeded", final.Status)
	assert.Equal(t, 3, calls)
}
