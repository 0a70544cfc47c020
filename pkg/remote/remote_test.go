package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telluric-io/tern/pkg/cwl"
	"github.com/telluric-io/tern/pkg/fault"
	"github.com/telluric-io/tern/pkg/journal"
	"github.com/telluric-io/tern/pkg/storage"
	"github.com/telluric-io/tern/pkg/types"
)

func testJournal(t *testing.T) *journal.Journal {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.PutJob(&types.Job{ID: "r-job", Status: types.StatusRunning, Created: time.Now(), Updated: time.Now()}))
	jnl, err := journal.New(store, t.TempDir(), "r-job", nil)
	require.NoError(t, err)
	t.Cleanup(jnl.Close)
	return jnl
}

func toolPackage(t *testing.T) *cwl.Package {
	t.Helper()
	pkg, err := cwl.FromTree(map[string]any{
		"class":       "CommandLineTool",
		"cwlVersion":  "v1.0",
		"baseCommand": []any{"true"},
		"requirements": map[string]any{
			"DockerRequirement": map[string]any{"dockerPull": "docker.io/library/busybox:1.36"},
		},
		"inputs":  map[string]any{},
		"outputs": map[string]any{},
	})
	require.NoError(t, err)
	return pkg
}

func shortPoll(t *testing.T) {
	t.Helper()
	old := pollInterval
	pollInterval = 10 * time.Millisecond
	t.Cleanup(func() { pollInterval = old })
}

func TestRESTDeploysExecutesAndCollects(t *testing.T) {
	shortPoll(t)
	var deployed bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/processes/resample":
			if !deployed {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"id": "resample"})
		case r.Method == http.MethodPost && r.URL.Path == "/processes":
			deployed = true
			w.Header().Set("Location", "/processes/resample")
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodPost && r.URL.Path == "/processes/resample/execution":
			assert.Equal(t, "respond-async", r.Header.Get("Prefer"))
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]any{"jobID": "rj-1", "status": "accepted"})
		case r.Method == http.MethodGet && r.URL.Path == "/jobs/rj-1":
			json.NewEncoder(w).Encode(map[string]any{"jobID": "rj-1", "status": "succeeded"})
		case r.Method == http.MethodGet && r.URL.Path == "/jobs/rj-1/results":
			json.NewEncoder(w).Encode(map[string]any{
				"resampled": map[string]any{"href": "https://ades.example.com/out.tif", "type": "image/tiff"},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	step := cwl.Step{ID: "resample", Run: "#resample", Out: []string{"resampled"}}
	outputs, err := NewREST(srv.URL).RunStep(context.Background(), step, toolPackage(t),
		map[string]types.Value{"scene": types.Ref("https://data.example.com/in.tif", "image/tiff")}, testJournal(t))
	require.NoError(t, err)

	assert.True(t, deployed, "package must be deployed before execution")
	require.Contains(t, outputs, "resampled")
	assert.Equal(t, "https://ades.example.com/out.tif", outputs["resampled"].Complex.Href)
	assert.Equal(t, "image/tiff", outputs["resampled"].Complex.MediaType)
}

func TestRESTRemoteFailurePropagates(t *testing.T) {
	shortPoll(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/processes/"):
			json.NewEncoder(w).Encode(map[string]string{"id": "resample"})
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/execution"):
			json.NewEncoder(w).Encode(map[string]any{"jobID": "rj-2", "status": "accepted"})
		case r.URL.Path == "/jobs/rj-2":
			json.NewEncoder(w).Encode(map[string]any{"jobID": "rj-2", "status": "failed", "message": "tool exploded"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	step := cwl.Step{ID: "resample", Run: "#resample"}
	_, err := NewREST(srv.URL).RunStep(context.Background(), step, toolPackage(t), nil, testJournal(t))
	require.Error(t, err)
	assert.Equal(t, fault.KindRemoteExecutor, fault.KindOf(err))
	assert.Contains(t, err.Error(), "tool exploded")
}

func TestRESTCancellationDismissesRemoteJob(t *testing.T) {
	shortPoll(t)
	dismissed := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/processes/"):
			json.NewEncoder(w).Encode(map[string]string{"id": "resample"})
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/execution"):
			json.NewEncoder(w).Encode(map[string]any{"jobID": "rj-3", "status": "accepted"})
		case r.Method == http.MethodGet && r.URL.Path == "/jobs/rj-3":
			json.NewEncoder(w).Encode(map[string]any{"jobID": "rj-3", "status": "running"})
		case r.Method == http.MethodDelete && r.URL.Path == "/jobs/rj-3":
			dismissed <- struct{}{}
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]any{"jobID": "rj-3", "status": "dismissed"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	step := cwl.Step{ID: "resample", Run: "#resample"}
	_, err := NewREST(srv.URL).RunStep(ctx, step, toolPackage(t), nil, testJournal(t))
	require.Error(t, err)

	select {
	case <-dismissed:
	case <-time.After(2 * time.Second):
		t.Fatal("remote job was not dismissed on cancellation")
	}
}

func TestStepProcessID(t *testing.T) {
	pkg := toolPackage(t)
	assert.Equal(t, "resample", stepProcessID(cwl.Step{Run: "#resample"}, pkg))
	assert.Equal(t, "resample", stepProcessID(cwl.Step{Run: "packages/resample.cwl"}, pkg))
	pkg.Raw["id"] = "#embedded-tool"
	assert.Equal(t, "embedded-tool", stepProcessID(cwl.Step{}, pkg))
}

const wpsSucceeded = `<?xml version="1.0" encoding="UTF-8"?>
<wps:ExecuteResponse xmlns:wps="http://www.opengis.net/wps/1.0.0"
    xmlns:ows="http://www.opengis.net/ows/1.1"
    xmlns:xlink="http://www.w3.org/1999/xlink"
    statusLocation="http://wps.example.com/status/1">
  <wps:Status>
    <wps:ProcessSucceeded>done</wps:ProcessSucceeded>
  </wps:Status>
  <wps:ProcessOutputs>
    <wps:Output>
      <ows:Identifier>output</ows:Identifier>
      <wps:Reference xlink:href="http://wps.example.com/out/result.nc" mimeType="application/x-netcdf"/>
    </wps:Output>
  </wps:ProcessOutputs>
</wps:ExecuteResponse>`

func TestWPS1ParseExecuteResponse(t *testing.T) {
	resp, err := parseExecuteResponse(strings.NewReader(wpsSucceeded))
	require.NoError(t, err)
	require.NotNil(t, resp.Status.Succeeded)
	require.Len(t, resp.Outputs, 1)
	assert.Equal(t, "output", resp.Outputs[0].Identifier)
	assert.Equal(t, "http://wps.example.com/out/result.nc", resp.Outputs[0].Reference.Href)
}

func TestWPS1RunStep(t *testing.T) {
	shortPoll(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "text/xml")
		w.Write([]byte(wpsSucceeded))
	}))
	defer srv.Close()

	step := cwl.Step{
		ID: "subset",
		Requirements: cwl.Requirements{
			WPS1Provider: srv.URL,
			WPS1Process:  "ncdump",
		},
	}
	outputs, err := NewWPS1().RunStep(context.Background(), step, toolPackage(t),
		map[string]types.Value{"dataset": types.Ref("https://esgf.example.com/d.nc", "application/x-netcdf")},
		testJournal(t))
	require.NoError(t, err)
	require.Contains(t, outputs, "output")
	assert.Equal(t, "http://wps.example.com/out/result.nc", outputs["output"].Complex.Href)
}

func TestWPS1MissingProvider(t *testing.T) {
	_, err := NewWPS1().RunStep(context.Background(), cwl.Step{ID: "s"}, toolPackage(t), nil, testJournal(t))
	require.Error(t, err)
	assert.Equal(t, fault.KindRemoteExecutor, fault.KindOf(err))
}

func TestESGFRunStep(t *testing.T) {
	shortPoll(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var payload map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			assert.Equal(t, "subset", payload["operation"])
			json.NewEncoder(w).Encode(map[string]any{"jobID": "ej-1", "status": "accepted"})
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{
				"jobID":  "ej-1",
				"status": "succeeded",
				"outputs": map[string]any{
					"subset": map[string]any{"href": "https://esgf.example.com/subset.nc", "type": "application/x-netcdf"},
				},
			})
		}
	}))
	defer srv.Close()

	step := cwl.Step{
		ID: "subset",
		Requirements: cwl.Requirements{
			ESGFCWT: map[string]any{"provider": srv.URL, "process": "subset"},
		},
	}
	outputs, err := NewESGF().RunStep(context.Background(), step, toolPackage(t), nil, testJournal(t))
	require.NoError(t, err)
	require.Contains(t, outputs, "subset")
	assert.Equal(t, "https://esgf.example.com/subset.nc", outputs["subset"].Complex.Href)
}
