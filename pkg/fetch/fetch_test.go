package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telluric-io/tern/pkg/config"
	"github.com/telluric-io/tern/pkg/fault"
)

func testConfig(t *testing.T, allowRoots ...string) config.Config {
	t.Helper()
	cfg := config.Config{Role: config.RoleHybrid, FileAllowRoots: allowRoots}
	cfg.RequestRules = []config.RequestRule{
		{
			URLPattern: ".*",
			Options:    config.RequestOptions{Retries: 3, Backoff: time.Millisecond},
		},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestResolveFileAllowed(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "data.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	f := NewFetcher(testConfig(t, root), nil)
	res, err := f.Resolve(context.Background(), "file://"+path, t.TempDir(), Policy{})
	require.NoError(t, err)
	assert.Equal(t, path, res.Path)
	assert.Equal(t, "application/json", res.MediaType)
}

func TestResolveFileOutsideRoots(t *testing.T) {
	root := t.TempDir()
	outside := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o644))

	f := NewFetcher(testConfig(t, root), nil)
	_, err := f.Resolve(context.Background(), "file://"+outside, t.TempDir(), Policy{})
	require.Error(t, err)
	assert.Equal(t, fault.KindFetch, fault.KindOf(err))
}

func TestResolveFileTraversalDenied(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "ok.txt"), []byte("x"), 0o644))

	f := NewFetcher(testConfig(t, root), nil)
	_, err := f.Resolve(context.Background(), "file://"+root+"/../etc/passwd", t.TempDir(), Policy{})
	require.Error(t, err)
}

func TestResolveHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/tiff")
		w.Write([]byte("tiff-bytes"))
	}))
	defer srv.Close()

	staging := t.TempDir()
	f := NewFetcher(testConfig(t), nil)
	res, err := f.Resolve(context.Background(), srv.URL+"/scene.tif", staging, Policy{})
	require.NoError(t, err)
	assert.Equal(t, "image/tiff", res.MediaType)
	assert.Equal(t, filepath.Join(staging, "scene.tif"), res.Path)

	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, "tiff-bytes", string(data))
}

func TestResolveHTTPMediaTypeFromExtension(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("a,b\n1,2\n"))
	}))
	defer srv.Close()

	f := NewFetcher(testConfig(t), nil)
	res, err := f.Resolve(context.Background(), srv.URL+"/table.csv", t.TempDir(), Policy{})
	require.NoError(t, err)
	assert.Equal(t, "text/csv", res.MediaType)
}

func TestResolveHTTPRetriesServerErrors(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("late success"))
	}))
	defer srv.Close()

	f := NewFetcher(testConfig(t), nil)
	res, err := f.Resolve(context.Background(), srv.URL+"/flaky.txt", t.TempDir(), Policy{})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, "late success", string(data))
}

func TestResolveHTTPGivesUpAfterAttempts(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := NewFetcher(testConfig(t), nil)
	_, err := f.Resolve(context.Background(), srv.URL+"/down.txt", t.TempDir(), Policy{})
	require.Error(t, err)
	assert.Equal(t, fault.KindFetch, fault.KindOf(err))
	assert.Equal(t, 3, calls)
}

func TestResolveHTTPClientErrorIsPermanent(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewFetcher(testConfig(t), nil)
	_, err := f.Resolve(context.Background(), srv.URL+"/missing.txt", t.TempDir(), Policy{})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "4xx responses must not be retried")
}

func TestResolveHTTPHonorsRetryAfter(t *testing.T) {
	var calls int
	var start time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			start = time.Now()
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := NewFetcher(testConfig(t), nil)
	_, err := f.Resolve(context.Background(), srv.URL+"/limited.txt", t.TempDir(), Policy{})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestResolveHTTPRequestHeaders(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.RequestRules[0].Options.Headers = map[string]string{"Authorization": "Bearer t0k3n"}
	require.NoError(t, cfg.Validate())

	f := NewFetcher(cfg, nil)
	_, err := f.Resolve(context.Background(), srv.URL+"/auth.txt", t.TempDir(), Policy{})
	require.NoError(t, err)
	assert.Equal(t, "Bearer t0k3n", got)
}

func TestResolveSkipHTTPLeavesReferenceRemote(t *testing.T) {
	f := NewFetcher(testConfig(t), nil)
	res, err := f.Resolve(context.Background(), "https://data.example.com/granule.nc", t.TempDir(), Policy{SkipHTTP: true})
	require.NoError(t, err)
	assert.Empty(t, res.Path)
	assert.Equal(t, "https://data.example.com/granule.nc", res.Href)
	assert.Equal(t, "application/x-netcdf", res.MediaType)
}

func TestResolveOpenSearchPassthrough(t *testing.T) {
	f := NewFetcher(testConfig(t), nil)
	href := "opensearchfile://catalog.example.com/search?uid=S2A_MSIL1C"
	res, err := f.Resolve(context.Background(), href, t.TempDir(), Policy{})
	require.NoError(t, err)
	assert.Empty(t, res.Path)
	assert.Equal(t, href, res.Href)
}

func TestResolveVaultOneShot(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/files/one-shot-token", r.URL.Path)
		w.Header().Set("Content-Disposition", `attachment; filename="payload.bin"`)
		w.Write([]byte("secret payload"))
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.VaultURL = srv.URL + "/files"

	staging := t.TempDir()
	f := NewFetcher(cfg, nil)
	res, err := f.Resolve(context.Background(), "vault://one-shot-token", staging, Policy{})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, filepath.Join(staging, "payload.bin"), res.Path)
}

func TestResolveVaultUnconfigured(t *testing.T) {
	f := NewFetcher(testConfig(t), nil)
	_, err := f.Resolve(context.Background(), "vault://token", t.TempDir(), Policy{})
	require.Error(t, err)
	assert.Equal(t, fault.KindFetch, fault.KindOf(err))
}

func TestResolveUnsupportedScheme(t *testing.T) {
	f := NewFetcher(testConfig(t), nil)
	_, err := f.Resolve(context.Background(), "gopher://old.example.com/1", t.TempDir(), Policy{})
	require.Error(t, err)
	assert.Equal(t, fault.KindFetch, fault.KindOf(err))
}

func TestStagePathCollision(t *testing.T) {
	staging := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(staging, "out.txt"), []byte("first"), 0o644))

	p, err := stagePath(staging, "out.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(staging, "1_out.txt"), p)
}

func TestExpandQueryAtomEnclosures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "coastline", r.URL.Query().Get("q"))
		w.Header().Set("Content-Type", "application/atom+xml")
		_, _ = w.Write([]byte(`<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <entry>
    <link rel="alternate" href="https://cat.example.com/item/1"/>
    <link rel="enclosure" type="image/tiff" href="https://data.example.com/scene1.tif"/>
  </entry>
  <entry>
    <link rel="enclosure" type="image/tiff" href="https://data.example.com/scene2.tif"/>
  </entry>
</feed>`))
	}))
	defer srv.Close()

	f := NewFetcher(testConfig(t), nil)
	hits, err := f.ExpandQuery(context.Background(),
		SchemeOpenSearch+"://"+srv.URL+"/search?q=coastline")
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "https://data.example.com/scene1.tif", hits[0].Href)
	assert.Equal(t, "image/tiff", hits[0].MediaType)
	assert.Equal(t, "https://data.example.com/scene2.tif", hits[1].Href)
}

func TestExpandQueryFeatureAssets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/geo+json")
		_, _ = w.Write([]byte(`{
  "features": [
    {"properties": {"links": [
      {"rel": "enclosure", "href": "https://data.example.com/a.tif", "type": "image/tiff"}
    ]}},
    {"assets": {
      "data": {"href": "https://data.example.com/b.tif", "type": "image/tiff"},
      "thumbnail": {"href": "https://data.example.com/b.png", "type": "image/png"}
    }}
  ]
}`))
	}))
	defer srv.Close()

	f := NewFetcher(testConfig(t), nil)
	hits, err := f.ExpandQuery(context.Background(), SchemeOpenSearch+"://"+srv.URL)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "https://data.example.com/a.tif", hits[0].Href)
	// enclosure links win per feature; the second feature falls back to
	// its assets in key order
	assert.Equal(t, "https://data.example.com/b.tif", hits[1].Href)
	assert.Equal(t, "https://data.example.com/b.png", hits[2].Href)
}

func TestExpandQueryUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := NewFetcher(testConfig(t), nil)
	_, err := f.ExpandQuery(context.Background(), SchemeOpenSearch+"://"+srv.URL)
	require.Error(t, err)
	assert.Equal(t, fault.KindFetch, fault.KindOf(err))
}
