// Package fetch resolves URI-like input references to locally addressable
// files. Supported schemes: file, http(s), s3, vault, and the
// opensearchfile sentinel resolved later by workflow query expansion.
package fetch

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/telluric-io/tern/pkg/config"
	"github.com/telluric-io/tern/pkg/fault"
	"github.com/telluric-io/tern/pkg/log"
	"github.com/telluric-io/tern/pkg/metrics"
	"github.com/telluric-io/tern/pkg/reconciler"
)

const (
	defaultAttempts = 3
	initialBackoff  = 1 * time.Second
	maxBackoff      = 30 * time.Second
)

// SchemeOpenSearch is left in place by Resolve and expanded by the workflow
// interpreter, not fetched here.
const SchemeOpenSearch = "opensearchfile"

// Resolved is a locally readable input reference
type Resolved struct {
	Path      string // local path; empty when the reference was left remote
	Href      string // re-published or passthrough URL, when Path is empty
	MediaType string
}

// Policy tunes resolution for one call site
type Policy struct {
	// SkipHTTP leaves http(s) references in place: the remote executor a
	// step is dispatched to will re-fetch them itself.
	SkipHTTP bool
}

// Fetcher resolves references under a per-job staging directory
type Fetcher struct {
	cfg    config.Config
	logger zerolog.Logger
	s3     S3Getter
}

// S3Getter abstracts the S3 download used for s3:// references.
type S3Getter interface {
	Download(ctx context.Context, bucket, key, region, destPath string) error
}

// NewFetcher creates a fetcher with the given configuration.
func NewFetcher(cfg config.Config, s3 S3Getter) *Fetcher {
	if s3 == nil {
		s3 = newAWSGetter()
	}
	return &Fetcher{
		cfg:    cfg,
		logger: log.WithComponent("fetch"),
		s3:     s3,
	}
}

// Resolve materializes href under destDir and returns its local path and
// media type. destDir must be the caller's per-job staging directory; the
// fetcher never writes outside it.
func (f *Fetcher) Resolve(ctx context.Context, href, destDir string, pol Policy) (Resolved, error) {
	u, err := url.Parse(href)
	if err != nil {
		return Resolved{}, fault.Wrap(fault.KindFetch, err, "invalid reference %q", href)
	}

	switch u.Scheme {
	case "file", "":
		return f.resolveFile(u, href)
	case "http", "https":
		if pol.SkipHTTP {
			return Resolved{Href: href, MediaType: reconciler.MediaTypeFromExtension(u.Path)}, nil
		}
		return f.resolveHTTP(ctx, href, destDir)
	case "s3":
		return f.resolveS3(ctx, u, destDir)
	case "vault":
		return f.resolveVault(ctx, u, destDir)
	case SchemeOpenSearch:
		// Sentinel: expanded by the workflow interpreter
		return Resolved{Href: href}, nil
	}
	return Resolved{}, fault.New(fault.KindFetch, "unsupported reference scheme %q", u.Scheme)
}

// resolveFile validates a local reference against the allow-list; no copy.
func (f *Fetcher) resolveFile(u *url.URL, href string) (Resolved, error) {
	path := u.Path
	if path == "" {
		path = href
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return Resolved{}, fault.Wrap(fault.KindFetch, err, "invalid file reference %q", href)
	}
	allowed := false
	for _, root := range f.cfg.FileAllowRoots {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if abs == rootAbs || strings.HasPrefix(abs, rootAbs+string(os.PathSeparator)) {
			allowed = true
			break
		}
	}
	if !allowed {
		metrics.FetchesTotal.WithLabelValues("file", "denied").Inc()
		return Resolved{}, fault.New(fault.KindFetch, "file reference %q outside allowed roots", href)
	}
	if _, err := os.Stat(abs); err != nil {
		metrics.FetchesTotal.WithLabelValues("file", "error").Inc()
		return Resolved{}, fault.Wrap(fault.KindFetch, err, "file reference %q not readable", href)
	}
	metrics.FetchesTotal.WithLabelValues("file", "ok").Inc()
	return Resolved{Path: abs, MediaType: reconciler.MediaTypeFromExtension(abs)}, nil
}

// resolveHTTP streams a download into destDir with bounded retry.
func (f *Fetcher) resolveHTTP(ctx context.Context, href, destDir string) (Resolved, error) {
	opts := f.cfg.MatchRequest(href, http.MethodGet)
	attempts := opts.Retries
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = initialBackoff
	}

	client := f.httpClient(opts)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			metrics.FetchRetries.Inc()
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return Resolved{}, fault.Wrap(fault.KindCancelled, ctx.Err(), "fetch cancelled: %s", href)
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		res, retryable, err := f.tryHTTP(ctx, client, href, destDir, opts)
		if err == nil {
			metrics.FetchesTotal.WithLabelValues("http", "ok").Inc()
			return res, nil
		}
		lastErr = err
		if !retryable {
			break
		}
		f.logger.Warn().Str("url", href).Int("attempt", attempt).Err(err).Msg("fetch attempt failed")

		// 429 with Retry-After overrides the computed backoff
		if ra, ok := retryAfter(err); ok {
			backoff = ra
		}
	}
	metrics.FetchesTotal.WithLabelValues("http", "error").Inc()
	return Resolved{}, fault.Wrap(fault.KindFetch, lastErr, "failed to fetch %s after %d attempts", href, attempts)
}

// httpError carries the status and Retry-After hint of a failed response.
type httpError struct {
	status     int
	retryAfter time.Duration
	hasRetry   bool
}

func (e *httpError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.status)
}

func retryAfter(err error) (time.Duration, bool) {
	he, ok := err.(*httpError)
	if !ok || !he.hasRetry {
		return 0, false
	}
	return he.retryAfter, true
}

func (f *Fetcher) tryHTTP(ctx context.Context, client *http.Client, href, destDir string, opts config.RequestOptions) (Resolved, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, href, nil)
	if err != nil {
		return Resolved{}, false, err
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		// Connection-level failures are retryable
		return Resolved{}, true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// fall through to download
	case resp.StatusCode == http.StatusTooManyRequests:
		he := &httpError{status: resp.StatusCode}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				he.retryAfter = time.Duration(secs) * time.Second
				he.hasRetry = true
			}
		}
		return Resolved{}, true, he
	case resp.StatusCode >= 500:
		return Resolved{}, true, &httpError{status: resp.StatusCode}
	default:
		// Other 4xx are permanent
		return Resolved{}, false, &httpError{status: resp.StatusCode}
	}

	u, _ := url.Parse(href)
	dest, err := stagePath(destDir, filepath.Base(u.Path))
	if err != nil {
		return Resolved{}, false, err
	}
	out, err := os.Create(dest)
	if err != nil {
		return Resolved{}, false, err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(dest) // delete partial download
		return Resolved{}, true, err
	}
	if err := out.Close(); err != nil {
		return Resolved{}, false, err
	}

	mediaType := resp.Header.Get("Content-Type")
	if idx := strings.Index(mediaType, ";"); idx >= 0 {
		mediaType = strings.TrimSpace(mediaType[:idx])
	}
	if mediaType == "" {
		mediaType = reconciler.MediaTypeFromExtension(u.Path)
	}
	return Resolved{Path: dest, MediaType: mediaType}, false, nil
}

func (f *Fetcher) httpClient(opts config.RequestOptions) *http.Client {
	client := &http.Client{Timeout: opts.Timeout}
	if opts.VerifyTLS != nil && !*opts.VerifyTLS {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // per-host policy opt-out
		}
	}
	return client
}

// resolveS3 downloads s3://bucket/key with ambient credentials.
func (f *Fetcher) resolveS3(ctx context.Context, u *url.URL, destDir string) (Resolved, error) {
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return Resolved{}, fault.New(fault.KindFetch, "invalid s3 reference %q", u.String())
	}
	dest, err := stagePath(destDir, filepath.Base(key))
	if err != nil {
		return Resolved{}, fault.Wrap(fault.KindFetch, err, "failed to stage s3 object")
	}
	region := f.cfg.S3RegionFor(bucket)
	if err := f.s3.Download(ctx, bucket, key, region, dest); err != nil {
		metrics.FetchesTotal.WithLabelValues("s3", "error").Inc()
		return Resolved{}, fault.Wrap(fault.KindFetch, err, "failed to fetch s3://%s/%s", bucket, key)
	}
	metrics.FetchesTotal.WithLabelValues("s3", "ok").Inc()
	return Resolved{Path: dest, MediaType: reconciler.MediaTypeFromExtension(key)}, nil
}

// resolveVault performs the one-shot vault retrieval, consuming the token.
func (f *Fetcher) resolveVault(ctx context.Context, u *url.URL, destDir string) (Resolved, error) {
	if f.cfg.VaultURL == "" {
		return Resolved{}, fault.New(fault.KindFetch, "vault reference with no vault configured")
	}
	token := u.Opaque
	if token == "" {
		token = strings.TrimPrefix(u.Path, "/")
		if u.Host != "" {
			token = u.Host
		}
	}
	endpoint := strings.TrimSuffix(f.cfg.VaultURL, "/") + "/" + token

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Resolved{}, fault.Wrap(fault.KindFetch, err, "invalid vault endpoint")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		metrics.FetchesTotal.WithLabelValues("vault", "error").Inc()
		return Resolved{}, fault.Wrap(fault.KindFetch, err, "vault retrieval failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		metrics.FetchesTotal.WithLabelValues("vault", "error").Inc()
		return Resolved{}, fault.New(fault.KindFetch, "vault retrieval failed: status %d", resp.StatusCode)
	}

	name := resp.Header.Get("Content-Disposition")
	if idx := strings.Index(name, "filename="); idx >= 0 {
		name = strings.Trim(name[idx+len("filename="):], `"`)
	} else {
		name = token
	}
	dest, err := stagePath(destDir, name)
	if err != nil {
		return Resolved{}, fault.Wrap(fault.KindFetch, err, "failed to stage vault file")
	}
	out, err := os.Create(dest)
	if err != nil {
		return Resolved{}, fault.Wrap(fault.KindFetch, err, "failed to stage vault file")
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		os.Remove(dest)
		return Resolved{}, fault.Wrap(fault.KindFetch, err, "vault download interrupted")
	}

	mediaType := resp.Header.Get("Content-Type")
	metrics.FetchesTotal.WithLabelValues("vault", "ok").Inc()
	return Resolved{Path: dest, MediaType: mediaType}, nil
}

// stagePath joins name under destDir and rejects traversal outside it.
func stagePath(destDir, name string) (string, error) {
	if name == "" || name == "." || name == "/" {
		name = "download"
	}
	dest := filepath.Join(destDir, filepath.Base(name))
	abs, err := filepath.Abs(dest)
	if err != nil {
		return "", err
	}
	destAbs, err := filepath.Abs(destDir)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(abs, destAbs+string(os.PathSeparator)) {
		return "", fmt.Errorf("staged path %q escapes staging directory", name)
	}
	// Avoid clobbering a previously staged file of the same name
	if _, err := os.Stat(abs); err == nil {
		base := filepath.Base(name)
		for i := 1; ; i++ {
			candidate := filepath.Join(destAbs, fmt.Sprintf("%d_%s", i, base))
			if _, err := os.Stat(candidate); os.IsNotExist(err) {
				return candidate, nil
			}
		}
	}
	return abs, nil
}
