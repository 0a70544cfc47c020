package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telluric-io/tern/pkg/config"
	"github.com/telluric-io/tern/pkg/types"
)

func TestTokenDeterministic(t *testing.T) {
	a, err := Token("ops@example.com")
	require.NoError(t, err)
	b, err := Token("ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, a, b, "same address must derive the same token")
	assert.NotEmpty(t, a)
	assert.NotContains(t, a, "@", "token must not leak the address")

	c, err := Token("other@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestTokenEmptyAddress(t *testing.T) {
	tok, err := Token("")
	require.NoError(t, err)
	assert.Empty(t, tok)
}

func testConfig() config.Config {
	cfg := config.Config{Role: config.RoleHybrid, PublicBaseURL: "https://tern.example.com"}
	cfg.SMTP.Host = "mail.example.com"
	cfg.SMTP.Port = 587
	cfg.SMTP.From = "noreply@example.com"
	return cfg
}

func TestJobFinishedSendsMail(t *testing.T) {
	n, err := New(testConfig())
	require.NoError(t, err)

	var sentTo []string
	var sentMsg string
	n.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		sentTo = to
		sentMsg = string(msg)
		return nil
	}

	j := &types.Job{
		ID:          "j-1",
		ProcessID:   "resample",
		Status:      types.StatusSucceeded,
		NotifyEmail: "ops@example.com",
	}
	n.JobFinished(context.Background(), j)

	assert.Equal(t, []string{"ops@example.com"}, sentTo)
	assert.Contains(t, sentMsg, "j-1")
	assert.Contains(t, sentMsg, "succeeded")
	assert.Contains(t, sentMsg, "https://tern.example.com/jobs/j-1/results")
}

func TestJobFinishedNoMailWithoutAddress(t *testing.T) {
	n, err := New(testConfig())
	require.NoError(t, err)

	called := false
	n.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		called = true
		return nil
	}
	n.JobFinished(context.Background(), &types.Job{ID: "j-2", Status: types.StatusFailed})
	assert.False(t, called)
}

func TestWebhooksFireByOutcome(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
	}))
	defer srv.Close()

	n, err := New(config.Config{Role: config.RoleHybrid})
	require.NoError(t, err)

	j := &types.Job{
		ID:     "j-3",
		Status: types.StatusFailed,
		Subscribers: []types.Subscriber{
			{SuccessURI: srv.URL + "/ok", FailedURI: srv.URL + "/failed"},
		},
	}
	n.JobFinished(context.Background(), j)
	assert.Equal(t, []string{"/failed"}, paths)

	paths = nil
	j.Status = types.StatusSucceeded
	n.JobFinished(context.Background(), j)
	assert.Equal(t, []string{"/ok"}, paths)
}

func TestProgressWebhook(t *testing.T) {
	hit := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit++
	}))
	defer srv.Close()

	n, err := New(config.Config{Role: config.RoleHybrid})
	require.NoError(t, err)
	n.Progress(context.Background(), &types.Job{
		ID:          "j-4",
		Status:      types.StatusRunning,
		Subscribers: []types.Subscriber{{ProgressURI: srv.URL + "/progress"}},
	})
	assert.Equal(t, 1, hit)
}
