// Package notify delivers one email per terminal job transition and derives
// the lookup token that stands in for the subscriber's address everywhere
// the address itself must not be stored.
package notify

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/smtp"
	"text/template"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/scrypt"

	"github.com/telluric-io/tern/pkg/config"
	"github.com/telluric-io/tern/pkg/log"
	"github.com/telluric-io/tern/pkg/types"
)

// tokenSalt is fixed so the same address always derives the same token,
// which is what makes token-based job listing work.
var tokenSalt = []byte("tern-email-token-v1")

// Token derives the opaque job-listing token for an email address. The
// address itself is never persisted.
func Token(email string) (string, error) {
	if email == "" {
		return "", nil
	}
	key, err := scrypt.Key([]byte(email), tokenSalt, 1<<14, 8, 1, 32)
	if err != nil {
		return "", fmt.Errorf("failed to derive email token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(key), nil
}

const defaultTemplate = `Subject: job {{.Job.ID}} {{.Job.Status}}

Your job {{.Job.ID}} running process {{.Job.ProcessID}} finished with status {{.Job.Status}}.
{{- if .Job.Message}}

{{.Job.Message}}
{{- end}}

Status: {{.BaseURL}}/jobs/{{.Job.ID}}
{{- if eq (printf "%s" .Job.Status) "succeeded"}}
Results: {{.BaseURL}}/jobs/{{.Job.ID}}/results
{{- end}}
`

// Notifier sends terminal notifications by mail and fires subscriber
// webhooks
type Notifier struct {
	cfg    config.Config
	tmpl   *template.Template
	http   *http.Client
	logger zerolog.Logger

	// send is swappable for tests
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// New creates a notifier from the engine configuration.
func New(cfg config.Config) (*Notifier, error) {
	text := defaultTemplate
	if cfg.SMTP.Template != "" {
		data, err := templateFile(cfg.SMTP.Template)
		if err != nil {
			return nil, err
		}
		text = data
	}
	tmpl, err := template.New("notify").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse notification template: %w", err)
	}
	return &Notifier{
		cfg:    cfg,
		tmpl:   tmpl,
		http:   &http.Client{Timeout: 15 * time.Second},
		logger: log.WithComponent("notify"),
		send:   smtp.SendMail,
	}, nil
}

// JobFinished notifies the job submitter and subscribers. It is called
// exactly once per terminal transition; failures are logged, never fatal.
func (n *Notifier) JobFinished(ctx context.Context, j *types.Job) {
	if j.NotifyEmail != "" && n.cfg.SMTP.Host != "" {
		if err := n.mail(j); err != nil {
			n.logger.Warn().Str("job_id", j.ID).Err(err).Msg("failed to send notification mail")
		}
	}
	n.fireWebhooks(ctx, j)
}

func (n *Notifier) mail(j *types.Job) error {
	var body bytes.Buffer
	err := n.tmpl.Execute(&body, map[string]any{
		"Job":     j,
		"BaseURL": n.cfg.PublicBaseURL,
	})
	if err != nil {
		return fmt.Errorf("failed to render notification: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", n.cfg.SMTP.Host, n.cfg.SMTP.Port)
	var auth smtp.Auth
	if n.cfg.SMTP.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.SMTP.Username, n.cfg.SMTP.Password, n.cfg.SMTP.Host)
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\n%s",
		n.cfg.SMTP.From, j.NotifyEmail, body.String())
	return n.send(addr, auth, n.cfg.SMTP.From, []string{j.NotifyEmail}, []byte(msg))
}

// fireWebhooks posts the status document to the subscriber URI matching the
// terminal state.
func (n *Notifier) fireWebhooks(ctx context.Context, j *types.Job) {
	for _, sub := range j.Subscribers {
		uri := ""
		switch j.Status {
		case types.StatusSucceeded:
			uri = sub.SuccessURI
		case types.StatusFailed, types.StatusDismissed:
			uri = sub.FailedURI
		}
		if uri == "" {
			continue
		}
		if err := n.post(ctx, uri, j); err != nil {
			n.logger.Warn().Str("job_id", j.ID).Str("uri", uri).Err(err).Msg("subscriber callback failed")
		}
	}
}

// Progress posts to in-progress subscriber URIs.
func (n *Notifier) Progress(ctx context.Context, j *types.Job) {
	for _, sub := range j.Subscribers {
		if sub.ProgressURI == "" {
			continue
		}
		if err := n.post(ctx, sub.ProgressURI, j); err != nil {
			n.logger.Debug().Str("job_id", j.ID).Err(err).Msg("progress callback failed")
		}
	}
}

func (n *Notifier) post(ctx context.Context, uri string, j *types.Job) error {
	body, err := marshalStatus(j)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("callback returned status %d", resp.StatusCode)
	}
	return nil
}
