package remote

import (
	"bytes"
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/telluric-io/tern/pkg/cwl"
	"github.com/telluric-io/tern/pkg/fault"
	"github.com/telluric-io/tern/pkg/journal"
	"github.com/telluric-io/tern/pkg/log"
	"github.com/telluric-io/tern/pkg/metrics"
	"github.com/telluric-io/tern/pkg/types"
)

// WPS1 dispatches steps to a WPS 1.0.0 provider named by the step's
// WPS1Requirement hint.
type WPS1 struct {
	http   *http.Client
	logger zerolog.Logger
}

// NewWPS1 creates the WPS 1.0 adapter.
func NewWPS1() *WPS1 {
	return &WPS1{
		http:   &http.Client{Timeout: 60 * time.Second},
		logger: log.WithComponent("remote.wps1"),
	}
}

// executeRequest is the wps:Execute document
type executeRequest struct {
	XMLName    xml.Name    `xml:"http://www.opengis.net/wps/1.0.0 Execute"`
	Service    string      `xml:"service,attr"`
	Version    string      `xml:"version,attr"`
	Identifier string      `xml:"http://www.opengis.net/ows/1.1 Identifier"`
	Inputs     []wpsInput  `xml:"DataInputs>Input"`
	Response   wpsResponse `xml:"ResponseForm>ResponseDocument"`
}

type wpsInput struct {
	Identifier string        `xml:"http://www.opengis.net/ows/1.1 Identifier"`
	Literal    *wpsLiteral   `xml:"Data>LiteralData,omitempty"`
	Reference  *wpsReference `xml:"Reference,omitempty"`
}

type wpsLiteral struct {
	Value string `xml:",chardata"`
}

type wpsReference struct {
	Href     string `xml:"http://www.w3.org/1999/xlink href,attr"`
	MimeType string `xml:"mimeType,attr,omitempty"`
}

type wpsResponse struct {
	StoreExecuteResponse bool `xml:"storeExecuteResponse,attr"`
	Status               bool `xml:"status,attr"`
}

// executeResponse is the subset of wps:ExecuteResponse the engine reads
type executeResponse struct {
	XMLName        xml.Name  `xml:"ExecuteResponse"`
	StatusLocation string    `xml:"statusLocation,attr"`
	Status         wpsStatus `xml:"Status"`
	Outputs        []wpsOut  `xml:"ProcessOutputs>Output"`
}

type wpsStatus struct {
	Accepted  *wpsStatusNode `xml:"ProcessAccepted"`
	Started   *wpsStatusNode `xml:"ProcessStarted"`
	Succeeded *wpsStatusNode `xml:"ProcessSucceeded"`
	Failed    *wpsFailed     `xml:"ProcessFailed"`
}

type wpsStatusNode struct {
	Text    string `xml:",chardata"`
	Percent int    `xml:"percentCompleted,attr"`
}

type wpsFailed struct {
	Text string `xml:",innerxml"`
}

type wpsOut struct {
	Identifier string        `xml:"Identifier"`
	Reference  *wpsReference `xml:"Reference"`
	Literal    *wpsLiteral   `xml:"Data>LiteralData"`
}

// RunStep executes the step on the provider named by its WPS1Requirement.
func (w *WPS1) RunStep(ctx context.Context, step cwl.Step, pkg *cwl.Package, inputs map[string]types.Value, jnl *journal.Journal) (map[string]types.Value, error) {
	provider := step.Requirements.WPS1Provider
	process := step.Requirements.WPS1Process
	if provider == "" {
		provider = pkg.Requirements.WPS1Provider
		process = pkg.Requirements.WPS1Process
	}
	if provider == "" || process == "" {
		return nil, fault.New(fault.KindRemoteExecutor, "step %s has no WPS provider or process", step.ID)
	}

	req := executeRequest{
		Service:    "WPS",
		Version:    "1.0.0",
		Identifier: process,
		Response:   wpsResponse{StoreExecuteResponse: true, Status: true},
	}
	for id, v := range inputs {
		req.Inputs = append(req.Inputs, wpsInputFrom(id, v)...)
	}

	body, err := xml.Marshal(req)
	if err != nil {
		return nil, fault.Wrap(fault.KindRemoteExecutor, err, "failed to encode WPS request")
	}

	resp, err := w.post(ctx, provider, body)
	if err != nil {
		metrics.StepsTotal.WithLabelValues("wps1", "error").Inc()
		return nil, err
	}
	jnl.Logf("info", types.SourceSystem, "step %s submitted to WPS provider %s", step.ID, provider)

	final, err := w.waitForCompletion(ctx, resp)
	if err != nil {
		metrics.StepsTotal.WithLabelValues("wps1", "error").Inc()
		return nil, err
	}
	metrics.StepsTotal.WithLabelValues("wps1", "ok").Inc()
	return wpsOutputs(final), nil
}

func wpsInputFrom(id string, v types.Value) []wpsInput {
	switch v.Kind {
	case types.ValueComplex:
		href := v.Complex.Href
		if href == "" {
			href = v.Complex.Path
		}
		return []wpsInput{{
			Identifier: id,
			Reference:  &wpsReference{Href: href, MimeType: v.Complex.MediaType},
		}}
	case types.ValueArray:
		var out []wpsInput
		for _, el := range v.Array {
			out = append(out, wpsInputFrom(id, el)...)
		}
		return out
	default:
		return []wpsInput{{Identifier: id, Literal: &wpsLiteral{Value: v.String()}}}
	}
}

func (w *WPS1) post(ctx context.Context, endpoint string, body []byte) (*executeResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fault.Wrap(fault.KindRemoteExecutor, err, "invalid WPS endpoint")
	}
	req.Header.Set("Content-Type", "text/xml")

	resp, err := w.http.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.KindRemoteExecutor, err, "WPS execute failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fault.New(fault.KindRemoteExecutor, "WPS execute returned status %d", resp.StatusCode)
	}
	return parseExecuteResponse(resp.Body)
}

// parseExecuteResponse decodes a wps:ExecuteResponse payload.
func parseExecuteResponse(r io.Reader) (*executeResponse, error) {
	var out executeResponse
	if err := xml.NewDecoder(r).Decode(&out); err != nil {
		return nil, fault.Wrap(fault.KindRemoteExecutor, err, "failed to parse WPS response")
	}
	return &out, nil
}

// waitForCompletion polls the statusLocation until a terminal state.
func (w *WPS1) waitForCompletion(ctx context.Context, first *executeResponse) (*executeResponse, error) {
	current := first
	for {
		switch {
		case current.Status.Succeeded != nil:
			return current, nil
		case current.Status.Failed != nil:
			return nil, fault.New(fault.KindRemoteExecutor, "WPS process failed: %s", current.Status.Failed.Text)
		}
		if current.StatusLocation == "" {
			return nil, fault.New(fault.KindRemoteExecutor, "WPS response has no status location")
		}

		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return nil, fault.Wrap(fault.KindCancelled, ctx.Err(), "WPS polling cancelled")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current.StatusLocation, nil)
		if err != nil {
			return nil, fault.Wrap(fault.KindRemoteExecutor, err, "invalid WPS status location")
		}
		resp, err := w.http.Do(req)
		if err != nil {
			return nil, fault.Wrap(fault.KindRemoteExecutor, err, "WPS status poll failed")
		}
		next, perr := parseExecuteResponse(resp.Body)
		resp.Body.Close()
		if perr != nil {
			return nil, perr
		}
		// Providers sometimes omit statusLocation on poll responses
		if next.StatusLocation == "" {
			next.StatusLocation = current.StatusLocation
		}
		current = next
	}
}

func wpsOutputs(resp *executeResponse) map[string]types.Value {
	out := make(map[string]types.Value, len(resp.Outputs))
	for _, o := range resp.Outputs {
		switch {
		case o.Reference != nil:
			out[o.Identifier] = types.Ref(o.Reference.Href, o.Reference.MimeType)
		case o.Literal != nil:
			out[o.Identifier] = types.Lit(o.Literal.Value)
		}
	}
	return out
}
