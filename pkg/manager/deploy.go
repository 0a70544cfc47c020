package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/telluric-io/tern/pkg/cwl"
	"github.com/telluric-io/tern/pkg/fault"
	"github.com/telluric-io/tern/pkg/fetch"
	"github.com/telluric-io/tern/pkg/metrics"
	"github.com/telluric-io/tern/pkg/reconciler"
	"github.com/telluric-io/tern/pkg/storage"
	"github.com/telluric-io/tern/pkg/types"
	"github.com/telluric-io/tern/pkg/validate"
)

// deployDoc is the OGC deploy body: a process description plus the
// execution units carrying or referencing the Application Package.
type deployDoc struct {
	ProcessDescription    map[string]any  `json:"processDescription"`
	ExecutionUnit         []executionUnit `json:"executionUnit"`
	DeploymentProfileName string          `json:"deploymentProfileName"`
}

type executionUnit struct {
	Unit map[string]any `json:"unit"`
	Href string         `json:"href"`
	Type string         `json:"type"`
}

// Deploy registers a new process from a deploy document or a raw package.
func (e *Engine) Deploy(ctx context.Context, payload []byte, contentType string) (*types.Process, error) {
	proc, err := e.buildProcess(ctx, payload, contentType)
	if err != nil {
		return nil, err
	}
	if existing, err := e.store.GetProcess(proc.ID); err == nil && existing != nil {
		return nil, fault.New(fault.KindConflict, "process %q already deployed", proc.ID)
	}
	proc.CreatedAt = time.Now().UTC()
	proc.UpdatedAt = proc.CreatedAt
	if err := e.store.PutProcess(proc); err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "failed to persist process")
	}
	metrics.ProcessesTotal.Inc()
	e.logger.Info().Str("process_id", proc.ID).Str("type", string(proc.Type)).Msg("process deployed")
	return proc, nil
}

// Replace updates a deployed process in place, keeping its identifier.
func (e *Engine) Replace(ctx context.Context, id string, payload []byte, contentType string) (*types.Process, error) {
	existing, err := e.store.GetProcess(id)
	if err != nil {
		return nil, err
	}
	proc, err := e.buildProcess(ctx, payload, contentType)
	if err != nil {
		return nil, err
	}
	if proc.ID != id {
		return nil, fault.New(fault.KindValidation,
			"payload declares process %q, path names %q", proc.ID, id)
	}
	proc.CreatedAt = existing.CreatedAt
	proc.UpdatedAt = time.Now().UTC()
	if err := e.store.PutProcess(proc); err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "failed to persist process")
	}
	e.logger.Info().Str("process_id", id).Msg("process replaced")
	return proc, nil
}

// Undeploy removes a process. Jobs already submitted keep running.
func (e *Engine) Undeploy(id string) error {
	if _, err := e.store.GetProcess(id); err != nil {
		return err
	}
	if err := e.store.DeleteProcess(id); err != nil {
		return fault.Wrap(fault.KindInternal, err, "failed to delete process")
	}
	metrics.ProcessesTotal.Dec()
	e.logger.Info().Str("process_id", id).Msg("process undeployed")
	return nil
}

// Process returns one deployed process.
func (e *Engine) Process(id string) (*types.Process, error) {
	return e.store.GetProcess(id)
}

// Processes lists deployed processes.
func (e *Engine) Processes(filter storage.ProcessFilter, page storage.Page) ([]*types.Process, int, error) {
	return e.store.ListProcesses(filter, page)
}

func (e *Engine) validateInputs(raw map[string]any, defs []types.IODef) (map[string]types.Value, error) {
	return validate.Inputs(raw, defs)
}

// buildProcess parses and reconciles a deploy payload into the canonical
// process record. Raw CWL payloads carry no separate description; OGC
// deploy documents may carry both.
func (e *Engine) buildProcess(ctx context.Context, payload []byte, contentType string) (*types.Process, error) {
	var (
		desc map[string]any
		pkg  *cwl.Package
		err  error
	)
	switch {
	case strings.Contains(contentType, "cwl"), strings.Contains(contentType, "yaml"):
		pkg, err = cwl.Parse(payload)
		if err != nil {
			return nil, err
		}
	default:
		var doc deployDoc
		if jerr := json.Unmarshal(payload, &doc); jerr != nil {
			return nil, fault.Wrap(fault.KindValidation, jerr, "malformed deploy document")
		}
		desc = doc.ProcessDescription
		if nested, ok := desc["process"].(map[string]any); ok {
			desc = nested
		}
		pkg, err = e.packageFromUnits(ctx, doc.ExecutionUnit)
		if err != nil {
			return nil, err
		}
	}

	id := stringField(desc, "id")
	if id == "" {
		id = stringField(pkg.Raw, "id")
	}
	id = strings.TrimSuffix(strings.TrimPrefix(id, "#"), ".cwl")
	if id == "" {
		return nil, fault.New(fault.KindValidation, "deploy payload declares no process id")
	}
	if !types.ProcessIDPattern.MatchString(id) {
		return nil, fault.New(fault.KindValidation, "invalid process id %q", id)
	}

	descIn := descIODefs(desc["inputs"])
	descOut := descIODefs(desc["outputs"])
	inputs, outputs, err := reconciler.Reconcile(descIn, descOut, pkg)
	if err != nil {
		return nil, err
	}
	if err := e.validateStepRefs(pkg); err != nil {
		return nil, err
	}

	proc := &types.Process{
		ID:                 id,
		Version:            stringField(desc, "version"),
		Title:              firstNonEmpty(stringField(desc, "title"), stringField(pkg.Raw, "label")),
		Description:        firstNonEmpty(stringField(desc, "description"), stringField(pkg.Raw, "doc")),
		Keywords:           stringSlice(desc["keywords"]),
		Visibility:         types.VisibilityPrivate,
		JobControlOptions:  jobControls(desc["jobControlOptions"]),
		OutputTransmission: []types.Transmission{types.TransmissionValue, types.TransmissionReference},
		Inputs:             inputs,
		Outputs:            outputs,
		Package:            pkg.Raw,
		Payload:            payload,
		Type:               processType(pkg),
	}
	if secs, ok := numberField(desc, "wallClockLimitSeconds"); ok && secs > 0 {
		proc.WallClockLimit = time.Duration(secs * float64(time.Second))
	}
	return proc, nil
}

// packageFromUnits resolves the first usable execution unit: an inline
// object wins, otherwise the href is fetched and parsed.
func (e *Engine) packageFromUnits(ctx context.Context, units []executionUnit) (*cwl.Package, error) {
	for _, u := range units {
		if u.Unit != nil {
			return cwl.FromTree(u.Unit)
		}
		if u.Href != "" {
			tmp, err := os.MkdirTemp("", "tern-deploy-")
			if err != nil {
				return nil, fmt.Errorf("failed to create staging dir: %w", err)
			}
			defer os.RemoveAll(tmp)
			res, err := e.fetcher.Resolve(ctx, u.Href, tmp, fetch.Policy{})
			if err != nil {
				return nil, err
			}
			data, err := os.ReadFile(res.Path)
			if err != nil {
				return nil, fmt.Errorf("failed to read fetched package: %w", err)
			}
			return cwl.Parse(data)
		}
	}
	return nil, fault.New(fault.KindValidation, "deploy document carries no execution unit")
}

// validateStepRefs rejects workflows whose step run references do not name
// a deployed process. Embedded tools carry their own definition and are
// validated by the package parser.
func (e *Engine) validateStepRefs(pkg *cwl.Package) error {
	if pkg.Class != cwl.ClassWorkflow {
		return nil
	}
	for _, step := range pkg.Steps {
		if step.RunEmbedded != nil || step.Run == "" {
			continue
		}
		if _, err := e.resolvePackage(step.Run); err != nil {
			return fault.New(fault.KindValidation,
				"workflow step %q references process %q which is not deployed", step.ID, step.Run)
		}
	}
	return nil
}

func processType(pkg *cwl.Package) types.ProcessType {
	if pkg.Class == cwl.ClassWorkflow {
		return types.ProcessWorkflow
	}
	switch pkg.Requirements.RemoteProtocol() {
	case "wps1":
		return types.ProcessWPS1
	case "esgf-cwt":
		return types.ProcessESGFCWT
	default:
		return types.ProcessApplication
	}
}

func jobControls(raw any) []types.JobControl {
	var out []types.JobControl
	for _, v := range stringSlice(raw) {
		switch {
		case strings.HasPrefix(v, "sync"):
			out = append(out, types.JobControlSync)
		case strings.HasPrefix(v, "async"):
			out = append(out, types.JobControlAsync)
		}
	}
	if len(out) == 0 {
		out = []types.JobControl{types.JobControlSync, types.JobControlAsync}
	}
	return out
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func numberField(m map[string]any, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch n := m[key].(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func stringSlice(raw any) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
