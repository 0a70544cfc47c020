// Package cwl models the Application Package tree: a CWL-equivalent
// description of a CommandLineTool or Workflow, parsed from YAML or JSON.
// The engine interprets the subset of hints and requirements listed in the
// README; everything else is preserved in the raw tree and passed through.
package cwl

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/telluric-io/tern/pkg/fault"
)

// Class values the engine accepts
const (
	ClassCommandLineTool = "CommandLineTool"
	ClassWorkflow        = "Workflow"
)

// Requirement and hint names the engine interprets
const (
	ReqDocker           = "DockerRequirement"
	ReqInitialWorkDir   = "InitialWorkDirRequirement"
	ReqResource         = "ResourceRequirement"
	ReqEnvVar           = "EnvVarRequirement"
	ReqNetworkAccess    = "NetworkAccess"
	ReqInlineJavascript = "InlineJavascriptRequirement"
	ReqCUDA             = "cwltool:CUDARequirement"
	ReqWPS1             = "WPS1Requirement"
	ReqESGFCWT          = "ESGF-CWTRequirement"
)

// Type is the resolved type of an AP input or output
type Type struct {
	Name     string   // File, Directory, string, int, long, float, double, boolean, enum, record
	Items    *Type    // element type when IsArray
	Symbols  []string // enum symbols
	Optional bool     // union with null, or default present
	IsArray  bool
}

// Binding controls how an input is placed on the command line
type Binding struct {
	Position      int
	HasPosition   bool
	Prefix        string
	Separate      *bool // nil means true
	ItemSeparator string
	ValueFrom     string
}

// SeparateFlag returns the effective separate flag (default true).
func (b *Binding) SeparateFlag() bool {
	return b == nil || b.Separate == nil || *b.Separate
}

// Input is one declared AP input
type Input struct {
	ID      string
	Label   string
	Doc     string
	Type    Type
	Default any
	Format  []string // ontology URIs or media types
	Binding *Binding
}

// OutputBinding controls how an output is collected
type OutputBinding struct {
	Glob       []string
	OutputEval string
}

// Output is one declared AP output
type Output struct {
	ID      string
	Label   string
	Doc     string
	Type    Type
	Format  []string
	Binding *OutputBinding
	Source  string // workflow outputs: "step/out"
}

// StagedFile is a constant file materialized into the working directory
type StagedFile struct {
	Name  string
	Entry string // literal content, may carry parameter references
}

// Requirements is the interpreted subset of hints and requirements
type Requirements struct {
	DockerPull    string
	InitialWork   []StagedFile
	CoresMin      int
	RAMMin        int64 // MiB
	TmpDirMin     int64 // MiB
	OutDirMin     int64 // MiB
	Env           map[string]string
	NetworkAccess bool
	InlineExpr    bool
	CUDA          map[string]any // pass-through to the runtime only
	WPS1Provider  string
	WPS1Process   string
	ESGFCWT       map[string]any
}

// RemoteProtocol reports which remote protocol, if any, the requirements name.
func (r *Requirements) RemoteProtocol() string {
	if r.WPS1Provider != "" || r.WPS1Process != "" {
		return "wps1"
	}
	if r.ESGFCWT != nil {
		return "esgf-cwt"
	}
	return ""
}

// StepInput is one "in" edge of a workflow step
type StepInput struct {
	ID        string
	Source    string // "workflowInput" or "step/out"
	Default   any
	ValueFrom string
}

// Step is one node of a Workflow
type Step struct {
	ID           string
	Run          string         // reference to a deployable process
	RunEmbedded  map[string]any // or an embedded tool
	In           []StepInput
	Out          []string
	Requirements Requirements
}

// Package is a parsed Application Package
type Package struct {
	Class        string
	CWLVersion   string
	Inputs       []Input
	Outputs      []Output
	BaseCommand  []string
	Arguments    []string
	Stdout       string
	SuccessCodes []int
	TempFail     []int
	PermFail     []int
	Requirements Requirements
	Steps        []Step
	Raw          map[string]any
}

// Parse decodes an AP from YAML or JSON bytes.
func Parse(data []byte) (*Package, error) {
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "invalid application package")
	}
	return FromTree(tree)
}

// FromTree decodes an AP from an already-parsed tree.
func FromTree(tree map[string]any) (*Package, error) {
	tree = normalize(tree)
	p := &Package{Raw: tree}

	class, _ := tree["class"].(string)
	switch class {
	case ClassCommandLineTool, ClassWorkflow:
		p.Class = class
	default:
		return nil, fault.New(fault.KindValidation, "package class must be CommandLineTool or Workflow, got %q", class)
	}
	p.CWLVersion, _ = tree["cwlVersion"].(string)

	var err error
	if p.Inputs, err = parseInputs(tree["inputs"]); err != nil {
		return nil, err
	}
	if p.Outputs, err = parseOutputs(tree["outputs"]); err != nil {
		return nil, err
	}

	p.BaseCommand = stringList(tree["baseCommand"])
	p.Arguments = stringList(tree["arguments"])
	p.Stdout, _ = tree["stdout"].(string)
	p.SuccessCodes = intList(tree["successCodes"])
	p.TempFail = intList(tree["temporaryFailCodes"])
	p.PermFail = intList(tree["permanentFailCodes"])

	p.Requirements = parseRequirements(tree["requirements"], tree["hints"])

	if p.Class == ClassWorkflow {
		steps, err := parseSteps(tree["steps"])
		if err != nil {
			return nil, err
		}
		p.Steps = steps
		if len(p.Steps) == 0 {
			return nil, fault.New(fault.KindValidation, "workflow declares no steps")
		}
	}

	return p, nil
}

// normalize converts yaml.v3 map[any]any trees into map[string]any so the
// package tree round-trips through JSON.
func normalize(v any) map[string]any {
	out, _ := normalizeValue(v).(map[string]any)
	return out
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = normalizeValue(e)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[fmt.Sprintf("%v", k)] = normalizeValue(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalizeValue(e)
		}
		return out
	default:
		return v
	}
}

// MustMarshalYAML renders the raw tree back to YAML.
func (p *Package) MustMarshalYAML() []byte {
	b, err := yaml.Marshal(p.Raw)
	if err != nil {
		return nil
	}
	return b
}

// ResolveType turns a raw CWL type declaration into a resolved Type.
// Handles: plain names ("string", "File", "int[]", "string?"), unions with
// null, array records {type: array, items: T} and enum records
// {type: enum, symbols: [...]}.
func ResolveType(raw any) (Type, error) {
	switch t := raw.(type) {
	case string:
		name := t
		var out Type
		if strings.HasSuffix(name, "?") {
			out.Optional = true
			name = strings.TrimSuffix(name, "?")
		}
		if strings.HasSuffix(name, "[]") {
			inner := Type{Name: strings.TrimSuffix(name, "[]")}
			out.IsArray = true
			out.Items = &inner
			out.Name = inner.Name
			return out, nil
		}
		out.Name = name
		return out, nil
	case []any:
		// Union: strip "null", resolve the remainder
		var rest []any
		optional := false
		for _, e := range t {
			if s, ok := e.(string); ok && s == "null" {
				optional = true
				continue
			}
			rest = append(rest, e)
		}
		if len(rest) != 1 {
			return Type{}, fmt.Errorf("unsupported union type with %d non-null members", len(rest))
		}
		out, err := ResolveType(rest[0])
		if err != nil {
			return Type{}, err
		}
		out.Optional = out.Optional || optional
		return out, nil
	case map[string]any:
		kind, _ := t["type"].(string)
		switch kind {
		case "array":
			items, err := ResolveType(t["items"])
			if err != nil {
				return Type{}, err
			}
			return Type{Name: items.Name, IsArray: true, Items: &items, Symbols: items.Symbols}, nil
		case "enum":
			var symbols []string
			for _, s := range anyList(t["symbols"]) {
				symbols = append(symbols, strings.TrimPrefix(fmt.Sprintf("%v", s), "#"))
			}
			return Type{Name: "enum", Symbols: symbols}, nil
		}
		return Type{}, fmt.Errorf("unsupported type record %q", kind)
	}
	return Type{}, fmt.Errorf("unsupported type declaration %T", raw)
}

func parseInputs(raw any) ([]Input, error) {
	entries, err := idEntries(raw)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "invalid package inputs")
	}
	inputs := make([]Input, 0, len(entries))
	for _, e := range entries {
		in := Input{ID: e.id}
		in.Label, _ = e.body["label"].(string)
		in.Doc, _ = e.body["doc"].(string)
		in.Default = e.body["default"]
		in.Format = stringList(e.body["format"])

		typ, err := ResolveType(e.body["type"])
		if err != nil {
			return nil, fault.Wrap(fault.KindValidation, err, "input %q", e.id)
		}
		if in.Default != nil {
			typ.Optional = true
		}
		in.Type = typ

		if rb, ok := e.body["inputBinding"].(map[string]any); ok {
			in.Binding = parseBinding(rb)
		}
		inputs = append(inputs, in)
	}
	return inputs, nil
}

func parseBinding(rb map[string]any) *Binding {
	b := &Binding{}
	if pos, ok := asInt(rb["position"]); ok {
		b.Position = pos
		b.HasPosition = true
	}
	b.Prefix, _ = rb["prefix"].(string)
	if sep, ok := rb["separate"].(bool); ok {
		b.Separate = &sep
	}
	b.ItemSeparator, _ = rb["itemSeparator"].(string)
	b.ValueFrom, _ = rb["valueFrom"].(string)
	return b
}

func parseOutputs(raw any) ([]Output, error) {
	entries, err := idEntries(raw)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "invalid package outputs")
	}
	outputs := make([]Output, 0, len(entries))
	for _, e := range entries {
		out := Output{ID: e.id}
		out.Label, _ = e.body["label"].(string)
		out.Doc, _ = e.body["doc"].(string)
		out.Format = stringList(e.body["format"])
		out.Source, _ = e.body["outputSource"].(string)

		typ, err := ResolveType(e.body["type"])
		if err != nil {
			return nil, fault.Wrap(fault.KindValidation, err, "output %q", e.id)
		}
		out.Type = typ

		if rb, ok := e.body["outputBinding"].(map[string]any); ok {
			ob := &OutputBinding{}
			ob.Glob = stringList(rb["glob"])
			ob.OutputEval, _ = rb["outputEval"].(string)
			out.Binding = ob
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

func parseRequirements(reqs, hints any) Requirements {
	r := Requirements{}
	apply := func(name string, body map[string]any) {
		switch name {
		case ReqDocker:
			r.DockerPull, _ = body["dockerPull"].(string)
		case ReqInitialWorkDir:
			for _, item := range anyList(body["listing"]) {
				m, ok := item.(map[string]any)
				if !ok {
					continue
				}
				name, _ := m["entryname"].(string)
				entry, _ := m["entry"].(string)
				if name != "" {
					r.InitialWork = append(r.InitialWork, StagedFile{Name: name, Entry: entry})
				}
			}
		case ReqResource:
			if v, ok := asInt(body["coresMin"]); ok {
				r.CoresMin = v
			}
			if v, ok := asInt(body["ramMin"]); ok {
				r.RAMMin = int64(v)
			}
			if v, ok := asInt(body["tmpdirMin"]); ok {
				r.TmpDirMin = int64(v)
			}
			if v, ok := asInt(body["outdirMin"]); ok {
				r.OutDirMin = int64(v)
			}
		case ReqEnvVar:
			if def, ok := body["envDef"].(map[string]any); ok {
				r.Env = make(map[string]string, len(def))
				for k, v := range def {
					r.Env[k] = fmt.Sprintf("%v", v)
				}
			}
		case ReqNetworkAccess:
			if v, ok := body["networkAccess"].(bool); ok {
				r.NetworkAccess = v
			}
		case ReqInlineJavascript:
			r.InlineExpr = true
		case ReqCUDA:
			r.CUDA = body
		case ReqWPS1:
			r.WPS1Provider, _ = body["provider"].(string)
			r.WPS1Process, _ = body["process"].(string)
		case ReqESGFCWT:
			r.ESGFCWT = body
		}
	}

	for _, raw := range []any{reqs, hints} {
		switch x := raw.(type) {
		case map[string]any:
			// Deterministic order over map-form requirements
			names := make([]string, 0, len(x))
			for name := range x {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				body, _ := x[name].(map[string]any)
				if body == nil {
					body = map[string]any{}
				}
				apply(name, body)
			}
		case []any:
			for _, item := range x {
				m, ok := item.(map[string]any)
				if !ok {
					continue
				}
				name, _ := m["class"].(string)
				apply(name, m)
			}
		}
	}
	return r
}

func parseSteps(raw any) ([]Step, error) {
	entries, err := idEntries(raw)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "invalid workflow steps")
	}
	steps := make([]Step, 0, len(entries))
	for _, e := range entries {
		step := Step{ID: e.id}
		switch run := e.body["run"].(type) {
		case string:
			step.Run = run
		case map[string]any:
			step.RunEmbedded = run
		default:
			return nil, fault.New(fault.KindValidation, "step %q has no run target", e.id)
		}

		ins, err := idEntries(e.body["in"])
		if err != nil {
			return nil, fault.Wrap(fault.KindValidation, err, "step %q inputs", e.id)
		}
		for _, in := range ins {
			si := StepInput{ID: in.id}
			if src, ok := in.body["source"].(string); ok {
				si.Source = src
			} else if src, ok := in.body["__scalar__"].(string); ok {
				// shorthand: in: {x: stepA/out}
				si.Source = src
			}
			si.Default = in.body["default"]
			si.ValueFrom, _ = in.body["valueFrom"].(string)
			step.In = append(step.In, si)
		}

		step.Out = stringList(e.body["out"])
		step.Requirements = parseRequirements(e.body["requirements"], e.body["hints"])
		steps = append(steps, step)
	}
	return steps, nil
}

// idEntries flattens the two CWL collection shapes, a map keyed by id and a
// list of records carrying an "id" field, into one ordered form. Map order
// is made deterministic by sorting keys.
type idEntry struct {
	id   string
	body map[string]any
}

func idEntries(raw any) ([]idEntry, error) {
	switch x := raw.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]idEntry, 0, len(keys))
		for _, k := range keys {
			switch body := x[k].(type) {
			case map[string]any:
				out = append(out, idEntry{id: k, body: body})
			case string:
				// Shorthand "id: type" or "id: source"
				out = append(out, idEntry{id: k, body: map[string]any{"type": body, "__scalar__": body}})
			default:
				out = append(out, idEntry{id: k, body: map[string]any{}})
			}
		}
		return out, nil
	case []any:
		out := make([]idEntry, 0, len(x))
		for _, item := range x {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("expected record with id, got %T", item)
			}
			id, _ := m["id"].(string)
			if id == "" {
				return nil, fmt.Errorf("record missing id")
			}
			out = append(out, idEntry{id: strings.TrimPrefix(id, "#"), body: m})
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected map or list, got %T", raw)
}

func stringList(raw any) []string {
	switch x := raw.(type) {
	case nil:
		return nil
	case string:
		return []string{x}
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			out = append(out, fmt.Sprintf("%v", e))
		}
		return out
	}
	return nil
}

func anyList(raw any) []any {
	if l, ok := raw.([]any); ok {
		return l
	}
	return nil
}

func intList(raw any) []int {
	var out []int
	for _, e := range anyList(raw) {
		if v, ok := asInt(e); ok {
			out = append(out, v)
		}
	}
	return out
}

func asInt(raw any) (int, bool) {
	switch x := raw.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case float64:
		return int(x), true
	}
	return 0, false
}
