// Package reconciler merges the declarative process-description I/O with the
// I/O declared by the Application Package into one canonical model. The
// merge is pure: the same inputs always produce the same canonical list,
// byte-for-byte after serialization.
package reconciler

import (
	"github.com/telluric-io/tern/pkg/cwl"
	"github.com/telluric-io/tern/pkg/fault"
	"github.com/telluric-io/tern/pkg/types"
)

// apIO is the protocol-neutral view of one AP-declared input or output.
type apIO struct {
	id      string
	label   string
	doc     string
	typ     cwl.Type
	def     any
	formats []string
}

// Reconcile merges both I/O lists of a process against its package.
func Reconcile(descInputs, descOutputs []types.IODef, pkg *cwl.Package) (inputs, outputs []types.IODef, err error) {
	apIn := make([]apIO, len(pkg.Inputs))
	for i, in := range pkg.Inputs {
		apIn[i] = apIO{id: in.ID, label: in.Label, doc: in.Doc, typ: in.Type, def: in.Default, formats: in.Format}
	}
	apOut := make([]apIO, len(pkg.Outputs))
	for i, out := range pkg.Outputs {
		apOut[i] = apIO{id: out.ID, label: out.Label, doc: out.Doc, typ: out.Type, formats: out.Format}
	}

	inputs, err = merge(descInputs, apIn)
	if err != nil {
		return nil, nil, err
	}
	outputs, err = merge(descOutputs, apOut)
	if err != nil {
		return nil, nil, err
	}
	return inputs, outputs, nil
}

// merge applies the reconciliation rules in order: union by id, reject
// description-only entries, map types, derive multiplicity, union formats,
// resolve defaults, and keep description order with AP-only entries appended.
func merge(desc []types.IODef, ap []apIO) ([]types.IODef, error) {
	apByID := make(map[string]*apIO, len(ap))
	for i := range ap {
		apByID[ap[i].id] = &ap[i]
	}

	seen := make(map[string]bool, len(desc))
	out := make([]types.IODef, 0, len(ap))

	// Description entries first, in description order
	for _, d := range desc {
		a, ok := apByID[d.ID]
		if !ok {
			return nil, fault.New(fault.KindIOReconcile, "described I/O %q has no package counterpart", d.ID)
		}
		merged, err := mergeOne(&d, a)
		if err != nil {
			return nil, err
		}
		out = append(out, merged)
		seen[d.ID] = true
	}

	// AP-only entries appended in AP order with minimum metadata
	for i := range ap {
		a := &ap[i]
		if seen[a.id] {
			continue
		}
		merged, err := mergeOne(nil, a)
		if err != nil {
			return nil, err
		}
		out = append(out, merged)
	}
	return out, nil
}

func mergeOne(d *types.IODef, a *apIO) (types.IODef, error) {
	io := types.IODef{ID: a.id, MinOccurs: 1, MaxOccurs: 1}

	// Kind and data type from the AP declaration
	switch a.typ.Name {
	case "File", "Directory":
		io.Kind = types.IOComplex
	case "enum":
		io.Kind = types.IOLiteral
		io.DataType = types.TypeString
		io.AllowedValues = a.typ.Symbols
	case "int", "long":
		io.Kind = types.IOLiteral
		io.DataType = types.TypeInt
	case "float", "double":
		io.Kind = types.IOLiteral
		io.DataType = types.TypeFloat
	case "boolean":
		io.Kind = types.IOLiteral
		io.DataType = types.TypeBoolean
	case "string":
		io.Kind = types.IOLiteral
		io.DataType = types.TypeString
	default:
		return io, fault.New(fault.KindIOReconcile, "I/O %q has unsupported package type %q", a.id, a.typ.Name)
	}

	// Multiplicity: arrays widen maxOccurs, optionality lowers minOccurs
	if a.typ.IsArray {
		io.MaxOccurs = types.UnboundedOccurs
		if d != nil && d.MaxOccurs != 0 {
			io.MaxOccurs = d.MaxOccurs
		}
	}
	if a.typ.Optional {
		io.MinOccurs = 0
	}
	if d != nil && d.MinOccurs != io.MinOccurs && !a.typ.Optional {
		io.MinOccurs = d.MinOccurs
	}

	// Metadata: description wins, AP fills gaps, id backstops the title
	if d != nil && d.Title != "" {
		io.Title = d.Title
	} else if a.label != "" {
		io.Title = a.label
	} else {
		io.Title = a.id
	}
	if d != nil && d.Description != "" {
		io.Description = d.Description
	} else {
		io.Description = a.doc
	}
	if d != nil {
		if len(d.AllowedValues) > 0 {
			io.AllowedValues = d.AllowedValues
		}
		io.AllowedRange = d.AllowedRange
		io.UOM = d.UOM
		if d.UOM != "" {
			io.DataType = types.TypeMeasure
		}
		if d.DataType != "" {
			io.DataType = d.DataType
		}
	}

	// Formats: union deduplicated by media type, AP first only when the
	// description declares none
	io.Formats = mergeFormats(descFormats(d), a.formats)
	if io.Kind == types.IOComplex && len(io.Formats) == 0 {
		io.Formats = []types.Format{{MediaType: "text/plain", Default: true}}
	}

	// Defaults: description value overrides the AP default
	if d != nil && d.DefaultValue != nil {
		io.DefaultValue = d.DefaultValue
	} else if a.def != nil {
		io.DefaultValue = a.def
	}
	if io.DefaultValue != nil {
		io.MinOccurs = 0
	}

	return io, nil
}

func descFormats(d *types.IODef) []types.Format {
	if d == nil {
		return nil
	}
	return d.Formats
}

func mergeFormats(desc []types.Format, apRefs []string) []types.Format {
	var out []types.Format
	seen := make(map[string]bool)
	add := func(f types.Format) {
		if f.MediaType == "" || seen[f.MediaType] {
			return
		}
		seen[f.MediaType] = true
		out = append(out, f)
	}
	for _, f := range desc {
		add(f)
	}
	for _, ref := range apRefs {
		if mt := MediaTypeFromFormat(ref); mt != "" {
			add(types.Format{MediaType: mt, Schema: ref})
		}
	}
	if len(out) > 0 {
		// Exactly one default format
		hasDefault := false
		for i := range out {
			if out[i].Default {
				if hasDefault {
					out[i].Default = false
				}
				hasDefault = true
			}
		}
		if !hasDefault {
			out[0].Default = true
		}
	}
	return out
}
