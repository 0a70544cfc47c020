// Package validate checks execute request inputs against a process's
// reconciled I/O definitions and decodes them into engine values.
package validate

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/telluric-io/tern/pkg/fault"
	"github.com/telluric-io/tern/pkg/types"
)

// Inputs validates the raw execute inputs document against the process
// input definitions and returns the decoded values.
func Inputs(raw map[string]any, defs []types.IODef) (map[string]types.Value, error) {
	sch, err := compile(defs)
	if err != nil {
		return nil, err
	}
	if err := sch.Validate(normalize(raw)); err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "execute request invalid")
	}

	byID := make(map[string]*types.IODef, len(defs))
	for i := range defs {
		byID[defs[i].ID] = &defs[i]
	}

	out := make(map[string]types.Value, len(raw))
	for id, v := range raw {
		def, ok := byID[id]
		if !ok {
			return nil, fault.New(fault.KindValidation, "unknown input %q", id)
		}
		val, err := decode(v, def)
		if err != nil {
			return nil, err
		}
		out[id] = val
	}

	// Defaults for omitted optional inputs with a declared default
	for i := range defs {
		d := &defs[i]
		if _, present := out[d.ID]; !present && d.DefaultValue != nil {
			out[d.ID] = types.Lit(d.DefaultValue)
		}
	}
	return out, nil
}

// compile builds and compiles the JSON schema for the input definitions.
func compile(defs []types.IODef) (*jsonschema.Schema, error) {
	doc := Schema(defs)
	c := jsonschema.NewCompiler()
	if err := c.AddResource("inputs.json", doc); err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "failed to register input schema")
	}
	sch, err := c.Compile("inputs.json")
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "failed to compile input schema")
	}
	return sch, nil
}

// Schema renders the JSON Schema document for a set of input definitions.
func Schema(defs []types.IODef) map[string]any {
	props := make(map[string]any, len(defs))
	var required []any
	for i := range defs {
		d := &defs[i]
		props[d.ID] = ioSchema(d)
		if d.Required() && d.DefaultValue == nil {
			required = append(required, d.ID)
		}
	}
	doc := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}

func ioSchema(d *types.IODef) map[string]any {
	item := singleSchema(d)
	if !d.Array() {
		return item
	}
	arr := map[string]any{
		"type":  "array",
		"items": item,
	}
	if d.MinOccurs > 1 {
		arr["minItems"] = float64(d.MinOccurs)
	}
	if d.MaxOccurs != types.UnboundedOccurs {
		arr["maxItems"] = float64(d.MaxOccurs)
	}
	// A single bare value is accepted for arrays and wrapped on decode
	return map[string]any{"oneOf": []any{item, arr}}
}

func singleSchema(d *types.IODef) map[string]any {
	switch d.Kind {
	case types.IOComplex:
		return map[string]any{
			"oneOf": []any{
				map[string]any{
					"type":       "object",
					"properties": map[string]any{"href": map[string]any{"type": "string"}},
					"required":   []any{"href"},
				},
				map[string]any{
					"type":     "object",
					"required": []any{"value"},
				},
				map[string]any{"type": "string"},
			},
		}
	case types.IOBBox:
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				"bbox": map[string]any{
					"type":     "array",
					"items":    map[string]any{"type": "number"},
					"minItems": float64(4),
				},
				"crs": map[string]any{"type": "string"},
			},
			"required": []any{"bbox"},
		}
	}
	return literalSchema(d)
}

func literalSchema(d *types.IODef) map[string]any {
	s := map[string]any{}
	switch d.DataType {
	case types.TypeInt:
		s["type"] = "integer"
	case types.TypeFloat, types.TypeMeasure:
		s["type"] = "number"
	case types.TypeBoolean:
		s["type"] = "boolean"
	default:
		s["type"] = "string"
	}
	if len(d.AllowedValues) > 0 {
		vals := make([]any, len(d.AllowedValues))
		for i, v := range d.AllowedValues {
			vals[i] = v
		}
		s["enum"] = vals
	}
	if r := d.AllowedRange; r != nil {
		if r.Min != nil {
			key := "minimum"
			if r.MinExclusive {
				key = "exclusiveMinimum"
			}
			s[key] = *r.Min
		}
		if r.Max != nil {
			key := "maximum"
			if r.MaxExclusive {
				key = "exclusiveMaximum"
			}
			s[key] = *r.Max
		}
	}
	return s
}

// decode converts one raw input into an engine value per its definition.
func decode(raw any, d *types.IODef) (types.Value, error) {
	if arr, ok := raw.([]any); ok {
		if !d.Array() {
			return types.Value{}, fault.New(fault.KindValidation, "input %q does not accept multiple values", d.ID)
		}
		vals := make([]types.Value, len(arr))
		for i, el := range arr {
			v, err := decode(el, d)
			if err != nil {
				return types.Value{}, err
			}
			vals[i] = v
		}
		return types.Value{Kind: types.ValueArray, Array: vals}, nil
	}

	switch d.Kind {
	case types.IOComplex:
		return decodeComplex(raw, d)
	case types.IOBBox:
		return decodeBBox(raw, d)
	}
	return types.Lit(raw), nil
}

func decodeComplex(raw any, d *types.IODef) (types.Value, error) {
	switch x := raw.(type) {
	case map[string]any:
		if href, ok := x["href"].(string); ok {
			mt, _ := x["type"].(string)
			return types.Ref(href, mt), nil
		}
		if val, ok := x["value"]; ok {
			mt, _ := x["mediaType"].(string)
			body, err := inlineBody(val)
			if err != nil {
				return types.Value{}, fault.Wrap(fault.KindValidation, err, "input %q inline value", d.ID)
			}
			return types.Value{Kind: types.ValueComplex, Complex: &types.Complex{Body: body, MediaType: mt}}, nil
		}
		return types.Value{}, fault.New(fault.KindValidation, "input %q must carry href or value", d.ID)
	case string:
		// Bare string for a complex input is an inline body
		return types.Value{Kind: types.ValueComplex, Complex: &types.Complex{Body: x}}, nil
	}
	return types.Value{}, fault.New(fault.KindValidation, "input %q is not a complex value", d.ID)
}

func decodeBBox(raw any, d *types.IODef) (types.Value, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return types.Value{}, fault.New(fault.KindValidation, "input %q is not a bbox", d.ID)
	}
	coordsRaw, _ := m["bbox"].([]any)
	coords := make([]float64, 0, len(coordsRaw))
	for _, c := range coordsRaw {
		f, ok := c.(float64)
		if !ok {
			return types.Value{}, fault.New(fault.KindValidation, "input %q bbox coordinates must be numbers", d.ID)
		}
		coords = append(coords, f)
	}
	crs, _ := m["crs"].(string)
	return types.Value{Kind: types.ValueBBox, BBox: &types.BBox{CRS: crs, Coords: coords}}, nil
}

func inlineBody(val any) (string, error) {
	if s, ok := val.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(val)
	if err != nil {
		return "", fmt.Errorf("not serializable: %w", err)
	}
	return string(b), nil
}

// normalize re-marshals through encoding/json so numeric types match what
// the schema validator expects.
func normalize(raw map[string]any) any {
	b, err := json.Marshal(raw)
	if err != nil {
		return raw
	}
	v, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		return raw
	}
	return v
}
