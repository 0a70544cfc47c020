package manager

import (
	"sort"
	"strings"

	"github.com/telluric-io/tern/pkg/types"
)

// descIODefs parses the I/O section of an OGC process description into
// partial IODefs for reconciliation. Both the map form (id to definition)
// and the list form (definitions carrying "id") are accepted; map entries
// are ordered by id so descriptions reconcile deterministically.
func descIODefs(raw any) []types.IODef {
	var out []types.IODef
	switch v := raw.(type) {
	case map[string]any:
		ids := make([]string, 0, len(v))
		for id := range v {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			if def, ok := v[id].(map[string]any); ok {
				out = append(out, descIODef(id, def))
			}
		}
	case []any:
		for _, item := range v {
			if def, ok := item.(map[string]any); ok {
				if id := stringField(def, "id"); id != "" {
					out = append(out, descIODef(id, def))
				}
			}
		}
	}
	return out
}

func descIODef(id string, def map[string]any) types.IODef {
	d := types.IODef{
		ID:          id,
		Title:       stringField(def, "title"),
		Description: stringField(def, "description"),
		MinOccurs:   1,
		MaxOccurs:   1,
	}
	if n, ok := numberField(def, "minOccurs"); ok {
		d.MinOccurs = int(n)
	}
	switch max := def["maxOccurs"].(type) {
	case string:
		if strings.EqualFold(max, "unbounded") {
			d.MaxOccurs = types.UnboundedOccurs
		}
	default:
		if n, ok := numberField(def, "maxOccurs"); ok {
			d.MaxOccurs = int(n)
		}
	}

	schema, _ := def["schema"].(map[string]any)
	applySchema(&d, schema)
	return d
}

// applySchema maps a JSON-schema fragment onto the partial definition.
// Array wrappers are unwrapped into multiplicity; oneOf alternatives with
// contentMediaType become accepted formats.
func applySchema(d *types.IODef, schema map[string]any) {
	if schema == nil {
		return
	}
	if items, ok := schema["items"].(map[string]any); ok && stringField(schema, "type") == "array" {
		if d.MaxOccurs == 1 {
			d.MaxOccurs = types.UnboundedOccurs
		}
		if n, ok := numberField(schema, "minItems"); ok {
			d.MinOccurs = int(n)
		}
		if n, ok := numberField(schema, "maxItems"); ok {
			d.MaxOccurs = int(n)
		}
		schema = items
	}

	if alts, ok := schema["oneOf"].([]any); ok {
		for _, alt := range alts {
			m, ok := alt.(map[string]any)
			if !ok {
				continue
			}
			if mt := stringField(m, "contentMediaType"); mt != "" {
				d.Formats = append(d.Formats, types.Format{
					MediaType: mt,
					Encoding:  stringField(m, "contentEncoding"),
					Schema:    stringField(m, "contentSchema"),
					Default:   len(d.Formats) == 0,
				})
			}
		}
		if len(d.Formats) > 0 {
			return
		}
	}

	if mt := stringField(schema, "contentMediaType"); mt != "" {
		d.Formats = append(d.Formats, types.Format{
			MediaType: mt,
			Encoding:  stringField(schema, "contentEncoding"),
			Schema:    stringField(schema, "contentSchema"),
			Default:   true,
		})
	}

	switch stringField(schema, "format") {
	case "ogc-bbox":
		return
	case "date-time":
		d.DataType = types.TypeDateTime
	case "duration":
		d.DataType = types.TypeDuration
	case "uri":
		d.DataType = types.TypeURI
	default:
		switch stringField(schema, "type") {
		case "integer":
			d.DataType = types.TypeInt
		case "number":
			d.DataType = types.TypeFloat
		case "boolean":
			d.DataType = types.TypeBoolean
		case "string":
			d.DataType = types.TypeString
		}
	}

	for _, v := range stringSlice(schema["enum"]) {
		d.AllowedValues = append(d.AllowedValues, v)
	}
	var rng types.AllowedRange
	bounded := false
	if n, ok := numberField(schema, "minimum"); ok {
		rng.Min = &n
		bounded = true
	}
	if n, ok := numberField(schema, "maximum"); ok {
		rng.Max = &n
		bounded = true
	}
	if bounded {
		d.AllowedRange = &rng
	}
	if uom := stringField(schema, "uom"); uom != "" {
		d.UOM = uom
	}
	if dv, ok := schema["default"]; ok {
		d.DefaultValue = dv
	}
}
