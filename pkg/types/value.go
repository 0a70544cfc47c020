package types

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ValueKind discriminates the Value variant
type ValueKind string

const (
	ValueLiteral ValueKind = "literal"
	ValueComplex ValueKind = "complex"
	ValueArray   ValueKind = "array"
	ValueBBox    ValueKind = "bbox"
)

// Complex is a staged or referenced file value
type Complex struct {
	Href      string `json:"href,omitempty"` // original reference, if any
	Path      string `json:"path,omitempty"` // local staged path, if fetched
	MediaType string `json:"mediaType,omitempty"`
	Body      string `json:"body,omitempty"` // inline value, if provided inline
}

// BBox is a bounding box value
type BBox struct {
	CRS    string    `json:"crs,omitempty"`
	Coords []float64 `json:"bbox"`
}

// Value is the tagged variant carried across every component boundary.
// Exactly one of the payload fields is set, per Kind.
type Value struct {
	Kind    ValueKind `json:"kind"`
	Literal any       `json:"literal,omitempty"` // int64, float64, string or bool
	Complex *Complex  `json:"complex,omitempty"`
	Array   []Value   `json:"array,omitempty"`
	BBox    *BBox     `json:"bbox,omitempty"`
}

// Lit builds a literal value.
func Lit(v any) Value {
	return Value{Kind: ValueLiteral, Literal: v}
}

// Ref builds a complex value from a reference.
func Ref(href, mediaType string) Value {
	return Value{Kind: ValueComplex, Complex: &Complex{Href: href, MediaType: mediaType}}
}

// File builds a complex value from a staged local path.
func File(path, mediaType string) Value {
	return Value{Kind: ValueComplex, Complex: &Complex{Path: path, MediaType: mediaType}}
}

// Arr builds an array value.
func Arr(vals ...Value) Value {
	return Value{Kind: ValueArray, Array: vals}
}

// String renders the value for command-line binding.
func (v Value) String() string {
	switch v.Kind {
	case ValueLiteral:
		switch x := v.Literal.(type) {
		case string:
			return x
		case bool:
			return strconv.FormatBool(x)
		case int64:
			return strconv.FormatInt(x, 10)
		case int:
			return strconv.Itoa(x)
		case float64:
			return strconv.FormatFloat(x, 'g', -1, 64)
		default:
			return fmt.Sprintf("%v", x)
		}
	case ValueComplex:
		if v.Complex == nil {
			return ""
		}
		if v.Complex.Path != "" {
			return v.Complex.Path
		}
		return v.Complex.Href
	case ValueBBox:
		if v.BBox == nil {
			return ""
		}
		b, _ := json.Marshal(v.BBox.Coords)
		return string(b)
	case ValueArray:
		b, _ := json.Marshal(v)
		return string(b)
	}
	return ""
}

// Interface exposes the value as a plain Go value for expression evaluation.
func (v Value) Interface() any {
	switch v.Kind {
	case ValueLiteral:
		return v.Literal
	case ValueComplex:
		if v.Complex == nil {
			return nil
		}
		m := map[string]any{"class": "File"}
		if v.Complex.Path != "" {
			m["path"] = v.Complex.Path
		}
		if v.Complex.Href != "" {
			m["location"] = v.Complex.Href
		}
		if v.Complex.MediaType != "" {
			m["format"] = v.Complex.MediaType
		}
		return m
	case ValueArray:
		out := make([]any, len(v.Array))
		for i, e := range v.Array {
			out[i] = e.Interface()
		}
		return out
	case ValueBBox:
		if v.BBox == nil {
			return nil
		}
		return map[string]any{"crs": v.BBox.CRS, "bbox": v.BBox.Coords}
	}
	return nil
}
