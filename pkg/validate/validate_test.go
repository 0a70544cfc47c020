package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telluric-io/tern/pkg/fault"
	"github.com/telluric-io/tern/pkg/types"
)

func defs() []types.IODef {
	return []types.IODef{
		{
			ID:        "scene",
			Kind:      types.IOComplex,
			MinOccurs: 1,
			MaxOccurs: 1,
			Formats:   []types.Format{{MediaType: "image/tiff", Default: true}},
		},
		{
			ID:            "mode",
			Kind:          types.IOLiteral,
			DataType:      types.TypeString,
			AllowedValues: []string{"fast", "accurate"},
			MinOccurs:     0,
			MaxOccurs:     1,
			DefaultValue:  "fast",
		},
		{
			ID:        "bands",
			Kind:      types.IOLiteral,
			DataType:  types.TypeInt,
			MinOccurs: 1,
			MaxOccurs: types.UnboundedOccurs,
		},
		{
			ID:        "aoi",
			Kind:      types.IOBBox,
			MinOccurs: 0,
			MaxOccurs: 1,
		},
	}
}

func TestInputsValid(t *testing.T) {
	out, err := Inputs(map[string]any{
		"scene": map[string]any{"href": "https://example.com/s.tif", "type": "image/tiff"},
		"mode":  "accurate",
		"bands": []any{float64(1), float64(2)},
		"aoi":   map[string]any{"bbox": []any{float64(-10), float64(40), float64(5), float64(52)}, "crs": "EPSG:4326"},
	}, defs())
	require.NoError(t, err)

	assert.Equal(t, "https://example.com/s.tif", out["scene"].Complex.Href)
	assert.Equal(t, "accurate", out["mode"].Literal)
	require.Equal(t, types.ValueArray, out["bands"].Kind)
	assert.Len(t, out["bands"].Array, 2)
	require.NotNil(t, out["aoi"].BBox)
	assert.Equal(t, "EPSG:4326", out["aoi"].BBox.CRS)
}

func TestInputsDefaultApplied(t *testing.T) {
	out, err := Inputs(map[string]any{
		"scene": map[string]any{"href": "https://example.com/s.tif"},
		"bands": float64(1),
	}, defs())
	require.NoError(t, err)
	assert.Equal(t, "fast", out["mode"].Literal)
}

func TestInputsMissingRequired(t *testing.T) {
	_, err := Inputs(map[string]any{
		"scene": map[string]any{"href": "https://example.com/s.tif"},
	}, defs())
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestInputsUnknownInputRejected(t *testing.T) {
	_, err := Inputs(map[string]any{
		"scene": map[string]any{"href": "https://example.com/s.tif"},
		"bands": float64(1),
		"bogus": "x",
	}, defs())
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestInputsEnumViolation(t *testing.T) {
	_, err := Inputs(map[string]any{
		"scene": map[string]any{"href": "https://example.com/s.tif"},
		"bands": float64(1),
		"mode":  "turbo",
	}, defs())
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestInputsTypeMismatch(t *testing.T) {
	_, err := Inputs(map[string]any{
		"scene": map[string]any{"href": "https://example.com/s.tif"},
		"bands": "not-a-number",
	}, defs())
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestInputsSingleValueForArrayWrapped(t *testing.T) {
	out, err := Inputs(map[string]any{
		"scene": map[string]any{"href": "https://example.com/s.tif"},
		"bands": float64(3),
	}, defs())
	require.NoError(t, err)
	// A bare value for an array input stays a single value; the executor
	// handles both shapes.
	assert.Equal(t, types.ValueLiteral, out["bands"].Kind)
}

func TestInputsInlineComplexValue(t *testing.T) {
	d := []types.IODef{{
		ID: "config", Kind: types.IOComplex, MinOccurs: 1, MaxOccurs: 1,
	}}
	out, err := Inputs(map[string]any{
		"config": map[string]any{"value": map[string]any{"threshold": float64(3)}, "mediaType": "application/json"},
	}, d)
	require.NoError(t, err)
	assert.JSONEq(t, `{"threshold":3}`, out["config"].Complex.Body)
	assert.Equal(t, "application/json", out["config"].Complex.MediaType)
}

func TestInputsRangeViolation(t *testing.T) {
	minV, maxV := 0.0, 1.0
	d := []types.IODef{{
		ID: "threshold", Kind: types.IOLiteral, DataType: types.TypeFloat,
		AllowedRange: &types.AllowedRange{Min: &minV, Max: &maxV},
		MinOccurs:    1, MaxOccurs: 1,
	}}
	_, err := Inputs(map[string]any{"threshold": float64(2)}, d)
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}
