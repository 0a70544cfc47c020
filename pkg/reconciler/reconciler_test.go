package reconciler

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telluric-io/tern/pkg/cwl"
	"github.com/telluric-io/tern/pkg/fault"
	"github.com/telluric-io/tern/pkg/types"
)

func mustParse(t *testing.T, src string) *cwl.Package {
	t.Helper()
	p, err := cwl.Parse([]byte(src))
	require.NoError(t, err)
	return p
}

const arrayEnumTool = `
class: CommandLineTool
baseCommand: calc
inputs:
  op:
    type:
      type: enum
      symbols: [add, sub]
  values:
    type:
      type: array
      items: float
outputs:
  result:
    type: File
    outputBinding:
      glob: result.json
`

func TestReconcileArrayAndEnum(t *testing.T) {
	pkg := mustParse(t, arrayEnumTool)

	inputs, outputs, err := Reconcile(nil, nil, pkg)
	require.NoError(t, err)
	require.Len(t, inputs, 2)

	op := inputs[0]
	assert.Equal(t, "op", op.ID)
	assert.Equal(t, types.IOLiteral, op.Kind)
	assert.Equal(t, []string{"add", "sub"}, op.AllowedValues)
	assert.Equal(t, 1, op.MinOccurs)
	assert.Equal(t, 1, op.MaxOccurs)

	values := inputs[1]
	assert.Equal(t, "values", values.ID)
	assert.Equal(t, types.TypeFloat, values.DataType)
	assert.Equal(t, 1, values.MinOccurs)
	assert.Equal(t, types.UnboundedOccurs, values.MaxOccurs)

	require.Len(t, outputs, 1)
	assert.Equal(t, types.IOComplex, outputs[0].Kind)
	// Complex with no declared formats gets the text/plain default
	require.Len(t, outputs[0].Formats, 1)
	assert.Equal(t, "text/plain", outputs[0].Formats[0].MediaType)
	assert.True(t, outputs[0].Formats[0].Default)
}

func TestReconcileDescriptionOnlyIsRejected(t *testing.T) {
	pkg := mustParse(t, arrayEnumTool)

	desc := []types.IODef{{ID: "ghost", Kind: types.IOLiteral}}
	_, _, err := Reconcile(desc, nil, pkg)
	require.Error(t, err)
	assert.Equal(t, fault.KindIOReconcile, fault.KindOf(err))
}

func TestReconcileDescriptionMetadataWins(t *testing.T) {
	pkg := mustParse(t, `
class: CommandLineTool
baseCommand: go
inputs:
  depth:
    type: int
    default: 2
outputs:
  out:
    type: File
    format: http://edamontology.org/format_3464
`)

	desc := []types.IODef{{
		ID:           "depth",
		Title:        "Search depth",
		DefaultValue: float64(5),
	}}
	descOut := []types.IODef{{
		ID:      "out",
		Formats: []types.Format{{MediaType: "application/json", Default: true}},
	}}

	inputs, outputs, err := Reconcile(desc, descOut, pkg)
	require.NoError(t, err)

	require.Len(t, inputs, 1)
	assert.Equal(t, "Search depth", inputs[0].Title)
	assert.Equal(t, float64(5), inputs[0].DefaultValue)
	// A default implies the input is optional
	assert.Equal(t, 0, inputs[0].MinOccurs)

	// EDAM JSON format deduplicates against the described media type
	require.Len(t, outputs, 1)
	require.Len(t, outputs[0].Formats, 1)
	assert.Equal(t, "application/json", outputs[0].Formats[0].MediaType)
}

func TestReconcileOptionalUnion(t *testing.T) {
	pkg := mustParse(t, `
class: CommandLineTool
baseCommand: tool
inputs:
  extra:
    type: ["null", string]
outputs: {}
`)
	inputs, _, err := Reconcile(nil, nil, pkg)
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	assert.Equal(t, 0, inputs[0].MinOccurs)
}

func TestReconcileDeterministic(t *testing.T) {
	pkg := mustParse(t, arrayEnumTool)

	first, _, err := Reconcile(nil, nil, pkg)
	require.NoError(t, err)
	second, _, err := Reconcile(nil, nil, pkg)
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestMediaTypeResolution(t *testing.T) {
	assert.Equal(t, "application/json", MediaTypeFromFormat("http://edamontology.org/format_3464"))
	assert.Equal(t, "image/tiff", MediaTypeFromFormat("https://www.iana.org/assignments/media-types/image/tiff"))
	assert.Equal(t, "text/csv", MediaTypeFromFormat("text/csv"))
	assert.Equal(t, "", MediaTypeFromFormat("http://edamontology.org/format_9999"))

	assert.Equal(t, "application/geo+json", MediaTypeFromExtension("https://example.com/area.geojson"))
	assert.Equal(t, "", MediaTypeFromExtension("no-extension"))
}
