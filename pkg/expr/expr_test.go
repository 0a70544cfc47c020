package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEnv() Env {
	return Env{
		Inputs: map[string]any{
			"message": "hello",
			"count":   float64(3),
			"flag":    true,
			"values":  []any{float64(1), float64(2), float64(3)},
			"file": map[string]any{
				"class": "File",
				"path":  "/data/in.txt",
			},
		},
		Self: "out.txt",
		Runtime: map[string]any{
			"outdir": "/work/out",
			"tmpdir": "/work/tmp",
			"cores":  float64(2),
			"ram":    float64(1024),
		},
		Extended: true,
	}
}

func TestEvalParameterReferences(t *testing.T) {
	env := testEnv()

	v, err := Eval("inputs.message", env)
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	v, err = Eval("runtime.outdir", env)
	require.NoError(t, err)
	assert.Equal(t, "/work/out", v)

	v, err = Eval("self", env)
	require.NoError(t, err)
	assert.Equal(t, "out.txt", v)

	v, err = Eval("inputs.file.path", env)
	require.NoError(t, err)
	assert.Equal(t, "/data/in.txt", v)
}

func TestEvalArithmeticAndComparison(t *testing.T) {
	env := testEnv()

	v, err := Eval("inputs.count * 2 + 1", env)
	require.NoError(t, err)
	assert.Equal(t, float64(7), v)

	v, err = Eval("runtime.cores >= 2", env)
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = Eval("inputs.count == 3 && inputs.flag", env)
	require.NoError(t, err)
	assert.Equal(t, true, v)

	_, err = Eval("1 / 0", env)
	assert.Error(t, err)
}

func TestEvalTernary(t *testing.T) {
	env := testEnv()

	v, err := Eval("inputs.count > 2 ? 'big' : 'small'", env)
	require.NoError(t, err)
	assert.Equal(t, "big", v)

	v, err = Eval("inputs.count > 10 ? 'big' : 'small'", env)
	require.NoError(t, err)
	assert.Equal(t, "small", v)
}

func TestEvalStringMethods(t *testing.T) {
	env := testEnv()

	v, err := Eval("inputs.message.replace('l', 'L')", env)
	require.NoError(t, err)
	assert.Equal(t, "heLLo", v)

	v, err = Eval("'a,b,c'.split(',')", env)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, v)

	v, err = Eval("self.split('.')[0]", env)
	require.NoError(t, err)
	assert.Equal(t, "out", v)
}

func TestEvalArrayMethods(t *testing.T) {
	env := testEnv()

	v, err := Eval("inputs.values.join('-')", env)
	require.NoError(t, err)
	assert.Equal(t, "1-2-3", v)

	v, err = Eval("inputs.values.map(x => x * 10).join(',')", env)
	require.NoError(t, err)
	assert.Equal(t, "10,20,30", v)

	v, err = Eval("inputs.values.filter(x => x > 1).length", env)
	require.NoError(t, err)
	assert.Equal(t, float64(2), v)
}

func TestEvalFailsClosedOnUnknownIdentifiers(t *testing.T) {
	env := testEnv()

	_, err := Eval("inputs.missing", env)
	assert.Error(t, err)

	_, err = Eval("globals.anything", env)
	assert.Error(t, err)

	_, err = Eval("inputs.file.owner", env)
	assert.Error(t, err)
}

func TestInterpolate(t *testing.T) {
	env := testEnv()

	// A lone reference keeps its type
	v, err := Interpolate("$(inputs.count)", env)
	require.NoError(t, err)
	assert.Equal(t, float64(3), v)

	// Embedded references are stringified
	v, err = Interpolate("$(runtime.outdir)/$(inputs.message).txt", env)
	require.NoError(t, err)
	assert.Equal(t, "/work/out/hello.txt", v)

	// Plain strings pass through
	v, err = Interpolate("no references here", env)
	require.NoError(t, err)
	assert.Equal(t, "no references here", v)

	_, err = Interpolate("$(inputs.message", env)
	assert.Error(t, err)
}

func TestExtendedGrammarGated(t *testing.T) {
	env := testEnv()
	env.Extended = false

	// Bare references stay available without the inline-expression hint
	v, err := Eval("inputs.file.path", env)
	require.NoError(t, err)
	assert.Equal(t, "/data/in.txt", v)

	v, err = Interpolate("$(runtime.outdir)/$(inputs.message).txt", env)
	require.NoError(t, err)
	assert.Equal(t, "/work/out/hello.txt", v)

	// Anything computed is refused
	for _, src := range []string{
		"inputs.count * 2",
		"inputs.count > 2 ? 'big' : 'small'",
		"inputs.message.replace('l', 'L')",
		"inputs.values.map(x => x * 10)",
	} {
		_, err := Eval(src, env)
		assert.Error(t, err, src)
	}
}

func TestEvalBudget(t *testing.T) {
	env := Env{Inputs: map[string]any{"big": makeBig(500)}, Extended: true}
	// Nested maps over a large array burn through the budget
	_, err := Eval("inputs.big.map(x => inputs.big.map(y => inputs.big.map(z => x)))", env)
	assert.Error(t, err)
}

func makeBig(n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = float64(i)
	}
	return out
}
