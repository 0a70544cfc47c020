package executor

import (
	"fmt"
	"sort"

	"github.com/telluric-io/tern/pkg/cwl"
	"github.com/telluric-io/tern/pkg/expr"
	"github.com/telluric-io/tern/pkg/fault"
	"github.com/telluric-io/tern/pkg/types"
)

// assembleCommand builds the full argv: baseCommand, then arguments, then
// bound inputs ordered by (position, input id).
func assembleCommand(pkg *cwl.Package, staged map[string]stagedInput, env expr.Env) ([]string, error) {
	argv := append([]string{}, pkg.BaseCommand...)
	if len(argv) == 0 {
		return nil, fault.New(fault.KindPackageExecution, "package has no baseCommand")
	}

	for _, arg := range pkg.Arguments {
		if expr.HasRef(arg) {
			v, err := expr.Interpolate(arg, env)
			if err != nil {
				return nil, fault.Wrap(fault.KindPackageExecution, err, "failed to evaluate argument %q", arg)
			}
			argv = append(argv, valueString(v))
			continue
		}
		argv = append(argv, arg)
	}

	bound := boundInputs(pkg, staged)
	for _, b := range bound {
		tokens, err := bindTokens(b.input, b.value, env)
		if err != nil {
			return nil, err
		}
		argv = append(argv, tokens...)
	}
	return argv, nil
}

type boundInput struct {
	input cwl.Input
	value types.Value
}

// boundInputs selects inputs with a binding, ordered by position then id.
func boundInputs(pkg *cwl.Package, staged map[string]stagedInput) []boundInput {
	var out []boundInput
	for _, in := range pkg.Inputs {
		if in.Binding == nil {
			continue
		}
		s, ok := staged[in.ID]
		if !ok {
			continue
		}
		out = append(out, boundInput{input: in, value: s.container})
	}
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].input.Binding.Position, out[j].input.Binding.Position
		if pi != pj {
			return pi < pj
		}
		return out[i].input.ID < out[j].input.ID
	})
	return out
}

// bindTokens renders one bound input to its command-line tokens.
func bindTokens(in cwl.Input, v types.Value, env expr.Env) ([]string, error) {
	b := in.Binding

	if b.ValueFrom != "" {
		scoped := env
		scoped.Self = v.Interface()
		ev, err := expr.Interpolate(b.ValueFrom, scoped)
		if err != nil {
			return nil, fault.Wrap(fault.KindPackageExecution, err, "failed to evaluate valueFrom for %q", in.ID)
		}
		v = fromInterface(ev)
	}

	// Booleans are flags: true emits the prefix alone, false emits nothing
	if lit, ok := v.Literal.(bool); ok && v.Kind == types.ValueLiteral {
		if !lit {
			return nil, nil
		}
		if b.Prefix != "" {
			return []string{b.Prefix}, nil
		}
		return nil, nil
	}

	if v.Kind == types.ValueArray {
		return bindArray(in, v, b)
	}

	s := v.String()
	if b.Prefix == "" {
		return []string{s}, nil
	}
	if b.SeparateFlag() {
		return []string{b.Prefix, s}, nil
	}
	return []string{b.Prefix + s}, nil
}

func bindArray(in cwl.Input, v types.Value, b *cwl.Binding) ([]string, error) {
	if len(v.Array) == 0 {
		return nil, nil
	}
	items := make([]string, len(v.Array))
	for i, el := range v.Array {
		items[i] = el.String()
	}

	if b.ItemSeparator != "" {
		joined := items[0]
		for _, it := range items[1:] {
			joined += b.ItemSeparator + it
		}
		if b.Prefix == "" {
			return []string{joined}, nil
		}
		if b.SeparateFlag() {
			return []string{b.Prefix, joined}, nil
		}
		return []string{b.Prefix + joined}, nil
	}

	var tokens []string
	if b.Prefix != "" {
		tokens = append(tokens, b.Prefix)
	}
	tokens = append(tokens, items...)
	return tokens, nil
}

// valueString renders an evaluated expression result as one token.
func valueString(v any) string {
	return fromInterface(v).String()
}

// fromInterface lifts a plain evaluation result back into a Value.
func fromInterface(v any) types.Value {
	switch x := v.(type) {
	case map[string]any:
		c := &types.Complex{}
		if p, ok := x["path"].(string); ok {
			c.Path = p
		}
		if l, ok := x["location"].(string); ok {
			c.Href = l
		}
		if f, ok := x["format"].(string); ok {
			c.MediaType = f
		}
		if c.Path != "" || c.Href != "" {
			return types.Value{Kind: types.ValueComplex, Complex: c}
		}
		return types.Lit(fmt.Sprintf("%v", x))
	case []any:
		arr := make([]types.Value, len(x))
		for i, el := range x {
			arr[i] = fromInterface(el)
		}
		return types.Value{Kind: types.ValueArray, Array: arr}
	default:
		return types.Lit(v)
	}
}
