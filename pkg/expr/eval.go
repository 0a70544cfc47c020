package expr

import (
	"fmt"
	"math"
	"strings"
)

type evaluator struct {
	env    Env
	scope  map[string]any // lambda parameters
	budget int
}

func (e *evaluator) spend() error {
	e.budget--
	if e.budget <= 0 {
		return fmt.Errorf("expression evaluation budget exceeded")
	}
	return nil
}

func (e *evaluator) eval(n node) (any, error) {
	if err := e.spend(); err != nil {
		return nil, err
	}
	switch x := n.(type) {
	case *litNode:
		return x.val, nil
	case *identNode:
		if e.scope != nil {
			if v, ok := e.scope[x.name]; ok {
				return v, nil
			}
		}
		if v, ok := e.env.root(x.name); ok {
			return v, nil
		}
		return nil, fmt.Errorf("unknown identifier %q", x.name)
	case *memberNode:
		obj, err := e.eval(x.obj)
		if err != nil {
			return nil, err
		}
		return member(obj, x.name)
	case *indexNode:
		return e.evalIndex(x)
	case *listNode:
		out := make([]any, 0, len(x.elems))
		for _, el := range x.elems {
			v, err := e.eval(el)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case *unaryNode:
		v, err := e.eval(x.x)
		if err != nil {
			return nil, err
		}
		switch x.op {
		case "-":
			f, ok := numeric(v)
			if !ok {
				return nil, fmt.Errorf("cannot negate %T", v)
			}
			return -f, nil
		case "!":
			return !truthy(v), nil
		}
	case *binaryNode:
		return e.evalBinary(x)
	case *ternaryNode:
		cond, err := e.eval(x.cond)
		if err != nil {
			return nil, err
		}
		if truthy(cond) {
			return e.eval(x.then)
		}
		return e.eval(x.els)
	case *callNode:
		return e.evalCall(x)
	case *lambdaNode:
		return nil, fmt.Errorf("function literal outside method argument")
	}
	return nil, fmt.Errorf("unsupported expression node %T", n)
}

func member(obj any, name string) (any, error) {
	switch o := obj.(type) {
	case map[string]any:
		v, ok := o[name]
		if !ok {
			return nil, fmt.Errorf("unknown field %q", name)
		}
		return v, nil
	case []any:
		if name == "length" {
			return float64(len(o)), nil
		}
	case string:
		if name == "length" {
			return float64(len(o)), nil
		}
	}
	return nil, fmt.Errorf("cannot access %q on %T", name, obj)
}

func (e *evaluator) evalIndex(x *indexNode) (any, error) {
	obj, err := e.eval(x.obj)
	if err != nil {
		return nil, err
	}
	idx, err := e.eval(x.idx)
	if err != nil {
		return nil, err
	}
	switch o := obj.(type) {
	case []any:
		f, ok := numeric(idx)
		if !ok {
			return nil, fmt.Errorf("array index must be numeric")
		}
		i := int(f)
		if i < 0 || i >= len(o) {
			return nil, fmt.Errorf("array index %d out of range [0,%d)", i, len(o))
		}
		return o[i], nil
	case map[string]any:
		key, ok := idx.(string)
		if !ok {
			return nil, fmt.Errorf("object key must be a string")
		}
		v, present := o[key]
		if !present {
			return nil, fmt.Errorf("unknown field %q", key)
		}
		return v, nil
	}
	return nil, fmt.Errorf("cannot index %T", obj)
}

func (e *evaluator) evalBinary(x *binaryNode) (any, error) {
	// Short-circuit logical operators
	if x.op == "&&" || x.op == "||" {
		l, err := e.eval(x.l)
		if err != nil {
			return nil, err
		}
		if x.op == "&&" && !truthy(l) {
			return false, nil
		}
		if x.op == "||" && truthy(l) {
			return true, nil
		}
		r, err := e.eval(x.r)
		if err != nil {
			return nil, err
		}
		return truthy(r), nil
	}

	l, err := e.eval(x.l)
	if err != nil {
		return nil, err
	}
	r, err := e.eval(x.r)
	if err != nil {
		return nil, err
	}

	switch x.op {
	case "==":
		return equal(l, r), nil
	case "!=":
		return !equal(l, r), nil
	}

	// String concatenation
	if x.op == "+" {
		ls, lok := l.(string)
		rs, rok := r.(string)
		if lok || rok {
			if lok && rok {
				return ls + rs, nil
			}
			return stringify(l) + stringify(r), nil
		}
	}

	lf, lok := numeric(l)
	rf, rok := numeric(r)
	if !lok || !rok {
		return nil, fmt.Errorf("operator %q requires numeric operands, got %T and %T", x.op, l, r)
	}
	switch x.op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return lf / rf, nil
	case "%":
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return math.Mod(lf, rf), nil
	case "<":
		return lf < rf, nil
	case "<=":
		return lf <= rf, nil
	case ">":
		return lf > rf, nil
	case ">=":
		return lf >= rf, nil
	}
	return nil, fmt.Errorf("unsupported operator %q", x.op)
}

func (e *evaluator) evalCall(x *callNode) (any, error) {
	obj, err := e.eval(x.obj)
	if err != nil {
		return nil, err
	}

	switch o := obj.(type) {
	case string:
		return e.stringMethod(o, x)
	case []any:
		return e.arrayMethod(o, x)
	}
	return nil, fmt.Errorf("no method %q on %T", x.method, obj)
}

func (e *evaluator) stringMethod(s string, x *callNode) (any, error) {
	switch x.method {
	case "replace":
		args, err := e.stringArgs(x.args, 2)
		if err != nil {
			return nil, err
		}
		return strings.ReplaceAll(s, args[0], args[1]), nil
	case "split":
		args, err := e.stringArgs(x.args, 1)
		if err != nil {
			return nil, err
		}
		parts := strings.Split(s, args[0])
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = p
		}
		return out, nil
	case "toUpperCase":
		if len(x.args) != 0 {
			return nil, fmt.Errorf("toUpperCase takes no arguments")
		}
		return strings.ToUpper(s), nil
	case "toLowerCase":
		if len(x.args) != 0 {
			return nil, fmt.Errorf("toLowerCase takes no arguments")
		}
		return strings.ToLower(s), nil
	case "trim":
		if len(x.args) != 0 {
			return nil, fmt.Errorf("trim takes no arguments")
		}
		return strings.TrimSpace(s), nil
	}
	return nil, fmt.Errorf("no method %q on string", x.method)
}

func (e *evaluator) arrayMethod(arr []any, x *callNode) (any, error) {
	switch x.method {
	case "join":
		args, err := e.stringArgs(x.args, 1)
		if err != nil {
			return nil, err
		}
		parts := make([]string, len(arr))
		for i, v := range arr {
			parts[i] = stringify(v)
		}
		return strings.Join(parts, args[0]), nil
	case "map":
		fn, err := lambdaArg(x.args, x.method)
		if err != nil {
			return nil, err
		}
		out := make([]any, 0, len(arr))
		for _, v := range arr {
			r, err := e.apply(fn, v)
			if err != nil {
				return nil, err
			}
			out = append(out, r)
		}
		return out, nil
	case "filter":
		fn, err := lambdaArg(x.args, x.method)
		if err != nil {
			return nil, err
		}
		out := make([]any, 0, len(arr))
		for _, v := range arr {
			r, err := e.apply(fn, v)
			if err != nil {
				return nil, err
			}
			if truthy(r) {
				out = append(out, v)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("no method %q on array", x.method)
}

func lambdaArg(args []node, method string) (*lambdaNode, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("%s takes exactly one function argument", method)
	}
	fn, ok := args[0].(*lambdaNode)
	if !ok {
		return nil, fmt.Errorf("%s requires a function argument (x => expr)", method)
	}
	return fn, nil
}

func (e *evaluator) apply(fn *lambdaNode, arg any) (any, error) {
	outer := e.scope
	e.scope = map[string]any{fn.param: arg}
	if outer != nil {
		for k, v := range outer {
			if k != fn.param {
				e.scope[k] = v
			}
		}
	}
	defer func() { e.scope = outer }()
	return e.eval(fn.body)
}

func (e *evaluator) stringArgs(args []node, n int) ([]string, error) {
	if len(args) != n {
		return nil, fmt.Errorf("expected %d arguments, got %d", n, len(args))
	}
	out := make([]string, n)
	for i, a := range args {
		v, err := e.eval(a)
		if err != nil {
			return nil, err
		}
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("argument %d must be a string, got %T", i+1, v)
		}
		out[i] = s
	}
	return out, nil
}

func numeric(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	}
	return 0, false
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	case int64:
		return x != 0
	case int:
		return x != 0
	case []any:
		return len(x) > 0
	}
	return true
}

func equal(l, r any) bool {
	if lf, ok := numeric(l); ok {
		if rf, ok := numeric(r); ok {
			return lf == rf
		}
		return false
	}
	return l == r
}
