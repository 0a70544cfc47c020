// Package expr implements the restricted parameter expression language used
// by Application Package bindings. Expressions are pure: no I/O, no state
// mutation, deterministic results, and a bounded evaluation budget. Unknown
// identifiers fail closed.
package expr

import (
	"encoding/json"
	"fmt"
	"strings"
)

const evalBudget = 10000

// Env holds the named roots an expression may reference.
type Env struct {
	Inputs  map[string]any
	Self    any
	Runtime map[string]any

	// Extended admits the full grammar: operators, methods, ternaries.
	// When false only bare parameter references evaluate; everything
	// else fails closed.
	Extended bool
}

func (e Env) root(name string) (any, bool) {
	switch name {
	case "inputs":
		return mapOrEmpty(e.Inputs), true
	case "self":
		return e.Self, true
	case "runtime":
		return mapOrEmpty(e.Runtime), true
	}
	return nil, false
}

func mapOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// Eval evaluates a single expression body (the text inside "$(...)").
func Eval(src string, env Env) (any, error) {
	p := &parser{lex: newLexer(src)}
	node, err := p.parseExpression(0)
	if err != nil {
		return nil, err
	}
	if p.lex.peek().kind != tokEOF {
		return nil, fmt.Errorf("unexpected trailing input at %q", p.lex.peek().text)
	}
	if !env.Extended && !bareRef(node) {
		return nil, fmt.Errorf("expression %q needs the inline-expression requirement; only parameter references are enabled", src)
	}
	ev := &evaluator{env: env, budget: evalBudget}
	return ev.eval(node)
}

// bareRef reports whether n is a plain parameter reference: dotted or
// indexed access rooted at an identifier, with no computation.
func bareRef(n node) bool {
	switch x := n.(type) {
	case *identNode:
		return true
	case *memberNode:
		return bareRef(x.obj)
	case *indexNode:
		if _, lit := x.idx.(*litNode); !lit && !bareRef(x.idx) {
			return false
		}
		return bareRef(x.obj)
	}
	return false
}

// Interpolate substitutes every "$(...)" occurrence in s. When s consists of
// exactly one parameter reference, the typed value is returned instead of a
// string, so file objects and numbers survive binding.
func Interpolate(s string, env Env) (any, error) {
	spans, err := scanRefs(s)
	if err != nil {
		return nil, err
	}
	if len(spans) == 0 {
		return s, nil
	}
	if len(spans) == 1 && spans[0].start == 0 && spans[0].end == len(s) {
		return Eval(spans[0].body, env)
	}
	var sb strings.Builder
	last := 0
	for _, sp := range spans {
		sb.WriteString(s[last:sp.start])
		v, err := Eval(sp.body, env)
		if err != nil {
			return nil, err
		}
		sb.WriteString(stringify(v))
		last = sp.end
	}
	sb.WriteString(s[last:])
	return sb.String(), nil
}

// HasRef reports whether s contains at least one parameter reference.
func HasRef(s string) bool {
	spans, err := scanRefs(s)
	return err == nil && len(spans) > 0
}

type refSpan struct {
	start, end int
	body       string
}

// scanRefs finds "$(...)" spans, honoring nested parentheses.
func scanRefs(s string) ([]refSpan, error) {
	var spans []refSpan
	for i := 0; i < len(s); {
		j := strings.Index(s[i:], "$(")
		if j < 0 {
			break
		}
		start := i + j
		depth := 0
		end := -1
		for k := start + 1; k < len(s); k++ {
			switch s[k] {
			case '(':
				depth++
			case ')':
				depth--
				if depth == 0 {
					end = k + 1
				}
			}
			if end > 0 {
				break
			}
		}
		if end < 0 {
			return nil, fmt.Errorf("unterminated parameter reference in %q", s)
		}
		spans = append(spans, refSpan{start: start, end: end, body: s[start+2 : end-1]})
		i = end
	}
	return spans, nil
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		if x {
			return "true"
		}
		return "false"
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprintf("%g", x)
	case int64:
		return fmt.Sprintf("%d", x)
	case int:
		return fmt.Sprintf("%d", x)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// ToJSON serializes an evaluated value the way result bindings expect.
func ToJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to serialize expression result: %w", err)
	}
	return string(b), nil
}
