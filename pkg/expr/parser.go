package expr

import "fmt"

type node interface{}

type litNode struct{ val any }
type identNode struct{ name string }
type memberNode struct {
	obj  node
	name string
}
type indexNode struct {
	obj node
	idx node
}
type callNode struct {
	obj    node
	method string
	args   []node
}
type listNode struct{ elems []node }
type unaryNode struct {
	op string
	x  node
}
type binaryNode struct {
	op   string
	l, r node
}
type ternaryNode struct {
	cond, then, els node
}
type lambdaNode struct {
	param string
	body  node
}

type parser struct {
	lex *lexer
}

var binPrec = map[string]int{
	"||": 2,
	"&&": 3,
	"==": 4, "!=": 4,
	"<": 5, "<=": 5, ">": 5, ">=": 5,
	"+": 6, "-": 6,
	"*": 7, "/": 7, "%": 7,
}

func (p *parser) parseExpression(minPrec int) (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	for {
		t := p.lex.peek()
		if t.kind != tokOp {
			break
		}

		// Ternary binds loosest
		if t.text == "?" && minPrec <= 1 {
			p.lex.next()
			then, err := p.parseExpression(0)
			if err != nil {
				return nil, err
			}
			if tok := p.lex.next(); tok.kind != tokOp || tok.text != ":" {
				return nil, fmt.Errorf("expected ':' in conditional expression")
			}
			els, err := p.parseExpression(1)
			if err != nil {
				return nil, err
			}
			left = &ternaryNode{cond: left, then: then, els: els}
			continue
		}

		prec, ok := binPrec[t.text]
		if !ok || prec < minPrec {
			break
		}
		p.lex.next()
		right, err := p.parseExpression(prec + 1)
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: t.text, l: left, r: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	t := p.lex.peek()
	if t.kind == tokOp && (t.text == "-" || t.text == "!") {
		p.lex.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: t.text, x: x}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (node, error) {
	x, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.lex.peek()
		if t.kind != tokOp {
			break
		}
		switch t.text {
		case ".":
			p.lex.next()
			name := p.lex.next()
			if name.kind != tokIdent {
				return nil, fmt.Errorf("expected member name after '.'")
			}
			// A member followed by '(' is a method call
			if nx := p.lex.peek(); nx.kind == tokOp && nx.text == "(" {
				args, err := p.parseArgs()
				if err != nil {
					return nil, err
				}
				x = &callNode{obj: x, method: name.text, args: args}
			} else {
				x = &memberNode{obj: x, name: name.text}
			}
		case "[":
			p.lex.next()
			idx, err := p.parseExpression(0)
			if err != nil {
				return nil, err
			}
			if tok := p.lex.next(); tok.kind != tokOp || tok.text != "]" {
				return nil, fmt.Errorf("expected ']'")
			}
			x = &indexNode{obj: x, idx: idx}
		default:
			return x, nil
		}
	}
	return x, nil
}

func (p *parser) parseArgs() ([]node, error) {
	if tok := p.lex.next(); tok.kind != tokOp || tok.text != "(" {
		return nil, fmt.Errorf("expected '('")
	}
	var args []node
	if t := p.lex.peek(); t.kind == tokOp && t.text == ")" {
		p.lex.next()
		return args, nil
	}
	for {
		a, err := p.parseExpression(0)
		if err != nil {
			return nil, err
		}
		args = append(args, a)
		t := p.lex.next()
		if t.kind != tokOp {
			return nil, fmt.Errorf("expected ',' or ')' in argument list")
		}
		if t.text == ")" {
			return args, nil
		}
		if t.text != "," {
			return nil, fmt.Errorf("expected ',' or ')', got %q", t.text)
		}
	}
}

func (p *parser) parsePrimary() (node, error) {
	t := p.lex.next()
	if p.lex.err != nil {
		return nil, p.lex.err
	}
	switch t.kind {
	case tokNumber:
		return &litNode{val: t.num}, nil
	case tokString:
		return &litNode{val: t.text}, nil
	case tokIdent:
		switch t.text {
		case "true":
			return &litNode{val: true}, nil
		case "false":
			return &litNode{val: false}, nil
		case "null":
			return &litNode{val: nil}, nil
		}
		// Arrow function: ident => body
		if nx := p.lex.peek(); nx.kind == tokOp && nx.text == "=>" {
			p.lex.next()
			body, err := p.parseExpression(1)
			if err != nil {
				return nil, err
			}
			return &lambdaNode{param: t.text, body: body}, nil
		}
		return &identNode{name: t.text}, nil
	case tokOp:
		switch t.text {
		case "(":
			x, err := p.parseExpression(0)
			if err != nil {
				return nil, err
			}
			if tok := p.lex.next(); tok.kind != tokOp || tok.text != ")" {
				return nil, fmt.Errorf("expected ')'")
			}
			return x, nil
		case "[":
			var elems []node
			if nx := p.lex.peek(); nx.kind == tokOp && nx.text == "]" {
				p.lex.next()
				return &listNode{}, nil
			}
			for {
				e, err := p.parseExpression(0)
				if err != nil {
					return nil, err
				}
				elems = append(elems, e)
				tok := p.lex.next()
				if tok.kind == tokOp && tok.text == "]" {
					return &listNode{elems: elems}, nil
				}
				if tok.kind != tokOp || tok.text != "," {
					return nil, fmt.Errorf("expected ',' or ']' in list literal")
				}
			}
		}
	}
	return nil, fmt.Errorf("unexpected token %q", t.text)
}
