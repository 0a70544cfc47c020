package expr

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp
)

type token struct {
	kind tokenKind
	text string
	num  float64
}

type lexer struct {
	src    string
	pos    int
	queued *token
	err    error
}

func newLexer(src string) *lexer {
	return &lexer{src: src}
}

func (l *lexer) peek() token {
	if l.queued == nil {
		t := l.scan()
		l.queued = &t
	}
	return *l.queued
}

func (l *lexer) next() token {
	t := l.peek()
	l.queued = nil
	return t
}

var twoCharOps = []string{"==", "!=", "<=", ">=", "&&", "||", "=>"}

func (l *lexer) scan() token {
	for l.pos < len(l.src) && unicode.IsSpace(rune(l.src[l.pos])) {
		l.pos++
	}
	if l.pos >= len(l.src) {
		return token{kind: tokEOF}
	}

	c := l.src[l.pos]

	// Two-character operators first
	if l.pos+1 < len(l.src) {
		two := l.src[l.pos : l.pos+2]
		for _, op := range twoCharOps {
			if two == op {
				l.pos += 2
				return token{kind: tokOp, text: op}
			}
		}
	}

	if strings.ContainsRune("+-*/%()[],.?:<>!", rune(c)) {
		l.pos++
		return token{kind: tokOp, text: string(c)}
	}

	if c == '\'' || c == '"' {
		quote := c
		var sb strings.Builder
		i := l.pos + 1
		for i < len(l.src) && l.src[i] != quote {
			if l.src[i] == '\\' && i+1 < len(l.src) {
				i++
				switch l.src[i] {
				case 'n':
					sb.WriteByte('\n')
				case 't':
					sb.WriteByte('\t')
				default:
					sb.WriteByte(l.src[i])
				}
			} else {
				sb.WriteByte(l.src[i])
			}
			i++
		}
		if i >= len(l.src) {
			l.err = fmt.Errorf("unterminated string literal")
			return token{kind: tokEOF}
		}
		l.pos = i + 1
		return token{kind: tokString, text: sb.String()}
	}

	if c >= '0' && c <= '9' {
		i := l.pos
		for i < len(l.src) && (l.src[i] >= '0' && l.src[i] <= '9' || l.src[i] == '.') {
			// A dot followed by a non-digit is member access, not a decimal point
			if l.src[i] == '.' && (i+1 >= len(l.src) || l.src[i+1] < '0' || l.src[i+1] > '9') {
				break
			}
			i++
		}
		text := l.src[l.pos:i]
		n, err := strconv.ParseFloat(text, 64)
		if err != nil {
			l.err = fmt.Errorf("invalid number %q", text)
			return token{kind: tokEOF}
		}
		l.pos = i
		return token{kind: tokNumber, text: text, num: n}
	}

	if isIdentStart(c) {
		i := l.pos
		for i < len(l.src) && isIdentPart(l.src[i]) {
			i++
		}
		text := l.src[l.pos:i]
		l.pos = i
		return token{kind: tokIdent, text: text}
	}

	l.err = fmt.Errorf("unexpected character %q", string(c))
	return token{kind: tokEOF}
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}
