package rules

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// CompileError reports an invalid rule expression at registration time.
// No partial subscription is stored when compilation fails.
type CompileError struct {
	Pos int
	Msg string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("rule compile error at position %d: %s", e.Pos, e.Msg)
}

// Compile parses a rule source string into an evaluable predicate tree.
func Compile(source string) (Expr, error) {
	toks, err := lex(source)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.atEnd() {
		return nil, &CompileError{Pos: p.peek().pos, Msg: fmt.Sprintf("unexpected %q", p.peek().text)}
	}
	return expr, nil
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokString
	tokNumber
	tokOp     // == != < > <= >=
	tokLParen
	tokRParen
	tokEOF
)

type token struct {
	kind tokenKind
	text string
	num  float64
	pos  int
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++
		case c == '=' || c == '!' || c == '<' || c == '>':
			start := i
			i++
			if i < len(src) && src[i] == '=' {
				i++
			}
			op := src[start:i]
			if op == "=" || op == "!" {
				return nil, &CompileError{Pos: start, Msg: fmt.Sprintf("invalid operator %q", op)}
			}
			toks = append(toks, token{kind: tokOp, text: op, pos: start})
		case c == '"' || c == '\'':
			s, next, err := lexString(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, text: s, pos: i})
			i = next
		case c >= '0' && c <= '9' || c == '-' && i+1 < len(src) && src[i+1] >= '0' && src[i+1] <= '9':
			start := i
			i++
			for i < len(src) && (src[i] >= '0' && src[i] <= '9' || src[i] == '.') {
				i++
			}
			f, err := strconv.ParseFloat(src[start:i], 64)
			if err != nil {
				return nil, &CompileError{Pos: start, Msg: fmt.Sprintf("invalid number %q", src[start:i])}
			}
			toks = append(toks, token{kind: tokNumber, text: src[start:i], num: f, pos: start})
		case isIdentStart(rune(c)):
			start := i
			for i < len(src) && isIdentPart(rune(src[i])) {
				i++
			}
			toks = append(toks, token{kind: tokIdent, text: src[start:i], pos: start})
		default:
			return nil, &CompileError{Pos: i, Msg: fmt.Sprintf("unexpected character %q", c)}
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(src)})
	return toks, nil
}

func lexString(src string, start int) (string, int, error) {
	quote := src[start]
	var sb strings.Builder
	i := start + 1
	for i < len(src) {
		c := src[i]
		if c == '\\' && i+1 < len(src) {
			sb.WriteByte(src[i+1])
			i += 2
			continue
		}
		if c == quote {
			return sb.String(), i + 1, nil
		}
		sb.WriteByte(c)
		i++
	}
	return "", 0, &CompileError{Pos: start, Msg: "unterminated string literal"}
}

func isIdentStart(r rune) bool {
	return unicode.IsLetter(r) || r == '_'
}

func isIdentPart(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.' || r == '-'
}

type parser struct {
	toks []token
	i    int
}

func (p *parser) peek() token { return p.toks[p.i] }

func (p *parser) advance() token {
	t := p.toks[p.i]
	if p.toks[p.i].kind != tokEOF {
		p.i++
	}
	return t
}

func (p *parser) atEnd() bool { return p.peek().kind == tokEOF }

// keyword matches an identifier token with the given text without consuming
// anything else.
func (p *parser) keyword(word string) bool {
	if p.peek().kind == tokIdent && p.peek().text == word {
		p.advance()
		return true
	}
	return false
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	children := []Expr{left}
	for p.keyword("or") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}
	if len(children) == 1 {
		return left, nil
	}
	return &Or{Children: children}, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	children := []Expr{left}
	for p.keyword("and") {
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}
	if len(children) == 1 {
		return left, nil
	}
	return &And{Children: children}, nil
}

func (p *parser) parseUnary() (Expr, error) {
	if p.keyword("not") {
		child, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Not{Child: child}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) {
	if p.peek().kind == tokLParen {
		p.advance()
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, &CompileError{Pos: p.peek().pos, Msg: "expected closing parenthesis"}
		}
		p.advance()
		return expr, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (Expr, error) {
	field := p.peek()
	if field.kind != tokIdent {
		return nil, &CompileError{Pos: field.pos, Msg: fmt.Sprintf("expected field path, got %q", field.text)}
	}
	switch field.text {
	case "and", "or", "not", "contains":
		return nil, &CompileError{Pos: field.pos, Msg: fmt.Sprintf("reserved word %q cannot be a field path", field.text)}
	}
	if err := validateFieldPath(field); err != nil {
		return nil, err
	}
	p.advance()

	opTok := p.peek()
	var op Operator
	switch {
	case opTok.kind == tokOp:
		op = Operator(opTok.text)
		p.advance()
	case opTok.kind == tokIdent && opTok.text == "contains":
		op = OpContains
		p.advance()
	default:
		return nil, &CompileError{Pos: opTok.pos, Msg: fmt.Sprintf("expected operator, got %q", opTok.text)}
	}

	lit := p.peek()
	switch lit.kind {
	case tokString:
		p.advance()
		return &Comparison{Field: field.text, Op: op, Literal: Literal{Str: lit.text}}, nil
	case tokNumber:
		p.advance()
		return &Comparison{Field: field.text, Op: op, Literal: Literal{Num: lit.num, IsNumber: true}}, nil
	default:
		return nil, &CompileError{Pos: lit.pos, Msg: fmt.Sprintf("expected string or number literal, got %q", lit.text)}
	}
}

// validateFieldPath rejects roots the event model cannot resolve, so bad
// rules fail at registration instead of matching nothing forever.
func validateFieldPath(field token) error {
	switch field.text {
	case "source", "type", "correlation_id", "id":
		return nil
	}
	if strings.HasPrefix(field.text, "payload.") && len(field.text) > len("payload.") {
		return nil
	}
	return &CompileError{Pos: field.pos, Msg: fmt.Sprintf("unknown field path %q", field.text)}
}
