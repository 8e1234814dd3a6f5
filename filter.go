// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2025 Daniel Schmidt

package mit

import (
	"fmt"
	"strconv"
	"strings"
)

// FilterExpr is a property filter in the controller's prefix functional
// notation, e.g.
//
//	and(eq(fvTenant.name,"infra"),gt(fvTenant.scope,"100"))
//
// An expression can be evaluated locally against a Mo and serialized
// back to the wire form. Expressions are immutable.
type FilterExpr interface {
	// String returns the canonical wire form of the expression.
	String() string

	// Eval evaluates the expression against a managed object.
	// Comparison terms naming a class other than the object's class
	// evaluate to false.
	Eval(mo *Mo) bool
}

// comparison operators
const (
	opEq    = "eq"
	opNe    = "ne"
	opGt    = "gt"
	opGe    = "ge"
	opLt    = "lt"
	opLe    = "le"
	opWcard = "wcard"
)

// ComparisonFilter compares one property of a class against a constant.
// Values that both parse as integers compare numerically, otherwise
// lexically. The wcard operator matches when the property value
// contains the constant as a substring.
type ComparisonFilter struct {
	Op    string
	Class string
	Prop  string
	Value string
}

func (f ComparisonFilter) String() string {
	return fmt.Sprintf("%s(%s.%s,%s)", f.Op, f.Class, f.Prop, quoteFilterValue(f.Value))
}

func (f ComparisonFilter) Eval(mo *Mo) bool {
	if mo.ClassName() != f.Class {
		return false
	}
	val := mo.Prop(f.Prop)
	if f.Op == opWcard {
		return strings.Contains(val, f.Value)
	}
	cmp := compareValues(val, f.Value)
	switch f.Op {
	case opEq:
		return cmp == 0
	case opNe:
		return cmp != 0
	case opGt:
		return cmp > 0
	case opGe:
		return cmp >= 0
	case opLt:
		return cmp < 0
	case opLe:
		return cmp <= 0
	default:
		return false
	}
}

// BetweenFilter matches when a property value lies in the inclusive
// range [Low, High].
type BetweenFilter struct {
	Class string
	Prop  string
	Low   string
	High  string
}

func (f BetweenFilter) String() string {
	return fmt.Sprintf("bw(%s.%s,%s,%s)", f.Class, f.Prop,
		quoteFilterValue(f.Low), quoteFilterValue(f.High))
}

func (f BetweenFilter) Eval(mo *Mo) bool {
	if mo.ClassName() != f.Class {
		return false
	}
	val := mo.Prop(f.Prop)
	return compareValues(val, f.Low) >= 0 && compareValues(val, f.High) <= 0
}

// CompositeFilter combines sub-expressions with "and" or "or". The
// prefix notation makes grouping explicit, so there is no operator
// precedence to resolve.
type CompositeFilter struct {
	Op    string
	Exprs []FilterExpr
}

func (f CompositeFilter) String() string {
	parts := make([]string, len(f.Exprs))
	for i, e := range f.Exprs {
		parts[i] = e.String()
	}
	return fmt.Sprintf("%s(%s)", f.Op, strings.Join(parts, ","))
}

func (f CompositeFilter) Eval(mo *Mo) bool {
	if f.Op == "and" {
		for _, e := range f.Exprs {
			if !e.Eval(mo) {
				return false
			}
		}
		return true
	}
	for _, e := range f.Exprs {
		if e.Eval(mo) {
			return true
		}
	}
	return false
}

// NotFilter negates a sub-expression.
type NotFilter struct {
	Expr FilterExpr
}

func (f NotFilter) String() string {
	return fmt.Sprintf("not(%s)", f.Expr.String())
}

func (f NotFilter) Eval(mo *Mo) bool {
	return !f.Expr.Eval(mo)
}

// Eq builds an equality comparison.
func Eq(class, prop, value string) FilterExpr {
	return ComparisonFilter{Op: opEq, Class: class, Prop: prop, Value: value}
}

// Ne builds an inequality comparison.
func Ne(class, prop, value string) FilterExpr {
	return ComparisonFilter{Op: opNe, Class: class, Prop: prop, Value: value}
}

// Gt builds a greater-than comparison.
func Gt(class, prop, value string) FilterExpr {
	return ComparisonFilter{Op: opGt, Class: class, Prop: prop, Value: value}
}

// Ge builds a greater-or-equal comparison.
func Ge(class, prop, value string) FilterExpr {
	return ComparisonFilter{Op: opGe, Class: class, Prop: prop, Value: value}
}

// Lt builds a less-than comparison.
func Lt(class, prop, value string) FilterExpr {
	return ComparisonFilter{Op: opLt, Class: class, Prop: prop, Value: value}
}

// Le builds a less-or-equal comparison.
func Le(class, prop, value string) FilterExpr {
	return ComparisonFilter{Op: opLe, Class: class, Prop: prop, Value: value}
}

// Wcard builds a substring match.
func Wcard(class, prop, value string) FilterExpr {
	return ComparisonFilter{Op: opWcard, Class: class, Prop: prop, Value: value}
}

// Bw builds an inclusive range match.
func Bw(class, prop, low, high string) FilterExpr {
	return BetweenFilter{Class: class, Prop: prop, Low: low, High: high}
}

// And combines expressions conjunctively.
func And(exprs ...FilterExpr) FilterExpr {
	return CompositeFilter{Op: "and", Exprs: exprs}
}

// Or combines expressions disjunctively.
func Or(exprs ...FilterExpr) FilterExpr {
	return CompositeFilter{Op: "or", Exprs: exprs}
}

// Not negates an expression.
func Not(expr FilterExpr) FilterExpr {
	return NotFilter{Expr: expr}
}

// compareValues compares two values numerically when both parse as
// integers, lexically otherwise.
func compareValues(a, b string) int {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}

func quoteFilterValue(v string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(v); i++ {
		if v[i] == '"' || v[i] == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(v[i])
	}
	b.WriteByte('"')
	return b.String()
}

// filterLexer tokenizes the filter notation.
type filterLexer struct {
	input string
	pos   int
}

type filterToken struct {
	kind filterTokenKind
	text string
	pos  int
}

type filterTokenKind int

const (
	tokenEOF filterTokenKind = iota
	tokenIdent
	tokenString
	tokenLParen
	tokenRParen
	tokenComma
)

func (l *filterLexer) next() (filterToken, error) {
	for l.pos < len(l.input) && (l.input[l.pos] == ' ' || l.input[l.pos] == '\t') {
		l.pos++
	}
	if l.pos >= len(l.input) {
		return filterToken{kind: tokenEOF, pos: l.pos}, nil
	}
	start := l.pos
	switch c := l.input[l.pos]; {
	case c == '(':
		l.pos++
		return filterToken{kind: tokenLParen, text: "(", pos: start}, nil
	case c == ')':
		l.pos++
		return filterToken{kind: tokenRParen, text: ")", pos: start}, nil
	case c == ',':
		l.pos++
		return filterToken{kind: tokenComma, text: ",", pos: start}, nil
	case c == '"':
		return l.lexString()
	case isIdentChar(c):
		for l.pos < len(l.input) && isIdentChar(l.input[l.pos]) {
			l.pos++
		}
		return filterToken{kind: tokenIdent, text: l.input[start:l.pos], pos: start}, nil
	default:
		return filterToken{}, fmt.Errorf("unexpected character %q at offset %d", c, start)
	}
}

func (l *filterLexer) lexString() (filterToken, error) {
	start := l.pos
	l.pos++
	var b strings.Builder
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		switch c {
		case '\\':
			if l.pos+1 >= len(l.input) {
				return filterToken{}, fmt.Errorf("unterminated escape at offset %d", l.pos)
			}
			b.WriteByte(l.input[l.pos+1])
			l.pos += 2
		case '"':
			l.pos++
			return filterToken{kind: tokenString, text: b.String(), pos: start}, nil
		default:
			b.WriteByte(c)
			l.pos++
		}
	}
	return filterToken{}, fmt.Errorf("unterminated string at offset %d", start)
}

func isIdentChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9' || c == '_' || c == '.' || c == '-'
}

// filterParser is a recursive descent parser for the filter notation.
type filterParser struct {
	lexer filterLexer
	tok   filterToken
}

// ParseFilter parses a filter expression from its wire form. Fails
// with MalformedName on lexical or structural errors.
func ParseFilter(s string) (FilterExpr, error) {
	p := &filterParser{lexer: filterLexer{input: s}}
	if err := p.advance(); err != nil {
		return nil, filterParseError(s, err)
	}
	expr, err := p.parseExpr()
	if err != nil {
		return nil, filterParseError(s, err)
	}
	if p.tok.kind != tokenEOF {
		return nil, filterParseError(s, fmt.Errorf("trailing input at offset %d", p.tok.pos))
	}
	return expr, nil
}

func filterParseError(input string, err error) error {
	return &MitError{
		Code:      ErrMalformedName,
		Operation: "parseFilter",
		Message:   fmt.Sprintf("invalid filter %q: %v", input, err),
		Err:       err,
	}
}

func (p *filterParser) advance() error {
	tok, err := p.lexer.next()
	if err != nil {
		return err
	}
	p.tok = tok
	return nil
}

func (p *filterParser) expect(kind filterTokenKind, what string) error {
	if p.tok.kind != kind {
		return fmt.Errorf("expected %s at offset %d", what, p.tok.pos)
	}
	return p.advance()
}

func (p *filterParser) parseExpr() (FilterExpr, error) {
	if p.tok.kind != tokenIdent {
		return nil, fmt.Errorf("expected operator at offset %d", p.tok.pos)
	}
	op := p.tok.text
	if err := p.advance(); err != nil {
		return nil, err
	}
	if err := p.expect(tokenLParen, "'('"); err != nil {
		return nil, err
	}

	switch op {
	case "and", "or":
		return p.parseComposite(op)
	case "not":
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokenRParen, "')'"); err != nil {
			return nil, err
		}
		return NotFilter{Expr: inner}, nil
	case opEq, opNe, opGt, opGe, opLt, opLe, opWcard:
		class, prop, value, err := p.parseComparisonArgs()
		if err != nil {
			return nil, err
		}
		return ComparisonFilter{Op: op, Class: class, Prop: prop, Value: value}, nil
	case "bw":
		return p.parseBetween()
	default:
		return nil, fmt.Errorf("unknown operator %q", op)
	}
}

func (p *filterParser) parseComposite(op string) (FilterExpr, error) {
	var exprs []FilterExpr
	for {
		expr, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, expr)
		if p.tok.kind != tokenComma {
			break
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
	if err := p.expect(tokenRParen, "')'"); err != nil {
		return nil, err
	}
	if len(exprs) < 2 {
		return nil, fmt.Errorf("%s needs at least two operands", op)
	}
	return CompositeFilter{Op: op, Exprs: exprs}, nil
}

func (p *filterParser) parseOperand() (class, prop string, err error) {
	if p.tok.kind != tokenIdent {
		return "", "", fmt.Errorf("expected class.property at offset %d", p.tok.pos)
	}
	parts := strings.SplitN(p.tok.text, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("operand %q is not of the form class.property", p.tok.text)
	}
	if err := p.advance(); err != nil {
		return "", "", err
	}
	return parts[0], parts[1], nil
}

func (p *filterParser) parseValue() (string, error) {
	if p.tok.kind != tokenString {
		return "", fmt.Errorf("expected quoted value at offset %d", p.tok.pos)
	}
	value := p.tok.text
	if err := p.advance(); err != nil {
		return "", err
	}
	return value, nil
}

func (p *filterParser) parseComparisonArgs() (class, prop, value string, err error) {
	class, prop, err = p.parseOperand()
	if err != nil {
		return "", "", "", err
	}
	if err = p.expect(tokenComma, "','"); err != nil {
		return "", "", "", err
	}
	value, err = p.parseValue()
	if err != nil {
		return "", "", "", err
	}
	if err = p.expect(tokenRParen, "')'"); err != nil {
		return "", "", "", err
	}
	return class, prop, value, nil
}

func (p *filterParser) parseBetween() (FilterExpr, error) {
	class, prop, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	if err := p.expect(tokenComma, "','"); err != nil {
		return nil, err
	}
	low, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	if err := p.expect(tokenComma, "','"); err != nil {
		return nil, err
	}
	high, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	if err := p.expect(tokenRParen, "')'"); err != nil {
		return nil, err
	}
	return BetweenFilter{Class: class, Prop: prop, Low: low, High: high}, nil
}
