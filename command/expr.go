package command

import (
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/width"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// EXPRESSION EVALUATOR - Exact decimal arithmetic for amounts
// =============================================================================

// Grammar:
//
//	expr   = term { ("+" | "-") term }
//	term   = factor { ("*" | "/") factor }
//	factor = ("+" | "-") factor | number | "(" expr ")"
//
// Division keeps decimal.DivisionPrecision digits; every other operation is exact.

// Eval evaluates an arithmetic expression over decimals.
func Eval(input string) (decimal.Decimal, error) {
	p := &parser{input: input, src: []rune(normalize(input))}
	p.skipSpace()
	if p.done() {
		return decimal.Zero, p.fail("empty expression")
	}
	v, err := p.expr()
	if err != nil {
		return decimal.Zero, err
	}
	p.skipSpace()
	if !p.done() {
		return decimal.Zero, p.fail("unexpected " + string(p.src[p.pos]))
	}
	return v, nil
}

// IsExpression reports whether s is a bare arithmetic expression with at
// least one binary operator, e.g. "100*7.2" or "(5+5)/2".
func IsExpression(s string) bool {
	s = strings.TrimSpace(normalize(s))
	if s == "" {
		return false
	}
	hasDigit, hasOp := false, false
	for i, r := range s {
		switch {
		case unicode.IsDigit(r):
			hasDigit = true
		case r == '*' || r == '/':
			hasOp = true
		case r == '+' || r == '-':
			if i > 0 {
				hasOp = true
			}
		case r == '.' || r == '(' || r == ')' || r == ' ':
		default:
			return false
		}
	}
	if !hasDigit || !hasOp {
		return false
	}
	_, err := Eval(s)
	return err == nil
}

var replacer = strings.NewReplacer(
	"＋", "+", "－", "-", "×", "*", "x", "*", "X", "*", "÷", "/",
	"（", "(", "）", ")", "，", "", ",", "", "。", ".",
)

// normalize folds full-width forms (digits, signs, dot) to ASCII and maps
// the remaining operator spellings.
func normalize(s string) string { return replacer.Replace(width.Fold.String(s)) }

type parser struct {
	input string
	src   []rune
	pos   int
}

func (p *parser) done() bool { return p.pos >= len(p.src) }

func (p *parser) peek() rune {
	p.skipSpace()
	if p.done() {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) skipSpace() {
	for !p.done() && unicode.IsSpace(p.src[p.pos]) {
		p.pos++
	}
}

func (p *parser) fail(reason string) error {
	return &billing.MalformedInputError{Input: p.input, Reason: reason}
}

func (p *parser) expr() (decimal.Decimal, error) {
	left, err := p.term()
	if err != nil {
		return decimal.Zero, err
	}
	for {
		switch p.peek() {
		case '+':
			p.pos++
			right, err := p.term()
			if err != nil {
				return decimal.Zero, err
			}
			left = left.Add(right)
		case '-':
			p.pos++
			right, err := p.term()
			if err != nil {
				return decimal.Zero, err
			}
			left = left.Sub(right)
		default:
			return left, nil
		}
	}
}

func (p *parser) term() (decimal.Decimal, error) {
	left, err := p.factor()
	if err != nil {
		return decimal.Zero, err
	}
	for {
		switch p.peek() {
		case '*':
			p.pos++
			right, err := p.factor()
			if err != nil {
				return decimal.Zero, err
			}
			left = left.Mul(right)
		case '/':
			p.pos++
			right, err := p.factor()
			if err != nil {
				return decimal.Zero, err
			}
			if right.IsZero() {
				return decimal.Zero, p.fail("division by zero")
			}
			left = left.Div(right)
		default:
			return left, nil
		}
	}
}

func (p *parser) factor() (decimal.Decimal, error) {
	switch r := p.peek(); {
	case r == '+':
		p.pos++
		return p.factor()
	case r == '-':
		p.pos++
		v, err := p.factor()
		return v.Neg(), err
	case r == '(':
		p.pos++
		v, err := p.expr()
		if err != nil {
			return decimal.Zero, err
		}
		if p.peek() != ')' {
			return decimal.Zero, p.fail("missing )")
		}
		p.pos++
		return v, nil
	case unicode.IsDigit(r) || r == '.':
		return p.number()
	case r == 0:
		return decimal.Zero, p.fail("unexpected end of expression")
	default:
		return decimal.Zero, p.fail("unexpected " + string(r))
	}
}

func (p *parser) number() (decimal.Decimal, error) {
	start := p.pos
	for !p.done() && (unicode.IsDigit(p.src[p.pos]) || p.src[p.pos] == '.') {
		p.pos++
	}
	v, err := decimal.NewFromString(string(p.src[start:p.pos]))
	if err != nil {
		return decimal.Zero, p.fail("invalid number " + string(p.src[start:p.pos]))
	}
	return v, nil
}
