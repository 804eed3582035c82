package orchestrator

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Step conditions are boolean expressions over session context, e.g.
//
//	credit_score >= 620 and dti_ratio <= 0.43
//	documents.complete == true or manual_review
//	not (loan_type == 'jumbo')
//
// Identifiers are dotted paths into the context map. Comparisons support
// ==, !=, <, <=, > and >= over numbers and strings; "and", "or" and "not"
// combine them. A bare path is truthy when present, non-false, non-zero
// and non-empty. Conditions are parsed when a pattern loads; a parse error
// rejects the pattern. Evaluation errors (ordering a string against a
// number) are reported to the caller, which treats the step condition as
// false.

type condExpr struct {
	root condNode
}

// Eval evaluates the condition against session context.
func (c *condExpr) Eval(ctx map[string]any) (bool, error) {
	v, err := c.root.eval(ctx)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

// ParseCondition compiles a condition expression.
func ParseCondition(input string) (*condExpr, error) {
	toks, err := lexCondition(input)
	if err != nil {
		return nil, err
	}
	p := &condParser{toks: toks}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at offset %d", p.peek().text, p.peek().pos)
	}
	return &condExpr{root: node}, nil
}

type condNode interface {
	eval(ctx map[string]any) (any, error)
}

type orNode struct{ left, right condNode }

func (n orNode) eval(ctx map[string]any) (any, error) {
	l, err := n.left.eval(ctx)
	if err != nil {
		return nil, err
	}
	if truthy(l) {
		return true, nil
	}
	r, err := n.right.eval(ctx)
	if err != nil {
		return nil, err
	}
	return truthy(r), nil
}

type andNode struct{ left, right condNode }

func (n andNode) eval(ctx map[string]any) (any, error) {
	l, err := n.left.eval(ctx)
	if err != nil {
		return nil, err
	}
	if !truthy(l) {
		return false, nil
	}
	r, err := n.right.eval(ctx)
	if err != nil {
		return nil, err
	}
	return truthy(r), nil
}

type notNode struct{ inner condNode }

func (n notNode) eval(ctx map[string]any) (any, error) {
	v, err := n.inner.eval(ctx)
	if err != nil {
		return nil, err
	}
	return !truthy(v), nil
}

type cmpNode struct {
	op          string
	left, right condNode
}

func (n cmpNode) eval(ctx map[string]any) (any, error) {
	l, err := n.left.eval(ctx)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(ctx)
	if err != nil {
		return nil, err
	}
	return compare(n.op, l, r)
}

type litNode struct{ val any }

func (n litNode) eval(map[string]any) (any, error) { return n.val, nil }

type pathNode struct{ parts []string }

func (n pathNode) eval(ctx map[string]any) (any, error) {
	var cur any = ctx
	for _, part := range n.parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, nil
		}
		cur, ok = m[part]
		if !ok {
			return nil, nil
		}
	}
	return cur, nil
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case map[string]any:
		return len(val) > 0
	case []any:
		return len(val) > 0
	default:
		if f, ok := toFloat(v); ok {
			return f != 0
		}
		return true
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func compare(op string, l, r any) (bool, error) {
	switch op {
	case "==", "!=":
		eq := looseEqual(l, r)
		if op == "!=" {
			return !eq, nil
		}
		return eq, nil
	}

	if lf, lok := toFloat(l); lok {
		if rf, rok := toFloat(r); rok {
			return orderNumbers(op, lf, rf), nil
		}
	}
	if ls, lok := l.(string); lok {
		if rs, rok := r.(string); rok {
			return orderStrings(op, ls, rs), nil
		}
	}
	return false, fmt.Errorf("cannot order %T against %T", l, r)
}

func looseEqual(l, r any) bool {
	if lf, ok := toFloat(l); ok {
		if rf, ok := toFloat(r); ok {
			return lf == rf
		}
		return false
	}
	return l == r
}

func orderNumbers(op string, l, r float64) bool {
	switch op {
	case "<":
		return l < r
	case "<=":
		return l <= r
	case ">":
		return l > r
	default:
		return l >= r
	}
}

func orderStrings(op string, l, r string) bool {
	switch op {
	case "<":
		return l < r
	case "<=":
		return l <= r
	case ">":
		return l > r
	default:
		return l >= r
	}
}

type tokKind int

const (
	tokEOF tokKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp
	tokLParen
	tokRParen
	tokDot
)

type token struct {
	kind tokKind
	text string
	pos  int
}

func lexCondition(input string) ([]token, error) {
	var toks []token
	runes := []rune(input)
	i := 0
	for i < len(runes) {
		c := runes[i]
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == '.':
			toks = append(toks, token{tokDot, ".", i})
			i++
		case c == '\'' || c == '"':
			start := i
			quote := c
			i++
			var sb strings.Builder
			for i < len(runes) && runes[i] != quote {
				if runes[i] == '\\' && i+1 < len(runes) {
					i++
				}
				sb.WriteRune(runes[i])
				i++
			}
			if i >= len(runes) {
				return nil, fmt.Errorf("unterminated string at offset %d", start)
			}
			i++ // closing quote
			toks = append(toks, token{tokString, sb.String(), start})
		case unicode.IsDigit(c):
			start := i
			sawDot := false
			for i < len(runes) && (unicode.IsDigit(runes[i]) || (runes[i] == '.' && !sawDot)) {
				if runes[i] == '.' {
					sawDot = true
				}
				i++
			}
			toks = append(toks, token{tokNumber, string(runes[start:i]), start})
		case unicode.IsLetter(c) || c == '_':
			start := i
			for i < len(runes) && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_') {
				i++
			}
			toks = append(toks, token{tokIdent, string(runes[start:i]), start})
		case c == '=' || c == '!' || c == '<' || c == '>':
			start := i
			i++
			if i < len(runes) && runes[i] == '=' {
				i++
			}
			op := string(runes[start:i])
			switch op {
			case "==", "!=", "<", "<=", ">", ">=":
				toks = append(toks, token{tokOp, op, start})
			default:
				return nil, fmt.Errorf("unknown operator %q at offset %d", op, start)
			}
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", string(c), i)
		}
	}
	toks = append(toks, token{tokEOF, "", len(runes)})
	return toks, nil
}

type condParser struct {
	toks []token
	idx  int
}

func (p *condParser) peek() token { return p.toks[p.idx] }

func (p *condParser) next() token {
	t := p.toks[p.idx]
	if t.kind != tokEOF {
		p.idx++
	}
	return t
}

func (p *condParser) parseOr() (condNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokIdent && p.peek().text == "or" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left, right}
	}
	return left, nil
}

func (p *condParser) parseAnd() (condNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokIdent && p.peek().text == "and" {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = andNode{left, right}
	}
	return left, nil
}

func (p *condParser) parseUnary() (condNode, error) {
	if p.peek().kind == tokIdent && p.peek().text == "not" {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{inner}, nil
	}
	return p.parseComparison()
}

func (p *condParser) parseComparison() (condNode, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	if p.peek().kind == tokOp {
		op := p.next().text
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return cmpNode{op: op, left: left, right: right}, nil
	}
	return left, nil
}

func (p *condParser) parsePrimary() (condNode, error) {
	tok := p.peek()
	switch tok.kind {
	case tokLParen:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis at offset %d", p.peek().pos)
		}
		p.next()
		return inner, nil
	case tokString:
		p.next()
		return litNode{tok.text}, nil
	case tokNumber:
		p.next()
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q at offset %d", tok.text, tok.pos)
		}
		return litNode{f}, nil
	case tokIdent:
		switch tok.text {
		case "true":
			p.next()
			return litNode{true}, nil
		case "false":
			p.next()
			return litNode{false}, nil
		case "null":
			p.next()
			return litNode{nil}, nil
		case "and", "or", "not":
			return nil, fmt.Errorf("unexpected keyword %q at offset %d", tok.text, tok.pos)
		}
		return p.parsePath()
	default:
		return nil, fmt.Errorf("unexpected %q at offset %d", tok.text, tok.pos)
	}
}

func (p *condParser) parsePath() (condNode, error) {
	parts := []string{p.next().text}
	for p.peek().kind == tokDot {
		p.next()
		if p.peek().kind != tokIdent {
			return nil, fmt.Errorf("expected identifier after '.' at offset %d", p.peek().pos)
		}
		parts = append(parts, p.next().text)
	}
	return pathNode{parts: parts}, nil
}
