package orchestrator

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// logicNode is a parsed boolean expression over 1-indexed condition
// references, e.g. "(1 AND 2) OR 3".
type logicNode interface {
	eval(flags []bool) bool
}

type refNode int

func (n refNode) eval(flags []bool) bool { return flags[int(n)-1] }

type andNode struct{ left, right logicNode }

func (n andNode) eval(flags []bool) bool { return n.left.eval(flags) && n.right.eval(flags) }

type orNode struct{ left, right logicNode }

func (n orNode) eval(flags []bool) bool { return n.left.eval(flags) || n.right.eval(flags) }

// parseLogic parses a logic expression, checking every reference
// against the condition count.
//
//	expr   := term (OR term)*
//	term   := factor (AND factor)*
//	factor := NUMBER | "(" expr ")"
func parseLogic(input string, conditionCount int) (logicNode, error) {
	p := &logicParser{tokens: tokenizeLogic(input), max: conditionCount}
	node, err := p.parseExpr()
	if err != nil {
		return nil, fmt.Errorf("logic expression %q: %w", input, err)
	}
	if p.pos != len(p.tokens) {
		return nil, fmt.Errorf("logic expression %q: unexpected token %q", input, p.tokens[p.pos])
	}
	return node, nil
}

type logicParser struct {
	tokens []string
	pos    int
	max    int
}

func (p *logicParser) peek() string {
	if p.pos >= len(p.tokens) {
		return ""
	}
	return p.tokens[p.pos]
}

func (p *logicParser) parseExpr() (logicNode, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for strings.EqualFold(p.peek(), "OR") {
		p.pos++
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = orNode{left, right}
	}
	return left, nil
}

func (p *logicParser) parseTerm() (logicNode, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for strings.EqualFold(p.peek(), "AND") {
		p.pos++
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		left = andNode{left, right}
	}
	return left, nil
}

func (p *logicParser) parseFactor() (logicNode, error) {
	tok := p.peek()
	switch {
	case tok == "":
		return nil, fmt.Errorf("unexpected end of expression")
	case tok == "(":
		p.pos++
		node, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.peek() != ")" {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return node, nil
	default:
		ref, err := strconv.Atoi(tok)
		if err != nil {
			return nil, fmt.Errorf("unexpected token %q", tok)
		}
		if ref < 1 || ref > p.max {
			return nil, fmt.Errorf("condition reference %d out of range 1..%d", ref, p.max)
		}
		p.pos++
		return refNode(ref), nil
	}
}

func tokenizeLogic(input string) []string {
	var tokens []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}
	for _, r := range input {
		switch {
		case r == '(' || r == ')':
			flush()
			tokens = append(tokens, string(r))
		case unicode.IsSpace(r):
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return tokens
}
