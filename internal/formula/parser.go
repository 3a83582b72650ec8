package formula

import (
	"math"
	"strconv"
)

// Compile parses and validates formula text, returning the Program or a
// *CompileError. There is no partial success: a single unknown name, wrong
// arity or disallowed construct fails the whole formula.
func Compile(src string) (*Program, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	root, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, errAt(p.peek().pos, "unexpected %q after expression", p.peek().text)
	}
	return &Program{Source: src, Root: root}, nil
}

type parser struct {
	toks []token
	idx  int
}

func (p *parser) peek() token { return p.toks[p.idx] }

func (p *parser) next() token {
	t := p.toks[p.idx]
	if t.kind != tokEOF {
		p.idx++
	}
	return t
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != kind {
		return t, errAt(t.pos, "expected %s, got %q", what, t.text)
	}
	return t, nil
}

// Precedence, loosest first:
//
//	ternary  cond ? a : b
//	or
//	and
//	not
//	compare  > < >= <= == !=   (non-chaining)
//	addsub   + -
//	muldiv   * / %
//	unary    + - (prefix)
//	power    ^ (right-assoc)
//	primary  literal, symbol, call, parenthesised
func (p *parser) parseTernary() (*Node, error) {
	cond, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokQuestion {
		return cond, nil
	}
	p.next()
	then, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokColon, "':'"); err != nil {
		return nil, err
	}
	els, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	return &Node{Kind: KindTernary, Args: []*Node{cond, then, els}}, nil
}

func (p *parser) parseOr() (*Node, error) {
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
		left = &Node{Kind: KindBinary, Op: OpOr, Args: []*Node{left, right}}
	}
	return left, nil
}

func (p *parser) parseAnd() (*Node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokIdent && p.peek().text == "and" {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &Node{Kind: KindBinary, Op: OpAnd, Args: []*Node{left, right}}
	}
	return left, nil
}

func (p *parser) parseNot() (*Node, error) {
	if p.peek().kind == tokIdent && p.peek().text == "not" {
		p.next()
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &Node{Kind: KindUnary, Op: OpNot, Args: []*Node{operand}}, nil
	}
	return p.parseCompare()
}

var compareOps = map[string]Op{
	">": OpGT, "<": OpLT, ">=": OpGE, "<=": OpLE, "==": OpEQ, "!=": OpNE,
}

func (p *parser) parseCompare() (*Node, error) {
	left, err := p.parseAddSub()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	op, ok := compareOps[t.text]
	if t.kind != tokOp || !ok {
		return left, nil
	}
	p.next()
	right, err := p.parseAddSub()
	if err != nil {
		return nil, err
	}
	// Chained comparisons (a < b < c) are not part of the grammar.
	if n := p.peek(); n.kind == tokOp {
		if _, chained := compareOps[n.text]; chained {
			return nil, errAt(n.pos, "chained comparisons are not supported")
		}
	}
	return &Node{Kind: KindCompare, Op: op, Args: []*Node{left, right}}, nil
}

func (p *parser) parseAddSub() (*Node, error) {
	left, err := p.parseMulDiv()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || (t.text != "+" && t.text != "-") {
			return left, nil
		}
		p.next()
		right, err := p.parseMulDiv()
		if err != nil {
			return nil, err
		}
		op := OpAdd
		if t.text == "-" {
			op = OpSub
		}
		left = &Node{Kind: KindBinary, Op: op, Args: []*Node{left, right}}
	}
}

func (p *parser) parseMulDiv() (*Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || (t.text != "*" && t.text != "/" && t.text != "%") {
			return left, nil
		}
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		var op Op
		switch t.text {
		case "*":
			op = OpMul
		case "/":
			op = OpDiv
		default:
			op = OpMod
		}
		left = &Node{Kind: KindBinary, Op: op, Args: []*Node{left, right}}
	}
}

func (p *parser) parseUnary() (*Node, error) {
	t := p.peek()
	if t.kind == tokOp && (t.text == "+" || t.text == "-") {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		op := OpPos
		if t.text == "-" {
			op = OpNeg
		}
		// Fold negative literals so -1 and (-1) compile identically.
		if operand.Kind == KindConst {
			v := operand.Value
			if op == OpNeg {
				v = -v
			}
			return &Node{Kind: KindConst, Value: v}, nil
		}
		return &Node{Kind: KindUnary, Op: op, Args: []*Node{operand}}, nil
	}
	return p.parsePower()
}

func (p *parser) parsePower() (*Node, error) {
	base, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t.kind == tokOp && t.text == "^" {
		p.next()
		// Right-associative, binds tighter than unary on the right side.
		exp, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Node{Kind: KindBinary, Op: OpPow, Args: []*Node{base, exp}}, nil
	}
	return base, nil
}

func (p *parser) parsePrimary() (*Node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return &Node{Kind: KindConst, Value: t.num}, nil

	case tokLParen:
		inner, err := p.parseTernary()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return inner, nil

	case tokIdent:
		if p.peek().kind == tokLParen {
			return p.parseCall(t)
		}
		if !symbols[t.text] {
			if _, isFunc := functions[t.text]; isFunc {
				return nil, errAt(t.pos, "function %q used without arguments", t.text)
			}
			return nil, errAt(t.pos, "unknown symbol %q", t.text)
		}
		return &Node{Kind: KindVar, Name: t.text}, nil

	default:
		return nil, errAt(t.pos, "unexpected %q", t.text)
	}
}

func (p *parser) parseCall(name token) (*Node, error) {
	spec, ok := functions[name.text]
	if !ok {
		return nil, errAt(name.pos, "unknown function %q", name.text)
	}
	p.next() // consume '('

	var args []*Node
	if p.peek().kind != tokRParen {
		for {
			arg, err := p.parseTernary()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.peek().kind != tokComma {
				break
			}
			p.next()
		}
	}
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}

	if len(args) < spec.minArgs || len(args) > spec.maxArgs {
		return nil, errAt(name.pos, "%s expects %s arguments, got %d",
			name.text, arityString(spec), len(args))
	}
	if spec.windowArg >= 0 {
		w := args[spec.windowArg]
		if w.Kind != KindConst || w.Value != math.Trunc(w.Value) || w.Value < 1 {
			return nil, errAt(name.pos, "%s window must be a positive integer literal", name.text)
		}
	}
	return &Node{Kind: KindCall, Name: name.text, Args: args}, nil
}

func arityString(spec funcSpec) string {
	if spec.minArgs == spec.maxArgs {
		return strconv.Itoa(spec.minArgs)
	}
	return strconv.Itoa(spec.minArgs) + " to " + strconv.Itoa(spec.maxArgs)
}
