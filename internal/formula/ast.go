// Package formula compiles alpha expressions into a validated AST and
// evaluates them against OHLCV history.
//
// The grammar is closed: six price/volume symbols, arithmetic and boolean
// operators, comparisons, a ternary, and a fixed allow-list of functions
// with fixed arities. Anything outside that set is a compile error — there
// is no partial success. Compilation is pure and deterministic: the same
// text always yields a structurally identical Program.
//
// Evaluation comes in two modes: Evaluate walks a Program against a single
// instrument's series, EvaluateCross runs across a universe so that rank
// and indneutralize can operate cross-sectionally per timestamp.
package formula

import "fmt"

// Kind identifies the variant of an AST node. The set is closed — the
// evaluator switches exhaustively over it.
type Kind uint8

const (
	KindConst Kind = iota
	KindVar
	KindUnary
	KindBinary
	KindCompare
	KindTernary
	KindCall
)

// Op identifies an operator for unary, binary and compare nodes.
type Op uint8

const (
	OpAdd Op = iota
	OpSub
	OpMul
	OpDiv
	OpPow
	OpMod
	OpNeg
	OpPos
	OpNot
	OpAnd
	OpOr
	OpGT
	OpLT
	OpGE
	OpLE
	OpEQ
	OpNE
)

var opNames = map[Op]string{
	OpAdd: "+", OpSub: "-", OpMul: "*", OpDiv: "/", OpPow: "^", OpMod: "%",
	OpNeg: "-", OpPos: "+", OpNot: "not", OpAnd: "and", OpOr: "or",
	OpGT: ">", OpLT: "<", OpGE: ">=", OpLE: "<=", OpEQ: "==", OpNE: "!=",
}

// Node is a single AST node. Which fields are meaningful depends on Kind:
// Value for KindConst, Name for KindVar and KindCall, Op for KindUnary,
// KindBinary and KindCompare. Args holds the children (one for unary, two
// for binary/compare, three for ternary, the call arity for KindCall).
type Node struct {
	Kind  Kind
	Value float64
	Name  string
	Op    Op
	Args  []*Node
}

// Program is a compiled, validated formula.
type Program struct {
	Source string
	Root   *Node
}

// Equal reports structural equality with another Program. Source text is
// not compared — two spellings of the same tree are equal.
func (p *Program) Equal(other *Program) bool {
	if p == nil || other == nil {
		return p == other
	}
	return nodeEqual(p.Root, other.Root)
}

func nodeEqual(a, b *Node) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Kind != b.Kind || a.Value != b.Value || a.Name != b.Name || a.Op != b.Op {
		return false
	}
	if len(a.Args) != len(b.Args) {
		return false
	}
	for i := range a.Args {
		if !nodeEqual(a.Args[i], b.Args[i]) {
			return false
		}
	}
	return true
}

// String renders the node as an s-expression, used by alphacheck and in
// test failure output.
func (n *Node) String() string {
	switch n.Kind {
	case KindConst:
		return fmt.Sprintf("%g", n.Value)
	case KindVar:
		return n.Name
	case KindUnary:
		return fmt.Sprintf("(%s %s)", opNames[n.Op], n.Args[0])
	case KindBinary, KindCompare:
		return fmt.Sprintf("(%s %s %s)", opNames[n.Op], n.Args[0], n.Args[1])
	case KindTernary:
		return fmt.Sprintf("(if %s %s %s)", n.Args[0], n.Args[1], n.Args[2])
	case KindCall:
		s := "(" + n.Name
		for _, a := range n.Args {
			s += " " + a.String()
		}
		return s + ")"
	default:
		return "?"
	}
}

// CompileError describes why a formula failed to compile, with the byte
// offset into the source text.
type CompileError struct {
	Pos int
	Msg string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("formula: %s (at offset %d)", e.Msg, e.Pos)
}

func errAt(pos int, format string, args ...any) *CompileError {
	return &CompileError{Pos: pos, Msg: fmt.Sprintf(format, args...)}
}
