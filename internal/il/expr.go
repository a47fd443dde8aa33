package il

import "fmt"

// Expr is an IL expression.
type Expr interface {
	isExpr()
	String() string
}

// BinOpKind is a binary operator.
type BinOpKind int

const (
	Plus BinOpKind = iota
	Minus
	Times
	And
	Or
	Xor
	LShift
	RShift
	ARShift
	Eq
	Neq
	Lt // unsigned
	Le // unsigned
)

var binOpNames = [...]string{
	Plus: "+", Minus: "-", Times: "*",
	And: "&", Or: "|", Xor: "^",
	LShift: "<<", RShift: ">>", ARShift: "~>>",
	Eq: "==", Neq: "<>", Lt: "<", Le: "<=",
}

func (k BinOpKind) String() string {
	if int(k) < len(binOpNames) {
		return binOpNames[k]
	}
	return fmt.Sprintf("BinOp(%d)", int(k))
}

// UnOpKind is a unary operator.
type UnOpKind int

const (
	Neg UnOpKind = iota
	Not
)

func (k UnOpKind) String() string {
	if k == Neg {
		return "-"
	}
	return "~"
}

// CastKind selects how a Cast changes the width of its operand.
type CastKind int

const (
	Unsigned CastKind = iota // zero extend
	Signed                   // sign extend
	Low                      // keep the low bits
	High                     // keep the high bits
)

var castNames = [...]string{Unsigned: "pad", Signed: "extend", Low: "low", High: "high"}

func (k CastKind) String() string { return castNames[k] }

// Int is a bit vector constant.
type Int struct {
	Value uint64
	Width int
}

// BinOp applies a binary operator.
type BinOp struct {
	Op   BinOpKind
	L, R Expr
}

// UnOp applies a unary operator.
type UnOp struct {
	Op UnOpKind
	X  Expr
}

// Load reads Width bits, little endian, from memory Mem at Addr.
type Load struct {
	Mem   Expr
	Addr  Expr
	Width int
}

// Store is the memory Mem updated with Value written at Addr.
type Store struct {
	Mem   Expr
	Addr  Expr
	Value Expr
	Width int
}

// Cast changes the width of X.
type Cast struct {
	Kind  CastKind
	Width int
	X     Expr
}

// Extract selects bits Hi..Lo (inclusive) of X.
type Extract struct {
	Hi, Lo int
	X      Expr
}

// Concat joins Hi and Lo, Hi taking the most significant bits.
type Concat struct {
	Hi, Lo Expr
}

// Ite is an if-then-else expression.
type Ite struct {
	Cond, Then, Else Expr
}

// Unknown is a value the lifter cannot model.
type Unknown struct {
	Desc  string
	Width int
}

func (Int) isExpr()     {}
func (BinOp) isExpr()   {}
func (UnOp) isExpr()    {}
func (Load) isExpr()    {}
func (Store) isExpr()   {}
func (Cast) isExpr()    {}
func (Extract) isExpr() {}
func (Concat) isExpr()  {}
func (Ite) isExpr()     {}
func (Unknown) isExpr() {}

func (e Int) String() string     { return fmt.Sprintf("%#x:u%d", e.Value, e.Width) }
func (e BinOp) String() string   { return fmt.Sprintf("(%s %s %s)", e.L, e.Op, e.R) }
func (e UnOp) String() string    { return fmt.Sprintf("%s%s", e.Op, e.X) }
func (e Load) String() string    { return fmt.Sprintf("%s[%s, e]:u%d", e.Mem, e.Addr, e.Width) }
func (e Cast) String() string    { return fmt.Sprintf("%s:%d[%s]", e.Kind, e.Width, e.X) }
func (e Extract) String() string { return fmt.Sprintf("extract:%d:%d[%s]", e.Hi, e.Lo, e.X) }
func (e Concat) String() string  { return fmt.Sprintf("(%s.%s)", e.Hi, e.Lo) }
func (e Unknown) String() string { return fmt.Sprintf("unknown[%s]:u%d", e.Desc, e.Width) }

func (e Store) String() string {
	return fmt.Sprintf("%s with [%s, e]:u%d <- %s", e.Mem, e.Addr, e.Width, e.Value)
}

func (e Ite) String() string {
	return fmt.Sprintf("if %s then %s else %s", e.Cond, e.Then, e.Else)
}

// Num returns a constant truncated to width bits.
func Num(v uint64, width int) Int {
	if width < 64 {
		v &= 1<<uint(width) - 1
	}
	return Int{Value: v, Width: width}
}

// True and False are the one bit constants.
var (
	True  = Int{Value: 1, Width: 1}
	False = Int{Value: 0, Width: 1}
)

// Bin is shorthand for BinOp{op, l, r}.
func Bin(op BinOpKind, l, r Expr) Expr { return BinOp{Op: op, L: l, R: r} }
