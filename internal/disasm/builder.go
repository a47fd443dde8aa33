package disasm

import (
	"fmt"

	"bilift/internal/il"
	"bilift/internal/varctx"
)

// builder accumulates the IL of one instruction.
type builder struct {
	ctx  *varctx.Context
	out  []il.Stmt
	ntmp int
}

func newBuilder(ctx *varctx.Context, addr uint64) *builder {
	return &builder{ctx: ctx, out: []il.Stmt{il.NewLabel(addr)}}
}

func (b *builder) emit(s il.Stmt) { b.out = append(b.out, s) }

func (b *builder) move(v il.Var, e il.Expr) { b.emit(&il.Move{Var: v, Expr: e}) }

func (b *builder) jmp(target il.Expr) { b.emit(&il.Jmp{Target: target}) }

func (b *builder) cjmp(cond, then, els il.Expr) {
	b.emit(&il.CJmp{Cond: cond, Then: then, Else: els})
}

func (b *builder) special(format string, args ...any) {
	b.emit(&il.Special{Desc: fmt.Sprintf(format, args...)})
}

// temp binds e to a fresh scoped temporary.
func (b *builder) temp(width int, e il.Expr) il.Var {
	v := b.ctx.Extend(fmt.Sprintf("t%d", b.ntmp), il.Reg(width))
	b.ntmp++
	b.move(v, e)
	return v
}

func (b *builder) reg(name string) il.Var { return b.ctx.Lookup(name) }

func (b *builder) load(addr il.Expr, width int) il.Expr {
	return il.Load{Mem: b.ctx.Mem(), Addr: addr, Width: width}
}

func (b *builder) store(addr, val il.Expr, width int) {
	mem := b.ctx.Mem()
	b.move(mem, il.Store{Mem: mem, Addr: addr, Value: val, Width: width})
}

func msb(e il.Expr, width int) il.Expr { return il.Extract{Hi: width - 1, Lo: width - 1, X: e} }

func isZero(e il.Expr, width int) il.Expr { return il.Bin(il.Eq, e, il.Num(0, width)) }

func not(e il.Expr) il.Expr { return il.UnOp{Op: il.Not, X: e} }

func and(l, r il.Expr) il.Expr { return il.Bin(il.And, l, r) }

func or(l, r il.Expr) il.Expr { return il.Bin(il.Or, l, r) }

// resize zero extends or truncates e from width from to width to.
func resize(e il.Expr, from, to int) il.Expr {
	switch {
	case from < to:
		return il.Cast{Kind: il.Unsigned, Width: to, X: e}
	case from > to:
		return il.Cast{Kind: il.Low, Width: to, X: e}
	}
	return e
}

// addOverflow is the signed overflow bit of res = a + b.
func addOverflow(a, b, res il.Expr, width int) il.Expr {
	return msb(and(il.Bin(il.Xor, a, res), il.Bin(il.Xor, b, res)), width)
}

// subOverflow is the signed overflow bit of res = a - b.
func subOverflow(a, b, res il.Expr, width int) il.Expr {
	return msb(and(il.Bin(il.Xor, a, b), il.Bin(il.Xor, a, res)), width)
}
