package disasm

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"bilift/internal/arch"
	"bilift/internal/il"
	"bilift/internal/loader"
	"bilift/internal/varctx"
)

// maxX86Len is the architectural limit on x86 instruction length.
const maxX86Len = 15

type x86Backend struct {
	arch arch.Arch
	mode int
}

func (b *x86Backend) Arch() arch.Arch { return b.arch }

func (b *x86Backend) decode(mem loader.ByteReader, addr uint64) (x86asm.Inst, error) {
	buf, err := loader.ReadBytes(mem, addr, maxX86Len)
	if err != nil {
		return x86asm.Inst{}, err
	}
	inst, err := x86asm.Decode(buf, b.mode)
	if err == nil && inst.Op == 0 {
		// A lone prefix: the decoder ran out of bytes.
		err = x86asm.ErrTruncated
	}
	if err != nil {
		return x86asm.Inst{}, &DecodeError{Addr: addr, Bytes: buf, Err: err}
	}
	return inst, nil
}

func (b *x86Backend) InstructionLength(mem loader.ByteReader, addr uint64) int {
	inst, err := b.decode(mem, addr)
	if err != nil {
		var derr *DecodeError
		if errors.As(err, &derr) {
			return 1
		}
		return -1
	}
	return inst.Len
}

func (b *x86Backend) InstructionText(mem loader.ByteReader, addr uint64) string {
	inst, err := b.decode(mem, addr)
	if err != nil {
		return "(bad)"
	}
	return x86asm.IntelSyntax(inst, addr, nil)
}

func (b *x86Backend) Lift(ctx *varctx.Context, mem loader.ByteReader, addr uint64) ([]il.Stmt, uint64, error) {
	inst, err := b.decode(mem, addr)
	if err != nil {
		return nil, 0, err
	}
	next := addr + uint64(inst.Len)
	l := &x86Lifter{
		builder: newBuilder(ctx, addr),
		arch:    b.arch,
		inst:    inst,
		next:    next,
		bits:    b.mode,
	}
	if err := l.lift(); err != nil {
		if errors.Is(err, errUnsupported) {
			return unsupported(addr, x86asm.IntelSyntax(inst, addr, nil)), next, nil
		}
		return nil, 0, err
	}
	return l.out, next, nil
}

type x86Lifter struct {
	*builder
	arch arch.Arch
	inst x86asm.Inst
	next uint64
	bits int
}

// regSlot locates a register view inside its full-width register.
type regSlot struct {
	full   string
	width  int
	hiByte bool // AH, CH, DH, BH
}

func (l *x86Lifter) slot(r x86asm.Reg) (regSlot, error) {
	gpr := arch.GPR(l.arch)
	var idx, width int
	hi := false
	switch {
	case r >= x86asm.AL && r <= x86asm.BL:
		idx, width = int(r-x86asm.AL), 8
	case r >= x86asm.AH && r <= x86asm.BH:
		idx, width, hi = int(r-x86asm.AH), 8, true
	case r >= x86asm.SPB && r <= x86asm.DIB:
		idx, width = 4+int(r-x86asm.SPB), 8
	case r >= x86asm.R8B && r <= x86asm.R15B:
		idx, width = 8+int(r-x86asm.R8B), 8
	case r >= x86asm.AX && r <= x86asm.R15W:
		idx, width = int(r-x86asm.AX), 16
	case r >= x86asm.EAX && r <= x86asm.R15L:
		idx, width = int(r-x86asm.EAX), 32
	case r >= x86asm.RAX && r <= x86asm.R15:
		idx, width = int(r-x86asm.RAX), 64
	default:
		return regSlot{}, fmt.Errorf("%w: register %v", errUnsupported, r)
	}
	if idx >= len(gpr) || width > l.bits {
		return regSlot{}, fmt.Errorf("%w: register %v in %d-bit mode", errUnsupported, r, l.bits)
	}
	return regSlot{full: gpr[idx], width: width, hiByte: hi}, nil
}

func (l *x86Lifter) readReg(r x86asm.Reg) (il.Expr, int, error) {
	switch r {
	case x86asm.RIP, x86asm.EIP, x86asm.IP:
		return il.Num(l.next, l.bits), l.bits, nil
	}
	s, err := l.slot(r)
	if err != nil {
		return nil, 0, err
	}
	full := l.reg(s.full)
	switch {
	case s.hiByte:
		return il.Extract{Hi: 15, Lo: 8, X: full}, 8, nil
	case s.width == l.bits:
		return full, s.width, nil
	}
	return il.Extract{Hi: s.width - 1, Lo: 0, X: full}, s.width, nil
}

// writeReg assigns val to r. 32-bit writes in 64-bit mode clear the upper
// half; narrower writes preserve the untouched bits.
func (l *x86Lifter) writeReg(r x86asm.Reg, val il.Expr) error {
	s, err := l.slot(r)
	if err != nil {
		return err
	}
	full := l.reg(s.full)
	var e il.Expr
	switch {
	case s.width == l.bits:
		e = val
	case s.width == 32:
		e = il.Cast{Kind: il.Unsigned, Width: l.bits, X: val}
	case s.hiByte:
		e = il.Concat{
			Hi: il.Concat{Hi: il.Extract{Hi: l.bits - 1, Lo: 16, X: full}, Lo: val},
			Lo: il.Extract{Hi: 7, Lo: 0, X: full},
		}
	default:
		e = il.Concat{Hi: il.Extract{Hi: l.bits - 1, Lo: s.width, X: full}, Lo: val}
	}
	l.move(full, e)
	return nil
}

func (l *x86Lifter) addr(m x86asm.Mem) (il.Expr, error) {
	w := l.bits
	if m.Base == x86asm.RIP || m.Base == x86asm.EIP {
		return il.Num(l.next+uint64(m.Disp), w), nil
	}
	var sum il.Expr
	add := func(e il.Expr) {
		if sum == nil {
			sum = e
			return
		}
		sum = il.Bin(il.Plus, sum, e)
	}
	if m.Base != 0 {
		base, bw, err := l.readReg(m.Base)
		if err != nil {
			return nil, err
		}
		add(resize(base, bw, w))
	}
	if m.Index != 0 {
		idx, iw, err := l.readReg(m.Index)
		if err != nil {
			return nil, err
		}
		idx = resize(idx, iw, w)
		if m.Scale > 1 {
			idx = il.Bin(il.Times, idx, il.Num(uint64(m.Scale), w))
		}
		add(idx)
	}
	if m.Disp != 0 || sum == nil {
		add(il.Num(uint64(m.Disp), w))
	}
	switch m.Segment {
	case x86asm.FS:
		sum = il.Bin(il.Plus, l.reg("FS_BASE"), sum)
	case x86asm.GS:
		sum = il.Bin(il.Plus, l.reg("GS_BASE"), sum)
	}
	if l.inst.AddrSize != 0 && l.inst.AddrSize < w {
		sum = il.Cast{Kind: il.Unsigned, Width: w, X: il.Cast{Kind: il.Low, Width: l.inst.AddrSize, X: sum}}
	}
	return sum, nil
}

// width returns the operand width of arg in bits; immediates take the
// width of the destination.
func (l *x86Lifter) width(arg x86asm.Arg, dst int) int {
	switch a := arg.(type) {
	case x86asm.Reg:
		if s, err := l.slot(a); err == nil {
			return s.width
		}
		return l.bits
	case x86asm.Mem:
		if l.inst.MemBytes > 0 {
			return l.inst.MemBytes * 8
		}
	}
	if dst > 0 {
		return dst
	}
	if l.inst.DataSize > 0 {
		return l.inst.DataSize
	}
	return l.bits
}

func (l *x86Lifter) read(arg x86asm.Arg, width int) (il.Expr, error) {
	switch a := arg.(type) {
	case x86asm.Reg:
		e, _, err := l.readReg(a)
		return e, err
	case x86asm.Mem:
		addr, err := l.addr(a)
		if err != nil {
			return nil, err
		}
		return l.load(addr, width), nil
	case x86asm.Imm:
		return il.Num(uint64(a), width), nil
	case x86asm.Rel:
		return il.Num(l.next+uint64(int64(a)), l.bits), nil
	}
	return nil, fmt.Errorf("%w: operand %v", errUnsupported, arg)
}

func (l *x86Lifter) write(arg x86asm.Arg, val il.Expr, width int) error {
	switch a := arg.(type) {
	case x86asm.Reg:
		return l.writeReg(a, val)
	case x86asm.Mem:
		addr, err := l.addr(a)
		if err != nil {
			return err
		}
		l.store(addr, val, width)
		return nil
	}
	return fmt.Errorf("%w: destination %v", errUnsupported, arg)
}

func (l *x86Lifter) flag(name string, e il.Expr) { l.move(l.reg(name), e) }

// resultFlags sets ZF, SF and PF from res.
func (l *x86Lifter) resultFlags(res il.Expr, width int) {
	l.flag("ZF", isZero(res, width))
	l.flag("SF", msb(res, width))
	l.flag("PF", il.Unknown{Desc: "parity", Width: 1})
}

func (l *x86Lifter) sp() il.Var { return l.reg(arch.GPR(l.arch)[4]) }

func (l *x86Lifter) bp() il.Var { return l.reg(arch.GPR(l.arch)[5]) }

func (l *x86Lifter) push(val il.Expr, width int) {
	sp := l.sp()
	l.move(sp, il.Bin(il.Minus, sp, il.Num(uint64(width/8), l.bits)))
	l.store(sp, val, width)
}

func (l *x86Lifter) pop(width int) il.Var {
	sp := l.sp()
	v := l.temp(width, l.load(sp, width))
	l.move(sp, il.Bin(il.Plus, sp, il.Num(uint64(width/8), l.bits)))
	return v
}

func (l *x86Lifter) nargs() int {
	n := 0
	for n < len(l.inst.Args) && l.inst.Args[n] != nil {
		n++
	}
	return n
}

func (l *x86Lifter) lift() error {
	in := l.inst
	args := in.Args
	switch in.Op {
	case x86asm.NOP:
		return nil

	case x86asm.MOV:
		w := l.width(args[0], 0)
		src, err := l.read(args[1], w)
		if err != nil {
			return err
		}
		return l.write(args[0], src, w)

	case x86asm.MOVZX, x86asm.MOVSX, x86asm.MOVSXD:
		w := l.width(args[0], 0)
		sw := l.width(args[1], 0)
		src, err := l.read(args[1], sw)
		if err != nil {
			return err
		}
		kind := il.Signed
		if in.Op == x86asm.MOVZX {
			kind = il.Unsigned
		}
		var e il.Expr = il.Cast{Kind: kind, Width: w, X: src}
		if sw >= w {
			e = resize(src, sw, w)
		}
		return l.write(args[0], e, w)

	case x86asm.LEA:
		m, ok := args[1].(x86asm.Mem)
		if !ok {
			return fmt.Errorf("%w: lea operand %v", errUnsupported, args[1])
		}
		w := l.width(args[0], 0)
		addr, err := l.addr(m)
		if err != nil {
			return err
		}
		return l.write(args[0], resize(addr, l.bits, w), w)

	case x86asm.ADD, x86asm.SUB, x86asm.CMP:
		return l.arith(in.Op)

	case x86asm.AND, x86asm.OR, x86asm.XOR, x86asm.TEST:
		return l.logic(in.Op)

	case x86asm.INC, x86asm.DEC:
		w := l.width(args[0], 0)
		src, err := l.read(args[0], w)
		if err != nil {
			return err
		}
		a := l.temp(w, src)
		one := il.Num(1, w)
		op := il.Plus
		if in.Op == x86asm.DEC {
			op = il.Minus
		}
		res := l.temp(w, il.Bin(op, a, one))
		if op == il.Plus {
			l.flag("OF", addOverflow(a, one, res, w))
		} else {
			l.flag("OF", subOverflow(a, one, res, w))
		}
		l.resultFlags(res, w)
		return l.write(args[0], res, w)

	case x86asm.NEG:
		w := l.width(args[0], 0)
		src, err := l.read(args[0], w)
		if err != nil {
			return err
		}
		a := l.temp(w, src)
		res := l.temp(w, il.UnOp{Op: il.Neg, X: a})
		zero := il.Num(0, w)
		l.flag("CF", il.Bin(il.Neq, a, zero))
		l.flag("OF", subOverflow(zero, a, res, w))
		l.resultFlags(res, w)
		return l.write(args[0], res, w)

	case x86asm.NOT:
		w := l.width(args[0], 0)
		src, err := l.read(args[0], w)
		if err != nil {
			return err
		}
		return l.write(args[0], not(src), w)

	case x86asm.XCHG:
		w := l.width(args[0], 0)
		a, err := l.read(args[0], w)
		if err != nil {
			return err
		}
		b, err := l.read(args[1], w)
		if err != nil {
			return err
		}
		ta := l.temp(w, a)
		tb := l.temp(w, b)
		if err := l.write(args[0], tb, w); err != nil {
			return err
		}
		return l.write(args[1], ta, w)

	case x86asm.PUSH:
		w := l.width(args[0], l.bits)
		if _, ok := args[0].(x86asm.Imm); ok {
			w = l.bits
		}
		src, err := l.read(args[0], w)
		if err != nil {
			return err
		}
		l.push(l.temp(w, src), w)
		return nil

	case x86asm.POP:
		w := l.width(args[0], l.bits)
		return l.write(args[0], l.pop(w), w)

	case x86asm.LEAVE:
		sp, bp := l.sp(), l.bp()
		l.move(sp, bp)
		l.move(bp, l.pop(l.bits))
		return nil

	case x86asm.CALL:
		target, err := l.read(args[0], l.bits)
		if err != nil {
			return err
		}
		t := l.temp(l.bits, target)
		l.push(il.Num(l.next, l.bits), l.bits)
		l.jmp(t)
		return nil

	case x86asm.RET:
		ret := l.pop(l.bits)
		if imm, ok := args[0].(x86asm.Imm); ok && imm != 0 {
			sp := l.sp()
			l.move(sp, il.Bin(il.Plus, sp, il.Num(uint64(imm), l.bits)))
		}
		l.jmp(ret)
		return nil

	case x86asm.JMP:
		target, err := l.read(args[0], l.bits)
		if err != nil {
			return err
		}
		l.jmp(target)
		return nil

	case x86asm.HLT:
		l.special("halt at %#x", l.next-uint64(in.Len))
		return nil

	case x86asm.INT:
		var n uint64
		if imm, ok := args[0].(x86asm.Imm); ok {
			n = uint64(imm)
		}
		l.special("interrupt %#x", n)
		return nil

	case x86asm.SYSCALL:
		l.special("syscall")
		return nil

	case x86asm.MUL:
		return l.mul()
	}

	if jcc, ok := cmovJcc[in.Op]; ok {
		cond, _ := l.condition(jcc)
		w := l.width(args[0], 0)
		dst, err := l.read(args[0], w)
		if err != nil {
			return err
		}
		src, err := l.read(args[1], w)
		if err != nil {
			return err
		}
		return l.write(args[0], il.Ite{Cond: cond, Then: src, Else: dst}, w)
	}

	if cond, ok := l.condition(in.Op); ok {
		target, err := l.read(args[0], l.bits)
		if err != nil {
			return err
		}
		l.cjmp(cond, target, il.Num(l.next, l.bits))
		return nil
	}
	return fmt.Errorf("%w: %v", errUnsupported, in.Op)
}

// cmovJcc maps each conditional move to the jump testing the same flags.
var cmovJcc = map[x86asm.Op]x86asm.Op{
	x86asm.CMOVA: x86asm.JA, x86asm.CMOVAE: x86asm.JAE,
	x86asm.CMOVB: x86asm.JB, x86asm.CMOVBE: x86asm.JBE,
	x86asm.CMOVE: x86asm.JE, x86asm.CMOVNE: x86asm.JNE,
	x86asm.CMOVG: x86asm.JG, x86asm.CMOVGE: x86asm.JGE,
	x86asm.CMOVL: x86asm.JL, x86asm.CMOVLE: x86asm.JLE,
	x86asm.CMOVO: x86asm.JO, x86asm.CMOVNO: x86asm.JNO,
	x86asm.CMOVS: x86asm.JS, x86asm.CMOVNS: x86asm.JNS,
	x86asm.CMOVP: x86asm.JP, x86asm.CMOVNP: x86asm.JNP,
}

// mulRegs are the accumulator and high half destination of MUL by width.
var mulRegs = map[int][2]x86asm.Reg{
	8:  {x86asm.AL, x86asm.AH},
	16: {x86asm.AX, x86asm.DX},
	32: {x86asm.EAX, x86asm.EDX},
	64: {x86asm.RAX, x86asm.RDX},
}

// mul lifts the one operand unsigned multiply. The double width product
// lands in AX for bytes and in the DX:AX pair otherwise.
func (l *x86Lifter) mul() error {
	arg := l.inst.Args[0]
	w := l.width(arg, 0)
	regs, ok := mulRegs[w]
	if !ok {
		return fmt.Errorf("%w: mul width %d", errUnsupported, w)
	}
	src, err := l.read(arg, w)
	if err != nil {
		return err
	}
	acc, _, err := l.readReg(regs[0])
	if err != nil {
		return err
	}
	wide := func(e il.Expr) il.Expr { return il.Cast{Kind: il.Unsigned, Width: 2 * w, X: e} }
	prod := l.temp(2*w, il.Bin(il.Times, wide(acc), wide(src)))
	high := l.temp(w, il.Cast{Kind: il.High, Width: w, X: prod})
	l.flag("CF", il.Bin(il.Neq, high, il.Num(0, w)))
	l.flag("OF", l.reg("CF"))
	l.flag("ZF", il.Unknown{Desc: "mul ZF", Width: 1})
	l.flag("SF", il.Unknown{Desc: "mul SF", Width: 1})
	if w == 8 {
		return l.writeReg(x86asm.AX, prod)
	}
	if err := l.writeReg(regs[0], il.Cast{Kind: il.Low, Width: w, X: prod}); err != nil {
		return err
	}
	return l.writeReg(regs[1], high)
}

func (l *x86Lifter) arith(op x86asm.Op) error {
	args := l.inst.Args
	w := l.width(args[0], 0)
	dst, err := l.read(args[0], w)
	if err != nil {
		return err
	}
	src, err := l.read(args[1], l.width(args[1], w))
	if err != nil {
		return err
	}
	a := l.temp(w, dst)
	b := l.temp(w, src)
	if op == x86asm.ADD {
		res := l.temp(w, il.Bin(il.Plus, a, b))
		l.flag("CF", il.Bin(il.Lt, res, a))
		l.flag("OF", addOverflow(a, b, res, w))
		l.resultFlags(res, w)
		return l.write(args[0], res, w)
	}
	res := l.temp(w, il.Bin(il.Minus, a, b))
	l.flag("CF", il.Bin(il.Lt, a, b))
	l.flag("OF", subOverflow(a, b, res, w))
	l.resultFlags(res, w)
	if op == x86asm.CMP {
		return nil
	}
	return l.write(args[0], res, w)
}

func (l *x86Lifter) logic(op x86asm.Op) error {
	args := l.inst.Args
	w := l.width(args[0], 0)
	dst, err := l.read(args[0], w)
	if err != nil {
		return err
	}
	src, err := l.read(args[1], l.width(args[1], w))
	if err != nil {
		return err
	}
	kind := map[x86asm.Op]il.BinOpKind{
		x86asm.AND:  il.And,
		x86asm.TEST: il.And,
		x86asm.OR:   il.Or,
		x86asm.XOR:  il.Xor,
	}[op]
	res := l.temp(w, il.Bin(kind, dst, src))
	l.flag("CF", il.False)
	l.flag("OF", il.False)
	l.resultFlags(res, w)
	if op == x86asm.TEST {
		return nil
	}
	return l.write(args[0], res, w)
}

// condition returns the branch condition of a conditional jump.
func (l *x86Lifter) condition(op x86asm.Op) (il.Expr, bool) {
	f := func(name string) il.Expr { return l.reg(name) }
	sfNeOf := il.Bin(il.Neq, f("SF"), f("OF"))
	switch op {
	case x86asm.JA:
		return and(not(f("CF")), not(f("ZF"))), true
	case x86asm.JAE:
		return not(f("CF")), true
	case x86asm.JB:
		return f("CF"), true
	case x86asm.JBE:
		return or(f("CF"), f("ZF")), true
	case x86asm.JE:
		return f("ZF"), true
	case x86asm.JNE:
		return not(f("ZF")), true
	case x86asm.JG:
		return and(not(f("ZF")), not(sfNeOf)), true
	case x86asm.JGE:
		return not(sfNeOf), true
	case x86asm.JL:
		return sfNeOf, true
	case x86asm.JLE:
		return or(f("ZF"), sfNeOf), true
	case x86asm.JO:
		return f("OF"), true
	case x86asm.JNO:
		return not(f("OF")), true
	case x86asm.JS:
		return f("SF"), true
	case x86asm.JNS:
		return not(f("SF")), true
	case x86asm.JP:
		return f("PF"), true
	case x86asm.JNP:
		return not(f("PF")), true
	case x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ:
		r := map[x86asm.Op]x86asm.Reg{x86asm.JCXZ: x86asm.CX, x86asm.JECXZ: x86asm.ECX, x86asm.JRCXZ: x86asm.RCX}[op]
		cx, w, err := l.readReg(r)
		if err != nil {
			return nil, false
		}
		return isZero(cx, w), true
	}
	return nil, false
}
