package disasm

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"

	"bilift/internal/arch"
	"bilift/internal/il"
	"bilift/internal/loader"
	"bilift/internal/varctx"
)

type arm64Backend struct{}

func (arm64Backend) Arch() arch.Arch { return arch.ARM64 }

func (arm64Backend) decode(mem loader.ByteReader, addr uint64) (arm64asm.Inst, error) {
	buf, err := loader.ReadBytes(mem, addr, 4)
	if err != nil {
		return arm64asm.Inst{}, err
	}
	if len(buf) < 4 {
		return arm64asm.Inst{}, &DecodeError{Addr: addr, Bytes: buf, Err: errors.New("truncated instruction")}
	}
	inst, err := arm64asm.Decode(buf)
	if err != nil {
		return arm64asm.Inst{}, &DecodeError{Addr: addr, Bytes: buf, Err: err}
	}
	return inst, nil
}

// InstructionLength is fixed at 4 for anything readable.
func (arm64Backend) InstructionLength(mem loader.ByteReader, addr uint64) int {
	if _, err := mem(addr); err != nil {
		return -1
	}
	return 4
}

func (b arm64Backend) InstructionText(mem loader.ByteReader, addr uint64) string {
	inst, err := b.decode(mem, addr)
	if err != nil {
		return "(bad)"
	}
	return arm64asm.GNUSyntax(inst)
}

func (b arm64Backend) Lift(ctx *varctx.Context, mem loader.ByteReader, addr uint64) ([]il.Stmt, uint64, error) {
	inst, err := b.decode(mem, addr)
	if err != nil {
		return nil, 0, err
	}
	l := &arm64Lifter{builder: newBuilder(ctx, addr), inst: inst, pc: addr}
	if err := l.lift(); err != nil {
		if errors.Is(err, errUnsupported) {
			return unsupported(addr, arm64asm.GNUSyntax(inst)), addr + 4, nil
		}
		return nil, 0, err
	}
	return l.out, addr + 4, nil
}

type arm64Lifter struct {
	*builder
	inst arm64asm.Inst
	pc   uint64
}

// regInfo resolves an arm64asm register to its 64-bit backing variable
// name and view width. An empty name is the zero register.
func regInfo(arg arm64asm.Arg) (name string, width int, err error) {
	switch r := arg.(type) {
	case arm64asm.RegSP:
		switch arm64asm.Reg(r) {
		case arm64asm.SP:
			return "SP", 64, nil
		case arm64asm.WSP:
			return "SP", 32, nil
		}
		return regInfo(arm64asm.Reg(r))
	case arm64asm.Reg:
		switch {
		case r >= arm64asm.W0 && r <= arm64asm.W30:
			return fmt.Sprintf("X%d", r-arm64asm.W0), 32, nil
		case r == arm64asm.WZR:
			return "", 32, nil
		case r >= arm64asm.X0 && r <= arm64asm.X30:
			return fmt.Sprintf("X%d", r-arm64asm.X0), 64, nil
		case r == arm64asm.XZR:
			return "", 64, nil
		}
	}
	return "", 0, fmt.Errorf("%w: register %v", errUnsupported, arg)
}

func (l *arm64Lifter) readReg(arg arm64asm.Arg) (il.Expr, int, error) {
	name, w, err := regInfo(arg)
	if err != nil {
		return nil, 0, err
	}
	if name == "" {
		return il.Num(0, w), w, nil
	}
	v := l.reg(name)
	if w == 32 {
		return il.Extract{Hi: 31, Lo: 0, X: v}, w, nil
	}
	return v, w, nil
}

// writeReg assigns val; W views zero the upper half and the zero register
// discards the write.
func (l *arm64Lifter) writeReg(arg arm64asm.Arg, val il.Expr) error {
	name, w, err := regInfo(arg)
	if err != nil {
		return err
	}
	if name == "" {
		return nil
	}
	if w == 32 {
		val = il.Cast{Kind: il.Unsigned, Width: 64, X: val}
	}
	l.move(l.reg(name), val)
	return nil
}

// parseImm reads a "#imm" or "#imm, LSL #n" operand string the way the
// assembler prints it.
func parseImm(s string) (imm uint64, shift uint, ok bool) {
	head, tail, _ := strings.Cut(s, ",")
	head = strings.TrimPrefix(strings.TrimSpace(head), "#")
	v, err := strconv.ParseInt(head, 0, 64)
	if err != nil {
		u, uerr := strconv.ParseUint(head, 0, 64)
		if uerr != nil {
			return 0, 0, false
		}
		v = int64(u)
	}
	tail = strings.TrimSpace(tail)
	if tail != "" {
		amt, found := strings.CutPrefix(tail, "LSL #")
		if !found {
			return 0, 0, false
		}
		n, err := strconv.ParseUint(amt, 10, 8)
		if err != nil {
			return 0, 0, false
		}
		shift = uint(n)
	}
	return uint64(v), shift, true
}

// immediate returns the value of an immediate operand truncated to width.
func immediate(arg arm64asm.Arg, width int) (il.Expr, bool) {
	switch a := arg.(type) {
	case arm64asm.Imm:
		return il.Num(uint64(a.Imm), width), true
	case arm64asm.Imm64:
		return il.Num(a.Imm, width), true
	case arm64asm.ImmShift:
		imm, shift, ok := parseImm(a.String())
		if !ok {
			return nil, false
		}
		return il.Num(imm<<shift, width), true
	}
	return nil, false
}

// operand reads a register, immediate or shifted register source.
func (l *arm64Lifter) operand(arg arm64asm.Arg, width int) (il.Expr, error) {
	if e, ok := immediate(arg, width); ok {
		return e, nil
	}
	switch a := arg.(type) {
	case arm64asm.Reg, arm64asm.RegSP:
		e, _, err := l.readReg(a)
		return e, err
	case arm64asm.RegExtshiftAmount:
		return l.shifted(a, width)
	}
	return nil, fmt.Errorf("%w: operand %v", errUnsupported, arg)
}

var regNames = func() map[string]arm64asm.Reg {
	m := make(map[string]arm64asm.Reg)
	for r := arm64asm.W0; r <= arm64asm.XZR; r++ {
		m[r.String()] = r
	}
	return m
}()

// shifted evaluates "Rm{, shift #amount}" and "Rm, extend {#amount}" forms.
func (l *arm64Lifter) shifted(a arm64asm.RegExtshiftAmount, width int) (il.Expr, error) {
	parts := strings.SplitN(a.String(), ", ", 2)
	r, ok := regNames[parts[0]]
	if !ok {
		return nil, fmt.Errorf("%w: operand %v", errUnsupported, a)
	}
	src, sw, err := l.readReg(r)
	if err != nil {
		return nil, err
	}
	if len(parts) == 1 {
		return resize(src, sw, width), nil
	}
	kind, amtStr, _ := strings.Cut(parts[1], " #")
	var amt uint64
	if amtStr != "" {
		if amt, err = strconv.ParseUint(amtStr, 10, 8); err != nil {
			return nil, fmt.Errorf("%w: operand %v", errUnsupported, a)
		}
	}
	shift := func(e il.Expr, op il.BinOpKind) il.Expr {
		if amt == 0 {
			return e
		}
		return il.Bin(op, e, il.Num(amt, width))
	}
	ext := func(kind il.CastKind, from int) il.Expr {
		return shift(il.Cast{Kind: kind, Width: width, X: il.Cast{Kind: il.Low, Width: from, X: src}}, il.LShift)
	}
	switch kind {
	case "LSL":
		return shift(resize(src, sw, width), il.LShift), nil
	case "LSR":
		return shift(resize(src, sw, width), il.RShift), nil
	case "ASR":
		return shift(resize(src, sw, width), il.ARShift), nil
	case "UXTB":
		return ext(il.Unsigned, 8), nil
	case "UXTH":
		return ext(il.Unsigned, 16), nil
	case "UXTW":
		return ext(il.Unsigned, 32), nil
	case "SXTB":
		return ext(il.Signed, 8), nil
	case "SXTH":
		return ext(il.Signed, 16), nil
	case "SXTW":
		return ext(il.Signed, 32), nil
	case "UXTX", "SXTX":
		return shift(resize(src, sw, width), il.LShift), nil
	}
	return nil, fmt.Errorf("%w: operand %v", errUnsupported, a)
}

// memOffset parses the immediate of a MemImmediate from its printed form.
func memOffset(m arm64asm.MemImmediate) (int64, bool) {
	s := m.String()
	i := strings.IndexByte(s, '#')
	if i < 0 {
		return 0, true
	}
	num := strings.TrimRight(s[i+1:], "]!")
	v, err := strconv.ParseInt(num, 10, 64)
	return v, err == nil
}

// access computes the address of a memory operand. The returned writeback
// func applies pre or post indexing and must run after the access.
func (l *arm64Lifter) access(arg arm64asm.Arg) (il.Expr, func(), error) {
	switch m := arg.(type) {
	case arm64asm.PCRel:
		return il.Num(l.pc+uint64(int64(m)), 64), func() {}, nil
	case arm64asm.MemImmediate:
		if m.Mode == arm64asm.AddrPostReg {
			break
		}
		off, ok := memOffset(m)
		if !ok {
			break
		}
		base, _, err := l.readReg(m.Base)
		if err != nil {
			return nil, nil, err
		}
		baseVar := l.temp(64, base)
		offset := il.Num(uint64(off), 64)
		switch m.Mode {
		case arm64asm.AddrOffset:
			if off == 0 {
				return baseVar, func() {}, nil
			}
			return il.Bin(il.Plus, baseVar, offset), func() {}, nil
		case arm64asm.AddrPreIndex:
			addr := l.temp(64, il.Bin(il.Plus, baseVar, offset))
			return addr, func() { l.writeReg(m.Base, addr) }, nil
		case arm64asm.AddrPostIndex:
			return baseVar, func() { l.writeReg(m.Base, il.Bin(il.Plus, baseVar, offset)) }, nil
		}
	}
	return nil, nil, fmt.Errorf("%w: memory operand %v", errUnsupported, arg)
}

func (l *arm64Lifter) target(arg arm64asm.Arg) (il.Expr, error) {
	if rel, ok := arg.(arm64asm.PCRel); ok {
		return il.Num(l.pc+uint64(int64(rel)), 64), nil
	}
	e, _, err := l.readReg(arg)
	return e, err
}

func (l *arm64Lifter) next() il.Expr { return il.Num(l.pc+4, 64) }

func (l *arm64Lifter) nzcv(res il.Expr, width int, c, v il.Expr) {
	l.move(l.reg("NF"), msb(res, width))
	l.move(l.reg("ZF"), isZero(res, width))
	l.move(l.reg("CF"), c)
	l.move(l.reg("VF"), v)
}

func (l *arm64Lifter) lift() error {
	in := l.inst
	args := in.Args
	switch in.Op {
	case arm64asm.NOP:
		return nil

	case arm64asm.MOV:
		_, w, err := regInfo(args[0])
		if err != nil {
			return err
		}
		src, err := l.operand(args[1], w)
		if err != nil {
			return err
		}
		return l.writeReg(args[0], src)

	case arm64asm.MOVZ, arm64asm.MOVK:
		_, w, err := regInfo(args[0])
		if err != nil {
			return err
		}
		is, ok := args[1].(arm64asm.ImmShift)
		if !ok {
			return fmt.Errorf("%w: %v operand %v", errUnsupported, in.Op, args[1])
		}
		imm, shift, ok := parseImm(is.String())
		if !ok {
			return fmt.Errorf("%w: immediate %v", errUnsupported, is)
		}
		val := il.Expr(il.Num(imm<<shift, w))
		if in.Op == arm64asm.MOVK {
			cur, _, err := l.readReg(args[0])
			if err != nil {
				return err
			}
			keep := il.Num(^(uint64(0xffff) << shift), w)
			val = or(and(cur, keep), val)
		}
		return l.writeReg(args[0], val)

	case arm64asm.ADD, arm64asm.SUB, arm64asm.ADDS, arm64asm.SUBS:
		return l.arith(in.Op, args[0], args[1], args[2])

	case arm64asm.CMP:
		return l.arith(arm64asm.SUBS, nil, args[0], args[1])

	case arm64asm.CMN:
		return l.arith(arm64asm.ADDS, nil, args[0], args[1])

	case arm64asm.AND, arm64asm.ANDS, arm64asm.ORR, arm64asm.EOR:
		return l.logic(in.Op, args[0], args[1], args[2])

	case arm64asm.TST:
		return l.logic(arm64asm.ANDS, nil, args[0], args[1])

	case arm64asm.ADR, arm64asm.ADRP:
		rel, ok := args[1].(arm64asm.PCRel)
		if !ok {
			return fmt.Errorf("%w: %v operand %v", errUnsupported, in.Op, args[1])
		}
		base := l.pc
		if in.Op == arm64asm.ADRP {
			base &^= 0xfff
		}
		return l.writeReg(args[0], il.Num(base+uint64(int64(rel)), 64))

	case arm64asm.LDR, arm64asm.LDUR, arm64asm.LDRB:
		_, w, err := regInfo(args[0])
		if err != nil {
			return err
		}
		size := w
		if in.Op == arm64asm.LDRB {
			size = 8
		}
		addr, writeback, err := l.access(args[1])
		if err != nil {
			return err
		}
		val := l.temp(size, l.load(addr, size))
		writeback()
		return l.writeReg(args[0], resize(val, size, w))

	case arm64asm.STR, arm64asm.STUR, arm64asm.STRB:
		src, w, err := l.readReg(args[0])
		if err != nil {
			return err
		}
		size := w
		if in.Op == arm64asm.STRB {
			size = 8
			src = resize(src, w, 8)
		}
		addr, writeback, err := l.access(args[1])
		if err != nil {
			return err
		}
		l.store(addr, src, size)
		writeback()
		return nil

	case arm64asm.LDP, arm64asm.STP:
		return l.pair(in.Op == arm64asm.LDP, args[0], args[1], args[2])

	case arm64asm.B:
		if cond, ok := args[0].(arm64asm.Cond); ok {
			t, err := l.target(args[1])
			if err != nil {
				return err
			}
			l.cjmp(l.condition(cond), t, l.next())
			return nil
		}
		t, err := l.target(args[0])
		if err != nil {
			return err
		}
		l.jmp(t)
		return nil

	case arm64asm.BR:
		t, err := l.target(args[0])
		if err != nil {
			return err
		}
		l.jmp(t)
		return nil

	case arm64asm.BL, arm64asm.BLR:
		t, err := l.target(args[0])
		if err != nil {
			return err
		}
		dest := l.temp(64, t)
		l.move(l.reg("X30"), l.next())
		l.jmp(dest)
		return nil

	case arm64asm.RET:
		var t il.Expr = l.reg("X30")
		if args[0] != nil {
			var err error
			if t, err = l.target(args[0]); err != nil {
				return err
			}
		}
		l.jmp(t)
		return nil

	case arm64asm.CBZ, arm64asm.CBNZ:
		src, w, err := l.readReg(args[0])
		if err != nil {
			return err
		}
		t, err := l.target(args[1])
		if err != nil {
			return err
		}
		cond := isZero(src, w)
		if in.Op == arm64asm.CBNZ {
			cond = not(cond)
		}
		l.cjmp(cond, t, l.next())
		return nil

	case arm64asm.SVC:
		var n uint64
		if imm, ok := args[0].(arm64asm.Imm); ok {
			n = uint64(imm.Imm)
		}
		l.special("svc %#x", n)
		return nil
	}
	return fmt.Errorf("%w: %v", errUnsupported, in.Op)
}

// arith lifts ADD/SUB and their flag setting forms. A nil dst discards the
// result, as CMP and CMN do.
func (l *arm64Lifter) arith(op arm64asm.Op, dst, src1, src2 arm64asm.Arg) error {
	lhs, w, err := l.readReg(src1)
	if err != nil {
		return err
	}
	rhs, err := l.operand(src2, w)
	if err != nil {
		return err
	}
	a := l.temp(w, lhs)
	b := l.temp(w, rhs)
	sub := op == arm64asm.SUB || op == arm64asm.SUBS
	kind := il.Plus
	if sub {
		kind = il.Minus
	}
	res := l.temp(w, il.Bin(kind, a, b))
	switch {
	case op == arm64asm.ADDS:
		l.nzcv(res, w, il.Bin(il.Lt, res, a), addOverflow(a, b, res, w))
	case op == arm64asm.SUBS:
		l.nzcv(res, w, il.Bin(il.Le, b, a), subOverflow(a, b, res, w))
	}
	if dst == nil {
		return nil
	}
	return l.writeReg(dst, res)
}

func (l *arm64Lifter) logic(op arm64asm.Op, dst, src1, src2 arm64asm.Arg) error {
	lhs, w, err := l.readReg(src1)
	if err != nil {
		return err
	}
	rhs, err := l.operand(src2, w)
	if err != nil {
		return err
	}
	kind := map[arm64asm.Op]il.BinOpKind{
		arm64asm.AND:  il.And,
		arm64asm.ANDS: il.And,
		arm64asm.ORR:  il.Or,
		arm64asm.EOR:  il.Xor,
	}[op]
	res := l.temp(w, il.Bin(kind, lhs, rhs))
	if op == arm64asm.ANDS {
		l.nzcv(res, w, il.False, il.False)
	}
	if dst == nil {
		return nil
	}
	return l.writeReg(dst, res)
}

// pair lifts LDP and STP.
func (l *arm64Lifter) pair(load bool, r1, r2, mem arm64asm.Arg) error {
	_, w, err := regInfo(r1)
	if err != nil {
		return err
	}
	addr, writeback, err := l.access(mem)
	if err != nil {
		return err
	}
	base := l.temp(64, addr)
	second := il.Bin(il.Plus, base, il.Num(uint64(w/8), 64))
	if load {
		v1 := l.temp(w, l.load(base, w))
		v2 := l.temp(w, l.load(second, w))
		writeback()
		if err := l.writeReg(r1, v1); err != nil {
			return err
		}
		return l.writeReg(r2, v2)
	}
	v1, _, err := l.readReg(r1)
	if err != nil {
		return err
	}
	v2, _, err := l.readReg(r2)
	if err != nil {
		return err
	}
	t1 := l.temp(w, v1)
	t2 := l.temp(w, v2)
	l.store(base, t1, w)
	l.store(second, t2, w)
	writeback()
	return nil
}

// condition evaluates a condition code against NZCV.
func (l *arm64Lifter) condition(c arm64asm.Cond) il.Expr {
	n, z, cf, v := l.reg("NF"), l.reg("ZF"), l.reg("CF"), l.reg("VF")
	nEqV := il.Bin(il.Eq, n, v)
	switch c.String() {
	case "EQ":
		return z
	case "NE":
		return not(z)
	case "CS", "HS":
		return cf
	case "CC", "LO":
		return not(cf)
	case "MI":
		return n
	case "PL":
		return not(n)
	case "VS":
		return v
	case "VC":
		return not(v)
	case "HI":
		return and(cf, not(z))
	case "LS":
		return or(not(cf), z)
	case "GE":
		return nEqV
	case "LT":
		return not(nEqV)
	case "GT":
		return and(not(z), nEqV)
	case "LE":
		return or(z, not(nEqV))
	}
	return il.True
}
