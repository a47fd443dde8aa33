// Package lift turns the bytes of a loaded image, or standalone byte
// buffers, into IL one instruction at a time.
package lift

import (
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/log"

	"bilift/internal/arch"
	"bilift/internal/disasm"
	"bilift/internal/il"
	"bilift/internal/loader"
	"bilift/internal/varctx"
)

// Lifter lifts instructions of one architecture. It owns a variable
// context and must not be used concurrently.
type Lifter struct {
	arch    arch.Arch
	backend disasm.Backend
	ctx     *varctx.Context
	logger  *log.Logger
}

// Option configures a Lifter.
type Option func(*Lifter)

// WithLogger sets the logger used for warnings and statistics.
func WithLogger(l *log.Logger) Option {
	return func(lf *Lifter) { lf.logger = l }
}

// WithBackend replaces the disassembly backend for the architecture.
func WithBackend(b disasm.Backend) Option {
	return func(lf *Lifter) { lf.backend = b }
}

// New returns a lifter for a. It fails with arch.ErrUnsupportedArchitecture
// if no register declarations or backend exist for a.
func New(a arch.Arch, opts ...Option) (*Lifter, error) {
	ctx, err := varctx.ForArch(a)
	if err != nil {
		return nil, err
	}
	l := &Lifter{arch: a, ctx: ctx}
	for _, opt := range opts {
		opt(l)
	}
	if l.backend == nil {
		if l.backend, err = disasm.ForArch(a); err != nil {
			return nil, err
		}
	}
	if l.logger == nil {
		l.logger = log.New(io.Discard)
	}
	return l, nil
}

// Arch returns the architecture of l.
func (l *Lifter) Arch() arch.Arch { return l.arch }

// Context returns the variable context IL produced by l refers to.
func (l *Lifter) Context() *varctx.Context { return l.ctx }

// Backend returns the disassembly backend of l.
func (l *Lifter) Backend() disasm.Backend { return l.backend }

// liftAt lifts the instruction at addr read through mem. An undecodable
// instruction becomes a single Special; if not even its length can be
// determined the address is reported as a *loader.MemoryError.
func (l *Lifter) liftAt(mem loader.ByteReader, addr uint64) ([]il.Stmt, uint64, error) {
	var (
		stmts []il.Stmt
		next  uint64
	)
	err := l.ctx.Scoped(func() error {
		var err error
		stmts, next, err = l.backend.Lift(l.ctx, mem, addr)
		return err
	})

	var derr *disasm.DecodeError
	if errors.As(err, &derr) {
		n := l.backend.InstructionLength(mem, addr)
		if n <= 0 {
			return nil, 0, &loader.MemoryError{Addr: addr}
		}
		l.logger.Debug("decode failure", "addr", fmt.Sprintf("%#x", addr), "err", derr.Err)
		desc := fmt.Sprintf("decode failure at %#x: %v", addr, derr.Err)
		return []il.Stmt{&il.Special{Desc: desc}}, addr + uint64(n), nil
	}
	if err != nil {
		return nil, 0, err
	}

	if lbl, ok := stmts[0].(*il.Label); ok {
		lbl.Attrs = append(lbl.Attrs, il.Asm(l.backend.InstructionText(mem, addr)))
	}
	return stmts, next, nil
}

// LiftOne lifts the instruction at addr from the executable sections of
// img. It returns the IL and the address of the next instruction.
func (l *Lifter) LiftOne(img *loader.Image, addr uint64) ([]il.Stmt, uint64, error) {
	stmts, next, err := l.liftAt(img.ExecByte(), addr)
	if err != nil {
		return nil, 0, err
	}
	if lbl, ok := stmts[0].(*il.Label); ok {
		if sym, ok := img.SymbolAt(addr); ok {
			lbl.Attrs = append(lbl.Attrs, il.Str("symbol:"+sym.Demangled))
		}
	}
	return stmts, next, nil
}

// LiftByteBuffer lifts the single instruction at the start of buf, which is
// mapped at addr. It returns the IL and the number of bytes consumed, which
// never exceeds len(buf) even for a truncated instruction.
func (l *Lifter) LiftByteBuffer(addr uint64, buf []byte) ([]il.Stmt, int, error) {
	stmts, next, err := l.liftAt(loader.BufferReader(addr, buf), addr)
	if err != nil {
		return nil, 0, err
	}
	return stmts, min(int(next-addr), len(buf)), nil
}

// LiftByteBuffer is Lifter.LiftByteBuffer with a fresh lifter for a.
func LiftByteBuffer(a arch.Arch, addr uint64, buf []byte) ([]il.Stmt, int, error) {
	l, err := New(a)
	if err != nil {
		return nil, 0, err
	}
	return l.LiftByteBuffer(addr, buf)
}

// LiftByteSequence lifts consecutive instructions of buf until it is
// exhausted, one IL slice per instruction.
func (l *Lifter) LiftByteSequence(buf []byte, addr uint64) ([][]il.Stmt, error) {
	var out [][]il.Stmt
	for off := 0; off < len(buf); {
		stmts, n, err := l.LiftByteBuffer(addr+uint64(off), buf[off:])
		if err != nil {
			return out, err
		}
		out = append(out, stmts)
		off += n
	}
	return out, nil
}
