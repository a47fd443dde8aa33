// Package disasm decodes machine instructions with golang.org/x/arch and
// lifts them to IL. Each supported architecture is one Backend.
package disasm

import (
	"errors"
	"fmt"
	"strings"

	"bilift/internal/arch"
	"bilift/internal/il"
	"bilift/internal/loader"
	"bilift/internal/varctx"
)

// Backend decodes and lifts one instruction at a time.
type Backend interface {
	Arch() arch.Arch

	// Lift decodes the instruction at addr and returns its IL and the
	// address of the following instruction. Decoding failures are
	// reported as *DecodeError; an unreadable addr yields the
	// accessor's *loader.MemoryError.
	Lift(ctx *varctx.Context, mem loader.ByteReader, addr uint64) ([]il.Stmt, uint64, error)

	// InstructionLength returns the length of the instruction at addr, a
	// best guess if it does not decode, or -1 if nothing at addr is readable.
	InstructionLength(mem loader.ByteReader, addr uint64) int

	// InstructionText returns the disassembly of the instruction at addr.
	InstructionText(mem loader.ByteReader, addr uint64) string
}

// DecodeError reports bytes that do not form a valid instruction.
type DecodeError struct {
	Addr  uint64
	Bytes []byte
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode at %#x (% x): %v", e.Addr, e.Bytes, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// errUnsupported marks decodable instructions without lifting semantics.
var errUnsupported = errors.New("unsupported")

// ForArch returns the backend for a.
func ForArch(a arch.Arch) (Backend, error) {
	switch a {
	case arch.X86:
		return &x86Backend{arch: a, mode: 32}, nil
	case arch.X86_64:
		return &x86Backend{arch: a, mode: 64}, nil
	case arch.ARM64:
		return arm64Backend{}, nil
	}
	return nil, fmt.Errorf("%w: no disassembler for %v", arch.ErrUnsupportedArchitecture, a)
}

// Inst is a decoded instruction of a listing.
type Inst struct {
	VA   uint64 // virtual address of instruction
	Len  int
	Text string // formatted disassembly string
	Op   string // mnemonic in lowercase
}

// Stream is a linear sequence of instructions.
type Stream []Inst

// Disassemble decodes [start, end) linearly. Undecodable bytes become
// "(bad)" entries; decoding stops at the first unreadable address.
func Disassemble(b Backend, mem loader.ByteReader, start, end uint64) Stream {
	var out Stream
	for addr := start; addr < end; {
		n := b.InstructionLength(mem, addr)
		if n <= 0 {
			break
		}
		text := b.InstructionText(mem, addr)
		op := text
		if i := strings.IndexByte(text, ' '); i >= 0 {
			op = text[:i]
		}
		out = append(out, Inst{VA: addr, Len: n, Text: text, Op: strings.ToLower(op)})
		addr += uint64(n)
	}
	return out
}

// unsupported lifts an instruction without semantics to its label and a
// Special naming it.
func unsupported(addr uint64, text string) []il.Stmt {
	return []il.Stmt{
		il.NewLabel(addr),
		&il.Special{Desc: "unsupported: " + text},
	}
}
