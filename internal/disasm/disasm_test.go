package disasm

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"bilift/internal/arch"
	"bilift/internal/il"
	"bilift/internal/loader"
	"bilift/internal/varctx"
)

func liftAt(t *testing.T, a arch.Arch, addr uint64, code []byte) ([]il.Stmt, uint64, error) {
	t.Helper()
	b, err := ForArch(a)
	if err != nil {
		t.Fatal(err)
	}
	ctx, err := varctx.ForArch(a)
	if err != nil {
		t.Fatal(err)
	}
	before := ctx.Len()
	var (
		stmts []il.Stmt
		next  uint64
	)
	err = ctx.Scoped(func() error {
		var lerr error
		stmts, next, lerr = b.Lift(ctx, loader.BufferReader(addr, code), addr)
		return lerr
	})
	if ctx.Len() != before {
		t.Fatalf("context leaked %d names", ctx.Len()-before)
	}
	return stmts, next, err
}

func arm64Words(words ...uint32) []byte {
	buf := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[4*i:], w)
	}
	return buf
}

func lastStmt(stmts []il.Stmt) il.Stmt { return stmts[len(stmts)-1] }

func assigns(stmts []il.Stmt, name string) bool {
	for _, s := range stmts {
		if m, ok := s.(*il.Move); ok && m.Var.Name == name {
			return true
		}
	}
	return false
}

func TestX86Lift(t *testing.T) {
	const addr = 0x401000
	tests := []struct {
		name  string
		arch  arch.Arch
		code  []byte
		len   uint64
		check func(t *testing.T, stmts []il.Stmt)
	}{
		{
			name: "nop is a bare label",
			arch: arch.X86_64,
			code: []byte{0x90},
			len:  1,
			check: func(t *testing.T, stmts []il.Stmt) {
				if len(stmts) != 1 {
					t.Fatalf("got %d statements, want 1", len(stmts))
				}
			},
		},
		{
			name: "add sets flags and destination",
			arch: arch.X86_64,
			code: []byte{0x48, 0x01, 0xd8}, // add rax, rbx
			len:  3,
			check: func(t *testing.T, stmts []il.Stmt) {
				for _, name := range []string{"RAX", "CF", "OF", "ZF", "SF"} {
					if !assigns(stmts, name) {
						t.Errorf("%s not assigned", name)
					}
				}
			},
		},
		{
			name: "32-bit write zero extends",
			arch: arch.X86_64,
			code: []byte{0x31, 0xc0}, // xor eax, eax
			len:  2,
			check: func(t *testing.T, stmts []il.Stmt) {
				m, ok := lastStmt(stmts).(*il.Move)
				if !ok || m.Var.Name != "RAX" {
					t.Fatalf("last statement %v, want move to RAX", lastStmt(stmts))
				}
				if c, ok := m.Expr.(il.Cast); !ok || c.Kind != il.Unsigned || c.Width != 64 {
					t.Errorf("RAX = %v, want zero extension", m.Expr)
				}
			},
		},
		{
			name: "ret jumps to popped address",
			arch: arch.X86_64,
			code: []byte{0xc3},
			len:  1,
			check: func(t *testing.T, stmts []il.Stmt) {
				if _, ok := lastStmt(stmts).(*il.Jmp); !ok {
					t.Errorf("last statement %v, want jmp", lastStmt(stmts))
				}
				if !assigns(stmts, "RSP") {
					t.Error("RSP not adjusted")
				}
			},
		},
		{
			name: "cmov selects with the jump condition",
			arch: arch.X86_64,
			code: []byte{0x48, 0x0f, 0x4c, 0xc3}, // cmovl rax, rbx
			len:  4,
			check: func(t *testing.T, stmts []il.Stmt) {
				m, ok := lastStmt(stmts).(*il.Move)
				if !ok || m.Var.Name != "RAX" {
					t.Fatalf("last statement %v, want move to RAX", lastStmt(stmts))
				}
				ite, ok := m.Expr.(il.Ite)
				if !ok {
					t.Fatalf("RAX = %v, want if-then-else", m.Expr)
				}
				if c, ok := ite.Cond.(il.BinOp); !ok || c.Op != il.Neq {
					t.Errorf("condition %v, want SF <> OF", ite.Cond)
				}
				if v, ok := ite.Then.(il.Var); !ok || v.Name != "RBX" {
					t.Errorf("taken value %v, want RBX", ite.Then)
				}
			},
		},
		{
			name: "mul splits the product into RDX:RAX",
			arch: arch.X86_64,
			code: []byte{0x48, 0xf7, 0xe3}, // mul rbx
			len:  3,
			check: func(t *testing.T, stmts []il.Stmt) {
				for _, name := range []string{"RAX", "RDX", "CF", "OF"} {
					if !assigns(stmts, name) {
						t.Errorf("%s not assigned", name)
					}
				}
				high := false
				for _, s := range stmts {
					if m, ok := s.(*il.Move); ok {
						if c, ok := m.Expr.(il.Cast); ok && c.Kind == il.High && c.Width == 64 {
							high = true
						}
					}
				}
				if !high {
					t.Error("no high half of the 128-bit product")
				}
			},
		},
		{
			name: "conditional jump targets",
			arch: arch.X86_64,
			code: []byte{0x74, 0x11}, // jz .+0x11
			len:  2,
			check: func(t *testing.T, stmts []il.Stmt) {
				cj, ok := lastStmt(stmts).(*il.CJmp)
				if !ok {
					t.Fatalf("last statement %v, want cjmp", lastStmt(stmts))
				}
				if got := cj.Then.(il.Int).Value; got != addr+2+0x11 {
					t.Errorf("target %#x, want %#x", got, addr+2+0x11)
				}
				if got := cj.Else.(il.Int).Value; got != addr+2 {
					t.Errorf("fallthrough %#x, want %#x", got, addr+2)
				}
			},
		},
		{
			name: "call pushes return address",
			arch: arch.X86,
			code: []byte{0xe8, 0x00, 0x01, 0x00, 0x00},
			len:  5,
			check: func(t *testing.T, stmts []il.Stmt) {
				if !assigns(stmts, "ESP") || !assigns(stmts, "mem") {
					t.Error("call does not push")
				}
				if _, ok := lastStmt(stmts).(*il.Jmp); !ok {
					t.Errorf("last statement %v, want jmp", lastStmt(stmts))
				}
			},
		},
		{
			name: "high byte register",
			arch: arch.X86,
			code: []byte{0x88, 0xe0}, // mov al, ah
			len:  2,
			check: func(t *testing.T, stmts []il.Stmt) {
				m := lastStmt(stmts).(*il.Move)
				if m.Var.Name != "EAX" {
					t.Fatalf("writes %s, want EAX", m.Var.Name)
				}
				if !strings.Contains(m.Expr.String(), "extract:15:8") {
					t.Errorf("EAX = %v, want AH extraction", m.Expr)
				}
			},
		},
		{
			name: "syscall is special",
			arch: arch.X86_64,
			code: []byte{0x0f, 0x05},
			len:  2,
			check: func(t *testing.T, stmts []il.Stmt) {
				if sp, ok := lastStmt(stmts).(*il.Special); !ok || sp.Desc != "syscall" {
					t.Errorf("last statement %v, want syscall special", lastStmt(stmts))
				}
			},
		},
		{
			name: "unsupported opcode",
			arch: arch.X86_64,
			code: []byte{0x0f, 0x0b}, // ud2
			len:  2,
			check: func(t *testing.T, stmts []il.Stmt) {
				if len(stmts) != 2 {
					t.Fatalf("got %d statements, want 2", len(stmts))
				}
				sp, ok := stmts[1].(*il.Special)
				if !ok || !strings.HasPrefix(sp.Desc, "unsupported: ud2") {
					t.Errorf("statement %v, want unsupported special", stmts[1])
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stmts, next, err := liftAt(t, tt.arch, addr, tt.code)
			if err != nil {
				t.Fatalf("Lift failed: %v", err)
			}
			if next != addr+tt.len {
				t.Errorf("next = %#x, want %#x", next, addr+tt.len)
			}
			if lbl, ok := stmts[0].(*il.Label); !ok || lbl.ID != il.AddrLabel(addr) {
				t.Fatalf("first statement %v, want label at %#x", stmts[0], addr)
			}
			tt.check(t, stmts)
		})
	}
}

func TestARM64Lift(t *testing.T) {
	const addr = 0x10000
	tests := []struct {
		name  string
		word  uint32
		check func(t *testing.T, stmts []il.Stmt)
	}{
		{
			name: "nop",
			word: 0xd503201f,
			check: func(t *testing.T, stmts []il.Stmt) {
				if len(stmts) != 1 {
					t.Fatalf("got %d statements, want 1", len(stmts))
				}
			},
		},
		{
			name: "add immediate",
			word: 0x91004020, // add x0, x1, #0x10
			check: func(t *testing.T, stmts []il.Stmt) {
				m := lastStmt(stmts).(*il.Move)
				if m.Var.Name != "X0" {
					t.Errorf("writes %s, want X0", m.Var.Name)
				}
				if assigns(stmts, "ZF") {
					t.Error("add without s sets flags")
				}
			},
		},
		{
			name: "mov wide immediate",
			word: 0xd2824680, // mov x0, #0x1234
			check: func(t *testing.T, stmts []il.Stmt) {
				m := lastStmt(stmts).(*il.Move)
				if v, ok := m.Expr.(il.Int); !ok || v.Value != 0x1234 {
					t.Errorf("X0 = %v, want 0x1234", m.Expr)
				}
			},
		},
		{
			name: "conditional branch",
			word: 0x54000040, // b.eq .+8
			check: func(t *testing.T, stmts []il.Stmt) {
				cj, ok := lastStmt(stmts).(*il.CJmp)
				if !ok {
					t.Fatalf("last statement %v, want cjmp", lastStmt(stmts))
				}
				if got := cj.Then.(il.Int).Value; got != addr+8 {
					t.Errorf("target %#x, want %#x", got, addr+8)
				}
				if v, ok := cj.Cond.(il.Var); !ok || v.Name != "ZF" {
					t.Errorf("condition %v, want ZF", cj.Cond)
				}
			},
		},
		{
			name: "branch with link",
			word: 0x94000040, // bl .+0x100
			check: func(t *testing.T, stmts []il.Stmt) {
				if !assigns(stmts, "X30") {
					t.Error("link register not written")
				}
				if _, ok := lastStmt(stmts).(*il.Jmp); !ok {
					t.Errorf("last statement %v, want jmp", lastStmt(stmts))
				}
			},
		},
		{
			name: "store pair pre-index",
			word: 0xa9bf7bfd, // stp x29, x30, [sp,#-16]!
			check: func(t *testing.T, stmts []il.Stmt) {
				m := lastStmt(stmts).(*il.Move)
				if m.Var.Name != "SP" {
					t.Errorf("last write to %s, want SP writeback", m.Var.Name)
				}
				if !assigns(stmts, "mem") {
					t.Error("no store")
				}
			},
		},
		{
			name: "load unsigned offset",
			word: 0xf9400420, // ldr x0, [x1,#8]
			check: func(t *testing.T, stmts []il.Stmt) {
				m := lastStmt(stmts).(*il.Move)
				if m.Var.Name != "X0" {
					t.Errorf("writes %s, want X0", m.Var.Name)
				}
				if !strings.Contains(stmts[1].String(), "X1") {
					t.Errorf("address not based on X1: %v", stmts[1])
				}
			},
		},
		{
			name: "return",
			word: 0xd65f03c0,
			check: func(t *testing.T, stmts []il.Stmt) {
				j, ok := lastStmt(stmts).(*il.Jmp)
				if !ok {
					t.Fatalf("last statement %v, want jmp", lastStmt(stmts))
				}
				if v, ok := j.Target.(il.Var); !ok || v.Name != "X30" {
					t.Errorf("target %v, want X30", j.Target)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stmts, next, err := liftAt(t, arch.ARM64, addr, arm64Words(tt.word))
			if err != nil {
				t.Fatalf("Lift failed: %v", err)
			}
			if next != addr+4 {
				t.Errorf("next = %#x, want %#x", next, addr+4)
			}
			if _, ok := stmts[0].(*il.Label); !ok {
				t.Fatalf("first statement %v, want label", stmts[0])
			}
			tt.check(t, stmts)
		})
	}
}

func TestDecodeFailures(t *testing.T) {
	tests := []struct {
		name   string
		arch   arch.Arch
		code   []byte
		length int
	}{
		{name: "x86_64 invalid opcode", arch: arch.X86_64, code: []byte{0x06}, length: 1},
		{name: "arm64 truncated word", arch: arch.ARM64, code: []byte{0x1f, 0x20}, length: 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := liftAt(t, tt.arch, 0x1000, tt.code)
			var derr *DecodeError
			if !errors.As(err, &derr) {
				t.Fatalf("Lift error = %v, want DecodeError", err)
			}
			if derr.Addr != 0x1000 {
				t.Errorf("DecodeError.Addr = %#x", derr.Addr)
			}
			b, _ := ForArch(tt.arch)
			mem := loader.BufferReader(0x1000, tt.code)
			if n := b.InstructionLength(mem, 0x1000); n != tt.length {
				t.Errorf("InstructionLength = %d, want %d", n, tt.length)
			}
			if n := b.InstructionLength(mem, 0x2000); n != -1 {
				t.Errorf("InstructionLength past buffer = %d, want -1", n)
			}
		})
	}
}

func TestUnmappedAddress(t *testing.T) {
	_, _, err := liftAt(t, arch.X86_64, 0x1000, nil)
	var merr *loader.MemoryError
	if !errors.As(err, &merr) {
		t.Fatalf("Lift error = %v, want MemoryError", err)
	}
}

func TestDisassemble(t *testing.T) {
	b, err := ForArch(arch.X86_64)
	if err != nil {
		t.Fatal(err)
	}
	code := []byte{0x55, 0x48, 0x89, 0xe5, 0x90, 0xc3}
	got := Disassemble(b, loader.BufferReader(0x1000, code), 0x1000, 0x1000+uint64(len(code)))
	want := []string{"push", "mov", "nop", "ret"}
	if len(got) != len(want) {
		t.Fatalf("got %d instructions, want %d", len(got), len(want))
	}
	for i, op := range want {
		if got[i].Op != op {
			t.Errorf("inst %d op = %q, want %q", i, got[i].Op, op)
		}
	}
	if got[1].VA != 0x1001 || got[1].Len != 3 {
		t.Errorf("mov at %#x len %d, want 0x1001 len 3", got[1].VA, got[1].Len)
	}
}

func TestForArchUnsupported(t *testing.T) {
	if _, err := ForArch(arch.Unknown); !errors.Is(err, arch.ErrUnsupportedArchitecture) {
		t.Errorf("ForArch(Unknown) error = %v", err)
	}
}

func TestParseImm(t *testing.T) {
	tests := []struct {
		in    string
		imm   uint64
		shift uint
		ok    bool
	}{
		{"#0x10", 0x10, 0, true},
		{"#0x1, LSL #12", 1, 12, true},
		{"#-8", ^uint64(7), 0, true},
		{"#0xff, MSL #8", 0, 0, false},
		{"X1", 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			imm, shift, ok := parseImm(tt.in)
			if ok != tt.ok || imm != tt.imm || shift != tt.shift {
				t.Errorf("parseImm(%q) = %#x, %d, %v; want %#x, %d, %v", tt.in, imm, shift, ok, tt.imm, tt.shift, tt.ok)
			}
		})
	}
}
