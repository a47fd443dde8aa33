package lift

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"bilift/internal/arch"
	"bilift/internal/il"
	"bilift/internal/loader"
)

func nops(n int) []byte { return bytes.Repeat([]byte{0x90}, n) }

func textImage(a arch.Arch, addr uint64, code []byte) *loader.Image {
	return loader.New(a, loader.Section{
		Name:  ".text",
		Addr:  addr,
		Size:  uint64(len(code)),
		Flags: loader.Loaded | loader.Readable | loader.Exec,
		Data:  code,
	})
}

func newLifter(t *testing.T, a arch.Arch) *Lifter {
	t.Helper()
	l, err := New(a)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func labelAddrs(stmts []il.Stmt) []uint64 {
	var out []uint64
	for _, s := range stmts {
		if lbl, ok := s.(*il.Label); ok {
			if a, ok := lbl.ID.(il.AddrLabel); ok {
				out = append(out, uint64(a))
			}
		}
	}
	return out
}

func TestLiftRangeEmpty(t *testing.T) {
	l := newLifter(t, arch.X86_64)
	img := textImage(arch.X86_64, 0x1000, nops(16))
	tests := []struct{ start, end uint64 }{
		{0x1008, 0x1008},
		{0x1008, 0x1004},
		{0x2000, 0x1000},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%#x-%#x", tt.start, tt.end), func(t *testing.T) {
			got, err := l.LiftRange(img, tt.start, tt.end)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 0 {
				t.Errorf("got %d statements, want none", len(got))
			}
		})
	}
}

func TestLiftRangeStopsBeforeEnd(t *testing.T) {
	const base = 0x400000
	// push rbp; mov rbp, rsp; nop; nop; ret
	code := []byte{0x55, 0x48, 0x89, 0xe5, 0x90, 0x90, 0xc3}
	l := newLifter(t, arch.X86_64)
	img := textImage(arch.X86_64, base, code)
	for end := uint64(base + 1); end <= base+uint64(len(code)); end++ {
		stmts, err := l.LiftRange(img, base, end)
		if err != nil {
			t.Fatal(err)
		}
		addrs := labelAddrs(stmts)
		if len(addrs) == 0 {
			t.Fatalf("end %#x: no instructions lifted", end)
		}
		if last := addrs[len(addrs)-1]; last >= end {
			t.Errorf("end %#x: last instruction at %#x", end, last)
		}
	}
}

func TestLiftRangeStopsAtUnmapped(t *testing.T) {
	l := newLifter(t, arch.X86_64)
	img := textImage(arch.X86_64, 0x1000, nops(4))
	stmts, err := l.LiftRange(img, 0x1000, 0x2000)
	if err != nil {
		t.Fatalf("LiftRange returned %v, want partial result", err)
	}
	if got := labelAddrs(stmts); len(got) != 4 {
		t.Errorf("lifted %d instructions, want 4", len(got))
	}
}

func TestDecodeFailureSpecial(t *testing.T) {
	const addr = 0x1000
	l := newLifter(t, arch.X86_64)
	img := textImage(arch.X86_64, addr, []byte{0x06, 0x90})
	stmts, next, err := l.LiftOne(img, addr)
	if err != nil {
		t.Fatal(err)
	}
	if len(stmts) != 1 {
		t.Fatalf("got %d statements, want 1", len(stmts))
	}
	sp, ok := stmts[0].(*il.Special)
	if !ok {
		t.Fatalf("statement %v, want special", stmts[0])
	}
	if !strings.Contains(sp.Desc, "0x1000") {
		t.Errorf("description %q does not name the address", sp.Desc)
	}
	if next <= addr {
		t.Errorf("next = %#x, want > %#x", next, addr)
	}

	all, err := l.LiftRange(img, addr, addr+2)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("range lifted %d statements, want special and nop label", len(all))
	}
}

func TestNopRoundTrip(t *testing.T) {
	const base = 0x8000
	for _, n := range []int{1, 2, 7, 32} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			l := newLifter(t, arch.X86_64)
			img := textImage(arch.X86_64, base, nops(n))
			addr := uint64(base)
			count := 0
			for i := 0; i < n; i++ {
				stmts, next, err := l.LiftOne(img, addr)
				if err != nil {
					t.Fatal(err)
				}
				count += len(stmts)
				addr = next
			}
			if addr != base+uint64(n) {
				t.Errorf("next = %#x, want %#x", addr, base+n)
			}
			if count != n {
				t.Errorf("got %d statements, want one label per nop (%d)", count, n)
			}
		})
	}
}

func TestLabelAnnotations(t *testing.T) {
	l := newLifter(t, arch.X86_64)
	img := textImage(arch.X86_64, 0x1000, []byte{0x90, 0xc3})
	img.AddSymbol("_ZN3foo3barEv", 0x1000, 2)

	stmts, _, err := l.LiftOne(img, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	attrs := il.AttrsOf(stmts[0])
	if asm, ok := il.Find[il.Asm](attrs); !ok || asm != "nop" {
		t.Errorf("asm attribute = %q, %v; want nop", asm, ok)
	}
	if sym, ok := il.Find[il.Str](attrs); !ok || sym != "symbol:foo::bar()" {
		t.Errorf("symbol attribute = %q, %v", sym, ok)
	}

	stmts, _, err = l.LiftOne(img, 0x1001)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := il.Find[il.Str](il.AttrsOf(stmts[0])); ok {
		t.Error("ret carries a symbol attribute")
	}
}

func TestLiftProgram(t *testing.T) {
	img := loader.New(arch.X86_64,
		loader.Section{Name: ".init", Addr: 0x1000, Size: 2, Flags: loader.Loaded | loader.Exec, Data: []byte{0x90, 0xc3}},
		loader.Section{Name: ".data", Addr: 0x2000, Size: 4, Flags: loader.Loaded | loader.Writable, Data: nops(4)},
		loader.Section{Name: ".text", Addr: 0x3000, Size: 3, Flags: loader.Loaded | loader.Exec, Data: []byte{0x90, 0x0f, 0x0b}},
	)
	l := newLifter(t, arch.X86_64)
	prog, err := l.LiftProgram(img)
	if err != nil {
		t.Fatal(err)
	}
	want := []uint64{0x1000, 0x1001, 0x3000, 0x3001}
	got := labelAddrs(prog.Stmts)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("labels = %#x, want %#x", got, want)
	}
	if len(prog.Sections) != 2 {
		t.Fatalf("got stats for %d sections, want 2", len(prog.Sections))
	}
	if st := prog.Sections[1]; st.Name != ".text" || st.Insts != 2 || st.Unsupported != 1 {
		t.Errorf(".text stats = %+v", st)
	}
}

func TestLiftClosedImage(t *testing.T) {
	l := newLifter(t, arch.X86_64)
	img := textImage(arch.X86_64, 0x1000, nops(4))
	img.Close()
	if _, err := l.LiftRange(img, 0x1000, 0x1004); !errors.Is(err, loader.ErrClosed) {
		t.Errorf("LiftRange on closed image error = %v, want ErrClosed", err)
	}

	data := loader.New(arch.X86_64, loader.Section{Name: ".data", Addr: 0x2000, Size: 4, Flags: loader.Loaded | loader.Readable, Data: nops(4)})
	data.Close()
	if _, err := l.LiftProgram(data); !errors.Is(err, loader.ErrClosed) {
		t.Errorf("LiftProgram on closed image error = %v, want ErrClosed", err)
	}
}

func TestLiftByteBuffer(t *testing.T) {
	stmts, n, err := LiftByteBuffer(arch.ARM64, 0x10000, []byte{0x1f, 0x20, 0x03, 0xd5})
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 || len(stmts) != 1 {
		t.Errorf("consumed %d bytes into %d statements, want 4 and 1", n, len(stmts))
	}

	stmts, n, err = LiftByteBuffer(arch.ARM64, 0x10000, []byte{0x1f, 0x20})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("truncated word consumed %d bytes, want 2", n)
	}
	if _, ok := stmts[0].(*il.Special); !ok {
		t.Errorf("truncated word lifted to %v, want a decode failure special", stmts[0])
	}
	l := newLifter(t, arch.ARM64)
	seq, err := l.LiftByteSequence([]byte{0x1f, 0x20, 0x03, 0xd5, 0x1f, 0x20}, 0x10000)
	if err != nil {
		t.Fatal(err)
	}
	if len(seq) != 2 {
		t.Errorf("sequence with a truncated tail lifted to %d instructions, want 2", len(seq))
	}

	if _, _, err := LiftByteBuffer(arch.X86_64, 0, nil); err == nil {
		t.Error("empty buffer lifted")
	}
	if _, _, err := LiftByteBuffer(arch.Unknown, 0, nops(1)); !errors.Is(err, arch.ErrUnsupportedArchitecture) {
		t.Errorf("unknown arch error = %v", err)
	}
}

func TestLiftByteSequence(t *testing.T) {
	tests := []struct {
		name string
		arch arch.Arch
		buf  []byte
		want int
	}{
		{name: "x86 mixed lengths", arch: arch.X86_64, buf: []byte{0x55, 0x48, 0x89, 0xe5, 0x90, 0xc3}, want: 4},
		{name: "arm64 trailing fragment", arch: arch.ARM64, buf: []byte{0x1f, 0x20, 0x03, 0xd5, 0xc0, 0x03}, want: 2},
		{name: "empty", arch: arch.X86, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newLifter(t, tt.arch)
			got, err := l.LiftByteSequence(tt.buf, 0x1000)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d instructions, want %d", len(got), tt.want)
			}
		})
	}
}
