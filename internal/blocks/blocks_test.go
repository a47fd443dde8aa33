package blocks

import (
	"bytes"
	"errors"
	"testing"

	"bilift/internal/arch"
	"bilift/internal/il"
	"bilift/internal/trace"
)

func TestSegment(t *testing.T) {
	mv := func() il.Stmt { return &il.Move{Var: il.Var{Name: "x", Type: il.Reg(8)}, Expr: il.Num(1, 8)} }
	tests := []struct {
		name  string
		stmts []il.Stmt
		sizes []int
	}{
		{name: "empty"},
		{
			name:  "single label",
			stmts: []il.Stmt{il.NewLabel(0x1000), mv(), mv(), &il.Special{Desc: "x"}, &il.Comment{Text: "note"}},
			sizes: []int{5},
		},
		{
			name:  "labels split",
			stmts: []il.Stmt{il.NewLabel(1), mv(), il.NewLabel(2), il.NewLabel(3), mv(), mv()},
			sizes: []int{2, 1, 3},
		},
		{
			name:  "named labels do not split",
			stmts: []il.Stmt{il.NewLabel(1), &il.Label{ID: il.NameLabel("loop")}, mv()},
			sizes: []int{3},
		},
		{
			name:  "leading statements",
			stmts: []il.Stmt{mv(), il.NewLabel(1), mv()},
			sizes: []int{1, 2},
		},
		{
			name: "markers split",
			stmts: append(append([]il.Stmt{il.NewLabel(1), mv(), &il.Comment{Text: trace.SeedMarker}, &il.Comment{Text: "filler"}},
				trace.EndMarker()...), il.NewLabel(2)),
			sizes: []int{2, 2, 2, 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Segment(tt.stmts)
			if len(got) != len(tt.sizes) {
				t.Fatalf("got %d blocks, want %d", len(got), len(tt.sizes))
			}
			var flat []il.Stmt
			for i, b := range got {
				if len(b) != tt.sizes[i] {
					t.Errorf("block %d has %d statements, want %d", i, len(b), tt.sizes[i])
				}
				flat = append(flat, b...)
			}
			for i := range flat {
				if flat[i] != tt.stmts[i] {
					t.Fatalf("statement %d out of order", i)
				}
			}
		})
	}
}

func TestBlockAddr(t *testing.T) {
	b := Segment([]il.Stmt{il.NewLabel(0x4000), &il.Special{Desc: "x"}})[0]
	if a, ok := b.Addr(); !ok || a != 0x4000 {
		t.Errorf("Addr() = %#x, %v", a, ok)
	}
	if _, ok := Block(trace.EndMarker()).Addr(); ok {
		t.Error("marker block has an address")
	}
}

func nop(addr uint64) trace.Frame {
	return &trace.StdFrame{Addr: addr, RawBytes: trace.HexBytes{0x90}}
}

// batches returns a refill that hands out the given batches, then empty
// ones, counting calls.
func batches(calls *int, bs ...[]trace.Frame) Refill {
	return func() ([]trace.Frame, error) {
		*calls++
		if len(bs) == 0 {
			return nil, nil
		}
		b := bs[0]
		bs = bs[1:]
		return b, nil
	}
}

func newDecoder(t *testing.T) *trace.Decoder {
	t.Helper()
	d, err := trace.NewDecoder(arch.X86_64)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestStreamBatches(t *testing.T) {
	var calls int
	refill := batches(&calls,
		[]trace.Frame{nop(0x1000), nop(0x1001)},
		[]trace.Frame{&trace.KeyFrame{Pos: 2}},
		[]trace.Frame{nop(0x1002), nop(0x1003), nop(0x1004)},
	)
	s := NewStream(refill, newDecoder(t))
	var got []uint64
	for s.Next() {
		a, ok := s.At().Addr()
		if !ok {
			t.Fatalf("block %v has no address", s.At())
		}
		got = append(got, a)
	}
	if err := s.Err(); err != nil {
		t.Fatal(err)
	}
	if len(got) != 5 {
		t.Fatalf("got %d blocks, want 5", len(got))
	}
	for i, a := range got {
		if a != 0x1000+uint64(i) {
			t.Errorf("block %d at %#x", i, a)
		}
	}
	if calls != 4 {
		t.Errorf("refill called %d times, want 4", calls)
	}
	if s.Next() || calls != 4 {
		t.Error("exhausted stream pulled again")
	}
}

type failing struct{}

func (failing) Convert(trace.Frame) ([]il.Stmt, error) { return nil, errors.New("boom") }

func TestStreamErrors(t *testing.T) {
	var calls int
	s := NewStream(batches(&calls, []trace.Frame{nop(1)}, []trace.Frame{nop(2)}), failing{})
	if s.Next() {
		t.Error("stream yielded a block after a conversion failure")
	}
	if s.Err() == nil {
		t.Error("conversion failure swallowed")
	}
	if s.Next() || calls != 1 {
		t.Errorf("stream kept refilling after failure: %d calls", calls)
	}

	refillErr := errors.New("disk on fire")
	s = NewStream(func() ([]trace.Frame, error) { return nil, refillErr }, newDecoder(t))
	if _, err := Collect(s); !errors.Is(err, refillErr) {
		t.Errorf("Collect error = %v, want %v", err, refillErr)
	}
}

func TestFromReader(t *testing.T) {
	var buf bytes.Buffer
	w, err := trace.NewWriter(&buf, arch.X86_64)
	if err != nil {
		t.Fatal(err)
	}
	frames := []trace.Frame{
		&trace.ModLoadFrame{Name: "a.out", Low: 0x400000, High: 0x401000},
		nop(0x400100),
		&trace.TaintIntroFrame{Entries: []trace.TaintIntro{{Addr: 0x600000, TaintID: 1}}},
		nop(0x400101),
		&trace.SyscallFrame{Number: 60, Addr: 0x400102},
	}
	for _, f := range frames {
		if err := w.Write(f); err != nil {
			t.Fatal(err)
		}
	}
	w.Close()

	r, err := trace.NewReader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Collect(FromReader(r, newDecoder(t), 2))
	if err != nil {
		t.Fatal(err)
	}
	// modload | nop | seed | nop | syscall | end
	want := []int{2, 1, 2, 1, 2, 2}
	if len(got) != len(want) {
		t.Fatalf("got %d blocks, want %d", len(got), len(want))
	}
	for i, b := range got {
		if len(b) != want[i] {
			t.Errorf("block %d has %d statements, want %d", i, len(b), want[i])
		}
	}
	last := got[len(got)-1]
	if c, ok := last[0].(*il.Comment); !ok || c.Text != trace.EndOfTraceMarker {
		t.Errorf("last block opens with %v", last[0])
	}
}

func TestFromReaderArchMismatch(t *testing.T) {
	r := trace.NewJSONReader(bytes.NewReader(nil), arch.ARM64)
	s := FromReader(r, newDecoder(t), 8)
	if s.Next() {
		t.Error("mismatched stream yielded a block")
	}
	if s.Err() == nil {
		t.Error("architecture mismatch not reported")
	}
}
