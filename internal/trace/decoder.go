package trace

import (
	"fmt"
	"math/big"

	"github.com/pkg/errors"

	"bilift/internal/arch"
	"bilift/internal/il"
	"bilift/internal/lift"
)

const (
	// SeedMarker is the comment that opens the block introducing taint.
	SeedMarker = "ReadSyscall"
	// EndOfTraceMarker is the comment of the block that closes a trace.
	EndOfTraceMarker = "This is the end of the trace"
	// fillerText pads every control frame to two statements.
	fillerText = "All blocks must have two statements"
)

// Decoder turns trace frames into IL. It lifts instruction bytes with its
// own lifter and must not be used concurrently.
type Decoder struct {
	lifter *lift.Lifter
}

// NewDecoder returns a decoder for traces of architecture a.
func NewDecoder(a arch.Arch, opts ...lift.Option) (*Decoder, error) {
	l, err := lift.New(a, opts...)
	if err != nil {
		return nil, err
	}
	return &Decoder{lifter: l}, nil
}

// Arch returns the architecture the decoder lifts.
func (d *Decoder) Arch() arch.Arch { return d.lifter.Arch() }

// Decode returns the IL of one frame and the attributes that belong on its
// first label or comment. Every frame other than a StdFrame decodes to
// exactly two statements, or none for key and metadata frames.
func (d *Decoder) Decode(frame Frame) ([]il.Stmt, il.Attrs, error) {
	var stmts []il.Stmt
	var attrs il.Attrs
	switch f := frame.(type) {
	case *StdFrame:
		return d.decodeStd(f)
	case *SyscallFrame:
		stmts = control(&il.Special{Desc: fmt.Sprintf("Syscall number %d at %#x by thread %d", f.Number, f.Addr, f.ThreadID)})
	case *ExceptionFrame:
		stmts = control(&il.Special{Desc: fmt.Sprintf("Exception number %d by thread %d at %#x to %#x", f.Number, f.ThreadID, f.From, f.To)})
	case *PartialExceptionFrame:
		stmts = control(&il.Special{Desc: fmt.Sprintf("Exception number %d", f.Number)})
	case *TaintIntroFrame:
		stmts = control(&il.Comment{Text: SeedMarker})
		mem := d.lifter.Context().Mem().Name
		for _, e := range f.Entries {
			oc := il.OperandContext{
				Name:  mem,
				Mem:   true,
				Width: 8,
				Index: e.Addr,
				Usage: il.Write,
				Taint: il.Taint{Kind: il.Tainted, ID: e.TaintID},
			}
			if e.HasValue {
				oc.Value = new(big.Int).SetUint64(uint64(e.Value))
			}
			attrs = append(attrs, oc)
		}
	case *ModLoadFrame:
		stmts = control(&il.Special{Desc: fmt.Sprintf("Loaded module '%s' at %#x to %#x", f.Name, f.Low, f.High)})
	case *KeyFrame, *MetadataFrame:
		return nil, nil, nil
	default:
		return nil, nil, errors.Errorf("unsupported frame type %T", frame)
	}
	mustHaveTwo(frame, stmts)
	return stmts, attrs, nil
}

func control(s il.Stmt) []il.Stmt {
	return []il.Stmt{s, &il.Comment{Text: fillerText}}
}

// mustHaveTwo enforces the block shape the segmenter depends on. A control
// frame of any other length is a decoder bug.
func mustHaveTwo(frame Frame, stmts []il.Stmt) {
	if len(stmts) != 2 {
		panic(fmt.Sprintf("trace: %s frame decoded to %d statements; all blocks must have two statements", frame.Kind(), len(stmts)))
	}
}

func (d *Decoder) decodeStd(f *StdFrame) ([]il.Stmt, il.Attrs, error) {
	stmts, _, err := d.lifter.LiftByteBuffer(f.Addr, f.RawBytes)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "instruction at %#x", f.Addr)
	}
	// A decode failure lifts to a bare Special; give it the label the
	// segmenter and the attributes need.
	if _, ok := stmts[0].(*il.Label); !ok {
		stmts = append([]il.Stmt{il.NewLabel(f.Addr)}, stmts...)
	}
	attrs := make(il.Attrs, 0, 1+len(f.Operands))
	attrs = append(attrs, il.ThreadID(f.ThreadID))
	for _, op := range f.Operands {
		attrs = append(attrs, operandContext(op))
	}
	return stmts, attrs, nil
}

func operandContext(op OperandInfo) il.OperandContext {
	return il.OperandContext{
		Name:  op.Name,
		Mem:   op.Mem,
		Width: int(op.BitLength),
		Index: op.Index,
		Value: leValue(op.Value),
		Usage: usage(op.Usage),
		Taint: taint(op.Taint),
	}
}

// usage maps tracer flags to IL usage. Operands with neither flag are
// treated as reads; such records may undercount writes.
func usage(u UsageFlags) il.Usage {
	switch {
	case u&UsageRead != 0 && u&UsageWritten != 0:
		return il.ReadWrite
	case u&UsageWritten != 0:
		return il.Write
	}
	return il.Read
}

func taint(t TaintInfo) il.Taint {
	switch t.State {
	case TaintID:
		return il.Taint{Kind: il.Tainted, ID: t.ID}
	case TaintMultiple:
		return il.Taint{Kind: il.AmbiguousTaint}
	}
	return il.Taint{Kind: il.Untainted}
}

// leValue decodes a little endian byte string.
func leValue(b []byte) *big.Int {
	be := make([]byte, len(b))
	for i, c := range b {
		be[len(b)-1-i] = c
	}
	return new(big.Int).SetBytes(be)
}

// Convert decodes frame and attaches the attributes to the first label or
// comment of the result.
func (d *Decoder) Convert(frame Frame) ([]il.Stmt, error) {
	stmts, attrs, err := d.Decode(frame)
	if err != nil {
		return nil, err
	}
	if !il.Attach(stmts, attrs) {
		return nil, errors.Errorf("%s frame: no label or comment to carry %d attributes", frame.Kind(), len(attrs))
	}
	return stmts, nil
}

// EndMarker returns the two statements of the block that closes a trace.
func EndMarker() []il.Stmt {
	return control(&il.Comment{Text: EndOfTraceMarker})
}
