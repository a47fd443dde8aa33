// Package trace models recorded execution traces: the frames a tracer
// emits, their binary and JSON-lines encodings, and the decoder that turns
// frames into IL.
package trace

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
)

var order = binary.LittleEndian

// Kind tags a frame in the binary encoding.
type Kind uint8

const (
	KindStd Kind = iota + 1
	KindSyscall
	KindException
	KindPartialException
	KindTaintIntro
	KindModLoad
	KindKey
	KindMetadata
)

var kindNames = map[Kind]string{
	KindStd:              "std",
	KindSyscall:          "syscall",
	KindException:        "exception",
	KindPartialException: "partial_exception",
	KindTaintIntro:       "taint_intro",
	KindModLoad:          "modload",
	KindKey:              "key",
	KindMetadata:         "metadata",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// maxField bounds variable length fields. Storage for a field grows with the
// bytes actually read, so a corrupt length prefix fails at the first short
// read instead of allocating up front.
const maxField = 1 << 24

// Frame is one record of a trace. Pack writes the kind byte followed by the
// fields; Unpack reads the fields only, the kind byte having been consumed
// by the package level Unpack.
type Frame interface {
	Kind() Kind
	Sizeof() int
	Pack(p []byte)
	Unpack(r io.Reader) (int, error)
}

// HexBytes is a byte string that encodes as hex text in JSON.
type HexBytes []byte

func (b HexBytes) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(b)), nil
}

func (b *HexBytes) UnmarshalText(text []byte) error {
	s := strings.TrimPrefix(strings.ReplaceAll(string(text), " ", ""), "0x")
	v, err := hex.DecodeString(s)
	if err != nil {
		return errors.Wrap(err, "hex bytes")
	}
	*b = v
	return nil
}

// UsageFlags records whether an instruction read or wrote an operand.
type UsageFlags uint8

const (
	UsageRead UsageFlags = 1 << iota
	UsageWritten
)

func (u UsageFlags) MarshalText() ([]byte, error) {
	var s string
	if u&UsageRead != 0 {
		s += "r"
	}
	if u&UsageWritten != 0 {
		s += "w"
	}
	return []byte(s), nil
}

func (u *UsageFlags) UnmarshalText(text []byte) error {
	var v UsageFlags
	for _, c := range string(text) {
		switch c {
		case 'r':
			v |= UsageRead
		case 'w':
			v |= UsageWritten
		default:
			return errors.Errorf("invalid usage flag %q", c)
		}
	}
	*u = v
	return nil
}

// TaintState is the taint recorded for an operand by the tracer.
type TaintState uint8

const (
	TaintNone TaintState = iota
	TaintID
	TaintMultiple
)

var taintNames = []string{"none", "id", "multi"}

func (s TaintState) MarshalText() ([]byte, error) {
	if int(s) >= len(taintNames) {
		return nil, errors.Errorf("invalid taint state %d", s)
	}
	return []byte(taintNames[s]), nil
}

func (s *TaintState) UnmarshalText(text []byte) error {
	for i, n := range taintNames {
		if n == string(text) {
			*s = TaintState(i)
			return nil
		}
	}
	return errors.Errorf("invalid taint state %q", text)
}

// TaintInfo is the taint of one operand. ID is set when State is TaintID.
type TaintInfo struct {
	State TaintState `json:"state"`
	ID    uint64     `json:"id,omitempty"`
}

// OperandInfo describes one operand of a traced instruction. Value holds
// the operand's bytes little endian.
type OperandInfo struct {
	Name      string     `json:"name"`
	Mem       bool       `json:"mem,omitempty"`
	BitLength uint32     `json:"bits"`
	Index     uint64     `json:"index,omitempty"`
	Value     HexBytes   `json:"value"`
	Usage     UsageFlags `json:"usage"`
	Taint     TaintInfo  `json:"taint"`
}

// StdFrame is one executed instruction.
type StdFrame struct {
	Addr     uint64        `json:"addr"`
	ThreadID uint64        `json:"tid"`
	RawBytes HexBytes      `json:"raw"`
	Operands []OperandInfo `json:"operands,omitempty"`
}

// SyscallFrame is a system call made at Addr.
type SyscallFrame struct {
	Number   uint64 `json:"number"`
	Addr     uint64 `json:"addr"`
	ThreadID uint64 `json:"tid"`
}

// ExceptionFrame is an exception whose origin and handler are known.
type ExceptionFrame struct {
	Number   uint64 `json:"number"`
	ThreadID uint64 `json:"tid"`
	From     uint64 `json:"from"`
	To       uint64 `json:"to"`
}

// PartialExceptionFrame is an exception for which the tracer recorded only
// the exception number.
type PartialExceptionFrame struct {
	Number uint64 `json:"number"`
}

// TaintIntro is one byte of memory tainted by a source such as a read(2).
type TaintIntro struct {
	Addr     uint64 `json:"addr"`
	TaintID  uint64 `json:"taint_id"`
	HasValue bool   `json:"has_value,omitempty"`
	Value    uint8  `json:"value,omitempty"`
}

// TaintIntroFrame introduces taint into memory.
type TaintIntroFrame struct {
	Entries []TaintIntro `json:"entries"`
}

// ModLoadFrame records a module mapped at [Low, High).
type ModLoadFrame struct {
	Name string `json:"name"`
	Low  uint64 `json:"low"`
	High uint64 `json:"high"`
}

// KeyFrame marks a seek point: the frame index and its offset in the
// uncompressed frame stream.
type KeyFrame struct {
	Pos    uint64 `json:"pos"`
	Offset uint64 `json:"offset"`
}

// MetaField is a key/value pair of trace metadata.
type MetaField struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// MetadataFrame carries free form information about the trace.
type MetadataFrame struct {
	Fields []MetaField `json:"fields"`
}

// Unpack reads one frame from r, returning it and the number of bytes
// consumed. A clean end of input before the kind byte is io.EOF.
func Unpack(r io.Reader) (Frame, int, error) {
	var tmp [1]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return nil, 0, err
	}
	var f Frame
	switch Kind(tmp[0]) {
	case KindStd:
		f = &StdFrame{}
	case KindSyscall:
		f = &SyscallFrame{}
	case KindException:
		f = &ExceptionFrame{}
	case KindPartialException:
		f = &PartialExceptionFrame{}
	case KindTaintIntro:
		f = &TaintIntroFrame{}
	case KindModLoad:
		f = &ModLoadFrame{}
	case KindKey:
		f = &KeyFrame{}
	case KindMetadata:
		f = &MetadataFrame{}
	default:
		return nil, 1, errors.Errorf("unknown frame kind: %d", tmp[0])
	}
	n, err := f.Unpack(r)
	if err != nil {
		return nil, n + 1, errors.Wrapf(err, "unpacking %s frame", f.Kind())
	}
	return f, n + 1, nil
}

// packer writes little endian fields into p. With a nil p it only counts,
// which is how Sizeof is computed.
type packer struct {
	p []byte
	n int
}

func (w *packer) u8(v uint8) {
	if w.p != nil {
		w.p[w.n] = v
	}
	w.n++
}

func (w *packer) u32(v uint32) {
	if w.p != nil {
		order.PutUint32(w.p[w.n:], v)
	}
	w.n += 4
}

func (w *packer) u64(v uint64) {
	if w.p != nil {
		order.PutUint64(w.p[w.n:], v)
	}
	w.n += 8
}

func (w *packer) bool(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *packer) bytes(b []byte) {
	w.u32(uint32(len(b)))
	if w.p != nil {
		copy(w.p[w.n:], b)
	}
	w.n += len(b)
}

func (w *packer) str(s string) { w.bytes([]byte(s)) }

// unpacker reads little endian fields. The first error sticks and turns
// every later read into a no-op.
type unpacker struct {
	r   io.Reader
	n   int
	err error
	buf [8]byte
}

func (u *unpacker) read(p []byte) {
	if u.err != nil {
		return
	}
	n, err := io.ReadFull(u.r, p)
	u.n += n
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	u.err = err
}

func (u *unpacker) u8() uint8 {
	u.read(u.buf[:1])
	if u.err != nil {
		return 0
	}
	return u.buf[0]
}

func (u *unpacker) u32() uint32 {
	u.read(u.buf[:4])
	if u.err != nil {
		return 0
	}
	return order.Uint32(u.buf[:4])
}

func (u *unpacker) u64() uint64 {
	u.read(u.buf[:8])
	if u.err != nil {
		return 0
	}
	return order.Uint64(u.buf[:8])
}

func (u *unpacker) bool() bool { return u.u8() != 0 }

func (u *unpacker) count() int {
	n := u.u32()
	if u.err == nil && n > maxField {
		u.err = errors.Errorf("field length %d exceeds %d", n, maxField)
	}
	if u.err != nil {
		return 0
	}
	return int(n)
}

func (u *unpacker) bytes() []byte {
	n := u.count()
	if u.err != nil || n == 0 {
		return nil
	}
	var b bytes.Buffer
	m, err := io.CopyN(&b, u.r, int64(n))
	u.n += int(m)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		u.err = err
		return nil
	}
	return b.Bytes()
}

func (u *unpacker) str() string { return string(u.bytes()) }

func (u *unpacker) done() (int, error) { return u.n, u.err }

// fields is implemented by every frame: one method describes the layout for
// both directions.
type fields interface {
	Frame
	pack(w *packer)
	unpack(u *unpacker)
}

func sizeof(f fields) int {
	var w packer
	f.pack(&w)
	return 1 + w.n
}

func pack(f fields, p []byte) {
	p[0] = byte(f.Kind())
	f.pack(&packer{p: p[1:]})
}

func unpack(f fields, r io.Reader) (int, error) {
	u := &unpacker{r: r}
	f.unpack(u)
	return u.done()
}

func (f *StdFrame) Kind() Kind                      { return KindStd }
func (f *StdFrame) Sizeof() int                     { return sizeof(f) }
func (f *StdFrame) Pack(p []byte)                   { pack(f, p) }
func (f *StdFrame) Unpack(r io.Reader) (int, error) { return unpack(f, r) }

func (f *StdFrame) pack(w *packer) {
	w.u64(f.Addr)
	w.u64(f.ThreadID)
	w.bytes(f.RawBytes)
	w.u32(uint32(len(f.Operands)))
	for i := range f.Operands {
		op := &f.Operands[i]
		w.str(op.Name)
		w.bool(op.Mem)
		w.u32(op.BitLength)
		w.u64(op.Index)
		w.bytes(op.Value)
		w.u8(uint8(op.Usage))
		w.u8(uint8(op.Taint.State))
		w.u64(op.Taint.ID)
	}
}

func (f *StdFrame) unpack(u *unpacker) {
	f.Addr = u.u64()
	f.ThreadID = u.u64()
	f.RawBytes = u.bytes()
	n := u.count()
	for i := 0; i < n && u.err == nil; i++ {
		var op OperandInfo
		op.Name = u.str()
		op.Mem = u.bool()
		op.BitLength = u.u32()
		op.Index = u.u64()
		op.Value = u.bytes()
		op.Usage = UsageFlags(u.u8())
		op.Taint.State = TaintState(u.u8())
		op.Taint.ID = u.u64()
		f.Operands = append(f.Operands, op)
	}
}

func (f *SyscallFrame) Kind() Kind                      { return KindSyscall }
func (f *SyscallFrame) Sizeof() int                     { return sizeof(f) }
func (f *SyscallFrame) Pack(p []byte)                   { pack(f, p) }
func (f *SyscallFrame) Unpack(r io.Reader) (int, error) { return unpack(f, r) }

func (f *SyscallFrame) pack(w *packer) {
	w.u64(f.Number)
	w.u64(f.Addr)
	w.u64(f.ThreadID)
}

func (f *SyscallFrame) unpack(u *unpacker) {
	f.Number = u.u64()
	f.Addr = u.u64()
	f.ThreadID = u.u64()
}

func (f *ExceptionFrame) Kind() Kind                      { return KindException }
func (f *ExceptionFrame) Sizeof() int                     { return sizeof(f) }
func (f *ExceptionFrame) Pack(p []byte)                   { pack(f, p) }
func (f *ExceptionFrame) Unpack(r io.Reader) (int, error) { return unpack(f, r) }

func (f *ExceptionFrame) pack(w *packer) {
	w.u64(f.Number)
	w.u64(f.ThreadID)
	w.u64(f.From)
	w.u64(f.To)
}

func (f *ExceptionFrame) unpack(u *unpacker) {
	f.Number = u.u64()
	f.ThreadID = u.u64()
	f.From = u.u64()
	f.To = u.u64()
}

func (f *PartialExceptionFrame) Kind() Kind                      { return KindPartialException }
func (f *PartialExceptionFrame) Sizeof() int                     { return sizeof(f) }
func (f *PartialExceptionFrame) Pack(p []byte)                   { pack(f, p) }
func (f *PartialExceptionFrame) Unpack(r io.Reader) (int, error) { return unpack(f, r) }

func (f *PartialExceptionFrame) pack(w *packer)     { w.u64(f.Number) }
func (f *PartialExceptionFrame) unpack(u *unpacker) { f.Number = u.u64() }

func (f *TaintIntroFrame) Kind() Kind                      { return KindTaintIntro }
func (f *TaintIntroFrame) Sizeof() int                     { return sizeof(f) }
func (f *TaintIntroFrame) Pack(p []byte)                   { pack(f, p) }
func (f *TaintIntroFrame) Unpack(r io.Reader) (int, error) { return unpack(f, r) }

func (f *TaintIntroFrame) pack(w *packer) {
	w.u32(uint32(len(f.Entries)))
	for _, e := range f.Entries {
		w.u64(e.Addr)
		w.u64(e.TaintID)
		w.bool(e.HasValue)
		w.u8(e.Value)
	}
}

func (f *TaintIntroFrame) unpack(u *unpacker) {
	n := u.count()
	for i := 0; i < n && u.err == nil; i++ {
		var e TaintIntro
		e.Addr = u.u64()
		e.TaintID = u.u64()
		e.HasValue = u.bool()
		e.Value = u.u8()
		f.Entries = append(f.Entries, e)
	}
}

func (f *ModLoadFrame) Kind() Kind                      { return KindModLoad }
func (f *ModLoadFrame) Sizeof() int                     { return sizeof(f) }
func (f *ModLoadFrame) Pack(p []byte)                   { pack(f, p) }
func (f *ModLoadFrame) Unpack(r io.Reader) (int, error) { return unpack(f, r) }

func (f *ModLoadFrame) pack(w *packer) {
	w.str(f.Name)
	w.u64(f.Low)
	w.u64(f.High)
}

func (f *ModLoadFrame) unpack(u *unpacker) {
	f.Name = u.str()
	f.Low = u.u64()
	f.High = u.u64()
}

func (f *KeyFrame) Kind() Kind                      { return KindKey }
func (f *KeyFrame) Sizeof() int                     { return sizeof(f) }
func (f *KeyFrame) Pack(p []byte)                   { pack(f, p) }
func (f *KeyFrame) Unpack(r io.Reader) (int, error) { return unpack(f, r) }

func (f *KeyFrame) pack(w *packer) {
	w.u64(f.Pos)
	w.u64(f.Offset)
}

func (f *KeyFrame) unpack(u *unpacker) {
	f.Pos = u.u64()
	f.Offset = u.u64()
}

func (f *MetadataFrame) Kind() Kind                      { return KindMetadata }
func (f *MetadataFrame) Sizeof() int                     { return sizeof(f) }
func (f *MetadataFrame) Pack(p []byte)                   { pack(f, p) }
func (f *MetadataFrame) Unpack(r io.Reader) (int, error) { return unpack(f, r) }

func (f *MetadataFrame) pack(w *packer) {
	w.u32(uint32(len(f.Fields)))
	for _, kv := range f.Fields {
		w.str(kv.Key)
		w.str(kv.Value)
	}
}

func (f *MetadataFrame) unpack(u *unpacker) {
	n := u.count()
	for i := 0; i < n && u.err == nil; i++ {
		var kv MetaField
		kv.Key = u.str()
		kv.Value = u.str()
		f.Fields = append(f.Fields, kv)
	}
}
