package trace

import (
	"bufio"
	"bytes"
	"io"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"bilift/internal/arch"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// envelope is one line of a JSON-lines trace. Exactly one field is set; an
// End line marks the end of the trace.
type envelope struct {
	Std              *StdFrame              `json:"std,omitempty"`
	Syscall          *SyscallFrame          `json:"syscall,omitempty"`
	Exception        *ExceptionFrame        `json:"exception,omitempty"`
	PartialException *PartialExceptionFrame `json:"partial_exception,omitempty"`
	TaintIntro       *TaintIntroFrame       `json:"taint_intro,omitempty"`
	ModLoad          *ModLoadFrame          `json:"modload,omitempty"`
	Key              *KeyFrame              `json:"key,omitempty"`
	Metadata         *MetadataFrame         `json:"metadata,omitempty"`
	End              *struct{}              `json:"end,omitempty"`
}

func wrap(f Frame) (envelope, error) {
	var e envelope
	switch f := f.(type) {
	case *StdFrame:
		e.Std = f
	case *SyscallFrame:
		e.Syscall = f
	case *ExceptionFrame:
		e.Exception = f
	case *PartialExceptionFrame:
		e.PartialException = f
	case *TaintIntroFrame:
		e.TaintIntro = f
	case *ModLoadFrame:
		e.ModLoad = f
	case *KeyFrame:
		e.Key = f
	case *MetadataFrame:
		e.Metadata = f
	default:
		return e, errors.Errorf("unsupported frame type %T", f)
	}
	return e, nil
}

func (e *envelope) frame() Frame {
	switch {
	case e.Std != nil:
		return e.Std
	case e.Syscall != nil:
		return e.Syscall
	case e.Exception != nil:
		return e.Exception
	case e.PartialException != nil:
		return e.PartialException
	case e.TaintIntro != nil:
		return e.TaintIntro
	case e.ModLoad != nil:
		return e.ModLoad
	case e.Key != nil:
		return e.Key
	case e.Metadata != nil:
		return e.Metadata
	}
	return nil
}

// decodeLine parses one JSON-lines record. Blank lines yield no frame and
// no error; end reports the end of trace marker.
func decodeLine(line []byte, num int) (f Frame, end bool, err error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, false, nil
	}
	var e envelope
	if err := json.Unmarshal(line, &e); err != nil {
		return nil, false, errors.Wrapf(err, "line %d", num)
	}
	if e.End != nil {
		return nil, true, nil
	}
	if f = e.frame(); f == nil {
		return nil, false, errors.Errorf("line %d: no frame in record", num)
	}
	return f, false, nil
}

// JSONReader reads a JSON-lines trace with one frame envelope per line.
type JSONReader struct {
	sc   *bufio.Scanner
	c    io.Closer
	arch arch.Arch
	line int
	eof  bool
}

// NewJSONReader reads frames of a trace of architecture a from r. If r is
// an io.Closer, Close closes it.
func NewJSONReader(r io.Reader, a arch.Arch) *JSONReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxField)
	t := &JSONReader{sc: sc, arch: a}
	if c, ok := r.(io.Closer); ok {
		t.c = c
	}
	return t
}

// Frames reads up to max frames, or the rest of the trace if max is zero
// or less. Reaching the end marker or the end of input ends the trace.
func (t *JSONReader) Frames(max int) ([]Frame, error) {
	var out []Frame
	for !t.eof && (max <= 0 || len(out) < max) {
		if !t.sc.Scan() {
			t.eof = true
			return out, errors.Wrap(t.sc.Err(), "reading trace")
		}
		t.line++
		f, end, err := decodeLine(t.sc.Bytes(), t.line)
		if err != nil {
			return out, err
		}
		if end {
			t.eof = true
			break
		}
		if f != nil {
			out = append(out, f)
		}
	}
	return out, nil
}

func (t *JSONReader) EndOfTrace() bool { return t.eof }
func (t *JSONReader) Arch() arch.Arch  { return t.arch }

func (t *JSONReader) Close() error {
	t.eof = true
	c := t.c
	t.c = nil
	if c != nil {
		return c.Close()
	}
	return nil
}

// JSONWriter writes a JSON-lines trace.
type JSONWriter struct {
	enc *jsoniter.Encoder
}

func NewJSONWriter(w io.Writer) *JSONWriter {
	return &JSONWriter{enc: json.NewEncoder(w)}
}

// Write appends one frame as a line.
func (t *JSONWriter) Write(f Frame) error {
	e, err := wrap(f)
	if err != nil {
		return err
	}
	return errors.Wrapf(t.enc.Encode(e), "writing %s frame", f.Kind())
}

// End writes the end of trace marker.
func (t *JSONWriter) End() error {
	return t.enc.Encode(envelope{End: &struct{}{}})
}
