package trace

import (
	"io"
	"os"
	"strings"

	"github.com/golang/snappy"
	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"

	"bilift/internal/arch"
)

// Magic starts every binary trace file.
const Magic = "BILT"

// Version is the binary trace format version written by Writer.
const Version = 1

// Reader is the source of trace frames consumed by the block streamer.
// Frames returns at most max frames; an empty result means the trace has
// no more frames.
type Reader interface {
	Frames(max int) ([]Frame, error)
	EndOfTrace() bool
	Arch() arch.Arch
	Close() error
}

// Header precedes the snappy compressed frame stream of a binary trace.
type Header struct {
	Magic   string `struc:"[4]byte" json:"-"`
	Version uint32 `struc:"uint32,little" json:"version"`
	// Traced architecture, right null padded.
	Arch string `struc:"[32]byte" json:"arch"`
}

// Writer writes a binary trace.
type Writer struct {
	zw  *snappy.Writer
	buf []byte
}

// NewWriter writes the header for a to w and returns a Writer for the
// frames that follow. Close flushes the frame stream but leaves w open.
func NewWriter(w io.Writer, a arch.Arch) (*Writer, error) {
	if a.AddrBits() == 0 {
		return nil, errors.Wrapf(arch.ErrUnsupportedArchitecture, "trace for %s", a)
	}
	hdr := &Header{Magic: Magic, Version: Version, Arch: a.String()}
	if err := struc.Pack(w, hdr); err != nil {
		return nil, errors.Wrap(err, "failed to pack header")
	}
	return &Writer{zw: snappy.NewBufferedWriter(w)}, nil
}

// Write appends one frame.
func (t *Writer) Write(f Frame) error {
	n := f.Sizeof()
	if cap(t.buf) < n {
		t.buf = make([]byte, n)
	}
	p := t.buf[:n]
	f.Pack(p)
	if _, err := t.zw.Write(p); err != nil {
		return errors.Wrapf(err, "writing %s frame", f.Kind())
	}
	return nil
}

// Close flushes buffered frames.
func (t *Writer) Close() error {
	return t.zw.Close()
}

// FileReader reads a binary trace.
type FileReader struct {
	Header Header

	c    io.Closer
	zr   *snappy.Reader
	arch arch.Arch
	eof  bool
}

// NewReader reads and validates the header from r. The architecture tag
// must name a supported architecture.
func NewReader(r io.Reader) (*FileReader, error) {
	t := &FileReader{}
	if err := struc.Unpack(r, &t.Header); err != nil {
		return nil, errors.Wrap(err, "failed to unpack header")
	}
	if t.Header.Magic != Magic {
		return nil, errors.Errorf("invalid trace file magic %q", t.Header.Magic)
	}
	if t.Header.Version != Version {
		return nil, errors.Errorf("unsupported trace version %d", t.Header.Version)
	}
	t.Header.Arch = strings.TrimRight(t.Header.Arch, "\x00")
	a, err := arch.Parse(t.Header.Arch)
	if err != nil {
		return nil, errors.Wrap(err, "trace header")
	}
	t.arch = a
	t.zr = snappy.NewReader(r)
	return t, nil
}

// Open opens the binary trace at path. Closing the reader closes the file.
func Open(path string) (*FileReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	t, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "open %s", path)
	}
	t.c = f
	return t, nil
}

// Next returns the next frame, or io.EOF after the last one.
func (t *FileReader) Next() (Frame, error) {
	f, _, err := Unpack(t.zr)
	return f, err
}

// Frames reads up to max frames. A max of zero or less reads the rest of
// the trace.
func (t *FileReader) Frames(max int) ([]Frame, error) {
	var out []Frame
	for !t.eof && (max <= 0 || len(out) < max) {
		f, err := t.Next()
		if err == io.EOF {
			t.eof = true
			break
		}
		if err != nil {
			return out, err
		}
		out = append(out, f)
	}
	return out, nil
}

func (t *FileReader) EndOfTrace() bool { return t.eof }
func (t *FileReader) Arch() arch.Arch  { return t.arch }

func (t *FileReader) Close() error {
	t.zr.Reset(nil)
	t.eof = true
	c := t.c
	t.c = nil
	if c != nil {
		return c.Close()
	}
	return nil
}
