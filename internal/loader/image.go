// Package loader opens binary images, exposes their sections, and builds the
// byte accessors the lifter reads instructions through.
package loader

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"bilift/internal/arch"
)

// ErrClosed is returned by accessors of an image that has been closed.
var ErrClosed = errors.New("image closed")

// LoadError reports that a binary could not be opened.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string { return fmt.Sprintf("load %s: %v", e.Path, e.Err) }
func (e *LoadError) Unwrap() error { return e.Err }

// MemoryError reports an address that no qualifying section covers.
type MemoryError struct {
	Addr uint64
}

func (e *MemoryError) Error() string {
	return fmt.Sprintf("address %#x is not mapped", e.Addr)
}

// Flags classify a section.
type Flags uint8

const (
	Loaded Flags = 1 << iota
	Exec
	Readable
	Writable
)

func (f Flags) String() string {
	b := []byte("----")
	if f&Loaded != 0 {
		b[0] = 'l'
	}
	if f&Readable != 0 {
		b[1] = 'r'
	}
	if f&Writable != 0 {
		b[2] = 'w'
	}
	if f&Exec != 0 {
		b[3] = 'x'
	}
	return string(b)
}

// Section is a contiguous region of a loaded image.
type Section struct {
	Name  string
	Addr  uint64
	Size  uint64
	Flags Flags
	Data  []byte // len(Data) may be shorter than Size; the rest reads as zero
}

// Contains reports whether addr lies inside s.
func (s *Section) Contains(addr uint64) bool {
	return addr >= s.Addr && addr-s.Addr < s.Size
}

// End returns the first address past s.
func (s *Section) End() uint64 { return s.Addr + s.Size }

func (s *Section) byteAt(addr uint64) byte {
	off := addr - s.Addr
	if off < uint64(len(s.Data)) {
		return s.Data[off]
	}
	return 0
}

// Predicate selects sections for a lookup.
type Predicate func(*Section) bool

// Loadable selects sections that are loaded into memory.
func Loadable(s *Section) bool { return s.Flags&Loaded != 0 }

// Executable selects loaded executable sections.
func Executable(s *Section) bool { return s.Flags&(Loaded|Exec) == Loaded|Exec }

// ByteReader reads the byte at a virtual address.
type ByteReader func(addr uint64) (byte, error)

// AddrByte is one byte tagged with its address.
type AddrByte struct {
	Addr uint64
	Byte byte
}

// Image is a loaded binary. It owns the underlying file mapping, which is
// released by Close and never by the garbage collector.
type Image struct {
	Path     string
	Arch     arch.Arch
	Entry    uint64
	Sections []Section
	Symbols  []Symbol

	closers []io.Closer
	unmap   func() error
	closed  bool
}

// New returns an in-memory image made of the given sections. It owns no
// external resources; Close only invalidates its accessors.
func New(a arch.Arch, sections ...Section) *Image {
	return &Image{Arch: a, Sections: sections}
}

// Option configures Open.
type Option func(*options)

type options struct {
	base    uint64
	hasBase bool
}

// WithBase rebases the image so that its lowest loaded address becomes base.
func WithBase(base uint64) Option {
	return func(o *options) {
		o.base = base
		o.hasBase = true
	}
}

// Open loads the ELF or PE image at path.
func Open(path string, opts ...Option) (*Image, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	var magic [4]byte
	_, err = io.ReadFull(f, magic[:])
	f.Close()
	if err != nil {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("read magic: %w", err)}
	}

	var im *Image
	switch {
	case string(magic[:]) == "\x7fELF":
		im, err = openELF(path)
	case magic[0] == 'M' && magic[1] == 'Z':
		im, err = openPE(path)
	default:
		err = fmt.Errorf("unrecognized file format (magic % x)", magic)
	}
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	if o.hasBase {
		im.rebase(o.base)
	}
	sort.SliceStable(im.Symbols, func(i, j int) bool { return im.Symbols[i].Addr < im.Symbols[j].Addr })
	return im, nil
}

// Close releases the file mapping and handles. It is safe to call more than
// once; accessors built from the image fail with ErrClosed afterwards.
func (im *Image) Close() error {
	if im.closed {
		return nil
	}
	im.closed = true
	for i := range im.Sections {
		im.Sections[i].Data = nil
	}
	var firstErr error
	if im.unmap != nil {
		firstErr = im.unmap()
		im.unmap = nil
	}
	for _, c := range im.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	im.closers = nil
	return firstErr
}

// Closed reports whether Close has been called.
func (im *Image) Closed() bool { return im.closed }

// ByteAt returns the byte at addr from the first section matching pred that
// covers it.
func (im *Image) ByteAt(addr uint64, pred Predicate) (byte, error) {
	if im.closed {
		return 0, ErrClosed
	}
	for i := range im.Sections {
		s := &im.Sections[i]
		if pred(s) && s.Contains(addr) {
			return s.byteAt(addr), nil
		}
	}
	return 0, &MemoryError{Addr: addr}
}

// BytesAsList materializes every byte of every section matching pred.
func (im *Image) BytesAsList(pred Predicate) []AddrByte {
	if im.closed {
		return nil
	}
	var out []AddrByte
	for i := range im.Sections {
		s := &im.Sections[i]
		if !pred(s) {
			continue
		}
		for off := uint64(0); off < s.Size; off++ {
			out = append(out, AddrByte{Addr: s.Addr + off, Byte: s.byteAt(s.Addr + off)})
		}
	}
	return out
}

// ExecByte returns an accessor over loaded executable sections.
func (im *Image) ExecByte() ByteReader {
	return func(addr uint64) (byte, error) { return im.ByteAt(addr, Executable) }
}

// ReadableByte returns an accessor over all loaded sections.
func (im *Image) ReadableByte() ByteReader {
	return func(addr uint64) (byte, error) { return im.ByteAt(addr, Loadable) }
}

// SectionAt returns the loaded section covering addr.
func (im *Image) SectionAt(addr uint64) (*Section, bool) {
	for i := range im.Sections {
		s := &im.Sections[i]
		if Loadable(s) && s.Contains(addr) {
			return s, true
		}
	}
	return nil, false
}

// ExecSections returns the loaded executable sections in enumeration order.
func (im *Image) ExecSections() []*Section {
	var out []*Section
	for i := range im.Sections {
		if Executable(&im.Sections[i]) {
			out = append(out, &im.Sections[i])
		}
	}
	return out
}

// rebase moves every address so the lowest loaded section starts at base.
func (im *Image) rebase(base uint64) {
	low, ok := im.lowestLoaded()
	if !ok {
		return
	}
	delta := base - low
	for i := range im.Sections {
		im.Sections[i].Addr += delta
	}
	for i := range im.Symbols {
		im.Symbols[i].Addr += delta
	}
	if im.Entry != 0 {
		im.Entry += delta
	}
}

func (im *Image) lowestLoaded() (uint64, bool) {
	var low uint64
	found := false
	for i := range im.Sections {
		s := &im.Sections[i]
		if !Loadable(s) {
			continue
		}
		if !found || s.Addr < low {
			low = s.Addr
			found = true
		}
	}
	return low, found
}

// ReadBytes reads up to n bytes starting at addr through r, stopping at the
// first unmapped address. It returns the MemoryError only if not even the
// first byte could be read.
func ReadBytes(r ByteReader, addr uint64, n int) ([]byte, error) {
	buf := make([]byte, 0, n)
	for i := 0; i < n; i++ {
		b, err := r(addr + uint64(i))
		if err != nil {
			if i == 0 {
				return nil, err
			}
			break
		}
		buf = append(buf, b)
	}
	return buf, nil
}

// BufferReader returns an accessor over an in-memory byte buffer mapped at
// addr.
func BufferReader(addr uint64, buf []byte) ByteReader {
	return func(a uint64) (byte, error) {
		if a < addr || a-addr >= uint64(len(buf)) {
			return 0, &MemoryError{Addr: a}
		}
		return buf[a-addr], nil
	}
}
