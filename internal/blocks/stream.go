package blocks

import (
	"io"

	"github.com/pkg/errors"

	"bilift/internal/il"
	"bilift/internal/trace"
)

// Refill returns the next batch of frames. An empty batch ends the stream.
type Refill func() ([]trace.Frame, error)

// Converter turns one frame into IL with its attributes attached.
type Converter interface {
	Convert(f trace.Frame) ([]il.Stmt, error)
}

// Stream pulls blocks out of a trace one at a time, refilling its queue a
// batch of frames at a time:
//
//	for s.Next() {
//		use(s.At())
//	}
//	err := s.Err()
//
// A Stream is not restartable; it consumes its source.
type Stream struct {
	refill Refill
	conv   Converter
	closer io.Closer

	queue []Block
	cur   Block
	err   error
	done  bool

	endMarker bool
	batches   int
}

// NewStream returns a stream of the blocks of the frames refill returns,
// converted by conv.
func NewStream(refill Refill, conv Converter) *Stream {
	return &Stream{refill: refill, conv: conv}
}

// FromReader streams r through dec, batch frames at a time. Once r runs
// out of frames the stream yields one final end of trace block. Closing
// the stream closes r.
func FromReader(r trace.Reader, dec *trace.Decoder, batch int) *Stream {
	s := &Stream{conv: dec, closer: r, endMarker: true}
	if r.Arch() != dec.Arch() {
		s.err = errors.Errorf("trace of %s given to %s decoder", r.Arch(), dec.Arch())
		s.done = true
		return s
	}
	s.refill = func() ([]trace.Frame, error) {
		return r.Frames(batch)
	}
	return s
}

// Next advances to the next block, refilling the queue as needed.
func (s *Stream) Next() bool {
	for len(s.queue) == 0 {
		if s.done {
			s.cur = nil
			return false
		}
		s.fill()
	}
	s.cur, s.queue = s.queue[0], s.queue[1:]
	return true
}

// fill converts one batch into queued blocks, or ends the stream.
func (s *Stream) fill() {
	frames, err := s.refill()
	if err != nil {
		s.fail(errors.Wrapf(err, "refill %d", s.batches))
		return
	}
	if len(frames) == 0 {
		s.done = true
		if s.endMarker {
			s.queue = append(s.queue, Block(trace.EndMarker()))
		}
		return
	}
	s.batches++
	var stmts []il.Stmt
	for i, f := range frames {
		out, err := s.conv.Convert(f)
		if err != nil {
			s.fail(errors.Wrapf(err, "batch %d frame %d", s.batches, i))
			return
		}
		stmts = append(stmts, out...)
	}
	s.queue = append(s.queue, Segment(stmts)...)
}

func (s *Stream) fail(err error) {
	s.err = err
	s.done = true
	s.queue = nil
}

// At returns the current block.
func (s *Stream) At() Block { return s.cur }

// Err returns the error that ended the stream, if any.
func (s *Stream) Err() error { return s.err }

// Close ends the stream and releases its source.
func (s *Stream) Close() error {
	s.done = true
	s.queue = nil
	s.cur = nil
	c := s.closer
	s.closer = nil
	if c != nil {
		return c.Close()
	}
	return nil
}

// Collect drains s and closes it.
func Collect(s *Stream) ([]Block, error) {
	var out []Block
	for s.Next() {
		out = append(out, s.At())
	}
	err := s.Err()
	if cerr := s.Close(); err == nil {
		err = cerr
	}
	return out, err
}
