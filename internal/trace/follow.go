package trace

import (
	"github.com/nxadm/tail"
	"github.com/pkg/errors"

	"bilift/internal/arch"
)

// Follower reads a JSON-lines trace that is still being written, like
// tail -f. The trace ends at the end marker line; until then Frames blocks
// for at least one frame.
type Follower struct {
	t    *tail.Tail
	arch arch.Arch
	line int
	eof  bool
}

// Follow starts tailing the JSON-lines trace at path from its beginning.
func Follow(path string, a arch.Arch) (*Follower, error) {
	t, err := tail.TailFile(path, tail.Config{
		Follow:        true,
		MustExist:     true,
		CompleteLines: true,
		Logger:        tail.DiscardingLogger,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "follow %s", path)
	}
	return &Follower{t: t, arch: a}, nil
}

// Frames waits for the next frame, then returns it together with whatever
// further frames are already available, up to max.
func (f *Follower) Frames(max int) ([]Frame, error) {
	var out []Frame
	for !f.eof && (max <= 0 || len(out) < max) {
		var (
			line *tail.Line
			ok   bool
		)
		if len(out) == 0 {
			line, ok = <-f.t.Lines
		} else {
			select {
			case line, ok = <-f.t.Lines:
			default:
				return out, nil
			}
		}
		if !ok {
			f.eof = true
			return out, errors.Wrap(f.t.Wait(), "tail stopped")
		}
		if line.Err != nil {
			return out, errors.Wrap(line.Err, "tail")
		}
		f.line++
		fr, end, err := decodeLine([]byte(line.Text), f.line)
		if err != nil {
			return out, err
		}
		if end {
			f.eof = true
			break
		}
		if fr != nil {
			out = append(out, fr)
		}
	}
	return out, nil
}

func (f *Follower) EndOfTrace() bool { return f.eof }
func (f *Follower) Arch() arch.Arch  { return f.arch }

// Close stops the tailing goroutine.
func (f *Follower) Close() error {
	if f.t == nil {
		return nil
	}
	f.eof = true
	err := f.t.Stop()
	f.t.Cleanup()
	f.t = nil
	return err
}
