package lift

import (
	"errors"
	"fmt"
	"strings"

	"bilift/internal/il"
	"bilift/internal/loader"
)

// Stats counts what lifting a range produced.
type Stats struct {
	Name           string
	Start, End     uint64
	Insts          int
	Stmts          int
	DecodeFailures int
	Unsupported    int
	// Truncated is set when lifting stopped at an unmapped address.
	Truncated bool
}

func (s Stats) String() string {
	return fmt.Sprintf("%s [%#x, %#x): %d insts, %d stmts, %d decode failures, %d unsupported",
		s.Name, s.Start, s.End, s.Insts, s.Stmts, s.DecodeFailures, s.Unsupported)
}

// Program is the flat IL of every executable section of an image.
type Program struct {
	Stmts    []il.Stmt
	Sections []Stats
}

// LiftRange lifts the instructions starting in [start, end). Lifting stops
// early at the first unmapped address, which is logged; everything lifted
// until then is returned. Other failures, such as a closed image, are
// returned with the partial IL.
func (l *Lifter) LiftRange(img *loader.Image, start, end uint64) ([]il.Stmt, error) {
	stmts, _, err := l.liftRange(img, "range", start, end)
	return stmts, err
}

func (l *Lifter) liftRange(img *loader.Image, name string, start, end uint64) ([]il.Stmt, Stats, error) {
	st := Stats{Name: name, Start: start, End: end}
	var out []il.Stmt
	for addr := start; addr < end; {
		stmts, next, err := l.LiftOne(img, addr)
		if err != nil {
			var merr *loader.MemoryError
			if errors.As(err, &merr) {
				l.logger.Warn("lifting stopped at unmapped address",
					"range", name, "addr", fmt.Sprintf("%#x", merr.Addr))
				st.Truncated = true
				return out, st, nil
			}
			return out, st, fmt.Errorf("lift %#x: %w", addr, err)
		}
		st.Insts++
		st.Stmts += len(stmts)
		for _, s := range stmts {
			sp, ok := s.(*il.Special)
			switch {
			case !ok:
			case strings.HasPrefix(sp.Desc, "decode failure"):
				st.DecodeFailures++
			case strings.HasPrefix(sp.Desc, "unsupported:"):
				st.Unsupported++
			}
		}
		out = append(out, stmts...)
		if next <= addr {
			break
		}
		addr = next
	}
	return out, st, nil
}

// LiftSection lifts the whole of sec.
func (l *Lifter) LiftSection(img *loader.Image, sec *loader.Section) ([]il.Stmt, error) {
	stmts, _, err := l.liftRange(img, sec.Name, sec.Addr, sec.End())
	return stmts, err
}

// LiftProgram lifts every executable section of img in section order.
func (l *Lifter) LiftProgram(img *loader.Image) (*Program, error) {
	if img.Closed() {
		return nil, loader.ErrClosed
	}
	p := &Program{}
	for _, sec := range img.ExecSections() {
		stmts, st, err := l.liftRange(img, sec.Name, sec.Addr, sec.End())
		p.Stmts = append(p.Stmts, stmts...)
		p.Sections = append(p.Sections, st)
		l.logger.Debug("lifted section", "stats", st)
		if err != nil {
			return p, err
		}
	}
	return p, nil
}
