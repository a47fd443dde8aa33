// Package blocks splits flat IL into blocks and streams the blocks of a
// trace as its frames are read.
package blocks

import (
	"bilift/internal/il"
	"bilift/internal/trace"
)

// Block is a run of statements that starts at a boundary statement.
type Block []il.Stmt

// Addr returns the address of the label that opens b, if any.
func (b Block) Addr() (uint64, bool) {
	if len(b) == 0 {
		return 0, false
	}
	if lbl, ok := b[0].(*il.Label); ok {
		if a, ok := lbl.ID.(il.AddrLabel); ok {
			return uint64(a), true
		}
	}
	return 0, false
}

// boundary reports whether s opens a new block: an address label, or the
// seed or end of trace marker comment.
func boundary(s il.Stmt) bool {
	switch s := s.(type) {
	case *il.Label:
		_, ok := s.ID.(il.AddrLabel)
		return ok
	case *il.Comment:
		return s.Text == trace.EndOfTraceMarker || s.Text == trace.SeedMarker
	}
	return false
}

// Segment splits stmts before every boundary statement. Statements ahead of
// the first boundary form a block of their own; order is preserved and no
// block is empty.
func Segment(stmts []il.Stmt) []Block {
	var out []Block
	var cur Block
	for _, s := range stmts {
		if boundary(s) && len(cur) > 0 {
			out = append(out, cur)
			cur = nil
		}
		cur = append(cur, s)
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}
