// Package il defines the architecture independent intermediate language
// produced by the lifter: variables, expressions, statements and the
// attributes that can be attached to them.
package il

import (
	"fmt"
	"io"
	"strings"
)

// Type is the type of a variable: a bit vector register or a memory.
type Type interface {
	isType()
	String() string
}

// Reg is a bit vector of the given width in bits.
type Reg int

func (Reg) isType()          {}
func (t Reg) String() string { return fmt.Sprintf("u%d", int(t)) }

// Mem is a byte addressed memory whose addresses are the given width.
type Mem int

func (Mem) isType()          {}
func (t Mem) String() string { return fmt.Sprintf("?u%d", int(t)) }

// Var is a named variable. Two variables are the same variable iff their
// IDs match; names may be reused by scoped temporaries.
type Var struct {
	Name string
	ID   int
	Type Type
}

func (Var) isExpr() {}

func (v Var) String() string { return v.Name }

// Width returns the bit width of a register variable, 0 for memories.
func (v Var) Width() int {
	if r, ok := v.Type.(Reg); ok {
		return int(r)
	}
	return 0
}

// LabelID identifies a label: either an address or a symbolic name.
type LabelID interface {
	isLabelID()
	String() string
}

// AddrLabel is an address-typed label identity.
type AddrLabel uint64

func (AddrLabel) isLabelID()       {}
func (a AddrLabel) String() string { return fmt.Sprintf("addr %#x", uint64(a)) }

// NameLabel is a symbolic label identity.
type NameLabel string

func (NameLabel) isLabelID()       {}
func (n NameLabel) String() string { return fmt.Sprintf("name %q", string(n)) }

// Stmt is an IL statement. The concrete types are *Move, *Jmp, *CJmp,
// *Label, *Comment and *Special.
type Stmt interface {
	isStmt()
	String() string
}

// Move assigns Expr to Var.
type Move struct {
	Var   Var
	Expr  Expr
	Attrs Attrs
}

// Jmp transfers control to Target.
type Jmp struct {
	Target Expr
	Attrs  Attrs
}

// CJmp transfers control to Then if Cond holds and to Else otherwise. A nil
// Else falls through to the next statement.
type CJmp struct {
	Cond  Expr
	Then  Expr
	Else  Expr
	Attrs Attrs
}

// Label marks a position in the statement sequence.
type Label struct {
	ID    LabelID
	Attrs Attrs
}

// Comment carries free text, or a marker recognized by block segmentation.
type Comment struct {
	Text  string
	Attrs Attrs
}

// Special is a diagnostic statement describing an event the IL cannot
// express: a decode failure, a syscall, an exception.
type Special struct {
	Desc  string
	Attrs Attrs
}

func (*Move) isStmt()    {}
func (*Jmp) isStmt()     {}
func (*CJmp) isStmt()    {}
func (*Label) isStmt()   {}
func (*Comment) isStmt() {}
func (*Special) isStmt() {}

func (s *Move) String() string {
	return fmt.Sprintf("%s = %s%s", s.Var, s.Expr, s.Attrs)
}

func (s *Jmp) String() string {
	return fmt.Sprintf("jmp %s%s", s.Target, s.Attrs)
}

func (s *CJmp) String() string {
	if s.Else == nil {
		return fmt.Sprintf("cjmp %s, %s%s", s.Cond, s.Then, s.Attrs)
	}
	return fmt.Sprintf("cjmp %s, %s, %s%s", s.Cond, s.Then, s.Else, s.Attrs)
}

func (s *Label) String() string {
	return fmt.Sprintf("label %s%s", s.ID, s.Attrs)
}

func (s *Comment) String() string {
	return fmt.Sprintf("/*%s*/%s", s.Text, s.Attrs)
}

func (s *Special) String() string {
	return fmt.Sprintf("special %q%s", s.Desc, s.Attrs)
}

// NewLabel returns an address-typed label.
func NewLabel(addr uint64) *Label {
	return &Label{ID: AddrLabel(addr)}
}

// Attach appends attrs to the first Label or Comment of stmts. It reports
// whether such a statement was found.
func Attach(stmts []Stmt, attrs Attrs) bool {
	if len(attrs) == 0 {
		return true
	}
	for _, s := range stmts {
		switch s := s.(type) {
		case *Label:
			s.Attrs = append(s.Attrs, attrs...)
			return true
		case *Comment:
			s.Attrs = append(s.Attrs, attrs...)
			return true
		}
	}
	return false
}

// Format writes stmts one per line. Labels are flush left, everything else
// is indented.
func Format(w io.Writer, stmts []Stmt) error {
	var sb strings.Builder
	for _, s := range stmts {
		if _, ok := s.(*Label); !ok {
			sb.WriteString("  ")
		}
		sb.WriteString(s.String())
		sb.WriteByte('\n')
	}
	_, err := io.WriteString(w, sb.String())
	return err
}
