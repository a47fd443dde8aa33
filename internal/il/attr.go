package il

import (
	"fmt"
	"math/big"
	"strings"
)

// Attr is an annotation attached to a Label or a Comment.
type Attr interface {
	isAttr()
	String() string
}

// Attrs is an unordered list of annotations.
type Attrs []Attr

func (a Attrs) String() string {
	if len(a) == 0 {
		return ""
	}
	parts := make([]string, len(a))
	for i, at := range a {
		parts[i] = at.String()
	}
	return " @[" + strings.Join(parts, "; ") + "]"
}

// Asm is the textual disassembly of the lifted instruction.
type Asm string

// Str is a free form string tag.
type Str string

// ThreadID marks the thread that executed a traced instruction.
type ThreadID uint64

func (Asm) isAttr()      {}
func (Str) isAttr()      {}
func (ThreadID) isAttr() {}

func (a Asm) String() string      { return fmt.Sprintf("asm %q", string(a)) }
func (s Str) String() string      { return fmt.Sprintf("str %q", string(s)) }
func (t ThreadID) String() string { return fmt.Sprintf("tid %d", uint64(t)) }

// Find returns the first attribute of type T in attrs.
func Find[T Attr](attrs Attrs) (T, bool) {
	for _, a := range attrs {
		if v, ok := a.(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

// AttrsOf returns the attributes of s, or nil if s cannot carry any.
func AttrsOf(s Stmt) Attrs {
	switch s := s.(type) {
	case *Label:
		return s.Attrs
	case *Comment:
		return s.Attrs
	case *Special:
		return s.Attrs
	case *Move:
		return s.Attrs
	case *Jmp:
		return s.Attrs
	case *CJmp:
		return s.Attrs
	}
	return nil
}

// Usage tells how an instruction used an operand.
type Usage int

const (
	Read Usage = iota
	Write
	ReadWrite
)

func (u Usage) String() string {
	switch u {
	case Write:
		return "wr"
	case ReadWrite:
		return "rw"
	}
	return "rd"
}

// TaintKind distinguishes the three taint states of an operand.
type TaintKind int

const (
	Untainted TaintKind = iota
	Tainted
	AmbiguousTaint
)

// Taint is the taint marker of an operand. ID is meaningful only when Kind
// is Tainted.
type Taint struct {
	Kind TaintKind
	ID   uint64
}

func (t Taint) String() string {
	switch t.Kind {
	case Tainted:
		return fmt.Sprintf("taint %d", t.ID)
	case AmbiguousTaint:
		return "taint ambiguous"
	}
	return "untainted"
}

// OperandContext is one operand observed by a traced instruction.
type OperandContext struct {
	Name  string
	Mem   bool
	Width int
	Index uint64 // memory address, 0 for registers
	Value *big.Int
	Usage Usage
	Taint Taint
}

func (OperandContext) isAttr() {}

func (c OperandContext) String() string {
	v := "0"
	if c.Value != nil {
		v = "0x" + c.Value.Text(16)
	}
	if c.Mem {
		return fmt.Sprintf("context %s[%#x]:u%d = %s, %s, %s", c.Name, c.Index, c.Width, v, c.Usage, c.Taint)
	}
	return fmt.Sprintf("context %s:u%d = %s, %s, %s", c.Name, c.Width, v, c.Usage, c.Taint)
}
