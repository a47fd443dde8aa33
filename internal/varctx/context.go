// Package varctx maps architectural state names to IL variables for one
// lifting session.
package varctx

import (
	"fmt"

	"bilift/internal/arch"
	"bilift/internal/il"
)

// MemName is the reserved name of the memory variable. It also resolves
// under the "$" prefixed alias.
const MemName = "mem"

// UndeclaredVariableError is the panic value of Lookup on an unknown name.
// It signals a mismatch between the declared register set and a lifter.
type UndeclaredVariableError struct {
	Name string
}

func (e *UndeclaredVariableError) Error() string {
	return fmt.Sprintf("undeclared variable %q", e.Name)
}

// Context is a mutable name to variable mapping. Extended names shadow
// existing ones until they are unextended. A Context is not safe for
// concurrent use.
type Context struct {
	vars   map[string][]il.Var
	scopes [][]il.Var
	mem    il.Var
	nextID int
	firstX int // ids below this are the base bindings from New
}

// New registers mem under "mem" and "$mem" and every decl under its own name.
func New(mem il.Var, decls []il.Var) *Context {
	c := &Context{vars: make(map[string][]il.Var, len(decls)+2), mem: mem}
	for _, v := range decls {
		c.vars[v.Name] = []il.Var{v}
		c.bump(v.ID)
	}
	c.vars[MemName] = []il.Var{mem}
	c.vars["$"+MemName] = []il.Var{mem}
	c.bump(mem.ID)
	c.firstX = c.nextID
	return c
}

// ForArch builds a context from the register and flag declarations of a.
func ForArch(a arch.Arch) (*Context, error) {
	decls, err := arch.Declarations(a)
	if err != nil {
		return nil, err
	}
	vars := make([]il.Var, len(decls))
	for i, d := range decls {
		vars[i] = il.Var{Name: d.Name, ID: i + 1, Type: il.Reg(d.Width)}
	}
	mem := il.Var{Name: MemName, ID: len(vars) + 1, Type: il.Mem(a.AddrBits())}
	return New(mem, vars), nil
}

func (c *Context) bump(id int) {
	if id >= c.nextID {
		c.nextID = id + 1
	}
}

// Mem returns the memory variable.
func (c *Context) Mem() il.Var { return c.mem }

// Find returns the innermost variable bound to name.
func (c *Context) Find(name string) (il.Var, bool) {
	stack := c.vars[name]
	if len(stack) == 0 {
		return il.Var{}, false
	}
	return stack[len(stack)-1], true
}

// Lookup is Find for names that must exist. It panics with an
// *UndeclaredVariableError otherwise.
func (c *Context) Lookup(name string) il.Var {
	v, ok := c.Find(name)
	if !ok {
		panic(&UndeclaredVariableError{Name: name})
	}
	return v
}

// Extend binds a fresh variable to name, shadowing any existing binding.
// Inside Scoped the binding is dropped when the scope exits.
func (c *Context) Extend(name string, typ il.Type) il.Var {
	v := il.Var{Name: name, ID: c.nextID, Type: typ}
	c.nextID++
	c.vars[name] = append(c.vars[name], v)
	if n := len(c.scopes); n > 0 {
		c.scopes[n-1] = append(c.scopes[n-1], v)
	}
	return v
}

// Unextend removes the innermost binding of name if Extend created it.
// Declared registers and the memory variable are never removed.
func (c *Context) Unextend(name string) {
	stack := c.vars[name]
	if len(stack) == 0 || stack[len(stack)-1].ID < c.firstX {
		return
	}
	if len(stack) == 1 {
		delete(c.vars, name)
		return
	}
	c.vars[name] = stack[:len(stack)-1]
}

// drop removes the binding of v if it is still present.
func (c *Context) drop(v il.Var) {
	stack := c.vars[v.Name]
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i].ID != v.ID {
			continue
		}
		stack = append(stack[:i], stack[i+1:]...)
		if len(stack) == 0 {
			delete(c.vars, v.Name)
		} else {
			c.vars[v.Name] = stack
		}
		return
	}
}

// Scoped runs fn and then unextends every name fn extended and did not
// remove itself, even if fn panics.
func (c *Context) Scoped(fn func() error) error {
	c.scopes = append(c.scopes, nil)
	depth := len(c.scopes)
	defer func() {
		added := c.scopes[depth-1]
		c.scopes = c.scopes[:depth-1]
		for i := len(added) - 1; i >= 0; i-- {
			c.drop(added[i])
		}
	}()
	return fn()
}

// Len returns the number of distinct bound names.
func (c *Context) Len() int { return len(c.vars) }
