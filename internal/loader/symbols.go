package loader

import (
	"sort"
	"sync"

	"github.com/ianlancetaylor/demangle"
)

// Symbol is a function symbol of an image.
type Symbol struct {
	Name      string
	Demangled string
	Addr      uint64
	Size      uint64
}

// demangleCache memoizes demangling; C++ binaries repeat names a lot.
var demangleCache sync.Map

func cachedDemangle(mangled string) string {
	if v, ok := demangleCache.Load(mangled); ok {
		return v.(string)
	}
	d := demangle.Filter(mangled, demangle.NoClones)
	demangleCache.Store(mangled, d)
	return d
}

func newSymbol(name string, addr, size uint64) Symbol {
	return Symbol{Name: name, Demangled: cachedDemangle(name), Addr: addr, Size: size}
}

// SymbolAt returns the symbol starting exactly at addr.
func (im *Image) SymbolAt(addr uint64) (Symbol, bool) {
	i := sort.Search(len(im.Symbols), func(i int) bool { return im.Symbols[i].Addr >= addr })
	if i < len(im.Symbols) && im.Symbols[i].Addr == addr {
		return im.Symbols[i], true
	}
	return Symbol{}, false
}

// AddSymbol registers a symbol, keeping Symbols sorted by address.
func (im *Image) AddSymbol(name string, addr, size uint64) {
	sym := newSymbol(name, addr, size)
	i := sort.Search(len(im.Symbols), func(i int) bool { return im.Symbols[i].Addr >= addr })
	im.Symbols = append(im.Symbols, Symbol{})
	copy(im.Symbols[i+1:], im.Symbols[i:])
	im.Symbols[i] = sym
}
