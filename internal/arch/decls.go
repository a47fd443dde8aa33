package arch

import "fmt"

// Decl is one declared piece of architectural state.
type Decl struct {
	Name  string
	Width int // bits
}

var x86GPR = []string{"EAX", "ECX", "EDX", "EBX", "ESP", "EBP", "ESI", "EDI"}

var x86_64GPR = []string{
	"RAX", "RCX", "RDX", "RBX", "RSP", "RBP", "RSI", "RDI",
	"R8", "R9", "R10", "R11", "R12", "R13", "R14", "R15",
}

// x86Flags are shared by both x86 modes.
var x86Flags = []string{"CF", "PF", "AF", "ZF", "SF", "OF", "DF"}

// arm64Flags are the NZCV condition flags.
var arm64Flags = []string{"NF", "ZF", "CF", "VF"}

var tables = map[Arch]func() []Decl{
	X86:    func() []Decl { return x86Decls(x86GPR, "EIP", 32) },
	X86_64: func() []Decl { return x86Decls(x86_64GPR, "RIP", 64) },
	ARM64:  arm64Decls,
}

// Declarations returns the declared register and flag set of a.
func Declarations(a Arch) ([]Decl, error) {
	mk, ok := tables[a]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedArchitecture, a)
	}
	return mk(), nil
}

// GPR returns the names of the full-width general purpose registers of a in
// encoding order.
func GPR(a Arch) []string {
	switch a {
	case X86:
		return x86GPR
	case X86_64:
		return x86_64GPR
	case ARM64:
		regs := make([]string, 31)
		for i := range regs {
			regs[i] = fmt.Sprintf("X%d", i)
		}
		return regs
	}
	return nil
}

func x86Decls(gpr []string, ip string, width int) []Decl {
	decls := make([]Decl, 0, len(gpr)+len(x86Flags)+3)
	for _, r := range gpr {
		decls = append(decls, Decl{Name: r, Width: width})
	}
	decls = append(decls,
		Decl{Name: ip, Width: width},
		Decl{Name: "FS_BASE", Width: width},
		Decl{Name: "GS_BASE", Width: width},
	)
	for _, f := range x86Flags {
		decls = append(decls, Decl{Name: f, Width: 1})
	}
	return decls
}

func arm64Decls() []Decl {
	decls := make([]Decl, 0, 31+2+len(arm64Flags))
	for _, r := range GPR(ARM64) {
		decls = append(decls, Decl{Name: r, Width: 64})
	}
	decls = append(decls, Decl{Name: "SP", Width: 64}, Decl{Name: "PC", Width: 64})
	for _, f := range arm64Flags {
		decls = append(decls, Decl{Name: f, Width: 1})
	}
	return decls
}
