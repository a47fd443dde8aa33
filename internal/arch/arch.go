// Package arch names the architectures the lifter understands and the
// architectural state (registers and flags) declared for each of them.
package arch

import (
	"debug/elf"
	"debug/pe"
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedArchitecture is returned when an architecture tag cannot be
// mapped to a declaration table.
var ErrUnsupportedArchitecture = errors.New("unsupported architecture")

// Arch is a validated architecture tag.
type Arch int

const (
	Unknown Arch = iota
	X86
	X86_64
	ARM64
)

var names = map[Arch]string{
	Unknown: "unknown",
	X86:     "x86",
	X86_64:  "x86_64",
	ARM64:   "arm64",
}

// aliases accepted by Parse, lower-cased.
var aliases = map[string]Arch{
	"x86":     X86,
	"i386":    X86,
	"i686":    X86,
	"386":     X86,
	"x86_64":  X86_64,
	"x86-64":  X86_64,
	"amd64":   X86_64,
	"x64":     X86_64,
	"arm64":   ARM64,
	"aarch64": ARM64,
}

func (a Arch) String() string {
	if s, ok := names[a]; ok {
		return s
	}
	return fmt.Sprintf("Arch(%d)", int(a))
}

// Parse converts an external architecture tag (trace header, CLI flag,
// config file) into an Arch. Unknown tags fail with
// ErrUnsupportedArchitecture rather than being reinterpreted.
func Parse(s string) (Arch, error) {
	tag := strings.ToLower(strings.TrimRight(strings.TrimSpace(s), "\x00"))
	if a, ok := aliases[tag]; ok {
		return a, nil
	}
	return Unknown, fmt.Errorf("%w: %q", ErrUnsupportedArchitecture, s)
}

// MarshalText implements encoding.TextMarshaler.
func (a Arch) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Arch) UnmarshalText(text []byte) error {
	v, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// AddrBits returns the width of a virtual address, or 0 for Unknown.
func (a Arch) AddrBits() int {
	switch a {
	case X86:
		return 32
	case X86_64, ARM64:
		return 64
	}
	return 0
}

// Supported reports whether a has a declaration table.
func (a Arch) Supported() bool {
	_, ok := tables[a]
	return ok
}

// FromELF maps an ELF machine to an Arch; Unknown if not supported.
func FromELF(m elf.Machine) Arch {
	switch m {
	case elf.EM_386:
		return X86
	case elf.EM_X86_64:
		return X86_64
	case elf.EM_AARCH64:
		return ARM64
	}
	return Unknown
}

// FromPE maps a PE/COFF machine field to an Arch; Unknown if not supported.
func FromPE(m uint16) Arch {
	switch m {
	case pe.IMAGE_FILE_MACHINE_I386:
		return X86
	case pe.IMAGE_FILE_MACHINE_AMD64:
		return X86_64
	case pe.IMAGE_FILE_MACHINE_ARM64:
		return ARM64
	}
	return Unknown
}
