package loader

import (
	"debug/elf"
	"fmt"
	"io"
	"os"
	"syscall"

	"bilift/internal/arch"
)

// openELF maps the file read-only and exposes its allocated sections as
// slices of the mapping.
func openELF(path string) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open elf: %w", err)
	}

	of, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open file: %w", err)
	}

	fi, err := of.Stat()
	if err != nil {
		of.Close()
		f.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}

	all, err := syscall.Mmap(int(of.Fd()), 0, int(fi.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		of.Close()
		f.Close()
		return nil, fmt.Errorf("mmap file: %w", err)
	}

	im := &Image{
		Path:    path,
		Arch:    arch.FromELF(f.Machine),
		Entry:   f.Entry,
		closers: []io.Closer{f, of},
		unmap:   func() error { return syscall.Munmap(all) },
	}

	for _, s := range f.Sections {
		if s.Flags&elf.SHF_ALLOC == 0 || s.Size == 0 {
			continue
		}
		sec := Section{
			Name:  s.Name,
			Addr:  s.Addr,
			Size:  s.Size,
			Flags: Loaded | Readable,
		}
		if s.Flags&elf.SHF_EXECINSTR != 0 {
			sec.Flags |= Exec
		}
		if s.Flags&elf.SHF_WRITE != 0 {
			sec.Flags |= Writable
		}
		if s.Type != elf.SHT_NOBITS {
			sec.Data = sliceFile(all, s.Offset, s.Size)
		}
		im.Sections = append(im.Sections, sec)
	}

	// Stripped of section headers: fall back to PT_LOAD segments.
	if len(im.Sections) == 0 {
		for _, p := range f.Progs {
			if p.Type != elf.PT_LOAD || p.Memsz == 0 {
				continue
			}
			sec := Section{
				Name: fmt.Sprintf("LOAD@%#x", p.Vaddr),
				Addr: p.Vaddr,
				Size: p.Memsz,
				Data: sliceFile(all, p.Off, p.Filesz),
			}
			sec.Flags = Loaded
			if p.Flags&elf.PF_R != 0 {
				sec.Flags |= Readable
			}
			if p.Flags&elf.PF_W != 0 {
				sec.Flags |= Writable
			}
			if p.Flags&elf.PF_X != 0 {
				sec.Flags |= Exec
			}
			im.Sections = append(im.Sections, sec)
		}
	}

	im.Symbols = elfSymbols(f)
	return im, nil
}

// sliceFile returns all[off:off+size] clamped to the mapping.
func sliceFile(all []byte, off, size uint64) []byte {
	if off >= uint64(len(all)) {
		return nil
	}
	end := off + size
	if end > uint64(len(all)) {
		end = uint64(len(all))
	}
	return all[off:end]
}

// elfSymbols collects defined function symbols from .symtab and .dynsym.
func elfSymbols(f *elf.File) []Symbol {
	var out []Symbol
	seen := make(map[uint64]bool)
	add := func(syms []elf.Symbol) {
		for _, sym := range syms {
			if sym.Value == 0 || sym.Name == "" {
				continue
			}
			if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || seen[sym.Value] {
				continue
			}
			seen[sym.Value] = true
			out = append(out, newSymbol(sym.Name, sym.Value, sym.Size))
		}
	}
	if syms, err := f.Symbols(); err == nil {
		add(syms)
	}
	if syms, err := f.DynamicSymbols(); err == nil {
		add(syms)
	}
	return out
}
