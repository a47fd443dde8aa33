package loader

import (
	"debug/pe"
	"fmt"

	"bilift/internal/arch"
)

// PE section characteristics.
const (
	scnCntCode    = 0x00000020
	scnMemExecute = 0x20000000
	scnMemRead    = 0x40000000
	scnMemWrite   = 0x80000000
)

// openPE reads every section of a PE image into memory. Section addresses
// are absolute: image base plus relative virtual address.
func openPE(path string) (*Image, error) {
	f, err := pe.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pe: %w", err)
	}
	defer f.Close()

	var base, entry uint64
	switch hdr := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		base = uint64(hdr.ImageBase)
		entry = base + uint64(hdr.AddressOfEntryPoint)
	case *pe.OptionalHeader64:
		base = hdr.ImageBase
		entry = base + uint64(hdr.AddressOfEntryPoint)
	default:
		return nil, fmt.Errorf("missing optional header")
	}

	im := &Image{
		Path:  path,
		Arch:  arch.FromPE(f.Machine),
		Entry: entry,
	}
	for _, s := range f.Sections {
		data, err := s.Data()
		if err != nil {
			return nil, fmt.Errorf("read section %q: %w", s.Name, err)
		}
		size := uint64(s.VirtualSize)
		if size == 0 {
			size = uint64(len(data))
		}
		sec := Section{
			Name:  s.Name,
			Addr:  base + uint64(s.VirtualAddress),
			Size:  size,
			Flags: Loaded,
			Data:  data,
		}
		if s.Characteristics&(scnCntCode|scnMemExecute) != 0 {
			sec.Flags |= Exec
		}
		if s.Characteristics&scnMemRead != 0 {
			sec.Flags |= Readable
		}
		if s.Characteristics&scnMemWrite != 0 {
			sec.Flags |= Writable
		}
		im.Sections = append(im.Sections, sec)
	}

	for _, sym := range f.Symbols {
		// Storage class 2 is IMAGE_SYM_CLASS_EXTERNAL; type 0x20 marks functions.
		if sym.SectionNumber <= 0 || sym.StorageClass != 2 || sym.Type&0x20 == 0 {
			continue
		}
		idx := int(sym.SectionNumber) - 1
		if idx >= len(im.Sections) {
			continue
		}
		im.Symbols = append(im.Symbols, newSymbol(sym.Name, im.Sections[idx].Addr+uint64(sym.Value), 0))
	}
	return im, nil
}
