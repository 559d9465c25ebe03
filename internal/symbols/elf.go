package symbols

import (
	"debug/elf"
	"io"
)

type elfFile struct {
	elf *elf.File
}

func openElf(r io.ReaderAt) (rawFile, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &elfFile{f}, nil
}

// Symbols merges the static and dynamic symbol tables. Stripped shared
// libraries only have the latter.
func (e *elfFile) Symbols() (map[string]uintptr, error) {
	syms := map[string]uintptr{}

	static, err := e.elf.Symbols()
	if err != nil && err != elf.ErrNoSymbols {
		return nil, err
	}
	addElfSymbols(syms, static)

	dynamic, err := e.elf.DynamicSymbols()
	if err != nil && err != elf.ErrNoSymbols {
		return nil, err
	}
	addElfSymbols(syms, dynamic)

	return syms, nil
}

func addElfSymbols(syms map[string]uintptr, stab []elf.Symbol) {
	for _, k := range stab {
		if k.Value == 0 || elf.ST_TYPE(k.Info) != elf.STT_FUNC {
			continue
		}
		syms[k.Name] = uintptr(k.Value)
	}
}

// loadBase returns the page holding the lowest loadable segment, which is
// where the file's first mapping starts.
func (e *elfFile) loadBase(pageSize uintptr) uintptr {
	lowest := ^uint64(0)
	for _, p := range e.elf.Progs {
		if p.Type == elf.PT_LOAD && p.Vaddr < lowest {
			lowest = p.Vaddr
		}
	}
	if lowest == ^uint64(0) {
		return 0
	}
	return uintptr(lowest) &^ (pageSize - 1)
}
