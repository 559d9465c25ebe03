package symbols

import (
	"debug/pe"
	"io"
)

type peFile struct {
	pe *pe.File
}

func openPE(r io.ReaderAt) (rawFile, error) {
	f, err := pe.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &peFile{f}, nil
}

// Symbols returns COFF symbol values, which are offsets into their section.
// Functions all live in .text, so one bias still covers them.
func (f *peFile) Symbols() (map[string]uintptr, error) {
	if f.pe.Symbols == nil {
		return nil, nil
	}
	syms := make(map[string]uintptr, len(f.pe.Symbols))
	for _, s := range f.pe.Symbols {
		syms[s.Name] = uintptr(s.Value)
	}
	return syms, nil
}
