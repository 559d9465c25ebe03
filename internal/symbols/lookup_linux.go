package symbols

import (
	"debug/elf"
	"os"
	"path/filepath"
	"strings"

	"github.com/pboyd/detour/internal/codemem"
	"github.com/pkg/errors"
)

// lookupModule finds a shared object in /proc/self/maps by path or file
// name ("libc.so.6", or just "libc.so") and reads its symbol table.
func lookupModule(module, symbol string) (uintptr, error) {
	mapping, err := findMapping(module)
	if err != nil {
		return 0, err
	}

	f, err := elf.Open(mapping.Path)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	defer f.Close()

	obj := &elfFile{f}
	syms, err := obj.Symbols()
	if err != nil {
		return 0, err
	}

	v, ok := syms[symbol]
	if !ok {
		return 0, errors.Wrapf(ErrNotFound, "%s in %s", symbol, mapping.Path)
	}

	if f.Type == elf.ET_EXEC {
		return v, nil
	}
	return v + mapping.Base - obj.loadBase(uintptr(os.Getpagesize())), nil
}

func findMapping(module string) (codemem.Region, error) {
	regions, err := codemem.Regions()
	if err != nil {
		return codemem.Region{}, err
	}

	for _, r := range regions {
		if r.Offset != 0 || !strings.HasPrefix(r.Path, "/") {
			continue
		}
		base := filepath.Base(r.Path)
		if r.Path == module || base == module || strings.HasPrefix(base, module+".") {
			return r, nil
		}
	}
	return codemem.Region{}, errors.Wrapf(ErrNotFound, "module %s is not loaded", module)
}
