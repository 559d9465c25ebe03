// Package symbols resolves symbol names to addresses in the running
// process.
package symbols

import (
	"io"
	"os"
	"reflect"
	"runtime"
	"sync"

	"github.com/pkg/errors"

	"github.com/pboyd/detour/internal/gofunc"
)

var (
	// ErrNotFound means the symbol isn't in the object's symbol table.
	ErrNotFound = errors.New("symbol not found")

	// ErrUnsupported means the platform can't look inside the module.
	ErrUnsupported = errors.New("symbol lookup not supported for this module")
)

type rawFile interface {
	Symbols() (map[string]uintptr, error)
}

var objType = []func(io.ReaderAt) (rawFile, error){
	openElf,
	openMacho,
	openPE,
}

// ReadSymbols returns the symbol table of an object file as the file
// records it, without any load bias applied.
func ReadSymbols(name string) (map[string]uintptr, error) {
	r, err := os.Open(name)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer r.Close()

	for _, try := range objType {
		if raw, err := try(r); err == nil {
			return raw.Symbols()
		}
	}
	return nil, errors.Errorf("open %s: unrecognized object file", name)
}

var self struct {
	once sync.Once
	syms map[string]uintptr
	bias uintptr
	err  error
}

// Self resolves a symbol of the running executable. Go functions use their
// full name, as runtime.FuncForPC reports it. They resolve even when the
// executable has no symbol table, as go test binaries don't.
func Self(name string) (uintptr, error) {
	self.once.Do(loadSelf)

	for _, n := range []string{name, "_" + name} {
		if v, ok := self.syms[n]; ok && v != 0 {
			return v + self.bias, nil
		}
	}
	if addr, ok := gofunc.Lookup(name); ok {
		return addr, nil
	}

	if self.err != nil {
		return 0, errors.Wrapf(ErrNotFound, "%s (%v)", name, self.err)
	}
	return 0, errors.Wrap(ErrNotFound, name)
}

// loadSelf reads the executable's symbol table. The table holds link-time
// addresses, so the difference between where Self is loaded and where the
// table says it is gives the load bias for everything else.
func loadSelf() {
	exe, err := os.Executable()
	if err != nil {
		self.err = errors.WithStack(err)
		return
	}

	syms, err := ReadSymbols(exe)
	if err != nil {
		self.err = err
		return
	}

	anchor := reflect.ValueOf(Self).Pointer()
	fn := runtime.FuncForPC(anchor)
	if fn == nil {
		self.err = errors.New("can't find the name of Self")
		return
	}

	linked, ok := syms[fn.Name()]
	if !ok {
		linked, ok = syms["_"+fn.Name()]
	}
	if !ok {
		self.err = errors.Wrapf(ErrNotFound, "%s has no symbol table", exe)
		return
	}

	self.syms = syms
	self.bias = anchor - linked
}

// Lookup resolves symbol in module. An empty module means the running
// executable.
func Lookup(module, symbol string) (uintptr, error) {
	if module == "" {
		return Self(symbol)
	}
	return lookupModule(module, symbol)
}
