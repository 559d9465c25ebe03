package detour

import (
	"fmt"

	"github.com/pboyd/detour/internal/symbols"
)

// ErrSymbolNotFound is returned by Resolve when the module or symbol can't
// be found.
var ErrSymbolNotFound = symbols.ErrNotFound

// Resolve returns the address of symbol in a module loaded by the process,
// ready to pass to Create. An empty module means the executable itself, in
// which case Go functions are named the way runtime.FuncForPC names them.
func Resolve(module, symbol string) (uintptr, error) {
	addr, err := symbols.Lookup(module, symbol)
	if err != nil {
		return 0, fmt.Errorf("resolve %q in %q: %w", symbol, module, err)
	}
	return addr, nil
}
