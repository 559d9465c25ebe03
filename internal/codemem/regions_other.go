//go:build unix && !linux

package codemem

// Regions is only implemented on Linux.
func Regions() ([]Region, error) {
	return nil, ErrUnsupported
}

// Region can't see real mappings here. It reads a byte at addr and reports a
// single readable, executable page, which is what a function's page is on
// every system this runs on.
func (p *Process) Region(addr uintptr) (Region, error) {
	if _, err := p.Read(addr, 1); err != nil {
		return Region{}, err
	}
	base := AlignDown(addr, p.pageSize)
	return Region{Base: base, Size: p.pageSize, Prot: ProtRead | ProtExec}, nil
}
