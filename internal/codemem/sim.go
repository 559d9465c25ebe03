package codemem

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Sim is a simulated address space. It stands in for process memory in
// tests: code can be placed at any address without touching the real
// process, and writes can be made to fail on demand.
//
// Sim also hands out pages, so it can back a trampoline allocator.
type Sim struct {
	mu          sync.Mutex
	regions     []*simRegion
	granularity uintptr
	writes      int
}

type simRegion struct {
	Region
	data   []byte
	locked bool
}

// NewSim returns an empty address space with 4 KiB pages.
func NewSim() *Sim {
	return &Sim{granularity: 0x1000}
}

// Map adds a zeroed region. It fails if the range overlaps an existing
// region.
func (s *Sim) Map(base uintptr, size int, prot Prot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mapLocked(base, size, prot)
}

func (s *Sim) mapLocked(base uintptr, size int, prot Prot) error {
	if base == 0 || size <= 0 {
		return errors.Errorf("invalid mapping 0x%x+%d", base, size)
	}
	if !s.free(base, uintptr(size)) {
		return errors.Errorf("mapping 0x%x+%d overlaps an existing region", base, size)
	}

	s.regions = append(s.regions, &simRegion{
		Region: Region{Base: base, Size: uintptr(size), Prot: prot},
		data:   make([]byte, size),
	})
	sort.Slice(s.regions, func(i, j int) bool {
		return s.regions[i].Base < s.regions[j].Base
	})
	return nil
}

// Unmap removes the region starting at base.
func (s *Sim) Unmap(base uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, r := range s.regions {
		if r.Base == base {
			s.regions = append(s.regions[:i], s.regions[i+1:]...)
			return nil
		}
	}
	return errors.Wrapf(ErrUnmapped, "0x%x", base)
}

// Poke stores data without going through Write, ignoring protection and
// locks. Use it to set up code.
func (s *Sim) Poke(addr uintptr, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.span(addr, len(data))
	if err != nil {
		return err
	}
	copy(r.data[addr-r.Base:], data)
	return nil
}

// Lock makes every following Write or Unlock in the region holding addr
// fail with ErrProtect, as if the protection change was refused.
func (s *Sim) Lock(addr uintptr, locked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r := s.find(addr); r != nil {
		r.locked = locked
	}
}

// Writes counts successful calls to Write and to a span's Store.
func (s *Sim) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *Sim) Region(addr uintptr) (Region, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.find(addr)
	if r == nil {
		return Region{}, errors.Wrapf(ErrUnmapped, "0x%x", addr)
	}
	return r.Region, nil
}

func (s *Sim) Read(addr uintptr, n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.span(addr, n)
	if err != nil {
		return nil, err
	}
	if r.Prot&ProtRead == 0 {
		return nil, errors.Wrapf(ErrUnmapped, "0x%x is not readable", addr)
	}

	buf := make([]byte, n)
	copy(buf, r.data[addr-r.Base:])
	return buf, nil
}

func (s *Sim) Write(addr uintptr, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.span(addr, len(data))
	if err != nil {
		return err
	}
	if r.locked {
		return errors.Wrapf(ErrProtect, "0x%x is locked", addr)
	}

	copy(r.data[addr-r.Base:], data)
	s.writes++
	return nil
}

// Unlock checks that the range is mapped and not locked. Stores through the
// span ignore protection, like Write.
func (s *Sim) Unlock(addr uintptr, n int) (Span, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.span(addr, n)
	if err != nil {
		return nil, err
	}
	if r.locked {
		return nil, errors.Wrapf(ErrProtect, "0x%x is locked", addr)
	}
	return &simSpan{sim: s, region: r, addr: addr, n: n}, nil
}

type simSpan struct {
	sim    *Sim
	region *simRegion
	addr   uintptr
	n      int
}

func (sp *simSpan) Store(data []byte) {
	sp.sim.mu.Lock()
	defer sp.sim.mu.Unlock()
	copy(sp.region.data[sp.addr-sp.region.Base:], data[:min(len(data), sp.n)])
	sp.sim.writes++
}

func (sp *simSpan) Lock() error {
	return nil
}

// Reserve maps size bytes of executable memory as close to near as it can.
// Every byte of the result lies within maxDistance of near unless
// maxDistance is 0.
func (s *Sim) Reserve(near, maxDistance uintptr, size int) (uintptr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := Align(uintptr(size), s.granularity)

	candidates := []uintptr{AlignDown(near, s.granularity)}
	for _, r := range s.regions {
		candidates = append(candidates, Align(r.End(), s.granularity))
		if r.Base >= n {
			candidates = append(candidates, AlignDown(r.Base-n, s.granularity))
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return Distance(candidates[i], n, near) < Distance(candidates[j], n, near)
	})

	for _, c := range candidates {
		if c == 0 || !s.free(c, n) {
			continue
		}
		if maxDistance > 0 && Distance(c, n, near) > maxDistance {
			break
		}
		if err := s.mapLocked(c, int(n), ProtRead|ProtExec); err != nil {
			return 0, err
		}
		return c, nil
	}

	return 0, errors.Errorf("no free %d bytes within 0x%x of 0x%x", n, maxDistance, near)
}

// Release unmaps a region returned by Reserve.
func (s *Sim) Release(addr uintptr, size int) error {
	return s.Unmap(addr)
}

func (s *Sim) find(addr uintptr) *simRegion {
	for _, r := range s.regions {
		if r.Contains(addr) {
			return r
		}
	}
	return nil
}

func (s *Sim) span(addr uintptr, n int) (*simRegion, error) {
	r := s.find(addr)
	if r == nil {
		return nil, errors.Wrapf(ErrUnmapped, "0x%x", addr)
	}
	if addr+uintptr(n) > r.End() {
		return nil, errors.Wrapf(ErrUnmapped, "0x%x+%d crosses the end of its region", addr, n)
	}
	return r, nil
}

func (s *Sim) free(base, size uintptr) bool {
	for _, r := range s.regions {
		if base < r.End() && r.Base < base+size {
			return false
		}
	}
	return true
}

// Distance is the furthest any byte of [base, base+size) is from addr.
func Distance(base, size, addr uintptr) uintptr {
	far := func(a uintptr) uintptr {
		if a > addr {
			return a - addr
		}
		return addr - a
	}
	return max(far(base), far(base+size))
}
