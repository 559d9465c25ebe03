package codemem

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Regions lists the mappings of the running process, sorted by address.
func Regions() ([]Region, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()

	var regions []Region
	s := bufio.NewScanner(f)
	for s.Scan() {
		// 00400000-00452000 r-xp 00000000 08:02 173521 /usr/bin/dbus-daemon
		fields := strings.Fields(s.Text())
		if len(fields) < 2 {
			continue
		}
		lo, hi, ok := strings.Cut(fields[0], "-")
		if !ok {
			continue
		}
		base, err := strconv.ParseUint(lo, 16, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parse maps line %q", s.Text())
		}
		end, err := strconv.ParseUint(hi, 16, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parse maps line %q", s.Text())
		}

		var prot Prot
		perms := fields[1]
		if strings.IndexByte(perms, 'r') >= 0 {
			prot |= ProtRead
		}
		if strings.IndexByte(perms, 'w') >= 0 {
			prot |= ProtWrite
		}
		if strings.IndexByte(perms, 'x') >= 0 {
			prot |= ProtExec
		}

		r := Region{
			Base: uintptr(base),
			Size: uintptr(end - base),
			Prot: prot,
		}
		if len(fields) >= 6 {
			r.Path = fields[5]
			r.Offset, _ = strconv.ParseUint(fields[2], 16, 64)
		}
		regions = append(regions, r)
	}
	if err := s.Err(); err != nil {
		return nil, errors.WithStack(err)
	}

	return regions, nil
}

// Region looks addr up in /proc/self/maps.
func (p *Process) Region(addr uintptr) (Region, error) {
	regions, err := Regions()
	if err != nil {
		return Region{}, err
	}
	for _, r := range regions {
		if r.Contains(addr) {
			return r, nil
		}
	}
	return Region{}, errors.Wrapf(ErrUnmapped, "0x%x", addr)
}
