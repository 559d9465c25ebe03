// Package gofunc reads the runtime's table of Go functions in the running
// executable. The table is there even when the executable's symbol table
// was stripped.
package gofunc

import (
	"bytes"
	"reflect"
	"sort"
	"unsafe"
)

// End returns the address just past the Go function that starts at entry,
// which is where the next function starts. The result includes the padding
// after the function. It fails if entry isn't the start of a Go function.
func End(entry uintptr) (uintptr, bool) {
	info := findfunc(entry)
	if info._func == nil || info.datap.text+uintptr(info.entryOff) != entry {
		return 0, false
	}

	ftab := info.datap.ftab
	i := sort.Search(len(ftab), func(i int) bool {
		return ftab[i].entryoff > info.entryOff
	})
	if i == len(ftab) {
		return info.datap.etext, true
	}
	return info.datap.text + uintptr(ftab[i].entryoff), true
}

// Lookup finds the entry of a Go function by its full name, as
// runtime.FuncForPC reports it.
func Lookup(name string) (uintptr, bool) {
	datap := findfunc(reflect.ValueOf(Lookup).Pointer()).datap
	if datap == nil {
		return 0, false
	}

	for _, ft := range datap.ftab[:max(len(datap.ftab)-1, 0)] {
		f := (*_func)(unsafe.Pointer(&datap.pclntable[ft.funcoff]))
		if string(funcName(datap, f)) == name {
			return datap.text + uintptr(ft.entryoff), true
		}
	}
	return 0, false
}

func funcName(datap *moduledata, f *_func) []byte {
	if f.nameOff <= 0 || int(f.nameOff) >= len(datap.funcnametab) {
		return nil
	}
	name := datap.funcnametab[f.nameOff:]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return name
}
