//go:build darwin || linux
// +build darwin linux

package compartment

import "golang.org/x/sys/unix"

// reservationSize is the guaranteed virtual-memory reservation per linear
// memory required by spec §4.A: large enough that the sum of any two
// zero-extended 32-bit values (a guest address plus a constant offset)
// always lands inside it, without a bounds check on every access.
const reservationSize = 1 << 33 // 8 GiB

// reserveVirtualMemory reserves reservationSize bytes of address space with
// no access rights and returns its base address, mirroring the teacher's
// mmapCodeSegment (wasm/jit/mmap.go) but requesting PROT_NONE up front
// instead of PROT_EXEC: this region backs a Memory's base pointer, not
// generated code, and starts out entirely unmapped until Memory.Grow
// commits a growing prefix of it.
func reserveVirtualMemory() ([]byte, error) {
	return unix.Mmap(-1, 0, reservationSize, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

// commitPages changes the access protection of the first n bytes of region
// to read/write, making them addressable. It is the growable-prefix half
// of spec §4.B's "base pointer is stable; only the committed prefix
// changes."
func commitPages(region []byte, n int) error {
	if n == 0 {
		return nil
	}
	return unix.Mprotect(region[:n], unix.PROT_READ|unix.PROT_WRITE)
}

func releaseVirtualMemory(region []byte) error {
	return unix.Munmap(region)
}
