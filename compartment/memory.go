package compartment

import (
	"fmt"
	"unsafe"
)

// PageSize is the unit of linear memory length, grounded on the teacher's
// MemoryPageSize (internal/wasm/memory.go): 2^16 bytes.
const PageSize = uint32(65536)

// reserve lazily reserves m's 8 GiB virtual region (spec §4.A) on first
// growth, rather than in AddMemory, so that constructing a Memory never
// fails even on a host where the reservation itself might (tests for
// AddMemory's bookkeeping don't need a real mapping).
func (m *Memory) reserve() error {
	if m.region != nil {
		return nil
	}
	region, err := reserveVirtualMemory()
	if err != nil {
		return fmt.Errorf("compartment: reserve virtual memory: %w", err)
	}
	m.region = region
	return nil
}

// Size returns m's current length in pages.
func (m *Memory) Size() uint32 {
	m.resizeMu.RLock()
	defer m.resizeMu.RUnlock()
	return m.numPages
}

// Bytes returns the committed prefix of m's backing buffer. The slice is
// only valid while the caller holds (or the surrounding JIT code respects)
// the sandbox discipline of spec §4.A-B: it is not safe to retain across a
// concurrent grow.
func (m *Memory) Bytes() []byte {
	m.resizeMu.RLock()
	defer m.resizeMu.RUnlock()
	if m.region == nil {
		return nil
	}
	return m.region[:uint64(m.numPages)*uint64(PageSize)]
}

// BasePointer returns the address emitted code loads into the per-memory
// base slot (spec §4.B). It is stable until the next Grow.
func (m *Memory) BasePointer() uintptr {
	m.resizeMu.RLock()
	defer m.resizeMu.RUnlock()
	return m.basePtr
}

// Grow appends deltaPages pages, taking the resize lock exclusively, and
// returns the previous size in pages. It fails rather than growing past
// maxPages, mirroring the teacher's MemoryInstance.Grow bounds check.
func (m *Memory) Grow(deltaPages uint32) (previousPages uint32, ok bool) {
	m.resizeMu.Lock()
	defer m.resizeMu.Unlock()
	previousPages = m.numPages
	if deltaPages == 0 {
		return previousPages, true
	}
	newPages := previousPages + deltaPages
	if newPages < previousPages || newPages > m.maxPages {
		return previousPages, false
	}
	if err := m.grow(newPages); err != nil {
		return previousPages, false
	}
	return previousPages, true
}

// grow commits a longer prefix of m.region, up to newPages pages. Callers
// must hold resizeMu for writing.
func (m *Memory) grow(newPages uint32) error {
	newLen := uint64(newPages) * uint64(PageSize)
	if newLen > uint64(reservationSize) {
		return fmt.Errorf("compartment: memory size %d exceeds reservation", newLen)
	}
	if err := m.reserve(); err != nil {
		return err
	}
	if err := commitPages(m.region, int(newLen)); err != nil {
		return fmt.Errorf("compartment: commit %d bytes: %w", newLen, err)
	}
	m.numPages = newPages
	if newLen > 0 {
		m.basePtr = uintptr(unsafe.Pointer(&m.region[0]))
	} else {
		m.basePtr = 0
	}
	return nil
}
