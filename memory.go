package hafnium

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Memory is the physical memory the hypervisor manages, backed by an
// anonymous mapping. Page tables live inside it in their architectural
// binary layout, one little-endian 64-bit word per entry, exactly as a
// hardware walker would read them.
type Memory struct {
	base PhysAddr
	data []byte
}

// NewMemory maps size bytes of zeroed memory standing in for the physical
// range [base, base+size). Both base and size must be page-aligned.
func NewMemory(base PhysAddr, size uint64) (*Memory, error) {
	if size == 0 {
		return nil, fmt.Errorf("hf: memory requires a non-zero size")
	}
	if !PageAligned(uint64(base)) || !PageAligned(size) {
		return nil, fmt.Errorf("hf: memory base %#x and size %#x must be page-aligned: %w",
			uint64(base), size, ErrMisaligned)
	}
	data, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("hf: failed to map %d bytes of backing memory: %w", size, err)
	}
	return &Memory{base: base, data: data}, nil
}

// Close releases the backing mapping. Idempotent.
func (m *Memory) Close() error {
	if m == nil || m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

// Range returns the physical range the memory covers.
func (m *Memory) Range() MemRange {
	return MemRange{Begin: m.base, End: m.base + PhysAddr(len(m.data))}
}

// Contains reports whether the given physical range lies inside the memory.
func (m *Memory) Contains(r MemRange) bool {
	return m.Range().Contains(r)
}

func (m *Memory) offset(pa PhysAddr, n uint64) uint64 {
	off := uint64(pa - m.base)
	if pa < m.base || off+n > uint64(len(m.data)) {
		// The table manager validates every range before touching
		// memory, so this is a caller bug, not a runtime condition.
		panic(fmt.Sprintf("hf: physical access %#x+%#x outside memory %v", uint64(pa), n, m.Range()))
	}
	return off
}

// Page returns the page-sized slice backing the page that contains pa. The
// address must be page-aligned.
func (m *Memory) Page(pa PhysAddr) []byte {
	if !PageAligned(uint64(pa)) {
		panic(fmt.Sprintf("hf: page access at unaligned address %#x", uint64(pa)))
	}
	off := m.offset(pa, PageSize)
	return m.data[off : off+PageSize : off+PageSize]
}

// PTE reads the i'th entry of the table page at pa.
func (m *Memory) PTE(pa PhysAddr, i int) PTE {
	off := m.offset(pa, PageSize) + uint64(i)*8
	return PTE(binary.LittleEndian.Uint64(m.data[off:]))
}

// SetPTE writes the i'th entry of the table page at pa.
func (m *Memory) SetPTE(pa PhysAddr, i int, pte PTE) {
	off := m.offset(pa, PageSize) + uint64(i)*8
	binary.LittleEndian.PutUint64(m.data[off:], uint64(pte))
}
