package hafnium

import "fmt"

// PhysAddr is a real physical address.
type PhysAddr uint64

// IPAddr is an intermediate physical address, the guest's view of physical
// memory before the stage-2 translation is applied.
type IPAddr uint64

// VirtAddr is a virtual address translated by a stage-1 table.
type VirtAddr uint64

const (
	// PageBits is the binary log of the translation granule.
	PageBits = 12

	// PageSize is the translation granule. Only the 4K granule is
	// supported.
	PageSize = 1 << PageBits

	// PageLevelBits is the number of address bits resolved per table
	// level, i.e. log2 of the entries per table page.
	PageLevelBits = 9

	// PTEsPerPage is the number of entries in one table page.
	PTEsPerPage = PageSize / 8
)

func (pa PhysAddr) String() string { return fmt.Sprintf("PA(%#x)", uint64(pa)) }
func (ia IPAddr) String() string   { return fmt.Sprintf("IPA(%#x)", uint64(ia)) }
func (va VirtAddr) String() string { return fmt.Sprintf("VA(%#x)", uint64(va)) }

// PageAligned reports whether addr sits on a page boundary.
func PageAligned(addr uint64) bool { return addr&(PageSize-1) == 0 }

func roundDownToPage(addr uint64) uint64 { return addr &^ (PageSize - 1) }

func roundUpToPage(addr uint64) uint64 { return roundDownToPage(addr + PageSize - 1) }

// entrySize is the span of address space covered by one entry at the given
// level.
func entrySize(level uint8) uint64 {
	return 1 << (PageBits + uint64(level)*PageLevelBits)
}

// startOfNextBlock returns the start of the block of the given size that
// follows addr. The size must be a power of two.
func startOfNextBlock(addr, blockSize uint64) uint64 {
	return (addr + blockSize) &^ (blockSize - 1)
}

// levelEnd returns the first address no longer covered by the table that
// holds addr's entry at the given level.
func levelEnd(addr uint64, level uint8) uint64 {
	shift := PageBits + (uint64(level)+1)*PageLevelBits
	return ((addr >> shift) + 1) << shift
}

// pteIndex returns the slot index of addr's entry in a table at the given
// level.
func pteIndex(addr uint64, level uint8) int {
	return int((addr >> (PageBits + uint64(level)*PageLevelBits)) & (PTEsPerPage - 1))
}

// MemRange is a half-open range of physical memory.
type MemRange struct {
	Begin PhysAddr `json:"begin" toml:"begin"`
	End   PhysAddr `json:"end" toml:"end"`
}

// Size returns the length of the range in bytes.
func (r MemRange) Size() uint64 {
	if r.End <= r.Begin {
		return 0
	}
	return uint64(r.End - r.Begin)
}

// Contains reports whether the range fully contains other.
func (r MemRange) Contains(other MemRange) bool {
	return other.Begin >= r.Begin && other.End <= r.End
}

func (r MemRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(r.Begin), uint64(r.End))
}
