package hafnium

import (
	"github.com/google/btree"
)

// pageRange is a half-open run of free pages, keyed by its start address.
type pageRange struct {
	begin, end PhysAddr
}

func pageRangeLess(a, b pageRange) bool { return a.begin < b.begin }

// PagePool hands out page-granule runs of physical memory. It backs page
// table pages as well as VM memory regions. Free runs are kept coalesced in
// a btree ordered by address, so allocation is first-fit and freeing merges
// with both neighbours.
type PagePool struct {
	mem  *Memory
	free *btree.BTreeG[pageRange]
}

// NewPagePool creates an empty pool over the given memory. Ranges are added
// with AddRange.
func NewPagePool(mem *Memory) *PagePool {
	return &PagePool{
		mem:  mem,
		free: btree.NewG(8, pageRangeLess),
	}
}

// AddRange donates the given physical range to the pool. The range is
// trimmed inward to page boundaries and must lie inside the pool's memory.
func (p *PagePool) AddRange(r MemRange) error {
	begin := PhysAddr(roundUpToPage(uint64(r.Begin)))
	end := PhysAddr(roundDownToPage(uint64(r.End)))
	if begin >= end {
		return nil
	}
	if !p.mem.Contains(MemRange{Begin: begin, End: end}) {
		return ErrOutOfRange
	}
	p.release(begin, end)
	return nil
}

// Alloc removes n contiguous pages from the pool and returns their base
// address. The pages are zeroed, so a fresh table page is entirely absent
// entries.
func (p *PagePool) Alloc(n int) (PhysAddr, error) {
	size := PhysAddr(n) * PageSize
	var got pageRange
	found := false
	p.free.Ascend(func(r pageRange) bool {
		if r.end-r.begin >= size {
			got = r
			found = true
			return false
		}
		return true
	})
	if !found {
		recordAllocFailure()
		return 0, ErrNoMemory
	}
	p.free.Delete(got)
	if got.begin+size < got.end {
		p.free.ReplaceOrInsert(pageRange{begin: got.begin + size, end: got.end})
	}
	off := p.mem.offset(got.begin, uint64(size))
	clear(p.mem.data[off : off+uint64(size)])
	recordPageAlloc(n)
	return got.begin, nil
}

// Free returns n pages starting at pa to the pool.
func (p *PagePool) Free(pa PhysAddr, n int) {
	p.release(pa, pa+PhysAddr(n)*PageSize)
	recordPageFree(n)
}

// release inserts [begin, end) into the free index, merging with adjacent
// runs.
func (p *PagePool) release(begin, end PhysAddr) {
	// Merge with the run immediately below, if contiguous.
	p.free.DescendLessOrEqual(pageRange{begin: begin}, func(r pageRange) bool {
		if r.end == begin {
			begin = r.begin
			p.free.Delete(r)
		}
		return false
	})
	// Merge with the run immediately above, if contiguous.
	p.free.AscendGreaterOrEqual(pageRange{begin: end}, func(r pageRange) bool {
		if r.begin == end {
			end = r.end
			p.free.Delete(r)
		}
		return false
	})
	p.free.ReplaceOrInsert(pageRange{begin: begin, end: end})
}

// FreePages returns the number of pages currently available.
func (p *PagePool) FreePages() int {
	total := 0
	p.free.Ascend(func(r pageRange) bool {
		total += int((r.end - r.begin) / PageSize)
		return true
	})
	return total
}
