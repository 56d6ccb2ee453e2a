package hafnium

import (
	"github.com/sirupsen/logrus"
)

// Stage selects a translation regime: stage 1 is the hypervisor's own
// virtual-to-physical mapping, stage 2 a VM's intermediate-physical-to-
// physical mapping.
type Stage uint8

const (
	Stage1 Stage = iota + 1
	Stage2
)

func (s Stage) String() string {
	if s == Stage1 {
		return "stage1"
	}
	return "stage2"
}

// maxLevel is the level of the entries in a root table. Both regimes use a
// 39-bit space with the 4K granule: levels 2..0 under a single root table.
func (s Stage) maxLevel() uint8 { return 2 }

// rootTableCount is the number of concatenated root table pages.
func (s Stage) rootTableCount() int { return 1 }

// end returns the first address outside the regime's translatable space.
func (s Stage) end() uint64 {
	return uint64(s.rootTableCount()) * entrySize(s.maxLevel()+1)
}

// AddressSpace is one translation tree: the physical address of its root
// table(s), the VM/context identifier it is scoped to, and a generation
// counter bumped on every invalidation so cached translations can be
// recognised as stale.
type AddressSpace struct {
	stage      Stage
	root       PhysAddr
	id         uint16
	generation uint64
}

// Root returns the physical address of the top-level table.
func (as *AddressSpace) Root() PhysAddr { return as.root }

// ID returns the VM/context identifier the space is scoped to.
func (as *AddressSpace) ID() uint16 { return as.id }

// Generation returns the invalidation generation counter.
func (as *AddressSpace) Generation() uint64 { return as.generation }

type mmFlags uint8

const (
	mmCommit mmFlags = 1 << iota
	mmUnmap
)

// MMU builds, mutates and activates translation tables. All table memory
// comes from the page pool and lives in the managed physical memory in its
// architectural layout; TLB maintenance and root selection go through the
// injected capability interfaces.
type MMU struct {
	mem    *Memory
	pool   *PagePool
	tlb    TLBController
	regime RegimeSelector
}

// NewMMU creates a table manager over the given memory and pool.
func NewMMU(mem *Memory, pool *PagePool, tlb TLBController, regime RegimeSelector) *MMU {
	return &MMU{mem: mem, pool: pool, tlb: tlb, regime: regime}
}

// NewAddressSpace allocates an empty translation tree for the given regime
// and identifier.
func (m *MMU) NewAddressSpace(stage Stage, id uint16) (*AddressSpace, error) {
	root, err := m.pool.Alloc(stage.rootTableCount())
	if err != nil {
		return nil, err
	}
	// Freshly allocated pages are zeroed, i.e. every entry is absent.
	return &AddressSpace{stage: stage, root: root, id: id}, nil
}

// Map installs mappings of [ipaBegin, ipaEnd) onto the physical range
// starting at pa with the given mode, choosing the largest block size at
// each position that the level permits and that both addresses are aligned
// to. Narrowing an existing coarser mapping allocates a child table, copies
// the equivalent entries into it and only then installs the table pointer,
// so a concurrent walk never sees a partial subtree. On failure the
// existing mappings are untouched.
func (m *MMU) Map(as *AddressSpace, ipaBegin, ipaEnd IPAddr, pa PhysAddr, mode Mode) error {
	attrs := stage2Attrs(mode)
	if as.stage == Stage1 {
		attrs = stage1Attrs(mode)
	}
	recordMapOp()
	return m.update(as, uint64(ipaBegin), uint64(ipaEnd), uint64(ClearPA(pa)), attrs, 0)
}

// Unmap removes any mapping of [ipaBegin, ipaEnd).
func (m *MMU) Unmap(as *AddressSpace, ipaBegin, ipaEnd IPAddr) error {
	attrs := stage2Attrs(ModeUnowned | ModeInvalid | ModeShared)
	if as.stage == Stage1 {
		attrs = stage1Attrs(ModeInvalid)
	}
	recordUnmapOp()
	return m.update(as, uint64(ipaBegin), uint64(ipaEnd), uint64(ipaBegin), attrs, mmUnmap)
}

// update walks the tree in two passes: the first allocates and splits
// without committing, the second commits. A failure can leave extra empty
// subtables behind but never a different mapping, so an active translation
// is never corrupted by a failed update.
func (m *MMU) update(as *AddressSpace, begin, end, pa uint64, attrs uint64, flags mmFlags) error {
	begin = roundDownToPage(begin)
	pa = roundDownToPage(pa)
	end = roundUpToPage(end)
	if begin > end || end > as.stage.end() {
		return ErrOutOfRange
	}
	if begin == end {
		return nil
	}
	if err := m.mapRoot(as, begin, end, pa, attrs, flags); err != nil {
		return err
	}
	if err := m.mapRoot(as, begin, end, pa, attrs, flags|mmCommit); err != nil {
		return err
	}
	m.invalidate(as, begin, end)
	return nil
}

// mapRoot applies mapLevel across the root table(s) covering the range.
func (m *MMU) mapRoot(as *AddressSpace, begin, end, pa uint64, attrs uint64, flags mmFlags) error {
	rootLevel := as.stage.maxLevel() + 1
	rootSize := entrySize(rootLevel)
	for begin < end {
		table := as.root + PhysAddr(begin/rootSize)*PageSize
		if err := m.mapLevel(as, table, begin, end, pa, attrs, as.stage.maxLevel(), flags); err != nil {
			return err
		}
		next := startOfNextBlock(begin, rootSize)
		pa += next - begin
		begin = next
	}
	return nil
}

// mapLevel fills the entries of one table for the part of [begin, end) it
// covers, recursing into subtables where a whole entry cannot be used. The
// recursion depth is bounded by the number of levels.
func (m *MMU) mapLevel(as *AddressSpace, table PhysAddr, begin, end, pa uint64, attrs uint64, level uint8, flags mmFlags) error {
	size := entrySize(level)
	capEnd := min(end, levelEnd(begin, level))
	commit := flags&mmCommit != 0
	unmap := flags&mmUnmap != 0

	for begin < capEnd {
		i := pteIndex(begin, level)
		next := startOfNextBlock(begin, size)
		pte := m.mem.PTE(table, i)

		switch {
		case unmap && !pte.Present():
			// Nothing mapped here; carry on.

		case !unmap && begin&(size-1) == 0 && pte == BlockPTE(level, PhysAddr(pa), attrs):
			// Already mapped exactly as requested.

		case end-begin >= size && begin&(size-1) == 0 &&
			(unmap || (IsBlockAllowed(level) && pa&(size-1) == 0)):
			// The whole entry is inside the target range and both
			// addresses are aligned to it: map or unmap the entry
			// in one go.
			if commit {
				newPTE := AbsentPTE(level)
				if !unmap {
					newPTE = BlockPTE(level, PhysAddr(pa), attrs)
				}
				m.replace(as, table, i, newPTE, begin, level)
			}

		default:
			// Narrow the entry: make sure it is a subtable, then
			// recurse into the part of the range it covers.
			if err := m.populateTable(as, table, i, begin, level); err != nil {
				return err
			}
			child := m.mem.PTE(table, i).ClearAttrs()
			if err := m.mapLevel(as, child, begin, min(end, next), pa, attrs, level-1, flags); err != nil {
				return err
			}
			// A subtable left with no present entries collapses
			// back to an absent entry.
			if commit && unmap && m.tableEmpty(child, level-1) {
				m.replace(as, table, i, AbsentPTE(level), begin, level)
			}
		}

		pa += next - begin
		begin = next
	}
	return nil
}

// populateTable ensures the entry at index i references a subtable,
// replacing a block by an equivalent set of narrower entries. The child is
// written completely before the parent pointer is installed, so a walk
// racing with the split sees either the old mapping or the finished
// subtree, never a partial one.
func (m *MMU) populateTable(as *AddressSpace, table PhysAddr, i int, begin uint64, level uint8) error {
	pte := m.mem.PTE(table, i)
	if pte.IsTable(level) {
		return nil
	}

	page, err := m.pool.Alloc(1)
	if err != nil {
		log.WithFields(logrus.Fields{
			"stage": as.stage,
			"level": level,
		}).Error("failed to allocate page table")
		return err
	}

	childLevel := level - 1
	if pte.IsBlock(level) {
		attrs := pte.Attrs()
		base := uint64(pte.ClearAttrs())
		csize := entrySize(childLevel)
		for j := 0; j < PTEsPerPage; j++ {
			m.mem.SetPTE(page, j, BlockPTE(childLevel, PhysAddr(base+uint64(j)*csize), attrs))
		}
	}
	// A fresh page is zeroed, so the non-block case is already a table of
	// absent entries.

	m.replace(as, table, i, TablePTE(level, page), begin, level)
	return nil
}

// replace swaps the entry at index i for newPTE. When both old and new
// entries are valid it performs a break-before-make: write absent, flush
// the range, then write the new value, so no two TLBs ever hold different
// valid entries for the same address. Subtables owned by the old entry are
// returned to the pool.
func (m *MMU) replace(as *AddressSpace, table PhysAddr, i int, newPTE PTE, begin uint64, level uint8) {
	old := m.mem.PTE(table, i)
	if old.Present() && newPTE.Present() {
		m.mem.SetPTE(table, i, AbsentPTE(level))
		m.invalidate(as, begin, begin+entrySize(level))
	}
	m.mem.SetPTE(table, i, newPTE)
	m.freeSubtree(old, level)
}

// freeSubtree returns the table pages referenced by pte, recursively, to
// the pool.
func (m *MMU) freeSubtree(pte PTE, level uint8) {
	if !pte.IsTable(level) {
		return
	}
	child := pte.ClearAttrs()
	for j := 0; j < PTEsPerPage; j++ {
		m.freeSubtree(m.mem.PTE(child, j), level-1)
	}
	m.pool.Free(child, 1)
}

func (m *MMU) tableEmpty(table PhysAddr, level uint8) bool {
	for j := 0; j < PTEsPerPage; j++ {
		if m.mem.PTE(table, j).Present() {
			return false
		}
	}
	return true
}

// invalidate flushes cached translations for [begin, end) in the space's
// regime and bumps its generation. Stage-2 flushes also cover combined
// stage-1 translations for all contexts; that is the TLBController's
// contract.
func (m *MMU) invalidate(as *AddressSpace, begin, end uint64) {
	switch as.stage {
	case Stage1:
		m.tlb.InvalidateStage1(VirtAddr(begin), VirtAddr(end))
	case Stage2:
		m.tlb.InvalidateStage2(IPAddr(begin), IPAddr(end))
	}
	as.generation++
	recordTLBInvalidation()
}

// Activate makes the space's root the live table for its regime. For
// stage 2 the identifier slot is reused across VMs, so callers must have
// invalidated any stale entries for a previous holder first.
func (m *MMU) Activate(as *AddressSpace) {
	switch as.stage {
	case Stage1:
		m.regime.SelectStage1(as.root)
	case Stage2:
		m.regime.SelectStage2(as.id, as.root)
	}
}

// Lookup translates an intermediate physical address through the space,
// returning the physical address, the block attributes and whether a
// mapping exists.
func (m *MMU) Lookup(as *AddressSpace, ipa IPAddr) (PhysAddr, uint64, bool) {
	a := uint64(ipa)
	if a >= as.stage.end() {
		return 0, 0, false
	}
	rootSize := entrySize(as.stage.maxLevel() + 1)
	table := as.root + PhysAddr(a/rootSize)*PageSize
	level := as.stage.maxLevel()
	for {
		pte := m.mem.PTE(table, pteIndex(a, level))
		if pte.IsTable(level) {
			table = pte.ClearAttrs()
			level--
			continue
		}
		if !pte.IsBlock(level) {
			return 0, 0, false
		}
		off := a & (entrySize(level) - 1)
		return pte.ClearAttrs() + PhysAddr(off), pte.Attrs(), true
	}
}

// GetMode returns the mapping mode of [begin, end) if the whole range is
// mapped with the same attributes.
func (m *MMU) GetMode(as *AddressSpace, begin, end IPAddr) (Mode, bool) {
	b := roundDownToPage(uint64(begin))
	e := roundUpToPage(uint64(end))
	if b >= e || e > as.stage.end() {
		return 0, false
	}
	var attrs uint64
	got := false
	for a := b; a < e; {
		_, aAttrs, ok := m.Lookup(as, IPAddr(a))
		if !ok {
			return 0, false
		}
		// The level 0 tag is structural, not part of the mode.
		aAttrs &^= uint64(pteTableTag)
		if got && aAttrs != attrs {
			return 0, false
		}
		attrs, got = aAttrs, true
		a = startOfNextBlock(a, PageSize)
	}
	return stage2AttrsToMode(attrs), true
}

// Defrag merges subtables whose entries form one uniform contiguous block
// back into a single block entry, and collapses all-absent subtables into
// absent entries.
func (m *MMU) Defrag(as *AddressSpace) {
	rootLevel := as.stage.maxLevel()
	for t := 0; t < as.stage.rootTableCount(); t++ {
		table := as.root + PhysAddr(t)*PageSize
		base := uint64(t) * entrySize(rootLevel+1)
		for i := 0; i < PTEsPerPage; i++ {
			m.defragEntry(as, table, i, base+uint64(i)*entrySize(rootLevel), rootLevel)
		}
	}
}

func (m *MMU) defragEntry(as *AddressSpace, table PhysAddr, i int, begin uint64, level uint8) {
	pte := m.mem.PTE(table, i)
	if !pte.IsTable(level) {
		return
	}
	child := pte.ClearAttrs()
	childLevel := level - 1
	csize := entrySize(childLevel)
	for j := 0; j < PTEsPerPage; j++ {
		m.defragEntry(as, child, j, begin+uint64(j)*csize, childLevel)
	}

	if m.tableEmpty(child, childLevel) {
		m.replace(as, table, i, AbsentPTE(level), begin, level)
		return
	}
	if !IsBlockAllowed(level) {
		return
	}

	// Merge only if every entry is a block, contiguous from the first
	// entry's address, with identical attributes.
	first := m.mem.PTE(child, 0)
	if !first.IsBlock(childLevel) {
		return
	}
	base := first.ClearAttrs()
	attrs := first.Attrs()
	for j := 1; j < PTEsPerPage; j++ {
		want := BlockPTE(childLevel, base+PhysAddr(uint64(j)*csize), attrs)
		if m.mem.PTE(child, j) != want {
			return
		}
	}
	// Page entries carry the level 0 tag in their attribute bits; the
	// merged block must not.
	if childLevel == 0 {
		attrs &^= uint64(pteTableTag)
	}
	m.replace(as, table, i, BlockPTE(level, base, attrs), begin, level)
}

// Free returns all table pages of the space, including the root, to the
// pool. The space must not be active.
func (m *MMU) Free(as *AddressSpace) {
	level := as.stage.maxLevel()
	for t := 0; t < as.stage.rootTableCount(); t++ {
		table := as.root + PhysAddr(t)*PageSize
		for i := 0; i < PTEsPerPage; i++ {
			m.freeSubtree(m.mem.PTE(table, i), level)
		}
	}
	m.pool.Free(as.root, as.stage.rootTableCount())
}

// Dump writes the table tree to the debug log.
func (m *MMU) Dump(as *AddressSpace) {
	entry := log.WithFields(logrus.Fields{"stage": as.stage, "id": as.id})
	entry.Debugf("root %#x generation %d", uint64(as.root), as.generation)
	for t := 0; t < as.stage.rootTableCount(); t++ {
		m.dumpTable(entry, as.root+PhysAddr(t)*PageSize, as.stage.maxLevel(), as.stage.maxLevel())
	}
}

func (m *MMU) dumpTable(entry *logrus.Entry, table PhysAddr, level, maxLevel uint8) {
	for i := 0; i < PTEsPerPage; i++ {
		pte := m.mem.PTE(table, i)
		if !pte.Present() {
			continue
		}
		entry.Debugf("%*s%03d: %#016x", 2*int(maxLevel-level), "", i, uint64(pte))
		if pte.IsTable(level) {
			m.dumpTable(entry, pte.ClearAttrs(), level-1, maxLevel)
		}
	}
}
