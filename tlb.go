package hafnium

// TLBController issues translation-cache invalidations. On hardware the
// stage-1 variant is a loop of tlbi vae2is over every page in the range and
// the stage-2 variant a loop of tlbi ipas2e1 followed by tlbi vmalle1is,
// since a second-stage change can invalidate combined translations cached
// via stage-1 walks in any context. Both must be bracketed by a
// store-ordering barrier before (dsb ishst) and a full barrier after
// (dsb ish); callers rely on invalidation being complete when the call
// returns.
type TLBController interface {
	InvalidateStage1(begin, end VirtAddr)
	InvalidateStage2(begin, end IPAddr)
}

// RegimeSelector programs the translation roots: the hypervisor's own
// stage-1 base and, per VM identifier, the stage-2 base (VTTBR-style, the
// identifier in bits 48+). Identifier slots are reusable; selecting a root
// for an identifier is only safe once stale entries for the previous holder
// have been invalidated.
type RegimeSelector interface {
	SelectStage1(root PhysAddr)
	SelectStage2(id uint16, root PhysAddr)
}

// SoftMMU is a software stand-in for the hardware interface, used by tests
// and any non-hardware deployment. It records every invalidation and the
// currently selected roots.
type SoftMMU struct {
	Stage1Flushes []MemRange
	Stage2Flushes []MemRange
	Stage1Root    PhysAddr
	Stage2Roots   map[uint16]PhysAddr
	ActiveVM      uint16
}

// NewSoftMMU returns an empty software MMU.
func NewSoftMMU() *SoftMMU {
	return &SoftMMU{Stage2Roots: make(map[uint16]PhysAddr)}
}

func (s *SoftMMU) InvalidateStage1(begin, end VirtAddr) {
	s.Stage1Flushes = append(s.Stage1Flushes, MemRange{Begin: PhysAddr(begin), End: PhysAddr(end)})
}

func (s *SoftMMU) InvalidateStage2(begin, end IPAddr) {
	s.Stage2Flushes = append(s.Stage2Flushes, MemRange{Begin: PhysAddr(begin), End: PhysAddr(end)})
}

func (s *SoftMMU) SelectStage1(root PhysAddr) {
	s.Stage1Root = root
}

func (s *SoftMMU) SelectStage2(id uint16, root PhysAddr) {
	s.Stage2Roots[id] = root
	s.ActiveVM = id
}

// Reset forgets recorded flushes, keeping the selected roots.
func (s *SoftMMU) Reset() {
	s.Stage1Flushes = nil
	s.Stage2Flushes = nil
}
