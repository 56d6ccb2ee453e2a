package hafnium

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Options configures a Hypervisor. Zero-value fields get working defaults:
// a static single-range platform, a software MMU for TLB maintenance and
// root selection, and a quiet logger.
type Options struct {
	Platform Platform
	TLB      TLBController
	Regime   RegimeSelector
	Logger   *logrus.Logger
}

// DefaultBootParams describes a minimal machine: one CPU and 64 MiB of RAM
// at the canonical AArch64 load base.
func DefaultBootParams() BootParams {
	return BootParams{
		CPUCount: 1,
		MemRanges: []MemRange{
			{Begin: 0x40000000, End: 0x40000000 + 64<<20},
		},
	}
}

// Hypervisor owns the physical memory, the page pool, the translation
// tables and the VMs, and exposes the hypercall surface the primary VM's
// scheduler drives.
//
// Locking: mu is taken at the public entry points only. Guest programs run
// while the primary blocks inside VCPURun with mu held; the strict channel
// handoff guarantees exactly one of the primary caller and the running
// guest executes at a time, so guest-side internals touch shared state
// without further locking.
type Hypervisor struct {
	mu sync.Mutex

	mem    *Memory
	pool   *PagePool
	mmu    *MMU
	stage1 *AddressSpace

	vms []*VM

	params BootParams
	quit   chan struct{}
	closed bool
}

// New brings up a hypervisor: it validates the platform's boot parameters,
// takes over the described memory, builds its own stage-1 identity map with
// the initrd write-protected, creates the primary VM with a stage-2
// identity map over all of RAM, and reports the claimed ranges back to the
// platform.
func New(opts Options) (*Hypervisor, error) {
	platform := opts.Platform
	if platform == nil {
		platform = &StaticPlatform{Params: DefaultBootParams()}
	}
	if opts.TLB == nil || opts.Regime == nil {
		soft := NewSoftMMU()
		if opts.TLB == nil {
			opts.TLB = soft
		}
		if opts.Regime == nil {
			opts.Regime = soft
		}
	}
	if opts.Logger != nil {
		SetLogger(opts.Logger)
	}

	bp, err := platform.BootParams()
	if err != nil {
		return nil, fmt.Errorf("hf: failed to read boot params: %w", err)
	}
	if err := bp.Validate(); err != nil {
		return nil, err
	}
	if bp.CPUCount < 1 {
		bp.CPUCount = 1
	}

	base := bp.MemRanges[0].Begin
	top := bp.MemRanges[0].End
	for _, r := range bp.MemRanges[1:] {
		if r.Begin < base {
			base = r.Begin
		}
		if r.End > top {
			top = r.End
		}
	}
	mem, err := NewMemory(base, uint64(top-base))
	if err != nil {
		return nil, err
	}

	h := &Hypervisor{
		mem:    mem,
		params: *bp,
		quit:   make(chan struct{}),
	}
	h.pool = NewPagePool(mem)
	h.mmu = NewMMU(mem, h.pool, opts.TLB, opts.Regime)

	// Donate RAM to the pool, keeping the initrd out of it.
	for _, r := range bp.MemRanges {
		for _, piece := range subtractRange(r, bp.Initrd) {
			if err := h.pool.AddRange(piece); err != nil {
				mem.Close()
				return nil, err
			}
		}
	}

	// The hypervisor's own stage-1 map: all RAM read-write, then the
	// initrd narrowed to read-only.
	h.stage1, err = h.mmu.NewAddressSpace(Stage1, 0)
	if err != nil {
		mem.Close()
		return nil, err
	}
	for _, r := range bp.MemRanges {
		if err := h.mmu.Map(h.stage1, IPAddr(r.Begin), IPAddr(r.End), r.Begin, ModeR|ModeW|ModeX); err != nil {
			mem.Close()
			return nil, err
		}
	}
	if bp.Initrd.Size() != 0 {
		if err := h.mmu.Map(h.stage1, IPAddr(bp.Initrd.Begin), IPAddr(bp.Initrd.End), bp.Initrd.Begin, ModeR); err != nil {
			mem.Close()
			return nil, err
		}
	}
	h.mmu.Activate(h.stage1)

	// The primary VM sees all of RAM, identity-mapped at stage 2.
	primary, err := h.addVM(bp.CPUCount, bp.MemRanges[0], nil)
	if err != nil {
		mem.Close()
		return nil, err
	}
	for _, r := range bp.MemRanges {
		if err := h.mmu.Map(primary.space, IPAddr(r.Begin), IPAddr(r.End), r.Begin, ModeR|ModeW|ModeX); err != nil {
			mem.Close()
			return nil, err
		}
	}
	primary.vcpus[0].regs.Arg = bp.KernelArg
	h.mmu.Activate(primary.space)

	// Carve a small region for the primary's own pages, its mailbox in
	// particular, so they never collide with later table allocations.
	ppa, err := h.pool.Alloc(4)
	if err != nil {
		mem.Close()
		return nil, err
	}
	primary.region = MemRange{Begin: ppa, End: ppa + 4*PageSize}

	update := &BootParamsUpdate{Initrd: bp.Initrd}
	if bp.Initrd.Size() != 0 {
		update.ReservedRanges = append(update.ReservedRanges, bp.Initrd)
	}
	if err := platform.UpdateBootParams(update); err != nil {
		mem.Close()
		return nil, fmt.Errorf("hf: failed to update boot params: %w", err)
	}

	log.WithFields(logrus.Fields{
		"memory": mem.Range().String(),
		"cpus":   bp.CPUCount,
	}).Info("hypervisor initialized")
	return h, nil
}

// subtractRange returns r with the overlap of cut removed, as up to two
// pieces.
func subtractRange(r, cut MemRange) []MemRange {
	if cut.Size() == 0 || cut.End <= r.Begin || cut.Begin >= r.End {
		return []MemRange{r}
	}
	var out []MemRange
	if cut.Begin > r.Begin {
		out = append(out, MemRange{Begin: r.Begin, End: cut.Begin})
	}
	if cut.End < r.End {
		out = append(out, MemRange{Begin: cut.End, End: r.End})
	}
	return out
}

// addVM appends a VM with the given VCPU count. VCPU 0 comes up ready at the
// region base; the rest stay off. The caller installs the stage-2 mappings.
func (h *Hypervisor) addVM(vcpus int, region MemRange, program Program) (*VM, error) {
	id := VMID(len(h.vms))
	space, err := h.mmu.NewAddressSpace(Stage2, uint16(id))
	if err != nil {
		return nil, err
	}
	vm := &VM{id: id, space: space, region: region, program: program}
	for i := 0; i < vcpus; i++ {
		v := &VCPU{
			vm:     vm,
			index:  uint16(i),
			resume: make(chan struct{}),
			yield:  make(chan RunReturn),
		}
		if i == 0 {
			v.state = VCPUReady
			v.regs = Regs{PC: uint64(region.Begin)}
		}
		vm.vcpus = append(vm.vcpus, v)
	}
	h.vms = append(h.vms, vm)
	recordVMCreate()
	recordVCPUCreate(vcpus)
	return vm, nil
}

// VMOptions configures a secondary VM.
type VMOptions struct {
	// VCPUs is the number of virtual CPUs; defaults to 1.
	VCPUs int

	// MemoryPages is the size of the VM's memory region in pages.
	MemoryPages int

	// Program is the VM's execution body.
	Program Program
}

// NewVM creates a secondary VM: a memory region carved from the page pool,
// identity-mapped read-write-execute in a fresh stage-2 space, VCPU 0 ready
// to run the program.
func (h *Hypervisor) NewVM(opts VMOptions) (*VM, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, fmt.Errorf("hf: hypervisor is closed: %w", ErrNotConfigured)
	}
	if opts.VCPUs < 1 {
		opts.VCPUs = 1
	}
	if opts.MemoryPages < 1 {
		return nil, fmt.Errorf("hf: VM needs at least one page of memory: %w", ErrOutOfRange)
	}

	pa, err := h.pool.Alloc(opts.MemoryPages)
	if err != nil {
		return nil, err
	}
	region := MemRange{Begin: pa, End: pa + PhysAddr(opts.MemoryPages)*PageSize}

	vm, err := h.addVM(opts.VCPUs, region, opts.Program)
	if err != nil {
		h.pool.Free(pa, opts.MemoryPages)
		return nil, err
	}
	if err := h.mmu.Map(vm.space, IPAddr(region.Begin), IPAddr(region.End), region.Begin, ModeR|ModeW|ModeX); err != nil {
		h.vms = h.vms[:len(h.vms)-1]
		h.mmu.Free(vm.space)
		h.pool.Free(pa, opts.MemoryPages)
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"vm":     vm.id,
		"vcpus":  opts.VCPUs,
		"region": region.String(),
	}).Info("created VM")
	return vm, nil
}

// Wake marks a VCPU that is waiting for an interrupt as ready, modelling an
// injected interrupt or timer expiry.
func (h *Hypervisor) Wake(vmID VMID, vcpu uint16) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if int(vmID) >= len(h.vms) {
		return ErrUnknownVM
	}
	vm := h.vms[vmID]
	if int(vcpu) >= len(vm.vcpus) {
		return ErrUnknownVCPU
	}
	v := vm.vcpus[vcpu]
	if v.state == VCPUWaitingForInterrupt {
		v.state = VCPUReady
	}
	return nil
}

// Close tears the hypervisor down: parked guest goroutines exit and the
// backing memory is released. Idempotent.
func (h *Hypervisor) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true
	close(h.quit)
	return h.mem.Close()
}

// VM returns the VM with the given id.
func (h *Hypervisor) VM(id VMID) (*VM, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if int(id) >= len(h.vms) {
		return nil, false
	}
	return h.vms[id], true
}

// Memory returns the managed physical memory.
func (h *Hypervisor) Memory() *Memory { return h.mem }

// Pool returns the page pool.
func (h *Hypervisor) Pool() *PagePool { return h.pool }

// MMU returns the translation table manager.
func (h *Hypervisor) MMU() *MMU { return h.mmu }

// Stage1 returns the hypervisor's own address space.
func (h *Hypervisor) Stage1() *AddressSpace { return h.stage1 }

// BootParams returns the validated boot parameters the hypervisor was
// brought up with.
func (h *Hypervisor) BootParams() BootParams { return h.params }
