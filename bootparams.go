package hafnium

import "fmt"

// MaxMemRanges caps the number of discontiguous memory ranges a platform may
// describe.
const MaxMemRanges = 20

// BootParams describes the machine as handed over by the loader: the usable
// physical memory, the initial ramdisk placement and the argument to forward
// to the primary VM's kernel.
type BootParams struct {
	CPUCount  int        `json:"cpu_count" toml:"cpu_count"`
	MemRanges []MemRange `json:"mem_ranges" toml:"mem_ranges"`
	Initrd    MemRange   `json:"initrd" toml:"initrd"`
	KernelArg uint64     `json:"kernel_arg" toml:"kernel_arg"`
}

// Validate checks the parameters are usable: at least one non-empty
// page-aligned memory range, no more than MaxMemRanges, and the initrd (if
// any) inside a described range.
func (bp *BootParams) Validate() error {
	if len(bp.MemRanges) == 0 {
		return fmt.Errorf("hf: boot params describe no memory: %w", ErrOutOfRange)
	}
	if len(bp.MemRanges) > MaxMemRanges {
		return fmt.Errorf("hf: boot params describe %d memory ranges, limit is %d: %w",
			len(bp.MemRanges), MaxMemRanges, ErrOutOfRange)
	}
	for _, r := range bp.MemRanges {
		if r.Size() == 0 {
			return fmt.Errorf("hf: empty memory range %v: %w", r, ErrOutOfRange)
		}
		if !PageAligned(uint64(r.Begin)) || !PageAligned(uint64(r.End)) {
			return fmt.Errorf("hf: memory range %v not page-aligned: %w", r, ErrMisaligned)
		}
	}
	if bp.Initrd.Size() != 0 {
		inside := false
		for _, r := range bp.MemRanges {
			if r.Contains(bp.Initrd) {
				inside = true
				break
			}
		}
		if !inside {
			return fmt.Errorf("hf: initrd %v outside described memory: %w", bp.Initrd, ErrOutOfRange)
		}
	}
	return nil
}

// BootParamsUpdate is handed back to the platform before the primary VM
// starts: the ranges the hypervisor has claimed for itself and the final
// initrd placement the primary should use.
type BootParamsUpdate struct {
	ReservedRanges []MemRange `json:"reserved_ranges" toml:"reserved_ranges"`
	Initrd         MemRange   `json:"initrd" toml:"initrd"`
}

// Platform supplies boot parameters and receives the hypervisor's updates,
// standing in for the device tree / manifest handling of a real loader.
type Platform interface {
	BootParams() (*BootParams, error)
	UpdateBootParams(*BootParamsUpdate) error
}

// StaticPlatform serves fixed boot parameters and records the update it is
// given. It is the default for tests and the CLI.
type StaticPlatform struct {
	Params BootParams
	Update *BootParamsUpdate
}

func (p *StaticPlatform) BootParams() (*BootParams, error) {
	bp := p.Params
	return &bp, nil
}

func (p *StaticPlatform) UpdateBootParams(u *BootParamsUpdate) error {
	p.Update = u
	return nil
}
