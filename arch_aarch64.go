package hafnium

// Page table entry codec for the VMSAv8-64 translation format with a 4K
// granule. Entries are plain 64-bit words; everything outside this file
// treats them through the classification and extraction functions below and
// never inspects raw bits.

// PTE is one slot of a translation table.
type PTE uint64

const (
	// pteValid marks an entry that takes part in translation.
	pteValid PTE = 1 << 0

	// pteTableTag distinguishes a table descriptor (or, at level 0, a
	// page descriptor) from a block descriptor.
	pteTableTag PTE = 1 << 1

	// pteAttrMask covers the attribute bits of an entry: the low-order
	// flag bits within the page offset and the high-order bits at and
	// above bit 48 (ignored/OS-reserved). The complement holds the
	// output address.
	pteAttrMask PTE = (1<<PageBits - 1) | ^PTE(1<<48-1)
)

// Stage-2 lower attributes.
const (
	AttrS2MemAttrDevice uint64 = 0x1 << 2 // Device-nGnRnE
	AttrS2MemAttrNormal uint64 = 0xf << 2 // Normal, write-back cacheable
	AttrS2Read          uint64 = 1 << 6   // S2AP[0]
	AttrS2Write         uint64 = 1 << 7   // S2AP[1]
	AttrShareInner      uint64 = 0x3 << 8 // SH
	AttrAccessFlag      uint64 = 1 << 10  // AF
)

// Stage-1 lower attributes (EL2 regime).
const (
	AttrS1AttrIdxNormal uint64 = 0x0 << 2
	AttrS1AttrIdxDevice uint64 = 0x1 << 2
	AttrS1ReadOnly      uint64 = 1 << 7 // AP[2]
)

// Upper attributes and software-defined bits. Bits 55-58 are ignored by the
// hardware walker and hold the arch-independent sharing state for stage-2
// mappings.
const (
	AttrExecuteNever uint64 = 0x2 << 53 // XN
	attrSwUnowned    uint64 = 1 << 55
	attrSwShared     uint64 = 1 << 56
	attrSwInvalid    uint64 = 1 << 57
)

// Mode is the arch-independent description of a mapping. Stage-2 memory
// additionally tracks whether it is owned by and exclusive to the VM.
type Mode uint32

const (
	ModeR Mode = 1 << iota
	ModeW
	ModeX
	ModeD
	ModeInvalid
	ModeUnowned
	ModeShared
)

// AbsentPTE returns the encoding of an entry that isn't present.
func AbsentPTE(level uint8) PTE {
	return 0
}

// TablePTE encodes a pointer to a child table. Stage-2 table descriptors
// carry no attributes, so none are taken. The encoding is the same at every
// level.
func TablePTE(level uint8, pa PhysAddr) PTE {
	return PTE(pa) | pteTableTag | pteValid
}

// BlockPTE encodes a leaf mapping. The level must allow block entries.
func BlockPTE(level uint8, pa PhysAddr, attrs uint64) PTE {
	pte := PTE(uint64(pa) | attrs)
	if level == 0 {
		// A level 0 "block" is actually a page entry.
		pte |= pteTableTag
	}
	return pte
}

// IsBlockAllowed reports whether block mappings are acceptable at the given
// level. Level 0 must allow them.
func IsBlockAllowed(level uint8) bool {
	return level <= 2
}

// Present reports whether the entry points to another table, a page or a
// block of pages.
func (pte PTE) Present() bool {
	return pte&pteValid != 0
}

// IsTable reports whether the entry references a child table. There are no
// tables below the leaf level.
func (pte PTE) IsTable(level uint8) bool {
	return level != 0 && pte&(pteTableTag|pteValid) == (pteTableTag|pteValid)
}

// IsBlock reports whether the entry maps a block of pages. Pages at level 0
// count as blocks.
func (pte PTE) IsBlock(level uint8) bool {
	if !IsBlockAllowed(level) {
		return false
	}
	if level == 0 {
		return pte&(pteTableTag|pteValid) == (pteTableTag|pteValid)
	}
	return pte&(pteTableTag|pteValid) == pteValid
}

// ClearAttrs extracts the output address of the entry, i.e. the entry with
// the ignored and flag bits set to zero.
func (pte PTE) ClearAttrs() PhysAddr {
	return PhysAddr(pte &^ pteAttrMask)
}

// Attrs extracts the architecture-specific attribute bits of the entry.
func (pte PTE) Attrs() uint64 {
	return uint64(pte & pteAttrMask)
}

// ClearPA zeroes the bits of a physical address that a table entry would
// treat as attributes, yielding the canonical form used for storage and
// equality.
func ClearPA(pa PhysAddr) PhysAddr {
	return PTE(pa).ClearAttrs()
}

// stage1Attrs converts a mapping mode into stage-1 block attributes.
func stage1Attrs(mode Mode) uint64 {
	attrs := AttrAccessFlag | AttrShareInner
	if mode&ModeD != 0 {
		attrs |= AttrS1AttrIdxDevice
	} else {
		attrs |= AttrS1AttrIdxNormal
	}
	if mode&ModeW == 0 {
		attrs |= AttrS1ReadOnly
	}
	if mode&ModeX == 0 {
		attrs |= AttrExecuteNever
	}
	if mode&ModeInvalid == 0 {
		attrs |= uint64(pteValid)
	}
	return attrs
}

// stage2Attrs converts a mapping mode into stage-2 block attributes,
// including the software-defined sharing state.
func stage2Attrs(mode Mode) uint64 {
	attrs := AttrAccessFlag | AttrShareInner
	if mode&ModeD != 0 {
		attrs |= AttrS2MemAttrDevice
	} else {
		attrs |= AttrS2MemAttrNormal
	}
	if mode&ModeR != 0 {
		attrs |= AttrS2Read
	}
	if mode&ModeW != 0 {
		attrs |= AttrS2Write
	}
	if mode&ModeX == 0 {
		attrs |= AttrExecuteNever
	}
	if mode&ModeUnowned != 0 {
		attrs |= attrSwUnowned
	}
	if mode&ModeShared != 0 {
		attrs |= attrSwShared
	}
	if mode&ModeInvalid != 0 {
		attrs |= attrSwInvalid
	} else {
		attrs |= uint64(pteValid)
	}
	return attrs
}

// stage2AttrsToMode recovers the arch-independent mode from stage-2 block
// attributes.
func stage2AttrsToMode(attrs uint64) Mode {
	var mode Mode
	if attrs&AttrS2Read != 0 {
		mode |= ModeR
	}
	if attrs&AttrS2Write != 0 {
		mode |= ModeW
	}
	if attrs&AttrExecuteNever == 0 {
		mode |= ModeX
	}
	if attrs&(0xf<<2) == AttrS2MemAttrDevice {
		mode |= ModeD
	}
	if attrs&attrSwUnowned != 0 {
		mode |= ModeUnowned
	}
	if attrs&attrSwShared != 0 {
		mode |= ModeShared
	}
	if attrs&attrSwInvalid != 0 {
		mode |= ModeInvalid
	}
	return mode
}
