package hafnium

// VMID identifies a VM. The primary is always id 0; InvalidVMID is the
// reserved sentinel returned where no VM applies.
type VMID uint16

const (
	PrimaryVMID VMID = 0
	InvalidVMID VMID = 0xffff
)

// RunCode classifies why a VCPU run returned to the scheduler.
type RunCode uint8

const (
	// RunWaitForInterrupt: nothing to do until an event arrives. Also the
	// blanket answer for unschedulable or unknown targets.
	RunWaitForInterrupt RunCode = iota

	// RunMessage: the VCPU sent a message to the primary; Size bytes are
	// waiting in the primary's mailbox.
	RunMessage

	// RunWakeUp: the VCPU made the named VM/VCPU runnable; the scheduler
	// should run it.
	RunWakeUp
)

func (c RunCode) String() string {
	switch c {
	case RunWaitForInterrupt:
		return "wait_for_interrupt"
	case RunMessage:
		return "message"
	case RunWakeUp:
		return "wake_up"
	default:
		return "unknown"
	}
}

// RunReturn is the outcome of one VCPURun call.
type RunReturn struct {
	Code RunCode
	VM   VMID   // wake-up target
	VCPU uint16 // wake-up target
	Size uint32 // message size
}

// VCPUState is the scheduling state of one VCPU.
type VCPUState uint8

const (
	// VCPUOff: powered off, never schedulable.
	VCPUOff VCPUState = iota

	// VCPUReady: runnable.
	VCPUReady

	// VCPURunning: currently executing. At most one VCPU is in this
	// state.
	VCPURunning

	// VCPUBlockedOnReceive: blocked until its VM's mailbox receives a
	// message.
	VCPUBlockedOnReceive

	// VCPUWaitingForInterrupt: blocked until an external event, e.g. a
	// deferred send completing or an injected interrupt.
	VCPUWaitingForInterrupt
)

func (s VCPUState) String() string {
	switch s {
	case VCPUOff:
		return "off"
	case VCPUReady:
		return "ready"
	case VCPURunning:
		return "running"
	case VCPUBlockedOnReceive:
		return "blocked_on_receive"
	case VCPUWaitingForInterrupt:
		return "waiting_for_interrupt"
	default:
		return "unknown"
	}
}

// Regs is the snapshot of the registers that survive a world switch: the
// entry point and the boot argument handed to the VCPU when it is turned on.
type Regs struct {
	PC  uint64
	Arg uint64
}

// VCPU is one virtual CPU. Its execution body runs on a dedicated goroutine
// with a strict handoff: the scheduler signals resume, the VCPU signals
// yield, and exactly one side executes at a time.
type VCPU struct {
	vm    *VM
	index uint16
	state VCPUState
	regs  Regs

	started bool
	resume  chan struct{}
	yield   chan RunReturn
}

// Index returns the VCPU's index within its VM.
func (v *VCPU) Index() uint16 { return v.index }

// State returns the scheduling state.
func (v *VCPU) State() VCPUState { return v.state }

// Regs returns the boot register snapshot the VCPU was turned on with.
func (v *VCPU) Regs() Regs { return v.regs }

// waiter records a sender whose message is pending on a full mailbox. A nil
// vcpu means the primary is the pending sender.
type waiter struct {
	vcpu *VCPU
	vm   VMID
	size uint32
}

// Mailbox is a VM's single-slot message endpoint. The send and recv buffers
// alias the guest pages named at configure time, so a guest writing its send
// page and the hypervisor copying from it touch the same bytes.
type Mailbox struct {
	configured bool
	sendIPA    IPAddr
	recvIPA    IPAddr
	send       []byte
	recv       []byte

	occupied bool
	sender   VMID
	size     uint32
	waiter   *waiter
}

// Program is the execution body of a secondary VM, driven through the guest
// hypercall surface.
type Program func(g *Guest)

// VM is one virtual machine: its stage-2 address space, its VCPUs, its
// mailbox and, for secondaries, the physical region backing its memory and
// the program it runs.
type VM struct {
	id      VMID
	space   *AddressSpace
	region  MemRange
	vcpus   []*VCPU
	mailbox Mailbox
	program Program
}

// ID returns the VM's identifier.
func (vm *VM) ID() VMID { return vm.id }

// VCPUCount returns the number of VCPUs.
func (vm *VM) VCPUCount() int { return len(vm.vcpus) }

// MemoryRegion returns the physical range reserved for the VM's own use.
// For the primary this is a small carved region suitable for its mailbox
// pages; secondaries get the region their memory was allocated from.
func (vm *VM) MemoryRegion() MemRange { return vm.region }
