package hafnium

import (
	"runtime"
	"time"
)

// VCPURun transfers execution to the named VCPU until it yields, and
// returns why it stopped. Only the primary VM's scheduler calls this. The
// primary itself, unknown ids and VCPUs that are not ready all come back as
// RunWaitForInterrupt; a bad id is never fatal.
func (h *Hypervisor) VCPURun(vmID VMID, vcpu uint16) RunReturn {
	h.mu.Lock()
	defer h.mu.Unlock()

	wfi := RunReturn{Code: RunWaitForInterrupt}
	if h.closed || vmID == PrimaryVMID || int(vmID) >= len(h.vms) {
		recordHypercallError()
		return wfi
	}
	vm := h.vms[vmID]
	if int(vcpu) >= len(vm.vcpus) {
		recordHypercallError()
		return wfi
	}
	t := vm.vcpus[vcpu]
	if t.state != VCPUReady {
		return wfi
	}

	h.mmu.Activate(vm.space)
	t.state = VCPURunning
	start := time.Now()

	if !t.started {
		t.started = true
		go h.guestMain(t)
	} else {
		t.resume <- struct{}{}
	}
	out := <-t.yield

	h.mmu.Activate(h.vms[PrimaryVMID].space)
	recordVCPURun(time.Since(start))
	return out
}

// guestMain is the goroutine body of a VCPU: run the program, then power
// off. The final yield hands control back to the scheduler; an off VCPU is
// never resumed.
func (h *Hypervisor) guestMain(t *VCPU) {
	g := &Guest{hv: h, vcpu: t}
	if t.vm.program != nil {
		t.vm.program(g)
	}
	t.state = VCPUOff
	select {
	case t.yield <- RunReturn{Code: RunWaitForInterrupt}:
	case <-h.quit:
	}
}

// Guest is the hypercall surface as seen from inside a running VCPU. Its
// methods may only be called from the VCPU's own program; they execute
// while the primary blocks inside VCPURun, so exactly one of the two sides
// runs at any moment.
type Guest struct {
	hv   *Hypervisor
	vcpu *VCPU
}

// park yields out to the scheduler in the given state and blocks until
// resumed.
func (g *Guest) park(out RunReturn, st VCPUState) {
	g.vcpu.state = st
	select {
	case g.vcpu.yield <- out:
	case <-g.hv.quit:
		runtime.Goexit()
	}
	select {
	case <-g.vcpu.resume:
	case <-g.hv.quit:
		runtime.Goexit()
	}
	g.vcpu.state = VCPURunning
}

// VM returns the id of the calling VCPU's VM.
func (g *Guest) VM() VMID { return g.vcpu.vm.id }

// MemoryRegion returns the physical region backing the VM's memory. With
// the identity stage-2 map its begin doubles as the lowest IPA.
func (g *Guest) MemoryRegion() MemRange { return g.vcpu.vm.region }

// Configure sets up the VM's mailbox pages.
func (g *Guest) Configure(send, recv IPAddr) error {
	err := g.hv.configure(g.vcpu.vm, send, recv)
	if err != nil {
		recordHypercallError()
	}
	return err
}

// SendPage returns the guest's view of its mailbox send page. Only valid
// after Configure.
func (g *Guest) SendPage() []byte { return g.vcpu.vm.mailbox.send }

// RecvPage returns the guest's view of its mailbox receive page. Only valid
// after Configure.
func (g *Guest) RecvPage() []byte { return g.vcpu.vm.mailbox.recv }

// Receive returns the sender and size of the message in the VM's mailbox,
// freeing the slot. With block set the VCPU parks until a message arrives;
// otherwise an empty slot returns (InvalidVMID, 0). An unconfigured mailbox
// always returns (InvalidVMID, 0).
func (g *Guest) Receive(block bool) (VMID, uint32) {
	vm := g.vcpu.vm
	if !vm.mailbox.configured {
		recordHypercallError()
		return InvalidVMID, 0
	}
	for {
		g.hv.pump(vm)
		if vm.mailbox.occupied {
			sender, size := g.hv.drain(vm)
			recordMessageReceived()
			return sender, size
		}
		if !block {
			return InvalidVMID, 0
		}
		g.park(RunReturn{Code: RunWaitForInterrupt}, VCPUBlockedOnReceive)
	}
}

// Send delivers size bytes from the VM's send page to dst's mailbox. If
// dst's slot is occupied and no other sender is already waiting, the send
// is deferred: the VCPU parks and the copy happens when dst drains its
// slot. After delivery the VCPU yields so the scheduler learns about the
// message (to the primary) or the runnable destination (to a secondary).
func (g *Guest) Send(dst VMID, size uint32) error {
	h := g.hv
	src := g.vcpu.vm

	err := func() error {
		if int(dst) >= len(h.vms) || dst == src.id {
			return ErrUnknownVM
		}
		if size > PageSize {
			return ErrMessageTooLong
		}
		if !src.mailbox.configured || !h.vms[dst].mailbox.configured {
			return ErrNotConfigured
		}
		return nil
	}()
	if err != nil {
		recordHypercallError()
		return err
	}

	d := h.vms[dst]
	switch {
	case d.mailbox.waiter != nil:
		// Someone is already queued behind the slot.
		recordHypercallError()
		return ErrMailboxBusy
	case d.mailbox.occupied:
		d.mailbox.waiter = &waiter{vcpu: g.vcpu, vm: src.id, size: size}
		g.park(RunReturn{Code: RunWaitForInterrupt}, VCPUWaitingForInterrupt)
		// Resumed after pump performed the deferred copy.
	default:
		h.deposit(src, d, size)
	}

	if dst == PrimaryVMID {
		g.park(RunReturn{Code: RunMessage, Size: size}, VCPUReady)
	} else {
		g.park(RunReturn{Code: RunWakeUp, VM: dst, VCPU: 0}, VCPUReady)
	}
	return nil
}

// Clear frees the VM's mailbox slot without reading it.
func (g *Guest) Clear() error {
	err := g.hv.clearMailbox(g.vcpu.vm)
	if err != nil {
		recordHypercallError()
	}
	return err
}

// WaitForInterrupt parks the VCPU until an external event makes it ready
// again.
func (g *Guest) WaitForInterrupt() {
	g.park(RunReturn{Code: RunWaitForInterrupt}, VCPUWaitingForInterrupt)
}
