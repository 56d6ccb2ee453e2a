package hafnium

import "github.com/sirupsen/logrus"

// configure wires up a VM's mailbox: one send page and one receive page,
// named by intermediate physical address, translated through the VM's
// stage-2 table and pinned as byte slices. A mailbox is configured at most
// once.
func (h *Hypervisor) configure(vm *VM, send, recv IPAddr) error {
	if !PageAligned(uint64(send)) || !PageAligned(uint64(recv)) {
		return ErrMisaligned
	}
	if send == recv {
		return ErrSamePage
	}
	if vm.mailbox.configured {
		return ErrAlreadyConfigured
	}

	sendPA, _, ok := h.mmu.Lookup(vm.space, send)
	if !ok {
		return ErrNotMapped
	}
	recvPA, _, ok := h.mmu.Lookup(vm.space, recv)
	if !ok {
		return ErrNotMapped
	}

	vm.mailbox.sendIPA = send
	vm.mailbox.recvIPA = recv
	vm.mailbox.send = h.mem.Page(sendPA)
	vm.mailbox.recv = h.mem.Page(recvPA)
	vm.mailbox.configured = true

	log.WithFields(logrus.Fields{
		"vm":   vm.id,
		"send": send.String(),
		"recv": recv.String(),
	}).Debug("mailbox configured")
	return nil
}

// deposit copies size bytes from src's send page into dst's receive page and
// marks the slot occupied. VCPUs of dst blocked on receive become ready.
func (h *Hypervisor) deposit(src, dst *VM, size uint32) {
	copy(dst.mailbox.recv[:size], src.mailbox.send[:size])
	dst.mailbox.occupied = true
	dst.mailbox.sender = src.id
	dst.mailbox.size = size
	for _, v := range dst.vcpus {
		if v.state == VCPUBlockedOnReceive {
			v.state = VCPUReady
		}
	}
	recordMessageSent()
}

// drain empties vm's mailbox slot and returns what it held. The receive
// page still holds the message bytes; a deferred sender's delivery waits
// until pump, so the receiver can read them after drain returns.
func (h *Hypervisor) drain(vm *VM) (VMID, uint32) {
	sender, size := vm.mailbox.sender, vm.mailbox.size
	vm.mailbox.occupied = false
	return sender, size
}

// pump performs a pending deferred delivery once the slot is free. Called
// at the points where the previous message has certainly been consumed: the
// next receive attempt, or a clear. The sender parked on the delivery
// becomes ready.
func (h *Hypervisor) pump(vm *VM) {
	if vm.mailbox.occupied || vm.mailbox.waiter == nil {
		return
	}
	w := vm.mailbox.waiter
	vm.mailbox.waiter = nil
	h.deposit(h.vms[w.vm], vm, w.size)
	if w.vcpu != nil && w.vcpu.state == VCPUWaitingForInterrupt {
		w.vcpu.state = VCPUReady
	}
	recordDeferredDelivery()
}

// clearMailbox frees vm's slot without reading it. Fails if the slot is
// empty. The discarded content makes room for a pending deferred delivery
// right away.
func (h *Hypervisor) clearMailbox(vm *VM) error {
	if !vm.mailbox.occupied {
		return ErrMailboxEmpty
	}
	h.drain(vm)
	h.pump(vm)
	recordMailboxClear()
	return nil
}
