package hafnium

// Primary-side hypercall surface. These mirror the register-level calls a
// primary kernel would make: scalar arguments, int64 results with -1 for
// failure. The richer error values live on the guest surface; here only
// success or failure crosses the boundary.

// VMGetCount returns the number of VMs, the primary included.
func (h *Hypervisor) VMGetCount() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return int64(len(h.vms))
}

// VCPUGetCount returns the number of VCPUs of the given VM, or -1 for an
// unknown id.
func (h *Hypervisor) VCPUGetCount(vmID VMID) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if int(vmID) >= len(h.vms) {
		recordHypercallError()
		return -1
	}
	return int64(len(h.vms[vmID].vcpus))
}

// VMConfigure sets up the primary VM's mailbox pages. Returns 0 on success,
// -1 on failure.
func (h *Hypervisor) VMConfigure(send, recv IPAddr) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.configure(h.vms[PrimaryVMID], send, recv); err != nil {
		recordHypercallError()
		return -1
	}
	return 0
}

// MailboxSend delivers size bytes from the primary's send page to dst. If
// dst's slot is occupied and the waiter slot is free, the send is deferred
// and still reports success; the copy happens when dst drains its mailbox.
// Returns 0 on success, -1 on failure.
func (h *Hypervisor) MailboxSend(dst VMID, size uint32) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	src := h.vms[PrimaryVMID]
	if int(dst) >= len(h.vms) || dst == PrimaryVMID ||
		size > PageSize ||
		!src.mailbox.configured || !h.vms[dst].mailbox.configured {
		recordHypercallError()
		return -1
	}

	d := h.vms[dst]
	switch {
	case d.mailbox.waiter != nil:
		recordHypercallError()
		return -1
	case d.mailbox.occupied:
		d.mailbox.waiter = &waiter{vm: PrimaryVMID, size: size}
	default:
		h.deposit(src, d, size)
	}
	return 0
}

// MailboxReceive returns the sender and size of the message in the
// primary's mailbox, freeing the slot. The primary is never allowed to
// block: an empty slot returns (InvalidVMID, 0) whatever the flag says.
func (h *Hypervisor) MailboxReceive(block bool) (VMID, uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()

	primary := h.vms[PrimaryVMID]
	if !primary.mailbox.configured {
		return InvalidVMID, 0
	}
	h.pump(primary)
	if !primary.mailbox.occupied {
		return InvalidVMID, 0
	}
	sender, size := h.drain(primary)
	recordMessageReceived()
	return sender, size
}

// MailboxClear frees the primary's mailbox slot without reading it. Returns
// 0 on success, -1 if the slot was already empty.
func (h *Hypervisor) MailboxClear() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.clearMailbox(h.vms[PrimaryVMID]); err != nil {
		recordHypercallError()
		return -1
	}
	return 0
}

// SendPage returns the primary's mailbox send page. Only valid after
// VMConfigure.
func (h *Hypervisor) SendPage() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.vms[PrimaryVMID].mailbox.send
}

// RecvPage returns the primary's mailbox receive page. Only valid after
// VMConfigure.
func (h *Hypervisor) RecvPage() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.vms[PrimaryVMID].mailbox.recv
}
