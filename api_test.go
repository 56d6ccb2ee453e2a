package hafnium

import (
	"bytes"
	"testing"
)

// configurePrimary sets up the primary's mailbox on its carved region and
// fails the test if anything is off.
func configurePrimary(t *testing.T, h *Hypervisor) IPAddr {
	t.Helper()
	primary, ok := h.VM(PrimaryVMID)
	if !ok {
		t.Fatal("primary VM missing")
	}
	base := IPAddr(primary.MemoryRegion().Begin)
	if ret := h.VMConfigure(base, base+PageSize); ret != 0 {
		t.Fatalf("VMConfigure = %d, want 0", ret)
	}
	return base
}

// bootVM runs VCPU 0 once so the program configures its mailbox and parks
// in its receive loop.
func bootVM(t *testing.T, h *Hypervisor, vm *VM) {
	t.Helper()
	if ret := h.VCPURun(vm.ID(), 0); ret.Code != RunWaitForInterrupt {
		t.Fatalf("boot run = %+v, want wait_for_interrupt", ret)
	}
}

func TestVCPURunRejects(t *testing.T) {
	h := newTestHypervisor(t)
	vm, err := h.NewVM(VMOptions{VCPUs: 2, MemoryPages: 4})
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}

	tests := []struct {
		name string
		vm   VMID
		vcpu uint16
	}{
		{"primary is unschedulable", PrimaryVMID, 0},
		{"unknown vm", 99, 0},
		{"vcpu index out of range", vm.ID(), 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if ret := h.VCPURun(tt.vm, tt.vcpu); ret.Code != RunWaitForInterrupt {
				t.Errorf("VCPURun(%d, %d) = %+v, want wait_for_interrupt", tt.vm, tt.vcpu, ret)
			}
		})
	}

	t.Run("secondary vcpu starts off", func(t *testing.T) {
		if ret := h.VCPURun(vm.ID(), 1); ret.Code != RunWaitForInterrupt {
			t.Errorf("run of off VCPU = %+v, want wait_for_interrupt", ret)
		}
	})
}

func TestConfigureRules(t *testing.T) {
	h := newTestHypervisor(t)
	primary, _ := h.VM(PrimaryVMID)
	base := IPAddr(primary.MemoryRegion().Begin)

	if ret := h.VMConfigure(base+1, base+PageSize); ret != -1 {
		t.Errorf("misaligned send page accepted: %d", ret)
	}
	if ret := h.VMConfigure(base, base); ret != -1 {
		t.Errorf("identical pages accepted: %d", ret)
	}
	if ret := h.VMConfigure(1<<33, (1<<33)+PageSize); ret != -1 {
		t.Errorf("unmapped pages accepted: %d", ret)
	}
	if ret := h.VMConfigure(base, base+PageSize); ret != 0 {
		t.Errorf("valid configure = %d, want 0", ret)
	}
	if ret := h.VMConfigure(base+2*PageSize, base+3*PageSize); ret != -1 {
		t.Errorf("second configure accepted: %d", ret)
	}
}

func TestPrimaryReceiveNeverBlocks(t *testing.T) {
	h := newTestHypervisor(t)
	configurePrimary(t, h)

	for _, block := range []bool{false, true} {
		sender, size := h.MailboxReceive(block)
		if sender != InvalidVMID || size != 0 {
			t.Errorf("MailboxReceive(%v) on empty slot = (%d, %d), want (InvalidVMID, 0)",
				block, sender, size)
		}
	}
}

func TestSendValidation(t *testing.T) {
	h := newTestHypervisor(t)
	echo, err := h.NewVM(VMOptions{MemoryPages: 4, Program: EchoProgram})
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}

	// Neither side configured yet.
	if ret := h.MailboxSend(echo.ID(), 4); ret != -1 {
		t.Errorf("send with unconfigured mailboxes = %d, want -1", ret)
	}

	bootVM(t, h, echo)
	configurePrimary(t, h)

	if ret := h.MailboxSend(99, 4); ret != -1 {
		t.Errorf("send to unknown VM = %d, want -1", ret)
	}
	if ret := h.MailboxSend(PrimaryVMID, 4); ret != -1 {
		t.Errorf("send to self = %d, want -1", ret)
	}
	if ret := h.MailboxSend(echo.ID(), PageSize+1); ret != -1 {
		t.Errorf("oversized send = %d, want -1", ret)
	}
}

func TestEcho(t *testing.T) {
	h := newTestHypervisor(t)
	echo, err := h.NewVM(VMOptions{MemoryPages: 4, Program: EchoProgram})
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	bootVM(t, h, echo)
	configurePrimary(t, h)

	msg := []byte("echo this back to me!")
	copy(h.SendPage(), msg)
	if ret := h.MailboxSend(echo.ID(), uint32(len(msg))); ret != 0 {
		t.Fatalf("MailboxSend = %d, want 0", ret)
	}

	ret := h.VCPURun(echo.ID(), 0)
	if ret.Code != RunMessage || ret.Size != uint32(len(msg)) {
		t.Fatalf("VCPURun = %+v, want message of %d bytes", ret, len(msg))
	}

	sender, size := h.MailboxReceive(false)
	if sender != echo.ID() || size != uint32(len(msg)) {
		t.Fatalf("MailboxReceive = (%d, %d), want (%d, %d)", sender, size, echo.ID(), len(msg))
	}
	if got := h.RecvPage()[:size]; !bytes.Equal(got, msg) {
		t.Errorf("echoed payload = %q, want %q", got, msg)
	}
}

func TestRelayChain(t *testing.T) {
	h := newTestHypervisor(t)

	// primary -> a -> b -> primary.
	b, err := h.NewVM(VMOptions{MemoryPages: 4, Program: RelayProgram(PrimaryVMID)})
	if err != nil {
		t.Fatalf("NewVM b: %v", err)
	}
	a, err := h.NewVM(VMOptions{MemoryPages: 4, Program: RelayProgram(b.ID())})
	if err != nil {
		t.Fatalf("NewVM a: %v", err)
	}
	bootVM(t, h, a)
	bootVM(t, h, b)
	configurePrimary(t, h)

	msg := []byte("send this round the relay")
	copy(h.SendPage(), msg)
	if ret := h.MailboxSend(a.ID(), uint32(len(msg))); ret != 0 {
		t.Fatalf("MailboxSend = %d, want 0", ret)
	}

	ret := h.VCPURun(a.ID(), 0)
	if ret.Code != RunWakeUp || ret.VM != b.ID() || ret.VCPU != 0 {
		t.Fatalf("run of a = %+v, want wake_up of vm %d", ret, b.ID())
	}
	ret = h.VCPURun(ret.VM, ret.VCPU)
	if ret.Code != RunMessage || ret.Size != uint32(len(msg)) {
		t.Fatalf("run of b = %+v, want message of %d bytes", ret, len(msg))
	}

	sender, size := h.MailboxReceive(false)
	if sender != b.ID() || size != uint32(len(msg)) {
		t.Fatalf("MailboxReceive = (%d, %d), want (%d, %d)", sender, size, b.ID(), len(msg))
	}
	if got := h.RecvPage()[:size]; !bytes.Equal(got, msg) {
		t.Errorf("relayed payload = %q, want %q", got, msg)
	}
}

func TestDeferredSend(t *testing.T) {
	h := newTestHypervisor(t)
	echo, err := h.NewVM(VMOptions{MemoryPages: 4, Program: EchoProgram})
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	bootVM(t, h, echo)
	configurePrimary(t, h)

	// First send lands in the empty slot.
	copy(h.SendPage(), "one")
	if ret := h.MailboxSend(echo.ID(), 3); ret != 0 {
		t.Fatalf("first send = %d, want 0", ret)
	}
	// Second send finds the slot full, takes the waiter slot and is
	// deferred; the payload is copied later, at drain time.
	copy(h.SendPage(), "two")
	if ret := h.MailboxSend(echo.ID(), 3); ret != 0 {
		t.Fatalf("deferred send = %d, want 0", ret)
	}
	// A third sender has nowhere to wait.
	if ret := h.MailboxSend(echo.ID(), 3); ret != -1 {
		t.Fatalf("third send = %d, want -1", ret)
	}

	// The echo drains "one" (triggering the deferred delivery of "two")
	// and replies.
	ret := h.VCPURun(echo.ID(), 0)
	if ret.Code != RunMessage || ret.Size != 3 {
		t.Fatalf("first run = %+v, want 3-byte message", ret)
	}
	sender, size := h.MailboxReceive(false)
	if sender != echo.ID() || size != 3 {
		t.Fatalf("first receive = (%d, %d)", sender, size)
	}
	if got := h.RecvPage()[:3]; !bytes.Equal(got, []byte("one")) {
		t.Errorf("first reply = %q, want %q", got, "one")
	}

	ret = h.VCPURun(echo.ID(), 0)
	if ret.Code != RunMessage || ret.Size != 3 {
		t.Fatalf("second run = %+v, want 3-byte message", ret)
	}
	_, _ = h.MailboxReceive(false)
	if got := h.RecvPage()[:3]; !bytes.Equal(got, []byte("two")) {
		t.Errorf("second reply = %q, want %q", got, "two")
	}
}

func TestDeferredSendFromGuest(t *testing.T) {
	h := newTestHypervisor(t)

	type delivery struct {
		sender  VMID
		payload string
	}
	got := make(chan delivery, 2)
	sink := func(g *Guest) {
		r := g.MemoryRegion()
		if err := g.Configure(IPAddr(r.Begin), IPAddr(r.Begin)+PageSize); err != nil {
			return
		}
		for i := 0; i < 2; i++ {
			sender, n := g.Receive(true)
			got <- delivery{sender, string(g.RecvPage()[:n])}
		}
	}
	b, err := h.NewVM(VMOptions{MemoryPages: 4, Program: sink})
	if err != nil {
		t.Fatalf("NewVM b: %v", err)
	}
	a, err := h.NewVM(VMOptions{MemoryPages: 4, Program: func(g *Guest) {
		r := g.MemoryRegion()
		if err := g.Configure(IPAddr(r.Begin), IPAddr(r.Begin)+PageSize); err != nil {
			return
		}
		copy(g.SendPage(), "from a")
		g.Send(b.ID(), 6)
	}})
	if err != nil {
		t.Fatalf("NewVM a: %v", err)
	}
	bootVM(t, h, b)
	configurePrimary(t, h)

	// Fill b's slot so a's send has to wait.
	copy(h.SendPage(), "first")
	if ret := h.MailboxSend(b.ID(), 5); ret != 0 {
		t.Fatalf("MailboxSend = %d, want 0", ret)
	}

	// a finds the slot full, takes the waiter slot and parks.
	if ret := h.VCPURun(a.ID(), 0); ret.Code != RunWaitForInterrupt {
		t.Fatalf("run of a = %+v, want wait_for_interrupt", ret)
	}
	if got := a.vcpus[0].State(); got != VCPUWaitingForInterrupt {
		t.Fatalf("a's state while deferred = %v, want waiting_for_interrupt", got)
	}

	// b drains the first message; its second receive pumps a's in and
	// readies a again.
	if ret := h.VCPURun(b.ID(), 0); ret.Code != RunWaitForInterrupt {
		t.Fatalf("run of b = %+v, want wait_for_interrupt", ret)
	}
	want := []delivery{
		{PrimaryVMID, "first"},
		{a.ID(), "from a"},
	}
	for i, w := range want {
		if d := <-got; d != w {
			t.Errorf("delivery %d = %+v, want %+v", i, d, w)
		}
	}

	// The resumed sender reports the destination it made runnable.
	ret := h.VCPURun(a.ID(), 0)
	if ret.Code != RunWakeUp || ret.VM != b.ID() || ret.VCPU != 0 {
		t.Fatalf("run of resumed a = %+v, want wake_up of vm %d", ret, b.ID())
	}
}

func TestMailboxClear(t *testing.T) {
	h := newTestHypervisor(t)
	echo, err := h.NewVM(VMOptions{MemoryPages: 4, Program: EchoProgram})
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	bootVM(t, h, echo)
	configurePrimary(t, h)

	if ret := h.MailboxClear(); ret != -1 {
		t.Errorf("clear of empty slot = %d, want -1", ret)
	}

	copy(h.SendPage(), "ping")
	h.MailboxSend(echo.ID(), 4)
	if ret := h.VCPURun(echo.ID(), 0); ret.Code != RunMessage {
		t.Fatalf("run = %+v", ret)
	}

	if ret := h.MailboxClear(); ret != 0 {
		t.Errorf("clear of full slot = %d, want 0", ret)
	}
	if sender, size := h.MailboxReceive(false); sender != InvalidVMID || size != 0 {
		t.Errorf("receive after clear = (%d, %d), want empty", sender, size)
	}
}

func TestWakeFromWaitForInterrupt(t *testing.T) {
	h := newTestHypervisor(t)

	prog := func(g *Guest) {
		r := g.MemoryRegion()
		if err := g.Configure(IPAddr(r.Begin), IPAddr(r.Begin)+PageSize); err != nil {
			return
		}
		g.WaitForInterrupt()
		copy(g.SendPage(), "up")
		g.Send(PrimaryVMID, 2)
	}
	vm, err := h.NewVM(VMOptions{MemoryPages: 4, Program: prog})
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	configurePrimary(t, h)
	bootVM(t, h, vm)

	// Not ready until woken.
	if ret := h.VCPURun(vm.ID(), 0); ret.Code != RunWaitForInterrupt {
		t.Fatalf("run while waiting = %+v", ret)
	}
	if err := h.Wake(vm.ID(), 0); err != nil {
		t.Fatalf("Wake: %v", err)
	}
	ret := h.VCPURun(vm.ID(), 0)
	if ret.Code != RunMessage || ret.Size != 2 {
		t.Fatalf("run after wake = %+v, want 2-byte message", ret)
	}
	if sender, _ := h.MailboxReceive(false); sender != vm.ID() {
		t.Errorf("sender = %d, want %d", sender, vm.ID())
	}

	if err := h.Wake(99, 0); err != ErrUnknownVM {
		t.Errorf("Wake(99, 0) = %v, want ErrUnknownVM", err)
	}
	if err := h.Wake(vm.ID(), 9); err != ErrUnknownVCPU {
		t.Errorf("Wake with bad index = %v, want ErrUnknownVCPU", err)
	}
}

func TestProgramCompletionPowersOff(t *testing.T) {
	h := newTestHypervisor(t)

	vm, err := h.NewVM(VMOptions{MemoryPages: 4, Program: func(g *Guest) {}})
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	if ret := h.VCPURun(vm.ID(), 0); ret.Code != RunWaitForInterrupt {
		t.Fatalf("final run = %+v", ret)
	}
	if got := vm.vcpus[0].State(); got != VCPUOff {
		t.Errorf("state after completion = %v, want off", got)
	}
	// An off VCPU is never schedulable again.
	if ret := h.VCPURun(vm.ID(), 0); ret.Code != RunWaitForInterrupt {
		t.Errorf("run of off VCPU = %+v", ret)
	}
}

func TestGuestReceiveNonBlocking(t *testing.T) {
	h := newTestHypervisor(t)

	got := make(chan VMID, 1)
	prog := func(g *Guest) {
		r := g.MemoryRegion()
		if err := g.Configure(IPAddr(r.Begin), IPAddr(r.Begin)+PageSize); err != nil {
			return
		}
		sender, _ := g.Receive(false)
		got <- sender
	}
	vm, err := h.NewVM(VMOptions{MemoryPages: 4, Program: prog})
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	h.VCPURun(vm.ID(), 0)

	if sender := <-got; sender != InvalidVMID {
		t.Errorf("non-blocking receive on empty slot = %d, want InvalidVMID", sender)
	}
}

func TestGuestErrors(t *testing.T) {
	h := newTestHypervisor(t)

	errs := make(chan error, 4)
	prog := func(g *Guest) {
		r := g.MemoryRegion()
		base := IPAddr(r.Begin)
		errs <- g.Clear()                       // unconfigured, nothing to clear
		errs <- g.Configure(base+1, base)       // misaligned
		errs <- g.Configure(base, base)         // same page
		errs <- g.Send(PrimaryVMID, 4)          // mailbox not configured
	}
	vm, err := h.NewVM(VMOptions{MemoryPages: 4, Program: prog})
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	configurePrimary(t, h)
	h.VCPURun(vm.ID(), 0)

	want := []error{ErrMailboxEmpty, ErrMisaligned, ErrSamePage, ErrNotConfigured}
	for i, w := range want {
		if got := <-errs; got != w {
			t.Errorf("guest call %d: err = %v, want %v", i, got, w)
		}
	}
}
