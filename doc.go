// Package hafnium is a thin type-1 hypervisor core: VMSAv8-64 stage-1 and
// stage-2 translation tables built page by page in managed physical memory,
// single-slot mailbox messaging between VMs, and a cooperative VCPU run
// loop driven by the primary VM's scheduler.
//
// The hardware edges are injected as interfaces: TLBController for
// translation-cache maintenance and RegimeSelector for programming the
// translation roots. The bundled SoftMMU records both, which is what tests
// and the CLI use.
//
// A VM's program is an ordinary function driven through the Guest hypercall
// surface. Exactly one VCPU executes at a time; everything else waits in a
// strict handoff, so the model stays sequential even though every VCPU has
// its own goroutine.
//
// Usage:
//
//	h, err := hafnium.New(hafnium.Options{})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer h.Close()
//
//	echo, _ := h.NewVM(hafnium.VMOptions{
//		MemoryPages: 4,
//		Program:     hafnium.EchoProgram,
//	})
//
//	// Let the service boot and configure its mailbox.
//	h.VCPURun(echo.ID(), 0)
//
//	primary, _ := h.VM(hafnium.PrimaryVMID)
//	base := hafnium.IPAddr(primary.MemoryRegion().Begin)
//	h.VMConfigure(base, base+hafnium.PageSize)
//	copy(h.SendPage(), "ping")
//	h.MailboxSend(echo.ID(), 4)
//
//	ret := h.VCPURun(echo.ID(), 0)  // ret.Code == RunMessage
//	sender, n := h.MailboxReceive(false)
//	_ = h.RecvPage()[:n]            // "ping", from sender == echo.ID()
package hafnium
