package hafnium

// Stock guest programs. Both configure their mailbox on the first two pages
// of the VM's region, so the VM needs at least two pages of memory, and
// both park in a blocked receive until the first message arrives: run the
// VCPU once to let it boot before sending to it.

// EchoProgram receives messages forever and sends each one back to its
// sender.
func EchoProgram(g *Guest) {
	r := g.MemoryRegion()
	if err := g.Configure(IPAddr(r.Begin), IPAddr(r.Begin)+PageSize); err != nil {
		return
	}
	for {
		sender, n := g.Receive(true)
		copy(g.SendPage(), g.RecvPage()[:n])
		if g.Send(sender, n) != nil {
			return
		}
	}
}

// RelayProgram returns a program that forwards every message it receives to
// the next VM in a chain.
func RelayProgram(next VMID) Program {
	return func(g *Guest) {
		r := g.MemoryRegion()
		if err := g.Configure(IPAddr(r.Begin), IPAddr(r.Begin)+PageSize); err != nil {
			return
		}
		for {
			_, n := g.Receive(true)
			copy(g.SendPage(), g.RecvPage()[:n])
			if g.Send(next, n) != nil {
				return
			}
		}
	}
}
