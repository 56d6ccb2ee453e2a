package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	hafnium "github.com/joth76/hafnium-verification"
)

var (
	relayStages  int
	relayMessage string
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Pass a message down a chain of relay VMs",
	Long: `Create a chain of relay VMs, each forwarding to the next and the
last back to the primary, then send a message down the chain and follow the
wake-ups until it returns.`,
	RunE: runRelay,
}

func init() {
	relayCmd.Flags().IntVarP(&relayStages, "stages", "n", 2, "number of relay VMs in the chain")
	relayCmd.Flags().StringVarP(&relayMessage, "message", "s", "round the houses", "message to send")
	rootCmd.AddCommand(relayCmd)
}

func runRelay(cmd *cobra.Command, args []string) error {
	if relayStages < 1 {
		return fmt.Errorf("need at least one relay stage")
	}

	h, err := newHypervisor()
	if err != nil {
		return err
	}
	defer h.Close()

	// Build the chain back to front so each stage knows its successor.
	next := hafnium.PrimaryVMID
	chain := make([]*hafnium.VM, relayStages)
	for i := relayStages - 1; i >= 0; i-- {
		vm, err := h.NewVM(hafnium.VMOptions{
			MemoryPages: 4,
			Program:     hafnium.RelayProgram(next),
		})
		if err != nil {
			return err
		}
		chain[i] = vm
		next = vm.ID()
	}
	for _, vm := range chain {
		h.VCPURun(vm.ID(), 0)
	}

	primary, _ := h.VM(hafnium.PrimaryVMID)
	base := hafnium.IPAddr(primary.MemoryRegion().Begin)
	if ret := h.VMConfigure(base, base+hafnium.PageSize); ret != 0 {
		return fmt.Errorf("configuring the primary mailbox failed")
	}

	copy(h.SendPage(), relayMessage)
	if ret := h.MailboxSend(chain[0].ID(), uint32(len(relayMessage))); ret != 0 {
		return fmt.Errorf("send to VM %d failed", chain[0].ID())
	}
	color.Cyan("sent %d bytes into a %d-stage chain", len(relayMessage), relayStages)

	// Follow the scheduler's breadcrumbs: each stage yields a wake-up for
	// the next, the last yields a message for us.
	vm, vcpu := chain[0].ID(), uint16(0)
	for {
		ret := h.VCPURun(vm, vcpu)
		switch ret.Code {
		case hafnium.RunWakeUp:
			fmt.Printf("  VM %d woke VM %d\n", vm, ret.VM)
			vm, vcpu = ret.VM, ret.VCPU
		case hafnium.RunMessage:
			sender, size := h.MailboxReceive(false)
			color.Green("back from VM %d: %q", sender, string(h.RecvPage()[:size]))
			printMetrics()
			return nil
		default:
			return fmt.Errorf("VM %d yielded %v mid-chain", vm, ret.Code)
		}
	}
}
