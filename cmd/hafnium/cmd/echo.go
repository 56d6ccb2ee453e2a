package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	hafnium "github.com/joth76/hafnium-verification"
)

var echoMessage string

var echoCmd = &cobra.Command{
	Use:   "echo",
	Short: "Round-trip a message through an echo VM",
	Long: `Create a secondary VM running the echo service, send it a message
from the primary's mailbox and print what comes back.`,
	RunE: runEcho,
}

func init() {
	echoCmd.Flags().StringVarP(&echoMessage, "message", "s", "ping from the primary", "message to send")
	rootCmd.AddCommand(echoCmd)
}

func runEcho(cmd *cobra.Command, args []string) error {
	if len(echoMessage) > hafnium.PageSize {
		return fmt.Errorf("message exceeds one page (%d bytes)", hafnium.PageSize)
	}

	h, err := newHypervisor()
	if err != nil {
		return err
	}
	defer h.Close()

	echo, err := h.NewVM(hafnium.VMOptions{
		MemoryPages: 4,
		Program:     hafnium.EchoProgram,
	})
	if err != nil {
		return err
	}
	h.VCPURun(echo.ID(), 0)

	color.Cyan("machine: %v, echo VM %d with %d page region",
		h.Memory().Range(), echo.ID(), echo.MemoryRegion().Size()/hafnium.PageSize)

	primary, _ := h.VM(hafnium.PrimaryVMID)
	base := hafnium.IPAddr(primary.MemoryRegion().Begin)
	if ret := h.VMConfigure(base, base+hafnium.PageSize); ret != 0 {
		return fmt.Errorf("configuring the primary mailbox failed")
	}

	copy(h.SendPage(), echoMessage)
	if ret := h.MailboxSend(echo.ID(), uint32(len(echoMessage))); ret != 0 {
		return fmt.Errorf("send to VM %d failed", echo.ID())
	}
	fmt.Printf("  -> sent %d bytes to VM %d\n", len(echoMessage), echo.ID())

	ret := h.VCPURun(echo.ID(), 0)
	if ret.Code != hafnium.RunMessage {
		return fmt.Errorf("echo VM yielded %v, expected a message", ret.Code)
	}

	sender, size := h.MailboxReceive(false)
	fmt.Printf("  <- received %d bytes from VM %d\n", size, sender)
	color.Green("echoed: %q", string(h.RecvPage()[:size]))

	printMetrics()
	return nil
}
