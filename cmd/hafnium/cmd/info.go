package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the machine the hypervisor would bring up",
	Long: `Bring up the hypervisor on the manifest's machine and print what
it built: memory ranges, the page pool and the hypervisor's own mapping.
With --verbose the stage-1 table tree is dumped to the debug log.`,
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	h, err := newHypervisor()
	if err != nil {
		return err
	}
	defer h.Close()

	bp := h.BootParams()
	color.Cyan("machine")
	fmt.Printf("  cpus:   %d\n", bp.CPUCount)
	for _, r := range bp.MemRanges {
		fmt.Printf("  memory: %v (%d MiB)\n", r, r.Size()>>20)
	}
	if bp.Initrd.Size() != 0 {
		fmt.Printf("  initrd: %v (read-only at stage 1)\n", bp.Initrd)
	}

	color.Cyan("hypervisor")
	fmt.Printf("  stage-1 root: %v\n", h.Stage1().Root())
	fmt.Printf("  free pages:   %d\n", h.Pool().FreePages())
	fmt.Printf("  vms:          %d\n", h.VMGetCount())

	h.MMU().Dump(h.Stage1())
	printMetrics()
	return nil
}
