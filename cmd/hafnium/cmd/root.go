package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	hafnium "github.com/joth76/hafnium-verification"
)

var (
	verbose     bool
	manifest    string
	showMetrics bool
)

var rootCmd = &cobra.Command{
	Use:   "hafnium",
	Short: "Drive the hypervisor core from the command line",
	Long: `Bring up the hypervisor core on an in-process machine, create
secondary VMs and exchange mailbox messages with them, the way a primary
VM's scheduler would. The machine is described by a TOML manifest or, with
no manifest, a built-in single-range default.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log hypervisor internals")
	rootCmd.PersistentFlags().StringVarP(&manifest, "manifest", "m", "", "TOML machine manifest")
	rootCmd.PersistentFlags().BoolVar(&showMetrics, "metrics", false, "print hypervisor metrics afterwards")
}

func printMetrics() {
	if !showMetrics {
		return
	}
	m := hafnium.GetMetrics()
	out, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return
	}
	fmt.Println(string(out))
}

// newHypervisor brings up a hypervisor from the manifest (or defaults),
// wired to a recording software MMU.
func newHypervisor() (*hafnium.Hypervisor, error) {
	params := hafnium.DefaultBootParams()
	if manifest != "" {
		if _, err := toml.DecodeFile(manifest, &params); err != nil {
			return nil, fmt.Errorf("reading manifest %s: %w", manifest, err)
		}
	}

	opts := hafnium.Options{
		Platform: &hafnium.StaticPlatform{Params: params},
	}
	if verbose {
		logger := logrus.New()
		logger.SetLevel(logrus.DebugLevel)
		opts.Logger = logger
	}
	return hafnium.New(opts)
}
