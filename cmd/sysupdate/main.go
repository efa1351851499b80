// Command sysupdate is a thin CLI front end for the engine package: it
// loads a system definition and timing config from YAML, builds an Engine,
// and dispatches to one of its four public sequences.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "sysupdate:", err)
		os.Exit(1)
	}
}

var (
	flagSystemDef    string
	flagTimingConfig string
	flagLocalBus     int
	flagFailFast     bool
	flagActive       []string
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "sysupdate",
		Short: "Drive an openSYDE/STW system update sequence",
		Long: `
sysupdate runs one of the engine's four public sequences -
activate, read-info, update, reset - against a system described by a
YAML system definition file.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagSystemDef, "system-definition", "", "path to the system definition YAML file (required)")
	root.PersistentFlags().StringVar(&flagTimingConfig, "timing-config", "", "path to a YAML file overriding engcfg timing constants")
	root.PersistentFlags().IntVar(&flagLocalBus, "local-bus", 0, "bus index the host is directly connected to")
	root.PersistentFlags().BoolVar(&flagFailFast, "fail-on-first-error", true, "report a failed node as an error instead of a warning; read-info and reset also stop at that node, activate still visits every node")
	root.PersistentFlags().StringSliceVar(&flagActive, "active", nil, "node names to include (default: every update target)")
	root.MarkPersistentFlagRequired("system-definition")

	root.AddCommand(newActivateCommand())
	root.AddCommand(newReadInfoCommand())
	root.AddCommand(newUpdateCommand())
	root.AddCommand(newResetCommand())

	return root
}
