package main

import (
	"context"
	"fmt"

	"github.com/opensyde-tools/sysupdate/internal/engine"
	"github.com/opensyde-tools/sysupdate/internal/sysdef"
	"github.com/opensyde-tools/sysupdate/internal/updateosy"
	"github.com/spf13/cobra"
)

// nopParser is wired in place of a real HexParser for commands that never
// read an address-based image (activate, read-info, reset). The update
// command wires fileHexParser instead.
type nopParser struct{}

func (nopParser) Parse(string) (sysdef.HexImage, error) {
	return sysdef.HexImage{}, fmt.Errorf("hex parsing is not wired into this build")
}

func activeMask(def *sysdef.SystemDefinition, names []string) sysdef.NodeMask {
	mask := sysdef.NewNodeMask(len(def.Nodes))
	if len(names) == 0 {
		for i, n := range def.Nodes {
			if n.IsUpdateTarget() {
				mask.Set(sysdef.NodeIndex(i))
			}
		}
		return mask
	}
	byName := make(map[string]int, len(def.Nodes))
	for i, n := range def.Nodes {
		byName[n.Name] = i
	}
	for _, name := range names {
		if idx, ok := byName[name]; ok {
			mask.Set(sysdef.NodeIndex(idx))
		}
	}
	return mask
}

// buildEngine loads the system definition and timing config named by the
// persistent flags and wires an Engine around the simulated driver. A real
// deployment replaces newSimulatedDriver with its own driver.Driver.
func buildEngine(parser updateosy.HexParser) (*engine.Engine, error) {
	def, err := loadSystemDefinition(flagSystemDef)
	if err != nil {
		return nil, err
	}
	cfg, err := loadOptions(flagTimingConfig)
	if err != nil {
		return nil, err
	}
	active := activeMask(def, flagActive)
	localBus := sysdef.BusIndex(flagLocalBus)
	drv := newSimulatedDriver(def, localBus)
	sink := &consoleSink{}
	return engine.New(drv, def, active, localBus, cfg, parser, sink), nil
}

func newActivateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "activate",
		Short: "Run ActivateFlashloader: put every active node into its flashloader",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := buildEngine(nopParser{})
			if err != nil {
				return err
			}
			return e.ActivateFlashloader(context.Background(), flagFailFast)
		},
	}
}

func newReadInfoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "read-info",
		Short: "Run ReadDeviceInformation: collect device info from every active node",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := buildEngine(nopParser{})
			if err != nil {
				return err
			}
			return e.ReadDeviceInformation(context.Background(), flagFailFast)
		},
	}
}

func newResetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Run ResetSystem: reset every active node, deepest route first",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := buildEngine(nopParser{})
			if err != nil {
				return err
			}
			return e.ResetSystem(context.Background(), flagFailFast)
		},
	}
}

func newUpdateCommand() *cobra.Command {
	var planPath string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Run UpdateSystem: flash the files named in an update plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := loadSystemDefinition(flagSystemDef)
			if err != nil {
				return err
			}
			if planPath == "" {
				return fmt.Errorf("--plan is required")
			}
			jobs, order, err := loadUpdatePlan(planPath, def)
			if err != nil {
				return err
			}
			e, err := buildEngine(&fileHexParser{})
			if err != nil {
				return err
			}
			return e.UpdateSystem(context.Background(), jobs, order)
		},
	}
	cmd.Flags().StringVar(&planPath, "plan", "", "path to a YAML update plan (jobs + order)")
	return cmd
}
