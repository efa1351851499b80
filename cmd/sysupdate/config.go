package main

import (
	"fmt"
	"os"
	"time"

	"github.com/opensyde-tools/sysupdate/internal/engcfg"
	"github.com/opensyde-tools/sysupdate/internal/sysdef"
	"gopkg.in/yaml.v2"
)

// systemDefDoc is the on-disk YAML shape of a system definition file. It
// mirrors sysdef.SystemDefinition's structure rather than embedding it
// directly, so the wire format stays decoupled from the engine's internal
// struct layout. Of the device definition it carries only the file-based
// flag; the request-download and transfer-data timeouts stay zero.
type systemDefDoc struct {
	Buses []busDoc `yaml:"buses"`
	Nodes []nodeDoc `yaml:"nodes"`
}

type busDoc struct {
	Name string `yaml:"name"`
	ID   uint8  `yaml:"id"`
	Type string `yaml:"type"` // "can" or "ethernet"
}

type nodeDoc struct {
	Name             string             `yaml:"name"`
	DeviceType       string             `yaml:"device_type"`
	Applications     []string           `yaml:"applications"`
	Flashloader      string             `yaml:"flashloader"` // "none", "opensyde", "stw"
	DiagnosticServer string             `yaml:"diagnostic_server,omitempty"`
	Interfaces       []interfaceDoc     `yaml:"interfaces"`
	FileBased        bool               `yaml:"flashloader_file_based,omitempty"`
}

type interfaceDoc struct {
	Bus           int  `yaml:"bus"`
	Connected     bool `yaml:"connected"`
	UpdateEnabled bool `yaml:"update_enabled"`
	NodeID        uint8 `yaml:"node_id"`
}

func loadSystemDefinition(path string) (*sysdef.SystemDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading system definition %q: %w", path, err)
	}
	var doc systemDefDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing system definition %q: %w", path, err)
	}

	def := &sysdef.SystemDefinition{
		Buses: make([]sysdef.Bus, len(doc.Buses)),
		Nodes: make([]sysdef.Node, len(doc.Nodes)),
	}
	for i, b := range doc.Buses {
		typ := sysdef.BusCAN
		if b.Type == "ethernet" {
			typ = sysdef.BusEthernet
		}
		def.Buses[i] = sysdef.Bus{Name: b.Name, ID: b.ID, Type: typ}
	}
	for i, n := range doc.Nodes {
		apps := make([]sysdef.Application, len(n.Applications))
		for j, a := range n.Applications {
			apps[j] = sysdef.Application{Name: a}
		}
		ifaces := make([]sysdef.Interface, len(n.Interfaces))
		for j, f := range n.Interfaces {
			ifaces[j] = sysdef.Interface{
				BusIndex:      sysdef.BusIndex(f.Bus),
				Connected:     f.Connected,
				UpdateEnabled: f.UpdateEnabled,
				NodeID:        f.NodeID,
			}
		}
		props := sysdef.Properties{Flashloader: parseFlashloader(n.Flashloader)}
		if n.DiagnosticServer == "opensyde" {
			props.DiagnosticServer = sysdef.DiagnosticServerOpenSyde
		}
		def.Nodes[i] = sysdef.Node{
			Name:             n.Name,
			DeviceType:       n.DeviceType,
			Applications:     apps,
			Properties:       props,
			Interfaces:       ifaces,
			DeviceDefinition: sysdef.DeviceDefinition{FlashloaderIsFileBased: n.FileBased},
		}
	}
	return def, nil
}

func parseFlashloader(s string) sysdef.Flashloader {
	switch s {
	case "opensyde":
		return sysdef.FlashloaderOpenSyde
	case "stw":
		return sysdef.FlashloaderStw
	default:
		return sysdef.FlashloaderNone
	}
}

// optionsDoc is the on-disk YAML shape for overriding engcfg.Options. Any
// field left at zero keeps engcfg.Default()'s value.
type optionsDoc struct {
	ActivationBroadcastLoopMs int `yaml:"activation_broadcast_loop_ms"`
	ActivationBroadcastTickMs int `yaml:"activation_broadcast_tick_ms"`
	EthernetNICSettleMs       int `yaml:"ethernet_nic_settle_ms"`
	RoutedResetSettleMs       int `yaml:"routed_reset_settle_ms"`
	StwWakeupLoopMs           int `yaml:"stw_wakeup_loop_ms"`
	StwWakeupTickMs           int `yaml:"stw_wakeup_tick_ms"`
	ResetRouterSettleMs       int `yaml:"reset_router_settle_ms"`
}

func loadOptions(path string) (engcfg.Options, error) {
	cfg := engcfg.Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading timing config %q: %w", path, err)
	}
	var doc optionsDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return cfg, fmt.Errorf("parsing timing config %q: %w", path, err)
	}
	applyMillis(&cfg.ActivationBroadcastLoop, doc.ActivationBroadcastLoopMs)
	applyMillis(&cfg.ActivationBroadcastTick, doc.ActivationBroadcastTickMs)
	applyMillis(&cfg.EthernetNICSettle, doc.EthernetNICSettleMs)
	applyMillis(&cfg.RoutedResetSettle, doc.RoutedResetSettleMs)
	applyMillis(&cfg.StwWakeupLoop, doc.StwWakeupLoopMs)
	applyMillis(&cfg.StwWakeupTick, doc.StwWakeupTickMs)
	applyMillis(&cfg.ResetRouterSettle, doc.ResetRouterSettleMs)
	return cfg, nil
}

func applyMillis(field *time.Duration, ms int) {
	if ms > 0 {
		*field = time.Duration(ms) * time.Millisecond
	}
}

// updatePlanDoc is the on-disk YAML shape for an UpdateSystem invocation:
// which files go to which node, and in what order the nodes are flashed.
type updatePlanDoc struct {
	Jobs  map[string][]string `yaml:"jobs"`  // node name -> files to flash
	Order []string            `yaml:"order"` // node names, in flash order
}

func loadUpdatePlan(path string, def *sysdef.SystemDefinition) ([]sysdef.FlashJob, sysdef.UpdateOrder, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading update plan %q: %w", path, err)
	}
	var doc updatePlanDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, nil, fmt.Errorf("parsing update plan %q: %w", path, err)
	}

	byName := make(map[string]int, len(def.Nodes))
	for i, n := range def.Nodes {
		byName[n.Name] = i
	}

	jobs := make([]sysdef.FlashJob, len(def.Nodes))
	for name, files := range doc.Jobs {
		idx, ok := byName[name]
		if !ok {
			return nil, nil, fmt.Errorf("update plan names unknown node %q", name)
		}
		jobs[idx] = sysdef.FlashJob{FilesToFlash: files}
	}

	order := make(sysdef.UpdateOrder, 0, len(doc.Order))
	for _, name := range doc.Order {
		idx, ok := byName[name]
		if !ok {
			return nil, nil, fmt.Errorf("update plan order names unknown node %q", name)
		}
		order = append(order, sysdef.NodeIndex(idx))
	}
	return jobs, order, nil
}
