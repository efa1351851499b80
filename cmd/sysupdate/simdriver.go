package main

import (
	"github.com/opensyde-tools/sysupdate/internal/driver"
	"github.com/opensyde-tools/sysupdate/internal/driversim"
	"github.com/opensyde-tools/sysupdate/internal/sysdef"
)

// newSimulatedDriver builds a driversim.Fake pre-populated with the
// routing topology implied by def, so every subcommand can run a full
// sequence without any real CAN/Ethernet hardware attached. A deployment
// wires in its own driver.Driver in place of this one; nothing else in
// the engine depends on this package.
func newSimulatedDriver(def *sysdef.SystemDefinition, localBus sysdef.BusIndex) *driversim.Fake {
	drv := driversim.New()
	for i, node := range def.Nodes {
		iface, onLocal := node.InterfaceOnBus(localBus)
		if !onLocal {
			iface, onLocal = firstConnectedInterface(node)
		}
		if !onLocal {
			continue
		}
		necessity := driver.RoutingOK
		bus := iface.BusIndex
		if iface.HasBus(localBus) {
			necessity = driver.RoutingNoAct
			bus = localBus
		}
		addr := sysdef.NodeAddress{BusID: busID(def, bus), NodeID: iface.NodeID}
		drv.Topo[sysdef.NodeIndex(i)] = driversim.Topology{
			Bus:       bus,
			Necessity: necessity,
			Address:   addr,
			Route:     []sysdef.NodeIndex{sysdef.NodeIndex(i)},
		}
		drv.DeviceNames[addr] = node.Name
	}
	return drv
}

func firstConnectedInterface(node sysdef.Node) (sysdef.Interface, bool) {
	for _, iface := range node.Interfaces {
		if iface.Connected {
			return iface, true
		}
	}
	return sysdef.Interface{}, false
}

func busID(def *sysdef.SystemDefinition, idx sysdef.BusIndex) uint8 {
	if int(idx) >= 0 && int(idx) < len(def.Buses) {
		return def.Buses[idx].ID
	}
	return 0
}
