// Package classify implements the Node Classifier: decides, per (node,
// bus), whether a node is an active update target on that bus, which
// flashloader protocol it speaks, and its wire address.
package classify

import (
	"github.com/opensyde-tools/sysupdate/internal/sysdef"
)

// Target is the outcome of a successful classification.
type Target struct {
	Protocol sysdef.Flashloader
	Address  sysdef.NodeAddress
}

// Classifier resolves nodes against an immutable SystemDefinition and the
// dynamic ActiveNodes mask set once at Init.
type Classifier struct {
	Def    *sysdef.SystemDefinition
	Active sysdef.NodeMask
}

// New builds a Classifier.
func New(def *sysdef.SystemDefinition, active sysdef.NodeMask) *Classifier {
	return &Classifier{Def: def, Active: active}
}

// Classify returns (Target, true) iff the node is active and has an
// interface bus_connected and update_enabled on busIndex.
// It asserts the diagnostic-server ⇒ openSYDE-flashloader invariant on
// every node it visits, matching the original's tgl_assert at the same
// call site.
func (c *Classifier) Classify(node sysdef.NodeIndex, busIndex sysdef.BusIndex) (Target, bool) {
	if !c.Active.Get(node) {
		return Target{}, false
	}
	n := c.Def.Nodes[node]
	if !n.Properties.Valid() {
		panic("classify: diagnostic_server=OpenSyde requires flashloader=OpenSyde")
	}
	iface, ok := n.InterfaceOnBus(busIndex)
	if !ok || !iface.UpdateEnabled {
		return Target{}, false
	}
	bus := c.Def.Buses[busIndex]
	return Target{
		Protocol: n.Properties.Flashloader,
		Address:  sysdef.NodeAddress{BusID: bus.ID, NodeID: iface.NodeID},
	}, true
}
