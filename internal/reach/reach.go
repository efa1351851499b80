// Package reach implements the Reachability Tracker: a per-node latch
// over whether the node, or any hop on its route, has timed out at least
// once since TimeoutNodes was last cleared.
package reach

import (
	"context"

	"github.com/opensyde-tools/sysupdate/internal/driver"
	"github.com/opensyde-tools/sysupdate/internal/sysdef"
)

// Tracker answers is_reachable queries against a shared TimeoutNodes mask.
type Tracker struct {
	Timeouts sysdef.NodeMask
	drv      driver.Driver
}

// New builds a Tracker over an existing TimeoutNodes mask (owned by the
// caller — the Orchestrator clears it at the start of ActivateFlashloader).
func New(drv driver.Driver, timeouts sysdef.NodeMask) *Tracker {
	return &Tracker{Timeouts: timeouts, drv: drv}
}

// IsReachable returns false iff node's TimeoutNodes bit, or the bit of any
// node on its route, is set.
func (t *Tracker) IsReachable(ctx context.Context, node sysdef.NodeIndex) bool {
	if t.Timeouts.Get(node) {
		return false
	}
	route, err := t.drv.RouteNodes(ctx, node)
	if err != nil {
		// A route query failure is conservatively treated as unreachable:
		// the engine must not attempt a service call it cannot verify the
		// path for.
		return false
	}
	for _, hop := range route {
		if t.Timeouts.Get(hop) {
			return false
		}
	}
	return true
}

// Latch sets node's TimeoutNodes bit.
func (t *Tracker) Latch(node sysdef.NodeIndex) {
	t.Timeouts.Set(node)
}
