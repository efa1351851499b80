// Package reset implements the Reset Coordinator: ResetSystem resets every
// active node deepest-route-first, so that a router is never reset while
// a downstream peer still depends on its routing path.
package reset

import (
	"context"
	"time"

	"github.com/opensyde-tools/sysupdate/internal/classify"
	"github.com/opensyde-tools/sysupdate/internal/driver"
	"github.com/opensyde-tools/sysupdate/internal/engcfg"
	"github.com/opensyde-tools/sysupdate/internal/progress"
	"github.com/opensyde-tools/sysupdate/internal/reach"
	"github.com/opensyde-tools/sysupdate/internal/sysdef"
	"github.com/opensyde-tools/sysupdate/internal/xerr"
	"github.com/opensyde-tools/sysupdate/internal/xlog"
)

// Sleeper abstracts time.Sleep so tests can run the router-settle wait
// without real wall-clock delay.
type Sleeper func(d time.Duration)

// Coordinator drives ResetSystem.
type Coordinator struct {
	Drv        driver.Driver
	Def        *sysdef.SystemDefinition
	Active     sysdef.NodeMask
	Classifier *classify.Classifier
	Reach      *reach.Tracker
	Cfg        engcfg.Options
	Run        *progress.Run
	Sleep      Sleeper

	// stwBusDone tracks which bus indices have already received a
	// StwNetReset this ResetSystem call, since the driver resets an entire
	// bus segment in one call and must not be asked twice.
	stwBusDone map[sysdef.BusIndex]bool
}

// New builds a Coordinator with a real time.Sleep.
func New(drv driver.Driver, def *sysdef.SystemDefinition, active sysdef.NodeMask, cl *classify.Classifier, rt *reach.Tracker, cfg engcfg.Options, run *progress.Run) *Coordinator {
	return &Coordinator{Drv: drv, Def: def, Active: active, Classifier: cl, Reach: rt, Cfg: cfg, Run: run, Sleep: time.Sleep}
}

// wrapDriverErr maps a Driver call failure to Timeout when the driver
// signals its polling timeout elapsed, Com otherwise.
func wrapDriverErr(err error) error {
	if err == nil {
		return nil
	}
	if driver.IsTimeout(err) {
		return xerr.Wrap(xerr.Timeout, err)
	}
	return xerr.Wrap(xerr.Com, err)
}

// ResetSystem resets every active, reachable node in deepest-route-first
// order.
func (c *Coordinator) ResetSystem(ctx context.Context, failOnFirstError bool) error {
	if c.Run.Report(progress.Event{Step: progress.StepReset, Percent: 0}) {
		return xerr.New(xerr.Busy, "aborted at entry")
	}
	c.stwBusDone = nil

	depths := make(map[sysdef.NodeIndex]int)
	maxDepth := 0
	for i, node := range c.Def.Nodes {
		idx := sysdef.NodeIndex(i)
		if !c.Active.Get(idx) || !node.IsUpdateTarget() {
			continue
		}
		n, err := c.Drv.GetRoutingPointCount(ctx, idx)
		if err != nil {
			return wrapDriverErr(err)
		}
		depths[idx] = n
		if n > maxDepth {
			maxDepth = n
		}
	}

	anyFailed := false
	for d := maxDepth; d >= 0; d-- {
		for i, node := range c.Def.Nodes {
			idx := sysdef.NodeIndex(i)
			depth, ok := depths[idx]
			if !ok || depth != d {
				continue
			}
			failed, err := c.resetOne(ctx, idx, node)
			if err != nil {
				return err
			}
			anyFailed = anyFailed || failed
			if failed && failOnFirstError {
				return xerr.New(xerr.Timeout, "node %d failed to reset", idx)
			}
		}
	}

	c.Run.Report(progress.Event{Step: progress.StepReset, Percent: 100})
	if anyFailed {
		return xerr.New(xerr.Warn, "at least one node failed to reset")
	}
	return nil
}

// resetOne resets a single node once it has reached the head of the
// deepest-first traversal.
func (c *Coordinator) resetOne(ctx context.Context, idx sysdef.NodeIndex, node sysdef.Node) (failed bool, err error) {
	if !c.Reach.IsReachable(ctx, idx) {
		c.Reach.Latch(idx)
		return true, nil
	}

	necessity, rerr := c.Drv.IsRoutingNecessary(ctx, idx)
	if rerr != nil {
		return false, wrapDriverErr(rerr)
	}
	routed := necessity == driver.RoutingOK
	if routed {
		result, rerr := c.Drv.StartRouting(ctx, idx)
		if rerr != nil {
			return false, wrapDriverErr(rerr)
		}
		if !result.OK {
			c.Reach.Latch(idx)
			c.Reach.Latch(result.ErrorIndex)
			return true, nil
		}
		defer func() {
			c.Sleep(c.Cfg.ResetRouterSettle)
			c.Drv.StopRouting(ctx, idx)
		}()
	}

	busIdx, berr := c.Drv.GetBusIndexOfRoutingNode(ctx, idx)
	if berr != nil {
		c.Reach.Latch(idx)
		return true, nil
	}
	t, ok := c.Classifier.Classify(idx, busIdx)
	if !ok {
		return false, nil
	}

	var resetErr error
	switch t.Protocol {
	case sysdef.FlashloaderOpenSyde:
		if resetErr = c.Drv.ReConnectNode(ctx, t.Address); resetErr == nil {
			resetErr = c.Drv.EcuReset(ctx, t.Address, driver.ResetKeyOffOn)
		}
		c.Drv.DisconnectNode(ctx, t.Address)
	case sysdef.FlashloaderStw:
		if serr := c.resetStwBusOnce(ctx, busIdx); serr != nil {
			resetErr = wrapDriverErr(serr)
		}
	default:
		return false, nil
	}

	if resetErr != nil {
		if driver.IsTimeout(resetErr) {
			c.Reach.Latch(idx)
		}
		xlog.Warnf(t.Address, "reset failed: %v", resetErr)
		return true, nil
	}
	return false, nil
}

func (c *Coordinator) resetStwBusOnce(ctx context.Context, busIdx sysdef.BusIndex) error {
	if c.stwBusDone == nil {
		c.stwBusDone = make(map[sysdef.BusIndex]bool)
	}
	if c.stwBusDone[busIdx] {
		return nil
	}
	c.stwBusDone[busIdx] = true
	return c.Drv.SendStwNetReset(ctx, busIdx)
}
