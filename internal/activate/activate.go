// Package activate implements the Flashloader Activator: the network-wide
// transition from application to flashloader mode, local bus first, then
// routed nodes.
package activate

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

// Sleeper abstracts time.Sleep so tests can run the activation timing
// loops without real wall-clock delay.
type Sleeper func(d time.Duration)

// Activator drives ActivateFlashloader.
type Activator struct {
	Drv        driver.Driver
	Def        *sysdef.SystemDefinition
	Active     sysdef.NodeMask
	Classifier *classify.Classifier
	Reach      *reach.Tracker
	Cfg        engcfg.Options
	LocalBus   sysdef.BusIndex
	Run        *progress.Run
	Sleep      Sleeper
}

// New builds an Activator with a real time.Sleep.
func New(drv driver.Driver, def *sysdef.SystemDefinition, active sysdef.NodeMask, cl *classify.Classifier, rt *reach.Tracker, cfg engcfg.Options, localBus sysdef.BusIndex, run *progress.Run) *Activator {
	return &Activator{Drv: drv, Def: def, Active: active, Classifier: cl, Reach: rt, Cfg: cfg, LocalBus: localBus, Run: run, Sleep: time.Sleep}
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

// ActivateFlashloader runs both phases of activation: confirming every
// locally-reachable node, then routing to and confirming every other one.
func (a *Activator) ActivateFlashloader(ctx context.Context, failOnFirstError bool) error {
	if a.Run.Report(progress.Event{Step: progress.StepActivateLocalBus, Percent: 0}) {
		return xerr.New(xerr.Busy, "aborted at entry")
	}

	if err := a.Drv.ClearQueue(ctx); err != nil {
		return wrapDriverErr(err)
	}
	a.Reach.Timeouts.Clear()

	anyFailed := false

	if err := a.phase1LocalBus(ctx); err != nil {
		return err
	}
	failed, err := a.phase1ConfirmLocal(ctx)
	if err != nil {
		return err
	}
	anyFailed = anyFailed || failed

	failed, err = a.phase2Routed(ctx)
	if err != nil {
		return err
	}
	anyFailed = anyFailed || failed

	a.Run.Report(progress.Event{Step: progress.StepActivateLocalBus, Percent: 100})

	if anyFailed {
		if failOnFirstError {
			return xerr.New(xerr.Com, "at least one node failed to activate")
		}
		return xerr.New(xerr.Warn, "at least one node failed to activate")
	}
	return nil
}

// localProtocolPresence reports whether any active node has an openSYDE or
// STW interface on the local bus.
func (a *Activator) localProtocolPresence(ctx context.Context) (hasOsy, hasStw bool) {
	for i := range a.Def.Nodes {
		t, ok := a.Classifier.Classify(sysdef.NodeIndex(i), a.LocalBus)
		if !ok {
			continue
		}
		switch t.Protocol {
		case sysdef.FlashloaderOpenSyde:
			hasOsy = true
		case sysdef.FlashloaderStw:
			hasStw = true
		}
	}
	return
}

func (a *Activator) phase1LocalBus(ctx context.Context) error {
	hasOsy, hasStw := a.localProtocolPresence(ctx)

	if hasOsy {
		if err := a.Drv.BroadcastRequestProgramming(ctx); err != nil {
			return wrapDriverErr(err)
		}
		if err := a.Drv.BroadcastEcuReset(ctx, driver.ResetToFlashloader); err != nil {
			return wrapDriverErr(err)
		}
	}
	if hasStw {
		if err := a.Drv.BroadcastStwRequestNodeReset(ctx); err != nil {
			return wrapDriverErr(err)
		}
	}

	bus := a.Def.Buses[a.LocalBus]
	if bus.Type == sysdef.BusCAN {
		deadline := a.Cfg.ActivationBroadcastLoop
		elapsed := time.Duration(0)
		for elapsed < deadline {
			var osyFn, stwFn func(context.Context) error
			if hasOsy {
				osyFn = a.Drv.CanBroadcastEnterPreProgrammingSession
			}
			if hasStw {
				stwFn = a.Drv.BroadcastStwSendFlash
			}
			if err := progress.BroadcastPair(ctx, osyFn, stwFn); err != nil {
				return wrapDriverErr(err)
			}
			a.Sleep(a.Cfg.ActivationBroadcastTick)
			elapsed += a.Cfg.ActivationBroadcastTick
		}
	} else {
		a.Sleep(a.Cfg.EthernetNICSettle)
	}
	return nil
}

// phase1ConfirmLocal confirms every locally-reachable, non-routed target is
// now in flashloader mode.
func (a *Activator) phase1ConfirmLocal(ctx context.Context) (anyFailed bool, err error) {
	bus := a.Def.Buses[a.LocalBus]
	for i, node := range a.Def.Nodes {
		idx := sysdef.NodeIndex(i)
		t, ok := a.Classifier.Classify(idx, a.LocalBus)
		if !ok || !node.IsUpdateTarget() {
			continue
		}
		necessity, rerr := a.Drv.IsRoutingNecessary(ctx, idx)
		if rerr != nil {
			return anyFailed, wrapDriverErr(rerr)
		}
		if necessity != driver.RoutingNoAct {
			continue // routed, handled in phase 2
		}

		var confirmErr error
		switch t.Protocol {
		case sysdef.FlashloaderOpenSyde:
			if bus.Type == sysdef.BusEthernet {
				confirmErr = a.Drv.ReConnectNode(ctx, t.Address)
			}
			if confirmErr == nil {
				confirmErr = a.Drv.SetPreProgrammingMode(ctx, t.Address)
			}
		case sysdef.FlashloaderStw:
			confirmErr = a.Drv.SendStwWakeupLocalId(ctx, t.Address)
		default:
			continue
		}
		if confirmErr != nil {
			anyFailed = true
			if driver.IsTimeout(confirmErr) {
				a.Reach.Latch(idx)
			}
			xlog.Warnf(t.Address, "activation confirm failed: %v", confirmErr)
		}
		a.Drv.DisconnectNode(ctx, t.Address)
	}
	return anyFailed, nil
}

// phase2Routed activates every active node whose bus is not the local bus.
func (a *Activator) phase2Routed(ctx context.Context) (anyFailed bool, err error) {
	for i, node := range a.Def.Nodes {
		idx := sysdef.NodeIndex(i)
		if !a.Active.Get(idx) || !node.IsUpdateTarget() {
			continue
		}
		if _, onLocal := node.InterfaceOnBus(a.LocalBus); onLocal {
			continue // handled in phase 1
		}

		if !a.Reach.IsReachable(ctx, idx) {
			a.Reach.Latch(idx)
			anyFailed = true
			continue
		}

		result, rerr := a.Drv.StartRouting(ctx, idx)
		if rerr != nil {
			return anyFailed, wrapDriverErr(rerr)
		}
		if !result.OK {
			a.Reach.Latch(idx)
			a.Reach.Latch(result.ErrorIndex)
			anyFailed = true
			continue
		}

		failed := a.activateRoutedNode(ctx, idx)
		anyFailed = anyFailed || failed
		a.Drv.StopRouting(ctx, idx)
	}
	return anyFailed, nil
}

func (a *Activator) activateRoutedNode(ctx context.Context, idx sysdef.NodeIndex) (failed bool) {
	busIdx, err := a.Drv.GetBusIndexOfRoutingNode(ctx, idx)
	if err != nil {
		a.Reach.Latch(idx)
		return true
	}
	t, ok := a.Classifier.Classify(idx, busIdx)
	if !ok {
		return false
	}

	var actErr error
	switch t.Protocol {
	case sysdef.FlashloaderOpenSyde:
		if actErr = a.Drv.BroadcastRequestProgramming(ctx); actErr == nil {
			actErr = a.Drv.EcuReset(ctx, t.Address, driver.ResetToFlashloader)
		}
		if actErr == nil {
			a.Sleep(a.Cfg.RoutedResetSettle)
			actErr = a.Drv.ReConnectNode(ctx, t.Address)
		}
		if actErr == nil {
			actErr = a.Drv.SetPreProgrammingMode(ctx, t.Address)
		}
	case sysdef.FlashloaderStw:
		if actErr = a.Drv.SendStwRequestNodeReset(ctx, t.Address); actErr == nil {
			deadline := a.Cfg.StwWakeupLoop
			elapsed := time.Duration(0)
			for elapsed < deadline {
				if actErr = a.Drv.BroadcastStwSendFlash(ctx); actErr != nil {
					break
				}
				a.Sleep(a.Cfg.StwWakeupTick)
				elapsed += a.Cfg.StwWakeupTick
			}
			if actErr == nil {
				actErr = a.Drv.SendStwWakeupLocalId(ctx, t.Address)
			}
		}
	default:
		return false
	}

	if actErr != nil {
		if driver.IsTimeout(actErr) {
			a.Reach.Latch(idx)
		}
		xlog.Warnf(t.Address, "routed activation failed: %v", actErr)
		return true
	}
	return false
}
