// Package engine is the Orchestrator: the only package that
// wires every other internal component together and exposes the four
// public sequences a host calls — ActivateFlashloader, ReadDeviceInformation,
// UpdateSystem, ResetSystem.
package engine

import (
	"context"
	"os"
	"time"

	"github.com/opensyde-tools/sysupdate/internal/activate"
	"github.com/opensyde-tools/sysupdate/internal/classify"
	"github.com/opensyde-tools/sysupdate/internal/devinfo"
	"github.com/opensyde-tools/sysupdate/internal/driver"
	"github.com/opensyde-tools/sysupdate/internal/engcfg"
	"github.com/opensyde-tools/sysupdate/internal/progress"
	"github.com/opensyde-tools/sysupdate/internal/reach"
	"github.com/opensyde-tools/sysupdate/internal/reset"
	"github.com/opensyde-tools/sysupdate/internal/sysdef"
	"github.com/opensyde-tools/sysupdate/internal/updateosy"
	"github.com/opensyde-tools/sysupdate/internal/updateosyfile"
	"github.com/opensyde-tools/sysupdate/internal/updatestw"
	"github.com/opensyde-tools/sysupdate/internal/xerr"
	"github.com/opensyde-tools/sysupdate/internal/xlog"
)

// Engine owns the SystemDefinition, the shared ActiveNodes/TimeoutNodes
// masks, and one instance of every component. SystemDefinition and
// ActiveNodes are set once at construction and are immutable thereafter.
type Engine struct {
	Drv      driver.Driver
	Def      *sysdef.SystemDefinition
	Active   sysdef.NodeMask
	LocalBus sysdef.BusIndex
	Cfg      engcfg.Options
	Parser   updateosy.HexParser
	Sink     progress.Sink

	cl    *classify.Classifier
	reach *reach.Tracker
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

// New builds an Engine: def and active are adopted as-is and never mutated
// by the Engine itself. parser is the external hex-file reader; sink is the
// external Progress Sink.
func New(drv driver.Driver, def *sysdef.SystemDefinition, active sysdef.NodeMask, localBus sysdef.BusIndex, cfg engcfg.Options, parser updateosy.HexParser, sink progress.Sink) *Engine {
	timeouts := sysdef.NewNodeMask(len(def.Nodes))
	return &Engine{
		Drv:      drv,
		Def:      def,
		Active:   active,
		LocalBus: localBus,
		Cfg:      cfg,
		Parser:   parser,
		Sink:     sink,
		cl:       classify.New(def, active),
		reach:    reach.New(drv, timeouts),
	}
}

// ActivateFlashloader puts every active node into its flashloader,
// broadcasting on the local bus and routing to every other node.
func (e *Engine) ActivateFlashloader(ctx context.Context, failOnFirstError bool) error {
	run := progress.NewRun(e.Sink)
	a := activate.New(e.Drv, e.Def, e.Active, e.cl, e.reach, e.Cfg, e.LocalBus, run)
	return a.ActivateFlashloader(ctx, failOnFirstError)
}

// ReadDeviceInformation collects device info from every active node.
func (e *Engine) ReadDeviceInformation(ctx context.Context, failOnFirstError bool) error {
	run := progress.NewRun(e.Sink)
	r := devinfo.New(e.Drv, e.Def, e.cl, e.reach, run)
	return r.ReadDeviceInformation(ctx, failOnFirstError)
}

// ResetSystem resets every active node, deepest route first.
func (e *Engine) ResetSystem(ctx context.Context, failOnFirstError bool) error {
	run := progress.NewRun(e.Sink)
	rc := reset.New(e.Drv, e.Def, e.Active, e.cl, e.reach, e.Cfg, run)
	return rc.ResetSystem(ctx, failOnFirstError)
}

// UpdateSystem validates jobs and updateOrder, then
// drives each node through routing, classification and protocol dispatch
// in updateOrder, stopping and propagating on the first error.
func (e *Engine) UpdateSystem(ctx context.Context, jobs []sysdef.FlashJob, updateOrder sysdef.UpdateOrder) error {
	if err := e.validateUpdate(jobs, updateOrder); err != nil {
		return err
	}

	run := progress.NewRun(e.Sink)
	osyUpdater := updateosy.New(e.Drv, e.Parser, run)
	osyFileUpdater := updateosyfile.New(e.Drv, run)
	stwUpdater := updatestw.New(e.Drv, run)

	for _, idx := range updateOrder {
		if err := e.updateOne(ctx, idx, jobs[idx], run, osyUpdater, osyFileUpdater, stwUpdater); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) validateUpdate(jobs []sysdef.FlashJob, updateOrder sysdef.UpdateOrder) error {
	if len(jobs) != len(e.Def.Nodes) {
		return xerr.New(xerr.Overflow, "jobs size %d does not match node count %d", len(jobs), len(e.Def.Nodes))
	}

	haveFiles := make(map[sysdef.NodeIndex]bool)
	for i, node := range e.Def.Nodes {
		idx := sysdef.NodeIndex(i)
		job := jobs[i]
		if len(job.FilesToFlash) == 0 {
			continue
		}
		haveFiles[idx] = true
		if !e.Active.Get(idx) {
			return xerr.New(xerr.NoAct, "node %q has files but is not active", node.Name)
		}
		for _, f := range job.FilesToFlash {
			if _, err := os.Stat(f); err != nil {
				return xerr.New(xerr.RdWr, "node %q: file %q not found: %v", node.Name, f, err)
			}
		}
	}

	if len(updateOrder) != len(haveFiles) {
		return xerr.New(xerr.Overflow, "update_order has %d entries, expected %d nodes with files", len(updateOrder), len(haveFiles))
	}
	seen := make(map[sysdef.NodeIndex]bool, len(updateOrder))
	for _, idx := range updateOrder {
		if seen[idx] {
			return xerr.New(xerr.Overflow, "update_order repeats index %d", idx)
		}
		seen[idx] = true
		if !haveFiles[idx] {
			return xerr.New(xerr.NoAct, "update_order names node %d, which has no files to flash", idx)
		}
	}
	return nil
}

func (e *Engine) updateOne(ctx context.Context, idx sysdef.NodeIndex, job sysdef.FlashJob, run *progress.Run, osyUpdater *updateosy.Updater, osyFileUpdater *updateosyfile.Updater, stwUpdater *updatestw.Updater) (err error) {
	node := e.Def.Nodes[idx]
	run.StartNode(idx)
	defer run.StopNode(idx)

	if run.Report(progress.Event{Step: progress.StepUpdateNode, Percent: 10}) {
		return xerr.New(xerr.Busy, "aborted before node %d", idx)
	}

	if !e.reach.IsReachable(ctx, idx) {
		e.reach.Latch(idx)
		return xerr.New(xerr.Timeout, "node %d unreachable", idx)
	}

	necessity, rerr := e.Drv.IsRoutingNecessary(ctx, idx)
	if rerr != nil {
		return wrapDriverErr(rerr)
	}
	routed := necessity == driver.RoutingOK
	if routed {
		result, rerr := e.Drv.StartRouting(ctx, idx)
		if rerr != nil {
			return wrapDriverErr(rerr)
		}
		if !result.OK {
			e.reach.Latch(idx)
			e.reach.Latch(result.ErrorIndex)
			return xerr.New(xerr.Timeout, "routing to node %d failed at hop %d", idx, result.ErrorIndex)
		}
		defer e.Drv.StopRouting(ctx, idx)
	}

	busIdx, berr := e.Drv.GetBusIndexOfRoutingNode(ctx, idx)
	if berr != nil {
		return wrapDriverErr(berr)
	}
	t, ok := e.cl.Classify(idx, busIdx)
	if !ok {
		return xerr.New(xerr.NoAct, "node %d is not a classifiable update target on its route", idx)
	}

	isEthernet := e.Def.Buses[busIdx].Type == sysdef.BusEthernet
	reqDownload := time.Duration(node.DeviceDefinition.RequestDownloadTimeout) * time.Millisecond
	transferData := time.Duration(node.DeviceDefinition.TransferDataTimeout) * time.Millisecond

	switch {
	case t.Protocol == sysdef.FlashloaderOpenSyde && node.DeviceDefinition.FlashloaderIsFileBased:
		err = osyFileUpdater.FlashNodeOsyFile(ctx, t.Address, job.FilesToFlash, reqDownload, transferData)
	case t.Protocol == sysdef.FlashloaderOpenSyde:
		err = osyUpdater.FlashNodeOsyHex(ctx, t.Address, job.FilesToFlash, isEthernet, reqDownload, transferData)
	case t.Protocol == sysdef.FlashloaderStw:
		err = stwUpdater.FlashNodeStw(ctx, t.Address, job.FilesToFlash)
	default:
		return xerr.New(xerr.NoAct, "node %d speaks no recognised flashloader protocol", idx)
	}
	if err != nil {
		if xerr.Is(err, xerr.Timeout) {
			e.reach.Latch(idx)
		}
		xlog.Errorf(t.Address, "update failed: %v", err)
		return err
	}

	if run.Report(progress.Event{Step: progress.StepUpdateNode, Percent: 100, Addr: &t.Address}) {
		return xerr.New(xerr.Busy, "aborted after node %d", idx)
	}
	return nil
}
