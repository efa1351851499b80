// Package devinfo implements the Device-Info Reader: a per-node read of
// identity, flash blocks, fingerprint and flashloader version, delivered
// to the Progress Sink's detail callbacks.
package devinfo

import (
	"context"

	"github.com/opensyde-tools/sysupdate/internal/classify"
	"github.com/opensyde-tools/sysupdate/internal/driver"
	"github.com/opensyde-tools/sysupdate/internal/progress"
	"github.com/opensyde-tools/sysupdate/internal/reach"
	"github.com/opensyde-tools/sysupdate/internal/sysdef"
	"github.com/opensyde-tools/sysupdate/internal/xerr"
	"github.com/opensyde-tools/sysupdate/internal/xlog"
)

// SecurityLevelForInfoRead is the access level the openSYDE path requests
// before reading flash blocks.
const SecurityLevelForInfoRead = 1

// Reader drives ReadDeviceInformation.
type Reader struct {
	Drv        driver.Driver
	Def        *sysdef.SystemDefinition
	Classifier *classify.Classifier
	Reach      *reach.Tracker
	Run        *progress.Run
}

// New builds a Reader.
func New(drv driver.Driver, def *sysdef.SystemDefinition, cl *classify.Classifier, rt *reach.Tracker, run *progress.Run) *Reader {
	return &Reader{Drv: drv, Def: def, Classifier: cl, Reach: rt, Run: run}
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

// ReadDeviceInformation visits every node in definition order.
func (r *Reader) ReadDeviceInformation(ctx context.Context, failOnFirstError bool) error {
	if r.Run.Report(progress.Event{Step: progress.StepReadDeviceInfo, Percent: 0}) {
		return xerr.New(xerr.Busy, "aborted at entry")
	}

	anyFailed := false
	for i := range r.Def.Nodes {
		idx := sysdef.NodeIndex(i)
		failed, err := r.readOne(ctx, idx)
		if err != nil {
			return err
		}
		if failed {
			anyFailed = true
			if failOnFirstError {
				return xerr.New(xerr.Timeout, "node %d failed device-information read", idx)
			}
		}
	}

	r.Run.Report(progress.Event{Step: progress.StepReadDeviceInfo, Percent: 100})
	if anyFailed {
		return xerr.New(xerr.Warn, "at least one node failed device-information read")
	}
	return nil
}

func (r *Reader) readOne(ctx context.Context, idx sysdef.NodeIndex) (failed bool, err error) {
	if !r.Reach.IsReachable(ctx, idx) {
		r.Reach.Latch(idx)
		return true, nil
	}

	necessity, rerr := r.Drv.IsRoutingNecessary(ctx, idx)
	if rerr != nil {
		return false, wrapDriverErr(rerr)
	}
	routed := necessity == driver.RoutingOK
	if routed {
		result, rerr := r.Drv.StartRouting(ctx, idx)
		if rerr != nil {
			return false, wrapDriverErr(rerr)
		}
		if !result.OK {
			r.Reach.Latch(idx)
			r.Reach.Latch(result.ErrorIndex)
			return true, nil
		}
		defer r.Drv.StopRouting(ctx, idx)
	}

	busIdx, berr := r.Drv.GetBusIndexOfRoutingNode(ctx, idx)
	if berr != nil {
		return false, wrapDriverErr(berr)
	}
	t, ok := r.Classifier.Classify(idx, busIdx)
	if !ok {
		return false, nil
	}

	node := r.Def.Nodes[idx]
	switch t.Protocol {
	case sysdef.FlashloaderOpenSyde:
		return r.readOsy(ctx, idx, node, t.Address)
	case sysdef.FlashloaderStw:
		return r.readStw(ctx, idx, t.Address)
	default:
		return false, nil
	}
}

func (r *Reader) readOsy(ctx context.Context, idx sysdef.NodeIndex, node sysdef.Node, addr sysdef.NodeAddress) (failed bool, err error) {
	defer r.Drv.DisconnectNode(ctx, addr)

	steps := []func() error{
		func() error { return r.Drv.ReConnectNode(ctx, addr) },
		func() error { return r.Drv.SetPreProgrammingMode(ctx, addr) },
	}
	for _, step := range steps {
		if serr := step(); serr != nil {
			return r.failOrLatch(idx, serr), nil
		}
	}

	name, nerr := r.Drv.ReadDeviceName(ctx, addr)
	if nerr != nil {
		return r.failOrLatch(idx, nerr), nil
	}
	var sess driver.OsySession
	if serr := sess.EnsureSecurityLevel(ctx, r.Drv, addr, SecurityLevelForInfoRead); serr != nil {
		return r.failOrLatch(idx, serr), nil
	}

	var blocks []sysdef.HexArea
	if !node.DeviceDefinition.FlashloaderIsFileBased {
		blocks, err = r.Drv.ReadAllFlashBlockData(ctx, addr)
		if err != nil {
			return r.failOrLatch(idx, err), nil
		}
	}

	info, ierr := r.Drv.ReadInformationFromFlashloader(ctx, addr)
	if ierr != nil {
		return r.failOrLatch(idx, ierr), nil
	}
	info.DeviceName = name
	info.FlashBlocks = blocks

	r.Run.OnOsyInfoRead(info, idx)
	return false, nil
}

func (r *Reader) readStw(ctx context.Context, idx sysdef.NodeIndex, addr sysdef.NodeAddress) (failed bool, err error) {
	if werr := r.Drv.SendStwWakeupLocalId(ctx, addr); werr != nil {
		return r.failOrLatch(idx, werr), nil
	}
	info, ierr := r.Drv.SendStwReadDeviceInformation(ctx, addr)
	if ierr != nil {
		return r.failOrLatch(idx, ierr), nil
	}
	r.Run.OnStwInfoRead(info, idx)
	return false, nil
}

func (r *Reader) failOrLatch(idx sysdef.NodeIndex, cause error) bool {
	if driver.IsTimeout(cause) {
		r.Reach.Latch(idx)
	}
	xlog.Warnf(idx, "device-information read failed: %v", cause)
	return true
}
