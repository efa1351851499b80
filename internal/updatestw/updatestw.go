// Package updatestw implements the STW flashloader updater: each file is
// handed wholesale to the driver's monolithic SendStwDoFlash,
// which drives its own internal state machine and reports progress through
// a callback the engine forwards to the Progress Sink.
package updatestw

import (
	"context"

	"github.com/opensyde-tools/sysupdate/internal/driver"
	"github.com/opensyde-tools/sysupdate/internal/progress"
	"github.com/opensyde-tools/sysupdate/internal/sysdef"
	"github.com/opensyde-tools/sysupdate/internal/xerr"
)

// Updater flashes STW nodes.
type Updater struct {
	Drv driver.Driver
	Run *progress.Run
}

// New builds an Updater.
func New(drv driver.Driver, run *progress.Run) *Updater {
	return &Updater{Drv: drv, Run: run}
}

// FlashNodeStw flashes every file in files to addr, in order. A driver
// timeout maps to xerr.Timeout and any other driver failure to xerr.Com;
// an abort vote raised while forwarding XFL progress maps to xerr.Busy.
func (u *Updater) FlashNodeStw(ctx context.Context, addr sysdef.NodeAddress, files []string) error {
	u.Run.Report(progress.Event{Step: progress.StepFlashFile, Percent: 0, Addr: &addr})

	for _, path := range files {
		if err := u.flashOne(ctx, addr, path); err != nil {
			return err
		}
	}

	u.Run.Report(progress.Event{Step: progress.StepFlashFile, Percent: 100, Addr: &addr})
	return nil
}

func (u *Updater) flashOne(ctx context.Context, addr sysdef.NodeAddress, path string) error {
	var aborted bool
	onProgress := func(p driver.XflProgress) bool {
		if aborted {
			return true
		}
		abort := u.Run.Report(progress.Event{
			Step:    progress.StepFlashFile,
			Percent: p.PercentComplete,
			Addr:    &addr,
			Info:    p.Info,
		})
		if abort {
			aborted = true
		}
		return abort
	}

	if err := u.Drv.SendStwDoFlash(ctx, addr, path, onProgress); err != nil {
		if aborted {
			return xerr.New(xerr.Busy, "aborted while flashing %s: %v", path, err)
		}
		if driver.IsTimeout(err) {
			return xerr.Wrap(xerr.Timeout, err)
		}
		return xerr.Wrap(xerr.Com, err)
	}
	if aborted {
		return xerr.New(xerr.Busy, "aborted while flashing %s", path)
	}
	return nil
}
