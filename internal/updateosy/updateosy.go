// Package updateosy implements the openSYDE address-based updater: hex
// images are parsed up front, checked against the target's declared
// device name and flash layout, fingerprinted, then flashed area by area
// via RequestDownload/TransferData/TransferExit.
package updateosy

import (
	"context"
	"errors"
	"fmt"
	"os/user"
	"strings"
	"time"

	"github.com/opensyde-tools/sysupdate/internal/driver"
	"github.com/opensyde-tools/sysupdate/internal/progress"
	"github.com/opensyde-tools/sysupdate/internal/sysdef"
	"github.com/opensyde-tools/sysupdate/internal/xerr"
)

// ErrNoSignature is returned by a HexParser when an image has no
// signature block, mapped to xerr.Config.
var ErrNoSignature = errors.New("hex image missing signature block")

// ProgrammingSecurityLevel is the access level requested before flashing.
const ProgrammingSecurityLevel = 3

// HexParser is the external collaborator that turns a file path into a
// parsed HexImage.
type HexParser interface {
	Parse(path string) (sysdef.HexImage, error)
}

// Clock supplies the current date/time/user-name for the fingerprint.
// Exposed as a port so tests can stub it.
type Clock interface {
	Now() time.Time
	UserName() (string, error)
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

// SystemClock is the production Clock, backed by os/user and time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
func (SystemClock) UserName() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	return u.Username, nil
}

// Updater flashes address-based openSYDE nodes.
type Updater struct {
	Drv    driver.Driver
	Parser HexParser
	Clock  Clock
	Run    *progress.Run
}

// New builds an Updater with a SystemClock.
func New(drv driver.Driver, parser HexParser, run *progress.Run) *Updater {
	return &Updater{Drv: drv, Parser: parser, Clock: SystemClock{}, Run: run}
}

// FlashNodeOsyHex flashes an address-based image to the currently-
// flashloader node addr, using reqDownloadTimeout/transferDataTimeout from
// the node's device definition and isEthernet to decide whether to
// reconnect.
func (u *Updater) FlashNodeOsyHex(ctx context.Context, addr sysdef.NodeAddress, files []string, isEthernet bool, reqDownloadTimeout, transferDataTimeout time.Duration) (err error) {
	if len(files) == 0 {
		return xerr.New(xerr.NoAct, "no files to flash for %s", addr)
	}

	images := make([]sysdef.HexImage, len(files))
	for i, f := range files {
		img, perr := u.Parser.Parse(f)
		if perr != nil {
			if errors.Is(perr, ErrNoSignature) {
				return xerr.Wrap(xerr.Config, fmt.Errorf("%s: %w", f, perr))
			}
			return xerr.Wrap(xerr.RdWr, fmt.Errorf("load %s: %w", f, perr))
		}
		images[i] = img
	}

	if isEthernet {
		if err := u.Drv.ReConnectNode(ctx, addr); err != nil {
			return wrapDriverErr(err)
		}
	}

	deviceName, err := u.Drv.ReadDeviceName(ctx, addr)
	if err != nil {
		return wrapDriverErr(err)
	}
	for i, img := range images {
		if strings.TrimSpace(deviceName) != strings.TrimSpace(img.DeclaredDeviceName) {
			return xerr.New(xerr.Overflow, "device name mismatch for %s (file %d %q): target=%q image=%q",
				addr, i, files[i], deviceName, img.DeclaredDeviceName)
		}
	}

	if err := u.Drv.SetProgrammingMode(ctx, addr); err != nil {
		return wrapDriverErr(err)
	}
	var sess driver.OsySession
	if err := sess.EnsureSecurityLevel(ctx, u.Drv, addr, ProgrammingSecurityLevel); err != nil {
		return wrapDriverErr(err)
	}
	for _, img := range images {
		for _, area := range img.Areas {
			if err := u.Drv.CheckFlashMemoryAvailable(ctx, addr, area.Offset, uint32(len(area.Bytes))); err != nil {
				return wrapDriverErr(err)
			}
		}
	}

	if err := u.writeFingerprint(ctx, addr); err != nil {
		return err
	}

	for _, img := range images {
		if err := u.flashFile(ctx, addr, img, reqDownloadTimeout, transferDataTimeout); err != nil {
			return err
		}
	}

	u.Drv.DisconnectNode(ctx, addr)
	return nil
}

func (u *Updater) writeFingerprint(ctx context.Context, addr sysdef.NodeAddress) error {
	now := u.Clock.Now()
	date := [3]byte{byte(now.Year() % 100), byte(now.Month()), byte(now.Day())}
	tm := [3]byte{byte(now.Hour()), byte(now.Minute()), byte(now.Second())}

	name, uerr := u.Clock.UserName()
	if uerr != nil || name == "" {
		name = "unknown"
		u.Run.ReportWarning(&addr, "could not determine OS user name for fingerprint, using \"unknown\"")
	}

	if err := u.Drv.WriteApplicationSoftwareFingerprint(ctx, addr, date, tm, name); err != nil {
		return wrapDriverErr(err)
	}
	u.Run.Report(progress.Event{Step: progress.StepFlashFingerprint, Percent: 30, Addr: &addr})
	return nil
}

func (u *Updater) flashFile(ctx context.Context, addr sysdef.NodeAddress, img sysdef.HexImage, reqDownloadTimeout, transferDataTimeout time.Duration) error {
	u.Run.Report(progress.Event{Step: progress.StepFlashArea, Percent: 0, Addr: &addr})

	total := img.TotalBytes()
	flashed := 0

	for areaIdx, area := range img.Areas {
		percent := 0
		if total > 0 {
			percent = flashed * 100 / total
		}
		if u.Run.Report(progress.Event{Step: progress.StepFlashArea, Percent: percent, Addr: &addr}) {
			return xerr.New(xerr.Busy, "aborted before RequestDownload")
		}

		var maxBlockLength int
		err := withPollingTimeout(ctx, u.Drv, reqDownloadTimeout, func() error {
			var rerr error
			maxBlockLength, rerr = u.Drv.RequestDownload(ctx, addr, area.Offset, uint32(len(area.Bytes)))
			return rerr
		})
		if err != nil {
			return wrapDriverErr(err)
		}

		err = withPollingTimeout(ctx, u.Drv, transferDataTimeout, func() error {
			return u.transferArea(ctx, addr, area, maxBlockLength, total, &flashed)
		})
		if err != nil {
			return err
		}

		last := areaIdx == len(img.Areas)-1
		if last {
			err = u.Drv.RequestTransferExitAddressBased(ctx, addr, true, img.SignatureAddress)
		} else {
			err = u.Drv.RequestTransferExitAddressBased(ctx, addr, false, 0)
		}
		if err != nil {
			return wrapDriverErr(err)
		}
	}

	u.Run.Report(progress.Event{Step: progress.StepFlashArea, Percent: 100, Addr: &addr})
	return nil
}

// transferArea runs the chunked TransferData loop for one area, wrapping
// the sequence counter 0xFF -> 0x00.
func (u *Updater) transferArea(ctx context.Context, addr sysdef.NodeAddress, area sysdef.HexArea, maxBlockLength, total int, flashed *int) error {
	seq := uint8(1)
	chunkSize := maxBlockLength - 5
	if chunkSize <= 0 {
		return xerr.New(xerr.Config, "max_block_length %d too small for a 5-byte header", maxBlockLength)
	}
	pos := 0
	for pos < len(area.Bytes) {
		percent := 0
		if total > 0 {
			percent = *flashed * 100 / total
		}
		if u.Run.Report(progress.Event{Step: progress.StepFlashArea, Percent: percent, Addr: &addr}) {
			return xerr.New(xerr.Busy, "aborted during transfer")
		}
		end := pos + chunkSize
		if end > len(area.Bytes) {
			end = len(area.Bytes)
		}
		slice := area.Bytes[pos:end]
		if err := u.Drv.TransferData(ctx, addr, seq, slice); err != nil {
			return wrapDriverErr(err)
		}
		if seq == 0xFF {
			seq = 0x00
		} else {
			seq++
		}
		pos = end
		*flashed += len(slice)
	}
	return nil
}

// withPollingTimeout brackets fn with SetPollingTimeout/ResetPollingTimeout,
// guaranteeing the reset on every exit path.
func withPollingTimeout(ctx context.Context, drv driver.Driver, d time.Duration, fn func() error) error {
	drv.SetPollingTimeout(ctx, d)
	defer drv.ResetPollingTimeout(ctx)
	return fn()
}
