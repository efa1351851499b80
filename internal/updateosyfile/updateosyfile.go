// Package updateosyfile implements the openSYDE file-based updater: opaque
// files are streamed to the target through
// RequestFileTransfer/TransferData/TransferExit while accumulating a
// rolling CRC32, grounded on backend/b2/upload.go's hashAppendingReader —
// a reader wrapped to track a hash incrementally across a chunked
// transfer loop.
package updateosyfile

import (
	"context"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/opensyde-tools/sysupdate/internal/driver"
	"github.com/opensyde-tools/sysupdate/internal/progress"
	"github.com/opensyde-tools/sysupdate/internal/sysdef"
	"github.com/opensyde-tools/sysupdate/internal/xerr"
)

// Updater flashes file-based openSYDE nodes.
type Updater struct {
	Drv driver.Driver
	Run *progress.Run
}

// New builds an Updater.
func New(drv driver.Driver, run *progress.Run) *Updater {
	return &Updater{Drv: drv, Run: run}
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

// FlashNodeOsyFile flashes a file-based image to addr for every file in
// files, in order. Only the basename of each local path is ever sent to
// the server: callers may pass paths with arbitrary directory components.
func (u *Updater) FlashNodeOsyFile(ctx context.Context, addr sysdef.NodeAddress, files []string, reqTransferTimeout, transferDataTimeout time.Duration) error {
	for _, f := range files {
		if err := u.flashOne(ctx, addr, f, reqTransferTimeout, transferDataTimeout); err != nil {
			return err
		}
	}
	return nil
}

func (u *Updater) flashOne(ctx context.Context, addr sysdef.NodeAddress, path string, reqTransferTimeout, transferDataTimeout time.Duration) (err error) {
	u.Run.Report(progress.Event{Step: progress.StepFlashFile, Percent: 0, Addr: &addr})

	f, oerr := os.Open(path)
	if oerr != nil {
		return xerr.Wrap(xerr.RdWr, oerr)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = xerr.Wrap(xerr.RdWr, cerr)
		}
	}()

	size, serr := f.Seek(0, io.SeekEnd)
	if serr != nil {
		return xerr.Wrap(xerr.RdWr, serr)
	}
	if _, serr := f.Seek(0, io.SeekStart); serr != nil {
		return xerr.Wrap(xerr.RdWr, serr)
	}

	if u.Run.Report(progress.Event{Step: progress.StepFlashFile, Percent: 0, Addr: &addr}) {
		return xerr.New(xerr.Busy, "aborted before RequestFileTransfer")
	}

	basename := filepath.Base(path)
	var maxBlockLength int
	err = withPollingTimeout(ctx, u.Drv, reqTransferTimeout, func() error {
		var rerr error
		maxBlockLength, rerr = u.Drv.RequestFileTransfer(ctx, addr, basename, size)
		return rerr
	})
	if err != nil {
		return wrapDriverErr(err)
	}

	var crc uint32
	err = withPollingTimeout(ctx, u.Drv, transferDataTimeout, func() error {
		var terr error
		crc, terr = u.transferFile(ctx, addr, f, size, maxBlockLength)
		return terr
	})
	if err != nil {
		return err
	}

	if err := u.Drv.RequestTransferExitFileBased(ctx, addr, crc); err != nil {
		return wrapDriverErr(err)
	}
	u.Run.Report(progress.Event{Step: progress.StepFlashFile, Percent: 100, Addr: &addr})
	return nil
}

// transferFile streams f in chunkSize pieces, accumulating the CRC32 with
// crc32.Update, which folds the init 0xFFFFFFFF / final-xor 0xFFFFFFFF of
// the standard algorithm into every call: starting the running
// value at 0 and threading it across chunks reproduces the same checksum
// crc32.ChecksumIEEE would give the whole file.
func (u *Updater) transferFile(ctx context.Context, addr sysdef.NodeAddress, f *os.File, size int64, maxBlockLength int) (uint32, error) {
	chunkSize := maxBlockLength - 5
	if chunkSize <= 0 {
		return 0, xerr.New(xerr.Config, "max_block_length %d too small for a 5-byte header", maxBlockLength)
	}
	buf := make([]byte, chunkSize)
	var crc uint32
	seq := uint8(1)
	var sent int64

	for sent < size {
		percent := 0
		if size > 0 {
			percent = int(sent * 100 / size)
		}
		if u.Run.Report(progress.Event{Step: progress.StepFlashFile, Percent: percent, Addr: &addr}) {
			return 0, xerr.New(xerr.Busy, "aborted during transfer")
		}

		remaining := size - sent
		n := int64(chunkSize)
		if remaining < n {
			n = remaining
		}
		read, rerr := io.ReadFull(f, buf[:n])
		if rerr != nil {
			return 0, xerr.Wrap(xerr.RdWr, rerr)
		}
		slice := buf[:read]

		if err := u.Drv.TransferData(ctx, addr, seq, slice); err != nil {
			return 0, wrapDriverErr(err)
		}
		crc = crc32.Update(crc, crc32.IEEETable, slice)

		if seq == 0xFF {
			seq = 0x00
		} else {
			seq++
		}
		sent += int64(read)
	}
	return crc, nil
}

func withPollingTimeout(ctx context.Context, drv driver.Driver, d time.Duration, fn func() error) error {
	drv.SetPollingTimeout(ctx, d)
	defer drv.ResetPollingTimeout(ctx)
	return fn()
}
