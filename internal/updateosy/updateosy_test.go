package updateosy_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/opensyde-tools/sysupdate/internal/driversim"
	"github.com/opensyde-tools/sysupdate/internal/progress"
	"github.com/opensyde-tools/sysupdate/internal/sysdef"
	"github.com/opensyde-tools/sysupdate/internal/updateosy"
	"github.com/opensyde-tools/sysupdate/internal/xerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeParser struct {
	images map[string]sysdef.HexImage
	errs   map[string]error
}

func (p *fakeParser) Parse(path string) (sysdef.HexImage, error) {
	if err, ok := p.errs[path]; ok {
		return sysdef.HexImage{}, err
	}
	return p.images[path], nil
}

type fakeClock struct {
	now  time.Time
	name string
	err  error
}

func (c fakeClock) Now() time.Time            { return c.now }
func (c fakeClock) UserName() (string, error) { return c.name, c.err }

func testAddr() sysdef.NodeAddress { return sysdef.NodeAddress{BusID: 1, NodeID: 7} }

func newUpdater(drv *driversim.Fake, parser *fakeParser) *updateosy.Updater {
	run := progress.NewRun(progress.NopSink{})
	u := updateosy.New(drv, parser, run)
	u.Clock = fakeClock{now: time.Now(), name: "tester"}
	return u
}

func TestFlashNodeOsyHexNoFilesIsNoAct(t *testing.T) {
	drv := driversim.New()
	u := newUpdater(drv, &fakeParser{})

	err := u.FlashNodeOsyHex(context.Background(), testAddr(), nil, false, time.Second, time.Second)
	require.Error(t, err)
	assert.Equal(t, xerr.NoAct, xerr.KindOf(err))
}

func TestFlashNodeOsyHexDeviceNameMismatch(t *testing.T) {
	drv := driversim.New()
	drv.DeviceNames[testAddr()] = "ECU-A"
	parser := &fakeParser{images: map[string]sysdef.HexImage{
		"fw.hex": {DeclaredDeviceName: "ECU-B"},
	}}
	u := newUpdater(drv, parser)

	err := u.FlashNodeOsyHex(context.Background(), testAddr(), []string{"fw.hex"}, false, time.Second, time.Second)
	require.Error(t, err)
	assert.Equal(t, xerr.Overflow, xerr.KindOf(err))
}

func TestFlashNodeOsyHexHappyPathSingleArea(t *testing.T) {
	drv := driversim.New()
	drv.MaxBlockLength = 10
	drv.DeviceNames[testAddr()] = "ECU-A"
	parser := &fakeParser{images: map[string]sysdef.HexImage{
		"fw.hex": {
			DeclaredDeviceName: "ECU-A",
			Areas:              []sysdef.HexArea{{Offset: 0x1000, Bytes: make([]byte, 12)}},
			SignatureAddress:   0x1000,
		},
	}}
	u := newUpdater(drv, parser)

	err := u.FlashNodeOsyHex(context.Background(), testAddr(), []string{"fw.hex"}, false, time.Second, time.Second)
	require.NoError(t, err)

	var transfers int
	for _, c := range drv.Calls() {
		if c.Method == "TransferData" {
			transfers++
		}
	}
	// chunkSize = maxBlockLength(10) - 5 = 5; 12 bytes -> 3 chunks (5,5,2)
	assert.Equal(t, 3, transfers)
}

func TestFlashNodeOsyHexTimeoutMapsToTimeoutKind(t *testing.T) {
	drv := driversim.New()
	drv.MaxBlockLength = 10
	drv.DeviceNames[testAddr()] = "ECU-A"
	drv.TimeoutOn["RequestDownload@"+testAddr().String()] = true
	parser := &fakeParser{images: map[string]sysdef.HexImage{
		"fw.hex": {
			DeclaredDeviceName: "ECU-A",
			Areas:              []sysdef.HexArea{{Offset: 0, Bytes: make([]byte, 4)}},
		},
	}}
	u := newUpdater(drv, parser)

	err := u.FlashNodeOsyHex(context.Background(), testAddr(), []string{"fw.hex"}, false, time.Second, time.Second)
	require.Error(t, err)
	assert.Equal(t, xerr.Timeout, xerr.KindOf(err))
}

func TestWriteFingerprintFallsBackToUnknownUserName(t *testing.T) {
	drv := driversim.New()
	drv.MaxBlockLength = 10
	drv.DeviceNames[testAddr()] = "ECU-A"
	parser := &fakeParser{images: map[string]sysdef.HexImage{
		"fw.hex": {DeclaredDeviceName: "ECU-A", Areas: []sysdef.HexArea{{Bytes: make([]byte, 2)}}},
	}}
	run := progress.NewRun(progress.NopSink{})
	u := updateosy.New(drv, parser, run)
	u.Clock = fakeClock{now: time.Now(), err: assertErr{}}

	err := u.FlashNodeOsyHex(context.Background(), testAddr(), []string{"fw.hex"}, false, time.Second, time.Second)
	require.NoError(t, err)

	for _, c := range drv.Calls() {
		if c.Method == "WriteApplicationSoftwareFingerprint" {
			assert.Contains(t, c.Args, "user=unknown")
			return
		}
	}
	t.Fatal("WriteApplicationSoftwareFingerprint was never called")
}

type assertErr struct{}

func (assertErr) Error() string { return "no current user" }

// TestFlashNodeOsyHexTransferDataSequenceWraps drives transferArea past 256
// chunks (chunkSize 1, 300-byte area) to exercise the 0xFF -> 0x00 sequence
// counter wrap.
func TestFlashNodeOsyHexTransferDataSequenceWraps(t *testing.T) {
	drv := driversim.New()
	drv.MaxBlockLength = 6 // chunkSize = maxBlockLength(6) - 5 = 1
	drv.DeviceNames[testAddr()] = "ECU-A"
	const totalBytes = 300
	parser := &fakeParser{images: map[string]sysdef.HexImage{
		"fw.hex": {
			DeclaredDeviceName: "ECU-A",
			Areas:              []sysdef.HexArea{{Offset: 0, Bytes: make([]byte, totalBytes)}},
		},
	}}
	u := newUpdater(drv, parser)

	err := u.FlashNodeOsyHex(context.Background(), testAddr(), []string{"fw.hex"}, false, time.Second, time.Second)
	require.NoError(t, err)

	var seqs []int
	for _, c := range drv.Calls() {
		if c.Method != "TransferData" {
			continue
		}
		var seq, length int
		_, serr := fmt.Sscanf(c.Args, "seq=%d len=%d", &seq, &length)
		require.NoError(t, serr)
		seqs = append(seqs, seq)
	}
	require.Len(t, seqs, totalBytes)
	assert.Equal(t, 1, seqs[0])
	assert.Equal(t, 255, seqs[254]) // last chunk before the wrap (0xFF)
	assert.Equal(t, 0, seqs[255])   // wrapped
	assert.Equal(t, 1, seqs[256])
}

// abortAfterSink votes to abort starting with its (n+1)th Report call, so
// tests can let a few chunks flow through before aborting mid-transfer.
type abortAfterSink struct {
	progress.NopSink
	n     int
	calls int
}

func (s *abortAfterSink) Report(progress.Event) bool {
	s.calls++
	return s.calls > s.n
}

// TestFlashNodeOsyHexAbortVoteDuringTransferMapsToBusy exercises the Progress
// Sink abort vote mid-transfer: a few TransferData calls succeed, then the
// Sink votes to abort and FlashNodeOsyHex must map that to xerr.Busy without
// completing the area.
func TestFlashNodeOsyHexAbortVoteDuringTransferMapsToBusy(t *testing.T) {
	drv := driversim.New()
	drv.MaxBlockLength = 10 // chunkSize = 5
	drv.DeviceNames[testAddr()] = "ECU-A"
	parser := &fakeParser{images: map[string]sysdef.HexImage{
		"fw.hex": {
			DeclaredDeviceName: "ECU-A",
			Areas:              []sysdef.HexArea{{Offset: 0, Bytes: make([]byte, 50)}}, // 10 chunks
		},
	}}
	sink := &abortAfterSink{n: 5} // fingerprint report + file entry + area check + 2 chunks pass, then abort
	run := progress.NewRun(sink)
	u := updateosy.New(drv, parser, run)
	u.Clock = fakeClock{now: time.Now(), name: "tester"}

	err := u.FlashNodeOsyHex(context.Background(), testAddr(), []string{"fw.hex"}, false, time.Second, time.Second)
	require.Error(t, err)
	assert.Equal(t, xerr.Busy, xerr.KindOf(err))

	var transfers int
	for _, c := range drv.Calls() {
		if c.Method == "TransferData" {
			transfers++
		}
	}
	assert.Greater(t, transfers, 0, "some chunks should have been sent before the abort vote")
	assert.Less(t, transfers, 10, "the abort vote should have cut the transfer short")
}
