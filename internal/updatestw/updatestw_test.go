package updatestw_test

import (
	"context"
	"testing"

	"github.com/opensyde-tools/sysupdate/internal/driversim"
	"github.com/opensyde-tools/sysupdate/internal/progress"
	"github.com/opensyde-tools/sysupdate/internal/sysdef"
	"github.com/opensyde-tools/sysupdate/internal/updatestw"
	"github.com/opensyde-tools/sysupdate/internal/xerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAddr() sysdef.NodeAddress { return sysdef.NodeAddress{BusID: 3, NodeID: 4} }

func TestFlashNodeStwHappyPath(t *testing.T) {
	drv := driversim.New()
	run := progress.NewRun(progress.NopSink{})
	u := updatestw.New(drv, run)

	err := u.FlashNodeStw(context.Background(), testAddr(), []string{"a.syde_hex", "b.syde_hex"})
	require.NoError(t, err)

	var flashCalls int
	for _, c := range drv.Calls() {
		if c.Method == "SendStwDoFlash" {
			flashCalls++
		}
	}
	assert.Equal(t, 2, flashCalls)
}

func TestFlashNodeStwTimeoutMapsToTimeoutKind(t *testing.T) {
	drv := driversim.New()
	drv.TimeoutOn["SendStwDoFlash@"+testAddr().String()] = true
	run := progress.NewRun(progress.NopSink{})
	u := updatestw.New(drv, run)

	err := u.FlashNodeStw(context.Background(), testAddr(), []string{"a.syde_hex"})
	require.Error(t, err)
	assert.Equal(t, xerr.Timeout, xerr.KindOf(err))
}

type abortingSink struct{ progress.NopSink }

func (abortingSink) Report(e progress.Event) bool { return true }

func TestFlashNodeStwAbortVoteMapsToBusy(t *testing.T) {
	drv := driversim.New()
	run := progress.NewRun(abortingSink{})
	u := updatestw.New(drv, run)

	err := u.FlashNodeStw(context.Background(), testAddr(), []string{"a.syde_hex"})
	require.Error(t, err)
	assert.Equal(t, xerr.Busy, xerr.KindOf(err))
}
