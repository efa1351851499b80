package progress_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/opensyde-tools/sysupdate/internal/progress"
	"github.com/opensyde-tools/sysupdate/internal/sysdef"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []progress.Event
}

func (s *recordingSink) Report(e progress.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return false
}
func (s *recordingSink) ReportWarning(*sysdef.NodeAddress, string)            {}
func (s *recordingSink) OnOsyInfoRead(sysdef.OsyDeviceInfo, sysdef.NodeIndex) {}
func (s *recordingSink) OnStwInfoRead(sysdef.StwDeviceInfo, sysdef.NodeIndex) {}

func TestRunStampsEveryEventWithItsRunID(t *testing.T) {
	sink := &recordingSink{}
	run := progress.NewRun(sink)

	run.Report(progress.Event{Step: progress.StepReset, Percent: 0})
	run.Report(progress.Event{Step: progress.StepReset, Percent: 100})

	require.Len(t, sink.events, 2)
	assert.Equal(t, run.ID, sink.events[0].RunID)
	assert.Equal(t, run.ID, sink.events[1].RunID)
}

func TestRunElapsedTracksStartStopNode(t *testing.T) {
	sink := &recordingSink{}
	run := progress.NewRun(sink)

	run.StartNode(0)
	run.StopNode(0)

	_, stillTracked := run.Elapsed[0]
	assert.True(t, stillTracked)

	// StopNode without a matching StartNode is a no-op, not a panic.
	run.StopNode(1)
	_, ok := run.Elapsed[1]
	assert.False(t, ok)
}

func TestNopSinkNeverAborts(t *testing.T) {
	var sink progress.Sink = progress.NopSink{}
	assert.False(t, sink.Report(progress.Event{}))
}

func TestBroadcastPairRunsNonNilSideAndSkipsNilSide(t *testing.T) {
	var osyCalled, stwCalled bool
	var mu sync.Mutex

	err := progress.BroadcastPair(context.Background(),
		func(context.Context) error { mu.Lock(); osyCalled = true; mu.Unlock(); return nil },
		nil,
	)
	assert.NoError(t, err)
	assert.True(t, osyCalled)
	assert.False(t, stwCalled)
}

func TestBroadcastPairPropagatesFirstError(t *testing.T) {
	wantErr := fmt.Errorf("osy broadcast failed")
	err := progress.BroadcastPair(context.Background(),
		func(context.Context) error { return wantErr },
		func(context.Context) error { return nil },
	)
	assert.ErrorIs(t, err, wantErr)
}
