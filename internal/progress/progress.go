// Package progress is the engine's Progress Sink: a single observer
// threaded through a whole sequence, reporting structured progress
// events and casting an abort vote on each one. One event shape covers
// both anonymous, sequence-global events and per-node events.
package progress

import (
	"time"

	"github.com/google/uuid"
	"github.com/opensyde-tools/sysupdate/internal/sysdef"
)

// Step is drawn from the closed enumeration of stages a sequence reports
// at.
type Step int

const (
	StepActivateLocalBus Step = iota
	StepActivateRouted
	StepReadDeviceInfo
	StepUpdateNode
	StepFlashFingerprint
	StepFlashArea
	StepFlashFile
	StepReset
)

var stepNames = [...]string{
	"activate-local-bus",
	"activate-routed",
	"read-device-info",
	"update-node",
	"flash-fingerprint",
	"flash-area",
	"flash-file",
	"reset",
}

func (s Step) String() string {
	if int(s) < 0 || int(s) >= len(stepNames) {
		return "unknown"
	}
	return stepNames[s]
}

// Result is the coarse outcome (ok, warn, fail) a completed step ended
// with. It is a separate type rather than xerr.Kind so progress stays free
// of the error package and can report success steps without allocating an
// *xerr.Error.
type Result int

const (
	ResultOk Result = iota
	ResultWarn
	ResultFail
)

// Event is the single event shape every sequence reports through,
// covering both anonymous, sequence-global events and per-node events.
type Event struct {
	RunID   uuid.UUID
	Step    Step
	Result  Result
	Percent int
	Addr    *sysdef.NodeAddress // nil for anonymous, sequence-global events
	Info    string
}

// Sink is the engine's observer port. Report returns the abort vote: true
// means the caller must unwind with xerr.Busy at the next suspension
// point.
type Sink interface {
	Report(e Event) (abort bool)
	// ReportWarning records a recoverable anomaly that does not by itself
	// change a sequence's Result (distinct from the Warn Result reserved for
	// partial sequence failure).
	ReportWarning(addr *sysdef.NodeAddress, info string)
	OnOsyInfoRead(info sysdef.OsyDeviceInfo, node sysdef.NodeIndex)
	OnStwInfoRead(info sysdef.StwDeviceInfo, node sysdef.NodeIndex)
}

// Run correlates every event of one call to a public sequence (RunID) and
// tracks the per-node elapsed-time accounting that supplements it.
type Run struct {
	ID        uuid.UUID
	sink      Sink
	starts    map[sysdef.NodeIndex]time.Time
	Elapsed   map[sysdef.NodeIndex]time.Duration
}

// NewRun starts a new correlated run against sink.
func NewRun(sink Sink) *Run {
	return &Run{
		ID:      uuid.New(),
		sink:    sink,
		starts:  make(map[sysdef.NodeIndex]time.Time),
		Elapsed: make(map[sysdef.NodeIndex]time.Duration),
	}
}

// Report forwards e (stamped with this run's ID) to the underlying sink.
func (r *Run) Report(e Event) bool {
	e.RunID = r.ID
	return r.sink.Report(e)
}

// ReportWarning forwards to the underlying sink.
func (r *Run) ReportWarning(addr *sysdef.NodeAddress, info string) {
	r.sink.ReportWarning(addr, info)
}

// OnOsyInfoRead forwards to the underlying sink.
func (r *Run) OnOsyInfoRead(info sysdef.OsyDeviceInfo, node sysdef.NodeIndex) {
	r.sink.OnOsyInfoRead(info, node)
}

// OnStwInfoRead forwards to the underlying sink.
func (r *Run) OnStwInfoRead(info sysdef.StwDeviceInfo, node sysdef.NodeIndex) {
	r.sink.OnStwInfoRead(info, node)
}

// StartNode begins elapsed-time tracking for node.
func (r *Run) StartNode(node sysdef.NodeIndex) {
	r.starts[node] = time.Now()
}

// StopNode ends elapsed-time tracking for node and records the duration.
func (r *Run) StopNode(node sysdef.NodeIndex) {
	if start, ok := r.starts[node]; ok {
		r.Elapsed[node] = time.Since(start)
		delete(r.starts, node)
	}
}

// NopSink discards every event and never votes to abort. Useful as a
// default when a caller doesn't care about progress.
type NopSink struct{}

func (NopSink) Report(Event) bool                                        { return false }
func (NopSink) ReportWarning(*sysdef.NodeAddress, string)                 {}
func (NopSink) OnOsyInfoRead(sysdef.OsyDeviceInfo, sysdef.NodeIndex)      {}
func (NopSink) OnStwInfoRead(sysdef.StwDeviceInfo, sysdef.NodeIndex)      {}
