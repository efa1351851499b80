// Package driver declares the Communication Driver contract: transport and
// service primitives for both flashloader protocols, plus routing
// primitives. This is an external collaborator — the engine consumes it,
// never implements it — a single interface a concrete backend satisfies,
// rather than a registry, since a deployment wires in exactly one
// concrete driver.
package driver

import (
	"context"
	"errors"
	"time"

	"github.com/opensyde-tools/sysupdate/internal/sysdef"
)

// ErrTimeout is returned (possibly wrapped, via fmt.Errorf's %w or
// errors.Join) by any Driver method whose polling timeout elapsed before
// the target responded. The engine relies on this to distinguish a timeout
// from any other communication failure.
var ErrTimeout = errors.New("driver: polling timeout exceeded")

// IsTimeout reports whether err is, or wraps, ErrTimeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// ResetType selects the kind of ECU reset requested.
type ResetType int

const (
	ResetToFlashloader ResetType = iota
	ResetKeyOffOn
)

// RoutingResult is the outcome of StartRouting: success, or the index
// of the hop that failed.
type RoutingResult struct {
	OK         bool
	ErrorIndex sysdef.NodeIndex
}

// IsRoutingNecessary's three-way result.
type RoutingNecessity int

const (
	RoutingNoAct RoutingNecessity = iota // node is on the local bus
	RoutingOK
	RoutingErr
)

// XflProgress is one progress callback emitted by SendStwDoFlash's
// monolithic internal state machine; the engine forwards these to
// the Progress Sink and maps an abort vote of true to xerr.Busy.
type XflProgress struct {
	PercentComplete int
	Info            string
}

// OsySession tracks openSYDE session state for whichever node is
// currently connected: the last security level successfully requested,
// so EnsureSecurityLevel can skip a redundant SetSecurityLevel call. A
// zero-value session has no level recorded yet and will always call
// through on first use. Callers construct a fresh OsySession per
// connection — security level does not survive a disconnect.
type OsySession struct {
	level    int
	hasLevel bool
}

// EnsureSecurityLevel calls drv.SetSecurityLevel(ctx, addr, level) unless
// the session already recorded that exact level as active, and records
// the new level on success.
func (s *OsySession) EnsureSecurityLevel(ctx context.Context, drv Driver, addr sysdef.NodeAddress, level int) error {
	if s.hasLevel && s.level == level {
		return nil
	}
	if err := drv.SetSecurityLevel(ctx, addr, level); err != nil {
		return err
	}
	s.level = level
	s.hasLevel = true
	return nil
}

// Driver is the single-owner communication/transport collaborator. All
// methods operate on "the currently connected node" where applicable; the
// engine is responsible for Reconnect/Disconnect bracketing and for never
// calling two service methods concurrently.
type Driver interface {
	// --- broadcast / network-wide ---
	// ClearQueue discards any buffered inbound/outbound driver traffic
	// before a fresh activation pass begins.
	ClearQueue(ctx context.Context) error
	BroadcastRequestProgramming(ctx context.Context) error
	BroadcastEcuReset(ctx context.Context, kind ResetType) error
	CanBroadcastEnterPreProgrammingSession(ctx context.Context) error
	BroadcastStwRequestNodeReset(ctx context.Context) error
	BroadcastStwSendFlash(ctx context.Context) error

	// --- openSYDE flashloader primitives ---
	SetPreProgrammingMode(ctx context.Context, addr sysdef.NodeAddress) error
	SetProgrammingMode(ctx context.Context, addr sysdef.NodeAddress) error
	SetSecurityLevel(ctx context.Context, addr sysdef.NodeAddress, level int) error
	ReadDeviceName(ctx context.Context, addr sysdef.NodeAddress) (string, error)
	ReadAllFlashBlockData(ctx context.Context, addr sysdef.NodeAddress) ([]sysdef.HexArea, error)
	ReadInformationFromFlashloader(ctx context.Context, addr sysdef.NodeAddress) (sysdef.OsyDeviceInfo, error)
	CheckFlashMemoryAvailable(ctx context.Context, addr sysdef.NodeAddress, offset uint32, length uint32) error
	RequestDownload(ctx context.Context, addr sysdef.NodeAddress, offset uint32, length uint32) (maxBlockLength int, err error)
	TransferData(ctx context.Context, addr sysdef.NodeAddress, sequenceCounter uint8, payload []byte) error
	RequestTransferExitAddressBased(ctx context.Context, addr sysdef.NodeAddress, checkSignature bool, signatureAddress uint32) error
	RequestFileTransfer(ctx context.Context, addr sysdef.NodeAddress, basename string, length int64) (maxBlockLength int, err error)
	RequestTransferExitFileBased(ctx context.Context, addr sysdef.NodeAddress, crc32 uint32) error
	WriteApplicationSoftwareFingerprint(ctx context.Context, addr sysdef.NodeAddress, date, tm [3]byte, userName string) error
	EcuReset(ctx context.Context, addr sysdef.NodeAddress, kind ResetType) error
	ReConnectNode(ctx context.Context, addr sysdef.NodeAddress) error
	DisconnectNode(ctx context.Context, addr sysdef.NodeAddress) error

	// --- STW flashloader primitives ---
	SendStwRequestNodeReset(ctx context.Context, addr sysdef.NodeAddress) error
	SendStwSendFlash(ctx context.Context, addr sysdef.NodeAddress) error
	SendStwWakeupLocalId(ctx context.Context, addr sysdef.NodeAddress) error
	SendStwReadDeviceInformation(ctx context.Context, addr sysdef.NodeAddress) (sysdef.StwDeviceInfo, error)
	SendStwDoFlash(ctx context.Context, addr sysdef.NodeAddress, path string, onProgress func(XflProgress) (abort bool)) error
	SendStwNetReset(ctx context.Context, busIndex sysdef.BusIndex) error

	// --- routing primitives ---
	IsRoutingNecessary(ctx context.Context, node sysdef.NodeIndex) (RoutingNecessity, error)
	GetBusIndexOfRoutingNode(ctx context.Context, node sysdef.NodeIndex) (sysdef.BusIndex, error)
	StartRouting(ctx context.Context, node sysdef.NodeIndex) (RoutingResult, error)
	StopRouting(ctx context.Context, node sysdef.NodeIndex)
	GetRoutingPointCount(ctx context.Context, node sysdef.NodeIndex) (int, error)
	GetRoutingPointMaximum(ctx context.Context) (int, error)
	// RouteNodes returns every node index on node's route (the hops a
	// timeout on node also latches), used by the Reachability Tracker.
	RouteNodes(ctx context.Context, node sysdef.NodeIndex) ([]sysdef.NodeIndex, error)

	// --- polling timeout, a driver-global scoped resource ---
	SetPollingTimeout(ctx context.Context, d time.Duration)
	ResetPollingTimeout(ctx context.Context)
}
