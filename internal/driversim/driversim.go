// Package driversim is a scripted, in-memory Driver double used by the
// engine's test suite to assert routing, timeout-latching and protocol
// dispatch without any real CAN/Ethernet transport: a mutex-guarded
// struct that records every call it receives and answers from
// caller-populated fields, the same shape as a hand-written interface
// fake backed by recorded-call flags and scripted results.
package driversim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opensyde-tools/sysupdate/internal/driver"
	"github.com/opensyde-tools/sysupdate/internal/sysdef"
)

// Call is one recorded invocation, in arrival order.
type Call struct {
	Method string
	Addr   sysdef.NodeAddress // zero value if the call is node-less
	Args   string
}

// Topology describes one node's place in the simulated network, keyed by
// sysdef.NodeIndex to match SystemDefinition.
type Topology struct {
	Bus          sysdef.BusIndex
	Address      sysdef.NodeAddress
	Necessity    driver.RoutingNecessity
	Route        []sysdef.NodeIndex // hops a RouteNodes query returns
	RoutingDepth int                // GetRoutingPointCount
}

// Fake is a single-owner scripted Driver. Its mutex guards the recorded
// calls and routing counters, since the broadcast fan-out may call it from
// two goroutines at once.
type Fake struct {
	mu sync.Mutex

	Topo map[sysdef.NodeIndex]Topology

	// DeviceNames answers ReadDeviceName.
	DeviceNames map[sysdef.NodeAddress]string
	// MaxBlockLength answers RequestDownload/RequestFileTransfer.
	MaxBlockLength int

	// TimeoutOn scripts a Timeout failure for "Method@addr" (addr formatted
	// via sysdef.NodeAddress.String()); matched calls return an error
	// wrapping driver.ErrTimeout, which the engine's latching logic detects
	// via driver.IsTimeout. StartRouting is the exception: a matched
	// StartRouting returns a failed RoutingResult (ErrorIndex = the node
	// itself) and no error.
	TimeoutOn map[string]bool
	// FailOn scripts a generic communication failure for "Method@addr".
	FailOn map[string]error

	calls        []Call
	startRouting map[sysdef.NodeIndex]int
	stopRouting  map[sysdef.NodeIndex]int
	xflCalls     int
}

// New builds an empty Fake; callers populate Topo/DeviceNames/etc. directly.
func New() *Fake {
	return &Fake{
		Topo:         make(map[sysdef.NodeIndex]Topology),
		DeviceNames:  make(map[sysdef.NodeAddress]string),
		TimeoutOn:    make(map[string]bool),
		FailOn:       make(map[string]error),
		startRouting: make(map[sysdef.NodeIndex]int),
		stopRouting:  make(map[sysdef.NodeIndex]int),
	}
}

// ErrTimeout is not returned by any Fake method: calls scripted via
// TimeoutOn wrap driver.ErrTimeout instead (see scripted).
var ErrTimeout = fmt.Errorf("driversim: scripted timeout")

func key(method string, addr sysdef.NodeAddress) string {
	return method + "@" + addr.String()
}

func (f *Fake) record(method string, addr sysdef.NodeAddress, args string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Method: method, Addr: addr, Args: args})
}

// Calls returns every recorded call, in order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// RoutingBalance returns, for node, the (start, stop) call counts recorded
// so far.
func (f *Fake) RoutingBalance(node sysdef.NodeIndex) (start, stop int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startRouting[node], f.stopRouting[node]
}

func (f *Fake) scripted(method string, addr sysdef.NodeAddress) error {
	k := key(method, addr)
	if f.TimeoutOn[k] {
		return fmt.Errorf("driversim: %s: %w", k, driver.ErrTimeout)
	}
	if err, ok := f.FailOn[k]; ok {
		return err
	}
	return nil
}

// --- broadcast / network-wide ---

func (f *Fake) ClearQueue(ctx context.Context) error {
	f.record("ClearQueue", sysdef.NodeAddress{}, "")
	return nil
}

func (f *Fake) BroadcastRequestProgramming(ctx context.Context) error {
	f.record("BroadcastRequestProgramming", sysdef.NodeAddress{}, "")
	return nil
}

func (f *Fake) BroadcastEcuReset(ctx context.Context, kind driver.ResetType) error {
	f.record("BroadcastEcuReset", sysdef.NodeAddress{}, fmt.Sprintf("kind=%d", kind))
	return nil
}

func (f *Fake) CanBroadcastEnterPreProgrammingSession(ctx context.Context) error {
	f.record("PreProgrammingSession", sysdef.NodeAddress{}, "")
	return nil
}

func (f *Fake) BroadcastStwRequestNodeReset(ctx context.Context) error {
	f.record("BroadcastStwRequestNodeReset", sysdef.NodeAddress{}, "")
	return nil
}

func (f *Fake) BroadcastStwSendFlash(ctx context.Context) error {
	f.record("BroadcastStwSendFlash", sysdef.NodeAddress{}, "")
	return nil
}

// --- openSYDE primitives ---

func (f *Fake) SetPreProgrammingMode(ctx context.Context, addr sysdef.NodeAddress) error {
	f.record("SetPreProgrammingMode", addr, "")
	return f.scripted("SetPreProgrammingMode", addr)
}

func (f *Fake) SetProgrammingMode(ctx context.Context, addr sysdef.NodeAddress) error {
	f.record("SetProgrammingMode", addr, "")
	return f.scripted("SetProgrammingMode", addr)
}

func (f *Fake) SetSecurityLevel(ctx context.Context, addr sysdef.NodeAddress, level int) error {
	f.record("SetSecurityLevel", addr, fmt.Sprintf("level=%d", level))
	return f.scripted("SetSecurityLevel", addr)
}

func (f *Fake) ReadDeviceName(ctx context.Context, addr sysdef.NodeAddress) (string, error) {
	f.record("ReadDeviceName", addr, "")
	if err := f.scripted("ReadDeviceName", addr); err != nil {
		return "", err
	}
	return f.DeviceNames[addr], nil
}

func (f *Fake) ReadAllFlashBlockData(ctx context.Context, addr sysdef.NodeAddress) ([]sysdef.HexArea, error) {
	f.record("ReadAllFlashBlockData", addr, "")
	return nil, f.scripted("ReadAllFlashBlockData", addr)
}

func (f *Fake) ReadInformationFromFlashloader(ctx context.Context, addr sysdef.NodeAddress) (sysdef.OsyDeviceInfo, error) {
	f.record("ReadInformationFromFlashloader", addr, "")
	if err := f.scripted("ReadInformationFromFlashloader", addr); err != nil {
		return sysdef.OsyDeviceInfo{}, err
	}
	return sysdef.OsyDeviceInfo{DeviceName: f.DeviceNames[addr]}, nil
}

func (f *Fake) CheckFlashMemoryAvailable(ctx context.Context, addr sysdef.NodeAddress, offset uint32, length uint32) error {
	f.record("CheckFlashMemoryAvailable", addr, fmt.Sprintf("offset=%d length=%d", offset, length))
	return f.scripted("CheckFlashMemoryAvailable", addr)
}

func (f *Fake) RequestDownload(ctx context.Context, addr sysdef.NodeAddress, offset uint32, length uint32) (int, error) {
	f.record("RequestDownload", addr, fmt.Sprintf("offset=%d length=%d", offset, length))
	if err := f.scripted("RequestDownload", addr); err != nil {
		return 0, err
	}
	return f.MaxBlockLength, nil
}

func (f *Fake) TransferData(ctx context.Context, addr sysdef.NodeAddress, sequenceCounter uint8, payload []byte) error {
	f.record("TransferData", addr, fmt.Sprintf("seq=%d len=%d", sequenceCounter, len(payload)))
	return f.scripted("TransferData", addr)
}

func (f *Fake) RequestTransferExitAddressBased(ctx context.Context, addr sysdef.NodeAddress, checkSignature bool, signatureAddress uint32) error {
	f.record("RequestTransferExitAddressBased", addr, fmt.Sprintf("checkSignature=%v sigAddr=%d", checkSignature, signatureAddress))
	return f.scripted("RequestTransferExitAddressBased", addr)
}

func (f *Fake) RequestFileTransfer(ctx context.Context, addr sysdef.NodeAddress, basename string, length int64) (int, error) {
	f.record("RequestFileTransfer", addr, fmt.Sprintf("basename=%s length=%d", basename, length))
	if err := f.scripted("RequestFileTransfer", addr); err != nil {
		return 0, err
	}
	return f.MaxBlockLength, nil
}

func (f *Fake) RequestTransferExitFileBased(ctx context.Context, addr sysdef.NodeAddress, crc32 uint32) error {
	f.record("RequestTransferExitFileBased", addr, fmt.Sprintf("crc32=%08x", crc32))
	return f.scripted("RequestTransferExitFileBased", addr)
}

func (f *Fake) WriteApplicationSoftwareFingerprint(ctx context.Context, addr sysdef.NodeAddress, date, tm [3]byte, userName string) error {
	f.record("WriteApplicationSoftwareFingerprint", addr, fmt.Sprintf("user=%s", userName))
	return f.scripted("WriteApplicationSoftwareFingerprint", addr)
}

func (f *Fake) EcuReset(ctx context.Context, addr sysdef.NodeAddress, kind driver.ResetType) error {
	f.record("EcuReset", addr, fmt.Sprintf("kind=%d", kind))
	return f.scripted("EcuReset", addr)
}

func (f *Fake) ReConnectNode(ctx context.Context, addr sysdef.NodeAddress) error {
	f.record("ReconnectNode", addr, "")
	return f.scripted("ReConnectNode", addr)
}

func (f *Fake) DisconnectNode(ctx context.Context, addr sysdef.NodeAddress) error {
	f.record("DisconnectNode", addr, "")
	return f.scripted("DisconnectNode", addr)
}

// --- STW primitives ---

func (f *Fake) SendStwRequestNodeReset(ctx context.Context, addr sysdef.NodeAddress) error {
	f.record("SendStwRequestNodeReset", addr, "")
	return f.scripted("SendStwRequestNodeReset", addr)
}

func (f *Fake) SendStwSendFlash(ctx context.Context, addr sysdef.NodeAddress) error {
	f.record("SendStwSendFlash", addr, "")
	return f.scripted("SendStwSendFlash", addr)
}

func (f *Fake) SendStwWakeupLocalId(ctx context.Context, addr sysdef.NodeAddress) error {
	f.record("SendStwWakeupLocalId", addr, "")
	return f.scripted("SendStwWakeupLocalId", addr)
}

func (f *Fake) SendStwReadDeviceInformation(ctx context.Context, addr sysdef.NodeAddress) (sysdef.StwDeviceInfo, error) {
	f.record("SendStwReadDeviceInformation", addr, "")
	if err := f.scripted("SendStwReadDeviceInformation", addr); err != nil {
		return sysdef.StwDeviceInfo{}, err
	}
	return sysdef.StwDeviceInfo{DeviceName: f.DeviceNames[addr], ChecksumOK: true}, nil
}

func (f *Fake) SendStwDoFlash(ctx context.Context, addr sysdef.NodeAddress, path string, onProgress func(driver.XflProgress) bool) error {
	f.mu.Lock()
	f.xflCalls++
	f.mu.Unlock()
	f.record("SendStwDoFlash", addr, fmt.Sprintf("path=%s", path))
	if err := f.scripted("SendStwDoFlash", addr); err != nil {
		return err
	}
	if onProgress(driver.XflProgress{PercentComplete: 50, Info: "flashing"}) {
		return fmt.Errorf("driversim: aborted by sink")
	}
	onProgress(driver.XflProgress{PercentComplete: 100, Info: "done"})
	return nil
}

func (f *Fake) SendStwNetReset(ctx context.Context, busIndex sysdef.BusIndex) error {
	f.record("SendStwNetReset", sysdef.NodeAddress{BusID: uint8(busIndex)}, "")
	return nil
}

// --- routing primitives ---

func (f *Fake) IsRoutingNecessary(ctx context.Context, node sysdef.NodeIndex) (driver.RoutingNecessity, error) {
	return f.Topo[node].Necessity, nil
}

func (f *Fake) GetBusIndexOfRoutingNode(ctx context.Context, node sysdef.NodeIndex) (sysdef.BusIndex, error) {
	return f.Topo[node].Bus, nil
}

func (f *Fake) StartRouting(ctx context.Context, node sysdef.NodeIndex) (driver.RoutingResult, error) {
	f.mu.Lock()
	f.startRouting[node]++
	f.mu.Unlock()
	f.record("StartRouting", f.Topo[node].Address, "")
	if f.TimeoutOn[key("StartRouting", f.Topo[node].Address)] {
		return driver.RoutingResult{OK: false, ErrorIndex: node}, nil
	}
	return driver.RoutingResult{OK: true}, nil
}

func (f *Fake) StopRouting(ctx context.Context, node sysdef.NodeIndex) {
	f.mu.Lock()
	f.stopRouting[node]++
	f.mu.Unlock()
	f.record("StopRouting", f.Topo[node].Address, "")
}

func (f *Fake) GetRoutingPointCount(ctx context.Context, node sysdef.NodeIndex) (int, error) {
	return f.Topo[node].RoutingDepth, nil
}

func (f *Fake) GetRoutingPointMaximum(ctx context.Context) (int, error) {
	return 8, nil
}

func (f *Fake) RouteNodes(ctx context.Context, node sysdef.NodeIndex) ([]sysdef.NodeIndex, error) {
	return f.Topo[node].Route, nil
}

// --- polling timeout ---

func (f *Fake) SetPollingTimeout(ctx context.Context, d time.Duration) {
	f.record("SetPollingTimeout", sysdef.NodeAddress{}, d.String())
}

func (f *Fake) ResetPollingTimeout(ctx context.Context) {
	f.record("ResetPollingTimeout", sysdef.NodeAddress{}, "")
}

var _ driver.Driver = (*Fake)(nil)
