package engine_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/opensyde-tools/sysupdate/internal/driver"
	"github.com/opensyde-tools/sysupdate/internal/driversim"
	"github.com/opensyde-tools/sysupdate/internal/engcfg"
	"github.com/opensyde-tools/sysupdate/internal/engine"
	"github.com/opensyde-tools/sysupdate/internal/progress"
	"github.com/opensyde-tools/sysupdate/internal/sysdef"
	"github.com/opensyde-tools/sysupdate/internal/xerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopParser struct{}

func (nopParser) Parse(path string) (sysdef.HexImage, error) { return sysdef.HexImage{}, nil }

func oneNodeDef() *sysdef.SystemDefinition {
	return &sysdef.SystemDefinition{
		Buses: []sysdef.Bus{{Name: "CAN1", ID: 1, Type: sysdef.BusCAN}},
		Nodes: []sysdef.Node{
			{
				Name:         "ecu0",
				Applications: []sysdef.Application{{Name: "app"}},
				Properties:   sysdef.Properties{Flashloader: sysdef.FlashloaderStw},
				Interfaces:   []sysdef.Interface{{BusIndex: 0, Connected: true, UpdateEnabled: true, NodeID: 1}},
			},
		},
	}
}

func newEngine(def *sysdef.SystemDefinition, drv *driversim.Fake) *engine.Engine {
	active := sysdef.NewNodeMask(len(def.Nodes))
	for i := range def.Nodes {
		active.Set(sysdef.NodeIndex(i))
	}
	return engine.New(drv, def, active, 0, engcfg.Default(), nopParser{}, progress.NopSink{})
}

// fastTimingCfg shrinks every Activate/Reset timing constant to keep tests
// that exercise those loops from paying real wall-clock delay.
func fastTimingCfg() engcfg.Options {
	cfg := engcfg.Default()
	cfg.ActivationBroadcastLoop = 0
	cfg.ActivationBroadcastTick = 0
	cfg.EthernetNICSettle = 0
	cfg.RoutedResetSettle = 0
	cfg.StwWakeupLoop = 0
	cfg.StwWakeupTick = 0
	cfg.ResetRouterSettle = 0
	return cfg
}

func newEngineWithCfg(def *sysdef.SystemDefinition, drv *driversim.Fake, cfg engcfg.Options) *engine.Engine {
	active := sysdef.NewNodeMask(len(def.Nodes))
	for i := range def.Nodes {
		active.Set(sysdef.NodeIndex(i))
	}
	return engine.New(drv, def, active, 0, cfg, nopParser{}, progress.NopSink{})
}

func TestUpdateSystemJobsSizeMismatchIsOverflow(t *testing.T) {
	def := oneNodeDef()
	e := newEngine(def, driversim.New())

	err := e.UpdateSystem(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Equal(t, xerr.Overflow, xerr.KindOf(err))
}

func TestUpdateSystemMissingFileIsRdWr(t *testing.T) {
	def := oneNodeDef()
	e := newEngine(def, driversim.New())

	jobs := []sysdef.FlashJob{{FilesToFlash: []string{"/no/such/file.syde_hex"}}}
	err := e.UpdateSystem(context.Background(), jobs, sysdef.UpdateOrder{0})
	require.Error(t, err)
	assert.Equal(t, xerr.RdWr, xerr.KindOf(err))
}

func TestUpdateSystemUpdateOrderRepeatIsOverflow(t *testing.T) {
	def := oneNodeDef()
	def.Nodes = append(def.Nodes, def.Nodes[0])
	def.Nodes[1].Interfaces = []sysdef.Interface{{BusIndex: 0, Connected: true, UpdateEnabled: true, NodeID: 2}}
	e := newEngine(def, driversim.New())

	dir := t.TempDir()
	f := filepath.Join(dir, "a.syde_hex")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))

	jobs := []sysdef.FlashJob{{FilesToFlash: []string{f}}, {FilesToFlash: []string{f}}}
	err := e.UpdateSystem(context.Background(), jobs, sysdef.UpdateOrder{0, 0})
	require.Error(t, err)
	assert.Equal(t, xerr.Overflow, xerr.KindOf(err))
}

func TestUpdateSystemHappyPathDispatchesStw(t *testing.T) {
	def := oneNodeDef()
	drv := driversim.New()
	drv.Topo[0] = driversim.Topology{Bus: 0, Necessity: driver.RoutingNoAct, Address: sysdef.NodeAddress{BusID: 1, NodeID: 1}}

	e := newEngine(def, drv)

	dir := t.TempDir()
	f := filepath.Join(dir, "a.syde_hex")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))

	jobs := []sysdef.FlashJob{{FilesToFlash: []string{f}}}
	err := e.UpdateSystem(context.Background(), jobs, sysdef.UpdateOrder{0})
	require.NoError(t, err)

	var sawFlash bool
	for _, c := range drv.Calls() {
		if c.Method == "SendStwDoFlash" {
			sawFlash = true
		}
	}
	assert.True(t, sawFlash)
}

// A timeout latched during an earlier sequence (ActivateFlashloader) must
// still be honoured by a later sequence (UpdateSystem) on the same Engine,
// since the timeout mask is shared, engine-lifetime state.
func TestTimeoutLatchedByActivatePersistsIntoUpdateSystem(t *testing.T) {
	def := oneNodeDef()
	drv := driversim.New()
	drv.Topo[0] = driversim.Topology{Bus: 0, Necessity: driver.RoutingNoAct, Address: sysdef.NodeAddress{BusID: 1, NodeID: 1}}
	drv.TimeoutOn["SendStwWakeupLocalId@"+sysdef.NodeAddress{BusID: 1, NodeID: 1}.String()] = true

	e := newEngineWithCfg(def, drv, fastTimingCfg())
	_ = e.ActivateFlashloader(context.Background(), false)

	dir := t.TempDir()
	f := filepath.Join(dir, "a.syde_hex")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))

	jobs := []sysdef.FlashJob{{FilesToFlash: []string{f}}}
	err := e.UpdateSystem(context.Background(), jobs, sysdef.UpdateOrder{0})
	require.Error(t, err)
	assert.Equal(t, xerr.Timeout, xerr.KindOf(err))
}

func TestActivateFlashloaderDelegatesToLocalBus(t *testing.T) {
	def := oneNodeDef()
	drv := driversim.New()
	e := newEngineWithCfg(def, drv, fastTimingCfg())

	err := e.ActivateFlashloader(context.Background(), true)
	require.NoError(t, err)

	var sawBroadcast bool
	for _, c := range drv.Calls() {
		if c.Method == "BroadcastStwRequestNodeReset" {
			sawBroadcast = true
		}
	}
	assert.True(t, sawBroadcast)
}
