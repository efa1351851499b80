package activate_test

import (
	"context"
	"testing"
	"time"

	"github.com/opensyde-tools/sysupdate/internal/activate"
	"github.com/opensyde-tools/sysupdate/internal/classify"
	"github.com/opensyde-tools/sysupdate/internal/driver"
	"github.com/opensyde-tools/sysupdate/internal/driversim"
	"github.com/opensyde-tools/sysupdate/internal/engcfg"
	"github.com/opensyde-tools/sysupdate/internal/progress"
	"github.com/opensyde-tools/sysupdate/internal/reach"
	"github.com/opensyde-tools/sysupdate/internal/sysdef"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mixedDef() *sysdef.SystemDefinition {
	return &sysdef.SystemDefinition{
		Buses: []sysdef.Bus{{Name: "CAN1", ID: 1, Type: sysdef.BusCAN}, {Name: "CAN2", ID: 2, Type: sysdef.BusCAN}},
		Nodes: []sysdef.Node{
			{
				Name:         "osy-local",
				Applications: []sysdef.Application{{Name: "app"}},
				Properties:   sysdef.Properties{Flashloader: sysdef.FlashloaderOpenSyde},
				Interfaces:   []sysdef.Interface{{BusIndex: 0, Connected: true, UpdateEnabled: true, NodeID: 1}},
			},
			{
				Name:         "stw-local",
				Applications: []sysdef.Application{{Name: "app"}},
				Properties:   sysdef.Properties{Flashloader: sysdef.FlashloaderStw},
				Interfaces:   []sysdef.Interface{{BusIndex: 0, Connected: true, UpdateEnabled: true, NodeID: 2}},
			},
			{
				Name:         "osy-routed",
				Applications: []sysdef.Application{{Name: "app"}},
				Properties:   sysdef.Properties{Flashloader: sysdef.FlashloaderOpenSyde},
				Interfaces:   []sysdef.Interface{{BusIndex: 1, Connected: true, UpdateEnabled: true, NodeID: 3}},
			},
		},
	}
}

func fastCfg() engcfg.Options {
	cfg := engcfg.Default()
	cfg.ActivationBroadcastLoop = 0
	cfg.ActivationBroadcastTick = 0
	cfg.EthernetNICSettle = 0
	cfg.RoutedResetSettle = 0
	cfg.StwWakeupLoop = 0
	cfg.StwWakeupTick = 0
	return cfg
}

func newActivator(def *sysdef.SystemDefinition, drv *driversim.Fake) *activate.Activator {
	active := sysdef.NewNodeMask(len(def.Nodes))
	for i := range def.Nodes {
		active.Set(sysdef.NodeIndex(i))
	}
	cl := classify.New(def, active)
	rt := reach.New(drv, sysdef.NewNodeMask(len(def.Nodes)))
	run := progress.NewRun(progress.NopSink{})
	a := activate.New(drv, def, active, cl, rt, fastCfg(), 0, run)
	a.Sleep = func(time.Duration) {}
	return a
}

func TestActivateFlashloaderLocalBusBroadcastsBothProtocols(t *testing.T) {
	def := mixedDef()
	drv := driversim.New()
	drv.Topo[0] = driversim.Topology{Bus: 0, Necessity: driver.RoutingNoAct, Address: sysdef.NodeAddress{BusID: 1, NodeID: 1}}
	drv.Topo[1] = driversim.Topology{Bus: 0, Necessity: driver.RoutingNoAct, Address: sysdef.NodeAddress{BusID: 1, NodeID: 2}}
	drv.Topo[2] = driversim.Topology{Bus: 1, Necessity: driver.RoutingOK, Address: sysdef.NodeAddress{BusID: 2, NodeID: 3}}

	a := newActivator(def, drv)
	err := a.ActivateFlashloader(context.Background(), true)
	require.NoError(t, err)

	methods := map[string]bool{}
	for _, c := range drv.Calls() {
		methods[c.Method] = true
	}
	assert.True(t, methods["BroadcastRequestProgramming"], "openSYDE local node must trigger the openSYDE broadcast")
	assert.True(t, methods["BroadcastStwRequestNodeReset"], "STW local node must trigger the STW broadcast")
}

func TestActivateFlashloaderRoutesToNonLocalNode(t *testing.T) {
	def := mixedDef()
	def.Nodes = def.Nodes[2:] // only the routed openSYDE node
	drv := driversim.New()
	drv.Topo[0] = driversim.Topology{Bus: 1, Necessity: driver.RoutingOK, Address: sysdef.NodeAddress{BusID: 2, NodeID: 3}}

	a := newActivator(def, drv)
	err := a.ActivateFlashloader(context.Background(), true)
	require.NoError(t, err)

	start, stop := drv.RoutingBalance(0)
	assert.Equal(t, 1, start)
	assert.Equal(t, 1, stop)
}

func TestActivateFlashloaderFailOnFirstErrorReturnsComKind(t *testing.T) {
	def := mixedDef()
	def.Nodes = def.Nodes[:1] // single local openSYDE node
	drv := driversim.New()
	drv.Topo[0] = driversim.Topology{Bus: 0, Necessity: driver.RoutingNoAct, Address: sysdef.NodeAddress{BusID: 1, NodeID: 1}}
	drv.FailOn["SetPreProgrammingMode@"+sysdef.NodeAddress{BusID: 1, NodeID: 1}.String()] = assertErr{}

	a := newActivator(def, drv)
	err := a.ActivateFlashloader(context.Background(), true)
	require.Error(t, err)
	assert.Equal(t, "Com", err.Error()[:3])
}

func TestActivateFlashloaderFailOnFirstErrorFalseIsWarn(t *testing.T) {
	def := mixedDef()
	def.Nodes = def.Nodes[:1]
	drv := driversim.New()
	drv.Topo[0] = driversim.Topology{Bus: 0, Necessity: driver.RoutingNoAct, Address: sysdef.NodeAddress{BusID: 1, NodeID: 1}}
	drv.FailOn["SetPreProgrammingMode@"+sysdef.NodeAddress{BusID: 1, NodeID: 1}.String()] = assertErr{}

	a := newActivator(def, drv)
	err := a.ActivateFlashloader(context.Background(), false)
	require.Error(t, err)
	assert.Equal(t, "Warn", err.Error()[:4])
}

func TestActivateFlashloaderTimeoutConfirmingLocalLatches(t *testing.T) {
	def := mixedDef()
	def.Nodes = def.Nodes[:1]
	drv := driversim.New()
	drv.Topo[0] = driversim.Topology{Bus: 0, Necessity: driver.RoutingNoAct, Address: sysdef.NodeAddress{BusID: 1, NodeID: 1}}
	drv.TimeoutOn["SetPreProgrammingMode@"+sysdef.NodeAddress{BusID: 1, NodeID: 1}.String()] = true

	a := newActivator(def, drv)
	_ = a.ActivateFlashloader(context.Background(), false)

	assert.True(t, a.Reach.Timeouts.Get(0))
}

type assertErr struct{}

func (assertErr) Error() string { return "injected failure" }
