// Package engcfg carries the engine's tunable constants: the Ethernet/STW
// settle-time magic numbers are configurable rather than hard-coded, via
// a tag-driven options struct populated directly from Go (the engine has
// no config-file registry of its own — a host CLI owns that).
package engcfg

import "time"

// Options holds every timing constant the activate and reset sequences
// use. A host may override any of them.
type Options struct {
	// ActivationBroadcastLoop is how long Phase 1 step 5 spams
	// PreProgrammingSession / "FLASH" on a CAN local bus.
	ActivationBroadcastLoop time.Duration `config:"activation_broadcast_loop"`
	// ActivationBroadcastTick is the sleep between loop iterations above.
	ActivationBroadcastTick time.Duration `config:"activation_broadcast_tick"`
	// EthernetNICSettle is the sleep after reset on an Ethernet local bus.
	EthernetNICSettle time.Duration `config:"ethernet_nic_settle"`
	// RoutedResetSettle is the wait after ECU-Reset before reconnecting
	// across a route in Phase 2.
	RoutedResetSettle time.Duration `config:"routed_reset_settle"`
	// StwWakeupLoop is how long Phase 2 spams "FLASH" to a routed STW node.
	StwWakeupLoop time.Duration `config:"stw_wakeup_loop"`
	// StwWakeupTick is the sleep between loop iterations above.
	StwWakeupTick time.Duration `config:"stw_wakeup_tick"`
	// ResetRouterSettle is the wait before StopRouting after a reset,
	// giving routers time to forward a response-less reset request.
	ResetRouterSettle time.Duration `config:"reset_router_settle"`
}

// Default returns the engine's documented default timing constants.
func Default() Options {
	return Options{
		ActivationBroadcastLoop: 5000 * time.Millisecond,
		ActivationBroadcastTick: 5 * time.Millisecond,
		EthernetNICSettle:       5500 * time.Millisecond,
		RoutedResetSettle:       2000 * time.Millisecond,
		StwWakeupLoop:           1000 * time.Millisecond,
		StwWakeupTick:           5 * time.Millisecond,
		ResetRouterSettle:       20 * time.Millisecond,
	}
}
