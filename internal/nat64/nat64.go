// Package nat64 implements the per-network 464xlat state machine: it
// discovers a NAT64 prefix, starts a clat daemon, and once its stacked v4
// interface is up, injects it into the network's LinkProperties.
package nat64

import (
	"net/netip"

	"tetherd/internal/model"
)

// Daemon is the external clat process. Real packet translation is kernel/
// userspace-daemon territory; this is the narrow lifecycle contract the
// controller drives.
type Daemon interface {
	Start(network model.NetworkID, nat64Prefix netip.Prefix) error
	Stop(network model.NetworkID) error
}

// Signals is the set of inputs update() reacts to; the controller caller
// recomputes these on every relevant event (connectivity change, RA,
// DNS64 discovery result, stacked-interface-up) and calls Update.
type Signals struct {
	SupportedNetType bool
	Connected        bool
	HasGlobalIPv6    bool
	HasIPv4          bool
	Skip464Xlat      bool
	Destroyed        bool
	Cellular         bool
	CellularEnabled  bool

	RAPrefix  netip.Prefix // zero Prefix if none learned
	DNSPrefix netip.Prefix // zero Prefix if none learned

	StackedIfaceUp   bool
	StackedIfaceName string
}

func (s Signals) requiresClat() bool {
	if !(s.SupportedNetType && s.Connected && s.HasGlobalIPv6 && !s.HasIPv4 && !s.Skip464Xlat && !s.Destroyed) {
		return false
	}
	return !s.Cellular || s.CellularEnabled
}

// selectedPrefix returns the preferred prefix (RA over DNS) and whether
// one is known at all.
func (s Signals) selectedPrefix() (netip.Prefix, bool) {
	if s.RAPrefix.IsValid() {
		return s.RAPrefix, true
	}
	if s.DNSPrefix.IsValid() {
		return s.DNSPrefix, true
	}
	return netip.Prefix{}, false
}

// DiscoveryController lets the caller drive actual DNS64-based
// prefix discovery, out of this package's scope.
type DiscoveryController interface {
	StartDiscovery(network model.NetworkID)
	StopDiscovery(network model.NetworkID)
}

// Controller is a single network's Nat464Controller.
type Controller struct {
	network model.NetworkID
	daemon  Daemon
	disco   DiscoveryController

	phase      model.Nat64Phase
	prefix     netip.Prefix
	lastSignal Signals

	onLinkPropertiesChanged func(stackedIface string, prefix netip.Prefix)
}

// New creates a Controller for network, initially Idle.
func New(network model.NetworkID, daemon Daemon, disco DiscoveryController, onLinkPropertiesChanged func(string, netip.Prefix)) *Controller {
	return &Controller{
		network:                 network,
		daemon:                  daemon,
		disco:                   disco,
		phase:                   model.Nat64Idle,
		onLinkPropertiesChanged: onLinkPropertiesChanged,
	}
}

// Phase returns the current state.
func (c *Controller) Phase() model.Nat64Phase { return c.phase }

// Update is the single entry point, driven on any relevant signal change.
func (c *Controller) Update(sig Signals) {
	c.lastSignal = sig
	need := sig.requiresClat()
	prefix, havePrefix := sig.selectedPrefix()

	switch c.phase {
	case model.Nat64Idle:
		if need && !havePrefix {
			c.disco.StartDiscovery(c.network)
			c.phase = model.Nat64Discovering
		} else if need && havePrefix {
			c.startDaemon(prefix)
		}

	case model.Nat64Discovering:
		if havePrefix {
			c.disco.StopDiscovery(c.network)
			c.startDaemon(prefix)
		} else if !need {
			c.disco.StopDiscovery(c.network)
			c.phase = model.Nat64Idle
		}

	case model.Nat64Starting:
		if !c.shouldStay(need) || !havePrefix {
			c.stopAndReevaluate(sig)
			return
		}
		if sig.StackedIfaceUp {
			c.phase = model.Nat64Running
			if c.onLinkPropertiesChanged != nil {
				c.onLinkPropertiesChanged(sig.StackedIfaceName, c.prefix)
			}
		}

	case model.Nat64Running:
		// Losing the prefix entirely (RA withdrawn, nothing learned via
		// DNS64) re-enters discovery through the Idle re-evaluation.
		if !c.shouldStay(need) || !havePrefix {
			c.stopAndReevaluate(sig)
			return
		}
		if prefix != c.prefix {
			_ = c.daemon.Stop(c.network)
			c.phase = model.Nat64Idle
			c.Update(sig)
		}
	}
}

func (c *Controller) shouldStay(need bool) bool { return need }

func (c *Controller) startDaemon(prefix netip.Prefix) {
	c.prefix = prefix
	if err := c.daemon.Start(c.network, prefix); err != nil {
		c.phase = model.Nat64Idle
		return
	}
	c.phase = model.Nat64Starting
}

func (c *Controller) stopAndReevaluate(sig Signals) {
	_ = c.daemon.Stop(c.network)
	c.phase = model.Nat64Idle
	c.Update(sig)
}

// Translate implements the 464xlat v6 synthesis: v6 = prefix[0:12] ||
// v4[0:4] (big-endian).
func Translate(prefix netip.Prefix, v4 netip.Addr) (netip.Addr, bool) {
	if !prefix.Addr().Is6() || !v4.Is4() {
		return netip.Addr{}, false
	}
	p := prefix.Addr().As16()
	v := v4.As4()
	var out [16]byte
	copy(out[:12], p[:12])
	copy(out[12:], v[:])
	return netip.AddrFrom16(out), true
}
