// Package orchestrator implements the top-level tethering state machine:
// it drives IpServers, the upstream monitor, the offload controller, and
// kernel IPv4 forwarding from the tethering thread's single serial event
// loop. Handlers dispatch on message kind, mutate owned state, and do no
// blocking I/O beyond bounded kernel calls whose failures become state
// transitions.
package orchestrator

import (
	"log"
	"net/netip"
	"strings"
	"time"

	"tetherd/internal/callback"
	"tetherd/internal/eventbus"
	"tetherd/internal/ipserver"
	"tetherd/internal/model"
	"tetherd/internal/nat64"
	"tetherd/internal/offload"
	"tetherd/internal/routing"
	"tetherd/internal/settingsstore"
	"tetherd/internal/upstream"
)

// Event kinds the orchestrator itself posts/consumes, beyond those owned
// by routing/upstream/ipserver.
const (
	EventIfaceServingStateActive   = "orchestrator.iface_serving_state_active"
	EventIfaceServingStateInactive = "orchestrator.iface_serving_state_inactive"
	EventUpstreamPermissionChanged = "orchestrator.upstream_permission_changed"
	EventRetryUpstream             = "orchestrator.retry_upstream"
	EventClearError                = "orchestrator.clear_error"
	EventIPForwardingEnableError   = "orchestrator.ip_forwarding_enable_error"

	// EventInvoke carries a func() payload run on the tethering thread;
	// it is how the IPC boundary mutates IpServer state without touching
	// it from its own goroutine.
	EventInvoke = "orchestrator.invoke"

	// EventNat64PrefixDiscovered carries a Nat64PrefixPayload: a NAT64
	// prefix learned for an upstream network, from an RA PREF64 option or
	// a DNS64 lookup.
	EventNat64PrefixDiscovered = "orchestrator.nat64_prefix_discovered"
)

const retryUpstreamKey = "RETRY_UPSTREAM"
const retryUpstreamDelay = 10 * time.Second

// IfaceServingStatePayload accompanies EventIfaceServingStateActive/Inactive.
type IfaceServingStatePayload struct {
	ServerID  string
	Interface string
	Mode      ipserver.ServingMode
}

// Nat64PrefixPayload accompanies EventNat64PrefixDiscovered. A zero
// Prefix withdraws the corresponding learned prefix.
type Nat64PrefixPayload struct {
	Network model.NetworkID
	Prefix  netip.Prefix
	FromRA  bool
}

// KernelForwarding is the process-wide ip_forward toggle. Only the
// orchestrator may flip it.
type KernelForwarding interface {
	EnableIPv4Forwarding() error
	DisableIPv4Forwarding() error
}

// TetherDaemon is the external tethering helper daemon the orchestrator
// starts/stops as a whole, independent of any one downstream's DHCP pool.
type TetherDaemon interface {
	Start(dhcpRanges []string) error
	Stop() error
}

// DNSForwarder installs the resolver list for an upstream network.
type DNSForwarder interface {
	SetDNS(network model.NetworkID, servers []string) error
}

var defaultDNSFallback = []string{"8.8.8.8", "8.8.4.4"}

// Deps bundles the Orchestrator's collaborators.
type Deps struct {
	Bus      *eventbus.Bus
	Upstream *upstream.Monitor
	Offload  *offload.Controller
	Routing  *routing.Coordinator
	Callback *callback.Registry
	Settings *settingsstore.Store
	Kernel   KernelForwarding
	Daemon   TetherDaemon
	DNS      DNSForwarder

	// Nat64Daemon/Nat64Discovery are the 464xlat collaborators handed to a
	// per-network nat64.Controller the orchestrator constructs lazily as
	// upstream networks appear.
	Nat64Daemon    nat64.Daemon
	Nat64Discovery nat64.DiscoveryController
}

// Orchestrator is the TetherOrchestrator.
type Orchestrator struct {
	deps Deps

	state OrchestratorState
	// servers are the IpServers currently in notifyList.
	servers map[string]*ipserver.Server
	// forwarded holds server IDs whose mode is TETHERED (as opposed to
	// LOCAL_ONLY), needed for the upstream interface-set fan-out.
	forwarded map[string]bool

	currentUpstream model.NetworkID
	haveUpstream    bool
	// upstreamIfaces is the interface set of the current upstream, replayed
	// to servers that activate after chooseUpstream already ran.
	upstreamIfaces []string

	// nat64s holds one Nat464Controller per upstream network ever seen,
	// and lastProps caches each network's most recent LinkProperties so a
	// capabilities-only change can still recompute nat64.Signals without
	// re-deriving addresses from scratch. nat64Sigs accumulates the
	// signals that arrive from different sources at different times: the
	// connectivity-derived fields from link-properties/capabilities
	// events, the learned prefixes from discovery, and the stacked
	// interface state from the link watcher.
	nat64s    map[model.NetworkID]*nat64.Controller
	lastProps map[model.NetworkID]model.LinkProperties
	nat64Sigs map[model.NetworkID]nat64.Signals
}

// OrchestratorState re-exports model.OrchestratorState for convenience.
type OrchestratorState = model.OrchestratorState

// New creates an Orchestrator in the Initial state.
func New(deps Deps) *Orchestrator {
	return &Orchestrator{
		deps:      deps,
		state:     model.StateInitial,
		servers:   make(map[string]*ipserver.Server),
		forwarded: make(map[string]bool),
		nat64s:    make(map[model.NetworkID]*nat64.Controller),
		lastProps: make(map[model.NetworkID]model.LinkProperties),
		nat64Sigs: make(map[model.NetworkID]nat64.Signals),
	}
}

// State returns the current top-level state.
func (o *Orchestrator) State() OrchestratorState { return o.state }

// Run drains the bus until it is closed, dispatching each event. Meant to
// run as the tethering thread's sole goroutine.
func (o *Orchestrator) Run() {
	for ev := range o.deps.Bus.Events() {
		o.handle(ev)
	}
}

func (o *Orchestrator) handle(ev eventbus.Event) {
	switch ev.Kind {
	case EventIfaceServingStateActive:
		p := ev.Payload.(IfaceServingStatePayload)
		o.onServingStateActive(p)
	case EventIfaceServingStateInactive:
		p := ev.Payload.(IfaceServingStatePayload)
		o.onServingStateInactive(p)
	case EventRetryUpstream:
		o.onRetryUpstream()
	case EventClearError:
		o.onClearError()
	case EventIPForwardingEnableError:
		o.enterError(model.StateIpForwardEnableErr)
	case EventInvoke:
		if fn, ok := ev.Payload.(func()); ok {
			fn()
		}
	case EventNat64PrefixDiscovered:
		p := ev.Payload.(Nat64PrefixPayload)
		o.onNat64Prefix(p)
	case EventUpstreamPermissionChanged:
		o.chooseUpstream(true)
	case upstream.EventDefaultSwitched:
		o.chooseUpstream(true)
	case upstream.EventLinkPropertiesChanged:
		p := ev.Payload.(upstream.LinkPropertiesChangedPayload)
		o.onLinkProperties(p)
	case upstream.EventCapabilitiesChanged:
		p := ev.Payload.(upstream.CapabilitiesChangedPayload)
		o.onCapabilities(p)
	case upstream.EventLost:
		p := ev.Payload.(upstream.LostPayload)
		o.onUpstreamLost(p)
	case upstream.EventLocalPrefixes:
		p := ev.Payload.(upstream.LocalPrefixesPayload)
		o.deps.Offload.SetLocalPrefixes(parsePrefixes(p.Prefixes))
	case routing.EventLinkChanged:
		p := ev.Payload.(routing.LinkEvent)
		o.onLinkEvent(p)
	case routing.EventAddressChanged:
		// Address-level changes on downstream interfaces are applied by the
		// IpServer itself when it programs them; upstream address changes
		// arrive via the UpstreamMonitor's link-properties events instead.
	default:
		log.Printf("orchestrator: unhandled event kind %q", ev.Kind)
	}
}

// AddServer registers s in the notifyList bookkeeping; the caller
// (cmd/tetherd wiring) still owns calling s.Start()/s.Enable(...).
func (o *Orchestrator) AddServer(s *ipserver.Server) {
	o.servers[s.ID()] = s
}

// onLinkEvent drives per-downstream lifecycle from kernel link state: a
// removed interface forces its server to UNAVAILABLE, a (re)appearing one
// makes it AVAILABLE again.
func (o *Orchestrator) onLinkEvent(p routing.LinkEvent) {
	if strings.HasPrefix(p.Interface, "v4-") {
		o.onStackedLink(p)
		return
	}
	for _, s := range o.servers {
		if s.InterfaceName() != p.Interface {
			continue
		}
		if p.Removed {
			s.Stop()
		} else if p.Up && s.Phase() == model.PhaseUnavailable {
			s.Start()
		}
		return
	}
}

// onStackedLink matches a clat stacked interface (v4-<base>) back to the
// upstream network whose base interface it translates for, and feeds the
// up/removed state into that network's 464xlat controller.
func (o *Orchestrator) onStackedLink(p routing.LinkEvent) {
	base := strings.TrimPrefix(p.Interface, "v4-")
	for network, props := range o.lastProps {
		if props.InterfaceName != base {
			continue
		}
		sig := o.nat64Sigs[network]
		sig.StackedIfaceName = p.Interface
		sig.StackedIfaceUp = !p.Removed && p.Up
		o.nat64Sigs[network] = sig
		if c, ok := o.nat64s[network]; ok {
			c.Update(sig)
		}
		return
	}
}

// onNat64Prefix records a prefix learned (or withdrawn) for network and
// re-drives its controller.
func (o *Orchestrator) onNat64Prefix(p Nat64PrefixPayload) {
	sig := o.nat64Sigs[p.Network]
	if p.FromRA {
		sig.RAPrefix = p.Prefix
	} else {
		sig.DNSPrefix = p.Prefix
	}
	o.nat64Sigs[p.Network] = sig
	if c, ok := o.nat64s[p.Network]; ok {
		c.Update(sig)
	}
}

func (o *Orchestrator) onServingStateActive(p IfaceServingStatePayload) {
	if p.Mode == ipserver.ModeTethered {
		o.forwarded[p.ServerID] = true
	}
	if p.Interface != "" {
		o.deps.Offload.NotifyDownstream(model.LinkProperties{InterfaceName: p.Interface})
	}

	if o.state == model.StateInitial {
		o.enterTetherModeAlive()
		return
	}

	o.sendCurrentUpstreamTo(p.ServerID)
	if !o.haveUpstream {
		o.chooseUpstream(false)
	}
}

func (o *Orchestrator) onServingStateInactive(p IfaceServingStatePayload) {
	delete(o.forwarded, p.ServerID)
	if p.Interface != "" {
		o.deps.Offload.RemoveDownstream(p.Interface)
	}

	if o.state == model.StateTetherModeAlive && len(o.forwarded) == 0 && allLocalOnly(o.servers) {
		o.exitToInitial()
	}
}

func allLocalOnly(servers map[string]*ipserver.Server) bool {
	for _, s := range servers {
		if s.Phase() == model.PhaseTethered {
			return false
		}
	}
	return true
}

// enterTetherModeAlive enables kernel forwarding, starts the tether
// daemon, prunes stale upstream records, and kicks off upstream selection
// if anything is forwarding.
func (o *Orchestrator) enterTetherModeAlive() {
	if err := o.deps.Kernel.EnableIPv4Forwarding(); err != nil {
		o.enterError(model.StateIpForwardEnableErr)
		return
	}

	if err := o.deps.Daemon.Start(o.dhcpRanges()); err != nil {
		o.enterError(model.StateStartTetherErr)
		return
	}

	o.state = model.StateTetherModeAlive

	o.deps.Routing.MaybeRemoveDeprecatedUpstreams(o.deps.Upstream.PresentNetworks())

	if len(o.forwarded) > 0 {
		o.deps.Offload.Start()
		o.chooseUpstream(true)
	}
}

// dhcpRanges returns the interface names of the registered servers, not
// address ranges; that list is what TetherDaemon.Start receives.
func (o *Orchestrator) dhcpRanges() []string {
	ranges := make([]string, 0, len(o.servers))
	for _, s := range o.servers {
		ranges = append(ranges, s.InterfaceName())
	}
	return ranges
}

func (o *Orchestrator) exitToInitial() {
	o.deps.Offload.Stop()
	o.haveUpstream = false
	o.upstreamIfaces = nil

	if err := o.deps.Daemon.Stop(); err != nil {
		log.Printf("orchestrator: stop tether daemon: %v", err)
	}
	if err := o.deps.Kernel.DisableIPv4Forwarding(); err != nil {
		o.enterError(model.StateIpForwardDisableErr)
		return
	}
	o.state = model.StateInitial
}

func (o *Orchestrator) sendCurrentUpstreamTo(serverID string) {
	s, ok := o.servers[serverID]
	if !ok {
		return
	}
	s.TetherConnectionChanged(o.upstreamIfaces)
}

func (o *Orchestrator) onRetryUpstream() {
	o.chooseUpstream(false)
}

func (o *Orchestrator) onClearError() {
	if !o.state.IsError() {
		return
	}
	o.state = model.StateInitial
	o.servers = make(map[string]*ipserver.Server)
	o.forwarded = make(map[string]bool)
	o.haveUpstream = false
	o.upstreamIfaces = nil
}

// enterError moves to a terminal error state: every server
// still in notifyList gets the error message (tearing it back to
// AVAILABLE with its lastError set), kernel forwarding state is cleaned
// up best-effort, and listeners get a tetherStatesChanged broadcast. The
// state is then held until CLEAR_ERROR.
func (o *Orchestrator) enterError(s OrchestratorState) {
	o.state = s

	for _, srv := range o.servers {
		srv.IPForwardingEnableError()
	}

	if s != model.StateIpForwardEnableErr {
		if err := o.deps.Daemon.Stop(); err != nil {
			log.Printf("orchestrator: error-state tether daemon stop: %v", err)
		}
		if err := o.deps.Kernel.DisableIPv4Forwarding(); err != nil {
			log.Printf("orchestrator: error-state forwarding disable: %v", err)
		}
	}

	o.deps.Callback.Broadcast(callback.Snapshot{Kind: callback.TetherStatesChanged})
	log.Printf("orchestrator: entered error state %s (%s)", s, errorCodeFor(s))
}

func errorCodeFor(s OrchestratorState) model.ErrorCode {
	switch s {
	case model.StateIpForwardEnableErr, model.StateIpForwardDisableErr:
		return model.ErrInternal
	case model.StateStartTetherErr, model.StateStopTetherErr:
		return model.ErrInternal
	case model.StateDnsForwardersErr:
		return model.ErrInternal
	default:
		return model.ErrNone
	}
}

func (o *Orchestrator) onLinkProperties(p upstream.LinkPropertiesChangedPayload) {
	o.deps.Routing.UpdateUpstreamPrefix(p.Network, p.Props, p.Caps, o.notifyPrefixConflict)
	o.lastProps[p.Network] = p.Props
	o.updateNat64(p.Network, p.Props, p.Caps)

	if o.haveUpstream && o.currentUpstream == p.Network {
		o.fanOutUpstream(p.Props)
	} else {
		o.chooseUpstream(false)
	}
}

// nat64For returns the per-network Nat464Controller, creating it on first
// use. A network never needs more than one: once destroyed (onUpstreamLost)
// its controller is dropped too.
func (o *Orchestrator) nat64For(network model.NetworkID) *nat64.Controller {
	if c, ok := o.nat64s[network]; ok {
		return c
	}
	c := nat64.New(network, o.deps.Nat64Daemon, o.deps.Nat64Discovery, func(stackedIface string, prefix netip.Prefix) {
		log.Printf("orchestrator: network %d stacked interface %s up under nat64 prefix %s", network, stackedIface, prefix)
		o.deps.Callback.Broadcast(callback.Snapshot{Kind: callback.ConfigurationChanged})
	})
	o.nat64s[network] = c
	return c
}

// updateNat64 refreshes the connectivity-derived half of the network's
// nat64.Signals and drives its controller, which the caller must do on
// every relevant event. The learned-prefix and stacked-interface fields
// accumulated from discovery and the link watcher are carried over.
func (o *Orchestrator) updateNat64(network model.NetworkID, props model.LinkProperties, caps model.NetworkCapabilities) {
	if o.deps.Nat64Daemon == nil || o.deps.Nat64Discovery == nil {
		return
	}
	sig := o.nat64Sigs[network]
	sig.SupportedNetType = true
	sig.Connected = true
	sig.HasGlobalIPv6 = hasGlobalIPv6(props)
	sig.HasIPv4 = len(props.IPv4Prefixes()) > 0
	sig.Cellular = caps.IsCellular
	sig.CellularEnabled = true
	o.nat64Sigs[network] = sig
	o.nat64For(network).Update(sig)
}

func hasGlobalIPv6(props model.LinkProperties) bool {
	for _, p := range props.Addresses {
		if p.Addr().Is6() && !p.Addr().IsLinkLocalUnicast() {
			return true
		}
	}
	return false
}

func (o *Orchestrator) notifyPrefixConflict(serverID string) {
	if s, ok := o.servers[serverID]; ok {
		s.NotifyPrefixConflict(serverID)
	}
}

func (o *Orchestrator) onCapabilities(p upstream.CapabilitiesChangedPayload) {
	o.updateNat64(p.Network, o.lastProps[p.Network], p.Caps)

	if o.haveUpstream && o.currentUpstream == p.Network {
		// Keep the cached LinkProperties: a capability-only change must not
		// clear offload's upstream binding, and a flip to VPN has to reach
		// the stop branch.
		props := o.lastProps[p.Network]
		o.deps.Offload.SetUpstream(&props, p.Caps)
	}
}

func (o *Orchestrator) onUpstreamLost(p upstream.LostPayload) {
	if c, ok := o.nat64s[p.Network]; ok {
		c.Update(nat64.Signals{Destroyed: true})
		delete(o.nat64s, p.Network)
	}
	delete(o.lastProps, p.Network)
	delete(o.nat64Sigs, p.Network)

	if !o.haveUpstream || o.currentUpstream != p.Network {
		return
	}
	o.deps.Routing.RemoveUpstreamPrefix(p.Network)
	o.haveUpstream = false
	o.chooseUpstream(true)
}

// chooseUpstream re-reads settings, asks the monitor for the preferred
// upstream, installs DNS forwarders, and fans the new interface set out
// to every server. With no candidate it either requests cellular
// (tryCell) or arms the retry timer.
func (o *Orchestrator) chooseUpstream(tryCell bool) {
	settings := o.deps.Settings.Get()

	net, props, caps, ok := o.deps.Upstream.GetCurrentPreferredUpstream()
	if ok && caps.IsVPN && !settings.AllowVPNUpstreams {
		ok = false
	}
	if !ok {
		if tryCell {
			o.deps.Upstream.SetTryCell(true)
			o.deps.Bus.CancelDelayed(retryUpstreamKey)
		} else {
			o.deps.Bus.PostDelayed(retryUpstreamKey, eventbus.Event{Kind: EventRetryUpstream}, retryUpstreamDelay)
		}
		return
	}

	if !caps.IsCellular {
		o.deps.Upstream.SetTryCell(false)
	}

	dns := props.DNS
	dnsStrs := make([]string, 0, len(dns))
	for _, a := range dns {
		dnsStrs = append(dnsStrs, a.String())
	}
	if len(dnsStrs) == 0 {
		dnsStrs = defaultDNSFallback
	}
	if o.deps.DNS != nil {
		if err := o.deps.DNS.SetDNS(net, dnsStrs); err != nil {
			o.enterError(model.StateDnsForwardersErr)
			return
		}
	}

	o.currentUpstream = net
	o.haveUpstream = true

	o.fanOutUpstream(props)

	o.deps.Offload.SetUpstream(&props, caps)
	o.deps.Callback.Broadcast(callback.Snapshot{Kind: callback.UpstreamChanged, Upstream: &net})
}

func (o *Orchestrator) fanOutUpstream(props model.LinkProperties) {
	o.upstreamIfaces = []string{props.InterfaceName}
	for _, s := range o.servers {
		s.TetherConnectionChanged(o.upstreamIfaces)
	}
}

func parsePrefixes(ss []string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(ss))
	for _, s := range ss {
		if p, err := netip.ParsePrefix(s); err == nil {
			out = append(out, p)
		}
	}
	return out
}
