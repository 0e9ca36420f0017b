package orchestrator

import (
	"net/netip"
	"testing"
	"time"

	"tetherd/internal/address"
	"tetherd/internal/dhcp"
	"tetherd/internal/callback"
	"tetherd/internal/eventbus"
	"tetherd/internal/ipserver"
	"tetherd/internal/model"
	"tetherd/internal/offload"
	"tetherd/internal/routing"
	"tetherd/internal/settingsstore"
	"tetherd/internal/upstream"
)

// nlStub satisfies routing.Netlinker without touching the kernel.
type nlStub struct{}

func (nlStub) AddRoute(model.NetworkID, routing.Route) error              { return nil }
func (nlStub) RemoveRoute(model.NetworkID, routing.Route) error           { return nil }
func (nlStub) UpdateRoute(model.NetworkID, routing.Route) error           { return nil }
func (nlStub) AddInterfaceToNetwork(model.NetworkID, string) error        { return nil }
func (nlStub) RemoveInterfaceFromNetwork(model.NetworkID, string) error   { return nil }
func (nlStub) AddInterfaceForward(string, string) error                   { return nil }
func (nlStub) RemoveInterfaceForward(string, string) error                { return nil }

type fakeKernel struct {
	enabled, disabled int
	failEnable        bool
	failDisable       bool
}

func (k *fakeKernel) EnableIPv4Forwarding() error {
	k.enabled++
	if k.failEnable {
		return errFake
	}
	return nil
}
func (k *fakeKernel) DisableIPv4Forwarding() error {
	k.disabled++
	if k.failDisable {
		return errFake
	}
	return nil
}

type fakeTetherDaemon struct {
	started, stopped int
}

func (d *fakeTetherDaemon) Start(ranges []string) error {
	d.started++
	return nil
}
func (d *fakeTetherDaemon) Stop() error {
	d.stopped++
	return nil
}

type fakeDNS struct {
	calls int
	last  []string
}

func (f *fakeDNS) SetDNS(_ model.NetworkID, servers []string) error {
	f.calls++
	f.last = servers
	return nil
}

type fakeOffloadEngine struct {
	started, stopped int
}

func (e *fakeOffloadEngine) Start() error                                     { e.started++; return nil }
func (e *fakeOffloadEngine) Stop() error                                      { e.stopped++; return nil }
func (e *fakeOffloadEngine) SetUpstream(string, model.LinkProperties) error   { return nil }
func (e *fakeOffloadEngine) AddDownstream(string, model.LinkProperties) error { return nil }
func (e *fakeOffloadEngine) RemoveDownstream(string) error                   { return nil }
func (e *fakeOffloadEngine) SetExemptPrefixes([]netip.Prefix) error          { return nil }

type fakeNat64Daemon struct{ started, stopped int }

func (d *fakeNat64Daemon) Start(model.NetworkID, netip.Prefix) error { d.started++; return nil }
func (d *fakeNat64Daemon) Stop(model.NetworkID) error                { d.stopped++; return nil }

type fakeNat64Discovery struct{ started, stopped int }

func (f *fakeNat64Discovery) StartDiscovery(model.NetworkID) { f.started++ }
func (f *fakeNat64Discovery) StopDiscovery(model.NetworkID)  { f.stopped++ }

type errString string

func (e errString) Error() string { return string(e) }

const errFake = errString("fake failure")

type testRig struct {
	o        *Orchestrator
	bus      *eventbus.Bus
	up       *upstream.Monitor
	kernel   *fakeKernel
	daemon   *fakeTetherDaemon
	dns      *fakeDNS
	nat64d   *fakeNat64Daemon
	nat64dsc *fakeNat64Discovery
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	bus := eventbus.New(16)
	t.Cleanup(bus.Close)

	up := upstream.New(bus)
	engine := &fakeOffloadEngine{}
	offloadCtl := offload.New(engine, func(model.OffloadStatus) {})
	kernel := &fakeKernel{}
	daemon := &fakeTetherDaemon{}
	dns := &fakeDNS{}
	nat64d := &fakeNat64Daemon{}
	nat64dsc := &fakeNat64Discovery{}

	o := New(Deps{
		Bus:            bus,
		Upstream:       up,
		Offload:        offloadCtl,
		Routing:        routing.New(nlStub{}, address.New(false)),
		Callback:       callback.New(),
		Settings:       settingsstore.New(),
		Kernel:         kernel,
		Daemon:         daemon,
		DNS:            dns,
		Nat64Daemon:    nat64d,
		Nat64Discovery: nat64dsc,
	})

	return &testRig{o: o, bus: bus, up: up, kernel: kernel, daemon: daemon, dns: dns, nat64d: nat64d, nat64dsc: nat64dsc}
}

// drain pulls the next queued bus event and feeds it through the
// orchestrator's dispatch table, the way Run's range loop would.
func (r *testRig) drain(t *testing.T) {
	t.Helper()
	select {
	case ev := <-r.bus.Events():
		r.o.handle(ev)
	default:
		t.Fatal("expected a queued event, bus was empty")
	}
}

func TestFirstActiveServerEntersTetherModeAlive(t *testing.T) {
	r := newRig(t)

	r.o.handle(eventbus.Event{
		Kind:    EventIfaceServingStateActive,
		Payload: IfaceServingStatePayload{ServerID: "usb0", Mode: ipserver.ModeTethered},
	})

	if r.o.State() != model.StateTetherModeAlive {
		t.Fatalf("state = %s, want tether_mode_alive", r.o.State())
	}
	if r.kernel.enabled != 1 {
		t.Errorf("expected forwarding enabled once, got %d", r.kernel.enabled)
	}
	if r.daemon.started != 1 {
		t.Errorf("expected tether daemon started once, got %d", r.daemon.started)
	}
}

func TestKernelForwardingFailureEntersErrorState(t *testing.T) {
	r := newRig(t)
	r.kernel.failEnable = true

	r.o.handle(eventbus.Event{
		Kind:    EventIfaceServingStateActive,
		Payload: IfaceServingStatePayload{ServerID: "usb0", Mode: ipserver.ModeTethered},
	})

	if r.o.State() != model.StateIpForwardEnableErr {
		t.Fatalf("state = %s, want ip_forward_enable_err", r.o.State())
	}
	if r.daemon.started != 0 {
		t.Error("tether daemon must not start when forwarding fails to enable")
	}
}

func TestLastForwardedServerGoingInactiveExitsToInitial(t *testing.T) {
	r := newRig(t)

	r.o.handle(eventbus.Event{
		Kind:    EventIfaceServingStateActive,
		Payload: IfaceServingStatePayload{ServerID: "usb0", Mode: ipserver.ModeTethered},
	})
	r.o.handle(eventbus.Event{
		Kind:    EventIfaceServingStateInactive,
		Payload: IfaceServingStatePayload{ServerID: "usb0", Mode: ipserver.ModeTethered},
	})

	if r.o.State() != model.StateInitial {
		t.Fatalf("state = %s, want initial", r.o.State())
	}
	if r.daemon.stopped != 1 {
		t.Errorf("expected tether daemon stopped once, got %d", r.daemon.stopped)
	}
	if r.kernel.disabled != 1 {
		t.Errorf("expected forwarding disabled once, got %d", r.kernel.disabled)
	}
}

func TestChooseUpstreamSetsDNSAndBroadcastsUpstreamChanged(t *testing.T) {
	r := newRig(t)

	props := model.LinkProperties{
		InterfaceName: "wlan0",
		Addresses:     []netip.Prefix{netip.MustParsePrefix("192.0.2.0/24")},
		DNS:           []netip.Addr{netip.MustParseAddr("198.51.100.1")},
	}
	r.up.NetworkAppeared(model.NetworkID(1), props, model.NetworkCapabilities{})
	r.drain(t) // EventDefaultSwitched -> chooseUpstream

	if !r.o.haveUpstream || r.o.currentUpstream != model.NetworkID(1) {
		t.Fatalf("expected network 1 selected as upstream, haveUpstream=%v current=%v", r.o.haveUpstream, r.o.currentUpstream)
	}
	if r.dns.calls != 1 || len(r.dns.last) != 1 || r.dns.last[0] != "198.51.100.1" {
		t.Errorf("expected DNS set to [198.51.100.1], got %v (calls=%d)", r.dns.last, r.dns.calls)
	}
}

func TestChooseUpstreamFallsBackToDefaultDNSWhenNoneAdvertised(t *testing.T) {
	r := newRig(t)

	props := model.LinkProperties{InterfaceName: "wlan0"}
	r.up.NetworkAppeared(model.NetworkID(1), props, model.NetworkCapabilities{})
	r.drain(t)

	if len(r.dns.last) != 2 {
		t.Fatalf("expected fallback DNS pair, got %v", r.dns.last)
	}
}

func TestLinkPropertiesDriveNat64Discovery(t *testing.T) {
	r := newRig(t)

	r.up.NetworkAppeared(model.NetworkID(1), model.LinkProperties{InterfaceName: "wlan0"}, model.NetworkCapabilities{})
	r.drain(t) // EventDefaultSwitched

	// A network with global IPv6 but no IPv4 should kick off clat discovery.
	r.up.NetworkLinkPropertiesChanged(model.NetworkID(1), model.LinkProperties{
		InterfaceName: "wlan0",
		Addresses:     []netip.Prefix{netip.MustParsePrefix("2001:db8::1/64")},
	})
	r.drain(t) // EventLinkPropertiesChanged

	ctl, ok := r.o.nat64s[model.NetworkID(1)]
	if !ok {
		t.Fatal("expected a nat64 controller to be created for network 1")
	}
	if ctl.Phase() != model.Nat64Discovering {
		t.Fatalf("nat64 phase = %s, want discovering", ctl.Phase())
	}
	if r.nat64dsc.started != 1 {
		t.Errorf("expected discovery started once, got %d", r.nat64dsc.started)
	}
}

func TestDiscoveredPrefixAndStackedLinkDriveNat64ToRunning(t *testing.T) {
	r := newRig(t)

	r.up.NetworkAppeared(model.NetworkID(1), model.LinkProperties{InterfaceName: "rmnet0"}, model.NetworkCapabilities{})
	r.drain(t) // EventDefaultSwitched

	r.up.NetworkLinkPropertiesChanged(model.NetworkID(1), model.LinkProperties{
		InterfaceName: "rmnet0",
		Addresses:     []netip.Prefix{netip.MustParsePrefix("2001:db8::1/64")},
	})
	r.drain(t) // EventLinkPropertiesChanged -> Discovering

	r.o.handle(eventbus.Event{Kind: EventNat64PrefixDiscovered, Payload: Nat64PrefixPayload{
		Network: model.NetworkID(1),
		Prefix:  netip.MustParsePrefix("64:ff9b::/96"),
	}})

	ctl := r.o.nat64s[model.NetworkID(1)]
	if ctl == nil {
		t.Fatal("expected a nat64 controller for network 1")
	}
	if ctl.Phase() != model.Nat64Starting {
		t.Fatalf("after discovered prefix, nat64 phase = %s, want starting", ctl.Phase())
	}
	if r.nat64d.started != 1 {
		t.Fatalf("expected the clat daemon started once, got %d", r.nat64d.started)
	}
	if r.nat64dsc.stopped != 1 {
		t.Fatalf("expected discovery stopped once the daemon starts, got %d", r.nat64dsc.stopped)
	}

	r.o.handle(eventbus.Event{Kind: routing.EventLinkChanged, Payload: routing.LinkEvent{
		Interface: "v4-rmnet0", Up: true,
	}})

	if ctl.Phase() != model.Nat64Running {
		t.Fatalf("after stacked link up, nat64 phase = %s, want running", ctl.Phase())
	}
}

func TestUpstreamLostTearsDownNat64Controller(t *testing.T) {
	r := newRig(t)

	r.up.NetworkAppeared(model.NetworkID(1), model.LinkProperties{InterfaceName: "wlan0"}, model.NetworkCapabilities{})
	r.drain(t)

	r.up.NetworkLinkPropertiesChanged(model.NetworkID(1), model.LinkProperties{
		InterfaceName: "wlan0",
		Addresses:     []netip.Prefix{netip.MustParsePrefix("2001:db8::1/64")},
	})
	r.drain(t)

	r.up.NetworkLost(model.NetworkID(1))
	r.drain(t) // EventLost

	if _, ok := r.o.nat64s[model.NetworkID(1)]; ok {
		t.Error("expected the nat64 controller to be dropped once its network is lost")
	}
	if r.nat64dsc.stopped != 1 {
		t.Errorf("expected discovery stopped once on teardown, got %d", r.nat64dsc.stopped)
	}
}

type dhcpStub struct{}

func (dhcpStub) StartServing(string, dhcp.Config) error { return nil }
func (dhcpStub) StopServing(string) error               { return nil }

type clockStub struct{}

func (clockStub) Now() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

func TestLinkRemovalStopsOwningServer(t *testing.T) {
	r := newRig(t)

	addrCoord := address.New(false)
	routeCoord := routing.New(nlStub{}, addrCoord)
	s := ipserver.New("usb0", model.DownstreamUsb, "usb0", ipserver.Deps{
		Address:       addrCoord,
		Routing:       routeCoord,
		DHCP:          dhcpStub{},
		Clock:         clockStub{},
		LeaseDuration: time.Hour,
	})
	r.o.AddServer(s)

	s.Start()
	if !s.Enable(ipserver.ModeTethered, model.TetheringRequest{Type: model.DownstreamUsb}) {
		t.Fatalf("Enable failed: %v", s.LastError())
	}

	r.o.handle(eventbus.Event{Kind: routing.EventLinkChanged, Payload: routing.LinkEvent{
		Interface: "usb0", Removed: true,
	}})

	if s.Phase() != model.PhaseUnavailable {
		t.Fatalf("phase after link removal = %s, want unavailable", s.Phase())
	}
}

func TestClearErrorReturnsToInitial(t *testing.T) {
	r := newRig(t)
	r.o.state = model.StateIpForwardEnableErr

	r.o.handle(eventbus.Event{Kind: EventClearError})

	if r.o.State() != model.StateInitial {
		t.Fatalf("state = %s, want initial", r.o.State())
	}
}

func TestClearErrorIsNoopWhenNotInError(t *testing.T) {
	r := newRig(t)
	r.o.state = model.StateTetherModeAlive

	r.o.handle(eventbus.Event{Kind: EventClearError})

	if r.o.State() != model.StateTetherModeAlive {
		t.Fatalf("state = %s, want unchanged tether_mode_alive", r.o.State())
	}
}
