package ipserver

import (
	"testing"
	"time"

	"tetherd/internal/address"
	"tetherd/internal/dhcp"
	"tetherd/internal/model"
	"tetherd/internal/routing"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

// fakeNetlinker satisfies routing.Netlinker, recording calls instead of
// touching the kernel.
type fakeNetlinker struct {
	failAddRoute            bool
	failAddInterfaceNetwork bool
	addRouteCalls           int
	removeRouteCalls        int
	addIfaceCalls           int
	removeIfaceCalls        int
	forwardAdds             int
	forwardRemoves          int
}

func (n *fakeNetlinker) AddRoute(model.NetworkID, routing.Route) error {
	n.addRouteCalls++
	if n.failAddRoute {
		return errFake
	}
	return nil
}
func (n *fakeNetlinker) RemoveRoute(model.NetworkID, routing.Route) error {
	n.removeRouteCalls++
	return nil
}
func (n *fakeNetlinker) UpdateRoute(model.NetworkID, routing.Route) error { return nil }
func (n *fakeNetlinker) AddInterfaceToNetwork(model.NetworkID, string) error {
	n.addIfaceCalls++
	if n.failAddInterfaceNetwork {
		return errFake
	}
	return nil
}
func (n *fakeNetlinker) RemoveInterfaceFromNetwork(model.NetworkID, string) error {
	n.removeIfaceCalls++
	return nil
}
func (n *fakeNetlinker) AddInterfaceForward(from, to string) error {
	n.forwardAdds++
	return nil
}
func (n *fakeNetlinker) RemoveInterfaceForward(from, to string) error {
	n.forwardRemoves++
	return nil
}

type errString string

func (e errString) Error() string { return string(e) }

const errFake = errString("fake failure")

type fakeDHCP struct {
	started, stopped int
	failStart        bool
}

func (d *fakeDHCP) StartServing(iface string, cfg dhcp.Config) error {
	d.started++
	if d.failStart {
		return errFake
	}
	return nil
}
func (d *fakeDHCP) StopServing(iface string) error {
	d.stopped++
	return nil
}

func newTestServer(t *testing.T, nl *fakeNetlinker, dhcpCtl *fakeDHCP) (*Server, []model.IpServerPhase) {
	t.Helper()
	addrCoord := address.New(false)
	routeCoord := routing.New(nl, addrCoord)

	var phases []model.IpServerPhase
	s := New("usb0", model.DownstreamUsb, "usb0", Deps{
		Address:       addrCoord,
		Routing:       routeCoord,
		DHCP:          dhcpCtl,
		Clock:         fixedClock{time.Now()},
		LeaseDuration: time.Hour,
		OnPhaseChanged: func(id string, phase model.IpServerPhase, mode ServingMode) {
			phases = append(phases, phase)
		},
	})
	return s, phases
}

func TestServerStartThenEnable(t *testing.T) {
	nl := &fakeNetlinker{}
	dhcpCtl := &fakeDHCP{}
	s, _ := newTestServer(t, nl, dhcpCtl)

	if s.Phase() != model.PhaseUnavailable {
		t.Fatalf("initial phase = %s, want unavailable", s.Phase())
	}

	s.Start()
	if s.Phase() != model.PhaseAvailable {
		t.Fatalf("phase after Start = %s, want available", s.Phase())
	}

	ok := s.Enable(ModeTethered, model.TetheringRequest{Type: model.DownstreamUsb})
	if !ok {
		t.Fatalf("Enable failed: %v", s.LastError())
	}
	if s.Phase() != model.PhaseTethered {
		t.Fatalf("phase after Enable = %s, want tethered", s.Phase())
	}
	if nl.addRouteCalls != 1 || nl.addIfaceCalls != 1 || dhcpCtl.started != 1 {
		t.Errorf("expected one route/interface/dhcp start, got routes=%d ifaces=%d dhcp=%d",
			nl.addRouteCalls, nl.addIfaceCalls, dhcpCtl.started)
	}
}

func TestServerEnableRevertsOnDHCPFailure(t *testing.T) {
	nl := &fakeNetlinker{}
	dhcpCtl := &fakeDHCP{failStart: true}
	s, _ := newTestServer(t, nl, dhcpCtl)

	s.Start()
	ok := s.Enable(ModeTethered, model.TetheringRequest{Type: model.DownstreamUsb})
	if ok {
		t.Fatal("expected Enable to fail when DHCP fails to start")
	}
	if s.Phase() != model.PhaseAvailable {
		t.Fatalf("phase after failed Enable = %s, want available (reverted)", s.Phase())
	}
	if s.LastError() != model.ErrInternal {
		t.Errorf("LastError = %v, want ErrInternal", s.LastError())
	}
	if nl.removeIfaceCalls != 1 || nl.removeRouteCalls != 1 {
		t.Errorf("expected the route and interface binding to be reverted, got removeIface=%d removeRoute=%d",
			nl.removeIfaceCalls, nl.removeRouteCalls)
	}
}

func TestServerEnableOnlyFromAvailable(t *testing.T) {
	nl := &fakeNetlinker{}
	dhcpCtl := &fakeDHCP{}
	s, _ := newTestServer(t, nl, dhcpCtl)

	// Still UNAVAILABLE: Enable must be rejected.
	if s.Enable(ModeTethered, model.TetheringRequest{Type: model.DownstreamUsb}) {
		t.Error("Enable should fail from UNAVAILABLE")
	}
}

func TestServerStopTearsDownFromTethered(t *testing.T) {
	nl := &fakeNetlinker{}
	dhcpCtl := &fakeDHCP{}
	s, _ := newTestServer(t, nl, dhcpCtl)

	s.Start()
	s.Enable(ModeTethered, model.TetheringRequest{Type: model.DownstreamUsb})
	s.Stop()

	if s.Phase() != model.PhaseUnavailable {
		t.Fatalf("phase after Stop = %s, want unavailable", s.Phase())
	}
	if dhcpCtl.stopped != 1 {
		t.Errorf("expected DHCP serving to stop once, got %d", dhcpCtl.stopped)
	}
}

func TestServerNotifyPrefixConflictReassigns(t *testing.T) {
	nl := &fakeNetlinker{}
	dhcpCtl := &fakeDHCP{}
	s, _ := newTestServer(t, nl, dhcpCtl)

	s.Start()
	s.Enable(ModeTethered, model.TetheringRequest{Type: model.DownstreamUsb})
	oldPrefix := s.prefix

	s.NotifyPrefixConflict("usb0")

	if s.Phase() != model.PhaseTethered {
		t.Fatalf("phase after reassignment = %s, want still tethered", s.Phase())
	}
	if s.prefix == oldPrefix {
		t.Error("expected a fresh prefix to be assigned on conflict")
	}
}
