package upstream

import (
	"testing"

	"tetherd/internal/eventbus"
	"tetherd/internal/model"
)

func drainEvents(bus *eventbus.Bus) []eventbus.Event {
	var out []eventbus.Event
	for {
		select {
		case ev := <-bus.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestFirstNetworkBecomesDefault(t *testing.T) {
	bus := eventbus.New(16)
	defer bus.Close()
	m := New(bus)

	m.NetworkAppeared(model.NetworkID(1), model.LinkProperties{InterfaceName: "rmnet0"}, model.NetworkCapabilities{IsCellular: true})

	id, props, caps, ok := m.GetCurrentPreferredUpstream()
	if !ok || id != model.NetworkID(1) || props.InterfaceName != "rmnet0" || !caps.IsCellular {
		t.Fatalf("GetCurrentPreferredUpstream() = (%v, %s, %+v, %v), want network 1", id, props.InterfaceName, caps, ok)
	}

	evs := drainEvents(bus)
	if len(evs) != 1 || evs[0].Kind != EventDefaultSwitched {
		t.Fatalf("expected one default-switched event, got %v", evs)
	}
}

func TestNetworkLostReassignsDefault(t *testing.T) {
	bus := eventbus.New(16)
	defer bus.Close()
	m := New(bus)

	m.NetworkAppeared(model.NetworkID(1), model.LinkProperties{InterfaceName: "rmnet0"}, model.NetworkCapabilities{})
	m.NetworkAppeared(model.NetworkID(2), model.LinkProperties{InterfaceName: "wlan1"}, model.NetworkCapabilities{})
	drainEvents(bus)

	m.NetworkLost(model.NetworkID(1))

	id, _, _, ok := m.GetCurrentPreferredUpstream()
	if !ok || id != model.NetworkID(2) {
		t.Fatalf("expected network 2 to become the default after 1 is lost, got (%v, %v)", id, ok)
	}

	evs := drainEvents(bus)
	if len(evs) != 2 || evs[0].Kind != EventLost || evs[1].Kind != EventDefaultSwitched {
		t.Fatalf("expected lost then default-switched, got %v", evs)
	}
}

func TestSelectPreferredUpstreamTypeWalksInOrder(t *testing.T) {
	bus := eventbus.New(16)
	defer bus.Close()
	m := New(bus)

	m.NetworkAppeared(model.NetworkID(1), model.LinkProperties{InterfaceName: "eth0"}, model.NetworkCapabilities{})
	m.NetworkAppeared(model.NetworkID(2), model.LinkProperties{InterfaceName: "rmnet0"}, model.NetworkCapabilities{IsCellular: true})

	cellFirst := []func(model.NetworkCapabilities) bool{
		func(c model.NetworkCapabilities) bool { return c.IsCellular },
		nil,
	}
	id, _, caps, ok := m.SelectPreferredUpstreamType(cellFirst)
	if !ok || id != model.NetworkID(2) || !caps.IsCellular {
		t.Fatalf("cellular-first walk picked (%v, %+v, %v), want network 2", id, caps, ok)
	}

	anyFirst := []func(model.NetworkCapabilities) bool{nil}
	id, _, _, ok = m.SelectPreferredUpstreamType(anyFirst)
	if !ok || id != model.NetworkID(1) {
		t.Fatalf("wildcard walk picked (%v, %v), want the first-registered network 1", id, ok)
	}
}

func TestPresentNetworks(t *testing.T) {
	bus := eventbus.New(16)
	defer bus.Close()
	m := New(bus)

	m.NetworkAppeared(model.NetworkID(7), model.LinkProperties{}, model.NetworkCapabilities{})
	drainEvents(bus)
	m.NetworkLost(model.NetworkID(7))
	m.NetworkAppeared(model.NetworkID(8), model.LinkProperties{}, model.NetworkCapabilities{})

	present := m.PresentNetworks()
	if present[model.NetworkID(7)] || !present[model.NetworkID(8)] {
		t.Errorf("PresentNetworks() = %v, want only network 8", present)
	}
}

func TestSetTryCellIsReadBack(t *testing.T) {
	bus := eventbus.New(16)
	defer bus.Close()
	m := New(bus)

	m.SetTryCell(true)
	if !m.TryCellRequested() {
		t.Error("TryCellRequested() = false after SetTryCell(true)")
	}
	m.SetTryCell(false)
	if m.TryCellRequested() {
		t.Error("TryCellRequested() = true after SetTryCell(false)")
	}
}
