// Package upstream tracks the default network and any candidate upstream
// networks, and emits serialized events the orchestrator's upstream
// selection consumes. It reacts to change notifications rather than
// polling.
package upstream

import (
	"sort"

	"tetherd/internal/eventbus"
	"tetherd/internal/model"
)

// Event kinds posted to the orchestrator's bus.
const (
	EventLinkPropertiesChanged = "upstream.link_properties_changed"
	EventCapabilitiesChanged   = "upstream.capabilities_changed"
	EventLost                  = "upstream.lost"
	EventDefaultSwitched       = "upstream.default_switched"
	EventLocalPrefixes         = "upstream.local_prefixes"
)

// LinkPropertiesChangedPayload accompanies EventLinkPropertiesChanged.
type LinkPropertiesChangedPayload struct {
	Network model.NetworkID
	Props   model.LinkProperties
	Caps    model.NetworkCapabilities
}

// CapabilitiesChangedPayload accompanies EventCapabilitiesChanged.
type CapabilitiesChangedPayload struct {
	Network model.NetworkID
	Caps    model.NetworkCapabilities
}

// LostPayload accompanies EventLost.
type LostPayload struct {
	Network model.NetworkID
}

// DefaultSwitchedPayload accompanies EventDefaultSwitched.
type DefaultSwitchedPayload struct {
	Network model.NetworkID
	Valid   bool
}

// LocalPrefixesPayload accompanies EventLocalPrefixes: the set of
// on-device reserved prefixes offload must never touch.
type LocalPrefixesPayload struct {
	Prefixes []string
}

// candidate is everything the monitor tracks about one network.
type candidate struct {
	id    model.NetworkID
	props model.LinkProperties
	caps  model.NetworkCapabilities
	// defaultRank is the platform's network-selection rank; lower is more
	// preferred. The core doesn't compute this (it's handed ranking
	// decisions already made upstream of it); candidates are ordered by
	// registration.
	defaultRank int
}

// Monitor is the UpstreamMonitor.
type Monitor struct {
	bus *eventbus.Bus

	networks map[model.NetworkID]*candidate
	order    []model.NetworkID // registration order, used as default rank

	defaultNetwork model.NetworkID
	haveDefault    bool

	tryCell     bool
	localPrefix []string
}

// New creates a Monitor posting events to bus.
func New(bus *eventbus.Bus) *Monitor {
	return &Monitor{
		bus:      bus,
		networks: make(map[model.NetworkID]*candidate),
	}
}

// NetworkAppeared registers a newly connected network as a candidate
// upstream and makes it the default if none is set yet.
func (m *Monitor) NetworkAppeared(id model.NetworkID, props model.LinkProperties, caps model.NetworkCapabilities) {
	if _, ok := m.networks[id]; ok {
		return
	}
	m.networks[id] = &candidate{id: id, props: props, caps: caps, defaultRank: len(m.order)}
	m.order = append(m.order, id)

	if !m.haveDefault {
		m.defaultNetwork = id
		m.haveDefault = true
		m.bus.Post(eventbus.Event{Kind: EventDefaultSwitched, Payload: DefaultSwitchedPayload{Network: id, Valid: true}})
	}
}

// NetworkLinkPropertiesChanged updates a tracked network's LinkProperties
// and notifies the orchestrator.
func (m *Monitor) NetworkLinkPropertiesChanged(id model.NetworkID, props model.LinkProperties) {
	c, ok := m.networks[id]
	if !ok {
		return
	}
	c.props = props
	m.bus.Post(eventbus.Event{Kind: EventLinkPropertiesChanged, Payload: LinkPropertiesChangedPayload{
		Network: id, Props: props, Caps: c.caps,
	}})
}

// NetworkCapabilitiesChanged updates a tracked network's capabilities.
func (m *Monitor) NetworkCapabilitiesChanged(id model.NetworkID, caps model.NetworkCapabilities) {
	c, ok := m.networks[id]
	if !ok {
		return
	}
	c.caps = caps
	m.bus.Post(eventbus.Event{Kind: EventCapabilitiesChanged, Payload: CapabilitiesChangedPayload{Network: id, Caps: caps}})
}

// NetworkLost removes a network and reassigns the default if it was one.
func (m *Monitor) NetworkLost(id model.NetworkID) {
	if _, ok := m.networks[id]; !ok {
		return
	}
	delete(m.networks, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}

	m.bus.Post(eventbus.Event{Kind: EventLost, Payload: LostPayload{Network: id}})

	if m.haveDefault && m.defaultNetwork == id {
		m.haveDefault = false
		if len(m.order) > 0 {
			m.defaultNetwork = m.order[0]
			m.haveDefault = true
		}
		m.bus.Post(eventbus.Event{Kind: EventDefaultSwitched, Payload: DefaultSwitchedPayload{Network: m.defaultNetwork, Valid: m.haveDefault}})
	}
}

// SetLocalPrefixes posts the on-device reserved-prefix set to the
// orchestrator, which forwards it to the OffloadController's exempt set.
func (m *Monitor) SetLocalPrefixes(prefixes []string) {
	m.localPrefix = prefixes
	m.bus.Post(eventbus.Event{Kind: EventLocalPrefixes, Payload: LocalPrefixesPayload{Prefixes: prefixes}})
}

// SetTryCell implements set_try_cell: request or release a cellular
// upstream. The actual radio request is a platform telephony concern out
// of this core's scope; only the flag is tracked, and it is read back via
// TryCellRequested.
func (m *Monitor) SetTryCell(want bool) {
	m.tryCell = want
}

// TryCellRequested reports the current set_try_cell state.
func (m *Monitor) TryCellRequested() bool { return m.tryCell }

// GetCurrentPreferredUpstream implements get_current_preferred_upstream:
// when auto-select is in effect, returns the current default network.
func (m *Monitor) GetCurrentPreferredUpstream() (model.NetworkID, model.LinkProperties, model.NetworkCapabilities, bool) {
	if !m.haveDefault {
		return 0, model.LinkProperties{}, model.NetworkCapabilities{}, false
	}
	c := m.networks[m.defaultNetwork]
	if c == nil {
		return 0, model.LinkProperties{}, model.NetworkCapabilities{}, false
	}
	return c.id, c.props, c.caps, true
}

// SelectPreferredUpstreamType implements select_preferred_upstream_type:
// an explicit priority walk over preferred capability predicates. Each
// entry in preferred is tried in order; the first matching candidate
// wins. A nil predicate matches any candidate (used for a trailing
// "anything" fallback).
func (m *Monitor) SelectPreferredUpstreamType(preferred []func(model.NetworkCapabilities) bool) (model.NetworkID, model.LinkProperties, model.NetworkCapabilities, bool) {
	ids := make([]model.NetworkID, len(m.order))
	copy(ids, m.order)
	sort.Slice(ids, func(i, j int) bool {
		return m.networks[ids[i]].defaultRank < m.networks[ids[j]].defaultRank
	})

	for _, pred := range preferred {
		for _, id := range ids {
			c := m.networks[id]
			if pred == nil || pred(c.caps) {
				return c.id, c.props, c.caps, true
			}
		}
	}
	return 0, model.LinkProperties{}, model.NetworkCapabilities{}, false
}

// PresentNetworks returns the set of currently tracked network IDs, for
// AddressCoordinator.MaybeRemoveDeprecatedUpstreams.
func (m *Monitor) PresentNetworks() map[model.NetworkID]bool {
	out := make(map[model.NetworkID]bool, len(m.networks))
	for id := range m.networks {
		out[id] = true
	}
	return out
}
