package routing

import (
	"fmt"
	"log"
	"net/netip"
	"syscall"

	"tetherd/internal/eventbus"
	"tetherd/internal/model"

	"github.com/jsimonetti/rtnetlink"
	"github.com/mdlayher/netlink"
)

// Netlink message types of interest.
const (
	rtmNewlink = syscall.RTM_NEWLINK
	rtmDellink = syscall.RTM_DELLINK
	rtmNewaddr = syscall.RTM_NEWADDR
	rtmDeladdr = syscall.RTM_DELADDR
)

// LinkEvent is posted onto the bus when an interface appears, changes
// carrier state, or is removed — the orchestrator consumes these and
// drives the matching IpServer.
type LinkEvent struct {
	Interface  string
	Index      uint32
	Up         bool
	HasCarrier bool
	Removed    bool
}

// AddressEvent is posted when an interface gains or loses an IPv4
// address; the watcher does not join the IPv6 address group.
type AddressEvent struct {
	Interface string
	Index     uint32
	Address   netip.Addr
	Removed   bool
}

const (
	EventLinkChanged    = "routing.link_changed"
	EventAddressChanged = "routing.address_changed"
)

// Watcher watches netlink link/address events and posts them to a Bus; it
// also implements Netlinker by issuing rtnetlink route/address/link calls.
type Watcher struct {
	conn   *netlink.Conn
	rtConn *rtnetlink.Conn
	bus    *eventbus.Bus
	stopCh chan struct{}

	lastLinkState map[uint32]string
}

// NewWatcher dials the route netlink family for link/address groups and a
// separate rtnetlink connection for List/write operations.
func NewWatcher(bus *eventbus.Bus) (*Watcher, error) {
	conn, err := netlink.Dial(syscall.NETLINK_ROUTE, &netlink.Config{
		Groups: 0x1 | 0x10, // RTMGRP_LINK | RTMGRP_IPV4_IFADDR
	})
	if err != nil {
		return nil, fmt.Errorf("dial netlink: %w", err)
	}

	rtConn, err := rtnetlink.Dial(nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("dial rtnetlink: %w", err)
	}

	return &Watcher{
		conn:          conn,
		rtConn:        rtConn,
		bus:           bus,
		stopCh:        make(chan struct{}),
		lastLinkState: make(map[uint32]string),
	}, nil
}

// Close releases both netlink connections.
func (w *Watcher) Close() {
	close(w.stopCh)
	w.conn.Close()
	w.rtConn.Close()
}

// Run watches for events until Close. Meant to run on its own goroutine;
// every event it observes is posted to the bus, never applied directly to
// shared state. Only the tethering thread mutates core state.
func (w *Watcher) Run() {
	for {
		select {
		case <-w.stopCh:
			return
		default:
			msgs, err := w.conn.Receive()
			if err != nil {
				log.Printf("routing: netlink receive error: %v", err)
				continue
			}
			for _, msg := range msgs {
				w.handle(msg)
			}
		}
	}
}

func (w *Watcher) handle(msg netlink.Message) {
	switch msg.Header.Type {
	case rtmNewlink:
		w.handleLink(msg.Data, false)
	case rtmDellink:
		w.handleLink(msg.Data, true)
	case rtmNewaddr:
		w.handleAddr(msg.Data, false)
	case rtmDeladdr:
		w.handleAddr(msg.Data, true)
	}
}

func (w *Watcher) handleLink(data []byte, removed bool) {
	var msg rtnetlink.LinkMessage
	if err := msg.UnmarshalBinary(data); err != nil {
		log.Printf("routing: parse link message: %v", err)
		return
	}
	name := msg.Attributes.Name
	if name == "" || name == "lo" {
		return
	}

	if removed {
		w.bus.Post(eventbus.Event{Kind: EventLinkChanged, Payload: LinkEvent{
			Interface: name, Index: msg.Index, Removed: true,
		}})
		return
	}

	up := msg.Attributes.OperationalState == rtnetlink.OperStateUp
	hasCarrier := msg.Attributes.Carrier != nil && *msg.Attributes.Carrier == 1

	key := fmt.Sprintf("%v:%v", up, hasCarrier)
	if w.lastLinkState[msg.Index] == key {
		return
	}
	w.lastLinkState[msg.Index] = key

	w.bus.Post(eventbus.Event{Kind: EventLinkChanged, Payload: LinkEvent{
		Interface: name, Index: msg.Index, Up: up, HasCarrier: hasCarrier,
	}})
}

func (w *Watcher) handleAddr(data []byte, removed bool) {
	var msg rtnetlink.AddressMessage
	if err := msg.UnmarshalBinary(data); err != nil {
		log.Printf("routing: parse address message: %v", err)
		return
	}

	links, err := w.rtConn.Link.List()
	if err != nil {
		return
	}
	var name string
	for _, l := range links {
		if l.Index == msg.Index {
			name = l.Attributes.Name
			break
		}
	}
	if name == "" || name == "lo" {
		return
	}

	addr, ok := netip.AddrFromSlice(msg.Attributes.Address)
	if !ok {
		return
	}

	w.bus.Post(eventbus.Event{Kind: EventAddressChanged, Payload: AddressEvent{
		Interface: name, Index: msg.Index, Address: addr, Removed: removed,
	}})
}

// FetchPresentNetworks lists every non-loopback link, up or down, keyed
// by an interface-derived NetworkID, for use with
// AddressCoordinator.MaybeRemoveDeprecatedUpstreams.
func (w *Watcher) FetchPresentNetworks() (map[model.NetworkID]bool, error) {
	links, err := w.rtConn.Link.List()
	if err != nil {
		return nil, err
	}
	present := make(map[model.NetworkID]bool, len(links))
	for _, l := range links {
		if l.Attributes.Name == "lo" {
			continue
		}
		present[model.NetworkID(l.Index)] = true
	}
	return present, nil
}

// --- Netlinker implementation: write-side route/interface programming ---

// AddRoute installs r in netID's routing table via RTNETLINK.
func (w *Watcher) AddRoute(netID model.NetworkID, r Route) error {
	link, err := w.rtConn.Link.Get(uint32(ifindexOf(r.Interface, w.rtConn)))
	if err != nil {
		return fmt.Errorf("resolve interface %s: %w", r.Interface, err)
	}
	dst, err := netip.ParsePrefix(r.Destination)
	if err != nil {
		return fmt.Errorf("parse destination %s: %w", r.Destination, err)
	}
	return w.rtConn.Route.Add(&rtnetlink.RouteMessage{
		Family:    syscall.AF_INET,
		DstLength: uint8(dst.Bits()),
		Table:     unix_RT_TABLE_MAIN,
		Protocol:  unix_RTPROT_STATIC,
		Scope:     unix_RT_SCOPE_LINK,
		Type:      unix_RTN_UNICAST,
		Attributes: rtnetlink.RouteAttributes{
			Dst:      dst.Addr().AsSlice(),
			OutIface: link.Index,
		},
	})
}

// RemoveRoute removes a previously installed route.
func (w *Watcher) RemoveRoute(netID model.NetworkID, r Route) error {
	dst, err := netip.ParsePrefix(r.Destination)
	if err != nil {
		return fmt.Errorf("parse destination %s: %w", r.Destination, err)
	}
	link, err := w.rtConn.Link.Get(uint32(ifindexOf(r.Interface, w.rtConn)))
	if err != nil {
		return fmt.Errorf("resolve interface %s: %w", r.Interface, err)
	}
	return w.rtConn.Route.Delete(&rtnetlink.RouteMessage{
		Family:    syscall.AF_INET,
		DstLength: uint8(dst.Bits()),
		Attributes: rtnetlink.RouteAttributes{
			Dst:      dst.Addr().AsSlice(),
			OutIface: link.Index,
		},
	})
}

// UpdateRoute replaces an existing route (remove, then add).
func (w *Watcher) UpdateRoute(netID model.NetworkID, r Route) error {
	_ = w.RemoveRoute(netID, r)
	return w.AddRoute(netID, r)
}

// AddInterfaceToNetwork brings iface up, binding it into the local
// routing domain identified by netID. The platform's real multi-table
// network binding is narrower than this core needs to model; bringing the
// link up is the operation IpServer actually depends on.
func (w *Watcher) AddInterfaceToNetwork(netID model.NetworkID, iface string) error {
	idx := ifindexOf(iface, w.rtConn)
	if idx == 0 {
		return fmt.Errorf("interface %s not found", iface)
	}
	return w.rtConn.Link.Set(&rtnetlink.LinkMessage{
		Family: syscall.AF_UNSPEC,
		Index:  uint32(idx),
		Flags:  syscall.IFF_UP,
		Change: syscall.IFF_UP,
	})
}

// RemoveInterfaceFromNetwork brings iface back down.
func (w *Watcher) RemoveInterfaceFromNetwork(netID model.NetworkID, iface string) error {
	idx := ifindexOf(iface, w.rtConn)
	if idx == 0 {
		return fmt.Errorf("interface %s not found", iface)
	}
	return w.rtConn.Link.Set(&rtnetlink.LinkMessage{
		Family: syscall.AF_UNSPEC,
		Index:  uint32(idx),
		Flags:  0,
		Change: syscall.IFF_UP,
	})
}

// AddInterfaceForward and RemoveInterfaceForward only log the
// iptables-FORWARD-equivalent pairing and return nil; they install no
// forwarding rule. These calls are a thin seam a real netfilter backend
// would sit behind rather than the core shelling out to iptables itself.
func (w *Watcher) AddInterfaceForward(fromIface, toIface string) error {
	log.Printf("routing: forward %s -> %s (delegated to datapath)", fromIface, toIface)
	return nil
}

func (w *Watcher) RemoveInterfaceForward(fromIface, toIface string) error {
	log.Printf("routing: forward %s -> %s removed (delegated to datapath)", fromIface, toIface)
	return nil
}

func ifindexOf(name string, rtConn *rtnetlink.Conn) int {
	links, err := rtConn.Link.List()
	if err != nil {
		return 0
	}
	for _, l := range links {
		if l.Attributes.Name == name {
			return int(l.Index)
		}
	}
	return 0
}

// Kernel route constants (avoid pulling in golang.org/x/sys/unix solely
// for four numeric constants already stable across kernel versions).
const (
	unix_RT_TABLE_MAIN  = 254
	unix_RTPROT_STATIC  = 4
	unix_RT_SCOPE_LINK  = 253
	unix_RTN_UNICAST    = 1
)
