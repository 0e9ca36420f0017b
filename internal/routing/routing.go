// Package routing is the narrow interface through which the rest of the
// core programs kernel routes, binds interfaces to the local network, and
// tracks upstream prefixes, backed by rtnetlink.
package routing

import (
	"fmt"

	"tetherd/internal/model"
)

// Errno is the errno-shaped result carried by coordinator failures.
// Kernel errors are caught at their call site and converted into state
// transitions; they never unwind the event loop.
type Errno struct {
	Op  string
	Err error
}

func (e *Errno) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *Errno) Unwrap() error { return e.Err }

func errnof(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Errno{Op: op, Err: err}
}

// Route is a single route entry the coordinator installs or removes.
type Route struct {
	Destination string // CIDR
	Gateway     string // optional
	Interface   string
}

// Netlinker is the subset of netlink operations RoutingCoordinator needs.
// The production implementation is backed by rtnetlink/mdlayher-netlink
// (see netlink.go); tests substitute a fake.
type Netlinker interface {
	AddRoute(netID model.NetworkID, r Route) error
	RemoveRoute(netID model.NetworkID, r Route) error
	UpdateRoute(netID model.NetworkID, r Route) error
	AddInterfaceToNetwork(netID model.NetworkID, iface string) error
	RemoveInterfaceFromNetwork(netID model.NetworkID, iface string) error
	AddInterfaceForward(fromIface, toIface string) error
	RemoveInterfaceForward(fromIface, toIface string) error
}

// Coordinator fronts a Netlinker for kernel writes and the address
// coordinator for upstream-prefix bookkeeping.
type Coordinator struct {
	nl Netlinker

	upstreamAddresses  func(model.NetworkID, model.LinkProperties, model.NetworkCapabilities, func(serverID string))
	upstreamRemoved    func(model.NetworkID)
	upstreamDeprecated func(present map[model.NetworkID]bool)
}

// AddressUpdater is the subset of address.Coordinator RoutingCoordinator
// drives directly (kept as an interface here to avoid an import cycle:
// address never needs to know about routing).
type AddressUpdater interface {
	UpdateUpstreamPrefix(model.NetworkID, model.LinkProperties, model.NetworkCapabilities, func(serverID string))
	RemoveUpstreamPrefix(model.NetworkID)
	MaybeRemoveDeprecatedUpstreams(present map[model.NetworkID]bool)
}

// New creates a Coordinator backed by nl for kernel I/O and addr for
// upstream-prefix bookkeeping.
func New(nl Netlinker, addr AddressUpdater) *Coordinator {
	return &Coordinator{
		nl:                 nl,
		upstreamAddresses:  addr.UpdateUpstreamPrefix,
		upstreamRemoved:    addr.RemoveUpstreamPrefix,
		upstreamDeprecated: addr.MaybeRemoveDeprecatedUpstreams,
	}
}

func (c *Coordinator) AddRoute(netID model.NetworkID, r Route) error {
	return errnof("addRoute", c.nl.AddRoute(netID, r))
}

func (c *Coordinator) RemoveRoute(netID model.NetworkID, r Route) error {
	return errnof("removeRoute", c.nl.RemoveRoute(netID, r))
}

func (c *Coordinator) UpdateRoute(netID model.NetworkID, r Route) error {
	return errnof("updateRoute", c.nl.UpdateRoute(netID, r))
}

func (c *Coordinator) AddInterfaceToNetwork(netID model.NetworkID, iface string) error {
	return errnof("addInterfaceToNetwork", c.nl.AddInterfaceToNetwork(netID, iface))
}

func (c *Coordinator) RemoveInterfaceFromNetwork(netID model.NetworkID, iface string) error {
	return errnof("removeInterfaceFromNetwork", c.nl.RemoveInterfaceFromNetwork(netID, iface))
}

func (c *Coordinator) AddInterfaceForward(from, to string) error {
	return errnof("addInterfaceForward", c.nl.AddInterfaceForward(from, to))
}

func (c *Coordinator) RemoveInterfaceForward(from, to string) error {
	return errnof("removeInterfaceForward", c.nl.RemoveInterfaceForward(from, to))
}

// UpdateUpstreamPrefix forwards to the AddressCoordinator.
func (c *Coordinator) UpdateUpstreamPrefix(
	net model.NetworkID,
	lp model.LinkProperties,
	nc model.NetworkCapabilities,
	notify func(serverID string),
) {
	c.upstreamAddresses(net, lp, nc, notify)
}

// RemoveUpstreamPrefix forwards to the AddressCoordinator.
func (c *Coordinator) RemoveUpstreamPrefix(net model.NetworkID) {
	c.upstreamRemoved(net)
}

// MaybeRemoveDeprecatedUpstreams forwards to the AddressCoordinator,
// dropping tracked networks absent from present.
func (c *Coordinator) MaybeRemoveDeprecatedUpstreams(present map[model.NetworkID]bool) {
	c.upstreamDeprecated(present)
}
