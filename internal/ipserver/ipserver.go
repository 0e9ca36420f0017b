// Package ipserver implements the per-downstream state machine that walks
// UNAVAILABLE -> AVAILABLE -> TETHERED|LOCAL_ONLY and back, requesting a
// prefix from the address coordinator, programming it via the routing
// coordinator, and handing a DHCP range to the external tether daemon.
package ipserver

import (
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/timeutil"

	"tetherd/internal/address"
	"tetherd/internal/dhcp"
	"tetherd/internal/model"
	"tetherd/internal/routing"
)

// ServingMode is the mode enable() was asked to bring the server up in.
type ServingMode int

const (
	ModeTethered ServingMode = iota
	ModeLocalOnly
)

// Deps bundles the collaborators an IpServer drives.
type Deps struct {
	Address *address.Coordinator
	Routing *routing.Coordinator
	DHCP    dhcp.ServerController
	Clock   timeutil.Clock

	// LeaseDuration is the DHCP lease TTL handed to the external daemon.
	LeaseDuration time.Duration

	// OnPhaseChanged is called whenever the server's phase changes, for
	// the orchestrator's notifyList bookkeeping.
	OnPhaseChanged func(serverID string, phase model.IpServerPhase, servingMode ServingMode)
}

// Server is one IpServer instance.
type Server struct {
	id    string
	dtype model.DownstreamType
	iface string
	deps  Deps

	phase       model.IpServerPhase
	servingMode ServingMode
	lastError   model.ErrorCode

	prefix     netip.Prefix
	havePrefix bool
	pool       *dhcp.Pool

	upstreamIfaces []string
	useLastAddr    bool
}

// New creates a Server for the given downstream interface, initially
// UNAVAILABLE.
func New(id string, dtype model.DownstreamType, iface string, deps Deps) *Server {
	return &Server{
		id:    id,
		dtype: dtype,
		iface: iface,
		deps:  deps,
		phase: model.PhaseUnavailable,
	}
}

func (s *Server) ID() string                 { return s.id }
func (s *Server) Phase() model.IpServerPhase { return s.phase }
func (s *Server) LastError() model.ErrorCode { return s.lastError }
func (s *Server) InterfaceName() string      { return s.iface }
func (s *Server) Type() model.DownstreamType { return s.dtype }

// Start implements start(): UNAVAILABLE -> AVAILABLE (interface present).
func (s *Server) Start() {
	if s.phase != model.PhaseUnavailable {
		return
	}
	s.phase = model.PhaseAvailable
	s.notify()
}

// Enable implements enable(serving_mode, request): AVAILABLE ->
// TETHERED|LOCAL_ONLY, reverting all prior steps on any failure.
func (s *Server) Enable(mode ServingMode, req model.TetheringRequest) bool {
	if s.phase != model.PhaseAvailable {
		return false
	}

	scope := req.Scope
	if scope == "" {
		scope = s.dtype.DefaultScope()
	}

	prefix, ok := s.deps.Address.RequestDownstreamAddress(s.id, s.dtype, scope, s.useLastAddr)
	if !ok {
		s.lastError = model.ErrNoAddressAvailable
		s.notify()
		return false
	}

	if err := s.deps.Routing.AddRoute(0, routing.Route{
		Destination: prefix.String(),
		Interface:   s.iface,
	}); err != nil {
		s.deps.Address.ReleaseDownstream(s.id)
		s.lastError = model.ErrInternal
		s.notify()
		return false
	}

	if err := s.deps.Routing.AddInterfaceToNetwork(0, s.iface); err != nil {
		s.deps.Routing.RemoveRoute(0, routing.Route{Destination: prefix.String(), Interface: s.iface})
		s.deps.Address.ReleaseDownstream(s.id)
		s.lastError = model.ErrInternal
		s.notify()
		return false
	}

	cfg := dhcp.RangeFromPrefix(prefix, s.deps.LeaseDuration, s.deps.Clock)
	if err := s.deps.DHCP.StartServing(s.iface, cfg); err != nil {
		s.deps.Routing.RemoveInterfaceFromNetwork(0, s.iface)
		s.deps.Routing.RemoveRoute(0, routing.Route{Destination: prefix.String(), Interface: s.iface})
		s.deps.Address.ReleaseDownstream(s.id)
		s.lastError = model.ErrInternal
		s.notify()
		return false
	}

	if mode == ModeTethered {
		if err := s.deps.Routing.AddInterfaceForward(s.upstreamIfaceOrEmpty(), s.iface); err != nil {
			s.deps.DHCP.StopServing(s.iface)
			s.deps.Routing.RemoveInterfaceFromNetwork(0, s.iface)
			s.deps.Routing.RemoveRoute(0, routing.Route{Destination: prefix.String(), Interface: s.iface})
			s.deps.Address.ReleaseDownstream(s.id)
			s.lastError = model.ErrInternal
			s.notify()
			return false
		}
	}

	s.prefix = prefix
	s.havePrefix = true
	s.pool = dhcp.NewPool(s.iface, s.deps.Clock)
	s.servingMode = mode
	s.lastError = model.ErrNone

	if mode == ModeTethered {
		s.phase = model.PhaseTethered
	} else {
		s.phase = model.PhaseLocalOnly
	}

	s.notify()
	return true
}

func (s *Server) upstreamIfaceOrEmpty() string {
	if len(s.upstreamIfaces) == 0 {
		return ""
	}
	return s.upstreamIfaces[0]
}

// TetherConnectionChanged implements the TETHER_CONNECTION_CHANGED
// message: the orchestrator's current upstream interface set.
func (s *Server) TetherConnectionChanged(ifaces []string) {
	old := s.upstreamIfaceOrEmpty()
	s.upstreamIfaces = ifaces
	if s.phase == model.PhaseTethered && s.upstreamIfaceOrEmpty() != old {
		if old != "" {
			s.deps.Routing.RemoveInterfaceForward(old, s.iface)
		}
		if newIface := s.upstreamIfaceOrEmpty(); newIface != "" {
			s.deps.Routing.AddInterfaceForward(newIface, s.iface)
		}
	}
}

// NotifyPrefixConflict implements address.Notifier: release and re-request
// on conflict; fall back to AVAILABLE with NO_ADDRESS_AVAILABLE if none is
// free.
func (s *Server) NotifyPrefixConflict(serverID string) {
	if serverID != s.id || (s.phase != model.PhaseTethered && s.phase != model.PhaseLocalOnly) {
		return
	}
	s.deps.Address.ReleaseDownstream(s.id)

	scope := s.dtype.DefaultScope()
	prefix, ok := s.deps.Address.RequestDownstreamAddress(s.id, s.dtype, scope, false)
	if !ok {
		s.lastError = model.ErrNoAddressAvailable
		s.teardownToAvailable()
		return
	}

	s.deps.Routing.RemoveRoute(0, routing.Route{Destination: s.prefix.String(), Interface: s.iface})
	s.prefix = prefix
	s.deps.Routing.AddRoute(0, routing.Route{Destination: prefix.String(), Interface: s.iface})

	// The advertised pool has to follow the prefix; existing leases in the
	// old range die with the restart.
	s.deps.DHCP.StopServing(s.iface)
	cfg := dhcp.RangeFromPrefix(prefix, s.deps.LeaseDuration, s.deps.Clock)
	if err := s.deps.DHCP.StartServing(s.iface, cfg); err != nil {
		s.lastError = model.ErrInternal
		s.teardownToAvailable()
		return
	}
	s.pool = dhcp.NewPool(s.iface, s.deps.Clock)
}

// IPForwardingEnableError implements the IP_FORWARDING_ENABLE_ERROR
// message: the server reverts to AVAILABLE with an internal error.
func (s *Server) IPForwardingEnableError() {
	s.lastError = model.ErrInternal
	s.teardownToAvailable()
}

// Unwanted implements unwanted(): TETHERED|LOCAL_ONLY -> AVAILABLE.
func (s *Server) Unwanted() {
	s.teardownToAvailable()
}

func (s *Server) teardownToAvailable() {
	if s.phase != model.PhaseTethered && s.phase != model.PhaseLocalOnly {
		return
	}
	if s.phase == model.PhaseTethered {
		s.deps.Routing.RemoveInterfaceForward(s.upstreamIfaceOrEmpty(), s.iface)
	}
	s.deps.DHCP.StopServing(s.iface)
	s.deps.Routing.RemoveInterfaceFromNetwork(0, s.iface)
	if s.havePrefix {
		s.deps.Routing.RemoveRoute(0, routing.Route{Destination: s.prefix.String(), Interface: s.iface})
		s.deps.Address.ReleaseDownstream(s.id)
		s.havePrefix = false
	}
	s.pool = nil
	s.phase = model.PhaseAvailable
	s.notify()
}

// Stop implements stop(): any state -> UNAVAILABLE.
func (s *Server) Stop() {
	if s.phase == model.PhaseTethered || s.phase == model.PhaseLocalOnly {
		s.teardownToAvailable()
	}
	s.phase = model.PhaseUnavailable
	s.notify()
}

// ClientCount reports the active DHCP lease count for the clientsChanged
// callback.
func (s *Server) ClientCount() int {
	if s.pool == nil {
		return 0
	}
	return s.pool.ActiveClientCount()
}

func (s *Server) notify() {
	if s.deps.OnPhaseChanged != nil {
		s.deps.OnPhaseChanged(s.id, s.phase, s.servingMode)
	}
}
