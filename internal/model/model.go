// Package model holds the data types shared across the tethering control
// plane: downstream/request records, per-downstream and orchestrator state
// enums, and the static prefix pools used by address allocation.
package model

import "net/netip"

// DownstreamType is the physical carrier a downstream interface serves
// clients over.
type DownstreamType string

const (
	DownstreamWifi      DownstreamType = "wifi"
	DownstreamWifiP2p   DownstreamType = "wifi_p2p"
	DownstreamUsb       DownstreamType = "usb"
	DownstreamNcm       DownstreamType = "ncm"
	DownstreamBluetooth DownstreamType = "bluetooth"
	DownstreamEthernet  DownstreamType = "ethernet"
	DownstreamVirtual   DownstreamType = "virtual"
	DownstreamWigig     DownstreamType = "wigig"
)

// AllDownstreamTypes lists every DownstreamType in bitmap order.
var AllDownstreamTypes = []DownstreamType{
	DownstreamWifi, DownstreamWifiP2p, DownstreamUsb, DownstreamNcm,
	DownstreamBluetooth, DownstreamEthernet, DownstreamVirtual, DownstreamWigig,
}

// Bit returns t's position in the supported-type bitmap published to
// listeners; zero for an unknown type.
func (t DownstreamType) Bit() uint32 {
	for i, dt := range AllDownstreamTypes {
		if dt == t {
			return 1 << uint(i)
		}
	}
	return 0
}

// SupportedTypeBitmap folds types into one bitmap value.
func SupportedTypeBitmap(types []DownstreamType) uint32 {
	var out uint32
	for _, t := range types {
		out |= t.Bit()
	}
	return out
}

// ConnectivityScope distinguishes a downstream that forwards to the
// Internet (global) from one that only offers local addressing/DHCP.
type ConnectivityScope string

const (
	ScopeGlobal ConnectivityScope = "global"
	ScopeLocal  ConnectivityScope = "local"
)

// DefaultScope returns the scope a downstream of this type serves unless a
// request overrides it.
func (t DownstreamType) DefaultScope() ConnectivityScope {
	switch t {
	case DownstreamWifiP2p, DownstreamBluetooth:
		return ScopeLocal
	default:
		return ScopeGlobal
	}
}

// TetheringRequest is the immutable record a caller creates to start
// tethering. At most one active request may exist per DownstreamType.
type TetheringRequest struct {
	Type                       DownstreamType
	Scope                      ConnectivityScope
	InterfaceName              string // optional: explicit interface
	SoftApConfig               *SoftApConfig
	ExemptFromEntitlementCheck bool
	UID                        int
	PackageName                string
}

// SoftApConfig is the Wi-Fi SoftAP configuration carried by a
// TetheringRequest for DownstreamWifi.
type SoftApConfig struct {
	SSID     string
	Password string
}

// IpServerPhase is the lifecycle phase of a per-downstream IpServer.
type IpServerPhase string

const (
	PhaseUnavailable IpServerPhase = "unavailable"
	PhaseAvailable   IpServerPhase = "available"
	PhaseTethered    IpServerPhase = "tethered"
	PhaseLocalOnly   IpServerPhase = "local_only"
)

// ErrorCode is the result code returned on IPC calls and stored per
// server as lastError.
type ErrorCode int

const (
	ErrNone ErrorCode = iota
	ErrUnknownIface
	ErrUnavailIface
	ErrInternal
	ErrUnsupported
	ErrServiceUnavail
	ErrNoChangeTetheringPermission
	ErrNoAccessTetheringPermission
	ErrUnknownType
	ErrNoAddressAvailable
	ErrPrefixConflict
)

func (e ErrorCode) String() string {
	switch e {
	case ErrNone:
		return "NO_ERROR"
	case ErrUnknownIface:
		return "UNKNOWN_IFACE"
	case ErrUnavailIface:
		return "UNAVAIL_IFACE"
	case ErrInternal:
		return "INTERNAL_ERROR"
	case ErrUnsupported:
		return "UNSUPPORTED"
	case ErrServiceUnavail:
		return "SERVICE_UNAVAIL"
	case ErrNoChangeTetheringPermission:
		return "NO_CHANGE_TETHERING_PERMISSION"
	case ErrNoAccessTetheringPermission:
		return "NO_ACCESS_TETHERING_PERMISSION"
	case ErrUnknownType:
		return "UNKNOWN_TYPE"
	case ErrNoAddressAvailable:
		return "NO_ADDRESS_AVAILABLE"
	case ErrPrefixConflict:
		return "PREFIX_CONFLICT"
	default:
		return "UNKNOWN_ERROR"
	}
}

// OffloadStatus is reported by the OffloadController to the orchestrator.
type OffloadStatus int

const (
	OffloadStopped OffloadStatus = iota
	OffloadStarted
	OffloadFailed
)

// OrchestratorState is the top-level TetherOrchestrator state.
type OrchestratorState string

const (
	StateInitial             OrchestratorState = "initial"
	StateTetherModeAlive     OrchestratorState = "tether_mode_alive"
	StateIpForwardEnableErr  OrchestratorState = "ip_forward_enable_error"
	StateIpForwardDisableErr OrchestratorState = "ip_forward_disable_error"
	StateStartTetherErr      OrchestratorState = "start_tether_error"
	StateStopTetherErr       OrchestratorState = "stop_tether_error"
	StateDnsForwardersErr    OrchestratorState = "dns_forwarders_error"
)

// IsError reports whether s is one of the terminal error states.
func (s OrchestratorState) IsError() bool {
	switch s {
	case StateIpForwardEnableErr, StateIpForwardDisableErr, StateStartTetherErr,
		StateStopTetherErr, StateDnsForwardersErr:
		return true
	default:
		return false
	}
}

// Nat64Phase is the per-network 464xlat state.
type Nat64Phase string

const (
	Nat64Idle        Nat64Phase = "idle"
	Nat64Discovering Nat64Phase = "discovering"
	Nat64Starting    Nat64Phase = "starting"
	Nat64Running     Nat64Phase = "running"
)

// LinkProperties mirrors the subset of a network's IP configuration the
// core cares about: its addresses, routes, and DNS servers.
type LinkProperties struct {
	InterfaceName string
	Addresses     []netip.Prefix
	DNS           []netip.Addr
	Gateways      []netip.Addr
}

// IPv4Prefixes returns the IPv4 prefixes among lp's addresses.
func (lp LinkProperties) IPv4Prefixes() []netip.Prefix {
	var out []netip.Prefix
	for _, p := range lp.Addresses {
		if p.Addr().Is4() {
			out = append(out, p)
		}
	}
	return out
}

// NetworkCapabilities is the subset of upstream network capabilities the
// core inspects (VPN-ness, cellular-ness).
type NetworkCapabilities struct {
	IsVPN      bool
	IsCellular bool
	// NotMetered, NotRoaming, etc. are out of scope for this core; the
	// capability surface is deliberately narrow.
}

// NetworkID identifies an upstream network. The platform's real identifier
// type is opaque to the core; it only needs equality and a stable value to
// key maps with.
type NetworkID int64

// Static private prefix pools and the reserved per-type blocks.
var (
	Pool10          = netip.MustParsePrefix("10.0.0.0/8")
	Pool172         = netip.MustParsePrefix("172.16.0.0/12")
	Pool192         = netip.MustParsePrefix("192.168.0.0/16")
	WifiP2pPrefix   = netip.MustParsePrefix("192.168.49.1/24")
	BluetoothPrefix = netip.MustParsePrefix("192.168.44.1/24")
)

// Pools returns the three static pools in priority order.
func Pools() []netip.Prefix { return []netip.Prefix{Pool10, Pool172, Pool192} }
