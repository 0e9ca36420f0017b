// Package dhcp implements the address-pool and lease bookkeeping an
// IpServer needs to hand a DHCP range to the platform's tether daemon.
// Serving the DHCP protocol itself (packet encode/decode, BOOTP
// retransmission, the wire handshake) is an external daemon's job; this
// package stops at deciding what range that daemon should be configured
// with, and validating the result.
package dhcp

import (
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/AdguardTeam/golibs/validate"
)

// Config is the interface-specific DHCPv4 range configuration handed to
// the external tether daemon for one downstream.
type Config struct {
	// Clock is used for lease-expiry bookkeeping; should not be nil.
	Clock timeutil.Clock

	GatewayIP  netip.Addr
	SubnetMask netip.Addr
	RangeStart netip.Addr
	RangeEnd   netip.Addr

	LeaseDuration time.Duration

	Enabled bool
}

var _ validate.Interface = (*Config)(nil)

// Validate implements validate.Interface.
func (c *Config) Validate() (err error) {
	if c == nil {
		return errors.ErrNoValue
	} else if !c.Enabled {
		return nil
	}

	errs := []error{
		validate.NotNilInterface("clock", c.Clock),
		validate.Positive("lease duration", c.LeaseDuration),
	}
	errs = c.validateSubnet(errs)

	return errors.Join(errs...)
}

func (c *Config) validateSubnet(orig []error) (errs []error) {
	errs = orig

	if !c.GatewayIP.Is4() {
		errs = append(errs, errors.Error("gateway ip must be a valid ipv4 address"))
	}
	if !c.SubnetMask.Is4() {
		errs = append(errs, errors.Error("subnet mask must be a valid ipv4 mask"))
	}
	if !c.RangeStart.Is4() {
		errs = append(errs, errors.Error("range start must be a valid ipv4 address"))
	}
	if !c.RangeEnd.Is4() {
		errs = append(errs, errors.Error("range end must be a valid ipv4 address"))
	}
	if len(errs) > len(orig) {
		// One of the addresses failed the basic shape check; subnet
		// containment can't be meaningfully evaluated.
		return errs
	}

	maskBits := prefixLenOf(c.SubnetMask)
	subnet := netip.PrefixFrom(c.GatewayIP, maskBits)

	switch {
	case !subnet.Contains(c.RangeStart):
		errs = append(errs, errors.Error("range start is not within the gateway's subnet"))
	case !subnet.Contains(c.RangeEnd):
		errs = append(errs, errors.Error("range end is not within the gateway's subnet"))
	}
	if c.RangeEnd.Less(c.RangeStart) {
		errs = append(errs, errors.Error("range end must not precede range start"))
	}
	return errs
}

// prefixLenOf returns the number of leading 1 bits in mask, treating it as
// a contiguous IPv4 subnet mask.
func prefixLenOf(mask netip.Addr) int {
	b := mask.As4()
	n := 0
	for _, octet := range b {
		for bit := 7; bit >= 0; bit-- {
			if octet&(1<<bit) == 0 {
				return n
			}
			n++
		}
	}
	return n
}

// RangeFromPrefix derives a Config's gateway/mask/range from a downstream
// prefix handed out by the AddressCoordinator: the prefix's own address is
// the gateway (it is the address configured on the downstream interface),
// and the DHCP range runs from host .2 to host .254 of the /24, leaving out
// host 0, host 1 and the broadcast address. The external daemon
// additionally skips the gateway itself when leasing.
func RangeFromPrefix(prefix netip.Prefix, leaseDuration time.Duration, clock timeutil.Clock) Config {
	gateway := prefix.Addr()
	base := prefix.Masked().Addr().As4()

	start := base
	start[3] = 2
	end := base
	end[3] = 254

	var maskBytes [4]byte
	bits := prefix.Bits()
	for i := 0; i < bits; i++ {
		maskBytes[i/8] |= 1 << (7 - uint(i%8))
	}

	return Config{
		Clock:         clock,
		GatewayIP:     gateway,
		SubnetMask:    netip.AddrFrom4(maskBytes),
		RangeStart:    netip.AddrFrom4(start),
		RangeEnd:      netip.AddrFrom4(end),
		LeaseDuration: leaseDuration,
		Enabled:       true,
	}
}

// Lease is a single bookkept client lease. The external daemon owns the
// wire protocol; this struct is the core's read-only view of what the
// daemon reports back, used for client-count callbacks.
type Lease struct {
	HWAddr  string
	Addr    netip.Addr
	Expires time.Time
}

// Pool tracks leases reported by the external daemon for one downstream
// interface, so the core can answer "how many clients" without parsing
// DHCP traffic itself.
type Pool struct {
	iface  string
	leases map[string]Lease // keyed by HWAddr
	clock  timeutil.Clock
}

// NewPool creates a Pool for iface.
func NewPool(iface string, clock timeutil.Clock) *Pool {
	return &Pool{iface: iface, leases: make(map[string]Lease), clock: clock}
}

// ReportLease records or refreshes a lease the external daemon granted.
func (p *Pool) ReportLease(l Lease) {
	p.leases[l.HWAddr] = l
}

// ReportRelease removes a lease the external daemon released or expired.
func (p *Pool) ReportRelease(hwAddr string) {
	delete(p.leases, hwAddr)
}

// ActiveClientCount returns the number of unexpired leases.
func (p *Pool) ActiveClientCount() int {
	now := p.clock.Now()
	n := 0
	for _, l := range p.leases {
		if l.Expires.After(now) {
			n++
		}
	}
	return n
}

// ServerController is the external tether daemon's lifecycle contract:
// the core starts/stops it with a range and forwards lease reports back
// into a Pool, never speaking DHCP itself.
type ServerController interface {
	StartServing(iface string, cfg Config) error
	StopServing(iface string) error
}

// SystemClock implements timeutil.Clock against the wall clock, for
// production Config/Pool construction.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }
