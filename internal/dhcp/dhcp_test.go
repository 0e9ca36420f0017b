package dhcp

import (
	"net/netip"
	"testing"
	"time"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func TestConfigValidateDisabledSkipsChecks(t *testing.T) {
	c := &Config{Enabled: false}
	if err := c.Validate(); err != nil {
		t.Errorf("a disabled config should validate trivially, got %v", err)
	}
}

func TestConfigValidateNilClock(t *testing.T) {
	c := &Config{
		Enabled:       true,
		LeaseDuration: time.Hour,
		GatewayIP:     netip.MustParseAddr("192.168.1.1"),
		SubnetMask:    netip.MustParseAddr("255.255.255.0"),
		RangeStart:    netip.MustParseAddr("192.168.1.2"),
		RangeEnd:      netip.MustParseAddr("192.168.1.254"),
	}
	if err := c.Validate(); err == nil {
		t.Error("expected validation error for a nil clock")
	}
}

func TestConfigValidateRangeOutsideSubnet(t *testing.T) {
	c := &Config{
		Enabled:       true,
		Clock:         fixedClock{time.Now()},
		LeaseDuration: time.Hour,
		GatewayIP:     netip.MustParseAddr("192.168.1.1"),
		SubnetMask:    netip.MustParseAddr("255.255.255.0"),
		RangeStart:    netip.MustParseAddr("192.168.2.2"),
		RangeEnd:      netip.MustParseAddr("192.168.2.254"),
	}
	if err := c.Validate(); err == nil {
		t.Error("expected validation error for a range outside the gateway's subnet")
	}
}

func TestConfigValidateRangeEndBeforeStart(t *testing.T) {
	c := &Config{
		Enabled:       true,
		Clock:         fixedClock{time.Now()},
		LeaseDuration: time.Hour,
		GatewayIP:     netip.MustParseAddr("192.168.1.1"),
		SubnetMask:    netip.MustParseAddr("255.255.255.0"),
		RangeStart:    netip.MustParseAddr("192.168.1.200"),
		RangeEnd:      netip.MustParseAddr("192.168.1.100"),
	}
	if err := c.Validate(); err == nil {
		t.Error("expected validation error when range end precedes range start")
	}
}

func TestConfigValidateHappyPath(t *testing.T) {
	c := &Config{
		Enabled:       true,
		Clock:         fixedClock{time.Now()},
		LeaseDuration: time.Hour,
		GatewayIP:     netip.MustParseAddr("192.168.1.1"),
		SubnetMask:    netip.MustParseAddr("255.255.255.0"),
		RangeStart:    netip.MustParseAddr("192.168.1.2"),
		RangeEnd:      netip.MustParseAddr("192.168.1.254"),
	}
	if err := c.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestRangeFromPrefix(t *testing.T) {
	prefix := netip.MustParsePrefix("192.168.50.5/24")
	clock := fixedClock{time.Now()}

	cfg := RangeFromPrefix(prefix, 12*time.Hour, clock)

	if cfg.GatewayIP != netip.MustParseAddr("192.168.50.5") {
		t.Errorf("gateway = %s, want the assigned 192.168.50.5", cfg.GatewayIP)
	}
	if cfg.RangeStart != netip.MustParseAddr("192.168.50.2") {
		t.Errorf("range start = %s, want 192.168.50.2", cfg.RangeStart)
	}
	if cfg.RangeEnd != netip.MustParseAddr("192.168.50.254") {
		t.Errorf("range end = %s, want 192.168.50.254", cfg.RangeEnd)
	}
	if cfg.SubnetMask != netip.MustParseAddr("255.255.255.0") {
		t.Errorf("subnet mask = %s, want 255.255.255.0", cfg.SubnetMask)
	}
	if !cfg.Enabled {
		t.Error("expected Enabled to be true")
	}
}

func TestPoolActiveClientCount(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := fixedClock{now}
	p := NewPool("usb0", clock)

	p.ReportLease(Lease{HWAddr: "aa:bb", Addr: netip.MustParseAddr("192.168.50.2"), Expires: now.Add(time.Hour)})
	p.ReportLease(Lease{HWAddr: "cc:dd", Addr: netip.MustParseAddr("192.168.50.3"), Expires: now.Add(-time.Minute)})

	if got := p.ActiveClientCount(); got != 1 {
		t.Errorf("ActiveClientCount() = %d, want 1 (one expired lease excluded)", got)
	}

	p.ReportRelease("aa:bb")
	if got := p.ActiveClientCount(); got != 0 {
		t.Errorf("ActiveClientCount() after release = %d, want 0", got)
	}
}
