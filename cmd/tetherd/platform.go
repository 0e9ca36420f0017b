package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/netip"
	"os"
	"os/exec"
	"sync"
	"time"

	"tetherd/internal/dhcp"
	"tetherd/internal/eventbus"
	"tetherd/internal/model"
	"tetherd/internal/orchestrator"
)

// sysctlForwarding implements orchestrator.KernelForwarding by toggling
// /proc/sys/net/ipv4/ip_forward directly.
type sysctlForwarding struct{}

const ipForwardPath = "/proc/sys/net/ipv4/ip_forward"

func (sysctlForwarding) EnableIPv4Forwarding() error {
	return os.WriteFile(ipForwardPath, []byte("1\n"), 0644)
}

func (sysctlForwarding) DisableIPv4Forwarding() error {
	return os.WriteFile(ipForwardPath, []byte("0\n"), 0644)
}

// execDHCPServer implements dhcp.ServerController by running one dnsmasq
// process per downstream interface, serving the configured range.
type execDHCPServer struct {
	procs map[string]*exec.Cmd
}

func newExecDHCPServer() *execDHCPServer {
	return &execDHCPServer{procs: make(map[string]*exec.Cmd)}
}

func (e *execDHCPServer) StartServing(iface string, cfg dhcp.Config) error {
	cmd := exec.Command("dnsmasq",
		"--interface="+iface,
		"--bind-interfaces",
		"--dhcp-range="+cfg.RangeStart.String()+","+cfg.RangeEnd.String()+",12h",
		"--except-interface=lo",
		"--no-daemon",
	)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start dnsmasq on %s: %w", iface, err)
	}
	e.procs[iface] = cmd
	go func() {
		if err := cmd.Wait(); err != nil {
			log.Printf("dhcp: dnsmasq on %s exited: %v", iface, err)
		}
	}()
	return nil
}

func (e *execDHCPServer) StopServing(iface string) error {
	cmd, ok := e.procs[iface]
	if !ok {
		return nil
	}
	delete(e.procs, iface)
	return cmd.Process.Kill()
}

// execTetherDaemon is the TetherDaemon seam for the platform's tethering
// helper. Start and Stop only log the call; no helper process is started
// or stopped.
type execTetherDaemon struct{}

func (t *execTetherDaemon) Start(dhcpRanges []string) error {
	log.Printf("tetherd: tether daemon starting for ranges %v", dhcpRanges)
	return nil
}

func (t *execTetherDaemon) Stop() error {
	log.Printf("tetherd: tether daemon stopping")
	return nil
}

// execDNSForwarder is the DNSForwarder seam for upstream DNS servers.
// SetDNS only logs the server list; it does not install it in any
// resolver.
type execDNSForwarder struct{}

func (execDNSForwarder) SetDNS(network model.NetworkID, servers []string) error {
	log.Printf("tetherd: dns forwarders for network %d: %v", network, servers)
	return nil
}

// noopOffloadEngine implements offload.Engine with logging only.
// Hardware/BPF offload engines are platform-specific kernel modules; a
// real engine replaces this stand-in.
type noopOffloadEngine struct{}

func (noopOffloadEngine) Start() error { log.Printf("offload: start"); return nil }
func (noopOffloadEngine) Stop() error  { log.Printf("offload: stop"); return nil }
func (noopOffloadEngine) SetUpstream(iface string, lp model.LinkProperties) error {
	log.Printf("offload: set upstream %s", iface)
	return nil
}
func (noopOffloadEngine) AddDownstream(iface string, lp model.LinkProperties) error {
	log.Printf("offload: add downstream %s", iface)
	return nil
}
func (noopOffloadEngine) RemoveDownstream(iface string) error {
	log.Printf("offload: remove downstream %s", iface)
	return nil
}
func (noopOffloadEngine) SetExemptPrefixes(prefixes []netip.Prefix) error {
	log.Printf("offload: set exempt prefixes %v", prefixes)
	return nil
}

// execClatDaemon implements nat64.Daemon by shelling out to clatd, one
// process per upstream network, the same process-per-unit shape
// execDHCPServer uses for dnsmasq.
type execClatDaemon struct {
	mu    sync.Mutex
	procs map[model.NetworkID]*exec.Cmd
}

func newExecClatDaemon() *execClatDaemon {
	return &execClatDaemon{procs: make(map[model.NetworkID]*exec.Cmd)}
}

func (d *execClatDaemon) Start(network model.NetworkID, nat64Prefix netip.Prefix) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cmd := exec.Command("clatd", "-plat-prefix", nat64Prefix.String())
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start clatd for network %d: %w", network, err)
	}
	d.procs[network] = cmd
	go func() {
		if err := cmd.Wait(); err != nil {
			log.Printf("nat64: clatd for network %d exited: %v", network, err)
		}
	}()
	return nil
}

func (d *execClatDaemon) Stop(network model.NetworkID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cmd, ok := d.procs[network]
	if !ok {
		return nil
	}
	delete(d.procs, network)
	return cmd.Process.Kill()
}

// dns64Discovery implements nat64.DiscoveryController with the standard
// DNS64 probe: an AAAA lookup of ipv4only.arpa, whose synthesized answer
// carries the NAT64 prefix in its upper 96 bits. The result is posted
// back onto the bus so the orchestrator consumes it in event order like
// every other signal. Binding the lookup to the candidate network's own
// resolver is the platform's job; the system resolver is used here.
type dns64Discovery struct {
	bus *eventbus.Bus

	mu      sync.Mutex
	cancels map[model.NetworkID]context.CancelFunc
}

func newDNS64Discovery(bus *eventbus.Bus) *dns64Discovery {
	return &dns64Discovery{bus: bus, cancels: make(map[model.NetworkID]context.CancelFunc)}
}

func (d *dns64Discovery) StartDiscovery(network model.NetworkID) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)

	d.mu.Lock()
	if prev, ok := d.cancels[network]; ok {
		prev()
	}
	d.cancels[network] = cancel
	d.mu.Unlock()

	go func() {
		defer cancel()
		addrs, err := net.DefaultResolver.LookupIP(ctx, "ip6", "ipv4only.arpa")
		if err != nil || len(addrs) == 0 {
			log.Printf("nat64: dns64 discovery for network %d: %v", network, err)
			return
		}
		a, ok := netip.AddrFromSlice(addrs[0].To16())
		if !ok {
			return
		}
		b := a.As16()
		for i := 12; i < 16; i++ {
			b[i] = 0
		}
		prefix := netip.PrefixFrom(netip.AddrFrom16(b), 96)
		d.bus.Post(eventbus.Event{Kind: orchestrator.EventNat64PrefixDiscovered, Payload: orchestrator.Nat64PrefixPayload{
			Network: network,
			Prefix:  prefix,
		}})
	}()
}

func (d *dns64Discovery) StopDiscovery(network model.NetworkID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cancel, ok := d.cancels[network]; ok {
		cancel()
		delete(d.cancels, network)
	}
}
