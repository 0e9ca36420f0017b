// Package trafficstats samples per-downstream-interface byte counters
// from sysfs and reports non-trivial deltas to listeners, tracking
// whichever set of downstream interfaces is currently serving, one
// counter pair per interface.
package trafficstats

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	sysClassNet    = "/sys/class/net"
	updateInterval = 1 * time.Second
	minDeltaBytes  = 100
)

// Sample is a non-trivial traffic delta for one downstream interface since
// the previous sampling tick.
type Sample struct {
	Interface string
	RxBytes   uint64
	TxBytes   uint64
}

type counters struct {
	lastRx uint64
	lastTx uint64
	seeded bool
}

// Monitor periodically samples the rx/tx byte counters of a tracked set of
// interfaces and reports deltas above a noise floor.
type Monitor struct {
	onSample func(Sample)

	mu       sync.Mutex
	tracked  map[string]*counters
	stopCh   chan struct{}
	running  atomic.Bool
}

// New creates a Monitor that invokes onSample for every non-trivial delta.
func New(onSample func(Sample)) *Monitor {
	return &Monitor{
		onSample: onSample,
		tracked:  make(map[string]*counters),
		stopCh:   make(chan struct{}),
	}
}

// SetInterfaces replaces the set of interfaces being sampled, the way the
// orchestrator's active IpServers change as downstreams come and go. An
// interface dropped from the set stops reporting; one newly added starts
// from a fresh baseline so its first tick doesn't report a bogus delta
// against a zeroed counter.
func (m *Monitor) SetInterfaces(ifaces []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[string]bool, len(ifaces))
	for _, iface := range ifaces {
		want[iface] = true
		if _, ok := m.tracked[iface]; !ok {
			m.tracked[iface] = &counters{}
		}
	}
	for iface := range m.tracked {
		if !want[iface] {
			delete(m.tracked, iface)
		}
	}
}

// Run samples every updateInterval until Stop is called.
func (m *Monitor) Run() {
	if !m.running.CompareAndSwap(false, true) {
		return
	}

	ticker := time.NewTicker(updateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sampleAll()
		}
	}
}

// Stop halts the sampling loop.
func (m *Monitor) Stop() {
	if m.running.CompareAndSwap(true, false) {
		close(m.stopCh)
	}
}

func (m *Monitor) sampleAll() {
	m.mu.Lock()
	ifaces := make([]string, 0, len(m.tracked))
	for iface := range m.tracked {
		ifaces = append(ifaces, iface)
	}
	m.mu.Unlock()

	for _, iface := range ifaces {
		m.sample(iface)
	}
}

func (m *Monitor) sample(iface string) {
	rx, tx := readStats(iface)

	m.mu.Lock()
	c, ok := m.tracked[iface]
	if !ok {
		m.mu.Unlock()
		return
	}
	var deltaRx, deltaTx uint64
	if c.seeded {
		deltaRx = rx - c.lastRx
		deltaTx = tx - c.lastTx
	}
	c.lastRx, c.lastTx, c.seeded = rx, tx, true
	m.mu.Unlock()

	if deltaRx > minDeltaBytes || deltaTx > minDeltaBytes {
		m.onSample(Sample{Interface: iface, RxBytes: deltaRx, TxBytes: deltaTx})
	}
}

func readStats(iface string) (rx, tx uint64) {
	rx = readUint64File(filepath.Join(sysClassNet, iface, "statistics/rx_bytes"))
	tx = readUint64File(filepath.Join(sysClassNet, iface, "statistics/tx_bytes"))
	return
}

func readUint64File(path string) uint64 {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if scanner.Scan() {
		val, err := strconv.ParseUint(strings.TrimSpace(scanner.Text()), 10, 64)
		if err == nil {
			return val
		}
	}
	return 0
}
