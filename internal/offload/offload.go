// Package offload maintains the hardware-offload view: the upstream
// LinkProperties, the per-interface downstream LinkProperties, and an
// offload-exempt prefix set. It reports STARTED/STOPPED/FAILED back to
// the orchestrator; the datapath engine itself sits behind the Engine
// interface.
package offload

import (
	"net/netip"

	"tetherd/internal/model"
)

// Engine is the external hardware/BPF offload datapath (e.g. a kernel
// flow-table program). This package only does the bookkeeping; Engine is
// the narrow contract a real datapath implements.
type Engine interface {
	Start() error
	Stop() error
	SetUpstream(iface string, lp model.LinkProperties) error
	AddDownstream(iface string, lp model.LinkProperties) error
	RemoveDownstream(iface string) error
	SetExemptPrefixes(prefixes []netip.Prefix) error
}

// Controller is the OffloadController.
type Controller struct {
	engine Engine

	running     bool
	upstream    *model.LinkProperties
	upstreamVPN bool
	downstreams map[string]model.LinkProperties
	localPfx    []netip.Prefix
	exemptPfx   []netip.Prefix

	onStatus func(model.OffloadStatus)
}

// New creates a Controller backed by engine.
func New(engine Engine, onStatus func(model.OffloadStatus)) *Controller {
	return &Controller{
		engine:      engine,
		downstreams: make(map[string]model.LinkProperties),
		onStatus:    onStatus,
	}
}

// Start enables offload. Refused while the upstream is a VPN.
func (c *Controller) Start() {
	if c.upstreamVPN {
		c.report(model.OffloadFailed)
		return
	}
	if err := c.engine.Start(); err != nil {
		c.report(model.OffloadFailed)
		return
	}
	c.running = true
	c.report(model.OffloadStarted)
}

// Stop implements stop().
func (c *Controller) Stop() {
	if !c.running {
		c.report(model.OffloadStopped)
		return
	}
	if err := c.engine.Stop(); err != nil {
		c.report(model.OffloadFailed)
		return
	}
	c.running = false
	c.report(model.OffloadStopped)
}

// SetUpstream replaces the upstream view. A nil lp clears the upstream;
// caps.IsVPN gates future Start calls and stops a running engine.
func (c *Controller) SetUpstream(lp *model.LinkProperties, caps model.NetworkCapabilities) {
	c.upstream = lp
	c.upstreamVPN = caps.IsVPN

	if lp == nil {
		return
	}
	if c.upstreamVPN {
		if c.running {
			c.Stop()
		}
		return
	}
	if c.running {
		if err := c.engine.SetUpstream(lp.InterfaceName, *lp); err != nil {
			c.report(model.OffloadFailed)
		}
	}
}

// NotifyDownstream implements notify_downstream(lp).
func (c *Controller) NotifyDownstream(lp model.LinkProperties) {
	c.downstreams[lp.InterfaceName] = lp
	if c.running {
		if err := c.engine.AddDownstream(lp.InterfaceName, lp); err != nil {
			c.report(model.OffloadFailed)
		}
	}
}

// RemoveDownstream implements remove_downstream(iface).
func (c *Controller) RemoveDownstream(iface string) {
	delete(c.downstreams, iface)
	if c.running {
		if err := c.engine.RemoveDownstream(iface); err != nil {
			c.report(model.OffloadFailed)
		}
	}
}

// SetLocalPrefixes implements set_local_prefixes(set): reserved on-device
// prefixes folded into the exempt set.
func (c *Controller) SetLocalPrefixes(prefixes []netip.Prefix) {
	c.localPfx = prefixes
	c.applyExempt()
}

// SetExemptPrefixes implements set_exempt_prefixes(set).
func (c *Controller) SetExemptPrefixes(prefixes []netip.Prefix) {
	c.exemptPfx = prefixes
	c.applyExempt()
}

func (c *Controller) applyExempt() {
	merged := make([]netip.Prefix, 0, len(c.localPfx)+len(c.exemptPfx))
	merged = append(merged, c.localPfx...)
	merged = append(merged, c.exemptPfx...)
	if c.running {
		if err := c.engine.SetExemptPrefixes(merged); err != nil {
			c.report(model.OffloadFailed)
		}
	}
}

func (c *Controller) report(status model.OffloadStatus) {
	if c.onStatus != nil {
		c.onStatus(status)
	}
}
