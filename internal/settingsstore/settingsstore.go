// Package settingsstore holds the persisted settings
// (TETHER_FORCE_USB_FUNCTIONS, TETHER_SUPPORTED,
// TETHERING_ALLOW_VPN_UPSTREAMS) behind pubstate.Cell, since they are
// read from the IPC boundary on arbitrary goroutines and therefore need
// memory-safe publication.
package settingsstore

import "tetherd/internal/pubstate"

// Settings is the current value of every persisted setting.
type Settings struct {
	ForceUsbFunctions  bool // TETHER_FORCE_USB_FUNCTIONS
	TetherSupported    bool // TETHER_SUPPORTED
	AllowVPNUpstreams  bool // TETHERING_ALLOW_VPN_UPSTREAMS
}

// Store is the settings cell.
type Store struct {
	cell *pubstate.Cell[Settings]
}

// New creates a Store with TETHER_SUPPORTED defaulted on, matching the
// platform default of the feature being available unless explicitly
// disabled.
func New() *Store {
	return &Store{cell: pubstate.NewCell(Settings{TetherSupported: true})}
}

// OnChange installs a callback fired (off the owning goroutine) whenever
// any setting changes, e.g. so the orchestrator can post a
// settings-changed event onto its own serial queue instead of reading the
// cell directly from a handler.
func (s *Store) OnChange(fn func(Settings)) { s.cell.SetOnChange(fn) }

// Get returns the current settings snapshot. Safe to call from any
// goroutine.
func (s *Store) Get() Settings { return s.cell.Get() }

// SetForceUsbFunctions updates TETHER_FORCE_USB_FUNCTIONS. Toggling this
// restarts any USB/NCM downstream; that restart is the daemon's
// responsibility upon observing the change via OnChange, not this
// store's.
func (s *Store) SetForceUsbFunctions(v bool) {
	s.cell.Update(func(cur *Settings) { cur.ForceUsbFunctions = v })
}

// SetTetherSupported updates TETHER_SUPPORTED.
func (s *Store) SetTetherSupported(v bool) {
	s.cell.Update(func(cur *Settings) { cur.TetherSupported = v })
}

// SetAllowVPNUpstreams updates TETHERING_ALLOW_VPN_UPSTREAMS.
func (s *Store) SetAllowVPNUpstreams(v bool) {
	s.cell.Update(func(cur *Settings) { cur.AllowVPNUpstreams = v })
}
