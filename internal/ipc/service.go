// Package ipc exposes the tethering control surface over D-Bus: one
// method per operation, each permission-checked before the command body
// runs on the tethering thread.
package ipc

import (
	"fmt"
	"log"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"tetherd/internal/callback"
	"tetherd/internal/eventbus"
	"tetherd/internal/model"
	"tetherd/internal/settingsstore"
)

const (
	ServiceName = "org.tetherd.Tethering"
	ObjectPath  = "/org/tetherd/Tethering"
	Interface   = "org.tetherd.Tethering"
)

// Commands is how the IPC layer reaches the tethering thread: every
// mutating call is reduced to posting a typed event, never a direct call
// into orchestrator state.
type Commands struct {
	Tether                func(iface string) model.ErrorCode
	Untether              func(iface string) model.ErrorCode
	StartTethering        func(req model.TetheringRequest) model.ErrorCode
	StopTethering         func(t model.DownstreamType) model.ErrorCode
	StopAllTethering      func()
	SetUsbTethering       func(enable bool) model.ErrorCode
	RequestEntitlement    func(t model.DownstreamType, showUI bool) model.ErrorCode
	IsTetheringSupported  func() bool
	SetPreferTestNetworks func(prefer bool)
}

// Service is the D-Bus-exported tethering IPC surface.
type Service struct {
	conn     *dbus.Conn
	bus      *eventbus.Bus
	cmds     Commands
	settings *settingsstore.Store
	registry *callback.Registry
}

// NewService dials busType ("system" or "session"), exports the service,
// and registers its introspection node.
func NewService(busType string, bus *eventbus.Bus, cmds Commands, settings *settingsstore.Store, registry *callback.Registry) (*Service, error) {
	var conn *dbus.Conn
	var err error
	if busType == "system" {
		conn, err = dbus.SystemBus()
	} else {
		conn, err = dbus.SessionBus()
	}
	if err != nil {
		return nil, fmt.Errorf("ipc: connect to d-bus: %w", err)
	}

	s := &Service{conn: conn, bus: bus, cmds: cmds, settings: settings, registry: registry}

	reply, err := conn.RequestName(ServiceName, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ipc: request name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return nil, fmt.Errorf("ipc: name already taken")
	}

	if err := conn.Export(s, ObjectPath, Interface); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ipc: export: %w", err)
	}
	if err := conn.Export(s, ObjectPath, "org.freedesktop.DBus.Properties"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ipc: export properties: %w", err)
	}

	node := &introspect.Node{
		Name: ObjectPath,
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{Name: Interface, Methods: s.methods(), Signals: s.signals()},
		},
	}
	conn.Export(introspect.NewIntrospectable(node), ObjectPath, "org.freedesktop.DBus.Introspectable")

	return s, nil
}

// Close closes the D-Bus connection.
func (s *Service) Close() { s.conn.Close() }

// NotifyBroadcast emits a tethering callback as a D-Bus signal; wired as
// the callback.Registry's Notify for this service's own listener.
func (s *Service) NotifyBroadcast(snap callback.Snapshot) {
	if err := s.conn.Emit(ObjectPath, Interface+".TetheringEvent", string(snap.Kind)); err != nil {
		log.Printf("ipc: emit TetheringEvent: %v", err)
	}
}

// Tether implements tether(iface). Naming an explicit interface requires
// system-level permission.
func (s *Service) Tether(iface string, ctx CallerContext) (int32, *dbus.Error) {
	if code := checkChangePermission(ctx); code != model.ErrNone {
		return int32(code), nil
	}
	if code := checkExplicitInterfacePermission(ctx); code != model.ErrNone {
		return int32(code), nil
	}
	if !s.settings.Get().TetherSupported {
		return int32(model.ErrUnsupported), nil
	}
	return int32(s.cmds.Tether(iface)), nil
}

// Untether implements untether(iface).
func (s *Service) Untether(iface string, ctx CallerContext) (int32, *dbus.Error) {
	if code := checkChangePermission(ctx); code != model.ErrNone {
		return int32(code), nil
	}
	return int32(s.cmds.Untether(iface)), nil
}

// StartTethering implements startTethering(request).
func (s *Service) StartTethering(req model.TetheringRequest, ctx CallerContext) (int32, *dbus.Error) {
	if code := checkChangePermission(ctx); code != model.ErrNone {
		return int32(code), nil
	}
	if !s.settings.Get().TetherSupported {
		return int32(model.ErrUnsupported), nil
	}
	if req.ExemptFromEntitlementCheck || req.InterfaceName != "" {
		if code := checkExplicitInterfacePermission(ctx); code != model.ErrNone {
			return int32(code), nil
		}
	}
	return int32(s.cmds.StartTethering(req)), nil
}

// StopTethering implements stopTethering(type).
func (s *Service) StopTethering(t model.DownstreamType, ctx CallerContext) (int32, *dbus.Error) {
	if code := checkChangePermission(ctx); code != model.ErrNone {
		return int32(code), nil
	}
	return int32(s.cmds.StopTethering(t)), nil
}

// StopAllTethering implements stopAllTethering().
func (s *Service) StopAllTethering(ctx CallerContext) (int32, *dbus.Error) {
	if code := checkChangePermission(ctx); code != model.ErrNone {
		return int32(code), nil
	}
	s.cmds.StopAllTethering()
	return int32(model.ErrNone), nil
}

// SetUsbTethering implements setUsbTethering(enable).
func (s *Service) SetUsbTethering(enable bool, ctx CallerContext) (int32, *dbus.Error) {
	if code := checkChangePermission(ctx); code != model.ErrNone {
		return int32(code), nil
	}
	return int32(s.cmds.SetUsbTethering(enable)), nil
}

// RequestLatestTetheringEntitlementResult implements
// requestLatestTetheringEntitlementResult(type, resultChannel, showUi).
// The resultChannel concept is a platform callback-channel abstraction
// this core has no equivalent for; the result code is returned directly
// to the caller instead.
func (s *Service) RequestLatestTetheringEntitlementResult(t model.DownstreamType, showUI bool, ctx CallerContext) (int32, *dbus.Error) {
	if code := checkChangePermission(ctx); code != model.ErrNone {
		return int32(code), nil
	}
	return int32(s.cmds.RequestEntitlement(t, showUI)), nil
}

// RegisterTetheringEventCallback implements
// registerTetheringEventCallback: requires TETHER_PRIVILEGED or
// ACCESS_NETWORK_STATE. The returned handle is opaque to the caller and
// must be passed back to UnregisterTetheringEventCallback.
func (s *Service) RegisterTetheringEventCallback(ctx CallerContext) (int32, int32, *dbus.Error) {
	if code := checkCallbackPermission(ctx); code != model.ErrNone {
		return 0, int32(code), nil
	}
	id := s.registry.Register(callback.Cookie{UID: ctx.UID, HasSystemPrivilege: ctx.HasSystemPermission}, s.NotifyBroadcast)
	return int32(id), int32(model.ErrNone), nil
}

// UnregisterTetheringEventCallback implements
// unregisterTetheringEventCallback.
func (s *Service) UnregisterTetheringEventCallback(handle int32, ctx CallerContext) (int32, *dbus.Error) {
	if code := checkCallbackPermission(ctx); code != model.ErrNone {
		return int32(code), nil
	}
	s.registry.Unregister(int(handle))
	return int32(model.ErrNone), nil
}

// IsTetheringSupported implements isTetheringSupported().
func (s *Service) IsTetheringSupported() (bool, *dbus.Error) {
	return s.cmds.IsTetheringSupported(), nil
}

// SetPreferTestNetworks implements setPreferTestNetworks(prefer)
// (system-only).
func (s *Service) SetPreferTestNetworks(prefer bool, ctx CallerContext) (int32, *dbus.Error) {
	if code := checkExplicitInterfacePermission(ctx); code != model.ErrNone {
		return int32(code), nil
	}
	s.cmds.SetPreferTestNetworks(prefer)
	return int32(model.ErrNone), nil
}

func (s *Service) methods() []introspect.Method {
	return []introspect.Method{
		{Name: "Tether", Args: []introspect.Arg{
			{Name: "iface", Type: "s", Direction: "in"},
			{Name: "result", Type: "i", Direction: "out"},
		}},
		{Name: "Untether", Args: []introspect.Arg{
			{Name: "iface", Type: "s", Direction: "in"},
			{Name: "result", Type: "i", Direction: "out"},
		}},
		{Name: "StartTethering", Args: []introspect.Arg{
			{Name: "request", Type: "(ssssbis)", Direction: "in"},
			{Name: "result", Type: "i", Direction: "out"},
		}},
		{Name: "StopTethering", Args: []introspect.Arg{
			{Name: "type", Type: "s", Direction: "in"},
			{Name: "result", Type: "i", Direction: "out"},
		}},
		{Name: "StopAllTethering", Args: []introspect.Arg{
			{Name: "result", Type: "i", Direction: "out"},
		}},
		{Name: "RequestLatestTetheringEntitlementResult", Args: []introspect.Arg{
			{Name: "type", Type: "s", Direction: "in"},
			{Name: "showUi", Type: "b", Direction: "in"},
			{Name: "result", Type: "i", Direction: "out"},
		}},
		{Name: "SetUsbTethering", Args: []introspect.Arg{
			{Name: "enable", Type: "b", Direction: "in"},
			{Name: "result", Type: "i", Direction: "out"},
		}},
		{Name: "RegisterTetheringEventCallback", Args: []introspect.Arg{
			{Name: "handle", Type: "i", Direction: "out"},
			{Name: "result", Type: "i", Direction: "out"},
		}},
		{Name: "UnregisterTetheringEventCallback", Args: []introspect.Arg{
			{Name: "handle", Type: "i", Direction: "in"},
			{Name: "result", Type: "i", Direction: "out"},
		}},
		{Name: "IsTetheringSupported", Args: []introspect.Arg{
			{Name: "supported", Type: "b", Direction: "out"},
		}},
		{Name: "SetPreferTestNetworks", Args: []introspect.Arg{
			{Name: "prefer", Type: "b", Direction: "in"},
			{Name: "result", Type: "i", Direction: "out"},
		}},
	}
}

func (s *Service) signals() []introspect.Signal {
	return []introspect.Signal{
		{Name: "TetheringEvent", Args: []introspect.Arg{{Name: "kind", Type: "s"}}},
	}
}
