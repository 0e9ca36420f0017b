// Command tetherd is the tethering control-plane daemon: it wires the
// address coordinator, routing coordinator, upstream monitor, offload
// controller, IpServers, and orchestrator onto one serial event bus and
// exposes the result over D-Bus. Collaborators are constructed in
// dependency order, the D-Bus service is exported last, then the process
// blocks on signals.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"tetherd/internal/address"
	"tetherd/internal/callback"
	"tetherd/internal/dhcp"
	"tetherd/internal/eventbus"
	"tetherd/internal/ipc"
	"tetherd/internal/ipserver"
	"tetherd/internal/model"
	"tetherd/internal/offload"
	"tetherd/internal/orchestrator"
	"tetherd/internal/pubstate"
	"tetherd/internal/routing"
	"tetherd/internal/settingsstore"
	"tetherd/internal/trafficstats"
	"tetherd/internal/upstream"
	"tetherd/internal/wifi"
)

var (
	busType            = flag.String("bus", "system", "D-Bus bus type: session or system")
	debug              = flag.Bool("debug", false, "Enable debug logging")
	dedicatedWifiP2pIP = flag.Bool("wifi-p2p-dedicated-ip", true, "Hand out the reserved 192.168.49.1/24 block for Wi-Fi Direct")
	allowIfaceGuess    = flag.Bool("compat-iface-guess", false, "Accept Wi-Fi AP stop requests without an interface name and guess the server to stop")
)

// daemon bundles the wired core so Commands closures can reach it without
// a sprawling set of package-level globals.
type daemon struct {
	mu       sync.Mutex
	bus      *eventbus.Bus
	addr     *address.Coordinator
	route    *routing.Coordinator
	watcher  *routing.Watcher
	up       *upstream.Monitor
	off      *offload.Controller
	orch     *orchestrator.Orchestrator
	dhcpSrv  *execDHCPServer
	wifi     *wifi.Controller
	settings *settingsstore.Store
	registry *callback.Registry
	traffic  *trafficstats.Monitor

	servers map[model.DownstreamType]*ipserver.Server

	// requests is the active-request map keyed by type, one of the two
	// fields the IPC boundary reads off-thread; the cell publishes it
	// memory-safely.
	requests *pubstate.Cell[map[model.DownstreamType]model.TetheringRequest]

	lastSettings settingsstore.Settings
}

func main() {
	flag.Parse()
	if *debug {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}
	log.Println("tetherd starting...")

	bus := eventbus.New(64)
	addrCoord := address.New(*dedicatedWifiP2pIP)
	addrCoord.Seed(time.Now().UnixNano())

	watcher, err := routing.NewWatcher(bus)
	if err != nil {
		log.Fatalf("tetherd: netlink watcher: %v", err)
	}
	defer watcher.Close()
	go watcher.Run()

	routeCoord := routing.New(watcher, addrCoord)

	upMon := upstream.New(bus)

	registry := callback.New()
	settings := settingsstore.New()

	offCtrl := offload.New(noopOffloadEngine{}, func(status model.OffloadStatus) {
		registry.Broadcast(callback.Snapshot{Kind: callback.OffloadStatusChanged, Offload: status})
	})

	wifiCtrl, err := wifi.New(func(connected bool, caps model.NetworkCapabilities) {
		log.Printf("tetherd: wifi upstream capabilities connected=%v caps=%+v", connected, caps)
	})
	if err != nil {
		log.Printf("tetherd: wifi controller unavailable: %v", err)
	}

	d := &daemon{
		bus:      bus,
		addr:     addrCoord,
		route:    routeCoord,
		watcher:  watcher,
		up:       upMon,
		off:      offCtrl,
		dhcpSrv:  newExecDHCPServer(),
		wifi:     wifiCtrl,
		settings: settings,
		registry: registry,
		servers:  make(map[model.DownstreamType]*ipserver.Server),
		requests: pubstate.NewCell(map[model.DownstreamType]model.TetheringRequest{}),
	}
	d.lastSettings = settings.Get()
	settings.OnChange(d.onSettingsChanged)

	d.traffic = trafficstats.New(func(s trafficstats.Sample) {
		registry.Broadcast(callback.Snapshot{
			Kind:             callback.TrafficUpdated,
			TrafficInterface: s.Interface,
			TrafficRxBytes:   s.RxBytes,
			TrafficTxBytes:   s.TxBytes,
		})
	})
	go d.traffic.Run()

	d.orch = orchestrator.New(orchestrator.Deps{
		Bus:            bus,
		Upstream:       upMon,
		Offload:        offCtrl,
		Routing:        routeCoord,
		Callback:       registry,
		Settings:       settings,
		Kernel:         sysctlForwarding{},
		Daemon:         &execTetherDaemon{},
		DNS:            execDNSForwarder{},
		Nat64Daemon:    newExecClatDaemon(),
		Nat64Discovery: newDNS64Discovery(bus),
	})
	go d.orch.Run()

	if present, err := watcher.FetchPresentNetworks(); err == nil {
		addrCoord.MaybeRemoveDeprecatedUpstreams(present)
	}

	ipcService, err := ipc.NewService(*busType, bus, d.commands(), settings, registry)
	if err != nil {
		log.Fatalf("tetherd: ipc service: %v", err)
	}
	defer ipcService.Close()
	log.Printf("tetherd: ipc service registered on %s bus", *busType)

	log.Println("tetherd ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("tetherd shutting down")
	d.traffic.Stop()
	bus.Close()
}

// onTetherThread posts fn onto the bus and waits for the orchestrator's
// event loop to run it, so IPC-originated mutations of IpServer state
// happen on the tethering thread while the caller still gets a
// synchronous result code.
func (d *daemon) onTetherThread(fn func() model.ErrorCode) model.ErrorCode {
	done := make(chan model.ErrorCode, 1)
	d.bus.Post(eventbus.Event{Kind: orchestrator.EventInvoke, Payload: func() {
		done <- fn()
	}})
	return <-done
}

// commands adapts the daemon's collaborators into the ipc.Commands the
// IPC surface drives; every entry reduces to posting onto the bus or
// reading a published cell.
func (d *daemon) commands() ipc.Commands {
	return ipc.Commands{
		Tether:   d.tether,
		Untether: d.untether,
		StartTethering: func(req model.TetheringRequest) model.ErrorCode {
			return d.onTetherThread(func() model.ErrorCode { return d.startTethering(req) })
		},
		StopTethering: func(t model.DownstreamType) model.ErrorCode {
			return d.onTetherThread(func() model.ErrorCode { return d.stopTethering(t) })
		},
		StopAllTethering: func() {
			d.onTetherThread(func() model.ErrorCode { d.stopAllTethering(); return model.ErrNone })
		},
		SetUsbTethering: func(enable bool) model.ErrorCode {
			return d.onTetherThread(func() model.ErrorCode {
				t := model.DownstreamUsb
				if d.settings.Get().ForceUsbFunctions {
					t = model.DownstreamNcm
				}
				if enable {
					return d.startTethering(model.TetheringRequest{Type: t})
				}
				return d.stopTethering(t)
			})
		},
		RequestEntitlement: func(t model.DownstreamType, showUI bool) model.ErrorCode {
			log.Printf("tetherd: entitlement check for %s (showUI=%v) — no carrier entitlement backend wired", t, showUI)
			return model.ErrNone
		},
		IsTetheringSupported: func() bool {
			return d.settings.Get().TetherSupported
		},
		SetPreferTestNetworks: func(prefer bool) {
			log.Printf("tetherd: setPreferTestNetworks(%v)", prefer)
		},
	}
}

// onSettingsChanged reacts to setting flips: disabling TETHER_SUPPORTED
// tears every downstream down and republishes a zero supported-type
// bitmap; toggling TETHER_FORCE_USB_FUNCTIONS restarts any USB/NCM
// downstream on the other function.
func (d *daemon) onSettingsChanged(s settingsstore.Settings) {
	d.mu.Lock()
	prev := d.lastSettings
	d.lastSettings = s
	d.mu.Unlock()

	if prev.TetherSupported && !s.TetherSupported {
		d.onTetherThread(func() model.ErrorCode { d.stopAllTethering(); return model.ErrNone })
		d.registry.Broadcast(callback.Snapshot{Kind: callback.SupportedTypesChanged, SupportedTypes: 0})
	} else if !prev.TetherSupported && s.TetherSupported {
		d.registry.Broadcast(callback.Snapshot{
			Kind:           callback.SupportedTypesChanged,
			SupportedTypes: model.SupportedTypeBitmap(model.AllDownstreamTypes),
		})
	}

	if prev.ForceUsbFunctions != s.ForceUsbFunctions {
		d.onTetherThread(func() model.ErrorCode {
			d.restartUsbFunction(s.ForceUsbFunctions)
			return model.ErrNone
		})
	}
}

// restartUsbFunction stops both the USB and NCM downstreams and, if one
// held an active request, restarts it on the function the setting now
// selects. Runs on the tethering thread.
func (d *daemon) restartUsbFunction(forceNcm bool) {
	reqs := d.requests.Get()
	prevReq, hadUsb := reqs[model.DownstreamUsb]
	if !hadUsb {
		prevReq, hadUsb = reqs[model.DownstreamNcm]
	}

	d.stopTethering(model.DownstreamUsb)
	d.stopTethering(model.DownstreamNcm)

	if !hadUsb {
		return
	}
	next := prevReq
	next.InterfaceName = ""
	if forceNcm {
		next.Type = model.DownstreamNcm
	} else {
		next.Type = model.DownstreamUsb
	}
	if code := d.startTethering(next); code != model.ErrNone {
		log.Printf("tetherd: restart usb tethering as %s: %s", next.Type, code)
	}
}

func (d *daemon) serverFor(t model.DownstreamType, iface string) *ipserver.Server {
	d.mu.Lock()
	defer d.mu.Unlock()

	if s, ok := d.servers[t]; ok {
		return s
	}

	s := ipserver.New(string(t), t, iface, ipserver.Deps{
		Address:       d.addr,
		Routing:       d.route,
		DHCP:          d.dhcpSrv,
		Clock:         dhcp.SystemClock{},
		LeaseDuration: 12 * time.Hour,
		OnPhaseChanged: func(serverID string, phase model.IpServerPhase, mode ipserver.ServingMode) {
			d.onServerPhaseChanged(serverID, phase, mode)
		},
	})
	d.servers[t] = s
	d.orch.AddServer(s)
	return s
}

func (d *daemon) onServerPhaseChanged(serverID string, phase model.IpServerPhase, mode ipserver.ServingMode) {
	iface := ""
	d.mu.Lock()
	for _, s := range d.servers {
		if s.ID() == serverID {
			iface = s.InterfaceName()
			break
		}
	}
	d.mu.Unlock()

	switch phase {
	case model.PhaseTethered, model.PhaseLocalOnly:
		d.bus.Post(eventbus.Event{Kind: orchestrator.EventIfaceServingStateActive, Payload: orchestrator.IfaceServingStatePayload{
			ServerID: serverID, Interface: iface, Mode: mode,
		}})
	case model.PhaseAvailable:
		d.bus.Post(eventbus.Event{Kind: orchestrator.EventIfaceServingStateInactive, Payload: orchestrator.IfaceServingStatePayload{
			ServerID: serverID, Interface: iface, Mode: mode,
		}})
	}

	d.registry.Broadcast(callback.Snapshot{Kind: callback.TetherStatesChanged, States: d.tetherStates()})
	d.refreshTrafficInterfaces()
}

func (d *daemon) tetherStates() map[model.DownstreamType]model.IpServerPhase {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[model.DownstreamType]model.IpServerPhase, len(d.servers))
	for t, s := range d.servers {
		out[t] = s.Phase()
	}
	return out
}

// refreshTrafficInterfaces tells the byte-counter sampler which interfaces
// currently have a server past AVAILABLE, so it only samples active
// downstreams instead of polling every interface on the box.
func (d *daemon) refreshTrafficInterfaces() {
	d.mu.Lock()
	ifaces := make([]string, 0, len(d.servers))
	for _, s := range d.servers {
		switch s.Phase() {
		case model.PhaseTethered, model.PhaseLocalOnly:
			ifaces = append(ifaces, s.InterfaceName())
		}
	}
	d.mu.Unlock()
	d.traffic.SetInterfaces(ifaces)
}

func (d *daemon) tether(iface string) model.ErrorCode {
	return d.onTetherThread(func() model.ErrorCode {
		if s := d.serverByInterface(iface); s != nil {
			return d.startTethering(model.TetheringRequest{InterfaceName: iface, Type: s.Type()})
		}
		return d.startTethering(model.TetheringRequest{InterfaceName: iface, Type: model.DownstreamEthernet})
	})
}

// untether stops the server owning iface. A request with no interface
// name is rejected unless the legacy guess compatibility flag is set, in
// which case the sole Wi-Fi server is picked if exactly one exists.
func (d *daemon) untether(iface string) model.ErrorCode {
	return d.onTetherThread(func() model.ErrorCode {
		var target *ipserver.Server
		if iface == "" {
			if !*allowIfaceGuess {
				return model.ErrUnknownIface
			}
			target = d.soleWifiServer()
		} else {
			target = d.serverByInterface(iface)
		}
		if target == nil {
			return model.ErrUnknownIface
		}
		return d.stopTethering(target.Type())
	})
}

func (d *daemon) serverByInterface(iface string) *ipserver.Server {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.servers {
		if s.InterfaceName() == iface {
			return s
		}
	}
	return nil
}

func (d *daemon) soleWifiServer() *ipserver.Server {
	d.mu.Lock()
	defer d.mu.Unlock()
	var found *ipserver.Server
	for _, s := range d.servers {
		if s.Type() != model.DownstreamWifi {
			continue
		}
		if found != nil {
			return nil
		}
		found = s
	}
	return found
}

// startTethering runs on the tethering thread. At most one request may be
// active per type; a second request for an already-served type stops and
// re-enables that downstream with the new request's scope, but the
// existing server keeps its original interface, so a different
// InterfaceName in the new request is not applied.
func (d *daemon) startTethering(req model.TetheringRequest) model.ErrorCode {
	if !d.settings.Get().TetherSupported {
		return model.ErrUnsupported
	}

	if _, active := d.requests.Get()[req.Type]; active {
		d.stopTethering(req.Type)
	}

	iface := req.InterfaceName
	if iface == "" {
		iface = defaultInterfaceFor(req.Type)
	}

	s := d.serverFor(req.Type, iface)
	s.Start()

	mode := ipserver.ModeTethered
	if req.Scope == model.ScopeLocal {
		mode = ipserver.ModeLocalOnly
	}

	if req.Type == model.DownstreamWifi && req.SoftApConfig != nil && d.wifi != nil {
		if err := d.wifi.StartSoftAP(*req.SoftApConfig); err != nil {
			log.Printf("tetherd: start softap: %v", err)
			return model.ErrInternal
		}
	}

	if !s.Enable(mode, req) {
		return s.LastError()
	}

	d.requests.Update(func(m *map[model.DownstreamType]model.TetheringRequest) {
		next := make(map[model.DownstreamType]model.TetheringRequest, len(*m)+1)
		for k, v := range *m {
			next[k] = v
		}
		next[req.Type] = req
		*m = next
	})
	return model.ErrNone
}

// stopTethering runs on the tethering thread.
func (d *daemon) stopTethering(t model.DownstreamType) model.ErrorCode {
	d.mu.Lock()
	s, ok := d.servers[t]
	d.mu.Unlock()
	if !ok {
		return model.ErrUnknownType
	}

	s.Stop()
	if t == model.DownstreamWifi && d.wifi != nil {
		if err := d.wifi.StopSoftAP(); err != nil {
			log.Printf("tetherd: stop softap: %v", err)
		}
	}

	d.requests.Update(func(m *map[model.DownstreamType]model.TetheringRequest) {
		next := make(map[model.DownstreamType]model.TetheringRequest, len(*m))
		for k, v := range *m {
			if k != t {
				next[k] = v
			}
		}
		*m = next
	})
	return model.ErrNone
}

// stopAllTethering runs on the tethering thread.
func (d *daemon) stopAllTethering() {
	d.mu.Lock()
	types := make([]model.DownstreamType, 0, len(d.servers))
	for t := range d.servers {
		types = append(types, t)
	}
	d.mu.Unlock()
	for _, t := range types {
		d.stopTethering(t)
	}
}

func defaultInterfaceFor(t model.DownstreamType) string {
	switch t {
	case model.DownstreamWifi:
		return "wlan0"
	case model.DownstreamUsb:
		return "usb0"
	case model.DownstreamNcm:
		return "ncm0"
	case model.DownstreamEthernet:
		return "eth0"
	case model.DownstreamBluetooth:
		return "bnep0"
	case model.DownstreamWifiP2p:
		return "p2p0"
	default:
		return "tether0"
	}
}
