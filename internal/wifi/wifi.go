// Package wifi drives IWD for the Wi-Fi halves of tethering: SoftAP
// hardware enable/disable for the Wi-Fi downstream, and a credential agent
// plus station tracking for a Wi-Fi backhaul used as upstream. Station
// tracking records the station object and reports it disconnected when
// IWD leaves the bus; it does not watch the station's connection state.
package wifi

import (
	"fmt"
	"log"
	"sync"

	"github.com/godbus/dbus/v5"

	"tetherd/internal/model"
)

const (
	iwdService       = "net.connman.iwd"
	stationIface     = "net.connman.iwd.Station"
	deviceIface      = "net.connman.iwd.Device"
	accessPointIface = "net.connman.iwd.AccessPoint"
)

// Controller is the IWD-backed SoftAP + Wi-Fi-upstream collaborator.
type Controller struct {
	conn *dbus.Conn
	mu   sync.Mutex

	devicePath  dbus.ObjectPath
	stationPath dbus.ObjectPath
	initialized bool

	agent *Agent

	onUpstreamCapabilities func(connected bool, caps model.NetworkCapabilities)
}

// New dials the system bus, subscribes to IWD's lifecycle signals, and
// discovers the device immediately if IWD is already running.
func New(onUpstreamCapabilities func(bool, model.NetworkCapabilities)) (*Controller, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("wifi: connect to system bus: %w", err)
	}

	c := &Controller{conn: conn, onUpstreamCapabilities: onUpstreamCapabilities}
	c.agent = newAgent()

	if err := c.subscribeLifecycle(); err != nil {
		log.Printf("wifi: failed to subscribe to iwd lifecycle: %v", err)
	}
	if err := c.maybeInit(); err != nil {
		log.Printf("wifi: iwd not available yet, waiting for NameOwnerChanged: %v", err)
	}
	return c, nil
}

func (c *Controller) subscribeLifecycle() error {
	rule := "type='signal',sender='org.freedesktop.DBus',interface='org.freedesktop.DBus',member='NameOwnerChanged',arg0='" + iwdService + "'"
	if err := c.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
		return err
	}

	ch := make(chan *dbus.Signal, 10)
	c.conn.Signal(ch)
	go func() {
		for sig := range ch {
			if sig.Name != "org.freedesktop.DBus.NameOwnerChanged" || len(sig.Body) != 3 {
				continue
			}
			name, _ := sig.Body[0].(string)
			newOwner, _ := sig.Body[2].(string)
			if name != iwdService {
				continue
			}
			if newOwner == "" {
				c.handleDisappear()
			} else if err := c.maybeInit(); err != nil {
				log.Printf("wifi: re-init after iwd appeared: %v", err)
			}
		}
	}()
	return nil
}

func (c *Controller) handleDisappear() {
	c.mu.Lock()
	c.initialized = false
	c.devicePath = ""
	c.stationPath = ""
	c.mu.Unlock()
	if c.onUpstreamCapabilities != nil {
		c.onUpstreamCapabilities(false, model.NetworkCapabilities{})
	}
}

// maybeInit discovers the wlan device and station object paths via
// ObjectManager, idempotently.
func (c *Controller) maybeInit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return nil
	}

	obj := c.conn.Object(iwdService, "/")
	var managed map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := obj.Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).Store(&managed); err != nil {
		return err
	}

	for path, ifaces := range managed {
		if _, ok := ifaces[deviceIface]; ok {
			c.devicePath = path
		}
		if _, ok := ifaces[stationIface]; ok {
			c.stationPath = path
		}
	}
	if c.devicePath == "" {
		return fmt.Errorf("no iwd device found")
	}

	if err := c.agent.RegisterWithIWD(c.conn); err != nil {
		log.Printf("wifi: register credential agent: %v", err)
	}

	c.initialized = true
	return nil
}

// StartSoftAP implements the SoftAP hardware enable half of IpServer's
// enable() step 6 for DownstreamType.Wifi: switch the device to AP mode
// and start broadcasting cfg.
func (c *Controller) StartSoftAP(cfg model.SoftApConfig) error {
	c.mu.Lock()
	devicePath := c.devicePath
	c.mu.Unlock()
	if devicePath == "" {
		return fmt.Errorf("wifi: no device available")
	}

	obj := c.conn.Object(iwdService, devicePath)
	if err := obj.Call("org.freedesktop.DBus.Properties.Set", 0, deviceIface, "Mode", dbus.MakeVariant("ap")).Err; err != nil {
		return fmt.Errorf("wifi: switch to ap mode: %w", err)
	}

	apObj := c.conn.Object(iwdService, devicePath)
	if err := apObj.Call(accessPointIface+".Start", 0, cfg.SSID, cfg.Password).Err; err != nil {
		return fmt.Errorf("wifi: start access point: %w", err)
	}
	return nil
}

// StopSoftAP implements the SoftAP teardown half of unwanted()/stop().
func (c *Controller) StopSoftAP() error {
	c.mu.Lock()
	devicePath := c.devicePath
	c.mu.Unlock()
	if devicePath == "" {
		return nil
	}

	apObj := c.conn.Object(iwdService, devicePath)
	if err := apObj.Call(accessPointIface+".Stop", 0).Err; err != nil {
		return fmt.Errorf("wifi: stop access point: %w", err)
	}

	obj := c.conn.Object(iwdService, devicePath)
	return obj.Call("org.freedesktop.DBus.Properties.Set", 0, deviceIface, "Mode", dbus.MakeVariant("station")).Err
}

// Close releases the bus connection.
func (c *Controller) Close() error {
	return c.conn.Close()
}
