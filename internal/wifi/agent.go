package wifi

import (
	"log"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	agentPath     = "/tetherd/wifi/agent"
	agentIface    = "net.connman.iwd.Agent"
	agentMgrIface = "net.connman.iwd.AgentManager"
	credentialTTL = 30 * time.Second
)

// pendingCredential holds a passphrase waiting for IWD's callback, set
// just before the upstream-backhaul Network.Connect call that triggers
// it.
type pendingCredential struct {
	Password string
	Created  time.Time
}

// Agent implements net.connman.iwd.Agent, the credential callback IWD
// invokes when connecting a Wi-Fi upstream backhaul that needs a
// passphrase. Only the orchestrator-selected upstream backhaul
// authenticates through here; this daemon never drives arbitrary SSID
// connects.
type Agent struct {
	conn    *dbus.Conn
	mu      sync.Mutex
	pending map[dbus.ObjectPath]pendingCredential
}

func newAgent() *Agent {
	return &Agent{pending: make(map[dbus.ObjectPath]pendingCredential)}
}

// SetPending stores a password for network, to be consumed by the next
// RequestPassphrase callback for that path.
func (a *Agent) SetPending(network dbus.ObjectPath, password string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending[network] = pendingCredential{Password: password, Created: time.Now()}
}

// ClearPending removes a pending credential on failure or timeout.
func (a *Agent) ClearPending(network dbus.ObjectPath) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.pending, network)
}

// RequestPassphrase is IWD's callback for PSK/SAE networks.
func (a *Agent) RequestPassphrase(network dbus.ObjectPath) (string, *dbus.Error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cred, ok := a.pending[network]
	if !ok {
		return "", dbus.NewError(agentIface+".Error.Canceled", []interface{}{"no credential available"})
	}
	if time.Since(cred.Created) > credentialTTL {
		delete(a.pending, network)
		return "", dbus.NewError(agentIface+".Error.Canceled", []interface{}{"credential expired"})
	}
	delete(a.pending, network)
	return cred.Password, nil
}

// RequestPrivateKeyPassphrase is unsupported (802.1x not in scope).
func (a *Agent) RequestPrivateKeyPassphrase(network dbus.ObjectPath) (string, *dbus.Error) {
	return "", dbus.NewError(agentIface+".Error.Canceled", []interface{}{"private key passphrase not supported"})
}

// RequestUserNameAndPassword is unsupported.
func (a *Agent) RequestUserNameAndPassword(network dbus.ObjectPath) (string, string, *dbus.Error) {
	return "", "", dbus.NewError(agentIface+".Error.Canceled", []interface{}{"user/password authentication not supported"})
}

// RequestUserPassword is unsupported.
func (a *Agent) RequestUserPassword(network dbus.ObjectPath, user string) (string, *dbus.Error) {
	return "", dbus.NewError(agentIface+".Error.Canceled", []interface{}{"user password authentication not supported"})
}

// Cancel clears all pending credentials on IWD-initiated cancellation.
func (a *Agent) Cancel(reason string) *dbus.Error {
	log.Printf("wifi: agent request cancelled: %s", reason)
	a.mu.Lock()
	a.pending = make(map[dbus.ObjectPath]pendingCredential)
	a.mu.Unlock()
	return nil
}

// Release clears all pending credentials on agent unregistration.
func (a *Agent) Release() *dbus.Error {
	a.mu.Lock()
	a.pending = make(map[dbus.ObjectPath]pendingCredential)
	a.mu.Unlock()
	return nil
}

// RegisterWithIWD exports the agent on conn and registers it with IWD's
// AgentManager.
func (a *Agent) RegisterWithIWD(conn *dbus.Conn) error {
	a.conn = conn
	if err := conn.Export(a, dbus.ObjectPath(agentPath), agentIface); err != nil {
		return err
	}
	obj := conn.Object(iwdService, "/net/connman/iwd")
	return obj.Call(agentMgrIface+".RegisterAgent", 0, dbus.ObjectPath(agentPath)).Err
}

// UnregisterFromIWD unregisters the agent from IWD.
func (a *Agent) UnregisterFromIWD() error {
	obj := a.conn.Object(iwdService, "/net/connman/iwd")
	return obj.Call(agentMgrIface+".UnregisterAgent", 0, dbus.ObjectPath(agentPath)).Err
}
