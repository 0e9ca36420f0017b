// Package address hands out non-conflicting /24 IPv4 prefixes to
// downstreams, tracks upstream prefixes per network, and notifies
// downstreams when a newly learned upstream prefix collides with one
// already assigned.
package address

import (
	"math/rand"
	"net/netip"
	"sync"

	"tetherd/internal/model"
)

// cacheKey identifies a sticky reservation slot.
type cacheKey struct {
	Type  model.DownstreamType
	Scope model.ConnectivityScope
}

// Notifier is the narrow callback the coordinator uses to tell a
// downstream its prefix now conflicts with an upstream. IpServer
// implements this.
type Notifier interface {
	NotifyPrefixConflict(serverID string)
}

// Coordinator is the AddressCoordinator. All methods are expected to run
// on the tethering thread; each method still takes mu, which guards the
// random source and all of the coordinator's maps.
type Coordinator struct {
	mu sync.Mutex

	rng *rand.Rand

	// active maps a downstream server ID to its current assignment.
	active map[string]assignment

	// cached maps (type, scope) to the last address handed out for it,
	// kept across release for use_last reuse.
	cached map[cacheKey]netip.Prefix

	// upstreams maps network -> that network's IPv4 prefixes.
	upstreams map[model.NetworkID][]netip.Prefix

	dedicatedWifiP2pIP bool
}

type assignment struct {
	Type   model.DownstreamType
	Scope  model.ConnectivityScope
	Prefix netip.Prefix
}

// New creates a Coordinator. dedicatedWifiP2pIP mirrors the platform's
// "dedicated IP" policy toggle for Wi-Fi Direct.
func New(dedicatedWifiP2pIP bool) *Coordinator {
	return &Coordinator{
		rng:                rand.New(rand.NewSource(randSeed())),
		active:             make(map[string]assignment),
		cached:             make(map[cacheKey]netip.Prefix),
		upstreams:          make(map[model.NetworkID][]netip.Prefix),
		dedicatedWifiP2pIP: dedicatedWifiP2pIP,
	}
}

// The default seed is fixed so tests are deterministic; production
// reseeds at startup.
var randSeed = func() int64 { return 1 }

// Seed replaces the allocation RNG. Called once at process start to
// randomize production allocation.
func (c *Coordinator) Seed(seed int64) {
	c.mu.Lock()
	c.rng = rand.New(rand.NewSource(seed))
	c.mu.Unlock()
}

// rejectedHostSpace is reserved 192.168.x.0/24 space never handed out
// even if otherwise free: these blocks are common router/ISP defaults.
var rejectedHostSpace = []netip.Prefix{
	netip.MustParsePrefix("192.168.0.0/24"),
	netip.MustParsePrefix("192.168.1.0/24"),
	netip.MustParsePrefix("192.168.88.0/24"),
	netip.MustParsePrefix("192.168.100.0/24"),
}

// RequestDownstreamAddress assigns a /24 to serverID: the dedicated
// Wi-Fi Direct or Bluetooth block when those apply, the cached sticky
// address when useLast holds and nothing conflicts, otherwise a fresh
// random pick from the private pools.
func (c *Coordinator) RequestDownstreamAddress(
	serverID string,
	dtype model.DownstreamType,
	scope model.ConnectivityScope,
	useLast bool,
) (netip.Prefix, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if dtype == model.DownstreamWifiP2p && c.dedicatedWifiP2pIP {
		p := model.WifiP2pPrefix
		c.commitLocked(serverID, dtype, scope, p)
		return p, true
	}

	if dtype == model.DownstreamBluetooth && scope == model.ScopeGlobal {
		if !c.inUseConflictLocked(model.BluetoothPrefix, serverID) {
			p := model.BluetoothPrefix
			c.commitLocked(serverID, dtype, scope, p)
			return p, true
		}
	}

	key := cacheKey{dtype, scope}
	if useLast {
		// A cached reservation only has to clear the live conflicts
		// (upstream prefixes, other active downstreams); its own cache
		// entry is what we're reusing.
		if p, ok := c.cached[key]; ok && !c.inUseConflictLocked(p, serverID) {
			c.commitLocked(serverID, dtype, scope, p)
			return p, true
		}
	}

	p, ok := c.pickRandomLocked()
	if !ok {
		return netip.Prefix{}, false
	}
	c.cached[key] = p
	c.commitLocked(serverID, dtype, scope, p)
	return p, true
}

func (c *Coordinator) commitLocked(serverID string, dtype model.DownstreamType, scope model.ConnectivityScope, p netip.Prefix) {
	c.active[serverID] = assignment{Type: dtype, Scope: scope, Prefix: p}
}

// ReleaseDownstream implements release_downstream: the server is dropped
// from the active set, but its cached (type, scope) entry survives for a
// later use_last request.
func (c *Coordinator) ReleaseDownstream(serverID string) {
	c.mu.Lock()
	delete(c.active, serverID)
	c.mu.Unlock()
}

// UpdateUpstreamPrefix implements update_upstream_prefix. A VPN transport
// is treated as removal. Any active downstream whose prefix now overlaps a
// new upstream prefix is reported via notify.
func (c *Coordinator) UpdateUpstreamPrefix(
	network model.NetworkID,
	lp model.LinkProperties,
	caps model.NetworkCapabilities,
	notify func(serverID string),
) {
	c.mu.Lock()
	if caps.IsVPN {
		delete(c.upstreams, network)
		c.mu.Unlock()
		return
	}
	c.upstreams[network] = lp.IPv4Prefixes()

	var conflicted []string
	for id, a := range c.active {
		for _, up := range c.upstreams[network] {
			if prefixesConflict(a.Prefix, up) {
				conflicted = append(conflicted, id)
				break
			}
		}
	}
	c.mu.Unlock()

	for _, id := range conflicted {
		notify(id)
	}
}

// RemoveUpstreamPrefix implements remove_upstream_prefix.
func (c *Coordinator) RemoveUpstreamPrefix(network model.NetworkID) {
	c.mu.Lock()
	delete(c.upstreams, network)
	c.mu.Unlock()
}

// MaybeRemoveDeprecatedUpstreams implements maybe_remove_deprecated_upstreams:
// drop any tracked network absent from present.
func (c *Coordinator) MaybeRemoveDeprecatedUpstreams(present map[model.NetworkID]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for net := range c.upstreams {
		if !present[net] {
			delete(c.upstreams, net)
		}
	}
}

// inUseConflictLocked reports whether p conflicts with any upstream
// prefix or any active downstream other than excludeServerID.
func (c *Coordinator) inUseConflictLocked(p netip.Prefix, excludeServerID string) bool {
	for _, prefixes := range c.upstreams {
		for _, up := range prefixes {
			if prefixesConflict(p, up) {
				return true
			}
		}
	}
	for id, a := range c.active {
		if id == excludeServerID {
			continue
		}
		if prefixesConflict(p, a.Prefix) {
			return true
		}
	}
	return false
}

// conflictsLocked additionally rejects overlap with cached reservations,
// so a fresh random pick never lands on a prefix some other (type, scope)
// slot is holding for use_last reuse.
func (c *Coordinator) conflictsLocked(p netip.Prefix, excludeServerID string) bool {
	if c.inUseConflictLocked(p, excludeServerID) {
		return true
	}
	for _, cached := range c.cached {
		if prefixesConflict(p, cached) {
			return true
		}
	}
	return false
}

// prefixesConflict reports whether two prefixes overlap: the
// shorter-prefix one contains the other's base address.
func prefixesConflict(a, b netip.Prefix) bool {
	if a.Bits() <= b.Bits() {
		return a.Contains(b.Addr())
	}
	return b.Contains(a.Addr())
}

// The 10.0.0.0-10.10.255.255 band is excluded: carriers commonly assign
// it to cellular upstreams.
var reject10Low = netip.MustParseAddr("10.0.0.0")
var reject10High = netip.MustParseAddr("10.10.255.255")

func in10ExclusionBand(addr netip.Addr) bool {
	return addr.Compare(reject10Low) >= 0 && addr.Compare(reject10High) <= 0
}

// pickRandomLocked picks a random free /24, starting from a weighted
// pool index and walking the remaining pools on exhaustion.
func (c *Coordinator) pickRandomLocked() (netip.Prefix, bool) {
	poolIdx := c.weightedPoolIndexLocked()
	pools := model.Pools()

	for i := 0; i < len(pools); i++ {
		idx := (poolIdx + i) % len(pools)
		if p, ok := c.tryPoolLocked(pools[idx]); ok {
			return p, true
		}
	}
	return netip.Prefix{}, false
}

// weightedPoolIndexLocked picks a starting pool index from 24 random bits,
// weighted ~94%/6%/0.4% toward 10/8, 172.16/12, 192.168/16.
func (c *Coordinator) weightedPoolIndexLocked() int {
	r := c.rng.Intn(1 << 24)
	switch {
	case r > 0xFFFFF:
		return 0 // 10/8
	case r > 0xFFFF:
		return 1 // 172.16/12
	default:
		return 2 // 192.168/16
	}
}

// tryPoolLocked tries up to 20 random /24 candidates within pool.
func (c *Coordinator) tryPoolLocked(pool netip.Prefix) (netip.Prefix, bool) {
	base := pool.Addr().As4()
	bits := pool.Bits()

	for attempt := 0; attempt < 20; attempt++ {
		cand := randomSlash24InLocked(c.rng, base, bits)
		if !pool.Contains(cand) {
			continue
		}
		if !candidateAllowed(cand) {
			continue
		}
		p := netip.PrefixFrom(cand, 24)
		if !c.conflictsLocked(p, "") {
			return p, true
		}
	}
	return netip.Prefix{}, false
}

// randomSlash24InLocked picks a random address inside the pool: octets
// wholly covered by the pool's prefix stay fixed, a partially covered
// octet (the /12 pool's second octet) keeps its fixed high bits and
// randomizes only the remainder, and lower octets randomize fully. The
// host octet is vetted by candidateAllowed.
func randomSlash24InLocked(rng *rand.Rand, base [4]byte, poolBits int) netip.Addr {
	out := base
	for octet := 0; octet < 4; octet++ {
		bitStart := octet * 8
		if bitStart+8 <= poolBits {
			continue // fixed by the pool
		}
		r := byte(rng.Intn(256))
		if bitStart < poolBits {
			free := byte(0xFF) >> (poolBits - bitStart)
			r = base[octet]&^free | r&free
		}
		out[octet] = r
	}
	return netip.AddrFrom4(out)
}

// candidateAllowed rejects host octets 0/1/255, the reserved
// 192.168.{0,1,88,100}.0/24 blocks, and the carrier 10/8 band.
func candidateAllowed(addr netip.Addr) bool {
	b := addr.As4()
	if b[3] == 0 || b[3] == 1 || b[3] == 255 {
		return false
	}
	p := netip.PrefixFrom(netip.AddrFrom4([4]byte{b[0], b[1], b[2], 0}), 24)
	for _, rej := range rejectedHostSpace {
		if p == rej {
			return false
		}
	}
	if in10ExclusionBand(addr) {
		return false
	}
	return true
}
