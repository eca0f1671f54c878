// Package compute resolves an endpoint id to a dial target and enforces
// the IP allow-list a request's peer address must satisfy before the
// acquire path is allowed to dial out. It stands in for wake_compute: in
// this deployment the "compute node" is a statically configured Postgres
// instance rather than one spun up on demand, but the capability boundary
// the acquire path depends on is the same one a real wake_compute would
// expose — resolve endpoint id to connect info, reject disallowed peers.
package compute

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/sqlgateway/connpool/internal/config"
)

// NodeInfo is what a resolved endpoint yields: enough to dial and
// authenticate a backend connection.
type NodeInfo struct {
	EndpointID string
	Host       string
	Port       int
	RequireTLS bool
}

func (n NodeInfo) Address() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

type directorySnapshot struct {
	endpoints map[string]resolvedEndpoint
}

type resolvedEndpoint struct {
	node       NodeInfo
	allowedIPs []netip.Prefix
}

// Directory is the lock-free-read, mutex-serialized-write endpoint table:
// the same atomic.Value snapshot pattern the teacher's routing table uses,
// re-keyed from tenant id to endpoint id and from tenant pool-defaults to
// NodeInfo + allow-list.
type Directory struct {
	snap atomic.Value // holds *directorySnapshot
	wmu  sync.Mutex
}

// New builds a Directory from the endpoints section of the config.
func New(cfg *config.Config) (*Directory, error) {
	snap, err := buildSnapshot(cfg)
	if err != nil {
		return nil, err
	}
	d := &Directory{}
	d.snap.Store(snap)
	return d, nil
}

func buildSnapshot(cfg *config.Config) (*directorySnapshot, error) {
	snap := &directorySnapshot{endpoints: make(map[string]resolvedEndpoint, len(cfg.Endpoints))}
	for id, ec := range cfg.Endpoints {
		prefixes, err := parseAllowList(ec.AllowedIPs)
		if err != nil {
			return nil, fmt.Errorf("endpoint %q: %w", id, err)
		}
		snap.endpoints[id] = resolvedEndpoint{
			node: NodeInfo{
				EndpointID: id,
				Host:       ec.Host,
				Port:       ec.Port,
				RequireTLS: ec.RequireTLS,
			},
			allowedIPs: prefixes,
		}
	}
	return snap, nil
}

func parseAllowList(cidrs []string) ([]netip.Prefix, error) {
	if len(cidrs) == 0 {
		return nil, nil
	}
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		p, err := netip.ParsePrefix(c)
		if err != nil {
			addr, addrErr := netip.ParseAddr(c)
			if addrErr != nil {
				return nil, fmt.Errorf("invalid allow-list entry %q: %w", c, err)
			}
			bits := 32
			if addr.Is6() {
				bits = 128
			}
			p = netip.PrefixFrom(addr, bits)
		}
		prefixes = append(prefixes, p)
	}
	return prefixes, nil
}

func (d *Directory) load() *directorySnapshot {
	return d.snap.Load().(*directorySnapshot)
}

// WakeCompute resolves endpointID to its dial target. Named for the
// capability it replaces: in a deployment with ephemeral compute, this is
// where the request to start the node and learn its current address
// would happen.
func (d *Directory) WakeCompute(endpointID string) (NodeInfo, error) {
	ep, ok := d.load().endpoints[endpointID]
	if !ok {
		return NodeInfo{}, fmt.Errorf("unknown endpoint: %q", endpointID)
	}
	return ep.node, nil
}

// CheckAllowed reports whether peerAddr is permitted to reach endpointID.
// An endpoint with no configured allow-list permits every peer — disabling
// the check per-endpoint mirrors disable_ip_check_for_http at the pool
// level, just scoped narrower.
func (d *Directory) CheckAllowed(endpointID string, peerAddr string) (bool, error) {
	ep, ok := d.load().endpoints[endpointID]
	if !ok {
		return false, fmt.Errorf("unknown endpoint: %q", endpointID)
	}
	if len(ep.allowedIPs) == 0 {
		return true, nil
	}
	host, _, err := net.SplitHostPort(peerAddr)
	if err != nil {
		host = peerAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false, fmt.Errorf("invalid peer address %q: %w", peerAddr, err)
	}
	for _, prefix := range ep.allowedIPs {
		if prefix.Contains(addr) {
			return true, nil
		}
	}
	return false, nil
}

// List returns the current NodeInfo for every configured endpoint, for
// the health checker's probe sweep.
func (d *Directory) List() []NodeInfo {
	snap := d.load()
	nodes := make([]NodeInfo, 0, len(snap.endpoints))
	for _, ep := range snap.endpoints {
		nodes = append(nodes, ep.node)
	}
	return nodes
}

// Reload replaces the entire endpoint table from an updated config,
// invoked by the config watcher on a hot-reload.
func (d *Directory) Reload(cfg *config.Config) error {
	snap, err := buildSnapshot(cfg)
	if err != nil {
		return err
	}
	d.wmu.Lock()
	defer d.wmu.Unlock()
	d.snap.Store(snap)
	return nil
}
