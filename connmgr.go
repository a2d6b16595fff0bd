package peerscore

import (
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"

	ma "github.com/multiformats/go-multiaddr"
)

// ConnectionManager reports the current remote IP endpoints of a peer. It
// is read-only from the engine's perspective; failures degrade to an empty
// list rather than propagating an error, per spec §7.
type ConnectionManager interface {
	GetIPs(p peer.ID) []string
}

// HostConnectionManager adapts a live libp2p host.Host into a
// ConnectionManager, the way the overlay's own connection manager would.
type HostConnectionManager struct {
	Host host.Host
}

var _ ConnectionManager = (*HostConnectionManager)(nil)

// GetIPs walks the host's current connections to p and extracts the IPv4
// or IPv6 component of each remote multiaddr. A nil Host (as in unit tests
// that don't wire a real one) yields an empty list.
func (cm *HostConnectionManager) GetIPs(p peer.ID) []string {
	if cm == nil || cm.Host == nil {
		return nil
	}

	conns := cm.Host.Network().ConnsToPeer(p)
	res := make([]string, 0, len(conns))
	for _, c := range conns {
		remote := c.RemoteMultiaddr()

		if ip4, err := remote.ValueForProtocol(ma.P_IP4); err == nil {
			res = append(res, ip4)
			continue
		}

		if ip6, err := remote.ValueForProtocol(ma.P_IP6); err == nil {
			res = append(res, ip6)
		}
	}

	return res
}

// nilConnectionManager is used when the engine is constructed without a
// connection manager (e.g. unit tests exercising scoring logic alone).
type nilConnectionManager struct{}

func (nilConnectionManager) GetIPs(peer.ID) []string { return nil }
