package peerscore

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

// newTestHost builds a real, loopback-only libp2p host with the resource
// manager disabled, same as the teacher's own gossipsub_connmgr_test.go
// does to keep connection-level tests lightweight.
func newTestHost(t *testing.T) host.Host {
	t.Helper()

	h, err := libp2p.New(
		libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"),
		libp2p.ResourceManager(&network.NullResourceManager{}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func TestHostConnectionManagerGetIPs(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h1 := newTestHost(t)
	h2 := newTestHost(t)

	err := h2.Connect(ctx, peer.AddrInfo{ID: h1.ID(), Addrs: h1.Addrs()})
	require.NoError(t, err)

	cm := &HostConnectionManager{Host: h2}
	require.Contains(t, cm.GetIPs(h1.ID()), "127.0.0.1")
}

func TestHostConnectionManagerUnconnectedPeer(t *testing.T) {
	cm := &HostConnectionManager{Host: newTestHost(t)}
	require.Empty(t, cm.GetIPs(peer.ID("not-connected")))
}

func TestHostConnectionManagerNilHost(t *testing.T) {
	var cm *HostConnectionManager
	require.Nil(t, cm.GetIPs(peer.ID("A")))
}
