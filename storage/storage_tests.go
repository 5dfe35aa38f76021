package storage

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/btracker-go/utracker/bittorrent"
)

// PeerEqualityFunc is the boolean function used to check two Peers for
// equality.
var PeerEqualityFunc = func(p1, p2 bittorrent.Peer) bool { return p1.Equal(p2) }

func containsPeer(peers []bittorrent.Peer, p bittorrent.Peer) bool {
	for _, peer := range peers {
		if PeerEqualityFunc(peer, p) {
			return true
		}
	}
	return false
}

// TestPeerStore exercises a PeerStore implementation against the
// registry's state-machine contract (spec §4.3). Every backend's
// conformance test should call this against a freshly constructed store.
func TestPeerStore(t *testing.T, p PeerStore) {
	ih := bittorrent.InfoHashFromString("01234567890123456789")
	unknown := bittorrent.InfoHashFromString("99999999999999999999")

	announcer := bittorrent.Peer{ID: bittorrent.PeerIDFromString("announcerannouncer01"), IP: net.ParseIP("198.51.100.9").To4(), Port: 6882}
	peer1 := bittorrent.Peer{ID: bittorrent.PeerIDFromString("peer1peer1peer1peer1"), IP: net.ParseIP("192.0.2.7").To4(), Port: 6881}

	// An unknown swarm reports zero aggregates without being registered.
	seeders, leechers, completed := p.SwarmStats(unknown)
	require.Zero(t, seeders)
	require.Zero(t, leechers)
	require.Zero(t, completed)

	allowed, err := p.IsAllowed(ih)
	require.NoError(t, err)
	require.True(t, allowed, "dynamic registration allows any info_hash")

	// started, left > 0 -> leecher.
	require.NoError(t, p.ApplyAnnounce(ih, peer1, 0, 100, 0, bittorrent.Started))
	seeders, leechers, completed = p.SwarmStats(ih)
	require.Equal(t, uint32(0), seeders)
	require.Equal(t, uint32(1), leechers)
	require.Equal(t, uint32(0), completed)

	// The announcer never samples itself.
	peers, err := p.SamplePeers(ih, peer1, 30)
	require.NoError(t, err)
	require.False(t, containsPeer(peers, peer1))

	// A different peer sees peer1.
	peers, err = p.SamplePeers(ih, announcer, 30)
	require.NoError(t, err)
	require.True(t, containsPeer(peers, peer1))

	// completed -> seeder, counter increments once.
	require.NoError(t, p.ApplyAnnounce(ih, peer1, 100, 0, 0, bittorrent.Completed))
	seeders, leechers, completed = p.SwarmStats(ih)
	require.Equal(t, uint32(1), seeders)
	require.Equal(t, uint32(0), leechers)
	require.Equal(t, uint32(1), completed)

	// A second completed announce from the same peer must not double-count.
	require.NoError(t, p.ApplyAnnounce(ih, peer1, 100, 0, 0, bittorrent.Completed))
	_, _, completed = p.SwarmStats(ih)
	require.Equal(t, uint32(1), completed)

	// stopped -> removed; completed counter survives the removal.
	require.NoError(t, p.ApplyAnnounce(ih, peer1, 100, 0, 0, bittorrent.Stopped))
	seeders, leechers, completed = p.SwarmStats(ih)
	require.Equal(t, uint32(0), seeders)
	require.Equal(t, uint32(0), leechers)
	require.Equal(t, uint32(1), completed, "completed is swarm-scoped and outlives individual peer removals")

	peers, err = p.SamplePeers(ih, announcer, 30)
	require.NoError(t, err)
	require.False(t, containsPeer(peers, peer1))

	e := p.Stop()
	require.Nil(t, <-e)
}

// TestPeerStoreSweep exercises expiry: peers whose last_seen predates the
// sweep cutoff are removed and the swarm's seeder and leecher counts drop
// accordingly.
func TestPeerStoreSweep(t *testing.T, p PeerStore) {
	ih := bittorrent.InfoHashFromString("sweepsweepsweepswee1")
	peer1 := bittorrent.Peer{ID: bittorrent.PeerIDFromString("sweeppeersweeppeer01"), IP: net.ParseIP("203.0.113.5").To4(), Port: 1}

	require.NoError(t, p.ApplyAnnounce(ih, peer1, 0, 0, 0, bittorrent.Started))
	seeders, _, _ := p.SwarmStats(ih)
	require.Equal(t, uint32(1), seeders)

	require.NoError(t, p.Sweep(time.Now().Add(time.Hour)))

	seeders, leechers, _ := p.SwarmStats(ih)
	require.Zero(t, seeders)
	require.Zero(t, leechers)

	e := p.Stop()
	require.Nil(t, <-e)
}
