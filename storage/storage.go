// Package storage implements the peer registry (C3): a mapping from
// info_hash to the currently active peer set with aggregate counters, an
// event-driven state machine per peer, and a background expiry sweep.
// Concrete backends register themselves with RegisterDriver so that the
// driver named by the configured storage.name key can be constructed
// without this package knowing about it.
package storage

import (
	"fmt"
	"time"

	"github.com/btracker-go/utracker/bittorrent"
	"github.com/btracker-go/utracker/pkg/stop"
)

// ErrResourceDoesNotExist is returned by operations that require an
// existing swarm or peer record when none is found.
var ErrResourceDoesNotExist = bittorrent.ClientError("resource does not exist")

// PeerStore is the interface that abstracts the tracker's registry of
// swarms and their peers. Implementations MUST serialize mutations per
// swarm and MUST make seeders+leechers==|peers| observable at every
// externally visible read.
type PeerStore interface {
	// IsAllowed reports whether info_hash may be announced/scraped against.
	// With dynamic registration enabled, it always returns true and
	// registers the swarm as a side effect of the first announce; with
	// dynamic registration disabled, only previously-registered swarms are
	// allowed.
	IsAllowed(infoHash bittorrent.InfoHash) (bool, error)

	// SamplePeers returns up to numWant currently active peers (seeders
	// and leechers) for infoHash, never including announcer itself. The
	// sampling policy is unspecified beyond that exclusion.
	SamplePeers(infoHash bittorrent.InfoHash, announcer bittorrent.Peer, numWant int) ([]bittorrent.Peer, error)

	// SwarmStats returns the current aggregate counters for infoHash. An
	// unknown swarm reports all zeros without being registered.
	SwarmStats(infoHash bittorrent.InfoHash) (seeders, leechers, completed uint32)

	// ApplyAnnounce records the effect of an announce event against the
	// (infoHash, peer) pair, per the event's state-machine semantics.
	// downloaded, left and uploaded are the totals reported by this
	// announce; state is derived from left except where event forces it.
	ApplyAnnounce(infoHash bittorrent.InfoHash, p bittorrent.Peer, downloaded, left, uploaded uint64, event bittorrent.Event) error

	// Sweep removes peer records whose last_seen predates cutoff and
	// adjusts counters accordingly.
	Sweep(cutoff time.Time) error

	// Stopper allows the backend's background goroutines to be drained on
	// shutdown.
	stop.Stopper
}

// Driver constructs a PeerStore from an opaque, backend-specific
// configuration value (typically the storage.config block decoded from YAML).
type Driver interface {
	NewPeerStore(icfg interface{}) (PeerStore, error)
}

var drivers = make(map[string]Driver)

// RegisterDriver makes a Driver available under name. It panics if called
// twice for the same name, or if driver is nil. Intended to be called from
// a backend package's init function.
func RegisterDriver(name string, d Driver) {
	if d == nil {
		panic("storage: could not register nil Driver")
	}
	if _, dup := drivers[name]; dup {
		panic("storage: RegisterDriver called twice for driver " + name)
	}
	drivers[name] = d
}

// NewPeerStore builds a PeerStore using the driver registered under name.
func NewPeerStore(name string, icfg interface{}) (PeerStore, error) {
	d, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("storage: no driver registered under name %q", name)
	}

	return d.NewPeerStore(icfg)
}
