// Package memory implements the peer registry (C3) entirely in process
// memory, sharded by info_hash to reduce mutex contention.
package memory

import (
	"encoding/binary"
	"runtime"
	"sync"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/btracker-go/utracker/bittorrent"
	"github.com/btracker-go/utracker/pkg/log"
	"github.com/btracker-go/utracker/pkg/timecache"
	"github.com/btracker-go/utracker/storage"
)

// Name is the name by which this peer store is registered with the tracker.
const Name = "memory"

// Default config constants.
const (
	defaultShardCount                  = 1024
	defaultPrometheusReportingInterval = time.Second * 1
)

func init() {
	storage.RegisterDriver(Name, driver{})
}

type driver struct{}

func (d driver) NewPeerStore(icfg interface{}) (storage.PeerStore, error) {
	bytes, err := yaml.Marshal(icfg)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return nil, err
	}

	return New(cfg)
}

// Config holds the configuration of a memory PeerStore.
type Config struct {
	ShardCount                  int           `yaml:"shard_count"`
	PrometheusReportingInterval time.Duration `yaml:"prometheus_reporting_interval"`

	// IsDynamic mirrors tracker.is_dynamic: unregistered swarms are
	// admitted (and registered on first announce) when true, rejected
	// when false.
	IsDynamic bool `yaml:"is_dynamic"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"name":               Name,
		"shardCount":         cfg.ShardCount,
		"promReportInterval": cfg.PrometheusReportingInterval,
		"isDynamic":          cfg.IsDynamic,
	}
}

// Validate sanity checks values set in a config and returns a new config
// with default values replacing anything invalid, warning to the logger
// about every value changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.ShardCount <= 0 {
		validcfg.ShardCount = defaultShardCount
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".ShardCount",
			"provided": cfg.ShardCount,
			"default":  validcfg.ShardCount,
		})
	}

	if cfg.PrometheusReportingInterval <= 0 {
		validcfg.PrometheusReportingInterval = defaultPrometheusReportingInterval
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".PrometheusReportingInterval",
			"provided": cfg.PrometheusReportingInterval,
			"default":  validcfg.PrometheusReportingInterval,
		})
	}

	return validcfg
}

// peerState is the derived state of a peerRecord, per the registry's
// state machine (spec §4.3).
type peerState uint8

const (
	leeching peerState = iota
	seeding
)

type peerRecord struct {
	peer       bittorrent.Peer
	downloaded uint64
	uploaded   uint64
	left       uint64
	state      peerState
	lastSeen   int64 // unix nanoseconds, per timecache
}

// swarm holds every peer currently participating in one info_hash, plus
// the aggregate counters the registry's invariants are defined over.
//
// A swarm entry is never deleted once created: completed must persist
// across individual peer removals for the lifetime of the swarm entry,
// so emptying out its peer set does not reclaim it. Only the process
// restarting clears this state.
type swarm struct {
	peers     map[bittorrent.PeerID]*peerRecord
	seeders   uint32
	leechers  uint32
	completed uint32
}

type peerShard struct {
	swarms map[bittorrent.InfoHash]*swarm
	sync.RWMutex
}

type peerStore struct {
	cfg    Config
	shards []*peerShard

	closed chan struct{}
	wg     sync.WaitGroup
}

// New creates a new PeerStore backed by memory.
func New(provided Config) (storage.PeerStore, error) {
	cfg := provided.Validate()
	ps := &peerStore{
		cfg:    cfg,
		shards: make([]*peerShard, cfg.ShardCount),
		closed: make(chan struct{}),
	}

	for i := range ps.shards {
		ps.shards[i] = &peerShard{swarms: make(map[bittorrent.InfoHash]*swarm)}
	}

	ps.wg.Add(1)
	go func() {
		defer ps.wg.Done()
		t := time.NewTicker(cfg.PrometheusReportingInterval)
		defer t.Stop()
		for {
			select {
			case <-ps.closed:
				return
			case <-t.C:
				before := time.Now()
				ps.populateProm()
				log.Debug("storage: populateProm() finished", log.Fields{"timeTaken": time.Since(before)})
			}
		}
	}()

	return ps, nil
}

var _ storage.PeerStore = &peerStore{}

func (ps *peerStore) populateProm() {
	var numInfohashes, numSeeders, numLeechers uint64

	for _, s := range ps.shards {
		s.RLock()
		numInfohashes += uint64(len(s.swarms))
		for _, sw := range s.swarms {
			numSeeders += uint64(sw.seeders)
			numLeechers += uint64(sw.leechers)
		}
		s.RUnlock()
	}

	storage.PromInfohashesCount.Set(float64(numInfohashes))
	storage.PromSeedersCount.Set(float64(numSeeders))
	storage.PromLeechersCount.Set(float64(numLeechers))
}

func recordGCDuration(duration time.Duration) {
	storage.PromGCDurationMilliseconds.Observe(float64(duration.Nanoseconds()) / float64(time.Millisecond))
}

func (ps *peerStore) shardIndex(infoHash bittorrent.InfoHash) uint32 {
	return binary.BigEndian.Uint32(infoHash[:4]) % uint32(len(ps.shards))
}

func deriveState(event bittorrent.Event, left uint64) peerState {
	if event == bittorrent.Completed {
		return seeding
	}
	if left == 0 {
		return seeding
	}
	return leeching
}

// IsAllowed reports whether infoHash may be announced/scraped against. In
// dynamic mode every info_hash is allowed and registered (if not already)
// as a side effect; in static mode only previously registered swarms are
// allowed.
func (ps *peerStore) IsAllowed(infoHash bittorrent.InfoHash) (bool, error) {
	select {
	case <-ps.closed:
		panic("attempted to interact with stopped memory store")
	default:
	}

	shard := ps.shards[ps.shardIndex(infoHash)]

	if !ps.cfg.IsDynamic {
		shard.RLock()
		_, ok := shard.swarms[infoHash]
		shard.RUnlock()
		return ok, nil
	}

	shard.Lock()
	if _, ok := shard.swarms[infoHash]; !ok {
		shard.swarms[infoHash] = &swarm{peers: make(map[bittorrent.PeerID]*peerRecord)}
	}
	shard.Unlock()

	return true, nil
}

// SwarmStats returns the current aggregates for infoHash. An unknown swarm
// reports all zeros without registering it, even in dynamic mode.
func (ps *peerStore) SwarmStats(infoHash bittorrent.InfoHash) (seeders, leechers, completed uint32) {
	shard := ps.shards[ps.shardIndex(infoHash)]
	shard.RLock()
	defer shard.RUnlock()

	sw, ok := shard.swarms[infoHash]
	if !ok {
		return 0, 0, 0
	}

	return sw.seeders, sw.leechers, sw.completed
}

// SamplePeers returns up to numWant active peers from infoHash's swarm,
// never including announcer itself.
func (ps *peerStore) SamplePeers(infoHash bittorrent.InfoHash, announcer bittorrent.Peer, numWant int) ([]bittorrent.Peer, error) {
	select {
	case <-ps.closed:
		panic("attempted to interact with stopped memory store")
	default:
	}

	if numWant <= 0 {
		return nil, nil
	}

	shard := ps.shards[ps.shardIndex(infoHash)]
	shard.RLock()
	defer shard.RUnlock()

	sw, ok := shard.swarms[infoHash]
	if !ok {
		return nil, nil
	}

	peers := make([]bittorrent.Peer, 0, numWant)
	for id, rec := range sw.peers {
		if id == announcer.ID {
			continue
		}
		peers = append(peers, rec.peer)
		if len(peers) == numWant {
			break
		}
	}

	return peers, nil
}

// adjustCounters applies the counter delta implied by a peer transitioning
// from oldState (or absent, when existed is false) to newState.
func adjustCounters(sw *swarm, existed bool, oldState, newState peerState) {
	if existed {
		switch oldState {
		case seeding:
			sw.seeders--
		case leeching:
			sw.leechers--
		}
	}

	switch newState {
	case seeding:
		sw.seeders++
	case leeching:
		sw.leechers++
	}
}

// ApplyAnnounce records the effect of an announce event, per the registry's
// state machine (spec §4.3).
func (ps *peerStore) ApplyAnnounce(infoHash bittorrent.InfoHash, p bittorrent.Peer, downloaded, left, uploaded uint64, event bittorrent.Event) error {
	select {
	case <-ps.closed:
		panic("attempted to interact with stopped memory store")
	default:
	}

	shard := ps.shards[ps.shardIndex(infoHash)]
	shard.Lock()
	defer shard.Unlock()

	sw, ok := shard.swarms[infoHash]
	if !ok {
		sw = &swarm{peers: make(map[bittorrent.PeerID]*peerRecord)}
		shard.swarms[infoHash] = sw
	}

	now := timecache.NowUnixNano()

	if event == bittorrent.Stopped {
		rec, existed := sw.peers[p.ID]
		if existed {
			switch rec.state {
			case seeding:
				sw.seeders--
			case leeching:
				sw.leechers--
			}
			delete(sw.peers, p.ID)
		}
		return nil
	}

	rec, existed := sw.peers[p.ID]
	return ps.applyUpsert(sw, existed, rec, p, downloaded, left, uploaded, event, now)
}

// applyUpsert performs the insert-or-update half of ApplyAnnounce. It is
// split out so that ApplyAnnounce's control flow only handles the single
// early-return "stopped" case inline.
func (ps *peerStore) applyUpsert(sw *swarm, existed bool, rec *peerRecord, p bittorrent.Peer, downloaded, left, uploaded uint64, event bittorrent.Event, now int64) error {
	newState := deriveState(event, left)

	var oldState peerState
	wasSeeder := false
	if existed {
		oldState = rec.state
		wasSeeder = rec.state == seeding
	}

	adjustCounters(sw, existed, oldState, newState)

	if event == bittorrent.Completed && !wasSeeder {
		sw.completed++
	}

	sw.peers[p.ID] = &peerRecord{
		peer:       bittorrent.Peer{ID: p.ID, IP: p.IP, Port: p.Port},
		downloaded: downloaded,
		uploaded:   uploaded,
		left:       left,
		state:      newState,
		lastSeen:   now,
	}

	return nil
}

// Sweep removes peer records whose last_seen predates cutoff and adjusts
// counters accordingly. Swarm entries themselves are never removed, so
// that each swarm's completed counter survives its peers' expiry.
func (ps *peerStore) Sweep(cutoff time.Time) error {
	select {
	case <-ps.closed:
		return nil
	default:
	}

	cutoffUnix := cutoff.UnixNano()
	start := time.Now()

	for _, shard := range ps.shards {
		shard.RLock()
		var infohashes []bittorrent.InfoHash
		for ih := range shard.swarms {
			infohashes = append(infohashes, ih)
		}
		shard.RUnlock()
		runtime.Gosched()

		for _, ih := range infohashes {
			shard.Lock()
			sw, ok := shard.swarms[ih]
			if !ok {
				shard.Unlock()
				runtime.Gosched()
				continue
			}

			for id, rec := range sw.peers {
				if rec.lastSeen > cutoffUnix {
					continue
				}
				switch rec.state {
				case seeding:
					sw.seeders--
				case leeching:
					sw.leechers--
				}
				delete(sw.peers, id)
			}

			shard.Unlock()
			runtime.Gosched()
		}

		runtime.Gosched()
	}

	recordGCDuration(time.Since(start))

	return nil
}

// Stop drains the background Prometheus-reporting goroutine and releases
// the shard storage.
func (ps *peerStore) Stop() <-chan error {
	c := make(chan error)
	go func() {
		defer close(c)
		close(ps.closed)
		ps.wg.Wait()

		shards := make([]*peerShard, len(ps.shards))
		for i := range shards {
			shards[i] = &peerShard{swarms: make(map[bittorrent.InfoHash]*swarm)}
		}
		ps.shards = shards
	}()

	return c
}

func (ps *peerStore) LogFields() log.Fields {
	return ps.cfg.LogFields()
}
