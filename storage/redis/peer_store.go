// Package redis implements the peer registry (C3) against a Redis server,
// for deployments that share one tracker's state across multiple
// processes. Each swarm's peer hash lives at "swarm:<info_hash>", its
// aggregate counters at "swarm:<info_hash>:seeders" etc, and its
// mutations are serialized with a per-swarm distributed lock so that the
// read-modify-write sequence behind ApplyAnnounce's state transitions
// stays atomic across tracker instances.
package redis

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	redsyncredigo "github.com/go-redsync/redsync/v4/redis/redigo"
	"github.com/gomodule/redigo/redis"
	yaml "gopkg.in/yaml.v2"

	"github.com/btracker-go/utracker/bittorrent"
	"github.com/btracker-go/utracker/pkg/log"
	"github.com/btracker-go/utracker/pkg/timecache"
	"github.com/btracker-go/utracker/storage"
)

// Name is the name by which this peer store is registered.
const Name = "redis"

// Default config constants.
const (
	defaultPrometheusReportingInterval = time.Second * 1
	defaultRedisAddr                   = "127.0.0.1:6379"
	defaultRedisConnectTimeout         = time.Second * 5
	defaultMaxIdleConns                = 8
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

// Config holds the configuration of a redis-backed PeerStore.
type Config struct {
	RedisAddr                   string        `yaml:"redis_addr"`
	RedisConnectTimeout         time.Duration `yaml:"redis_connect_timeout"`
	PrometheusReportingInterval time.Duration `yaml:"prometheus_reporting_interval"`
	IsDynamic                   bool          `yaml:"is_dynamic"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"name":                Name,
		"redisAddr":           cfg.RedisAddr,
		"redisConnectTimeout": cfg.RedisConnectTimeout,
		"promReportInterval":  cfg.PrometheusReportingInterval,
		"isDynamic":           cfg.IsDynamic,
	}
}

// Validate sanity checks values set in a config and returns a new config
// with default values replacing anything invalid, warning to the logger
// about every value changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.RedisAddr == "" {
		validcfg.RedisAddr = defaultRedisAddr
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".RedisAddr",
			"provided": cfg.RedisAddr,
			"default":  validcfg.RedisAddr,
		})
	}

	if cfg.RedisConnectTimeout <= 0 {
		validcfg.RedisConnectTimeout = defaultRedisConnectTimeout
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".RedisConnectTimeout",
			"provided": cfg.RedisConnectTimeout,
			"default":  validcfg.RedisConnectTimeout,
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

type peerStore struct {
	cfg  Config
	pool *redis.Pool
	rs   *redsync.Redsync

	closed chan struct{}
	wg     sync.WaitGroup
}

var _ storage.PeerStore = &peerStore{}

// New creates a new PeerStore backed by redis.
func New(provided Config) (storage.PeerStore, error) {
	cfg := provided.Validate()

	pool := &redis.Pool{
		MaxIdle:     defaultMaxIdleConns,
		IdleTimeout: 240 * time.Second,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", cfg.RedisAddr, redis.DialConnectTimeout(cfg.RedisConnectTimeout))
		},
	}

	ps := &peerStore{
		cfg:    cfg,
		pool:   pool,
		rs:     redsync.New(redsyncredigo.NewPool(pool)),
		closed: make(chan struct{}),
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
				ps.populateProm()
			}
		}
	}()

	return ps, nil
}

func swarmKey(ih bittorrent.InfoHash) string     { return "swarm:" + ih.String() }
func seedersKey(ih bittorrent.InfoHash) string   { return "swarm:" + ih.String() + ":seeders" }
func leechersKey(ih bittorrent.InfoHash) string  { return "swarm:" + ih.String() + ":leechers" }
func completedKey(ih bittorrent.InfoHash) string { return "swarm:" + ih.String() + ":completed" }
func lastSeenKey(ih bittorrent.InfoHash) string  { return "swarm:" + ih.String() + ":lastseen" }

const knownSwarmsKey = "swarms"

// encodePeer packs a peer's stored fields into a fixed-width record:
// 4 bytes IPv4, 2 bytes port, 1 byte state, 8 bytes last_seen (unix nanos).
func encodePeer(p bittorrent.Peer, state peerState, lastSeen int64) []byte {
	b := make([]byte, 4+2+1+8)
	copy(b[0:4], p.IP.To4())
	binary.BigEndian.PutUint16(b[4:6], p.Port)
	b[6] = byte(state)
	binary.BigEndian.PutUint64(b[7:15], uint64(lastSeen))
	return b
}

func decodePeer(id bittorrent.PeerID, b []byte) (bittorrent.Peer, peerState, int64) {
	ip := make([]byte, 4)
	copy(ip, b[0:4])
	port := binary.BigEndian.Uint16(b[4:6])
	state := peerState(b[6])
	lastSeen := int64(binary.BigEndian.Uint64(b[7:15]))
	return bittorrent.Peer{ID: id, IP: ip, Port: port}, state, lastSeen
}

type peerState uint8

const (
	leeching peerState = iota
	seeding
)

func deriveState(event bittorrent.Event, left uint64) peerState {
	if event == bittorrent.Completed || left == 0 {
		return seeding
	}
	return leeching
}

func (ps *peerStore) conn() redis.Conn { return ps.pool.Get() }

func (ps *peerStore) populateProm() {
	conn := ps.conn()
	defer conn.Close()

	ihs, err := redis.Strings(conn.Do("SMEMBERS", knownSwarmsKey))
	if err != nil {
		log.Error("storage: SMEMBERS failure", log.Err(err))
		return
	}

	var seeders, leechers int64
	for _, ihHex := range ihs {
		rawIH, err := hex.DecodeString(ihHex)
		if err != nil || len(rawIH) != 20 {
			continue
		}
		ih := bittorrent.InfoHashFromBytes(rawIH)
		s, _ := redis.Int64(conn.Do("GET", seedersKey(ih)))
		l, _ := redis.Int64(conn.Do("GET", leechersKey(ih)))
		seeders += s
		leechers += l
	}

	storage.PromInfohashesCount.Set(float64(len(ihs)))
	storage.PromSeedersCount.Set(float64(seeders))
	storage.PromLeechersCount.Set(float64(leechers))
}

func (ps *peerStore) IsAllowed(ih bittorrent.InfoHash) (bool, error) {
	select {
	case <-ps.closed:
		panic("attempted to interact with stopped redis store")
	default:
	}

	conn := ps.conn()
	defer conn.Close()

	if !ps.cfg.IsDynamic {
		return redis.Bool(conn.Do("SISMEMBER", knownSwarmsKey, ih.String()))
	}

	if _, err := conn.Do("SADD", knownSwarmsKey, ih.String()); err != nil {
		return false, err
	}
	return true, nil
}

func (ps *peerStore) SwarmStats(ih bittorrent.InfoHash) (seeders, leechers, completed uint32) {
	conn := ps.conn()
	defer conn.Close()

	s, _ := redis.Int(conn.Do("GET", seedersKey(ih)))
	l, _ := redis.Int(conn.Do("GET", leechersKey(ih)))
	c, _ := redis.Int(conn.Do("GET", completedKey(ih)))

	return uint32(s), uint32(l), uint32(c)
}

func (ps *peerStore) SamplePeers(ih bittorrent.InfoHash, announcer bittorrent.Peer, numWant int) ([]bittorrent.Peer, error) {
	select {
	case <-ps.closed:
		panic("attempted to interact with stopped redis store")
	default:
	}

	if numWant <= 0 {
		return nil, nil
	}

	conn := ps.conn()
	defer conn.Close()

	fields, err := redis.StringMap(conn.Do("HGETALL", swarmKey(ih)))
	if err != nil {
		return nil, err
	}

	peers := make([]bittorrent.Peer, 0, numWant)
	for idHex, raw := range fields {
		rawID, err := hex.DecodeString(idHex)
		if err != nil || len(rawID) != 20 {
			continue
		}
		id := bittorrent.PeerIDFromBytes(rawID)
		if id == announcer.ID {
			continue
		}
		p, _, _ := decodePeer(id, []byte(raw))
		peers = append(peers, p)
		if len(peers) == numWant {
			break
		}
	}

	return peers, nil
}

func (ps *peerStore) ApplyAnnounce(ih bittorrent.InfoHash, p bittorrent.Peer, downloaded, left, uploaded uint64, event bittorrent.Event) error {
	select {
	case <-ps.closed:
		panic("attempted to interact with stopped redis store")
	default:
	}

	mutex := ps.rs.NewMutex("lock:" + ih.String())
	if err := mutex.Lock(); err != nil {
		return fmt.Errorf("storage: failed to acquire swarm lock: %w", err)
	}
	defer mutex.Unlock()

	conn := ps.conn()
	defer conn.Close()

	idHex := p.ID.String()

	existingRaw, err := redis.Bytes(conn.Do("HGET", swarmKey(ih), idHex))
	existed := err == nil
	var oldState peerState
	if existed {
		_, oldState, _ = decodePeer(p.ID, existingRaw)
	}

	if event == bittorrent.Stopped {
		if !existed {
			return nil
		}
		if _, err := conn.Do("HDEL", swarmKey(ih), idHex); err != nil {
			return err
		}
		_, err := conn.Do("ZREM", lastSeenKey(ih), idHex)
		if oldState == seeding {
			conn.Do("DECR", seedersKey(ih))
		} else {
			conn.Do("DECR", leechersKey(ih))
		}
		return err
	}

	newState := deriveState(event, left)
	now := timecache.NowUnixNano()

	if existed {
		if oldState == seeding {
			conn.Do("DECR", seedersKey(ih))
		} else {
			conn.Do("DECR", leechersKey(ih))
		}
	}
	if newState == seeding {
		conn.Do("INCR", seedersKey(ih))
	} else {
		conn.Do("INCR", leechersKey(ih))
	}

	if event == bittorrent.Completed && oldState != seeding {
		if _, err := conn.Do("INCR", completedKey(ih)); err != nil {
			return err
		}
	}

	if _, err := conn.Do("HSET", swarmKey(ih), idHex, encodePeer(p, newState, now)); err != nil {
		return err
	}
	if _, err := conn.Do("ZADD", lastSeenKey(ih), now, idHex); err != nil {
		return err
	}
	if _, err := conn.Do("SADD", knownSwarmsKey, ih.String()); err != nil {
		return err
	}

	return nil
}

func (ps *peerStore) Sweep(cutoff time.Time) error {
	select {
	case <-ps.closed:
		return nil
	default:
	}

	conn := ps.conn()
	defer conn.Close()

	start := time.Now()

	ihs, err := redis.Strings(conn.Do("SMEMBERS", knownSwarmsKey))
	if err != nil {
		return err
	}

	for _, ihHex := range ihs {
		rawIH, err := hex.DecodeString(ihHex)
		if err != nil || len(rawIH) != 20 {
			continue
		}
		ih := bittorrent.InfoHashFromBytes(rawIH)

		stale, err := redis.Strings(conn.Do("ZRANGEBYSCORE", lastSeenKey(ih), "-inf", cutoff.UnixNano()))
		if err != nil {
			return err
		}
		if len(stale) == 0 {
			continue
		}

		func() {
			mutex := ps.rs.NewMutex("lock:" + ih.String())
			if err := mutex.Lock(); err != nil {
				log.Error("storage: failed to acquire swarm lock during sweep", log.Err(err))
				return
			}
			defer mutex.Unlock()

			for _, idHex := range stale {
				raw, err := redis.Bytes(conn.Do("HGET", swarmKey(ih), idHex))
				if err != nil {
					continue
				}
				_, state, _ := decodePeer(bittorrent.PeerID{}, raw)

				conn.Do("HDEL", swarmKey(ih), idHex)
				conn.Do("ZREM", lastSeenKey(ih), idHex)
				if state == seeding {
					conn.Do("DECR", seedersKey(ih))
				} else {
					conn.Do("DECR", leechersKey(ih))
				}
			}
		}()
	}

	storage.PromGCDurationMilliseconds.Observe(float64(time.Since(start).Nanoseconds()) / float64(time.Millisecond))

	return nil
}

func (ps *peerStore) Stop() <-chan error {
	c := make(chan error)
	go func() {
		defer close(c)
		close(ps.closed)
		ps.wg.Wait()
		log.Info("storage: exiting. reminder that the redis backend does not clear its data when exiting.", nil)
	}()

	return c
}

func (ps *peerStore) LogFields() log.Fields {
	return ps.cfg.LogFields()
}
