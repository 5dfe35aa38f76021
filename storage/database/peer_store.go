// Package database implements the peer registry (C3) against a SQL
// database via gorm, for deployments that want the registry's state
// durable across tracker restarts. Peers live in a single table keyed by
// (info_hash, peer_key); a sibling swarm table carries each swarm's
// completed counter, which is never deleted.
package database

import (
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"

	yaml "gopkg.in/yaml.v2"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/btracker-go/utracker/bittorrent"
	"github.com/btracker-go/utracker/pkg/log"
	"github.com/btracker-go/utracker/storage"
)

// Name is the name by which this peer store is registered.
const Name = "database"

// Default config constants.
const (
	defaultPrometheusReportingInterval = time.Second * 1
	defaultDsn                         = "data/utracker.sqlite"
)

func init() {
	storage.RegisterDriver("postgres", postgresDriver{})
	storage.RegisterDriver("sqlite", sqliteDriver{})
}

type postgresDriver struct{}
type sqliteDriver struct{}

func (d postgresDriver) NewPeerStore(icfg interface{}) (storage.PeerStore, error) {
	bytes, err := yaml.Marshal(icfg)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return nil, err
	}

	return NewPostgres(cfg)
}

func (d sqliteDriver) NewPeerStore(icfg interface{}) (storage.PeerStore, error) {
	bytes, err := yaml.Marshal(icfg)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return nil, err
	}

	return NewSqlite(cfg)
}

// Config holds the configuration of a database-backed PeerStore.
type Config struct {
	PrometheusReportingInterval time.Duration `yaml:"prometheus_reporting_interval"`
	IsDynamic                   bool          `yaml:"is_dynamic"`
	Dsn                         string        `yaml:"dsn"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"name":               Name,
		"promReportInterval": cfg.PrometheusReportingInterval,
		"isDynamic":          cfg.IsDynamic,
		"dsn":                cfg.Dsn,
	}
}

// Validate sanity checks values set in a config and returns a new config
// with default values replacing anything invalid, warning to the logger
// about every value changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.Dsn == "" {
		validcfg.Dsn = defaultDsn
		log.Warn("falling back to default dsn", log.Fields{
			"name":     Name + ".dsn",
			"provided": cfg.Dsn,
			"default":  validcfg.Dsn,
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

// peerState mirrors storage/memory's state, persisted as a small integer.
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

// peerRow is a single peer's row in the peers table.
type peerRow struct {
	PeerKey   string `gorm:"primaryKey"`
	InfoHash  string `gorm:"index:idx_peers_infohash"`
	IP        string
	Port      uint16
	State     peerState
	UpdatedAt time.Time
}

// swarmRow carries the swarm-scoped counters that survive individual peer
// removals, keyed by info_hash.
type swarmRow struct {
	InfoHash  string `gorm:"primaryKey"`
	Completed uint32
	Allowed   bool
}

func newPeerKey(ih bittorrent.InfoHash, p bittorrent.Peer) string {
	b := make([]byte, 20+20)
	copy(b[:20], ih[:])
	copy(b[20:], p.ID[:])
	return hex.EncodeToString(b)
}

func encodePeerID(p bittorrent.Peer) string {
	b := make([]byte, 20+4+2)
	copy(b[:20], p.ID[:])
	copy(b[20:24], p.IP.To4())
	binary.BigEndian.PutUint16(b[24:26], p.Port)
	return hex.EncodeToString(b)
}

func decodePeerID(enc string) bittorrent.Peer {
	b, err := hex.DecodeString(enc)
	if err != nil || len(b) != 26 {
		panic("database: malformed peer identity column")
	}

	ip := make([]byte, 4)
	copy(ip, b[20:24])

	return bittorrent.Peer{
		ID:   bittorrent.PeerIDFromBytes(b[:20]),
		IP:   ip,
		Port: binary.BigEndian.Uint16(b[24:26]),
	}
}

type peerStore struct {
	cfg    Config
	db     *gorm.DB
	closed chan struct{}
	wg     sync.WaitGroup
}

var _ storage.PeerStore = &peerStore{}

func open(dialector gorm.Dialector, provided Config) (storage.PeerStore, error) {
	cfg := provided.Validate()

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&peerRow{}, &swarmRow{}); err != nil {
		return nil, err
	}

	ps := &peerStore{
		cfg:    cfg,
		db:     db,
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

// NewPostgres creates a new PeerStore backed by a postgres database.
func NewPostgres(provided Config) (storage.PeerStore, error) {
	return open(postgres.Open(provided.Validate().Dsn), provided)
}

// NewSqlite creates a new PeerStore backed by a sqlite database.
func NewSqlite(provided Config) (storage.PeerStore, error) {
	return open(sqlite.Open(provided.Validate().Dsn), provided)
}

func (ps *peerStore) populateProm() {
	var infohashes, seeders, leechers int64

	ps.db.Model(&swarmRow{}).Count(&infohashes)
	ps.db.Model(&peerRow{}).Where("state = ?", seeding).Count(&seeders)
	ps.db.Model(&peerRow{}).Where("state = ?", leeching).Count(&leechers)

	storage.PromInfohashesCount.Set(float64(infohashes))
	storage.PromSeedersCount.Set(float64(seeders))
	storage.PromLeechersCount.Set(float64(leechers))
}

func (ps *peerStore) IsAllowed(ih bittorrent.InfoHash) (bool, error) {
	select {
	case <-ps.closed:
		panic("attempted to interact with stopped database store")
	default:
	}

	if ps.cfg.IsDynamic {
		row := &swarmRow{InfoHash: ih.String(), Allowed: true}
		if err := ps.db.Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error; err != nil {
			return false, err
		}
		return true, nil
	}

	var row swarmRow
	err := ps.db.First(&row, "info_hash = ?", ih.String()).Error
	if err == gorm.ErrRecordNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return row.Allowed, nil
}

func (ps *peerStore) SwarmStats(ih bittorrent.InfoHash) (seeders, leechers, completed uint32) {
	var s, l int64
	ps.db.Model(&peerRow{}).Where("info_hash = ? AND state = ?", ih.String(), seeding).Count(&s)
	ps.db.Model(&peerRow{}).Where("info_hash = ? AND state = ?", ih.String(), leeching).Count(&l)

	var row swarmRow
	ps.db.First(&row, "info_hash = ?", ih.String())

	return uint32(s), uint32(l), row.Completed
}

func (ps *peerStore) SamplePeers(ih bittorrent.InfoHash, announcer bittorrent.Peer, numWant int) ([]bittorrent.Peer, error) {
	select {
	case <-ps.closed:
		panic("attempted to interact with stopped database store")
	default:
	}

	if numWant <= 0 {
		return nil, nil
	}

	var rows []peerRow
	if err := ps.db.
		Where("info_hash = ? AND peer_key <> ?", ih.String(), newPeerKey(ih, announcer)).
		Limit(numWant).
		Find(&rows).Error; err != nil {
		return nil, err
	}

	peers := make([]bittorrent.Peer, 0, len(rows))
	for _, row := range rows {
		ip := make([]byte, 4)
		ipBytes, err := hex.DecodeString(row.IP)
		if err == nil {
			copy(ip, ipBytes)
		}
		peerID, _ := hex.DecodeString(row.PeerKey)
		var id bittorrent.PeerID
		if len(peerID) == 40 {
			id = bittorrent.PeerIDFromBytes(peerID[20:40])
		}
		peers = append(peers, bittorrent.Peer{ID: id, IP: ip, Port: row.Port})
	}

	return peers, nil
}

func (ps *peerStore) ApplyAnnounce(ih bittorrent.InfoHash, p bittorrent.Peer, downloaded, left, uploaded uint64, event bittorrent.Event) error {
	select {
	case <-ps.closed:
		panic("attempted to interact with stopped database store")
	default:
	}

	key := newPeerKey(ih, p)

	return ps.db.Transaction(func(tx *gorm.DB) error {
		var existing peerRow
		existErr := tx.First(&existing, "peer_key = ?", key).Error
		existed := existErr == nil
		if existErr != nil && existErr != gorm.ErrRecordNotFound {
			return existErr
		}

		if event == bittorrent.Stopped {
			if !existed {
				return nil
			}
			return tx.Delete(&peerRow{}, "peer_key = ?", key).Error
		}

		newState := deriveState(event, left)

		row := &peerRow{
			PeerKey:   key,
			InfoHash:  ih.String(),
			IP:        hex.EncodeToString(p.IP.To4()),
			Port:      p.Port,
			State:     newState,
			UpdatedAt: time.Now(),
		}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error; err != nil {
			return err
		}

		var swarm swarmRow
		swarmErr := tx.First(&swarm, "info_hash = ?", ih.String()).Error
		if swarmErr == gorm.ErrRecordNotFound {
			swarm = swarmRow{InfoHash: ih.String(), Allowed: true}
			if err := tx.Create(&swarm).Error; err != nil {
				return err
			}
		} else if swarmErr != nil {
			return swarmErr
		}

		if event == bittorrent.Completed && (!existed || existing.State != seeding) {
			if err := tx.Model(&swarmRow{}).Where("info_hash = ?", ih.String()).
				UpdateColumn("completed", gorm.Expr("completed + 1")).Error; err != nil {
				return err
			}
		}

		return nil
	})
}

func (ps *peerStore) Sweep(cutoff time.Time) error {
	select {
	case <-ps.closed:
		return nil
	default:
	}

	start := time.Now()

	if err := ps.db.Delete(&peerRow{}, "updated_at < ?", cutoff).Error; err != nil {
		return err
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
	}()

	return c
}

func (ps *peerStore) LogFields() log.Fields {
	return ps.cfg.LogFields()
}
