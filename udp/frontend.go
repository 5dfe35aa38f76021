// Package udp implements the BitTorrent UDP tracker wire protocol (BEP 15):
// a connection-ID handshake, announce, and scrape, served by a pool of
// workers sharing one UDP socket.
package udp

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/btracker-go/utracker/bittorrent"
	"github.com/btracker-go/utracker/pkg/log"
	"github.com/btracker-go/utracker/pkg/stop"
	"github.com/btracker-go/utracker/pkg/timecache"
	"github.com/btracker-go/utracker/storage"
)

// Default config constants.
const (
	defaultThreadCount      = 1
	defaultAnnounceInterval = 2 * time.Minute
	defaultCleanupInterval  = 2 * defaultAnnounceInterval
	defaultAddr             = "0.0.0.0:6969"
	maxDatagramSize         = 2048
)

// Config holds the configuration of a UDP tracker Frontend.
type Config struct {
	Addr             string        `yaml:"bind"`
	ThreadCount      int           `yaml:"threads"`
	AnnounceInterval time.Duration `yaml:"announce_interval"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
	AllowRemotes     bool          `yaml:"allow_remotes"`
	AllowIANAIPs     bool          `yaml:"allow_iana_ips"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"addr":             cfg.Addr,
		"threadCount":      cfg.ThreadCount,
		"announceInterval": cfg.AnnounceInterval,
		"cleanupInterval":  cfg.CleanupInterval,
		"allowRemotes":     cfg.AllowRemotes,
		"allowIANAIPs":     cfg.AllowIANAIPs,
	}
}

// Validate sanity checks values set in a config and returns a new config
// with default values replacing anything invalid, warning to the logger
// about every value changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.Addr == "" {
		validcfg.Addr = defaultAddr
		log.Warn("falling back to default configuration", log.Fields{
			"name": "udp.Addr", "provided": cfg.Addr, "default": validcfg.Addr,
		})
	}

	if cfg.ThreadCount <= 0 {
		n := cfg.ThreadCount
		if n < 0 {
			n = -n
		}
		if n == 0 {
			n = defaultThreadCount
		}
		validcfg.ThreadCount = n
		log.Warn("falling back to default configuration", log.Fields{
			"name": "udp.ThreadCount", "provided": cfg.ThreadCount, "default": validcfg.ThreadCount,
		})
	}

	if cfg.AnnounceInterval <= 0 {
		validcfg.AnnounceInterval = defaultAnnounceInterval
		log.Warn("falling back to default configuration", log.Fields{
			"name": "udp.AnnounceInterval", "provided": cfg.AnnounceInterval, "default": validcfg.AnnounceInterval,
		})
	}

	if cfg.CleanupInterval <= 0 {
		validcfg.CleanupInterval = defaultCleanupInterval
		log.Warn("falling back to default configuration", log.Fields{
			"name": "udp.CleanupInterval", "provided": cfg.CleanupInterval, "default": validcfg.CleanupInterval,
		})
	}

	return validcfg
}

// Frontend holds the state of the UDP tracker: the bound socket, its
// worker pool, and the peer registry it dispatches requests against.
type Frontend struct {
	socket  *net.UDPConn
	closing chan struct{}
	wg      sync.WaitGroup

	gen *ConnectionIDGenerator

	store storage.PeerStore
	Config
}

var _ stop.Stopper = &Frontend{}

// NewFrontend binds a UDP socket and starts serving requests against
// store. It returns once the socket is bound; request handling happens
// asynchronously across ThreadCount receiver workers plus one maintenance
// worker.
func NewFrontend(store storage.PeerStore, provided Config) (*Frontend, error) {
	cfg := provided.Validate()

	f := &Frontend{
		closing: make(chan struct{}),
		store:   store,
		Config:  cfg,
		gen:     NewConnectionIDGenerator(),
	}

	if err := f.listen(); err != nil {
		return nil, err
	}

	for i := 0; i < cfg.ThreadCount; i++ {
		f.wg.Add(1)
		go f.serveReceiver()
	}

	f.wg.Add(1)
	go f.serveMaintenance()

	return f, nil
}

// listen binds the shared receive socket with SO_REUSEADDR set, so a
// restarting tracker can rebind its port while the previous socket is still
// draining in TIME_WAIT.
func (f *Frontend) listen() error {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}

	conn, err := lc.ListenPacket(context.Background(), "udp", f.Addr)
	if err != nil {
		return err
	}
	f.socket = conn.(*net.UDPConn)
	return nil
}

// Stop sets an immediate read deadline to unblock any worker parked in
// recvfrom, waits (at most one grace second) for every worker to exit, and
// then closes the socket.
func (f *Frontend) Stop() <-chan error {
	c := make(chan error)

	select {
	case <-f.closing:
		close(c)
		return c
	default:
	}

	go func() {
		defer close(c)
		close(f.closing)
		_ = f.socket.SetReadDeadline(time.Now())

		done := make(chan struct{})
		go func() {
			f.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			log.Warn("udp: workers did not exit within the shutdown grace period", nil)
		}

		if err := f.socket.Close(); err != nil {
			c <- err
		}
	}()

	return c
}

// serveReceiver is a single receiver worker: it blocks on the shared
// socket's recvfrom in a loop until the frontend is shutting down.
func (f *Frontend) serveReceiver() {
	defer f.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		select {
		case <-f.closing:
			return
		default:
		}

		n, addr, err := f.socket.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Temporary() {
				continue
			}
			return
		}
		if n == 0 {
			continue
		}

		start := time.Now()
		action, err := f.handle(buf[:n], addr)
		recordResponseDuration(action, err, time.Since(start))
	}
}

// serveMaintenance is the one long-lived worker that periodically sweeps
// the registry for expired peers.
func (f *Frontend) serveMaintenance() {
	defer f.wg.Done()

	t := time.NewTicker(f.CleanupInterval)
	defer t.Stop()

	for {
		select {
		case <-f.closing:
			return
		case <-t.C:
			cutoff := timecache.Now().Add(-f.CleanupInterval)
			if err := f.store.Sweep(cutoff); err != nil {
				log.Error("udp: sweep failed", log.Err(err))
			}
		}
	}
}

// responseWriter implements io.Writer, sending every write as a single
// datagram back to the requester.
type responseWriter struct {
	socket *net.UDPConn
	addr   *net.UDPAddr
}

func (w responseWriter) Write(b []byte) (int, error) {
	return w.socket.WriteToUDP(b, w.addr)
}

// handle validates, routes, and replies to a single datagram per the
// dispatcher pipeline (C4). It never panics on malformed input. The error it
// returns is used by its caller only as the metric label passed to
// recordResponseDuration.
func (f *Frontend) handle(packet []byte, addr *net.UDPAddr) (action string, err error) {
	if len(packet) < requestHeaderLen {
		return "", nil
	}

	srcIP := addr.IP.To4()
	if srcIP == nil {
		return "", nil
	}

	if !admitSource(srcIP, f.AllowIANAIPs) {
		return "", nil
	}

	connID := packet[0:8]
	actionID := binary.BigEndian.Uint32(packet[8:12])
	txID := packet[12:16]

	w := responseWriter{f.socket, addr}

	gen := f.gen

	now := timecache.Now()

	if actionID != connectActionID && !gen.Validate(connID, srcIP, uint16(addr.Port), now) {
		return "", errBadConnectionID
	}

	switch actionID {
	case connectActionID:
		action = "connect"
		WriteConnectionID(w, txID, gen.Generate(srcIP, uint16(addr.Port), now))
		return action, nil

	case announceActionID:
		action = "announce"

		// A frame of the wrong length for this action is silently dropped,
		// not answered with an error: only a well-formed-length frame with
		// invalid field contents earns a reply.
		if len(packet) != announceRequestLen {
			return action, nil
		}

		req, perr := ParseAnnounce(packet, srcIP, f.AllowRemotes)
		if perr != nil {
			WriteError(w, txID, perr)
			return action, perr
		}

		allowed, serr := f.store.IsAllowed(req.InfoHash)
		if serr != nil {
			WriteError(w, txID, bittorrent.ClientError("announce failed"))
			return action, serr
		}
		if !allowed {
			WriteError(w, txID, bittorrent.ClientError("unregistered torrent"))
			return action, nil
		}

		if aerr := f.store.ApplyAnnounce(req.InfoHash, req.Peer, req.Downloaded, req.Left, req.Uploaded, req.Event); aerr != nil {
			WriteError(w, txID, bittorrent.ClientError("announce failed"))
			return action, aerr
		}

		resp, serr := f.buildAnnounceResponse(req)
		if serr != nil {
			WriteError(w, txID, bittorrent.ClientError("announce failed"))
			return action, serr
		}

		WriteAnnounce(w, txID, resp)
		return action, nil

	case scrapeActionID:
		action = "scrape"

		req, perr := ParseScrape(packet)
		if perr != nil {
			WriteError(w, txID, perr)
			return action, perr
		}

		resp := &bittorrent.ScrapeResponse{Files: make([]bittorrent.Scrape, len(req.InfoHashes))}
		for i, ih := range req.InfoHashes {
			seeders, leechers, completed := f.store.SwarmStats(ih)
			resp.Files[i] = bittorrent.Scrape{Complete: seeders, Incomplete: leechers, Snatches: completed}
		}

		WriteScrape(w, txID, resp)
		return action, nil

	default:
		WriteError(w, txID, errUnknownAction)
		return "", errUnknownAction
	}
}

// buildAnnounceResponse samples peers and reads swarm stats after the
// announce has already been applied, so the reported aggregates reflect
// this announcer's own just-written record; SamplePeers still excludes the
// announcer from the returned peer list by identity, not by timing. A
// stopped announcer is never sampled (it just removed itself from the
// swarm) but its departure is still reflected in the counts.
func (f *Frontend) buildAnnounceResponse(req *bittorrent.AnnounceRequest) (*bittorrent.AnnounceResponse, error) {
	resp := &bittorrent.AnnounceResponse{Interval: f.AnnounceInterval}

	if req.Event != bittorrent.Stopped {
		peers, err := f.store.SamplePeers(req.InfoHash, req.Peer, int(req.NumWant))
		if err != nil {
			return nil, err
		}
		resp.Peers = peers
	}

	seeders, leechers, _ := f.store.SwarmStats(req.InfoHash)
	resp.Complete = seeders
	resp.Incomplete = leechers

	return resp, nil
}

