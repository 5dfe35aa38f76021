package udp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"hash"
	"net"
	"time"
)

// connectionTTL is the duration a connection ID remains valid, per BEP 15's
// recommended window.
const connectionTTL = 2 * time.Minute

// ConnectionIDGenerator issues and verifies the 8-byte connection tokens
// exchanged in the connect handshake. A token is an HMAC over the peer's
// (ip, port) and the current epoch slot, truncated to 64 bits; it is never
// persisted, so a restart invalidates every outstanding token and clients
// simply reconnect.
//
// Safe for concurrent use: each call constructs its own keyed hash from a
// shared secret rather than mutating shared state.
type ConnectionIDGenerator struct {
	key []byte
}

// NewConnectionIDGenerator creates a generator seeded with a fresh,
// process-lifetime random secret.
func NewConnectionIDGenerator() *ConnectionIDGenerator {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic("udp: failed to seed connection ID secret: " + err.Error())
	}
	return &ConnectionIDGenerator{key: key}
}

func (g *ConnectionIDGenerator) mac() hash.Hash {
	return hmac.New(sha256.New, g.key)
}

func epochSlot(now time.Time) uint64 {
	return uint64(now.Unix()) / uint64(connectionTTL/time.Second)
}

func (g *ConnectionIDGenerator) token(ip net.IP, port uint16, slot uint64) []byte {
	m := g.mac()
	m.Write(ip.To4())
	var portSlot [10]byte
	binary.BigEndian.PutUint16(portSlot[0:2], port)
	binary.BigEndian.PutUint64(portSlot[2:10], slot)
	m.Write(portSlot[:])

	return m.Sum(nil)[:8]
}

// Generate issues a fresh connection ID for (ip, port) valid as of now.
func (g *ConnectionIDGenerator) Generate(ip net.IP, port uint16, now time.Time) []byte {
	return g.token(ip, port, epochSlot(now))
}

// Validate reports whether connID could plausibly have been issued to
// (ip, port) within the current or immediately preceding epoch slot.
func (g *ConnectionIDGenerator) Validate(connID []byte, ip net.IP, port uint16, now time.Time) bool {
	if len(connID) != 8 {
		return false
	}

	current := epochSlot(now)
	if hmac.Equal(connID, g.token(ip, port, current)) {
		return true
	}
	if current == 0 {
		return false
	}
	return hmac.Equal(connID, g.token(ip, port, current-1))
}
