package udp

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/btracker-go/utracker/storage/memory"
)

func newTestFrontend(t *testing.T) (*Frontend, *net.UDPAddr) {
	t.Helper()

	store, err := memory.New(memory.Config{ShardCount: 1, IsDynamic: true})
	require.NoError(t, err)

	f, err := NewFrontend(store, Config{
		Addr:             "127.0.0.1:0",
		ThreadCount:      2,
		AnnounceInterval: 30 * time.Minute,
		CleanupInterval:  time.Hour,
		AllowRemotes:     true,
		AllowIANAIPs:     true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { <-f.Stop() })

	return f, f.socket.LocalAddr().(*net.UDPAddr)
}

func dial(t *testing.T, addr *net.UDPAddr) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readResponse(t *testing.T, conn *net.UDPConn) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, maxDatagramSize)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	return buf[:n]
}

func connect(t *testing.T, conn *net.UDPConn) []byte {
	t.Helper()
	req := make([]byte, 16)
	copy(req[0:8], initialConnectionID)
	binary.BigEndian.PutUint32(req[8:12], connectActionID)
	binary.BigEndian.PutUint32(req[12:16], 0xDEADBEEF)

	_, err := conn.Write(req)
	require.NoError(t, err)

	resp := readResponse(t, conn)
	require.Len(t, resp, 16)
	require.Equal(t, uint32(0), binary.BigEndian.Uint32(resp[0:4]))
	require.Equal(t, uint32(0xDEADBEEF), binary.BigEndian.Uint32(resp[4:8]))
	return resp[8:16]
}

func announce(connID []byte, infoHash, peerID [20]byte, left uint64, event uint32, port uint16) []byte {
	p := make([]byte, announceRequestLen)
	copy(p[0:8], connID)
	binary.BigEndian.PutUint32(p[8:12], announceActionID)
	binary.BigEndian.PutUint32(p[12:16], 0xF00D)
	copy(p[16:36], infoHash[:])
	copy(p[36:56], peerID[:])
	binary.BigEndian.PutUint64(p[64:72], left)
	binary.BigEndian.PutUint32(p[80:84], event)
	binary.BigEndian.PutUint32(p[92:96], 50)
	binary.BigEndian.PutUint16(p[96:98], port)
	return p
}

func fill(b byte) [20]byte {
	var a [20]byte
	for i := range a {
		a[i] = b
	}
	return a
}

// TestTrackerLifecycle exercises a connect followed by a first announce end
// to end against a live loopback socket.
func TestTrackerLifecycle(t *testing.T) {
	_, addr := newTestFrontend(t)
	conn1 := dial(t, addr)

	connID := connect(t, conn1)

	h1 := fill(0x01)
	p1 := fill(0x11)
	_, err := conn1.Write(announce(connID, h1, p1, 100, 2, 6881))
	require.NoError(t, err)

	resp := readResponse(t, conn1)
	require.Equal(t, uint32(1), binary.BigEndian.Uint32(resp[0:4]))
	require.Equal(t, uint32(0xF00D), binary.BigEndian.Uint32(resp[4:8]))
	require.Equal(t, uint32(1), binary.BigEndian.Uint32(resp[12:16]), "announcer counted as a leecher")
	require.Equal(t, uint32(0), binary.BigEndian.Uint32(resp[16:20]), "no seeders yet")
	require.Len(t, resp, 20, "the announcer must never see itself in the peer list")
}

func TestScrapeReflectsAnnounceState(t *testing.T) {
	_, addr := newTestFrontend(t)
	conn := dial(t, addr)
	connID := connect(t, conn)

	h1 := fill(0x02)
	p1 := fill(0x12)
	_, err := conn.Write(announce(connID, h1, p1, 0, 1, 6882))
	require.NoError(t, err)
	readResponse(t, conn)

	scrapeReq := make([]byte, 36)
	copy(scrapeReq[0:8], connID)
	binary.BigEndian.PutUint32(scrapeReq[8:12], scrapeActionID)
	binary.BigEndian.PutUint32(scrapeReq[12:16], 0xABCD)
	copy(scrapeReq[16:36], h1[:])

	_, err = conn.Write(scrapeReq)
	require.NoError(t, err)

	resp := readResponse(t, conn)
	require.Equal(t, uint32(2), binary.BigEndian.Uint32(resp[0:4]))
	require.Len(t, resp, 8+12)
	require.Equal(t, uint32(1), binary.BigEndian.Uint32(resp[8:12]), "seeders")
	require.Equal(t, uint32(1), binary.BigEndian.Uint32(resp[12:16]), "completed")
	require.Equal(t, uint32(0), binary.BigEndian.Uint32(resp[16:20]), "leechers")
}

func TestMalformedPacketIsDroppedSilently(t *testing.T) {
	_, addr := newTestFrontend(t)
	conn := dial(t, addr)

	_, err := conn.Write([]byte{1, 2, 3})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	buf := make([]byte, 16)
	_, err = conn.Read(buf)
	require.Error(t, err, "a malformed frame shorter than the common prefix gets no reply")
}
