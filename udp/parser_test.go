package udp

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/btracker-go/utracker/bittorrent"
)

func buildAnnouncePacket(event uint32, ipAddress uint32, numWant int32, port uint16) []byte {
	p := make([]byte, announceRequestLen)
	for i := range p[16:36] {
		p[16+i] = byte(i + 1)
	}
	for i := range p[36:56] {
		p[36+i] = byte(i + 1)
	}
	binary.BigEndian.PutUint64(p[56:64], 0)
	binary.BigEndian.PutUint64(p[64:72], 100)
	binary.BigEndian.PutUint64(p[72:80], 0)
	binary.BigEndian.PutUint32(p[80:84], event)
	binary.BigEndian.PutUint32(p[84:88], ipAddress)
	binary.BigEndian.PutUint32(p[92:96], uint32(numWant))
	binary.BigEndian.PutUint16(p[96:98], port)
	return p
}

func TestParseAnnounceUsesSourceIPWhenUnclaimed(t *testing.T) {
	p := buildAnnouncePacket(2, 0, -1, 6881)
	source := net.ParseIP("198.51.100.7").To4()

	req, err := ParseAnnounce(p, source, false)
	require.NoError(t, err)
	require.True(t, source.Equal(req.Peer.IP))
	require.False(t, req.IPProvided)
	require.Equal(t, bittorrent.Started, req.Event)
	require.Equal(t, bittorrent.DefaultNumWant, req.NumWant, "negative num_want falls back to the server default")
}

func TestParseAnnounceRejectsClaimedIPWhenRemotesDisallowed(t *testing.T) {
	p := buildAnnouncePacket(0, 0x0A000001, 1, 6881)
	_, err := ParseAnnounce(p, net.ParseIP("198.51.100.7").To4(), false)
	require.Error(t, err)
}

func TestParseAnnounceHonorsClaimedIPWhenRemotesAllowed(t *testing.T) {
	p := buildAnnouncePacket(0, 0x0A000001, 1, 6881)
	req, err := ParseAnnounce(p, net.ParseIP("198.51.100.7").To4(), true)
	require.NoError(t, err)
	require.True(t, req.IPProvided)
	require.True(t, net.IPv4(10, 0, 0, 1).Equal(req.Peer.IP))
}

func TestParseAnnounceRejectsWrongLength(t *testing.T) {
	_, err := ParseAnnounce(make([]byte, 97), net.ParseIP("198.51.100.7"), false)
	require.Error(t, err)
}

func TestParseAnnounceRejectsUnknownEvent(t *testing.T) {
	p := buildAnnouncePacket(9, 0, 1, 6881)
	_, err := ParseAnnounce(p, net.ParseIP("198.51.100.7").To4(), false)
	require.Error(t, err)
}

func buildScrapePacket(n int) []byte {
	p := make([]byte, requestHeaderLen+20*n)
	for i := 0; i < n; i++ {
		for j := 0; j < 20; j++ {
			p[requestHeaderLen+i*20+j] = byte(i + 1)
		}
	}
	return p
}

func TestParseScrapeAcceptsOneToMax(t *testing.T) {
	req, err := ParseScrape(buildScrapePacket(1))
	require.NoError(t, err)
	require.Len(t, req.InfoHashes, 1)

	req, err = ParseScrape(buildScrapePacket(74))
	require.NoError(t, err)
	require.Len(t, req.InfoHashes, 74)
}

func TestParseScrapeRejectsZeroHashes(t *testing.T) {
	_, err := ParseScrape(buildScrapePacket(0))
	require.Error(t, err)
}

func TestParseScrapeRejectsTooMany(t *testing.T) {
	_, err := ParseScrape(buildScrapePacket(75))
	require.Error(t, err)
}

func TestParseScrapeRejectsMisalignedLength(t *testing.T) {
	p := buildScrapePacket(1)
	p = append(p, 0) // one extra byte breaks the 20-byte alignment
	_, err := ParseScrape(p)
	require.Error(t, err)
}
