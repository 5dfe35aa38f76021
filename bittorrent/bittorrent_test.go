package bittorrent

import (
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	b        = []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}
	expected = "0102030405060708090a0b0c0d0e0f1011121314"
)

func TestPeerID_String(t *testing.T) {
	s := PeerIDFromBytes(b).String()
	require.Equal(t, expected, s)
}

func TestInfoHash_String(t *testing.T) {
	s := InfoHashFromBytes(b).String()
	require.Equal(t, expected, s)
}

func TestPeer_String(t *testing.T) {
	p := Peer{
		ID:   PeerIDFromBytes(b),
		IP:   net.IPv4(10, 11, 12, 1),
		Port: 1234,
	}
	require.Equal(t, fmt.Sprintf("%s@%s:1234", expected, p.IP), p.String())
}

func TestPeer_Equal(t *testing.T) {
	p1 := Peer{ID: PeerIDFromBytes(b), IP: net.IPv4(1, 2, 3, 4), Port: 1}
	p2 := Peer{ID: PeerIDFromBytes(b), IP: net.IPv4(5, 6, 7, 8), Port: 2}
	require.True(t, p1.Equal(p2), "peers with the same ID are equal regardless of endpoint")
	require.False(t, p1.EqualEndpoint(p2))
}
