package udp

import (
	"bytes"
	"encoding/binary"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/btracker-go/utracker/bittorrent"
)

func TestWriteConnectionID(t *testing.T) {
	var buf bytes.Buffer
	txID := []byte{1, 2, 3, 4}
	connID := []byte{5, 6, 7, 8, 9, 10, 11, 12}

	WriteConnectionID(&buf, txID, connID)

	require.Equal(t, connectActionID, binary.BigEndian.Uint32(buf.Bytes()[0:4]))
	require.Equal(t, txID, buf.Bytes()[4:8])
	require.Equal(t, connID, buf.Bytes()[8:16])
}

func TestWriteAnnounceCapsPeerList(t *testing.T) {
	var buf bytes.Buffer
	resp := &bittorrent.AnnounceResponse{Interval: time.Minute, Complete: 1, Incomplete: 1}
	for i := 0; i < maxAnnouncePeers+50; i++ {
		resp.Peers = append(resp.Peers, bittorrent.Peer{IP: net.IPv4(127, 0, 0, 1), Port: uint16(i)})
	}

	WriteAnnounce(&buf, []byte{0, 0, 0, 1}, resp)

	require.LessOrEqual(t, buf.Len(), 20+6*maxAnnouncePeers)
}

func TestWriteScrapeFieldOrder(t *testing.T) {
	var buf bytes.Buffer
	resp := &bittorrent.ScrapeResponse{Files: []bittorrent.Scrape{{Complete: 3, Incomplete: 5, Snatches: 7}}}

	WriteScrape(&buf, []byte{0, 0, 0, 1}, resp)

	body := buf.Bytes()[8:]
	require.Equal(t, uint32(3), binary.BigEndian.Uint32(body[0:4]), "seeders first")
	require.Equal(t, uint32(7), binary.BigEndian.Uint32(body[4:8]), "completed second")
	require.Equal(t, uint32(5), binary.BigEndian.Uint32(body[8:12]), "leechers third")
}

func TestWriteErrorTruncatesOversizedMessage(t *testing.T) {
	var buf bytes.Buffer
	WriteError(&buf, []byte{0, 0, 0, 1}, bittorrent.ClientError(strings.Repeat("x", 2000)))

	require.LessOrEqual(t, buf.Len(), maxErrorResponseLen)
}

func TestWriteErrorHidesInternalDetail(t *testing.T) {
	var buf bytes.Buffer
	WriteError(&buf, []byte{0, 0, 0, 1}, bytes.ErrTooLarge)

	require.NotContains(t, buf.String(), bytes.ErrTooLarge.Error())
}
