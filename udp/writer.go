package udp

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"

	"github.com/btracker-go/utracker/bittorrent"
)

// maxErrorResponseLen is the hard ceiling on an error response's total size,
// matching the reference tracker's "never write past 1024 bytes total"
// safety clamp. A message that would overflow it is truncated to
// errorMessageTruncateLen first.
const (
	maxErrorResponseLen    = 1024
	errorMessageTruncateLen = 1000
)

// maxAnnouncePeers bounds the compact peer list so an announce response
// never exceeds 1220 bytes (20 + 6*200).
const maxAnnouncePeers = 200

// WriteError encodes an error response. Non-ClientErrors are not echoed
// verbatim to the client; they're replaced with a generic message so
// internal failure detail never reaches the wire.
func WriteError(w io.Writer, txID []byte, err error) {
	msg := err.Error()
	if _, ok := err.(bittorrent.ClientError); !ok {
		msg = "internal error occurred"
	}

	const headerLen = 8 // action(4) + transaction_id(4)
	if headerLen+len(msg) > maxErrorResponseLen && len(msg) > errorMessageTruncateLen {
		msg = msg[:errorMessageTruncateLen]
	}

	var buf bytes.Buffer
	writeHeader(&buf, txID, errorActionID)
	buf.WriteString(msg)

	w.Write(buf.Bytes())
}

// WriteConnectionID encodes a connect response carrying the freshly issued
// token.
func WriteConnectionID(w io.Writer, txID, connID []byte) {
	var buf bytes.Buffer
	writeHeader(&buf, txID, connectActionID)
	buf.Write(connID)
	w.Write(buf.Bytes())
}

// WriteAnnounce encodes an announce response according to BEP 15: interval,
// leechers, seeders, then a compact IPv4 peer list capped at
// maxAnnouncePeers entries.
func WriteAnnounce(w io.Writer, txID []byte, resp *bittorrent.AnnounceResponse) {
	var buf bytes.Buffer

	writeHeader(&buf, txID, announceActionID)
	binary.Write(&buf, binary.BigEndian, uint32(resp.Interval/time.Second))
	binary.Write(&buf, binary.BigEndian, resp.Incomplete)
	binary.Write(&buf, binary.BigEndian, resp.Complete)

	peers := resp.Peers
	if len(peers) > maxAnnouncePeers {
		peers = peers[:maxAnnouncePeers]
	}

	for _, peer := range peers {
		ip := peer.IP.To4()
		if ip == nil {
			continue
		}
		buf.Write(ip)
		binary.Write(&buf, binary.BigEndian, peer.Port)
	}

	w.Write(buf.Bytes())
}

// WriteScrape encodes a scrape response according to BEP 15: per requested
// hash, seeders, completed, leechers, in request order.
func WriteScrape(w io.Writer, txID []byte, resp *bittorrent.ScrapeResponse) {
	var buf bytes.Buffer

	writeHeader(&buf, txID, scrapeActionID)

	for _, scrape := range resp.Files {
		binary.Write(&buf, binary.BigEndian, scrape.Complete)
		binary.Write(&buf, binary.BigEndian, scrape.Snatches)
		binary.Write(&buf, binary.BigEndian, scrape.Incomplete)
	}

	w.Write(buf.Bytes())
}

func writeHeader(w io.Writer, txID []byte, action uint32) {
	binary.Write(w, binary.BigEndian, action)
	w.Write(txID)
}
