package udp

import (
	"encoding/binary"
	"net"

	"github.com/btracker-go/utracker/bittorrent"
)

const (
	connectActionID uint32 = iota
	announceActionID
	scrapeActionID
	errorActionID
)

// requestHeaderLen is the size of the common prefix shared by every request.
const requestHeaderLen = 16

// announceRequestLen is the exact size of a well-formed announce request.
const announceRequestLen = 98

var (
	// initialConnectionID is the magic value BEP 15 asks connect requests to
	// carry. The dispatcher does not enforce it; it accepts any value and
	// issues a fresh token regardless.
	initialConnectionID = []byte{0, 0, 0x04, 0x17, 0x27, 0x10, 0x19, 0x80}

	// eventIDs maps the wire event enum to bittorrent.Event.
	eventIDs = []bittorrent.Event{
		bittorrent.None,
		bittorrent.Completed,
		bittorrent.Started,
		bittorrent.Stopped,
	}

	errMalformedPacket = bittorrent.ClientError("malformed packet")
	errMalformedEvent  = bittorrent.ClientError("malformed event ID")
	errUnknownAction   = bittorrent.ClientError("unknown action ID")
	errBadConnectionID = bittorrent.ClientError("bad connection ID")
)

const maxScrapeHashes = int(bittorrent.MaxScrapeInfoHashes)

// ParseAnnounce parses an AnnounceRequest from a 98-byte UDP announce
// packet. source is the datagram's source IP, used when ip_address is 0. A
// non-zero ip_address is used when allowRemotes is true and rejected with
// a ClientError when it is false.
func ParseAnnounce(packet []byte, source net.IP, allowRemotes bool) (*bittorrent.AnnounceRequest, error) {
	if len(packet) != announceRequestLen {
		return nil, errMalformedPacket
	}

	infohash := packet[16:36]
	peerID := packet[36:56]
	downloaded := binary.BigEndian.Uint64(packet[56:64])
	left := binary.BigEndian.Uint64(packet[64:72])
	uploaded := binary.BigEndian.Uint64(packet[72:80])

	eventID := int(binary.BigEndian.Uint32(packet[80:84]))
	if eventID >= len(eventIDs) {
		return nil, errMalformedEvent
	}

	claimedIP := net.IPv4(packet[84], packet[85], packet[86], packet[87])
	ipProvided := false

	ip := source
	if !ipIsZero(packet[84:88]) {
		if !allowRemotes {
			return nil, bittorrent.ClientError("client-supplied address is not permitted")
		}
		ip = claimedIP
		ipProvided = true
	}
	if ip == nil {
		return nil, bittorrent.ClientError("malformed IP address")
	}

	numWant := int32(binary.BigEndian.Uint32(packet[92:96]))
	port := binary.BigEndian.Uint16(packet[96:98])

	var want uint32
	if numWant >= 1 {
		want = uint32(numWant)
	}

	request := &bittorrent.AnnounceRequest{
		Event:      eventIDs[eventID],
		InfoHash:   bittorrent.InfoHashFromBytes(infohash),
		NumWant:    want,
		Left:       left,
		Downloaded: downloaded,
		Uploaded:   uploaded,
		IPProvided: ipProvided,
		Peer: bittorrent.Peer{
			ID:   bittorrent.PeerIDFromBytes(peerID),
			IP:   ip.To4(),
			Port: port,
		},
	}

	bittorrent.SanitizeAnnounce(request, bittorrent.MaxNumWant, bittorrent.DefaultNumWant)

	return request, nil
}

func ipIsZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// ParseScrape parses a ScrapeRequest from a UDP scrape packet. The packet
// MUST carry the 16-byte common prefix plus between 1 and 74 info_hashes.
func ParseScrape(packet []byte) (*bittorrent.ScrapeRequest, error) {
	body := packet[requestHeaderLen:]

	if len(body) == 0 || len(body)%20 != 0 || len(body)/20 > maxScrapeHashes {
		return nil, errMalformedPacket
	}

	infohashes := make([]bittorrent.InfoHash, 0, len(body)/20)
	for len(body) >= 20 {
		infohashes = append(infohashes, bittorrent.InfoHashFromBytes(body[:20]))
		body = body[20:]
	}

	return &bittorrent.ScrapeRequest{InfoHashes: infohashes}, nil
}
