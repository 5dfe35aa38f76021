// Copyright 2016 Jimmy Zelinskie
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bittorrent implements the wire types shared by the UDP tracker
// frontend and the peer registry: info hashes, peer identifiers, and the
// announce/scrape request and response shapes described by BEP 15.
package bittorrent

import (
	"encoding/hex"
	"fmt"
	"net"
	"time"
)

// PeerID represents a peer ID.
type PeerID [20]byte

// PeerIDFromBytes creates a PeerID from a byte slice.
//
// It panics if b is not 20 bytes long.
func PeerIDFromBytes(b []byte) PeerID {
	if len(b) != 20 {
		panic("bittorrent: peer ID must be 20 bytes")
	}

	var buf [20]byte
	copy(buf[:], b)
	return PeerID(buf)
}

// PeerIDFromString creates a PeerID from a string.
//
// It panics if s is not 20 bytes long.
func PeerIDFromString(s string) PeerID {
	if len(s) != 20 {
		panic("bittorrent: peer ID must be 20 bytes")
	}

	var buf [20]byte
	copy(buf[:], s)
	return PeerID(buf)
}

// String returns the hex encoding of a PeerID.
func (p PeerID) String() string {
	return hex.EncodeToString(p[:])
}

// InfoHash represents an infohash.
type InfoHash [20]byte

// InfoHashFromBytes creates an InfoHash from a byte slice.
//
// It panics if b is not 20 bytes long.
func InfoHashFromBytes(b []byte) InfoHash {
	if len(b) != 20 {
		panic("bittorrent: info hash must be 20 bytes")
	}

	var buf [20]byte
	copy(buf[:], b)
	return InfoHash(buf)
}

// InfoHashFromString creates an InfoHash from a string.
//
// It panics if s is not 20 bytes long.
func InfoHashFromString(s string) InfoHash {
	if len(s) != 20 {
		panic("bittorrent: info hash must be 20 bytes")
	}

	var buf [20]byte
	copy(buf[:], s)
	return InfoHash(buf)
}

// String returns the hex encoding of an InfoHash.
func (i InfoHash) String() string {
	return hex.EncodeToString(i[:])
}

// Event represents an event done by a BitTorrent client during an announce.
type Event uint8

// The events recognized by BEP 15's announce request.
const (
	None Event = iota
	Completed
	Started
	Stopped
)

// String implements fmt.Stringer for Event.
func (e Event) String() string {
	switch e {
	case None:
		return "none"
	case Completed:
		return "completed"
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Peer represents the connection details of a peer as returned in an
// announce response, or as recorded by a PeerStore.
type Peer struct {
	ID   PeerID
	IP   net.IP
	Port uint16
}

// Equal reports whether p and x are the same peer within a swarm.
func (p Peer) Equal(x Peer) bool { return p.ID == x.ID }

// EqualEndpoint reports whether p and x have the same network endpoint.
func (p Peer) EqualEndpoint(x Peer) bool { return p.Port == x.Port && p.IP.Equal(x.IP) }

// String renders a Peer as "<peer id>@<ip>:<port>".
func (p Peer) String() string {
	return fmt.Sprintf("%s@%s:%d", p.ID, p.IP, p.Port)
}

// AnnounceRequest represents the parsed parameters from an announce request,
// after IP resolution (source address or client-claimed address).
// udp.ParseAnnounce returns it with NumWant already passed through
// SanitizeAnnounce.
type AnnounceRequest struct {
	Event      Event
	InfoHash   InfoHash
	NumWant    uint32
	Left       uint64
	Downloaded uint64
	Uploaded   uint64

	// IPProvided records whether Peer.IP was taken from the client-claimed
	// ip_address field rather than the datagram's source address.
	IPProvided bool

	Peer
}

// AnnounceResponse represents the parameters used to create an announce
// response.
type AnnounceResponse struct {
	Interval   time.Duration
	Complete   uint32
	Incomplete uint32
	Peers      []Peer
}

// ScrapeRequest represents the parsed parameters from a scrape request.
type ScrapeRequest struct {
	InfoHashes []InfoHash
}

// ScrapeResponse represents the parameters used to create a scrape response.
// Files is ordered identically to the requesting ScrapeRequest.InfoHashes.
type ScrapeResponse struct {
	Files []Scrape
}

// Scrape represents the state of a swarm that is returned in a scrape
// response.
type Scrape struct {
	Complete   uint32
	Incomplete uint32
	Snatches   uint32
}

// ClientError represents an error that should be exposed to the client over
// the BitTorrent protocol implementation.
type ClientError string

// Error implements the error interface for ClientError.
func (c ClientError) Error() string { return string(c) }
