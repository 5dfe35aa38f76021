package udp

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConnectionIDRoundTrip(t *testing.T) {
	g := NewConnectionIDGenerator()
	ip := net.ParseIP("203.0.113.1").To4()
	now := time.Unix(1000, 0)

	id := g.Generate(ip, 6881, now)
	require.Len(t, id, 8)
	require.True(t, g.Validate(id, ip, 6881, now), "a freshly issued token must validate immediately")
}

func TestConnectionIDSurvivesOneSlotBoundary(t *testing.T) {
	g := NewConnectionIDGenerator()
	ip := net.ParseIP("203.0.113.1").To4()

	issued := time.Unix(0, 0)
	id := g.Generate(ip, 6881, issued)

	later := issued.Add(connectionTTL + time.Second)
	require.True(t, g.Validate(id, ip, 6881, later), "a token must remain valid across one slot boundary")
}

func TestConnectionIDExpiresAfterTwoSlots(t *testing.T) {
	g := NewConnectionIDGenerator()
	ip := net.ParseIP("203.0.113.1").To4()

	issued := time.Unix(0, 0)
	id := g.Generate(ip, 6881, issued)

	muchLater := issued.Add(3 * connectionTTL)
	require.False(t, g.Validate(id, ip, 6881, muchLater))
}

func TestConnectionIDRejectsWrongEndpoint(t *testing.T) {
	g := NewConnectionIDGenerator()
	now := time.Unix(1000, 0)

	id := g.Generate(net.ParseIP("203.0.113.1").To4(), 6881, now)
	require.False(t, g.Validate(id, net.ParseIP("203.0.113.2").To4(), 6881, now))
	require.False(t, g.Validate(id, net.ParseIP("203.0.113.1").To4(), 6882, now))
}
