package bittorrent

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeAnnounce(t *testing.T) {
	table := []struct {
		name     string
		numWant  uint32
		expected uint32
	}{
		{"zero uses default", 0, DefaultNumWant},
		{"under the ceiling is untouched", 10, 10},
		{"over the ceiling is clamped", 1000, MaxNumWant},
		{"exactly the ceiling is untouched", MaxNumWant, MaxNumWant},
	}

	for _, tt := range table {
		t.Run(tt.name, func(t *testing.T) {
			req := &AnnounceRequest{NumWant: tt.numWant}
			SanitizeAnnounce(req, MaxNumWant, DefaultNumWant)
			require.Equal(t, tt.expected, req.NumWant)
		})
	}
}
