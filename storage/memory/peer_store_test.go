package memory

import (
	"testing"

	"github.com/btracker-go/utracker/storage"
)

func newTestStore(t *testing.T) storage.PeerStore {
	t.Helper()

	ps, err := New(Config{ShardCount: 1, IsDynamic: true})
	if err != nil {
		t.Fatalf("failed to construct memory peer store: %v", err)
	}
	return ps
}

func TestMemoryPeerStore(t *testing.T) {
	storage.TestPeerStore(t, newTestStore(t))
}

func TestMemoryPeerStoreSweep(t *testing.T) {
	storage.TestPeerStoreSweep(t, newTestStore(t))
}
