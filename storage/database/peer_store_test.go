package database

import (
	"testing"
	"time"

	"github.com/btracker-go/utracker/storage"
)

func newTestStore(t *testing.T) storage.PeerStore {
	t.Helper()

	ps, err := NewSqlite(Config{
		Dsn:                         "file::memory:?cache=shared",
		PrometheusReportingInterval: time.Hour,
		IsDynamic:                   true,
	})
	if err != nil {
		t.Fatalf("failed to construct database peer store: %v", err)
	}
	return ps
}

func TestDatabasePeerStore(t *testing.T) {
	storage.TestPeerStore(t, newTestStore(t))
}

func TestDatabasePeerStoreSweep(t *testing.T) {
	storage.TestPeerStoreSweep(t, newTestStore(t))
}
