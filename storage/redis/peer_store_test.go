package redis

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis"

	"github.com/btracker-go/utracker/storage"
)

func newTestStore(t *testing.T) storage.PeerStore {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	ps, err := New(Config{
		RedisAddr:                   mr.Addr(),
		RedisConnectTimeout:         time.Second,
		PrometheusReportingInterval: time.Hour,
		IsDynamic:                   true,
	})
	if err != nil {
		t.Fatalf("failed to construct redis peer store: %v", err)
	}
	return ps
}

func TestRedisPeerStore(t *testing.T) {
	storage.TestPeerStore(t, newTestStore(t))
}

func TestRedisPeerStoreSweep(t *testing.T) {
	storage.TestPeerStoreSweep(t, newTestStore(t))
}
