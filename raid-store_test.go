package cloudraidfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/DurantVivado/cloudraidfs/backend"
)

// memBackend is a fake ChunkBackend for tests: an in-memory map that
// can be told to always fail, simulating a dead node.
type memBackend struct {
	name string
	mu   sync.Mutex
	data map[string][]byte
	dead bool
}

func newMemBackend(name string) *memBackend {
	return &memBackend{name: name, data: make(map[string][]byte)}
}

func (b *memBackend) key(stripeID uint64, chunkIndex int) string {
	return fmt.Sprintf("%d#%d", stripeID, chunkIndex)
}

func (b *memBackend) Name() string { return b.name }

func (b *memBackend) Read(ctx context.Context, stripeID uint64, chunkIndex int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dead {
		return nil, errors.New("simulated backend failure")
	}
	data, ok := b.data[b.key(stripeID, chunkIndex)]
	if !ok {
		return nil, backend.ErrNotFound
	}
	return data, nil
}

func (b *memBackend) Write(ctx context.Context, stripeID uint64, chunkIndex int, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dead {
		return errors.New("simulated backend failure")
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	b.data[b.key(stripeID, chunkIndex)] = stored
	return nil
}

func (b *memBackend) Delete(ctx context.Context, stripeID uint64, chunkIndex int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, b.key(stripeID, chunkIndex))
	return nil
}

func newTestRaidStore(t *testing.T, k, m int) (*RaidStore, []*memBackend) {
	t.Helper()
	coder, err := NewErasureCoder(k, m)
	if err != nil {
		t.Fatalf("NewErasureCoder: %v", err)
	}
	mems := make([]*memBackend, k+m)
	backends := make([]backend.ChunkBackend, k+m)
	for i := range mems {
		mems[i] = newMemBackend(string(rune('a' + i)))
		backends[i] = mems[i]
	}
	raid, err := NewRaidStore(backends, coder)
	if err != nil {
		t.Fatalf("NewRaidStore: %v", err)
	}
	return raid, mems
}

func TestRaidStoreWriteReadRoundTrip(t *testing.T) {
	raid, _ := newTestRaidStore(t, 4, 2)
	ctx := context.Background()
	payload := []byte("stripe payload for round trip")

	if err := raid.WriteStripe(ctx, 101, payload); err != nil {
		t.Fatalf("WriteStripe: %v", err)
	}
	got, err := raid.ReadStripe(ctx, 101)
	if err != nil {
		t.Fatalf("ReadStripe: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("read payload mismatch")
	}
}

func TestRaidStoreSurvivesUpToMFailures(t *testing.T) {
	raid, mems := newTestRaidStore(t, 4, 2)
	ctx := context.Background()
	payload := []byte("survives up to m failures")

	if err := raid.WriteStripe(ctx, 200, payload); err != nil {
		t.Fatalf("WriteStripe: %v", err)
	}
	mems[0].dead = true
	mems[5].dead = true

	got, err := raid.ReadStripe(ctx, 200)
	if err != nil {
		t.Fatalf("ReadStripe with 2 dead backends: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("read payload mismatch with backend loss")
	}
}

func TestRaidStoreUnrecoverableBelowK(t *testing.T) {
	raid, mems := newTestRaidStore(t, 4, 2)
	ctx := context.Background()
	payload := []byte("not enough survivors")

	if err := raid.WriteStripe(ctx, 300, payload); err != nil {
		t.Fatalf("WriteStripe: %v", err)
	}
	mems[0].dead = true
	mems[1].dead = true
	mems[2].dead = true

	_, err := raid.ReadStripe(ctx, 300)
	if !errors.Is(err, ErrUnrecoverable) {
		t.Fatalf("expected ErrUnrecoverable, got %v", err)
	}
}

func TestRaidStoreStripeNotFound(t *testing.T) {
	raid, _ := newTestRaidStore(t, 4, 2)
	ctx := context.Background()
	_, err := raid.ReadStripe(ctx, 9999)
	if !errors.Is(err, ErrStripeNotFound) {
		t.Fatalf("expected ErrStripeNotFound, got %v", err)
	}
}

func TestRaidStoreBackgroundRepair(t *testing.T) {
	raid, mems := newTestRaidStore(t, 4, 2)
	ctx := context.Background()
	payload := []byte("background repair should restore the missing chunk")

	if err := raid.WriteStripe(ctx, 400, payload); err != nil {
		t.Fatalf("WriteStripe: %v", err)
	}

	mems[2].mu.Lock()
	delete(mems[2].data, mems[2].key(400, 2))
	mems[2].mu.Unlock()

	if _, err := raid.ReadStripe(ctx, 400); err != nil {
		t.Fatalf("ReadStripe: %v", err)
	}
	raid.WaitForRepairs()

	if _, err := mems[2].Read(ctx, 400, 2); err != nil {
		t.Fatalf("expected chunk 2 repaired, still missing: %v", err)
	}
}
