package cloudraidfs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/DurantVivado/cloudraidfs/backend"
	"github.com/DurantVivado/cloudraidfs/xlog"
)

// RaidStore holds an ordered vector of k+m ChunkBackend handles plus
// the coder used to encode/decode whole stripes. Operations are
// whole-stripe only; the chunk_index parameter on the external
// ChunkBackend interface is driven entirely by RaidStore, never by a
// caller.
type RaidStore struct {
	backends []backend.ChunkBackend
	coder    *ErasureCoder
	k, m     int

	repairWG sync.WaitGroup
}

// NewRaidStore binds exactly k+m backends, in order, to coder.
func NewRaidStore(backends []backend.ChunkBackend, coder *ErasureCoder) (*RaidStore, error) {
	if len(backends) != coder.K()+coder.M() {
		return nil, fmt.Errorf("raid: expected %d backends, got %d", coder.K()+coder.M(), len(backends))
	}
	return &RaidStore{backends: backends, coder: coder, k: coder.K(), m: coder.M()}, nil
}

// WriteStripe encodes payload into k+m chunks and writes each to its
// backend concurrently. It succeeds only if all k+m writes succeed; a
// failed write is surfaced with no rollback of already-written peers.
func (r *RaidStore) WriteStripe(ctx context.Context, stripeID uint64, payload []byte) error {
	chunks, err := r.coder.Encode(payload)
	if err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	for i := range r.backends {
		i := i
		eg.Go(func() error {
			start := time.Now()
			err := r.backends[i].Write(ctx, stripeID, i, chunks[i])
			if err != nil {
				xlog.Errorf("raid: write stripe %d chunk %d on %s failed after %s: %v",
					stripeID, i, r.backends[i].Name(), time.Since(start), err)
			}
			return err
		})
	}
	return eg.Wait()
}

// ReadStripe reads k+m chunks concurrently, decodes from whichever
// survive, and schedules a best-effort background repair of the
// missing indices.
func (r *RaidStore) ReadStripe(ctx context.Context, stripeID uint64) ([]byte, error) {
	chunks := make([][]byte, r.k+r.m)
	missing := make([]bool, r.k+r.m)
	allAbsent := true

	var wg sync.WaitGroup
	var mu sync.Mutex
	for i := range r.backends {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := r.backends[i].Read(ctx, stripeID, i)
			mu.Lock()
			defer mu.Unlock()
			if err != nil || len(data) == 0 {
				missing[i] = true
				if err != nil && !errors.Is(err, backend.ErrNotFound) {
					allAbsent = false
				}
				return
			}
			chunks[i] = data
			allAbsent = false
		}()
	}
	wg.Wait()

	survivors := 0
	for _, c := range chunks {
		if len(c) > 0 {
			survivors++
		}
	}
	if survivors < r.k {
		if allAbsent {
			return nil, ErrStripeNotFound
		}
		return nil, ErrUnrecoverable
	}

	payload, err := r.coder.Decode(chunks)
	if err != nil {
		return nil, err
	}

	var missingIdx []int
	for i, m := range missing {
		if m {
			missingIdx = append(missingIdx, i)
		}
	}
	if len(missingIdx) > 0 {
		r.scheduleRepair(stripeID, payload, missingIdx)
	}

	return payload, nil
}

// scheduleRepair fires a background goroutine that re-encodes payload
// and rewrites the chunks reported missing. Failure is logged, never
// surfaced, per the error-handling design.
func (r *RaidStore) scheduleRepair(stripeID uint64, payload []byte, missingIdx []int) {
	r.repairWG.Add(1)
	go func() {
		defer r.repairWG.Done()
		chunks, err := r.coder.Encode(payload)
		if err != nil {
			xlog.Errorf("raid: repair stripe %d: re-encode failed: %v", stripeID, err)
			return
		}
		ctx := context.Background()
		for _, i := range missingIdx {
			if err := r.backends[i].Write(ctx, stripeID, i, chunks[i]); err != nil {
				xlog.Errorf("raid: repair stripe %d chunk %d on %s failed: %v",
					stripeID, i, r.backends[i].Name(), err)
			} else {
				xlog.Infof("raid: repaired stripe %d chunk %d on %s", stripeID, i, r.backends[i].Name())
			}
		}
	}()
}

// DeleteStripe deletes the stripe's chunks from every backend
// concurrently; non-existence counts as success at the backend layer,
// so delete succeeds iff every backend call returns without error.
func (r *RaidStore) DeleteStripe(ctx context.Context, stripeID uint64) error {
	eg, ctx := errgroup.WithContext(ctx)
	for i := range r.backends {
		i := i
		eg.Go(func() error {
			return r.backends[i].Delete(ctx, stripeID, i)
		})
	}
	return eg.Wait()
}

// WaitForRepairs blocks until all in-flight background repairs have
// finished; intended for tests and for a clean shutdown path.
func (r *RaidStore) WaitForRepairs() {
	r.repairWG.Wait()
}
