package cloudraidfs

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"
)

func newTestFileMapper(t *testing.T, k, m int) (*FileMapper, *MetadataStore, *RaidStore) {
	t.Helper()
	raid, _ := newTestRaidStore(t, k, m)
	meta := NewMetadataStore(raid)
	if err := meta.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	cache := NewChunkCache(64<<20, time.Hour)
	alloc := NewAllocatorClock(0)
	return NewFileMapper(meta, raid, cache, nil, alloc), meta, raid
}

func TestFileMapperSingleStripeWrite(t *testing.T) {
	ctx := context.Background()
	fm, meta, _ := newTestFileMapper(t, 2, 1)

	if err := meta.CreateFile("/a.txt"); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	payload := []byte("hello, stripe")
	if err := fm.Write(ctx, "/a.txt", 0, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := fm.Read(ctx, "/a.txt", 0, len(payload))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("read mismatch: got %q want %q", got, payload)
	}

	size, err := meta.GetSize("/a.txt")
	if err != nil {
		t.Fatalf("GetSize: %v", err)
	}
	if size != uint64(len(payload)) {
		t.Fatalf("expected size %d, got %d", len(payload), size)
	}
}

func TestFileMapperSparseReadZeroFill(t *testing.T) {
	ctx := context.Background()
	fm, meta, _ := newTestFileMapper(t, 2, 1)

	if err := meta.CreateFile("/sparse.bin"); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	// Write a few bytes at the start of the second stripe. The caller
	// never writes the first stripe, which still lies "inside" the
	// file's logical size and must read back as zero.
	tail := []byte("tail-bytes")
	if err := fm.Write(ctx, "/sparse.bin", StripeSize, tail); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := fm.Read(ctx, "/sparse.bin", 0, int(StripeSize)+len(tail))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != int(StripeSize)+len(tail) {
		t.Fatalf("expected %d bytes back, got %d", int(StripeSize)+len(tail), len(got))
	}
	for i := 0; i < int(StripeSize); i++ {
		if got[i] != 0 {
			t.Fatalf("expected zero fill at offset %d, got %d", i, got[i])
		}
	}
	if !bytes.Equal(got[StripeSize:], tail) {
		t.Fatalf("tail mismatch: got %q want %q", got[StripeSize:], tail)
	}
}

func TestFileMapperWriteAcrossStripeBoundary(t *testing.T) {
	ctx := context.Background()
	fm, meta, _ := newTestFileMapper(t, 2, 1)

	if err := meta.CreateFile("/boundary.bin"); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	data := bytes.Repeat([]byte{0xAB}, 10)
	offset := StripeSize - 5 // straddles stripe 0 and stripe 1
	if err := fm.Write(ctx, "/boundary.bin", offset, data); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := fm.Read(ctx, "/boundary.bin", offset, len(data))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("straddled read mismatch")
	}

	stripes, err := meta.GetStripes("/boundary.bin")
	if err != nil {
		t.Fatalf("GetStripes: %v", err)
	}
	if len(stripes) != 2 {
		t.Fatalf("expected 2 stripes allocated, got %d", len(stripes))
	}
}

func TestFileMapperTruncateGrowReadsZero(t *testing.T) {
	ctx := context.Background()
	fm, meta, _ := newTestFileMapper(t, 2, 1)

	if err := meta.CreateFile("/grow.bin"); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if err := fm.Write(ctx, "/grow.bin", 0, []byte("abc")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := fm.Truncate(ctx, "/grow.bin", 10); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	got, err := fm.Read(ctx, "/grow.bin", 0, 10)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got[:3], []byte("abc")) {
		t.Fatalf("expected original prefix preserved, got %q", got[:3])
	}
	for i := 3; i < 10; i++ {
		if got[i] != 0 {
			t.Fatalf("expected zero fill after grow at offset %d", i)
		}
	}
}

func TestFileMapperTruncateShrinkDropsOrphanedStripes(t *testing.T) {
	ctx := context.Background()
	fm, meta, raid := newTestFileMapper(t, 2, 1)

	if err := meta.CreateFile("/shrink.bin"); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	data := bytes.Repeat([]byte{0x11}, int(StripeSize)+100)
	if err := fm.Write(ctx, "/shrink.bin", 0, data); err != nil {
		t.Fatalf("Write: %v", err)
	}

	stripesBefore, err := meta.GetStripes("/shrink.bin")
	if err != nil {
		t.Fatalf("GetStripes: %v", err)
	}
	if len(stripesBefore) != 2 {
		t.Fatalf("expected 2 stripes before shrink, got %d", len(stripesBefore))
	}
	orphanedID := stripesBefore[1]

	if err := fm.Truncate(ctx, "/shrink.bin", 50); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	stripesAfter, err := meta.GetStripes("/shrink.bin")
	if err != nil {
		t.Fatalf("GetStripes: %v", err)
	}
	if len(stripesAfter) != 1 {
		t.Fatalf("expected 1 stripe after shrink, got %d", len(stripesAfter))
	}

	if _, err := raid.ReadStripe(ctx, orphanedID); err == nil {
		t.Fatalf("expected orphaned stripe %d to be deleted from backends", orphanedID)
	}

	got, err := fm.Read(ctx, "/shrink.bin", 0, 50)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, data[:50]) {
		t.Fatalf("expected surviving prefix unchanged after shrink")
	}
}

func TestFileMapperConcurrentWritesToDifferentStripes(t *testing.T) {
	ctx := context.Background()
	fm, meta, _ := newTestFileMapper(t, 2, 1)

	if err := meta.CreateFile("/concurrent.bin"); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	// Grow the file first so both offsets lie inside its logical size.
	// Growing only records the new size; each write allocates its stripe.
	if err := fm.Truncate(ctx, "/concurrent.bin", uint64(2*StripeSize)); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	var err0, err1 error
	go func() {
		defer wg.Done()
		err0 = fm.Write(ctx, "/concurrent.bin", 0, bytes.Repeat([]byte{0xAA}, 16))
	}()
	go func() {
		defer wg.Done()
		err1 = fm.Write(ctx, "/concurrent.bin", StripeSize, bytes.Repeat([]byte{0xBB}, 16))
	}()
	wg.Wait()
	if err0 != nil {
		t.Fatalf("write 0: %v", err0)
	}
	if err1 != nil {
		t.Fatalf("write 1: %v", err1)
	}

	head, err := fm.Read(ctx, "/concurrent.bin", 0, 16)
	if err != nil {
		t.Fatalf("Read head: %v", err)
	}
	if !bytes.Equal(head, bytes.Repeat([]byte{0xAA}, 16)) {
		t.Fatalf("head mismatch after concurrent writes")
	}
	tail, err := fm.Read(ctx, "/concurrent.bin", StripeSize, 16)
	if err != nil {
		t.Fatalf("Read tail: %v", err)
	}
	if !bytes.Equal(tail, bytes.Repeat([]byte{0xBB}, 16)) {
		t.Fatalf("tail mismatch after concurrent writes")
	}
}
