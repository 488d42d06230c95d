package cloudraidfs

import (
	"context"
	"fmt"
	"sync"

	"github.com/DurantVivado/cloudraidfs/xlog"
)

// FileMapper translates byte-range file I/O into whole-stripe
// read-modify-write operations. A write touching only part of a
// stripe must still read the stripe's current content first, which is
// why every stripe index gets its own mutex: concurrent writers to
// different stripes of the same file proceed in parallel, but two
// writers overlapping the same stripe serialize instead of racing on
// the read-modify-write.
type FileMapper struct {
	meta     *MetadataStore
	raid     *RaidStore
	cache    *ChunkCache
	uploader *AsyncUploader // may be nil: synchronous writes straight to RaidStore
	alloc    *AllocatorClock

	stripeLocksMu sync.Mutex
	stripeLocks   map[string]*sync.Mutex
}

// NewFileMapper wires the five collaborators. uploader may be nil to
// bypass the write-back cache and write synchronously through raid.
func NewFileMapper(meta *MetadataStore, raid *RaidStore, cache *ChunkCache, uploader *AsyncUploader, alloc *AllocatorClock) *FileMapper {
	return &FileMapper{
		meta:        meta,
		raid:        raid,
		cache:       cache,
		uploader:    uploader,
		alloc:       alloc,
		stripeLocks: make(map[string]*sync.Mutex),
	}
}

func (fm *FileMapper) stripeLock(path string, idx int) *sync.Mutex {
	key := fmt.Sprintf("%s#%d", path, idx)
	fm.stripeLocksMu.Lock()
	defer fm.stripeLocksMu.Unlock()
	l, ok := fm.stripeLocks[key]
	if !ok {
		l = &sync.Mutex{}
		fm.stripeLocks[key] = l
	}
	return l
}

// stripeIndexRange returns the inclusive [first,last] stripe indices
// touched by the half-open byte range [start,end).
func stripeIndexRange(start, end int64) (int, int) {
	if end <= start {
		return 0, -1
	}
	first := int(start / StripeSize)
	last := int((end - 1) / StripeSize)
	return first, last
}

// stripeLogicalLen returns how many bytes of idx's stripe fall within
// a file of the given total size.
func stripeLogicalLen(fileSize int64, idx int) int64 {
	start := int64(idx) * StripeSize
	if start >= fileSize {
		return 0
	}
	remaining := fileSize - start
	if remaining > StripeSize {
		return StripeSize
	}
	return remaining
}

// loadStripe fetches a stripe's decoded payload, preferring the hot
// cache, then the uploader's not-yet-drained local spool, then the
// backends themselves.
func (fm *FileMapper) loadStripe(ctx context.Context, stripeID uint64) ([]byte, error) {
	if payload, ok := fm.cache.Get(stripeID); ok {
		return payload, nil
	}
	if fm.uploader != nil {
		if payload, ok := fm.uploader.ReadFromCache(stripeID); ok {
			fm.cache.Put(stripeID, payload)
			return payload, nil
		}
	}
	payload, err := fm.raid.ReadStripe(ctx, stripeID)
	if err != nil {
		return nil, err
	}
	fm.cache.Put(stripeID, payload)
	return payload, nil
}

// storeStripe durably writes a stripe's new content, through the
// uploader's spool when one is configured, else directly via raid.
func (fm *FileMapper) storeStripe(ctx context.Context, stripeID uint64, payload []byte) error {
	if fm.uploader != nil {
		if err := fm.uploader.EnqueueStripe(stripeID, payload); err != nil {
			return err
		}
	} else if err := fm.raid.WriteStripe(ctx, stripeID, payload); err != nil {
		return err
	}
	fm.cache.Put(stripeID, payload)
	return nil
}

// Read returns up to length bytes starting at offset. Reads past the
// current file size return fewer bytes than requested; reads entirely
// past end-of-file return an empty slice. Gaps inside the allocated
// range that were never written (a sparse stripe index beyond the
// file's recorded stripe list) read back as zero.
func (fm *FileMapper) Read(ctx context.Context, path string, offset int64, length int) ([]byte, error) {
	size, err := fm.meta.GetSize(path)
	if err != nil {
		return nil, err
	}
	fsize := int64(size)
	if offset >= fsize || length <= 0 {
		return []byte{}, nil
	}
	end := offset + int64(length)
	if end > fsize {
		end = fsize
	}

	stripes, err := fm.meta.GetStripes(path)
	if err != nil {
		return nil, err
	}

	out := make([]byte, end-offset)
	first, last := stripeIndexRange(offset, end)
	for idx := first; idx <= last; idx++ {
		stripeStart := int64(idx) * StripeSize
		logicalLen := stripeLogicalLen(fsize, idx)

		var payload []byte
		if idx < len(stripes) {
			payload, err = fm.loadStripe(ctx, stripes[idx])
			if err != nil {
				return nil, err
			}
		} else {
			payload = zeroStripe(logicalLen)
		}

		rangeStart := stripeStart
		if rangeStart < offset {
			rangeStart = offset
		}
		rangeEnd := stripeStart + logicalLen
		if rangeEnd > end {
			rangeEnd = end
		}
		if rangeEnd <= rangeStart {
			continue
		}

		srcOff := rangeStart - stripeStart
		dstOff := rangeStart - offset
		n := rangeEnd - rangeStart
		if srcOff+n > int64(len(payload)) {
			n = int64(len(payload)) - srcOff
		}
		if n > 0 {
			copy(out[dstOff:dstOff+n], payload[srcOff:srcOff+n])
		}
	}
	return out, nil
}

// Write applies data at offset, extending the file and allocating new
// stripes as needed. Each touched stripe is read, modified, and
// rewritten under its own lock; stripes untouched by this call are
// left exactly as they were. A write that starts past the end of the
// file's stripe list also allocates and stores zero-filled stripes for
// the skipped indices.
func (fm *FileMapper) Write(ctx context.Context, path string, offset int64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	size, err := fm.meta.GetSize(path)
	if err != nil {
		return err
	}
	fsize := int64(size)
	end := offset + int64(len(data))
	newSize := fsize
	if end > newSize {
		newSize = end
	}

	stripes, err := fm.meta.GetStripes(path)
	if err != nil {
		return err
	}

	first, last := stripeIndexRange(offset, end)
	for idx := first; idx <= last; idx++ {
		lock := fm.stripeLock(path, idx)
		lock.Lock()
		err := fm.writeOneStripe(ctx, path, idx, offset, data, fsize, newSize, &stripes)
		lock.Unlock()
		if err != nil {
			return err
		}
	}

	if newSize != fsize {
		if err := fm.meta.SetSize(path, uint64(newSize)); err != nil {
			return err
		}
	}
	return nil
}

// writeOneStripe performs the read-modify-write for a single stripe
// index. stripes is shared across the whole Write call and mutated in
// place when a new stripe is allocated; callers serialize access to a
// given index via the per-stripe lock, but appends to stripes happen
// only for idx == len(stripes), which by construction (indices
// processed in ascending order under per-index locks held one at a
// time) cannot race for a single file.
func (fm *FileMapper) writeOneStripe(ctx context.Context, path string, idx int, offset int64, data []byte, oldSize, newSize int64, stripes *[]uint64) error {
	stripeStart := int64(idx) * StripeSize
	newLogicalLen := stripeLogicalLen(newSize, idx)

	var payload []byte
	var stripeID uint64
	isNew := idx >= len(*stripes)

	if !isNew {
		stripeID = (*stripes)[idx]
		cur, err := fm.loadStripe(ctx, stripeID)
		if err != nil {
			return err
		}
		payload = make([]byte, newLogicalLen)
		copy(payload, cur)
	} else {
		// Indices skipped over by a write past the end of the stripe
		// list get zero-filled stripes of their own, so that list
		// position i always backs stripe index i.
		for len(*stripes) < idx {
			gapIdx := len(*stripes)
			gapID := fm.alloc.Allocate()
			if err := fm.storeStripe(ctx, gapID, zeroStripe(stripeLogicalLen(newSize, gapIdx))); err != nil {
				return err
			}
			*stripes = append(*stripes, gapID)
			if err := fm.meta.AddStripe(path, gapID); err != nil {
				return err
			}
		}
		stripeID = fm.alloc.Allocate()
		payload = make([]byte, newLogicalLen)
	}

	writeStart := offset
	if writeStart < stripeStart {
		writeStart = stripeStart
	}
	writeEnd := offset + int64(len(data))
	if writeEnd > stripeStart+newLogicalLen {
		writeEnd = stripeStart + newLogicalLen
	}
	if writeEnd > writeStart {
		srcOff := writeStart - offset
		dstOff := writeStart - stripeStart
		n := writeEnd - writeStart
		copy(payload[dstOff:dstOff+n], data[srcOff:srcOff+n])
	}

	if err := fm.storeStripe(ctx, stripeID, payload); err != nil {
		return err
	}

	if isNew {
		*stripes = append(*stripes, stripeID)
		if err := fm.meta.AddStripe(path, stripeID); err != nil {
			return err
		}
	}
	return nil
}

// DeleteStripes removes each given stripe from every backend and
// evicts it from the cache, for callers (the host adapter) freeing a
// file's storage after its metadata entry is already gone.
func (fm *FileMapper) DeleteStripes(ctx context.Context, stripes []uint64) error {
	for _, sid := range stripes {
		if err := fm.raid.DeleteStripe(ctx, sid); err != nil {
			xlog.Errorf("file-mapper: delete stripe %d failed: %v", sid, err)
		}
		fm.cache.Invalidate(sid)
	}
	return nil
}

// Truncate changes a file's logical size. Growing is purely metadata
// (the newly visible range reads back as zero). Shrinking drops
// stripes entirely beyond the new size and rewrites the last
// remaining stripe trimmed to its new logical length.
func (fm *FileMapper) Truncate(ctx context.Context, path string, newSize uint64) error {
	size, err := fm.meta.GetSize(path)
	if err != nil {
		return err
	}
	oldSize := int64(size)
	ns := int64(newSize)
	if ns == oldSize {
		return nil
	}
	if ns > oldSize {
		return fm.meta.SetSize(path, newSize)
	}

	stripes, err := fm.meta.GetStripes(path)
	if err != nil {
		return err
	}

	keepCount := 0
	if ns > 0 {
		keepCount = int(ceilDiv(int(ns), int(StripeSize)))
	}
	if keepCount > len(stripes) {
		keepCount = len(stripes)
	}

	if keepCount > 0 {
		lastIdx := keepCount - 1
		lock := fm.stripeLock(path, lastIdx)
		lock.Lock()
		err := func() error {
			stripeID := stripes[lastIdx]
			cur, err := fm.loadStripe(ctx, stripeID)
			if err != nil {
				return err
			}
			trimmedLen := stripeLogicalLen(ns, lastIdx)
			trimmed := make([]byte, trimmedLen)
			copy(trimmed, cur)
			return fm.storeStripe(ctx, stripeID, trimmed)
		}()
		lock.Unlock()
		if err != nil {
			return err
		}
	}

	for i := keepCount; i < len(stripes); i++ {
		if err := fm.raid.DeleteStripe(ctx, stripes[i]); err != nil {
			xlog.Errorf("file-mapper: truncate %s: failed to delete orphaned stripe %d: %v", path, stripes[i], err)
		}
		fm.cache.Invalidate(stripes[i])
	}

	trimmedStripes := append([]uint64(nil), stripes[:keepCount]...)
	if err := fm.meta.replaceStripes(path, trimmedStripes); err != nil {
		return err
	}
	return fm.meta.SetSize(path, newSize)
}
