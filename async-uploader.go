package cloudraidfs

import (
	"container/list"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/DurantVivado/cloudraidfs/backend"
	"github.com/DurantVivado/cloudraidfs/xlog"
)

var spoolNameRe = regexp.MustCompile(`^stripe_(\d{20})_chunk_(\d{2})\.dat$`)

type uploadTask struct {
	stripeID   uint64
	chunkIndex int
	spoolPath  string
	retryCount int
	traceID    snowflake.ID
}

// AsyncUploaderConfig mirrors the async_upload block of the YAML config.
type AsyncUploaderConfig struct {
	CacheDir      string
	WorkerThreads int
	MaxRetries    int
	RetryDelay    time.Duration
	MaxQueueSize  int
}

// AsyncUploader provides durable write-back: enqueue_stripe returns
// success once the data is encoded and every chunk is spooled to
// local disk. A pool of workers drains the spool into the backends.
type AsyncUploader struct {
	cfg      AsyncUploaderConfig
	coder    *ErasureCoder
	backends []backend.ChunkBackend
	node     *snowflake.Node

	mu      sync.Mutex
	cond    *sync.Cond
	queue   *list.List // of *uploadTask
	pending map[uint64]int
	waiters map[uint64][]chan struct{}
	stopped bool

	uploaded, failed int64

	wg sync.WaitGroup
}

// NewAsyncUploader constructs an uploader over backends (one per
// chunk index) using coder for stripe (re)encoding.
func NewAsyncUploader(cfg AsyncUploaderConfig, coder *ErasureCoder, backends []backend.ChunkBackend) (*AsyncUploader, error) {
	if len(backends) != coder.K()+coder.M() {
		return nil, fmt.Errorf("uploader: expected %d backends, got %d", coder.K()+coder.M(), len(backends))
	}
	if cfg.WorkerThreads <= 0 {
		cfg.WorkerThreads = 2
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpoolIO, err)
	}
	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, err
	}
	u := &AsyncUploader{
		cfg:      cfg,
		coder:    coder,
		backends: backends,
		node:     node,
		queue:    list.New(),
		pending:  make(map[uint64]int),
		waiters:  make(map[uint64][]chan struct{}),
	}
	u.cond = sync.NewCond(&u.mu)
	return u, nil
}

func (u *AsyncUploader) spoolPath(stripeID uint64, chunkIndex int) string {
	return filepath.Join(u.cfg.CacheDir, fmt.Sprintf("stripe_%020d_chunk_%02d.dat", stripeID, chunkIndex))
}

// Start launches the worker pool. Call RecoverOnStartup first if the
// spool directory may hold work from a previous process.
func (u *AsyncUploader) Start() {
	for i := 0; i < u.cfg.WorkerThreads; i++ {
		u.wg.Add(1)
		go u.workerLoop()
	}
}

// EnqueueStripe encodes payload, spools every chunk to local disk, and
// pushes k+m tasks onto the queue. Returning nil means the stripe is
// durable on local disk and will be replayed after a crash once
// RecoverOnStartup has run.
func (u *AsyncUploader) EnqueueStripe(stripeID uint64, payload []byte) error {
	u.mu.Lock()
	if u.queue.Len() >= u.cfg.MaxQueueSize && u.cfg.MaxQueueSize > 0 {
		u.mu.Unlock()
		return ErrQueueFull
	}
	u.mu.Unlock()

	chunks, err := u.coder.Encode(payload)
	if err != nil {
		return err
	}

	written := make([]string, 0, len(chunks))
	for i, c := range chunks {
		path := u.spoolPath(stripeID, i)
		if err := os.WriteFile(path, c, 0o644); err != nil {
			for _, p := range written {
				os.Remove(p)
			}
			return fmt.Errorf("%w: %v", ErrSpoolIO, err)
		}
		written = append(written, path)
	}

	u.mu.Lock()
	u.pending[stripeID] = len(chunks)
	for i := range chunks {
		u.queue.PushBack(&uploadTask{
			stripeID:   stripeID,
			chunkIndex: i,
			spoolPath:  written[i],
			traceID:    u.node.Generate(),
		})
	}
	u.mu.Unlock()
	u.cond.Broadcast()
	return nil
}

func (u *AsyncUploader) workerLoop() {
	defer u.wg.Done()
	for {
		u.mu.Lock()
		for u.queue.Len() == 0 && !u.stopped {
			u.cond.Wait()
		}
		// Stop() leaves any task not yet popped on disk for the next
		// RecoverOnStartup, per the shutdown design: only the task
		// already in hand (already popped below) gets finished.
		if u.stopped {
			u.mu.Unlock()
			return
		}
		el := u.queue.Front()
		u.queue.Remove(el)
		task := el.Value.(*uploadTask)
		u.mu.Unlock()

		u.runTask(task)
	}
}

func (u *AsyncUploader) runTask(task *uploadTask) {
	data, err := os.ReadFile(task.spoolPath)
	if err != nil {
		xlog.Errorf("uploader[%s]: spool file for stripe %d chunk %d missing: %v",
			task.traceID, task.stripeID, task.chunkIndex, err)
		u.finishTask(task, false)
		return
	}

	dst := u.backends[task.chunkIndex]
	if err := dst.Write(context.Background(), task.stripeID, task.chunkIndex, data); err != nil {
		task.retryCount++
		if task.retryCount < u.cfg.MaxRetries {
			delay := time.Duration(task.retryCount) * u.cfg.RetryDelay
			xlog.Infof("uploader[%s]: retry %d/%d for stripe %d chunk %d after %s: %v",
				task.traceID, task.retryCount, u.cfg.MaxRetries, task.stripeID, task.chunkIndex, delay, err)
			time.AfterFunc(delay, func() {
				u.mu.Lock()
				u.queue.PushBack(task)
				u.mu.Unlock()
				u.cond.Broadcast()
			})
			return
		}
		xlog.Errorf("uploader[%s]: stripe %d chunk %d failed terminally on %s, leaving spool file: %v",
			task.traceID, task.stripeID, task.chunkIndex, dst.Name(), err)
		u.finishTask(task, false)
		return
	}

	os.Remove(task.spoolPath)
	u.finishTask(task, true)
}

func (u *AsyncUploader) finishTask(task *uploadTask, success bool) {
	u.mu.Lock()
	if success {
		u.uploaded++
	} else {
		u.failed++
	}
	if n, ok := u.pending[task.stripeID]; ok {
		n--
		if n <= 0 {
			delete(u.pending, task.stripeID)
			chans := u.waiters[task.stripeID]
			delete(u.waiters, task.stripeID)
			u.mu.Unlock()
			for _, ch := range chans {
				close(ch)
			}
			return
		}
		u.pending[task.stripeID] = n
	}
	u.mu.Unlock()
}

// RecoverOnStartup scans cfg.CacheDir for spool files, groups them by
// stripe_id, and re-enqueues one task per chunk found. It must run
// before Start.
func (u *AsyncUploader) RecoverOnStartup() error {
	entries, err := os.ReadDir(u.cfg.CacheDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	byStripe := make(map[uint64][]int)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := spoolNameRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		stripeID, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			continue
		}
		chunkIndex, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		byStripe[stripeID] = append(byStripe[stripeID], chunkIndex)
	}

	u.mu.Lock()
	for stripeID, indices := range byStripe {
		u.pending[stripeID] = len(indices)
		for _, idx := range indices {
			u.queue.PushBack(&uploadTask{
				stripeID:   stripeID,
				chunkIndex: idx,
				spoolPath:  u.spoolPath(stripeID, idx),
				traceID:    u.node.Generate(),
			})
		}
	}
	u.mu.Unlock()
	u.cond.Broadcast()
	return nil
}

// ReadFromCache attempts to assemble a stripe entirely from spooled
// chunk files still on local disk. Returns (nil, false) on miss.
func (u *AsyncUploader) ReadFromCache(stripeID uint64) ([]byte, bool) {
	n := u.coder.K() + u.coder.M()
	chunks := make([][]byte, n)
	found := 0
	for i := 0; i < n; i++ {
		data, err := os.ReadFile(u.spoolPath(stripeID, i))
		if err != nil {
			continue
		}
		chunks[i] = data
		found++
	}
	if found < u.coder.K() {
		return nil, false
	}
	payload, err := u.coder.Decode(chunks)
	if err != nil {
		return nil, false
	}
	return payload, true
}

// WaitForStripe blocks until stripeID has no pending chunks (success
// or terminal failure counted the same way, per the design's note on
// pending-decrement semantics: callers needing failure-awareness
// should inspect Stats().Failed before and after).
func (u *AsyncUploader) WaitForStripe(stripeID uint64) {
	u.mu.Lock()
	if _, ok := u.pending[stripeID]; !ok {
		u.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	u.waiters[stripeID] = append(u.waiters[stripeID], ch)
	u.mu.Unlock()
	<-ch
}

// Flush blocks until the queue is empty and no stripe is pending.
func (u *AsyncUploader) Flush() {
	for {
		u.mu.Lock()
		empty := u.queue.Len() == 0 && len(u.pending) == 0
		u.mu.Unlock()
		if empty {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Stop signals workers to finish only the task already in hand, then
// exit and joins them. Anything still queued is left untouched on disk
// for the next RecoverOnStartup.
func (u *AsyncUploader) Stop() {
	u.mu.Lock()
	u.stopped = true
	u.mu.Unlock()
	u.cond.Broadcast()
	u.wg.Wait()
}

// UploaderStats exposes the uploaded/failed counters and queue depth.
type UploaderStats struct {
	Uploaded, Failed int64
	QueueDepth       int
	PendingStripes   int
}

func (u *AsyncUploader) Stats() UploaderStats {
	u.mu.Lock()
	defer u.mu.Unlock()
	return UploaderStats{
		Uploaded:       u.uploaded,
		Failed:         u.failed,
		QueueDepth:     u.queue.Len(),
		PendingStripes: len(u.pending),
	}
}
