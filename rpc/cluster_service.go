package rpc

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/DurantVivado/cloudraidfs"
	"github.com/DurantVivado/cloudraidfs/xlog"
)

// StatsArgs is intentionally empty; ClusterService.Stats takes no parameters.
type StatsArgs struct{}

// StatsReply reports the live health of a mount's cache and write-back
// uploader, the surface an operator polls to judge cluster health.
type StatsReply struct {
	CacheHits       int64
	CacheMisses     int64
	CacheBytesInUse int64
	Uploaded        int64
	Failed          int64
	QueueDepth      int
	PendingStripes  int
}

// TriggerRepairArgs names a stripe to force a read-and-repair pass on.
type TriggerRepairArgs struct {
	StripeID uint64
}

// TriggerRepairReply reports whether the repair could proceed.
type TriggerRepairReply struct {
	Repaired bool
}

// FlushArgs is intentionally empty; ClusterService.Flush takes no parameters.
type FlushArgs struct{}

// FlushReply reports that the write-back queue has drained.
type FlushReply struct {
	Flushed bool
}

// ClusterService exposes cluster-health introspection and maintenance
// over the admin RPC listener. It only touches the cache, uploader,
// and raid collaborators already constructed by the mount: it never
// reaches into the data path directly.
type ClusterService struct {
	cache    *cloudraidfs.ChunkCache
	uploader *cloudraidfs.AsyncUploader
	raid     *cloudraidfs.RaidStore
	node     *snowflake.Node
}

// NewClusterService binds the admin service to a running mount's components.
func NewClusterService(cache *cloudraidfs.ChunkCache, uploader *cloudraidfs.AsyncUploader, raid *cloudraidfs.RaidStore) (*ClusterService, error) {
	node, err := snowflake.NewNode(2)
	if err != nil {
		return nil, err
	}
	return &ClusterService{cache: cache, uploader: uploader, raid: raid, node: node}, nil
}

// Stats fills reply with the current cache and uploader counters.
func (c *ClusterService) Stats(args *StatsArgs, reply *StatsReply) error {
	traceID := c.node.Generate()
	cs := c.cache.Stats()
	reply.CacheHits = cs.Hits
	reply.CacheMisses = cs.Misses
	reply.CacheBytesInUse = cs.BytesInUse
	if c.uploader != nil {
		us := c.uploader.Stats()
		reply.Uploaded = us.Uploaded
		reply.Failed = us.Failed
		reply.QueueDepth = us.QueueDepth
		reply.PendingStripes = us.PendingStripes
	}
	xlog.Infof("rpc[%s]: ClusterService.Stats served", traceID)
	return nil
}

// TriggerRepair forces an immediate read of the given stripe, which
// schedules RaidStore's usual background repair of any missing
// chunks, then waits for in-flight repairs to finish before replying.
func (c *ClusterService) TriggerRepair(args *TriggerRepairArgs, reply *TriggerRepairReply) error {
	traceID := c.node.Generate()
	start := time.Now()
	_, err := c.raid.ReadStripe(context.Background(), args.StripeID)
	if err != nil {
		xlog.Errorf("rpc[%s]: TriggerRepair stripe %d failed after %s: %v", traceID, args.StripeID, time.Since(start), err)
		reply.Repaired = false
		return err
	}
	c.raid.WaitForRepairs()
	reply.Repaired = true
	return nil
}

// Flush blocks until the write-back uploader's queue and pending
// stripes have fully drained.
func (c *ClusterService) Flush(args *FlushArgs, reply *FlushReply) error {
	if c.uploader != nil {
		c.uploader.Flush()
	}
	reply.Flushed = true
	return nil
}
