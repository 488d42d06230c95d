// Command cloudraidfsd boots a single cloudraidfs mount: it loads
// configuration, wires the erasure coder, raid store, chunk cache, and
// write-back uploader, recovers the persisted metadata tree, and then,
// when admin.enabled is set, serves the cluster admin RPC and read-only
// HTTP status surfaces, running until signaled to stop. The storage API itself (fsadapter.Adapter)
// is a Go-level embedding point for a host integration (e.g. a FUSE
// binding) rather than something this binary exposes on the network.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/profile"

	"github.com/DurantVivado/cloudraidfs"
	"github.com/DurantVivado/cloudraidfs/config"
	"github.com/DurantVivado/cloudraidfs/fsadapter"
	"github.com/DurantVivado/cloudraidfs/httpapi"
	"github.com/DurantVivado/cloudraidfs/rpc"
	"github.com/DurantVivado/cloudraidfs/xlog"
)

var (
	configPath  = flag.String("config", "/etc/cloudraidfs/config.yaml", "path to the mount's YAML config")
	profileMode = flag.String("profile", "", "enable profiling: cpu, mem, or empty to disable")
)

func main() {
	flag.Parse()

	switch *profileMode {
	case "cpu":
		defer profile.Start(profile.CPUProfile).Stop()
	case "mem":
		defer profile.Start(profile.MemProfile).Stop()
	}

	if err := run(); err != nil {
		xlog.Errorf("cloudraidfsd: %v", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	backends, err := config.BuildBackends(cfg)
	if err != nil {
		return fmt.Errorf("build backends: %w", err)
	}

	coder, err := cloudraidfs.NewErasureCoder(cfg.Erasure.DataChunks, cfg.Erasure.ParityChunks)
	if err != nil {
		return fmt.Errorf("build erasure coder: %w", err)
	}

	raid, err := cloudraidfs.NewRaidStore(backends, coder)
	if err != nil {
		return fmt.Errorf("build raid store: %w", err)
	}

	ttl, err := time.ParseDuration(cfg.Cache.TTL)
	if err != nil {
		return fmt.Errorf("parse cache.ttl: %w", err)
	}
	cache := cloudraidfs.NewChunkCache(cfg.Cache.MaxBytes, ttl)

	uploader, err := cloudraidfs.NewAsyncUploader(cloudraidfs.AsyncUploaderConfig{
		CacheDir:      cfg.AsyncUpload.CacheDir,
		WorkerThreads: cfg.AsyncUpload.WorkerThreads,
		MaxRetries:    cfg.AsyncUpload.MaxRetries,
		RetryDelay:    time.Duration(cfg.AsyncUpload.RetryDelayMS) * time.Millisecond,
		MaxQueueSize:  cfg.AsyncUpload.MaxQueueSize,
	}, coder, backends)
	if err != nil {
		return fmt.Errorf("build async uploader: %w", err)
	}
	if err := uploader.RecoverOnStartup(); err != nil {
		return fmt.Errorf("recover spool: %w", err)
	}
	uploader.Start()
	defer uploader.Stop()

	ctx := context.Background()
	meta := cloudraidfs.NewMetadataStore(raid)
	if err := meta.Load(ctx); err != nil {
		return fmt.Errorf("load metadata: %w", err)
	}

	alloc := cloudraidfs.NewAllocatorClock(meta.HighWaterMark())
	mapper := cloudraidfs.NewFileMapper(meta, raid, cache, uploader, alloc)
	_ = fsadapter.New(meta, mapper) // embedding point for a host integration

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	if cfg.Admin.Enabled {
		if err := serveAdmin(cfg, cache, uploader, raid); err != nil {
			return fmt.Errorf("start admin surfaces: %w", err)
		}
	}

	xlog.Infoln("cloudraidfsd: mount ready")
	<-sigCh
	xlog.Infoln("cloudraidfsd: shutting down, flushing write-back queue")
	uploader.Flush()
	meta.Save(ctx)
	return nil
}

func serveAdmin(cfg *config.Config, cache *cloudraidfs.ChunkCache, uploader *cloudraidfs.AsyncUploader, raid *cloudraidfs.RaidStore) error {
	svc, err := rpc.NewClusterService(cache, uploader, raid)
	if err != nil {
		return err
	}
	if err := rpc.Register(svc); err != nil {
		return err
	}
	lis, err := net.Listen("tcp", cfg.Admin.Listen)
	if err != nil {
		return fmt.Errorf("admin rpc listen: %w", err)
	}
	go rpc.Accept(lis)
	xlog.Infof("cloudraidfsd: admin rpc listening on %s", cfg.Admin.Listen)

	status := httpapi.New(cache, uploader)
	go func() {
		if err := http.ListenAndServe(cfg.Admin.HTTPListen, status); err != nil {
			xlog.Errorf("cloudraidfsd: http status server exited: %v", err)
		}
	}()
	xlog.Infof("cloudraidfsd: http status listening on %s", cfg.Admin.HTTPListen)
	return nil
}
