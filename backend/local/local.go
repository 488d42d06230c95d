// Package local implements the ChunkBackend contract over a plain
// directory on the local filesystem, grounded on the teacher's
// disk-path model (erasure-disk.go) and the storage-node chunk
// handlers in the pack's distributed-storage example: chunks are
// written to a temp file and renamed into place for atomicity.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/DurantVivado/cloudraidfs/backend"
)

// Backend stores one file per (stripe_id, chunk_index) under Root,
// using the same naming convention as the AsyncUploader spool so the
// two surfaces are trivially greppable together.
type Backend struct {
	name string
	root string
}

// New creates a local directory backend rooted at root, creating the
// directory if it does not exist.
func New(name, root string) (*Backend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("local backend %s: %w", name, err)
	}
	return &Backend{name: name, root: root}, nil
}

func (b *Backend) Name() string { return b.name }

func (b *Backend) chunkPath(stripeID uint64, chunkIndex int) string {
	return filepath.Join(b.root, fmt.Sprintf("stripe_%020d_chunk_%02d.dat", stripeID, chunkIndex))
}

func (b *Backend) Read(ctx context.Context, stripeID uint64, chunkIndex int) ([]byte, error) {
	data, err := os.ReadFile(b.chunkPath(stripeID, chunkIndex))
	if os.IsNotExist(err) {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, backend.ErrNotFound
	}
	return data, nil
}

func (b *Backend) Write(ctx context.Context, stripeID uint64, chunkIndex int, data []byte) error {
	target := b.chunkPath(stripeID, chunkIndex)
	tmp := target + "." + uuid.NewString() + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, stripeID uint64, chunkIndex int) error {
	err := os.Remove(b.chunkPath(stripeID, chunkIndex))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
