// Package fsadapter exposes the host-facing storage API
// (list/read/write/rename/delete) over a MetadataStore and FileMapper
// pair, matching the method shape of the teacher's StorageAPI
// interface (restful-api.go) so any caller written against that
// contract needs no changes beyond the import path.
package fsadapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/DurantVivado/cloudraidfs"
)

// Adapter implements ListDir/ReadFile/WriteFile/RenameFile/Delete over
// a mounted filesystem's metadata store and stripe mapper.
type Adapter struct {
	meta   *cloudraidfs.MetadataStore
	mapper *cloudraidfs.FileMapper
}

// New binds an Adapter to an already-loaded MetadataStore and mapper.
func New(meta *cloudraidfs.MetadataStore, mapper *cloudraidfs.FileMapper) *Adapter {
	return &Adapter{meta: meta, mapper: mapper}
}

func rejectReserved(p string) error {
	if p == cloudraidfs.MetaPath || strings.HasPrefix(p, cloudraidfs.MetaPath+"/") {
		return fmt.Errorf("fsadapter: %s is reserved", cloudraidfs.MetaPath)
	}
	return nil
}

// ListDir returns every path under dirPath up to level levels deep;
// level <= 0 lists only dirPath's immediate children. The reserved
// metadata path never appears.
func (a *Adapter) ListDir(ctx context.Context, dirPath string, level int) ([]string, error) {
	var out []string
	a.walk(dirPath, level, &out)
	return out, nil
}

func (a *Adapter) walk(dirPath string, level int, out *[]string) {
	children, err := a.meta.ListDir(dirPath)
	if err != nil {
		return
	}
	for _, c := range children {
		childPath := path.Join(dirPath, c)
		*out = append(*out, childPath)
		if level > 0 && a.meta.IsDir(childPath) {
			a.walk(childPath, level-1, out)
		}
	}
}

// ReadFile reads up to len(buf) bytes (capped by size) at offset into
// buf, returning the number of bytes actually read.
func (a *Adapter) ReadFile(ctx context.Context, filePath string, offset, size int64, buf []byte) (int64, error) {
	if err := rejectReserved(filePath); err != nil {
		return 0, err
	}
	n := int(size)
	if n > len(buf) {
		n = len(buf)
	}
	data, err := a.mapper.Read(ctx, filePath, offset, n)
	if err != nil {
		return 0, err
	}
	copy(buf, data)
	return int64(len(data)), nil
}

// ReadFileStream returns a ReadCloser over [offset, offset+length).
func (a *Adapter) ReadFileStream(ctx context.Context, filePath string, offset, length int64) (io.ReadCloser, error) {
	if err := rejectReserved(filePath); err != nil {
		return nil, err
	}
	data, err := a.mapper.Read(ctx, filePath, offset, int(length))
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// WriteFile creates filePath if it does not exist, writes buf at
// offset 0, then truncates to size.
func (a *Adapter) WriteFile(ctx context.Context, filePath string, size int64, buf []byte) error {
	if err := rejectReserved(filePath); err != nil {
		return err
	}
	if !a.meta.Exists(filePath) {
		if err := a.meta.CreateFile(filePath); err != nil {
			return err
		}
	} else if a.meta.IsDir(filePath) {
		return cloudraidfs.ErrIsDir
	}
	if err := a.mapper.Write(ctx, filePath, 0, buf); err != nil {
		return err
	}
	return a.mapper.Truncate(ctx, filePath, uint64(size))
}

// WriteFileStream drains reader and writes it as filePath's full content.
func (a *Adapter) WriteFileStream(ctx context.Context, filePath string, size int64, reader io.Reader) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	return a.WriteFile(ctx, filePath, size, data)
}

// RenameFile moves srcPath to dstPath, file or directory alike.
func (a *Adapter) RenameFile(ctx context.Context, srcPath, dstPath string) error {
	if err := rejectReserved(srcPath); err != nil {
		return err
	}
	if err := rejectReserved(dstPath); err != nil {
		return err
	}
	return a.meta.Rename(srcPath, dstPath)
}

// Delete removes path. A non-empty directory requires recursive=true,
// which deletes its members depth-first before the directory itself.
func (a *Adapter) Delete(ctx context.Context, p string, recursive bool) error {
	if err := rejectReserved(p); err != nil {
		return err
	}

	if !a.meta.IsDir(p) {
		stripes, err := a.meta.GetStripes(p)
		if err != nil {
			return err
		}
		if err := a.meta.RemoveFile(p); err != nil {
			return err
		}
		return a.mapper.DeleteStripes(ctx, stripes)
	}

	if !recursive {
		return a.meta.RemoveDir(p)
	}

	children, _ := a.meta.ListDir(p)
	for _, c := range children {
		if err := a.Delete(ctx, path.Join(p, c), true); err != nil {
			return err
		}
	}
	if !a.meta.IsDir(p) {
		// An implicit directory disappears with its last member.
		return nil
	}
	return a.meta.RemoveDir(p)
}
