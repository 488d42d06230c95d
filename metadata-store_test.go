package cloudraidfs

import (
	"context"
	"errors"
	"testing"
)

func TestMetadataStoreLoadBootstrapsEmpty(t *testing.T) {
	raid, _ := newTestRaidStore(t, 2, 1)
	m := NewMetadataStore(raid)
	if err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !m.Exists("/") {
		t.Fatalf("root must always exist")
	}
	if m.HighWaterMark() != 0 {
		t.Fatalf("expected high water mark 0 on a fresh store, got %d", m.HighWaterMark())
	}
}

func TestMetadataStoreSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	raid, _ := newTestRaidStore(t, 2, 1)

	m := NewMetadataStore(raid)
	if err := m.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := m.CreateDir("/docs"); err != nil {
		t.Fatalf("CreateDir: %v", err)
	}
	if err := m.CreateFile("/docs/readme.txt"); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if err := m.SetSize("/docs/readme.txt", 42); err != nil {
		t.Fatalf("SetSize: %v", err)
	}
	if err := m.AddStripe("/docs/readme.txt", 55); err != nil {
		t.Fatalf("AddStripe: %v", err)
	}
	m.Save(ctx)

	reloaded := NewMetadataStore(raid)
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("Load (reload): %v", err)
	}
	if !reloaded.IsDir("/docs") {
		t.Fatalf("expected /docs to survive reload as a directory")
	}
	size, err := reloaded.GetSize("/docs/readme.txt")
	if err != nil {
		t.Fatalf("GetSize: %v", err)
	}
	if size != 42 {
		t.Fatalf("expected size 42 after reload, got %d", size)
	}
	stripes, err := reloaded.GetStripes("/docs/readme.txt")
	if err != nil {
		t.Fatalf("GetStripes: %v", err)
	}
	if len(stripes) != 1 || stripes[0] != 55 {
		t.Fatalf("expected stripe [55] after reload, got %v", stripes)
	}
	if reloaded.HighWaterMark() < 55 {
		t.Fatalf("expected high water mark to account for stripe 55, got %d", reloaded.HighWaterMark())
	}
}

func TestMetadataStoreLoadRecoversFromCorruption(t *testing.T) {
	ctx := context.Background()
	raid, _ := newTestRaidStore(t, 2, 1)

	// Write garbage too short to contain even the length prefix.
	if err := raid.WriteStripe(ctx, 0, []byte{1, 2, 3}); err != nil {
		t.Fatalf("WriteStripe: %v", err)
	}

	m := NewMetadataStore(raid)
	if err := m.Load(ctx); err != nil {
		t.Fatalf("Load should never surface corruption to the caller: %v", err)
	}
	if !m.Exists("/") {
		t.Fatalf("expected store to have reset to a usable empty state")
	}
}

func TestMetadataStoreCreateFileRejectsReservedPath(t *testing.T) {
	raid, _ := newTestRaidStore(t, 2, 1)
	m := NewMetadataStore(raid)
	_ = m.Load(context.Background())

	if err := m.CreateFile(MetaPath); err == nil {
		t.Fatalf("expected CreateFile to reject the reserved metadata path")
	}
}

func TestMetadataStoreCreateFileRequiresDirParent(t *testing.T) {
	raid, _ := newTestRaidStore(t, 2, 1)
	m := NewMetadataStore(raid)
	_ = m.Load(context.Background())

	if err := m.CreateFile("/missing/file.txt"); !errors.Is(err, ErrNotDir) {
		t.Fatalf("expected ErrNotDir, got %v", err)
	}
}

func TestMetadataStoreCreateFileRejectsDuplicate(t *testing.T) {
	raid, _ := newTestRaidStore(t, 2, 1)
	m := NewMetadataStore(raid)
	_ = m.Load(context.Background())

	if err := m.CreateFile("/a.txt"); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if err := m.CreateFile("/a.txt"); !errors.Is(err, ErrExist) {
		t.Fatalf("expected ErrExist, got %v", err)
	}
}

func TestMetadataStoreRemoveDirRequiresEmpty(t *testing.T) {
	raid, _ := newTestRaidStore(t, 2, 1)
	m := NewMetadataStore(raid)
	_ = m.Load(context.Background())

	if err := m.CreateDir("/dir"); err != nil {
		t.Fatalf("CreateDir: %v", err)
	}
	if err := m.CreateFile("/dir/f.txt"); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if err := m.RemoveDir("/dir"); !errors.Is(err, ErrNotEmpty) {
		t.Fatalf("expected ErrNotEmpty, got %v", err)
	}
	if err := m.RemoveFile("/dir/f.txt"); err != nil {
		t.Fatalf("RemoveFile: %v", err)
	}
	if err := m.RemoveDir("/dir"); err != nil {
		t.Fatalf("RemoveDir after emptying: %v", err)
	}
}

func TestMetadataStoreListDirExcludesReservedPath(t *testing.T) {
	raid, _ := newTestRaidStore(t, 2, 1)
	m := NewMetadataStore(raid)
	_ = m.Load(context.Background())

	if err := m.CreateFile("/one.txt"); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if err := m.CreateFile("/two.txt"); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	entries, err := m.ListDir("/")
	if err != nil {
		t.Fatalf("ListDir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries (metadata path excluded), got %v", entries)
	}
	for _, e := range entries {
		if "/"+e == MetaPath {
			t.Fatalf("reserved metadata path leaked into listing: %v", entries)
		}
	}
}

func TestMetadataStoreRenameFile(t *testing.T) {
	raid, _ := newTestRaidStore(t, 2, 1)
	m := NewMetadataStore(raid)
	_ = m.Load(context.Background())

	if err := m.CreateFile("/src.txt"); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if err := m.Rename("/src.txt", "/dst.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if m.Exists("/src.txt") {
		t.Fatalf("expected /src.txt gone after rename")
	}
	if !m.Exists("/dst.txt") {
		t.Fatalf("expected /dst.txt to exist after rename")
	}
}

func TestMetadataStoreRenameDirSubtree(t *testing.T) {
	raid, _ := newTestRaidStore(t, 2, 1)
	m := NewMetadataStore(raid)
	_ = m.Load(context.Background())

	if err := m.CreateDir("/old"); err != nil {
		t.Fatalf("CreateDir: %v", err)
	}
	if err := m.CreateFile("/old/a.txt"); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if err := m.Rename("/old", "/new"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if m.Exists("/old") || m.Exists("/old/a.txt") {
		t.Fatalf("expected /old subtree gone after rename")
	}
	if !m.IsDir("/new") {
		t.Fatalf("expected /new to be a directory")
	}
	if !m.Exists("/new/a.txt") {
		t.Fatalf("expected /new/a.txt to exist after subtree rename")
	}
}
