package cloudraidfs

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/DurantVivado/cloudraidfs/xlog"
)

// MetaPath is the reserved path the metadata file lives at. It must
// never appear in host-adapter directory listings and must be
// rejected from any user-facing mutating call.
const MetaPath = "/.__cloudraidfs_meta"

// FileEntry is the persisted shape of one file: its size and the
// ordered list of stripe IDs backing it.
type FileEntry struct {
	Size    uint64
	Stripes []uint64
}

// MetadataStore holds path -> FileEntry, the set of explicit
// directories, and a trie for prefix queries, persisted as a
// well-known stripe chain under MetaPath in the reserved ID range.
type MetadataStore struct {
	mu sync.Mutex

	files map[string]*FileEntry
	dirs  map[string]struct{}
	trie  *pathTrie

	raid      *RaidStore
	metaEntry FileEntry // the metadata file's own entry; never in `files`
}

// NewMetadataStore constructs an empty store bound to raid for its own
// persistence. Call Load before first use.
func NewMetadataStore(raid *RaidStore) *MetadataStore {
	return &MetadataStore{
		files: make(map[string]*FileEntry),
		dirs:  make(map[string]struct{}),
		trie:  newPathTrie(),
		raid:  raid,
	}
}

// Load reads the persisted metadata stripe chain starting at reserved
// stripe 0. If absent, empty, or corrupt, it starts fresh with only
// the metadata file self-registered at stripe 0, per the data model.
func (m *MetadataStore) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf, err := m.raid.ReadStripe(ctx, 0)
	if err != nil {
		m.resetLocked()
		return nil
	}
	if len(buf) < 8 {
		xlog.Errorf("metadata: %v: stripe 0 too short, starting fresh", ErrMetadataCorruption)
		m.resetLocked()
		return nil
	}

	total := binary.LittleEndian.Uint64(buf[:8])
	payload := append([]byte(nil), buf[8:]...)
	stripes := []uint64{0}

	for uint64(len(payload)) < total {
		nextID := uint64(len(stripes))
		chunk, err := m.raid.ReadStripe(ctx, nextID)
		if err != nil {
			xlog.Errorf("metadata: %v: missing continuation stripe %d, starting fresh", ErrMetadataCorruption, nextID)
			m.resetLocked()
			return nil
		}
		payload = append(payload, chunk...)
		stripes = append(stripes, nextID)
	}
	payload = payload[:total]

	files, dirs, err := decodeMetadata(payload)
	if err != nil {
		xlog.Errorf("metadata: %v: %v, starting fresh", ErrMetadataCorruption, err)
		m.resetLocked()
		return nil
	}

	m.files = files
	m.dirs = dirs
	m.metaEntry = FileEntry{Size: uint64(len(payload)), Stripes: stripes}
	m.rebuildTrieLocked()
	return nil
}

func (m *MetadataStore) resetLocked() {
	m.files = make(map[string]*FileEntry)
	m.dirs = make(map[string]struct{})
	m.metaEntry = FileEntry{Stripes: []uint64{0}}
	m.rebuildTrieLocked()
}

func (m *MetadataStore) rebuildTrieLocked() {
	m.trie = newPathTrie()
	for p := range m.files {
		m.trie.Insert(p)
	}
	for p := range m.dirs {
		m.trie.Insert(p)
	}
}

// Save serializes the current state (excluding the metadata file's own
// entry) and writes it across as many reserved stripes as needed,
// recomputing the metadata file's own stripe list to match. Failure is
// logged, never surfaced to the caller that triggered it.
func (m *MetadataStore) Save(ctx context.Context) {
	m.mu.Lock()
	payload := encodeMetadata(m.files, m.dirs)
	m.mu.Unlock()

	framed := make([]byte, 8+len(payload))
	binary.LittleEndian.PutUint64(framed[:8], uint64(len(payload)))
	copy(framed[8:], payload)

	numStripes := ceilDiv(len(framed), int(StripeSize))
	if numStripes == 0 {
		numStripes = 1
	}
	if numStripes > int(Reserved) {
		xlog.Errorf("metadata: serialized metadata needs %d stripes, exceeds reserved range %d", numStripes, Reserved)
		return
	}

	stripes := make([]uint64, 0, numStripes)
	for i := 0; i < numStripes; i++ {
		start := i * int(StripeSize)
		end := start + int(StripeSize)
		if end > len(framed) {
			end = len(framed)
		}
		id := uint64(i)
		if err := m.raid.WriteStripe(ctx, id, framed[start:end]); err != nil {
			xlog.Errorf("metadata: save failed writing stripe %d: %v", id, err)
			return
		}
		stripes = append(stripes, id)
	}

	m.mu.Lock()
	m.metaEntry = FileEntry{Size: uint64(len(payload)), Stripes: stripes}
	m.mu.Unlock()
}

func encodeMetadata(files map[string]*FileEntry, dirs map[string]struct{}) []byte {
	var buf bytes.Buffer

	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var u32 [4]byte
	var u64 [8]byte

	binary.LittleEndian.PutUint32(u32[:], uint32(len(paths)))
	buf.Write(u32[:])
	for _, p := range paths {
		fe := files[p]
		binary.LittleEndian.PutUint32(u32[:], uint32(len(p)))
		buf.Write(u32[:])
		buf.WriteString(p)
		binary.LittleEndian.PutUint64(u64[:], fe.Size)
		buf.Write(u64[:])
		binary.LittleEndian.PutUint32(u32[:], uint32(len(fe.Stripes)))
		buf.Write(u32[:])
		for _, sid := range fe.Stripes {
			binary.LittleEndian.PutUint64(u64[:], sid)
			buf.Write(u64[:])
		}
	}

	dirPaths := make([]string, 0, len(dirs))
	for p := range dirs {
		dirPaths = append(dirPaths, p)
	}
	sort.Strings(dirPaths)

	binary.LittleEndian.PutUint32(u32[:], uint32(len(dirPaths)))
	buf.Write(u32[:])
	for _, p := range dirPaths {
		binary.LittleEndian.PutUint32(u32[:], uint32(len(p)))
		buf.Write(u32[:])
		buf.WriteString(p)
	}

	return buf.Bytes()
}

func decodeMetadata(data []byte) (map[string]*FileEntry, map[string]struct{}, error) {
	r := bytes.NewReader(data)
	readU32 := func() (uint32, error) {
		var b [4]byte
		if _, err := readFull(r, b[:]); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint32(b[:]), nil
	}
	readU64 := func() (uint64, error) {
		var b [8]byte
		if _, err := readFull(r, b[:]); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint64(b[:]), nil
	}
	readPath := func() (string, error) {
		l, err := readU32()
		if err != nil {
			return "", err
		}
		b := make([]byte, l)
		if _, err := readFull(r, b); err != nil {
			return "", err
		}
		return string(b), nil
	}

	fileCount, err := readU32()
	if err != nil {
		return nil, nil, err
	}
	files := make(map[string]*FileEntry, fileCount)
	for i := uint32(0); i < fileCount; i++ {
		p, err := readPath()
		if err != nil {
			return nil, nil, err
		}
		size, err := readU64()
		if err != nil {
			return nil, nil, err
		}
		stripeCount, err := readU32()
		if err != nil {
			return nil, nil, err
		}
		stripes := make([]uint64, stripeCount)
		for j := uint32(0); j < stripeCount; j++ {
			sid, err := readU64()
			if err != nil {
				return nil, nil, err
			}
			stripes[j] = sid
		}
		files[p] = &FileEntry{Size: size, Stripes: stripes}
	}

	dirCount, err := readU32()
	if err != nil {
		return nil, nil, err
	}
	dirs := make(map[string]struct{}, dirCount)
	for i := uint32(0); i < dirCount; i++ {
		p, err := readPath()
		if err != nil {
			return nil, nil, err
		}
		dirs[p] = struct{}{}
	}

	return files, dirs, nil
}

func readFull(r *bytes.Reader, b []byte) (int, error) {
	n, err := r.Read(b)
	if err == nil && n < len(b) {
		err = fmt.Errorf("short read: wanted %d got %d", len(b), n)
	}
	return n, err
}

// HighWaterMark returns the largest stripe ID referenced anywhere in
// the store (including the metadata file's own stripe chain), for
// seeding an AllocatorClock on startup so freshly allocated IDs never
// collide with ones already in use.
func (m *MetadataStore) HighWaterMark() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var max uint64
	for _, fe := range m.files {
		for _, sid := range fe.Stripes {
			if sid > max {
				max = sid
			}
		}
	}
	for _, sid := range m.metaEntry.Stripes {
		if sid > max {
			max = sid
		}
	}
	return max
}

// --- operations -----------------------------------------------------

func normPath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p
}

// Exists reports whether path is a known file or directory (explicit
// or implicit).
func (m *MetadataStore) Exists(p string) bool {
	p = normPath(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.existsLocked(p)
}

func (m *MetadataStore) existsLocked(p string) bool {
	if p == "/" {
		return true
	}
	if _, ok := m.files[p]; ok {
		return true
	}
	if _, ok := m.dirs[p]; ok {
		return true
	}
	return m.trie.HasDescendants(p)
}

// IsDir reports whether path is a directory: explicit, or implicit
// because some file/directory has it as a strict prefix.
func (m *MetadataStore) IsDir(p string) bool {
	p = normPath(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isDirLocked(p)
}

func (m *MetadataStore) isDirLocked(p string) bool {
	if p == "/" {
		return true
	}
	if _, ok := m.files[p]; ok {
		return false
	}
	if _, ok := m.dirs[p]; ok {
		return true
	}
	return m.trie.HasDescendants(p)
}

// IsEmptyDir reports whether path is a directory with no members.
func (m *MetadataStore) IsEmptyDir(p string) bool {
	p = normPath(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isDirLocked(p) {
		return false
	}
	return len(m.trie.ListChildren(p)) == 0
}

// GetSize returns the file's logical size, or ErrNotExist.
func (m *MetadataStore) GetSize(p string) (uint64, error) {
	p = normPath(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	fe, ok := m.files[p]
	if !ok {
		return 0, ErrNotExist
	}
	return fe.Size, nil
}

// SetSize updates a file's logical size in place.
func (m *MetadataStore) SetSize(p string, size uint64) error {
	p = normPath(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	fe, ok := m.files[p]
	if !ok {
		return ErrNotExist
	}
	fe.Size = size
	return nil
}

// GetStripes returns a copy of the file's stripe ID list.
func (m *MetadataStore) GetStripes(p string) ([]uint64, error) {
	p = normPath(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	fe, ok := m.files[p]
	if !ok {
		return nil, ErrNotExist
	}
	out := make([]uint64, len(fe.Stripes))
	copy(out, fe.Stripes)
	return out, nil
}

// replaceStripes overwrites a file's stripe list wholesale, used by
// truncate to drop the stripes beyond the new end of file.
func (m *MetadataStore) replaceStripes(p string, stripes []uint64) error {
	p = normPath(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	fe, ok := m.files[p]
	if !ok {
		return ErrNotExist
	}
	fe.Stripes = stripes
	return nil
}

// AddStripe appends stripeID to the file's stripe list.
func (m *MetadataStore) AddStripe(p string, stripeID uint64) error {
	p = normPath(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	fe, ok := m.files[p]
	if !ok {
		return ErrNotExist
	}
	fe.Stripes = append(fe.Stripes, stripeID)
	return nil
}

// CreateFile registers a new, empty file entry at p. Fails if p
// already exists as a file or directory, or if its parent is not a
// directory.
func (m *MetadataStore) CreateFile(p string) error {
	p = normPath(p)
	if p == MetaPath {
		return fmt.Errorf("metadata: %s is reserved", MetaPath)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.existsLocked(p) {
		return ErrExist
	}
	parent := path.Dir(p)
	if parent != "/" && !m.isDirLocked(parent) {
		return ErrNotDir
	}
	m.files[p] = &FileEntry{}
	m.trie.Insert(p)
	return nil
}

// RemoveFile deletes a file entry. This only removes the metadata
// record; what happens to its physical stripes is up to the caller
// (fsadapter.Delete frees them through FileMapper.DeleteStripes).
func (m *MetadataStore) RemoveFile(p string) error {
	p = normPath(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[p]; !ok {
		return ErrNotExist
	}
	delete(m.files, p)
	m.trie.Remove(p)
	return nil
}

// CreateDir registers an explicit directory entry.
func (m *MetadataStore) CreateDir(p string) error {
	p = normPath(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.existsLocked(p) {
		return ErrExist
	}
	parent := path.Dir(p)
	if parent != "/" && !m.isDirLocked(parent) {
		return ErrNotDir
	}
	m.dirs[p] = struct{}{}
	m.trie.Insert(p)
	return nil
}

// RemoveDir removes an explicit directory entry. Fails if the
// directory (explicit or implicit) still has members.
func (m *MetadataStore) RemoveDir(p string) error {
	p = normPath(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isDirLocked(p) {
		return ErrNotDir
	}
	if len(m.trie.ListChildren(p)) > 0 {
		return ErrNotEmpty
	}
	delete(m.dirs, p)
	m.trie.Remove(p)
	return nil
}

// ListDir returns the immediate child names of a directory, with the
// reserved metadata path always excluded.
func (m *MetadataStore) ListDir(p string) ([]string, error) {
	p = normPath(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isDirLocked(p) {
		return nil, ErrNotDir
	}
	children := m.trie.ListChildren(p)
	out := make([]string, 0, len(children))
	for _, c := range children {
		if p == "/" && "/"+c == MetaPath {
			continue
		}
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

// Rename moves old to new. old may be a file or a directory (explicit
// or implicit), in which case every path with old as a strict prefix
// is rewritten.
func (m *MetadataStore) Rename(oldPath, newPath string) error {
	oldPath = normPath(oldPath)
	newPath = normPath(newPath)
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.existsLocked(newPath) {
		return ErrExist
	}
	parent := path.Dir(newPath)
	if parent != "/" && !m.isDirLocked(parent) {
		return ErrNotDir
	}

	if fe, ok := m.files[oldPath]; ok {
		delete(m.files, oldPath)
		m.files[newPath] = fe
		m.trie.Remove(oldPath)
		m.trie.Insert(newPath)
		return nil
	}

	if !m.isDirLocked(oldPath) {
		return ErrNotExist
	}

	prefix := oldPath + "/"
	renamed := false

	for p, fe := range m.files {
		if strings.HasPrefix(p, prefix) {
			np := newPath + "/" + strings.TrimPrefix(p, prefix)
			delete(m.files, p)
			m.files[np] = fe
			renamed = true
		}
	}
	for p := range m.dirs {
		if strings.HasPrefix(p, prefix) || p == oldPath {
			np := newPath + strings.TrimPrefix(p, oldPath)
			delete(m.dirs, p)
			m.dirs[np] = struct{}{}
			renamed = true
		}
	}
	if _, ok := m.dirs[oldPath]; !ok && !renamed {
		m.dirs[newPath] = struct{}{}
	}
	m.rebuildTrieLocked()
	return nil
}
