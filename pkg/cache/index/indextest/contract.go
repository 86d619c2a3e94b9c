package indextest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/btree"

	"github.com/valandreev/sitecache/pkg/cache/index"
)

type CacheIndexFactory func(tb testing.TB) index.CacheIndex

type contractTestCase struct {
	name   string
	testFn func(t *testing.T, idx index.CacheIndex)
}

// RunCacheIndexContract exercises the CacheIndex interface against a supplied factory.
func RunCacheIndexContract(t *testing.T, factory CacheIndexFactory) {
	t.Helper()

	cases := []contractTestCase{
		{
			name: "put and get round trip",
			testFn: func(t *testing.T, idx index.CacheIndex) {
				t.Helper()

				ctx := context.Background()
				meta := SampleEntry("site-v1-static", "/css/app.css", 4096)
				if _, err := idx.Put(ctx, meta, 0); err != nil {
					t.Fatalf("Put returned error: %v", err)
				}

				fetched, err := idx.Get(ctx, meta.Partition, meta.Key)
				if err != nil {
					t.Fatalf("Get returned error: %v", err)
				}
				assertEntriesEqual(t, meta, fetched)
				if fetched.Seq == 0 {
					t.Fatalf("expected insertion sequence to be assigned")
				}
				if fetched.StoredAt.IsZero() {
					t.Fatalf("expected StoredAt to be set")
				}
			},
		},
		{
			name: "get missing returns ErrNotFound",
			testFn: func(t *testing.T, idx index.CacheIndex) {
				t.Helper()

				ctx := context.Background()
				if _, err := idx.Get(ctx, "nope", "GET /missing"); !errors.Is(err, index.ErrNotFound) {
					t.Fatalf("expected ErrNotFound for missing partition, got %v", err)
				}
				if err := idx.EnsurePartition(ctx, "site-v1-static"); err != nil {
					t.Fatalf("EnsurePartition failed: %v", err)
				}
				if _, err := idx.Get(ctx, "site-v1-static", "GET /missing"); !errors.Is(err, index.ErrNotFound) {
					t.Fatalf("expected ErrNotFound for missing key, got %v", err)
				}
			},
		},
		{
			name: "put replaces existing key and moves it to newest",
			testFn: func(t *testing.T, idx index.CacheIndex) {
				t.Helper()

				ctx := context.Background()
				const part = "site-v1-dynamic"
				first := SampleEntry(part, "/a", 10)
				second := SampleEntry(part, "/b", 20)
				updated := SampleEntry(part, "/a", 30)
				updated.BlobID = "blob-a2"

				for _, meta := range []index.EntryMeta{first, second} {
					if _, err := idx.Put(ctx, meta, 0); err != nil {
						t.Fatalf("Put failed: %v", err)
					}
				}
				dropped, err := idx.Put(ctx, updated, 0)
				if err != nil {
					t.Fatalf("Put updated failed: %v", err)
				}
				if len(dropped) != 1 || dropped[0].BlobID != first.BlobID {
					t.Fatalf("expected replaced entry returned, got %+v", dropped)
				}

				fetched, err := idx.Get(ctx, part, updated.Key)
				if err != nil {
					t.Fatalf("Get returned error: %v", err)
				}
				assertEntriesEqual(t, updated, fetched)

				ordered, err := idx.ListFIFO(ctx, part, 0)
				if err != nil {
					t.Fatalf("ListFIFO failed: %v", err)
				}
				if keys := entryKeys(ordered); fmt.Sprint(keys) != "[GET /b GET /a]" {
					t.Fatalf("expected replaced key to move to newest, got %v", keys)
				}
			},
		},
		{
			name: "put evicts oldest entries beyond max",
			testFn: func(t *testing.T, idx index.CacheIndex) {
				t.Helper()

				ctx := context.Background()
				const part = "site-v1-static"
				for _, p := range []string{"/1", "/2", "/3"} {
					dropped, err := idx.Put(ctx, SampleEntry(part, p, 1), 3)
					if err != nil {
						t.Fatalf("Put %s failed: %v", p, err)
					}
					if len(dropped) != 0 {
						t.Fatalf("unexpected eviction below limit: %+v", dropped)
					}
				}

				dropped, err := idx.Put(ctx, SampleEntry(part, "/4", 1), 3)
				if err != nil {
					t.Fatalf("Put /4 failed: %v", err)
				}
				if len(dropped) != 1 || dropped[0].Key != "GET /1" {
					t.Fatalf("expected exactly GET /1 evicted, got %+v", dropped)
				}
				if _, err := idx.Get(ctx, part, "GET /1"); !errors.Is(err, index.ErrNotFound) {
					t.Fatalf("expected evicted entry gone, got %v", err)
				}
				ordered, err := idx.ListFIFO(ctx, part, 0)
				if err != nil {
					t.Fatalf("ListFIFO failed: %v", err)
				}
				if keys := entryKeys(ordered); fmt.Sprint(keys) != "[GET /2 GET /3 GET /4]" {
					t.Fatalf("unexpected order after eviction: %v", keys)
				}
			},
		},
		{
			name: "delete removes entry",
			testFn: func(t *testing.T, idx index.CacheIndex) {
				t.Helper()

				ctx := context.Background()
				meta := SampleEntry("site-v1-static", "/gone", 5)
				if _, err := idx.Put(ctx, meta, 0); err != nil {
					t.Fatalf("Put failed: %v", err)
				}

				removed, err := idx.Delete(ctx, meta.Partition, meta.Key)
				if err != nil {
					t.Fatalf("Delete returned error: %v", err)
				}
				if removed.BlobID != meta.BlobID {
					t.Fatalf("expected removed blob %s, got %s", meta.BlobID, removed.BlobID)
				}
				if _, err := idx.Delete(ctx, meta.Partition, meta.Key); !errors.Is(err, index.ErrNotFound) {
					t.Fatalf("expected ErrNotFound on second delete, got %v", err)
				}
				ordered, err := idx.ListFIFO(ctx, meta.Partition, 0)
				if err != nil {
					t.Fatalf("ListFIFO failed: %v", err)
				}
				if len(ordered) != 0 {
					t.Fatalf("expected empty partition, got %v", entryKeys(ordered))
				}
			},
		},
		{
			name: "partitions report counts and delete partition",
			testFn: func(t *testing.T, idx index.CacheIndex) {
				t.Helper()

				ctx := context.Background()
				if err := idx.EnsurePartition(ctx, "site-v2-offline"); err != nil {
					t.Fatalf("EnsurePartition failed: %v", err)
				}
				for _, meta := range []index.EntryMeta{
					SampleEntry("site-v1-static", "/a", 100),
					SampleEntry("site-v1-static", "/b", 50),
					SampleEntry("site-v2-static", "/a", 7),
				} {
					if _, err := idx.Put(ctx, meta, 0); err != nil {
						t.Fatalf("Put failed: %v", err)
					}
				}

				infos, err := idx.Partitions(ctx)
				if err != nil {
					t.Fatalf("Partitions failed: %v", err)
				}
				want := []index.PartitionInfo{
					{Name: "site-v1-static", Count: 2, Bytes: 150},
					{Name: "site-v2-offline", Count: 0, Bytes: 0},
					{Name: "site-v2-static", Count: 1, Bytes: 7},
				}
				if fmt.Sprint(infos) != fmt.Sprint(want) {
					t.Fatalf("expected %v, got %v", want, infos)
				}

				removed, err := idx.DeletePartition(ctx, "site-v1-static")
				if err != nil {
					t.Fatalf("DeletePartition failed: %v", err)
				}
				if len(removed) != 2 {
					t.Fatalf("expected 2 removed entries, got %d", len(removed))
				}
				if _, err := idx.DeletePartition(ctx, "site-v1-static"); !errors.Is(err, index.ErrNotFound) {
					t.Fatalf("expected ErrNotFound deleting missing partition, got %v", err)
				}
				if _, err := idx.ListFIFO(ctx, "site-v1-static", 0); !errors.Is(err, index.ErrNotFound) {
					t.Fatalf("expected ErrNotFound listing deleted partition, got %v", err)
				}
				infos, err = idx.Partitions(ctx)
				if err != nil {
					t.Fatalf("Partitions failed: %v", err)
				}
				if len(infos) != 2 {
					t.Fatalf("expected 2 partitions after delete, got %v", infos)
				}
			},
		},
		{
			name: "list FIFO honors limit",
			testFn: func(t *testing.T, idx index.CacheIndex) {
				t.Helper()

				ctx := context.Background()
				for _, p := range []string{"/x", "/y", "/z"} {
					if _, err := idx.Put(ctx, SampleEntry("p", p, 1), 0); err != nil {
						t.Fatalf("Put failed: %v", err)
					}
				}
				ordered, err := idx.ListFIFO(ctx, "p", 2)
				if err != nil {
					t.Fatalf("ListFIFO failed: %v", err)
				}
				if keys := entryKeys(ordered); fmt.Sprint(keys) != "[GET /x GET /y]" {
					t.Fatalf("unexpected keys %v", keys)
				}
			},
		},
		{
			name: "tasks lifecycle",
			testFn: func(t *testing.T, idx index.CacheIndex) {
				t.Helper()

				ctx := context.Background()
				first, err := idx.AddTask(ctx, index.TaskRecord{Tag: "contact-form", Payload: []byte(`{"n":1}`)})
				if err != nil {
					t.Fatalf("AddTask failed: %v", err)
				}
				if first.ID == "" {
					t.Fatalf("expected AddTask to assign ID")
				}
				if first.Status != index.TaskStatusQueued {
					t.Fatalf("expected default status queued, got %s", first.Status)
				}
				if first.CreatedAt.IsZero() || first.UpdatedAt.IsZero() {
					t.Fatalf("expected timestamps set on AddTask")
				}
				if _, err := idx.AddTask(ctx, index.TaskRecord{Tag: "analytics"}); err != nil {
					t.Fatalf("AddTask failed: %v", err)
				}
				second, err := idx.AddTask(ctx, index.TaskRecord{ID: "custom-id", Tag: "contact-form"})
				if err != nil {
					t.Fatalf("AddTask failed: %v", err)
				}

				forms, err := idx.ListTasks(ctx, "contact-form")
				if err != nil {
					t.Fatalf("ListTasks failed: %v", err)
				}
				if len(forms) != 2 || forms[0].ID != first.ID || forms[1].ID != second.ID {
					t.Fatalf("expected insertion order [%s %s], got %+v", first.ID, second.ID, forms)
				}
				if string(forms[0].Payload) != `{"n":1}` {
					t.Fatalf("payload not preserved: %q", forms[0].Payload)
				}
				all, err := idx.ListTasks(ctx, "")
				if err != nil {
					t.Fatalf("ListTasks failed: %v", err)
				}
				if len(all) != 3 {
					t.Fatalf("expected 3 tasks, got %d", len(all))
				}

				syncing, err := idx.UpdateTaskStatus(ctx, first.ID, index.TaskStatusSyncing, "")
				if err != nil {
					t.Fatalf("UpdateTaskStatus failed: %v", err)
				}
				if syncing.Attempts != 1 {
					t.Fatalf("expected attempts 1, got %d", syncing.Attempts)
				}
				requeued, err := idx.UpdateTaskStatus(ctx, first.ID, index.TaskStatusQueued, "offline")
				if err != nil {
					t.Fatalf("UpdateTaskStatus failed: %v", err)
				}
				if requeued.Attempts != 1 || requeued.LastError != "offline" {
					t.Fatalf("unexpected requeued record %+v", requeued)
				}
				if !requeued.UpdatedAt.After(first.UpdatedAt) {
					t.Fatalf("expected UpdatedAt to advance")
				}
				if !requeued.CreatedAt.Equal(first.CreatedAt) {
					t.Fatalf("expected CreatedAt stable")
				}

				if err := idx.DeleteTask(ctx, first.ID); err != nil {
					t.Fatalf("DeleteTask failed: %v", err)
				}
				if err := idx.DeleteTask(ctx, first.ID); err != nil {
					t.Fatalf("DeleteTask should be idempotent, got %v", err)
				}
				if _, err := idx.UpdateTaskStatus(ctx, first.ID, index.TaskStatusQueued, ""); !errors.Is(err, index.ErrNotFound) {
					t.Fatalf("expected ErrNotFound on deleted task, got %v", err)
				}

				third, err := idx.AddTask(ctx, index.TaskRecord{Tag: "contact-form"})
				if err != nil {
					t.Fatalf("AddTask failed: %v", err)
				}
				forms, err = idx.ListTasks(ctx, "contact-form")
				if err != nil {
					t.Fatalf("ListTasks failed: %v", err)
				}
				if len(forms) != 2 || forms[1].ID != third.ID {
					t.Fatalf("expected new task last, got %+v", forms)
				}
			},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			idx := factory(t)
			defer func() {
				if closer, ok := idx.(interface{ Close() error }); ok {
					_ = closer.Close()
				}
			}()
			tc.testFn(t, idx)
		})
	}
}

// MemoryIndexFactory returns a factory producing the in-memory reference implementation.
func MemoryIndexFactory() CacheIndexFactory {
	return func(tb testing.TB) index.CacheIndex {
		tb.Helper()

		idx := NewMemoryIndex()
		tb.Cleanup(func() {
			_ = idx.Close()
		})
		return idx
	}
}

// SampleEntry builds a GET entry for path in partition with a derived blob id.
func SampleEntry(partition, path string, size int64) index.EntryMeta {
	return index.EntryMeta{
		Partition: partition,
		Key:       "GET " + path,
		Method:    http.MethodGet,
		URL:       "https://example.com" + path,
		Status:    http.StatusOK,
		Header:    http.Header{"Content-Type": []string{"text/plain"}},
		Size:      size,
		BlobID:    "blob-" + partition + path,
	}
}

func entryKeys(metas []index.EntryMeta) []string {
	keys := make([]string, 0, len(metas))
	for _, m := range metas {
		keys = append(keys, m.Key)
	}
	return keys
}

func assertEntriesEqual(t *testing.T, expected, actual index.EntryMeta) {
	t.Helper()

	if expected.Partition != actual.Partition {
		t.Fatalf("partition mismatch: expected %s got %s", expected.Partition, actual.Partition)
	}
	if expected.Key != actual.Key {
		t.Fatalf("key mismatch: expected %s got %s", expected.Key, actual.Key)
	}
	if expected.URL != actual.URL {
		t.Fatalf("url mismatch: expected %s got %s", expected.URL, actual.URL)
	}
	if expected.Status != actual.Status {
		t.Fatalf("status mismatch: expected %d got %d", expected.Status, actual.Status)
	}
	if expected.Size != actual.Size {
		t.Fatalf("size mismatch: expected %d got %d", expected.Size, actual.Size)
	}
	if expected.BlobID != actual.BlobID {
		t.Fatalf("blob mismatch: expected %s got %s", expected.BlobID, actual.BlobID)
	}
	if expected.Header.Get("Content-Type") != actual.Header.Get("Content-Type") {
		t.Fatalf("header mismatch: expected %v got %v", expected.Header, actual.Header)
	}
}

type memPartition struct {
	entries map[string]index.EntryMeta
	order   btree.Map[uint64, string]
	seq     uint64
}

// MemoryIndex is an in-memory index.CacheIndex used as the reference
// implementation in tests.
type MemoryIndex struct {
	mu         sync.Mutex
	partitions map[string]*memPartition
	tasks      btree.Map[uint64, index.TaskRecord]
	taskIDs    map[string]uint64
	taskSeq    uint64
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		partitions: make(map[string]*memPartition),
		taskIDs:    make(map[string]uint64),
	}
}

func (m *MemoryIndex) Close() error {
	return nil
}

func (m *MemoryIndex) partition(name string) *memPartition {
	p, ok := m.partitions[name]
	if !ok {
		p = &memPartition{entries: make(map[string]index.EntryMeta)}
		m.partitions[name] = p
	}
	return p
}

func (m *MemoryIndex) EnsurePartition(ctx context.Context, name string) error {
	if name == "" {
		return errors.New("partition name must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.partition(name)
	return nil
}

func (m *MemoryIndex) Partitions(ctx context.Context) ([]index.PartitionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]index.PartitionInfo, 0, len(m.partitions))
	for name, p := range m.partitions {
		info := index.PartitionInfo{Name: name, Count: len(p.entries)}
		for _, e := range p.entries {
			info.Bytes += e.Size
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func (m *MemoryIndex) DeletePartition(ctx context.Context, name string) ([]index.EntryMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.partitions[name]
	if !ok {
		return nil, index.ErrNotFound
	}
	removed := make([]index.EntryMeta, 0, len(p.entries))
	for _, e := range p.entries {
		removed = append(removed, cloneEntry(e))
	}
	delete(m.partitions, name)
	return removed, nil
}

func (m *MemoryIndex) Put(ctx context.Context, meta index.EntryMeta, maxEntries int) ([]index.EntryMeta, error) {
	if meta.Partition == "" || meta.Key == "" {
		return nil, errors.New("partition and key must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.partition(meta.Partition)
	var dropped []index.EntryMeta
	if prev, ok := p.entries[meta.Key]; ok {
		p.order.Delete(prev.Seq)
		dropped = append(dropped, prev)
	}
	p.seq++
	stored := cloneEntry(meta)
	stored.Seq = p.seq
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now().UTC()
	}
	p.entries[meta.Key] = stored
	p.order.Set(stored.Seq, stored.Key)

	for maxEntries > 0 && len(p.entries) > maxEntries {
		_, key, ok := p.order.PopMin()
		if !ok {
			break
		}
		dropped = append(dropped, p.entries[key])
		delete(p.entries, key)
	}
	return dropped, nil
}

func (m *MemoryIndex) Get(ctx context.Context, partition, key string) (index.EntryMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.partitions[partition]
	if !ok {
		return index.EntryMeta{}, index.ErrNotFound
	}
	meta, ok := p.entries[key]
	if !ok {
		return index.EntryMeta{}, index.ErrNotFound
	}
	return cloneEntry(meta), nil
}

func (m *MemoryIndex) Delete(ctx context.Context, partition, key string) (index.EntryMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.partitions[partition]
	if !ok {
		return index.EntryMeta{}, index.ErrNotFound
	}
	meta, ok := p.entries[key]
	if !ok {
		return index.EntryMeta{}, index.ErrNotFound
	}
	p.order.Delete(meta.Seq)
	delete(p.entries, key)
	return meta, nil
}

func (m *MemoryIndex) ListFIFO(ctx context.Context, partition string, limit int) ([]index.EntryMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.partitions[partition]
	if !ok {
		return nil, index.ErrNotFound
	}
	items := make([]index.EntryMeta, 0, len(p.entries))
	p.order.Scan(func(_ uint64, key string) bool {
		items = append(items, cloneEntry(p.entries[key]))
		return limit <= 0 || len(items) < limit
	})
	return items, nil
}

func (m *MemoryIndex) AddTask(ctx context.Context, entry index.TaskRecord) (index.TaskRecord, error) {
	if entry.Tag == "" {
		return index.TaskRecord{}, errors.New("task tag must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.taskSeq++
	if entry.ID == "" {
		entry.ID = fmt.Sprintf("mem-%020d", m.taskSeq)
	}
	if _, exists := m.taskIDs[entry.ID]; exists {
		return index.TaskRecord{}, fmt.Errorf("task %s already exists", entry.ID)
	}
	if entry.Status == "" {
		entry.Status = index.TaskStatusQueued
	}
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	m.tasks.Set(m.taskSeq, cloneTask(entry))
	m.taskIDs[entry.ID] = m.taskSeq
	return cloneTask(entry), nil
}

func (m *MemoryIndex) ListTasks(ctx context.Context, tag string) ([]index.TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	items := make([]index.TaskRecord, 0, m.tasks.Len())
	m.tasks.Scan(func(_ uint64, rec index.TaskRecord) bool {
		if tag == "" || rec.Tag == tag {
			items = append(items, cloneTask(rec))
		}
		return true
	})
	return items, nil
}

func (m *MemoryIndex) UpdateTaskStatus(ctx context.Context, id string, status index.TaskStatus, lastError string) (index.TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seq, ok := m.taskIDs[id]
	if !ok {
		return index.TaskRecord{}, index.ErrNotFound
	}
	entry, _ := m.tasks.Get(seq)
	if status == index.TaskStatusSyncing {
		entry.Attempts++
	}
	entry.Status = status
	entry.LastError = lastError
	now := time.Now().UTC()
	if !now.After(entry.UpdatedAt) {
		now = entry.UpdatedAt.Add(time.Nanosecond)
	}
	entry.UpdatedAt = now
	m.tasks.Set(seq, entry)
	return cloneTask(entry), nil
}

func (m *MemoryIndex) DeleteTask(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	seq, ok := m.taskIDs[id]
	if !ok {
		return nil
	}
	m.tasks.Delete(seq)
	delete(m.taskIDs, id)
	return nil
}

func cloneEntry(meta index.EntryMeta) index.EntryMeta {
	clone := meta
	if meta.Header != nil {
		clone.Header = meta.Header.Clone()
	}
	return clone
}

func cloneTask(entry index.TaskRecord) index.TaskRecord {
	clone := entry
	if entry.Payload != nil {
		clone.Payload = append([]byte(nil), entry.Payload...)
	}
	return clone
}
