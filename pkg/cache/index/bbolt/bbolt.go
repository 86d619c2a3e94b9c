package bbolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/valandreev/sitecache/pkg/cache/index"
)

const (
	currentSchemaVersion = 1
	bucketStats          = "stats"
	bucketPartitions     = "partitions"
	bucketTasks          = "tasks"
	bucketTaskIDs        = "task_ids"

	bucketEntries = "entries"
	bucketOrder   = "order"

	keySchemaVersion = "schema_version"
)

var (
	errUnknownSchema = errors.New("cache index: unknown schema version")
)

// Options configures Open behaviour.
type Options struct {
	// Timeout controls bbolt file open timeout. If zero, a sensible default is used.
	Timeout time.Duration
	// NoSync skips fsync after each commit. Only meant for tests.
	NoSync bool
}

// Index implements index.CacheIndex backed by bbolt.
//
// Layout:
//
//	partitions/<name>/entries  key -> EntryMeta (json)
//	partitions/<name>/order    seq (big endian) -> key
//	tasks                      seq (big endian) -> TaskRecord (json)
//	task_ids                   id -> seq
//	stats                      schema_version
type Index struct {
	db *bolt.DB
}

// Open creates (or reopens) a bbolt-backed cache index at path.
func Open(path string, opts Options) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 100 * time.Millisecond
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout, NoSync: opts.NoSync})
	if err != nil {
		return nil, fmt.Errorf("open bbolt: %w", err)
	}

	idx := &Index{db: db}
	if err := idx.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return idx, nil
}

// Close releases the underlying database handle.
func (i *Index) Close() error {
	if i.db == nil {
		return nil
	}
	return i.db.Close()
}

func (i *Index) EnsurePartition(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if name == "" {
		return errors.New("cache index: partition name must not be empty")
	}
	return i.db.Update(func(tx *bolt.Tx) error {
		_, err := ensurePartition(tx, name)
		return err
	})
}

func (i *Index) Partitions(ctx context.Context) ([]index.PartitionInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	infos := make([]index.PartitionInfo, 0)
	err := i.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(bucketPartitions))
		if root == nil {
			return fmt.Errorf("missing bucket %s", bucketPartitions)
		}
		return root.ForEachBucket(func(name []byte) error {
			entries := root.Bucket(name).Bucket([]byte(bucketEntries))
			info := index.PartitionInfo{Name: string(name)}
			if entries != nil {
				if err := entries.ForEach(func(_, v []byte) error {
					meta, err := decodeEntry(v)
					if err != nil {
						return err
					}
					info.Count++
					info.Bytes += meta.Size
					return nil
				}); err != nil {
					return err
				}
			}
			infos = append(infos, info)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return infos, nil
}

func (i *Index) DeletePartition(ctx context.Context, name string) ([]index.EntryMeta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var removed []index.EntryMeta
	err := i.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(bucketPartitions))
		if root == nil {
			return fmt.Errorf("missing bucket %s", bucketPartitions)
		}
		part := root.Bucket([]byte(name))
		if part == nil {
			return index.ErrNotFound
		}
		if entries := part.Bucket([]byte(bucketEntries)); entries != nil {
			if err := entries.ForEach(func(_, v []byte) error {
				meta, err := decodeEntry(v)
				if err != nil {
					return err
				}
				removed = append(removed, meta)
				return nil
			}); err != nil {
				return err
			}
		}
		return root.DeleteBucket([]byte(name))
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func (i *Index) Put(ctx context.Context, meta index.EntryMeta, maxEntries int) ([]index.EntryMeta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if meta.Partition == "" || meta.Key == "" {
		return nil, errors.New("cache index: partition and key must not be empty")
	}

	var dropped []index.EntryMeta
	err := i.db.Update(func(tx *bolt.Tx) error {
		part, err := ensurePartition(tx, meta.Partition)
		if err != nil {
			return err
		}
		entries := part.Bucket([]byte(bucketEntries))
		order := part.Bucket([]byte(bucketOrder))

		key := []byte(meta.Key)
		if raw := entries.Get(key); raw != nil {
			previous, err := decodeEntry(raw)
			if err != nil {
				return err
			}
			if err := order.Delete(seqKey(previous.Seq)); err != nil {
				return err
			}
			dropped = append(dropped, previous)
		}

		seq, err := part.NextSequence()
		if err != nil {
			return err
		}
		stored := normalizeEntry(meta)
		stored.Seq = seq
		data, err := encodeEntry(stored)
		if err != nil {
			return err
		}
		if err := entries.Put(key, data); err != nil {
			return err
		}
		if err := order.Put(seqKey(seq), key); err != nil {
			return err
		}

		if maxEntries <= 0 {
			return nil
		}
		count := 0
		if err := order.ForEach(func(_, _ []byte) error {
			count++
			return nil
		}); err != nil {
			return err
		}
		excess := count - maxEntries
		if excess <= 0 {
			return nil
		}
		victims := make([][2][]byte, 0, excess)
		c := order.Cursor()
		for k, v := c.First(); k != nil && len(victims) < excess; k, v = c.Next() {
			victims = append(victims, [2][]byte{append([]byte(nil), k...), append([]byte(nil), v...)})
		}
		for _, victim := range victims {
			if raw := entries.Get(victim[1]); raw != nil {
				evicted, err := decodeEntry(raw)
				if err != nil {
					return err
				}
				dropped = append(dropped, evicted)
				if err := entries.Delete(victim[1]); err != nil {
					return err
				}
			}
			if err := order.Delete(victim[0]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dropped, nil
}

func (i *Index) Get(ctx context.Context, partition, key string) (index.EntryMeta, error) {
	if err := ctx.Err(); err != nil {
		return index.EntryMeta{}, err
	}
	var result index.EntryMeta
	err := i.db.View(func(tx *bolt.Tx) error {
		entries := entriesBucket(tx, partition)
		if entries == nil {
			return index.ErrNotFound
		}
		raw := entries.Get([]byte(key))
		if raw == nil {
			return index.ErrNotFound
		}
		meta, err := decodeEntry(raw)
		if err != nil {
			return err
		}
		result = meta
		return nil
	})
	return result, err
}

func (i *Index) Delete(ctx context.Context, partition, key string) (index.EntryMeta, error) {
	if err := ctx.Err(); err != nil {
		return index.EntryMeta{}, err
	}
	var removed index.EntryMeta
	err := i.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(bucketPartitions))
		if root == nil {
			return fmt.Errorf("missing bucket %s", bucketPartitions)
		}
		part := root.Bucket([]byte(partition))
		if part == nil {
			return index.ErrNotFound
		}
		entries := part.Bucket([]byte(bucketEntries))
		raw := entries.Get([]byte(key))
		if raw == nil {
			return index.ErrNotFound
		}
		meta, err := decodeEntry(raw)
		if err != nil {
			return err
		}
		if err := part.Bucket([]byte(bucketOrder)).Delete(seqKey(meta.Seq)); err != nil {
			return err
		}
		removed = meta
		return entries.Delete([]byte(key))
	})
	return removed, err
}

func (i *Index) ListFIFO(ctx context.Context, partition string, limit int) ([]index.EntryMeta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	metas := make([]index.EntryMeta, 0)
	err := i.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(bucketPartitions))
		if root == nil {
			return fmt.Errorf("missing bucket %s", bucketPartitions)
		}
		part := root.Bucket([]byte(partition))
		if part == nil {
			return index.ErrNotFound
		}
		entries := part.Bucket([]byte(bucketEntries))
		c := part.Bucket([]byte(bucketOrder)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			raw := entries.Get(v)
			if raw == nil {
				continue
			}
			meta, err := decodeEntry(raw)
			if err != nil {
				return err
			}
			metas = append(metas, meta)
			if limit > 0 && len(metas) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return metas, nil
}

func (i *Index) AddTask(ctx context.Context, entry index.TaskRecord) (index.TaskRecord, error) {
	if err := ctx.Err(); err != nil {
		return index.TaskRecord{}, err
	}
	if entry.Tag == "" {
		return index.TaskRecord{}, errors.New("cache index: task tag must not be empty")
	}
	var result index.TaskRecord
	err := i.db.Update(func(tx *bolt.Tx) error {
		tasks := tx.Bucket([]byte(bucketTasks))
		ids := tx.Bucket([]byte(bucketTaskIDs))
		if tasks == nil || ids == nil {
			return fmt.Errorf("missing task buckets")
		}
		seq, err := tasks.NextSequence()
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = now
		}
		entry.UpdatedAt = now
		if entry.Status == "" {
			entry.Status = index.TaskStatusQueued
		}
		if entry.ID == "" {
			entry.ID = formatTaskID(seq)
		}
		if ids.Get([]byte(entry.ID)) != nil {
			return fmt.Errorf("cache index: task %s already exists", entry.ID)
		}
		data, err := encodeTask(entry)
		if err != nil {
			return err
		}
		if err := tasks.Put(seqKey(seq), data); err != nil {
			return err
		}
		if err := ids.Put([]byte(entry.ID), seqKey(seq)); err != nil {
			return err
		}
		result = entry
		return nil
	})
	return result, err
}

func (i *Index) ListTasks(ctx context.Context, tag string) ([]index.TaskRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	records := make([]index.TaskRecord, 0)
	err := i.db.View(func(tx *bolt.Tx) error {
		tasks := tx.Bucket([]byte(bucketTasks))
		if tasks == nil {
			return fmt.Errorf("missing bucket %s", bucketTasks)
		}
		c := tasks.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			rec, err := decodeTask(v)
			if err != nil {
				return err
			}
			if tag != "" && rec.Tag != tag {
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (i *Index) UpdateTaskStatus(ctx context.Context, id string, status index.TaskStatus, lastError string) (index.TaskRecord, error) {
	if err := ctx.Err(); err != nil {
		return index.TaskRecord{}, err
	}
	if id == "" {
		return index.TaskRecord{}, errors.New("cache index: task id must not be empty")
	}

	var result index.TaskRecord
	err := i.db.Update(func(tx *bolt.Tx) error {
		tasks := tx.Bucket([]byte(bucketTasks))
		ids := tx.Bucket([]byte(bucketTaskIDs))
		if tasks == nil || ids == nil {
			return fmt.Errorf("missing task buckets")
		}
		k := append([]byte(nil), ids.Get([]byte(id))...)
		if len(k) == 0 {
			return index.ErrNotFound
		}
		raw := tasks.Get(k)
		if raw == nil {
			return index.ErrNotFound
		}
		rec, err := decodeTask(raw)
		if err != nil {
			return err
		}
		if status == index.TaskStatusSyncing {
			rec.Attempts++
		}
		rec.Status = status
		rec.LastError = lastError
		now := time.Now().UTC()
		if !now.After(rec.UpdatedAt) {
			now = rec.UpdatedAt.Add(time.Nanosecond)
		}
		rec.UpdatedAt = now
		data, err := encodeTask(rec)
		if err != nil {
			return err
		}
		if err := tasks.Put(k, data); err != nil {
			return err
		}
		result = rec
		return nil
	})
	return result, err
}

func (i *Index) DeleteTask(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return i.db.Update(func(tx *bolt.Tx) error {
		tasks := tx.Bucket([]byte(bucketTasks))
		ids := tx.Bucket([]byte(bucketTaskIDs))
		if tasks == nil || ids == nil {
			return fmt.Errorf("missing task buckets")
		}
		k := ids.Get([]byte(id))
		if k == nil {
			return nil
		}
		// k aliases page memory that is invalid after the delete below.
		seq := append([]byte(nil), k...)
		if err := ids.Delete([]byte(id)); err != nil {
			return err
		}
		return tasks.Delete(seq)
	})
}

func (i *Index) ensureSchema() error {
	return i.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketPartitions, bucketTasks, bucketTaskIDs} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("ensure %s bucket: %w", name, err)
			}
		}
		stats, err := tx.CreateBucketIfNotExists([]byte(bucketStats))
		if err != nil {
			return fmt.Errorf("ensure stats bucket: %w", err)
		}
		versionBytes := stats.Get([]byte(keySchemaVersion))
		if len(versionBytes) == 0 {
			return stats.Put([]byte(keySchemaVersion), []byte(strconv.Itoa(currentSchemaVersion)))
		}
		version, err := strconv.Atoi(string(versionBytes))
		if err != nil {
			return fmt.Errorf("parse schema version: %w", err)
		}
		if version != currentSchemaVersion {
			return fmt.Errorf("%w: %d", errUnknownSchema, version)
		}
		return nil
	})
}

func ensurePartition(tx *bolt.Tx, name string) (*bolt.Bucket, error) {
	root := tx.Bucket([]byte(bucketPartitions))
	if root == nil {
		return nil, fmt.Errorf("missing bucket %s", bucketPartitions)
	}
	part, err := root.CreateBucketIfNotExists([]byte(name))
	if err != nil {
		return nil, fmt.Errorf("ensure partition %s: %w", name, err)
	}
	if _, err := part.CreateBucketIfNotExists([]byte(bucketEntries)); err != nil {
		return nil, err
	}
	if _, err := part.CreateBucketIfNotExists([]byte(bucketOrder)); err != nil {
		return nil, err
	}
	return part, nil
}

func entriesBucket(tx *bolt.Tx, partition string) *bolt.Bucket {
	root := tx.Bucket([]byte(bucketPartitions))
	if root == nil {
		return nil
	}
	part := root.Bucket([]byte(partition))
	if part == nil {
		return nil
	}
	return part.Bucket([]byte(bucketEntries))
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

func formatTaskID(seq uint64) string {
	return fmt.Sprintf("task-%020d", seq)
}

func normalizeEntry(meta index.EntryMeta) index.EntryMeta {
	clone := meta
	if clone.StoredAt.IsZero() {
		clone.StoredAt = time.Now().UTC()
	}
	if clone.Header != nil {
		clone.Header = meta.Header.Clone()
	} else {
		clone.Header = http.Header{}
	}
	return clone
}

func encodeEntry(meta index.EntryMeta) ([]byte, error) {
	return json.Marshal(meta)
}

func decodeEntry(data []byte) (index.EntryMeta, error) {
	var meta index.EntryMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return index.EntryMeta{}, err
	}
	return meta, nil
}

func encodeTask(entry index.TaskRecord) ([]byte, error) {
	return json.Marshal(entry)
}

func decodeTask(data []byte) (index.TaskRecord, error) {
	var entry index.TaskRecord
	if err := json.Unmarshal(data, &entry); err != nil {
		return index.TaskRecord{}, err
	}
	return entry, nil
}
