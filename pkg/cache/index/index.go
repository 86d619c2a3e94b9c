package index

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ErrNotFound is returned when a requested entry, partition or task is not present in the index.
var ErrNotFound = errors.New("cache index: entry not found")

// EntryMeta describes a stored response. The body lives in the blob store under BlobID.
type EntryMeta struct {
	Partition string
	Key       string
	Method    string
	URL       string
	Status    int
	Header    http.Header
	Size      int64
	BlobID    string
	// Seq is the insertion sequence inside the partition; lower is older.
	Seq      uint64
	StoredAt time.Time
}

// PartitionInfo summarises a partition.
type PartitionInfo struct {
	Name  string
	Count int
	Bytes int64
}

// TaskStatus represents the lifecycle state of a pending sync task.
type TaskStatus string

const (
	// TaskStatusQueued indicates the task waits for the next sync trigger.
	TaskStatusQueued TaskStatus = "queued"
	// TaskStatusSyncing indicates a submission is executing. A task left in
	// this state by a crash is treated as queued.
	TaskStatusSyncing TaskStatus = "syncing"
)

// TaskRecord is a durable pending background-sync task.
type TaskRecord struct {
	ID          string
	Tag         string
	Payload     []byte
	ContentType string
	Status      TaskStatus
	Attempts    int
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CacheIndex expresses the persistence requirements for partition metadata and the sync queue.
type CacheIndex interface {
	// EnsurePartition creates the partition when missing.
	EnsurePartition(ctx context.Context, name string) error
	// Partitions lists every partition ordered by name.
	Partitions(ctx context.Context) ([]PartitionInfo, error)
	// DeletePartition removes a partition with all entries and returns the removed entries.
	// Deleting a missing partition returns ErrNotFound.
	DeletePartition(ctx context.Context, name string) ([]EntryMeta, error)

	// Put stores meta as the newest entry of its partition, creating the partition
	// if needed. A previous entry with the same key is replaced. When maxEntries is
	// positive the oldest entries are evicted until the partition holds at most
	// maxEntries. Replaced and evicted entries are returned so their blobs can be removed.
	Put(ctx context.Context, meta EntryMeta, maxEntries int) ([]EntryMeta, error)
	// Get retrieves an entry.
	Get(ctx context.Context, partition, key string) (EntryMeta, error)
	// Delete removes an entry and returns it. Missing entries return ErrNotFound.
	Delete(ctx context.Context, partition, key string) (EntryMeta, error)
	// ListFIFO returns entries of a partition oldest first. limit <= 0 returns all.
	ListFIFO(ctx context.Context, partition string, limit int) ([]EntryMeta, error)

	// AddTask records a new task. If entry.ID is empty an ID is assigned that
	// sorts after every previously assigned ID.
	AddTask(ctx context.Context, entry TaskRecord) (TaskRecord, error)
	// ListTasks returns tasks with the given tag (all tags when empty) in insertion order.
	ListTasks(ctx context.Context, tag string) ([]TaskRecord, error)
	// UpdateTaskStatus updates status information for a task. Moving a task to
	// TaskStatusSyncing counts an attempt.
	UpdateTaskStatus(ctx context.Context, id string, status TaskStatus, lastError string) (TaskRecord, error)
	// DeleteTask removes a task. Missing tasks are ignored.
	DeleteTask(ctx context.Context, id string) error
}
