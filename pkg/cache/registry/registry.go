package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/valandreev/sitecache/log"
	"github.com/valandreev/sitecache/pkg/cache"
	"github.com/valandreev/sitecache/pkg/cache/files"
	"github.com/valandreev/sitecache/pkg/cache/index"
)

var (
	// ErrMiss is returned by Match when no usable entry exists.
	ErrMiss = errors.New("cache registry: miss")
	// ErrQuotaExceeded marks writes that failed because storage is full.
	ErrQuotaExceeded = errors.New("cache registry: quota exceeded")
)

// Policy bounds a partition. Zero values mean unbounded.
type Policy struct {
	MaxAge     time.Duration
	MaxEntries int
	// Protected partitions are skipped when the cleaner enforces the byte budget.
	Protected bool
}

// Response is what callers hand to Put.
type Response struct {
	Method string
	URL    string
	Status int
	Header http.Header
	Body   []byte
}

// Entry is a stored response returned by Match.
type Entry struct {
	Meta index.EntryMeta
	Body []byte
	// Expired is set when the entry is older than the partition's max age.
	// Expired entries are still returned so executors can use them as a last resort.
	Expired bool
}

// Logger captures registry diagnostics.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Option customises registry construction.
type Option func(*Registry)

// WithLogger overrides the default logger.
func WithLogger(logger Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithClock replaces time.Now (for tests).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// Registry stores responses in named partitions. Metadata lives in the index,
// bodies in the blob store.
type Registry struct {
	app    string
	idx    index.CacheIndex
	blobs  *files.BlobStore
	logger Logger
	now    func() time.Time

	policyMu sync.RWMutex
	policies map[cache.Purpose]Policy

	// sweep excludes writers so orphan detection never sees a blob whose
	// index entry is still being written.
	sweep sync.RWMutex
}

// New constructs a registry for app. Policies are keyed by purpose and apply
// to every version of the app's partitions.
func New(app string, idx index.CacheIndex, blobs *files.BlobStore, policies map[cache.Purpose]Policy, opts ...Option) (*Registry, error) {
	if app == "" {
		return nil, errors.New("cache registry: app name is required")
	}
	if idx == nil {
		return nil, errors.New("cache registry: cache index is required")
	}
	if blobs == nil {
		return nil, errors.New("cache registry: blob store is required")
	}

	r := &Registry{
		app:      app,
		idx:      idx,
		blobs:    blobs,
		policies: make(map[cache.Purpose]Policy, len(policies)),
		logger:   defaultLogger(),
		now:      time.Now,
	}
	for purpose, policy := range policies {
		r.policies[purpose] = policy
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = defaultLogger()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r, nil
}

// PoliciesFromConfig converts configured limits into registry policies.
func PoliciesFromConfig(cfg cache.PartitionsConfig) map[cache.Purpose]Policy {
	return map[cache.Purpose]Policy{
		cache.PurposeStatic:  {MaxAge: cfg.Static.MaxAge(), MaxEntries: cfg.Static.EntryLimit()},
		cache.PurposeDynamic: {MaxAge: cfg.Dynamic.MaxAge(), MaxEntries: cfg.Dynamic.EntryLimit()},
		cache.PurposeOffline: {MaxAge: cfg.Offline.MaxAge(), MaxEntries: cfg.Offline.EntryLimit(), Protected: true},
	}
}

// App returns the application name partitions are scoped to.
func (r *Registry) App() string {
	return r.app
}

// Now returns the registry clock.
func (r *Registry) Now() time.Time {
	return r.now()
}

// RequestKey builds the entry key for a request.
func RequestKey(method string, u *url.URL) string {
	if method == "" {
		method = http.MethodGet
	}
	return method + " " + u.RequestURI()
}

// PolicyFor returns the policy of a partition. Partitions of other apps are unbounded.
func (r *Registry) PolicyFor(partition string) Policy {
	_, purpose, ok := cache.ParsePartitionName(r.app, partition)
	if !ok {
		return Policy{}
	}
	r.policyMu.RLock()
	defer r.policyMu.RUnlock()
	return r.policies[purpose]
}

// SetPolicies replaces the partition policies. Existing entries are judged by
// the new limits from the next lookup on.
func (r *Registry) SetPolicies(policies map[cache.Purpose]Policy) {
	next := make(map[cache.Purpose]Policy, len(policies))
	for purpose, policy := range policies {
		next[purpose] = policy
	}
	r.policyMu.Lock()
	r.policies = next
	r.policyMu.Unlock()
}

// IsExpired reports whether meta is older than its partition's max age.
func (r *Registry) IsExpired(meta index.EntryMeta) bool {
	policy := r.PolicyFor(meta.Partition)
	if policy.MaxAge <= 0 {
		return false
	}
	return r.now().Sub(meta.StoredAt) > policy.MaxAge
}

// EnsurePartition creates a partition when missing.
func (r *Registry) EnsurePartition(ctx context.Context, name string) error {
	return r.idx.EnsurePartition(ctx, name)
}

// Match looks up key in partition. Entries whose body went missing are
// dropped and reported as a miss.
func (r *Registry) Match(ctx context.Context, partition, key string) (Entry, error) {
	meta, err := r.idx.Get(ctx, partition, key)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return Entry{}, ErrMiss
		}
		return Entry{}, fmt.Errorf("cache registry: lookup %s: %w", key, err)
	}

	body, err := r.blobs.Read(partition, meta.BlobID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			r.logger.Warnf("registry: blob %s for %s/%s missing, dropping entry", meta.BlobID, partition, key)
			if _, delErr := r.idx.Delete(ctx, partition, key); delErr != nil && !errors.Is(delErr, index.ErrNotFound) {
				r.logger.Errorf("registry: drop entry %s/%s: %v", partition, key, delErr)
			}
			return Entry{}, ErrMiss
		}
		return Entry{}, fmt.Errorf("cache registry: read body %s: %w", key, err)
	}

	return Entry{Meta: meta, Body: body, Expired: r.IsExpired(meta)}, nil
}

// Put stores resp under key as the newest entry of partition, evicting the
// oldest entries beyond the partition's max entries.
func (r *Registry) Put(ctx context.Context, partition, key string, resp Response) error {
	r.sweep.RLock()
	defer r.sweep.RUnlock()

	blobID := uuid.NewString()
	size, err := r.blobs.Write(partition, blobID, bytes.NewReader(resp.Body))
	if err != nil {
		return classify(fmt.Errorf("cache registry: store body %s: %w", key, err))
	}

	method := resp.Method
	if method == "" {
		method = http.MethodGet
	}
	meta := index.EntryMeta{
		Partition: partition,
		Key:       key,
		Method:    method,
		URL:       resp.URL,
		Status:    resp.Status,
		Header:    resp.Header.Clone(),
		Size:      size,
		BlobID:    blobID,
		StoredAt:  r.now(),
	}

	dropped, err := r.idx.Put(ctx, meta, r.PolicyFor(partition).MaxEntries)
	if err != nil {
		_ = r.blobs.Remove(partition, blobID)
		return classify(fmt.Errorf("cache registry: index %s: %w", key, err))
	}
	for _, old := range dropped {
		if old.Key != key {
			r.logger.Debugf("registry: evicted %s from %s", old.Key, partition)
		}
		if err := r.blobs.Remove(old.Partition, old.BlobID); err != nil {
			r.logger.Warnf("registry: remove blob %s: %v", old.BlobID, err)
		}
	}
	return nil
}

// Remove deletes a single entry and returns the bytes it occupied.
func (r *Registry) Remove(ctx context.Context, partition, key string) (int64, error) {
	meta, err := r.idx.Delete(ctx, partition, key)
	if err != nil {
		return 0, err
	}
	if err := r.blobs.Remove(partition, meta.BlobID); err != nil {
		return 0, err
	}
	return meta.Size, nil
}

// DeletePartition removes a partition with all entries and returns how many
// entries it held. Deleting a missing partition returns index.ErrNotFound.
func (r *Registry) DeletePartition(ctx context.Context, name string) (int, error) {
	removed, err := r.idx.DeletePartition(ctx, name)
	if err != nil {
		return 0, err
	}
	if err := r.blobs.RemovePartition(name); err != nil {
		r.logger.Warnf("registry: remove blobs of %s: %v", name, err)
	}
	return len(removed), nil
}

// Partitions lists every partition ordered by name.
func (r *Registry) Partitions(ctx context.Context) ([]index.PartitionInfo, error) {
	return r.idx.Partitions(ctx)
}

// Status maps partition names to entry counts.
func (r *Registry) Status(ctx context.Context) (map[string]int, error) {
	parts, err := r.idx.Partitions(ctx)
	if err != nil {
		return nil, err
	}
	status := make(map[string]int, len(parts))
	for _, p := range parts {
		status[p.Name] = p.Count
	}
	return status, nil
}

// Entries returns the entries of a partition oldest first.
func (r *Registry) Entries(ctx context.Context, partition string) ([]index.EntryMeta, error) {
	return r.idx.ListFIFO(ctx, partition, 0)
}

// Keys returns the keys of a partition oldest first.
func (r *Registry) Keys(ctx context.Context, partition string) ([]string, error) {
	entries, err := r.Entries(ctx, partition)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	return keys, nil
}

// SweepOrphans deletes blob files no index entry refers to.
func (r *Registry) SweepOrphans(ctx context.Context) (int, error) {
	r.sweep.Lock()
	defer r.sweep.Unlock()

	stored, err := r.blobs.List()
	if err != nil {
		return 0, err
	}
	parts, err := r.idx.Partitions(ctx)
	if err != nil {
		return 0, err
	}
	known := make(map[string]bool, len(parts))
	for _, p := range parts {
		known[p.Name] = true
	}

	names := make([]string, 0, len(stored))
	for name := range stored {
		names = append(names, name)
	}
	sort.Strings(names)

	removed := 0
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !known[name] {
			if err := r.blobs.RemovePartition(name); err != nil {
				return removed, err
			}
			removed += len(stored[name])
			continue
		}
		entries, err := r.idx.ListFIFO(ctx, name, 0)
		if err != nil {
			return removed, err
		}
		live := make(map[string]bool, len(entries))
		for _, e := range entries {
			live[e.BlobID] = true
		}
		for _, id := range stored[name] {
			if live[id] {
				continue
			}
			if err := r.blobs.Remove(name, id); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// Usage reports the bytes held by blob files.
func (r *Registry) Usage() (int64, error) {
	return r.blobs.Usage()
}

func classify(err error) error {
	if errors.Is(err, files.ErrNoSpace) || errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%w: %w", ErrQuotaExceeded, err)
	}
	return err
}

func defaultLogger() Logger {
	return logHandleAdapter{handle: log.GetLogger("cache-registry")}
}

type logHandleAdapter struct {
	handle *log.LogHandle
}

func (l logHandleAdapter) Debugf(format string, args ...any) {
	if l.handle != nil {
		l.handle.Debug().Msgf(format, args...)
	}
}

func (l logHandleAdapter) Infof(format string, args ...any) {
	if l.handle != nil {
		l.handle.Info().Msgf(format, args...)
	}
}

func (l logHandleAdapter) Warnf(format string, args ...any) {
	if l.handle != nil {
		l.handle.Warn().Msgf(format, args...)
	}
}

func (l logHandleAdapter) Errorf(format string, args ...any) {
	if l.handle != nil {
		l.handle.Error().Msgf(format, args...)
	}
}
