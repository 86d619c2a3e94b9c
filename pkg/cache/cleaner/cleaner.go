package cleaner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/valandreev/sitecache/log"
	"github.com/valandreev/sitecache/pkg/cache/index"
	"github.com/valandreev/sitecache/pkg/cache/registry"
)

// ErrFatalCondition indicates that the cleaner could not restore the cache to a safe state.
var ErrFatalCondition = errors.New("cache cleaner: fatal condition")

// ErrCapacityNotReduced indicates that capacity constraints remain unmet after a maintenance run.
var ErrCapacityNotReduced = errors.New("cache cleaner: capacity not reduced")

// TriggerReason represents the source motivating a cleaner run.
type TriggerReason string

const (
	// TriggerReasonMaintenance is the periodic maintenance pass.
	TriggerReasonMaintenance TriggerReason = "maintenance"
	// TriggerReasonQuota is an emergency run after a cache write hit a full disk.
	TriggerReasonQuota TriggerReason = "quota"
)

// Trigger describes a request to execute the cleaner.
type Trigger struct {
	Reason TriggerReason
}

// Config controls cleaner behaviour.
type Config struct {
	// MaxCacheBytes bounds the bytes held by all partitions. Zero disables the bound.
	MaxCacheBytes int64
	// MinFreePercent is the share of MaxCacheBytes a quota run frees in addition.
	MinFreePercent int
	CleanInterval  time.Duration
}

// Report summarises a cleaner run.
type Report struct {
	Trigger     Trigger
	TotalBefore int64
	TotalAfter  int64
	BytesFreed  int64
	Expired     int
	Trimmed     int
	Orphans     int
	// Evicted lists "partition key" pairs removed to meet the byte budget.
	Evicted   []string
	Emergency bool
}

// Store is the registry surface the cleaner works on.
type Store interface {
	Partitions(ctx context.Context) ([]index.PartitionInfo, error)
	Entries(ctx context.Context, partition string) ([]index.EntryMeta, error)
	PolicyFor(partition string) registry.Policy
	IsExpired(meta index.EntryMeta) bool
	Remove(ctx context.Context, partition, key string) (int64, error)
	SweepOrphans(ctx context.Context) (int, error)
}

// Logger captures structured output for the cleaner.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Metrics receives one observation per run.
type Metrics interface {
	RecordCleanerRun(reason string, freed int64, err error)
}

type noopMetrics struct{}

func (noopMetrics) RecordCleanerRun(string, int64, error) {}

// Option customises cleaner construction.
type Option func(*Cleaner)

// WithLogger overrides the default logger.
func WithLogger(logger Logger) Option {
	return func(c *Cleaner) {
		c.logger = logger
	}
}

// WithMetrics sets a custom metrics collector.
func WithMetrics(metrics Metrics) Option {
	return func(c *Cleaner) {
		c.metrics = metrics
	}
}

// Cleaner physically removes expired and surplus entries. Reads already treat
// them as misses, so the cleaner only reclaims space.
type Cleaner struct {
	cfg     Config
	store   Store
	logger  Logger
	metrics Metrics

	mu sync.Mutex
}

// New constructs a cleaner.
func New(cfg Config, store Store, opts ...Option) (*Cleaner, error) {
	if store == nil {
		return nil, errors.New("cache cleaner: store is required")
	}
	if cfg.MinFreePercent < 0 || cfg.MinFreePercent > 100 {
		return nil, fmt.Errorf("cache cleaner: min free percent must be within [0,100], got %d", cfg.MinFreePercent)
	}
	if cfg.CleanInterval <= 0 {
		cfg.CleanInterval = 30 * time.Minute
	}

	c := &Cleaner{
		cfg:     cfg,
		store:   store,
		logger:  defaultLogger(),
		metrics: noopMetrics{},
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		c.logger = defaultLogger()
	}
	if c.metrics == nil {
		c.metrics = noopMetrics{}
	}

	return c, nil
}

type candidate struct {
	meta index.EntryMeta
}

// RunOnce executes a single cleaner pass for the provided trigger.
func (c *Cleaner) RunOnce(ctx context.Context, trigger Trigger) (Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	report, err := c.run(ctx, trigger)
	c.metrics.RecordCleanerRun(string(trigger.Reason), report.BytesFreed, err)
	return report, err
}

func (c *Cleaner) run(ctx context.Context, trigger Trigger) (Report, error) {
	report := Report{Trigger: trigger, Emergency: trigger.Reason == TriggerReasonQuota}

	parts, err := c.store.Partitions(ctx)
	if err != nil {
		return report, err
	}

	var usage int64
	for _, p := range parts {
		usage += p.Bytes
	}
	report.TotalBefore = usage

	var evictable []candidate
	for _, p := range parts {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		entries, err := c.store.Entries(ctx, p.Name)
		if err != nil {
			return report, err
		}
		policy := c.store.PolicyFor(p.Name)

		// Entries are oldest first; anything beyond the newest MaxEntries is surplus.
		surplus := 0
		if policy.MaxEntries > 0 && len(entries) > policy.MaxEntries {
			surplus = len(entries) - policy.MaxEntries
		}
		for i, meta := range entries {
			var removeReason string
			switch {
			case i < surplus:
				removeReason = "surplus"
			case c.store.IsExpired(meta):
				removeReason = "expired"
			}
			if removeReason == "" {
				if !policy.Protected {
					evictable = append(evictable, candidate{meta: meta})
				}
				continue
			}
			freed, err := c.store.Remove(ctx, meta.Partition, meta.Key)
			if err != nil {
				if !errors.Is(err, index.ErrNotFound) {
					c.logger.Errorf("cleaner: remove %s %s failed: %v", meta.Partition, meta.Key, err)
				}
				continue
			}
			usage -= freed
			report.BytesFreed += freed
			if removeReason == "surplus" {
				report.Trimmed++
			} else {
				report.Expired++
			}
		}
	}

	limit := c.cfg.MaxCacheBytes
	target := limit
	if report.Emergency {
		base := limit
		if base <= 0 {
			base = usage
		}
		target = base * int64(100-c.cfg.MinFreePercent) / 100
	}

	if target > 0 || report.Emergency {
		sort.SliceStable(evictable, func(i, j int) bool {
			a, b := evictable[i].meta, evictable[j].meta
			if !a.StoredAt.Equal(b.StoredAt) {
				return a.StoredAt.Before(b.StoredAt)
			}
			return a.Seq < b.Seq
		})
		for _, cand := range evictable {
			if usage <= target {
				break
			}
			if err := ctx.Err(); err != nil {
				return report, err
			}
			freed, err := c.store.Remove(ctx, cand.meta.Partition, cand.meta.Key)
			if err != nil {
				if !errors.Is(err, index.ErrNotFound) {
					c.logger.Errorf("cleaner: evict %s %s failed: %v", cand.meta.Partition, cand.meta.Key, err)
				}
				continue
			}
			usage -= freed
			report.BytesFreed += freed
			report.Evicted = append(report.Evicted, cand.meta.Partition+" "+cand.meta.Key)
		}
	}

	orphans, err := c.store.SweepOrphans(ctx)
	if err != nil {
		c.logger.Warnf("cleaner: orphan sweep failed: %v", err)
	}
	report.Orphans = orphans

	if usage < 0 {
		usage = 0
	}
	report.TotalAfter = usage

	if report.Emergency && usage > target {
		return report, ErrFatalCondition
	}
	if limit > 0 && usage > limit {
		return report, ErrCapacityNotReduced
	}

	c.logger.Debugf("cleaner: %s run freed %d bytes (expired=%d trimmed=%d evicted=%d orphans=%d)",
		trigger.Reason, report.BytesFreed, report.Expired, report.Trimmed, len(report.Evicted), report.Orphans)
	return report, nil
}

// RunBackground executes RunOnce on a schedule until ctx is cancelled.
func (c *Cleaner) RunBackground(ctx context.Context, triggers <-chan Trigger) error {
	ticker := time.NewTicker(c.cfg.CleanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.RunOnce(ctx, Trigger{Reason: TriggerReasonMaintenance}); err != nil && !errors.Is(err, ErrCapacityNotReduced) {
				c.logger.Warnf("cleaner maintenance run failed: %v", err)
			}
		case trigger, ok := <-triggers:
			if !ok {
				triggers = nil
				continue
			}
			if _, err := c.RunOnce(ctx, trigger); err != nil && !errors.Is(err, ErrCapacityNotReduced) {
				c.logger.Warnf("cleaner trigger %s failed: %v", trigger.Reason, err)
			}
		}
	}
}

func defaultLogger() Logger {
	return logHandleAdapter{handle: log.GetLogger("cache-cleaner")}
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
