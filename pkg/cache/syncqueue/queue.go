package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/valandreev/sitecache/log"
	"github.com/valandreev/sitecache/pkg/cache/index"
)

var (
	// ErrSyncInProgress is returned when a drain for the same tag is already running.
	ErrSyncInProgress = errors.New("sync queue: sync already in progress")
	// ErrPaused is returned while drains are suspended by the failsafe.
	ErrPaused = errors.New("sync queue: paused")
	// ErrUnknownTag is returned for tags outside the known set.
	ErrUnknownTag = errors.New("sync queue: unknown tag")
)

const (
	metricReasonTransport = "transport"
	metricReasonStatus    = "status"
	metricReasonContext   = "context_cancel"
)

// Tag identifies a queue of deferred submissions.
type Tag string

const (
	TagContactForm Tag = "contact-form"
	TagAnalytics   Tag = "analytics"
	TagErrorReport Tag = "error-report"
)

// Tags lists every known tag.
var Tags = []Tag{TagContactForm, TagAnalytics, TagErrorReport}

const triggerSuffix = "-sync"

// ParseTag accepts a bare tag ("contact-form") or its trigger form ("contact-form-sync").
func ParseTag(s string) (Tag, error) {
	name := strings.TrimSuffix(strings.TrimSpace(s), triggerSuffix)
	for _, t := range Tags {
		if string(t) == name {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTag, s)
}

// SyncTag returns the trigger name used by sync events, e.g. "contact-form-sync".
func (t Tag) SyncTag() string {
	return string(t) + triggerSuffix
}

// Submitter delivers a task to its endpoint. A nil error means the task may be deleted.
type Submitter interface {
	Submit(ctx context.Context, task index.TaskRecord) error
}

// Connectivity reports whether the origin is reachable.
type Connectivity interface {
	Online(ctx context.Context) bool
}

// Logger captures structured log output for queue operations.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Metrics captures queue telemetry.
type Metrics interface {
	RecordQueued(tag string)
	RecordSucceeded(tag string)
	RecordFailed(tag string, reason string)
	SetPending(tag string, n int)
}

// TriggerFunc fires the sync trigger for a tag.
type TriggerFunc func(ctx context.Context, tag Tag) error

// Report summarises a drain.
type Report struct {
	Tag       Tag `json:"tag"`
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Remaining int `json:"remaining"`
}

// Config controls queue runtime behaviour.
type Config struct {
	PollInterval  time.Duration
	SubmitTimeout time.Duration
}

// Option customises queue construction.
type Option func(*Queue)

// WithLogger overrides the default logger.
func WithLogger(logger Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithMetrics sets a custom metrics collector.
func WithMetrics(metrics Metrics) Option {
	return func(q *Queue) {
		q.metrics = metrics
	}
}

// WithConnectivity sets the connectivity check used by Run.
func WithConnectivity(c Connectivity) Option {
	return func(q *Queue) {
		q.connectivity = c
	}
}

// WithTrigger replaces the function Run calls when connectivity returns.
// By default Run drains the tag directly.
func WithTrigger(trigger TriggerFunc) Option {
	return func(q *Queue) {
		q.trigger = trigger
	}
}

// Queue is a durable per-tag queue of submissions deferred while offline.
// Tasks are stored in the cache index before Enqueue returns and removed only
// after a successful submission. There is no retry bound.
type Queue struct {
	cfg          Config
	idx          index.CacheIndex
	submitter    Submitter
	connectivity Connectivity
	trigger      TriggerFunc
	logger       Logger
	metrics      Metrics

	mu      sync.Mutex
	syncing map[Tag]bool
	paused  bool
}

// New constructs a Queue.
func New(cfg Config, idx index.CacheIndex, submitter Submitter, opts ...Option) (*Queue, error) {
	if idx == nil {
		return nil, errors.New("sync queue: cache index is required")
	}
	if submitter == nil {
		return nil, errors.New("sync queue: submitter is required")
	}

	q := &Queue{
		cfg:       applyDefaults(cfg),
		idx:       idx,
		submitter: submitter,
		logger:    defaultLogger(),
		metrics:   noopMetrics{},
		syncing:   make(map[Tag]bool),
	}

	for _, opt := range opts {
		opt(q)
	}

	if q.logger == nil {
		q.logger = defaultLogger()
	}
	if q.metrics == nil {
		q.metrics = noopMetrics{}
	}
	if q.trigger == nil {
		q.trigger = func(ctx context.Context, tag Tag) error {
			_, err := q.Sync(ctx, tag)
			return err
		}
	}

	return q, nil
}

// Enqueue durably records a task for tag.
func (q *Queue) Enqueue(ctx context.Context, tag Tag, payload []byte, contentType string) (index.TaskRecord, error) {
	if _, err := ParseTag(string(tag)); err != nil {
		return index.TaskRecord{}, err
	}
	record, err := q.idx.AddTask(ctx, index.TaskRecord{
		Tag:         string(tag),
		Payload:     payload,
		ContentType: contentType,
		Status:      index.TaskStatusQueued,
	})
	if err != nil {
		return index.TaskRecord{}, fmt.Errorf("sync queue: enqueue %s: %w", tag, err)
	}
	q.metrics.RecordQueued(string(tag))
	q.refreshPending(ctx, tag)
	q.logger.Debugf("queued task %s for %s", record.ID, tag)
	return record, nil
}

// Pending returns the tasks waiting for tag in insertion order.
func (q *Queue) Pending(ctx context.Context, tag Tag) ([]index.TaskRecord, error) {
	return q.idx.ListTasks(ctx, string(tag))
}

// Clear drops every task of tag and returns how many were removed. It is
// refused while tag is draining so a re-queued failure cannot resurrect a
// cleared task. A paused queue can still be cleared.
func (q *Queue) Clear(ctx context.Context, tag Tag) (int, error) {
	if _, err := ParseTag(string(tag)); err != nil {
		return 0, err
	}
	q.mu.Lock()
	if q.syncing[tag] {
		q.mu.Unlock()
		return 0, ErrSyncInProgress
	}
	q.syncing[tag] = true
	q.mu.Unlock()
	defer q.endSync(tag)

	tasks, err := q.idx.ListTasks(ctx, string(tag))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, task := range tasks {
		if err := q.idx.DeleteTask(ctx, task.ID); err != nil {
			q.refreshPending(ctx, tag)
			return removed, err
		}
		removed++
	}
	q.refreshPending(ctx, tag)
	q.logger.Infof("cleared %d queued tasks for %s", removed, tag)
	return removed, nil
}

// Sync drains tag in insertion order. Successful tasks are deleted; failed
// ones are re-queued with the error recorded and the drain moves on.
func (q *Queue) Sync(ctx context.Context, tag Tag) (Report, error) {
	report := Report{Tag: tag}
	if _, err := ParseTag(string(tag)); err != nil {
		return report, err
	}
	if err := q.beginSync(tag); err != nil {
		return report, err
	}
	defer q.endSync(tag)

	tasks, err := q.idx.ListTasks(ctx, string(tag))
	if err != nil {
		return report, err
	}

	var drainErr error
	for _, task := range tasks {
		if q.isPaused() {
			q.logger.Infof("sync %s interrupted: queue paused", tag)
			break
		}
		if err := ctx.Err(); err != nil {
			drainErr = err
			break
		}
		report.Attempted++
		if q.process(ctx, task) {
			report.Succeeded++
			continue
		}
		if err := ctx.Err(); err != nil {
			drainErr = err
			break
		}
	}

	remaining, err := q.idx.ListTasks(context.WithoutCancel(ctx), string(tag))
	if err != nil {
		return report, err
	}
	report.Remaining = len(remaining)
	q.metrics.SetPending(string(tag), report.Remaining)

	q.logger.Infof("sync %s: attempted=%d succeeded=%d remaining=%d", tag, report.Attempted, report.Succeeded, report.Remaining)
	return report, drainErr
}

func (q *Queue) process(ctx context.Context, task index.TaskRecord) bool {
	if _, err := q.idx.UpdateTaskStatus(ctx, task.ID, index.TaskStatusSyncing, ""); err != nil {
		if errors.Is(err, index.ErrNotFound) {
			q.logger.Warnf("task %s vanished before submission", task.ID)
		} else {
			q.logger.Errorf("mark task %s syncing failed: %v", task.ID, err)
		}
		return false
	}

	submitCtx, cancel := context.WithTimeout(ctx, q.cfg.SubmitTimeout)
	err := q.submitter.Submit(submitCtx, task)
	cancel()

	// Bookkeeping must survive a cancelled drain so the task is not left syncing.
	store := context.WithoutCancel(ctx)
	if err == nil {
		if delErr := q.idx.DeleteTask(store, task.ID); delErr != nil {
			q.logger.Errorf("delete delivered task %s failed: %v", task.ID, delErr)
		}
		q.metrics.RecordSucceeded(task.Tag)
		return true
	}

	reason := metricReasonTransport
	var statusErr *StatusError
	switch {
	case isContextError(err) && ctx.Err() != nil:
		reason = metricReasonContext
	case errors.As(err, &statusErr):
		reason = metricReasonStatus
	}
	q.logger.Warnf("task %s (%s) submission failed: %v", task.ID, task.Tag, err)
	if _, updateErr := q.idx.UpdateTaskStatus(store, task.ID, index.TaskStatusQueued, err.Error()); updateErr != nil {
		q.logger.Errorf("requeue task %s failed: %v", task.ID, updateErr)
	}
	q.metrics.RecordFailed(task.Tag, reason)
	return false
}

// PauseSync suspends drains. A running drain stops before its next task.
func (q *Queue) PauseSync(context.Context) error {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	return nil
}

// ResumeSync re-enables drains.
func (q *Queue) ResumeSync(context.Context) error {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	return nil
}

// Run polls connectivity and fires the trigger for every tag with pending tasks
// at start-up and whenever the origin comes back online.
func (q *Queue) Run(ctx context.Context) error {
	if q.connectivity == nil {
		return errors.New("sync queue: connectivity check is required to run")
	}

	online := q.connectivity.Online(ctx)
	if online {
		q.fire(ctx)
	}

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := q.connectivity.Online(ctx)
			if now && !online {
				q.logger.Infof("origin reachable again, firing sync triggers")
				q.fire(ctx)
			}
			online = now
		}
	}
}

func (q *Queue) fire(ctx context.Context) {
	for _, tag := range Tags {
		tasks, err := q.idx.ListTasks(ctx, string(tag))
		if err != nil {
			q.logger.Warnf("list %s tasks failed: %v", tag, err)
			continue
		}
		if len(tasks) == 0 {
			continue
		}
		if err := q.trigger(ctx, tag); err != nil && !errors.Is(err, ErrSyncInProgress) && !errors.Is(err, ErrPaused) {
			q.logger.Warnf("sync trigger %s failed: %v", tag.SyncTag(), err)
		}
	}
}

func (q *Queue) beginSync(tag Tag) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused {
		return ErrPaused
	}
	if q.syncing[tag] {
		return ErrSyncInProgress
	}
	q.syncing[tag] = true
	return nil
}

func (q *Queue) endSync(tag Tag) {
	q.mu.Lock()
	delete(q.syncing, tag)
	q.mu.Unlock()
}

func (q *Queue) isPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

func (q *Queue) refreshPending(ctx context.Context, tag Tag) {
	tasks, err := q.idx.ListTasks(ctx, string(tag))
	if err != nil {
		return
	}
	q.metrics.SetPending(string(tag), len(tasks))
}

func applyDefaults(cfg Config) Config {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 10 * time.Second
	}
	return cfg
}

func isContextError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func defaultLogger() Logger {
	return logHandleAdapter{handle: log.GetLogger("sync-queue")}
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

type noopMetrics struct{}

func (noopMetrics) RecordQueued(string) {}

func (noopMetrics) RecordSucceeded(string) {}

func (noopMetrics) RecordFailed(string, string) {}

func (noopMetrics) SetPending(string, int) {}
