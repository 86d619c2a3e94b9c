package failsafe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/valandreev/sitecache/log"
	"github.com/valandreev/sitecache/pkg/cache/cleaner"
	"github.com/valandreev/sitecache/pkg/cache/registry"
)

// ErrRecoveryFailed indicates the cleaner could not reclaim sufficient space and manual intervention is required.
var ErrRecoveryFailed = errors.New("cache failsafe: recovery failed")

// ErrRecoveryInProgress signals that a recovery sequence is already underway.
var ErrRecoveryInProgress = errors.New("cache failsafe: recovery in progress")

// Logger defines the logging surface used by the monitor.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Cleaner executes cache eviction when instructed by the monitor.
type Cleaner interface {
	RunOnce(ctx context.Context, trigger cleaner.Trigger) (cleaner.Report, error)
}

// SyncController suspends background sync drains while space is reclaimed.
type SyncController interface {
	PauseSync(ctx context.Context) error
	ResumeSync(ctx context.Context) error
}

// Option customises monitor construction.
type Option func(*Monitor)

// WithLogger replaces the default logger.
func WithLogger(logger Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// Monitor coordinates quota recovery by pausing sync drains and invoking the cleaner.
type Monitor struct {
	cleaner Cleaner
	sync    SyncController
	logger  Logger

	pending chan struct{}

	mu         sync.Mutex
	recovering bool
}

// NewMonitor constructs a Monitor instance.
func NewMonitor(cleaner Cleaner, sync SyncController, opts ...Option) (*Monitor, error) {
	if cleaner == nil {
		return nil, errors.New("cache failsafe: cleaner is required")
	}
	if sync == nil {
		return nil, errors.New("cache failsafe: sync controller is required")
	}

	m := &Monitor{
		cleaner: cleaner,
		sync:    sync,
		logger:  defaultLogger(),
		pending: make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.logger == nil {
		m.logger = defaultLogger()
	}

	return m, nil
}

// Notify inspects a cache write error and schedules a recovery when it is a
// quota failure. It never blocks; repeated notifications collapse into one run.
func (m *Monitor) Notify(err error) bool {
	if !errors.Is(err, registry.ErrQuotaExceeded) {
		return false
	}
	select {
	case m.pending <- struct{}{}:
		m.logger.Warnf("failsafe: quota exceeded, recovery scheduled: %v", err)
	default:
	}
	return true
}

// Run performs scheduled recoveries until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.pending:
			if err := m.HandleQuotaExceeded(ctx); err != nil && !errors.Is(err, ErrRecoveryInProgress) {
				m.logger.Errorf("failsafe: recovery failed: %v", err)
			}
		}
	}
}

// HandleQuotaExceeded pauses sync drains, runs the cleaner with the quota
// trigger and resumes drains unless recovery failed fatally.
func (m *Monitor) HandleQuotaExceeded(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if !m.beginRecovery() {
		return ErrRecoveryInProgress
	}
	defer m.endRecovery()

	if err := m.sync.PauseSync(ctx); err != nil {
		return fmt.Errorf("cache failsafe: pause sync: %w", err)
	}

	report, err := m.cleaner.RunOnce(ctx, cleaner.Trigger{Reason: cleaner.TriggerReasonQuota})
	if err != nil {
		if errors.Is(err, cleaner.ErrFatalCondition) {
			// Drains stay paused; queued tasks remain durable until an operator frees space.
			return fmt.Errorf("%w: %v", ErrRecoveryFailed, err)
		}

		if resumeErr := m.sync.ResumeSync(ctx); resumeErr != nil {
			m.logger.Warnf("failsafe: resume sync after error failed: %v", resumeErr)
		}
		return fmt.Errorf("cache failsafe: cleaner run: %w", err)
	}

	m.logger.Infof("failsafe: quota recovery completed, freed %d bytes", report.BytesFreed)

	if err := m.sync.ResumeSync(ctx); err != nil {
		return fmt.Errorf("cache failsafe: resume sync: %w", err)
	}

	return nil
}

func (m *Monitor) beginRecovery() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recovering {
		return false
	}
	m.recovering = true
	return true
}

func (m *Monitor) endRecovery() {
	m.mu.Lock()
	m.recovering = false
	m.mu.Unlock()
}

func defaultLogger() Logger {
	return logHandleAdapter{handle: log.GetLogger("cache-failsafe")}
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
