package interfaces

import (
	"context"
	"sync"
	"time"
)

// TimeProvider abstracts time operations to enable deterministic testing of
// retry backoff and funding polls.
//
// Usage for deterministic testing:
//
//	mockTime := NewMockTimeProvider(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
//	allocator := funding.NewAllocator(cfg, deps, funding.WithTimeProvider(mockTime))
type TimeProvider interface {
	// Now returns the current time.
	Now() time.Time

	// Since returns the duration elapsed since t.
	Since(t time.Time) time.Duration

	// Sleep pauses for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

// DefaultTimeProvider implements TimeProvider using the system clock.
type DefaultTimeProvider struct{}

// NewDefaultTimeProvider creates a new DefaultTimeProvider.
func NewDefaultTimeProvider() *DefaultTimeProvider {
	return &DefaultTimeProvider{}
}

// Now returns the current system time.
func (p *DefaultTimeProvider) Now() time.Time {
	return time.Now()
}

// Since returns the duration elapsed since t using the system clock.
func (p *DefaultTimeProvider) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// Sleep blocks for d, returning early with ctx.Err() on cancellation.
func (p *DefaultTimeProvider) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// MockTimeProvider is a test clock. Sleep advances the clock instantly and
// then invokes the optional hook, which tests use to mine blocks or inject
// ledger changes while a poll loop waits.
type MockTimeProvider struct {
	mu          sync.Mutex
	currentTime time.Time
	slept       time.Duration
	onSleep     func(d time.Duration)
}

// NewMockTimeProvider creates a MockTimeProvider starting at the specified time.
func NewMockTimeProvider(startTime time.Time) *MockTimeProvider {
	return &MockTimeProvider{currentTime: startTime}
}

// Now returns the mock's current time.
func (m *MockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTime
}

// Since returns the duration since t based on the mock's current time.
func (m *MockTimeProvider) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

// Advance moves the mock time forward by the specified duration.
func (m *MockTimeProvider) Advance(d time.Duration) {
	m.mu.Lock()
	m.currentTime = m.currentTime.Add(d)
	m.mu.Unlock()
}

// OnSleep installs a hook run after every Sleep.
func (m *MockTimeProvider) OnSleep(hook func(d time.Duration)) {
	m.mu.Lock()
	m.onSleep = hook
	m.mu.Unlock()
}

// Slept returns the total duration passed to Sleep.
func (m *MockTimeProvider) Slept() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slept
}

// Sleep advances the clock by d without blocking.
func (m *MockTimeProvider) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.currentTime = m.currentTime.Add(d)
	m.slept += d
	hook := m.onSleep
	m.mu.Unlock()

	if hook != nil {
		hook(d)
	}
	return nil
}

var defaultTimeProvider TimeProvider = NewDefaultTimeProvider()

// OrDefault returns tp, or the system clock when tp is nil.
func OrDefault(tp TimeProvider) TimeProvider {
	if tp != nil {
		return tp
	}
	return defaultTimeProvider
}
