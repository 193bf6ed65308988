package export

// limiter.go bounds the number of exports running at once.
//
// Every export holds one pooled database connection for as long as it is
// being delivered, and a buffered export also holds its workbook in memory.
// The limiter caps both with a channel semaphore. A request that cannot get
// a slot within maxWait fails with ErrTooManyExports instead of queueing
// indefinitely behind long downloads.

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTooManyExports is returned when every export slot stays occupied for
// the whole wait period. Clients should retry later.
var ErrTooManyExports = errors.New("too many concurrent exports, please try again later")

const (
	DefaultMaxConcurrent = 4
	DefaultMaxWait       = 15 * time.Second
	drainPollInterval    = 50 * time.Millisecond
)

// Limiter is a semaphore over export slots.
type Limiter struct {
	slots   chan struct{}
	maxWait time.Duration

	mu       sync.Mutex
	active   int
	onChange func(active int)
}

// NewLimiter allows at most maxConcurrent exports at once. Non-positive
// arguments fall back to the defaults.
func NewLimiter(maxConcurrent int, maxWait time.Duration) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	return &Limiter{
		slots:   make(chan struct{}, maxConcurrent),
		maxWait: maxWait,
	}
}

// Acquire waits for a free slot and returns the function that gives it
// back. The release function is safe to call more than once.
func (l *Limiter) Acquire(ctx context.Context) (release func(), err error) {
	timer := time.NewTimer(l.maxWait)
	defer timer.Stop()

	select {
	case l.slots <- struct{}{}:
	case <-timer.C:
		return nil, ErrTooManyExports
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	l.adjust(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			l.adjust(-1)
			<-l.slots
		})
	}, nil
}

// Active returns the number of slots in use.
func (l *Limiter) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// MaxConcurrent returns the slot count.
func (l *Limiter) MaxConcurrent() int {
	return cap(l.slots)
}

// Available returns the number of free slots.
func (l *Limiter) Available() int {
	return cap(l.slots) - len(l.slots)
}

// WaitForDrain blocks until no export holds a slot or ctx is done.
// Used during shutdown so running downloads can finish.
func (l *Limiter) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		if l.Active() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// LimiterStatus is a snapshot of the limiter for the health endpoint.
type LimiterStatus struct {
	Active        int `json:"active"`
	Available     int `json:"available"`
	MaxConcurrent int `json:"maxConcurrent"`
}

// Status returns the current limiter state.
func (l *Limiter) Status() LimiterStatus {
	return LimiterStatus{
		Active:        l.Active(),
		Available:     l.Available(),
		MaxConcurrent: l.MaxConcurrent(),
	}
}

func (l *Limiter) adjust(delta int) {
	l.mu.Lock()
	l.active += delta
	active := l.active
	hook := l.onChange
	l.mu.Unlock()
	if hook != nil {
		hook(active)
	}
}
