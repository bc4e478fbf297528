package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type window struct {
	count   int
	resetAt time.Time
}

// MemoryLimiter keeps fixed windows in process memory. Expired windows are swept
// periodically by a background goroutine until Stop is called.
type MemoryLimiter struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	windows map[string]*window

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMemoryLimiter creates a limiter and starts its cleanup loop.
func NewMemoryLimiter(ctx context.Context, cfg Config, cleanupInterval time.Duration) *MemoryLimiter {
	limiterCtx, cancel := context.WithCancel(ctx)

	l := &MemoryLimiter{
		cfg:     cfg,
		now:     time.Now,
		windows: make(map[string]*window),
		ctx:     limiterCtx,
		cancel:  cancel,
	}

	if cleanupInterval > 0 {
		l.wg.Add(1)
		go l.cleanupLoop(cleanupInterval)
	}

	return l
}

// Allow counts a request against key.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(l.cfg.Window)}
		l.windows[key] = w
	}
	w.count++

	return Decision{
		Allowed:   w.count <= l.cfg.Limit,
		Limit:     l.cfg.Limit,
		Remaining: max(l.cfg.Limit-w.count, 0),
		ResetAt:   w.resetAt,
	}, nil
}

// Stop halts the cleanup loop.
func (l *MemoryLimiter) Stop() {
	l.cancel()
	l.wg.Wait()
}

func (l *MemoryLimiter) cleanupLoop(interval time.Duration) {
	defer l.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			if n := l.sweep(); n > 0 {
				log.Debug().Int("expired", n).Msg("Swept rate limit windows")
			}
		}
	}
}

// sweep drops expired windows and returns how many were removed.
func (l *MemoryLimiter) sweep() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}
