package webhookmon

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/veleda/pipetrack/internal/domain"
)

const maxRetryInterval = 5 * time.Minute

// retryDelay computes the wait before the given retry (1-based). Rate-limited
// deliveries back off from a minute, everything else from a second; both
// double per retry and cap at five minutes.
func retryDelay(category domain.FailureCategory, retry int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = maxRetryInterval
	bo.MaxElapsedTime = 0
	if category == domain.FailureRateLimit {
		bo.InitialInterval = time.Minute
	} else {
		bo.InitialInterval = time.Second
	}
	bo.Reset()

	delay := bo.NextBackOff()
	for i := 1; i < retry; i++ {
		delay = bo.NextBackOff()
	}
	return delay
}

// retryScheduler holds the pending retry timers, one per webhook, so they can
// be cancelled on resolution or shutdown.
type retryScheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

func newRetryScheduler() *retryScheduler {
	return &retryScheduler{timers: make(map[string]*time.Timer)}
}

// Schedule arms a timer for the webhook, replacing any pending one. fn runs
// on the timer goroutine once the delay elapses.
func (s *retryScheduler) Schedule(id string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.timers[id]; ok {
		t.Stop()
	}
	s.timers[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		delete(s.timers, id)
		s.mu.Unlock()
		fn()
	})
}

// Cancel stops the pending timer for the webhook, if any.
func (s *retryScheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

// Scheduled reports whether a retry is pending for the webhook.
func (s *retryScheduler) Scheduled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[id]
	return ok
}

// Pending returns the number of armed timers.
func (s *retryScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close cancels every pending timer. Further Schedule calls are no-ops.
func (s *retryScheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
