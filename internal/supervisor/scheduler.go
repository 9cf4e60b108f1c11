package supervisor

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/agentworkforce/chatrelay/internal/clock"
	"github.com/agentworkforce/chatrelay/internal/metrics"
)

var DefaultReconnectDelays = []time.Duration{2 * time.Second, 3 * time.Second, 5 * time.Second}

// delaySchedule walks a fixed list of delays and then repeats the last one.
// Bounding the attempts is left to backoff.WithMaxRetries.
type delaySchedule struct {
	delays []time.Duration
	next   int
}

func (d *delaySchedule) NextBackOff() time.Duration {
	if len(d.delays) == 0 {
		return backoff.Stop
	}
	i := d.next
	if i >= len(d.delays) {
		i = len(d.delays) - 1
	}
	d.next++
	return d.delays[i]
}

func (d *delaySchedule) Reset() { d.next = 0 }

type SchedulerOptions struct {
	Delays  []time.Duration
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Retry func(key string, attempt int)
	Exhausted func(key string)
}

// Scheduler runs bounded reconnect attempts per key. At most one timer is
// pending per key, so duplicate disconnect signals coalesce.
type Scheduler struct {
	delays    []time.Duration
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics
	retry     func(string, int)
	exhausted func(string)

	mu       sync.Mutex
	pending  map[string]clock.Timer
	policies map[string]backoff.BackOff
	attempts map[string]int
}

func NewScheduler(opts SchedulerOptions) *Scheduler {
	delays := append([]time.Duration(nil), opts.Delays...)
	if len(delays) == 0 {
		delays = append(delays, DefaultReconnectDelays...)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		delays:    delays,
		clock:     clock.OrReal(opts.Clock),
		logger:    logger.With("component", "reconnect"),
		metrics:   opts.Metrics,
		retry:     opts.Retry,
		exhausted: opts.Exhausted,
		pending:   map[string]clock.Timer{},
		policies:  map[string]backoff.BackOff{},
		attempts:  map[string]int{},
	}
}

// Schedule returns false when an attempt is already pending or the
// attempts are exhausted.
func (s *Scheduler) Schedule(key string) bool {
	s.mu.Lock()
	if _, ok := s.pending[key]; ok {
		s.mu.Unlock()
		return false
	}
	policy, ok := s.policies[key]
	if !ok {
		policy = backoff.WithMaxRetries(&delaySchedule{delays: s.delays}, uint64(len(s.delays)))
		s.policies[key] = policy
	}
	delay := policy.NextBackOff()
	if delay == backoff.Stop {
		delete(s.policies, key)
		delete(s.attempts, key)
		s.mu.Unlock()
		s.logger.Warn("reconnect attempts exhausted", "session_key", key)
		if s.exhausted != nil {
			s.exhausted(key)
		}
		return false
	}
	s.attempts[key]++
	attempt := s.attempts[key]
	s.armLocked(key, delay, attempt)
	s.mu.Unlock()

	s.metrics.ReconnectScheduled()
	s.logger.Info("reconnect scheduled", "session_key", key, "attempt", attempt, "delay", delay)
	return true
}

func (s *Scheduler) ScheduleLockRetry(key string, delay time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[key]; ok {
		return false
	}
	s.armLocked(key, delay, s.attempts[key])
	return true
}

func (s *Scheduler) armLocked(key string, delay time.Duration, attempt int) {
	var timer clock.Timer
	timer = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		if current, ok := s.pending[key]; !ok || current != timer {
			s.mu.Unlock()
			return
		}
		delete(s.pending, key)
		s.mu.Unlock()
		if s.retry != nil {
			s.retry(key, attempt)
		}
	})
	s.pending[key] = timer
}

func (s *Scheduler) Reset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.policies, key)
	delete(s.attempts, key)
}

func (s *Scheduler) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.pending[key]; ok {
		timer.Stop()
		delete(s.pending, key)
	}
	delete(s.policies, key)
	delete(s.attempts, key)
}

func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, timer := range s.pending {
		timer.Stop()
		delete(s.pending, key)
	}
	clear(s.policies)
	clear(s.attempts)
}

func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

func (s *Scheduler) Attempts(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[key]
}
