package backpressure

import (
	"sync"
	"time"
)

// BreakerState is one of the three circuit breaker states (spec §4.6).
type BreakerState string

const (
	Closed   BreakerState = "closed"
	Open     BreakerState = "open"
	HalfOpen BreakerState = "half_open"
)

// outcome is a single recorded call result, used to compute the rolling
// failure ratio over the configured fail window.
type outcome struct {
	at      time.Time
	success bool
}

// Breaker is a three-state circuit breaker for one downstream topic.
// Closed forwards normally while tracking the rolling failure ratio;
// crossing failThreshold within failWindow opens the breaker. Open
// rejects everything until halfOpenAfter elapses, then allows exactly
// one probe; the probe's outcome decides the next state.
type Breaker struct {
	failWindow    time.Duration
	failThreshold float64
	halfOpenAfter time.Duration

	mu          sync.Mutex
	state       BreakerState
	openedAt    time.Time
	history     []outcome
	probeOutReq bool // a half-open probe has been handed out, awaiting its result
}

// NewBreaker creates a Closed breaker with the given policy.
func NewBreaker(failWindow time.Duration, failThreshold float64, halfOpenAfter time.Duration) *Breaker {
	return &Breaker{
		failWindow:    failWindow,
		failThreshold: failThreshold,
		halfOpenAfter: halfOpenAfter,
		state:         Closed,
	}
}

// Allow reports whether a call may proceed, and the breaker's state as
// observed at the decision point. In Open state before halfOpenAfter
// has elapsed, it returns false. Once halfOpenAfter has elapsed it
// transitions to HalfOpen and allows exactly one probe through; further
// calls are rejected until that probe's outcome is recorded.
func (b *Breaker) Allow() (bool, BreakerState) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true, Closed
	case Open:
		if time.Since(b.openedAt) < b.halfOpenAfter {
			return false, Open
		}
		b.state = HalfOpen
		b.probeOutReq = true
		return true, HalfOpen
	case HalfOpen:
		if b.probeOutReq {
			return false, HalfOpen
		}
		b.probeOutReq = true
		return true, HalfOpen
	}
	return false, b.state
}

// RecordSuccess records a successful call outcome.
func (b *Breaker) RecordSuccess() {
	b.record(true)
}

// RecordFailure records a failed call outcome.
func (b *Breaker) RecordFailure() {
	b.record(false)
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	if b.state == HalfOpen {
		b.probeOutReq = false
		if success {
			b.state = Closed
			b.history = nil
		} else {
			b.state = Open
			b.openedAt = now
			b.history = nil
		}
		return
	}

	b.history = append(b.history, outcome{at: now, success: success})
	b.history = pruneBefore(b.history, now.Add(-b.failWindow))

	if b.state == Closed && b.failureRatio() >= b.failThreshold && len(b.history) > 0 {
		b.state = Open
		b.openedAt = now
	}
}

func (b *Breaker) failureRatio() float64 {
	if len(b.history) == 0 {
		return 0
	}
	failures := 0
	for _, o := range b.history {
		if !o.success {
			failures++
		}
	}
	return float64(failures) / float64(len(b.history))
}

func pruneBefore(history []outcome, cutoff time.Time) []outcome {
	i := 0
	for i < len(history) && history[i].at.Before(cutoff) {
		i++
	}
	return history[i:]
}

// State returns the breaker's current state without side effects.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Breakers manages one Breaker per downstream topic.
type Breakers struct {
	failWindow    time.Duration
	failThreshold float64
	halfOpenAfter time.Duration

	mu      sync.Mutex
	byTopic map[string]*Breaker
}

// NewBreakers creates a manager applying the same policy to every topic.
func NewBreakers(failWindow time.Duration, failThreshold float64, halfOpenAfter time.Duration) *Breakers {
	return &Breakers{
		failWindow:    failWindow,
		failThreshold: failThreshold,
		halfOpenAfter: halfOpenAfter,
		byTopic:       make(map[string]*Breaker),
	}
}

// For returns the breaker for topic, creating it on first use.
func (bs *Breakers) For(topic string) *Breaker {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	b, ok := bs.byTopic[topic]
	if !ok {
		b = NewBreaker(bs.failWindow, bs.failThreshold, bs.halfOpenAfter)
		bs.byTopic[topic] = b
	}
	return b
}
