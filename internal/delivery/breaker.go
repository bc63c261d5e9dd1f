package delivery

import (
	"sync"
	"time"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

type endpointBreaker struct {
	st               breakerState
	consecutiveFails int
	nextProbeAt      time.Time
	probeInFlight    bool
}

// BreakerSet holds one circuit breaker per subscription endpoint. A breaker
// opens after threshold consecutive transient failures and, once the open
// window elapses, admits a single probe attempt; everything else is deferred
// until the probe settles. Receiver faults (4xx) prove the endpoint is alive
// and close the breaker like a success does.
type BreakerSet struct {
	mu        sync.Mutex
	threshold int
	openFor   time.Duration
	byID      map[string]*endpointBreaker

	now func() time.Time
}

// NewBreakerSet builds a breaker set. threshold <= 0 disables breaking
// entirely; openFor <= 0 falls back to 30s.
func NewBreakerSet(threshold int, openFor time.Duration) *BreakerSet {
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	return &BreakerSet{
		threshold: threshold,
		openFor:   openFor,
		byID:      make(map[string]*endpointBreaker),
		now:       time.Now,
	}
}

// TryAcquire reports whether an attempt against the subscription's endpoint
// may proceed right now. Acquiring in the open or half-open state reserves
// the probe slot; the caller must settle it with OnSuccess or OnFailure.
func (s *BreakerSet) TryAcquire(subID string) bool {
	if s == nil || s.threshold <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.byID[subID]
	if b == nil {
		return true // no failures recorded yet
	}

	switch b.st {
	case breakerClosed:
		return true
	case breakerOpen:
		if s.now().After(b.nextProbeAt) && !b.probeInFlight {
			b.st = breakerHalfOpen
			b.probeInFlight = true
			return true
		}
		return false
	default: // breakerHalfOpen
		if !b.probeInFlight {
			b.probeInFlight = true
			return true
		}
		return false
	}
}

// OnSuccess closes the subscription's breaker and clears its failure count.
func (s *BreakerSet) OnSuccess(subID string) {
	if s == nil || s.threshold <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.byID[subID]
	if b == nil {
		return
	}
	delete(s.byID, subID) // closed with zero fails carries no state
}

// OnFailure records a transient failure. The breaker opens when the
// consecutive count reaches the threshold, and re-opens with a fresh window
// when a half-open probe fails.
func (s *BreakerSet) OnFailure(subID string) {
	if s == nil || s.threshold <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.byID[subID]
	if b == nil {
		b = &endpointBreaker{}
		s.byID[subID] = b
	}

	if b.st == breakerHalfOpen {
		b.st = breakerOpen
		b.nextProbeAt = s.now().Add(s.openFor)
		b.probeInFlight = false
		return
	}

	b.consecutiveFails++
	if b.consecutiveFails >= s.threshold {
		b.st = breakerOpen
		b.nextProbeAt = s.now().Add(s.openFor)
	}
}

// Remove drops breaker state for a deleted subscription.
func (s *BreakerSet) Remove(subID string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	delete(s.byID, subID)
	s.mu.Unlock()
}
