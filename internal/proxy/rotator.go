// Package proxy tracks a pool of outbound HTTP proxies for the extraction
// engines. Selection favours the proxy with the fewest recent failures;
// proxies that keep failing are benched for a cooldown period instead of
// being removed.
package proxy

import (
	"sync"
	"time"
)

// Health is the reported state of one pool member.
type Health struct {
	URL          string    `json:"url"`
	Failures     int       `json:"failures"`
	CoolingUntil time.Time `json:"cooling_until,omitempty"`
}

// Rotator hands out proxies and records their outcomes.
type Rotator struct {
	mu            sync.Mutex
	proxies       []string
	failures      map[string]int
	coolingUntil  map[string]time.Time
	maxFailures   int
	cooldown      time.Duration
	rotationIndex int
	observe       func(event string)
	now           func() time.Time
}

// NewRotator builds a pool. maxFailures consecutive failures bench a proxy
// for the cooldown period; sensible defaults apply when zero.
func NewRotator(proxies []string, maxFailures int, cooldown time.Duration) *Rotator {
	if maxFailures <= 0 {
		maxFailures = 3
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	unique := make([]string, 0, len(proxies))
	seen := make(map[string]struct{}, len(proxies))
	for _, p := range proxies {
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		unique = append(unique, p)
	}
	return &Rotator{
		proxies:      unique,
		failures:     make(map[string]int),
		coolingUntil: make(map[string]time.Time),
		maxFailures:  maxFailures,
		cooldown:     cooldown,
		observe:      func(string) {},
		now:          time.Now,
	}
}

// Observe registers a callback invoked with "bench" when a proxy is
// benched and "restore" when one returns to rotation.
func (r *Rotator) Observe(fn func(event string)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.observe = fn
	r.mu.Unlock()
}

// Empty reports whether the pool has no members at all.
func (r *Rotator) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.proxies) == 0
}

// Next returns the healthiest available proxy. The second return is false
// when the pool is empty or every member is cooling down, in which case the
// caller proceeds without a proxy.
func (r *Rotator) Next() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()

	best := ""
	bestFailures := -1
	n := len(r.proxies)
	for i := 0; i < n; i++ {
		candidate := r.proxies[(r.rotationIndex+i)%n]
		if until, cooling := r.coolingUntil[candidate]; cooling {
			if now.Before(until) {
				continue
			}
			delete(r.coolingUntil, candidate)
			r.failures[candidate] = 0
			r.observe("restore")
		}
		failures := r.failures[candidate]
		if bestFailures == -1 || failures < bestFailures {
			best = candidate
			bestFailures = failures
		}
	}
	if bestFailures == -1 {
		return "", false
	}
	r.rotationIndex++
	return best, true
}

// MarkFailure records a failed request through the proxy. Reaching the
// failure threshold benches it for the cooldown period.
func (r *Rotator) MarkFailure(proxy string) {
	if proxy == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[proxy]++
	if r.failures[proxy] >= r.maxFailures {
		r.coolingUntil[proxy] = r.now().Add(r.cooldown)
		r.observe("bench")
	}
}

// MarkSuccess clears the failure streak for the proxy.
func (r *Rotator) MarkSuccess(proxy string) {
	if proxy == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[proxy] = 0
	if _, cooling := r.coolingUntil[proxy]; cooling {
		delete(r.coolingUntil, proxy)
		r.observe("restore")
	}
}

// Snapshot reports per-proxy health for the admin surface.
func (r *Rotator) Snapshot() []Health {
	r.mu.Lock()
	defer r.mu.Unlock()
	states := make([]Health, 0, len(r.proxies))
	for _, p := range r.proxies {
		state := Health{URL: p, Failures: r.failures[p]}
		if until, ok := r.coolingUntil[p]; ok {
			state.CoolingUntil = until
		}
		states = append(states, state)
	}
	return states
}
