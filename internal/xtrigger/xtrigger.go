// Package xtrigger implements the xtrigger manager (spec §4.7): clock
// triggers evaluated synchronously, and generic xtriggers dispatched
// through a caller-supplied Dispatcher with per-signature memoization,
// deduplication, and throttling. Poll waits for the Dispatcher's result
// before returning.
package xtrigger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/cylcgo/scheduler/internal/corelib/resilience"
	"github.com/cylcgo/scheduler/internal/cycletime"
)

// XTriggerError reports a function call that raised or returned malformed
// output (spec §7): treated as "not satisfied", logged, subject to the
// normal retry interval.
type XTriggerError struct {
	Signature string
	Msg       string
}

func (e *XTriggerError) Error() string {
	return fmt.Sprintf("xtrigger error for %q: %s", e.Signature, e.Msg)
}

// Call is a call descriptor for a generic xtrigger function.
type Call struct {
	FuncName string
	Args     []string
	Kwargs   map[string]string
	Interval time.Duration
}

// Signature returns a canonical string uniquely identifying this call,
// used as the memoization/dedup key (spec §3).
func (c Call) Signature() string {
	var b strings.Builder
	b.WriteString(c.FuncName)
	b.WriteByte('(')
	for i, a := range c.Args {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(a)
	}
	if len(c.Kwargs) > 0 {
		keys := make([]string, 0, len(c.Kwargs))
		for k := range c.Kwargs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if len(c.Args) > 0 || b.Len() > len(c.FuncName)+1 {
				b.WriteByte(',')
			}
			fmt.Fprintf(&b, "%s=%s", k, c.Kwargs[k])
		}
	}
	b.WriteByte(')')
	return b.String()
}

// Result is the outcome of one xtrigger function call.
type Result struct {
	Satisfied bool
	Data      map[string]string
}

// ClockTrigger is a pure function of (cycle point, offset), evaluated
// synchronously and memoized per signature (spec §4.7).
type ClockTrigger struct {
	Label  string
	Offset cycletime.Interval
}

func (c ClockTrigger) signature(point cycletime.Point) string {
	return fmt.Sprintf("clock:%s@%s", c.Label, point.String())
}

// Dispatcher submits a generic xtrigger call for out-of-process execution,
// returning its parsed result. Implemented by internal/subproc; kept as an
// interface here to keep the manager decoupled from the subprocess pool.
type Dispatcher interface {
	Dispatch(ctx context.Context, call Call) (Result, error)
}

type cacheEntry struct {
	result      Result
	nextAllowed time.Time
}

// Manager is the xtrigger manager.
type Manager struct {
	clockCache *lru.Cache[string, bool]
	xtrigCache *lru.Cache[string, cacheEntry]

	mu      sync.Mutex
	pending map[string]bool // signatures currently in flight (the "active set")

	sf      singleflight.Group
	limiter *resilience.HybridRateLimiter
	now     func() time.Time
}

// NewManager builds a Manager. limiter throttles the overall rate of
// xtrigger-function dispatch into the subprocess pool; per-signature
// negative-result throttling (spec §4.7: "next call no earlier than
// now + interval") is tracked independently in xtrigCache.
func NewManager(limiter *resilience.HybridRateLimiter) *Manager {
	clockCache, _ := lru.New[string, bool](4096)
	xtrigCache, _ := lru.New[string, cacheEntry](4096)
	return &Manager{
		clockCache: clockCache,
		xtrigCache: xtrigCache,
		pending:    make(map[string]bool),
		limiter:    limiter,
		now:        time.Now,
	}
}

// EvaluateClock evaluates a clock trigger for the given task cycle point,
// memoized per (label, point) signature once satisfied; an unsatisfied
// result is recomputed on the next call.
func (m *Manager) EvaluateClock(ct ClockTrigger, point cycletime.Point) bool {
	sig := ct.signature(point)
	if v, ok := m.clockCache.Get(sig); ok {
		return v
	}
	iso, ok := point.(cycletime.ISOPoint)
	var satisfied bool
	if ok {
		target := iso
		if ct.Offset != nil {
			target = iso.Add(ct.Offset).(cycletime.ISOPoint)
		}
		satisfied = !m.now().Before(target.Time())
	}
	if satisfied {
		m.clockCache.Add(sig, true)
	}
	return satisfied
}

// IsPending reports whether a signature currently has an in-flight
// dispatch (used by the engine's stall check).
func (m *Manager) IsPending(sig string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending[sig]
}

// Poll evaluates one generic xtrigger call, consulting the memoization
// cache, deduplicating concurrent callers of the same signature via
// singleflight, and throttling both per-signature retries and overall
// dispatch rate (spec §4.7).
func (m *Manager) Poll(ctx context.Context, call Call, d Dispatcher) (Result, error) {
	sig := call.Signature()

	if entry, ok := m.xtrigCache.Get(sig); ok {
		if entry.result.Satisfied {
			return entry.result, nil // satisfied forever
		}
		if m.now().Before(entry.nextAllowed) {
			return Result{}, nil // throttled, too soon to retry
		}
	}

	m.mu.Lock()
	m.pending[sig] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, sig)
		m.mu.Unlock()
	}()

	v, err, _ := m.sf.Do(sig, func() (any, error) {
		if m.limiter != nil {
			if err := m.limiter.AllowOrWait(ctx); err != nil {
				return Result{}, err
			}
		}
		res, derr := d.Dispatch(ctx, call)
		if derr != nil {
			m.xtrigCache.Add(sig, cacheEntry{nextAllowed: m.now().Add(call.Interval)})
			return Result{}, &XTriggerError{Signature: sig, Msg: derr.Error()}
		}
		entry := cacheEntry{result: res}
		if !res.Satisfied {
			entry.nextAllowed = m.now().Add(call.Interval)
		}
		m.xtrigCache.Add(sig, entry)
		return res, nil
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}
