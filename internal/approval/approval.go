package approval

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/nitella/nitellad/internal/common"
)

const (
	DefaultMaxPending         = 1000
	DefaultMaxPendingPerIP    = 10
	DefaultMaxPendingPerProxy = 200
	MaxConnsPerEntry          = 1000

	RequestTimeout       = 120 * time.Second
	DefaultCacheDuration = 300 * time.Second
	CacheSweepInterval   = 10 * time.Second
)

// ReqData describes one pending approval request.
type ReqData struct {
	ID        string
	ProxyID   string
	SourceIP  string
	RuleID    string
	Info      string
	CreatedAt time.Time
}

// Result is the decision delivered to a waiting requester.
type Result struct {
	Allowed         bool
	Retention       common.RetentionMode
	DurationSeconds int64
}

// CacheEntry is the externally visible view of a cached decision.
// BytesIn/BytesOut cover closed connections plus, in ListActive
// snapshots, the live counters of still-open connections.
type CacheEntry struct {
	Key          string
	SourceIP     string
	RuleID       string
	ProxyID      string
	Allowed      bool
	CreatedAt    time.Time
	ExpiresAt    time.Time
	GeoCountry   string
	GeoCity      string
	GeoISP       string
	BytesIn      int64
	BytesOut     int64
	BlockedCount int64
}

type liveConn struct {
	bytesIn  *atomic.Uint64
	bytesOut *atomic.Uint64
}

type cacheEntry struct {
	data      CacheEntry
	liveConns map[string]liveConn
}

type pendingReq struct {
	data ReqData
	ch   chan Result
}

// Manager tracks in-flight approval requests keyed by id, with three
// DoS caps enforced atomically, and the decision cache keyed by
// source IP + rule id.
type Manager struct {
	pendingMu sync.Mutex
	requests  map[string]*pendingReq
	byIP      map[string]int
	byProxy   map[string]int

	cacheMu sync.RWMutex
	cache   map[string]*cacheEntry

	done chan struct{}
	once sync.Once
}

func NewManager() *Manager {
	m := &Manager{
		requests: map[string]*pendingReq{},
		byIP:     map[string]int{},
		byProxy:  map[string]int{},
		cache:    map[string]*cacheEntry{},
		done:     make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

func (m *Manager) Close() {
	m.once.Do(func() { close(m.done) })
}

func (m *Manager) sweepLoop() {
	t := time.NewTicker(CacheSweepInterval)
	defer t.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-t.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	now := time.Now()
	m.cacheMu.Lock()
	var removed int
	for k, e := range m.cache {
		if !now.Before(e.data.ExpiresAt) {
			delete(m.cache, k)
			removed++
		}
	}
	m.cacheMu.Unlock()
	if removed > 0 {
		log.Info().Int("count", removed).Msg("Cleaned up expired approval cache entries")
	}
}

// CacheKey builds the decision-cache key for a source IP + rule pair.
func CacheKey(sourceIP string, ruleID string) string {
	return sourceIP + "\x00" + ruleID
}

// CheckCache is a pure read: it returns the cached decision with the
// remaining validity if an unexpired entry exists.
func (m *Manager) CheckCache(sourceIP string, ruleID string) (Result, bool) {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()

	entry, ok := m.cache[CacheKey(sourceIP, ruleID)]
	if !ok {
		return Result{}, false
	}
	now := time.Now()
	if !now.Before(entry.data.ExpiresAt) {
		return Result{}, false
	}
	return Result{
		Allowed:         entry.data.Allowed,
		Retention:       common.RetentionCache,
		DurationSeconds: int64(entry.data.ExpiresAt.Sub(now).Seconds()),
	}, true
}

// RequestApproval admits the request under the three DoS caps, then
// blocks until it is resolved, the request times out, or ctx is
// cancelled. Timeout and cancellation both yield a deny result, not an
// error. Pending-state counters are released exactly once regardless
// of outcome.
func (m *Manager) RequestApproval(
	ctx context.Context,
	data ReqData,
) (Result, error) {
	req := &pendingReq{
		data: data,
		ch:   make(chan Result, 1),
	}

	m.pendingMu.Lock()
	if len(m.requests) >= DefaultMaxPending {
		m.pendingMu.Unlock()
		return Result{}, &TooManyPendingError{max: DefaultMaxPending}
	}
	if m.byIP[data.SourceIP] >= DefaultMaxPendingPerIP {
		m.pendingMu.Unlock()
		return Result{}, &TooManyPendingPerIPError{
			ip:  data.SourceIP,
			max: DefaultMaxPendingPerIP,
		}
	}
	if data.ProxyID != "" {
		if m.byProxy[data.ProxyID] >= DefaultMaxPendingPerProxy {
			m.pendingMu.Unlock()
			return Result{}, &TooManyPendingPerProxyError{
				proxy: data.ProxyID,
				max:   DefaultMaxPendingPerProxy,
			}
		}
		m.byProxy[data.ProxyID]++
	}
	m.byIP[data.SourceIP]++
	m.requests[data.ID] = req
	m.pendingMu.Unlock()

	timer := time.NewTimer(RequestTimeout)
	defer timer.Stop()

	var result Result
	select {
	case result = <-req.ch:
	case <-timer.C:
	case <-ctx.Done():
	}

	// release pending state unconditionally; a no-op if Resolve
	// already removed the entry
	m.cancelPending(data.ID)

	return result, nil
}

// cancelPending removes a pending entry and decrements the DoS
// counters. Calling it twice for the same id is a no-op, which keeps
// the resolve and timeout paths from double-decrementing.
func (m *Manager) cancelPending(id string) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return
	}
	delete(m.requests, id)
	m.decrementLocked(req.data)
}

func (m *Manager) decrementLocked(data ReqData) {
	if n := m.byIP[data.SourceIP]; n > 1 {
		m.byIP[data.SourceIP] = n - 1
	} else {
		delete(m.byIP, data.SourceIP)
	}
	if data.ProxyID != "" {
		if n := m.byProxy[data.ProxyID]; n > 1 {
			m.byProxy[data.ProxyID] = n - 1
		} else {
			delete(m.byProxy, data.ProxyID)
		}
	}
}

// Resolve delivers a decision with cache retention.
func (m *Manager) Resolve(id string, allowed bool, durationSeconds int64) bool {
	return m.ResolveWithRetention(
		id,
		allowed,
		durationSeconds,
		common.RetentionCache,
	)
}

// ResolveWithRetention removes the pending entry, wakes the waiting
// requester with the decision and, for cache retention, stores the
// decision for future connections sharing the key. Returns false if
// the id is unknown (already resolved, timed out or cancelled).
func (m *Manager) ResolveWithRetention(
	id string,
	allowed bool,
	durationSeconds int64,
	mode common.RetentionMode,
) bool {
	m.pendingMu.Lock()
	req, ok := m.requests[id]
	if !ok {
		m.pendingMu.Unlock()
		return false
	}
	delete(m.requests, id)
	m.decrementLocked(req.data)
	m.pendingMu.Unlock()

	if mode == common.RetentionUnspecified {
		mode = common.RetentionCache
	}

	req.ch <- Result{
		Allowed:         allowed,
		Retention:       mode,
		DurationSeconds: durationSeconds,
	}

	if mode == common.RetentionCache {
		m.SeedCache(
			req.data.SourceIP,
			req.data.RuleID,
			req.data.ProxyID,
			allowed,
			durationSeconds,
			nil,
		)
	}

	return true
}

// SeedCache inserts or refreshes a decision-cache entry directly,
// optionally capturing a geo snapshot for display. A non-positive
// duration falls back to the default retention window.
func (m *Manager) SeedCache(
	sourceIP string,
	ruleID string,
	proxyID string,
	allowed bool,
	durationSeconds int64,
	geo *common.GeoInfo,
) {
	duration := time.Duration(durationSeconds) * time.Second
	if durationSeconds <= 0 {
		duration = DefaultCacheDuration
	}

	key := CacheKey(sourceIP, ruleID)
	now := time.Now()
	entry := &cacheEntry{
		data: CacheEntry{
			Key:       key,
			SourceIP:  sourceIP,
			RuleID:    ruleID,
			ProxyID:   proxyID,
			Allowed:   allowed,
			CreatedAt: now,
			ExpiresAt: now.Add(duration),
		},
		liveConns: map[string]liveConn{},
	}
	if geo != nil {
		entry.data.GeoCountry = geo.Country
		entry.data.GeoCity = geo.City
		entry.data.GeoISP = geo.ISP
	}

	m.cacheMu.Lock()
	m.cache[key] = entry
	m.cacheMu.Unlock()
}

// SetConnID attaches a live connection's byte counters to a cache
// entry so its usage shows up in ListActive while it is still open.
// Returns false if there is no entry or the per-entry cap is reached;
// callers treat that as non-fatal.
func (m *Manager) SetConnID(
	sourceIP string,
	ruleID string,
	connID string,
	bytesIn *atomic.Uint64,
	bytesOut *atomic.Uint64,
) bool {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()

	entry, ok := m.cache[CacheKey(sourceIP, ruleID)]
	if !ok {
		return false
	}
	if len(entry.liveConns) >= MaxConnsPerEntry {
		return false
	}
	entry.liveConns[connID] = liveConn{
		bytesIn:  bytesIn,
		bytesOut: bytesOut,
	}
	return true
}

// RemoveConnID detaches a closing connection, folding its final
// counter values into the entry's accumulated totals exactly once.
func (m *Manager) RemoveConnID(sourceIP string, ruleID string, connID string) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()

	entry, ok := m.cache[CacheKey(sourceIP, ruleID)]
	if !ok {
		return
	}
	lc, ok := entry.liveConns[connID]
	if !ok {
		return
	}
	delete(entry.liveConns, connID)
	entry.data.BytesIn += int64(lc.bytesIn.Load())
	entry.data.BytesOut += int64(lc.bytesOut.Load())
}

// IncrementBlockedCount bumps the counter of connection attempts
// blocked after a deny decision was cached for the key.
func (m *Manager) IncrementBlockedCount(sourceIP string, ruleID string) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	if entry, ok := m.cache[CacheKey(sourceIP, ruleID)]; ok {
		entry.data.BlockedCount++
	}
}

// ListActive snapshots all unexpired cache entries. Bytes are the
// accumulated totals plus the current values of live counters.
func (m *Manager) ListActive() []CacheEntry {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()

	now := time.Now()
	out := make([]CacheEntry, 0, len(m.cache))
	for _, entry := range m.cache {
		if !now.Before(entry.data.ExpiresAt) {
			continue
		}
		snap := entry.data
		for _, lc := range entry.liveConns {
			snap.BytesIn += int64(lc.bytesIn.Load())
			snap.BytesOut += int64(lc.bytesOut.Load())
		}
		out = append(out, snap)
	}
	return out
}

// ListPending snapshots the in-flight approval requests.
func (m *Manager) ListPending() []ReqData {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()

	out := make([]ReqData, 0, len(m.requests))
	for _, req := range m.requests {
		out = append(out, req.data)
	}
	return out
}

// CancelApproval removes a cache entry by key regardless of expiry.
func (m *Manager) CancelApproval(key string) bool {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	if _, ok := m.cache[key]; !ok {
		return false
	}
	delete(m.cache, key)
	return true
}
