package stats

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/nitella/nitellad/internal/common"
)

// ActiveConn is a live registry entry. The byte counters are shared
// atomics: the relay path bumps them on every read and the approval
// cache reads them concurrently for live usage attribution.
type ActiveConn struct {
	ID         string
	ProxyID    string
	SourceIP   string
	SourcePort int
	DestAddr   string
	StartTime  time.Time
	BytesIn    *atomic.Uint64
	BytesOut   *atomic.Uint64
	RuleID     string
	Geo        *common.GeoInfo
}

// ConnectionInfo is a point-in-time snapshot of an active connection.
type ConnectionInfo struct {
	ID         string
	ProxyID    string
	SourceIP   string
	SourcePort int
	DestAddr   string
	StartTime  time.Time
	BytesIn    int64
	BytesOut   int64
	RuleID     string
	Geo        *common.GeoInfo
}

type Summary struct {
	ActiveConns int64
	TotalConns  int64
	BytesIn     int64
	BytesOut    int64
}

type proxyCounters struct {
	totalConns atomic.Uint64
	bytesIn    atomic.Uint64
	bytesOut   atomic.Uint64
}

// Service is the process-wide registry of active connections plus
// per-proxy and global aggregate counters. Counter updates on the
// relay hot path touch only atomics; the registry mutex guards map
// mutation and subscriber bookkeeping.
type Service struct {
	mu          sync.RWMutex
	activeConns map[string]*ActiveConn
	proxyStats  map[string]*proxyCounters
	subscribers map[int]chan Event
	nextSubID   int

	totalConns atomic.Uint64
	bytesIn    atomic.Uint64
	bytesOut   atomic.Uint64
	blocked    atomic.Uint64
}

func NewService() *Service {
	return &Service{
		activeConns: map[string]*ActiveConn{},
		proxyStats:  map[string]*proxyCounters{},
		subscribers: map[int]chan Event{},
	}
}

// Subscribe registers an event consumer. Events are delivered with a
// non-blocking send: a subscriber that falls behind loses events rather
// than stalling the data plane. The returned func unsubscribes.
func (s *Service) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

func (s *Service) emit(e Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
}

func (s *Service) getProxyCounters(proxyID string) *proxyCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc, ok := s.proxyStats[proxyID]
	if !ok {
		pc = &proxyCounters{}
		s.proxyStats[proxyID] = pc
	}
	return pc
}

// RegisterConnection adds an entry to the registry, bumps the total
// counters and emits a "connected" event. The returned entry's byte
// counters are shared with the caller's relay path.
func (s *Service) RegisterConnection(
	id string,
	proxyID string,
	sourceIP string,
	sourcePort int,
	destAddr string,
	ruleID string,
	geo *common.GeoInfo,
) *ActiveConn {
	s.totalConns.Inc()
	s.getProxyCounters(proxyID).totalConns.Inc()

	entry := &ActiveConn{
		ID:         id,
		ProxyID:    proxyID,
		SourceIP:   sourceIP,
		SourcePort: sourcePort,
		DestAddr:   destAddr,
		StartTime:  time.Now(),
		BytesIn:    atomic.NewUint64(0),
		BytesOut:   atomic.NewUint64(0),
		RuleID:     ruleID,
		Geo:        geo,
	}

	s.mu.Lock()
	s.activeConns[id] = entry
	s.mu.Unlock()

	s.emit(Event{
		Type:       EventConnected,
		Timestamp:  time.Now(),
		ConnID:     id,
		ProxyID:    proxyID,
		SourceIP:   sourceIP,
		SourcePort: sourcePort,
		TargetAddr: destAddr,
		RuleID:     ruleID,
		Geo:        geo,
	})

	return entry
}

// UnregisterConnection removes an entry and emits a "closed" event
// carrying the final byte counts. Unknown ids are a no-op, so every
// handler exit path can call it unconditionally.
func (s *Service) UnregisterConnection(id string) {
	s.mu.Lock()
	entry, ok := s.activeConns[id]
	if ok {
		delete(s.activeConns, id)
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	s.emit(Event{
		Type:      EventClosed,
		Timestamp: time.Now(),
		ConnID:    entry.ID,
		ProxyID:   entry.ProxyID,
		SourceIP:  entry.SourceIP,
		BytesIn:   int64(entry.BytesIn.Load()),
		BytesOut:  int64(entry.BytesOut.Load()),
	})
}

// UpdateBytes is called from the relay path on every read. It updates
// the connection counters, the per-proxy aggregates and the globals.
func (s *Service) UpdateBytes(id string, inDelta uint64, outDelta uint64) {
	s.mu.RLock()
	entry, ok := s.activeConns[id]
	s.mu.RUnlock()
	if !ok {
		return
	}

	entry.BytesIn.Add(inDelta)
	entry.BytesOut.Add(outDelta)

	s.bytesIn.Add(inDelta)
	s.bytesOut.Add(outDelta)

	s.mu.RLock()
	pc, ok := s.proxyStats[entry.ProxyID]
	s.mu.RUnlock()
	if ok {
		pc.bytesIn.Add(inDelta)
		pc.bytesOut.Add(outDelta)
	}
}

func (s *Service) RecordBlock(ip string, ruleID string) {
	s.blocked.Inc()
	s.emit(Event{
		Type:      EventBlocked,
		Timestamp: time.Now(),
		SourceIP:  ip,
		RuleID:    ruleID,
	})
}

func (s *Service) RecordApprovalRequest(
	ip string,
	ruleID string,
	proxyID string,
	reqID string,
) {
	log.Info().
		Str("request", reqID).
		Str("proxy", proxyID).
		Str("ip", ip).
		Str("rule", ruleID).
		Msg("Alert generated (pending approval)")

	s.emit(Event{
		Type:       EventPendingApproval,
		Timestamp:  time.Now(),
		ConnID:     reqID,
		ProxyID:    proxyID,
		SourceIP:   ip,
		TargetAddr: proxyID,
		RuleID:     ruleID,
	})
}

func (s *Service) BlockedCount() int64 {
	return int64(s.blocked.Load())
}

// GetActiveConnections snapshots the registry, optionally filtered by
// proxy id ("" means all).
func (s *Service) GetActiveConnections(proxyID string) []ConnectionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ConnectionInfo, 0, len(s.activeConns))
	for _, e := range s.activeConns {
		if proxyID != "" && e.ProxyID != proxyID {
			continue
		}
		out = append(out, ConnectionInfo{
			ID:         e.ID,
			ProxyID:    e.ProxyID,
			SourceIP:   e.SourceIP,
			SourcePort: e.SourcePort,
			DestAddr:   e.DestAddr,
			StartTime:  e.StartTime,
			BytesIn:    int64(e.BytesIn.Load()),
			BytesOut:   int64(e.BytesOut.Load()),
			RuleID:     e.RuleID,
			Geo:        e.Geo,
		})
	}
	return out
}

// GetSummary returns aggregate counters, per proxy or global ("").
func (s *Service) GetSummary(proxyID string) Summary {
	if proxyID == "" {
		s.mu.RLock()
		active := int64(len(s.activeConns))
		s.mu.RUnlock()
		return Summary{
			ActiveConns: active,
			TotalConns:  int64(s.totalConns.Load()),
			BytesIn:     int64(s.bytesIn.Load()),
			BytesOut:    int64(s.bytesOut.Load()),
		}
	}

	s.mu.RLock()
	var active int64
	for _, e := range s.activeConns {
		if e.ProxyID == proxyID {
			active++
		}
	}
	pc, ok := s.proxyStats[proxyID]
	s.mu.RUnlock()

	sum := Summary{ActiveConns: active}
	if ok {
		sum.TotalConns = int64(pc.totalConns.Load())
		sum.BytesIn = int64(pc.bytesIn.Load())
		sum.BytesOut = int64(pc.bytesOut.Load())
	}
	return sum
}
