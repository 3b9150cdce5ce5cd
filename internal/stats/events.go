package stats

import (
	"time"

	"github.com/nitella/nitellad/internal/common"
)

type EventType int32

const (
	EventConnected EventType = iota
	EventClosed
	EventBlocked
	EventPendingApproval
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventClosed:
		return "closed"
	case EventBlocked:
		return "blocked"
	case EventPendingApproval:
		return "pending_approval"
	default:
		return "unknown"
	}
}

// Event is a connection lifecycle notification consumed by external
// metrics and alerting collaborators.
type Event struct {
	Type       EventType
	Timestamp  time.Time
	ConnID     string
	ProxyID    string
	SourceIP   string
	SourcePort int
	TargetAddr string
	RuleID     string
	BytesIn    int64
	BytesOut   int64
	Geo        *common.GeoInfo
}
