package common

import "strings"

// Action is the effective disposition for a connection. The integer
// values are the wire/storage encoding and must stay stable.
type Action int32

const (
	ActionUnspecified Action = iota
	ActionAllow
	ActionBlock
	ActionMock
	ActionRequireApproval
)

func ParseAction(s string) Action {
	switch strings.ToLower(s) {
	case "allow":
		return ActionAllow
	case "block":
		return ActionBlock
	case "mock":
		return ActionMock
	case "approval", "require_approval":
		return ActionRequireApproval
	default:
		return ActionUnspecified
	}
}

func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "allow"
	case ActionBlock:
		return "block"
	case ActionMock:
		return "mock"
	case ActionRequireApproval:
		return "approval"
	default:
		return "unspecified"
	}
}

type MockPreset int32

const (
	PresetUnspecified MockPreset = iota
	PresetHTTP401
	PresetHTTP403
	PresetHTTP404
)

func ParseMockPreset(s string) MockPreset {
	switch strings.ToLower(s) {
	case "http401", "http_401":
		return PresetHTTP401
	case "http403", "http_403":
		return PresetHTTP403
	case "http404", "http_404":
		return PresetHTTP404
	default:
		return PresetUnspecified
	}
}

func (p MockPreset) String() string {
	switch p {
	case PresetHTTP401:
		return "http401"
	case PresetHTTP403:
		return "http403"
	case PresetHTTP404:
		return "http404"
	default:
		return "unspecified"
	}
}

type FallbackAction int32

const (
	FallbackClose FallbackAction = iota
	FallbackMock
)

func ParseFallbackAction(s string) FallbackAction {
	if strings.EqualFold(s, "mock") {
		return FallbackMock
	}
	return FallbackClose
}

// RetentionMode controls how long an approval decision is remembered:
// shared by source IP + rule for a duration, or only for the single
// gated connection.
type RetentionMode int32

const (
	RetentionUnspecified RetentionMode = iota
	RetentionCache
	RetentionConnectionOnly
)

func (m RetentionMode) String() string {
	switch m {
	case RetentionCache:
		return "cache"
	case RetentionConnectionOnly:
		return "connection_only"
	default:
		return "unspecified"
	}
}

type ClientAuthType int32

const (
	ClientAuthNone ClientAuthType = iota
	ClientAuthRequest
	ClientAuthRequire
	ClientAuthAuto
)

func ParseClientAuthType(s string) ClientAuthType {
	switch strings.ToLower(s) {
	case "request":
		return ClientAuthRequest
	case "require":
		return ClientAuthRequire
	case "auto":
		return ClientAuthAuto
	default:
		return ClientAuthNone
	}
}

type HealthStatus int32

const (
	HealthUnknown HealthStatus = iota
	HealthHealthy
	HealthUnhealthy
)

func (h HealthStatus) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}
