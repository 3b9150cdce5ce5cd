package rules

import (
	"net/netip"
	"strings"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/nitella/nitellad/internal/common"
)

type ConditionType int32

const (
	ConditionUnspecified ConditionType = iota
	ConditionSourceIP
	ConditionGeoCountry
	ConditionGeoISP
)

func ParseConditionType(s string) ConditionType {
	switch strings.ToLower(s) {
	case "source_ip", "ip":
		return ConditionSourceIP
	case "geo_country", "country":
		return ConditionGeoCountry
	case "geo_isp", "isp":
		return ConditionGeoISP
	default:
		return ConditionUnspecified
	}
}

func (t ConditionType) String() string {
	switch t {
	case ConditionSourceIP:
		return "source_ip"
	case ConditionGeoCountry:
		return "geo_country"
	case ConditionGeoISP:
		return "geo_isp"
	default:
		return "unspecified"
	}
}

type Operator int32

const (
	OperatorEq Operator = iota
	OperatorContains
)

type Condition struct {
	Type   ConditionType
	Op     Operator
	Value  string
	Negate bool
}

type MockConfig struct {
	Protocol string
	Preset   common.MockPreset
	Payload  []byte
	DelayMs  int
}

type Rule struct {
	ID            string
	Name          string
	Priority      int
	Enabled       bool
	Conditions    []Condition
	Action        common.Action
	TargetBackend string
	Mock          *MockConfig
	Expression    string
}

// FromConfig builds a Rule from its configuration form. Enum strings
// are mapped here; the stored rule keeps the raw condition values so a
// later reload recompiles CIDRs from scratch.
func FromConfig(cfg common.RuleConfig) Rule {
	r := Rule{
		ID:            cfg.ID,
		Name:          cfg.Name,
		Priority:      cfg.Priority,
		Enabled:       cfg.Enabled,
		Action:        common.ParseAction(cfg.Action),
		TargetBackend: cfg.TargetBackend,
		Expression:    cfg.Expression,
	}
	for _, c := range cfg.Conditions {
		op := OperatorEq
		if strings.EqualFold(c.Op, "contains") {
			op = OperatorContains
		}
		r.Conditions = append(r.Conditions, Condition{
			Type:   ParseConditionType(c.Type),
			Op:     op,
			Value:  c.Value,
			Negate: c.Negate,
		})
	}
	if cfg.Mock != nil {
		r.Mock = &MockConfig{
			Protocol: cfg.Mock.Protocol,
			Preset:   common.ParseMockPreset(cfg.Mock.Preset),
			Payload:  []byte(cfg.Mock.Payload),
			DelayMs:  cfg.Mock.DelayMs,
		}
	}
	return r
}

// Matcher is the compiled view of a single rule. Source-IP condition
// values are parsed once at build time; values that parse neither as a
// prefix nor as a bare address are dropped from the matcher only, the
// stored rule keeps them.
type Matcher struct {
	Rule        Rule
	sourceCIDRs []netip.Prefix
}

func NewMatcher(rule Rule) *Matcher {
	m := &Matcher{Rule: rule}
	for _, cond := range rule.Conditions {
		if cond.Type != ConditionSourceIP {
			continue
		}
		if p, err := netip.ParsePrefix(cond.Value); err == nil {
			m.sourceCIDRs = append(m.sourceCIDRs, p)
		} else if ip, err := netip.ParseAddr(cond.Value); err == nil {
			m.sourceCIDRs = append(
				m.sourceCIDRs,
				netip.PrefixFrom(ip, ip.BitLen()),
			)
		}
	}
	return m
}

func (m *Matcher) Matches(ip netip.Addr, geo *common.GeoInfo) bool {
	if !m.Rule.Enabled {
		return false
	}
	if len(m.Rule.Conditions) == 0 {
		return true
	}
	for i := range m.Rule.Conditions {
		if !m.checkCondition(&m.Rule.Conditions[i], ip, geo) {
			return false
		}
	}
	return true
}

func (m *Matcher) checkCondition(
	cond *Condition,
	ip netip.Addr,
	geo *common.GeoInfo,
) bool {
	var result bool
	switch cond.Type {
	case ConditionSourceIP:
		for _, net := range m.sourceCIDRs {
			if net.Contains(ip) {
				result = true
				break
			}
		}
	case ConditionGeoCountry:
		if geo != nil {
			result = strings.EqualFold(geo.CountryCode, cond.Value) ||
				strings.EqualFold(geo.Country, cond.Value)
		}
	case ConditionGeoISP:
		if geo != nil {
			result = strings.Contains(
				strings.ToLower(geo.ISP),
				strings.ToLower(cond.Value),
			)
		}
	default:
		result = false
	}

	if cond.Negate {
		return !result
	}
	return result
}

// Engine evaluates an IP plus optional geo snapshot against an ordered
// rule set. The compiled matcher slice is replaced as a whole on
// update, so readers always observe a consistent snapshot.
type Engine struct {
	mu       sync.RWMutex
	matchers []*Matcher
}

func NewEngine(rules []Rule) *Engine {
	e := &Engine{}
	e.matchers = compile(rules)
	return e
}

func compile(rules []Rule) []*Matcher {
	matchers := make([]*Matcher, 0, len(rules))
	for _, r := range rules {
		matchers = append(matchers, NewMatcher(r))
	}
	// highest priority first
	slices.SortStableFunc(matchers, func(a, b *Matcher) int {
		return b.Rule.Priority - a.Rule.Priority
	})
	return matchers
}

// Evaluate returns the highest-priority enabled rule whose conditions
// all hold, or nil if none match.
func (e *Engine) Evaluate(ip netip.Addr, geo *common.GeoInfo) *Rule {
	e.mu.RLock()
	matchers := e.matchers
	e.mu.RUnlock()

	for _, m := range matchers {
		if m.Matches(ip, geo) {
			r := m.Rule
			return &r
		}
	}
	return nil
}

// Update atomically replaces the compiled rule set.
func (e *Engine) Update(rules []Rule) {
	compiled := compile(rules)
	e.mu.Lock()
	e.matchers = compiled
	e.mu.Unlock()
}

// Rules returns the current rule set in evaluation order.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, 0, len(e.matchers))
	for _, m := range e.matchers {
		out = append(out, m.Rule)
	}
	return out
}
