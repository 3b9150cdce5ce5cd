package database

import (
	"fmt"

	"github.com/nitella/nitellad/internal/common"
	"github.com/nitella/nitellad/internal/rules"
)

const (
	RulePrefix string = "rule-"

	// GlobalScope is the pseudo proxy id the cross-proxy rule set is
	// stored under.
	GlobalScope = "GLOBAL"
)

// Rules are stored with enums flattened to integers; the in-memory
// model keeps proper typed values.
type storedCondition struct {
	Type   int32
	Op     int32
	Value  string
	Negate bool
}

type storedMock struct {
	Protocol string
	Preset   int32
	Payload  []byte
	DelayMs  int32
}

type storedRule struct {
	ID            string
	Name          string
	Priority      int32
	Enabled       bool
	Conditions    []storedCondition
	Action        int32
	TargetBackend string
	HasMock       bool
	Mock          storedMock
	Expression    string
}

func ruleKey(scope string, id string) string {
	return scope + "/" + id
}

func toStoredRule(r *rules.Rule) *storedRule {
	s := &storedRule{
		ID:            r.ID,
		Name:          r.Name,
		Priority:      int32(r.Priority),
		Enabled:       r.Enabled,
		Action:        int32(r.Action),
		TargetBackend: r.TargetBackend,
		Expression:    r.Expression,
	}
	for _, c := range r.Conditions {
		s.Conditions = append(s.Conditions, storedCondition{
			Type:   int32(c.Type),
			Op:     int32(c.Op),
			Value:  c.Value,
			Negate: c.Negate,
		})
	}
	if r.Mock != nil {
		s.HasMock = true
		s.Mock = storedMock{
			Protocol: r.Mock.Protocol,
			Preset:   int32(r.Mock.Preset),
			Payload:  r.Mock.Payload,
			DelayMs:  int32(r.Mock.DelayMs),
		}
	}
	return s
}

func fromStoredRule(s *storedRule) rules.Rule {
	r := rules.Rule{
		ID:            s.ID,
		Name:          s.Name,
		Priority:      int(s.Priority),
		Enabled:       s.Enabled,
		Action:        common.Action(s.Action),
		TargetBackend: s.TargetBackend,
		Expression:    s.Expression,
	}
	for _, c := range s.Conditions {
		r.Conditions = append(r.Conditions, rules.Condition{
			Type:   rules.ConditionType(c.Type),
			Op:     rules.Operator(c.Op),
			Value:  c.Value,
			Negate: c.Negate,
		})
	}
	if s.HasMock {
		r.Mock = &rules.MockConfig{
			Protocol: s.Mock.Protocol,
			Preset:   common.MockPreset(s.Mock.Preset),
			Payload:  s.Mock.Payload,
			DelayMs:  int(s.Mock.DelayMs),
		}
	}
	return r
}

func (db *DB) SaveRule(scope string, r *rules.Rule) error {
	return saveCache(db, ruleKey(scope, r.ID), RulePrefix, toStoredRule(r))
}

func (db *DB) DeleteRule(scope string, id string) error {
	return deleteCache(db, ruleKey(scope, id), RulePrefix)
}

func (db *DB) LoadRules(scope string) ([]rules.Rule, error) {
	stored, err := listCache[storedRule](db, RulePrefix+scope+"/")
	if err != nil {
		return nil, fmt.Errorf("can't load rules for %s: %w", scope, err)
	}
	out := make([]rules.Rule, 0, len(stored))
	for _, s := range stored {
		out = append(out, fromStoredRule(s))
	}
	return out, nil
}
