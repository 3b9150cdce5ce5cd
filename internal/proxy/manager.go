package proxy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/nitella/nitellad/internal/approval"
	"github.com/nitella/nitellad/internal/common"
	"github.com/nitella/nitellad/internal/database"
	"github.com/nitella/nitellad/internal/geo"
	"github.com/nitella/nitellad/internal/rules"
	"github.com/nitella/nitellad/internal/stats"
)

const (
	// synthesized block/allow rules outrank everything else
	ipRulePriority = 1000

	globalRuleSweepInterval = 30 * time.Second
)

type managedProxy struct {
	listener *Listener
	cfg      common.ProxyConfig
	rules    *rules.Engine
	health   *atomic.Int32
	enabled  bool
	started  time.Time
}

// ProxyStatus is the administrative view of one managed proxy.
type ProxyStatus struct {
	ID          string
	Name        string
	Listen      string
	Backend     string
	Enabled     bool
	Health      common.HealthStatus
	StartTime   time.Time
	ActiveConns int64
	TotalConns  int64
	BytesIn     int64
	BytesOut    int64
}

// GlobalRule is the administrative view of one cross-proxy rule.
type GlobalRule struct {
	Rule      rules.Rule
	ExpiresAt *time.Time
}

// Manager owns the set of proxies, the shared global rule set and the
// administrative control surface consumed by external collaborators.
type Manager struct {
	db        *database.DB
	geo       geo.Resolver
	stats     *stats.Service
	approvals *approval.Manager

	globalRules *rules.Engine

	mu      sync.RWMutex
	proxies map[string]*managedProxy

	expiryMu     sync.Mutex
	globalExpiry map[string]time.Time

	done chan struct{}
	once sync.Once
}

func NewManager(
	db *database.DB,
	geoResolver geo.Resolver,
	statsService *stats.Service,
	approvals *approval.Manager,
) *Manager {
	m := &Manager{
		db:           db,
		geo:          geoResolver,
		stats:        statsService,
		approvals:    approvals,
		globalRules:  rules.NewEngine(nil),
		proxies:      map[string]*managedProxy{},
		globalExpiry: map[string]time.Time{},
		done:         make(chan struct{}),
	}
	go m.sweepGlobalRules()
	return m
}

func (m *Manager) sweepGlobalRules() {
	t := time.NewTicker(globalRuleSweepInterval)
	defer t.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-t.C:
			m.expireGlobalRules()
		}
	}
}

func (m *Manager) expireGlobalRules() {
	now := time.Now()

	m.expiryMu.Lock()
	var expired []string
	for id, at := range m.globalExpiry {
		if now.After(at) {
			expired = append(expired, id)
			delete(m.globalExpiry, id)
		}
	}
	m.expiryMu.Unlock()

	if len(expired) == 0 {
		return
	}

	current := m.globalRules.Rules()
	kept := current[:0]
	for _, r := range current {
		drop := false
		for _, id := range expired {
			if r.ID == id {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, r)
		}
	}
	m.globalRules.Update(kept)
	log.Info().
		Strs("rules", expired).
		Msg("Cleaned up expired global rules")
}

// LoadState restores persisted proxies, their rule sets and the global
// rules from storage.
func (m *Manager) LoadState() error {
	if m.db == nil {
		return nil
	}

	proxies, err := m.db.LoadProxies()
	if err != nil {
		return fmt.Errorf("can't load proxies: %w", err)
	}
	for id, cfg := range proxies {
		log.Info().Str("proxy", cfg.Name).Str("id", id).Msg("Restoring proxy")

		existing, err := m.db.LoadRules(id)
		if err != nil {
			log.Error().Err(err).Str("id", id).Msg("Can't load rules for proxy")
		}
		if err := m.startProxyInstance(id, *cfg, existing); err != nil {
			log.Error().Err(err).Str("id", id).Msg("Can't restore proxy")
			continue
		}
	}

	global, err := m.db.LoadRules(database.GlobalScope)
	if err != nil {
		return fmt.Errorf("can't load global rules: %w", err)
	}
	if len(global) > 0 {
		log.Info().Int("count", len(global)).Msg("Loaded global rules")
		m.globalRules.Update(global)
	}

	return nil
}

// CreateProxy starts a new proxy instance and persists it. A config
// with a default mock preset but no default action becomes a mock
// proxy.
func (m *Manager) CreateProxy(cfg common.ProxyConfig) (string, error) {
	if common.ParseAction(cfg.DefaultAction) == common.ActionUnspecified &&
		common.ParseMockPreset(cfg.DefaultMock) != common.PresetUnspecified {
		cfg.DefaultAction = common.ActionMock.String()
	}

	id := uuid.NewString()

	var localRules []rules.Rule
	for _, rc := range cfg.Rules {
		localRules = append(localRules, rules.FromConfig(rc))
	}

	if err := m.startProxyInstance(id, cfg, localRules); err != nil {
		return "", err
	}

	if m.db != nil {
		if err := m.db.SaveProxy(id, &cfg); err != nil {
			log.Error().Err(err).Msg("Can't persist proxy")
		}
		for i := range localRules {
			if err := m.db.SaveRule(id, &localRules[i]); err != nil {
				log.Error().Err(err).Msg("Can't persist rule")
			}
		}
	}

	return id, nil
}

// StartConfigProxies starts the proxies declared in the config file.
// A name already present (restored from storage) is skipped, and a
// proxy that fails to start is logged and skipped so one bad entry
// does not prevent the daemon from starting.
func (m *Manager) StartConfigProxies(cfgs []common.ProxyConfig) {
	for i := range cfgs {
		cfg := cfgs[i]
		if m.hasProxyNamed(cfg.Name) {
			log.Info().
				Str("proxy", cfg.Name).
				Msg("Proxy already restored from storage")
			continue
		}
		if _, err := m.CreateProxy(cfg); err != nil {
			log.Error().
				Err(err).
				Str("proxy", cfg.Name).
				Msg("Can't create proxy")
		}
	}
}

func (m *Manager) hasProxyNamed(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.proxies {
		if p.cfg.Name == name {
			return true
		}
	}
	return false
}

func (m *Manager) startProxyInstance(
	id string,
	cfg common.ProxyConfig,
	existingRules []rules.Rule,
) error {
	localRules := rules.NewEngine(existingRules)
	health := atomic.NewInt32(int32(common.HealthUnknown))

	listener, err := NewListener(
		id,
		cfg,
		m.geo,
		localRules,
		m.globalRules,
		m.stats,
		m.approvals,
		health,
	)
	if err != nil {
		return fmt.Errorf("can't create proxy \"%s\": %w", cfg.Name, err)
	}

	if err := listener.Start(); err != nil {
		return fmt.Errorf("can't start \"%s\": %w", listener, err)
	}

	m.mu.Lock()
	m.proxies[id] = &managedProxy{
		listener: listener,
		cfg:      cfg,
		rules:    localRules,
		health:   health,
		enabled:  true,
		started:  time.Now(),
	}
	m.mu.Unlock()

	return nil
}

func (m *Manager) getProxy(id string) (*managedProxy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.proxies[id]
	if !ok {
		return nil, &UnknownProxyError{id: id}
	}
	return p, nil
}

func (m *Manager) stopProxy(id string) (*managedProxy, error) {
	m.mu.Lock()
	p, ok := m.proxies[id]
	if ok {
		delete(m.proxies, id)
	}
	m.mu.Unlock()
	if !ok {
		return nil, &UnknownProxyError{id: id}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.listener.Shutdown(ctx); err != nil {
		log.Error().Err(err).Str("id", id).Msg("Error shutting down proxy")
	}
	return p, nil
}

func (m *Manager) DeleteProxy(id string) error {
	if _, err := m.stopProxy(id); err != nil {
		return err
	}
	if m.db != nil {
		if err := m.db.DeleteProxy(id); err != nil {
			log.Error().Err(err).Msg("Can't delete persisted proxy")
		}
	}
	log.Info().Str("id", id).Msg("Deleted proxy")
	return nil
}

// DisableProxy stops the listener but keeps the proxy configured; its
// rule set survives for a later enable.
func (m *Manager) DisableProxy(id string) error {
	p, err := m.stopProxy(id)
	if err != nil {
		return err
	}
	p.enabled = false

	m.mu.Lock()
	m.proxies[id] = p
	m.mu.Unlock()
	return nil
}

// EnableProxy restarts a disabled proxy. On start failure the disabled
// entry is kept so the operator can retry.
func (m *Manager) EnableProxy(id string) error {
	m.mu.RLock()
	p, ok := m.proxies[id]
	m.mu.RUnlock()
	if !ok {
		return &UnknownProxyError{id: id}
	}
	if p.enabled {
		return nil
	}
	// startProxyInstance replaces the registry entry only on success
	return m.startProxyInstance(id, p.cfg, p.rules.Rules())
}

// UpdateProxy restarts a proxy with a new configuration, carrying the
// current rule set over.
func (m *Manager) UpdateProxy(id string, cfg common.ProxyConfig) error {
	p, err := m.stopProxy(id)
	if err != nil {
		return err
	}
	if err := m.startProxyInstance(id, cfg, p.rules.Rules()); err != nil {
		return err
	}
	if m.db != nil {
		if err := m.db.SaveProxy(id, &cfg); err != nil {
			log.Error().Err(err).Msg("Can't persist proxy")
		}
	}
	return nil
}

func (m *Manager) ListProxies() []ProxyStatus {
	m.mu.RLock()
	ids := make([]string, 0, len(m.proxies))
	for id := range m.proxies {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	out := make([]ProxyStatus, 0, len(ids))
	for _, id := range ids {
		if st, ok := m.GetProxyStatus(id); ok {
			out = append(out, st)
		}
	}
	return out
}

func (m *Manager) GetProxyStatus(id string) (ProxyStatus, bool) {
	m.mu.RLock()
	p, ok := m.proxies[id]
	m.mu.RUnlock()
	if !ok {
		return ProxyStatus{}, false
	}

	sum := m.stats.GetSummary(id)
	return ProxyStatus{
		ID:          id,
		Name:        p.cfg.Name,
		Listen:      p.listener.BoundAddr(),
		Backend:     p.cfg.DefaultBackend,
		Enabled:     p.enabled,
		Health:      common.HealthStatus(p.health.Load()),
		StartTime:   p.started,
		ActiveConns: sum.ActiveConns,
		TotalConns:  sum.TotalConns,
		BytesIn:     sum.BytesIn,
		BytesOut:    sum.BytesOut,
	}, true
}

func (m *Manager) AddRule(proxyID string, r rules.Rule) error {
	p, err := m.getProxy(proxyID)
	if err != nil {
		return err
	}

	current := p.rules.Rules()
	kept := current[:0]
	for _, existing := range current {
		if existing.ID != r.ID {
			kept = append(kept, existing)
		}
	}
	kept = append(kept, r)
	p.rules.Update(kept)

	if m.db != nil {
		if err := m.db.SaveRule(proxyID, &r); err != nil {
			log.Error().Err(err).Msg("Can't persist rule")
		}
	}
	return nil
}

func (m *Manager) RemoveRule(proxyID string, ruleID string) error {
	p, err := m.getProxy(proxyID)
	if err != nil {
		return err
	}

	current := p.rules.Rules()
	kept := current[:0]
	found := false
	for _, r := range current {
		if r.ID == ruleID {
			found = true
			continue
		}
		kept = append(kept, r)
	}
	if !found {
		return &UnknownRuleError{id: ruleID}
	}
	p.rules.Update(kept)

	if m.db != nil {
		if err := m.db.DeleteRule(proxyID, ruleID); err != nil {
			log.Error().Err(err).Msg("Can't delete persisted rule")
		}
	}
	return nil
}

// ReloadRules atomically replaces a proxy's local rule set and returns
// the new rule count.
func (m *Manager) ReloadRules(proxyID string, rs []rules.Rule) (int, error) {
	p, err := m.getProxy(proxyID)
	if err != nil {
		return 0, err
	}
	p.rules.Update(rs)

	if m.db != nil {
		for i := range rs {
			if err := m.db.SaveRule(proxyID, &rs[i]); err != nil {
				log.Error().Err(err).Msg("Can't persist rule")
			}
		}
	}
	return len(rs), nil
}

func (m *Manager) ListGlobalRules() []GlobalRule {
	current := m.globalRules.Rules()

	m.expiryMu.Lock()
	defer m.expiryMu.Unlock()

	out := make([]GlobalRule, 0, len(current))
	for _, r := range current {
		gr := GlobalRule{Rule: r}
		if at, ok := m.globalExpiry[r.ID]; ok {
			expires := at
			gr.ExpiresAt = &expires
		}
		out = append(out, gr)
	}
	return out
}

// AddGlobalRule inserts or replaces a cross-proxy rule. Temporary
// rules (with expiry) are not persisted.
func (m *Manager) AddGlobalRule(r rules.Rule, expiresAt *time.Time) error {
	current := m.globalRules.Rules()
	kept := current[:0]
	for _, existing := range current {
		if existing.ID != r.ID {
			kept = append(kept, existing)
		}
	}
	kept = append(kept, r)
	m.globalRules.Update(kept)

	if expiresAt != nil {
		m.expiryMu.Lock()
		m.globalExpiry[r.ID] = *expiresAt
		m.expiryMu.Unlock()
		return nil
	}

	if m.db != nil {
		if err := m.db.SaveRule(database.GlobalScope, &r); err != nil {
			log.Error().Err(err).Msg("Can't persist global rule")
		}
	}
	return nil
}

func (m *Manager) RemoveGlobalRule(ruleID string) error {
	current := m.globalRules.Rules()
	kept := current[:0]
	for _, r := range current {
		if r.ID != ruleID {
			kept = append(kept, r)
		}
	}
	m.globalRules.Update(kept)

	m.expiryMu.Lock()
	delete(m.globalExpiry, ruleID)
	m.expiryMu.Unlock()

	if m.db != nil {
		_ = m.db.DeleteRule(database.GlobalScope, ruleID)
	}
	return nil
}

func (m *Manager) ipRule(
	prefix string,
	ip string,
	action common.Action,
) rules.Rule {
	return rules.Rule{
		ID:       fmt.Sprintf("%s-%s", prefix, ip),
		Name:     fmt.Sprintf("%s IP %s", prefix, ip),
		Priority: ipRulePriority,
		Enabled:  true,
		Conditions: []rules.Condition{{
			Type:  rules.ConditionSourceIP,
			Op:    rules.OperatorEq,
			Value: ip,
		}},
		Action: action,
	}
}

// BlockIP synthesizes a highest-priority global block rule for an IP,
// optionally expiring after durationSeconds.
func (m *Manager) BlockIP(ip string, durationSeconds int64) error {
	var expiresAt *time.Time
	if durationSeconds > 0 {
		at := time.Now().Add(time.Duration(durationSeconds) * time.Second)
		expiresAt = &at
	}
	return m.AddGlobalRule(m.ipRule("block", ip, common.ActionBlock), expiresAt)
}

// AllowIP synthesizes a highest-priority global allow rule for an IP.
func (m *Manager) AllowIP(ip string, durationSeconds int64) error {
	var expiresAt *time.Time
	if durationSeconds > 0 {
		at := time.Now().Add(time.Duration(durationSeconds) * time.Second)
		expiresAt = &at
	}
	return m.AddGlobalRule(m.ipRule("allow", ip, common.ActionAllow), expiresAt)
}

func (m *Manager) ResolveApproval(
	reqID string,
	allowed bool,
	durationSeconds int64,
	mode common.RetentionMode,
) bool {
	return m.approvals.ResolveWithRetention(reqID, allowed, durationSeconds, mode)
}

func (m *Manager) CancelApproval(key string) bool {
	return m.approvals.CancelApproval(key)
}

func (m *Manager) ListApprovals() []approval.CacheEntry {
	return m.approvals.ListActive()
}

func (m *Manager) ListPendingApprovals() []approval.ReqData {
	return m.approvals.ListPending()
}

// GetActiveConnections snapshots connections, optionally filtered by
// proxy id ("" means all).
func (m *Manager) GetActiveConnections(proxyID string) []stats.ConnectionInfo {
	return m.stats.GetActiveConnections(proxyID)
}

func (m *Manager) CloseConnection(proxyID string, connID string) error {
	p, err := m.getProxy(proxyID)
	if err != nil {
		return err
	}
	p.listener.CloseConnection(connID)
	return nil
}

func (m *Manager) CloseAllConnections(proxyID string) error {
	p, err := m.getProxy(proxyID)
	if err != nil {
		return err
	}
	p.listener.CloseAllConnections()
	return nil
}

func (m *Manager) GetSummary(proxyID string) stats.Summary {
	return m.stats.GetSummary(proxyID)
}

// HealthTargets exposes each proxy's backend plus its health status
// atomic for the health checker.
func (m *Manager) HealthTargets() []HealthTarget {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]HealthTarget, 0, len(m.proxies))
	for id, p := range m.proxies {
		if !p.enabled || p.cfg.HealthCheck == nil {
			continue
		}
		out = append(out, HealthTarget{
			ProxyID: id,
			Backend: p.cfg.DefaultBackend,
			Config:  p.cfg.HealthCheck,
			Status:  p.health,
		})
	}
	return out
}

// HealthTarget is one backend to be probed by the health checker.
type HealthTarget struct {
	ProxyID string
	Backend string
	Config  *common.HealthCheckConfig
	Status  *atomic.Int32
}

// Shutdown stops the sweeps and all proxies.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.once.Do(func() { close(m.done) })

	m.mu.Lock()
	proxies := m.proxies
	m.proxies = map[string]*managedProxy{}
	m.mu.Unlock()

	wg := sync.WaitGroup{}
	errCh := make(chan error, 1)
	for _, p := range proxies {
		if !p.enabled {
			continue
		}
		wg.Add(1)
		go func(p *managedProxy) {
			defer wg.Done()
			p.listener.logger.Info().Msg("Shutting down proxy")
			if err := p.listener.Shutdown(ctx); err != nil {
				select {
				case errCh <- fmt.Errorf(
					"can't shutdown \"%s\": %w", p.listener, err):
				default:
				}
			}
		}(p)
	}
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}
