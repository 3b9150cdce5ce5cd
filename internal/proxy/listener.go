package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/nitella/nitellad/internal/approval"
	"github.com/nitella/nitellad/internal/common"
	"github.com/nitella/nitellad/internal/geo"
	"github.com/nitella/nitellad/internal/rules"
	"github.com/nitella/nitellad/internal/stats"
)

const (
	// DefaultRuleID attributes connections that matched no rule.
	DefaultRuleID = "default"

	// Approval flow should stay near-real-time even if geo remote
	// providers are slow.
	GeoLookupTimeout = 250 * time.Millisecond

	BackendDialTimeout = 3 * time.Second

	acceptErrorBackoff = 100 * time.Millisecond
)

// Listener is the embedded per-proxy data plane: it accepts TCP,
// optionally terminates TLS, evaluates rules, gates on approval and
// either terminates, mocks or relays each connection.
type Listener struct {
	ID   string
	Name string

	listenAddr     string
	defaultBackend string
	tlsConfig      *tls.Config
	defaultAction  common.Action
	defaultMock    common.MockPreset
	fallbackAction common.FallbackAction
	fallbackMock   common.MockPreset

	geo         geo.Resolver
	localRules  *rules.Engine
	globalRules *rules.Engine
	stats       *stats.Service
	approvals   *approval.Manager
	health      *atomic.Int32

	cancelMu      sync.Mutex
	cancellations map[string]chan struct{}

	ctx       context.Context
	ctxCancel context.CancelFunc
	closing   atomic.Bool
	wg        sync.WaitGroup
	listener  net.Listener
	logger    zerolog.Logger
}

func NewListener(
	id string,
	cfg common.ProxyConfig,
	geoResolver geo.Resolver,
	localRules *rules.Engine,
	globalRules *rules.Engine,
	statsService *stats.Service,
	approvals *approval.Manager,
	health *atomic.Int32,
) (*Listener, error) {
	logger := log.With().
		Str("proxy", cfg.Name).
		Logger()

	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		ID:   id,
		Name: cfg.Name,

		listenAddr:     common.NormalizeListenAddr(cfg.Listen),
		defaultBackend: cfg.DefaultBackend,
		defaultAction:  common.ParseAction(cfg.DefaultAction),
		defaultMock:    common.ParseMockPreset(cfg.DefaultMock),
		fallbackAction: common.ParseFallbackAction(cfg.FallbackAction),
		fallbackMock:   common.ParseMockPreset(cfg.FallbackMock),

		geo:         geoResolver,
		localRules:  localRules,
		globalRules: globalRules,
		stats:       statsService,
		approvals:   approvals,
		health:      health,

		cancellations: map[string]chan struct{}{},
		ctx:           ctx,
		ctxCancel:     cancel,
		logger:        logger,
	}

	if cfg.TLS != nil {
		tlsConfig, err := loadTLSConfig(cfg.TLS)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("can't load tls config: %w", err)
		}
		l.tlsConfig = tlsConfig
	}

	return l, nil
}

func loadTLSConfig(cfg *common.TLS) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.Cert, cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("can't load key pair: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if cfg.CA != "" {
		caPEM, err := os.ReadFile(cfg.CA)
		if err != nil {
			return nil, fmt.Errorf("can't read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("can't parse ca file %s", cfg.CA)
		}
		tlsConfig.ClientCAs = pool

		switch common.ParseClientAuthType(cfg.ClientAuth) {
		case common.ClientAuthRequire:
			tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		case common.ClientAuthRequest, common.ClientAuthAuto:
			tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
		default:
			tlsConfig.ClientAuth = tls.NoClientCert
		}
	}

	return tlsConfig, nil
}

func (l *Listener) Start() error {
	listener, err := net.Listen("tcp", l.listenAddr)
	if err != nil {
		return fmt.Errorf("can't start listening: %w", err)
	}
	l.listener = listener
	l.logger.Info().
		Stringer("listen", listener.Addr()).
		Str("target", l.defaultBackend).
		Msg("Proxy listening")

	l.wg.Add(1)
	go l.serve()
	return nil
}

// BoundAddr returns the actual listen address, useful when the
// configured port is 0.
func (l *Listener) BoundAddr() string {
	if l.listener == nil {
		return l.listenAddr
	}
	return l.listener.Addr().String()
}

func (l *Listener) serve() {
	defer l.wg.Done()
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if l.closing.Load() {
				return
			}
			l.logger.Error().Err(err).Msg("Accept error")
			// prevent a tight loop on persistent accept errors
			time.Sleep(acceptErrorBackoff)
			continue
		}

		l.wg.Add(1)
		go l.handleConn(conn)
	}
}

func (l *Listener) Shutdown(ctx context.Context) error {
	l.closing.Store(true)
	l.ctxCancel()
	if err := l.listener.Close(); err != nil {
		return fmt.Errorf("can't close listener: %w", err)
	}
	l.CloseAllConnections()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ErrShutdownTimeout
	case <-done:
	}
	return nil
}

func (l *Listener) handleConn(conn net.Conn) {
	defer l.wg.Done()
	// conn is rebound to the tls.Conn below; closing through the
	// closure sends close_notify instead of cutting the raw socket
	defer func() { conn.Close() }()

	from, err := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err != nil {
		l.logger.Error().Err(err).Msg("Can't parse remote addr")
		return
	}
	logger := l.logger.With().
		Stringer("from", from.Addr()).
		Logger()

	if l.tlsConfig != nil {
		tlsConn := tls.Server(conn, l.tlsConfig)
		if err := tlsConn.HandshakeContext(l.ctx); err != nil {
			logger.Debug().Err(err).Msg("TLS handshake failed")
			return
		}
		conn = tlsConn
	}

	l.handleStream(conn, from, logger)
}

//nolint:funlen,gocognit // the connection state machine reads best linearly
func (l *Listener) handleStream(
	conn net.Conn,
	from netip.AddrPort,
	logger zerolog.Logger,
) {
	connID := uuid.NewString()
	ip := from.Addr()
	ipStr := ip.String()

	geoInfo := geo.LookupTimeout(l.geo, ipStr, GeoLookupTimeout)

	matched := l.localRules.Evaluate(ip, geoInfo)
	if matched == nil {
		matched = l.globalRules.Evaluate(ip, geoInfo)
	}

	action := l.defaultAction
	ruleID := DefaultRuleID
	if matched != nil {
		action = matched.Action
		ruleID = matched.ID
	}
	logger.Debug().
		Stringer("action", action).
		Str("rule", ruleID).
		Msg("New connection")

	target := l.defaultBackend
	var mockCfg *rules.MockConfig
	if matched != nil {
		if matched.TargetBackend != "" {
			target = matched.TargetBackend
		}
		if matched.Mock != nil {
			mockCfg = matched.Mock
		}
	}
	if matched == nil && action == common.ActionMock && mockCfg == nil {
		mockCfg = &rules.MockConfig{
			Protocol: "http",
			Preset:   l.defaultMock,
		}
	}

	var connOnlySeconds int64
	trackApproval := false
	if action == common.ActionRequireApproval {
		// cached decisions skip the alert entirely
		if cached, ok := l.approvals.CheckCache(ipStr, ruleID); ok {
			if !cached.Allowed {
				logger.Info().Msg("Approval cached deny")
				l.approvals.IncrementBlockedCount(ipStr, ruleID)
				l.stats.RecordBlock(ipStr, ruleID)
				return
			}
			logger.Info().
				Int64("remaining", cached.DurationSeconds).
				Msg("Approval cached allow")
			trackApproval = true
		} else {
			data := approval.ReqData{
				ID:        uuid.NewString(),
				ProxyID:   l.ID,
				SourceIP:  ipStr,
				RuleID:    ruleID,
				Info:      fmt.Sprintf("Connection from %s to %s", from, target),
				CreatedAt: time.Now(),
			}

			logger.Info().Str("request", data.ID).Msg("Requesting approval")
			l.stats.RecordApprovalRequest(ipStr, ruleID, l.ID, data.ID)

			result, err := l.approvals.RequestApproval(l.ctx, data)
			if err != nil {
				logger.Warn().Err(err).Msg("Approval rejected (rate limit)")
				l.stats.RecordBlock(ipStr, ruleID)
				return
			}
			if !result.Allowed {
				logger.Info().Msg("Approval denied")
				l.stats.RecordBlock(ipStr, ruleID)
				return
			}

			mode := result.Retention
			if mode == common.RetentionUnspecified {
				mode = common.RetentionCache
			}
			logger.Info().
				Stringer("mode", mode).
				Int64("duration", result.DurationSeconds).
				Msg("Approval granted")
			if mode == common.RetentionConnectionOnly &&
				result.DurationSeconds > 0 {
				connOnlySeconds = result.DurationSeconds
			}
			trackApproval = mode == common.RetentionCache
		}
	}

	// Registered before the action dispatch so blocked and mocked
	// attempts are observable too, and every exit path shares the
	// same unregister guard.
	entry := l.stats.RegisterConnection(
		connID,
		l.ID,
		ipStr,
		int(from.Port()),
		target,
		ruleID,
		geoInfo,
	)
	defer l.stats.UnregisterConnection(connID)

	if trackApproval {
		l.approvals.SetConnID(ipStr, ruleID, connID, entry.BytesIn, entry.BytesOut)
		defer l.approvals.RemoveConnID(ipStr, ruleID, connID)
	}

	switch action {
	case common.ActionBlock:
		logger.Info().Str("rule", ruleID).Msg("Blocking connection")
		l.stats.RecordBlock(ipStr, ruleID)
		return
	case common.ActionMock:
		logger.Info().Str("rule", ruleID).Msg("Mocking connection")
		if mockCfg != nil {
			writeMock(conn, mockCfg)
		}
		return
	default:
	}

	if target == "" {
		logger.Warn().Msg("No backend for connection")
		return
	}

	if common.HealthStatus(l.health.Load()) == common.HealthUnhealthy {
		logger.Debug().Str("target", target).Msg("Backend unhealthy, falling back")
		l.fallback(conn)
		return
	}

	backend, err := net.DialTimeout("tcp", target, BackendDialTimeout)
	if err != nil {
		logger.Warn().Err(err).Str("target", target).Msg("Can't connect to backend")
		l.fallback(conn)
		return
	}
	defer backend.Close()

	cancel := make(chan struct{})
	l.cancelMu.Lock()
	l.cancellations[connID] = cancel
	l.cancelMu.Unlock()
	defer func() {
		l.cancelMu.Lock()
		delete(l.cancellations, connID)
		l.cancelMu.Unlock()
	}()

	// connection-only approvals with a duration mean "this connection
	// only, at most N seconds"
	if connOnlySeconds > 0 {
		timer := time.AfterFunc(
			time.Duration(connOnlySeconds)*time.Second,
			func() {
				logger.Info().
					Int64("duration", connOnlySeconds).
					Msg("Connection-only approval expired, closing")
				l.CloseConnection(connID)
			},
		)
		defer timer.Stop()
	}

	l.relay(conn, backend, connID, cancel, logger)
}

func (l *Listener) fallback(conn net.Conn) {
	if l.fallbackAction != common.FallbackMock {
		return
	}
	if payload := PresetPayload(l.fallbackMock); payload != nil {
		_, _ = conn.Write(payload)
	}
}

// GetActiveConnections snapshots this proxy's connections.
func (l *Listener) GetActiveConnections() []stats.ConnectionInfo {
	return l.stats.GetActiveConnections(l.ID)
}

// CloseConnection fires the cancellation signal for one connection.
// Unknown ids are a no-op.
func (l *Listener) CloseConnection(connID string) {
	l.cancelMu.Lock()
	cancel, ok := l.cancellations[connID]
	if ok {
		delete(l.cancellations, connID)
	}
	l.cancelMu.Unlock()
	if ok {
		close(cancel)
	}
}

// CloseAllConnections fires every outstanding cancellation signal.
func (l *Listener) CloseAllConnections() {
	l.cancelMu.Lock()
	cancels := l.cancellations
	l.cancellations = map[string]chan struct{}{}
	l.cancelMu.Unlock()

	if len(cancels) > 0 {
		l.logger.Info().Int("count", len(cancels)).Msg("Closing all connections")
	}
	for _, cancel := range cancels {
		close(cancel)
	}
}

func (l *Listener) String() string {
	return fmt.Sprintf("proxy \"%s\" (%s->%s)",
		l.Name, l.listenAddr, l.defaultBackend)
}
