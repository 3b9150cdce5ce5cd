package database

import (
	"fmt"
	"time"

	"github.com/nitella/nitellad/internal/common"
)

const ProxyPrefix string = "proxy-"

type storedHealthCheck struct {
	Type           string
	IntervalMs     int64
	TimeoutMs      int64
	Path           string
	ExpectedStatus int32
}

type storedProxy struct {
	Name           string
	Listen         string
	DefaultBackend string
	DefaultAction  string
	DefaultMock    string
	FallbackAction string
	FallbackMock   string
	HasTLS         bool
	TLSCert        string
	TLSKey         string
	TLSCA          string
	TLSClientAuth  string
	HasHealthCheck bool
	HealthCheck    storedHealthCheck
}

func toStoredProxy(cfg *common.ProxyConfig) *storedProxy {
	s := &storedProxy{
		Name:           cfg.Name,
		Listen:         cfg.Listen,
		DefaultBackend: cfg.DefaultBackend,
		DefaultAction:  cfg.DefaultAction,
		DefaultMock:    cfg.DefaultMock,
		FallbackAction: cfg.FallbackAction,
		FallbackMock:   cfg.FallbackMock,
	}
	if cfg.TLS != nil {
		s.HasTLS = true
		s.TLSCert = cfg.TLS.Cert
		s.TLSKey = cfg.TLS.Key
		s.TLSCA = cfg.TLS.CA
		s.TLSClientAuth = cfg.TLS.ClientAuth
	}
	if cfg.HealthCheck != nil {
		s.HasHealthCheck = true
		s.HealthCheck = storedHealthCheck{
			Type:           cfg.HealthCheck.Type,
			IntervalMs:     cfg.HealthCheck.Interval.Milliseconds(),
			TimeoutMs:      cfg.HealthCheck.Timeout.Milliseconds(),
			Path:           cfg.HealthCheck.Path,
			ExpectedStatus: int32(cfg.HealthCheck.ExpectedStatus),
		}
	}
	return s
}

func fromStoredProxy(s *storedProxy) *common.ProxyConfig {
	cfg := &common.ProxyConfig{
		Name:           s.Name,
		Listen:         s.Listen,
		DefaultBackend: s.DefaultBackend,
		DefaultAction:  s.DefaultAction,
		DefaultMock:    s.DefaultMock,
		FallbackAction: s.FallbackAction,
		FallbackMock:   s.FallbackMock,
	}
	if s.HasTLS {
		cfg.TLS = &common.TLS{
			Cert:       s.TLSCert,
			Key:        s.TLSKey,
			CA:         s.TLSCA,
			ClientAuth: s.TLSClientAuth,
		}
	}
	if s.HasHealthCheck {
		cfg.HealthCheck = &common.HealthCheckConfig{
			Type:           s.HealthCheck.Type,
			Interval:       time.Duration(s.HealthCheck.IntervalMs) * time.Millisecond,
			Timeout:        time.Duration(s.HealthCheck.TimeoutMs) * time.Millisecond,
			Path:           s.HealthCheck.Path,
			ExpectedStatus: int(s.HealthCheck.ExpectedStatus),
		}
	}
	return cfg
}

func (db *DB) SaveProxy(id string, cfg *common.ProxyConfig) error {
	return saveCache(db, id, ProxyPrefix, toStoredProxy(cfg))
}

func (db *DB) DeleteProxy(id string) error {
	return deleteCache(db, id, ProxyPrefix)
}

func (db *DB) LoadProxies() (map[string]*common.ProxyConfig, error) {
	stored, err := listCache[storedProxy](db, ProxyPrefix)
	if err != nil {
		return nil, fmt.Errorf("can't load proxies: %w", err)
	}
	out := make(map[string]*common.ProxyConfig, len(stored))
	for id, s := range stored {
		out[id] = fromStoredProxy(s)
	}
	return out, nil
}
