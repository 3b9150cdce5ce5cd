package healthcheck

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nitella/nitellad/internal/common"
	"github.com/nitella/nitellad/internal/proxy"
)

const (
	tickInterval    = 1 * time.Second
	defaultInterval = 5 * time.Second
	defaultTimeout  = 2 * time.Second
)

// Checker periodically probes proxy backends and swaps the results
// into each proxy's health status atomic, which the connection handler
// reads before dialing.
type Checker struct {
	targets func() []proxy.HealthTarget

	mu         sync.Mutex
	lastChecks map[string]time.Time
}

func NewChecker(targets func() []proxy.HealthTarget) *Checker {
	return &Checker{
		targets:    targets,
		lastChecks: map[string]time.Time{},
	}
}

func (c *Checker) Run(ctx context.Context) {
	log.Info().Msg("Health checker started")
	t := time.NewTicker(tickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.checkAll(ctx)
		}
	}
}

func (c *Checker) checkAll(ctx context.Context) {
	now := time.Now()
	for _, target := range c.targets() {
		interval := target.Config.Interval
		if interval <= 0 {
			interval = defaultInterval
		}

		c.mu.Lock()
		last, ok := c.lastChecks[target.ProxyID]
		if ok && now.Sub(last) < interval {
			c.mu.Unlock()
			continue
		}
		c.lastChecks[target.ProxyID] = now
		c.mu.Unlock()

		go c.check(ctx, target)
	}
}

func (c *Checker) check(ctx context.Context, target proxy.HealthTarget) {
	timeout := target.Config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	var healthy bool
	switch strings.ToLower(target.Config.Type) {
	case "tcp":
		healthy = checkTCP(target.Backend, timeout)
	case "http", "https":
		healthy = checkHTTP(ctx, target.Backend, target.Config, timeout)
	default:
		healthy = true
	}

	status := common.HealthHealthy
	if !healthy {
		status = common.HealthUnhealthy
	}

	old := target.Status.Swap(int32(status))
	if old != int32(status) {
		log.Debug().
			Str("proxy", target.ProxyID).
			Stringer("old", common.HealthStatus(old)).
			Stringer("new", status).
			Msg("Health status changed")
	}
}

func checkTCP(backend string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", backend, timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func checkHTTP(
	ctx context.Context,
	backend string,
	cfg *common.HealthCheckConfig,
	timeout time.Duration,
) bool {
	base := backend
	if !strings.Contains(base, "://") {
		scheme := "http"
		if strings.EqualFold(cfg.Type, "https") {
			scheme = "https"
		}
		base = scheme + "://" + base
	}
	path := cfg.Path
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	url := fmt.Sprintf("%s%s", strings.TrimSuffix(base, "/"), path)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if cfg.ExpectedStatus > 0 {
		return resp.StatusCode == cfg.ExpectedStatus
	}
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
