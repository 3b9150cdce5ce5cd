package approval_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/nitella/nitellad/internal/approval"
	"github.com/nitella/nitellad/internal/common"
)

func reqData(id string, ip string) approval.ReqData {
	return approval.ReqData{
		ID:        id,
		ProxyID:   "proxy-1",
		SourceIP:  ip,
		RuleID:    "rule-1",
		CreatedAt: time.Now(),
	}
}

func TestManager_ResolveAllow(t *testing.T) {
	m := approval.NewManager()
	defer m.Close()

	resCh := make(chan approval.Result, 1)
	go func() {
		res, err := m.RequestApproval(context.Background(), reqData("req-1", "1.2.3.4"))
		require.NoError(t, err)
		resCh <- res
	}()

	require.Eventually(t, func() bool {
		return len(m.ListPending()) == 1
	}, time.Second, 5*time.Millisecond)

	require.True(t, m.Resolve("req-1", true, 60))

	res := <-resCh
	require.True(t, res.Allowed)
	require.Equal(t, common.RetentionCache, res.Retention)
	require.EqualValues(t, 60, res.DurationSeconds)

	// decision is cached for subsequent connections under the same key
	cached, ok := m.CheckCache("1.2.3.4", "rule-1")
	require.True(t, ok)
	require.True(t, cached.Allowed)
	require.LessOrEqual(t, cached.DurationSeconds, int64(60))
	require.Greater(t, cached.DurationSeconds, int64(55))

	require.Empty(t, m.ListPending())
}

func TestManager_ResolveUnknownID(t *testing.T) {
	m := approval.NewManager()
	defer m.Close()

	require.False(t, m.Resolve("nope", true, 60))
}

func TestManager_ContextCancelDenies(t *testing.T) {
	m := approval.NewManager()
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := m.RequestApproval(ctx, reqData("req-1", "1.2.3.4"))
	require.NoError(t, err)
	require.False(t, res.Allowed)

	// counters were released, the id is resolvable no more
	require.Empty(t, m.ListPending())
	require.False(t, m.Resolve("req-1", true, 60))

	// and nothing was cached
	_, ok := m.CheckCache("1.2.3.4", "rule-1")
	require.False(t, ok)
}

func TestManager_PerIPLimit(t *testing.T) {
	m := approval.NewManager()
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < approval.DefaultMaxPendingPerIP; i++ {
		i := i
		go func() {
			_, _ = m.RequestApproval(ctx, reqData(fmt.Sprintf("req-%d", i), "1.2.3.4"))
		}()
	}
	require.Eventually(t, func() bool {
		return len(m.ListPending()) == approval.DefaultMaxPendingPerIP
	}, time.Second, 5*time.Millisecond)

	// the saturated ip is rejected immediately
	_, err := m.RequestApproval(ctx, reqData("req-over", "1.2.3.4"))
	var perIP *approval.TooManyPendingPerIPError
	require.ErrorAs(t, err, &perIP)

	// other ips are unaffected
	done := make(chan struct{})
	go func() {
		res, err := m.RequestApproval(ctx, reqData("req-other", "5.6.7.8"))
		require.NoError(t, err)
		require.True(t, res.Allowed)
		close(done)
	}()
	require.Eventually(t, func() bool {
		return len(m.ListPending()) == approval.DefaultMaxPendingPerIP+1
	}, time.Second, 5*time.Millisecond)
	require.True(t, m.Resolve("req-other", true, 0))
	<-done

	// resolving one frees a slot for the saturated ip
	require.True(t, m.Resolve("req-0", false, 0))
	go func() {
		_, _ = m.RequestApproval(ctx, reqData("req-retry", "1.2.3.4"))
	}()
	require.Eventually(t, func() bool {
		for _, p := range m.ListPending() {
			if p.ID == "req-retry" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestManager_ResolveDefaultDuration(t *testing.T) {
	m := approval.NewManager()
	defer m.Close()

	go func() {
		_, _ = m.RequestApproval(context.Background(), reqData("req-1", "1.2.3.4"))
	}()
	require.Eventually(t, func() bool {
		return len(m.ListPending()) == 1
	}, time.Second, 5*time.Millisecond)

	// duration 0 falls back to the default retention window
	require.True(t, m.Resolve("req-1", true, 0))

	cached, ok := m.CheckCache("1.2.3.4", "rule-1")
	require.True(t, ok)
	require.Greater(
		t,
		cached.DurationSeconds,
		int64(approval.DefaultCacheDuration/time.Second)-5,
	)
}

func TestManager_ConnectionOnlyRetentionSkipsCache(t *testing.T) {
	m := approval.NewManager()
	defer m.Close()

	resCh := make(chan approval.Result, 1)
	go func() {
		res, _ := m.RequestApproval(context.Background(), reqData("req-1", "1.2.3.4"))
		resCh <- res
	}()
	require.Eventually(t, func() bool {
		return len(m.ListPending()) == 1
	}, time.Second, 5*time.Millisecond)

	require.True(t, m.ResolveWithRetention(
		"req-1",
		true,
		30,
		common.RetentionConnectionOnly,
	))

	res := <-resCh
	require.True(t, res.Allowed)
	require.Equal(t, common.RetentionConnectionOnly, res.Retention)

	_, ok := m.CheckCache("1.2.3.4", "rule-1")
	require.False(t, ok)
}

func TestManager_LiveBytesTracking(t *testing.T) {
	m := approval.NewManager()
	defer m.Close()

	m.SeedCache("1.2.3.4", "rule-1", "proxy-1", true, 300, nil)

	in := atomic.NewUint64(0)
	out := atomic.NewUint64(0)
	require.True(t, m.SetConnID("1.2.3.4", "rule-1", "conn-1", in, out))

	in.Store(100)
	out.Store(200)

	entries := m.ListActive()
	require.Len(t, entries, 1)
	require.EqualValues(t, 100, entries[0].BytesIn)
	require.EqualValues(t, 200, entries[0].BytesOut)

	in.Store(150)
	m.RemoveConnID("1.2.3.4", "rule-1", "conn-1")

	// removal twice must not double-fold the final counters
	m.RemoveConnID("1.2.3.4", "rule-1", "conn-1")

	entries = m.ListActive()
	require.Len(t, entries, 1)
	require.EqualValues(t, 150, entries[0].BytesIn)
	require.EqualValues(t, 200, entries[0].BytesOut)
}

func TestManager_SetConnIDWithoutEntry(t *testing.T) {
	m := approval.NewManager()
	defer m.Close()

	in := atomic.NewUint64(0)
	out := atomic.NewUint64(0)
	require.False(t, m.SetConnID("9.9.9.9", "rule-x", "conn-1", in, out))
}

func TestManager_BlockedCount(t *testing.T) {
	m := approval.NewManager()
	defer m.Close()

	m.SeedCache("1.2.3.4", "rule-1", "proxy-1", false, 300, nil)

	res, ok := m.CheckCache("1.2.3.4", "rule-1")
	require.True(t, ok)
	require.False(t, res.Allowed)

	m.IncrementBlockedCount("1.2.3.4", "rule-1")
	m.IncrementBlockedCount("1.2.3.4", "rule-1")

	entries := m.ListActive()
	require.Len(t, entries, 1)
	require.EqualValues(t, 2, entries[0].BlockedCount)
}

func TestManager_CancelApproval(t *testing.T) {
	m := approval.NewManager()
	defer m.Close()

	m.SeedCache("1.2.3.4", "rule-1", "proxy-1", true, 300, nil)

	key := approval.CacheKey("1.2.3.4", "rule-1")
	require.True(t, m.CancelApproval(key))
	require.False(t, m.CancelApproval(key))

	_, ok := m.CheckCache("1.2.3.4", "rule-1")
	require.False(t, ok)
}

func TestManager_KeysAreIndependent(t *testing.T) {
	m := approval.NewManager()
	defer m.Close()

	m.SeedCache("1.2.3.4", "rule-1", "proxy-1", true, 300, nil)
	m.SeedCache("1.2.3.4", "rule-2", "proxy-1", false, 300, nil)

	allow, ok := m.CheckCache("1.2.3.4", "rule-1")
	require.True(t, ok)
	require.True(t, allow.Allowed)

	deny, ok := m.CheckCache("1.2.3.4", "rule-2")
	require.True(t, ok)
	require.False(t, deny.Allowed)

	_, ok = m.CheckCache("5.6.7.8", "rule-1")
	require.False(t, ok)
}

func TestManager_GeoSnapshotOnSeed(t *testing.T) {
	m := approval.NewManager()
	defer m.Close()

	m.SeedCache("1.2.3.4", "rule-1", "proxy-1", true, 300, &common.GeoInfo{
		Country: "Germany",
		City:    "Berlin",
		ISP:     "Hetzner Online GmbH",
	})

	entries := m.ListActive()
	require.Len(t, entries, 1)
	require.Equal(t, "Germany", entries[0].GeoCountry)
	require.Equal(t, "Berlin", entries[0].GeoCity)
	require.Equal(t, "Hetzner Online GmbH", entries[0].GeoISP)
}
