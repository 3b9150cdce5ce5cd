package database_test

import (
	"testing"
	"time"

	badger "github.com/dgraph-io/badger/v3"
	"github.com/stretchr/testify/require"

	"github.com/nitella/nitellad/internal/common"
	"github.com/nitella/nitellad/internal/database"
	"github.com/nitella/nitellad/internal/rules"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New("", true)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDB_RuleRoundtrip(t *testing.T) {
	db := newTestDB(t)

	rule := rules.Rule{
		ID:       "r1",
		Name:     "block scanners",
		Priority: 10,
		Enabled:  true,
		Conditions: []rules.Condition{
			{
				Type:  rules.ConditionSourceIP,
				Op:    rules.OperatorEq,
				Value: "10.0.0.0/8",
			},
			{
				Type:   rules.ConditionGeoISP,
				Op:     rules.OperatorContains,
				Value:  "amazon",
				Negate: true,
			},
		},
		Action:        common.ActionMock,
		TargetBackend: "10.0.0.1:22",
		Mock: &rules.MockConfig{
			Protocol: "http",
			Preset:   common.PresetHTTP403,
			Payload:  []byte("go away"),
			DelayMs:  100,
		},
	}
	require.NoError(t, db.SaveRule("proxy-1", &rule))

	loaded, err := db.LoadRules("proxy-1")
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, rule, loaded[0])
}

func TestDB_RuleWithoutMock(t *testing.T) {
	db := newTestDB(t)

	rule := rules.Rule{
		ID:      "r1",
		Enabled: true,
		Action:  common.ActionBlock,
	}
	require.NoError(t, db.SaveRule("proxy-1", &rule))

	loaded, err := db.LoadRules("proxy-1")
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Nil(t, loaded[0].Mock)
}

func TestDB_RuleScopesAreIsolated(t *testing.T) {
	db := newTestDB(t)

	local := rules.Rule{ID: "r1", Enabled: true, Action: common.ActionBlock}
	global := rules.Rule{ID: "g1", Enabled: true, Action: common.ActionAllow}

	require.NoError(t, db.SaveRule("proxy-1", &local))
	require.NoError(t, db.SaveRule(database.GlobalScope, &global))

	loaded, err := db.LoadRules("proxy-1")
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, "r1", loaded[0].ID)

	loaded, err = db.LoadRules(database.GlobalScope)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, "g1", loaded[0].ID)

	require.NoError(t, db.DeleteRule("proxy-1", "r1"))
	loaded, err = db.LoadRules("proxy-1")
	require.NoError(t, err)
	require.Empty(t, loaded)
}

func TestDB_ProxyRoundtrip(t *testing.T) {
	db := newTestDB(t)

	cfg := common.ProxyConfig{
		Name:           "ssh-gate",
		Listen:         "0.0.0.0:2222",
		DefaultBackend: "10.0.0.5:22",
		DefaultAction:  "require_approval",
		FallbackAction: "mock",
		FallbackMock:   "http403",
		TLS: &common.TLS{
			Cert:       "/etc/certs/cert.pem",
			Key:        "/etc/certs/key.pem",
			CA:         "/etc/certs/ca.pem",
			ClientAuth: "require",
		},
		HealthCheck: &common.HealthCheckConfig{
			Type:           "http",
			Interval:       30 * time.Second,
			Timeout:        2 * time.Second,
			Path:           "/healthz",
			ExpectedStatus: 200,
		},
	}
	require.NoError(t, db.SaveProxy("p1", &cfg))

	loaded, err := db.LoadProxies()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, &cfg, loaded["p1"])

	require.NoError(t, db.DeleteProxy("p1"))
	loaded, err = db.LoadProxies()
	require.NoError(t, err)
	require.Empty(t, loaded)
}

func TestDB_Geolocation(t *testing.T) {
	db := newTestDB(t)

	_, err := db.GetGeolocation("1.2.3.4")
	require.ErrorIs(t, err, badger.ErrKeyNotFound)

	geo := &common.GeoInfo{
		Country:     "Germany",
		CountryCode: "DE",
		City:        "Berlin",
		ISP:         "Hetzner Online GmbH",
		ASN:         "AS24940",
	}
	require.NoError(t, db.SaveGeolocation("1.2.3.4", geo))

	loaded, err := db.GetGeolocation("1.2.3.4")
	require.NoError(t, err)
	require.Equal(t, geo, loaded)
}
