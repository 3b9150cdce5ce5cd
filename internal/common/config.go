package common

import "time"

type TLS struct {
	Cert       string `json:"cert" mapstructure:"cert"`
	Key        string `json:"key" mapstructure:"key"`
	CA         string `json:"ca" mapstructure:"ca"`
	ClientAuth string `json:"client_auth" mapstructure:"client_auth"`
}

type MockConfig struct {
	Protocol string `json:"protocol" mapstructure:"protocol"`
	Preset   string `json:"preset" mapstructure:"preset"`
	Payload  string `json:"payload" mapstructure:"payload"`
	DelayMs  int    `json:"delay_ms" mapstructure:"delay_ms"`
}

type ConditionConfig struct {
	Type   string `json:"type" mapstructure:"type"`
	Op     string `json:"op" mapstructure:"op"`
	Value  string `json:"value" mapstructure:"value"`
	Negate bool   `json:"negate" mapstructure:"negate"`
}

type RuleConfig struct {
	ID            string            `json:"id" mapstructure:"id"`
	Name          string            `json:"name" mapstructure:"name"`
	Priority      int               `json:"priority" mapstructure:"priority"`
	Enabled       bool              `json:"enabled" mapstructure:"enabled"`
	Conditions    []ConditionConfig `json:"conditions" mapstructure:"conditions"`
	Action        string            `json:"action" mapstructure:"action"`
	TargetBackend string            `json:"target_backend" mapstructure:"target_backend"`
	Mock          *MockConfig       `json:"mock" mapstructure:"mock"`
	Expression    string            `json:"expression" mapstructure:"expression"`
}

type HealthCheckConfig struct {
	Type           string        `json:"type" mapstructure:"type"`
	Interval       time.Duration `json:"interval" mapstructure:"interval"`
	Timeout        time.Duration `json:"timeout" mapstructure:"timeout"`
	Path           string        `json:"path" mapstructure:"path"`
	ExpectedStatus int           `json:"expected_status" mapstructure:"expected_status"`
}

type ProxyConfig struct {
	Name           string             `json:"name" mapstructure:"name"`
	Listen         string             `json:"listen" mapstructure:"listen"`
	DefaultBackend string             `json:"default_backend" mapstructure:"default_backend"`
	DefaultAction  string             `json:"default_action" mapstructure:"default_action"`
	DefaultMock    string             `json:"default_mock" mapstructure:"default_mock"`
	FallbackAction string             `json:"fallback_action" mapstructure:"fallback_action"`
	FallbackMock   string             `json:"fallback_mock" mapstructure:"fallback_mock"`
	TLS            *TLS               `json:"tls" mapstructure:"tls"`
	HealthCheck    *HealthCheckConfig `json:"health_check" mapstructure:"health_check"`
	Rules          []RuleConfig       `json:"rules" mapstructure:"rules"`
}

type GeoConfig struct {
	APIKey  string        `json:"api_key" mapstructure:"api_key"`
	DNS     string        `json:"dns" mapstructure:"dns"`
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
}

type Config struct {
	Storage string        `json:"storage" mapstructure:"storage"`
	Geo     GeoConfig     `json:"geo" mapstructure:"geo"`
	Proxies []ProxyConfig `json:"proxies" mapstructure:"proxies"`
}
