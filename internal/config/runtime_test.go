package config

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewDefaultRuntimeConfig(t *testing.T) {
	cfg := NewDefaultRuntimeConfig()

	if time.Duration(cfg.RequestTimeout) != 30*time.Second {
		t.Errorf("RequestTimeout: got %v, want 30s", time.Duration(cfg.RequestTimeout))
	}
	if time.Duration(cfg.HealthTimeout) != 5*time.Second {
		t.Errorf("HealthTimeout: got %v, want 5s", time.Duration(cfg.HealthTimeout))
	}
	if !cfg.VerifySSL {
		t.Error("VerifySSL: got false, want true")
	}
	if cfg.BreakerFailureThreshold != 5 {
		t.Errorf("BreakerFailureThreshold: got %d, want 5", cfg.BreakerFailureThreshold)
	}
	if cfg.BreakerSuccessThreshold != 2 {
		t.Errorf("BreakerSuccessThreshold: got %d, want 2", cfg.BreakerSuccessThreshold)
	}
	if time.Duration(cfg.BreakerRetryTimeout) != 30*time.Second {
		t.Errorf("BreakerRetryTimeout: got %v, want 30s", time.Duration(cfg.BreakerRetryTimeout))
	}
	if time.Duration(cfg.AccessTokenTTL) != time.Hour {
		t.Errorf("AccessTokenTTL: got %v, want 1h", time.Duration(cfg.AccessTokenTTL))
	}
	if time.Duration(cfg.RefreshTokenTTL) != 24*time.Hour {
		t.Errorf("RefreshTokenTTL: got %v, want 24h", time.Duration(cfg.RefreshTokenTTL))
	}
	if !cfg.CacheEnabled {
		t.Error("CacheEnabled: got false, want true")
	}
	if time.Duration(cfg.CacheTTL) != 15*time.Minute {
		t.Errorf("CacheTTL: got %v, want 15m", time.Duration(cfg.CacheTTL))
	}
	if cfg.CacheUseDurable {
		t.Error("CacheUseDurable: got true, want false")
	}
	if cfg.BalancerStrategy != BalanceResponseTime {
		t.Errorf("BalancerStrategy: got %q, want %q", cfg.BalancerStrategy, BalanceResponseTime)
	}
	if cfg.BalancerMaxNodes != 3 {
		t.Errorf("BalancerMaxNodes: got %d, want 3", cfg.BalancerMaxNodes)
	}
	if cfg.MergeStrategy != MergeScore {
		t.Errorf("MergeStrategy: got %q, want %q", cfg.MergeStrategy, MergeScore)
	}
	if !cfg.MergeDeduplication {
		t.Error("MergeDeduplication: got false, want true")
	}
	if cfg.MinKeywordScore != 10 {
		t.Errorf("MinKeywordScore: got %d, want 10", cfg.MinKeywordScore)
	}
	if cfg.DigestMode != DigestModeTemplate {
		t.Errorf("DigestMode: got %q, want %q", cfg.DigestMode, DigestModeTemplate)
	}
	if time.Duration(cfg.LocalMetadataCacheTTL) != 30*time.Minute {
		t.Errorf("LocalMetadataCacheTTL: got %v, want 30m", time.Duration(cfg.LocalMetadataCacheTTL))
	}
	if cfg.ForwardMaxRetries != 1 {
		t.Errorf("ForwardMaxRetries: got %d, want 1", cfg.ForwardMaxRetries)
	}
	if time.Duration(cfg.ForwardBackoffBase) != 200*time.Millisecond {
		t.Errorf("ForwardBackoffBase: got %v, want 200ms", time.Duration(cfg.ForwardBackoffBase))
	}
	if cfg.MaxPingFailures != 3 {
		t.Errorf("MaxPingFailures: got %d, want 3", cfg.MaxPingFailures)
	}
	if cfg.NodeRatePerSec != 0 {
		t.Errorf("NodeRatePerSec: got %v, want 0", cfg.NodeRatePerSec)
	}
	if cfg.CacheFlushDirtyThreshold != 1000 {
		t.Errorf("CacheFlushDirtyThreshold: got %d, want 1000", cfg.CacheFlushDirtyThreshold)
	}
}

func TestRuntimeConfig_JSONRoundTrip(t *testing.T) {
	original := NewDefaultRuntimeConfig()

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var decoded RuntimeConfig
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}

	// A few representative fields stand in for the whole struct.
	if time.Duration(decoded.RequestTimeout) != time.Duration(original.RequestTimeout) {
		t.Errorf("RequestTimeout: got %v, want %v", decoded.RequestTimeout, original.RequestTimeout)
	}
	if decoded.BreakerFailureThreshold != original.BreakerFailureThreshold {
		t.Errorf("BreakerFailureThreshold: got %d, want %d", decoded.BreakerFailureThreshold, original.BreakerFailureThreshold)
	}
	if decoded.BalancerStrategy != original.BalancerStrategy {
		t.Errorf("BalancerStrategy: got %q, want %q", decoded.BalancerStrategy, original.BalancerStrategy)
	}
	if decoded.LoadLatencyWeight != original.LoadLatencyWeight {
		t.Errorf("LoadLatencyWeight: got %v, want %v", decoded.LoadLatencyWeight, original.LoadLatencyWeight)
	}
	if decoded.CachePrefix != original.CachePrefix {
		t.Errorf("CachePrefix: got %q, want %q", decoded.CachePrefix, original.CachePrefix)
	}
}

func TestDuration_JSON(t *testing.T) {
	d := Duration(5 * time.Minute)

	data, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	if string(data) != `"5m0s"` {
		t.Errorf("marshal: got %s, want %q", data, "5m0s")
	}

	var decoded Duration
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if time.Duration(decoded) != 5*time.Minute {
		t.Errorf("decoded %v, want 5m0s", time.Duration(decoded))
	}
}

func TestDuration_JSONInvalid(t *testing.T) {
	var d Duration
	err := json.Unmarshal([]byte(`"not-a-duration"`), &d)
	if err == nil {
		t.Fatal("want an error for a malformed duration")
	}

	err = json.Unmarshal([]byte(`123`), &d)
	if err == nil {
		t.Fatal("want an error for a bare number")
	}
}

func TestRuntimeConfig_JSONFieldNames(t *testing.T) {
	cfg := NewDefaultRuntimeConfig()
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal to map error: %v", err)
	}

	// Check that JSON keys match the GET /system/config response shape
	expectedKeys := []string{
		"request_timeout",
		"health_timeout",
		"verify_ssl",
		"breaker_failure_threshold",
		"breaker_success_threshold",
		"breaker_retry_timeout",
		"breaker_call_timeout",
		"access_token_ttl",
		"refresh_token_ttl",
		"cache_enabled",
		"cache_ttl",
		"cache_use_durable",
		"cache_use_tags",
		"cache_flush_all_on_invalidate",
		"cache_prefix",
		"balancer_strategy",
		"balancer_max_nodes",
		"load_conn_weight",
		"load_latency_weight",
		"load_error_weight",
		"merge_strategy",
		"merge_deduplication",
		"min_keyword_score",
		"digest_mode",
		"digest_cache_ttl",
		"routing_model",
		"local_metadata_cache_ttl",
		"forward_max_retries",
		"forward_backoff_base",
		"ping_interval",
		"max_ping_failures",
		"latency_decay_window",
		"node_rate_per_sec",
		"node_rate_burst",
		"search_fanout_grace",
		"search_log_enabled",
		"cache_flush_interval",
		"cache_flush_dirty_threshold",
	}

	for _, key := range expectedKeys {
		if _, ok := m[key]; !ok {
			t.Errorf("missing JSON key: %q", key)
		}
	}
}
