package config

import "time"

// Balancer strategy names recognized by the runtime config.
const (
	BalanceRoundRobin       = "round_robin"
	BalanceLeastConnections = "least_connections"
	BalanceWeighted         = "weighted"
	BalanceResponseTime     = "response_time"
	BalanceRandom           = "random"
)

// Merge strategy names recognized by the runtime config.
const (
	MergeScore        = "score"
	MergeRoundRobin   = "round_robin"
	MergeNodePriority = "node_priority"
	MergeDiversity    = "diversity"
	MergeHybrid       = "hybrid"
)

// Digest modes recognized by the runtime config.
const (
	DigestModeTemplate = "template"
	DigestModeAI       = "ai"
)

// RuntimeConfig is the set of knobs an operator can change while the process
// runs, via PATCH /system/config. The active copy lives behind an atomic
// pointer and every accepted patch is written back to state.db, so a restart
// resumes with the last accepted values.
type RuntimeConfig struct {
	// Transport
	RequestTimeout Duration `json:"request_timeout"`
	HealthTimeout  Duration `json:"health_timeout"`
	VerifySSL      bool     `json:"verify_ssl"`

	// Circuit breaker
	BreakerFailureThreshold int      `json:"breaker_failure_threshold"`
	BreakerSuccessThreshold int      `json:"breaker_success_threshold"`
	BreakerRetryTimeout     Duration `json:"breaker_retry_timeout"`
	BreakerCallTimeout      Duration `json:"breaker_call_timeout"`

	// Auth token lifetimes
	AccessTokenTTL  Duration `json:"access_token_ttl"`
	RefreshTokenTTL Duration `json:"refresh_token_ttl"`

	// Query cache
	CacheEnabled              bool     `json:"cache_enabled"`
	CacheTTL                  Duration `json:"cache_ttl"`
	CacheUseDurable           bool     `json:"cache_use_durable"`
	CacheUseTags              bool     `json:"cache_use_tags"`
	CacheFlushAllOnInvalidate bool     `json:"cache_flush_all_on_invalidate"`
	CachePrefix               string   `json:"cache_prefix"`

	// Load balancer
	BalancerStrategy  string  `json:"balancer_strategy"`
	BalancerMaxNodes  int     `json:"balancer_max_nodes"`
	LoadConnWeight    float64 `json:"load_conn_weight"`
	LoadLatencyWeight float64 `json:"load_latency_weight"`
	LoadErrorWeight   float64 `json:"load_error_weight"`

	// Result merger
	MergeStrategy      string `json:"merge_strategy"`
	MergeDeduplication bool   `json:"merge_deduplication"`

	// Router
	MinKeywordScore   int      `json:"min_keyword_score"`
	DigestMode        string   `json:"digest_mode"`
	DigestCacheTTL    Duration `json:"digest_cache_ttl"`
	RoutingModel      string   `json:"routing_model"`
	RoutingLLMTimeout Duration `json:"routing_llm_timeout"`

	// Discovery
	LocalMetadataCacheTTL Duration `json:"local_metadata_cache_ttl"`

	// Forwarder
	ForwardMaxRetries  int      `json:"forward_max_retries"`
	ForwardBackoffBase Duration `json:"forward_backoff_base"`

	// Node health
	PingInterval        Duration `json:"ping_interval"`
	MaxPingFailures     int      `json:"max_ping_failures"`
	PingFreshnessWindow Duration `json:"ping_freshness_window"`
	LatencyDecayWindow  Duration `json:"latency_decay_window"`
	ActiveNodesCacheTTL Duration `json:"active_nodes_cache_ttl"`

	// Per-node rate limit (requests/sec, 0 disables)
	NodeRatePerSec float64 `json:"node_rate_per_sec"`
	NodeRateBurst  int     `json:"node_rate_burst"`

	// Federated fan-out
	SearchFanoutGrace Duration `json:"search_fanout_grace"`

	// Search log
	SearchLogEnabled bool `json:"search_log_enabled"`

	// Persistence
	CacheFlushInterval       Duration `json:"cache_flush_interval"`
	CacheFlushDirtyThreshold int      `json:"cache_flush_dirty_threshold"`
}

// NewDefaultRuntimeConfig returns a RuntimeConfig populated with the
// documented defaults. A fresh deployment runs on exactly these values
// until the first PATCH /system/config.
func NewDefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		RequestTimeout: Duration(30 * time.Second),
		HealthTimeout:  Duration(5 * time.Second),
		VerifySSL:      true,

		BreakerFailureThreshold: 5,
		BreakerSuccessThreshold: 2,
		BreakerRetryTimeout:     Duration(30 * time.Second),
		BreakerCallTimeout:      Duration(60 * time.Second),

		AccessTokenTTL:  Duration(time.Hour),
		RefreshTokenTTL: Duration(24 * time.Hour),

		CacheEnabled:              true,
		CacheTTL:                  Duration(15 * time.Minute),
		CacheUseDurable:           false,
		CacheUseTags:              false,
		CacheFlushAllOnInvalidate: false,
		CachePrefix:               "weft:cache",

		BalancerStrategy:  BalanceResponseTime,
		BalancerMaxNodes:  3,
		LoadConnWeight:    1.0,
		LoadLatencyWeight: 0.01,
		LoadErrorWeight:   100.0,

		MergeStrategy:      MergeScore,
		MergeDeduplication: true,

		MinKeywordScore:   10,
		DigestMode:        DigestModeTemplate,
		DigestCacheTTL:    Duration(time.Hour),
		RoutingModel:      "gpt-4o-mini",
		RoutingLLMTimeout: Duration(5 * time.Second),

		LocalMetadataCacheTTL: Duration(30 * time.Minute),

		ForwardMaxRetries:  1,
		ForwardBackoffBase: Duration(200 * time.Millisecond),

		PingInterval:        Duration(time.Minute),
		MaxPingFailures:     3,
		PingFreshnessWindow: Duration(5 * time.Minute),
		LatencyDecayWindow:  Duration(10 * time.Minute),
		ActiveNodesCacheTTL: Duration(5 * time.Minute),

		NodeRatePerSec: 0,
		NodeRateBurst:  0,

		SearchFanoutGrace: Duration(2 * time.Second),

		SearchLogEnabled: true,

		CacheFlushInterval:       Duration(5 * time.Minute),
		CacheFlushDirtyThreshold: 1000,
	}
}
