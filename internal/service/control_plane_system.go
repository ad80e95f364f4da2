// Package service is the control-plane facade behind the admin API.
// Handlers stay thin and delegate every decision to the methods here.
package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/weftworks/weft/internal/auth"
	"github.com/weftworks/weft/internal/breaker"
	"github.com/weftworks/weft/internal/cache"
	"github.com/weftworks/weft/internal/config"
	"github.com/weftworks/weft/internal/discovery"
	"github.com/weftworks/weft/internal/metrics"
	"github.com/weftworks/weft/internal/probe"
	"github.com/weftworks/weft/internal/registry"
	"github.com/weftworks/weft/internal/routing"
	"github.com/weftworks/weft/internal/searchlog"
	"github.com/weftworks/weft/internal/state"
)

// ServiceError attaches a stable code to an error so the API layer can pick
// a status without matching on message text.
type ServiceError struct {
	Code    string // one of INVALID_ARGUMENT, NOT_FOUND, CONFLICT, INTERNAL
	Message string
	Err     error
}

func (e *ServiceError) Error() string { return e.Message }
func (e *ServiceError) Unwrap() error { return e.Err }

func invalidArg(msg string) *ServiceError {
	return &ServiceError{Code: "INVALID_ARGUMENT", Message: msg}
}

func notFound(msg string) *ServiceError {
	return &ServiceError{Code: "NOT_FOUND", Message: msg}
}

func conflict(msg string) *ServiceError {
	return &ServiceError{Code: "CONFLICT", Message: msg}
}

func internal(msg string, err error) *ServiceError {
	return &ServiceError{Code: "INTERNAL", Message: msg, Err: err}
}

// SystemInfo contains version and runtime information.
type SystemInfo struct {
	Version   string    `json:"version"`
	GitCommit string    `json:"git_commit"`
	BuildTime string    `json:"build_time"`
	StartedAt time.Time `json:"started_at"`
}

// --- ControlPlaneService ---

// ControlPlaneService aggregates every subsystem the admin API can touch.
type ControlPlaneService struct {
	Engine     *state.StateEngine
	Registry   *registry.Registry
	Breaker    *breaker.Breaker
	Cache      *cache.QueryCache
	Router     *routing.Router
	ProbeMgr   *probe.Manager
	Auth       *auth.Service
	Digests    *discovery.DigestService
	SearchLog  *searchlog.Service
	Metrics    *metrics.Manager
	RuntimeCfg *atomic.Pointer[config.RuntimeConfig]
	EnvCfg     *config.EnvConfig
	Info       SystemInfo

	configMu      sync.Mutex
	configVersion int
}

// ------------------------------------------------------------------
// System Config
// ------------------------------------------------------------------

// runtimeConfigAllowedFields is the set of JSON field names that can be
// patched. Every runtime setting is hot-updatable; the list exists so a
// typo'd or retired field name fails loudly instead of silently no-opping.
var runtimeConfigAllowedFields = map[string]bool{
	"request_timeout":               true,
	"health_timeout":                true,
	"verify_ssl":                    true,
	"breaker_failure_threshold":     true,
	"breaker_success_threshold":     true,
	"breaker_retry_timeout":         true,
	"breaker_call_timeout":          true,
	"access_token_ttl":              true,
	"refresh_token_ttl":             true,
	"cache_enabled":                 true,
	"cache_ttl":                     true,
	"cache_use_durable":             true,
	"cache_use_tags":                true,
	"cache_flush_all_on_invalidate": true,
	"cache_prefix":                  true,
	"balancer_strategy":             true,
	"balancer_max_nodes":            true,
	"load_conn_weight":              true,
	"load_latency_weight":           true,
	"load_error_weight":             true,
	"merge_strategy":                true,
	"merge_deduplication":           true,
	"min_keyword_score":             true,
	"digest_mode":                   true,
	"digest_cache_ttl":              true,
	"routing_model":                 true,
	"routing_llm_timeout":           true,
	"local_metadata_cache_ttl":      true,
	"forward_max_retries":           true,
	"forward_backoff_base":          true,
	"ping_interval":                 true,
	"max_ping_failures":             true,
	"ping_freshness_window":         true,
	"latency_decay_window":          true,
	"active_nodes_cache_ttl":        true,
	"node_rate_per_sec":             true,
	"node_rate_burst":               true,
	"search_fanout_grace":           true,
	"search_log_enabled":            true,
	"cache_flush_interval":          true,
	"cache_flush_dirty_threshold":   true,
}

var nodePatchAllowedFields = map[string]bool{
	"name":         true,
	"base_url":     true,
	"description":  true,
	"status":       true,
	"weight":       true,
	"version":      true,
	"capabilities": true,
	"domains":      true,
	"data_types":   true,
	"keywords":     true,
	"workflows":    true,
}

func parseRuntimeConfigPatch(patchJSON json.RawMessage, out *config.RuntimeConfig) *ServiceError {
	var rawPatch map[string]json.RawMessage
	if err := json.Unmarshal(patchJSON, &rawPatch); err != nil {
		return invalidArg("invalid JSON: " + err.Error())
	}
	if len(rawPatch) == 0 {
		return invalidArg("empty patch")
	}
	for key, raw := range rawPatch {
		if !runtimeConfigAllowedFields[key] {
			return invalidArg(fmt.Sprintf("field %q is unknown or read-only", key))
		}
		if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			return invalidArg(fmt.Sprintf("field %q cannot be null", key))
		}
	}

	dec := json.NewDecoder(bytes.NewReader(patchJSON))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return invalidArg("invalid field value: " + err.Error())
	}
	return nil
}

func copyRuntimeConfig(cfg *config.RuntimeConfig) *config.RuntimeConfig {
	if cfg == nil {
		return config.NewDefaultRuntimeConfig()
	}
	out := *cfg
	return &out
}

// GetSystemInfo returns static build info plus the process start time.
func (s *ControlPlaneService) GetSystemInfo() SystemInfo {
	return s.Info
}

// GetRuntimeConfig returns the live runtime config snapshot.
func (s *ControlPlaneService) GetRuntimeConfig() *config.RuntimeConfig {
	if s.RuntimeCfg == nil {
		return nil
	}
	return s.RuntimeCfg.Load()
}

// PatchRuntimeConfig applies a partial update to the runtime config. The
// patch must be a non-empty JSON object with no null values, which is
// stricter than RFC 7396 Merge Patch. Validation and persistence both
// succeed before the live pointer swaps, so readers never see a config that
// failed either step.
func (s *ControlPlaneService) PatchRuntimeConfig(patchJSON json.RawMessage) (*config.RuntimeConfig, error) {
	s.configMu.Lock()
	defer s.configMu.Unlock()

	// Patch a deep copy; the live config stays untouched until the swap.
	newCfg := copyRuntimeConfig(s.RuntimeCfg.Load())
	if verr := parseRuntimeConfigPatch(patchJSON, newCfg); verr != nil {
		return nil, verr
	}

	if err := validateRuntimeConfig(newCfg); err != nil {
		return nil, err
	}

	// The first patch after a restart seeds configVersion from the stored
	// row; versions keep climbing across process lifetimes.
	if s.configVersion == 0 && s.Engine != nil {
		_, persistedVersion, err := s.Engine.GetSystemConfig()
		if err != nil {
			return nil, internal("read persisted config version", err)
		}
		if persistedVersion > s.configVersion {
			s.configVersion = persistedVersion
		}
	}

	newVersion := s.configVersion + 1
	if err := s.Engine.SaveSystemConfig(newCfg, newVersion, time.Now().UnixNano()); err != nil {
		return nil, internal("persist config", err)
	}

	s.RuntimeCfg.Store(newCfg)
	s.configVersion = newVersion

	// Rate limits are read at request time from the node entries, not the
	// config pointer; push the new values down.
	if s.Registry != nil {
		s.Registry.ApplyRateLimits()
	}

	return newCfg, nil
}

var validBalancerStrategies = map[string]bool{
	config.BalanceRoundRobin:       true,
	config.BalanceLeastConnections: true,
	config.BalanceWeighted:         true,
	config.BalanceResponseTime:     true,
	config.BalanceRandom:           true,
}

var validMergeStrategies = map[string]bool{
	config.MergeScore:        true,
	config.MergeRoundRobin:   true,
	config.MergeNodePriority: true,
	config.MergeDiversity:    true,
	config.MergeHybrid:       true,
}

func validateRuntimeConfig(cfg *config.RuntimeConfig) *ServiceError {
	if cfg.RequestTimeout <= 0 {
		return invalidArg("request_timeout: must be positive")
	}
	if cfg.HealthTimeout <= 0 {
		return invalidArg("health_timeout: must be positive")
	}
	if cfg.BreakerFailureThreshold < 1 {
		return invalidArg("breaker_failure_threshold: must be >= 1")
	}
	if cfg.BreakerSuccessThreshold < 1 {
		return invalidArg("breaker_success_threshold: must be >= 1")
	}
	if cfg.BreakerRetryTimeout <= 0 {
		return invalidArg("breaker_retry_timeout: must be positive")
	}
	if cfg.BreakerCallTimeout <= 0 {
		return invalidArg("breaker_call_timeout: must be positive")
	}
	if cfg.AccessTokenTTL <= 0 {
		return invalidArg("access_token_ttl: must be positive")
	}
	if cfg.RefreshTokenTTL < cfg.AccessTokenTTL {
		return invalidArg("refresh_token_ttl: must be >= access_token_ttl")
	}
	if cfg.CacheTTL <= 0 {
		return invalidArg("cache_ttl: must be positive")
	}
	if !validBalancerStrategies[cfg.BalancerStrategy] {
		return invalidArg(fmt.Sprintf("balancer_strategy: unknown strategy %q", cfg.BalancerStrategy))
	}
	if cfg.BalancerMaxNodes < 0 {
		return invalidArg("balancer_max_nodes: must be non-negative")
	}
	if cfg.LoadConnWeight < 0 || cfg.LoadLatencyWeight < 0 || cfg.LoadErrorWeight < 0 {
		return invalidArg("load balancer weights must be non-negative")
	}
	if !validMergeStrategies[cfg.MergeStrategy] {
		return invalidArg(fmt.Sprintf("merge_strategy: unknown strategy %q", cfg.MergeStrategy))
	}
	if cfg.MinKeywordScore < 0 {
		return invalidArg("min_keyword_score: must be non-negative")
	}
	if cfg.DigestMode != config.DigestModeTemplate && cfg.DigestMode != config.DigestModeAI {
		return invalidArg(fmt.Sprintf("digest_mode: must be %q or %q", config.DigestModeTemplate, config.DigestModeAI))
	}
	if cfg.DigestCacheTTL < 0 {
		return invalidArg("digest_cache_ttl: must be non-negative")
	}
	if strings.TrimSpace(cfg.RoutingModel) == "" {
		return invalidArg("routing_model: must be non-empty")
	}
	if cfg.RoutingLLMTimeout <= 0 {
		return invalidArg("routing_llm_timeout: must be positive")
	}
	if cfg.LocalMetadataCacheTTL < 0 {
		return invalidArg("local_metadata_cache_ttl: must be non-negative")
	}
	if cfg.ForwardMaxRetries < 0 {
		return invalidArg("forward_max_retries: must be non-negative")
	}
	if cfg.ForwardBackoffBase < 0 {
		return invalidArg("forward_backoff_base: must be non-negative")
	}
	// Ping intervals below a second would hammer the fleet.
	if time.Duration(cfg.PingInterval) < time.Second {
		return invalidArg("ping_interval: must be >= 1s")
	}
	if cfg.MaxPingFailures < 1 {
		return invalidArg("max_ping_failures: must be >= 1")
	}
	if cfg.PingFreshnessWindow <= 0 {
		return invalidArg("ping_freshness_window: must be positive")
	}
	if cfg.LatencyDecayWindow < 0 {
		return invalidArg("latency_decay_window: must be non-negative")
	}
	if cfg.ActiveNodesCacheTTL < 0 {
		return invalidArg("active_nodes_cache_ttl: must be non-negative")
	}
	if cfg.NodeRatePerSec < 0 {
		return invalidArg("node_rate_per_sec: must be non-negative")
	}
	if cfg.NodeRateBurst < 0 {
		return invalidArg("node_rate_burst: must be non-negative")
	}
	if cfg.SearchFanoutGrace < 0 {
		return invalidArg("search_fanout_grace: must be non-negative")
	}
	if cfg.CacheFlushInterval < 0 {
		return invalidArg("cache_flush_interval: must be non-negative")
	}
	if cfg.CacheFlushDirtyThreshold < 0 {
		return invalidArg("cache_flush_dirty_threshold: must be non-negative")
	}
	return nil
}
