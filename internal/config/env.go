// Package config defines the two configuration surfaces of a weft process:
// EnvConfig, fixed at startup from WEFT_* environment variables, and
// RuntimeConfig, hot-patchable through the admin API.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/weftworks/weft/internal/model"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// EnvConfig carries everything decided before the process starts serving.
// Changing any of these means a restart; hot-updatable knobs live in RuntimeConfig.
type EnvConfig struct {
	// Directories
	StateDir string
	CacheDir string

	// Network
	ListenAddress   string
	Port            int
	APIMaxBodyBytes int

	// Node identity (advertised to peers)
	NodeName     string
	NodeSlug     string
	NodeType     string
	BaseURL      string
	Description  string
	Capabilities []string

	// Fleet seed file (optional; static peers + local collection defs)
	FleetFile string

	// Auth
	AdminToken  string
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	// LLM (empty base URL disables AI digest and LLM routing)
	LLMBaseURL string
	LLMAPIKey  string

	// Redis durable cache backend (empty address selects SQLite)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Ping
	PingConcurrency int

	// Search log
	SearchLogQueueSize      int
	SearchLogFlushBatchSize int
	SearchLogFlushInterval  time.Duration
	SearchLogRetainRows     int

	// Metrics
	MetricBucketSeconds    int
	MetricRetentionSeconds int
}

// LoadEnvConfig builds an EnvConfig from the WEFT_* environment. All problems
// are collected before reporting, so one run surfaces every bad variable at once.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Directories ---
	cfg.StateDir = envStr("WEFT_STATE_DIR", "/var/lib/weft")
	cfg.CacheDir = envStr("WEFT_CACHE_DIR", "/var/cache/weft")

	// --- Network ---
	cfg.ListenAddress = strings.TrimSpace(envStr("WEFT_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.Port = envInt("WEFT_PORT", 9338, &errs)
	cfg.APIMaxBodyBytes = envInt("WEFT_API_MAX_BODY_BYTES", 1<<20, &errs)

	// --- Node identity ---
	cfg.NodeName = strings.TrimSpace(envStr("WEFT_NODE_NAME", "weft"))
	cfg.NodeSlug = strings.TrimSpace(envStr("WEFT_NODE_SLUG", ""))
	cfg.NodeType = strings.TrimSpace(envStr("WEFT_NODE_TYPE", string(model.NodeTypeMaster)))
	cfg.BaseURL = strings.TrimSpace(envStr("WEFT_BASE_URL", ""))
	cfg.Description = strings.TrimSpace(envStr("WEFT_DESCRIPTION", ""))
	cfg.Capabilities = envStringSlice(
		"WEFT_CAPABILITIES",
		[]string{"search", "chat", "actions", "aggregate"},
		&errs,
	)

	// --- Fleet ---
	cfg.FleetFile = strings.TrimSpace(envStr("WEFT_FLEET_FILE", ""))

	// --- Auth (must be defined; empty means that auth surface is disabled) ---
	adminToken, hasAdminToken := os.LookupEnv("WEFT_ADMIN_TOKEN")
	jwtSecret, hasJWTSecret := os.LookupEnv("WEFT_JWT_SECRET")
	cfg.AdminToken = adminToken
	cfg.JWTSecret = jwtSecret
	cfg.JWTIssuer = strings.TrimSpace(envStr("WEFT_JWT_ISSUER", "weft"))
	cfg.JWTAudience = strings.TrimSpace(envStr("WEFT_JWT_AUDIENCE", ""))

	// --- LLM ---
	cfg.LLMBaseURL = strings.TrimSpace(envStr("WEFT_LLM_BASE_URL", ""))
	cfg.LLMAPIKey = envStr("WEFT_LLM_API_KEY", "")

	// --- Redis ---
	cfg.RedisAddr = strings.TrimSpace(envStr("WEFT_REDIS_ADDR", ""))
	cfg.RedisPassword = envStr("WEFT_REDIS_PASSWORD", "")
	cfg.RedisDB = envInt("WEFT_REDIS_DB", 0, &errs)

	// --- Ping ---
	cfg.PingConcurrency = envInt("WEFT_PING_CONCURRENCY", 64, &errs)

	// --- Search log ---
	cfg.SearchLogQueueSize = envInt("WEFT_SEARCH_LOG_QUEUE_SIZE", 8192, &errs)
	cfg.SearchLogFlushBatchSize = envInt("WEFT_SEARCH_LOG_FLUSH_BATCH_SIZE", 512, &errs)
	cfg.SearchLogFlushInterval = envDuration("WEFT_SEARCH_LOG_FLUSH_INTERVAL", time.Minute, &errs)
	cfg.SearchLogRetainRows = envInt("WEFT_SEARCH_LOG_RETAIN_ROWS", 50000, &errs)

	// --- Metrics ---
	cfg.MetricBucketSeconds = envInt("WEFT_METRIC_BUCKET_SECONDS", 60, &errs)
	cfg.MetricRetentionSeconds = envInt("WEFT_METRIC_RETENTION_SECONDS", 3600, &errs)

	// --- Validation ---
	if !hasAdminToken {
		errs = append(errs, "WEFT_ADMIN_TOKEN must be defined (can be empty)")
	}
	if !hasJWTSecret {
		errs = append(errs, "WEFT_JWT_SECRET must be defined (can be empty)")
	}
	if cfg.ListenAddress == "" {
		errs = append(errs, "WEFT_LISTEN_ADDRESS must not be empty")
	}

	validatePort("WEFT_PORT", cfg.Port, &errs)
	validatePositive("WEFT_API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &errs)

	if cfg.NodeName == "" {
		errs = append(errs, "WEFT_NODE_NAME must not be empty")
	}
	if cfg.NodeSlug != "" && !slugPattern.MatchString(cfg.NodeSlug) {
		errs = append(errs, fmt.Sprintf("WEFT_NODE_SLUG: invalid slug %q (lowercase alphanumerics and hyphens)", cfg.NodeSlug))
	}
	switch model.NodeType(cfg.NodeType) {
	case model.NodeTypeMaster, model.NodeTypeChild:
	default:
		errs = append(errs, fmt.Sprintf(
			"WEFT_NODE_TYPE: invalid value %q (allowed: %s, %s)",
			cfg.NodeType, model.NodeTypeMaster, model.NodeTypeChild,
		))
	}
	if cfg.BaseURL != "" {
		validateHTTPURL("WEFT_BASE_URL", cfg.BaseURL, &errs)
	}
	for _, capability := range cfg.Capabilities {
		if strings.TrimSpace(capability) == "" {
			errs = append(errs, "WEFT_CAPABILITIES must not contain empty entries")
			break
		}
	}
	if cfg.LLMBaseURL != "" {
		validateHTTPURL("WEFT_LLM_BASE_URL", cfg.LLMBaseURL, &errs)
	}
	if cfg.RedisDB < 0 {
		errs = append(errs, fmt.Sprintf("WEFT_REDIS_DB: must be non-negative, got %d", cfg.RedisDB))
	}

	validatePositive("WEFT_PING_CONCURRENCY", cfg.PingConcurrency, &errs)
	validatePositive("WEFT_SEARCH_LOG_QUEUE_SIZE", cfg.SearchLogQueueSize, &errs)
	validatePositive("WEFT_SEARCH_LOG_FLUSH_BATCH_SIZE", cfg.SearchLogFlushBatchSize, &errs)
	validatePositive("WEFT_SEARCH_LOG_RETAIN_ROWS", cfg.SearchLogRetainRows, &errs)
	validatePositive("WEFT_METRIC_BUCKET_SECONDS", cfg.MetricBucketSeconds, &errs)
	validatePositive("WEFT_METRIC_RETENTION_SECONDS", cfg.MetricRetentionSeconds, &errs)

	if cfg.SearchLogFlushInterval <= 0 {
		errs = append(errs, "WEFT_SEARCH_LOG_FLUSH_INTERVAL must be positive")
	}

	// The queue has to absorb a full batch while the previous one drains.
	if cfg.SearchLogQueueSize < 2*cfg.SearchLogFlushBatchSize {
		errs = append(errs, "WEFT_SEARCH_LOG_QUEUE_SIZE must be at least 2x WEFT_SEARCH_LOG_FLUSH_BATCH_SIZE")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid environment configuration:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func envStringSlice(key string, defaultVal []string, errs *[]string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid JSON string array %q", key, v))
		return defaultVal
	}
	if out == nil {
		return []string{}
	}
	return out
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}

func validateHTTPURL(name, raw string, errs *[]string) {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		*errs = append(*errs, fmt.Sprintf("%s: must be an absolute http(s) URL, got %q", name, raw))
	}
}
