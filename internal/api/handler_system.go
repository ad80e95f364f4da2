package api

import (
	"net/http"
	"sync/atomic"

	"github.com/weftworks/weft/internal/config"
	"github.com/weftworks/weft/internal/service"
)

// HandleSystemInfo returns a handler for GET /api/v1/system/info.
func HandleSystemInfo(info service.SystemInfo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, info)
	}
}

// HandleSystemConfig returns a handler for GET /api/v1/system/config.
func HandleSystemConfig(runtimeCfg *atomic.Pointer[config.RuntimeConfig]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if runtimeCfg == nil {
			WriteJSON(w, http.StatusOK, nil)
			return
		}
		WriteJSON(w, http.StatusOK, runtimeCfg.Load())
	}
}

// HandleSystemDefaultConfig returns a handler for GET /api/v1/system/config/default.
func HandleSystemDefaultConfig() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, config.NewDefaultRuntimeConfig())
	}
}

// envConfigView is the admin-visible projection of the process
// environment. Secrets are reported as set/unset, never by value.
type envConfigView struct {
	StateDir        string   `json:"state_dir"`
	CacheDir        string   `json:"cache_dir"`
	ListenAddress   string   `json:"listen_address"`
	Port            int      `json:"port"`
	APIMaxBodyBytes int      `json:"api_max_body_bytes"`
	NodeName        string   `json:"node_name"`
	NodeSlug        string   `json:"node_slug"`
	NodeType        string   `json:"node_type"`
	BaseURL         string   `json:"base_url"`
	Description     string   `json:"description,omitempty"`
	Capabilities    []string `json:"capabilities"`
	FleetFile       string   `json:"fleet_file,omitempty"`
	AdminTokenSet   bool     `json:"admin_token_set"`
	JWTSecretSet    bool     `json:"jwt_secret_set"`
	JWTIssuer       string   `json:"jwt_issuer"`
	JWTAudience     string   `json:"jwt_audience,omitempty"`
	LLMBaseURL      string   `json:"llm_base_url,omitempty"`
	LLMAPIKeySet    bool     `json:"llm_api_key_set"`
	RedisAddr       string   `json:"redis_addr,omitempty"`
	RedisDB         int      `json:"redis_db"`
	PingConcurrency int      `json:"ping_concurrency"`
}

// HandleSystemEnvConfig returns a handler for GET /api/v1/system/config/env.
func HandleSystemEnvConfig(envCfg *config.EnvConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if envCfg == nil {
			WriteJSON(w, http.StatusOK, nil)
			return
		}
		caps := envCfg.Capabilities
		if caps == nil {
			caps = []string{}
		}
		WriteJSON(w, http.StatusOK, envConfigView{
			StateDir:        envCfg.StateDir,
			CacheDir:        envCfg.CacheDir,
			ListenAddress:   envCfg.ListenAddress,
			Port:            envCfg.Port,
			APIMaxBodyBytes: envCfg.APIMaxBodyBytes,
			NodeName:        envCfg.NodeName,
			NodeSlug:        envCfg.NodeSlug,
			NodeType:        envCfg.NodeType,
			BaseURL:         envCfg.BaseURL,
			Description:     envCfg.Description,
			Capabilities:    caps,
			FleetFile:       envCfg.FleetFile,
			AdminTokenSet:   envCfg.AdminToken != "",
			JWTSecretSet:    envCfg.JWTSecret != "",
			JWTIssuer:       envCfg.JWTIssuer,
			JWTAudience:     envCfg.JWTAudience,
			LLMBaseURL:      envCfg.LLMBaseURL,
			LLMAPIKeySet:    envCfg.LLMAPIKey != "",
			RedisAddr:       envCfg.RedisAddr,
			RedisDB:         envCfg.RedisDB,
			PingConcurrency: envCfg.PingConcurrency,
		})
	}
}

// HandlePatchSystemConfig returns a handler for PATCH /api/v1/system/config.
func HandlePatchSystemConfig(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := readRawBodyOrWriteInvalid(w, r)
		if !ok {
			return
		}
		result, err := cp.PatchRuntimeConfig(body)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}
