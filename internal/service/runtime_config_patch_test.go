package service

import (
	"encoding/json"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/weftworks/weft/internal/config"
	"github.com/weftworks/weft/internal/state"
)

type patchHarness struct {
	cp         *ControlPlaneService
	engine     *state.StateEngine
	runtimeCfg *atomic.Pointer[config.RuntimeConfig]
	stateDir   string
	cacheDir   string
	closeDB    func()
}

func newPatchHarness(t *testing.T) patchHarness {
	t.Helper()

	root := t.TempDir()
	stateDir := filepath.Join(root, "state")
	cacheDir := filepath.Join(root, "cache")

	engine, closer, err := state.PersistenceBootstrap(stateDir, cacheDir)
	if err != nil {
		t.Fatalf("PersistenceBootstrap: %v", err)
	}

	runtimeCfg := &atomic.Pointer[config.RuntimeConfig]{}
	runtimeCfg.Store(config.NewDefaultRuntimeConfig())

	h := patchHarness{
		cp: &ControlPlaneService{
			Engine:     engine,
			RuntimeCfg: runtimeCfg,
		},
		engine:     engine,
		runtimeCfg: runtimeCfg,
		stateDir:   stateDir,
		cacheDir:   cacheDir,
		closeDB: func() {
			_ = closer.Close()
		},
	}
	t.Cleanup(h.closeDB)
	return h
}

func cloneRuntimeConfig(cfg *config.RuntimeConfig) *config.RuntimeConfig {
	if cfg == nil {
		return nil
	}
	out := *cfg
	return &out
}

func TestPatchRuntimeConfig_HotUpdatePersistsAndSurvivesRestart(t *testing.T) {
	h := newPatchHarness(t)

	patch := map[string]any{
		"search_log_enabled": false,
		"min_keyword_score":  25,
		"cache_ttl":          "5m",
		"merge_strategy":     "hybrid",
	}
	body, err := json.Marshal(patch)
	if err != nil {
		t.Fatalf("marshal patch: %v", err)
	}

	updated, err := h.cp.PatchRuntimeConfig(body)
	if err != nil {
		t.Fatalf("PatchRuntimeConfig: %v", err)
	}

	if updated.SearchLogEnabled {
		t.Fatal("search_log_enabled should be false after patch")
	}
	if updated.MinKeywordScore != 25 {
		t.Fatalf("min_keyword_score=%d, want 25", updated.MinKeywordScore)
	}
	if time.Duration(updated.CacheTTL) != 5*time.Minute {
		t.Fatalf("cache_ttl=%v, want 5m", time.Duration(updated.CacheTTL))
	}
	if updated.MergeStrategy != config.MergeHybrid {
		t.Fatalf("merge_strategy=%q, want hybrid", updated.MergeStrategy)
	}

	live := h.runtimeCfg.Load()
	if live.SearchLogEnabled ||
		live.MinKeywordScore != 25 ||
		time.Duration(live.CacheTTL) != 5*time.Minute ||
		live.MergeStrategy != config.MergeHybrid {
		t.Fatalf("live config still carries pre-patch values: %+v", live)
	}

	persisted, ver, err := h.engine.GetSystemConfig()
	if err != nil {
		t.Fatalf("GetSystemConfig: %v", err)
	}
	if ver != 1 {
		t.Fatalf("stored version=%d, want 1", ver)
	}
	if persisted.SearchLogEnabled ||
		persisted.MinKeywordScore != 25 ||
		time.Duration(persisted.CacheTTL) != 5*time.Minute ||
		persisted.MergeStrategy != config.MergeHybrid {
		t.Fatalf("stored config missing patched values: %+v", persisted)
	}

	// Reopen both databases as a restarted process would.
	h.closeDB()
	engine2, closer2, err := state.PersistenceBootstrap(h.stateDir, h.cacheDir)
	if err != nil {
		t.Fatalf("PersistenceBootstrap (restart): %v", err)
	}
	defer closer2.Close()

	afterRestart, _, err := engine2.GetSystemConfig()
	if err != nil {
		t.Fatalf("GetSystemConfig (restart): %v", err)
	}
	if afterRestart.SearchLogEnabled ||
		afterRestart.MinKeywordScore != 25 ||
		time.Duration(afterRestart.CacheTTL) != 5*time.Minute ||
		afterRestart.MergeStrategy != config.MergeHybrid {
		t.Fatalf("patched values lost across restart: %+v", afterRestart)
	}
}

func TestPatchRuntimeConfig_UnknownAndNullFieldsRejected(t *testing.T) {
	h := newPatchHarness(t)

	cases := []struct {
		name string
		body string
	}{
		{"unknown field", `{"jwt_secret":"sneaky"}`},
		{"null value", `{"cache_ttl":null}`},
		{"empty patch", `{}`},
		{"not an object", `[1,2,3]`},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.cp.PatchRuntimeConfig([]byte(tt.body))
			if serviceCode(t, err) != "INVALID_ARGUMENT" {
				t.Fatalf("PatchRuntimeConfig(%s) = %v, want INVALID_ARGUMENT", tt.body, err)
			}
		})
	}
}

func TestPatchRuntimeConfig_InvalidPatchDoesNotPartiallyApply(t *testing.T) {
	h := newPatchHarness(t)

	original := cloneRuntimeConfig(h.runtimeCfg.Load())
	if err := h.engine.SaveSystemConfig(original, 7, time.Now().UnixNano()); err != nil {
		t.Fatalf("seed SaveSystemConfig: %v", err)
	}

	// cache_ttl decodes fine; the unknown balancer fails validation after.
	_, err := h.cp.PatchRuntimeConfig([]byte(`{"cache_ttl":"10m","balancer_strategy":"fastest"}`))
	if err == nil {
		t.Fatal("expected validation error for unknown balancer strategy")
	}

	after := cloneRuntimeConfig(h.runtimeCfg.Load())
	if !reflect.DeepEqual(after, original) {
		t.Fatalf("live config mutated by rejected patch\nbefore=%+v\nafter=%+v", original, after)
	}

	persisted, ver, err := h.engine.GetSystemConfig()
	if err != nil {
		t.Fatalf("GetSystemConfig: %v", err)
	}
	if ver != 7 {
		t.Fatalf("config version moved on a rejected patch: got %d, want 7", ver)
	}
	if !reflect.DeepEqual(persisted, original) {
		t.Fatalf("stored config mutated by rejected patch\nbefore=%+v\nafter=%+v", original, persisted)
	}
}

func TestPatchRuntimeConfig_PersistFailureDoesNotSwapAtomicPointer(t *testing.T) {
	h := newPatchHarness(t)

	before := cloneRuntimeConfig(h.runtimeCfg.Load())

	// Closing the db makes the persist step fail.
	h.closeDB()

	_, err := h.cp.PatchRuntimeConfig([]byte(`{"search_log_enabled":false}`))
	if err == nil {
		t.Fatal("want error once the db is closed")
	}

	after := cloneRuntimeConfig(h.runtimeCfg.Load())
	if !reflect.DeepEqual(after, before) {
		t.Fatalf("config pointer swapped even though persist failed\nbefore=%+v\nafter=%+v", before, after)
	}
}

func TestPatchRuntimeConfig_ConcurrentPatchesNoLostUpdate(t *testing.T) {
	h := newPatchHarness(t)

	patches := [][]byte{
		[]byte(`{"min_keyword_score":30}`),
		[]byte(`{"cache_ttl":"45m"}`),
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(patches))
	start := make(chan struct{})

	for _, patch := range patches {
		wg.Add(1)
		go func(p []byte) {
			defer wg.Done()
			<-start
			_, err := h.cp.PatchRuntimeConfig(p)
			errCh <- err
		}(patch)
	}

	close(start)
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			t.Fatalf("PatchRuntimeConfig under contention: %v", err)
		}
	}

	final := h.runtimeCfg.Load()
	if final.MinKeywordScore != 30 {
		t.Fatalf("min_keyword_score=%d, want 30 after both patches", final.MinKeywordScore)
	}
	if time.Duration(final.CacheTTL) != 45*time.Minute {
		t.Fatalf("cache_ttl=%v, want 45m after both patches", time.Duration(final.CacheTTL))
	}

	_, ver, err := h.engine.GetSystemConfig()
	if err != nil {
		t.Fatalf("GetSystemConfig: %v", err)
	}
	if ver != 2 {
		t.Fatalf("persisted version=%d, want 2 after two patches", ver)
	}
}
