package service

import (
	"context"
	"strings"
	"time"

	"github.com/weftworks/weft/internal/metrics"
	"github.com/weftworks/weft/internal/model"
	"github.com/weftworks/weft/internal/routing"
	"github.com/weftworks/weft/internal/state"
)

// ------------------------------------------------------------------
// Routing, search log, metrics
// ------------------------------------------------------------------

// ExplainRouting runs the routing pipeline in dry-run mode and reports
// every candidate's score alongside the decision.
func (s *ControlPlaneService) ExplainRouting(ctx context.Context, query string, collections []string) (*routing.Explanation, error) {
	if strings.TrimSpace(query) == "" && len(collections) == 0 {
		return nil, invalidArg("query or collections is required")
	}
	expl := s.Router.ExplainRouting(ctx, query, collections)
	return &expl, nil
}

const (
	defaultSearchPageSize = 50
	maxSearchPageSize     = 500
)

// ListSearches returns a page of the search log, newest first, optionally
// filtered by a query substring. The second return is the total match
// count for pagination.
func (s *ControlPlaneService) ListSearches(query string, limit, offset int) ([]model.SearchLogRecord, int, error) {
	if limit <= 0 {
		limit = defaultSearchPageSize
	}
	if limit > maxSearchPageSize {
		limit = maxSearchPageSize
	}
	if offset < 0 {
		offset = 0
	}
	rows, total, err := s.SearchLog.List(state.SearchLogQuery{
		Query:  strings.TrimSpace(query),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return nil, 0, internal("list search log", err)
	}
	if rows == nil {
		rows = []model.SearchLogRecord{}
	}
	return rows, total, nil
}

// NodeMetricsResult is a windowed per-node time series.
type NodeMetricsResult struct {
	BucketSeconds int                     `json:"bucket_seconds"`
	FromUnix      int64                   `json:"from_unix"`
	ToUnix        int64                   `json:"to_unix"`
	Rows          []metrics.NodeBucketRow `json:"rows"`
}

// QueryNodeMetrics returns per-node request buckets for a unix-second
// window. Zero bounds default to the last hour.
func (s *ControlPlaneService) QueryNodeMetrics(fromUnix, toUnix int64) (*NodeMetricsResult, error) {
	if toUnix <= 0 {
		toUnix = time.Now().Unix()
	}
	if fromUnix <= 0 {
		fromUnix = toUnix - 3600
	}
	if fromUnix > toUnix {
		return nil, invalidArg("from: must not be after to")
	}
	rows := s.Metrics.QueryNodes(fromUnix, toUnix)
	if rows == nil {
		rows = []metrics.NodeBucketRow{}
	}
	return &NodeMetricsResult{
		BucketSeconds: s.Metrics.BucketSeconds(),
		FromUnix:      fromUnix,
		ToUnix:        toUnix,
		Rows:          rows,
	}, nil
}
