package fedsearch

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/weftworks/weft/internal/model"
	"github.com/weftworks/weft/internal/netutil"
	"github.com/weftworks/weft/internal/node"
)

// aggregateConcurrency bounds how many peers are queried at once.
const aggregateConcurrency = 8

// LocalAggregator reports per-collection stats for the local corpus.
type LocalAggregator interface {
	Aggregate(ctx context.Context, collections []string) (map[string]model.CollectionStats, error)
}

// Aggregate collects per-collection stats across the fabric. Collections
// owned by a reachable peer are fetched from it; everything else is
// answered by the local aggregator. Failed peers contribute nothing and
// never fail the whole call.
func (s *Service) Aggregate(ctx context.Context, collections []string, userID string, inbound *http.Request) map[string]model.CollectionStats {
	out := make(map[string]model.CollectionStats, len(collections))
	if len(collections) == 0 {
		return out
	}

	byNode := make(map[string][]string)
	owners := make(map[string]*node.Entry)
	var localCols []string
	for _, coll := range collections {
		var owner *node.Entry
		if s.reg != nil {
			owner = s.reg.FindNodeForCollection(coll)
		}
		if owner == nil {
			localCols = append(localCols, coll)
			continue
		}
		if s.brk != nil && s.brk.IsOpen(owner.ID()) {
			log.Printf("[fedsearch] skipping aggregate for %s: circuit open on %s", coll, owner.Slug())
			continue
		}
		byNode[owner.ID()] = append(byNode[owner.ID()], coll)
		owners[owner.ID()] = owner
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(aggregateConcurrency)

	if len(localCols) > 0 && s.localStats != nil {
		g.Go(func() error {
			stats, err := s.localStats.Aggregate(ctx, localCols)
			if err != nil {
				log.Printf("[fedsearch] local aggregate failed: %v", err)
				return nil
			}
			mu.Lock()
			for k, v := range stats {
				out[k] = v
			}
			mu.Unlock()
			return nil
		})
	}
	for id, cols := range byNode {
		e := owners[id]
		g.Go(func() error {
			stats, err := s.aggregatePeer(ctx, e, cols, userID, inbound)
			if err != nil {
				log.Printf("[fedsearch] aggregate from %s failed: %v", e.Slug(), err)
				return nil
			}
			mu.Lock()
			for k, v := range stats {
				out[k] = v
			}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return out
}

func (s *Service) aggregatePeer(ctx context.Context, e *node.Entry, cols []string, userID string, inbound *http.Request) (map[string]model.CollectionStats, error) {
	e.ActiveConnections.Add(1)
	defer e.ActiveConnections.Add(-1)

	payload := map[string]any{"collections": cols}
	if userID != "" {
		payload["userId"] = userID
	}

	start := time.Now()
	req, cancel, err := s.http.NewFabricRequest(ctx, e.BaseURL(), netutil.PathAggregate, payload, inbound)
	if err != nil {
		return nil, err
	}
	defer cancel()

	resp, err := s.http.Do(req)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.recordFailure(e)
		}
		return nil, err
	}
	data, err := netutil.ReadResponse(resp)
	if err != nil {
		s.recordFailure(e)
		return nil, err
	}
	var parsed model.AggregateResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		s.recordFailure(e)
		return nil, err
	}

	e.SuccessCount.Add(1)
	e.ObserveLatency(time.Now(), time.Since(start), s.latencyDecay())
	if s.brk != nil {
		s.brk.RecordSuccess(e.ID())
	}
	return parsed.AggregateData, nil
}
