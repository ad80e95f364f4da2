package service

import "github.com/weftworks/weft/internal/breaker"

// ------------------------------------------------------------------
// Circuit breakers
// ------------------------------------------------------------------

// ListBreakers returns circuit stats for every node the breaker has seen,
// sorted by node ID.
func (s *ControlPlaneService) ListBreakers() []breaker.Stats {
	out := s.Breaker.AllStats()
	if out == nil {
		out = []breaker.Stats{}
	}
	return out
}

// GetBreaker returns circuit stats for one node.
func (s *ControlPlaneService) GetBreaker(idOrSlug string) (*breaker.Stats, error) {
	entry, ok := s.resolveEntry(idOrSlug)
	if !ok {
		return nil, notFound("node not found")
	}
	stats := s.Breaker.Stats(entry.ID())
	return &stats, nil
}

// ResetBreaker closes a node's circuit and zeroes its counters.
func (s *ControlPlaneService) ResetBreaker(idOrSlug string) error {
	entry, ok := s.resolveEntry(idOrSlug)
	if !ok {
		return notFound("node not found")
	}
	s.Breaker.Reset(entry.ID())
	return nil
}
