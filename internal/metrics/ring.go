package metrics

import "sync"

// Frame is one closed bucket: the rows for every node known at flush.
type Frame struct {
	BucketStartUnix int64
	Rows            []NodeBucketRow
}

// FrameRing is a fixed-size ring of flushed bucket frames.
type FrameRing struct {
	mu     sync.RWMutex
	frames []Frame
	head   int
	count  int
	cap    int
}

// NewFrameRing creates a ring holding the given number of frames.
func NewFrameRing(capacity int) *FrameRing {
	if capacity <= 0 {
		capacity = 60
	}
	return &FrameRing{
		frames: make([]Frame, capacity),
		cap:    capacity,
	}
}

// Push appends a frame, overwriting the oldest when full. A frame whose
// bucket start matches the newest frame merges into it instead, so two
// flushes inside one bucket yield a single frame.
func (r *FrameRing) Push(f Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count > 0 {
		newest := (r.head - 1 + r.cap) % r.cap
		if r.frames[newest].BucketStartUnix == f.BucketStartUnix {
			r.frames[newest] = mergeFrame(r.frames[newest], f)
			return
		}
	}
	r.frames[r.head] = f
	r.head = (r.head + 1) % r.cap
	if r.count < r.cap {
		r.count++
	}
}

// Query returns the rows of frames within [fromUnix, toUnix], oldest first.
func (r *FrameRing) Query(fromUnix, toUnix int64) []NodeBucketRow {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []NodeBucketRow
	for i := r.count - 1; i >= 0; i-- {
		idx := (r.head - 1 - i + r.cap) % r.cap
		f := r.frames[idx]
		if f.BucketStartUnix < fromUnix || f.BucketStartUnix > toUnix {
			continue
		}
		out = append(out, f.Rows...)
	}
	return out
}

func mergeFrame(base, next Frame) Frame {
	byNode := make(map[string]int, len(base.Rows))
	for i, row := range base.Rows {
		byNode[row.NodeID] = i
	}
	for _, row := range next.Rows {
		i, ok := byNode[row.NodeID]
		if !ok {
			base.Rows = append(base.Rows, row)
			continue
		}
		base.Rows[i].Requests += row.Requests
		base.Rows[i].Successes += row.Successes
		base.Rows[i].Failures += row.Failures
		base.Rows[i].AvgResponseMs = row.AvgResponseMs
		base.Rows[i].ActiveConnections = row.ActiveConnections
	}
	return base
}
