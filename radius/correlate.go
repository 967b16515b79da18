package radius

import "github.com/etsili/collector/metrics"

// AccessRequest is an outstanding Access-Request awaiting its response.
type AccessRequest struct {
	ReqKey uint32
	User   *User
}

// AccountingRequest is an outstanding Accounting-Request. It snapshots the
// octet counters and session id from the request so the matching response
// inherits them.
type AccountingRequest struct {
	ReqKey     uint32
	User       *User
	StatusType uint32
	InOctets   uint64
	OutOctets  uint64
	SessionID  string
}

// reqTable holds outstanding requests in two generations, in the style of a
// swap cache: a request that survives two sweeps without being taken never
// got a response and is dropped.
type reqTable[T any] struct {
	current  map[uint32]T
	previous map[uint32]T
}

func newReqTable[T any]() *reqTable[T] {
	return &reqTable[T]{
		current:  make(map[uint32]T),
		previous: make(map[uint32]T),
	}
}

// put stores a pending request, returning the displaced entry if one with
// the same key was already outstanding.
func (r *reqTable[T]) put(key uint32, v T) (prev T, dup bool) {
	if old, ok := r.current[key]; ok {
		prev, dup = old, true
	} else if old, ok := r.previous[key]; ok {
		prev, dup = old, true
		delete(r.previous, key)
	}
	r.current[key] = v
	return prev, dup
}

// take consumes the pending request for key, if any. An entry can be taken
// exactly once.
func (r *reqTable[T]) take(key uint32) (T, bool) {
	if v, ok := r.current[key]; ok {
		delete(r.current, key)
		return v, true
	}
	if v, ok := r.previous[key]; ok {
		delete(r.previous, key)
		return v, true
	}
	var zero T
	return zero, false
}

// sweep rotates the generations and returns how many unanswered requests
// were discarded.
func (r *reqTable[T]) sweep() int {
	n := len(r.previous)
	r.previous = r.current
	r.current = make(map[uint32]T, len(r.previous)+len(r.previous)/10+10)
	return n
}

// SweepPending ages out unanswered requests across every NAS. The owning
// sync loop calls this on a slow timer; a request is dropped between one
// and two intervals after it was seen, far beyond any client retransmit
// window.
func (e *Engine) SweepPending() {
	swept := 0
	for _, srv := range e.servers {
		for _, nas := range srv.NAS {
			swept += nas.access.sweep()
			swept += nas.accounting.sweep()
		}
	}
	if swept > 0 {
		metrics.PendingRequestsSwept.Add(float64(swept))
	}
}
