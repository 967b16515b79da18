// Package seqtrack assigns per-intercept sequence numbers. One tracker runs
// per capture lane; it owns the counters for every (LIID, CIN) pair seen on
// that lane, so sequence assignment needs no locks.
package seqtrack

import (
	"fmt"

	"github.com/etsili/collector/encoder"
)

// Tracker stamps records with sequence numbers and forwards them as jobs to
// the encoder ingress queue it owns.
type Tracker struct {
	Lane int

	// In is the tracker's ingress; producers on this lane send records
	// here. Closing it stops the tracker.
	In chan *encoder.Record

	out    chan<- encoder.Job
	seqnos map[string]uint32
}

// New creates a tracker for one lane, feeding the given encoder ingress.
func New(lane, buffer int, out chan<- encoder.Job) *Tracker {
	return &Tracker{
		Lane:   lane,
		In:     make(chan *encoder.Record, buffer),
		out:    out,
		seqnos: make(map[string]uint32),
	}
}

// Run consumes records until In is closed. Sequence numbers are per
// (LIID, CIN) and start at zero. The encoder pool may reorder records
// across workers; the forwarder writes them in arrival order and counts
// those that arrive behind a higher sequence number, without reordering.
func (t *Tracker) Run() {
	for rec := range t.In {
		key := fmt.Sprintf("%s-%d", rec.LIID, rec.CIN)
		n := t.seqnos[key]
		t.seqnos[key] = n + 1
		t.out <- encoder.Job{Rec: rec, SeqNo: n}
	}
}
