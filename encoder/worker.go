package encoder

import (
	"log"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/etsili/collector/etsi"
	"github.com/etsili/collector/metrics"
)

// batchLimit bounds how many jobs one worker drains from a single ingress
// queue per pass, so no queue starves the others.
const batchLimit = 50

// idlePoll is how long an idle worker sleeps between passes while staying
// responsive to the control channel.
const idlePoll = 10 * time.Millisecond

// Worker is one encoding thread. All workers in a pool share the ingress
// queues (competing consumers) and the control channel.
type Worker struct {
	ID  int
	tag string

	enc        *etsi.Encoder
	operatorID string
	ingress    []chan Job
	results    []chan<- Result
	control    <-chan struct{}
	wg         *sync.WaitGroup
}

// Run is the worker event loop: check control, then drain up to batchLimit
// jobs from each ingress queue. Called on its own goroutine by Pool.Start.
func (w *Worker) Run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.control:
			w.teardown()
			return
		default:
		}

		worked := 0
		for _, q := range w.ingress {
			worked += w.processJobs(q)
		}
		if worked == 0 {
			select {
			case <-w.control:
				w.teardown()
				return
			case <-time.After(idlePoll):
			}
		}
	}
}

func (w *Worker) processJobs(q chan Job) int {
	batch := 0
	for batch < batchLimit {
		var job Job
		var ok bool
		select {
		case job, ok = <-q:
			if !ok {
				return batch
			}
		default:
			return batch
		}

		res, err := w.encode(job)
		if err != nil {
			log.Printf("encoder worker %d: error encoding %s record: %v",
				w.ID, job.Rec.Type, err)
			metrics.EncodeErrors.Inc()
			continue
		}
		metrics.EncodedRecords.WithLabelValues(job.Rec.Type.String()).Inc()

		// All results go to forwarder 0 for now; hashing by LIID/CIN
		// across forwarders is the intended follow-up once there is more
		// than one mediation link in practice.
		w.results[0] <- res
		batch++
	}
	return batch
}

// teardown drains whatever is left on the ingress queues, accounting each
// discarded job by type, then tells every forwarder this worker is done.
func (w *Worker) teardown() {
	for _, q := range w.ingress {
	drain:
		for {
			select {
			case job, ok := <-q:
				if !ok {
					break drain
				}
				metrics.DrainedJobs.WithLabelValues(job.Rec.Type.String()).Inc()
			default:
				break drain
			}
		}
	}
	for _, out := range w.results {
		out <- Result{}
	}
	log.Printf("halting encoding worker %d", w.ID)
}

// Pool owns a set of encoder workers and the broadcast control channel that
// stops them.
type Pool struct {
	workers []*Worker
	control chan struct{}
	wg      sync.WaitGroup
}

// NewPool builds a pool of n workers sharing the given ingress and result
// queues. The operator id is folded into UMTS IRI records at encode time.
func NewPool(n int, ingress []chan Job, results []chan<- Result, operatorID string) *Pool {
	p := &Pool{control: make(chan struct{})}
	for i := 0; i < n; i++ {
		p.workers = append(p.workers, &Worker{
			ID:         i,
			tag:        xid.New().String(),
			enc:        etsi.NewEncoder(),
			operatorID: operatorID,
			ingress:    ingress,
			results:    results,
			control:    p.control,
			wg:         &p.wg,
		})
	}
	return p
}

// Start launches every worker.
func (p *Pool) Start() {
	for _, w := range p.workers {
		p.wg.Add(1)
		go w.Run()
	}
}

// Stop broadcasts the stop intent and waits for the workers to drain their
// ingress queues and send their end-of-stream sentinels.
func (p *Pool) Stop() {
	close(p.control)
	p.wg.Wait()
}

// Workers returns how many workers the pool runs; forwarders use it to know
// how many sentinels to expect.
func (p *Pool) Workers() int {
	return len(p.workers)
}
