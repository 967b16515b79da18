package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	_ "net/http/pprof" // Support profiling

	"github.com/etsili/collector/capture"
	"github.com/etsili/collector/encoder"
	"github.com/etsili/collector/forwarder"
	"github.com/etsili/collector/provisioner"
	"github.com/etsili/collector/radius"
	"github.com/etsili/collector/seqtrack"
	"github.com/etsili/collector/voip"

	"github.com/google/gopacket/pcapgo"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	input       = flag.String("input", "", "pcap file or named pipe to read mirrored traffic from")
	promPort    = flag.String("prom", ":9090", "Prometheus metrics export address and port. Default is ':9090'")
	provAddr    = flag.String("provisioner", "", "Address of the provisioner control link. Empty runs without provisioning (nothing will be intercepted).")
	outputDir   = flag.String("output", "", "Directory in which to put intercept record archives. Default is the current directory.")
	operatorID  = flag.String("operatorid", "", "Operator identifier folded into UMTS IRI records (max 5 chars)")
	lanes       = flag.Int("lanes", 1, "Number of capture/classifier lanes (each owns a sequence tracker)")
	workers     = flag.Int("workers", 3, "Number of encoder workers")
	resultHWM   = flag.Int("result-hwm", 1000000, "High-water mark on the forwarder result queue")
	sweepPeriod = flag.Duration("radius-sweep", time.Minute, "How often unanswered RADIUS requests are aged out")

	ctx, cancel = context.WithCancel(context.Background())
)

// provRouter fans decoded provisioner messages out to the sync loop that
// owns the relevant tables.
type provRouter struct {
	voipC chan<- provisioner.Message
	ipC   chan<- provisioner.Message
}

func (r provRouter) Provision(msg provisioner.Message) {
	switch msg.Op {
	case provisioner.OpIPInterceptStart, provisioner.OpIPInterceptHalt:
		r.ipC <- msg
	default:
		r.voipC <- msg
	}
}

// runIPSync is the IP-plane sync loop: it owns the RADIUS engine and the
// IP warrant table, and converts warranted session events into IRI records.
func runIPSync(ctx context.Context, in <-chan radius.Packet,
	provIn <-chan provisioner.Message, out chan<- *encoder.Record) {

	engine := radius.NewEngine()
	warrants := radius.NewWarrantTable()
	sweep := time.NewTicker(*sweepPeriod)
	defer sweep.Stop()

	log.Println("Starting IP sync loop")
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-in:
			if !ok {
				return
			}
			ev, err := engine.ProcessPacket(pkt)
			if err != nil || ev == nil {
				continue
			}
			if w := warrants.Find(ev.User.Name); w != nil {
				out <- radius.IRIRecord(w, ev)
			}
		case msg := <-provIn:
			switch msg.Op {
			case provisioner.OpIPInterceptStart:
				warrants.Add(&radius.Warrant{
					LIID:       msg.LIID,
					Username:   msg.Username,
					DestID:     msg.DestID,
					InternalID: msg.InternalID,
				})
			case provisioner.OpIPInterceptHalt:
				warrants.Remove(msg.LIID)
			}
		case <-sweep.C:
			engine.SweepPending()
		}
	}
}

func main() {
	flag.Parse()
	flagx.ArgsFromEnv(flag.CommandLine)

	if *outputDir != "" {
		rtx.Must(os.Chdir(*outputDir), "Could not change to the directory %s", *outputDir)
	}

	// Expose prometheus and pprof metrics on a separate port.
	promSrv := prometheusx.MustStartPrometheus(*promPort)
	defer promSrv.Shutdown(context.Background())

	// Encoding pipeline: one ingress queue per lane, one forwarder queue.
	jobs := make([]chan encoder.Job, *lanes)
	for i := range jobs {
		jobs[i] = make(chan encoder.Job, 4096)
	}
	fwd := forwarder.New(0, ".", *workers, *resultHWM)
	pool := encoder.NewPool(*workers, jobs, []chan<- encoder.Result{fwd.In}, *operatorID)
	go fwd.Run()
	pool.Start()

	// One sequence tracker per lane.
	trackers := make([]*seqtrack.Tracker, *lanes)
	for i := range trackers {
		trackers[i] = seqtrack.New(i, 1024, jobs[i])
		go trackers[i].Run()
	}

	// Classifier lanes. Both sync planes feed off lane-shared channels;
	// each lane exports intercepted content through its own tracker.
	radiusC := make(chan radius.Packet, 256)
	sipC := make(chan voip.SIPPacket, 256)
	voipProvC := make(chan provisioner.Message, 64)
	ipProvC := make(chan provisioner.Message, 64)

	threads := make([]*capture.Thread, *lanes)
	pushQs := make([]chan<- voip.PushMessage, *lanes)
	threadsDone := make(chan struct{}, *lanes)
	for i := range threads {
		threads[i] = capture.NewThread(i, radiusC, sipC, trackers[i].In)
		pushQs[i] = threads[i].PushIn
		go func(th *capture.Thread) {
			th.Run(ctx)
			threadsDone <- struct{}{}
		}(threads[i])
	}

	tracker := voip.NewTracker(pushQs, trackers[0].In)
	voipDone := make(chan struct{})
	go func() {
		tracker.Run(ctx, sipC, voipProvC)
		close(voipDone)
	}()
	ipDone := make(chan struct{})
	go func() {
		runIPSync(ctx, radiusC, ipProvC, trackers[0].In)
		close(ipDone)
	}()

	if *provAddr != "" {
		go provisioner.MustRun(ctx, *provAddr, provRouter{voipC: voipProvC, ipC: ipProvC})
	} else {
		log.Println("No provisioner configured; running with empty intercept tables.")
	}

	// Feed the classifier lanes from the capture source.
	f, err := os.Open(*input)
	rtx.Must(err, "Could not open capture input %q", *input)
	defer f.Close()
	src, err := pcapgo.NewReader(f)
	rtx.Must(err, "Could not parse capture input %q", *input)

	total, _ := capture.ReadLoop(ctx, src, threads)
	log.Println("Capture finished:", total, "packets")

	// Shut down in pipeline order: classifiers, then the sync loops, then
	// the sequence trackers, then the encoder pool (which drains and sends
	// end-of-stream sentinels), and finally wait for the forwarder to
	// flush its archives.
	for i := range threads {
		close(threads[i].PktIn)
	}
	for range threads {
		<-threadsDone
	}
	close(sipC)
	close(radiusC)
	<-voipDone
	<-ipDone
	cancel()
	for i := range trackers {
		close(trackers[i].In)
	}
	pool.Stop()
	fwd.Wait()
}
