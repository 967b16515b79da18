package voip

import (
	"context"
	"fmt"
	"log"
	"net/netip"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/etsili/collector/encoder"
	"github.com/etsili/collector/etsi"
	"github.com/etsili/collector/metrics"
	"github.com/etsili/collector/provisioner"
	"github.com/etsili/collector/sipmsg"
)

// byeTimeout is how long after a matched BYE the RTP stream is kept, to
// catch straggling media before halt-and-cleanup.
const byeTimeout = 30 * time.Second

// SIPPacket is one captured SIP payload handed over by the classifier.
type SIPPacket struct {
	Payload []byte
	Src     netip.AddrPort
	Dst     netip.AddrPort
	TS      time.Time
}

// Tracker owns every VoIP intercept table. A single goroutine runs its
// loop; SIP packets, provisioner messages and BYE timeouts all arrive over
// channels so there is never a second writer.
type Tracker struct {
	intercepts   map[string]*Intercept
	knownCallIDs map[string]struct{}

	captureQs []chan<- PushMessage
	export    chan<- *encoder.Record

	timerC     chan *RTPStream
	byeTimeout time.Duration
}

// NewTracker builds a tracker that pushes stream updates to the given
// capture-thread queues and export records to the given sequence tracker.
func NewTracker(captureQs []chan<- PushMessage, export chan<- *encoder.Record) *Tracker {
	return &Tracker{
		intercepts:   make(map[string]*Intercept),
		knownCallIDs: make(map[string]struct{}),
		captureQs:    captureQs,
		export:       export,
		timerC:       make(chan *RTPStream, 16),
		byeTimeout:   byeTimeout,
	}
}

// Run is the sync loop. It owns all tracker state until the context ends.
func (t *Tracker) Run(ctx context.Context, sipIn <-chan SIPPacket, provIn <-chan provisioner.Message) {
	log.Println("Starting VoIP sync loop")
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-sipIn:
			if !ok {
				return
			}
			t.ProcessSIP(pkt.Payload, pkt.TS)
		case msg := <-provIn:
			t.Provision(msg)
		case stream := <-t.timerC:
			t.handleByeTimeout(stream)
		}
	}
}

// ProcessSIP runs one SIP payload through target matching and session
// tracking. It returns how many IRI records were exported for it.
func (t *Tracker) ProcessSIP(payload []byte, ts time.Time) int {
	msg, err := sipmsg.Parse(payload)
	if err != nil {
		metrics.DroppedPackets.WithLabelValues("sip-parse").Inc()
		return 0
	}
	callid := msg.CallID()
	if callid == "" {
		metrics.DroppedPackets.WithLabelValues("sip-no-callid").Inc()
		return 0
	}
	metrics.PacketsTotal.WithLabelValues("sip").Inc()

	sdpo := SDPKey{SessionID: msg.SessionID(), Version: msg.SessionVersion()}

	if msg.IsInvite() {
		return t.processInvite(msg, callid, sdpo, payload, ts)
	}
	if _, known := t.knownCallIDs[callid]; known {
		return t.processOther(msg, callid, payload, ts)
	}
	return 0
}

// processInvite walks every intercept and applies the matching ladder:
// Call-ID map, SDP map, then target identities (To: URI, then proxy-auth,
// then auth usernames).
func (t *Tracker) processInvite(msg *sipmsg.Message, callid string, sdpo SDPKey, payload []byte, ts time.Time) int {
	exported := 0
	for _, vint := range t.intercepts {
		if !vint.Active {
			continue
		}

		var vshared *Shared
		iritype := etsi.IRIReport

		findcin := vint.CallIDMap[callid]
		var findsdp *Shared
		if sdpo != (SDPKey{}) {
			findsdp = vint.SDPMap[sdpo]
		}

		switch {
		case findcin != nil:
			if findsdp != nil {
				if findsdp.CIN != findcin.CIN {
					// Both identifiers hit but disagree. Should never
					// happen; recover by trusting the Call-ID mapping.
					log.Printf("CIN mismatch for call %s under %s: callid says %d, SDP says %d",
						callid, vint.LIID, findcin.CIN, findsdp.CIN)
				}
			} else if sdpo != (SDPKey{}) {
				// New session identifier for a known call.
				t.addSDPMapping(vint, sdpo, findcin)
			}
			vshared = findcin
			iritype = etsi.IRIContinue

		case findsdp != nil:
			// New Call-ID for a session we have seen before.
			t.addCallIDMapping(vint, callid, findsdp)
			vshared = findsdp
			iritype = etsi.IRIContinue

		default:
			// Not an existing call; could still match a target identity.
			matched := false
			if id, ok := msg.ToURIIdentity(); ok && vint.matchesTarget(id.Username, id.Realm) {
				matched = true
			}
			if !matched {
				matched = t.matchAuthIdentities(msg, vint, true)
			}
			if !matched {
				matched = t.matchAuthIdentities(msg, vint, false)
			}
			if matched {
				vshared = t.createSession(vint, callid, sdpo)
			}
			iritype = etsi.IRIBegin
		}

		if vshared == nil {
			continue
		}

		stream := vint.ActiveCINs[streamKey(vint.LIID, vshared.CIN)]
		if stream == nil {
			log.Printf("unable to find %d in the active call list for %s",
				vshared.CIN, vint.LIID)
			continue
		}

		// The INVITE's SDP offer describes the far ("other") side.
		if ip, port := msg.MediaIPAddr(), msg.MediaPort(); ip != "" && port != 0 {
			t.updateStream(stream, ip, port, false)
		}
		stream.InviteCSeq = msg.CSeq()

		t.emitIRI(vint, vshared, iritype, payload, ts)
		exported++
	}
	return exported
}

// processOther handles in-dialog messages for calls already of interest:
// media learning from 183/200 answers, BYE/200 matching, and dialog typing.
func (t *Tracker) processOther(msg *sipmsg.Message, callid string, payload []byte, ts time.Time) int {
	exported := 0
	for _, vint := range t.intercepts {
		vshared := vint.CallIDMap[callid]
		if vshared == nil {
			continue
		}
		iritype := etsi.IRIReport

		stream := vint.ActiveCINs[streamKey(vint.LIID, vshared.CIN)]
		if stream == nil {
			log.Printf("unable to find %d in the active call list for %s",
				vshared.CIN, vint.LIID)
			continue
		}

		cseq := msg.CSeq()

		if msg.Is200OK() {
			switch {
			case stream.InviteCSeq != "" && stream.InviteCSeq == cseq:
				t.learnAnswerMedia(stream, msg)
			case stream.ByeCSeq != "" && stream.ByeCSeq == cseq && !stream.ByeMatched:
				// Call is over; give the media a grace period before
				// halting the stream.
				stream.ByeMatched = true
				stream.timer = time.AfterFunc(t.byeTimeout, func() {
					t.timerC <- stream
				})
				iritype = etsi.IRIEnd
			}
		}

		if msg.Is183SessProg() && stream.InviteCSeq != "" && stream.InviteCSeq == cseq {
			t.learnAnswerMedia(stream, msg)
		}

		if msg.IsBye() && !stream.ByeMatched {
			stream.ByeCSeq = cseq
		}

		if stream.ByeMatched && iritype != etsi.IRIEnd {
			// All post-END IRIs must be reports.
			iritype = etsi.IRIReport
		}

		t.emitIRI(vint, vshared, iritype, payload, ts)
		exported++
	}
	return exported
}

// learnAnswerMedia records the target-side endpoint from an SDP answer and
// consumes the pending INVITE CSeq so later responses with the same CSeq
// don't re-learn media.
func (t *Tracker) learnAnswerMedia(stream *RTPStream, msg *sipmsg.Message) {
	ip, port := msg.MediaIPAddr(), msg.MediaPort()
	if ip == "" || port == 0 {
		return
	}
	t.updateStream(stream, ip, port, true)
	stream.InviteCSeq = ""
}

// matchAuthIdentities tests digest usernames against the intercept's
// targets.
func (t *Tracker) matchAuthIdentities(msg *sipmsg.Message, vint *Intercept, proxy bool) bool {
	for _, id := range msg.AuthIdentities(proxy) {
		if vint.matchesTarget(id.Username, id.Realm) {
			return true
		}
	}
	return false
}

// createSession mints a fresh CIN for the call, installs the Call-ID (and
// SDP, when present) mappings and creates the RTP stream shell.
func (t *Tracker) createSession(vint *Intercept, callid string, sdpo SDPKey) *Shared {
	cin := uint32(xxhash.Sum64String(callid))
	vshared := &Shared{CIN: cin}

	key := streamKey(vint.LIID, cin)
	vint.ActiveCINs[key] = &RTPStream{
		StreamKey: key,
		LIID:      vint.LIID,
		CIN:       cin,
		parent:    vint,
	}

	t.addCallIDMapping(vint, callid, vshared)
	t.knownCallIDs[callid] = struct{}{}
	if sdpo != (SDPKey{}) {
		t.addSDPMapping(vint, sdpo, vshared)
	}
	return vshared
}

func (t *Tracker) addCallIDMapping(vint *Intercept, callid string, vshared *Shared) {
	vint.CallIDMap[callid] = vshared
	vshared.refs++
	t.knownCallIDs[callid] = struct{}{}
}

func (t *Tracker) addSDPMapping(vint *Intercept, sdpo SDPKey, vshared *Shared) {
	vint.SDPMap[sdpo] = vshared
	vshared.refs++
}

// updateStream installs one side of the RTP 5-tuple. fromTarget is true for
// SDP answers (the target side) and false for the initial offer. When both
// halves become known the stream goes active and is pushed to every capture
// thread.
func (t *Tracker) updateStream(stream *RTPStream, ipstr string, port int, fromTarget bool) {
	if port <= 0 || port > 65535 {
		log.Printf("invalid RTP port number: %d", port)
		return
	}
	addr, err := netip.ParseAddr(ipstr)
	if err != nil {
		log.Printf("invalid RTP address %q: %v", ipstr, err)
		return
	}
	ap := netip.AddrPortFrom(addr, uint16(port))

	if fromTarget {
		stream.Target = ap
	} else {
		stream.Other = ap
	}

	if !stream.Target.IsValid() || !stream.Other.IsValid() {
		// Not got the full 5-tuple yet.
		return
	}
	if stream.Active {
		return
	}
	stream.Active = true
	metrics.ActiveStreams.Inc()
	for _, q := range t.captureQs {
		q <- PushMessage{Kind: PushStream, Stream: stream.clone()}
	}
}

// handleByeTimeout fires the post-BYE cleanup, unless the stream was
// already halted by a withdrawal racing the timer.
func (t *Tracker) handleByeTimeout(stream *RTPStream) {
	if stream.parent == nil {
		return
	}
	if _, ok := stream.parent.ActiveCINs[stream.StreamKey]; !ok {
		return
	}
	t.haltStream(stream)
}

// haltStream withdraws the stream from the capture threads, unlinks it from
// its parent and releases every Call-ID and SDP mapping pointing at its
// call, dropping the shared block when the last reference goes.
func (t *Tracker) haltStream(stream *RTPStream) {
	if stream.timer != nil {
		stream.timer.Stop()
		stream.timer = nil
	}

	if stream.Active {
		for _, q := range t.captureQs {
			q <- PushMessage{Kind: PushHalt, StreamKey: stream.StreamKey}
		}
		stream.Active = false
		metrics.ActiveStreams.Dec()
	}

	vint := stream.parent
	delete(vint.ActiveCINs, stream.StreamKey)

	for callid, shared := range vint.CallIDMap {
		if shared.CIN == stream.CIN {
			delete(vint.CallIDMap, callid)
			delete(t.knownCallIDs, callid)
			shared.refs--
		}
	}
	for sdpo, shared := range vint.SDPMap {
		if shared.CIN == stream.CIN {
			delete(vint.SDPMap, sdpo)
			shared.refs--
		}
	}
	stream.parent = nil
}

// emitIRI wraps the SIP payload into an IPMM-IRI export record.
func (t *Tracker) emitIRI(vint *Intercept, vshared *Shared, iritype etsi.IRIType, payload []byte, ts time.Time) {
	body := make([]byte, len(payload))
	copy(body, payload)
	t.export <- &encoder.Record{
		Type:       etsi.RecordIPMMIRI,
		LIID:       vint.LIID,
		CIN:        vshared.CIN,
		DestID:     vint.DestID,
		InternalID: vint.InternalID,
		TS:         ts,
		IRIType:    iritype,
		Payload:    body,
	}
	metrics.IRIRecords.WithLabelValues(iritype.String()).Inc()
}

func streamKey(liid string, cin uint32) string {
	return fmt.Sprintf("%s-%d", liid, cin)
}

// Provision applies one control message to the intercept tables.
func (t *Tracker) Provision(msg provisioner.Message) {
	switch msg.Op {
	case provisioner.OpVoipInterceptStart:
		t.AddIntercept(msg.LIID, msg.InternalID, msg.DestID)
	case provisioner.OpVoipInterceptHalt:
		t.HaltIntercept(msg.LIID)
	case provisioner.OpSIPTargetAdd:
		t.AddTarget(msg.LIID, msg.Username, msg.Realm)
	case provisioner.OpSIPTargetWithdraw:
		t.WithdrawTarget(msg.LIID, msg.Username, msg.Realm)
	case provisioner.OpResyncBegin:
		t.BeginResync()
	case provisioner.OpResyncDone:
		t.CompleteResync()
	default:
		log.Println("Ignoring provisioner message with unknown opcode:", msg.Op)
	}
}

// AddIntercept installs (or re-confirms) a warrant. Re-announcing an
// existing LIID re-pushes its active streams, which covers capture threads
// that joined after the streams went active.
func (t *Tracker) AddIntercept(liid string, internalID uint64, destID uint32) {
	vint, ok := t.intercepts[liid]
	if ok {
		vint.InternalID = internalID
		vint.AwaitingConfirm = false
		vint.Active = true
	} else {
		vint = newIntercept(liid, internalID, destID)
		t.intercepts[liid] = vint
		log.Printf("received VOIP intercept %s from provisioner", liid)
	}

	for _, stream := range vint.ActiveCINs {
		if !stream.Active {
			continue
		}
		for _, q := range t.captureQs {
			q <- PushMessage{Kind: PushStream, Stream: stream.clone()}
		}
	}
}

// HaltIntercept withdraws a warrant: all its streams are halted on every
// capture thread and the intercept is removed.
func (t *Tracker) HaltIntercept(liid string) {
	vint, ok := t.intercepts[liid]
	if !ok {
		log.Printf("received withdrawal for VOIP intercept %s but it is not in the sync intercept list?", liid)
		return
	}
	log.Printf("sync thread withdrawing VOIP intercept %s", liid)

	for _, stream := range vint.ActiveCINs {
		t.haltStream(stream)
	}
	delete(t.intercepts, liid)
}

// AddTarget attaches a SIP identity to a warrant.
func (t *Tracker) AddTarget(liid, username, realm string) {
	vint, ok := t.intercepts[liid]
	if !ok {
		log.Printf("received SIP target for unknown VOIP LIID %s", liid)
		return
	}
	vint.addTarget(username, realm)
}

// WithdrawTarget deactivates a SIP identity on a warrant.
func (t *Tracker) WithdrawTarget(liid, username, realm string) {
	vint, ok := t.intercepts[liid]
	if !ok {
		log.Printf("received SIP target withdrawal for unknown VOIP LIID %s", liid)
		return
	}
	vint.withdrawTarget(username, realm)
}

// BeginResync marks every intercept and every active target as awaiting
// confirmation. The provisioner then re-asserts what is still valid.
func (t *Tracker) BeginResync() {
	for _, vint := range t.intercepts {
		vint.AwaitingConfirm = true
		for _, target := range vint.Targets {
			if target.Active {
				target.AwaitingConfirm = true
			}
		}
	}
}

// CompleteResync sweeps everything the provisioner did not re-assert.
func (t *Tracker) CompleteResync() {
	for liid, vint := range t.intercepts {
		if vint.AwaitingConfirm {
			t.HaltIntercept(liid)
			continue
		}
		kept := vint.Targets[:0]
		for _, target := range vint.Targets {
			if target.AwaitingConfirm {
				log.Printf("sweeping unconfirmed SIP target %s@%s for LIID %s",
					target.Username, orAny(target.Realm), liid)
				continue
			}
			kept = append(kept, target)
		}
		vint.Targets = kept
	}
}

// Intercepts exposes the warrant table for tests and diagnostics.
func (t *Tracker) Intercepts() map[string]*Intercept {
	return t.intercepts
}

// SetByeTimeout overrides the post-BYE grace period; tests use this to
// avoid waiting out the real 30 seconds.
func (t *Tracker) SetByeTimeout(d time.Duration) {
	t.byeTimeout = d
}
