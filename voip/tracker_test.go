package voip

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/etsili/collector/encoder"
	"github.com/etsili/collector/etsi"
)

func sipPayload(start string, headers []string, body []string) []byte {
	bodystr := ""
	if len(body) > 0 {
		bodystr = strings.Join(body, "\r\n") + "\r\n"
	}
	msg := []string{start}
	msg = append(msg, headers...)
	msg = append(msg, fmt.Sprintf("Content-Length: %d", len(bodystr)), "", bodystr)
	return []byte(strings.Join(msg, "\r\n"))
}

func invite(callid string, sessid, version uint64, mediaIP string, mediaPort int) []byte {
	return sipPayload(
		"INVITE sip:alice@example.com SIP/2.0",
		[]string{
			"Via: SIP/2.0/UDP 198.51.100.1:5060;branch=z9hG4bK776asdhds",
			"Max-Forwards: 70",
			"To: <sip:alice@example.com>",
			"From: \"Bob\" <sip:bob@example.com>;tag=1928301774",
			"Call-ID: " + callid,
			"CSeq: 1 INVITE",
			"Contact: <sip:bob@198.51.100.1>",
			"Content-Type: application/sdp",
		},
		[]string{
			"v=0",
			fmt.Sprintf("o=bob %d %d IN IP4 %s", sessid, version, mediaIP),
			"s=call",
			"c=IN IP4 " + mediaIP,
			"t=0 0",
			fmt.Sprintf("m=audio %d RTP/AVP 0", mediaPort),
		})
}

func ok200(callid, cseq, mediaIP string, mediaPort int) []byte {
	var body []string
	if mediaIP != "" {
		body = []string{
			"v=0",
			"o=alice 20 0 IN IP4 " + mediaIP,
			"s=call",
			"c=IN IP4 " + mediaIP,
			"t=0 0",
			fmt.Sprintf("m=audio %d RTP/AVP 0", mediaPort),
		}
	}
	headers := []string{
		"Via: SIP/2.0/UDP 198.51.100.1:5060;branch=z9hG4bK776asdhds",
		"To: <sip:alice@example.com>;tag=314159",
		"From: \"Bob\" <sip:bob@example.com>;tag=1928301774",
		"Call-ID: " + callid,
		"CSeq: " + cseq,
	}
	if mediaIP != "" {
		headers = append(headers, "Content-Type: application/sdp")
	}
	return sipPayload("SIP/2.0 200 OK", headers, body)
}

func bye(callid string) []byte {
	return sipPayload(
		"BYE sip:bob@example.com SIP/2.0",
		[]string{
			"Via: SIP/2.0/UDP 203.0.113.2:5060;branch=z9hG4bKnashds7",
			"To: <sip:bob@example.com>;tag=1928301774",
			"From: <sip:alice@example.com>;tag=314159",
			"Call-ID: " + callid,
			"CSeq: 2 BYE",
		}, nil)
}

func newTestTracker(t *testing.T) (*Tracker, chan PushMessage, chan *encoder.Record) {
	t.Helper()
	captureQ := make(chan PushMessage, 16)
	export := make(chan *encoder.Record, 64)
	tr := NewTracker([]chan<- PushMessage{captureQ}, export)
	tr.AddIntercept("LIID1", 42, 7)
	tr.AddTarget("LIID1", "alice", "example.com")
	return tr, captureQ, export
}

func (v *Intercept) onlyStream(t *testing.T) *RTPStream {
	t.Helper()
	require.Len(t, v.ActiveCINs, 1)
	for _, s := range v.ActiveCINs {
		return s
	}
	return nil
}

func TestInviteFromTargetToURI(t *testing.T) {
	tr, captureQ, export := newTestTracker(t)
	now := time.Now()

	n := tr.ProcessSIP(invite("c1", 10, 0, "198.51.100.1", 5004), now)
	require.Equal(t, 1, n)

	rec := <-export
	require.Equal(t, etsi.RecordIPMMIRI, rec.Type)
	require.Equal(t, etsi.IRIBegin, rec.IRIType)
	require.Equal(t, "LIID1", rec.LIID)
	require.Equal(t, uint32(7), rec.DestID)

	vint := tr.Intercepts()["LIID1"]
	shared := vint.CallIDMap["c1"]
	require.NotNil(t, shared)
	require.Same(t, shared, vint.SDPMap[SDPKey{SessionID: 10, Version: 0}])
	require.Equal(t, 2, shared.refs)

	stream := vint.onlyStream(t)
	require.True(t, stream.Other.IsValid())
	require.Equal(t, "198.51.100.1:5004", stream.Other.String())
	require.False(t, stream.Target.IsValid())
	require.False(t, stream.Active)
	require.Len(t, captureQ, 0)

	// The SDP answer completes the 5-tuple and activates the stream.
	n = tr.ProcessSIP(ok200("c1", "1 INVITE", "203.0.113.2", 5006), now)
	require.Equal(t, 1, n)
	<-export

	require.True(t, stream.Active)
	require.Equal(t, "203.0.113.2:5006", stream.Target.String())
	require.Equal(t, "", stream.InviteCSeq)

	push := <-captureQ
	require.Equal(t, PushStream, push.Kind)
	require.Equal(t, stream.StreamKey, push.Stream.StreamKey)
	require.Equal(t, stream.Target, push.Stream.Target)
	require.Equal(t, stream.Other, push.Stream.Other)
	// The pushed descriptor is a deep copy, not the tracker's own record.
	require.NotSame(t, stream, push.Stream)
}

func TestByeThenOKHaltsStream(t *testing.T) {
	tr, captureQ, export := newTestTracker(t)
	tr.SetByeTimeout(10 * time.Millisecond)
	now := time.Now()

	tr.ProcessSIP(invite("c1", 10, 0, "198.51.100.1", 5004), now)
	tr.ProcessSIP(ok200("c1", "1 INVITE", "203.0.113.2", 5006), now)
	<-captureQ // activation push
	for len(export) > 0 {
		<-export
	}

	vint := tr.Intercepts()["LIID1"]
	stream := vint.onlyStream(t)

	n := tr.ProcessSIP(bye("c1"), now)
	require.Equal(t, 1, n)
	require.Equal(t, "2 BYE", stream.ByeCSeq)
	require.Equal(t, etsi.IRIReport, (<-export).IRIType)

	n = tr.ProcessSIP(ok200("c1", "2 BYE", "", 0), now)
	require.Equal(t, 1, n)
	require.True(t, stream.ByeMatched)
	require.Equal(t, etsi.IRIEnd, (<-export).IRIType)

	// Messages after END are reports.
	tr.ProcessSIP(bye("c1"), now)
	require.Equal(t, etsi.IRIReport, (<-export).IRIType)

	// The BYE timer fires into the tracker's own event channel; the sync
	// loop would hand it to handleByeTimeout.
	select {
	case s := <-tr.timerC:
		tr.handleByeTimeout(s)
	case <-time.After(2 * time.Second):
		t.Fatal("BYE timeout never fired")
	}

	halt := <-captureQ
	require.Equal(t, PushHalt, halt.Kind)
	require.Equal(t, stream.StreamKey, halt.StreamKey)

	require.Empty(t, vint.ActiveCINs)
	require.Empty(t, vint.CallIDMap)
	require.Empty(t, vint.SDPMap)
	require.Empty(t, tr.knownCallIDs)
}

func TestReinviteWithNewSDPContinues(t *testing.T) {
	tr, _, export := newTestTracker(t)
	now := time.Now()

	tr.ProcessSIP(invite("c1", 10, 0, "198.51.100.1", 5004), now)
	<-export
	vint := tr.Intercepts()["LIID1"]
	shared := vint.CallIDMap["c1"]

	// Same Call-ID, new SDP session version: mapping added to the same CIN.
	tr.ProcessSIP(invite("c1", 10, 1, "198.51.100.1", 5004), now)
	rec := <-export
	require.Equal(t, etsi.IRIContinue, rec.IRIType)
	require.Same(t, shared, vint.SDPMap[SDPKey{SessionID: 10, Version: 1}])
	require.Equal(t, 3, shared.refs)

	// New Call-ID but a known SDP session: Call-ID mapping installed.
	tr.ProcessSIP(invite("c2", 10, 1, "198.51.100.1", 5004), now)
	rec = <-export
	require.Equal(t, etsi.IRIContinue, rec.IRIType)
	require.Same(t, shared, vint.CallIDMap["c2"])
	require.Equal(t, 4, shared.refs)

	// Refcount always equals the number of keys pointing at the call.
	require.Equal(t, len(vint.SDPMap)+len(vint.CallIDMap), shared.refs)
}

func TestNonTargetInviteIgnored(t *testing.T) {
	tr, captureQ, export := newTestTracker(t)

	payload := sipPayload(
		"INVITE sip:mallory@example.net SIP/2.0",
		[]string{
			"Via: SIP/2.0/UDP 198.51.100.1:5060;branch=z9hG4bK776asdhds",
			"To: <sip:mallory@example.net>",
			"From: <sip:bob@example.com>;tag=19",
			"Call-ID: c9",
			"CSeq: 1 INVITE",
		}, nil)

	n := tr.ProcessSIP(payload, time.Now())
	require.Equal(t, 0, n)
	require.Len(t, export, 0)
	require.Len(t, captureQ, 0)
	require.Empty(t, tr.Intercepts()["LIID1"].CallIDMap)
}

func TestUnknownCallIDInDialogIgnored(t *testing.T) {
	tr, _, export := newTestTracker(t)
	n := tr.ProcessSIP(bye("never-seen"), time.Now())
	require.Equal(t, 0, n)
	require.Len(t, export, 0)
}

func TestInterceptHaltPushesStreamHalts(t *testing.T) {
	tr, captureQ, _ := newTestTracker(t)
	now := time.Now()

	tr.ProcessSIP(invite("c1", 10, 0, "198.51.100.1", 5004), now)
	tr.ProcessSIP(ok200("c1", "1 INVITE", "203.0.113.2", 5006), now)
	<-captureQ // activation push

	tr.HaltIntercept("LIID1")
	halt := <-captureQ
	require.Equal(t, PushHalt, halt.Kind)
	require.Empty(t, tr.Intercepts())
	require.Empty(t, tr.knownCallIDs)
}

func TestTargetWithdrawStopsMatching(t *testing.T) {
	tr, _, export := newTestTracker(t)
	tr.WithdrawTarget("LIID1", "alice", "example.com")

	n := tr.ProcessSIP(invite("c1", 10, 0, "198.51.100.1", 5004), time.Now())
	require.Equal(t, 0, n)
	require.Len(t, export, 0)
}

func TestResyncSweepsUnconfirmed(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	tr.AddTarget("LIID1", "zoe", "example.com")

	tr.BeginResync()
	// The provisioner re-asserts the intercept and one of its targets.
	tr.AddIntercept("LIID1", 42, 7)
	tr.AddTarget("LIID1", "alice", "example.com")
	tr.CompleteResync()

	vint := tr.Intercepts()["LIID1"]
	require.NotNil(t, vint)
	require.Len(t, vint.Targets, 1)
	require.Equal(t, "alice", vint.Targets[0].Username)

	// A second resync with no confirmation removes the whole intercept.
	tr.BeginResync()
	tr.CompleteResync()
	require.Empty(t, tr.Intercepts())
}

func TestRealmlessTargetMatchesAnyRealm(t *testing.T) {
	tr, _, export := newTestTracker(t)
	tr.AddIntercept("LIID2", 43, 8)
	tr.AddTarget("LIID2", "alice", "")

	n := tr.ProcessSIP(invite("c5", 11, 0, "198.51.100.1", 5004), time.Now())
	// Both warrants match: the realm-specific one and the realmless one.
	require.Equal(t, 2, n)
	for len(export) > 0 {
		<-export
	}
}
