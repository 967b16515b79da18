// Package voip is the VoIP synchronisation engine: it matches parsed SIP
// messages against interception targets, maintains per-call communication
// identifiers, learns RTP endpoints from SDP, pushes stream descriptors to
// the capture threads and emits IPMM-IRI records.
//
// All state in this package is owned by the single sync goroutine running
// Tracker.Run; nothing here is safe for concurrent use.
package voip

import (
	"log"
	"net/netip"
	"time"
)

// SDPKey identifies an SDP session across re-INVITEs: the origin session id
// plus version.
type SDPKey struct {
	SessionID uint64
	Version   uint64
}

// Shared is the per-call block that Call-ID and SDP mappings point at.
// Several keys may reference the same call when signalling carries both
// identifiers redundantly; the reference count tracks how many do.
type Shared struct {
	CIN  uint32
	refs int
}

// TargetIdentity is one SIP identity under a warrant. An empty realm
// matches any realm. AwaitingConfirm marks entries during a provisioner
// resync: anything not re-asserted is swept afterwards.
type TargetIdentity struct {
	Username        string
	Realm           string
	Active          bool
	AwaitingConfirm bool
}

// Same reports whether two identities name the same target.
func (t *TargetIdentity) Same(username, realm string) bool {
	return t.Username == username && t.Realm == realm
}

// RTPStream is the media half of one intercepted call. It is "active" (and
// pushed to the capture threads) exactly when both the target-side and
// other-side endpoints are known.
type RTPStream struct {
	StreamKey string
	LIID      string
	CIN       uint32

	Target netip.AddrPort
	Other  netip.AddrPort
	Active bool

	InviteCSeq string
	ByeCSeq    string
	ByeMatched bool

	parent *Intercept
	timer  *time.Timer
}

// clone makes the deep copy that travels to capture threads, with no
// back-reference into sync-thread state.
func (s *RTPStream) clone() *RTPStream {
	return &RTPStream{
		StreamKey: s.StreamKey,
		LIID:      s.LIID,
		CIN:       s.CIN,
		Target:    s.Target,
		Other:     s.Other,
		Active:    s.Active,
	}
}

// Matches reports whether a packet between the two endpoints belongs to
// this stream, in either direction.
func (s *RTPStream) Matches(a, b netip.AddrPort) bool {
	return (s.Target == a && s.Other == b) || (s.Target == b && s.Other == a)
}

// Intercept is one VoIP warrant.
type Intercept struct {
	LIID       string
	InternalID uint64
	DestID     uint32

	Targets []*TargetIdentity

	CallIDMap  map[string]*Shared
	SDPMap     map[SDPKey]*Shared
	ActiveCINs map[string]*RTPStream

	Active          bool
	AwaitingConfirm bool
}

func newIntercept(liid string, internalID uint64, destID uint32) *Intercept {
	return &Intercept{
		LIID:       liid,
		InternalID: internalID,
		DestID:     destID,
		CallIDMap:  make(map[string]*Shared),
		SDPMap:     make(map[SDPKey]*Shared),
		ActiveCINs: make(map[string]*RTPStream),
		Active:     true,
	}
}

// addTarget activates an existing identity or appends a new one.
func (v *Intercept) addTarget(username, realm string) {
	for _, t := range v.Targets {
		if t.Same(username, realm) {
			if !t.Active {
				log.Printf("collector re-enabled SIP target %s@%s for LIID %s",
					username, orAny(realm), v.LIID)
				t.Active = true
			}
			t.AwaitingConfirm = false
			return
		}
	}
	v.Targets = append(v.Targets, &TargetIdentity{
		Username: username,
		Realm:    realm,
		Active:   true,
	})
	log.Printf("collector received new SIP target %s@%s for LIID %s",
		username, orAny(realm), v.LIID)
}

// withdrawTarget marks the identity inactive; it stays in the list so a
// later re-add is a reactivation.
func (v *Intercept) withdrawTarget(username, realm string) {
	for _, t := range v.Targets {
		if t.Same(username, realm) {
			t.Active = false
			t.AwaitingConfirm = false
			log.Printf("collector is withdrawing SIP target %s@%s for LIID %s",
				username, orAny(realm), v.LIID)
			return
		}
	}
}

// matchesTarget tests an observed identity against the active target list.
// First match wins; a target with no realm matches any realm.
func (v *Intercept) matchesTarget(username, realm string) bool {
	for _, t := range v.Targets {
		if !t.Active {
			continue
		}
		if t.Username != username {
			continue
		}
		if t.Realm == "" || t.Realm == realm {
			return true
		}
	}
	return false
}

func orAny(realm string) string {
	if realm == "" {
		return "*"
	}
	return realm
}

// PushKind tags a message to the capture threads.
type PushKind int

const (
	// PushStream announces an activated RTP stream; Stream is a deep copy.
	PushStream PushKind = iota
	// PushHalt withdraws a stream by key.
	PushHalt
)

// PushMessage is what capture threads receive on their inbound queues.
type PushMessage struct {
	Kind      PushKind
	Stream    *RTPStream
	StreamKey string
}
