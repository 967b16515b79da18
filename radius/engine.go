package radius

import (
	"encoding/binary"
	"fmt"
	"log"
	"net/netip"
	"time"

	"github.com/cespare/xxhash/v2"
	"layeh.com/radius"

	"github.com/etsili/collector/access"
	"github.com/etsili/collector/metrics"
)

// Server is one RADIUS server as seen on the wire, keyed by the textual
// form of its IP. It owns the NAS boxes that talk to it.
type Server struct {
	IP  string
	NAS map[string]*NAS
}

// NAS is one network access server, keyed by IP string under its server. It
// owns the subscribers seen behind it and the outstanding requests awaiting
// responses.
type NAS struct {
	IP    string
	Users map[string]*User

	access     *reqTable[*AccessRequest]
	accounting *reqTable[*AccountingRequest]
}

// User is a subscriber. A user exists under exactly one NAS; the (NAS,
// username) pair is unique.
type User struct {
	Name          string
	NASIdentifier string
	State         access.State
	FramedIP4     netip.Addr
	FramedIP6     netip.Addr
}

// Session is an access session exposed to the rest of the collector. The ID
// is "<username>-<nas-identifier>-<nas-port>"; the CIN is derived from it.
type Session struct {
	ID         string
	CIN        uint32
	User       *User
	NASIP      string
	AssignedIP netip.Addr
	Started    time.Time
}

// Event is the outcome of processing one RADIUS packet that moved (or
// confirmed) a subscriber session.
type Event struct {
	Session  *Session
	User     *User
	OldState access.State
	NewState access.State
	Action   access.Action
	TS       time.Time
}

// Engine drives all RADIUS state. It is owned by a single sync goroutine
// and is not safe for concurrent use; the freelist and scratch packet rely
// on that ownership.
type Engine struct {
	servers  map[string]*Server
	sessions map[string]*Session

	freeattrs []*Attribute
	parsed    parsedPacket
}

func NewEngine() *Engine {
	e := &Engine{
		servers:  make(map[string]*Server),
		sessions: make(map[string]*Session),
	}
	e.parsed.attrs = make(map[byte]*Attribute)
	return e
}

// resolveServer looks up or creates the server and NAS entries for the
// packet currently being parsed.
func (e *Engine) resolveServer(parsed *parsedPacket) {
	servip := parsed.ServerIP.String()
	srv, ok := e.servers[servip]
	if !ok {
		srv = &Server{IP: servip, NAS: make(map[string]*NAS)}
		e.servers[servip] = srv
	}

	nasip := parsed.NASIP.String()
	nas, ok := srv.NAS[nasip]
	if !ok {
		nas = &NAS{
			IP:         nasip,
			Users:      make(map[string]*User),
			access:     newReqTable[*AccessRequest](),
			accounting: newReqTable[*AccountingRequest](),
		}
		srv.NAS[nasip] = nas
	}

	parsed.server = srv
	parsed.nas = nas
}

// processUsername looks up or creates the subscriber named by User-Name.
// Only requests carry a usable User-Name; responses are matched through the
// correlator instead.
func (e *Engine) processUsername(parsed *parsedPacket) {
	if parsed.Code != radius.CodeAccessRequest &&
		parsed.Code != radius.CodeAccountingRequest {
		return
	}
	val, ok := parsed.attr(attrUserName)
	if !ok {
		return
	}
	if len(val) > 255 {
		val = val[:255]
		log.Printf("RADIUS: User-Name is too long, truncated to %s", string(val))
	}
	name := string(val)

	user, ok := parsed.nas.Users[name]
	if !ok {
		user = &User{Name: name, State: access.New}
		parsed.nas.Users[name] = user
	}
	parsed.user = user
}

// processNASIdentifier records the NAS-Identifier on the matched user. A
// change for an existing user is logged and the new value wins.
func (e *Engine) processNASIdentifier(parsed *parsedPacket) {
	if parsed.user == nil {
		return
	}
	val, ok := parsed.attr(attrNASIdentifier)
	if !ok {
		return
	}
	if len(val) > 255 {
		val = val[:255]
		log.Printf("RADIUS: NAS-Identifier is too long, truncated to %s", string(val))
	}
	nasid := string(val)

	if cur := parsed.user.NASIdentifier; cur != "" && cur != nasid {
		log.Printf("RADIUS: NAS-Identifier for user %s has changed from %s to %s",
			parsed.user.Name, cur, nasid)
	}
	parsed.user.NASIdentifier = nasid
}

func (e *Engine) processNASPort(parsed *parsedPacket) {
	val, ok := parsed.attr(attrNASPort)
	if !ok || len(val) < 4 {
		return
	}
	parsed.NASPort = binary.BigEndian.Uint32(val)
}

// findMatchingRequest pairs a response with the request it completes. A hit
// consumes the pending entry; the matched user and (for accounting) the
// status type and counters are inherited from the request.
func (e *Engine) findMatchingRequest(parsed *parsedPacket) {
	key := parsed.requestKey()

	switch parsed.Code {
	case radius.CodeAccessAccept, radius.CodeAccessReject, radius.CodeAccessChallenge:
		req, ok := parsed.nas.access.take(key)
		if !ok {
			return
		}
		parsed.user = req.User
		parsed.accessReq = req
	case radius.CodeAccountingResponse:
		req, ok := parsed.nas.accounting.take(key)
		if !ok {
			return
		}
		parsed.user = req.User
		parsed.AcctStatusType = req.StatusType
		parsed.acctReq = req
	}
}

// savePendingRequest records a request so its response can be matched
// later. A duplicate replaces the older pending entry: logged for access
// requests, silent for accounting requests because NAS boxes retransmit
// those constantly.
func (e *Engine) savePendingRequest(parsed *parsedPacket) {
	key := parsed.requestKey()

	switch parsed.Code {
	case radius.CodeAccessRequest:
		req := &AccessRequest{ReqKey: key, User: parsed.user}
		if _, dup := parsed.nas.access.put(key, req); dup {
			log.Printf("RADIUS: received duplicate request %d:%d from NAS %s",
				parsed.Identifier, parsed.SourcePort, parsed.nas.IP)
		}
	case radius.CodeAccountingRequest:
		req := &AccountingRequest{
			ReqKey:     key,
			User:       parsed.user,
			StatusType: parsed.AcctStatusType,
		}
		if val, ok := parsed.attr(attrAcctInputOctets); ok && len(val) >= 4 {
			req.InOctets = uint64(binary.BigEndian.Uint32(val))
		}
		if val, ok := parsed.attr(attrAcctOutputOctets); ok && len(val) >= 4 {
			req.OutOctets = uint64(binary.BigEndian.Uint32(val))
		}
		if val, ok := parsed.attr(attrAcctSessionID); ok {
			req.SessionID = string(val)
		}
		parsed.nas.accounting.put(key, req)
	}
}

// applyFSM runs the access-session state machine for the matched user and
// returns the transition. Unlisted (state, event) combinations leave the
// state alone and emit no action.
func applyFSM(parsed *parsedPacket) (old, next access.State, action access.Action) {
	user := parsed.user
	old = user.State
	action = access.None

	switch {
	case old == access.New &&
		(parsed.Code == radius.CodeAccessRequest ||
			(parsed.Code == radius.CodeAccountingRequest && parsed.AcctStatusType == AcctStart)):
		user.State = access.Authing
		action = access.Attempt

	case old == access.Authing && parsed.Code == radius.CodeAccessReject:
		user.State = access.Over
		action = access.Reject

	case old == access.Authing && parsed.Code == radius.CodeAccessChallenge:
		user.State = access.Authing
		action = access.Retry

	case old == access.Authing &&
		parsed.Code == radius.CodeAccountingRequest && parsed.AcctStatusType == AcctStop:
		user.State = access.Over
		action = access.Failed

	case old == access.Authing &&
		(parsed.Code == radius.CodeAccessAccept ||
			(parsed.Code == radius.CodeAccountingResponse && parsed.AcctStatusType == AcctStart)):
		user.State = access.Active
		action = access.Accept

	case old == access.Active &&
		parsed.Code == radius.CodeAccountingResponse &&
		(parsed.AcctStatusType == AcctStart || parsed.AcctStatusType == AcctInterimUpdate):
		action = access.InterimUpdate

	case old == access.Active &&
		parsed.Code == radius.CodeAccountingResponse && parsed.AcctStatusType == AcctStop:
		user.State = access.Over
		action = access.End

	case old == access.New &&
		parsed.Code == radius.CodeAccountingResponse && parsed.AcctStatusType == AcctInterimUpdate:
		// Session was already underway when the intercept started; jump
		// straight to active and carry on from there.
		user.State = access.Active
		action = access.AlreadyActive
	}

	return old, user.State, action
}

// extractAssignedIP pulls the subscriber address assigned by the server out
// of Framed-IP-Address, falling back to Framed-IPv6-Address. Absence of
// both is fine; the session simply has no address yet.
func extractAssignedIP(parsed *parsedPacket, sess *Session) {
	if val, ok := parsed.attr(attrFramedIPAddress); ok && len(val) == 4 {
		addr := netip.AddrFrom4([4]byte(val))
		parsed.user.FramedIP4 = addr
		sess.AssignedIP = addr
		return
	}
	if val, ok := parsed.attr(attrFramedIPv6Address); ok && len(val) == 16 {
		addr := netip.AddrFrom16([16]byte(val))
		parsed.user.FramedIP6 = addr
		sess.AssignedIP = addr
	}
}

// sessionID builds the session identifier exposed to the rest of the
// system. When the NAS never sent a NAS-Identifier, the NAS IP is the only
// stable name we have for it.
func sessionID(parsed *parsedPacket) string {
	nasid := parsed.user.NASIdentifier
	if nasid == "" {
		nasid = parsed.nas.IP
	}
	return fmt.Sprintf("%s-%s-%d", parsed.user.Name, nasid, parsed.NASPort)
}

// ProcessPacket runs one captured RADIUS datagram through parse, subscriber
// identification, request/response correlation and the session FSM. It
// returns nil when the packet was dropped or did not move any session.
func (e *Engine) ProcessPacket(pkt Packet) (*Event, error) {
	parsed, err := e.parsePacket(pkt)
	if err != nil {
		switch err {
		case ErrIncompleteHeader:
			metrics.DroppedPackets.WithLabelValues("radius-short-header").Inc()
		case ErrUnknownCode:
			metrics.DroppedPackets.WithLabelValues("radius-unknown-code").Inc()
		}
		return nil, err
	}

	e.processUsername(parsed)
	e.processNASPort(parsed)

	isRequest := parsed.Code == radius.CodeAccessRequest ||
		parsed.Code == radius.CodeAccountingRequest

	if parsed.user == nil && isRequest {
		log.Printf("RADIUS: got a request with no User-Name field from NAS %s",
			parsed.nas.IP)
		metrics.DroppedPackets.WithLabelValues("radius-no-username").Inc()
		return nil, nil
	}

	if !isRequest {
		e.findMatchingRequest(parsed)
		if parsed.user == nil {
			// Response with no outstanding request: nothing to update.
			metrics.DroppedPackets.WithLabelValues("radius-unmatched-response").Inc()
			return nil, nil
		}
	}

	e.processNASIdentifier(parsed)

	sid := sessionID(parsed)
	sess, ok := e.sessions[sid]
	if !ok {
		sess = &Session{
			ID:      sid,
			CIN:     uint32(xxhash.Sum64String(sid)),
			User:    parsed.user,
			NASIP:   parsed.nas.IP,
			Started: parsed.TS,
		}
		e.sessions[sid] = sess
	}

	old, next, action := applyFSM(parsed)

	if isRequest {
		e.savePendingRequest(parsed)
	}

	if action == access.None {
		return nil, nil
	}

	if action == access.Accept || action == access.AlreadyActive {
		// Session is now active: make sure we get the assigned address.
		extractAssignedIP(parsed, sess)
	}

	metrics.AccessEvents.WithLabelValues(action.String()).Inc()
	if next == access.Active && old != access.Active {
		metrics.ActiveSessions.Inc()
	} else if old == access.Active && next != access.Active {
		metrics.ActiveSessions.Dec()
	}

	return &Event{
		Session:  sess,
		User:     parsed.user,
		OldState: old,
		NewState: next,
		Action:   action,
		TS:       parsed.TS,
	}, nil
}

// Sessions exposes the current session table for inspection and tests.
func (e *Engine) Sessions() map[string]*Session {
	return e.sessions
}
