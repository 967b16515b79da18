// Package sipmsg is the field-accessor helper the VoIP sync engine consumes.
// It wraps the sipgo message parser and the pion SDP unmarshaller and
// exposes only the handful of fields session tracking needs: Call-ID, CSeq,
// identities, SDP origin and media endpoints, and message classification.
package sipmsg

import (
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"
	sdp "github.com/pion/sdp/v3"
)

// Identity is one SIP identity: a username plus an optional realm/host.
type Identity struct {
	Username string
	Realm    string
}

// Message is one parsed SIP message, with its SDP body (if any) already
// unmarshalled.
type Message struct {
	req *sip.Request
	res *sip.Response
	msg sip.Message
	sdp *sdp.SessionDescription
}

var parser = sip.NewParser()

// Parse decodes a SIP payload. An unparseable SDP body is treated as
// absent rather than an error; signalling state can still be tracked
// without the media description.
func Parse(payload []byte) (*Message, error) {
	m, err := parser.ParseSIP(payload)
	if err != nil {
		return nil, err
	}

	out := &Message{msg: m}
	switch v := m.(type) {
	case *sip.Request:
		out.req = v
	case *sip.Response:
		out.res = v
	}

	if body := m.Body(); len(body) > 0 {
		var sd sdp.SessionDescription
		if err := sd.Unmarshal(body); err == nil {
			out.sdp = &sd
		}
	}
	return out, nil
}

// CallID returns the Call-ID header value, or "" when missing.
func (m *Message) CallID() string {
	h := m.msg.CallID()
	if h == nil {
		return ""
	}
	return h.Value()
}

// CSeq returns the CSeq header in its wire form ("1 INVITE"), or "".
// The sequence number and method together pair a response with its request.
func (m *Message) CSeq() string {
	h := m.msg.CSeq()
	if h == nil {
		return ""
	}
	return fmt.Sprintf("%d %s", h.SeqNo, h.MethodName)
}

// ToURIIdentity derives an identity from the To: URI.
func (m *Message) ToURIIdentity() (Identity, bool) {
	h := m.msg.To()
	if h == nil || h.Address.User == "" {
		return Identity{}, false
	}
	return Identity{Username: h.Address.User, Realm: h.Address.Host}, true
}

// AuthIdentities extracts digest usernames from Authorization (or, when
// proxy is set, Proxy-Authorization) headers. A username of the form
// user@realm is split; an explicit realm parameter wins.
func (m *Message) AuthIdentities(proxy bool) []Identity {
	name := "Authorization"
	if proxy {
		name = "Proxy-Authorization"
	}

	var ids []Identity
	for _, h := range m.msg.GetHeaders(name) {
		id, ok := digestIdentity(h.Value())
		if ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// digestIdentity pulls username and realm parameters out of one digest
// credentials header value.
func digestIdentity(value string) (Identity, bool) {
	var id Identity
	value = strings.TrimSpace(value)
	if i := strings.IndexByte(value, ' '); i >= 0 {
		// Strip the "Digest" scheme token.
		value = value[i+1:]
	}
	for _, param := range strings.Split(value, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok {
			continue
		}
		v = strings.Trim(v, `"`)
		switch strings.ToLower(k) {
		case "username":
			id.Username = v
		case "realm":
			id.Realm = v
		}
	}
	if id.Username == "" {
		return Identity{}, false
	}
	if id.Realm == "" {
		if user, realm, ok := strings.Cut(id.Username, "@"); ok {
			id.Username = user
			id.Realm = realm
		}
	}
	return id, true
}

// SessionID returns the SDP origin session id, or 0 when no SDP is present.
func (m *Message) SessionID() uint64 {
	if m.sdp == nil {
		return 0
	}
	return m.sdp.Origin.SessionID
}

// SessionVersion returns the SDP origin version, or 0.
func (m *Message) SessionVersion() uint64 {
	if m.sdp == nil {
		return 0
	}
	return m.sdp.Origin.SessionVersion
}

// MediaIPAddr returns the connection address of the first media section
// that carries one, falling back to the session-level line when no media
// section does.
func (m *Message) MediaIPAddr() string {
	if m.sdp == nil {
		return ""
	}
	for _, md := range m.sdp.MediaDescriptions {
		if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
			return md.ConnectionInformation.Address.Address
		}
	}
	if m.sdp.ConnectionInformation != nil && m.sdp.ConnectionInformation.Address != nil {
		return m.sdp.ConnectionInformation.Address.Address
	}
	return ""
}

// MediaPort returns the port of the first media section, or 0.
func (m *Message) MediaPort() int {
	if m.sdp == nil || len(m.sdp.MediaDescriptions) == 0 {
		return 0
	}
	return m.sdp.MediaDescriptions[0].MediaName.Port.Value
}

// HasSDP reports whether the message carried a parseable SDP body.
func (m *Message) HasSDP() bool {
	return m.sdp != nil
}

func (m *Message) IsInvite() bool {
	return m.req != nil && m.req.Method == sip.INVITE
}

func (m *Message) IsBye() bool {
	return m.req != nil && m.req.Method == sip.BYE
}

func (m *Message) Is200OK() bool {
	return m.res != nil && m.res.StatusCode == 200
}

func (m *Message) Is183SessProg() bool {
	return m.res != nil && m.res.StatusCode == 183
}
