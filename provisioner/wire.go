// Package provisioner implements the control link between the collector and
// the provisioner: framed binary messages announcing intercepts and SIP
// targets. The client side dials out and replays decoded messages into the
// sync engine; a small broadcast server lives here too, for loopback tests
// and standalone deployments.
package provisioner

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Opcode identifies a control message.
type Opcode uint16

const (
	OpVoipInterceptStart Opcode = iota + 1
	OpVoipInterceptHalt
	OpSIPTargetAdd
	OpSIPTargetWithdraw
	OpResyncBegin
	OpResyncDone
	OpIPInterceptStart
	OpIPInterceptHalt
)

var opcodeName = map[Opcode]string{
	OpVoipInterceptStart: "VOIPINTERCEPT_START",
	OpVoipInterceptHalt:  "VOIPINTERCEPT_HALT",
	OpSIPTargetAdd:       "SIP_TARGET_ADD",
	OpSIPTargetWithdraw:  "SIP_TARGET_WITHDRAW",
	OpResyncBegin:        "RESYNC_BEGIN",
	OpResyncDone:         "RESYNC_DONE",
	OpIPInterceptStart:   "IPINTERCEPT_START",
	OpIPInterceptHalt:    "IPINTERCEPT_HALT",
}

func (o Opcode) String() string {
	n, ok := opcodeName[o]
	if !ok {
		return fmt.Sprintf("UNKNOWN_OPCODE_%d", uint16(o))
	}
	return n
}

// Message is one decoded control message. Which fields are meaningful
// depends on the opcode; resync markers carry nothing at all.
type Message struct {
	Op         Opcode
	LIID       string
	Username   string
	Realm      string
	DestID     uint32
	InternalID uint64
}

// Frame layout: magic, opcode, body length, then a TLV body. Each TLV is a
// one-byte field tag and a two-byte length.
const (
	frameMagic     = uint32(0x4c495056)
	frameHeaderLen = 4 + 2 + 2
	maxBodyLen     = 4096
)

const (
	fieldLIID = byte(iota + 1)
	fieldUsername
	fieldRealm
	fieldDestID
	fieldInternalID
)

// Wire errors.
var (
	ErrBadFrame = errors.New("provisioner: malformed control frame")
)

func appendTLV(body []byte, tag byte, val []byte) []byte {
	body = append(body, tag)
	body = binary.BigEndian.AppendUint16(body, uint16(len(val)))
	return append(body, val...)
}

// Encode serialises the message into one control frame.
func (m Message) Encode() []byte {
	var body []byte
	if m.LIID != "" {
		body = appendTLV(body, fieldLIID, []byte(m.LIID))
	}
	if m.Username != "" {
		body = appendTLV(body, fieldUsername, []byte(m.Username))
	}
	if m.Realm != "" {
		body = appendTLV(body, fieldRealm, []byte(m.Realm))
	}
	if m.DestID != 0 {
		body = appendTLV(body, fieldDestID, binary.BigEndian.AppendUint32(nil, m.DestID))
	}
	if m.InternalID != 0 {
		body = appendTLV(body, fieldInternalID, binary.BigEndian.AppendUint64(nil, m.InternalID))
	}

	out := make([]byte, frameHeaderLen, frameHeaderLen+len(body))
	binary.BigEndian.PutUint32(out[0:4], frameMagic)
	binary.BigEndian.PutUint16(out[4:6], uint16(m.Op))
	binary.BigEndian.PutUint16(out[6:8], uint16(len(body)))
	return append(out, body...)
}

// decodeBody fills in the message fields from a TLV body.
func decodeBody(op Opcode, body []byte) (Message, error) {
	m := Message{Op: op}
	for len(body) > 0 {
		if len(body) < 3 {
			return m, ErrBadFrame
		}
		tag := body[0]
		vlen := int(binary.BigEndian.Uint16(body[1:3]))
		if len(body) < 3+vlen {
			return m, ErrBadFrame
		}
		val := body[3 : 3+vlen]
		switch tag {
		case fieldLIID:
			m.LIID = string(val)
		case fieldUsername:
			m.Username = string(val)
		case fieldRealm:
			m.Realm = string(val)
		case fieldDestID:
			if vlen != 4 {
				return m, ErrBadFrame
			}
			m.DestID = binary.BigEndian.Uint32(val)
		case fieldInternalID:
			if vlen != 8 {
				return m, ErrBadFrame
			}
			m.InternalID = binary.BigEndian.Uint64(val)
		default:
			// Unknown fields are skipped so the wire format can grow.
		}
		body = body[3+vlen:]
	}
	return m, nil
}
