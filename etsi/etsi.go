// Package etsi produces and consumes the exported intercept record format:
// an ASN.1 (DER) encoded record body wrapped in a length-prefixed frame that
// carries a magic number, the intercept type and the intercept's internal
// id, followed by the LIID.
package etsi

import (
	"encoding/asn1"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// RecordType tags the kind of intercept record inside an export frame.
type RecordType uint16

const (
	RecordRawIPSync RecordType = iota + 1
	RecordIPCC
	RecordIPIRI
	RecordIPMMIRI
	RecordIPMMCC
	RecordUMTSCC
	RecordUMTSIRI
)

var recordName = map[RecordType]string{
	RecordRawIPSync: "RAWIP_SYNC",
	RecordIPCC:      "IPCC",
	RecordIPIRI:     "IPIRI",
	RecordIPMMIRI:   "IPMMIRI",
	RecordIPMMCC:    "IPMMCC",
	RecordUMTSCC:    "UMTSCC",
	RecordUMTSIRI:   "UMTSIRI",
}

func (r RecordType) String() string {
	n, ok := recordName[r]
	if !ok {
		return fmt.Sprintf("UNKNOWN_RECORD_%d", uint16(r))
	}
	return n
}

// IRIType is the dialog typing of an IRI record.
type IRIType int

const (
	IRIBegin IRIType = iota + 1
	IRIEnd
	IRIContinue
	IRIReport
)

var iriName = map[IRIType]string{
	IRIBegin:    "BEGIN",
	IRIEnd:      "END",
	IRIContinue: "CONTINUE",
	IRIReport:   "REPORT",
}

func (t IRIType) String() string {
	n, ok := iriName[t]
	if !ok {
		return fmt.Sprintf("UNKNOWN_IRI_%d", int(t))
	}
	return n
}

// Param is an extra key/value carried in a record body, e.g. the operator
// identifier on UMTS IRI records or the access action on IP IRI records.
type Param struct {
	Key   string
	Value string
}

// PSHeader is the per-record header every encoded body starts with.
type PSHeader struct {
	LIID  string
	CIN   uint32
	SeqNo uint32
	TS    time.Time
}

// pdu is the wire shape of an encoded record body. One structure covers CC
// and IRI records; CC records carry IRIType zero.
type pdu struct {
	LIID    string
	CIN     int64
	SeqNo   int64
	Sec     int64
	USec    int64
	RecType int
	IRIType int
	Payload []byte
	Params  []pduParam `asn1:"optional"`
}

type pduParam struct {
	Key   string
	Value string
}

// Encoder is the opaque encoder handle held by one worker. DER is the
// default and, with this encoder, the only emitted form: BER requests are
// honoured with DER output and flagged accordingly, which every BER
// consumer accepts (DER is a BER subset).
type Encoder struct{}

func NewEncoder() *Encoder {
	return &Encoder{}
}

func marshalPDU(rt RecordType, hdr PSHeader, iritype IRIType, payload []byte, params []Param) ([]byte, error) {
	p := pdu{
		LIID:    hdr.LIID,
		CIN:     int64(hdr.CIN),
		SeqNo:   int64(hdr.SeqNo),
		Sec:     hdr.TS.Unix(),
		USec:    int64(hdr.TS.Nanosecond() / 1000),
		RecType: int(rt),
		IRIType: int(iritype),
		Payload: payload,
	}
	for _, kv := range params {
		p.Params = append(p.Params, pduParam(kv))
	}
	return asn1.Marshal(p)
}

// EncodeCC encodes a communication-content record body.
func (e *Encoder) EncodeCC(rt RecordType, hdr PSHeader, contents []byte) ([]byte, error) {
	switch rt {
	case RecordIPCC, RecordIPMMCC, RecordUMTSCC:
	default:
		return nil, fmt.Errorf("etsi: %s is not a CC record type", rt)
	}
	return marshalPDU(rt, hdr, 0, contents, nil)
}

// EncodeIRI encodes an intercept-related-information record body.
func (e *Encoder) EncodeIRI(rt RecordType, hdr PSHeader, iritype IRIType, payload []byte, params []Param) ([]byte, error) {
	switch rt {
	case RecordIPIRI, RecordIPMMIRI, RecordUMTSIRI:
	default:
		return nil, fmt.Errorf("etsi: %s is not an IRI record type", rt)
	}
	return marshalPDU(rt, hdr, iritype, payload, params)
}

// DecodeBody is the inverse of the Encode functions, used by offline tools
// and tests.
func DecodeBody(body []byte) (PSHeader, RecordType, IRIType, []byte, []Param, error) {
	var p pdu
	rest, err := asn1.Unmarshal(body, &p)
	if err != nil {
		return PSHeader{}, 0, 0, nil, nil, err
	}
	if len(rest) != 0 {
		return PSHeader{}, 0, 0, nil, nil, errors.New("etsi: trailing bytes after record body")
	}
	hdr := PSHeader{
		LIID:  p.LIID,
		CIN:   uint32(p.CIN),
		SeqNo: uint32(p.SeqNo),
		TS:    time.Unix(p.Sec, p.USec*1000),
	}
	var params []Param
	for _, kv := range p.Params {
		params = append(params, Param(kv))
	}
	return hdr, RecordType(p.RecType), IRIType(p.IRIType), p.Payload, params, nil
}

// Export frame layout: magic, record type, internal id, body length, then
// the body: a length-prefixed LIID followed by the encoded record (or, for
// RAWIP_SYNC, the raw IP payload).
const (
	FrameMagic     = uint32(0x4c494331)
	frameHeaderLen = 4 + 2 + 8 + 4
)

// FrameHeader is the fixed prefix of every export frame.
type FrameHeader struct {
	Magic      uint32
	Type       RecordType
	InternalID uint64
	BodyLen    uint32
}

// BuildFrame wraps an encoded record body into an export frame.
func BuildFrame(rt RecordType, internalID uint64, liid string, body []byte) []byte {
	bodylen := 2 + len(liid) + len(body)
	out := make([]byte, frameHeaderLen+bodylen)
	binary.BigEndian.PutUint32(out[0:4], FrameMagic)
	binary.BigEndian.PutUint16(out[4:6], uint16(rt))
	binary.BigEndian.PutUint64(out[6:14], internalID)
	binary.BigEndian.PutUint32(out[14:18], uint32(bodylen))
	binary.BigEndian.PutUint16(out[18:20], uint16(len(liid)))
	copy(out[20:], liid)
	copy(out[20+len(liid):], body)
	return out
}

// Frame parse errors.
var (
	ErrBadMagic   = errors.New("etsi: frame does not start with the export magic")
	ErrShortFrame = errors.New("etsi: truncated export frame")
)

// ParseFrame decodes one export frame from the front of b and returns the
// remainder, so callers can walk a concatenated archive.
func ParseFrame(b []byte) (hdr FrameHeader, liid string, body []byte, rest []byte, err error) {
	if len(b) < frameHeaderLen {
		return hdr, "", nil, nil, ErrShortFrame
	}
	hdr.Magic = binary.BigEndian.Uint32(b[0:4])
	if hdr.Magic != FrameMagic {
		return hdr, "", nil, nil, ErrBadMagic
	}
	hdr.Type = RecordType(binary.BigEndian.Uint16(b[4:6]))
	hdr.InternalID = binary.BigEndian.Uint64(b[6:14])
	hdr.BodyLen = binary.BigEndian.Uint32(b[14:18])
	if len(b) < frameHeaderLen+int(hdr.BodyLen) || hdr.BodyLen < 2 {
		return hdr, "", nil, nil, ErrShortFrame
	}
	payload := b[frameHeaderLen : frameHeaderLen+int(hdr.BodyLen)]
	liidlen := int(binary.BigEndian.Uint16(payload[0:2]))
	if 2+liidlen > len(payload) {
		return hdr, "", nil, nil, ErrShortFrame
	}
	liid = string(payload[2 : 2+liidlen])
	body = payload[2+liidlen:]
	rest = b[frameHeaderLen+int(hdr.BodyLen):]
	return hdr, liid, body, rest, nil
}
