// Package encoder contains the worker pool that turns per-record encoding
// jobs into exportable frames. Workers pull from one ingress queue per
// sequence tracker, push results to the forwarder queues, and watch a
// broadcast control channel for the stop signal.
package encoder

import (
	"fmt"
	"time"

	"github.com/etsili/collector/etsi"
)

// Record is one export request produced by a sync engine or capture thread.
// The producer owns it until it is handed to a sequence tracker; after that
// the pipeline owns it.
type Record struct {
	Type       etsi.RecordType
	LIID       string
	CIN        uint32
	DestID     uint32
	InternalID uint64
	TS         time.Time

	// IRIType is set for IRI record types only.
	IRIType etsi.IRIType

	// Payload is the record contents: raw IP bytes, the SIP message, or
	// the intercepted content, depending on Type.
	Payload []byte

	// Params are extra key/values folded into the encoded body.
	Params []etsi.Param

	// BER requests BER encoding where the encoder supports it.
	BER bool
}

// Job is a Record with its sequence number assigned.
type Job struct {
	Rec   *Record
	SeqNo uint32
}

// Result is one encoded record ready for a forwarder. A zero Result is the
// end-of-stream sentinel each worker sends on shutdown.
type Result struct {
	Body       []byte
	LIID       string
	CIN        string
	SeqNo      uint32
	DestID     uint32
	InternalID uint64
	Type       etsi.RecordType
	DER        bool

	// EncodedBy identifies the worker that produced this result.
	EncodedBy string
}

// Sentinel reports whether this is the end-of-stream marker.
func (r Result) Sentinel() bool {
	return r.Body == nil && r.LIID == ""
}

func (w *Worker) encode(job Job) (Result, error) {
	rec := job.Rec
	hdr := etsi.PSHeader{
		LIID:  rec.LIID,
		CIN:   rec.CIN,
		SeqNo: job.SeqNo,
		TS:    rec.TS,
	}

	var body []byte
	var err error
	isDER := true

	switch rec.Type {
	case etsi.RecordRawIPSync:
		// Raw IP sync frames bypass ASN.1 entirely; the body is the
		// payload itself. Always marked DER so the forwarder handles it
		// uniformly.
		body = rec.Payload
	case etsi.RecordIPCC, etsi.RecordIPMMCC, etsi.RecordUMTSCC:
		body, err = w.enc.EncodeCC(rec.Type, hdr, rec.Payload)
	case etsi.RecordIPIRI, etsi.RecordIPMMIRI:
		body, err = w.enc.EncodeIRI(rec.Type, hdr, rec.IRIType, rec.Payload, rec.Params)
	case etsi.RecordUMTSIRI:
		params := rec.Params
		opid := w.operatorID
		if len(opid) > 5 {
			opid = opid[:5]
		}
		params = append(params, etsi.Param{Key: "operator-identifier", Value: opid})
		body, err = w.enc.EncodeIRI(rec.Type, hdr, rec.IRIType, rec.Payload, params)
	default:
		return Result{}, fmt.Errorf("encoder: unknown record type %d", rec.Type)
	}
	if err != nil {
		return Result{}, err
	}

	return Result{
		Body:       body,
		LIID:       rec.LIID,
		CIN:        fmt.Sprintf("%d", rec.CIN),
		SeqNo:      job.SeqNo,
		DestID:     rec.DestID,
		InternalID: rec.InternalID,
		Type:       rec.Type,
		DER:        isDER,
		EncodedBy:  w.tag,
	}, nil
}
