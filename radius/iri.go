package radius

import (
	"github.com/etsili/collector/access"
	"github.com/etsili/collector/encoder"
	"github.com/etsili/collector/etsi"
)

// IRITypeFor maps an access action onto ETSI dialog typing: the first
// attempt opens the IRI transaction, terminal actions close it, everything
// in between continues it.
func IRITypeFor(action access.Action) etsi.IRIType {
	switch action {
	case access.Attempt:
		return etsi.IRIBegin
	case access.Reject, access.Failed, access.End:
		return etsi.IRIEnd
	default:
		return etsi.IRIContinue
	}
}

// IRIRecord wraps one session event into an IP-IRI export record under the
// given warrant.
func IRIRecord(w *Warrant, ev *Event) *encoder.Record {
	params := []etsi.Param{
		{Key: "username", Value: ev.User.Name},
		{Key: "session-id", Value: ev.Session.ID},
		{Key: "access-action", Value: ev.Action.String()},
		{Key: "nas-ip", Value: ev.Session.NASIP},
	}
	if ev.Session.AssignedIP.IsValid() {
		params = append(params, etsi.Param{Key: "assigned-ip", Value: ev.Session.AssignedIP.String()})
	}
	return &encoder.Record{
		Type:       etsi.RecordIPIRI,
		LIID:       w.LIID,
		CIN:        ev.Session.CIN,
		DestID:     w.DestID,
		InternalID: w.InternalID,
		TS:         ev.TS,
		IRIType:    IRITypeFor(ev.Action),
		Params:     params,
	}
}
