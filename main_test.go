package main

import (
	"context"
	"net/netip"
	"testing"
	"time"

	lradius "layeh.com/radius"
	"layeh.com/radius/rfc2865"

	"github.com/etsili/collector/encoder"
	"github.com/etsili/collector/etsi"
	"github.com/etsili/collector/provisioner"
	"github.com/etsili/collector/radius"
)

func TestProvRouterSplitsPlanes(t *testing.T) {
	voipC := make(chan provisioner.Message, 1)
	ipC := make(chan provisioner.Message, 1)
	r := provRouter{voipC: voipC, ipC: ipC}

	r.Provision(provisioner.Message{Op: provisioner.OpIPInterceptStart, LIID: "A"})
	r.Provision(provisioner.Message{Op: provisioner.OpVoipInterceptStart, LIID: "B"})

	if m := <-ipC; m.LIID != "A" {
		t.Errorf("IP plane got %q", m.LIID)
	}
	if m := <-voipC; m.LIID != "B" {
		t.Errorf("VoIP plane got %q", m.LIID)
	}
}

func TestIPSyncEmitsIRIForWarrantedUser(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan radius.Packet, 4)
	provC := make(chan provisioner.Message, 4)
	out := make(chan *encoder.Record, 4)
	go runIPSync(ctx, in, provC, out)

	provC <- provisioner.Message{
		Op: provisioner.OpIPInterceptStart, LIID: "LIID-IP",
		Username: "alice", DestID: 2, InternalID: 5,
	}
	// Let the sync loop install the warrant before traffic arrives.
	time.Sleep(50 * time.Millisecond)

	req := lradius.New(lradius.CodeAccessRequest, []byte("secret"))
	req.Identifier = 7
	rfc2865.UserName_SetString(req, "alice")
	wire, err := req.Encode()
	if err != nil {
		t.Fatal(err)
	}

	nas := netip.MustParseAddrPort("192.0.2.1:1024")
	server := netip.MustParseAddrPort("198.51.100.10:1812")
	in <- radius.Packet{Payload: wire, Src: nas, Dst: server, TS: time.Now()}

	select {
	case rec := <-out:
		if rec.Type != etsi.RecordIPIRI {
			t.Errorf("got record type %v, want IPIRI", rec.Type)
		}
		if rec.LIID != "LIID-IP" || rec.DestID != 2 {
			t.Errorf("got (%s, %d)", rec.LIID, rec.DestID)
		}
		if rec.IRIType != etsi.IRIBegin {
			t.Errorf("ATTEMPT should open the IRI transaction, got %v", rec.IRIType)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no IRI record for warranted user")
	}
}
