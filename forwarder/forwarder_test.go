package forwarder

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/etsili/collector/encoder"
	"github.com/etsili/collector/etsi"
)

// Passing records through "cat" instead of zstd keeps the archive bytes
// readable without an external compressor on the test machine.
func usePassthroughCompressor(t *testing.T) {
	t.Helper()
	old := compressor
	compressor = "cat"
	t.Cleanup(func() { compressor = old })
}

func encodedResult(t *testing.T, liid string, seqno uint32) encoder.Result {
	t.Helper()
	enc := etsi.NewEncoder()
	hdr := etsi.PSHeader{LIID: liid, CIN: 5, SeqNo: seqno, TS: time.Unix(1700000000, 0)}
	body, err := enc.EncodeIRI(etsi.RecordIPMMIRI, hdr, etsi.IRIReport, []byte("sip"), nil)
	if err != nil {
		t.Fatalf("EncodeIRI: %v", err)
	}
	return encoder.Result{
		Body:       body,
		LIID:       liid,
		CIN:        "5",
		SeqNo:      seqno,
		InternalID: 3,
		Type:       etsi.RecordIPMMIRI,
		DER:        true,
		EncodedBy:  "test",
	}
}

func TestForwarderWritesFramesAndStopsOnSentinels(t *testing.T) {
	usePassthroughCompressor(t)
	dir := t.TempDir()

	f := New(0, dir, 2, 16)
	go f.Run()

	f.In <- encodedResult(t, "LIID-F", 0)
	f.In <- encodedResult(t, "LIID-F", 1)
	// One sentinel per worker ends the stream.
	f.In <- encoder.Result{}
	f.In <- encoder.Result{}
	f.Wait()

	names, err := filepath.Glob(filepath.Join(dir, "*LIID-F*.zst"))
	if err != nil || len(names) != 1 {
		t.Fatalf("expected one archive for LIID-F, got %v (err %v)", names, err)
	}

	raw, err := os.ReadFile(names[0])
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	var seqnos []uint32
	for len(raw) > 0 {
		hdr, liid, body, rest, err := etsi.ParseFrame(raw)
		if err != nil {
			t.Fatalf("ParseFrame: %v", err)
		}
		if liid != "LIID-F" {
			t.Errorf("frame names LIID %q", liid)
		}
		if hdr.Type != etsi.RecordIPMMIRI {
			t.Errorf("frame type %v", hdr.Type)
		}
		pshdr, _, _, _, _, err := etsi.DecodeBody(body)
		if err != nil {
			t.Fatalf("DecodeBody: %v", err)
		}
		seqnos = append(seqnos, pshdr.SeqNo)
		raw = rest
	}
	if len(seqnos) != 2 || seqnos[0] != 0 || seqnos[1] != 1 {
		t.Errorf("got seqnos %v, want [0 1]", seqnos)
	}
}
