// Main package in iritool implements a command line tool for converting
// intercept record archives to CSV files for offline inspection.
package main

import (
	"io"
	"log"
	"os"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/m-lab/go/rtx"

	"github.com/etsili/collector/etsi"
	"github.com/etsili/collector/forwarder"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	// A variable to enable mocking for testing.
	logFatal = log.Fatal
)

// Row is one export frame flattened for CSV output.
type Row struct {
	LIID       string `csv:"liid"`
	RecordType string `csv:"type"`
	InternalID uint64 `csv:"internal_id"`
	CIN        uint32 `csv:"cin"`
	SeqNo      uint32 `csv:"seqno"`
	IRIType    string `csv:"iri_type"`
	Timestamp  string `csv:"timestamp"`
	PayloadLen int    `csv:"payload_len"`
}

// readFrames walks every export frame in the archive and flattens it.
func readFrames(rdr io.Reader) ([]*Row, error) {
	buf, err := io.ReadAll(rdr)
	if err != nil {
		return nil, err
	}

	var rows []*Row
	for len(buf) > 0 {
		hdr, liid, body, rest, err := etsi.ParseFrame(buf)
		if err != nil {
			return rows, err
		}
		buf = rest

		row := &Row{
			LIID:       liid,
			RecordType: hdr.Type.String(),
			InternalID: hdr.InternalID,
			PayloadLen: len(body),
		}
		if hdr.Type != etsi.RecordRawIPSync {
			pshdr, _, iritype, payload, _, err := etsi.DecodeBody(body)
			if err != nil {
				log.Println("Skipping undecodable record body:", err)
			} else {
				row.CIN = pshdr.CIN
				row.SeqNo = pshdr.SeqNo
				row.Timestamp = pshdr.TS.UTC().Format("2006-01-02T15:04:05.000000Z")
				row.PayloadLen = len(payload)
				if iritype != 0 {
					row.IRIType = iritype.String()
				}
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// openFile either opens a file, or opens and unzips a file that ends with .zst
func openFile(fn string) (io.ReadCloser, error) {
	if strings.HasSuffix(fn, ".zst") {
		return forwarder.OpenArchive(fn)
	}
	return os.Open(fn)
}

func main() {
	args := os.Args[1:]

	var source io.ReadCloser
	var err error
	source = os.Stdin
	if len(args) == 1 {
		source, err = openFile(args[0])
		rtx.Must(err, "Could not open file %q", args[0])
	} else if len(args) > 1 {
		logFatal("Too many command-line arguments.")
	}
	defer source.Close()

	rows, err := readFrames(source)
	rtx.Must(err, "Could not read export frames")
	rtx.Must(gocsv.Marshal(rows, os.Stdout), "Could not convert input to CSV")
}
