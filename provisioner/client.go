package provisioner

import (
	"context"
	"encoding/binary"
	"io"
	"log"
	"net"
	"strings"

	"github.com/m-lab/go/rtx"

	"github.com/etsili/collector/metrics"
)

// Handler receives every decoded control message, in arrival order. The
// collector's handler forwards them into the sync loop's channel so that
// intercept tables stay single-writer.
type Handler interface {
	Provision(Message)
}

// MustRun dials the provisioner and replays decoded control frames into the
// handler until the context is cancelled or the link drops. Failure to
// connect is fatal; a collector with no provisioning source has nothing
// lawful to do.
func MustRun(ctx context.Context, addr string, handler Handler) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c, err := net.Dial("tcp", addr)
	rtx.Must(err, "Could not connect to provisioner at %q", addr)
	go func() {
		// Closing the underlying connection makes the read loop below
		// terminate soon after the context is done.
		<-ctx.Done()
		c.Close()
	}()

	err = readFrames(c, handler)
	if err != nil && strings.Contains(err.Error(), "use of closed network connection") {
		// The same treatment bufio.Scanner gives EOF: a read on a closed
		// socket is the normal way this loop ends, but the error it
		// returns is unexported, so match it by string.
		err = nil
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		log.Println("Provisioner closed the control link")
		err = nil
	}
	rtx.Must(err, "Provisioner link to %q died", addr)
}

// readFrames decodes control frames off the wire one at a time.
func readFrames(r io.Reader, handler Handler) error {
	hdr := make([]byte, frameHeaderLen)
	for {
		if _, err := io.ReadFull(r, hdr); err != nil {
			return err
		}
		if binary.BigEndian.Uint32(hdr[0:4]) != frameMagic {
			return ErrBadFrame
		}
		op := Opcode(binary.BigEndian.Uint16(hdr[4:6]))
		bodylen := int(binary.BigEndian.Uint16(hdr[6:8]))
		if bodylen > maxBodyLen {
			return ErrBadFrame
		}
		body := make([]byte, bodylen)
		if _, err := io.ReadFull(r, body); err != nil {
			return err
		}

		msg, err := decodeBody(op, body)
		if err != nil {
			log.Println("Received invalid control message from provisioner:", err)
			continue
		}
		metrics.ProvisionerMessages.WithLabelValues(op.String()).Inc()
		handler.Provision(msg)
	}
}
