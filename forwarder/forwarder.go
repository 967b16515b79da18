// Package forwarder consumes encoded results and writes them out as export
// frames, one zstd-compressed archive per LIID, rotated periodically. In a
// full deployment the archive writer is replaced by the delivery link to
// the mediation device; the queue discipline is the same either way.
package forwarder

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/etsili/collector/encoder"
	"github.com/etsili/collector/etsi"
	"github.com/etsili/collector/metrics"
)

// rotateAfter is how long one archive file stays open before the forwarder
// swaps to the next sequence number for that LIID.
const rotateAfter = 10 * time.Minute

// compressor is the external compression binary frames are piped through.
// Tests swap in a passthrough command.
var compressor = "zstd"

// archive is the output state for a single LIID. Frames are piped through a
// compressor child process whose lifetime is tied to the current file:
// rotation spawns a fresh process, closing reaps it.
type archive struct {
	liid       string
	sequence   int
	started    time.Time
	expiration time.Time

	writer io.WriteCloser
	cmd    *exec.Cmd
	file   *os.File
}

// rotate opens the next file for this LIID and starts a compressor feeding
// it.
func (a *archive) rotate(dir string) error {
	date := a.started.Format("20060102Z150405.000")
	name := filepath.Join(dir, fmt.Sprintf("%s_%s_%05d.zst", date, a.liid, a.sequence))

	f, err := os.Create(name)
	if err != nil {
		return err
	}
	cmd := exec.Command(compressor)
	cmd.Stdout = f
	stdin, err := cmd.StdinPipe()
	if err != nil {
		f.Close()
		return err
	}
	if err := cmd.Start(); err != nil {
		f.Close()
		return err
	}

	a.file = f
	a.cmd = cmd
	a.writer = stdin
	metrics.ArchiveFileCount.Inc()
	a.expiration = time.Now().Add(rotateAfter)
	a.sequence++
	return nil
}

// finish completes the current file: shut the compressor's input, wait for
// it to flush everything it buffered, then close the output file. A
// finished file is a complete file.
func (a *archive) finish() {
	if a.writer == nil {
		return
	}
	a.writer.Close()
	if err := a.cmd.Wait(); err != nil {
		log.Println("compressor exited with error for", a.liid, err)
	}
	a.file.Close()
	a.writer = nil
	a.cmd = nil
	a.file = nil
}

// archiveReader streams one decompressed archive and reaps the
// decompressor on Close.
type archiveReader struct {
	out io.ReadCloser
	cmd *exec.Cmd
}

func (r *archiveReader) Read(p []byte) (int, error) {
	return r.out.Read(p)
}

func (r *archiveReader) Close() error {
	r.out.Close()
	return r.cmd.Wait()
}

// OpenArchive opens a compressed archive for reading, decompressing
// through the same external binary the forwarder writes with. Used by
// offline tools; the returned reader must be closed.
func OpenArchive(filename string) (io.ReadCloser, error) {
	if _, err := os.Stat(filename); err != nil {
		return nil, err
	}
	cmd := exec.Command(compressor, "-d", "-c", filename)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &archiveReader{out: out, cmd: cmd}, nil
}

// Forwarder drains one result queue. It stops once every encoder worker has
// sent its end-of-stream sentinel.
type Forwarder struct {
	ID int

	// In is the result queue the encoder workers push to. Its capacity is
	// the high-water mark: a slow forwarder blocks the workers rather than
	// dropping records.
	In chan encoder.Result

	dir      string
	workers  int
	archives map[string]*archive
	lastSeq  map[string]uint32
	done     chan struct{}
}

// New builds a forwarder writing archives under dir and expecting
// end-of-stream sentinels from the given number of workers.
func New(id int, dir string, workers, hwm int) *Forwarder {
	return &Forwarder{
		ID:       id,
		In:       make(chan encoder.Result, hwm),
		dir:      dir,
		workers:  workers,
		archives: make(map[string]*archive),
		lastSeq:  make(map[string]uint32),
		done:     make(chan struct{}),
	}
}

// Run consumes results until all workers have signalled end-of-stream.
func (f *Forwarder) Run() {
	log.Println("Starting forwarder", f.ID)
	sentinels := 0
	for res := range f.In {
		if res.Sentinel() {
			sentinels++
			if sentinels == f.workers {
				break
			}
			continue
		}
		f.write(res)
	}
	f.close()
	close(f.done)
}

// Wait blocks until the forwarder has flushed and closed every archive.
func (f *Forwarder) Wait() {
	<-f.done
}

func (f *Forwarder) write(res encoder.Result) {
	key := res.LIID + "-" + res.CIN
	if last, ok := f.lastSeq[key]; ok && res.SeqNo < last {
		metrics.OutOfOrderResults.Inc()
	} else {
		f.lastSeq[key] = res.SeqNo
	}

	a, ok := f.archives[res.LIID]
	if !ok {
		a = &archive{liid: res.LIID, started: time.Now()}
		f.archives[res.LIID] = a
	}
	if a.writer != nil && time.Now().After(a.expiration) {
		a.finish()
	}
	if a.writer == nil {
		if err := a.rotate(f.dir); err != nil {
			log.Println("could not open archive for", res.LIID, err)
			return
		}
	}

	frame := etsi.BuildFrame(res.Type, res.InternalID, res.LIID, res.Body)
	if _, err := a.writer.Write(frame); err != nil {
		log.Println("write error on archive for", res.LIID, err)
	}
}

func (f *Forwarder) close() {
	log.Println("Terminating forwarder", f.ID)
	log.Println("Total of", len(f.archives), "intercept archives open.")
	for _, a := range f.archives {
		a.finish()
	}
}
