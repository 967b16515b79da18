// Package capture holds the per-packet classifier threads. Each thread
// owns one lane: it decodes frames, hands RADIUS and SIP payloads to the
// sync engines, and matches everything else against the RTP streams the
// VoIP engine has pushed to it, emitting IPMM-CC records for hits.
package capture

import (
	"context"
	"log"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/etsili/collector/encoder"
	"github.com/etsili/collector/etsi"
	"github.com/etsili/collector/metrics"
	"github.com/etsili/collector/radius"
	"github.com/etsili/collector/voip"
)

// Well-known ports for classification.
const (
	radiusAuthPort = 1812
	radiusAcctPort = 1813
	sipPort        = 5060
)

// RawPacket is one captured frame plus its capture timestamp.
type RawPacket struct {
	Data []byte
	TS   time.Time
}

// Thread is one classifier lane. All of its state is owned by the goroutine
// running Run; the VoIP sync engine talks to it only through PushIn.
type Thread struct {
	Lane int

	// PktIn receives raw frames for this lane. Closing it stops the thread.
	PktIn chan RawPacket
	// PushIn receives RTP stream push/halt messages from the sync engine.
	PushIn chan voip.PushMessage

	radiusOut chan<- radius.Packet
	sipOut    chan<- voip.SIPPacket
	ccOut     chan<- *encoder.Record

	streams map[string]*voip.RTPStream
}

// NewThread builds a classifier lane feeding the given sync and export
// channels. ccOut should be the sequence tracker owned by the same lane.
func NewThread(lane int, radiusOut chan<- radius.Packet, sipOut chan<- voip.SIPPacket,
	ccOut chan<- *encoder.Record) *Thread {
	return &Thread{
		Lane:      lane,
		PktIn:     make(chan RawPacket, 256),
		PushIn:    make(chan voip.PushMessage, 64),
		radiusOut: radiusOut,
		sipOut:    sipOut,
		ccOut:     ccOut,
		streams:   make(map[string]*voip.RTPStream),
	}
}

// Run classifies packets until PktIn closes or the context ends.
func (th *Thread) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-th.PushIn:
			th.handlePush(msg)
		case pkt, ok := <-th.PktIn:
			if !ok {
				return
			}
			th.classify(pkt)
		}
	}
}

func (th *Thread) handlePush(msg voip.PushMessage) {
	switch msg.Kind {
	case voip.PushStream:
		th.streams[msg.Stream.StreamKey] = msg.Stream
	case voip.PushHalt:
		delete(th.streams, msg.StreamKey)
	}
}

// classify decodes one frame down to UDP and routes it. Packets that decode
// but match nothing are simply not ours to keep.
func (th *Thread) classify(raw RawPacket) {
	packet := gopacket.NewPacket(raw.Data, layers.LayerTypeEthernet, gopacket.NoCopy)

	var srcIP, dstIP netip.Addr
	switch ip := packet.NetworkLayer().(type) {
	case *layers.IPv4:
		srcIP, _ = netip.AddrFromSlice(ip.SrcIP)
		dstIP, _ = netip.AddrFromSlice(ip.DstIP)
	case *layers.IPv6:
		srcIP, _ = netip.AddrFromSlice(ip.SrcIP)
		dstIP, _ = netip.AddrFromSlice(ip.DstIP)
	default:
		return
	}

	udpLayer := packet.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return
	}
	udp := udpLayer.(*layers.UDP)

	src := netip.AddrPortFrom(srcIP, uint16(udp.SrcPort))
	dst := netip.AddrPortFrom(dstIP, uint16(udp.DstPort))

	switch {
	case isRadiusPort(udp.SrcPort) || isRadiusPort(udp.DstPort):
		metrics.PacketsTotal.WithLabelValues("radius").Inc()
		th.radiusOut <- radius.Packet{
			Payload: udp.Payload,
			Src:     src,
			Dst:     dst,
			TS:      raw.TS,
		}
	case udp.SrcPort == sipPort || udp.DstPort == sipPort:
		th.sipOut <- voip.SIPPacket{
			Payload: udp.Payload,
			Src:     src,
			Dst:     dst,
			TS:      raw.TS,
		}
	default:
		th.matchRTP(packet, src, dst, raw.TS)
	}
}

func isRadiusPort(p layers.UDPPort) bool {
	return p == radiusAuthPort || p == radiusAcctPort
}

// matchRTP tests the packet against the streams pushed to this lane and
// exports the network-layer payload as IPMM-CC on a hit.
func (th *Thread) matchRTP(packet gopacket.Packet, src, dst netip.AddrPort, ts time.Time) {
	for _, stream := range th.streams {
		if !stream.Matches(src, dst) {
			continue
		}
		netLayer := packet.NetworkLayer()
		if netLayer == nil {
			return
		}
		contents := append(netLayer.LayerContents(), netLayer.LayerPayload()...)
		metrics.PacketsTotal.WithLabelValues("rtp").Inc()
		th.ccOut <- &encoder.Record{
			Type:    etsi.RecordIPMMCC,
			LIID:    stream.LIID,
			CIN:     stream.CIN,
			TS:      ts,
			Payload: contents,
		}
		return
	}
}

// Dispatch fans raw frames out across lanes by flow so one flow always
// lands on the same lane (and therefore the same sequence tracker).
func Dispatch(threads []*Thread, raw RawPacket) {
	if len(threads) == 1 {
		threads[0].PktIn <- raw
		return
	}
	lane := int(flowHash(raw.Data)) % len(threads)
	threads[lane].PktIn <- raw
}

// flowHash is a cheap symmetric hash over the IP header's address bytes.
func flowHash(data []byte) uint32 {
	var h uint32
	// Ethernet header is 14 bytes; addresses occupy bytes 26-33 for IPv4.
	// If the frame is too short to hold both (34 bytes), lane 0 takes it.
	if len(data) < 34 {
		return 0
	}
	for _, b := range data[26:34] {
		h += uint32(b)
	}
	return h
}

// Source is anything that yields captured frames; pcapgo readers and
// handles both satisfy it.
type Source interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
}

// ReadLoop pulls frames from a capture source and fans them out until the
// source is exhausted or the context ends.
func ReadLoop(ctx context.Context, src Source, threads []*Thread) (int, error) {
	count := 0
	for ctx.Err() == nil {
		data, ci, err := src.ReadPacketData()
		if err != nil {
			if count > 0 {
				log.Println("capture source finished after", count, "packets:", err)
			}
			return count, err
		}
		ts := ci.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		Dispatch(threads, RawPacket{Data: data, TS: ts})
		count++
	}
	return count, ctx.Err()
}
