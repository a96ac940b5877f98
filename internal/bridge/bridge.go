// Package bridge implements the cross-connect engine: the concurrent
// data path that reads frames from a source endpoint, applies
// PhilFlag correction, channel filtering, protocol translation, and
// AGW fan-out, and writes the result to a destination endpoint, with
// the mirror path running the other way.
package bridge

import (
	"net"
	"sync"
	"time"

	"kissbridge/internal/agw"
	"kissbridge/internal/endpoint"
	"kissbridge/internal/kiss"
	"kissbridge/internal/pcap"
	"kissbridge/internal/rlog"
	"kissbridge/internal/translate"
)

// readTimeout is the short poll interval every reader loop uses so it
// can notice a closed stop channel between reads.
const readTimeout = 100 * time.Millisecond

// Config is one cross-connect's compiled, validated settings,
// independent of how a config file happened to spell it.
type Config struct {
	ID string

	// DestKissPort is the port field written into frames delivered to
	// Dest; SourceKissPort is the port field written into frames sent
	// back to Source.
	SourceKissPort int
	DestKissPort   int

	PhilFlag  bool
	RawCopy   bool
	ParseKiss bool
	DumpAX25  bool

	KissChan int // -1 disables filter/remap
	KissCopy bool

	XkissChecksumSource bool
	XkissChecksumDest   bool

	// XkissPolling, when set, buffers frames read from Source before
	// delivering them to Dest, draining the buffer in FIFO order every
	// XkissPollTimerMS instead of forwarding each frame immediately.
	XkissPolling      bool
	XkissPollTimerMS  int
	XkissRXBufferSize int

	ReframeLargePackets bool

	SourceIsTCP           bool
	DestIsTCP             bool
	TcpToTcpDangerous     bool
	TcpToTcpAlsoDangerous bool

	AGWEnable bool
	AGWPort   uint8

	MaxFrame int
}

// Bridge runs the two data paths (source->destination and
// destination->source) for one cross-connect until stopped.
type Bridge struct {
	Config  Config
	Source  endpoint.Endpoint
	Dest    endpoint.Endpoint
	Logger  rlog.Logger
	Capture pcap.Capture
	AGW     *agw.Server

	rxRing *xkissRing
}

// New constructs a Bridge. Logger and Capture may be nil (treated as
// no-ops); AGW may be nil when this cross-connect has AGW delivery disabled.
func New(cfg Config, source, dest endpoint.Endpoint, logger rlog.Logger, capture pcap.Capture, agwServer *agw.Server) *Bridge {
	if logger == nil {
		logger = rlog.Discard
	}
	if cfg.MaxFrame == 0 {
		cfg.MaxFrame = kiss.DefaultMaxFrame
	}
	b := &Bridge{Config: cfg, Source: source, Dest: dest, Logger: logger, Capture: capture, AGW: agwServer}
	if cfg.XkissPolling {
		b.rxRing = newXkissRing(cfg.XkissRXBufferSize, logger, cfg.ID)
	}
	return b
}

// chunkEvent is one raw read from an endpoint, tagged with the
// originating client connection when the endpoint is a fan-out
// TCPServer (nil otherwise) so a copy-to-siblings echo can exclude the
// originator.
type chunkEvent struct {
	data       []byte
	originConn net.Conn
	err        error
}

// Run blocks, driving both directions until stop is closed or the
// source endpoint fails unrecoverably. An I/O error on the bridge's
// source side tears the whole bridge down; an I/O error on a single
// TCP client of a fan-out destination closes only that client.
func (b *Bridge) Run(stop <-chan struct{}) {
	// halt closes when stop does or when the source->destination loop
	// returns on its own (a source-level read error), ending every
	// other loop of this bridge with it.
	halt := make(chan struct{})
	var haltOnce sync.Once
	teardown := func() { haltOnce.Do(func() { close(halt) }) }
	go func() {
		select {
		case <-stop:
			teardown()
		case <-halt:
		}
	}()
	stop = halt

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer teardown()
		b.forward(stop, b.Source, b.Dest, true)
	}()
	go func() {
		defer wg.Done()
		b.forward(stop, b.Dest, b.Source, false)
	}()
	if b.rxRing != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			interval := time.Duration(b.Config.XkissPollTimerMS) * time.Millisecond
			runXkissPoll(stop, interval, b.rxRing, func(wire []byte) {
				if err := b.Dest.Send(wire); err != nil {
					b.Logger.Log(rlog.LevelWarn, "bridge %s: XKISS poll delivery failed: %v", b.Config.ID, err)
				}
			})
		}()
	}
	wg.Wait()
}

// forward runs one direction of the bridge: read from "from",
// translate, write to "to". sourceToDest is true when from==Source;
// PhilFlag's serial-side correction applies to reads in that
// direction and its inverse to writes in the opposite direction,
// matching the classic topology of one defective serial TNC bridged
// to well-behaved network clients.
func (b *Bridge) forward(stop <-chan struct{}, from, to endpoint.Endpoint, sourceToDest bool) {
	events := make(chan chunkEvent, 16)
	if srv, ok := from.(*endpoint.TCPServer); ok {
		go b.pumpTCPServer(stop, srv, events)
	} else {
		go b.pumpSingle(stop, from, events)
	}

	dec := kiss.NewDecoderSize(b.Config.MaxFrame)
	perClientDecoders := make(map[net.Conn]*kiss.Decoder)
	var corrector kiss.SerialToNetworkCorrector
	perClientCorrectors := make(map[net.Conn]*kiss.SerialToNetworkCorrector)

	for {
		select {
		case <-stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.err != nil {
				b.handleReadError(from, to, ev)
				if ev.originConn == nil {
					return // source-level failure tears the bridge down
				}
				continue // a single fan-out client's failure only closes that client
			}
			if len(ev.data) == 0 {
				continue
			}
			if b.tcpToTcpGateBlocks(sourceToDest, ev.data) {
				b.Logger.Log(rlog.LevelWarn, "bridge %s: dropped non-KISS buffer on TCP-to-TCP bridge", b.Config.ID)
				continue
			}
			if b.Config.RawCopy {
				if err := to.Send(ev.data); err != nil {
					b.Logger.Log(rlog.LevelWarn, "bridge %s: raw copy write failed: %v", b.Config.ID, err)
				}
				continue
			}

			var frames [][]byte
			switch {
			case b.Config.PhilFlag && sourceToDest && ev.originConn == nil:
				frames = corrector.Feed(ev.data)
			case b.Config.PhilFlag && sourceToDest:
				c := perClientCorrectors[ev.originConn]
				if c == nil {
					c = &kiss.SerialToNetworkCorrector{}
					perClientCorrectors[ev.originConn] = c
				}
				frames = c.Feed(ev.data)
			case ev.originConn == nil:
				frames = dec.Feed(ev.data)
			default:
				d := perClientDecoders[ev.originConn]
				if d == nil {
					d = kiss.NewDecoderSize(b.Config.MaxFrame)
					perClientDecoders[ev.originConn] = d
				}
				frames = d.Feed(ev.data)
			}

			for _, frame := range frames {
				b.handleFrame(frame, from, to, sourceToDest, ev.originConn)
			}
		}
	}
}

func (b *Bridge) handleReadError(from, to endpoint.Endpoint, ev chunkEvent) {
	if ev.originConn != nil {
		if srv, ok := from.(*endpoint.TCPServer); ok {
			b.Logger.Log(rlog.LevelNotice, "bridge %s: client %s disconnected", b.Config.ID, ev.originConn.RemoteAddr())
			srv.Drop(ev.originConn)
		}
		return
	}
	b.Logger.Log(rlog.LevelError, "bridge %s: source read error, tearing down: %v", b.Config.ID, ev.err)
}

// pumpSingle drives a single-stream endpoint (TCPClient, SerialPeer)
// with a blocking read loop.
func (b *Bridge) pumpSingle(stop <-chan struct{}, ep endpoint.Endpoint, out chan<- chunkEvent) {
	defer close(out)
	for {
		select {
		case <-stop:
			return
		default:
		}
		data, err := ep.Recv(readTimeout)
		if err != nil {
			select {
			case out <- chunkEvent{err: err}:
			case <-stop:
			}
			return
		}
		if len(data) == 0 {
			continue
		}
		select {
		case out <- chunkEvent{data: data}:
		case <-stop:
			return
		}
	}
}

// pumpTCPServer spawns one reader goroutine per currently-connected
// client and one more whenever a new client is accepted, since a
// fan-out server has no single stream to block on.
func (b *Bridge) pumpTCPServer(stop <-chan struct{}, srv *endpoint.TCPServer, out chan<- chunkEvent) {
	tracked := make(map[net.Conn]bool)
	var wg sync.WaitGroup
	for {
		select {
		case <-stop:
			wg.Wait()
			return
		default:
		}
		for _, conn := range srv.Slots() {
			if tracked[conn] {
				continue
			}
			tracked[conn] = true
			wg.Add(1)
			go func(c net.Conn) {
				defer wg.Done()
				b.pumpTCPClient(stop, srv, c, out)
			}(conn)
		}
		time.Sleep(readTimeout)
	}
}

func (b *Bridge) pumpTCPClient(stop <-chan struct{}, srv *endpoint.TCPServer, conn net.Conn, out chan<- chunkEvent) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		data, err := srv.ReadClient(conn, readTimeout)
		if err != nil {
			select {
			case out <- chunkEvent{originConn: conn, err: err}:
			case <-stop:
			}
			return
		}
		if len(data) == 0 {
			continue
		}
		select {
		case out <- chunkEvent{data: data, originConn: conn}:
		case <-stop:
			return
		}
	}
}

func (b *Bridge) tcpToTcpGateBlocks(sourceToDest bool, chunk []byte) bool {
	if !b.Config.SourceIsTCP || !b.Config.DestIsTCP {
		return false
	}
	if !b.Config.TcpToTcpDangerous {
		return false // config layer already rejects this cross-connect at startup
	}
	if b.Config.TcpToTcpAlsoDangerous {
		return false
	}
	return len(chunk) == 0 || chunk[0] != kiss.FEND
}

func (b *Bridge) handleFrame(frame []byte, from, to endpoint.Endpoint, sourceToDest bool, originConn net.Conn) {
	cmd, payload, ok := kiss.SplitFrame(frame)
	if !ok {
		b.Logger.Log(rlog.LevelWarn, "bridge %s: dropped malformed frame", b.Config.ID)
		return
	}

	if sourceToDest && kiss.Port(cmd) != b.Config.SourceKissPort {
		return
	}

	checksummedIn := b.Config.XkissChecksumSource
	checksummedOut := b.Config.XkissChecksumDest
	if !sourceToDest {
		checksummedIn, checksummedOut = checksummedOut, checksummedIn
	}
	if checksummedIn {
		stripped, ok := translate.VerifyAndStripChecksum(cmd, payload)
		if !ok {
			b.Logger.Log(rlog.LevelWarn, "bridge %s: XKISS checksum mismatch, dropping frame", b.Config.ID)
			return
		}
		payload = stripped
	}

	if b.Config.KissChan != -1 {
		filter := translate.ChannelFilter{KissChan: b.Config.KissChan}
		if sourceToDest {
			rewritten, keep := filter.Outgoing(cmd)
			if !keep {
				return
			}
			cmd = rewritten
		} else {
			cmd = filter.Incoming(cmd)
		}
	}

	destPort := b.Config.DestKissPort
	if !sourceToDest {
		destPort = b.Config.SourceKissPort
	}
	cmd = translate.RewritePort(cmd, destPort)

	if b.Config.DumpAX25 || b.Config.ParseKiss {
		b.Logger.Log(rlog.LevelDebug, "bridge %s: frame cmd=0x%02x len=%d", b.Config.ID, cmd, len(payload))
	}

	ax25Payload := payload

	// Reframe before appending a checksum, not after: a checksum
	// covers one KISS frame, so each re-emitted chunk needs its own
	// trailing byte rather than sharing the whole payload's checksum
	// tacked onto only the last chunk.
	chunks := [][]byte{ax25Payload}
	if b.Config.ReframeLargePackets && kiss.Command(cmd) == kiss.CmdData && len(ax25Payload) > 255 {
		if split, err := translate.ReframeLarge(ax25Payload, 220); err == nil {
			chunks = split
		}
	}
	if checksummedOut {
		for i, c := range chunks {
			chunks[i] = translate.AppendChecksum(cmd, c)
		}
	}

	for _, p := range chunks {
		wire := kiss.Encode(cmd, p)
		if b.Config.PhilFlag && !sourceToDest {
			wire = kiss.NetworkToSerialCorrect(wire)
		}
		if sourceToDest && b.rxRing != nil {
			b.rxRing.push(wire)
		} else if err := to.Send(wire); err != nil {
			b.Logger.Log(rlog.LevelWarn, "bridge %s: write failed: %v", b.Config.ID, err)
			continue
		}
		if b.Config.KissCopy {
			if srv, ok := from.(*endpoint.TCPServer); ok {
				srv.SendExcluding(wire, originConn)
			}
		}
	}

	if sourceToDest && b.Config.AGWEnable && b.AGW != nil && kiss.Command(cmd) == kiss.CmdData {
		f, err := agw.FromKISS(b.Config.AGWPort, agw.KindUnproto, ax25Payload)
		if err == nil {
			b.AGW.Deliver(b.Config.AGWPort, ax25Payload, f.Header.CallFrom, f.Header.CallTo)
		}
	}

	if sourceToDest && b.Capture != nil && kiss.Command(cmd) == kiss.CmdData {
		if err := b.Capture.Record(time.Now(), ax25Payload); err != nil {
			b.Logger.Log(rlog.LevelWarn, "bridge %s: capture write failed: %v", b.Config.ID, err)
		}
	}
}
