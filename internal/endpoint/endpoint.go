// Package endpoint implements the three connection shapes a
// cross-connect's source or destination can take: a TCP server
// fanning frames out to several clients, a TCP client that redials
// with backoff, and a serial peer backed by internal/serialmgr.
package endpoint

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"kissbridge/internal/rlog"
	"kissbridge/internal/serialmgr"
)

// ErrSlotsFull names the condition of a TCPServer at its configured
// client cap. The accept loop does not return it: it logs and closes
// the excess connection.
var ErrSlotsFull = errors.New("endpoint: max_tcp_clients reached")

// Endpoint is the narrow interface the cross-connect bridge drives:
// send a frame to every active peer (optionally excluding one, for
// kiss_copy echo suppression), and read one chunk of bytes with a
// short timeout so the caller can poll a shutdown signal between
// reads.
type Endpoint interface {
	Send(frame []byte) error
	SendExcluding(frame []byte, exclude io.Writer) error
	Recv(timeout time.Duration) ([]byte, error)
	Close() error
}

// slot is one accepted TCP client of a TCPServer.
type slot struct {
	conn net.Conn
}

// TCPServer fans frames out to up to MaxClients concurrently connected
// clients, matching how a single KISS TCP port serves several
// applications (a client program, a digipeater, a logger) at once.
type TCPServer struct {
	ln         net.Listener
	MaxClients int
	Logger     rlog.Logger

	mu    sync.Mutex
	slots []*slot
}

// NewTCPServer binds addr and begins accepting up to maxClients
// concurrent clients. Connections beyond that cap are closed
// immediately.
func NewTCPServer(addr string, maxClients int, logger rlog.Logger) (*TCPServer, error) {
	if logger == nil {
		logger = rlog.Discard
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("endpoint: bind %s: %w", addr, err)
	}
	s := &TCPServer{ln: ln, MaxClients: maxClients, Logger: logger}
	go s.acceptLoop()
	return s, nil
}

func (s *TCPServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if len(s.slots) >= s.MaxClients {
			s.mu.Unlock()
			s.Logger.Log(rlog.LevelWarn, "endpoint: rejecting %s, max_tcp_clients (%d) reached", conn.RemoteAddr(), s.MaxClients)
			conn.Close()
			continue
		}
		sl := &slot{conn: conn}
		s.slots = append(s.slots, sl)
		s.mu.Unlock()
		s.Logger.Log(rlog.LevelNotice, "endpoint: accepted %s (%d/%d clients)", conn.RemoteAddr(), len(s.slots), s.MaxClients)
	}
}

// Addr returns the listener's bound address, useful when addr was
// passed as ":0" to let the OS choose a port.
func (s *TCPServer) Addr() net.Addr {
	return s.ln.Addr()
}

// Slots returns a snapshot of currently connected client connections,
// for callers (the bridge) that need to spawn a reader per client.
func (s *TCPServer) Slots() []net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]net.Conn, len(s.slots))
	for i, sl := range s.slots {
		out[i] = sl.conn
	}
	return out
}

// ReadClient performs one bounded-duration read from a specific
// client connection, for the bridge's per-client reader goroutines. A
// timeout is reported as (nil, nil), matching every other Endpoint
// read primitive.
func (s *TCPServer) ReadClient(conn net.Conn, timeout time.Duration) ([]byte, error) {
	conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil
		}
		return nil, err
	}
	return buf[:n], nil
}

// Drop removes conn from the slot vector, called by the bridge's
// per-client reader once that client's stream errors.
func (s *TCPServer) Drop(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sl := range s.slots {
		if sl.conn == conn {
			s.slots = append(s.slots[:i], s.slots[i+1:]...)
			break
		}
	}
	conn.Close()
}

// Send writes frame to every connected client.
func (s *TCPServer) Send(frame []byte) error {
	return s.SendExcluding(frame, nil)
}

// SendExcluding writes frame to every connected client except one
// whose net.Conn equals exclude (used for kiss_copy echo, which never
// reflects a frame back to its originator).
func (s *TCPServer) SendExcluding(frame []byte, exclude io.Writer) error {
	s.mu.Lock()
	slots := append([]*slot(nil), s.slots...)
	s.mu.Unlock()
	for _, sl := range slots {
		if exclude != nil && sl.conn == exclude {
			continue
		}
		if _, err := sl.conn.Write(frame); err != nil {
			s.Logger.Log(rlog.LevelWarn, "endpoint: write to %s failed: %v, dropping client", sl.conn.RemoteAddr(), err)
			s.Drop(sl.conn)
		}
	}
	return nil
}

// Recv is not meaningful on a TCPServer as a whole: each client slot
// is read independently by the bridge via Slots(). It always returns
// an error, guarding against accidental misuse as a single-stream
// Endpoint.
func (s *TCPServer) Recv(time.Duration) ([]byte, error) {
	return nil, errors.New("endpoint: TCPServer has no single read stream, use Slots()")
}

// Close shuts down the listener and every connected client.
func (s *TCPServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sl := range s.slots {
		sl.conn.Close()
	}
	s.slots = nil
	return s.ln.Close()
}

// TCPClient dials a remote address and keeps a connection to it.
// Failed dials are retried with exponential backoff (base 1s,
// doubling, capped at 60s); the delay resets to 1s as soon as a dial
// succeeds, not after data has been exchanged. A connection that drops
// after connecting is redialed at once, without a backoff delay.
type TCPClient struct {
	Addr   string
	Logger rlog.Logger

	mu      sync.Mutex
	current *tcpConnState
	stop    chan struct{}
	stopped bool
}

// tcpConnState pairs a live connection with the signal that tells
// connectLoop it has died. Only markBroken ever closes the connection
// or the done channel, guarded by once so a write failure and a read
// failure racing on the same connection don't double-close.
type tcpConnState struct {
	conn net.Conn
	done chan struct{}
	once sync.Once
}

func (s *tcpConnState) markBroken() {
	s.once.Do(func() {
		s.conn.Close()
		close(s.done)
	})
}

// NewTCPClient starts the connect/reconnect loop in the background and
// returns immediately; Recv/Send block until a connection exists.
func NewTCPClient(addr string, logger rlog.Logger) *TCPClient {
	if logger == nil {
		logger = rlog.Discard
	}
	c := &TCPClient{Addr: addr, Logger: logger, stop: make(chan struct{})}
	go c.connectLoop()
	return c
}

func (c *TCPClient) connectLoop() {
	backoff := time.Second
	const maxBackoff = 60 * time.Second
	for {
		select {
		case <-c.stop:
			return
		default:
		}
		conn, err := net.Dial("tcp", c.Addr)
		if err != nil {
			c.Logger.Log(rlog.LevelWarn, "endpoint: dial %s failed: %v, retrying in %s", c.Addr, err, backoff)
			select {
			case <-time.After(backoff):
			case <-c.stop:
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		c.Logger.Log(rlog.LevelNotice, "endpoint: connected to %s", c.Addr)
		backoff = time.Second
		st := &tcpConnState{conn: conn, done: make(chan struct{})}
		c.mu.Lock()
		c.current = st
		c.mu.Unlock()

		select {
		case <-st.done:
		case <-c.stop:
			st.markBroken()
			return
		}

		c.mu.Lock()
		if c.current == st {
			c.current = nil
		}
		c.mu.Unlock()
	}
}

func (c *TCPClient) currentState() *tcpConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// currentConn returns the net.Conn of the current connection, or nil
// if there is none.
func (c *TCPClient) currentConn() net.Conn {
	st := c.currentState()
	if st == nil {
		return nil
	}
	return st.conn
}

// Send writes frame to the current connection, if any. A nil
// connection (mid-reconnect) is reported as an error; the bridge logs
// it and drops that frame, without retrying the write. A
// write error marks the connection broken so connectLoop redials
// immediately rather than waiting for Recv's next poll to notice.
func (c *TCPClient) Send(frame []byte) error {
	return c.SendExcluding(frame, nil)
}

func (c *TCPClient) SendExcluding(frame []byte, exclude io.Writer) error {
	st := c.currentState()
	if st == nil {
		return errors.New("endpoint: TCP client not currently connected")
	}
	if exclude != nil && st.conn == exclude {
		return nil
	}
	_, err := st.conn.Write(frame)
	if err != nil {
		st.markBroken()
	}
	return err
}

// Recv reads one chunk from the current connection. A timeout, a
// disconnected client, and a broken connection are all reported as
// (nil, nil): the caller (the bridge's per-direction read loop) is
// expected to keep polling forever, resuming transparently once
// connectLoop redials, rather than tearing its loop down on a hard
// socket error.
func (c *TCPClient) Recv(timeout time.Duration) ([]byte, error) {
	st := c.currentState()
	if st == nil {
		time.Sleep(timeout)
		return nil, nil
	}
	st.conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 4096)
	n, err := st.conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil
		}
		st.markBroken()
		return nil, nil
	}
	return buf[:n], nil
}

// Close stops the reconnect loop and closes any live connection.
func (c *TCPClient) Close() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	st := c.current
	c.mu.Unlock()
	close(c.stop)
	if st != nil {
		st.markBroken()
	}
	return nil
}

// SerialPeer adapts a serialmgr.Handle to the Endpoint interface for
// serial-to-serial and serial-as-destination cross-connects.
type SerialPeer struct {
	handle *serialmgr.Handle
}

// NewSerialPeer wraps an already-opened serialmgr Handle.
func NewSerialPeer(h *serialmgr.Handle) *SerialPeer {
	return &SerialPeer{handle: h}
}

func (p *SerialPeer) Send(frame []byte) error {
	return p.handle.Write(frame)
}

func (p *SerialPeer) SendExcluding(frame []byte, _ io.Writer) error {
	return p.handle.Write(frame)
}

func (p *SerialPeer) Recv(_ time.Duration) ([]byte, error) {
	buf := make([]byte, 4096)
	n, err := p.handle.Read(buf)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return buf[:n], nil
}

func (p *SerialPeer) Close() error {
	return p.handle.Close()
}
