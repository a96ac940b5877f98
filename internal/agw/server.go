package agw

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"kissbridge/internal/rlog"
)

// PortInfo describes one bridge exposed through the AGW server, used
// to answer 'G' (port list) and 'g' (port capabilities) queries.
type PortInfo struct {
	Port        uint8
	Description string
}

// Submitter hands a translated KISS frame to the bridge owning
// agwPort. Implemented by the cross-connect engine.
type Submitter func(agwPort uint8, commandByte byte, payload []byte) error

// client is the per-connection state machine: ACCEPTED with no
// callsigns, REGISTERED once at least one is added, and independently
// MONITORING when 'M' has been sent (any state may hold monitor mode).
type client struct {
	conn      net.Conn
	writeMu   sync.Mutex
	mu        sync.RWMutex
	callsigns map[string]bool
	monitor   bool
	connected time.Time
}

func newClient(conn net.Conn) *client {
	return &client{conn: conn, callsigns: make(map[string]bool), connected: time.Now()}
}

func (c *client) write(f Frame) error {
	b, err := Encode(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.conn.Write(b)
	return err
}

func (c *client) registered(call string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.callsigns[strings.ToUpper(call)]
}

func (c *client) isMonitoring() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.monitor
}

// Server is the multi-client AGWPE control-plane listener. One Server
// serves every bridge with agw_enable set; PortInfo entries identify
// which bridge answers which AGW port number.
type Server struct {
	Addr       string
	MaxClients int
	Ports      []PortInfo
	Submit     Submitter
	Logger     rlog.Logger

	mu       sync.RWMutex
	clients  map[*client]struct{}
	listener net.Listener
}

// NewServer constructs a Server. Logger defaults to rlog.Discard when
// nil.
func NewServer(addr string, maxClients int, ports []PortInfo, submit Submitter, logger rlog.Logger) *Server {
	if logger == nil {
		logger = rlog.Discard
	}
	return &Server{
		Addr:       addr,
		MaxClients: maxClients,
		Ports:      ports,
		Submit:     submit,
		Logger:     logger,
		clients:    make(map[*client]struct{}),
	}
}

// BoundAddr returns the listener's actual address once ListenAndServe
// has started, useful when Addr requests an ephemeral port (":0").
func (s *Server) BoundAddr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe binds Addr and accepts clients until stop is closed
// or a fatal listener error occurs.
func (s *Server) ListenAndServe(stop <-chan struct{}) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("agw: bind %s: %w", s.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	go func() {
		<-stop
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-stop:
				return nil
			default:
				return fmt.Errorf("agw: accept: %w", err)
			}
		}
		s.mu.RLock()
		full := len(s.clients) >= s.MaxClients
		s.mu.RUnlock()
		if full {
			s.Logger.Log(rlog.LevelWarn, "agw: rejecting %s, at max clients (%d)", conn.RemoteAddr(), s.MaxClients)
			conn.Close()
			continue
		}
		c := newClient(conn)
		s.mu.Lock()
		s.clients[c] = struct{}{}
		s.mu.Unlock()
		go s.serveClient(c)
	}
}

func (s *Server) serveClient(c *client) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		c.conn.Close()
	}()
	reader := bufio.NewReader(c.conn)
	for {
		f, err := ReadFrame(reader)
		if err != nil {
			s.Logger.Log(rlog.LevelInfo, "agw: client %s disconnected: %v", c.conn.RemoteAddr(), err)
			return
		}
		s.handleFrame(c, f)
	}
}

func (s *Server) handleFrame(c *client, f Frame) {
	switch f.Header.Kind {
	case KindPortInfo:
		s.replyPortInfo(c)
	case KindPortCap:
		s.replyPortCap(c, f.Header.Port)
	case KindRegisterCall:
		c.mu.Lock()
		c.callsigns[strings.ToUpper(f.Header.CallFrom)] = true
		c.mu.Unlock()
	case KindUnregister:
		c.mu.Lock()
		delete(c.callsigns, strings.ToUpper(f.Header.CallFrom))
		c.mu.Unlock()
	case KindMonitorOn:
		c.mu.Lock()
		c.monitor = true
		c.mu.Unlock()
	case KindMonitorOff:
		c.mu.Lock()
		c.monitor = false
		c.mu.Unlock()
	case KindRaw:
		if s.Submit == nil {
			return
		}
		// Port 0 is a placeholder: the bridge behind Submit owns the
		// mapping from agw_port to its configured kiss_port and
		// rewrites the command byte's port nibble accordingly.
		commandByte, payload, err := ToKISS(0, f)
		if err != nil {
			s.Logger.Log(rlog.LevelWarn, "agw: %v", err)
			return
		}
		if err := s.Submit(f.Header.Port, commandByte, payload); err != nil {
			s.Logger.Log(rlog.LevelWarn, "agw: submit to port %d failed: %v", f.Header.Port, err)
		}
	default:
		s.Logger.Log(rlog.LevelDebug, "agw: ignoring unsupported frame kind %q", rune(f.Header.Kind))
	}
}

func (s *Server) replyPortInfo(c *client) {
	var b strings.Builder
	fmt.Fprintf(&b, "%d;", len(s.Ports))
	for _, p := range s.Ports {
		fmt.Fprintf(&b, "Port%d %s;", p.Port, p.Description)
	}
	data := append([]byte(b.String()), 0x00)
	c.write(MakeFrame(0, KindPortInfo, "", "", data))
}

func (s *Server) replyPortCap(c *client, port uint8) {
	// Fixed capability block: baud rate, traffic level, and paclen are
	// not tracked per bridge; every AGWPE client treats this reply as
	// informational only.
	data := []byte(strconv.Itoa(1200) + " bps, 0% traffic")
	c.write(MakeFrame(port, KindPortCap, "", "", data))
}

// Deliver fans a decoded KISS/AX.25 data frame out to the AGW clients
// interested in it: every monitoring client receives a 'U' frame,
// and any client that has registered destCall additionally receives a
// 'K' frame.
func (s *Server) Deliver(agwPort uint8, ax25Payload []byte, sourceCall, destCall string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		if c.isMonitoring() {
			c.write(MakeFrame(agwPort, KindUnproto, sourceCall, destCall, ax25Payload))
		}
		if destCall != "" && c.registered(destCall) {
			c.write(MakeFrame(agwPort, KindRaw, sourceCall, destCall, ax25Payload))
		}
	}
}

// ClientCount returns the number of currently connected AGW clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
