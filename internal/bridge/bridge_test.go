package bridge

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kissbridge/internal/ax25"
	"kissbridge/internal/endpoint"
	"kissbridge/internal/kiss"
	"kissbridge/internal/rlog"
)

// fakeEndpoint is a single-stream Endpoint fed by a queue of chunks
// and recording everything written to it, standing in for a serial
// peer or TCP client in tests that don't need a real socket.
type fakeEndpoint struct {
	mu  sync.Mutex
	in  [][]byte
	out [][]byte
}

func (f *fakeEndpoint) feed(chunk []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.in = append(f.in, chunk)
}

func (f *fakeEndpoint) Recv(timeout time.Duration) ([]byte, error) {
	f.mu.Lock()
	if len(f.in) == 0 {
		f.mu.Unlock()
		time.Sleep(timeout)
		return nil, nil
	}
	chunk := f.in[0]
	f.in = f.in[1:]
	f.mu.Unlock()
	return chunk, nil
}

func (f *fakeEndpoint) Send(frame []byte) error {
	return f.SendExcluding(frame, nil)
}

func (f *fakeEndpoint) SendExcluding(frame []byte, _ io.Writer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, append([]byte(nil), frame...))
	return nil
}

func (f *fakeEndpoint) Close() error { return nil }

func (f *fakeEndpoint) sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.out...)
}

type recordingLogger struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingLogger) Log(level rlog.Level, format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, level.String())
	_ = format
	_ = args
}

func (r *recordingLogger) has(sub string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.msgs {
		if m == sub {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition never became true within %s", timeout)
}

func TestBridgeForwardsSourceToDestAndRewritesPort(t *testing.T) {
	src := &fakeEndpoint{}
	dst := &fakeEndpoint{}
	cfg := Config{ID: "test", SourceKissPort: 0, DestKissPort: 4, KissChan: -1}
	b := New(cfg, src, dst, nil, nil, nil)

	frame := kiss.Encode(kiss.MakeCommandByte(0, kiss.CmdData), []byte("hello"))
	src.feed(frame)

	stop := make(chan struct{})
	go b.Run(stop)
	defer close(stop)

	waitFor(t, time.Second, func() bool { return len(dst.sent()) > 0 })
	got := kiss.NewDecoder().Feed(dst.sent()[0])
	require.Len(t, got, 1)
	cmd, payload, ok := kiss.SplitFrame(got[0])
	require.True(t, ok)
	assert.Equal(t, 4, kiss.Port(cmd))
	assert.Equal(t, []byte("hello"), payload)
}

func TestBridgeChannelFilterDropsNonMatchingPort(t *testing.T) {
	src := &fakeEndpoint{}
	dst := &fakeEndpoint{}
	cfg := Config{ID: "test", KissChan: 5}
	b := New(cfg, src, dst, nil, nil, nil)

	src.feed(kiss.Encode(kiss.MakeCommandByte(2, kiss.CmdData), []byte("dropped")))

	stop := make(chan struct{})
	go b.Run(stop)
	defer close(stop)

	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, dst.sent())
}

func TestBridgeReframesLargePackets(t *testing.T) {
	src := &fakeEndpoint{}
	dst := &fakeEndpoint{}
	cfg := Config{ID: "test", KissChan: -1, ReframeLargePackets: true}
	b := New(cfg, src, dst, nil, nil, nil)

	header, err := ax25.BuildUIHeader("DEST", 0, "SRC", 1)
	require.NoError(t, err)
	payload := append(header, make([]byte, 500)...)
	src.feed(kiss.Encode(kiss.MakeCommandByte(0, kiss.CmdData), payload))

	stop := make(chan struct{})
	go b.Run(stop)
	defer close(stop)

	waitFor(t, time.Second, func() bool { return len(dst.sent()) > 1 })
	assert.Greater(t, len(dst.sent()), 1)
}

func TestBridgeXkissPollingBuffersAndDrops(t *testing.T) {
	src := &fakeEndpoint{}
	dst := &fakeEndpoint{}
	logger := &recordingLogger{}
	cfg := Config{
		ID:                "test",
		KissChan:          -1,
		XkissPolling:      true,
		XkissPollTimerMS:  1000,
		XkissRXBufferSize: 50,
	}
	b := New(cfg, src, dst, logger, nil, nil)

	for i := 0; i < 20; i++ {
		src.feed(kiss.Encode(kiss.MakeCommandByte(0, kiss.CmdData), []byte("0123456789")))
	}

	stop := make(chan struct{})
	go b.Run(stop)
	defer close(stop)

	// Before the poll fires, nothing should have been delivered yet.
	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, dst.sent())
	assert.True(t, logger.has(rlog.LevelWarn.String()))
}

func TestBridgeTCPServerFanOutAsDestination(t *testing.T) {
	logger := &recordingLogger{}
	srv, err := endpoint.NewTCPServer("127.0.0.1:0", 4, logger)
	require.NoError(t, err)
	defer srv.Close()

	addr := srv.Addr().String()
	c1, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c1.Close()
	c2, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c2.Close()

	waitFor(t, time.Second, func() bool { return len(srv.Slots()) == 2 })

	src := &fakeEndpoint{}
	cfg := Config{ID: "fanout", KissChan: -1}
	b := New(cfg, src, srv, logger, nil, nil)

	src.feed(kiss.Encode(kiss.MakeCommandByte(0, kiss.CmdData), []byte("broadcast")))

	stop := make(chan struct{})
	go b.Run(stop)
	defer close(stop)

	buf1 := make([]byte, 64)
	c1.SetReadDeadline(time.Now().Add(time.Second))
	n1, err := c1.Read(buf1)
	require.NoError(t, err)

	buf2 := make([]byte, 64)
	c2.SetReadDeadline(time.Now().Add(time.Second))
	n2, err := c2.Read(buf2)
	require.NoError(t, err)

	assert.Equal(t, buf1[:n1], buf2[:n2])
	frames := kiss.NewDecoder().Feed(buf1[:n1])
	require.Len(t, frames, 1)
	_, payload, ok := kiss.SplitFrame(frames[0])
	require.True(t, ok)
	assert.Equal(t, []byte("broadcast"), payload)
}
