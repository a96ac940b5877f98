// Package serialmgr owns physical serial device handles and shares
// them across the multiple logical KISS ports a cross-connect
// configuration may multiplex onto one device, the way a single TNC's
// serial cable often carries traffic for several bridges at once.
package serialmgr

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.bug.st/serial"

	"kissbridge/internal/rlog"
)

// DefaultReadTimeout is the short blocking-read timeout every reader
// goroutine uses as its cooperative shutdown poll interval.
const DefaultReadTimeout = 100 * time.Millisecond

// Parity, StopBits, and FlowControl mirror the option set a
// configuration file exposes; they map onto go.bug.st/serial's own
// enums when a device is actually opened.
type Parity int

const (
	ParityNone Parity = iota
	ParityEven
	ParityOdd
)

type StopBits int

const (
	StopBits1 StopBits = iota
	StopBits2
)

type FlowControl int

const (
	FlowNone FlowControl = iota
	FlowSoftware
	FlowHardware
	FlowDTRDSR
)

// Settings is one bridge's requested serial parameters. When a device
// is opened for a framed mode, DataBits/Parity/StopBits are forced to
// 8/None/1 regardless of what is requested here.
type Settings struct {
	Baud        int
	DataBits    int
	Parity      Parity
	StopBits    StopBits
	FlowControl FlowControl
}

func (s Settings) toMode(force8N1 bool) *serial.Mode {
	dataBits := s.DataBits
	if dataBits == 0 {
		dataBits = 8
	}
	parity := serial.NoParity
	switch s.Parity {
	case ParityEven:
		parity = serial.EvenParity
	case ParityOdd:
		parity = serial.OddParity
	}
	stop := serial.OneStopBit
	if s.StopBits == StopBits2 {
		stop = serial.TwoStopBits
	}
	if force8N1 {
		dataBits = 8
		parity = serial.NoParity
		stop = serial.OneStopBit
	}
	return &serial.Mode{
		BaudRate: s.Baud,
		DataBits: dataBits,
		Parity:   parity,
		StopBits: stop,
	}
}

// sharedDevice is one physical serial handle, opened once by whichever
// bridge is designated primary for it and shared by every secondary
// bridge referencing the same path.
type sharedDevice struct {
	path      string
	port      serial.Port
	settings  Settings
	forced8N1 bool

	writeMu  sync.Mutex
	readMu   sync.Mutex
	refMu    sync.Mutex
	refCount int

	hotplugStop chan struct{}
	logger      rlog.Logger
}

// Manager tracks all shared serial devices for a running process.
type Manager struct {
	mu      sync.Mutex
	devices map[string]*sharedDevice
	logger  rlog.Logger
}

// NewManager returns an empty Manager. logger may be nil.
func NewManager(logger rlog.Logger) *Manager {
	if logger == nil {
		logger = rlog.Discard
	}
	return &Manager{devices: make(map[string]*sharedDevice), logger: logger}
}

// Handle is one bridge's reference to a (possibly shared) serial
// device. Each Handle gets its own frame codec state upstream; the
// Handle itself only serializes raw I/O.
type Handle struct {
	mgr     *Manager
	device  *sharedDevice
	primary bool
}

// OpenPrimary opens path with settings, forcing 8N1 when framed is
// true. It fails if path is already open under this Manager.
func (m *Manager) OpenPrimary(path string, settings Settings, framed bool) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.devices[path]; exists {
		return nil, fmt.Errorf("serialmgr: %s already has a primary bridge", path)
	}
	mode := settings.toMode(framed)
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("serialmgr: open %s: %w", path, err)
	}
	if err := port.SetReadTimeout(DefaultReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("serialmgr: set read timeout on %s: %w", path, err)
	}
	dev := &sharedDevice{
		path:      path,
		port:      port,
		settings:  settings,
		forced8N1: framed,
		refCount:  1,
		logger:    m.logger,
	}
	m.devices[path] = dev
	m.logger.Log(rlog.LevelInfo, "serialmgr: opened %s at %d baud (8N1 forced: %v)", path, settings.Baud, framed)
	dev.startHotplug(m)
	return &Handle{mgr: m, device: dev, primary: true}, nil
}

// OpenSecondary attaches to a device already opened by a primary
// bridge. The requested settings are ignored (a diagnostic is logged)
// since the primary bridge dictates the physical line parameters.
func (m *Manager) OpenSecondary(path string, requested Settings) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, exists := m.devices[path]
	if !exists {
		return nil, fmt.Errorf("serialmgr: %s has no primary bridge open yet", path)
	}
	dev.refMu.Lock()
	dev.refCount++
	dev.refMu.Unlock()
	if requested != (Settings{}) && requested != dev.settings {
		m.logger.Log(rlog.LevelWarn, "serialmgr: secondary bridge on %s requested different serial settings; ignoring", path)
	}
	return &Handle{mgr: m, device: dev}, nil
}

// hotplugPollInterval is the bounded fallback poll rate used when an
// fsnotify watch on the device's parent directory cannot be
// established (the directory does not exist yet, inotify limits are
// exhausted, and so on).
const hotplugPollInterval = 5 * time.Second

func (d *sharedDevice) startHotplug(m *Manager) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.logger.Log(rlog.LevelWarn, "serialmgr: hotplug watch unavailable for %s, falling back to polling: %v", d.path, err)
		d.startHotplugPoll(m)
		return
	}
	dir := filepath.Dir(d.path)
	base := filepath.Base(d.path)
	if err := watcher.Add(dir); err != nil {
		m.logger.Log(rlog.LevelWarn, "serialmgr: cannot watch %s for hotplug, falling back to polling: %v", dir, err)
		watcher.Close()
		d.startHotplugPoll(m)
		return
	}
	d.hotplugStop = make(chan struct{})
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-d.hotplugStop:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if ev.Op&fsnotify.Create != 0 {
					d.reopen(m)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.logger.Log(rlog.LevelWarn, "serialmgr: hotplug watch error on %s: %v", d.path, err)
			}
		}
	}()
}

// startHotplugPoll drives reopen attempts on a fixed interval instead
// of an fsnotify event, for filesystems or environments where a
// directory watch cannot be established.
func (d *sharedDevice) startHotplugPoll(m *Manager) {
	d.hotplugStop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(hotplugPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-d.hotplugStop:
				return
			case <-ticker.C:
				if _, err := os.Stat(d.path); err == nil && d.port == nil {
					d.reopen(m)
				}
			}
		}
	}()
}

func (d *sharedDevice) reopen(m *Manager) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	d.readMu.Lock()
	defer d.readMu.Unlock()

	if d.port != nil {
		d.port.Close()
	}
	mode := d.settings.toMode(d.forced8N1)
	port, err := serial.Open(d.path, mode)
	if err != nil {
		m.logger.Log(rlog.LevelWarn, "serialmgr: hotplug reopen of %s failed: %v", d.path, err)
		d.port = nil
		return
	}
	if err := port.SetReadTimeout(DefaultReadTimeout); err != nil {
		m.logger.Log(rlog.LevelWarn, "serialmgr: hotplug reopen of %s: set read timeout: %v", d.path, err)
	}
	d.port = port
	m.logger.Log(rlog.LevelInfo, "serialmgr: %s reappeared, reopened", d.path)
}

// Read performs one bounded-duration read from the shared device. A
// timeout is reported as (0, nil), matching the codec's expectation
// that timeouts are a scheduling artifact, not a stream error.
func (h *Handle) Read(buf []byte) (int, error) {
	h.device.readMu.Lock()
	defer h.device.readMu.Unlock()
	if h.device.port == nil {
		time.Sleep(DefaultReadTimeout)
		return 0, nil
	}
	n, err := h.device.port.Read(buf)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

// Write sends one already-framed byte sequence atomically: no other
// writer's bytes can interleave with it.
func (h *Handle) Write(frame []byte) error {
	h.device.writeMu.Lock()
	defer h.device.writeMu.Unlock()
	if h.device.port == nil {
		return fmt.Errorf("serialmgr: %s not currently open", h.device.path)
	}
	_, err := h.device.port.Write(frame)
	return err
}

// Close releases this bridge's reference to the shared device,
// closing the underlying port once every referencing bridge has
// closed its Handle.
func (h *Handle) Close() error {
	dev := h.device
	dev.refMu.Lock()
	dev.refCount--
	remaining := dev.refCount
	dev.refMu.Unlock()
	if remaining > 0 {
		return nil
	}
	h.mgr.mu.Lock()
	delete(h.mgr.devices, dev.path)
	h.mgr.mu.Unlock()
	if dev.hotplugStop != nil {
		close(dev.hotplugStop)
	}
	if dev.port != nil {
		return dev.port.Close()
	}
	return nil
}
