// Package config parses the key=value configuration file format that
// drives a running set of cross-connect bridges: numbered
// serial_portNNNN / cross_connectNNNN entries with per-entry suffixed
// flags, plus a handful of global settings.
package config

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"kissbridge/internal/bridge"
	"kissbridge/internal/serialmgr"
)

// GlobalConfig holds settings that apply to the whole process rather
// than to one cross-connect.
type GlobalConfig struct {
	LogLevel        int
	LogFile         string
	PIDFile         string
	PCAPFile        string
	LogToConsole    bool
	QuietStartup    bool
	MaxTCPClients   int
	AGWServerEnable bool
	AGWServerAddr   string
	AGWServerPort   int
	AGWMaxClients   int
}

// SerialPortConfig is one serial_portNNNN entry: a physical device and
// the line parameters used when this port is designated primary.
type SerialPortConfig struct {
	ID           string
	Device       string
	Baud         int
	FlowControl  serialmgr.FlowControl
	StopBits     serialmgr.StopBits
	Parity       serialmgr.Parity
	ExtendedKiss bool
}

// EndpointKind distinguishes the two endpoint shapes a cross-connect
// side may name.
type EndpointKind int

const (
	EndpointTCP EndpointKind = iota
	EndpointSerial
)

// EndpointRef is one side ("endpoint_a" or "endpoint_b") of a
// cross-connect, as written in the config file: either
// "tcp:address:port" or "serial:port_id:kiss_port".
type EndpointRef struct {
	Kind         EndpointKind
	TCPAddress   string
	TCPPort      int
	SerialPortID string
	KissPort     int
}

// CrossConnectConfig is one cross_connectNNNN entry plus its
// per-connect flags.
type CrossConnectConfig struct {
	ID       string
	Source   EndpointRef
	Dest     EndpointRef
	KissPort int

	PhilFlag    bool
	Dump        bool
	ParseKiss   bool
	DumpAX25    bool
	RawCopy     bool
	IsPrimary   bool

	XkissMode         bool
	XkissPort         int
	XkissChecksum     bool
	XkissPolling      bool
	XkissPollTimerMS  int
	XkissRXBufferSize int

	KissChan int
	KissCopy bool

	ReframeLargePackets   bool
	TcpToTcpDangerous     bool
	TcpToTcpAlsoDangerous bool

	AGWEnable bool
	AGWPort   int
}

// Config is the fully parsed configuration file.
type Config struct {
	Global        GlobalConfig
	SerialPorts   map[string]SerialPortConfig
	CrossConnects []CrossConnectConfig
}

// Load reads and validates the key=value config file at path.
// Structural or range errors are wrapped in bridge.ErrConfigInvalid so
// callers can distinguish them from I/O errors reading the file
// itself.
func Load(path string) (*Config, error) {
	raw, err := readKeyValues(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	serialPorts, err := parseSerialPorts(raw)
	if err != nil {
		return nil, err
	}

	crossConnects, err := parseCrossConnects(raw, serialPorts)
	if err != nil {
		return nil, err
	}
	if len(crossConnects) == 0 && len(serialPorts) > 0 {
		crossConnects = append(crossConnects, defaultCrossConnect(serialPorts))
	}

	global, err := parseGlobal(raw)
	if err != nil {
		return nil, err
	}

	return &Config{Global: global, SerialPorts: serialPorts, CrossConnects: crossConnects}, nil
}

func readKeyValues(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if len(value) >= 2 && strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`) {
			value = value[1 : len(value)-1]
		}
		if _, dup := out[key]; dup && strings.HasPrefix(key, "cross_connect") && len(key) == len("cross_connect")+4 {
			return nil, fmt.Errorf("duplicate cross-connect id %q: %w", key[len("cross_connect"):], bridge.ErrConfigInvalid)
		}
		out[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func parseSerialPorts(raw map[string]string) (map[string]SerialPortConfig, error) {
	ids := numberedIDs(raw, "serial_port")
	ports := make(map[string]SerialPortConfig, len(ids))
	for _, id := range ids {
		device, ok := raw["serial_port"+id]
		if !ok {
			return nil, fmt.Errorf("config: missing device for serial_port%s: %w", id, bridge.ErrConfigInvalid)
		}
		baud := 9600
		if v, ok := raw["serial_port"+id+"_baud"]; ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("config: serial_port%s_baud: %w", id, bridge.ErrConfigInvalid)
			}
			baud = n
		}
		flow, err := parseFlowControl(raw["serial_port"+id+"_flow_control"])
		if err != nil {
			return nil, fmt.Errorf("config: serial_port%s_flow_control: %w", id, err)
		}
		stop, err := parseStopBits(raw["serial_port"+id+"_stop_bits"])
		if err != nil {
			return nil, fmt.Errorf("config: serial_port%s_stop_bits: %w", id, err)
		}
		parity, err := parseParity(raw["serial_port"+id+"_parity"])
		if err != nil {
			return nil, fmt.Errorf("config: serial_port%s_parity: %w", id, err)
		}
		ports[id] = SerialPortConfig{
			ID:           id,
			Device:       device,
			Baud:         baud,
			FlowControl:  flow,
			StopBits:     stop,
			Parity:       parity,
			ExtendedKiss: parseBoolDefault(raw["serial_port"+id+"_extended_kiss"], false),
		}
	}
	return ports, nil
}

func parseCrossConnects(raw map[string]string, serialPorts map[string]SerialPortConfig) ([]CrossConnectConfig, error) {
	seen := make(map[string]bool)
	var ids []string
	for key := range raw {
		if !strings.HasPrefix(key, "cross_connect") {
			continue
		}
		rest := key[len("cross_connect"):]
		if len(rest) < 4 {
			continue
		}
		id := rest[:4]
		if seen[id] {
			continue
		}
		// Only a bare "cross_connectNNNN" (no further suffix) anchors
		// an ID; "cross_connectNNNN_flag" entries hang off it.
		if _, ok := raw["cross_connect"+id]; !ok {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []CrossConnectConfig
	for _, id := range ids {
		value := raw["cross_connect"+id]
		a, b, found := strings.Cut(value, "<->")
		if !found {
			return nil, fmt.Errorf("config: cross_connect%s malformed, expected \"a <-> b\": %w", id, bridge.ErrConfigInvalid)
		}
		src, err := parseEndpoint(strings.TrimSpace(a), serialPorts)
		if err != nil {
			return nil, fmt.Errorf("config: cross_connect%s endpoint_a: %w", id, err)
		}
		dst, err := parseEndpoint(strings.TrimSpace(b), serialPorts)
		if err != nil {
			return nil, fmt.Errorf("config: cross_connect%s endpoint_b: %w", id, err)
		}

		cc := CrossConnectConfig{
			ID:     id,
			Source: src,
			Dest:   dst,

			PhilFlag:  parseBoolDefault(raw["cross_connect"+id+"_phil_flag"], false),
			Dump:      parseBoolDefault(raw["cross_connect"+id+"_dump"], false),
			ParseKiss: parseBoolDefault(raw["cross_connect"+id+"_parse_kiss"], false),
			DumpAX25:  parseBoolDefault(raw["cross_connect"+id+"_dump_ax25"], false),
			RawCopy:   parseBoolDefault(raw["cross_connect"+id+"_raw_copy"], false),
			IsPrimary: parseBoolDefault(raw["cross_connect"+id+"_is_primary_port"], false),

			XkissMode:     parseBoolDefault(raw["cross_connect"+id+"_xkiss_mode"], false),
			XkissChecksum: parseBoolDefault(raw["cross_connect"+id+"_xkiss_checksum"], false),
			XkissPolling:  parseBoolDefault(raw["cross_connect"+id+"_xkiss_polling"], false),

			KissCopy: parseBoolDefault(raw["cross_connect"+id+"_kiss_copy"], false),

			ReframeLargePackets:   parseBoolDefault(raw["cross_connect"+id+"_reframe_large_packets"], false),
			TcpToTcpDangerous:     parseBoolDefault(raw["cross_connect"+id+"_tcp_to_tcp_dangerous"], false),
			TcpToTcpAlsoDangerous: parseBoolDefault(raw["cross_connect"+id+"_tcp_to_tcp_also_dangerous"], false),

			AGWEnable: parseBoolDefault(raw["cross_connect"+id+"_agw_enable"], false),
		}

		if cc.KissPort, err = parseIntRange(raw["cross_connect"+id+"_kiss_port"], 0, 0, 15); err != nil {
			return nil, fmt.Errorf("config: cross_connect%s_kiss_port: %w", id, err)
		}
		if cc.XkissPort, err = parseIntRange(raw["cross_connect"+id+"_xkiss_port"], 0, 0, 15); err != nil {
			return nil, fmt.Errorf("config: cross_connect%s_xkiss_port: %w", id, err)
		}
		if cc.AGWPort, err = parseIntRange(raw["cross_connect"+id+"_agw_port"], 0, 0, 255); err != nil {
			return nil, fmt.Errorf("config: cross_connect%s_agw_port: %w", id, err)
		}
		if cc.KissChan, err = parseIntRange(raw["cross_connect"+id+"_kiss_chan"], -1, -1, 15); err != nil {
			return nil, fmt.Errorf("config: cross_connect%s_kiss_chan: %w", id, err)
		}
		if cc.XkissPollTimerMS, err = parseIntRange(raw["cross_connect"+id+"_xkiss_poll_timer_ms"], 100, 1, 1<<30); err != nil {
			return nil, fmt.Errorf("config: cross_connect%s_xkiss_poll_timer_ms: %w", id, err)
		}
		if cc.XkissRXBufferSize, err = parseIntRange(raw["cross_connect"+id+"_xkiss_rx_buffer_size"], 65536, 4096, 1048576); err != nil {
			return nil, fmt.Errorf("config: cross_connect%s_xkiss_rx_buffer_size: %w", id, err)
		}

		if src.Kind == EndpointTCP && dst.Kind == EndpointTCP && !cc.TcpToTcpDangerous {
			return nil, fmt.Errorf("config: cross_connect%s connects two TCP endpoints without tcp_to_tcp_dangerous=true: %w", id, bridge.ErrConfigInvalid)
		}

		out = append(out, cc)
	}
	return out, nil
}

func defaultCrossConnect(serialPorts map[string]SerialPortConfig) CrossConnectConfig {
	var firstID string
	for id := range serialPorts {
		if firstID == "" || id < firstID {
			firstID = id
		}
	}
	return CrossConnectConfig{
		ID:                "0000",
		Source:            EndpointRef{Kind: EndpointSerial, SerialPortID: firstID, KissPort: 0},
		Dest:              EndpointRef{Kind: EndpointTCP, TCPAddress: "0.0.0.0", TCPPort: 8001},
		XkissRXBufferSize: 65536,
		XkissPollTimerMS:  100,
		KissChan:          -1,
	}
}

func parseEndpoint(s string, serialPorts map[string]SerialPortConfig) (EndpointRef, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return EndpointRef{}, fmt.Errorf("%q: expected \"tcp:address:port\" or \"serial:port_id:kiss_port\": %w", s, bridge.ErrConfigInvalid)
	}
	switch parts[0] {
	case "tcp":
		port, err := strconv.Atoi(parts[2])
		if err != nil {
			return EndpointRef{}, fmt.Errorf("invalid TCP port %q: %w", parts[2], bridge.ErrConfigInvalid)
		}
		return EndpointRef{Kind: EndpointTCP, TCPAddress: parts[1], TCPPort: port}, nil
	case "serial":
		kissPort, err := strconv.Atoi(parts[2])
		if err != nil || kissPort < 0 || kissPort > 15 {
			return EndpointRef{}, fmt.Errorf("invalid KISS port %q: %w", parts[2], bridge.ErrConfigInvalid)
		}
		if _, ok := serialPorts[parts[1]]; !ok {
			return EndpointRef{}, fmt.Errorf("unknown serial port id %q: %w", parts[1], bridge.ErrConfigInvalid)
		}
		return EndpointRef{Kind: EndpointSerial, SerialPortID: parts[1], KissPort: kissPort}, nil
	default:
		return EndpointRef{}, fmt.Errorf("unknown endpoint type %q: %w", parts[0], bridge.ErrConfigInvalid)
	}
}

func parseGlobal(raw map[string]string) (GlobalConfig, error) {
	g := GlobalConfig{
		LogLevel:      5,
		LogToConsole:  true,
		MaxTCPClients: 3,
		AGWServerAddr: "0.0.0.0",
		AGWServerPort: 8000,
		AGWMaxClients: 8,
	}
	if v, ok := raw["log_level"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 9 {
			return GlobalConfig{}, fmt.Errorf("config: log_level must be 0-9: %w", bridge.ErrConfigInvalid)
		}
		g.LogLevel = n
	}
	g.LogFile = raw["logfile"]
	g.PIDFile = raw["pidfile"]
	g.PCAPFile = raw["pcap_file"]
	g.LogToConsole = parseBoolDefault(raw["log_to_console"], true)
	g.QuietStartup = parseBoolDefault(raw["quiet_startup"], false)
	if v, ok := raw["max_tcp_clients"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return GlobalConfig{}, fmt.Errorf("config: max_tcp_clients must be >= 1: %w", bridge.ErrConfigInvalid)
		}
		g.MaxTCPClients = n
	}
	g.AGWServerEnable = parseBoolDefault(raw["agw_server_enable"], false)
	if v, ok := raw["agw_server_address"]; ok {
		g.AGWServerAddr = v
	}
	if v, ok := raw["agw_server_port"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return GlobalConfig{}, fmt.Errorf("config: agw_server_port: %w", bridge.ErrConfigInvalid)
		}
		g.AGWServerPort = n
	}
	if v, ok := raw["agw_max_clients"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return GlobalConfig{}, fmt.Errorf("config: agw_max_clients must be >= 1: %w", bridge.ErrConfigInvalid)
		}
		g.AGWMaxClients = n
	}
	return g, nil
}

func numberedIDs(raw map[string]string, prefix string) []string {
	seen := make(map[string]bool)
	var ids []string
	for key := range raw {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := key[len(prefix):]
		id, _, _ := strings.Cut(rest, "_")
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func parseIntRange(v string, def, min, max int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < min || n > max {
		return 0, fmt.Errorf("must be between %d and %d: %w", min, max, bridge.ErrConfigInvalid)
	}
	return n, nil
}

func parseBoolDefault(v string, def bool) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func parseFlowControl(v string) (serialmgr.FlowControl, error) {
	switch strings.ToLower(v) {
	case "", "none", "off", "no":
		return serialmgr.FlowNone, nil
	case "software", "xon", "xonxoff", "xon-xoff":
		return serialmgr.FlowSoftware, nil
	case "hardware", "rtscts", "rts-cts", "rts/cts":
		return serialmgr.FlowHardware, nil
	case "dtrdsr", "dtr-dsr", "dtr/dsr":
		return serialmgr.FlowDTRDSR, nil
	default:
		return 0, fmt.Errorf("unrecognized flow control %q: %w", v, bridge.ErrConfigInvalid)
	}
}

func parseStopBits(v string) (serialmgr.StopBits, error) {
	switch v {
	case "", "1", "one":
		return serialmgr.StopBits1, nil
	case "2", "two":
		return serialmgr.StopBits2, nil
	default:
		return 0, fmt.Errorf("unrecognized stop bits %q: %w", v, bridge.ErrConfigInvalid)
	}
}

func parseParity(v string) (serialmgr.Parity, error) {
	switch strings.ToLower(v) {
	case "", "none", "n", "no":
		return serialmgr.ParityNone, nil
	case "odd", "o":
		return serialmgr.ParityOdd, nil
	case "even", "e":
		return serialmgr.ParityEven, nil
	default:
		return 0, fmt.Errorf("unrecognized parity %q: %w", v, bridge.ErrConfigInvalid)
	}
}
