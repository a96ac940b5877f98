// Command kissbridge starts a set of cross-connect bridges described
// by a key=value configuration file: KISS/XKISS TCP and serial
// endpoints, optional AGWPE fan-out, and optional libpcap capture.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"kissbridge/internal/agw"
	"kissbridge/internal/bridge"
	"kissbridge/internal/config"
	"kissbridge/internal/endpoint"
	"kissbridge/internal/kiss"
	"kissbridge/internal/pcap"
	"kissbridge/internal/rlog"
	"kissbridge/internal/serialmgr"
)

const (
	exitOK            = 0
	exitConfigInvalid = 1
	exitNoBridgesUp   = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	var verbosity int
	var quiet bool
	pflag.StringVarP(&configPath, "config", "c", "kissbridge.conf", "path to the cross-connect configuration file")
	pflag.CountVarP(&verbosity, "verbose", "v", "increase log verbosity (repeatable)")
	pflag.BoolVarP(&quiet, "quiet", "q", false, "suppress startup banner")
	pflag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kissbridge: %v\n", err)
		return exitConfigInvalid
	}

	level := rlog.LevelFromVerbosity(cfg.Global.LogLevel)
	if verbosity > 0 {
		level = rlog.LevelFromVerbosity(cfg.Global.LogLevel + verbosity*2)
	}
	logOut := os.Stdout
	if cfg.Global.LogFile != "" {
		f, err := os.OpenFile(cfg.Global.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "kissbridge: opening logfile: %v\n", err)
			return exitConfigInvalid
		}
		defer f.Close()
		logOut = f
	}
	logger := rlog.New(level, logOut)
	if !cfg.Global.LogToConsole && cfg.Global.LogFile == "" {
		logger.Threshold = rlog.LevelError
	}

	if !quiet && !cfg.Global.QuietStartup {
		logger.Log(rlog.LevelNotice, "kissbridge: starting with %d serial port(s), %d cross-connect(s)", len(cfg.SerialPorts), len(cfg.CrossConnects))
	}

	if cfg.Global.PIDFile != "" {
		if err := os.WriteFile(cfg.Global.PIDFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644); err != nil {
			logger.Log(rlog.LevelWarn, "kissbridge: writing pidfile: %v", err)
		} else {
			defer os.Remove(cfg.Global.PIDFile)
		}
	}

	var capture pcap.Capture
	if cfg.Global.PCAPFile != "" {
		w, err := pcap.NewWriter(cfg.Global.PCAPFile)
		if err != nil {
			logger.Log(rlog.LevelError, "kissbridge: opening capture file: %v", err)
			return exitConfigInvalid
		}
		defer w.Close()
		capture = w
	}

	serialMgr := serialmgr.NewManager(logger)

	var agwServer *agw.Server
	agwRoutes := make(map[uint8]*bridge.Bridge)
	if cfg.Global.AGWServerEnable {
		var ports []agw.PortInfo
		for i, cc := range cfg.CrossConnects {
			if cc.AGWEnable {
				ports = append(ports, agw.PortInfo{Port: uint8(cc.AGWPort), Description: fmt.Sprintf("cross-connect %s (%d)", cc.ID, i)})
			}
		}
		submit := func(agwPort uint8, commandByte byte, payload []byte) error {
			br, ok := agwRoutes[agwPort]
			if !ok {
				return fmt.Errorf("kissbridge: no cross-connect registered for AGW port %d", agwPort)
			}
			commandByte = kiss.WithPort(commandByte, br.Config.DestKissPort)
			return br.Dest.Send(kiss.Encode(commandByte, payload))
		}
		addr := fmt.Sprintf("%s:%d", cfg.Global.AGWServerAddr, cfg.Global.AGWServerPort)
		agwServer = agw.NewServer(addr, cfg.Global.AGWMaxClients, ports, submit, logger)
	}

	stop := make(chan struct{})
	var running []*bridge.Bridge
	serialHandles := make(map[string]*serialmgr.Handle)

	for _, cc := range cfg.CrossConnects {
		// raw_copy is the only mode that honors a serial port's own
		// framing; every other mode (plain KISS, XKISS, AGW) forces
		// the device to 8N1 regardless of extended_kiss.
		framed := !cc.RawCopy
		src, srcIsTCP, err := resolveEndpoint(cc.Source, cfg, serialMgr, serialHandles, cc.IsPrimary, framed, logger)
		if err != nil {
			logger.Log(rlog.LevelError, "kissbridge: cross-connect %s source: %v", cc.ID, err)
			continue
		}
		dst, dstIsTCP, err := resolveEndpoint(cc.Dest, cfg, serialMgr, serialHandles, cc.IsPrimary, framed, logger)
		if err != nil {
			logger.Log(rlog.LevelError, "kissbridge: cross-connect %s dest: %v", cc.ID, err)
			continue
		}

		// Each side's routing port comes from its own endpoint spec
		// (serial:port_id:kiss_port carries one independently); a TCP
		// side has no such per-endpoint port, so it falls back to the
		// cross-connect's own kiss_port. xkiss_mode then overrides
		// whichever side is TCP with xkiss_port, giving KISS<->XKISS
		// translation its own port number in the mapping table
		// distinct from the plain-KISS side.
		sourceKissPort := cc.KissPort
		if cc.Source.Kind == config.EndpointSerial {
			sourceKissPort = cc.Source.KissPort
		}
		destKissPort := cc.KissPort
		if cc.Dest.Kind == config.EndpointSerial {
			destKissPort = cc.Dest.KissPort
		}
		if cc.XkissMode {
			if cc.Source.Kind == config.EndpointTCP {
				sourceKissPort = cc.XkissPort
			}
			if cc.Dest.Kind == config.EndpointTCP {
				destKissPort = cc.XkissPort
			}
		}

		bcfg := bridge.Config{
			ID:                    cc.ID,
			SourceKissPort:        sourceKissPort,
			DestKissPort:          destKissPort,
			PhilFlag:              cc.PhilFlag,
			RawCopy:               cc.RawCopy,
			ParseKiss:             cc.ParseKiss,
			DumpAX25:              cc.DumpAX25,
			KissChan:              cc.KissChan,
			KissCopy:              cc.KissCopy,
			// xkiss_mode/xkiss_checksum describe the cross-connect as a
			// whole, but the checksum byte only ever rides on the side
			// actually speaking XKISS (the TCP side, per the same
			// convention xkiss_port uses); keying both sides off the
			// same flag makes the plain-KISS side's checksum-less
			// frames fail verification and get dropped.
			XkissChecksumSource:   cc.XkissMode && cc.XkissChecksum && srcIsTCP,
			XkissChecksumDest:     cc.XkissMode && cc.XkissChecksum && dstIsTCP,
			XkissPolling:          cc.XkissMode && cc.XkissPolling,
			XkissPollTimerMS:      cc.XkissPollTimerMS,
			XkissRXBufferSize:     cc.XkissRXBufferSize,
			ReframeLargePackets:   cc.ReframeLargePackets,
			SourceIsTCP:           srcIsTCP,
			DestIsTCP:             dstIsTCP,
			TcpToTcpDangerous:     cc.TcpToTcpDangerous,
			TcpToTcpAlsoDangerous: cc.TcpToTcpAlsoDangerous,
			AGWEnable:             cc.AGWEnable,
			AGWPort:               uint8(cc.AGWPort),
		}
		br := bridge.New(bcfg, src, dst, logger, capture, agwServer)
		if cc.AGWEnable {
			agwRoutes[uint8(cc.AGWPort)] = br
		}
		running = append(running, br)
		go br.Run(stop)
		logger.Log(rlog.LevelNotice, "kissbridge: cross-connect %s running", cc.ID)
	}

	if len(running) == 0 {
		logger.Log(rlog.LevelError, "kissbridge: no cross-connects came up, exiting")
		return exitNoBridgesUp
	}

	if agwServer != nil {
		go func() {
			if err := agwServer.ListenAndServe(stop); err != nil {
				logger.Log(rlog.LevelError, "kissbridge: AGW server: %v", err)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logger.Log(rlog.LevelNotice, "kissbridge: shutting down")
	close(stop)
	return exitOK
}

// resolveEndpoint turns a config.EndpointRef into a live
// endpoint.Endpoint. A TCP endpoint bound to a wildcard or empty
// address is treated as a listening fan-out server (the common case of
// a KISS TCP port serving client applications); any other address is
// treated as an outbound connection to dial.
func resolveEndpoint(ref config.EndpointRef, cfg *config.Config, mgr *serialmgr.Manager, handles map[string]*serialmgr.Handle, isPrimary, framed bool, logger rlog.Logger) (endpoint.Endpoint, bool, error) {
	switch ref.Kind {
	case config.EndpointTCP:
		addr := fmt.Sprintf("%s:%d", ref.TCPAddress, ref.TCPPort)
		if ref.TCPAddress == "" || ref.TCPAddress == "0.0.0.0" || ref.TCPAddress == "::" {
			srv, err := endpoint.NewTCPServer(addr, cfg.Global.MaxTCPClients, logger)
			if err != nil {
				return nil, true, fmt.Errorf("%v: %w", err, bridge.ErrBindFailed)
			}
			return srv, true, nil
		}
		return endpoint.NewTCPClient(addr, logger), true, nil

	case config.EndpointSerial:
		h, ok := handles[ref.SerialPortID]
		if !ok {
			portCfg, ok := cfg.SerialPorts[ref.SerialPortID]
			if !ok {
				return nil, false, fmt.Errorf("unknown serial port id %q", ref.SerialPortID)
			}
			settings := serialmgr.Settings{
				Baud:        portCfg.Baud,
				DataBits:    8,
				Parity:      portCfg.Parity,
				StopBits:    portCfg.StopBits,
				FlowControl: portCfg.FlowControl,
			}
			var handle *serialmgr.Handle
			var err error
			if isPrimary {
				handle, err = mgr.OpenPrimary(portCfg.Device, settings, framed)
			} else {
				handle, err = mgr.OpenSecondary(portCfg.Device, settings)
				if err != nil {
					handle, err = mgr.OpenPrimary(portCfg.Device, settings, framed)
				}
			}
			if err != nil {
				return nil, false, fmt.Errorf("opening %s: %v: %w", portCfg.Device, err, bridge.ErrDeviceOpenFailed)
			}
			handles[ref.SerialPortID] = handle
			h = handle
		}
		return endpoint.NewSerialPeer(h), false, nil

	default:
		return nil, false, fmt.Errorf("unrecognized endpoint kind %v", ref.Kind)
	}
}
