package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kissbridge/internal/bridge"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.conf")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoadParsesSerialPortsAndCrossConnects(t *testing.T) {
	path := writeConfig(t, `
# comment
serial_port0000=/dev/ttyUSB0
serial_port0000_baud=9600
serial_port0000_extended_kiss=false

serial_port0001=/dev/ttyUSB1
serial_port0001_baud=19200
serial_port0001_extended_kiss=true

cross_connect0000=serial:0000:0 <-> tcp:0.0.0.0:8001
cross_connect0000_parse_kiss=true
cross_connect0000_kiss_chan=3

log_level=7
max_tcp_clients=5
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.SerialPorts, 2)
	assert.Equal(t, "/dev/ttyUSB0", cfg.SerialPorts["0000"].Device)
	assert.Equal(t, 19200, cfg.SerialPorts["0001"].Baud)
	assert.True(t, cfg.SerialPorts["0001"].ExtendedKiss)

	require.Len(t, cfg.CrossConnects, 1)
	cc := cfg.CrossConnects[0]
	assert.Equal(t, "0000", cc.ID)
	assert.Equal(t, EndpointSerial, cc.Source.Kind)
	assert.Equal(t, "0000", cc.Source.SerialPortID)
	assert.Equal(t, EndpointTCP, cc.Dest.Kind)
	assert.Equal(t, 8001, cc.Dest.TCPPort)
	assert.True(t, cc.ParseKiss)
	assert.Equal(t, 3, cc.KissChan)

	assert.Equal(t, 7, cfg.Global.LogLevel)
	assert.Equal(t, 5, cfg.Global.MaxTCPClients)
}

func TestLoadCreatesDefaultCrossConnectWhenNoneConfigured(t *testing.T) {
	path := writeConfig(t, "serial_port0000=/dev/ttyUSB0\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.CrossConnects, 1)
	assert.Equal(t, "0000", cfg.CrossConnects[0].ID)
}

func TestLoadRejectsTCPToTCPWithoutDangerousFlag(t *testing.T) {
	path := writeConfig(t, `
cross_connect0000=tcp:0.0.0.0:8001 <-> tcp:0.0.0.0:8002
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, bridge.ErrConfigInvalid))
}

func TestLoadAcceptsTCPToTCPWithDangerousFlag(t *testing.T) {
	path := writeConfig(t, `
cross_connect0000=tcp:0.0.0.0:8001 <-> tcp:0.0.0.0:8002
cross_connect0000_tcp_to_tcp_dangerous=true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.CrossConnects, 1)
	assert.True(t, cfg.CrossConnects[0].TcpToTcpDangerous)
}

func TestLoadRejectsUnknownSerialPortReference(t *testing.T) {
	path := writeConfig(t, `
cross_connect0000=serial:9999:0 <-> tcp:0.0.0.0:8001
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, bridge.ErrConfigInvalid))
}

func TestLoadRejectsOutOfRangeKissPort(t *testing.T) {
	path := writeConfig(t, `
serial_port0000=/dev/ttyUSB0
cross_connect0000=serial:0000:0 <-> tcp:0.0.0.0:8001
cross_connect0000_kiss_port=99
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, bridge.ErrConfigInvalid))
}

func TestLoadRejectsMalformedCrossConnectLine(t *testing.T) {
	path := writeConfig(t, `
cross_connect0000=not-a-valid-line
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, bridge.ErrConfigInvalid))
}

func TestLoadReturnsErrorForMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/to/config")
	assert.Error(t, err)
}
