package agw

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kissbridge/internal/ax25"
	"kissbridge/internal/kiss"
)

// S5 — KISS to AGW translation extracts callsigns and preserves the
// AX.25 payload unchanged.
func TestFromKISSExtractsCallsigns(t *testing.T) {
	header, err := ax25.BuildUIHeader("APRS", 0, "KE4AHR", 7)
	require.NoError(t, err)
	payload := append(append([]byte{}, header...), []byte(">test packet")...)

	f, err := FromKISS(2, KindRaw, payload)
	require.NoError(t, err)
	assert.Equal(t, "KE4AHR-7", f.Header.CallFrom)
	assert.Equal(t, "APRS", f.Header.CallTo)
	assert.Equal(t, uint8(2), f.Header.Port)
	assert.Equal(t, payload, f.Data)
}

func TestFromKISSRejectsUnparseablePayload(t *testing.T) {
	_, err := FromKISS(0, KindRaw, []byte{0x01, 0x02})
	assert.Error(t, err)
}

func TestToKISSBuildsCommandByte(t *testing.T) {
	f := MakeFrame(0, KindRaw, "A", "B", []byte{0xAA, 0xBB})
	cmd, payload, err := ToKISS(4, f)
	require.NoError(t, err)
	assert.Equal(t, 4, kiss.Port(cmd))
	assert.Equal(t, kiss.CmdData, kiss.Command(cmd))
	assert.Equal(t, []byte{0xAA, 0xBB}, payload)
}

func TestToKISSRejectsNonRawFrame(t *testing.T) {
	f := MakeFrame(0, KindUnproto, "A", "B", []byte{0x01})
	_, _, err := ToKISS(0, f)
	assert.Error(t, err)
}
