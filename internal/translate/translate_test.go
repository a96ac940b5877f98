package translate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kissbridge/internal/ax25"
	"kissbridge/internal/kiss"
)

// S4 — Channel filter and remap.
func TestChannelFilterS4(t *testing.T) {
	f := ChannelFilter{KissChan: 3}

	rewritten, keep := f.Outgoing(0x30)
	require.True(t, keep)
	assert.Equal(t, byte(0x00), rewritten)

	_, keep = f.Outgoing(0x20)
	assert.False(t, keep)
}

// Property 6, generalized over ports.
func TestChannelFilterProperty(t *testing.T) {
	for chan_ := 0; chan_ <= 15; chan_++ {
		f := ChannelFilter{KissChan: chan_}
		for port := 0; port <= 15; port++ {
			cb := kiss.MakeCommandByte(port, kiss.CmdData)
			rewritten, keep := f.Outgoing(cb)
			if port != chan_ {
				assert.Falsef(t, keep, "port %d chan %d should be dropped", port, chan_)
				continue
			}
			require.True(t, keep)
			assert.Equal(t, 0, kiss.Port(rewritten))
		}
	}
}

func TestChannelFilterPassthroughWhenDisabled(t *testing.T) {
	f := ChannelFilter{KissChan: -1}
	cb := kiss.MakeCommandByte(5, kiss.CmdData)
	rewritten, keep := f.Outgoing(cb)
	assert.True(t, keep)
	assert.Equal(t, cb, rewritten)
	assert.Equal(t, cb, f.Incoming(cb))
}

func TestChannelFilterIncomingRemap(t *testing.T) {
	f := ChannelFilter{KissChan: 3}
	cb := kiss.MakeCommandByte(0, kiss.CmdData)
	assert.Equal(t, 3, kiss.Port(f.Incoming(cb)))

	// Already non-zero: untouched.
	other := kiss.MakeCommandByte(9, kiss.CmdData)
	assert.Equal(t, other, f.Incoming(other))
}

// Property 2: chaining an XKISS->KISS port rewrite with a KISS->XKISS
// rewrite is equivalent to a single rewrite to the final port.
func TestPortRewriteComposesToFinalPort(t *testing.T) {
	original := kiss.MakeCommandByte(2, kiss.CmdData)
	viaIntermediate := RewritePort(RewritePort(original, 9), 5)
	direct := RewritePort(original, 5)
	assert.Equal(t, direct, viaIntermediate)
}

func TestChecksumRoundtrip(t *testing.T) {
	cmd := byte(0x00)
	payload := []byte{0x01, 0x02, 0x03}
	withSum := AppendChecksum(cmd, payload)
	stripped, ok := VerifyAndStripChecksum(cmd, withSum)
	require.True(t, ok)
	assert.Equal(t, payload, stripped)
}

func TestChecksumMismatchDetected(t *testing.T) {
	cmd := byte(0x00)
	payload := []byte{0x01, 0x02, 0x03, 0xFF} // last byte is not a valid checksum
	_, ok := VerifyAndStripChecksum(cmd, payload)
	assert.False(t, ok)
}

func TestReframeLargeSplitsAndPreservesHeader(t *testing.T) {
	header, err := ax25.BuildUIHeader("APRS", 0, "KE4AHR", 7)
	require.NoError(t, err)
	info := make([]byte, 500)
	for i := range info {
		info[i] = byte(i)
	}
	payload := append(append([]byte{}, header...), info...)

	chunks, err := ReframeLarge(payload, 220)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 220)
		assert.Equal(t, header, c[:len(header)])
	}
	// Reassembling the info fields recovers the original.
	var reassembled []byte
	for _, c := range chunks {
		reassembled = append(reassembled, c[len(header):]...)
	}
	assert.Equal(t, info, reassembled)
}

func TestReframeLargeNoopWhenSmall(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03}
	chunks, err := ReframeLarge(payload, 220)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, payload, chunks[0])
}
