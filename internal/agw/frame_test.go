package agw

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundtrip(t *testing.T) {
	f := MakeFrame(3, KindRaw, "KE4AHR-7", "APRS", []byte{0x01, 0x02, 0x03})
	b, err := Encode(f)
	require.NoError(t, err)
	require.Len(t, b, HeaderLen+3)

	decoded, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, uint8(3), decoded.Header.Port)
	assert.Equal(t, KindRaw, decoded.Header.Kind)
	assert.Equal(t, "KE4AHR-7", decoded.Header.CallFrom)
	assert.Equal(t, "APRS", decoded.Header.CallTo)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, decoded.Data)
}

func TestMakeFramePIDDefaults(t *testing.T) {
	assert.Equal(t, uint8(0xF0), MakeFrame(0, KindRaw, "", "", nil).Header.PID)
	assert.Equal(t, uint8(0x00), MakeFrame(0, KindMonitorOn, "", "", nil).Header.PID)
}

func TestDecodeIncompleteHeader(t *testing.T) {
	_, err := Decode(make([]byte, 10))
	assert.Error(t, err)
}

func TestDecodeIncompletePayload(t *testing.T) {
	f := MakeFrame(0, KindRaw, "A", "B", []byte{1, 2, 3, 4})
	b, err := Encode(f)
	require.NoError(t, err)
	_, err = Decode(b[:len(b)-2])
	assert.Error(t, err)
}

func TestReadFrameHeaderOnly(t *testing.T) {
	f := MakeFrame(1, KindMonitorOn, "", "", nil)
	b, err := Encode(f)
	require.NoError(t, err)
	reader := bufio.NewReader(bytes.NewReader(b))
	got, err := ReadFrame(reader)
	require.NoError(t, err)
	assert.Equal(t, KindMonitorOn, got.Header.Kind)
}

func TestReadFrameWithPayload(t *testing.T) {
	f := MakeFrame(1, KindRaw, "N0CALL", "APRS", []byte("hello"))
	b, err := Encode(f)
	require.NoError(t, err)
	reader := bufio.NewReader(bytes.NewReader(b))
	got, err := ReadFrame(reader)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got.Data)
}

func TestReadFrameTwoFramesBackToBack(t *testing.T) {
	f1 := MakeFrame(0, KindMonitorOn, "", "", nil)
	f2 := MakeFrame(0, KindRaw, "A", "B", []byte("x"))
	b1, _ := Encode(f1)
	b2, _ := Encode(f2)
	reader := bufio.NewReader(bytes.NewReader(append(b1, b2...)))

	got1, err := ReadFrame(reader)
	require.NoError(t, err)
	assert.Equal(t, KindMonitorOn, got1.Header.Kind)

	got2, err := ReadFrame(reader)
	require.NoError(t, err)
	assert.Equal(t, KindRaw, got2.Header.Kind)
	assert.Equal(t, []byte("x"), got2.Data)
}
