// Package translate implements the protocol translator (KISS, XKISS,
// and AGWPE wire-format conversions) and the KISS channel filter/remap
// rules that sit between a cross-connect's source and destination
// endpoints.
package translate

import (
	"fmt"

	"kissbridge/internal/ax25"
	"kissbridge/internal/kiss"
)

// ChannelFilter implements the KISS port filter and remap rules: when
// KissChan is 0-15, only frames on that port pass, and they are
// rewritten to port 0 on the way out to legacy single-channel client
// applications, and back on the way in. KissChan of -1 disables both
// filtering and remapping.
type ChannelFilter struct {
	KissChan int
}

// Outgoing filters and remaps a frame moving from the TNC toward a
// client. keep is false when the frame's port does not match
// KissChan and the frame must be dropped.
func (f ChannelFilter) Outgoing(commandByte byte) (rewritten byte, keep bool) {
	if f.KissChan < 0 {
		return commandByte, true
	}
	if kiss.Port(commandByte) != f.KissChan {
		return 0, false
	}
	return kiss.WithPort(commandByte, 0), true
}

// Incoming remaps a channel-0 frame moving from a client toward the
// TNC onto the configured channel. Frames already on a non-zero
// channel pass through unchanged.
func (f ChannelFilter) Incoming(commandByte byte) byte {
	if f.KissChan < 0 {
		return commandByte
	}
	if kiss.Port(commandByte) == 0 {
		return kiss.WithPort(commandByte, f.KissChan)
	}
	return commandByte
}

// RewritePort sets the high nibble (port field) of a command byte,
// used for KISS<->KISS and KISS<->XKISS bridges where source and
// destination disagree on port numbering.
func RewritePort(commandByte byte, newPort int) byte {
	return kiss.WithPort(commandByte, newPort)
}

// Checksum computes the modular 8-bit sum of a command byte and
// payload bytes, the trailing byte an XKISS connection may append.
func Checksum(commandByte byte, payload []byte) byte {
	sum := commandByte
	for _, b := range payload {
		sum += b
	}
	return sum
}

// AppendChecksum returns payload with an XKISS modular-sum checksum
// byte appended.
func AppendChecksum(commandByte byte, payload []byte) []byte {
	out := make([]byte, len(payload)+1)
	copy(out, payload)
	out[len(payload)] = Checksum(commandByte, payload)
	return out
}

// VerifyAndStripChecksum validates a trailing XKISS checksum byte and
// returns the payload with it removed. ok is false (and the frame
// must be dropped, an XkissChecksumMismatch) when the checksum does
// not match or the payload is empty.
func VerifyAndStripChecksum(commandByte byte, payload []byte) (stripped []byte, ok bool) {
	if len(payload) == 0 {
		return payload, false
	}
	body := payload[:len(payload)-1]
	want := payload[len(payload)-1]
	return body, Checksum(commandByte, body) == want
}

// ReframeLarge splits a KISS data frame's AX.25 information field
// into multiple frames of at most maxChunk bytes each once the
// address/control/PID header is included, repeating that header on
// every chunk. No reassembly sequence numbers are added; the receiver
// sees independent frames. If the frame already fits, payload is
// returned as the sole element.
func ReframeLarge(payload []byte, maxChunk int) ([][]byte, error) {
	if len(payload) <= maxChunk {
		return [][]byte{payload}, nil
	}
	h, err := ax25.ParseHeader(payload)
	if err != nil {
		return nil, fmt.Errorf("translate: cannot reframe, %w", err)
	}
	header := payload[:h.HeaderLength]
	info := payload[h.HeaderLength:]
	infoChunk := maxChunk - len(header)
	if infoChunk <= 0 {
		return nil, fmt.Errorf("translate: header alone (%d bytes) exceeds max chunk %d", len(header), maxChunk)
	}
	var out [][]byte
	for i := 0; i < len(info); i += infoChunk {
		end := i + infoChunk
		if end > len(info) {
			end = len(info)
		}
		chunk := make([]byte, 0, len(header)+(end-i))
		chunk = append(chunk, header...)
		chunk = append(chunk, info[i:end]...)
		out = append(out, chunk)
	}
	return out, nil
}
