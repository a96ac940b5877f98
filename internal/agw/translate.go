package agw

import (
	"fmt"

	"kissbridge/internal/ax25"
	"kissbridge/internal/kiss"
)

// FromKISS converts a KISS data frame's AX.25 payload into an AGWPE
// frame addressed to agwPort, extracting the source and destination
// callsigns from the AX.25 header. kind selects 'K' (an addressed raw
// frame) or 'U' (unproto monitor traffic); both carry the AX.25 bytes
// unchanged as the data field.
func FromKISS(agwPort uint8, kind Kind, ax25Payload []byte) (Frame, error) {
	h, err := ax25.ParseHeader(ax25Payload)
	if err != nil {
		return Frame{}, fmt.Errorf("agw: cannot translate KISS frame: %w", err)
	}
	return MakeFrame(agwPort, kind, h.Source.String(), h.Destination.String(), ax25Payload), nil
}

// ToKISS converts an AGWPE raw ('K') frame back into a KISS data
// command byte and payload for delivery to kissPort. Only 'K' frames
// carry a KISS-bound payload; ToKISS returns an error for any other
// kind.
func ToKISS(kissPort int, f Frame) (commandByte byte, payload []byte, err error) {
	if f.Header.Kind != KindRaw {
		return 0, nil, fmt.Errorf("agw: frame kind %q does not translate to KISS", rune(f.Header.Kind))
	}
	return kiss.MakeCommandByte(kissPort, kiss.CmdData), f.Data, nil
}
