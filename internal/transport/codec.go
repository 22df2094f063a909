// internal/transport/codec.go
package transport

import (
	"bytes"
	"encoding/binary"
	"strings"
)

// Sentinel terminates every sample stream the device exports
const Sentinel int16 = -16384

// DecodeSamples decodes little-endian signed 16-bit values. A trailing odd byte
// is ignored.
func DecodeSamples(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}
	return out
}

// EncodeSamples is the inverse of DecodeSamples
func EncodeSamples(values []int16) []byte {
	out := make([]byte, 2*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}

// DecodeMessage reads a NUL-terminated ASCII string from a packet
func DecodeMessage(packet []byte) string {
	if i := bytes.IndexByte(packet, 0); i >= 0 {
		packet = packet[:i]
	}
	return strings.TrimSpace(string(packet))
}

// cutAtSentinel returns the values before the first sentinel and whether one
// was found
func cutAtSentinel(values []int16) ([]int16, bool) {
	for i, v := range values {
		if v == Sentinel {
			return values[:i], true
		}
	}
	return values, false
}
