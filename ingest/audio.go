package ingest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pion/rtp"
)

// Supported chunk encodings.
const (
	EncodingRaw   = "raw"
	EncodingOpus  = "opus"
	EncodingPCM16 = "pcm16"
	EncodingRTP   = "rtp"
)

var errEmptyAudio = errors.New("empty audio payload")

func ValidEncoding(encoding string) bool {
	switch strings.ToLower(encoding) {
	case "", EncodingRaw, EncodingOpus, EncodingPCM16, EncodingRTP:
		return true
	default:
		return false
	}
}

// decodeAudio checks a chunk against the session encoding and returns the
// bytes the provider should see.
func decodeAudio(encoding string, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errEmptyAudio
	}

	switch strings.ToLower(encoding) {
	case EncodingPCM16:
		if len(data)%2 != 0 {
			return nil, fmt.Errorf("pcm16 payload has odd length %d", len(data))
		}
		return data, nil
	case EncodingRTP:
		var packet rtp.Packet
		if err := packet.Unmarshal(data); err != nil {
			return nil, fmt.Errorf("invalid rtp packet: %w", err)
		}
		if len(packet.Payload) == 0 {
			return nil, errEmptyAudio
		}
		return packet.Payload, nil
	default:
		return data, nil
	}
}
