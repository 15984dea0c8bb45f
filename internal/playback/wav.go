package playback

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// wavHeader is the canonical 44-byte PCM WAV header.
type wavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

// decodeItem extracts playable linear16 PCM from an opaque playback buffer.
// Buffers carrying a RIFF header are validated and stripped; anything else
// is treated as raw linear16, which is what the synthesizer emits.
func decodeItem(item []byte) ([]byte, error) {
	if len(item) < 4 || string(item[:4]) != "RIFF" {
		if len(item)%2 != 0 {
			return nil, fmt.Errorf("playback: odd raw PCM length %d", len(item))
		}
		return item, nil
	}
	if len(item) < 44 {
		return nil, fmt.Errorf("playback: truncated WAV header (%d bytes)", len(item))
	}

	var hdr wavHeader
	if err := binary.Read(bytes.NewReader(item), binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("playback: read WAV header: %w", err)
	}
	if string(hdr.Format[:]) != "WAVE" || string(hdr.Subchunk1ID[:]) != "fmt " {
		return nil, fmt.Errorf("playback: malformed WAV chunks")
	}
	if string(hdr.Subchunk2ID[:]) != "data" {
		return nil, fmt.Errorf("playback: missing data chunk")
	}
	if hdr.AudioFormat != 1 {
		return nil, fmt.Errorf("playback: unsupported WAV format %d", hdr.AudioFormat)
	}
	if hdr.BitsPerSample != 16 {
		return nil, fmt.Errorf("playback: unsupported bit depth %d", hdr.BitsPerSample)
	}
	if hdr.NumChannels != 1 {
		return nil, fmt.Errorf("playback: unsupported channel count %d", hdr.NumChannels)
	}

	data := item[44:]
	n := int(hdr.Subchunk2Size)
	if n > len(data) {
		return nil, fmt.Errorf("playback: data chunk size %d exceeds payload %d", n, len(data))
	}
	return data[:n], nil
}
