package audio

import (
	"bytes"
	"encoding/binary"
	"strconv"
	"strings"
)

const (
	pcmFormatTag  = 1
	channels      = 1
	bitsPerSample = 16
)

// wavHeader is the canonical 44-byte RIFF/WAVE header for PCM16 mono.
type wavHeader struct {
	RIFF          [4]byte
	ChunkSize     uint32
	WAVE          [4]byte
	Fmt           [4]byte
	FmtSize       uint32
	FormatTag     uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Data          [4]byte
	DataSize      uint32
}

// EncodeWAV wraps raw PCM16LE mono samples in a WAV container so that a
// browser audio element can play the synthesized reply as-is.
func EncodeWAV(pcm []byte, sampleRate int) []byte {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	h := wavHeader{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(36 + len(pcm)),
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		FormatTag:     pcmFormatTag,
		Channels:      channels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * channels * bitsPerSample / 8),
		BlockAlign:    channels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      uint32(len(pcm)),
	}

	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
	// Writes to a bytes.Buffer cannot fail.
	_ = binary.Write(&buf, binary.LittleEndian, h)
	buf.Write(pcm)
	return buf.Bytes()
}

// Silence returns d milliseconds of zeroed PCM16 mono samples.
func Silence(ms, sampleRate int) []byte {
	if ms <= 0 {
		return nil
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	samples := sampleRate * ms / 1000
	return make([]byte, samples*2)
}

// PCMSampleRate parses provider output formats such as "pcm_16000". The
// second return is false for compressed formats.
func PCMSampleRate(format string) (int, bool) {
	f := strings.ToLower(strings.TrimSpace(format))
	if !strings.HasPrefix(f, "pcm_") {
		return 0, false
	}
	rate, err := strconv.Atoi(strings.TrimPrefix(f, "pcm_"))
	if err != nil || rate <= 0 {
		return 0, false
	}
	return rate, true
}
