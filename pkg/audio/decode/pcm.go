// ABOUTME: Raw PCM sound file reader
// ABOUTME: Reads headerless 16-bit LE stereo sample data
package decode

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/Cadenza-Audio/cadenza-go/pkg/audio"
)

// Headerless files carry no format metadata; these are the assumed values.
const (
	rawSampleRate = 48000
	rawChannels   = 2
)

type pcmReader struct {
	f     *os.File
	carry []byte
}

func openPCM(path string) (SampleReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pcm: %w", err)
	}
	return &pcmReader{f: f}, nil
}

func (r *pcmReader) Format() audio.Format {
	return audio.Format{SampleRate: rawSampleRate, Channels: rawChannels}
}

func (r *pcmReader) ReadSamples(dst []int16) (int, error) {
	raw := make([]byte, len(dst)*2)
	copy(raw, r.carry)
	n, err := r.f.Read(raw[len(r.carry):])
	n += len(r.carry)
	r.carry = nil

	if n%2 == 1 {
		r.carry = []byte{raw[n-1]}
		n--
	}

	for i := 0; i < n/2; i++ {
		dst[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}

	if err != nil && err != io.EOF {
		return n / 2, fmt.Errorf("pcm read: %w", err)
	}
	return n / 2, err
}

func (r *pcmReader) Close() error {
	return r.f.Close()
}
