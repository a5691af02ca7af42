// ABOUTME: MP3 sound file reader
// ABOUTME: Decodes MP3 files to interleaved 16-bit stereo samples
package decode

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/Cadenza-Audio/cadenza-go/pkg/audio"
	"github.com/hajimehoshi/go-mp3"
)

// mp3Reader decodes an MP3 file. go-mp3 always emits 16-bit LE stereo.
type mp3Reader struct {
	f       *os.File
	decoder *mp3.Decoder
	carry   []byte // odd trailing byte from a previous read
}

func openMP3(path string) (SampleReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mp3: %w", err)
	}

	d, err := mp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("parse mp3 %s: %w", path, err)
	}

	return &mp3Reader{f: f, decoder: d}, nil
}

func (r *mp3Reader) Format() audio.Format {
	return audio.Format{SampleRate: r.decoder.SampleRate(), Channels: 2}
}

func (r *mp3Reader) ReadSamples(dst []int16) (int, error) {
	raw := make([]byte, len(dst)*2)
	copy(raw, r.carry)
	n, err := r.decoder.Read(raw[len(r.carry):])
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
		return n / 2, fmt.Errorf("mp3 decode: %w", err)
	}
	return n / 2, err
}

func (r *mp3Reader) Close() error {
	return r.f.Close()
}
