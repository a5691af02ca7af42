// ABOUTME: Sound file decoding entry points
// ABOUTME: Routes files to a codec reader by extension and loads full buffers
package decode

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/Cadenza-Audio/cadenza-go/pkg/audio"
)

// SampleReader produces interleaved 16-bit samples from an encoded source.
// ReadSamples returns io.EOF when the source is exhausted.
type SampleReader interface {
	Format() audio.Format
	ReadSamples(dst []int16) (int, error)
	Close() error
}

// Open returns a streaming reader for the given file, chosen by extension.
func Open(path string) (SampleReader, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		return openMP3(path)
	case ".flac":
		return openFLAC(path)
	case ".pcm", ".raw":
		return openPCM(path)
	default:
		return nil, fmt.Errorf("unsupported sound file type: %s", path)
	}
}

// Load fully decodes a sound file into memory.
func Load(path string) (*audio.PCM, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return ReadAll(r)
}

// ReadAll drains a reader into a single PCM buffer.
func ReadAll(r SampleReader) (*audio.PCM, error) {
	var samples []int16
	buf := make([]int16, 8192)

	for {
		n, err := r.ReadSamples(buf)
		samples = append(samples, buf[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode failed: %w", err)
		}
	}

	return &audio.PCM{Format: r.Format(), Samples: samples}, nil
}
