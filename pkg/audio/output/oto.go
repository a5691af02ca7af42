// ABOUTME: Oto-based audio output implementation
// ABOUTME: Feeds PCM to the oto player through a pipe
package output

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/Cadenza-Audio/cadenza-go/pkg/audio"
	"github.com/ebitengine/oto/v3"
)

// Oto output implementation using the oto library.
type Oto struct {
	mu         sync.Mutex
	otoCtx     *oto.Context
	player     *oto.Player
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	format     audio.Format
	ready      bool
}

// NewOto creates a new Oto output.
func NewOto() Output {
	return &Oto{}
}

// Open initializes the output device. oto allows a single context per
// process, so a second Open with a different format keeps the first one.
func (o *Oto) Open(format audio.Format) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.otoCtx != nil {
		if o.format != format {
			log.Printf("Warning: oto cannot reinitialize (%+v -> %+v), keeping existing format", o.format, format)
		}
		o.resume()
		return nil
	}

	op := &oto.NewContextOptions{
		SampleRate:   format.SampleRate,
		ChannelCount: format.Channels,
		Format:       oto.FormatSignedInt16LE,
	}

	ctx, readyChan, err := oto.NewContext(op)
	if err != nil {
		return fmt.Errorf("failed to create oto context: %w", err)
	}
	<-readyChan

	o.otoCtx = ctx
	o.format = format

	o.pipeReader, o.pipeWriter = io.Pipe()
	o.player = o.otoCtx.NewPlayer(o.pipeReader)
	o.player.Play()
	o.ready = true

	log.Printf("Audio output initialized: %dHz, %d channels (oto)", format.SampleRate, format.Channels)
	return nil
}

func (o *Oto) resume() {
	if o.ready {
		return
	}
	o.pipeReader, o.pipeWriter = io.Pipe()
	o.player = o.otoCtx.NewPlayer(o.pipeReader)
	o.player.Play()
	if err := o.otoCtx.Resume(); err != nil {
		log.Printf("oto resume failed: %v", err)
	}
	o.ready = true
}

// Write outputs audio samples, blocking until the pipe accepts them. The
// blocking write happens outside the lock so Close can interrupt it.
func (o *Oto) Write(samples []int16) error {
	o.mu.Lock()
	ready := o.ready
	pw := o.pipeWriter
	o.mu.Unlock()

	if !ready || pw == nil {
		return fmt.Errorf("output not initialized")
	}

	raw := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(s))
	}

	if _, err := pw.Write(raw); err != nil {
		return fmt.Errorf("pipe write failed: %w", err)
	}
	return nil
}

// Close releases the player. The oto context itself is suspended rather than
// destroyed so a later Open can resume it.
func (o *Oto) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.pipeWriter != nil {
		o.pipeWriter.Close()
		o.pipeWriter = nil
	}
	if o.player != nil {
		o.player.Close()
		o.player = nil
	}
	if o.pipeReader != nil {
		o.pipeReader.Close()
		o.pipeReader = nil
	}
	if o.otoCtx != nil {
		if err := o.otoCtx.Suspend(); err != nil {
			log.Printf("oto suspend failed: %v", err)
		}
	}
	o.ready = false
	return nil
}
