// ABOUTME: Ref-counted sound assets
// ABOUTME: Sounds are shared across goroutines; releases happen on the owning side
package assets

import (
	"fmt"
	"log"
	"sync/atomic"

	"github.com/Cadenza-Audio/cadenza-go/pkg/audio"
	"github.com/Cadenza-Audio/cadenza-go/pkg/audio/decode"
	"github.com/google/uuid"
)

// Sound is a decoded (or streamable) audio asset. The audio loop may hold
// references to a Sound to keep it alive, but never releases them itself;
// refs travel back to the owning goroutine, which calls Ref.Release there.
type Sound struct {
	id   uuid.UUID
	name string
	path string

	pcm       *audio.PCM // nil for streamed sounds
	streaming bool
	format    audio.Format

	refs     atomic.Int32
	unloaded atomic.Bool
}

// ID returns the asset's unique identity, used in logs and drain accounting.
func (s *Sound) ID() uuid.UUID { return s.id }

// Name returns the registered asset name.
func (s *Sound) Name() string { return s.name }

// Format returns the decoded sample format.
func (s *Sound) Format() audio.Format { return s.format }

// PCM returns the fully decoded buffer, or nil for streamed sounds.
func (s *Sound) PCM() *audio.PCM { return s.pcm }

// Streaming reports whether the sound plays from disk rather than memory.
func (s *Sound) Streaming() bool { return s.streaming }

// NewStream opens a fresh sample reader for a streamed sound. Each playing
// voice gets its own reader.
func (s *Sound) NewStream() (decode.SampleReader, error) {
	if !s.streaming {
		return nil, fmt.Errorf("sound %q is not streamed", s.name)
	}
	return decode.Open(s.path)
}

// Refs returns the current reference count.
func (s *Sound) Refs() int { return int(s.refs.Load()) }

// Acquire extends the sound's lifetime and returns a handle for it.
func (s *Sound) Acquire() *Ref {
	s.refs.Add(1)
	return &Ref{sound: s}
}

// free drops the sample data once nothing references an unloaded sound.
func (s *Sound) free() {
	s.pcm = nil
}

// Ref is a single-use handle extending a Sound's lifetime.
type Ref struct {
	sound    *Sound
	released atomic.Bool
}

// Sound returns the referenced asset.
func (r *Ref) Sound() *Sound { return r.sound }

// Release returns the reference. Only the owning goroutine may call this;
// code running on the audio loop hands refs back through the server's
// pending-release mailbox instead. Releasing twice is a logged no-op.
func (r *Ref) Release() {
	if r.sound == nil {
		return
	}
	if !r.released.CompareAndSwap(false, true) {
		log.Printf("assets: double release of sound %q ignored", r.sound.name)
		return
	}
	if n := r.sound.refs.Add(-1); n == 0 && r.sound.unloaded.Load() {
		r.sound.free()
	}
}

// Released reports whether this handle has already been returned.
func (r *Ref) Released() bool { return r.released.Load() }
