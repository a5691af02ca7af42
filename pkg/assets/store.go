// ABOUTME: Sound asset store with a deferred load queue
// ABOUTME: Decodes files to the engine rate and tracks registered sounds
package assets

import (
	"fmt"
	"log"
	"sync"

	"github.com/Cadenza-Audio/cadenza-go/pkg/audio"
	"github.com/Cadenza-Audio/cadenza-go/pkg/audio/decode"
	"github.com/Cadenza-Audio/cadenza-go/pkg/audio/resample"
	"github.com/google/uuid"
)

// Store owns the registered sounds and the deferred load queue. Loads queued
// with QueueLoad run when the audio server next kicks RunPendingLoads.
type Store struct {
	engineFormat audio.Format

	mu      sync.Mutex
	sounds  map[string]*Sound
	pending []loadJob
}

type loadJob struct {
	name      string
	path      string
	streaming bool
	done      func(*Sound, error)
}

// NewStore creates a store decoding to the given engine format.
func NewStore(format audio.Format) *Store {
	return &Store{
		engineFormat: format,
		sounds:       make(map[string]*Sound),
	}
}

// Load decodes a sound file fully into memory and registers it.
func (st *Store) Load(name, path string) (*Sound, error) {
	pcm, err := decode.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load sound %q: %w", name, err)
	}

	pcm = resample.ToStereo(pcm)
	pcm = resample.ToRate(pcm, st.engineFormat.SampleRate)

	s := &Sound{
		id:     uuid.New(),
		name:   name,
		path:   path,
		pcm:    pcm,
		format: pcm.Format,
	}
	st.register(s)
	return s, nil
}

// LoadStreaming registers a sound that plays from disk. The file is probed
// for validity and format but not decoded.
func (st *Store) LoadStreaming(name, path string) (*Sound, error) {
	r, err := decode.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load streaming sound %q: %w", name, err)
	}
	format := r.Format()
	r.Close()

	s := &Sound{
		id:        uuid.New(),
		name:      name,
		path:      path,
		streaming: true,
		format:    format,
	}
	st.register(s)
	return s, nil
}

func (st *Store) register(s *Sound) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if old, ok := st.sounds[s.name]; ok {
		log.Printf("assets: replacing sound %q (%s)", s.name, old.id)
		old.unloaded.Store(true)
		if old.refs.Load() == 0 {
			old.free()
		}
	}
	st.sounds[s.name] = s
}

// Get returns a registered sound by name.
func (st *Store) Get(name string) (*Sound, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sounds[name]
	return s, ok
}

// Unload drops a sound from the registry. Its sample data is freed once the
// last outstanding reference comes back.
func (st *Store) Unload(name string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sounds[name]
	if !ok {
		return
	}
	delete(st.sounds, name)
	s.unloaded.Store(true)
	if s.refs.Load() == 0 {
		s.free()
	}
}

// QueueLoad defers a load. done (optional) is invoked with the result from
// whichever goroutine runs the queue.
func (st *Store) QueueLoad(name, path string, streaming bool, done func(*Sound, error)) {
	st.mu.Lock()
	st.pending = append(st.pending, loadJob{name: name, path: path, streaming: streaming, done: done})
	st.mu.Unlock()
}

// HavePending reports whether queued loads are waiting.
func (st *Store) HavePending() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.pending) > 0
}

// RunPendingLoads processes the queued loads and reports whether more
// arrived while it ran. The audio server calls this from its process tick.
func (st *Store) RunPendingLoads() bool {
	st.mu.Lock()
	jobs := st.pending
	st.pending = nil
	st.mu.Unlock()

	for _, job := range jobs {
		var s *Sound
		var err error
		if job.streaming {
			s, err = st.LoadStreaming(job.name, job.path)
		} else {
			s, err = st.Load(job.name, job.path)
		}
		if err != nil {
			log.Printf("assets: deferred load of %q failed: %v", job.name, err)
		}
		if job.done != nil {
			job.done(s, err)
		}
	}

	return st.HavePending()
}
