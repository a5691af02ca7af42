// ABOUTME: Engine wiring the asset store, software mixer and audio server
// ABOUTME: Owns the logic-side goroutine that drains handed-back asset refs
package app

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Cadenza-Audio/cadenza-go/pkg/assets"
	"github.com/Cadenza-Audio/cadenza-go/pkg/audio"
	"github.com/Cadenza-Audio/cadenza-go/pkg/audio/output"
	"github.com/Cadenza-Audio/cadenza-go/pkg/backend/softmix"
	"github.com/Cadenza-Audio/cadenza-go/pkg/sndserver"
)

const (
	// suspendTimeout bounds how long state transitions wait for the audio
	// loop to acknowledge before giving up.
	suspendTimeout  = 2000 * time.Millisecond
	suspendPollStep = 10 * time.Millisecond

	drainInterval = 100 * time.Millisecond
)

// Config selects the engine's output device and mixing parameters.
type Config struct {
	// OutputBackend names the device layer: "oto" (default) or "malgo".
	OutputBackend string

	// Output overrides the device entirely; used by tests.
	Output output.Output

	// Voices sizes the mixer's voice table. <= 0 selects the default.
	Voices int

	// SampleRate of the engine format. <= 0 selects 48000.
	SampleRate int

	// OnStats, when set, receives a stats snapshot on every drain pass.
	OnStats func(sndserver.Stats)
}

// Engine bundles the playback stack behind one lifecycle. The engine's drain
// goroutine is the owning side of the server's release mailbox: every asset
// ref the audio loop finishes with is released here.
type Engine struct {
	format  audio.Format
	store   *assets.Store
	mixer   *softmix.Mixer
	server  *sndserver.Server
	onStats func(sndserver.Stats)

	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New assembles an engine. Call Start before playing anything.
func New(cfg Config) (*Engine, error) {
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 48000
	}
	format := audio.Format{SampleRate: rate, Channels: 2}

	out := cfg.Output
	if out == nil {
		out = output.New(cfg.OutputBackend)
	}

	mixer, err := softmix.New(out, format, cfg.Voices)
	if err != nil {
		return nil, fmt.Errorf("app: create mixer: %w", err)
	}

	store := assets.NewStore(format)
	server, err := sndserver.New(sndserver.Config{Backend: mixer, Loads: store})
	if err != nil {
		return nil, fmt.Errorf("app: create audio server: %w", err)
	}

	return &Engine{
		format:  format,
		store:   store,
		mixer:   mixer,
		server:  server,
		onStats: cfg.OnStats,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Store exposes the asset registry.
func (e *Engine) Store() *assets.Store { return e.store }

// Server exposes the audio server for direct control calls.
func (e *Engine) Server() *sndserver.Server { return e.server }

// Format returns the engine sample format.
func (e *Engine) Format() audio.Format { return e.format }

// Start opens the device, launches the audio loop and the drain goroutine.
func (e *Engine) Start() error {
	if err := e.mixer.Start(); err != nil {
		return fmt.Errorf("app: start mixer: %w", err)
	}
	e.server.Start()
	go e.drainLoop()
	log.Printf("engine: started (%dHz, %d voices)", e.format.SampleRate, e.mixer.VoiceCount())
	return nil
}

// Play starts a named registered sound and returns its handle.
func (e *Engine) Play(name string, p sndserver.PlayParams) (sndserver.PlayID, bool) {
	snd, ok := e.store.Get(name)
	if !ok {
		log.Printf("engine: play of unknown sound %q", name)
		return 0, false
	}
	ref := snd.Acquire()
	id, ok := e.server.PlaySound(ref, p)
	if !ok {
		ref.Release()
		return 0, false
	}
	return id, true
}

func (e *Engine) drainLoop() {
	defer close(e.done)
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.quit:
			e.drainReleases()
			return
		case <-ticker.C:
			e.drainReleases()
			if e.onStats != nil {
				e.onStats(e.server.Stats())
			}
		}
	}
}

func (e *Engine) drainReleases() {
	for _, ref := range e.server.DrainPendingReleases() {
		ref.Release()
	}
}

// SuspendApp pauses the audio subsystem, waiting for the loop to confirm.
func (e *Engine) SuspendApp() { e.setSuspended(true) }

// ResumeApp resumes a suspended audio subsystem.
func (e *Engine) ResumeApp() { e.setSuspended(false) }

// setSuspended posts the transition and busy-polls for acknowledgement so
// callers can rely on the device being released (or restored) on return.
func (e *Engine) setSuspended(suspend bool) {
	verb := "suspend"
	if !suspend {
		verb = "resume"
	}
	if e.server.Suspended() == suspend {
		log.Printf("engine: redundant %s request ignored", verb)
		return
	}

	start := time.Now()
	e.server.SetSuspended(suspend)
	for time.Since(start) < suspendTimeout {
		if e.server.Suspended() == suspend {
			log.Printf("engine: audio loop acknowledged %s in %v", verb, time.Since(start).Round(time.Millisecond))
			return
		}
		time.Sleep(suspendPollStep)
	}
	log.Printf("engine: audio loop failed to acknowledge %s within %v", verb, suspendTimeout)
}

// Suspended reports the audio subsystem's suspend state.
func (e *Engine) Suspended() bool { return e.server.Suspended() }

// Stats snapshots the audio server counters.
func (e *Engine) Stats() sndserver.Stats { return e.server.Stats() }

// Shutdown tears the stack down: audio loop first, then the drain goroutine
// and finally the device. Safe to call more than once.
func (e *Engine) Shutdown() {
	e.stopOnce.Do(func() {
		e.server.Shutdown()
		select {
		case <-e.server.Loop().Done():
		case <-time.After(suspendTimeout):
			log.Printf("engine: audio loop did not stop within %v", suspendTimeout)
		}

		close(e.quit)
		<-e.done
		e.drainReleases()

		if err := e.mixer.Close(); err != nil {
			log.Printf("engine: mixer close failed: %v", err)
		}
		log.Printf("engine: stopped")
	})
}
