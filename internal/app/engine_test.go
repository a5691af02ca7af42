// ABOUTME: Tests for the engine lifecycle
// ABOUTME: Covers play-by-name, ref draining, suspend handshake and shutdown
package app

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Cadenza-Audio/cadenza-go/pkg/audio"
	"github.com/Cadenza-Audio/cadenza-go/pkg/sndserver"
)

type nullOutput struct {
	mu     sync.Mutex
	opens  int
	closes int
}

func (n *nullOutput) Open(format audio.Format) error {
	n.mu.Lock()
	n.opens++
	n.mu.Unlock()
	return nil
}

func (n *nullOutput) Write(samples []int16) error {
	time.Sleep(time.Millisecond)
	return nil
}

func (n *nullOutput) Close() error {
	n.mu.Lock()
	n.closes++
	n.mu.Unlock()
	return nil
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(Config{Output: &nullOutput{}, Voices: 8})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.Shutdown)
	return e
}

func loadTestSound(t *testing.T, e *Engine, name string) {
	t.Helper()
	samples := []int16{500, -500, 250, -250}
	raw := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(s))
	}
	path := filepath.Join(t.TempDir(), name+".pcm")
	if err := os.WriteFile(path, raw, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Store().Load(name, path); err != nil {
		t.Fatal(err)
	}
}

func TestEnginePlayByName(t *testing.T) {
	e := newTestEngine(t)
	loadTestSound(t, e, "blip")

	id, ok := e.Play("blip", sndserver.PlayParams{})
	if !ok {
		t.Fatal("play rejected")
	}
	if id.SourceID() >= 8 {
		t.Errorf("handle slot out of range: %v", id)
	}

	if _, ok := e.Play("missing", sndserver.PlayParams{}); ok {
		t.Error("unknown sound accepted")
	}
}

func TestEngineDrainsReleasedRefs(t *testing.T) {
	e := newTestEngine(t)
	loadTestSound(t, e, "blip")

	snd, _ := e.Store().Get("blip")
	id, ok := e.Play("blip", sndserver.PlayParams{Looping: true})
	if !ok {
		t.Fatal("play rejected")
	}
	e.Server().StopSound(id)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snd.Refs() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("ref never drained, still %d outstanding", snd.Refs())
}

func TestEngineSuspendHandshake(t *testing.T) {
	e := newTestEngine(t)

	start := time.Now()
	e.SuspendApp()
	if !e.Suspended() {
		t.Fatal("suspend not acknowledged")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("handshake too slow: %v", elapsed)
	}

	// Redundant request returns immediately without flapping state.
	e.SuspendApp()
	if !e.Suspended() {
		t.Error("redundant suspend flipped state")
	}

	e.ResumeApp()
	if e.Suspended() {
		t.Error("resume not acknowledged")
	}
}

func TestEngineShutdownIdempotent(t *testing.T) {
	out := &nullOutput{}
	e, err := New(Config{Output: out, Voices: 4})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}

	e.Shutdown()
	e.Shutdown()

	if !e.Stats().ShutdownDone {
		t.Error("shutdown flag not set")
	}
	out.mu.Lock()
	defer out.mu.Unlock()
	if out.closes == 0 {
		t.Error("device never closed")
	}
}

func TestEngineStatsCallback(t *testing.T) {
	var mu sync.Mutex
	calls := 0

	e, err := New(Config{
		Output: &nullOutput{},
		Voices: 4,
		OnStats: func(s sndserver.Stats) {
			mu.Lock()
			calls++
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.Shutdown)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := calls
		mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("stats callback never fired")
}
