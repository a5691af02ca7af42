// ABOUTME: Source slot table and the producer-side slot allocator
// ABOUTME: The allocator issues play-ids synchronously; slots live on the audio loop
package sndserver

import (
	"sync"
	"time"

	"github.com/Cadenza-Audio/cadenza-go/pkg/assets"
	"github.com/Cadenza-Audio/cadenza-go/pkg/audio"
)

type sourceState int

const (
	sourceIdle sourceState = iota
	sourcePlaying
	sourceFading
)

// source is one playback slot. All fields are owned by the audio loop.
type source struct {
	id    uint16
	voice Voice

	state  sourceState
	playID PlayID

	gain       float64
	fade       float64
	music      bool
	looping    bool
	positional bool
	streaming  bool
	position   audio.Vector3

	ref       *assets.Ref
	startTime time.Time
}

// allocator issues play-ids on the caller's goroutine so PlaySound can
// return a handle without waiting for the audio loop. Each slot carries a
// monotonically increasing issue counter; reissuing a slot bumps the counter,
// which stales every handle the previous occupant handed out.
type allocator struct {
	mu       sync.Mutex
	free     []uint16
	inUse    []bool
	disabled []bool
	counts   []uint16
	issuedAt []time.Time
	music    []bool
}

func newAllocator(capacity int) *allocator {
	a := &allocator{
		free:     make([]uint16, 0, capacity),
		inUse:    make([]bool, capacity),
		disabled: make([]bool, capacity),
		counts:   make([]uint16, capacity),
		issuedAt: make([]time.Time, capacity),
		music:    make([]bool, capacity),
	}
	for i := capacity - 1; i >= 0; i-- {
		a.free = append(a.free, uint16(i))
	}
	return a
}

func (a *allocator) issue(slot uint16, music bool) PlayID {
	id := MakePlayID(slot, a.counts[slot])
	a.counts[slot]++
	a.inUse[slot] = true
	a.issuedAt[slot] = time.Now()
	a.music[slot] = music
	return id
}

// acquire claims a free slot, or evicts the oldest non-music occupant when
// the pool is exhausted. With every slot held by music it reports false and
// the play is dropped rather than interrupting music.
func (a *allocator) acquire(music bool) (PlayID, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.free); n > 0 {
		slot := a.free[n-1]
		a.free = a.free[:n-1]
		return a.issue(slot, music), true
	}

	victim, found := -1, false
	for i := range a.inUse {
		if !a.inUse[i] || a.music[i] || a.disabled[i] {
			continue
		}
		if !found || a.issuedAt[i].Before(a.issuedAt[victim]) {
			victim, found = i, true
		}
	}
	if !found {
		return 0, false
	}
	return a.issue(uint16(victim), music), true
}

// release returns a slot to the free list. Called from the audio loop once
// the slot's occupant is fully torn down, and from PlaySound when a posted
// play never reaches the loop.
func (a *allocator) release(slot uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.inUse[slot] {
		return
	}
	a.inUse[slot] = false
	if a.disabled[slot] {
		// A disabled slot has no voice behind it; discard instead of
		// letting it circulate through the free list again.
		return
	}
	a.free = append(a.free, slot)
}

// reissued reports whether the slot has been handed out again since the
// given handle was issued. An evicted occupant must not release its slot.
func (a *allocator) reissued(id PlayID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts[id.SourceID()] != id.PlayCount()+1
}

// setMusic keeps the eviction policy in sync when a playing source is
// reclassified after the fact.
func (a *allocator) setMusic(slot uint16, music bool) {
	a.mu.Lock()
	a.music[slot] = music
	a.mu.Unlock()
}

// disable permanently removes a slot whose voice could not be claimed. A
// slot acquired before being disabled is discarded when it is released.
func (a *allocator) disable(slot uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disabled[slot] = true
	for i, s := range a.free {
		if s == slot {
			a.free = append(a.free[:i], a.free[i+1:]...)
			return
		}
	}
}
