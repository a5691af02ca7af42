// ABOUTME: Pending-release mailbox for asset references
// ABOUTME: The audio loop appends, the owning goroutine drains and releases
package sndserver

import (
	"sync"

	"github.com/Cadenza-Audio/cadenza-go/pkg/assets"
)

// releaseList hands asset references back to their owning goroutine. The
// audio loop must never release a ref itself; it appends here and the owner
// drains on its own cadence. Append and drain-all are the only operations.
type releaseList struct {
	mu   sync.Mutex
	refs []*assets.Ref
}

func (l *releaseList) add(r *assets.Ref) {
	if r == nil {
		return
	}
	l.mu.Lock()
	l.refs = append(l.refs, r)
	l.mu.Unlock()
}

// drainAll swaps out the entire pending list under one lock acquisition.
func (l *releaseList) drainAll() []*assets.Ref {
	l.mu.Lock()
	refs := l.refs
	l.refs = nil
	l.mu.Unlock()
	return refs
}

func (l *releaseList) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.refs)
}
