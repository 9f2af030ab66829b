package media

import (
	"sync"
	"time"
)

// Headroom for frames presented before the first received packet.
const ptsLead = time.Second

// ptsTimeline maps session relative presentation times, which go negative
// for reordered or early frames, onto the unsigned microsecond timeline
// samples carry. Backwards movement is tracked per track.
type ptsTimeline struct {
	mu   sync.Mutex
	lead time.Duration
	last map[TrackKind]uint64
}

func newPTSTimeline() *ptsTimeline {
	return &ptsTimeline{lead: ptsLead, last: make(map[TrackKind]uint64)}
}

// toMicros returns the sample time and whether it moved backwards for the
// track. Video may legitimately go backwards with B-frames; audio may not.
func (t *ptsTimeline) toMicros(kind TrackKind, pts time.Duration) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := pts + t.lead
	if v < 0 {
		v = 0
	}
	us := uint64(v / time.Microsecond)
	last, seen := t.last[kind]
	t.last[kind] = us
	return us, seen && us < last
}
