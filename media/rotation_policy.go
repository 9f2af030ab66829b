package media

import "time"

type rotationDecision int

const (
	rotateNone rotationDecision = iota
	rotateNow
)

// rotationPolicy anchors a segment on its first key frame and asks for a new
// segment once a later key frame is at least segmentDuration past the anchor.
type rotationPolicy struct {
	segmentDuration time.Duration
	anchor          time.Time
	hasAnchor       bool
}

func (p *rotationPolicy) onVideoKeyFrame(now time.Time) rotationDecision {
	if !p.hasAnchor {
		p.anchor, p.hasAnchor = now, true
		return rotateNone
	}
	if p.segmentDuration > 0 && now.Sub(p.anchor) >= p.segmentDuration {
		return rotateNow
	}
	return rotateNone
}

func (p *rotationPolicy) anchored() bool {
	return p.hasAnchor
}

func (p *rotationPolicy) reset() {
	p.anchor, p.hasAnchor = time.Time{}, false
}
