package media

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestPTSTimeline(t *testing.T) {
	assert := assert.New(t)
	tl := newPTSTimeline()

	us, back := tl.toMicros(TrackVideo, 0)
	assert.Equal(uint64(1_000_000), us)
	assert.False(back)

	// reordered frame ahead of the first one
	us, back = tl.toMicros(TrackVideo, -40*time.Millisecond)
	assert.Equal(uint64(960_000), us)
	assert.True(back)

	us, back = tl.toMicros(TrackAudio, -2*time.Second)
	assert.Equal(uint64(0), us)
	assert.False(back)

	us, back = tl.toMicros(TrackAudio, 23*time.Millisecond)
	assert.Equal(uint64(1_023_000), us)
	assert.False(back)
}

func TestPTSTimeline_Ordering(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tl := newPTSTimeline()
		a := time.Duration(rapid.IntRange(-5_000_000, 5_000_000).Draw(t, "a")) * time.Microsecond
		b := time.Duration(rapid.IntRange(-5_000_000, 5_000_000).Draw(t, "b")) * time.Microsecond
		ua, _ := tl.toMicros(TrackVideo, a)
		ub, back := tl.toMicros(TrackVideo, b)
		if a >= -ptsLead && b >= -ptsLead {
			if (a < b) != (ua < ub) {
				t.Fatalf("order not kept a=%v b=%v ua=%d ub=%d", a, b, ua, ub)
			}
		}
		if back != (ub < ua) {
			t.Fatalf("backwards flag wrong ua=%d ub=%d back=%v", ua, ub, back)
		}
	})
}
