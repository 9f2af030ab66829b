package media

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	lperrors "github.com/livepeer/go-recorder/errors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"pgregory.net/rapid"
)

type writtenSample struct {
	track TrackID
	data  string
	pts   uint64
	flags SampleFlags
}

// stubMuxer records every call made through the Muxer interface.
type stubMuxer struct {
	path     string
	formats  map[TrackID][]byte
	kinds    map[TrackID]TrackKind
	nextID   TrackID
	starts   int
	stops    int
	releases int
	samples  []writtenSample

	addErr   error
	startErr error
	writeErr error
}

func (m *stubMuxer) AddTrack(kind TrackKind, format []byte) (TrackID, error) {
	if m.addErr != nil {
		return 0, m.addErr
	}
	if m.starts > 0 {
		return 0, errMuxerStarted
	}
	id := m.nextID
	m.nextID++
	m.formats[id] = cloneBytes(format)
	m.kinds[id] = kind
	return id, nil
}

func (m *stubMuxer) Start() error {
	if m.startErr != nil {
		return m.startErr
	}
	m.starts++
	return nil
}

func (m *stubMuxer) WriteSample(id TrackID, data []byte, pts uint64, flags SampleFlags) error {
	if m.writeErr != nil {
		return m.writeErr
	}
	m.samples = append(m.samples, writtenSample{track: id, data: string(data), pts: pts, flags: flags})
	return nil
}

func (m *stubMuxer) Stop() error {
	if m.starts == 0 {
		return errMuxerNotStarted
	}
	m.stops++
	return nil
}

func (m *stubMuxer) Release() error {
	m.releases++
	return nil
}

func (m *stubMuxer) videoSamples() []writtenSample {
	var out []writtenSample
	for _, s := range m.samples {
		if m.kinds[s.track] == TrackVideo {
			out = append(out, s)
		}
	}
	return out
}

type stubMuxers struct {
	mu       sync.Mutex
	muxers   []*stubMuxer
	openErr  map[int]error // by open attempt
	opens    int
	startErr error
	writeErr error
}

func (s *stubMuxers) factory(path string) (Muxer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt := s.opens
	s.opens++
	if err := s.openErr[attempt]; err != nil {
		return nil, err
	}
	m := &stubMuxer{
		path:     path,
		formats:  map[TrackID][]byte{},
		kinds:    map[TrackID]TrackKind{},
		startErr: s.startErr,
		writeErr: s.writeErr,
	}
	s.muxers = append(s.muxers, m)
	return m, nil
}

func (s *stubMuxers) last() *stubMuxer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.muxers) == 0 {
		return nil
	}
	return s.muxers[len(s.muxers)-1]
}

func (s *stubMuxers) totalWrites() int {
	n := 0
	for _, m := range s.muxers {
		n += len(m.samples)
	}
	return n
}

type stubClock struct {
	now time.Time
}

func (c *stubClock) Now() time.Time { return c.now }

func (c *stubClock) Set(d time.Duration) {
	c.now = time.Date(2025, 5, 30, 0, 0, 0, 0, time.UTC).Add(d)
}

type eventLog struct {
	mu     sync.Mutex
	events []SegmentEvent
}

func (l *eventLog) handle(_ context.Context, evt SegmentEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
}

func (l *eventLog) types() []SegmentEventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []SegmentEventType
	for _, e := range l.events {
		out = append(out, e.Type)
	}
	return out
}

var (
	videoFormat = []byte("V")
	audioFormat = []byte("A")
)

func newTestRecorder(t *testing.T, dur time.Duration, muxers *stubMuxers) (*SegmentRecorder, *stubClock, *eventLog) {
	clock := &stubClock{}
	clock.Set(0)
	events := &eventLog{}
	r, err := NewSegmentRecorder(context.Background(), SegmentRecorderConfig{
		BasePath:        filepath.Join("rec", "clip"),
		SegmentDuration: dur,
		NewMuxer:        muxers.factory,
		Clock:           clock.Now,
		OnEvent:         events.handle,
	})
	require.NoError(t, err)
	return r, clock, events
}

func videoKey(pts uint64, data string) Sample {
	return Sample{Kind: TrackVideo, Data: []byte(data), PTS: pts, Flags: FlagKeyFrame}
}

func videoDelta(pts uint64, data string) Sample {
	return Sample{Kind: TrackVideo, Data: []byte(data), PTS: pts}
}

func audio(pts uint64, data string) Sample {
	return Sample{Kind: TrackAudio, Data: []byte(data), PTS: pts}
}

func TestSegmentRecorder_OpenPaths(t *testing.T) {
	ctx := context.Background()

	_, err := OpenSegmentRecorder(ctx, "", 5*time.Second)
	require.ErrorIs(t, err, ErrEmptyPath)

	tests := []struct {
		base string
		ext  string
		want string
	}{
		{base: "clip.mp4", want: "clip-0.mp4"},
		{base: "clip.MP4", want: "clip-0.mp4"},
		{base: "clip", want: "clip-0.mp4"},
		{base: "clip.mp4.bak", want: "clip.mp4.bak-0.mp4"},
		{base: "out/clip.ts", ext: ".ts", want: "out/clip-0.ts"},
		{base: "clip", ext: "ts", want: "clip-0.ts"},
	}
	for _, tt := range tests {
		t.Run(tt.base+tt.ext, func(t *testing.T) {
			muxers := &stubMuxers{}
			r, err := NewSegmentRecorder(ctx, SegmentRecorderConfig{
				BasePath:  tt.base,
				Extension: tt.ext,
				NewMuxer:  muxers.factory,
			})
			require.NoError(t, err)
			require.Len(t, muxers.muxers, 1)
			assert.Equal(t, tt.want, muxers.muxers[0].path)
			assert.Equal(t, tt.want, r.Status().Path)
		})
	}
}

func TestSegmentRecorder_OpenWithRealMuxer(t *testing.T) {
	dir := t.TempDir()
	r, err := OpenSegmentRecorder(context.Background(), filepath.Join(dir, "clip.mp4"), time.Second)
	require.NoError(t, err)
	st := r.Status()
	assert.Equal(t, filepath.Join(dir, "clip-0.mp4"), st.Path)
	assert.True(t, st.Active)
	assert.False(t, st.Started)
	r.Release(context.Background())
	assert.FileExists(t, st.Path)
}

func TestSegmentRecorder_UnknownExtension(t *testing.T) {
	_, err := NewSegmentRecorder(context.Background(), SegmentRecorderConfig{BasePath: "clip", Extension: ".avi"})
	require.ErrorIs(t, err, errUnknownExtension)
}

func TestSegmentRecorder_RegisterTracks(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	muxers := &stubMuxers{}
	r, _, _ := newTestRecorder(t, 5*time.Second, muxers)
	m := muxers.last()

	require.ErrorIs(r.RegisterTrack(ctx, TrackVideo, nil), ErrEmptyVideoFormat)
	require.NoError(r.RegisterTrack(ctx, TrackVideo, videoFormat))
	require.Equal(0, m.starts, "started without audio resolved")
	require.False(r.Status().Started)

	// same kind twice is rejected
	require.ErrorIs(r.RegisterTrack(ctx, TrackVideo, videoFormat), ErrAlreadyRegistered)

	require.NoError(r.RegisterTrack(ctx, TrackAudio, audioFormat))
	require.Equal(1, m.starts)
	st := r.Status()
	require.True(st.Started)
	require.True(st.VideoRegistered)
	require.True(st.AudioRegistered)
	require.False(st.AudioAbsent)
	require.Equal(videoFormat, m.formats[0])
	require.Equal(audioFormat, m.formats[1])

	// third registration does not touch state
	require.ErrorIs(r.RegisterTrack(ctx, TrackAudio, []byte("B")), ErrAlreadyRegistered)
	require.Equal(1, m.starts)
	require.Len(m.formats, 2)
	require.Equal(st, r.Status())
}

func TestSegmentRecorder_AudioAbsent(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	muxers := &stubMuxers{}
	r, _, _ := newTestRecorder(t, 5*time.Second, muxers)
	m := muxers.last()

	// declaring absence first still waits for video
	require.NoError(r.RegisterTrack(ctx, TrackAudio, nil))
	require.Equal(0, m.starts)
	require.NoError(r.RegisterTrack(ctx, TrackVideo, videoFormat))
	require.Equal(1, m.starts)
	require.Len(m.formats, 1)
	require.True(r.Status().AudioAbsent)

	r.Push(ctx, videoKey(0, "k0"))
	r.Push(ctx, audio(10, "a0"))
	r.Push(ctx, videoDelta(33, "d1"))
	require.Len(m.samples, 2)
	require.Equal(uint64(1), r.Status().Dropped[DropAudioAbsent.String()])
}

func TestSegmentRecorder_DropsBeforeStart(t *testing.T) {
	ctx := context.Background()
	muxers := &stubMuxers{}
	r, _, _ := newTestRecorder(t, 5*time.Second, muxers)

	r.Push(ctx, videoKey(0, "k0"))
	r.Push(ctx, audio(0, "a0"))
	require.NoError(t, r.RegisterTrack(ctx, TrackVideo, videoFormat))
	r.Push(ctx, videoKey(10, "k1"))

	assert.Equal(t, 0, muxers.totalWrites())
	st := r.Status()
	assert.Equal(t, uint64(3), st.Dropped[DropNotStarted.String()])
	// key frames seen before start do not anchor
	assert.False(t, st.Anchored)
}

func TestSegmentRecorder_KeyFrameGating(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	muxers := &stubMuxers{}
	r, _, _ := newTestRecorder(t, 5*time.Second, muxers)
	require.NoError(r.RegisterTrack(ctx, TrackVideo, videoFormat))
	require.NoError(r.RegisterTrack(ctx, TrackAudio, audioFormat))
	m := muxers.last()

	r.Push(ctx, audio(0, "a0"))
	r.Push(ctx, videoDelta(0, "d0"))
	require.Empty(m.samples)

	r.Push(ctx, Sample{Kind: TrackVideo, Data: []byte("cfg"), Flags: FlagCodecConfig})
	require.Empty(m.samples)

	r.Push(ctx, videoKey(33, "k1"))
	r.Push(ctx, Sample{Kind: TrackVideo, Data: []byte("cfg"), Flags: FlagCodecConfig})
	r.Push(ctx, audio(40, "a1"))
	r.Push(ctx, videoDelta(66, "d2"))

	require.Equal([]writtenSample{
		{track: 0, data: "k1", pts: 33, flags: FlagKeyFrame},
		{track: 1, data: "a1", pts: 40},
		{track: 0, data: "d2", pts: 66},
	}, m.samples)

	st := r.Status()
	require.Equal(uint64(2), st.Dropped[DropNoAnchor.String()])
	require.Equal(uint64(2), st.Dropped[DropCodecConfig.String()])
	require.Equal(3, st.Samples)
	require.Equal(int64(6), st.Bytes)
	require.Equal(33*time.Microsecond, st.Duration)
}

// register V and A, key frame at 0, audio at 10ms, key frame at 5s with a
// 5s duration: the second key frame opens and anchors segment 1.
func TestSegmentRecorder_RotationScenario(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	muxers := &stubMuxers{}
	r, clock, events := newTestRecorder(t, 5*time.Second, muxers)
	require.NoError(r.RegisterTrack(ctx, TrackVideo, videoFormat))
	require.NoError(r.RegisterTrack(ctx, TrackAudio, audioFormat))

	clock.Set(0)
	r.Push(ctx, videoKey(0, "k0"))
	clock.Set(10 * time.Millisecond)
	r.Push(ctx, audio(10_000, "a0"))
	clock.Set(5000 * time.Millisecond)
	r.Push(ctx, videoKey(5_000_000, "k1"))

	require.Len(muxers.muxers, 2)
	seg0, seg1 := muxers.muxers[0], muxers.muxers[1]
	require.Equal(filepath.Join("rec", "clip-0.mp4"), seg0.path)
	require.Equal(filepath.Join("rec", "clip-1.mp4"), seg1.path)

	require.Equal([]string{"k0", "a0"}, []string{seg0.samples[0].data, seg0.samples[1].data})
	require.Len(seg0.samples, 2)
	require.Equal(1, seg0.stops)
	require.Equal(1, seg0.releases)

	require.Equal(videoFormat, seg1.formats[0])
	require.Equal(audioFormat, seg1.formats[1])
	require.Equal(1, seg1.starts)
	require.Equal([]writtenSample{{track: 0, data: "k1", pts: 5_000_000, flags: FlagKeyFrame}}, seg1.samples)

	st := r.Status()
	require.Equal(uint32(1), st.Index)
	require.True(st.Anchored)
	require.True(st.Started)

	require.Equal([]SegmentEventType{
		EventSegmentOpened, EventSegmentClosed, EventSegmentOpened,
	}, events.types())
	closed := events.events[1]
	require.Equal(uint32(0), closed.Index)
	require.Equal(2, closed.Samples)
	require.Equal(10*time.Millisecond, closed.Duration)
}

func TestSegmentRecorder_NoRotationBeforeDuration(t *testing.T) {
	ctx := context.Background()
	muxers := &stubMuxers{}
	r, clock, _ := newTestRecorder(t, 2*time.Second, muxers)
	require.NoError(t, r.RegisterTrack(ctx, TrackVideo, videoFormat))
	require.NoError(t, r.RegisterTrack(ctx, TrackAudio, nil))

	r.Push(ctx, videoKey(0, "k0"))
	clock.Set(1999 * time.Millisecond)
	r.Push(ctx, videoKey(1_999_000, "k1"))
	// elapsed time alone never rotates without a key frame
	clock.Set(10 * time.Second)
	r.Push(ctx, videoDelta(2_033_000, "d"))
	r.Push(ctx, audio(2_040_000, "a"))

	require.Len(t, muxers.muxers, 1)
	assert.Len(t, muxers.muxers[0].samples, 3)

	r.Push(ctx, videoKey(2_066_000, "k2"))
	require.Len(t, muxers.muxers, 2)
}

func TestSegmentRecorder_RotationDisabled(t *testing.T) {
	ctx := context.Background()
	muxers := &stubMuxers{}
	r, clock, _ := newTestRecorder(t, 0, muxers)
	require.NoError(t, r.RegisterTrack(ctx, TrackVideo, videoFormat))
	require.NoError(t, r.RegisterTrack(ctx, TrackAudio, nil))
	for i := 0; i < 10; i++ {
		clock.Set(time.Duration(i) * time.Hour)
		r.Push(ctx, videoKey(uint64(i), fmt.Sprint(i)))
	}
	require.Len(t, muxers.muxers, 1)
	assert.Len(t, muxers.muxers[0].samples, 10)
}

func TestSegmentRecorder_OpenFailure(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	openErr := errors.New("disk full")
	muxers := &stubMuxers{openErr: map[int]error{0: openErr, 2: openErr}}
	r, clock, events := newTestRecorder(t, time.Second, muxers)

	st := r.Status()
	require.False(st.Active)
	require.Contains(st.LastError, "disk full")
	require.Equal([]SegmentEventType{EventSegmentOpenFailed}, events.types())
	evtErr := events.events[0].Err
	require.ErrorIs(evtErr, ErrOpenFailed)
	require.False(lperrors.IsAcceptable(evtErr))

	// declarations are kept until a segment opens
	require.NoError(r.RegisterTrack(ctx, TrackVideo, videoFormat))
	require.NoError(r.RegisterTrack(ctx, TrackAudio, audioFormat))
	r.Push(ctx, videoKey(0, "k0"))
	require.Equal(uint64(1), r.Status().Dropped[DropNotStarted.String()])

	require.NoError(r.Rotate(ctx))
	require.Len(muxers.muxers, 1)
	m := muxers.last()
	require.Equal(filepath.Join("rec", "clip-1.mp4"), m.path)
	require.Equal(1, m.starts)

	r.Push(ctx, videoKey(0, "k0"))
	require.Len(m.samples, 1)

	// rotation into a failing open leaves the recorder inactive
	clock.Set(time.Second)
	r.Push(ctx, videoKey(1_000_000, "k1"))
	st = r.Status()
	require.False(st.Active)
	require.False(st.Started)
	require.Equal(uint32(2), st.Index)
	require.Equal(1, m.stops)
	require.Len(m.samples, 1)

	r.Push(ctx, videoDelta(1_033_000, "d"))
	require.Len(m.samples, 1)

	// index never repeats across retries
	require.NoError(r.Rotate(ctx))
	require.Equal(filepath.Join("rec", "clip-3.mp4"), muxers.last().path)
}

func TestSegmentRecorder_StartFailure(t *testing.T) {
	ctx := context.Background()
	muxers := &stubMuxers{startErr: errors.New("bad state")}
	r, _, events := newTestRecorder(t, time.Second, muxers)
	require.NoError(t, r.RegisterTrack(ctx, TrackVideo, videoFormat))
	err := r.RegisterTrack(ctx, TrackAudio, audioFormat)
	require.Error(t, err)

	st := r.Status()
	assert.False(t, st.Active)
	assert.Equal(t, 1, muxers.muxers[0].releases)
	assert.Equal(t, 0, muxers.muxers[0].stops)
	assert.Equal(t, []SegmentEventType{EventSegmentOpened, EventSegmentOpenFailed}, events.types())
}

func TestSegmentRecorder_AddTrackFailure(t *testing.T) {
	ctx := context.Background()
	muxers := &stubMuxers{}
	r, _, _ := newTestRecorder(t, time.Second, muxers)
	muxers.last().addErr = errors.New("bad format")

	require.Error(t, r.RegisterTrack(ctx, TrackVideo, videoFormat))
	// the failed declaration can be retried
	muxers.last().addErr = nil
	require.NoError(t, r.RegisterTrack(ctx, TrackVideo, videoFormat))
	assert.True(t, r.Status().Active)
}

func TestSegmentRecorder_DroppedKeyFrameDoesNotAnchor(t *testing.T) {
	for name, key := range map[string]Sample{
		"codec config": {Kind: TrackVideo, Data: []byte("cfg"), Flags: FlagKeyFrame | FlagCodecConfig},
		"empty":        {Kind: TrackVideo, Flags: FlagKeyFrame},
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			muxers := &stubMuxers{}
			r, clock, _ := newTestRecorder(t, time.Second, muxers)
			require.NoError(t, r.RegisterTrack(ctx, TrackVideo, videoFormat))
			require.NoError(t, r.RegisterTrack(ctx, TrackAudio, audioFormat))

			r.Push(ctx, key)
			r.Push(ctx, videoDelta(33, "d1"))
			m := muxers.last()
			assert.Empty(t, m.samples)
			assert.False(t, r.Status().Anchored)

			// nor does it rotate an anchored segment
			r.Push(ctx, videoKey(66, "k2"))
			clock.Set(2 * time.Second)
			r.Push(ctx, key)
			r.Push(ctx, videoDelta(99, "d3"))
			assert.Len(t, muxers.muxers, 1)
			require.Equal(t, []writtenSample{
				{track: 0, data: "k2", pts: 66, flags: FlagKeyFrame},
				{track: 0, data: "d3", pts: 99},
			}, m.samples)
		})
	}
}

func TestSegmentRecorder_WriteFailure(t *testing.T) {
	ctx := context.Background()
	muxers := &stubMuxers{writeErr: errors.New("io error")}
	r, _, events := newTestRecorder(t, time.Second, muxers)
	require.NoError(t, r.RegisterTrack(ctx, TrackVideo, videoFormat))
	require.NoError(t, r.RegisterTrack(ctx, TrackAudio, nil))

	r.Push(ctx, videoKey(0, "k0"))
	// k0 never reached the file, so the segment is still unanchored
	r.Push(ctx, videoDelta(33, "d1"))
	assert.Equal(t, uint64(1), r.Status().Dropped[DropNoAnchor.String()])

	m := muxers.last()
	m.writeErr = nil
	r.Push(ctx, videoKey(66, "k2"))
	m.writeErr = errors.New("io error")
	r.Push(ctx, videoDelta(99, "d3"))
	require.Equal(t, []writtenSample{{track: 0, data: "k2", pts: 66, flags: FlagKeyFrame}}, m.samples)

	st := r.Status()
	assert.Equal(t, uint64(2), st.WriteFailures)
	assert.True(t, st.Active, "write failures do not stop the session")
	types := events.types()
	require.Equal(t, []SegmentEventType{EventSegmentOpened, EventWriteFailed, EventWriteFailed}, types)
	assert.ErrorIs(t, events.events[1].Err, ErrWriteFailed)
	assert.True(t, lperrors.IsAcceptable(events.events[1].Err))
}

func TestSegmentRecorder_EndOfStream(t *testing.T) {
	ctx := context.Background()
	muxers := &stubMuxers{}
	r, _, events := newTestRecorder(t, time.Second, muxers)
	require.NoError(t, r.RegisterTrack(ctx, TrackVideo, videoFormat))
	require.NoError(t, r.RegisterTrack(ctx, TrackAudio, nil))
	r.Push(ctx, videoKey(0, "k0"))
	r.Push(ctx, Sample{Kind: TrackVideo, PTS: 33, Flags: FlagEndOfStream})

	assert.Len(t, muxers.last().samples, 1)
	assert.Equal(t, uint64(1), r.Status().Dropped[DropEmpty.String()])
	assert.Equal(t, EventEndOfStream, events.types()[len(events.types())-1])
}

func TestSegmentRecorder_Restart(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	muxers := &stubMuxers{}
	r, _, events := newTestRecorder(t, 5*time.Second, muxers)

	// nothing registered yet: same segment, nothing to close
	require.NoError(r.Restart(ctx))
	require.Len(muxers.muxers, 1)

	require.NoError(r.RegisterTrack(ctx, TrackVideo, videoFormat))
	require.NoError(r.RegisterTrack(ctx, TrackAudio, nil))
	r.Push(ctx, videoKey(0, "k0"))
	require.Len(muxers.last().samples, 1)

	// the reconnected source registers again, now with audio
	require.NoError(r.Restart(ctx))
	require.Len(muxers.muxers, 2)
	m := muxers.last()
	assert.Equal(t, "rec/clip-1.mp4", filepath.ToSlash(m.path))
	st := r.Status()
	assert.False(t, st.Started)
	assert.False(t, st.VideoRegistered)
	assert.False(t, st.AudioAbsent)

	require.NoError(r.RegisterTrack(ctx, TrackVideo, []byte("V2")))
	require.NoError(r.RegisterTrack(ctx, TrackAudio, audioFormat))
	assert.Equal(t, 1, m.starts)
	assert.Equal(t, []byte("V2"), m.formats[0])
	r.Push(ctx, videoKey(40_000, "k1"))
	r.Push(ctx, audio(40_000, "a1"))
	assert.Len(t, m.samples, 2)

	assert.Equal(t, []SegmentEventType{EventSegmentOpened, EventSegmentClosed, EventSegmentOpened}, events.types())

	r.Release(ctx)
	require.ErrorIs(r.Restart(ctx), ErrReleased)
}

func TestSegmentRecorder_Release(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	// no writer ever opened
	muxers := &stubMuxers{openErr: map[int]error{0: errors.New("nope")}}
	r, _, _ := newTestRecorder(t, time.Second, muxers)
	r.Release(ctx)
	r.Release(ctx)
	require.True(r.Status().Released)

	// opened but never started
	muxers = &stubMuxers{}
	r, _, events := newTestRecorder(t, time.Second, muxers)
	r.Release(ctx)
	r.Release(ctx)
	m := muxers.last()
	require.Equal(0, m.stops)
	require.Equal(1, m.releases)
	require.Equal([]SegmentEventType{EventSegmentOpened, EventSegmentClosed}, events.types())

	// started
	muxers = &stubMuxers{}
	r, _, _ = newTestRecorder(t, time.Second, muxers)
	require.NoError(r.RegisterTrack(ctx, TrackVideo, videoFormat))
	require.NoError(r.RegisterTrack(ctx, TrackAudio, nil))
	r.Push(ctx, videoKey(0, "k0"))
	r.Release(ctx)
	r.Release(ctx)
	m = muxers.last()
	require.Equal(1, m.stops)
	require.Equal(1, m.releases)

	// nothing reaches the writer after release
	r.Push(ctx, videoKey(10, "k1"))
	require.Len(m.samples, 1)
	require.ErrorIs(r.RegisterTrack(ctx, TrackVideo, videoFormat), ErrReleased)
	require.ErrorIs(r.Rotate(ctx), ErrReleased)
}

func TestSegmentRecorder_EventHandlerCanCallBack(t *testing.T) {
	ctx := context.Background()
	muxers := &stubMuxers{}
	var r *SegmentRecorder
	var statuses []RecorderStatus
	r, err := NewSegmentRecorder(ctx, SegmentRecorderConfig{
		BasePath: "clip",
		NewMuxer: muxers.factory,
		OnEvent: func(ctx context.Context, evt SegmentEvent) {
			if r != nil {
				statuses = append(statuses, r.Status())
			}
		},
	})
	require.NoError(t, err)
	r.Release(ctx)
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].Released)
}

func TestSegmentRecorder_ConcurrentProducers(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	muxers := &stubMuxers{}
	r, _, _ := newTestRecorder(t, time.Millisecond, muxers)
	require.NoError(t, r.RegisterTrack(ctx, TrackVideo, videoFormat))
	require.NoError(t, r.RegisterTrack(ctx, TrackAudio, audioFormat))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if i%10 == 0 {
				r.Push(ctx, videoKey(uint64(i), "k"))
			} else {
				r.Push(ctx, videoDelta(uint64(i), "d"))
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			r.Push(ctx, audio(uint64(i), "a"))
		}
	}()
	wg.Wait()
	r.Release(ctx)
	r.Release(ctx)

	for _, m := range muxers.muxers {
		if v := m.videoSamples(); len(v) > 0 {
			assert.True(t, v[0].flags.Has(FlagKeyFrame), "segment %s starts without key frame", m.path)
		}
	}
}

func drawSample(t *rapid.T, label string) Sample {
	kind := TrackKind(rapid.IntRange(0, 1).Draw(t, label+"_kind"))
	flags := SampleFlags(rapid.IntRange(0, 7).Draw(t, label+"_flags"))
	return Sample{
		Kind:  kind,
		Data:  []byte(rapid.StringMatching(`[a-z]{0,3}`).Draw(t, label+"_data")),
		PTS:   rapid.Uint64Range(0, 10_000_000).Draw(t, label+"_pts"),
		Flags: flags,
	}
}

func TestSegmentRecorder_NoWritesBeforeTracks(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		muxers := &stubMuxers{}
		clock := &stubClock{}
		r, err := NewSegmentRecorder(ctx, SegmentRecorderConfig{
			BasePath:        "clip",
			SegmentDuration: time.Second,
			NewMuxer:        muxers.factory,
			Clock:           clock.Now,
		})
		require.NoError(t, err)
		// at most one of the two tracks declared
		switch rapid.IntRange(0, 2).Draw(t, "declared") {
		case 1:
			require.NoError(t, r.RegisterTrack(ctx, TrackVideo, videoFormat))
		case 2:
			require.NoError(t, r.RegisterTrack(ctx, TrackAudio, audioFormat))
		}
		n := rapid.IntRange(0, 50).Draw(t, "n")
		for i := 0; i < n; i++ {
			clock.now = clock.now.Add(time.Duration(rapid.IntRange(0, 3000).Draw(t, "step")) * time.Millisecond)
			r.Push(ctx, drawSample(t, fmt.Sprint(i)))
		}
		require.Equal(t, 0, muxers.totalWrites())
	})
}

func TestSegmentRecorder_SegmentInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		muxers := &stubMuxers{}
		clock := &stubClock{}
		r, err := NewSegmentRecorder(ctx, SegmentRecorderConfig{
			BasePath:        "clip",
			SegmentDuration: time.Duration(rapid.IntRange(0, 5000).Draw(t, "dur")) * time.Millisecond,
			NewMuxer:        muxers.factory,
			Clock:           clock.Now,
		})
		require.NoError(t, err)
		require.NoError(t, r.RegisterTrack(ctx, TrackVideo, videoFormat))
		if rapid.Bool().Draw(t, "withAudio") {
			require.NoError(t, r.RegisterTrack(ctx, TrackAudio, audioFormat))
		} else {
			require.NoError(t, r.RegisterTrack(ctx, TrackAudio, nil))
		}
		before := r.Status()
		require.ErrorIs(t, r.RegisterTrack(ctx, TrackKind(rapid.IntRange(0, 1).Draw(t, "third")), videoFormat), ErrAlreadyRegistered)
		require.Equal(t, before, r.Status())

		n := rapid.IntRange(0, 100).Draw(t, "n")
		for i := 0; i < n; i++ {
			clock.now = clock.now.Add(time.Duration(rapid.IntRange(0, 2000).Draw(t, "step")) * time.Millisecond)
			r.Push(ctx, drawSample(t, fmt.Sprint(i)))
		}
		r.Release(ctx)

		for i, m := range muxers.muxers {
			require.Equal(t, fmt.Sprintf("clip-%d.mp4", i), m.path)
			require.Equal(t, 1, m.releases)
			if v := m.videoSamples(); len(v) > 0 {
				require.True(t, v[0].flags.Has(FlagKeyFrame))
			}
			for _, s := range m.samples {
				require.False(t, s.flags.Has(FlagCodecConfig))
				require.NotEmpty(t, s.data)
			}
		}
	})
}
