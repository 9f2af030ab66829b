package media

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/livepeer/go-recorder/clog"
	lperrors "github.com/livepeer/go-recorder/errors"
	"github.com/pkg/errors"
)

var (
	ErrEmptyPath         = errors.New("base path is empty")
	ErrAlreadyRegistered = errors.New("track already registered")
	ErrEmptyVideoFormat  = errors.New("video track requires a format")
	ErrOpenFailed        = errors.New("segment open failed")
	ErrWriteFailed       = errors.New("sample write failed")
	ErrNoTracks          = errors.New("muxer has no tracks")
	ErrAlreadyStarted    = errors.New("muxer already started")
	ErrNotStarted        = errors.New("muxer not started")
	ErrReleased          = errors.New("recorder released")
)

// DropReason says why Push did not forward a sample.
type DropReason int

const (
	DropNotStarted DropReason = iota
	DropAudioAbsent
	DropNoAnchor
	DropCodecConfig
	DropEmpty
	numDropReasons
)

func (d DropReason) String() string {
	switch d {
	case DropNotStarted:
		return "not_started"
	case DropAudioAbsent:
		return "audio_absent"
	case DropNoAnchor:
		return "no_keyframe"
	case DropCodecConfig:
		return "codec_config"
	case DropEmpty:
		return "empty"
	}
	return "unknown"
}

type SegmentEventType int

const (
	EventSegmentOpened SegmentEventType = iota
	EventSegmentClosed
	EventSegmentOpenFailed
	EventWriteFailed
	EventEndOfStream
)

func (t SegmentEventType) String() string {
	switch t {
	case EventSegmentOpened:
		return "SegmentOpened"
	case EventSegmentClosed:
		return "SegmentClosed"
	case EventSegmentOpenFailed:
		return "SegmentOpenFailed"
	case EventWriteFailed:
		return "SampleWriteFailed"
	case EventEndOfStream:
		return "EndOfStream"
	}
	return "Unknown"
}

// SegmentEvent reports a change in the recorder's segment lifecycle. Err is
// set for failures and implements errors.AcceptableError.
type SegmentEvent struct {
	Type     SegmentEventType
	Index    uint32
	Path     string
	Err      error
	Samples  int
	Bytes    int64
	Duration time.Duration
}

// SegmentEventHandler is called outside the recorder lock, after the call
// that produced the event has finished its state changes.
type SegmentEventHandler func(ctx context.Context, evt SegmentEvent)

type SegmentRecorderConfig struct {
	// Output files are named {BasePath}-{index}{Extension}
	BasePath string

	// Target segment length; zero or negative disables rotation
	SegmentDuration time.Duration

	// Container extension, defaults to .mp4
	Extension string

	// Opens the container writer for each segment. Defaults to the built in
	// muxer for Extension.
	NewMuxer MuxerFactory

	// function to obtain current time, injected for testing
	Clock func() time.Time

	OnEvent SegmentEventHandler
}

// SegmentRecorder writes samples from a live encoder into a sequence of
// segment files, each starting on a video key frame. All methods are safe
// for concurrent use.
type SegmentRecorder struct {
	mu sync.Mutex

	basePath string
	ext      string
	newMuxer MuxerFactory
	now      func() time.Time
	onEvent  SegmentEventHandler

	index    uint32
	path     string
	writer   *segmentWriter // nil while no segment is open
	tracks   trackRegistry
	policy   rotationPolicy
	released bool

	drops         [numDropReasons]uint64
	writeFailures uint64
	lastErr       error
	events        []SegmentEvent
}

// OpenSegmentRecorder creates a recorder with the default muxer for the
// .mp4 container.
func OpenSegmentRecorder(ctx context.Context, basePath string, segmentDuration time.Duration) (*SegmentRecorder, error) {
	return NewSegmentRecorder(ctx, SegmentRecorderConfig{
		BasePath:        basePath,
		SegmentDuration: segmentDuration,
	})
}

// NewSegmentRecorder validates conf and opens the first segment. Failing to
// open that segment is not fatal: the recorder stays inactive and drops
// samples until a later Rotate succeeds.
func NewSegmentRecorder(ctx context.Context, conf SegmentRecorderConfig) (*SegmentRecorder, error) {
	if conf.BasePath == "" {
		return nil, ErrEmptyPath
	}
	if conf.Extension == "" {
		conf.Extension = ExtensionMP4
	}
	if !strings.HasPrefix(conf.Extension, ".") {
		conf.Extension = "." + conf.Extension
	}
	if conf.NewMuxer == nil {
		f, err := MuxerForExtension(conf.Extension)
		if err != nil {
			return nil, err
		}
		conf.NewMuxer = f
	}
	if conf.Clock == nil {
		conf.Clock = time.Now
	}
	r := &SegmentRecorder{
		basePath: trimExtension(conf.BasePath, conf.Extension),
		ext:      conf.Extension,
		newMuxer: conf.NewMuxer,
		now:      conf.Clock,
		onEvent:  conf.OnEvent,
		policy:   rotationPolicy{segmentDuration: conf.SegmentDuration},
	}
	r.mu.Lock()
	r.openSegment(ctx)
	events := r.takeEvents()
	r.mu.Unlock()
	r.dispatch(ctx, events)
	return r, nil
}

// RegisterTrack declares the session's video or audio track. An empty audio
// format declares that the session has no audio. Recording starts once video
// is registered and audio is registered or absent.
func (r *SegmentRecorder) RegisterTrack(ctx context.Context, kind TrackKind, format []byte) error {
	r.mu.Lock()
	err := r.registerTrack(ctx, kind, format)
	events := r.takeEvents()
	r.mu.Unlock()
	r.dispatch(ctx, events)
	return err
}

func (r *SegmentRecorder) registerTrack(ctx context.Context, kind TrackKind, format []byte) error {
	if r.released {
		return ErrReleased
	}
	if err := r.tracks.declare(kind, format); err != nil {
		return err
	}
	absent := kind == TrackAudio && len(format) == 0
	clog.Infof(clog.AddTrack(ctx, kind.String()), "Added track absent=%v format_len=%d", absent, len(format))
	if r.writer == nil {
		// registered with the next segment that opens
		return nil
	}
	if err := r.tracks.assign(r.writer); err != nil {
		r.tracks.undeclare(kind)
		return err
	}
	if err := r.tracks.startIfReady(r.writer); err != nil {
		r.abandonSegment(ctx, err)
		return err
	}
	if r.tracks.started {
		clog.Infof(ctx, "All tracks added, segment started path=%s", r.path)
	}
	return nil
}

// Push routes one sample into the current segment, rotating to the next
// segment when a video key frame arrives past the target duration. Samples
// that cannot be written yet are dropped; failures are reported through
// OnEvent and never returned.
func (r *SegmentRecorder) Push(ctx context.Context, s Sample) {
	r.mu.Lock()
	r.push(ctx, s)
	events := r.takeEvents()
	r.mu.Unlock()
	r.dispatch(ctx, events)
}

func (r *SegmentRecorder) push(ctx context.Context, s Sample) {
	if r.writer == nil || !r.tracks.started {
		r.drop(ctx, s, DropNotStarted)
		return
	}
	if s.Kind == TrackAudio && r.tracks.audioAbsent {
		r.drop(ctx, s, DropAudioAbsent)
		return
	}
	defer r.endOfStream(ctx, s)
	// samples never forwarded must not anchor or rotate a segment
	if s.Flags.Has(FlagCodecConfig) {
		r.drop(ctx, s, DropCodecConfig)
		return
	}
	if len(s.Data) == 0 {
		r.drop(ctx, s, DropEmpty)
		return
	}
	anchoring := false
	if s.IsVideo() && s.Flags.Has(FlagKeyFrame) {
		anchoring = !r.policy.anchored()
		if r.policy.onVideoKeyFrame(r.now()) == rotateNow {
			clog.Infof(ctx, "Segment reached duration, rotating index=%d", r.index)
			if !r.rotate(ctx) {
				r.drop(ctx, s, DropNotStarted)
				return
			}
			// the key frame that closed the previous segment anchors this one
			r.policy.onVideoKeyFrame(r.now())
			anchoring = true
		}
	}
	if !r.policy.anchored() {
		r.drop(ctx, s, DropNoAnchor)
		return
	}
	id, _ := r.tracks.trackID(s.Kind)
	if err := r.writer.write(id, s.Data, s.PTS, s.Flags); err != nil {
		if anchoring {
			// the segment still waits for a key frame it actually holds
			r.policy.reset()
		}
		r.writeFailures++
		r.recordFailure(ctx, EventWriteFailed, err, true)
	} else if clog.V(3) {
		clog.Infof(ctx, "Wrote %s sample size=%d pts=%d flags=%s", s.Kind, len(s.Data), s.PTS, s.Flags)
	}
}

func (r *SegmentRecorder) endOfStream(ctx context.Context, s Sample) {
	if !s.Flags.Has(FlagEndOfStream) {
		return
	}
	clog.Infof(ctx, "End of stream received kind=%s index=%d", s.Kind, r.index)
	r.events = append(r.events, SegmentEvent{Type: EventEndOfStream, Index: r.index, Path: r.path})
}

// Rotate closes the current segment, if any, and opens the next one. It is
// how callers retry after a segment failed to open.
func (r *SegmentRecorder) Rotate(ctx context.Context) error {
	r.mu.Lock()
	var err error
	if r.released {
		err = ErrReleased
	} else if !r.rotate(ctx) {
		err = r.lastErr
	}
	events := r.takeEvents()
	r.mu.Unlock()
	r.dispatch(ctx, events)
	return err
}

// Restart forgets the declared tracks so a reconnected source can register
// them again, possibly with new formats. The current segment is kept when no
// track reached its writer yet; otherwise it is closed and the next one
// opened.
func (r *SegmentRecorder) Restart(ctx context.Context) error {
	r.mu.Lock()
	var err error
	switch {
	case r.released:
		err = ErrReleased
	case r.writer != nil && !r.tracks.video.Assigned && !r.tracks.audio.Assigned:
		r.tracks = trackRegistry{}
		r.policy.reset()
	default:
		r.closeSegment(ctx)
		r.tracks = trackRegistry{}
		r.index++
		if !r.openSegment(ctx) {
			err = r.lastErr
		}
	}
	events := r.takeEvents()
	r.mu.Unlock()
	r.dispatch(ctx, events)
	if err == nil {
		clog.Infof(ctx, "Recorder restarted for new tracks index=%d", r.Status().Index)
	}
	return err
}

// Release finalizes the current segment. Safe to call more than once and
// concurrently with Push; errors from the muxer are logged and dropped.
func (r *SegmentRecorder) Release(ctx context.Context) {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return
	}
	r.closeSegment(ctx)
	r.released = true
	events := r.takeEvents()
	r.mu.Unlock()
	r.dispatch(ctx, events)
	clog.Infof(ctx, "Recorder released")
}

// rotate returns whether the new segment is open. Must hold r.mu.
func (r *SegmentRecorder) rotate(ctx context.Context) bool {
	r.closeSegment(ctx)
	r.index++
	return r.openSegment(ctx)
}

func (r *SegmentRecorder) openSegment(ctx context.Context) bool {
	r.tracks.reset()
	r.policy.reset()
	r.path = segmentPath(r.basePath, r.index, r.ext)
	w, err := openSegmentWriter(r.newMuxer, r.path)
	if err != nil {
		r.recordFailure(ctx, EventSegmentOpenFailed, err, false)
		return false
	}
	r.writer = w
	if err := r.tracks.attach(w); err != nil {
		r.abandonSegment(ctx, err)
		return false
	}
	clog.Infof(ctx, "Opened segment index=%d path=%s started=%v", r.index, r.path, r.tracks.started)
	r.events = append(r.events, SegmentEvent{Type: EventSegmentOpened, Index: r.index, Path: r.path})
	return true
}

// abandonSegment drops a writer that could not be set up.
func (r *SegmentRecorder) abandonSegment(ctx context.Context, err error) {
	if cerr := r.writer.close(); cerr != nil {
		clog.Warningf(ctx, "Error releasing abandoned segment path=%s err=%q", r.path, cerr)
	}
	r.writer = nil
	r.tracks.reset()
	r.recordFailure(ctx, EventSegmentOpenFailed, errors.Wrapf(ErrOpenFailed, "path=%s err=%v", r.path, err), false)
}

func (r *SegmentRecorder) closeSegment(ctx context.Context) {
	w := r.writer
	if w == nil {
		return
	}
	r.writer = nil
	r.tracks.reset()
	r.policy.reset()
	if err := w.close(); err != nil {
		// reported as closed regardless
		clog.Warningf(ctx, "Error closing segment path=%s err=%q", w.path, err)
	}
	clog.Infof(clog.AddSegment(ctx, r.index), "Closed segment path=%s samples=%d size=%s duration=%s",
		w.path, w.samples, humanize.Bytes(uint64(w.bytes)), w.duration())
	r.events = append(r.events, SegmentEvent{
		Type:     EventSegmentClosed,
		Index:    r.index,
		Path:     w.path,
		Samples:  w.samples,
		Bytes:    w.bytes,
		Duration: w.duration(),
	})
}

func (r *SegmentRecorder) recordFailure(ctx context.Context, typ SegmentEventType, err error, acceptable bool) {
	r.lastErr = err
	clog.Errorf(ctx, "%s index=%d path=%s err=%q", typ, r.index, r.path, err)
	r.events = append(r.events, SegmentEvent{
		Type:  typ,
		Index: r.index,
		Path:  r.path,
		Err:   lperrors.NewAcceptableError(err, acceptable),
	})
}

func (r *SegmentRecorder) drop(ctx context.Context, s Sample, reason DropReason) {
	r.drops[reason]++
	if clog.V(2) {
		clog.Infof(clog.AddTrack(ctx, s.Kind.String()), "Dropping sample reason=%s pts=%d flags=%s", reason, s.PTS, s.Flags)
	}
}

func (r *SegmentRecorder) takeEvents() []SegmentEvent {
	events := r.events
	r.events = nil
	return events
}

func (r *SegmentRecorder) dispatch(ctx context.Context, events []SegmentEvent) {
	if r.onEvent == nil {
		return
	}
	for _, evt := range events {
		r.onEvent(ctx, evt)
	}
}

// RecorderStatus is a point in time view of the recorder.
type RecorderStatus struct {
	Index           uint32            `json:"index"`
	Path            string            `json:"path"`
	Active          bool              `json:"active"`
	Started         bool              `json:"started"`
	Anchored        bool              `json:"anchored"`
	VideoRegistered bool              `json:"videoRegistered"`
	AudioRegistered bool              `json:"audioRegistered"`
	AudioAbsent     bool              `json:"audioAbsent"`
	Samples         int               `json:"samples"`
	Bytes           int64             `json:"bytes"`
	Duration        time.Duration     `json:"duration"`
	Dropped         map[string]uint64 `json:"dropped"`
	WriteFailures   uint64            `json:"writeFailures"`
	LastError       string            `json:"lastError,omitempty"`
	Released        bool              `json:"released"`
}

func (r *SegmentRecorder) Status() RecorderStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := RecorderStatus{
		Index:           r.index,
		Path:            r.path,
		Active:          r.writer != nil,
		Started:         r.tracks.started,
		Anchored:        r.policy.anchored(),
		VideoRegistered: r.tracks.video.Assigned,
		AudioRegistered: r.tracks.audio.Assigned,
		AudioAbsent:     r.tracks.audioAbsent,
		Dropped:         make(map[string]uint64, numDropReasons),
		WriteFailures:   r.writeFailures,
		Released:        r.released,
	}
	if r.writer != nil {
		st.Samples = r.writer.samples
		st.Bytes = r.writer.bytes
		st.Duration = r.writer.duration()
	}
	for i, n := range r.drops {
		st.Dropped[DropReason(i).String()] = n
	}
	if r.lastErr != nil {
		st.LastError = r.lastErr.Error()
	}
	return st
}

func segmentPath(base string, index uint32, ext string) string {
	return fmt.Sprintf("%s-%d%s", base, index, ext)
}

// trimExtension strips a trailing ext from path, ignoring case.
func trimExtension(path, ext string) string {
	if len(path) > len(ext) && strings.EqualFold(path[len(path)-len(ext):], ext) {
		return path[:len(path)-len(ext)]
	}
	return path
}
