package media

import (
	"bufio"
	"os"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
	"github.com/pkg/errors"
)

type mpegtsTrack struct {
	kind   TrackKind
	track  *mpegts.Track
	params videoParams
}

// mpegtsMuxer writes an MPEG-TS file. Timestamps are rebased to the first
// sample and expressed in the 90 kHz clock.
type mpegtsMuxer struct {
	path   string
	f      *os.File
	b      *bufio.Writer
	w      *mpegts.Writer
	tracks []*mpegtsTrack

	started  bool
	stopped  bool
	basePTS  uint64
	baseSet  bool
	released bool
}

func NewMPEGTSMuxer(path string) (Muxer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &mpegtsMuxer{path: path, f: f, b: bufio.NewWriter(f)}, nil
}

func (m *mpegtsMuxer) AddTrack(kind TrackKind, format []byte) (TrackID, error) {
	if m.started {
		return 0, errMuxerStarted
	}
	t := &mpegtsTrack{kind: kind}
	switch kind {
	case TrackVideo:
		p, err := parseVideoFormat(format)
		if err != nil {
			return 0, err
		}
		t.params = p
		t.track = &mpegts.Track{Codec: &mpegts.CodecH264{}}
	case TrackAudio:
		conf, err := parseAudioFormat(format)
		if err != nil {
			return 0, err
		}
		t.track = &mpegts.Track{Codec: &mpegts.CodecMPEG4Audio{Config: *conf}}
	default:
		return 0, errors.Errorf("unknown track kind %d", kind)
	}
	m.tracks = append(m.tracks, t)
	return TrackID(len(m.tracks)), nil
}

func (m *mpegtsMuxer) Start() error {
	if m.started {
		return errMuxerStarted
	}
	if len(m.tracks) == 0 {
		return ErrNoTracks
	}
	tracks := make([]*mpegts.Track, len(m.tracks))
	for i, t := range m.tracks {
		tracks[i] = t.track
	}
	m.w = &mpegts.Writer{W: m.b, Tracks: tracks}
	if err := m.w.Initialize(); err != nil {
		return errors.Wrap(err, "initialize mpegts writer")
	}
	m.started = true
	return nil
}

func (m *mpegtsMuxer) WriteSample(id TrackID, data []byte, pts uint64, flags SampleFlags) error {
	if !m.started {
		return errMuxerNotStarted
	}
	if m.stopped {
		return errMuxerStopped
	}
	if id < 1 || int(id) > len(m.tracks) {
		return errors.Wrapf(errUnknownTrack, "id=%d", id)
	}
	t := m.tracks[id-1]

	if !m.baseSet {
		m.basePTS, m.baseSet = pts, true
	}
	var rel uint64
	if pts > m.basePTS {
		rel = pts - m.basePTS
	}
	ts := ticks(rel, videoTimeScale)

	if t.kind == TrackAudio {
		return m.w.WriteMPEG4Audio(t.track, ts, [][]byte{data})
	}
	au, err := splitNALUs(data)
	if err != nil {
		return errors.Wrap(err, "invalid access unit")
	}
	if flags.Has(FlagKeyFrame) || h264.IsRandomAccess(au) {
		au = withParams(au, t.params)
	}
	return m.w.WriteH264(t.track, ts, ts, au)
}

func (m *mpegtsMuxer) Stop() error {
	if !m.started {
		return errMuxerNotStarted
	}
	if m.stopped {
		return errMuxerStopped
	}
	m.stopped = true
	if err := m.b.Flush(); err != nil {
		return err
	}
	return m.Release()
}

func (m *mpegtsMuxer) Release() error {
	if m.released {
		return nil
	}
	m.released = true
	return m.f.Close()
}
