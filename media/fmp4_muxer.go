package media

import (
	"os"

	"github.com/aler9/writerseeker"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/pkg/errors"
)

var (
	errMuxerNotStarted = errors.New("muxer not started")
	errMuxerStarted    = errors.New("muxer already started")
	errMuxerStopped    = errors.New("muxer stopped")
	errUnknownTrack    = errors.New("unknown track")
)

type fmp4Track struct {
	id        int
	kind      TrackKind
	timeScale uint32
	initTrack *fmp4.InitTrack

	// samples need the next timestamp for their duration, so one is held back
	pending       *fmp4.PartSample
	pendingDTS    int64
	lastDuration  uint32
	samples       []*fmp4.PartSample
	partStartTime int64
}

// fmp4Muxer writes a fragmented MP4 file: an init segment on Start, then
// one fragment per video key frame interval.
type fmp4Muxer struct {
	path   string
	f      *os.File
	tracks []*fmp4Track

	started  bool
	stopped  bool
	seq      uint32
	basePTS  uint64
	baseSet  bool
	released bool
}

func NewFMP4Muxer(path string) (Muxer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &fmp4Muxer{path: path, f: f}, nil
}

func (m *fmp4Muxer) AddTrack(kind TrackKind, format []byte) (TrackID, error) {
	if m.started {
		return 0, errMuxerStarted
	}
	t := &fmp4Track{id: len(m.tracks) + 1, kind: kind}
	switch kind {
	case TrackVideo:
		p, err := parseVideoFormat(format)
		if err != nil {
			return 0, err
		}
		t.timeScale = videoTimeScale
		t.lastDuration = videoTimeScale / 30
		t.initTrack = &fmp4.InitTrack{
			ID:        t.id,
			TimeScale: t.timeScale,
			Codec:     &fmp4.CodecH264{SPS: p.sps, PPS: p.pps},
		}
	case TrackAudio:
		conf, err := parseAudioFormat(format)
		if err != nil {
			return 0, err
		}
		t.timeScale = uint32(conf.SampleRate)
		t.lastDuration = aacSamplesPerAU
		t.initTrack = &fmp4.InitTrack{
			ID:        t.id,
			TimeScale: t.timeScale,
			Codec:     &fmp4.CodecMPEG4Audio{Config: *conf},
		}
	default:
		return 0, errors.Errorf("unknown track kind %d", kind)
	}
	m.tracks = append(m.tracks, t)
	return TrackID(t.id), nil
}

func (m *fmp4Muxer) Start() error {
	if m.started {
		return errMuxerStarted
	}
	if len(m.tracks) == 0 {
		return ErrNoTracks
	}
	init := fmp4.Init{}
	for _, t := range m.tracks {
		init.Tracks = append(init.Tracks, t.initTrack)
	}
	var ws writerseeker.WriterSeeker
	if err := init.Marshal(&ws); err != nil {
		return errors.Wrap(err, "marshal init")
	}
	if _, err := m.f.Write(ws.Bytes()); err != nil {
		return err
	}
	m.started = true
	return nil
}

func (m *fmp4Muxer) WriteSample(id TrackID, data []byte, pts uint64, flags SampleFlags) error {
	if !m.started {
		return errMuxerNotStarted
	}
	if m.stopped {
		return errMuxerStopped
	}
	t := m.track(id)
	if t == nil {
		return errors.Wrapf(errUnknownTrack, "id=%d", id)
	}
	payload := data
	key := flags.Has(FlagKeyFrame)
	if t.kind == TrackVideo {
		au, err := splitNALUs(data)
		if err != nil {
			return errors.Wrap(err, "invalid access unit")
		}
		if payload, err = h264.AVCC(au).Marshal(); err != nil {
			return err
		}
		key = key || h264.IsRandomAccess(au)
	} else {
		// every audio frame is a sync sample
		key = true
	}

	if !m.baseSet {
		m.basePTS, m.baseSet = pts, true
	}
	var rel uint64
	if pts > m.basePTS {
		rel = pts - m.basePTS
	}
	dts := ticks(rel, t.timeScale)

	m.completePending(t, dts)
	if t.kind == TrackVideo && key {
		if err := m.flushPart(); err != nil {
			return err
		}
	}
	t.pending = &fmp4.PartSample{
		IsNonSyncSample: !key,
		Payload:         cloneBytes(payload),
	}
	t.pendingDTS = dts
	return nil
}

// completePending moves the held sample of t into the current fragment now
// that its duration is known.
func (m *fmp4Muxer) completePending(t *fmp4Track, nextDTS int64) {
	if t.pending == nil {
		return
	}
	d := nextDTS - t.pendingDTS
	if d < 0 {
		d = 0
	}
	t.pending.Duration = uint32(d)
	if d > 0 {
		t.lastDuration = uint32(d)
	}
	if len(t.samples) == 0 {
		t.partStartTime = t.pendingDTS
	}
	t.samples = append(t.samples, t.pending)
	t.pending = nil
}

func (m *fmp4Muxer) flushPart() error {
	part := fmp4.Part{SequenceNumber: m.seq}
	for _, t := range m.tracks {
		if len(t.samples) == 0 {
			continue
		}
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID:       t.id,
			BaseTime: uint64(t.partStartTime),
			Samples:  t.samples,
		})
		t.samples = nil
	}
	if len(part.Tracks) == 0 {
		return nil
	}
	var ws writerseeker.WriterSeeker
	if err := part.Marshal(&ws); err != nil {
		return errors.Wrap(err, "marshal fragment")
	}
	if _, err := m.f.Write(ws.Bytes()); err != nil {
		return err
	}
	m.seq++
	return nil
}

func (m *fmp4Muxer) Stop() error {
	if !m.started {
		return errMuxerNotStarted
	}
	if m.stopped {
		return errMuxerStopped
	}
	m.stopped = true
	for _, t := range m.tracks {
		if t.pending != nil {
			m.completePending(t, t.pendingDTS+int64(t.lastDuration))
		}
	}
	if err := m.flushPart(); err != nil {
		return err
	}
	if err := m.f.Sync(); err != nil {
		return err
	}
	return m.Release()
}

func (m *fmp4Muxer) Release() error {
	if m.released {
		return nil
	}
	m.released = true
	return m.f.Close()
}

func (m *fmp4Muxer) track(id TrackID) *fmp4Track {
	for _, t := range m.tracks {
		if TrackID(t.id) == id {
			return t
		}
	}
	return nil
}
