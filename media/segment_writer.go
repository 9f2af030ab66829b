package media

import (
	"time"

	"github.com/pkg/errors"
)

// segmentWriter owns one open container file.
type segmentWriter struct {
	muxer   Muxer
	path    string
	tracks  int
	started bool

	// stats for the file, reported when the segment closes
	samples  int
	bytes    int64
	firstPTS uint64
	lastPTS  uint64
}

func openSegmentWriter(newMuxer MuxerFactory, path string) (*segmentWriter, error) {
	m, err := newMuxer(path)
	if err != nil {
		return nil, errors.Wrapf(ErrOpenFailed, "path=%s err=%v", path, err)
	}
	return &segmentWriter{muxer: m, path: path}, nil
}

func (w *segmentWriter) addTrack(kind TrackKind, format []byte) (TrackID, error) {
	if w.started {
		return 0, errors.Wrapf(ErrAlreadyStarted, "cannot add %s track", kind)
	}
	id, err := w.muxer.AddTrack(kind, format)
	if err != nil {
		return 0, errors.Wrapf(err, "add %s track", kind)
	}
	w.tracks++
	return id, nil
}

func (w *segmentWriter) start() error {
	if w.tracks == 0 {
		return ErrNoTracks
	}
	if w.started {
		return ErrAlreadyStarted
	}
	if err := w.muxer.Start(); err != nil {
		return errors.Wrapf(err, "start path=%s", w.path)
	}
	w.started = true
	return nil
}

func (w *segmentWriter) write(id TrackID, data []byte, pts uint64, flags SampleFlags) error {
	if !w.started {
		return ErrNotStarted
	}
	if err := w.muxer.WriteSample(id, data, pts, flags); err != nil {
		return errors.Wrapf(ErrWriteFailed, "track=%d pts=%d err=%v", id, pts, err)
	}
	if w.samples == 0 || pts < w.firstPTS {
		w.firstPTS = pts
	}
	if pts > w.lastPTS {
		w.lastPTS = pts
	}
	w.samples++
	w.bytes += int64(len(data))
	return nil
}

// close stops and releases the muxer. A writer that never started is only
// released.
func (w *segmentWriter) close() error {
	var err error
	if w.started {
		err = w.muxer.Stop()
		w.started = false
	}
	if rerr := w.muxer.Release(); err == nil {
		err = rerr
	}
	return err
}

func (w *segmentWriter) duration() time.Duration {
	if w.samples == 0 {
		return 0
	}
	return time.Duration(w.lastPTS-w.firstPTS) * time.Microsecond
}
