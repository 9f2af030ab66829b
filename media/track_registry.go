package media

import (
	"github.com/pkg/errors"
)

// trackRegistry remembers the declared tracks for the session and which of
// them the current segment's writer has accepted.
type trackRegistry struct {
	video         TrackDescriptor
	audio         TrackDescriptor
	videoDeclared bool
	audioDeclared bool
	audioAbsent   bool

	// the current writer has been started
	started bool
}

// declare stores a track for the session. An empty audio format declares
// the audio track absent.
func (r *trackRegistry) declare(kind TrackKind, format []byte) error {
	if r.videoDeclared && r.audioDeclared {
		return errors.Wrap(ErrAlreadyRegistered, "all tracks already added")
	}
	switch kind {
	case TrackVideo:
		if r.videoDeclared {
			return errors.Wrap(ErrAlreadyRegistered, "video track already added")
		}
		if len(format) == 0 {
			return ErrEmptyVideoFormat
		}
		r.video = TrackDescriptor{Kind: TrackVideo, Format: cloneBytes(format)}
		r.videoDeclared = true
	case TrackAudio:
		if r.audioDeclared {
			return errors.Wrap(ErrAlreadyRegistered, "audio track already added")
		}
		r.audio = TrackDescriptor{Kind: TrackAudio, Format: cloneBytes(format)}
		r.audioDeclared = true
		r.audioAbsent = len(format) == 0
	default:
		return errors.Errorf("unknown track kind %d", kind)
	}
	return nil
}

// undeclare reverts a declare whose registration with the writer failed.
func (r *trackRegistry) undeclare(kind TrackKind) {
	switch kind {
	case TrackVideo:
		r.video = TrackDescriptor{}
		r.videoDeclared = false
	case TrackAudio:
		r.audio = TrackDescriptor{}
		r.audioDeclared = false
		r.audioAbsent = false
	}
}

// attach adds every declared but unassigned track to w, video first, and
// starts w once the video track is in and audio is either in or absent.
func (r *trackRegistry) attach(w *segmentWriter) error {
	if err := r.assign(w); err != nil {
		return err
	}
	return r.startIfReady(w)
}

func (r *trackRegistry) assign(w *segmentWriter) error {
	if r.videoDeclared && !r.video.Assigned {
		id, err := w.addTrack(TrackVideo, r.video.Format)
		if err != nil {
			return err
		}
		r.video.ID, r.video.Assigned = id, true
	}
	if r.audioDeclared && !r.audioAbsent && !r.audio.Assigned {
		id, err := w.addTrack(TrackAudio, r.audio.Format)
		if err != nil {
			return err
		}
		r.audio.ID, r.audio.Assigned = id, true
	}
	return nil
}

func (r *trackRegistry) startIfReady(w *segmentWriter) error {
	if r.ready() && !r.started {
		if err := w.start(); err != nil {
			return err
		}
		r.started = true
	}
	return nil
}

func (r *trackRegistry) ready() bool {
	return r.video.Assigned && (r.audio.Assigned || r.audioAbsent)
}

// reset forgets the writer-assigned ids ahead of a new segment. Declared
// formats are kept so they can be registered again.
func (r *trackRegistry) reset() {
	r.video.ID, r.video.Assigned = 0, false
	r.audio.ID, r.audio.Assigned = 0, false
	r.started = false
}

func (r *trackRegistry) trackID(kind TrackKind) (TrackID, bool) {
	if kind == TrackVideo {
		return r.video.ID, r.video.Assigned
	}
	return r.audio.ID, r.audio.Assigned
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
