package media

import "strings"

type TrackKind int

const (
	TrackVideo TrackKind = iota
	TrackAudio
)

func (k TrackKind) String() string {
	switch k {
	case TrackVideo:
		return "video"
	case TrackAudio:
		return "audio"
	}
	return "unknown"
}

// TrackID is the identifier a Muxer hands out when a track is added to it.
type TrackID int

// SampleFlags mirrors the buffer flags an encoder attaches to its output.
type SampleFlags uint8

const (
	FlagKeyFrame SampleFlags = 1 << iota
	FlagCodecConfig
	FlagEndOfStream
)

func (f SampleFlags) Has(flag SampleFlags) bool {
	return f&flag != 0
}

func (f SampleFlags) String() string {
	var parts []string
	if f.Has(FlagKeyFrame) {
		parts = append(parts, "key")
	}
	if f.Has(FlagCodecConfig) {
		parts = append(parts, "config")
	}
	if f.Has(FlagEndOfStream) {
		parts = append(parts, "eos")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Sample is one encoded access unit. Data is only borrowed for the duration
// of the call it is passed to.
type Sample struct {
	Kind  TrackKind
	Data  []byte
	PTS   uint64 // presentation time, microseconds
	Flags SampleFlags
}

func (s Sample) IsVideo() bool {
	return s.Kind == TrackVideo
}

// TrackDescriptor holds a declared track and, once the current segment's
// muxer accepted it, the id it was assigned there.
type TrackDescriptor struct {
	Kind     TrackKind
	Format   []byte
	ID       TrackID
	Assigned bool
}
