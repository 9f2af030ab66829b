package media

import (
	"strings"

	"github.com/pkg/errors"
)

const (
	ExtensionMP4    = ".mp4"
	ExtensionMPEGTS = ".ts"
)

// Muxer is the container writer a segment is written through. One Muxer
// owns exactly one output file.
type Muxer interface {
	// AddTrack declares a track from its codec configuration. Must be
	// called before Start.
	AddTrack(kind TrackKind, format []byte) (TrackID, error)
	Start() error
	WriteSample(id TrackID, data []byte, pts uint64, flags SampleFlags) error
	// Stop finalizes the file. Muxers that were never started return an error.
	Stop() error
	Release() error
}

// MuxerFactory opens a Muxer writing to path.
type MuxerFactory func(path string) (Muxer, error)

var errUnknownExtension = errors.New("no muxer for extension")

// MuxerForExtension returns the built in factory for a container extension.
func MuxerForExtension(ext string) (MuxerFactory, error) {
	switch strings.ToLower(ext) {
	case ExtensionMP4:
		return NewFMP4Muxer, nil
	case ExtensionMPEGTS:
		return NewMPEGTSMuxer, nil
	}
	return nil, errors.Wrapf(errUnknownExtension, "ext=%q", ext)
}
