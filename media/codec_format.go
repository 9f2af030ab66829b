package media

import (
	"bytes"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/pkg/errors"
)

const (
	videoTimeScale = 90000

	// AAC-LC access units always carry 1024 samples
	aacSamplesPerAU = 1024
)

var (
	errMissingSPS = errors.New("video format has no SPS")
	errMissingPPS = errors.New("video format has no PPS")
)

type videoParams struct {
	sps []byte
	pps []byte
}

// parseVideoFormat reads SPS and PPS out of an H.264 codec configuration in
// Annex-B or length-prefixed form.
func parseVideoFormat(format []byte) (videoParams, error) {
	nalus, err := splitNALUs(format)
	if err != nil {
		return videoParams{}, errors.Wrap(err, "video format")
	}
	var p videoParams
	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS:
			p.sps = cloneBytes(nalu)
		case h264.NALUTypePPS:
			p.pps = cloneBytes(nalu)
		}
	}
	if p.sps == nil {
		return videoParams{}, errMissingSPS
	}
	if p.pps == nil {
		return videoParams{}, errMissingPPS
	}
	var sps h264.SPS
	if err := sps.Unmarshal(p.sps); err != nil {
		return videoParams{}, errors.Wrap(err, "invalid SPS")
	}
	return p, nil
}

func parseAudioFormat(format []byte) (*mpeg4audio.AudioSpecificConfig, error) {
	var conf mpeg4audio.AudioSpecificConfig
	if err := conf.Unmarshal(format); err != nil {
		return nil, errors.Wrap(err, "invalid AudioSpecificConfig")
	}
	return &conf, nil
}

func isAnnexB(b []byte) bool {
	return bytes.HasPrefix(b, []byte{0, 0, 0, 1}) || bytes.HasPrefix(b, []byte{0, 0, 1})
}

// splitNALUs accepts an access unit either with start codes or with 4 byte
// length prefixes.
func splitNALUs(data []byte) ([][]byte, error) {
	if isAnnexB(data) {
		var au h264.AnnexB
		if err := au.Unmarshal(data); err != nil {
			return nil, err
		}
		return au, nil
	}
	var au h264.AVCC
	if err := au.Unmarshal(data); err != nil {
		return nil, err
	}
	return au, nil
}

// withParams prepends SPS and PPS to a key frame that does not carry them.
func withParams(au [][]byte, p videoParams) [][]byte {
	for _, nalu := range au {
		if len(nalu) > 0 && h264.NALUType(nalu[0]&0x1F) == h264.NALUTypeSPS {
			return au
		}
	}
	return append([][]byte{p.sps, p.pps}, au...)
}

// ticks converts a microsecond offset into the given timescale.
func ticks(us uint64, timeScale uint32) int64 {
	return int64(us * uint64(timeScale) / uint64(time.Second/time.Microsecond))
}
