package media

import (
	"context"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/livepeer/go-recorder/clog"
	"github.com/pion/rtp"
	"github.com/pkg/errors"
)

// SampleSink receives tracks and samples from an ingest. *SegmentRecorder
// implements it.
type SampleSink interface {
	RegisterTrack(ctx context.Context, kind TrackKind, format []byte) error
	Push(ctx context.Context, s Sample)
}

var errNoVideo = errors.New("stream has no H264 track")

// RTSPIngest pulls an H264 stream, with optional AAC audio, from an RTSP
// server and pushes it into a SampleSink as encoder output.
type RTSPIngest struct {
	URL  string
	Sink SampleSink

	// UDP is tried first unless set
	Transport *gortsplib.Transport
}

// Run blocks until the stream ends, fails, or ctx is cancelled.
func (in *RTSPIngest) Run(ctx context.Context) error {
	u, err := base.ParseURL(in.URL)
	if err != nil {
		return errors.Wrapf(err, "invalid url %q", in.URL)
	}
	c := gortsplib.Client{Transport: in.Transport}
	if err := c.Start(u.Scheme, u.Host); err != nil {
		return errors.Wrap(err, "rtsp connect")
	}
	defer c.Close()

	desc, _, err := c.Describe(u)
	if err != nil {
		return errors.Wrap(err, "rtsp describe")
	}

	var videoFormat *format.H264
	videoMedia := desc.FindFormat(&videoFormat)
	if videoMedia == nil {
		return errNoVideo
	}
	timeline := newPTSTimeline()
	if err := in.setupVideo(ctx, &c, desc, videoMedia, videoFormat, timeline); err != nil {
		return err
	}

	var audioFormat *format.MPEG4Audio
	audioMedia := desc.FindFormat(&audioFormat)
	if audioMedia == nil || audioFormat.Config == nil {
		clog.Infof(ctx, "No AAC track in stream, recording video only")
		if err := in.Sink.RegisterTrack(ctx, TrackAudio, nil); err != nil {
			return err
		}
	} else if err := in.setupAudio(ctx, &c, desc, audioMedia, audioFormat, timeline); err != nil {
		return err
	}

	if _, err := c.Play(nil); err != nil {
		return errors.Wrap(err, "rtsp play")
	}
	clog.Infof(ctx, "Ingest playing url=%s medias=%d", u.Host, len(desc.Medias))

	done := make(chan error, 1)
	go func() {
		done <- c.Wait()
	}()
	select {
	case <-ctx.Done():
		c.Close()
		<-done
		return nil
	case err := <-done:
		return errors.Wrap(err, "rtsp session ended")
	}
}

func (in *RTSPIngest) setupVideo(ctx context.Context, c *gortsplib.Client, desc *description.Session, medi *description.Media, forma *format.H264, timeline *ptsTimeline) error {
	if _, err := c.Setup(desc.BaseURL, medi, 0, 0); err != nil {
		return errors.Wrap(err, "rtsp setup video")
	}
	dec, err := forma.CreateDecoder()
	if err != nil {
		return err
	}

	// parameters may only arrive in band, in which case the track is
	// registered on the first access unit carrying both
	sps, pps := forma.SafeParams()
	registered := false
	register := func(sps, pps []byte) {
		conf, err := h264.AnnexB{sps, pps}.Marshal()
		if err != nil {
			clog.InfofErr(ctx, "Unable to encode video parameters", err)
			return
		}
		if err := in.Sink.RegisterTrack(ctx, TrackVideo, conf); err != nil {
			clog.InfofErr(ctx, "Unable to register video track", err)
			return
		}
		registered = true
	}
	if sps != nil && pps != nil {
		register(sps, pps)
	}

	c.OnPacketRTP(medi, forma, func(pkt *rtp.Packet) {
		pts, ok := c.PacketPTS(medi, pkt)
		if !ok {
			return
		}
		au, err := dec.Decode(pkt)
		if err != nil {
			// fragments of a larger access unit report this too
			if clog.V(4) {
				clog.Infof(ctx, "Video depacketizer err=%q", err)
			}
			return
		}
		if !registered {
			if sps, pps := findParams(au); sps != nil && pps != nil {
				register(sps, pps)
			}
			if !registered {
				return
			}
		}
		data, err := h264.AnnexB(au).Marshal()
		if err != nil {
			clog.InfofErr(ctx, "Unable to encode access unit", err)
			return
		}
		var flags SampleFlags
		if h264.IsRandomAccess(au) {
			flags |= FlagKeyFrame
		}
		us, _ := timeline.toMicros(TrackVideo, pts)
		in.Sink.Push(ctx, Sample{Kind: TrackVideo, Data: data, PTS: us, Flags: flags})
	})
	return nil
}

func (in *RTSPIngest) setupAudio(ctx context.Context, c *gortsplib.Client, desc *description.Session, medi *description.Media, forma *format.MPEG4Audio, timeline *ptsTimeline) error {
	if _, err := c.Setup(desc.BaseURL, medi, 0, 0); err != nil {
		return errors.Wrap(err, "rtsp setup audio")
	}
	conf, err := forma.Config.Marshal()
	if err != nil {
		return errors.Wrap(err, "encode audio config")
	}
	if err := in.Sink.RegisterTrack(ctx, TrackAudio, conf); err != nil {
		return err
	}
	dec, err := forma.CreateDecoder()
	if err != nil {
		return err
	}
	sampleRate := forma.Config.SampleRate

	c.OnPacketRTP(medi, forma, func(pkt *rtp.Packet) {
		pts, ok := c.PacketPTS(medi, pkt)
		if !ok {
			return
		}
		aus, err := dec.Decode(pkt)
		if err != nil {
			if clog.V(4) {
				clog.Infof(ctx, "Audio depacketizer err=%q", err)
			}
			return
		}
		for i, au := range aus {
			auPTS := pts + time.Duration(i)*aacSamplesPerAU*time.Second/time.Duration(sampleRate)
			us, back := timeline.toMicros(TrackAudio, auPTS)
			if back {
				clog.Warningf(ctx, "Audio timestamp went backwards pts=%s", auPTS)
			}
			in.Sink.Push(ctx, Sample{Kind: TrackAudio, Data: au, PTS: us})
		}
	})
	return nil
}

func findParams(au [][]byte) (sps, pps []byte) {
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS:
			sps = nalu
		case h264.NALUTypePPS:
			pps = nalu
		}
	}
	return sps, pps
}
