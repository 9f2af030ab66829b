package media

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopSink struct {
	tracks  int
	samples int
}

func (s *nopSink) RegisterTrack(context.Context, TrackKind, []byte) error {
	s.tracks++
	return nil
}

func (s *nopSink) Push(context.Context, Sample) { s.samples++ }

func TestFindParams(t *testing.T) {
	sps, pps := findParams([][]byte{{}, testSPS, testPPS, testIDR})
	assert.Equal(t, testSPS, sps)
	assert.Equal(t, testPPS, pps)

	sps, pps = findParams([][]byte{testSlice})
	assert.Nil(t, sps)
	assert.Nil(t, pps)
}

func TestRTSPIngest_Errors(t *testing.T) {
	sink := &nopSink{}

	in := &RTSPIngest{URL: "://bad", Sink: sink}
	assert.ErrorContains(t, in.Run(context.Background()), "invalid url")

	// nothing listens on a port we just released
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	in = &RTSPIngest{URL: "rtsp://" + addr + "/cam", Sink: sink}
	assert.Error(t, in.Run(context.Background()))
	assert.Zero(t, sink.tracks)
	assert.Zero(t, sink.samples)
}
