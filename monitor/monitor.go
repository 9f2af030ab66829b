package monitor

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/livepeer/go-recorder/media"
)

const PostFreq = time.Second * 10

// StatusFunc returns the current recorder state.
type StatusFunc func() media.RecorderStatus

// StatusMonitor samples recorder state on a timer and turns the cumulative
// counters into metrics.
type StatusMonitor struct {
	status StatusFunc
	freq   time.Duration
	last   media.RecorderStatus
}

func NewStatusMonitor(status StatusFunc, freq time.Duration) *StatusMonitor {
	if freq <= 0 {
		freq = PostFreq
	}
	return &StatusMonitor{status: status, freq: freq}
}

// Sample records one observation and returns it.
func (m *StatusMonitor) Sample() media.RecorderStatus {
	st := m.status()
	if Enabled {
		SamplesDropped(st.Dropped)
		RecorderActive(st.Active && !st.Released)
	}
	if st.WriteFailures > m.last.WriteFailures {
		glog.Warningf("Recorder write failures index=%d total=%d new=%d", st.Index, st.WriteFailures, st.WriteFailures-m.last.WriteFailures)
	}
	m.last = st
	return st
}

// StartWorker samples until ctx is done. The returned channel closes once
// the worker has exited.
func (m *StatusMonitor) StartWorker(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	ticker := time.NewTicker(m.freq)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Sample()
			case <-ctx.Done():
				// final sample so the last counters are not lost
				m.Sample()
				glog.V(6).Infof("Monitor Worker Done")
				return
			}
		}
	}()
	return done
}
