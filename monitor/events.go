package monitor

import (
	"context"
	"strconv"
	"time"

	"github.com/golang/glog"
	"github.com/livepeer/go-recorder/clog"
	"github.com/livepeer/go-recorder/common"
	"github.com/livepeer/go-recorder/drivers"
	"github.com/livepeer/go-recorder/media"
)

// Event types sent to the configured sinks.
const (
	EventTypeSegmentOpened     = "recorder_segment_opened"
	EventTypeSegmentClosed     = "recorder_segment_closed"
	EventTypeSegmentOpenFailed = "recorder_segment_open_failed"
	EventTypeSampleWriteFailed = "recorder_sample_write_failed"
	EventTypeEndOfStream       = "recorder_end_of_stream"

	EventTypeSegmentArchived      = "recorder_segment_archived"
	EventTypeSegmentArchiveFailed = "recorder_segment_archive_failed"
)

// Archive job metadata keys
const (
	ArchiveMetaSession = "session-id"
	ArchiveMetaIndex   = "segment-index"
)

type RecorderEventConfig struct {
	SessionID string
	Source    string

	// Optional; closed segments are inserted when set
	Catalog common.SegmentCatalog
}

// SegmentEventPayload is the JSON body of every recorder event.
type SegmentEventPayload struct {
	SessionID  string `json:"sessionId"`
	Source     string `json:"source,omitempty"`
	Index      uint32 `json:"index"`
	Path       string `json:"path,omitempty"`
	Error      string `json:"error,omitempty"`
	Samples    int    `json:"samples,omitempty"`
	Bytes      int64  `json:"bytes,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

type ArchiveEventPayload struct {
	SessionID string `json:"sessionId"`
	Source    string `json:"source,omitempty"`
	Index     uint32 `json:"index"`
	Path      string `json:"path"`
	URI       string `json:"uri,omitempty"`
	Error     string `json:"error,omitempty"`
	TookMs    int64  `json:"tookMs"`
}

// ArchiveJob describes a closed segment for the archiver.
func ArchiveJob(sessionID string, evt media.SegmentEvent) drivers.ArchiveJob {
	return drivers.ArchiveJob{
		LocalPath: evt.Path,
		Meta: map[string]string{
			ArchiveMetaSession: sessionID,
			ArchiveMetaIndex:   strconv.FormatUint(uint64(evt.Index), 10),
		},
	}
}

// ArchiveEventHandler reports archive outcomes to metrics, the event
// publisher and the segment catalog.
func ArchiveEventHandler(conf RecorderEventConfig) drivers.ArchiveResult {
	return func(job drivers.ArchiveJob, uri string, took time.Duration, err error) {
		idx, _ := strconv.ParseUint(job.Meta[ArchiveMetaIndex], 10, 32)
		payload := ArchiveEventPayload{
			SessionID: conf.SessionID,
			Source:    conf.Source,
			Index:     uint32(idx),
			Path:      job.LocalPath,
			URI:       uri,
			TookMs:    took.Milliseconds(),
		}
		if err != nil {
			payload.Error = err.Error()
			if Enabled {
				SegmentArchiveFailed()
			}
			QueueEvent(EventTypeSegmentArchiveFailed, payload)
			return
		}
		if Enabled {
			SegmentArchived(took)
		}
		if conf.Catalog != nil {
			if err := conf.Catalog.SetArchiveURI(conf.SessionID, payload.Index, uri); err != nil {
				glog.Errorf("Unable to catalog archive uri session=%s index=%d err=%q", conf.SessionID, payload.Index, err)
			}
		}
		QueueEvent(EventTypeSegmentArchived, payload)
	}
}

// RecorderEventHandler fans segment events out to metrics, the event
// publisher and the segment catalog. Without a configured session ID the
// one attached to the event context is used.
func RecorderEventHandler(conf RecorderEventConfig) media.SegmentEventHandler {
	return func(ctx context.Context, evt media.SegmentEvent) {
		sessionID := conf.SessionID
		if sessionID == "" {
			sessionID = clog.SessionID(ctx)
		}
		payload := SegmentEventPayload{
			SessionID:  sessionID,
			Source:     conf.Source,
			Index:      evt.Index,
			Path:       evt.Path,
			Samples:    evt.Samples,
			Bytes:      evt.Bytes,
			DurationMs: evt.Duration.Milliseconds(),
		}
		if evt.Err != nil {
			payload.Error = evt.Err.Error()
		}

		var eventType string
		switch evt.Type {
		case media.EventSegmentOpened:
			eventType = EventTypeSegmentOpened
			if Enabled {
				SegmentOpened()
			}
		case media.EventSegmentClosed:
			eventType = EventTypeSegmentClosed
			if Enabled {
				SegmentClosed(evt.Duration, evt.Bytes, evt.Samples)
			}
			if conf.Catalog != nil {
				err := conf.Catalog.InsertSegment(&common.SegmentRecord{
					SessionID: sessionID,
					Index:     evt.Index,
					Path:      evt.Path,
					Samples:   evt.Samples,
					Bytes:     evt.Bytes,
					Duration:  evt.Duration,
					ClosedAt:  time.Now(),
				})
				if err != nil {
					clog.Errorf(ctx, "Unable to catalog segment index=%d path=%s err=%q", evt.Index, evt.Path, err)
				}
			}
		case media.EventSegmentOpenFailed:
			eventType = EventTypeSegmentOpenFailed
			if Enabled {
				SegmentOpenFailed()
			}
		case media.EventWriteFailed:
			eventType = EventTypeSampleWriteFailed
			if Enabled {
				SampleWriteFailed()
			}
		case media.EventEndOfStream:
			eventType = EventTypeEndOfStream
			if Enabled {
				EndOfStream()
			}
		default:
			clog.Warningf(ctx, "Unknown segment event type=%v", evt.Type)
			return
		}
		QueueEvent(eventType, payload)
	}
}
