package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"github.com/livepeer/go-recorder/common"
	"github.com/livepeer/go-recorder/media"
	"github.com/pkg/errors"
)

// Recorder is the part of the segment recorder exposed over HTTP.
type Recorder interface {
	Status() media.RecorderStatus
	Rotate(ctx context.Context) error
}

type statusResponse struct {
	media.RecorderStatus
	SessionID    string `json:"sessionId"`
	Source       string `json:"source,omitempty"`
	Uptime       string `json:"uptime"`
	BytesHuman   string `json:"bytesHuman"`
	DurationText string `json:"durationText"`
}

type segmentResponse struct {
	SessionID  string    `json:"sessionId"`
	Index      uint32    `json:"index"`
	Path       string    `json:"path"`
	Samples    int       `json:"samples"`
	Bytes      int64     `json:"bytes"`
	BytesHuman string    `json:"bytesHuman"`
	DurationMs int64     `json:"durationMs"`
	ClosedAt   time.Time `json:"closedAt"`
	ClosedAgo  string    `json:"closedAgo"`
	ArchiveURI string    `json:"archiveUri,omitempty"`
}

func logAndRespondWithError(w http.ResponseWriter, errMsg string, code int) {
	glog.Error(errMsg)
	http.Error(w, errMsg, code)
}

func respondJson(w http.ResponseWriter, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		logAndRespondWithError(w, fmt.Sprintf("could not encode response: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *RecorderServer) statusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st := s.Recorder.Status()
		respondJson(w, statusResponse{
			RecorderStatus: st,
			SessionID:      s.SessionID,
			Source:         s.Source,
			Uptime:         time.Since(s.started).Round(time.Second).String(),
			BytesHuman:     humanize.Bytes(uint64(st.Bytes)),
			DurationText:   st.Duration.Round(time.Millisecond).String(),
		})
	})
}

func (s *RecorderServer) rotateHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := s.Recorder.Rotate(r.Context())
		switch {
		case err == nil:
		case errors.Is(err, media.ErrReleased):
			logAndRespondWithError(w, "recorder released", http.StatusConflict)
			return
		default:
			logAndRespondWithError(w, fmt.Sprintf("rotate failed: %v", err), http.StatusInternalServerError)
			return
		}
		st := s.Recorder.Status()
		respondJson(w, map[string]interface{}{"index": st.Index, "path": st.Path})
	})
}

func (s *RecorderServer) segmentsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Catalog == nil {
			logAndRespondWithError(w, "segment catalog disabled", http.StatusNotFound)
			return
		}
		filter := &common.SegmentFilter{SessionID: s.SessionID}
		q := r.URL.Query()
		if v := q.Get("session"); v != "" {
			filter.SessionID = v
		}
		if v := q.Get("limit"); v != "" {
			limit, err := strconv.Atoi(v)
			if err != nil || limit < 0 {
				logAndRespondWithError(w, fmt.Sprintf("invalid limit: %q", v), http.StatusBadRequest)
				return
			}
			filter.Limit = limit
		}
		if v := q.Get("since"); v != "" {
			since, err := time.Parse(time.RFC3339, v)
			if err != nil {
				logAndRespondWithError(w, fmt.Sprintf("invalid since: %q", v), http.StatusBadRequest)
				return
			}
			filter.Since = since
		}

		recs, err := s.Catalog.Segments(filter)
		if err != nil {
			logAndRespondWithError(w, "could not query segments", http.StatusInternalServerError)
			return
		}
		out := make([]segmentResponse, 0, len(recs))
		for _, rec := range recs {
			out = append(out, segmentResponse{
				SessionID:  rec.SessionID,
				Index:      rec.Index,
				Path:       rec.Path,
				Samples:    rec.Samples,
				Bytes:      rec.Bytes,
				BytesHuman: humanize.Bytes(uint64(rec.Bytes)),
				DurationMs: rec.Duration.Milliseconds(),
				ClosedAt:   rec.ClosedAt.UTC(),
				ClosedAgo:  humanize.Time(rec.ClosedAt),
				ArchiveURI: rec.ArchiveURI,
			})
		}
		respondJson(w, out)
	})
}

func healthzHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}
