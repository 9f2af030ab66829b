package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang/glog"
	"github.com/livepeer/go-recorder/common"
)

const shutdownTimeout = 10 * time.Second

// RecorderServer serves recorder status and control endpoints.
type RecorderServer struct {
	Recorder  Recorder
	Catalog   common.SegmentCatalog
	SessionID string
	Source    string

	// Served at /metrics when set
	Metrics http.Handler

	started time.Time
}

func NewRecorderServer(rec Recorder, catalog common.SegmentCatalog, sessionID, source string) *RecorderServer {
	return &RecorderServer{
		Recorder:  rec,
		Catalog:   catalog,
		SessionID: sessionID,
		Source:    source,
		started:   time.Now(),
	}
}

func (s *RecorderServer) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Method(http.MethodGet, "/healthz", healthzHandler())
	r.Method(http.MethodGet, "/status", s.statusHandler())
	r.Method(http.MethodPost, "/rotate", s.rotateHandler())
	r.Method(http.MethodGet, "/segments", s.segmentsHandler())
	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics)
	}
	return r
}

// ListenAndServe blocks until ctx is done or the listener fails.
func (s *RecorderServer) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *RecorderServer) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Router(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		glog.Infof("Recorder HTTP server listening on %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		glog.Errorf("HTTP server shutdown error err=%q", err)
		return err
	}
	<-errCh
	return nil
}

type statusWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.size += n
	return n, err
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrap := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrap, r)
		if glog.V(common.DEBUG) {
			glog.Infof("http method=%s path=%s status=%d size=%d took=%s",
				r.Method, r.URL.Path, wrap.status, wrap.size, time.Since(start))
		}
	})
}
