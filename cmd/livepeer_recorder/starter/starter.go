package starter

import (
	"context"
	"net"
	"os"
	"strings"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"github.com/livepeer/go-recorder/clog"
	"github.com/livepeer/go-recorder/common"
	"github.com/livepeer/go-recorder/drivers"
	"github.com/livepeer/go-recorder/media"
	lpmon "github.com/livepeer/go-recorder/monitor"
	"github.com/livepeer/go-recorder/server"
	"github.com/pkg/errors"
)

// A source connection that lasted this long resets the retry budget.
const stableRunDuration = time.Minute

const (
	archiveRetries        = 3
	archiveInitialTimeout = 30 * time.Second
	archiveMaxTimeout     = 2 * time.Minute
	archiveStopTimeout    = time.Minute
)

var (
	ErrMissingInput  = errors.New("missing -in")
	ErrMissingOutput = errors.New("missing -out")
	ErrBadFormat     = errors.New("unsupported -format, use mp4 or ts")
	ErrBadTransport  = errors.New("unsupported -rtspTransport, use udp, multicast or tcp")
)

type RecorderConfig struct {
	Input           *string
	RTSPTransport   *string
	Output          *string
	Format          *string
	SegmentDuration *time.Duration

	MaxRetries    *int
	RetryInterval *time.Duration

	NodeID   *string
	HttpAddr *string
	DBPath   *string

	RecordObjectStore *string

	Monitor        *bool
	StatusInterval *time.Duration

	EventSinkURIs          *string
	EventSinkHeaders       *string
	EventSinkQueueDepth    *int
	EventSinkBatchSize     *int
	EventSinkFlushInterval *time.Duration

	KafkaBootstrapServers *string
	KafkaUsername         *string
	KafkaPassword         *string
	KafkaTopic            *string

	// Set by the binary, not a flag
	Version string
}

// DefaultRecorderConfig creates a RecorderConfig with default values
func DefaultRecorderConfig() RecorderConfig {
	defaultInput := ""
	defaultRTSPTransport := ""
	defaultOutput := ""
	defaultFormat := "mp4"
	defaultSegmentDuration := 10 * time.Second

	defaultMaxRetries := 0
	defaultRetryInterval := 30 * time.Second

	defaultNodeID := ""
	defaultHttpAddr := ""
	defaultDBPath := ""

	defaultRecordObjectStore := ""

	defaultMonitor := false
	defaultStatusInterval := lpmon.PostFreq

	defaultEventSinkURIs := ""
	defaultEventSinkHeaders := ""
	defaultEventSinkQueueDepth := 100
	defaultEventSinkBatchSize := 100
	defaultEventSinkFlushInterval := time.Second

	defaultKafkaBootstrapServers := ""
	defaultKafkaUsername := ""
	defaultKafkaPassword := ""
	defaultKafkaTopic := ""

	return RecorderConfig{
		Input:           &defaultInput,
		RTSPTransport:   &defaultRTSPTransport,
		Output:          &defaultOutput,
		Format:          &defaultFormat,
		SegmentDuration: &defaultSegmentDuration,

		MaxRetries:    &defaultMaxRetries,
		RetryInterval: &defaultRetryInterval,

		NodeID:   &defaultNodeID,
		HttpAddr: &defaultHttpAddr,
		DBPath:   &defaultDBPath,

		RecordObjectStore: &defaultRecordObjectStore,

		Monitor:        &defaultMonitor,
		StatusInterval: &defaultStatusInterval,

		EventSinkURIs:          &defaultEventSinkURIs,
		EventSinkHeaders:       &defaultEventSinkHeaders,
		EventSinkQueueDepth:    &defaultEventSinkQueueDepth,
		EventSinkBatchSize:     &defaultEventSinkBatchSize,
		EventSinkFlushInterval: &defaultEventSinkFlushInterval,

		KafkaBootstrapServers: &defaultKafkaBootstrapServers,
		KafkaUsername:         &defaultKafkaUsername,
		KafkaPassword:         &defaultKafkaPassword,
		KafkaTopic:            &defaultKafkaTopic,

		Version: "undefined",
	}
}

type ingester interface {
	Run(ctx context.Context) error
}

var newIngest = func(cfg RecorderConfig, sink media.SampleSink) ingester {
	transport, _ := parseTransport(*cfg.RTSPTransport)
	return &media.RTSPIngest{URL: *cfg.Input, Sink: sink, Transport: transport}
}

func parseTransport(raw string) (*gortsplib.Transport, error) {
	var t gortsplib.Transport
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return nil, nil
	case "udp":
		t = gortsplib.TransportUDP
	case "multicast":
		t = gortsplib.TransportUDPMulticast
	case "tcp":
		t = gortsplib.TransportTCP
	default:
		return nil, ErrBadTransport
	}
	return &t, nil
}

func validate(cfg RecorderConfig) error {
	if strings.TrimSpace(*cfg.Input) == "" {
		return ErrMissingInput
	}
	if strings.TrimSpace(*cfg.Output) == "" {
		return ErrMissingOutput
	}
	switch strings.ToLower(strings.TrimPrefix(*cfg.Format, ".")) {
	case "mp4", "ts":
	default:
		return ErrBadFormat
	}
	if _, err := parseTransport(*cfg.RTSPTransport); err != nil {
		return err
	}
	return nil
}

func resolveNodeID(raw string) string {
	if raw != "" {
		id, _ := common.ReadFromFile(raw)
		return id
	}
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "recorder"
}

func newBackOff(cfg RecorderConfig) backoff.BackOff {
	expb := backoff.NewExponentialBackOff()
	expb.MaxInterval = valueOrDefaultDuration(cfg.RetryInterval, 30*time.Second)
	expb.MaxElapsedTime = 0
	if *cfg.MaxRetries > 0 {
		return backoff.WithMaxRetries(expb, uint64(*cfg.MaxRetries))
	}
	return expb
}

// StartRecorder records the configured source until ctx is cancelled or the
// source cannot be reached within the retry budget.
func StartRecorder(ctx context.Context, cfg RecorderConfig) error {
	if err := validate(cfg); err != nil {
		return err
	}

	nodeID := resolveNodeID(*cfg.NodeID)
	sessionID := common.RandName()
	ctx = clog.AddSessionID(ctx, sessionID)
	ctx = clog.AddSource(ctx, *cfg.Input)
	clog.Infof(ctx, "Starting recorder node=%s version=%s out=%s format=%s segmentDuration=%s",
		nodeID, cfg.Version, *cfg.Output, *cfg.Format, *cfg.SegmentDuration)

	if *cfg.Monitor {
		lpmon.Enabled = true
		lpmon.InitCensus("recorder", nodeID, cfg.Version)
		glog.Info("Monitoring enabled")
	}

	publishing, err := startEventPublisher(cfg, nodeID)
	if err != nil {
		return err
	}
	if publishing {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := lpmon.ShutdownEventPublisher(shutdownCtx); err != nil {
				glog.Errorf("Event publisher shutdown error err=%q", err)
			}
		}()
	}

	var catalog common.SegmentCatalog
	if *cfg.DBPath != "" {
		dbh, err := common.InitDB(*cfg.DBPath)
		if err != nil {
			return errors.Wrap(err, "init segment catalog")
		}
		defer dbh.Close()
		catalog = dbh
	}

	eventConf := lpmon.RecorderEventConfig{
		SessionID: sessionID,
		Source:    *cfg.Input,
		Catalog:   catalog,
	}

	var archiver *drivers.Archiver
	if *cfg.RecordObjectStore != "" {
		store, err := drivers.ParseOSURL(*cfg.RecordObjectStore)
		if err != nil {
			return errors.Wrap(err, "invalid -recordObjectStore")
		}
		archiver = drivers.NewArchiver(store.NewSession(sessionID), archiveRetries,
			archiveInitialTimeout, archiveMaxTimeout, lpmon.ArchiveEventHandler(eventConf))
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), archiveStopTimeout)
			defer cancel()
			if err := archiver.Stop(stopCtx); err != nil {
				glog.Errorf("Segments left unarchived err=%q", err)
			}
		}()
	}

	// open failures are retried off the recorder's call path
	reopen := make(chan struct{}, 1)
	handleEvent := lpmon.RecorderEventHandler(eventConf)
	onEvent := func(ctx context.Context, evt media.SegmentEvent) {
		handleEvent(ctx, evt)
		switch evt.Type {
		case media.EventSegmentOpenFailed:
			select {
			case reopen <- struct{}{}:
			default:
			}
		case media.EventSegmentClosed:
			if archiver != nil {
				if err := archiver.Save(lpmon.ArchiveJob(sessionID, evt)); err != nil {
					clog.Errorf(ctx, "Unable to archive segment index=%d err=%q", evt.Index, err)
				}
			}
		}
	}

	rec, err := media.NewSegmentRecorder(ctx, media.SegmentRecorderConfig{
		BasePath:        *cfg.Output,
		SegmentDuration: *cfg.SegmentDuration,
		Extension:       strings.ToLower(strings.TrimPrefix(*cfg.Format, ".")),
		OnEvent:         onEvent,
	})
	if err != nil {
		return err
	}
	// release first so the final segment reaches the catalog, archive and sinks
	defer rec.Release(clog.Clone(context.Background(), ctx))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	reopenDone := make(chan struct{})
	go func() {
		defer close(reopenDone)
		reopenSegments(runCtx, cfg, rec, reopen)
	}()
	defer func() {
		cancel()
		<-reopenDone
	}()

	statusDone := lpmon.NewStatusMonitor(rec.Status, *cfg.StatusInterval).StartWorker(runCtx)
	defer func() {
		cancel()
		<-statusDone
	}()

	httpErr := make(chan error, 1)
	if *cfg.HttpAddr != "" {
		ln, err := net.Listen("tcp", *cfg.HttpAddr)
		if err != nil {
			return errors.Wrapf(err, "listen on %s", *cfg.HttpAddr)
		}
		srv := server.NewRecorderServer(rec, catalog, sessionID, *cfg.Input)
		if *cfg.Monitor && lpmon.Exporter != nil {
			srv.Metrics = lpmon.Exporter
		}
		httpDone := make(chan struct{})
		go func() {
			defer close(httpDone)
			if err := srv.Serve(runCtx, ln); err != nil {
				httpErr <- err
			}
		}()
		defer func() {
			cancel()
			<-httpDone
		}()
	}

	ingestErr := make(chan error, 1)
	go func() { ingestErr <- runIngest(runCtx, cfg, rec) }()

	select {
	case err = <-ingestErr:
	case err = <-httpErr:
		err = errors.Wrap(err, "http server")
		cancel()
		<-ingestErr
	}
	cancel()
	if err != nil {
		clog.Errorf(ctx, "Recorder stopped err=%q", err)
	} else {
		clog.Infof(ctx, "Recorder stopped")
	}
	return err
}

// runIngest keeps the source connected. Each reconnect restarts the
// recorder so the source can register its tracks again.
func runIngest(ctx context.Context, cfg RecorderConfig, rec *media.SegmentRecorder) error {
	b := newBackOff(cfg)
	b.Reset()
	for {
		start := time.Now()
		err := newIngest(cfg, rec).Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errors.New("source ended")
		}
		if time.Since(start) > stableRunDuration {
			b.Reset()
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return errors.Wrapf(err, "giving up on source %s", *cfg.Input)
		}
		clog.Warningf(ctx, "Source disconnected, reconnecting after=%s err=%q", wait, err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}
		if lpmon.Enabled {
			lpmon.IngestReconnected()
		}
		if err := rec.Restart(ctx); err != nil {
			clog.Warningf(ctx, "Could not start a segment for the reconnected source err=%q", err)
		}
	}
}

func reopenSegments(ctx context.Context, cfg RecorderConfig, rec *media.SegmentRecorder, reopen <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-reopen:
		}
		op := func() error {
			st := rec.Status()
			if st.Active || st.Released {
				return nil
			}
			return rec.Rotate(ctx)
		}
		notify := func(err error, wait time.Duration) {
			clog.Warningf(ctx, "Segment open failed, retrying after=%s err=%q", wait, err)
		}
		if err := backoff.RetryNotify(op, backoff.WithContext(newBackOff(cfg), ctx), notify); err != nil && ctx.Err() == nil {
			clog.Errorf(ctx, "Giving up reopening segment err=%q", err)
		}
	}
}
