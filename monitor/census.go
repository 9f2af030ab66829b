package monitor

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/golang/glog"

	"contrib.go.opencensus.io/exporter/prometheus"
	rprom "github.com/prometheus/client_golang/prometheus"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

// Enabled true if metrics was enabled in command line
var Enabled bool

// segments that stay open longer than this are reported as stalled
var stallTimeout = 5 * time.Minute
var stallWatcherPause = 15 * time.Second

type censusMetricsCounter struct {
	nodeType          string
	nodeID            string
	ctx               context.Context
	kNodeType         tag.Key
	kNodeID           tag.Key
	kReason           tag.Key
	kErrorCode        tag.Key
	mSegmentOpened    *stats.Int64Measure
	mSegmentClosed    *stats.Int64Measure
	mSegmentOpenFail  *stats.Int64Measure
	mWriteFailed      *stats.Int64Measure
	mEndOfStream      *stats.Int64Measure
	mSamplesDropped   *stats.Int64Measure
	mSegmentStalled   *stats.Int64Measure
	mSegmentDuration  *stats.Float64Measure
	mSegmentBytes     *stats.Int64Measure
	mSegmentSamples   *stats.Int64Measure
	mRecorderActive   *stats.Int64Measure
	mIngestReconnects *stats.Int64Measure
	mArchived         *stats.Int64Measure
	mArchiveFailed    *stats.Int64Measure
	mArchiveLatency   *stats.Float64Measure
	mEventsDropped    *stats.Int64Measure
	lock              sync.Mutex
	openSince         time.Time
	lastDropped       map[string]uint64
}

// Exporter Prometheus exporter that handles `/metrics` endpoint
var Exporter *prometheus.Exporter

var census censusMetricsCounter

// used in unit tests
var unitTestMode bool

func InitCensus(nodeType, nodeID, version string) {
	census = censusMetricsCounter{
		nodeID:      nodeID,
		nodeType:    nodeType,
		lastDropped: make(map[string]uint64),
	}
	var err error
	census.kNodeType, _ = tag.NewKey("node_type")
	census.kNodeID, _ = tag.NewKey("node_id")
	census.kReason, _ = tag.NewKey("reason")
	census.kErrorCode, _ = tag.NewKey("error_code")
	census.ctx, err = tag.New(context.Background(), tag.Insert(census.kNodeType, nodeType), tag.Insert(census.kNodeID, nodeID))
	if err != nil {
		glog.Fatal("Error creating context", err)
	}
	census.mSegmentOpened = stats.Int64("segment_opened_total", "SegmentOpened", "tot")
	census.mSegmentClosed = stats.Int64("segment_closed_total", "SegmentClosed", "tot")
	census.mSegmentOpenFail = stats.Int64("segment_open_failed_total", "SegmentOpenFailed", "tot")
	census.mWriteFailed = stats.Int64("sample_write_failed_total", "SampleWriteFailed", "tot")
	census.mEndOfStream = stats.Int64("end_of_stream_total", "EndOfStream", "tot")
	census.mSamplesDropped = stats.Int64("samples_dropped_total", "Samples not forwarded to the muxer", "tot")
	census.mSegmentStalled = stats.Int64("segment_stalled_total", "Segments open for longer than the stall timeout", "tot")
	census.mSegmentDuration = stats.Float64("segment_duration_seconds", "Media duration of closed segments", "sec")
	census.mSegmentBytes = stats.Int64("segment_bytes", "Payload bytes of closed segments", "By")
	census.mSegmentSamples = stats.Int64("segment_samples", "Samples written to closed segments", "tot")
	census.mRecorderActive = stats.Int64("recorder_active", "Whether a segment is open and started", "tot")
	census.mIngestReconnects = stats.Int64("ingest_reconnects_total", "Number of times the ingest reconnected", "tot")
	census.mArchived = stats.Int64("segment_archived_total", "Segments copied to the object store", "tot")
	census.mArchiveFailed = stats.Int64("segment_archive_failed_total", "Segments that could not be archived", "tot")
	census.mEventsDropped = stats.Int64("events_dropped_total", "Recorder events that never reached a sink", "tot")
	census.mArchiveLatency = stats.Float64("segment_archive_seconds", "Time taken to archive a segment, including retries", "sec")

	glog.Infof("Compiler: %s Arch %s OS %s Go version %s", runtime.Compiler, runtime.GOARCH, runtime.GOOS, runtime.Version())
	glog.Infof("Recorder version: %s", version)
	glog.Infof("Node type %s node ID %s", nodeType, nodeID)
	mVersions := stats.Int64("versions", "Version information.", "Num")
	compiler, _ := tag.NewKey("compiler")
	goarch, _ := tag.NewKey("goarch")
	goos, _ := tag.NewKey("goos")
	goversion, _ := tag.NewKey("goversion")
	recorderversion, _ := tag.NewKey("recorderversion")
	ctx, err := tag.New(context.Background(), tag.Insert(census.kNodeType, nodeType), tag.Insert(census.kNodeID, nodeID),
		tag.Insert(compiler, runtime.Compiler), tag.Insert(goarch, runtime.GOARCH), tag.Insert(goos, runtime.GOOS),
		tag.Insert(goversion, runtime.Version()), tag.Insert(recorderversion, version))
	if err != nil {
		glog.Fatal("Error creating tagged context", err)
	}
	baseTags := []tag.Key{census.kNodeID, census.kNodeType}
	views := []*view.View{
		{
			Name:        "versions",
			Measure:     mVersions,
			Description: "Versions used by the recorder.",
			TagKeys:     []tag.Key{census.kNodeType, compiler, goos, goversion, recorderversion},
			Aggregation: view.LastValue(),
		},
		{
			Name:        "segment_opened_total",
			Measure:     census.mSegmentOpened,
			Description: "SegmentOpened",
			TagKeys:     baseTags,
			Aggregation: view.Count(),
		},
		{
			Name:        "segment_closed_total",
			Measure:     census.mSegmentClosed,
			Description: "SegmentClosed",
			TagKeys:     baseTags,
			Aggregation: view.Count(),
		},
		{
			Name:        "segment_open_failed_total",
			Measure:     census.mSegmentOpenFail,
			Description: "SegmentOpenFailed",
			TagKeys:     baseTags,
			Aggregation: view.Count(),
		},
		{
			Name:        "sample_write_failed_total",
			Measure:     census.mWriteFailed,
			Description: "SampleWriteFailed",
			TagKeys:     baseTags,
			Aggregation: view.Count(),
		},
		{
			Name:        "end_of_stream_total",
			Measure:     census.mEndOfStream,
			Description: "EndOfStream",
			TagKeys:     baseTags,
			Aggregation: view.Count(),
		},
		{
			Name:        "samples_dropped_total",
			Measure:     census.mSamplesDropped,
			Description: "Samples not forwarded to the muxer, by reason",
			TagKeys:     append([]tag.Key{census.kReason}, baseTags...),
			Aggregation: view.Sum(),
		},
		{
			Name:        "segment_stalled_total",
			Measure:     census.mSegmentStalled,
			Description: "Segments open for longer than the stall timeout",
			TagKeys:     append([]tag.Key{census.kErrorCode}, baseTags...),
			Aggregation: view.Count(),
		},
		{
			Name:        "segment_duration_seconds",
			Measure:     census.mSegmentDuration,
			Description: "Media duration of closed segments, seconds",
			TagKeys:     baseTags,
			Aggregation: view.Distribution(0, 1, 2, 4, 6, 10, 15, 30, 60, 120, 300, 600),
		},
		{
			Name:        "segment_bytes",
			Measure:     census.mSegmentBytes,
			Description: "Payload bytes of closed segments",
			TagKeys:     baseTags,
			Aggregation: view.Distribution(0, 1<<16, 1<<18, 1<<20, 1<<22, 1<<24, 1<<26, 1<<28, 1<<30),
		},
		{
			Name:        "segment_samples",
			Measure:     census.mSegmentSamples,
			Description: "Samples written to closed segments",
			TagKeys:     baseTags,
			Aggregation: view.Distribution(0, 10, 100, 500, 1000, 5000, 10000, 50000),
		},
		{
			Name:        "recorder_active",
			Measure:     census.mRecorderActive,
			Description: "Whether a segment is open and started",
			TagKeys:     baseTags,
			Aggregation: view.LastValue(),
		},
		{
			Name:        "ingest_reconnects_total",
			Measure:     census.mIngestReconnects,
			Description: "Number of times the ingest reconnected",
			TagKeys:     baseTags,
			Aggregation: view.Count(),
		},
		{
			Name:        "segment_archived_total",
			Measure:     census.mArchived,
			Description: "Segments copied to the object store",
			TagKeys:     baseTags,
			Aggregation: view.Count(),
		},
		{
			Name:        "segment_archive_failed_total",
			Measure:     census.mArchiveFailed,
			Description: "Segments that could not be archived",
			TagKeys:     baseTags,
			Aggregation: view.Count(),
		},
		{
			Name:        "segment_archive_seconds",
			Measure:     census.mArchiveLatency,
			Description: "Time taken to archive a segment, seconds",
			TagKeys:     baseTags,
			Aggregation: view.Distribution(0, .1, .25, .5, 1, 2, 5, 10, 30, 60, 120),
		},
		{
			Name:        "events_dropped_total",
			Measure:     census.mEventsDropped,
			Description: "Recorder events that never reached a sink, by reason",
			TagKeys:     append([]tag.Key{census.kReason}, baseTags...),
			Aggregation: view.Sum(),
		},
	}
	// Register the views
	if err := view.Register(views...); err != nil {
		glog.Fatalf("Failed to register views: %v", err)
	}
	registry := rprom.NewRegistry()
	registry.MustRegister(rprom.NewProcessCollector(rprom.ProcessCollectorOpts{}))
	registry.MustRegister(rprom.NewGoCollector())
	pe, err := prometheus.NewExporter(prometheus.Options{
		Namespace: "livepeer_recorder",
		Registry:  registry,
	})
	if err != nil {
		glog.Fatalf("Failed to create the Prometheus stats exporter: %v", err)
	}

	// Register the Prometheus exporters as a stats exporter.
	view.RegisterExporter(pe)
	stats.Record(ctx, mVersions.M(1))
	ctx, err = tag.New(census.ctx, tag.Insert(census.kErrorCode, "Stalled"))
	if err != nil {
		glog.Fatal("Error creating context", err)
	}
	if !unitTestMode {
		go census.stallWatcher(ctx)
	}
	Exporter = pe
}

// stallWatcher reports segments that stay open without closing, which means
// the source stopped sending key frames.
func (cen *censusMetricsCounter) stallWatcher(ctx context.Context) {
	for {
		cen.lock.Lock()
		if !cen.openSince.IsZero() && time.Since(cen.openSince) > stallTimeout {
			glog.Warningf("Segment open for %s without rotating", time.Since(cen.openSince).Round(time.Second))
			stats.Record(ctx, cen.mSegmentStalled.M(1))
			cen.openSince = time.Now()
		}
		cen.lock.Unlock()
		time.Sleep(stallWatcherPause)
	}
}

func SegmentOpened() {
	census.lock.Lock()
	census.openSince = time.Now()
	census.lock.Unlock()
	stats.Record(census.ctx, census.mSegmentOpened.M(1))
}

func SegmentClosed(duration time.Duration, bytes int64, samples int) {
	census.lock.Lock()
	census.openSince = time.Time{}
	census.lock.Unlock()
	stats.Record(census.ctx,
		census.mSegmentClosed.M(1),
		census.mSegmentDuration.M(duration.Seconds()),
		census.mSegmentBytes.M(bytes),
		census.mSegmentSamples.M(int64(samples)))
}

func SegmentOpenFailed() {
	census.lock.Lock()
	census.openSince = time.Time{}
	census.lock.Unlock()
	stats.Record(census.ctx, census.mSegmentOpenFail.M(1))
}

func SampleWriteFailed() {
	stats.Record(census.ctx, census.mWriteFailed.M(1))
}

func EndOfStream() {
	stats.Record(census.ctx, census.mEndOfStream.M(1))
}

func SegmentArchived(took time.Duration) {
	stats.Record(census.ctx, census.mArchived.M(1), census.mArchiveLatency.M(took.Seconds()))
}

func SegmentArchiveFailed() {
	stats.Record(census.ctx, census.mArchiveFailed.M(1))
}

func EventsDropped(reason string, n int) {
	ctx, err := tag.New(census.ctx, tag.Insert(census.kReason, reason))
	if err != nil {
		glog.Error("Error creating context", err)
		return
	}
	stats.Record(ctx, census.mEventsDropped.M(int64(n)))
}

func IngestReconnected() {
	stats.Record(census.ctx, census.mIngestReconnects.M(1))
}

// SamplesDropped records the growth of the recorder's cumulative drop
// counters since the last call.
func SamplesDropped(dropped map[string]uint64) {
	census.lock.Lock()
	defer census.lock.Unlock()
	for reason, total := range dropped {
		prev := census.lastDropped[reason]
		if total <= prev {
			continue
		}
		census.lastDropped[reason] = total
		ctx, err := tag.New(census.ctx, tag.Insert(census.kReason, reason))
		if err != nil {
			glog.Error("Error creating context", err)
			continue
		}
		stats.Record(ctx, census.mSamplesDropped.M(int64(total-prev)))
	}
}

func RecorderActive(active bool) {
	var v int64
	if active {
		v = 1
	}
	stats.Record(census.ctx, census.mRecorderActive.M(v))
}
