package starter

import (
	"flag"
)

func NewRecorderConfig(fs *flag.FlagSet) RecorderConfig {
	cfg := DefaultRecorderConfig()

	// Input & output:
	cfg.Input = fs.String("in", *cfg.Input, "RTSP URL of the live source")
	cfg.RTSPTransport = fs.String("rtspTransport", *cfg.RTSPTransport, "RTSP transport: udp, multicast, tcp, or empty to try UDP first")
	cfg.Output = fs.String("out", *cfg.Output, "Base path of segment files; files are written as <out>-<index>.<format>")
	cfg.Format = fs.String("format", *cfg.Format, "Container format of segment files: mp4 or ts")
	cfg.SegmentDuration = fs.Duration("segmentDuration", *cfg.SegmentDuration, "Target segment length; segments rotate on the first key frame past it. Zero disables rotation")

	// Retries:
	cfg.MaxRetries = fs.Int("maxRetries", *cfg.MaxRetries, "Attempts to reconnect the source or reopen a failed segment before giving up; zero retries forever")
	cfg.RetryInterval = fs.Duration("retryInterval", *cfg.RetryInterval, "Maximum wait between retries")

	// Node & HTTP:
	cfg.NodeID = fs.String("nodeID", *cfg.NodeID, "Identifies this recorder in metrics and events; may be a path to a file holding it")
	cfg.HttpAddr = fs.String("httpAddr", *cfg.HttpAddr, "Address to bind for the status HTTP server; empty disables it")
	cfg.DBPath = fs.String("dbPath", *cfg.DBPath, "Path of the sqlite segment catalog; empty disables it")

	// Archive:
	cfg.RecordObjectStore = fs.String("recordObjectStore", *cfg.RecordObjectStore, "Object store closed segments are copied to: a local path, file://, s3://key:secret@region/bucket, s3+http(s)://key:secret@host/bucket or gs://bucket?keyfile=path")

	// Metrics:
	cfg.Monitor = fs.Bool("monitor", *cfg.Monitor, "Set to true to enable metrics, served on -httpAddr at /metrics")
	cfg.StatusInterval = fs.Duration("statusInterval", *cfg.StatusInterval, "How often recorder counters are sampled into metrics")

	// Events:
	cfg.EventSinkURIs = fs.String("eventSinks", *cfg.EventSinkURIs, "Comma-separated list of event sink URLs (http, https, ws, wss, kafka, amqp or amqps)")
	cfg.EventSinkHeaders = fs.String("eventSinkHeaders", *cfg.EventSinkHeaders, "Headers sent to http and websocket sinks, e.g. 'Authorization: Bearer x,X-Env: prod', or a path to a file holding them")
	cfg.EventSinkQueueDepth = fs.Int("eventSinkQueueDepth", *cfg.EventSinkQueueDepth, "Events buffered before new ones are dropped")
	cfg.EventSinkBatchSize = fs.Int("eventSinkBatchSize", *cfg.EventSinkBatchSize, "Maximum events per sink request")
	cfg.EventSinkFlushInterval = fs.Duration("eventSinkFlushInterval", *cfg.EventSinkFlushInterval, "Maximum delay before queued events are sent")

	// Kafka, used when no -eventSinks are set:
	cfg.KafkaBootstrapServers = fs.String("kafkaBootstrapServers", *cfg.KafkaBootstrapServers, "URL of Kafka Bootstrap Servers")
	cfg.KafkaUsername = fs.String("kafkaUser", *cfg.KafkaUsername, "Kafka Username")
	cfg.KafkaPassword = fs.String("kafkaPassword", *cfg.KafkaPassword, "Kafka Password")
	cfg.KafkaTopic = fs.String("kafkaTopic", *cfg.KafkaTopic, "Kafka Topic used to send recorder events")

	return cfg
}
