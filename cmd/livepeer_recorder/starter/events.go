package starter

import (
	"net/url"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/livepeer/go-recorder/common"
	lpmon "github.com/livepeer/go-recorder/monitor"
	"github.com/pkg/errors"
)

func startEventPublisher(cfg RecorderConfig, nodeID string) (bool, error) {
	sinkList := splitList(*cfg.EventSinkURIs)
	if len(sinkList) == 0 {
		if kafkaURI := buildKafkaSink(cfg); kafkaURI != "" {
			sinkList = append(sinkList, kafkaURI)
		}
	}

	if len(sinkList) == 0 {
		glog.Warning("event publisher not started: no sinks configured")
		return false, nil
	}

	headers, err := common.ParseHeaders(*cfg.EventSinkHeaders)
	if err != nil {
		return false, err
	}

	publisherCfg := lpmon.PublisherConfig{
		NodeID:        nodeID,
		QueueSize:     valueOrDefaultInt(cfg.EventSinkQueueDepth, 100),
		BatchSize:     valueOrDefaultInt(cfg.EventSinkBatchSize, 100),
		FlushInterval: valueOrDefaultDuration(cfg.EventSinkFlushInterval, time.Second),
		SinkURLs:      sinkList,
		Headers:       headers,
	}

	if err := lpmon.InitEventPublisher(publisherCfg); err != nil {
		return false, errors.Wrap(err, "init event publisher")
	}
	return true, nil
}

// buildKafkaSink turns the -kafka* flags into a kafka:// sink URL.
func buildKafkaSink(cfg RecorderConfig) string {
	brokers := strings.TrimSpace(*cfg.KafkaBootstrapServers)
	topic := strings.TrimSpace(*cfg.KafkaTopic)
	if brokers == "" || topic == "" {
		return ""
	}
	u := url.URL{Scheme: "kafka", Host: strings.Split(brokers, ",")[0]}
	if *cfg.KafkaUsername != "" {
		u.User = url.UserPassword(*cfg.KafkaUsername, *cfg.KafkaPassword)
	}
	q := url.Values{}
	q.Set("topic", topic)
	q.Set("brokers", brokers)
	u.RawQuery = q.Encode()
	return u.String()
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', '\n', ';':
			return true
		default:
			return false
		}
	})
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func valueOrDefaultInt(v *int, def int) int {
	if v == nil || *v <= 0 {
		return def
	}
	return *v
}

func valueOrDefaultDuration(v *time.Duration, def time.Duration) time.Duration {
	if v == nil || *v <= 0 {
		return def
	}
	return *v
}
