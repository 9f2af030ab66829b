package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"github.com/livepeer/go-recorder/common"
	"github.com/pkg/errors"
)

const (
	httpSinkTimeout = 10 * time.Second
	httpSinkRetries = 2
)

// httpBackend sends each batch as a JSON array. The query parameters
// "method", "timeout" and "retries" configure delivery and are not sent.
// Server errors and network failures are retried; 4xx responses are not.
type httpBackend struct {
	client  *http.Client
	target  string
	headers http.Header
	method  string
	retries uint64
}

type httpStatusError struct {
	code int
	body string
}

func (e *httpStatusError) Error() string {
	return "http sink returned status " + strconv.Itoa(e.code) + ": " + e.body
}

func (e *httpStatusError) retryable() bool {
	return e.code >= 500 || e.code == http.StatusTooManyRequests
}

func init() {
	RegisterBackendFactory("http", newHTTPBackend)
	RegisterBackendFactory("https", newHTTPBackend)
}

func newHTTPBackend(u *url.URL, opts BackendOptions) (EventBackend, error) {
	query := u.Query()
	b := &httpBackend{
		method:  strings.ToUpper(strings.TrimSpace(query.Get("method"))),
		retries: httpSinkRetries,
		headers: make(http.Header, len(opts.Headers)+2),
	}
	if b.method == "" {
		b.method = http.MethodPost
	}

	timeout, err := sinkTimeout(u, query, httpSinkTimeout)
	if err != nil {
		return nil, err
	}
	if raw := strings.TrimSpace(query.Get("retries")); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid retries %q for http sink %s", raw, u.Redacted())
		}
		b.retries = n
	}
	b.client = &http.Client{Timeout: timeout}

	for _, k := range []string{"method", "timeout", "retries"} {
		query.Del(k)
	}
	cleaned := *u
	cleaned.RawQuery = query.Encode()
	b.target = cleaned.String()

	if b.headers.Get("Content-Type") == "" {
		b.headers.Set("Content-Type", "application/json")
	}
	return b, nil
}

// sinkTimeout reads the optional "timeout" duration of a sink URL.
func sinkTimeout(u *url.URL, query url.Values, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(query.Get("timeout"))
	if raw == "" {
		return def, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil || dur <= 0 {
		return 0, errors.Errorf("invalid timeout %q for %s sink %s", raw, u.Scheme, u.Redacted())
	}
	return dur, nil
}

// sinkHeaders carries the configured headers and the recorder node ID.
func sinkHeaders(opts BackendOptions) http.Header {
	h := make(http.Header, len(opts.Headers)+2)
	for k, v := range opts.Headers {
		h.Set(k, v)
	}
	if opts.NodeID != "" {
		h.Set("X-Recorder-Node", opts.NodeID)
	}
	return h
}

func (b *httpBackend) Start(_ context.Context) error {
	return nil
}

func (b *httpBackend) Publish(ctx context.Context, batch []EventEnvelope) error {
	if len(batch) == 0 {
		return nil
	}
	body, err := json.Marshal(batch)
	if err != nil {
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), b.retries), ctx)
	policy.Reset()
	for {
		err = b.send(ctx, body)
		if err == nil {
			return nil
		}
		if se, ok := err.(*httpStatusError); ok && !se.retryable() {
			return err
		}
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		glog.V(common.DEBUG).Infof("Retrying http sink target=%s after=%s err=%q", b.target, wait, err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return err
		}
	}
}

func (b *httpBackend) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, b.method, b.target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header = b.headers.Clone()

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	return &httpStatusError{code: resp.StatusCode, body: strings.TrimSpace(string(msg))}
}

func (b *httpBackend) Stop(_ context.Context) error {
	b.client.CloseIdleConnections()
	return nil
}
