package monitor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/livepeer/go-recorder/common"
	"github.com/pkg/errors"
	"golang.org/x/net/websocket"
)

// websocketBackend keeps one connection open to the sink and sends each
// batch as a single text message, redialing after a failed send.
type websocketBackend struct {
	target  string
	origin  string
	headers http.Header
	timeout time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

func init() {
	RegisterBackendFactory("ws", newWebSocketBackend)
	RegisterBackendFactory("wss", newWebSocketBackend)
}

const websocketSinkTimeout = 10 * time.Second

func newWebSocketBackend(u *url.URL, opts BackendOptions) (EventBackend, error) {
	query := u.Query()
	timeout, err := sinkTimeout(u, query, websocketSinkTimeout)
	if err != nil {
		return nil, err
	}
	b := &websocketBackend{
		origin:  query.Get("origin"),
		headers: sinkHeaders(opts),
		timeout: timeout,
	}
	if b.origin == "" {
		b.origin = "http://" + u.Host
	}

	query.Del("origin")
	query.Del("timeout")
	cleaned := *u
	cleaned.RawQuery = query.Encode()
	b.target = cleaned.String()
	return b, nil
}

func (b *websocketBackend) Start(_ context.Context) error {
	return nil
}

func (b *websocketBackend) dial(ctx context.Context) (*websocket.Conn, error) {
	cfg, err := websocket.NewConfig(b.target, b.origin)
	if err != nil {
		return nil, err
	}
	cfg.Header = b.headers.Clone()

	dialer := &net.Dialer{Timeout: b.timeout}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}
	cfg.Dialer = dialer
	return websocket.DialConfig(cfg)
}

// Publish sends the batch on the open connection. A send on a connection
// the sink already dropped fails, so one redial is attempted before giving
// up on the batch.
func (b *websocketBackend) Publish(ctx context.Context, batch []EventEnvelope) error {
	if len(batch) == 0 {
		return nil
	}
	payload, err := json.Marshal(batch)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for attempt := 0; ; attempt++ {
		err = b.sendLocked(ctx, string(payload))
		if err == nil || attempt > 0 || ctx.Err() != nil {
			return err
		}
		glog.V(common.DEBUG).Infof("Redialing websocket sink target=%s err=%q", b.target, err)
	}
}

func (b *websocketBackend) sendLocked(ctx context.Context, payload string) error {
	if b.conn == nil {
		conn, err := b.dial(ctx)
		if err != nil {
			return errors.Wrap(err, "websocket dial")
		}
		b.conn = conn
	}
	if err := b.conn.SetWriteDeadline(time.Now().Add(b.timeout)); err != nil {
		glog.V(common.VERBOSE).Infof("websocket sink set deadline err=%q", err)
	}
	if err := websocket.Message.Send(b.conn, payload); err != nil {
		b.conn.Close()
		b.conn = nil
		return errors.Wrap(err, "websocket send")
	}
	return nil
}

func (b *websocketBackend) Stop(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}
