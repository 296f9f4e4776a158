package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/fragdl/internal/augment"
	"github.com/tanq16/fragdl/internal/retry"
	"github.com/tanq16/fragdl/internal/utils"
)

const DefaultReconnectDelay = 10 * time.Second

var ErrSessionClosed = errors.New("live session ended before a stream was offered")

// Conn is the subset of *websocket.Conn the adapter needs.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Dialer func(ctx context.Context, url string, headers http.Header) (Conn, error)

// Dial connects with gorilla's default dialer.
func Dial(ctx context.Context, url string, headers http.Header) (Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed (%d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return conn, nil
}

// SessionError is an explicit error message from the server. It is never retried.
type SessionError struct {
	Code string
}

func (e *SessionError) Error() string {
	return "live session error: " + e.Code
}

type Options struct {
	URL            string
	Headers        utils.Headers
	Quality        string
	Latency        string
	ReconnectDelay time.Duration
	// MaxReconnects <= 0 reconnects forever.
	MaxReconnects int
	Dial          Dialer
}

type result struct {
	url string
	err error
}

// Adapter keeps a push-based live session open in the background and hands the
// first offered stream URL to the caller.
type Adapter struct {
	opts   Options
	log    zerolog.Logger
	result chan result

	mu   sync.Mutex
	conn Conn

	done       chan struct{}
	err        error
	reconnects int
}

func New(opts Options) *Adapter {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Dial == nil {
		opts.Dial = Dial
	}
	if opts.Quality == "" {
		opts.Quality = "high"
	}
	if opts.Latency == "" {
		opts.Latency = "high"
	}
	return &Adapter{
		opts:   opts,
		log:    log.With().Str("component", "live").Logger(),
		result: make(chan result, 1),
		done:   make(chan struct{}),
	}
}

// Start runs the connection loop on its own goroutine.
func (a *Adapter) Start(ctx context.Context) {
	go func() {
		defer close(a.done)
		a.err = a.Run(ctx)
	}()
}

func (a *Adapter) Done() <-chan struct{} {
	return a.done
}

// Err is valid once Done is closed.
func (a *Adapter) Err() error {
	return a.err
}

func (a *Adapter) Reconnects() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reconnects
}

// WaitURL blocks until the server offers a stream URL or the session fails.
func (a *Adapter) WaitURL(ctx context.Context) (string, error) {
	select {
	case r := <-a.result:
		return r.url, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// only the first value is kept
func (a *Adapter) deliver(r result) {
	select {
	case a.result <- r:
	default:
	}
}

// Send writes a text message on the current connection.
func (a *Adapter) Send(msg string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return errors.New("live session is not connected")
	}
	return a.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

// Heartbeat sends template every interval with "{id}" replaced by an
// increasing id starting at 2.
func (a *Adapter) Heartbeat(template string, interval time.Duration) *augment.Heartbeat {
	return augment.NewHeartbeat(interval, func(_ context.Context, seq int64) error {
		return a.Send(strings.ReplaceAll(template, "{id}", strconv.FormatInt(seq+1, 10)))
	})
}

// Run blocks until the server disconnects, reports an error, or ctx is done.
// Transport failures reconnect after ReconnectDelay.
func (a *Adapter) Run(ctx context.Context) error {
	reconnect := false
	for {
		ended, err := a.session(ctx, reconnect)
		switch {
		case ctx.Err() != nil:
			a.deliver(result{err: ctx.Err()})
			return ctx.Err()
		case ended:
			a.deliver(result{err: ErrSessionClosed})
			return nil
		}
		var sessErr *SessionError
		if errors.As(err, &sessErr) {
			a.deliver(result{err: err})
			return err
		}
		a.mu.Lock()
		a.reconnects++
		n := a.reconnects
		a.mu.Unlock()
		if a.opts.MaxReconnects > 0 && n > a.opts.MaxReconnects {
			err = fmt.Errorf("giving up after %d reconnects: %w", a.opts.MaxReconnects, err)
			a.deliver(result{err: err})
			return err
		}
		a.log.Warn().Err(err).Msgf("Connection error occurred, reconnecting after %s", a.opts.ReconnectDelay)
		if err := retry.Sleep(ctx, a.opts.ReconnectDelay); err != nil {
			a.deliver(result{err: err})
			return err
		}
		reconnect = true
	}
}

type message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	Body json.RawMessage `json:"body"`
}

func (a *Adapter) startWatching(reconnect bool) ([]byte, error) {
	return json.Marshal(map[string]any{
		"type": "startWatching",
		"data": map[string]any{
			"stream": map[string]any{
				"quality":   a.opts.Quality,
				"protocol":  "hls+fmp4",
				"latency":   a.opts.Latency,
				"chasePlay": false,
			},
			"room": map[string]any{
				"protocol":    "webSocket",
				"commentable": true,
			},
			"reconnect": reconnect,
		},
	})
}

func (a *Adapter) session(ctx context.Context, reconnect bool) (bool, error) {
	conn, err := a.opts.Dial(ctx, a.opts.URL, a.opts.Headers.HTTPHeader())
	if err != nil {
		return false, err
	}
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.conn = nil
		a.mu.Unlock()
		conn.Close()
	}()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	hello, err := a.startWatching(reconnect)
	if err != nil {
		return false, err
	}
	if err := a.Send(string(hello)); err != nil {
		return false, fmt.Errorf("send startWatching: %w", err)
	}
	a.log.Debug().Bool("reconnect", reconnect).Msg("Sent startWatching request")

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return false, err
		}
		if len(raw) == 0 {
			continue
		}
		var msg message
		if err := json.Unmarshal(raw, &msg); err != nil {
			a.log.Debug().Msgf("Ignoring non JSON message: %.100s", raw)
			continue
		}
		switch msg.Type {
		case "ping":
			if err := a.Send(`{"type":"pong"}`); err != nil {
				return false, err
			}
			if err := a.Send(`{"type":"keepSeat"}`); err != nil {
				return false, err
			}
		case "stream":
			var data struct {
				URI string `json:"uri"`
			}
			if json.Unmarshal(msg.Data, &data) == nil && data.URI != "" {
				a.log.Debug().Msgf("Stream offered: %s", data.URI)
				a.deliver(result{url: data.URI})
			}
		case "disconnect":
			a.log.Debug().Msgf("Server disconnected: %s", raw)
			return true, nil
		case "error":
			return false, &SessionError{Code: errorCode(msg, raw)}
		default:
			a.log.Debug().Msgf("Server said: %.100s", raw)
		}
	}
}

func errorCode(msg message, raw []byte) string {
	var body struct {
		Code string `json:"code"`
	}
	if json.Unmarshal(msg.Body, &body) == nil && body.Code != "" {
		return body.Code
	}
	if json.Unmarshal(msg.Data, &body) == nil && body.Code != "" {
		return body.Code
	}
	return string(raw)
}
