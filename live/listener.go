// Package live keeps a WebSocket connection to the chat server open and feeds
// pushed message events to a handler.
package live

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"duckchat/models"
)

const (
	DefaultReconnectInterval = time.Second
	DefaultReconnectMaxDelay = 30 * time.Second
)

// Handler consumes live events. The chat engine implements it.
type Handler interface {
	HandlePush(ctx context.Context, event models.Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, event models.Event) error

// HandlePush calls f.
func (f HandlerFunc) HandlePush(ctx context.Context, event models.Event) error {
	return f(ctx, event)
}

// Options configures a Listener. URL and Handler are required.
type Options struct {
	URL     string
	Token   string
	Handler Handler
	Logger  zerolog.Logger
	Dialer  *websocket.Dialer
	// ReconnectInterval is the first delay after a dropped connection; it
	// doubles per failed attempt up to ReconnectMaxDelay.
	ReconnectInterval time.Duration
	ReconnectMaxDelay time.Duration
}

// Listener is the live channel client.
type Listener struct {
	url     string
	header  http.Header
	handler Handler
	log     zerolog.Logger
	dialer  *websocket.Dialer

	initial  time.Duration
	maxDelay time.Duration

	mu        sync.RWMutex
	connected bool
}

// New validates opts and returns a Listener.
func New(opts Options) (*Listener, error) {
	if opts.URL == "" {
		return nil, errors.New("live channel url is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("live event handler is required")
	}

	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}
	l := &Listener{
		url:      opts.URL,
		header:   header,
		handler:  opts.Handler,
		log:      opts.Logger,
		dialer:   opts.Dialer,
		initial:  opts.ReconnectInterval,
		maxDelay: opts.ReconnectMaxDelay,
	}
	if l.dialer == nil {
		l.dialer = websocket.DefaultDialer
	}
	if l.initial <= 0 {
		l.initial = DefaultReconnectInterval
	}
	if l.maxDelay < l.initial {
		l.maxDelay = DefaultReconnectMaxDelay
		if l.maxDelay < l.initial {
			l.maxDelay = l.initial
		}
	}
	return l, nil
}

// Connected reports whether a connection is currently open.
func (l *Listener) Connected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.connected
}

func (l *Listener) setConnected(v bool) {
	l.mu.Lock()
	l.connected = v
	l.mu.Unlock()
}

func (l *Listener) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.initial
	b.MaxInterval = l.maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Run connects and reads events until ctx is done, reconnecting with
// exponential backoff whenever the connection drops. The backoff resets after
// every successful connect. It returns ctx.Err().
func (l *Listener) Run(ctx context.Context) error {
	b := l.newBackOff()
	attempt := 0

	for {
		connected, err := l.serve(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			b.Reset()
			attempt = 0
		}
		attempt++

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			delay = l.maxDelay
		}
		l.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("Live channel disconnected, messages may be delayed")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// serve runs one connection until it fails or ctx is done. It reports whether
// the dial succeeded.
func (l *Listener) serve(ctx context.Context) (bool, error) {
	conn, resp, err := l.dialer.DialContext(ctx, l.url, l.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return false, errors.Wrap(err, "dial live channel")
	}

	l.setConnected(true)
	l.log.Info().Str("url", l.url).Msg("Live channel connected")
	defer l.setConnected(false)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			_ = conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return true, errors.Wrap(err, "read live channel")
		}
		l.dispatch(ctx, payload)
	}
}

func (l *Listener) dispatch(ctx context.Context, payload []byte) {
	var event models.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		l.log.Warn().Err(err).Msg("Dropping malformed live event")
		return
	}
	if event.Type != models.EventTypeMessage {
		l.log.Debug().Str("type", event.Type).Msg("Ignoring live event")
		return
	}
	if err := l.handler.HandlePush(ctx, event); err != nil {
		msgID := ""
		if event.Message != nil {
			msgID = event.Message.ID
		}
		l.log.Warn().Err(err).Str("message_id", msgID).Msg("Failed to handle pushed message")
	}
}
