package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/poolsniper/internal/domain"
)

const (
	streamPongWait   = 60 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
	streamWriteWait  = 10 * time.Second
)

// StreamListener is the push adapter for websocket event sources. Every text
// frame is parsed like a webhook body. It reconnects with exponential backoff.
type StreamListener struct {
	url        string
	header     http.Header
	queue      *Queue
	counters   Counters
	minBackoff time.Duration
	maxBackoff time.Duration
	logger     *slog.Logger
}

// StreamConfig configures a StreamListener.
type StreamConfig struct {
	URL        string
	Header     http.Header
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// NewStreamListener creates a listener that pushes parsed events into queue.
func NewStreamListener(cfg StreamConfig, queue *Queue, logger *slog.Logger) *StreamListener {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &StreamListener{
		url:        cfg.URL,
		header:     cfg.Header,
		queue:      queue,
		minBackoff: cfg.MinBackoff,
		maxBackoff: cfg.MaxBackoff,
		logger:     logger.With(slog.String("component", "stream_adapter")),
	}
}

// Run listens until ctx is cancelled.
func (l *StreamListener) Run(ctx context.Context) error {
	backoff := l.minBackoff
	for {
		connected, err := l.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = l.minBackoff
		}
		l.counters.Failures.Add(1)
		l.logger.Warn("pool stream disconnected, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("backoff", backoff),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, l.maxBackoff)
	}
}

func (l *StreamListener) runConnection(ctx context.Context) (connected bool, err error) {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, l.url, l.header)
	if err != nil {
		return false, fmt.Errorf("ingest: stream dial: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go l.pingLoop(conn, pingDone)

	l.logger.Info("pool stream connected", slog.String("url", l.url))
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("ingest: stream read: %w: %w", domain.ErrWSDisconnect, err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		if msgType != websocket.TextMessage {
			continue
		}
		l.handle(msg)
	}
}

func (l *StreamListener) handle(msg []byte) {
	updates, dropped := ParseEvents(msg, "stream", time.Now())
	for _, u := range updates {
		l.queue.Push(u)
	}
	l.counters.Received.Add(uint64(len(updates)))
	l.counters.Malformed.Add(uint64(dropped))
}

func (l *StreamListener) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}

// Stats returns the adapter counters.
func (l *StreamListener) Stats() CounterSnapshot { return l.counters.Snapshot() }

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
