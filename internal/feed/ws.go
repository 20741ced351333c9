package feed

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"solana-kline-engine/internal/observability"
)

// WSConfig configures WebSocket source behavior.
type WSConfig struct {
	// ReconnectWait is the initial delay before a reconnect attempt.
	ReconnectWait time.Duration
	// MaxReconnectWait caps the delay between reconnect attempts.
	MaxReconnectWait time.Duration
	// PingInterval is the interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is how long the connection may stay silent, pongs included.
	ReadTimeout time.Duration
	// WriteTimeout bounds control frame writes.
	WriteTimeout time.Duration
	// Subscribe is sent as a text frame after every successful dial, if set.
	Subscribe []byte
	// Header is sent with the handshake.
	Header http.Header
}

// DefaultWSConfig returns default WebSocket configuration.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		ReconnectWait:    1 * time.Second,
		MaxReconnectWait: 30 * time.Second,
		PingInterval:     30 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

// WSSource reads envelopes from a WebSocket, reconnecting with exponential
// backoff until its context is done.
type WSSource struct {
	url    string
	cfg    WSConfig
	dialer *websocket.Dialer
	disp   *dispatcher
}

// NewWSSource creates a source for url. Zero config fields take defaults.
func NewWSSource(url string, cfg WSConfig, logger *zap.Logger) *WSSource {
	def := DefaultWSConfig()
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = def.ReconnectWait
	}
	if cfg.MaxReconnectWait < cfg.ReconnectWait {
		cfg.MaxReconnectWait = max(def.MaxReconnectWait, cfg.ReconnectWait)
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	return &WSSource{
		url:    url,
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		disp:   newDispatcher(logger),
	}
}

// Run implements Source. It only returns when ctx is done.
func (s *WSSource) Run(ctx context.Context, out chan<- Message) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.ReconnectWait
	bo.MaxInterval = s.cfg.MaxReconnectWait

	log := s.disp.logger.With(zap.String("url", s.url))
	for {
		conn, err := s.dial(ctx)
		if err == nil {
			log.Info("feed connected")
			bo.Reset()
			err = s.consume(ctx, conn, out)
		}
		if ctx.Err() != nil {
			return nil
		}

		wait := bo.NextBackOff()
		log.Warn("feed disconnected, reconnecting", zap.Error(err), zap.Duration("backoff", wait))
		observability.RecordFeedReconnect()

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (s *WSSource) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.url, s.cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	if len(s.cfg.Subscribe) > 0 {
		conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, s.cfg.Subscribe); err != nil {
			conn.Close()
			return nil, fmt.Errorf("write subscribe: %w", err)
		}
	}
	return conn, nil
}

// consume reads until the connection fails or ctx is done.
func (s *WSSource) consume(ctx context.Context, conn *websocket.Conn, out chan<- Message) error {
	defer conn.Close()

	// Closing the connection unblocks ReadMessage on shutdown.
	stop := context.AfterFunc(ctx, func() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(s.cfg.WriteTimeout))
		conn.Close()
	})
	defer stop()

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go s.pingLoop(conn, pingDone)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("websocket read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		if err := s.disp.deliver(ctx, data, out); err != nil {
			return err
		}
	}
}

func (s *WSSource) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				// The read side sees the failure and reconnects.
				return
			}
		}
	}
}

var _ Source = (*WSSource)(nil)
