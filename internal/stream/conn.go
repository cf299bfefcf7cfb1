package stream

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"tick-feed-supervisor/internal/credential"
)

// Conn is a live provider connection. Reconnecting means dialing a fresh
// Conn and re-issuing subscriptions from scratch; sessions are not resumable.
type Conn interface {
	Subscribe(ctx context.Context, securityIDs []string) error
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens provider connections. Each dial authenticates with the
// credential snapshot passed in, never a cached one.
type Dialer interface {
	Dial(ctx context.Context, cred credential.Credential) (Conn, error)
}

// WebsocketOptions tune the provider websocket.
type WebsocketOptions struct {
	BaseURL      string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	PingInterval time.Duration
	BatchSize    int
	BatchDelay   time.Duration
}

// WebsocketDialer connects to the provider's binary tick feed.
type WebsocketDialer struct {
	opts   WebsocketOptions
	logger zerolog.Logger
}

// NewWebsocketDialer constructs the provider dialer.
func NewWebsocketDialer(opts WebsocketOptions, logger zerolog.Logger) *WebsocketDialer {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 20 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	return &WebsocketDialer{opts: opts, logger: logger.With().Str("component", "ws_dialer").Logger()}
}

// Dial performs the authenticated handshake.
func (d *WebsocketDialer) Dial(ctx context.Context, cred credential.Credential) (Conn, error) {
	endpoint := fmt.Sprintf("%s?version=2&token=%s&clientId=%s&authType=2",
		d.opts.BaseURL, url.QueryEscape(cred.AccessToken), url.QueryEscape(cred.ClientID))

	dialer := websocket.Dialer{HandshakeTimeout: d.opts.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial provider feed: %w", err)
	}

	d.logger.Info().Str("client_id", cred.ClientID).Msg("provider feed connected")

	ws := &wsConn{
		conn:   conn,
		opts:   d.opts,
		logger: d.logger,
		done:   make(chan struct{}),
	}
	go ws.pingLoop()
	return ws, nil
}

type wsConn struct {
	conn   *websocket.Conn
	opts   WebsocketOptions
	logger zerolog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// subscribeRequest is the provider's full-feed subscription payload.
type subscribeRequest struct {
	RequestCode     int             `json:"RequestCode"`
	FeedType        string          `json:"FeedType"`
	InstrumentCount int             `json:"InstrumentCount"`
	InstrumentList  []instrumentRef `json:"InstrumentList"`
}

type instrumentRef struct {
	ExchangeSegment string `json:"ExchangeSegment"`
	SecurityID      string `json:"SecurityId"`
}

// Subscribe issues subscription requests in rate-friendly batches. The
// provider throttles aggressive subscription bursts, hence the delay between
// batches.
func (c *wsConn) Subscribe(ctx context.Context, securityIDs []string) error {
	total := len(securityIDs)
	for start := 0; start < total; start += c.opts.BatchSize {
		end := start + c.opts.BatchSize
		if end > total {
			end = total
		}
		batch := securityIDs[start:end]

		refs := make([]instrumentRef, len(batch))
		for i, id := range batch {
			refs[i] = instrumentRef{ExchangeSegment: "NSE_EQ", SecurityID: id}
		}
		payload := subscribeRequest{
			RequestCode:     21,
			FeedType:        "FULL",
			InstrumentCount: len(refs),
			InstrumentList:  refs,
		}

		c.writeMu.Lock()
		err := c.conn.WriteJSON(payload)
		c.writeMu.Unlock()
		if err != nil {
			return fmt.Errorf("subscribe batch %d-%d: %w", start, end, err)
		}

		if end < total && c.opts.BatchDelay > 0 {
			timer := time.NewTimer(c.opts.BatchDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	c.logger.Info().Int("instruments", total).Msg("subscriptions sent")
	return nil
}

// Read returns the next binary frame, skipping any text control notices the
// provider interleaves.
func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout)); err != nil {
			return nil, err
		}
		messageType, msg, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType != websocket.BinaryMessage {
			c.logger.Debug().Str("notice", truncate(string(msg), 100)).Msg("non-binary provider message")
			continue
		}
		return msg, nil
	}
}

// Close tears down the connection and stops the pinger.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				// Read side will surface the broken connection.
				return
			}
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

var _ Dialer = (*WebsocketDialer)(nil)
