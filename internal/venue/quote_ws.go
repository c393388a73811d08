package venue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"kaskade/internal/domain"
	"kaskade/internal/observability"
)

// WSConfig configures WebSocket client behavior.
type WSConfig struct {
	// ReconnectDelay is initial delay before reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay is maximum delay between reconnect attempts.
	MaxReconnectDelay time.Duration
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is timeout for reading messages.
	ReadTimeout time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration
	// Buffer is the capacity of the outgoing quote channel.
	Buffer int
}

// DefaultWSConfig returns default WebSocket configuration.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      15 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		Buffer:            1024,
	}
}

// WSQuoteClient implements QuoteSource over a JSON WebSocket feed.
// Subscriptions survive reconnects; malformed messages are counted and dropped.
type WSQuoteClient struct {
	endpoint string
	config   WSConfig
	log      zerolog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex
	closed atomic.Bool

	// pairs holds every subscribed pair for resubscription after reconnect
	pairs   map[string]domain.Pair
	pairsMu sync.RWMutex

	out  chan domain.QuoteEvent
	done chan struct{}
	wg   sync.WaitGroup

	reconnecting atomic.Bool
}

var _ QuoteSource = (*WSQuoteClient)(nil)

// NewWSQuoteClient connects to the endpoint and starts the read and ping loops.
func NewWSQuoteClient(ctx context.Context, endpoint string, config *WSConfig, log zerolog.Logger) (*WSQuoteClient, error) {
	cfg := DefaultWSConfig()
	if config != nil {
		cfg = *config
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultWSConfig().Buffer
	}

	c := &WSQuoteClient{
		endpoint: endpoint,
		config:   cfg,
		log:      log.With().Str("component", "quote_ws").Logger(),
		pairs:    make(map[string]domain.Pair),
		out:      make(chan domain.QuoteEvent, cfg.Buffer),
		done:     make(chan struct{}),
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.pingLoop()

	return c, nil
}

func (c *WSQuoteClient) connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	if c.closed.Load() {
		conn.Close()
		return errors.New("client closed")
	}
	c.conn = conn
	return nil
}

// Subscribe adds pairs to the subscription and returns the shared quote channel.
// The channel is closed by Close.
func (c *WSQuoteClient) Subscribe(_ context.Context, pairs []domain.Pair) (<-chan domain.QuoteEvent, error) {
	if c.closed.Load() {
		return nil, errors.New("client closed")
	}

	c.pairsMu.Lock()
	for _, p := range pairs {
		c.pairs[p.Key()] = p
	}
	c.pairsMu.Unlock()

	if err := c.sendSubscribe(pairs); err != nil {
		return nil, err
	}
	return c.out, nil
}

func (c *WSQuoteClient) sendSubscribe(pairs []domain.Pair) error {
	if len(pairs) == 0 {
		return nil
	}
	keys := make([]string, len(pairs))
	for i, p := range pairs {
		keys[i] = p.Key()
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return errors.New("not connected")
	}

	c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := c.conn.WriteJSON(wsSubscribe{Op: "subscribe", Pairs: keys}); err != nil {
		return fmt.Errorf("write subscribe: %w", err)
	}
	return nil
}

// Close closes the WebSocket connection and the quote channel.
func (c *WSQuoteClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	close(c.done)

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
	}
	c.connMu.Unlock()

	c.wg.Wait()
	close(c.out)
	return nil
}

// readLoop reads messages and reconnects with exponential backoff on errors.
func (c *WSQuoteClient) readLoop() {
	defer c.wg.Done()

	reconnectDelay := c.config.ReconnectDelay

	for !c.closed.Load() {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		var err error
		if conn != nil {
			conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
			var message []byte
			_, message, err = conn.ReadMessage()
			if err == nil {
				reconnectDelay = c.config.ReconnectDelay
				c.handleMessage(message)
				continue
			}
			if c.closed.Load() {
				return
			}
		}

		// Lost or never re-established connection.
		if !c.reconnecting.Swap(true) {
			c.log.Warn().Err(err).Dur("delay", reconnectDelay).Msg("quote stream lost, reconnecting")
			c.wg.Add(1)
			go c.reconnect(conn, reconnectDelay)

			reconnectDelay *= 2
			if reconnectDelay > c.config.MaxReconnectDelay {
				reconnectDelay = c.config.MaxReconnectDelay
			}
		}

		select {
		case <-c.done:
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// reconnect replaces the broken connection and resubscribes every known pair.
func (c *WSQuoteClient) reconnect(broken *websocket.Conn, delay time.Duration) {
	defer c.wg.Done()
	defer c.reconnecting.Store(false)

	select {
	case <-c.done:
		return
	case <-time.After(delay):
	}

	c.connMu.Lock()
	if c.conn != broken {
		c.connMu.Unlock()
		return
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := c.connect(ctx); err != nil {
		// readLoop schedules another attempt while conn is nil.
		c.log.Warn().Err(err).Msg("reconnect failed")
		return
	}
	observability.RecordQuoteReconnect()

	c.pairsMu.RLock()
	pairs := make([]domain.Pair, 0, len(c.pairs))
	for _, p := range c.pairs {
		pairs = append(pairs, p)
	}
	c.pairsMu.RUnlock()

	if err := c.sendSubscribe(pairs); err != nil {
		c.log.Warn().Err(err).Msg("resubscribe failed")
	}
}

// handleMessage decodes one frame. Only quote frames produce events.
func (c *WSQuoteClient) handleMessage(message []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		observability.RecordQuoteRejected("parse")
		c.log.Debug().Err(err).Msg("unparseable frame")
		return
	}

	switch env.Type {
	case "quote":
		ev, err := env.toEvent()
		if err != nil {
			observability.RecordQuoteRejected("parse")
			c.log.Debug().Err(err).Msg("bad quote frame")
			return
		}
		select {
		case c.out <- ev:
		case <-c.done:
		}
	case "error":
		c.log.Warn().Str("message", env.Message).Msg("quote stream error")
	}
}

// pingLoop sends periodic ping frames to keep connection alive.
func (c *WSQuoteClient) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.connMu.Lock()
			if c.conn != nil {
				c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
				// A failed ping surfaces as a read error in readLoop.
				_ = c.conn.WriteMessage(websocket.PingMessage, nil)
			}
			c.connMu.Unlock()
		}
	}
}

// WebSocket message types

type wsSubscribe struct {
	Op    string   `json:"op"`
	Pairs []string `json:"pairs"`
}

type wsEnvelope struct {
	Type    string          `json:"type"`
	Pair    string          `json:"pair"`
	Bid     decimal.Decimal `json:"bid"`
	Ask     decimal.Decimal `json:"ask"`
	BidSize decimal.Decimal `json:"bid_size"`
	AskSize decimal.Decimal `json:"ask_size"`
	TS      int64           `json:"ts"`
	Message string          `json:"message"`
}

func (e *wsEnvelope) toEvent() (domain.QuoteEvent, error) {
	pair, err := domain.ParsePair(e.Pair)
	if err != nil {
		return domain.QuoteEvent{}, err
	}
	if e.TS <= 0 {
		return domain.QuoteEvent{}, fmt.Errorf("quote %s: missing ts", e.Pair)
	}
	return domain.QuoteEvent{
		Pair:        pair,
		Bid:         e.Bid,
		Ask:         e.Ask,
		BidSize:     e.BidSize,
		AskSize:     e.AskSize,
		TimestampMs: e.TS,
	}, nil
}
