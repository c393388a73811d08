package venue

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"kaskade/internal/domain"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWSQuoteClient_SubscribeAndReceive(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer c.Close()

		var sub wsSubscribe
		if err := c.ReadJSON(&sub); err != nil {
			return
		}
		if sub.Op != "subscribe" || len(sub.Pairs) != 1 || sub.Pairs[0] != "TON/USDT" {
			t.Errorf("unexpected subscribe %+v", sub)
		}

		frames := []string{
			`not json`,
			`{"type":"quote","pair":"bad","bid":"1","ask":"2","ts":1}`,
			`{"type":"heartbeat"}`,
			`{"type":"quote","pair":"TON/USDT","bid":"2.51","ask":"2.52","bid_size":"1000","ask_size":"900","ts":1700000000000}`,
		}
		for _, f := range frames {
			c.WriteMessage(websocket.TextMessage, []byte(f))
		}

		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	client, err := NewWSQuoteClient(context.Background(), wsURL(server), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWSQuoteClient: %v", err)
	}
	defer client.Close()

	ch, err := client.Subscribe(context.Background(), []domain.Pair{domain.NewPair("TON", "USDT")})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.Pair.Key() != "TON/USDT" || ev.Bid.String() != "2.51" || ev.Ask.String() != "2.52" {
			t.Errorf("unexpected event %+v", ev)
		}
		if ev.BidSize.String() != "1000" || ev.TimestampMs != 1700000000000 {
			t.Errorf("unexpected sizes/ts %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for quote")
	}
}

func TestWSQuoteClient_ResubscribesAfterReconnect(t *testing.T) {
	var conns atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		n := conns.Add(1)

		var sub wsSubscribe
		if err := c.ReadJSON(&sub); err != nil {
			return
		}
		if n == 1 {
			// Drop the first connection right after subscribing.
			return
		}
		c.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"quote","pair":"`+sub.Pairs[0]+`","bid":"1","ask":"1.01","ts":42}`))
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	cfg := DefaultWSConfig()
	cfg.ReconnectDelay = 10 * time.Millisecond
	cfg.MaxReconnectDelay = 50 * time.Millisecond

	client, err := NewWSQuoteClient(context.Background(), wsURL(server), &cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWSQuoteClient: %v", err)
	}
	defer client.Close()

	ch, err := client.Subscribe(context.Background(), []domain.Pair{domain.NewPair("BTC", "USDT")})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.Pair.Key() != "BTC/USDT" || ev.TimestampMs != 42 {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for quote after reconnect")
	}
	if conns.Load() < 2 {
		t.Errorf("expected a reconnect, got %d connections", conns.Load())
	}
}

func TestWSQuoteClient_CloseClosesChannel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	client, err := NewWSQuoteClient(context.Background(), wsURL(server), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWSQuoteClient: %v", err)
	}
	ch, _ := client.Subscribe(context.Background(), nil)

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Error("expected closed channel")
	}
	if _, err := client.Subscribe(context.Background(), nil); err == nil {
		t.Error("expected error subscribing after close")
	}
}

func TestWSQuoteClient_CloseStopsPendingReconnect(t *testing.T) {
	var conns atomic.Int32
	dialing := make(chan struct{}, 1)
	hold := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if conns.Add(1) > 1 {
			// Stall the reconnect handshake.
			select {
			case dialing <- struct{}{}:
			default:
			}
			<-hold
			return
		}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c.Close()
	}))
	defer server.Close()
	defer close(hold)

	cfg := DefaultWSConfig()
	cfg.ReconnectDelay = 10 * time.Millisecond

	client, err := NewWSQuoteClient(context.Background(), wsURL(server), &cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWSQuoteClient: %v", err)
	}

	select {
	case <-dialing:
	case <-time.After(5 * time.Second):
		t.Fatal("no reconnect attempt")
	}

	closed := make(chan struct{})
	go func() {
		client.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on a pending reconnect")
	}

	if client.reconnecting.Load() {
		t.Error("reconnect still running after Close")
	}
	client.connMu.Lock()
	defer client.connMu.Unlock()
	if client.conn != nil {
		if err := client.conn.WriteMessage(websocket.TextMessage, []byte("x")); err == nil {
			t.Error("connection left open after Close")
		}
	}
}
