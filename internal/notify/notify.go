// Package notify delivers session progress to the session owner.
package notify

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"kaskade/internal/domain"
)

// Kind identifies a notification.
type Kind string

const (
	KindExecuting Kind = "executing"
	KindExecuted  Kind = "executed"
	KindFailed    Kind = "failed"
	KindCompleted Kind = "completed"
	KindExpired   Kind = "expired"
	KindCancelled Kind = "cancelled"
	KindPaused    Kind = "paused"
	KindResumed   Kind = "resumed"
)

// Terminal reports whether no further events follow for the session.
func (k Kind) Terminal() bool {
	return k == KindCompleted || k == KindExpired || k == KindCancelled
}

// Event is one owner-facing notification.
type Event struct {
	Kind      Kind
	SessionID string
	UserID    string
	Pair      domain.Pair
	AtMs      int64

	Chunk       uint64 // 1-based
	TotalChunks uint64

	AmountIn          uint64
	AmountOut         uint64
	ExecutedAmountIn  uint64
	ExecutedAmountOut uint64
	RemainingAmountIn uint64

	TimeDecayForced bool
	RouteID         string
	Payload         []byte // signed externally by the owner
	Err             error
	Retry           bool
}

// Notifier delivers events. Implementations must not block for long.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// SessionEvent fills the session fields of an event.
func SessionEvent(kind Kind, s *domain.Session, atMs int64) Event {
	return Event{
		Kind:              kind,
		SessionID:         s.ID,
		UserID:            s.UserID,
		Pair:              s.Pair,
		AtMs:              atMs,
		Chunk:             s.NumExecutedChunks,
		TotalChunks:       s.TotalChunks(),
		ExecutedAmountIn:  s.ExecutedAmountIn,
		ExecutedAmountOut: s.ExecutedAmountOut,
		RemainingAmountIn: s.RemainingAmountIn,
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// Log writes events to a zerolog logger.
type Log struct {
	log zerolog.Logger
}

// NewLog creates a log notifier.
func NewLog(log zerolog.Logger) *Log {
	return &Log{log: log.With().Str("component", "notify").Logger()}
}

func (n *Log) Notify(_ context.Context, ev Event) {
	e := n.log.Info()
	switch {
	case ev.Kind == KindFailed && ev.Retry:
		e = n.log.Warn()
	case ev.Kind == KindFailed:
		e = n.log.Error()
	}
	e = e.Str("kind", string(ev.Kind)).
		Str("session_id", ev.SessionID).
		Str("user_id", ev.UserID).
		Str("pair", ev.Pair.Key()).
		Uint64("chunk", ev.Chunk).
		Uint64("total_chunks", ev.TotalChunks).
		Uint64("remaining_amount_in", ev.RemainingAmountIn)
	if ev.AmountIn > 0 {
		e = e.Uint64("amount_in", ev.AmountIn).Uint64("amount_out", ev.AmountOut)
	}
	if ev.RouteID != "" {
		e = e.Str("route_id", ev.RouteID).Int("payload_bytes", len(ev.Payload))
	}
	if ev.TimeDecayForced {
		e = e.Bool("time_decay", true)
	}
	if ev.Err != nil {
		e = e.Err(ev.Err).Bool("retry", ev.Retry)
	}
	e.Msg("session event")
}

// Stream writes human-readable status lines, optionally for one session only.
type Stream struct {
	mu        sync.Mutex
	w         io.Writer
	sessionID string
}

// NewStream creates a stream notifier. An empty sessionID accepts all sessions.
func NewStream(w io.Writer, sessionID string) *Stream {
	return &Stream{w: w, sessionID: sessionID}
}

func (n *Stream) Notify(_ context.Context, ev Event) {
	if n.sessionID != "" && ev.SessionID != n.sessionID {
		return
	}
	line := FormatLine(ev)
	if line == "" {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	_, _ = fmt.Fprintln(n.w, line)
}

// FormatLine renders ev as a status line.
func FormatLine(ev Event) string {
	switch ev.Kind {
	case KindExecuting:
		line := fmt.Sprintf("pulse detected, executing chunk %d/%d (%d %s)", ev.Chunk, ev.TotalChunks, ev.AmountIn, ev.Pair.Base)
		if ev.TimeDecayForced {
			line += " [time decay]"
		}
		return line
	case KindExecuted:
		return fmt.Sprintf("chunk %d/%d executed: in=%d out=%d remaining=%d route=%s payload=%s",
			ev.Chunk, ev.TotalChunks, ev.AmountIn, ev.AmountOut, ev.RemainingAmountIn, ev.RouteID,
			base64.StdEncoding.EncodeToString(ev.Payload))
	case KindFailed:
		retry := "permanent"
		if ev.Retry {
			retry = "will retry"
		}
		return fmt.Sprintf("chunk %d/%d failed (%s): %v", ev.Chunk, ev.TotalChunks, retry, ev.Err)
	case KindCompleted:
		return fmt.Sprintf("session completed: executed_in=%d executed_out=%d chunks=%d",
			ev.ExecutedAmountIn, ev.ExecutedAmountOut, ev.Chunk)
	case KindExpired:
		return fmt.Sprintf("session expired: executed_in=%d remaining=%d", ev.ExecutedAmountIn, ev.RemainingAmountIn)
	case KindCancelled:
		return fmt.Sprintf("session cancelled: executed_in=%d remaining=%d", ev.ExecutedAmountIn, ev.RemainingAmountIn)
	case KindPaused:
		return "session paused"
	case KindResumed:
		return "session resumed"
	}
	return ""
}

// Channel forwards events to a buffered channel, dropping when full.
type Channel struct {
	ch chan Event
}

// NewChannel creates a channel notifier.
func NewChannel(buffer int) *Channel {
	return &Channel{ch: make(chan Event, buffer)}
}

// C returns the event channel.
func (n *Channel) C() <-chan Event {
	return n.ch
}

func (n *Channel) Notify(_ context.Context, ev Event) {
	select {
	case n.ch <- ev:
	default:
	}
}

// Multi fans an event out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) {
	for _, n := range m {
		n.Notify(ctx, ev)
	}
}
