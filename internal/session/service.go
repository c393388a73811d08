package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"kaskade/internal/domain"
	"kaskade/internal/notify"
	"kaskade/internal/storage"
)

// DefaultMaxRetries bounds conflict retries of a lifecycle transition.
const DefaultMaxRetries = 5

// Service applies owner-initiated lifecycle changes.
type Service struct {
	store      storage.SessionStore
	notifier   notify.Notifier
	log        zerolog.Logger
	maxRetries int
	now        func() time.Time
}

// NewService creates a lifecycle service. notifier may be nil.
func NewService(store storage.SessionStore, notifier notify.Notifier, log zerolog.Logger) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Service{
		store:      store,
		notifier:   notifier,
		log:        log.With().Str("component", "session").Logger(),
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
	}
}

// Create validates and stores a new session.
func (s *Service) Create(ctx context.Context, sess *domain.Session) error {
	if err := Validate(sess); err != nil {
		return err
	}
	if err := s.store.Insert(ctx, sess); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	s.log.Info().
		Str("session_id", sess.ID).
		Str("user_id", sess.UserID).
		Str("pair", sess.Pair.Key()).
		Uint64("total_amount_in", sess.TotalAmountIn).
		Uint64("chunk_amount_in", sess.ChunkAmountIn).
		Str("state", sess.State.String()).
		Msg("session created")
	return nil
}

// Get returns a session by id.
func (s *Service) Get(ctx context.Context, id string) (*domain.Session, error) {
	return s.store.GetByID(ctx, id)
}

// Approve moves a created session to approved.
func (s *Service) Approve(ctx context.Context, id string) (*domain.Session, error) {
	return s.transition(ctx, id, domain.SessionApproved, "")
}

// Activate moves an approved session to active.
func (s *Service) Activate(ctx context.Context, id string) (*domain.Session, error) {
	return s.transition(ctx, id, domain.SessionActive, "")
}

// Pause stops scheduling of an active session.
func (s *Service) Pause(ctx context.Context, id string) (*domain.Session, error) {
	return s.transition(ctx, id, domain.SessionPaused, notify.KindPaused)
}

// Resume reactivates a paused session.
func (s *Service) Resume(ctx context.Context, id string) (*domain.Session, error) {
	return s.transition(ctx, id, domain.SessionActive, notify.KindResumed)
}

// Cancel ends a session. In-flight intents for it become no-ops.
func (s *Service) Cancel(ctx context.Context, id string) (*domain.Session, error) {
	return s.transition(ctx, id, domain.SessionCancelled, notify.KindCancelled)
}

// transition reads, checks and conditionally writes the new state, retrying
// when a concurrent update wins. Reaching a state the session is already in
// is a no-op.
func (s *Service) transition(ctx context.Context, id string, to domain.SessionState, kind notify.Kind) (*domain.Session, error) {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		sess, err := s.store.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess.State == to {
			return sess, nil
		}
		if !CanTransition(sess.State, to) {
			return nil, fmt.Errorf("%w: %s -> %s", storage.ErrInvalidTransition, sess.State, to)
		}
		if needsDestination(to) && sess.WalletAddress == nil {
			return nil, fmt.Errorf("%w: wallet is required for a %s session", ErrInvalidPlan, to)
		}

		updated, err := s.store.UpdateState(ctx, id, sess.Version, to)
		if errors.Is(err, storage.ErrConflict) {
			s.log.Debug().Str("session_id", id).Int("attempt", attempt+1).Msg("state update conflict, retrying")
			continue
		}
		if err != nil {
			return nil, err
		}

		s.log.Info().
			Str("session_id", id).
			Str("from", sess.State.String()).
			Str("to", to.String()).
			Msg("session state changed")
		if kind != "" {
			s.notifier.Notify(ctx, notify.SessionEvent(kind, updated, s.now().UnixMilli()))
		}
		return updated, nil
	}
	return nil, fmt.Errorf("%w: gave up after %d attempts", storage.ErrConflict, s.maxRetries)
}
