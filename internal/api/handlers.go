package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"kaskade/internal/domain"
	"kaskade/internal/storage"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// SessionResponse is the public view of a session.
type SessionResponse struct {
	ID                string                 `json:"id"`
	UserID            string                 `json:"user_id"`
	Pair              string                 `json:"pair"`
	State             string                 `json:"state"`
	CreatedAtMs       int64                  `json:"created_at_ms"`
	ExpiresAtMs       *int64                 `json:"expires_at_ms,omitempty"`
	LastExecutionMs   *int64                 `json:"last_execution_ts_ms,omitempty"`
	TotalAmountIn     uint64                 `json:"total_amount_in"`
	ChunkAmountIn     uint64                 `json:"chunk_amount_in"`
	ApprovedAmountIn  *uint64                `json:"approved_amount_in,omitempty"`
	ExecutedAmountIn  uint64                 `json:"executed_amount_in"`
	ExecutedAmountOut uint64                 `json:"executed_amount_out"`
	RemainingAmountIn uint64                 `json:"remaining_amount_in"`
	NumExecutedChunks uint64                 `json:"num_executed_chunks"`
	TotalChunks       uint64                 `json:"total_chunks"`
	WalletAddress     *string                `json:"wallet_address,omitempty"`
	Thresholds        domain.PulseThresholds `json:"thresholds"`
	Version           int64                  `json:"version"`
}

// ExecutionResponse is one execution history row.
type ExecutionResponse struct {
	IntentID        string `json:"intent_id"`
	ChunkIndex      uint64 `json:"chunk_index"`
	AmountIn        uint64 `json:"amount_in"`
	AmountOut       uint64 `json:"amount_out"`
	SnapshotVersion uint64 `json:"snapshot_version"`
	Outcome         string `json:"outcome"`
	Error           string `json:"error,omitempty"`
	RouteID         string `json:"route_id,omitempty"`
	TimeDecayForced bool   `json:"time_decay_forced"`
	TimestampMs     int64  `json:"ts_ms"`
}

// SnapshotResponse is the public view of a market snapshot.
type SnapshotResponse struct {
	Pair            string            `json:"pair"`
	Version         uint64            `json:"version"`
	TimestampMs     int64             `json:"ts_ms"`
	Bid             string            `json:"bid"`
	Ask             string            `json:"ask"`
	MidPrice        float64           `json:"mid_price"`
	SpreadBps       float64           `json:"spread_bps"`
	TrendBps        float64           `json:"trend_bps"`
	Trend           string            `json:"trend"`
	DepthNow        float64           `json:"depth_now"`
	DepthBest       float64           `json:"depth_best"`
	DepthDeficitBps float64           `json:"depth_deficit_bps"`
	Samples         int               `json:"samples"`
	Warm            bool              `json:"warm"`
	Slippage        *SlippageResponse `json:"slippage,omitempty"`
}

// SlippageResponse is the estimate attached to a snapshot.
type SlippageResponse struct {
	AmountIn    uint64  `json:"amount_in"`
	AmountOut   uint64  `json:"amount_out"`
	SlippageBps float64 `json:"slippage_bps"`
	Version     uint64  `json:"version"`
}

type handler struct {
	deps *Dependencies
	log  zerolog.Logger
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	if h.deps.Ready != nil {
		if err := h.deps.Ready(); err != nil {
			respondWithError(w, http.StatusServiceUnavailable, "not ready", "unavailable", err.Error())
			return
		}
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.deps.Sessions.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondWithStoreError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (h *handler) listExecutions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.deps.Sessions.Get(r.Context(), id); err != nil {
		h.respondWithStoreError(w, err)
		return
	}

	out := []ExecutionResponse{}
	if h.deps.Executions != nil {
		records, err := h.deps.Executions.GetBySessionID(r.Context(), id)
		if err != nil {
			h.respondWithStoreError(w, err)
			return
		}
		for _, rec := range records {
			out = append(out, ExecutionResponse{
				IntentID:        rec.IntentID,
				ChunkIndex:      rec.ChunkIndex,
				AmountIn:        rec.AmountIn,
				AmountOut:       rec.AmountOut,
				SnapshotVersion: rec.SnapshotVersion,
				Outcome:         rec.Outcome.String(),
				Error:           rec.Error,
				RouteID:         rec.RouteID,
				TimeDecayForced: rec.TimeDecayForced,
				TimestampMs:     rec.TimestampMs,
			})
		}
	}
	respondWithJSON(w, http.StatusOK, out)
}

func (h *handler) control(op func(context.Context, string) (*domain.Session, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := op(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			h.respondWithStoreError(w, err)
			return
		}
		respondWithJSON(w, http.StatusOK, toSessionResponse(sess))
	}
}

func (h *handler) getSnapshot(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	pair, err := domain.ParsePair(vars["base"] + "/" + vars["quote"])
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid pair", "invalid_input", err.Error())
		return
	}
	snap, ok := h.deps.Market.LatestSnapshot(pair)
	if !ok {
		respondWithError(w, http.StatusNotFound, "no snapshot for pair", "not_found", pair.Key())
		return
	}
	respondWithJSON(w, http.StatusOK, toSnapshotResponse(snap))
}

func (h *handler) respondWithStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		respondWithError(w, http.StatusNotFound, "session not found", "not_found", "")
	case errors.Is(err, storage.ErrInvalidTransition):
		respondWithError(w, http.StatusConflict, "transition not allowed", "invalid_transition", err.Error())
	case errors.Is(err, storage.ErrConflict):
		respondWithError(w, http.StatusConflict, "session changed concurrently", "conflict", err.Error())
	case errors.Is(err, storage.ErrInvalidInput):
		respondWithError(w, http.StatusBadRequest, "invalid input", "invalid_input", err.Error())
	default:
		h.log.Error().Err(err).Msg("store request failed")
		respondWithError(w, http.StatusInternalServerError, "internal server error", "internal", "")
	}
}

func respondWithJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondWithError(w http.ResponseWriter, status int, msg, code, details string) {
	respondWithJSON(w, status, ErrorResponse{Error: msg, Code: code, Details: details})
}

func toSessionResponse(s *domain.Session) SessionResponse {
	return SessionResponse{
		ID:                s.ID,
		UserID:            s.UserID,
		Pair:              s.Pair.Key(),
		State:             s.State.String(),
		CreatedAtMs:       s.CreatedAtMs,
		ExpiresAtMs:       s.ExpiresAtMs,
		LastExecutionMs:   s.LastExecutionMs,
		TotalAmountIn:     s.TotalAmountIn,
		ChunkAmountIn:     s.ChunkAmountIn,
		ApprovedAmountIn:  s.ApprovedAmountIn,
		ExecutedAmountIn:  s.ExecutedAmountIn,
		ExecutedAmountOut: s.ExecutedAmountOut,
		RemainingAmountIn: s.RemainingAmountIn,
		NumExecutedChunks: s.NumExecutedChunks,
		TotalChunks:       s.TotalChunks(),
		WalletAddress:     s.WalletAddress,
		Thresholds:        s.Thresholds,
		Version:           s.Version,
	}
}

func toSnapshotResponse(s *domain.MarketSnapshot) SnapshotResponse {
	out := SnapshotResponse{
		Pair:            s.Pair.Key(),
		Version:         s.Version,
		TimestampMs:     s.TimestampMs,
		Bid:             s.Bid.String(),
		Ask:             s.Ask.String(),
		MidPrice:        s.MidPrice,
		SpreadBps:       s.SpreadBps,
		TrendBps:        s.TrendBps,
		Trend:           string(s.Trend),
		DepthNow:        s.DepthNow,
		DepthBest:       s.DepthBest,
		DepthDeficitBps: s.DepthDeficitBps,
		Samples:         s.Samples,
		Warm:            s.Warm,
	}
	if s.Slippage != nil {
		out.Slippage = &SlippageResponse{
			AmountIn:    s.Slippage.AmountIn,
			AmountOut:   s.Slippage.AmountOut,
			SlippageBps: s.Slippage.SlippageBps,
			Version:     s.Slippage.Version,
		}
	}
	return out
}
