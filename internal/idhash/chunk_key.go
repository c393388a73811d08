// Package idhash derives deterministic identifiers.
package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ComputeChunkKey computes the idempotency key of one chunk attempt.
// Formula: SHA256(session_id|chunk_index|executed_amount_in|amount_in)
// Returns hex-encoded hash (64 characters).
// Retries of a chunk against an unchanged ledger yield the same key.
func ComputeChunkKey(
	sessionID string,
	chunkIndex uint64,
	executedAmountIn uint64,
	amountIn uint64,
) string {
	data := fmt.Sprintf("%s|%d|%d|%d",
		sessionID,
		chunkIndex,
		executedAmountIn,
		amountIn,
	)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
