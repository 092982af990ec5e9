// Package protocol defines the JSON wire types exchanged between the
// coordinator and its workers. Submission outcomes travel as status
// strings, never as HTTP errors; APIError is reserved for requests the
// coordinator could not interpret at all.
package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/minelab/internal/pow"
	"github.com/bardlex/minelab/internal/registry"
	"github.com/bardlex/minelab/internal/template"
)

// Submission status strings.
const (
	StatusAccepted        = "ACCEPTED"
	StatusRejectedStale   = "REJECTED_STALE"
	StatusRejectedInvalid = "REJECTED_INVALID"
)

// API error codes.
const (
	CodeBadRequest = "bad_request"
	CodeNotFound   = "not_found"
	CodeInternal   = "internal"
)

// TemplateResponse describes the current work template. Header is the
// hex-encoded 40-byte prefix the worker hashes with its nonce.
type TemplateResponse struct {
	Generation     uint64 `json:"generation"`
	Header         string `json:"header"`
	DifficultyBits int    `json:"difficulty_bits"`
}

// NewTemplateResponse converts an internal template to its wire form.
func NewTemplateResponse(tpl *template.Template) TemplateResponse {
	prefix := tpl.HeaderPrefix()
	return TemplateResponse{
		Generation:     tpl.Generation,
		Header:         hex.EncodeToString(prefix[:]),
		DifficultyBits: tpl.DifficultyBits,
	}
}

// HeaderPrefix decodes the hex header back into its binary form.
func (t TemplateResponse) HeaderPrefix() ([pow.PrefixSize]byte, error) {
	var prefix [pow.PrefixSize]byte
	raw, err := hex.DecodeString(t.Header)
	if err != nil {
		return prefix, fmt.Errorf("decoding header: %w", err)
	}
	if len(raw) != pow.PrefixSize {
		return prefix, fmt.Errorf("header is %d bytes, want %d", len(raw), pow.PrefixSize)
	}
	if gen := binary.LittleEndian.Uint64(raw[:8]); gen != t.Generation {
		return prefix, fmt.Errorf("header encodes generation %d, response says %d", gen, t.Generation)
	}
	copy(prefix[:], raw)
	return prefix, nil
}

// Seed extracts the 32-byte seed from the header.
func (t TemplateResponse) Seed() (chainhash.Hash, error) {
	var seed chainhash.Hash
	prefix, err := t.HeaderPrefix()
	if err != nil {
		return seed, err
	}
	copy(seed[:], prefix[8:])
	return seed, nil
}

// SubmitRequest is a candidate solution. Attempts is the number of
// nonces the worker tried since its last report and feeds hashrate
// accounting; it is advisory and may be zero.
type SubmitRequest struct {
	Generation uint64 `json:"generation"`
	MinerID    string `json:"miner_id"`
	Nonce      uint64 `json:"nonce"`
	Attempts   int64  `json:"attempts,omitempty"`
}

// SubmitResponse reports the verdict. BlockHash and NextGeneration are
// populated only when Status is ACCEPTED.
type SubmitResponse struct {
	Status         string `json:"status"`
	BlockHash      string `json:"block_hash,omitempty"`
	NextGeneration uint64 `json:"next_generation,omitempty"`
}

// MinerStats mirrors a registry record on the wire.
type MinerStats struct {
	MinerID           string `json:"miner_id"`
	Role              string `json:"role"`
	TotalAttempts     int64  `json:"total_attempts"`
	AcceptedSolutions int64  `json:"accepted_solutions"`
	FirstSeen         int64  `json:"first_seen_ms"`
	LastSeen          int64  `json:"last_seen_ms"`
}

// GenerationEntry is one closed generation in the chain log.
type GenerationEntry struct {
	Generation uint64 `json:"generation"`
	WinnerID   string `json:"winner_id"`
	BlockHash  string `json:"block_hash"`
	Nonce      uint64 `json:"nonce"`
	ClosedAt   int64  `json:"closed_at_ms"`
}

// StatsResponse is the aggregate snapshot served by GET /stats.
type StatsResponse struct {
	CurrentGeneration    uint64            `json:"current_generation"`
	Miners               []MinerStats      `json:"miners"`
	RecentGenerations    []GenerationEntry `json:"recent_generations"`
	AcceptedTotal        int64             `json:"accepted_total"`
	RejectedStaleTotal   int64             `json:"rejected_stale_total"`
	RejectedInvalidTotal int64             `json:"rejected_invalid_total"`
	AvgCloseMs           float64           `json:"avg_close_ms"`
	LastCloseMs          float64           `json:"last_close_ms"`
	UptimeMs             int64             `json:"uptime_ms"`
}

// NewStatsResponse converts a registry snapshot to its wire form.
func NewStatsResponse(snap registry.Snapshot) StatsResponse {
	resp := StatsResponse{
		CurrentGeneration:    snap.CurrentGeneration,
		Miners:               make([]MinerStats, 0, len(snap.Records)),
		RecentGenerations:    toGenerationEntries(snap.RecentGenerations),
		AcceptedTotal:        snap.Counters.Accepted,
		RejectedStaleTotal:   snap.Counters.RejectedStale,
		RejectedInvalidTotal: snap.Counters.RejectedInvalid,
		AvgCloseMs:           float64(snap.AvgCloseInterval.Microseconds()) / 1000,
		LastCloseMs:          float64(snap.LastCloseInterval.Microseconds()) / 1000,
		UptimeMs:             snap.Uptime.Milliseconds(),
	}
	for _, rec := range snap.Records {
		resp.Miners = append(resp.Miners, MinerStats{
			MinerID:           rec.MinerID,
			Role:              string(rec.Role),
			TotalAttempts:     rec.TotalAttempts,
			AcceptedSolutions: rec.AcceptedSolutions,
			FirstSeen:         rec.FirstSeen.UnixMilli(),
			LastSeen:          rec.LastSeen.UnixMilli(),
		})
	}
	return resp
}

// ChainResponse is the recent generation log served by GET /chain.
type ChainResponse struct {
	Entries []GenerationEntry `json:"entries"`
}

// NewChainResponse converts log entries to their wire form.
func NewChainResponse(entries []registry.GenerationLogEntry) ChainResponse {
	return ChainResponse{Entries: toGenerationEntries(entries)}
}

func toGenerationEntries(entries []registry.GenerationLogEntry) []GenerationEntry {
	out := make([]GenerationEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, GenerationEntry{
			Generation: e.Generation,
			WinnerID:   e.WinnerID,
			BlockHash:  e.BlockHash,
			Nonce:      e.Nonce,
			ClosedAt:   e.ClosedAt.UnixMilli(),
		})
	}
	return out
}

// APIError is the body of every non-2xx response. It signals a request
// the coordinator could not process, which is distinct from a rejected
// submission.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// GenerationClosedEvent is the Kafka payload published when a
// generation closes.
type GenerationClosedEvent struct {
	Generation     uint64 `json:"generation"`
	WinnerID       string `json:"winner_id"`
	BlockHash      string `json:"block_hash"`
	Nonce          uint64 `json:"nonce"`
	NextGeneration uint64 `json:"next_generation"`
	ClosedAt       int64  `json:"closed_at_ms"`
}
