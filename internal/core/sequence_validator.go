package core

import (
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	ErrSequenceGap   = errors.New("sequence gap")
	ErrChainBroken   = errors.New("hash chain broken")
	ErrStateMismatch = errors.New("state hash mismatch")
)

// SequenceValidator checks that replayed log entries are contiguous and
// that each entry links to the previous state hash.
// Not thread-safe; only accessed under the engine lock.
type SequenceValidator struct {
	expectedNext int64
	prevHash     [32]byte
	metrics      *SequenceMetrics
}

func NewSequenceValidator(next int64, prevHash [32]byte) *SequenceValidator {
	return &SequenceValidator{
		expectedNext: next,
		prevHash:     prevHash,
		metrics:      &SequenceMetrics{},
	}
}

// Validate checks one log entry before it is applied
func (sv *SequenceValidator) Validate(sequence int64, prevHash [32]byte) error {
	if sequence < sv.expectedNext {
		sv.metrics.stale++
		return fmt.Errorf("%w: stale entry, expected=%d, got=%d", ErrSequenceGap, sv.expectedNext, sequence)
	}
	if sequence > sv.expectedNext {
		sv.metrics.gaps++
		return fmt.Errorf("%w: expected=%d, got=%d", ErrSequenceGap, sv.expectedNext, sequence)
	}
	if prevHash != sv.prevHash {
		sv.metrics.breaks++
		return fmt.Errorf("%w at sequence %d: expected prev %s, got %s",
			ErrChainBroken, sequence, hex.EncodeToString(sv.prevHash[:]), hex.EncodeToString(prevHash[:]))
	}
	return nil
}

// Advance records a successfully applied entry
func (sv *SequenceValidator) Advance(stateHash [32]byte) {
	sv.expectedNext++
	sv.prevHash = stateHash
}

// GetExpectedSequence returns next expected sequence
func (sv *SequenceValidator) GetExpectedSequence() int64 {
	return sv.expectedNext
}

// Reset re-initializes after snapshot restore
func (sv *SequenceValidator) Reset(next int64, prevHash [32]byte) {
	sv.expectedNext = next
	sv.prevHash = prevHash
}

func (sv *SequenceValidator) Metrics() *SequenceMetrics {
	return sv.metrics
}

// --- Metrics ---

// SequenceMetrics tracks replay validation stats.
type SequenceMetrics struct {
	gaps   int64
	stale  int64
	breaks int64
}

func (m *SequenceMetrics) GetGaps() int64 {
	return m.gaps
}

func (m *SequenceMetrics) GetStale() int64 {
	return m.stale
}

func (m *SequenceMetrics) GetChainBreaks() int64 {
	return m.breaks
}
