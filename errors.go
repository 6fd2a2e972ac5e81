package engram

import (
	"errors"
	"fmt"
)

// Sentinel errors for the conditions spec.md's failure model names explicitly.
// Callers should check these with errors.Is.
var (
	// ErrBackendUnavailable signals a missing or unreachable Embedder/LLM
	// collaborator. This is never treated as fatal: callers degrade
	// gracefully (skip consolidation, skip dreaming, etc.) rather than abort.
	ErrBackendUnavailable = errors.New("engram: backend unavailable")

	// ErrParseFailure signals an LLM response that could not be parsed into
	// the structure the caller expected (e.g. consolidation JSON).
	ErrParseFailure = errors.New("engram: could not parse backend response")

	// ErrChainBroken signals a hash-chain verification failure: some unit's
	// prev_hash does not match its predecessor's content hash.
	ErrChainBroken = errors.New("engram: hash chain broken")

	// ErrSignatureInvalid signals an Ed25519 signature that does not verify
	// against the claimed public key.
	ErrSignatureInvalid = errors.New("engram: signature invalid")

	// ErrNotFound signals a lookup for a unit id that does not exist (or is
	// not active, depending on the caller's query).
	ErrNotFound = errors.New("engram: memory unit not found")
)

// DimensionMismatchError reports an embedding whose dimension does not match
// the store's established dimension.
type DimensionMismatchError struct {
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("engram: embedding dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// StorageFault wraps an underlying storage-layer error (typically from
// database/sql) so callers can still unwrap to the driver error with
// errors.Is/errors.As while logging a domain-appropriate message.
type StorageFault struct {
	Op  string
	Err error
}

func (e *StorageFault) Error() string {
	return fmt.Sprintf("engram: storage fault during %s: %v", e.Op, e.Err)
}

func (e *StorageFault) Unwrap() error {
	return e.Err
}
