package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Operation is the kind of write a queued mutation replays.
type Operation string

const (
	// OpCreate replays as POST /{kind}/.
	OpCreate Operation = "create"
	// OpUpdate replays as PUT /{kind}/{id}/.
	OpUpdate Operation = "update"
	// OpDelete replays as DELETE /{kind}/{id}/.
	OpDelete Operation = "delete"
)

// ParseOperation validates an operation name.
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(s); op {
	case OpCreate, OpUpdate, OpDelete:
		return op, nil
	default:
		return "", fmt.Errorf("unknown operation %q", s)
	}
}

// Mutation is a local write that the server has not acknowledged yet.
type Mutation struct {
	// Seq is assigned at enqueue time and strictly increasing.
	Seq int64 `json:"seq"`
	// Kind and EntityID identify the target entity.
	Kind     Kind   `json:"kind"`
	EntityID string `json:"entity_id"`
	// Op selects the HTTP method used on replay.
	Op Operation `json:"op"`
	// Payload is the wire form of the entity (empty for deletes).
	Payload json.RawMessage `json:"payload,omitempty"`
	// EnqueuedAt is when the write was accepted locally.
	EnqueuedAt time.Time `json:"enqueued_at"`
	// RetryCount counts failed replay attempts.
	RetryCount int `json:"retry_count"`
	// NextAttemptAt defers the next replay while backing off.
	NextAttemptAt time.Time `json:"next_attempt_at,omitzero"`
	// LastError is the message of the most recent failure.
	LastError string `json:"last_error,omitempty"`
	// DeadLettered marks entries that are no longer replayed.
	DeadLettered bool `json:"dead_lettered,omitempty"`
}

// Key returns the target entity key.
func (m Mutation) Key() Key { return Key{Kind: m.Kind, ID: m.EntityID} }
