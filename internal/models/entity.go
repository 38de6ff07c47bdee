// Package models defines the synchronized entity kinds, their wire format
// and the queued mutation record shared by the client and the API server.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Kind names a category of synchronized record. Its value doubles as the
// REST collection name of the kind.
type Kind string

const (
	// KindHabit is a recurring habit the user tracks.
	KindHabit Kind = "habits"
	// KindCheckIn is a single completion of a habit on a date.
	KindCheckIn Kind = "checkins"
	// KindMood is a daily mood score.
	KindMood Kind = "moods"
	// KindMission is the user's mission statement.
	KindMission Kind = "missions"
	// KindVision is the user's vision board.
	KindVision Kind = "visions"
	// KindBadge is an awarded achievement badge.
	KindBadge Kind = "badges"
)

// Kinds lists every synchronized kind in a stable order.
var Kinds = []Kind{KindHabit, KindCheckIn, KindMood, KindMission, KindVision, KindBadge}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// ParseKind converts a collection name into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown entity kind %q", s)
	}
	return k, nil
}

// DateLayout is the layout of the "date" field of check-ins and moods.
const DateLayout = "2006-01-02"

// Key identifies an entity independently of its owner.
type Key struct {
	Kind Kind
	ID   string
}

func (k Key) String() string { return string(k.Kind) + "/" + k.ID }

// Entity is a snapshot of one synchronized record.
//
// The envelope fields are common to every kind; kind-specific fields live
// in Data as a JSON object. On the wire both are merged into a single
// object, see MarshalJSON.
type Entity struct {
	// Kind is the category of the record. It is not part of the wire form.
	Kind Kind `json:"-"`
	// ID is unique per kind.
	ID string `json:"id"`
	// OwnerID is the user the record belongs to.
	OwnerID string `json:"user_id"`
	// Data holds the kind-specific fields as a JSON object.
	Data json.RawMessage `json:"-"`
	// CreatedAt is set on the first write and never changes afterwards.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is refreshed on every write.
	UpdatedAt time.Time `json:"updated_at"`
	// Synced is true once the server has accepted the current local version.
	// It is local state and never sent to the server.
	Synced bool `json:"-"`
}

// Key returns the kind and id of e.
func (e Entity) Key() Key { return Key{Kind: e.Kind, ID: e.ID} }

// envelope keys are owned by Entity and stripped from Data.
var envelope = []string{"id", "user_id", "created_at", "updated_at", "synced"}

// MarshalJSON renders the merged wire object.
func (e Entity) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage)
	if len(e.Data) > 0 && string(e.Data) != "null" {
		if err := json.Unmarshal(e.Data, &fields); err != nil {
			return nil, fmt.Errorf("decode entity data: %w", err)
		}
	}
	for _, k := range envelope {
		delete(fields, k)
	}

	set := func(key string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		fields[key] = b
		return nil
	}
	if err := set("id", e.ID); err != nil {
		return nil, err
	}
	if err := set("user_id", e.OwnerID); err != nil {
		return nil, err
	}
	if !e.CreatedAt.IsZero() {
		if err := set("created_at", e.CreatedAt.UTC()); err != nil {
			return nil, err
		}
	}
	if !e.UpdatedAt.IsZero() {
		if err := set("updated_at", e.UpdatedAt.UTC()); err != nil {
			return nil, err
		}
	}
	return json.Marshal(fields)
}

// UnmarshalJSON splits a wire object into envelope fields and Data.
// Kind is left untouched.
func (e *Entity) UnmarshalJSON(b []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return fmt.Errorf("decode entity: %w", err)
	}
	if fields == nil {
		return errors.New("decode entity: not an object")
	}

	var err error
	if e.ID, err = looseString(fields["id"]); err != nil {
		return fmt.Errorf("decode entity id: %w", err)
	}
	if e.OwnerID, err = looseString(fields["user_id"]); err != nil {
		return fmt.Errorf("decode entity user_id: %w", err)
	}
	if e.CreatedAt, err = optionalTime(fields["created_at"]); err != nil {
		return fmt.Errorf("decode entity created_at: %w", err)
	}
	if e.UpdatedAt, err = optionalTime(fields["updated_at"]); err != nil {
		return fmt.Errorf("decode entity updated_at: %w", err)
	}
	for _, k := range envelope {
		delete(fields, k)
	}

	e.Data = nil
	if len(fields) > 0 {
		data, err := json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("encode entity data: %w", err)
		}
		e.Data = data
	}
	return nil
}

// looseString accepts both JSON strings and numbers, since server ids may
// be numeric.
func looseString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return "", err
	}
	return n.String(), nil
}

func optionalTime(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}
	var t time.Time
	if err := json.Unmarshal(raw, &t); err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// NewEntity builds an entity of the given kind from a typed view such as
// Habit or CheckIn.
func NewEntity(kind Kind, ownerID string, v any) (Entity, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Entity{}, fmt.Errorf("encode %s: %w", kind, err)
	}
	return Entity{Kind: kind, OwnerID: ownerID, Data: data}, nil
}

// Decode unmarshals the kind-specific fields into v.
func (e Entity) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s %s: %w", e.Kind, e.ID, err)
	}
	return nil
}
