package entity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Type enumerates the entity kinds the client synchronizes.
type Type string

const (
	// TypeEvent is a geographically located event.
	TypeEvent Type = "event"
	// TypeBookmark marks an event saved by the current user.
	TypeBookmark Type = "bookmark"
	// TypeComment is a comment attached to an event.
	TypeComment Type = "comment"
)

const maxIdentifierLength = 190

const temporaryIDPrefix = "tmp-"

var (
	// ErrInvalidEntityID indicates that an entity identifier is empty or exceeds storage bounds.
	ErrInvalidEntityID = errors.New("entity: invalid entity id")
	// ErrInvalidEntityType indicates an unknown entity type value.
	ErrInvalidEntityType = errors.New("entity: invalid entity type")
)

// ID represents a validated entity identifier. Server-assigned identifiers
// are opaque strings or stringified integers; locally created entities carry
// a temporary identifier until the server confirms them.
type ID string

// NewID validates raw input and returns an ID.
func NewID(rawInput string) (ID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEntityID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidEntityID, maxIdentifierLength)
	}
	return ID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ID) String() string {
	return string(id)
}

// IsTemporary reports whether the identifier was issued locally and is still
// awaiting server confirmation. Temporary identifiers carry a prefix that can
// never collide with server-assigned integer or UUID identifiers.
func (id ID) IsTemporary() bool {
	return strings.HasPrefix(string(id), temporaryIDPrefix)
}

// ParseType validates raw input and returns a Type.
func ParseType(rawInput string) (Type, error) {
	switch Type(strings.TrimSpace(rawInput)) {
	case TypeEvent:
		return TypeEvent, nil
	case TypeBookmark:
		return TypeBookmark, nil
	case TypeComment:
		return TypeComment, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntityType, rawInput)
	}
}

// String returns the wire name of the type.
func (t Type) String() string {
	return string(t)
}

// Entity is the client-side representation of one synchronized record.
// Version carries the server-assigned update timestamp in unix seconds and is
// zero for values the server has not yet confirmed.
type Entity struct {
	ID      ID
	Type    Type
	Version int64
	Fields  map[string]any
}

// Clone returns a deep copy so store snapshots cannot be mutated by readers.
func (e Entity) Clone() Entity {
	copied := e
	if e.Fields != nil {
		copied.Fields = make(map[string]any, len(e.Fields))
		for key, value := range e.Fields {
			copied.Fields[key] = value
		}
	}
	return copied
}

// Equal reports whether two entities carry the same identity, version and
// field values. Field values are compared by their formatted representation,
// which is sufficient for the JSON scalar payloads the server emits.
func (e Entity) Equal(other Entity) bool {
	if e.ID != other.ID || e.Type != other.Type || e.Version != other.Version {
		return false
	}
	if len(e.Fields) != len(other.Fields) {
		return false
	}
	for key, value := range e.Fields {
		otherValue, ok := other.Fields[key]
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", value) != fmt.Sprintf("%v", otherValue) {
			return false
		}
	}
	return true
}

// IDProvider issues identifiers for locally created entities.
type IDProvider interface {
	NewTemporaryID() (ID, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues prefixed UUIDv7
// temporary identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewTemporaryID() (ID, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return ID(temporaryIDPrefix + value.String()), nil
}
