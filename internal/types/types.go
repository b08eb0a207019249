// Package types holds the domain records shared by the store, the
// orchestrator, and the external adapters.
package types

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a challenge.
//
// State diagram:
//
//	pending --approve--> approved --schedule--> scheduled --deliver--> used
//	   ^                     |                      |
//	   '------unschedule-----'-----unschedule-------'
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusScheduled Status = "scheduled"
	StatusUsed      Status = "used"
)

// ValidTransition reports whether from → to is a legal lifecycle change.
func ValidTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusApproved
	case StatusApproved:
		// approved can be scheduled, delivered directly, or rolled back.
		return to == StatusScheduled || to == StatusUsed || to == StatusPending
	case StatusScheduled:
		return to == StatusUsed || to == StatusPending
	case StatusUsed:
		// terminal; archived records never re-enter the active domain.
		return false
	}
	return false
}

// Positioned reports whether a challenge in this status participates in the
// contiguous 1..N ordering.
func (s Status) Positioned() bool {
	return s == StatusPending || s == StatusApproved || s == StatusScheduled
}

type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// ParseDifficulty normalizes a user-supplied difficulty string.
// Empty input defaults to medium.
func ParseDifficulty(s string) (Difficulty, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return DifficultyMedium, nil
	case "easy":
		return DifficultyEasy, nil
	case "medium":
		return DifficultyMedium, nil
	case "hard":
		return DifficultyHard, nil
	}
	return "", fmt.Errorf("unknown difficulty %q: %w", s, ErrInvalidInput)
}

// Draft is challenge content before it is inserted into the store.
type Draft struct {
	Title        string
	Description  string
	Example      string
	FunctionStub string
	Difficulty   Difficulty
	URL          string
}

// Challenge is the unit of work moving through the queue.
//
// Position is nil once the challenge leaves the ordering domain (used or
// archived). ScheduledAt and ReservationID are set together when a delivery
// slot has been reserved with the messaging service.
type Challenge struct {
	ID           int64
	Title        string
	Description  string
	Example      string
	FunctionStub string
	Difficulty   Difficulty
	URL          string
	Status       Status
	Position     *int
	ScheduledAt  *time.Time
	ReservationID string
	DeliveredTS  string
	UsedAt       *time.Time
	CreatedAt    time.Time
}

// Reservation is a pending scheduled delivery as reported by the messaging
// service.
type Reservation struct {
	Handle string
	PostAt time.Time
}
