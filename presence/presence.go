// Package presence remembers when nicknames left the relay so that a private
// message to an offline peer can say when that peer was last seen. Records
// expire after a retention period; a nickname that registers again has its
// record cleared.
package presence

import (
	"context"
	"errors"
	"time"
)

// ErrEmptyNickname is returned when a tracker is asked about an empty nickname.
var ErrEmptyNickname = errors.New("empty nickname")

// Record describes one departure.
type Record struct {
	Nickname   string    `json:"nickname"`
	RemoteAddr string    `json:"remote_addr"`
	DepartedAt time.Time `json:"departed_at"`
}

// Tracker stores departure records. Implementations must be safe for
// concurrent use.
type Tracker interface {
	// Departed records that nickname left at the given time.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - nickname: The nickname that left
	//   - remoteAddr: The address the session was connected from
	//   - at: Departure time
	Departed(ctx context.Context, nickname, remoteAddr string, at time.Time) error

	// Returned clears the record for a nickname that registered again.
	Returned(ctx context.Context, nickname string) error

	// LastSeen returns the departure record for nickname.
	//
	// Returns:
	//   - The record and true if one is held
	//   - An error if the backend failed
	LastSeen(ctx context.Context, nickname string) (Record, bool, error)
}
