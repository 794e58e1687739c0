// Package credstore holds the credential record: the access token, refresh
// token and pending second-factor session id that together describe whether
// the client is anonymous, pending a second factor, or fully authenticated.
package credstore

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRecord is returned when a write would leave both a refresh
	// token and a pending session id set.
	ErrInvalidRecord = errors.New("credential record invalid")
	// ErrCorruptRecord is returned when a stored record cannot be decoded.
	ErrCorruptRecord = errors.New("credential record corrupt")
)

// Record is the persisted credential triple. Empty strings mean "null".
type Record struct {
	AccessToken      string `json:"access_token,omitempty"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	PendingSessionID string `json:"pending_session_id,omitempty"`
}

// Empty reports whether every field is null.
func (r Record) Empty() bool {
	return r.AccessToken == "" && r.RefreshToken == "" && r.PendingSessionID == ""
}

// Pending reports whether a second-factor challenge is outstanding.
func (r Record) Pending() bool {
	return r.PendingSessionID != ""
}

// Validate checks the record against the mutual-exclusion rule between the
// refresh token and the pending session id.
func (r Record) Validate() error {
	if r.RefreshToken != "" && r.PendingSessionID != "" {
		return fmt.Errorf("%w: refresh token and pending session id both set", ErrInvalidRecord)
	}
	return nil
}

// Patch describes a partial write. A nil field is left untouched; a pointer
// to the empty string nulls the field.
type Patch struct {
	AccessToken      *string
	RefreshToken     *string
	PendingSessionID *string
}

// Set returns a patch value that stores v.
func Set(v string) *string { return &v }

// Null returns a patch value that clears the field.
func Null() *string { return Set("") }

// Apply returns r with the patch applied. r is not modified.
func (p Patch) Apply(r Record) Record {
	if p.AccessToken != nil {
		r.AccessToken = *p.AccessToken
	}
	if p.RefreshToken != nil {
		r.RefreshToken = *p.RefreshToken
	}
	if p.PendingSessionID != nil {
		r.PendingSessionID = *p.PendingSessionID
	}
	return r
}

// Store is the single source of truth for the credential record. All
// operations are synchronous and atomic with respect to the whole record.
type Store interface {
	Read() (Record, error)
	// Write applies a partial update. A patch whose result violates
	// Record.Validate is rejected and nothing is written.
	Write(Patch) error
	// Clear nulls all three fields at once.
	Clear() error
}
