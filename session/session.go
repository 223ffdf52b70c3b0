// Package session implements the device-session state machine that brokers
// a browser OAuth consent flow to a polling, terminal-bound client.
//
// Two independent opaque tokens exist per flow: the state token travels in
// the browser redirect URL and is only ever used by the OAuth callback; the
// device code is held by the polling client and never appears in a URL.
// A third token, the access token, is minted exactly once when an approved
// session is first observed by Poll, and is the only credential accepted by
// the publish endpoint.
package session

import "time"

// Status is the stored state of a device session. Expiry is never stored;
// it is derived from ExpiresAt at read time.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
)

// DeviceSession is one authentication attempt.
type DeviceSession struct {
	DeviceCode string // held by the polling client, never placed in a URL
	State      string // OAuth state parameter, resolves back to this session
	Status     Status

	// Set by the OAuth callback on approval.
	Login           string // GitHub login of the authenticated user
	UserAccessToken string // the user's OAuth token, kept with the session

	// Set once by the first Poll that observes approval.
	IssuedAccessToken string

	PollInterval time.Duration
	CreatedAt    time.Time
	ExpiresAt    time.Time // fixed at creation, never extended
}

// Expired reports whether the session's TTL has elapsed at the given time.
func (s *DeviceSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// AccessSession is the bearer credential presented to authenticated
// endpoints. Its lifetime is inherited from the device session that
// produced it.
type AccessSession struct {
	Token           string
	Login           string
	UserAccessToken string
	ExpiresAt       time.Time
}

// PollStatus discriminates the PollResult variants.
type PollStatus string

const (
	PollPending  PollStatus = "pending"
	PollApproved PollStatus = "approved"
	PollDenied   PollStatus = "denied"
	PollExpired  PollStatus = "expired"
)

// PollResult is the outcome of one poll. The access fields are populated
// only when Status is PollApproved. An unknown device code reports
// PollExpired, indistinguishable from a session whose TTL elapsed.
type PollResult struct {
	Status      PollStatus
	AccessToken string
	Login       string
	ExpiresAt   time.Time
}
