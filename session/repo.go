package session

import (
	"context"
	"time"
)

// Repo is the backing store for device and access sessions. Implementations
// must treat a session whose expiry has passed as absent, and must make
// IssueAccessToken atomic with respect to concurrent callers.
//
// The current time is passed explicitly so stores without native expiry can
// derive it, and so tests can drive the clock.
type Repo interface {
	// InsertDevice stores a new pending device session, indexed by both its
	// device code and its state token.
	InsertDevice(ctx context.Context, sess DeviceSession) error

	// GetDeviceByCode returns the session for a device code, or nil when
	// unknown or expired.
	GetDeviceByCode(ctx context.Context, deviceCode string, now time.Time) (*DeviceSession, error)

	// UpdateStatusByState transitions the session identified by the OAuth
	// state token from pending to the given status, recording the login and
	// user token on approval. It returns false when the state is unknown,
	// expired, or the session already left pending.
	UpdateStatusByState(ctx context.Context, state string, status Status, login, userToken string, now time.Time) (bool, error)

	// IssueAccessToken installs the candidate access session for the device
	// session exactly once. If an access session was already issued, the
	// existing one is returned and the candidate is discarded.
	IssueAccessToken(ctx context.Context, deviceCode string, candidate AccessSession, now time.Time) (AccessSession, error)

	// GetAccess returns the access session for a token, or nil when unknown
	// or expired.
	GetAccess(ctx context.Context, accessToken string, now time.Time) (*AccessSession, error)

	// DeleteDevice removes a device session (by device code) together with
	// its state index entry and any issued access session.
	DeleteDevice(ctx context.Context, deviceCode string) error

	// DeleteAccess removes an access session and the device session that
	// issued it.
	DeleteAccess(ctx context.Context, accessToken string) error

	// PurgeExpired removes sessions whose expiry has passed. Stores with
	// native TTL may treat this as a no-op.
	PurgeExpired(ctx context.Context, now time.Time) error
}
