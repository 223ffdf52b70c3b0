package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/pkg/errors"
)

const (
	deviceTokenBytes = 24 // 192 bits of entropy for device code and state
	accessTokenBytes = 32
)

// Store is the device-session state machine. All shared mutable state lives
// behind the Repo; the store itself only composes token generation, expiry
// policy, and the poll contract.
type Store struct {
	repo         Repo
	pollInterval time.Duration
	deviceTTL    time.Duration
	nowTime      func() time.Time // injectable for testing
}

// StoreOption modifies a Store instance.
type StoreOption func(*Store)

// WithNowTime sets the now time function (primarily for testing).
func WithNowTime(nowFunc func() time.Time) StoreOption {
	return func(s *Store) {
		s.nowTime = nowFunc
	}
}

// NewStore initializes a session store over the given repository.
func NewStore(repo Repo, pollInterval, deviceTTL time.Duration, options ...StoreOption) (*Store, error) {
	if repo == nil {
		return nil, errors.New("[NewStore] repo is required")
	}
	if pollInterval <= 0 || deviceTTL <= 0 {
		return nil, errors.New("[NewStore] poll interval and TTL must be positive")
	}

	store := &Store{
		repo:         repo,
		pollInterval: pollInterval,
		deviceTTL:    deviceTTL,
		nowTime:      time.Now,
	}
	for _, opt := range options {
		opt(store)
	}
	return store, nil
}

// StartResult is what the CLI needs to begin a device flow.
type StartResult struct {
	DeviceCode   string
	State        string
	PollInterval time.Duration
	ExpiresIn    time.Duration
}

// Start creates a pending device session with two fresh unguessable tokens.
// Previously expired sessions are purged opportunistically.
func (s *Store) Start(ctx context.Context) (*StartResult, error) {
	now := s.nowTime()
	if err := s.repo.PurgeExpired(ctx, now); err != nil {
		return nil, errors.Wrap(err, "[Store.Start] purge expired")
	}

	deviceCode, err := randomToken(deviceTokenBytes)
	if err != nil {
		return nil, errors.Wrap(err, "[Store.Start] generate device code")
	}
	state, err := randomToken(deviceTokenBytes)
	if err != nil {
		return nil, errors.Wrap(err, "[Store.Start] generate state")
	}

	sess := DeviceSession{
		DeviceCode:   deviceCode,
		State:        state,
		Status:       StatusPending,
		PollInterval: s.pollInterval,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.deviceTTL),
	}
	if err := s.repo.InsertDevice(ctx, sess); err != nil {
		return nil, errors.Wrap(err, "[Store.Start] insert device session")
	}

	return &StartResult{
		DeviceCode:   deviceCode,
		State:        state,
		PollInterval: s.pollInterval,
		ExpiresIn:    s.deviceTTL,
	}, nil
}

// Approve transitions the session identified by the OAuth state token to
// approved, recording the authenticated login. It reports false when the
// state is unknown, expired, or no longer pending.
func (s *Store) Approve(ctx context.Context, state, login, userToken string) (bool, error) {
	ok, err := s.repo.UpdateStatusByState(ctx, state, StatusApproved, login, userToken, s.nowTime())
	if err != nil {
		return false, errors.Wrap(err, "[Store.Approve] update status")
	}
	return ok, nil
}

// Deny marks the session identified by the state token as denied.
func (s *Store) Deny(ctx context.Context, state string) (bool, error) {
	ok, err := s.repo.UpdateStatusByState(ctx, state, StatusDenied, "", "", s.nowTime())
	if err != nil {
		return false, errors.Wrap(err, "[Store.Deny] update status")
	}
	return ok, nil
}

// Poll reports the current state of a device flow. The first poll that
// observes an approved session mints its access session; every subsequent
// poll returns the identical token. Unknown device codes are reported as
// expired so a caller cannot probe for valid codes.
func (s *Store) Poll(ctx context.Context, deviceCode string) (PollResult, error) {
	now := s.nowTime()

	sess, err := s.repo.GetDeviceByCode(ctx, deviceCode, now)
	if err != nil {
		return PollResult{}, errors.Wrap(err, "[Store.Poll] get device session")
	}
	if sess == nil || sess.Expired(now) {
		return PollResult{Status: PollExpired}, nil
	}

	switch sess.Status {
	case StatusPending:
		return PollResult{Status: PollPending}, nil
	case StatusDenied:
		return PollResult{Status: PollDenied}, nil
	case StatusApproved:
		// fall through below
	default:
		return PollResult{Status: PollExpired}, nil
	}

	if sess.Login == "" {
		return PollResult{Status: PollExpired}, nil
	}

	token, err := randomToken(accessTokenBytes)
	if err != nil {
		return PollResult{}, errors.Wrap(err, "[Store.Poll] generate access token")
	}
	issued, err := s.repo.IssueAccessToken(ctx, deviceCode, AccessSession{
		Token:           token,
		Login:           sess.Login,
		UserAccessToken: sess.UserAccessToken,
		ExpiresAt:       sess.ExpiresAt,
	}, now)
	if err != nil {
		return PollResult{}, errors.Wrap(err, "[Store.Poll] issue access token")
	}

	return PollResult{
		Status:      PollApproved,
		AccessToken: issued.Token,
		Login:       issued.Login,
		ExpiresAt:   issued.ExpiresAt,
	}, nil
}

// ResolveAccessSession authenticates a bearer token. It returns nil for
// unknown and expired tokens alike; lookups fail closed.
func (s *Store) ResolveAccessSession(ctx context.Context, accessToken string) (*AccessSession, error) {
	if accessToken == "" {
		return nil, nil
	}
	sess, err := s.repo.GetAccess(ctx, accessToken, s.nowTime())
	if err != nil {
		return nil, errors.Wrap(err, "[Store.ResolveAccessSession] get access session")
	}
	return sess, nil
}

// Revoke logs a client out. The token may be either a device code or an
// issued access token; both remove the whole session family.
func (s *Store) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := s.repo.DeleteDevice(ctx, token); err != nil {
		return errors.Wrap(err, "[Store.Revoke] delete device session")
	}
	if err := s.repo.DeleteAccess(ctx, token); err != nil {
		return errors.Wrap(err, "[Store.Revoke] delete access session")
	}
	return nil
}

// randomToken returns n cryptographically random bytes in unpadded
// base64url, safe for URLs and headers.
func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
