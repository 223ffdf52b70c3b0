package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// InMemoryRepo is a thread-safe in-memory implementation of Repo. Expiry is
// computed lazily at read time; PurgeExpired bounds memory between reads.
type InMemoryRepo struct {
	mu       sync.RWMutex
	devices  map[string]*DeviceSession // deviceCode -> session
	states   map[string]string         // state -> deviceCode
	accesses map[string]*AccessSession // accessToken -> session
}

// NewInMemoryRepo creates a new in-memory session repository.
func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{
		devices:  make(map[string]*DeviceSession),
		states:   make(map[string]string),
		accesses: make(map[string]*AccessSession),
	}
}

func (r *InMemoryRepo) InsertDevice(_ context.Context, sess DeviceSession) error {
	if sess.DeviceCode == "" {
		return errors.New("[InMemoryRepo.InsertDevice] device code cannot be empty")
	}
	if sess.State == "" {
		return errors.New("[InMemoryRepo.InsertDevice] state cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	copied := sess
	r.devices[sess.DeviceCode] = &copied
	r.states[sess.State] = sess.DeviceCode
	return nil
}

func (r *InMemoryRepo) GetDeviceByCode(_ context.Context, deviceCode string, now time.Time) (*DeviceSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.devices[deviceCode]
	if !ok || sess.Expired(now) {
		return nil, nil
	}

	copied := *sess
	return &copied, nil
}

func (r *InMemoryRepo) UpdateStatusByState(_ context.Context, state string, status Status, login, userToken string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deviceCode, ok := r.states[state]
	if !ok {
		return false, nil
	}
	sess, ok := r.devices[deviceCode]
	if !ok || sess.Expired(now) {
		return false, nil
	}
	if sess.Status != StatusPending {
		return false, nil
	}

	sess.Status = status
	if status == StatusApproved {
		sess.Login = login
		sess.UserAccessToken = userToken
	}
	return true, nil
}

func (r *InMemoryRepo) IssueAccessToken(_ context.Context, deviceCode string, candidate AccessSession, now time.Time) (AccessSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.devices[deviceCode]
	if !ok || sess.Expired(now) {
		return AccessSession{}, errors.New("[InMemoryRepo.IssueAccessToken] device session not found")
	}

	// First caller wins; everyone else gets the already-issued session.
	if sess.IssuedAccessToken != "" {
		if existing, ok := r.accesses[sess.IssuedAccessToken]; ok {
			return *existing, nil
		}
		return AccessSession{}, errors.New("[InMemoryRepo.IssueAccessToken] issued access session missing")
	}

	sess.IssuedAccessToken = candidate.Token
	copied := candidate
	r.accesses[candidate.Token] = &copied
	return candidate, nil
}

func (r *InMemoryRepo) GetAccess(_ context.Context, accessToken string, now time.Time) (*AccessSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.accesses[accessToken]
	if !ok || !now.Before(sess.ExpiresAt) {
		return nil, nil
	}

	copied := *sess
	return &copied, nil
}

func (r *InMemoryRepo) DeleteDevice(_ context.Context, deviceCode string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.deleteDeviceLocked(deviceCode)
	return nil
}

func (r *InMemoryRepo) DeleteAccess(_ context.Context, accessToken string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.accesses, accessToken)
	for code, sess := range r.devices {
		if sess.IssuedAccessToken == accessToken {
			r.deleteDeviceLocked(code)
			break
		}
	}
	return nil
}

func (r *InMemoryRepo) PurgeExpired(_ context.Context, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for code, sess := range r.devices {
		if sess.Expired(now) {
			r.deleteDeviceLocked(code)
		}
	}
	for token, sess := range r.accesses {
		if !now.Before(sess.ExpiresAt) {
			delete(r.accesses, token)
		}
	}
	return nil
}

// deleteDeviceLocked removes a device session and every structure keyed off
// it. Callers must hold the write lock.
func (r *InMemoryRepo) deleteDeviceLocked(deviceCode string) {
	sess, ok := r.devices[deviceCode]
	if !ok {
		return
	}
	delete(r.states, sess.State)
	if sess.IssuedAccessToken != "" {
		delete(r.accesses, sess.IssuedAccessToken)
	}
	delete(r.devices, deviceCode)
}
