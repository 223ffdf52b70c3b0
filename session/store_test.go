package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/enskill/enskill-server/session"
)

// fakeClock is a mutable clock for driving TTL expiry in tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, ttl time.Duration) (*session.Store, *fakeClock) {
	t.Helper()
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store, err := session.NewStore(session.NewInMemoryRepo(), 2*time.Second, ttl, session.WithNowTime(clock.Now))
	require.NoError(t, err)
	return store, clock
}

func TestStore_StartThenPollIsPending(t *testing.T) {
	store, _ := newTestStore(t, 10*time.Minute)
	ctx := context.Background()

	start, err := store.Start(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, start.DeviceCode)
	require.NotEmpty(t, start.State)
	require.NotEqual(t, start.DeviceCode, start.State)
	require.Equal(t, 2*time.Second, start.PollInterval)
	require.Equal(t, 10*time.Minute, start.ExpiresIn)

	result, err := store.Poll(ctx, start.DeviceCode)
	require.NoError(t, err)
	require.Equal(t, session.PollPending, result.Status)
	require.Empty(t, result.AccessToken)
}

func TestStore_UnknownTokensLookExpired(t *testing.T) {
	store, _ := newTestStore(t, 10*time.Minute)
	ctx := context.Background()

	t.Run("poll", func(t *testing.T) {
		result, err := store.Poll(ctx, "never-issued")
		require.NoError(t, err)
		require.Equal(t, session.PollExpired, result.Status)
	})

	t.Run("approve", func(t *testing.T) {
		ok, err := store.Approve(ctx, "never-issued", "alice", "gho_token")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("deny", func(t *testing.T) {
		ok, err := store.Deny(ctx, "never-issued")
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestStore_ApproveThenPoll(t *testing.T) {
	store, _ := newTestStore(t, 10*time.Minute)
	ctx := context.Background()

	start, err := store.Start(ctx)
	require.NoError(t, err)

	ok, err := store.Approve(ctx, start.State, "alice", "gho_token")
	require.NoError(t, err)
	require.True(t, ok)

	first, err := store.Poll(ctx, start.DeviceCode)
	require.NoError(t, err)
	require.Equal(t, session.PollApproved, first.Status)
	require.NotEmpty(t, first.AccessToken)
	require.Equal(t, "alice", first.Login)

	// Issuance is idempotent: every later poll returns the same token.
	second, err := store.Poll(ctx, start.DeviceCode)
	require.NoError(t, err)
	require.Equal(t, session.PollApproved, second.Status)
	require.Equal(t, first.AccessToken, second.AccessToken)
}

func TestStore_ConcurrentPollsMintOneToken(t *testing.T) {
	store, _ := newTestStore(t, 10*time.Minute)
	ctx := context.Background()

	start, err := store.Start(ctx)
	require.NoError(t, err)

	ok, err := store.Approve(ctx, start.State, "alice", "gho_token")
	require.NoError(t, err)
	require.True(t, ok)

	const pollers = 32
	tokens := make(chan string, pollers)
	var wg sync.WaitGroup
	for i := 0; i < pollers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := store.Poll(ctx, start.DeviceCode)
			require.NoError(t, err)
			require.Equal(t, session.PollApproved, result.Status)
			tokens <- result.AccessToken
		}()
	}
	wg.Wait()
	close(tokens)

	seen := map[string]bool{}
	for token := range tokens {
		seen[token] = true
	}
	require.Len(t, seen, 1, "concurrent polls must observe a single issued access token")
}

func TestStore_DenyIsPermanent(t *testing.T) {
	store, _ := newTestStore(t, 10*time.Minute)
	ctx := context.Background()

	start, err := store.Start(ctx)
	require.NoError(t, err)

	ok, err := store.Deny(ctx, start.State)
	require.NoError(t, err)
	require.True(t, ok)

	result, err := store.Poll(ctx, start.DeviceCode)
	require.NoError(t, err)
	require.Equal(t, session.PollDenied, result.Status)

	// A later approval attempt cannot resurrect the session.
	ok, err = store.Approve(ctx, start.State, "alice", "gho_token")
	require.NoError(t, err)
	require.False(t, ok)

	result, err = store.Poll(ctx, start.DeviceCode)
	require.NoError(t, err)
	require.Equal(t, session.PollDenied, result.Status)
}

func TestStore_TTLExpiryWinsOverApproval(t *testing.T) {
	store, clock := newTestStore(t, 1*time.Second)
	ctx := context.Background()

	start, err := store.Start(ctx)
	require.NoError(t, err)

	ok, err := store.Approve(ctx, start.State, "alice", "gho_token")
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(2 * time.Second)

	result, err := store.Poll(ctx, start.DeviceCode)
	require.NoError(t, err)
	require.Equal(t, session.PollExpired, result.Status)
}

func TestStore_ResolveAccessSession(t *testing.T) {
	store, clock := newTestStore(t, 10*time.Minute)
	ctx := context.Background()

	start, err := store.Start(ctx)
	require.NoError(t, err)
	_, err = store.Approve(ctx, start.State, "alice", "gho_token")
	require.NoError(t, err)

	result, err := store.Poll(ctx, start.DeviceCode)
	require.NoError(t, err)
	require.Equal(t, session.PollApproved, result.Status)

	t.Run("valid token", func(t *testing.T) {
		access, err := store.ResolveAccessSession(ctx, result.AccessToken)
		require.NoError(t, err)
		require.NotNil(t, access)
		require.Equal(t, "alice", access.Login)
	})

	t.Run("unknown token", func(t *testing.T) {
		access, err := store.ResolveAccessSession(ctx, "bogus")
		require.NoError(t, err)
		require.Nil(t, access)
	})

	t.Run("empty token", func(t *testing.T) {
		access, err := store.ResolveAccessSession(ctx, "")
		require.NoError(t, err)
		require.Nil(t, access)
	})

	t.Run("expired token", func(t *testing.T) {
		clock.Advance(11 * time.Minute)
		access, err := store.ResolveAccessSession(ctx, result.AccessToken)
		require.NoError(t, err)
		require.Nil(t, access)
	})
}

func TestStore_Revoke(t *testing.T) {
	ctx := context.Background()

	t.Run("by device code", func(t *testing.T) {
		store, _ := newTestStore(t, 10*time.Minute)
		start, err := store.Start(ctx)
		require.NoError(t, err)

		require.NoError(t, store.Revoke(ctx, start.DeviceCode))

		result, err := store.Poll(ctx, start.DeviceCode)
		require.NoError(t, err)
		require.Equal(t, session.PollExpired, result.Status)
	})

	t.Run("by access token", func(t *testing.T) {
		store, _ := newTestStore(t, 10*time.Minute)
		start, err := store.Start(ctx)
		require.NoError(t, err)
		_, err = store.Approve(ctx, start.State, "alice", "gho_token")
		require.NoError(t, err)
		result, err := store.Poll(ctx, start.DeviceCode)
		require.NoError(t, err)

		require.NoError(t, store.Revoke(ctx, result.AccessToken))

		access, err := store.ResolveAccessSession(ctx, result.AccessToken)
		require.NoError(t, err)
		require.Nil(t, access)

		poll, err := store.Poll(ctx, start.DeviceCode)
		require.NoError(t, err)
		require.Equal(t, session.PollExpired, poll.Status)
	})
}
