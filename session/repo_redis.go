package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisRepo stores sessions in Redis with a key TTL equal to the session's
// remaining lifetime, so expiry needs no reaper. Exactly-once access-token
// issuance is guaranteed by a SETNX on a per-device issuance key: the first
// poller's candidate wins and every later poller reads the winner back.
type RedisRepo struct {
	client *redis.Client
}

// NewRedisRepo creates a session repository backed by the given client.
func NewRedisRepo(client *redis.Client) *RedisRepo {
	return &RedisRepo{client: client}
}

// NewRedisRepoFromURL connects using a redis:// URL.
func NewRedisRepoFromURL(url string) (*RedisRepo, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "[NewRedisRepoFromURL] redis.ParseURL")
	}
	return NewRedisRepo(redis.NewClient(opts)), nil
}

func deviceKey(code string) string { return fmt.Sprintf("device:%s", code) }
func stateKey(state string) string { return fmt.Sprintf("state:%s", state) }
func accessKey(token string) string {
	return fmt.Sprintf("access:%s", token)
}
func issuedKey(code string) string { return fmt.Sprintf("issued:%s", code) }

// redisAccess is the stored form of an AccessSession; the device code is
// kept so revoking by access token can also remove the issuing session.
type redisAccess struct {
	AccessSession
	DeviceCode string
}

func (r *RedisRepo) InsertDevice(ctx context.Context, sess DeviceSession) error {
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		return errors.New("[RedisRepo.InsertDevice] session already expired")
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return errors.Wrap(err, "[RedisRepo.InsertDevice] marshal session")
	}

	if err := r.client.SetEx(ctx, deviceKey(sess.DeviceCode), data, ttl).Err(); err != nil {
		return errors.Wrap(err, "[RedisRepo.InsertDevice] set device key")
	}
	if err := r.client.SetEx(ctx, stateKey(sess.State), sess.DeviceCode, ttl).Err(); err != nil {
		r.client.Del(ctx, deviceKey(sess.DeviceCode))
		return errors.Wrap(err, "[RedisRepo.InsertDevice] set state key")
	}
	return nil
}

func (r *RedisRepo) GetDeviceByCode(ctx context.Context, deviceCode string, now time.Time) (*DeviceSession, error) {
	sess, err := r.getDevice(ctx, deviceCode)
	if err != nil || sess == nil {
		return nil, err
	}
	if sess.Expired(now) {
		return nil, nil
	}
	return sess, nil
}

func (r *RedisRepo) UpdateStatusByState(ctx context.Context, state string, status Status, login, userToken string, now time.Time) (bool, error) {
	deviceCode, err := r.client.Get(ctx, stateKey(state)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "[RedisRepo.UpdateStatusByState] get state key")
	}

	updated := false
	key := deviceKey(deviceCode)

	// Optimistic check-and-set: retried if the session changes under us.
	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}

		var sess DeviceSession
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			return err
		}
		if sess.Status != StatusPending || sess.Expired(now) {
			return nil
		}

		sess.Status = status
		if status == StatusApproved {
			sess.Login = login
			sess.UserAccessToken = userToken
		}

		data, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		ttl := time.Until(sess.ExpiresAt)
		if ttl <= 0 {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetEx(ctx, key, data, ttl)
			return nil
		})
		if err == nil {
			updated = true
		}
		return err
	}

	for attempt := 0; attempt < 3; attempt++ {
		err := r.client.Watch(ctx, txn, key)
		if err == nil {
			return updated, nil
		}
		if err != redis.TxFailedErr {
			return false, errors.Wrap(err, "[RedisRepo.UpdateStatusByState] watch")
		}
	}
	return false, errors.New("[RedisRepo.UpdateStatusByState] concurrent update, gave up")
}

func (r *RedisRepo) IssueAccessToken(ctx context.Context, deviceCode string, candidate AccessSession, now time.Time) (AccessSession, error) {
	sess, err := r.GetDeviceByCode(ctx, deviceCode, now)
	if err != nil {
		return AccessSession{}, err
	}
	if sess == nil {
		return AccessSession{}, errors.New("[RedisRepo.IssueAccessToken] device session not found")
	}

	ttl := time.Until(sess.ExpiresAt)
	stored, err := json.Marshal(redisAccess{AccessSession: candidate, DeviceCode: deviceCode})
	if err != nil {
		return AccessSession{}, errors.Wrap(err, "[RedisRepo.IssueAccessToken] marshal candidate")
	}

	// First SETNX wins; the winning candidate defines the issued session.
	if err := r.client.SetNX(ctx, issuedKey(deviceCode), stored, ttl).Err(); err != nil {
		return AccessSession{}, errors.Wrap(err, "[RedisRepo.IssueAccessToken] setnx issued key")
	}

	raw, err := r.client.Get(ctx, issuedKey(deviceCode)).Result()
	if err != nil {
		return AccessSession{}, errors.Wrap(err, "[RedisRepo.IssueAccessToken] get issued key")
	}
	var issued redisAccess
	if err := json.Unmarshal([]byte(raw), &issued); err != nil {
		return AccessSession{}, errors.Wrap(err, "[RedisRepo.IssueAccessToken] unmarshal issued session")
	}

	// Forward lookup for the winner's token. Losers write the identical
	// value, so the duplicate set is harmless.
	if err := r.client.SetEx(ctx, accessKey(issued.Token), raw, ttl).Err(); err != nil {
		return AccessSession{}, errors.Wrap(err, "[RedisRepo.IssueAccessToken] set access key")
	}
	return issued.AccessSession, nil
}

func (r *RedisRepo) GetAccess(ctx context.Context, accessToken string, now time.Time) (*AccessSession, error) {
	raw, err := r.client.Get(ctx, accessKey(accessToken)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "[RedisRepo.GetAccess] get access key")
	}

	var stored redisAccess
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, errors.Wrap(err, "[RedisRepo.GetAccess] unmarshal access session")
	}
	if !now.Before(stored.ExpiresAt) {
		return nil, nil
	}
	sess := stored.AccessSession
	return &sess, nil
}

func (r *RedisRepo) DeleteDevice(ctx context.Context, deviceCode string) error {
	sess, err := r.getDevice(ctx, deviceCode)
	if err != nil {
		return err
	}

	keys := []string{deviceKey(deviceCode), issuedKey(deviceCode)}
	if sess != nil {
		keys = append(keys, stateKey(sess.State))
		if sess.IssuedAccessToken != "" {
			keys = append(keys, accessKey(sess.IssuedAccessToken))
		}
	}
	if raw, err := r.client.Get(ctx, issuedKey(deviceCode)).Result(); err == nil {
		var issued redisAccess
		if json.Unmarshal([]byte(raw), &issued) == nil && issued.Token != "" {
			keys = append(keys, accessKey(issued.Token))
		}
	}

	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return errors.Wrap(err, "[RedisRepo.DeleteDevice] del")
	}
	return nil
}

func (r *RedisRepo) DeleteAccess(ctx context.Context, accessToken string) error {
	raw, err := r.client.Get(ctx, accessKey(accessToken)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "[RedisRepo.DeleteAccess] get access key")
	}

	var stored redisAccess
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return errors.Wrap(err, "[RedisRepo.DeleteAccess] unmarshal access session")
	}
	if stored.DeviceCode != "" {
		return r.DeleteDevice(ctx, stored.DeviceCode)
	}
	return errors.Wrap(r.client.Del(ctx, accessKey(accessToken)).Err(), "[RedisRepo.DeleteAccess] del")
}

// PurgeExpired is a no-op: Redis key TTLs expire sessions natively.
func (r *RedisRepo) PurgeExpired(context.Context, time.Time) error {
	return nil
}

func (r *RedisRepo) getDevice(ctx context.Context, deviceCode string) (*DeviceSession, error) {
	raw, err := r.client.Get(ctx, deviceKey(deviceCode)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "[RedisRepo.getDevice] get device key")
	}

	var sess DeviceSession
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, errors.Wrap(err, "[RedisRepo.getDevice] unmarshal session")
	}
	return &sess, nil
}

var _ Repo = (*RedisRepo)(nil)
