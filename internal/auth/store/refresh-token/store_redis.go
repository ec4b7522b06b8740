package refreshtoken

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"taskbrew/internal/auth/models"
	id "taskbrew/pkg/domain"
	"taskbrew/pkg/platform/sentinel"
)

const (
	defaultRedisPrefix = "taskbrew:rt:"

	rotateStatusNotFound = 0
	rotateStatusExpired  = 1
	rotateStatusRevoked  = 2
	rotateStatusRotated  = 3
	rotateStatusConflict = 4
)

// Each record is a hash at <prefix>rec:<id>; <prefix>hash:<secretHash> points
// at the record that currently owns that secret. Times are unix milliseconds,
// "0" meaning unset.
const issueScript = `
if redis.call("SETNX", KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[2], unpack(ARGV, 2))
return 1
`

const rotateScript = `
local index_key = KEYS[1]
local next_index_key = KEYS[2]
local record_prefix = ARGV[1]
local next_hash = ARGV[2]
local next_expires = ARGV[3]
local now_ms = ARGV[4]

local record_id = redis.call("GET", index_key)
if not record_id then
  return {0}
end

local record_key = record_prefix .. record_id
local state = redis.call("HMGET", record_key, "revoked", "expires_at")
if not state[1] then
  return {0}
end
if state[1] == "1" then
  return {2}
end
if tonumber(state[2]) <= tonumber(now_ms) then
  redis.call("HSET", record_key, "revoked", "1", "revoked_at", now_ms)
  return {1}
end
if redis.call("EXISTS", next_index_key) == 1 then
  return {4}
end

redis.call("HSET", record_key, "secret_hash", next_hash, "expires_at", next_expires, "last_rotated_at", now_ms)
redis.call("HINCRBY", record_key, "rotation_count", 1)
if ARGV[5] ~= "" then redis.call("HSET", record_key, "created_from_ip", ARGV[5]) end
if ARGV[6] ~= "" then redis.call("HSET", record_key, "created_from_agent", ARGV[6]) end
if ARGV[7] ~= "" then redis.call("HSET", record_key, "device_name", ARGV[7]) end

redis.call("DEL", index_key)
redis.call("SET", next_index_key, record_id)
return {3, redis.call("HGETALL", record_key)}
`

const revokeScript = `
local record_id = redis.call("GET", KEYS[1])
if not record_id then
  return 0
end
local record_key = ARGV[1] .. record_id
local revoked = redis.call("HGET", record_key, "revoked")
if not revoked or revoked == "1" then
  return 0
end
redis.call("HSET", record_key, "revoked", "1", "revoked_at", ARGV[2])
return 1
`

var (
	issueLua  = redis.NewScript(issueScript)
	rotateLua = redis.NewScript(rotateScript)
	revokeLua = redis.NewScript(revokeScript)
)

// RedisStore runs every state transition as a Lua script. Redis executes a
// script without interleaving other commands, so the compare and the swap
// cannot be split by a concurrent redemption on another server instance.
//
// The rotate and revoke scripts reach the record key through the index entry
// rather than through KEYS, so the store needs a single-node server (or a
// primary with replicas). It takes *redis.Client, not a cluster client.
type RedisStore struct {
	client *redis.Client
	prefix string
}

type RedisOption func(*RedisStore)

// WithKeyPrefix namespaces keys, e.g. per environment.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

func NewRedis(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: defaultRedisPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) recordPrefix() string        { return s.prefix + "rec:" }
func (s *RedisStore) recordKey(rid string) string { return s.recordPrefix() + rid }
func (s *RedisStore) indexKey(hash string) string { return s.prefix + "hash:" + hash }

func (s *RedisStore) Issue(ctx context.Context, rec *models.RefreshTokenRecord) (id.RefreshTokenID, error) {
	recordID := rec.ID
	if recordID.IsNil() {
		recordID = id.NewRefreshTokenID()
	}
	rid := recordID.String()

	args := []any{
		rid,
		"id", rid,
		"user_id", rec.UserID.String(),
		"secret_hash", rec.SecretHash,
		"issued_at", millis(rec.IssuedAt),
		"expires_at", millis(rec.ExpiresAt),
		"revoked", "0",
		"revoked_at", "0",
		"last_rotated_at", "0",
		"rotation_count", 0,
		"created_from_ip", rec.CreatedFromIP,
		"created_from_agent", rec.CreatedFromAgent,
		"device_name", rec.DeviceName,
	}
	created, err := issueLua.Run(ctx, s.client, []string{s.indexKey(rec.SecretHash), s.recordKey(rid)}, args...).Int()
	if err != nil {
		return id.RefreshTokenID{}, unavailable("issue refresh token", err)
	}
	if created == 0 {
		return id.RefreshTokenID{}, fmt.Errorf("refresh token hash already issued: %w", sentinel.ErrConflict)
	}
	return recordID, nil
}

func (s *RedisStore) RedeemAndRotate(ctx context.Context, secretHash, newSecretHash string, newExpiresAt, now time.Time, meta models.ClientMeta) (*models.RefreshTokenRecord, error) {
	result, err := rotateLua.Run(ctx, s.client,
		[]string{s.indexKey(secretHash), s.indexKey(newSecretHash)},
		s.recordPrefix(), newSecretHash, millis(newExpiresAt), millis(now),
		meta.IP, meta.UserAgent, meta.DeviceName,
	).Slice()
	if err != nil {
		return nil, unavailable("rotate refresh token", err)
	}
	if len(result) == 0 {
		return nil, unavailable("rotate refresh token", errors.New("empty script response"))
	}
	code, ok := result[0].(int64)
	if !ok {
		return nil, unavailable("rotate refresh token", errors.New("invalid script status"))
	}

	switch code {
	case rotateStatusNotFound:
		return nil, errUnknown
	case rotateStatusExpired:
		return nil, errExpired
	case rotateStatusRevoked:
		return nil, errRevoked
	case rotateStatusConflict:
		return nil, fmt.Errorf("rotated hash already issued: %w", sentinel.ErrConflict)
	case rotateStatusRotated:
		if len(result) < 2 {
			return nil, unavailable("rotate refresh token", errors.New("missing record payload"))
		}
		flat, ok := result[1].([]any)
		if !ok {
			return nil, unavailable("rotate refresh token", errors.New("invalid record payload"))
		}
		fields := make(map[string]string, len(flat)/2)
		for i := 0; i+1 < len(flat); i += 2 {
			k, _ := flat[i].(string)
			v, _ := flat[i+1].(string)
			fields[k] = v
		}
		return decodeRecord(fields)
	default:
		return nil, unavailable("rotate refresh token", fmt.Errorf("unknown script status %d", code))
	}
}

func (s *RedisStore) Revoke(ctx context.Context, secretHash string, now time.Time) (bool, error) {
	flipped, err := revokeLua.Run(ctx, s.client, []string{s.indexKey(secretHash)},
		s.recordPrefix(), millis(now)).Int()
	if err != nil {
		return false, unavailable("revoke refresh token", err)
	}
	return flipped == 1, nil
}

func (s *RedisStore) FindByHash(ctx context.Context, secretHash string) (*models.RefreshTokenRecord, error) {
	rid, err := s.client.Get(ctx, s.indexKey(secretHash)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, errUnknown
	}
	if err != nil {
		return nil, unavailable("find refresh token", err)
	}
	fields, err := s.client.HGetAll(ctx, s.recordKey(rid)).Result()
	if err != nil {
		return nil, unavailable("find refresh token", err)
	}
	if len(fields) == 0 {
		return nil, errUnknown
	}
	return decodeRecord(fields)
}

func decodeRecord(f map[string]string) (*models.RefreshTokenRecord, error) {
	recordID, err := id.ParseRefreshTokenID(f["id"])
	if err != nil {
		return nil, fmt.Errorf("decode refresh token record: %w", err)
	}
	userID, err := id.ParseUserID(f["user_id"])
	if err != nil {
		return nil, fmt.Errorf("decode refresh token record: %w", err)
	}
	rotations, _ := strconv.Atoi(f["rotation_count"])
	rec := &models.RefreshTokenRecord{
		ID:               recordID,
		UserID:           userID,
		SecretHash:       f["secret_hash"],
		IssuedAt:         fromMillis(f["issued_at"]),
		ExpiresAt:        fromMillis(f["expires_at"]),
		Revoked:          f["revoked"] == "1",
		RotationCount:    rotations,
		CreatedFromIP:    f["created_from_ip"],
		CreatedFromAgent: f["created_from_agent"],
		DeviceName:       f["device_name"],
	}
	if t := fromMillis(f["revoked_at"]); !t.IsZero() {
		rec.RevokedAt = &t
	}
	if t := fromMillis(f["last_rotated_at"]); !t.IsZero() {
		rec.LastRotatedAt = &t
	}
	return rec, nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
