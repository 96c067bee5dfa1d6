package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lua scripts keep each conditional mutation a single atomic round trip.
var (
	joinScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 'not_found' end
local status = redis.call('HGET', KEYS[1], 'status')
if status == 'finished' or status == 'abandoned' then return 'closed' end
if redis.call('HEXISTS', KEYS[2], ARGV[1]) == 1 then return 'member' end
if ARGV[3] == 'player' then
  local capacity = tonumber(redis.call('HGET', KEYS[1], 'capacity'))
  local players = tonumber(redis.call('HGET', KEYS[1], 'players') or '0')
  if players >= capacity then return 'full' end
  redis.call('HINCRBY', KEYS[1], 'players', 1)
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
return 'ok'
`)

	markDisconnectedScript = redis.NewScript(`
local raw = redis.call('HGET', KEYS[1], ARGV[1])
if not raw then return 'not_member' end
local member = cjson.decode(raw)
member['conn_id'] = ''
redis.call('HSET', KEYS[1], ARGV[1], cjson.encode(member))
return 'ok'
`)

	reconnectScript = redis.NewScript(`
local raw = redis.call('HGET', KEYS[1], ARGV[1])
if not raw then return false end
local member = cjson.decode(raw)
member['conn_id'] = ARGV[2]
local encoded = cjson.encode(member)
redis.call('HSET', KEYS[1], ARGV[1], encoded)
return encoded
`)

	removeMemberScript = redis.NewScript(`
local raw = redis.call('HGET', KEYS[2], ARGV[1])
if not raw then return 'not_member' end
local member = cjson.decode(raw)
if member['role'] == 'player' then
  redis.call('HINCRBY', KEYS[1], 'players', -1)
end
redis.call('HDEL', KEYS[2], ARGV[1])
return 'ok'
`)

	casScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  if tonumber(ARGV[1]) == 0 then
    redis.call('SET', KEYS[1], ARGV[2])
    return 'ok'
  end
  return 'conflict'
end
local state = cjson.decode(raw)
if tonumber(state['version']) ~= tonumber(ARGV[1]) then return 'conflict' end
redis.call('SET', KEYS[1], ARGV[2])
return 'ok'
`)

	createTokenScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then return existing end
redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[3])
redis.call('SET', KEYS[2], ARGV[2], 'EX', ARGV[3])
redis.call('SADD', KEYS[3], ARGV[4])
redis.call('EXPIRE', KEYS[3], ARGV[3])
return ARGV[1]
`)

	burnTokenScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then return 0 end
redis.call('DEL', KEYS[1])
redis.call('DEL', KEYS[2])
redis.call('SREM', KEYS[3], ARGV[2])
return 1
`)
)

// RedisStore implements Store on a shared Redis instance.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a RedisStore on an already-connected client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func presenceKey(userID string) string      { return fmt.Sprintf("presence:%s", userID) }
func roomKey(roomID string) string          { return fmt.Sprintf("room:%s", roomID) }
func membersKey(roomID string) string       { return fmt.Sprintf("room:%s:members", roomID) }
func gameKey(roomID string) string          { return fmt.Sprintf("room:%s:game", roomID) }
func roomNameKey(name string) string        { return fmt.Sprintf("room:name:%s", name) }
func tokenKey(token string) string         { return fmt.Sprintf("reconnect:token:%s", token) }
func pairKey(userID, roomID string) string { return fmt.Sprintf("reconnect:pair:%s:%s", userID, roomID) }
func userRoomsKey(userID string) string    { return fmt.Sprintf("reconnect:rooms:%s", userID) }

type tokenPayload struct {
	UserID string `json:"user_id"`
	RoomID string `json:"room_id"`
}

func (s *RedisStore) AddPresence(ctx context.Context, userID, connID string) error {
	return s.client.SAdd(ctx, presenceKey(userID), connID).Err()
}

func (s *RedisStore) RemovePresence(ctx context.Context, userID, connID string) error {
	return s.client.SRem(ctx, presenceKey(userID), connID).Err()
}

func (s *RedisStore) UserConnections(ctx context.Context, userID string) ([]string, error) {
	return s.client.SMembers(ctx, presenceKey(userID)).Result()
}

func (s *RedisStore) CreateRoom(ctx context.Context, room *Room) error {
	// The SETNX on the name index is the atomic claim; the room hash is
	// written by the single winner.
	claimed, err := s.client.SetNX(ctx, roomNameKey(room.Name), room.ID, 0).Result()
	if err != nil {
		return err
	}
	if !claimed {
		return ErrNameTaken
	}

	return s.client.HSet(ctx, roomKey(room.ID), map[string]interface{}{
		"id":         room.ID,
		"name":       room.Name,
		"kind":       room.Kind,
		"status":     room.Status,
		"capacity":   room.Capacity,
		"players":    0,
		"created_at": room.CreatedAt.UTC().Format(time.RFC3339Nano),
	}).Err()
}

func (s *RedisStore) Room(ctx context.Context, roomID string) (*Room, error) {
	fields, err := s.client.HGetAll(ctx, roomKey(roomID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrRoomNotFound
	}

	capacity, _ := strconv.Atoi(fields["capacity"])
	createdAt, _ := time.Parse(time.RFC3339Nano, fields["created_at"])
	return &Room{
		ID:        fields["id"],
		Name:      fields["name"],
		Kind:      fields["kind"],
		Status:    fields["status"],
		Capacity:  capacity,
		CreatedAt: createdAt,
	}, nil
}

func (s *RedisStore) RoomByName(ctx context.Context, name string) (*Room, error) {
	roomID, err := s.client.Get(ctx, roomNameKey(name)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}
	return s.Room(ctx, roomID)
}

func (s *RedisStore) SetRoomStatus(ctx context.Context, roomID, status string) error {
	return s.client.HSet(ctx, roomKey(roomID), "status", status).Err()
}

func (s *RedisStore) JoinRoom(ctx context.Context, roomID string, member *Member) error {
	raw, err := json.Marshal(member)
	if err != nil {
		return fmt.Errorf("marshal member: %w", err)
	}

	result, err := joinScript.Run(ctx, s.client,
		[]string{roomKey(roomID), membersKey(roomID)},
		member.UserID, string(raw), member.Role,
	).Text()
	if err != nil {
		return err
	}

	switch result {
	case "ok":
		return nil
	case "not_found":
		return ErrRoomNotFound
	case "closed":
		return ErrRoomClosed
	case "full":
		return ErrRoomFull
	case "member":
		return ErrAlreadyMember
	default:
		return fmt.Errorf("store: unexpected join result %q", result)
	}
}

func (s *RedisStore) Members(ctx context.Context, roomID string) ([]Member, error) {
	entries, err := s.client.HGetAll(ctx, membersKey(roomID)).Result()
	if err != nil {
		return nil, err
	}

	members := make([]Member, 0, len(entries))
	for _, raw := range entries {
		var member Member
		if err := json.Unmarshal([]byte(raw), &member); err != nil {
			return nil, fmt.Errorf("unmarshal member: %w", err)
		}
		members = append(members, member)
	}
	return members, nil
}

func (s *RedisStore) MarkDisconnected(ctx context.Context, roomID, userID string) error {
	result, err := markDisconnectedScript.Run(ctx, s.client,
		[]string{membersKey(roomID)}, userID,
	).Text()
	if err != nil {
		return err
	}
	if result == "not_member" {
		return ErrNotMember
	}
	return nil
}

func (s *RedisStore) Reconnect(ctx context.Context, roomID, userID, connID string) (*Member, error) {
	raw, err := reconnectScript.Run(ctx, s.client,
		[]string{membersKey(roomID)}, userID, connID,
	).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotMember
		}
		return nil, err
	}

	var member Member
	if err := json.Unmarshal([]byte(raw), &member); err != nil {
		return nil, fmt.Errorf("unmarshal member: %w", err)
	}
	return &member, nil
}

func (s *RedisStore) RemoveMember(ctx context.Context, roomID, userID string) error {
	result, err := removeMemberScript.Run(ctx, s.client,
		[]string{roomKey(roomID), membersKey(roomID)}, userID,
	).Text()
	if err != nil {
		return err
	}
	if result == "not_member" {
		return ErrNotMember
	}
	return nil
}

func (s *RedisStore) GameState(ctx context.Context, roomID string) (*GameState, error) {
	raw, err := s.client.Get(ctx, gameKey(roomID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var state GameState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("unmarshal game state: %w", err)
	}
	return &state, nil
}

func (s *RedisStore) CompareAndSwapGameState(ctx context.Context, roomID string, expectVersion int64, state *GameState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal game state: %w", err)
	}

	result, err := casScript.Run(ctx, s.client,
		[]string{gameKey(roomID)}, expectVersion, string(raw),
	).Text()
	if err != nil {
		return err
	}
	if result == "conflict" {
		return ErrVersionConflict
	}
	return nil
}

func (s *RedisStore) CreateReconnectToken(ctx context.Context, userID, roomID string, ttl time.Duration) (string, error) {
	token := uuid.New().String()
	payload, err := json.Marshal(tokenPayload{UserID: userID, RoomID: roomID})
	if err != nil {
		return "", err
	}

	seconds := int(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return createTokenScript.Run(ctx, s.client,
		[]string{pairKey(userID, roomID), tokenKey(token), userRoomsKey(userID)},
		token, string(payload), seconds, roomID,
	).Text()
}

// ConsumeReconnectToken redeems a token exactly once. The payload read names
// the derived keys, which the burn script then receives through KEYS; the
// script re-reads the token so a racing second redeem finds it gone.
func (s *RedisStore) ConsumeReconnectToken(ctx context.Context, token string) (string, string, error) {
	raw, err := s.client.Get(ctx, tokenKey(token)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", "", ErrTokenExpired
		}
		return "", "", err
	}

	var payload tokenPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return "", "", fmt.Errorf("unmarshal token payload: %w", err)
	}

	burned, err := burnTokenScript.Run(ctx, s.client,
		[]string{tokenKey(token), pairKey(payload.UserID, payload.RoomID), userRoomsKey(payload.UserID)},
		raw, payload.RoomID,
	).Int()
	if err != nil {
		return "", "", err
	}
	if burned == 0 {
		return "", "", ErrTokenExpired
	}
	return payload.UserID, payload.RoomID, nil
}

func (s *RedisStore) HasReconnectToken(ctx context.Context, userID, roomID string) (bool, error) {
	exists, err := s.client.Exists(ctx, pairKey(userID, roomID)).Result()
	if err != nil {
		return false, err
	}
	return exists == 1, nil
}

func (s *RedisStore) PendingReconnects(ctx context.Context, userID string) ([]PendingReconnect, error) {
	roomIDs, err := s.client.SMembers(ctx, userRoomsKey(userID)).Result()
	if err != nil {
		return nil, err
	}

	pending := make([]PendingReconnect, 0, len(roomIDs))
	for _, roomID := range roomIDs {
		token, err := s.client.Get(ctx, pairKey(userID, roomID)).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// Token expired; the set entry is stale.
				continue
			}
			return nil, err
		}
		pending = append(pending, PendingReconnect{RoomID: roomID, Token: token})
	}
	return pending, nil
}
