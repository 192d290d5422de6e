package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"lockstep/api/internal/models"
)

var ErrRefreshNotFound = errors.New("refresh record not found")

// RotateOutcome reports how a compare-and-set rotation resolved.
type RotateOutcome struct {
	// Rotated is true when this caller won the active -> rotated transition.
	Rotated bool
	// Conflict is true when the record existed but was no longer active;
	// Record carries the state the loser observed.
	Conflict bool
	Record   models.RefreshRecord
}

// RefreshStore keeps refresh records in redis under their token hash, with
// a TTL equal to remaining validity so expired records age out on their
// own. Chain membership lives in a set per session so whole-chain
// revocation stays cheap.
type RefreshStore struct {
	client *redis.Client
}

func NewRefreshStore(client *redis.Client) *RefreshStore {
	return &RefreshStore{client: client}
}

func recordKey(tokenHash string) string { return "refresh:" + tokenHash }
func chainKey(sessionID string) string  { return "chain:" + sessionID }

// rotateScript performs the active -> rotated transition atomically against
// the stored record. Concurrent callers with the same token resolve
// deterministically: exactly one sees "rotated", the rest see "conflict".
var rotateScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
	return {'notfound', ''}
end
local rec = cjson.decode(raw)
if rec.state ~= 'active' then
	return {'conflict', raw}
end
rec.state = 'rotated'
local ttl = redis.call('TTL', KEYS[1])
local updated = cjson.encode(rec)
if ttl > 0 then
	redis.call('SET', KEYS[1], updated, 'EX', ttl)
else
	redis.call('SET', KEYS[1], updated)
end
return {'rotated', updated}
`)

func (s *RefreshStore) Save(ctx context.Context, record models.RefreshRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal refresh record: %w", err)
	}

	ttl := time.Until(record.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("refresh record already expired")
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, recordKey(record.TokenHash), raw, ttl)
	pipe.SAdd(ctx, chainKey(record.SessionID), record.TokenHash)
	// The chain set must outlive its longest-lived member.
	pipe.Expire(ctx, chainKey(record.SessionID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save refresh record: %w", err)
	}
	return nil
}

func (s *RefreshStore) GetByHash(ctx context.Context, tokenHash string) (models.RefreshRecord, error) {
	raw, err := s.client.Get(ctx, recordKey(tokenHash)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.RefreshRecord{}, ErrRefreshNotFound
		}
		return models.RefreshRecord{}, err
	}

	var record models.RefreshRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return models.RefreshRecord{}, fmt.Errorf("unmarshal refresh record: %w", err)
	}
	return record, nil
}

// Rotate runs the CAS. A conflict result means the token was already
// rotated or revoked: the caller treats that as a reuse event.
func (s *RefreshStore) Rotate(ctx context.Context, tokenHash string) (RotateOutcome, error) {
	res, err := rotateScript.Run(ctx, s.client, []string{recordKey(tokenHash)}).Slice()
	if err != nil {
		return RotateOutcome{}, fmt.Errorf("rotate script: %w", err)
	}
	if len(res) != 2 {
		return RotateOutcome{}, fmt.Errorf("rotate script: unexpected reply %v", res)
	}

	verdict, _ := res[0].(string)
	raw, _ := res[1].(string)

	switch verdict {
	case "notfound":
		return RotateOutcome{}, ErrRefreshNotFound
	case "conflict", "rotated":
		var record models.RefreshRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return RotateOutcome{}, fmt.Errorf("unmarshal rotated record: %w", err)
		}
		return RotateOutcome{
			Rotated:  verdict == "rotated",
			Conflict: verdict == "conflict",
			Record:   record,
		}, nil
	default:
		return RotateOutcome{}, fmt.Errorf("rotate script: unknown verdict %q", verdict)
	}
}

// RevokeChain marks every surviving record in the session's chain revoked,
// preserving each record's TTL. Returns how many records were touched.
func (s *RefreshStore) RevokeChain(ctx context.Context, sessionID string) (int, error) {
	hashes, err := s.client.SMembers(ctx, chainKey(sessionID)).Result()
	if err != nil {
		return 0, fmt.Errorf("chain members: %w", err)
	}

	revoked := 0
	for _, hash := range hashes {
		record, err := s.GetByHash(ctx, hash)
		if err != nil {
			if errors.Is(err, ErrRefreshNotFound) {
				continue // aged out already
			}
			return revoked, err
		}
		if record.State == models.RefreshStateRevoked {
			continue
		}

		record.State = models.RefreshStateRevoked
		raw, err := json.Marshal(record)
		if err != nil {
			return revoked, fmt.Errorf("marshal revoked record: %w", err)
		}

		ttl, err := s.client.TTL(ctx, recordKey(hash)).Result()
		if err != nil {
			return revoked, err
		}
		if ttl <= 0 {
			continue
		}
		if err := s.client.Set(ctx, recordKey(hash), raw, ttl).Err(); err != nil {
			return revoked, err
		}
		revoked++
	}
	return revoked, nil
}
