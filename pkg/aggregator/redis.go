package aggregator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Each correlation is one hash:
//
//	s:<participant>  status
//	d:<participant>  reply payload
//	claim            finalize | rollback
//
// The scripts below keep Record and Claim atomic against each other.

const openScript = `
for i = 2, #ARGV do
  redis.call('HSETNX', KEYS[1], 's:' .. ARGV[i], 'PENDING')
end
if tonumber(ARGV[1]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return 1
`

const recordScript = `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {-1}
end
local current = redis.call('HGET', KEYS[1], 's:' .. ARGV[1])
if not current then
  return {-2}
end
local changed = 0
if current == 'PENDING' then
  redis.call('HSET', KEYS[1], 's:' .. ARGV[1], ARGV[2], 'd:' .. ARGV[1], ARGV[3])
  changed = 1
end
local out = {changed}
local all = redis.call('HGETALL', KEYS[1])
for i = 1, #all do
  out[#out + 1] = all[i]
end
return out
`

const claimScript = `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {-1}
end
local won = redis.call('HSETNX', KEYS[1], 'claim', ARGV[1])
local out = {won}
local all = redis.call('HGETALL', KEYS[1])
for i = 1, #all do
  out[#out + 1] = all[i]
end
return out
`

var (
	openCmd   = redis.NewScript(openScript)
	recordCmd = redis.NewScript(recordScript)
	claimCmd  = redis.NewScript(claimScript)
)

// RedisStore is a Store backed by Redis hashes with a TTL.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a Redis event store. Keys are <prefix>:agg:<correlationID>.
func NewRedisStore(client redis.UniversalClient, prefix string) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("aggregator: redis client cannot be nil")
	}
	if prefix == "" {
		prefix = "ordersaga"
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) key(correlationID string) string {
	return s.prefix + ":agg:" + correlationID
}

func (s *RedisStore) Open(ctx context.Context, correlationID string, participants []string, ttl time.Duration) error {
	args := make([]any, 0, len(participants)+1)
	args = append(args, ttl.Milliseconds())
	for _, p := range participants {
		args = append(args, p)
	}
	if err := openCmd.Run(ctx, s.client, []string{s.key(correlationID)}, args...).Err(); err != nil {
		return fmt.Errorf("aggregator: open %s: %w", correlationID, err)
	}
	return nil
}

func (s *RedisStore) Record(ctx context.Context, correlationID string, entry Entry) (RecordResult, error) {
	payload := string(entry.Payload)
	res, err := recordCmd.Run(ctx, s.client, []string{s.key(correlationID)},
		entry.Participant, string(entry.Status), payload).Slice()
	if err != nil {
		return RecordResult{}, fmt.Errorf("aggregator: record %s/%s: %w", correlationID, entry.Participant, err)
	}
	code, snap, err := parseScriptResult(correlationID, res)
	if err != nil {
		return RecordResult{}, err
	}
	return RecordResult{Changed: code == 1, Snapshot: snap}, nil
}

func (s *RedisStore) Claim(ctx context.Context, correlationID string, claim Claim) (ClaimResult, error) {
	res, err := claimCmd.Run(ctx, s.client, []string{s.key(correlationID)}, string(claim)).Slice()
	if err != nil {
		return ClaimResult{}, fmt.Errorf("aggregator: claim %s: %w", correlationID, err)
	}
	code, snap, err := parseScriptResult(correlationID, res)
	if err != nil {
		return ClaimResult{}, err
	}
	return ClaimResult{Won: code == 1, Snapshot: snap}, nil
}

func (s *RedisStore) Get(ctx context.Context, correlationID string) (Snapshot, error) {
	fields, err := s.client.HGetAll(ctx, s.key(correlationID)).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("aggregator: get %s: %w", correlationID, err)
	}
	if len(fields) == 0 {
		return Snapshot{}, ErrUnknownCorrelation
	}
	return buildSnapshot(correlationID, fields), nil
}

// Close is a no-op; the caller owns the client.
func (s *RedisStore) Close() error { return nil }

func parseScriptResult(correlationID string, res []any) (int64, Snapshot, error) {
	if len(res) == 0 {
		return 0, Snapshot{}, errors.New("aggregator: empty script result")
	}
	code, ok := res[0].(int64)
	if !ok {
		return 0, Snapshot{}, fmt.Errorf("aggregator: unexpected script result %T", res[0])
	}
	switch code {
	case -1:
		return 0, Snapshot{}, ErrUnknownCorrelation
	case -2:
		return 0, Snapshot{}, ErrUnknownParticipant
	}
	fields := make(map[string]string, (len(res)-1)/2)
	for i := 1; i+1 < len(res); i += 2 {
		k, _ := res[i].(string)
		v, _ := res[i+1].(string)
		fields[k] = v
	}
	return code, buildSnapshot(correlationID, fields), nil
}

func buildSnapshot(correlationID string, fields map[string]string) Snapshot {
	snap := Snapshot{CorrelationID: correlationID, Entries: make(map[string]Entry), Claim: Claim(fields["claim"])}
	for k, v := range fields {
		participant, ok := strings.CutPrefix(k, "s:")
		if !ok {
			continue
		}
		e := Entry{Participant: participant, Status: Status(v)}
		if payload := fields["d:"+participant]; payload != "" {
			e.Payload = []byte(payload)
		}
		snap.Entries[participant] = e
	}
	return snap
}
