package strokelog

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// appendScript bumps the session counter and pushes the entry in one step,
// so list order and sequence order can never disagree.
var appendScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[2])
redis.call('RPUSH', KEYS[1], seq .. ' ' .. ARGV[1])
return seq
`)

// Redis stores each session's log as a list of "<seq> <json>" entries.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "sketchsync"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) listKey(sessionID string) string {
	return fmt.Sprintf("%s:session:%s:strokes", r.prefix, sessionID)
}

func (r *Redis) seqKey(sessionID string) string {
	return fmt.Sprintf("%s:session:%s:seq", r.prefix, sessionID)
}

func (r *Redis) Append(ctx context.Context, sessionID string, ev Event) (int64, error) {
	if err := ev.Validate(); err != nil {
		return 0, err
	}

	ev.Seq = 0
	ev.SessionID = sessionID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("marshalling stroke event: %w", err)
	}

	seq, err := appendScript.Run(ctx, r.client,
		[]string{r.listKey(sessionID), r.seqKey(sessionID)}, string(data)).Int64()
	if err != nil {
		return 0, fmt.Errorf("appending stroke event: %w", err)
	}
	return seq, nil
}

func (r *Redis) ReadAll(ctx context.Context, sessionID string) ([]Event, error) {
	entries, err := r.client.LRange(ctx, r.listKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading stroke events: %w", err)
	}

	events := make([]Event, 0, len(entries))
	for _, entry := range entries {
		ev, err := decodeEntry(entry)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func (r *Redis) Clear(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, r.listKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("clearing stroke events: %w", err)
	}
	return nil
}

func decodeEntry(entry string) (Event, error) {
	head, body, ok := strings.Cut(entry, " ")
	if !ok {
		return Event{}, fmt.Errorf("malformed stroke entry %q", entry)
	}
	seq, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return Event{}, fmt.Errorf("malformed stroke sequence: %w", err)
	}

	var ev Event
	if err := json.Unmarshal([]byte(body), &ev); err != nil {
		return Event{}, fmt.Errorf("unmarshalling stroke event: %w", err)
	}
	ev.Seq = seq
	return ev, nil
}
