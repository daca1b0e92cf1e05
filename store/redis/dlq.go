package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/dlq"
	"github.com/xraph/orchestra/id"
)

// PushDLQ stores the entry as JSON and indexes it by failure time.
func (s *Store) PushDLQ(ctx context.Context, entry *dlq.Entry) error {
	doc, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("orchestra/redis: encode dlq entry: %w", err)
	}
	entryID := entry.ID.String()

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, dlqKey(entryID), doc, 0)
	pipe.ZAdd(ctx, dlqIDsKey, goredis.Z{Score: float64(micros(entry.FailedAt)), Member: entryID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("orchestra/redis: push dlq: %w", err)
	}
	return nil
}

// ListDLQ returns matching entries, most recent failure first.
func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	ids, err := s.client.ZRevRange(ctx, dlqIDsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("orchestra/redis: list dlq: %w", err)
	}

	var out []*dlq.Entry
	for _, entryID := range ids {
		e, getErr := s.getDLQ(ctx, entryID)
		if getErr != nil {
			if errors.Is(getErr, orchestra.ErrDLQNotFound) {
				continue
			}
			return nil, getErr
		}
		if opts.TaskType != "" && e.TaskType != opts.TaskType {
			continue
		}
		if !opts.ExecutionID.IsNil() && e.ExecutionID.String() != opts.ExecutionID.String() {
			continue
		}
		out = append(out, e)
	}
	return paginate(out, opts.Limit, opts.Offset), nil
}

// GetDLQ returns one entry.
func (s *Store) GetDLQ(ctx context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	return s.getDLQ(ctx, entryID.String())
}

// PurgeDLQ removes entries that failed before the cut-off.
func (s *Store) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	maxScore := "(" + strconv.FormatInt(micros(before), 10)
	ids, err := s.client.ZRangeByScore(ctx, dlqIDsKey, &goredis.ZRangeBy{Min: "-inf", Max: maxScore}).Result()
	if err != nil {
		return 0, fmt.Errorf("orchestra/redis: purge dlq: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, len(ids))
	members := make([]any, len(ids))
	for i, entryID := range ids {
		keys[i] = dlqKey(entryID)
		members[i] = entryID
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.ZRem(ctx, dlqIDsKey, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("orchestra/redis: purge dlq: %w", err)
	}
	return int64(len(ids)), nil
}

// CountDLQ returns the number of entries.
func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	n, err := s.client.ZCard(ctx, dlqIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("orchestra/redis: count dlq: %w", err)
	}
	return n, nil
}

func (s *Store) getDLQ(ctx context.Context, entryID string) (*dlq.Entry, error) {
	raw, err := s.client.Get(ctx, dlqKey(entryID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, orchestra.ErrDLQNotFound
		}
		return nil, fmt.Errorf("orchestra/redis: get dlq: %w", err)
	}
	var e dlq.Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("orchestra/redis: decode dlq entry: %w", err)
	}
	return &e, nil
}
