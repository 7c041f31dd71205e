/*
Copyright The IncidentFox Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	redisv9 "github.com/redis/go-redis/v9"

	"github.com/incidentfox/orchestrator/pkg/common/types"
)

const (
	recordKeyPrefix = "investigation:"
	expiryIndexKey  = "investigation:expiry"

	// recordRetention keeps index entries a little beyond sandbox expiry
	// so late teardown still finds them.
	recordRetention = 1 * time.Hour
)

type redisStore struct {
	rdb *redisv9.Client
}

// NewRedisStore creates a Store backed by go-redis. The options are passed
// in explicitly; no connection state is global.
func NewRedisStore(opts *redisv9.Options) Store {
	return &redisStore{rdb: redisv9.NewClient(opts)}
}

func recordKey(threadID string) string {
	return recordKeyPrefix + threadID
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *redisStore) StoreRecord(ctx context.Context, record *types.StoredRecord) error {
	b, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("StoreRecord: marshal record for thread %s: %w", record.ThreadID, err)
	}

	key := recordKey(record.ThreadID)
	ttl := time.Until(record.ExpiresAt) + recordRetention
	if ttl <= 0 {
		ttl = recordRetention
	}
	if err := s.rdb.Set(ctx, key, b, ttl).Err(); err != nil {
		return fmt.Errorf("StoreRecord: redis SET %s: %w", key, err)
	}
	if err := s.rdb.ZAdd(ctx, expiryIndexKey, redisv9.Z{
		Score:  float64(record.ExpiresAt.Unix()),
		Member: record.ThreadID,
	}).Err(); err != nil {
		return fmt.Errorf("StoreRecord: redis ZADD %s: %w", expiryIndexKey, err)
	}
	return nil
}

func (s *redisStore) GetRecordByThreadID(ctx context.Context, threadID string) (*types.StoredRecord, error) {
	key := recordKey(threadID)
	b, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redisv9.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetRecordByThreadID: redis GET %s: %w", key, err)
	}

	var record types.StoredRecord
	if err := json.Unmarshal(b, &record); err != nil {
		return nil, fmt.Errorf("GetRecordByThreadID: unmarshal record %s: %w", key, err)
	}
	return &record, nil
}

func (s *redisStore) DeleteRecordByThreadID(ctx context.Context, threadID string) error {
	key := recordKey(threadID)
	deleted, err := s.rdb.Del(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("DeleteRecordByThreadID: redis DEL %s: %w", key, err)
	}
	if err := s.rdb.ZRem(ctx, expiryIndexKey, threadID).Err(); err != nil {
		return fmt.Errorf("DeleteRecordByThreadID: redis ZREM %s: %w", expiryIndexKey, err)
	}
	if deleted == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *redisStore) ListActiveRecords(ctx context.Context, limit int64) ([]*types.StoredRecord, error) {
	threadIDs, err := s.rdb.ZRangeByScore(ctx, expiryIndexKey, &redisv9.ZRangeBy{
		Min:   strconv.FormatInt(time.Now().Unix(), 10),
		Max:   "+inf",
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("ListActiveRecords: redis ZRANGEBYSCORE %s: %w", expiryIndexKey, err)
	}

	records := make([]*types.StoredRecord, 0, len(threadIDs))
	for _, threadID := range threadIDs {
		record, err := s.GetRecordByThreadID(ctx, threadID)
		if errors.Is(err, ErrNotFound) {
			// Index entry outlived the record; skip it.
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (s *redisStore) Close() error {
	return s.rdb.Close()
}
