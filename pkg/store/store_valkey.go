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
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/incidentfox/orchestrator/pkg/common/types"
)

type valkeyStore struct {
	cli valkey.Client
}

// NewValkeyStore creates a Store backed by valkey-go.
func NewValkeyStore(opt valkey.ClientOption) (Store, error) {
	cli, err := valkey.NewClient(opt)
	if err != nil {
		return nil, fmt.Errorf("create valkey client failed: %w", err)
	}
	return &valkeyStore{cli: cli}, nil
}

func (vs *valkeyStore) Ping(ctx context.Context) error {
	resp, err := vs.cli.Do(ctx, vs.cli.B().Ping().Build()).ToString()
	if err != nil {
		return fmt.Errorf("ping error: %w", err)
	}
	if resp != "PONG" {
		return fmt.Errorf("unexpected ping response: %s", resp)
	}
	return nil
}

func (vs *valkeyStore) StoreRecord(ctx context.Context, record *types.StoredRecord) error {
	if record == nil {
		return errors.New("StoreRecord: record is nil")
	}
	if record.ExpiresAt.IsZero() {
		return fmt.Errorf("StoreRecord: record expiry is zero")
	}

	b, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("StoreRecord: marshal record: %w", err)
	}

	ttl := time.Until(record.ExpiresAt) + recordRetention
	if ttl <= 0 {
		ttl = recordRetention
	}

	commands := make(valkey.Commands, 0, 2)
	commands = append(commands, vs.cli.B().Set().Key(recordKey(record.ThreadID)).Value(string(b)).
		Ex(ttl).Build())
	commands = append(commands, vs.cli.B().Zadd().Key(expiryIndexKey).ScoreMember().
		ScoreMember(float64(record.ExpiresAt.Unix()), record.ThreadID).Build())

	for i, resp := range vs.cli.DoMulti(ctx, commands...) {
		if err = resp.Error(); err != nil {
			return fmt.Errorf("StoreRecord: DoMulti failed: %w, command index: %v", err, i)
		}
	}
	return nil
}

func (vs *valkeyStore) GetRecordByThreadID(ctx context.Context, threadID string) (*types.StoredRecord, error) {
	key := recordKey(threadID)
	b, err := vs.cli.Do(ctx, vs.cli.B().Get().Key(key).Build()).AsBytes()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("GetRecordByThreadID: valkey GET %s: %w", key, err)
	}

	var record types.StoredRecord
	if err := json.Unmarshal(b, &record); err != nil {
		return nil, fmt.Errorf("GetRecordByThreadID: unmarshal record %s: %w", key, err)
	}
	return &record, nil
}

func (vs *valkeyStore) DeleteRecordByThreadID(ctx context.Context, threadID string) error {
	deleted, err := vs.cli.Do(ctx, vs.cli.B().Del().Key(recordKey(threadID)).Build()).AsInt64()
	if err != nil {
		return fmt.Errorf("DeleteRecordByThreadID: valkey DEL %s: %w", recordKey(threadID), err)
	}
	if err := vs.cli.Do(ctx, vs.cli.B().Zrem().Key(expiryIndexKey).Member(threadID).Build()).Error(); err != nil {
		return fmt.Errorf("DeleteRecordByThreadID: valkey ZREM %s: %w", expiryIndexKey, err)
	}
	if deleted == 0 {
		return ErrNotFound
	}
	return nil
}

func (vs *valkeyStore) ListActiveRecords(ctx context.Context, limit int64) ([]*types.StoredRecord, error) {
	if limit <= 0 {
		return nil, nil
	}

	minScore := fmt.Sprintf("%d", time.Now().Unix())
	threadIDs, err := vs.cli.Do(ctx, vs.cli.B().Zrangebyscore().Key(expiryIndexKey).
		Min(minScore).Max("+inf").Limit(0, limit).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("ListActiveRecords: ZRangeByScore failed: %w", err)
	}

	records := make([]*types.StoredRecord, 0, len(threadIDs))
	for _, threadID := range threadIDs {
		record, err := vs.GetRecordByThreadID(ctx, threadID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (vs *valkeyStore) Close() error {
	vs.cli.Close()
	return nil
}
