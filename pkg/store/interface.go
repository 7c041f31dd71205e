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

// Package store indexes investigation sandboxes by thread id so the API can
// list active investigations, which the cluster API cannot do directly.
// Records never include the identity token.
package store

import (
	"context"
	"errors"

	"github.com/incidentfox/orchestrator/pkg/common/types"
)

// ErrNotFound indicates the record is absent from the index.
var ErrNotFound = errors.New("store: record not found")

// Store is the thread -> sandbox record index.
type Store interface {
	// Ping checks the store provider is reachable.
	Ping(ctx context.Context) error
	// StoreRecord inserts or replaces the record for its thread id.
	StoreRecord(ctx context.Context, record *types.StoredRecord) error
	// GetRecordByThreadID returns the record or ErrNotFound.
	GetRecordByThreadID(ctx context.Context, threadID string) (*types.StoredRecord, error)
	// DeleteRecordByThreadID removes the record; ErrNotFound when absent.
	DeleteRecordByThreadID(ctx context.Context, threadID string) error
	// ListActiveRecords returns up to limit records whose expiry lies in
	// the future, soonest-expiring first.
	ListActiveRecords(ctx context.Context, limit int64) ([]*types.StoredRecord, error)
	// Close releases connection pools.
	Close() error
}
